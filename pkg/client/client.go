// Package client calls a QuotaControl server over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pario-ai/quotacontrol/pkg/models"
)

var _ models.QuotaControl = (*Client)(nil)

// Client implements models.QuotaControl against a remote server.
type Client struct {
	baseURL string
	http    *http.Client
	header  http.Header
	log     zerolog.Logger

	mu     sync.Mutex
	server models.GenVersions
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(cl *Client) { cl.header.Add(key, value) }
}

// WithLogger sets the logger used to report a server on another schema
// version.
func WithLogger(log zerolog.Logger) Option {
	return func(cl *Client) { cl.log = log }
}

// New returns a Client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		header:  http.Header{},
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// invoke posts args to the method and decodes the response into ret.
func (c *Client) invoke(ctx context.Context, method string, args, ret any) error {
	body, err := json.Marshal(args)
	if err != nil {
		return models.ErrWebrpcBadRequest.WithCausef("encode %s: %v", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc/QuotaControl/"+method, bytes.NewReader(body))
	if err != nil {
		return models.ErrWebrpcRequestFailed.WithCause(err)
	}
	for k, vals := range c.header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(models.WebrpcHeader, models.WebrpcHeaderValue)
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return models.AsError(ctx.Err())
		}
		return models.ErrWebrpcRequestFailed.WithCause(err)
	}
	defer resp.Body.Close()
	c.observeVersion(resp.Header)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.ErrWebrpcBadResponse.WithCausef("read %s response: %v", method, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e models.Error
		if err := json.Unmarshal(data, &e); err != nil {
			return models.ErrWebrpcBadResponse.WithCausef("status %d: %s", resp.StatusCode, truncate(data))
		}
		e.Status = resp.StatusCode
		return &e
	}
	if ret == nil {
		return nil
	}
	if err := json.Unmarshal(data, ret); err != nil {
		return models.ErrWebrpcBadResponse.WithCausef("decode %s response: %v", method, err)
	}
	return nil
}

// observeVersion records the server's Webrpc header and warns once per
// schema version that differs from ours.
func (c *Client) observeVersion(h http.Header) {
	v := models.VersionFromHeader(h)
	if v.SchemaVersion == "" {
		return
	}
	c.mu.Lock()
	changed := v != c.server
	c.server = v
	c.mu.Unlock()
	if changed && v.SchemaVersion != models.WebRPCSchemaVersion {
		c.log.Warn().
			Str("server_schema", v.SchemaVersion).
			Str("client_schema", models.WebRPCSchemaVersion).
			Msg("quota-control schema version mismatch")
	}
}

// ServerVersion returns the versions from the last response that carried a
// Webrpc header.
func (c *Client) ServerVersion() models.GenVersions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

func truncate(b []byte) string {
	const n = 256
	if len(b) > n {
		return fmt.Sprintf("%s...", b[:n])
	}
	return string(b)
}

func (c *Client) GetProjectStatus(ctx context.Context, projectID uint64) (*models.ProjectStatus, error) {
	var ret models.GetProjectStatusReturn
	err := c.invoke(ctx, "GetProjectStatus", models.GetProjectStatusArgs{ProjectID: projectID}, &ret)
	return ret.ProjectStatus, err
}

func (c *Client) GetAccessKey(ctx context.Context, accessKey string) (*models.AccessKey, error) {
	var ret models.GetAccessKeyReturn
	err := c.invoke(ctx, "GetAccessKey", models.GetAccessKeyArgs{AccessKey: accessKey}, &ret)
	return ret.AccessKey, err
}

func (c *Client) GetDefaultAccessKey(ctx context.Context, projectID uint64) (*models.AccessKey, error) {
	var ret models.GetDefaultAccessKeyReturn
	err := c.invoke(ctx, "GetDefaultAccessKey", models.GetDefaultAccessKeyArgs{ProjectID: projectID}, &ret)
	return ret.AccessKey, err
}

func (c *Client) CreateAccessKey(ctx context.Context, projectID uint64, displayName string, requireOrigin bool, allowedOrigins []string, allowedServices []models.Service, chainIDs []uint64) (*models.AccessKey, error) {
	var ret models.CreateAccessKeyReturn
	err := c.invoke(ctx, "CreateAccessKey", models.CreateAccessKeyArgs{
		ProjectID:       projectID,
		DisplayName:     displayName,
		RequireOrigin:   requireOrigin,
		AllowedOrigins:  allowedOrigins,
		AllowedServices: allowedServices,
		ChainIDs:        chainIDs,
	}, &ret)
	return ret.AccessKey, err
}

func (c *Client) RotateAccessKey(ctx context.Context, accessKey string) (*models.AccessKey, error) {
	var ret models.RotateAccessKeyReturn
	err := c.invoke(ctx, "RotateAccessKey", models.RotateAccessKeyArgs{AccessKey: accessKey}, &ret)
	return ret.AccessKey, err
}

func (c *Client) UpdateAccessKey(ctx context.Context, accessKey string, update models.AccessKeyUpdate) (*models.AccessKey, error) {
	var ret models.UpdateAccessKeyReturn
	err := c.invoke(ctx, "UpdateAccessKey", models.UpdateAccessKeyArgs{AccessKey: accessKey, AccessKeyUpdate: update}, &ret)
	return ret.AccessKey, err
}

func (c *Client) UpdateDefaultAccessKey(ctx context.Context, projectID uint64, accessKey string) (bool, error) {
	var ret models.UpdateDefaultAccessKeyReturn
	err := c.invoke(ctx, "UpdateDefaultAccessKey", models.UpdateDefaultAccessKeyArgs{ProjectID: projectID, AccessKey: accessKey}, &ret)
	return ret.OK, err
}

func (c *Client) ListAccessKeys(ctx context.Context, projectID uint64, active *bool, service *models.Service) ([]*models.AccessKey, error) {
	var ret models.ListAccessKeysReturn
	err := c.invoke(ctx, "ListAccessKeys", models.ListAccessKeysArgs{ProjectID: projectID, Active: active, Service: service}, &ret)
	return ret.AccessKeys, err
}

func (c *Client) DisableAccessKey(ctx context.Context, accessKey string) (bool, error) {
	var ret models.DisableAccessKeyReturn
	err := c.invoke(ctx, "DisableAccessKey", models.DisableAccessKeyArgs{AccessKey: accessKey}, &ret)
	return ret.OK, err
}

func (c *Client) GetProjectQuota(ctx context.Context, projectID uint64, now time.Time) (*models.AccessQuota, error) {
	var ret models.GetProjectQuotaReturn
	err := c.invoke(ctx, "GetProjectQuota", models.GetProjectQuotaArgs{ProjectID: projectID, Now: now}, &ret)
	return ret.AccessQuota, err
}

func (c *Client) GetAccessQuota(ctx context.Context, accessKey string, now time.Time) (*models.AccessQuota, error) {
	var ret models.GetAccessQuotaReturn
	err := c.invoke(ctx, "GetAccessQuota", models.GetAccessQuotaArgs{AccessKey: accessKey, Now: now}, &ret)
	return ret.AccessQuota, err
}

func (c *Client) ClearAccessQuotaCache(ctx context.Context, projectID uint64) (bool, error) {
	var ret models.ClearAccessQuotaCacheReturn
	err := c.invoke(ctx, "ClearAccessQuotaCache", models.ClearAccessQuotaCacheArgs{ProjectID: projectID}, &ret)
	return ret.OK, err
}

func (c *Client) GetAccountUsage(ctx context.Context, projectID uint64, service *models.Service, from, to *time.Time) (*models.AccessUsage, error) {
	var ret models.GetAccountUsageReturn
	err := c.invoke(ctx, "GetAccountUsage", models.GetAccountUsageArgs{ProjectID: projectID, Service: service, From: from, To: to}, &ret)
	return ret.Usage, err
}

func (c *Client) GetAccessKeyUsage(ctx context.Context, accessKey string, service *models.Service, from, to *time.Time) (*models.AccessUsage, error) {
	var ret models.GetAccessKeyUsageReturn
	err := c.invoke(ctx, "GetAccessKeyUsage", models.GetAccessKeyUsageArgs{AccessKey: accessKey, Service: service, From: from, To: to}, &ret)
	return ret.Usage, err
}

func (c *Client) GetAsyncUsage(ctx context.Context, projectID uint64, service *models.Service, from, to *time.Time) (*models.AccessUsage, error) {
	var ret models.GetAsyncUsageReturn
	err := c.invoke(ctx, "GetAsyncUsage", models.GetAsyncUsageArgs{ProjectID: projectID, Service: service, From: from, To: to}, &ret)
	return ret.Usage, err
}

func (c *Client) PrepareUsage(ctx context.Context, projectID uint64, cycle *models.Cycle, now time.Time) (bool, error) {
	var ret models.PrepareUsageReturn
	err := c.invoke(ctx, "PrepareUsage", models.PrepareUsageArgs{ProjectID: projectID, Cycle: cycle, Now: now}, &ret)
	return ret.OK, err
}

func (c *Client) ClearUsage(ctx context.Context, projectID uint64, now time.Time) (bool, error) {
	var ret models.ClearUsageReturn
	err := c.invoke(ctx, "ClearUsage", models.ClearUsageArgs{ProjectID: projectID, Now: now}, &ret)
	return ret.OK, err
}

func (c *Client) NotifyEvent(ctx context.Context, projectID uint64, eventType models.EventType) (bool, error) {
	var ret models.NotifyEventReturn
	err := c.invoke(ctx, "NotifyEvent", models.NotifyEventArgs{ProjectID: projectID, EventType: eventType}, &ret)
	return ret.OK, err
}

func (c *Client) UpdateProjectUsage(ctx context.Context, service models.Service, now time.Time, usage map[uint64]*models.AccessUsage) (map[uint64]bool, error) {
	var ret models.UpdateProjectUsageReturn
	err := c.invoke(ctx, "UpdateProjectUsage", models.UpdateProjectUsageArgs{Service: service, Now: now, Usage: usage}, &ret)
	return ret.OK, err
}

func (c *Client) UpdateKeyUsage(ctx context.Context, service models.Service, now time.Time, usage map[string]*models.AccessUsage) (map[string]bool, error) {
	var ret models.UpdateKeyUsageReturn
	err := c.invoke(ctx, "UpdateKeyUsage", models.UpdateKeyUsageArgs{Service: service, Now: now, Usage: usage}, &ret)
	return ret.OK, err
}

func (c *Client) UpdateUsage(ctx context.Context, service models.Service, now time.Time, usage map[string]*models.AccessUsage) (map[string]bool, error) {
	var ret models.UpdateUsageReturn
	err := c.invoke(ctx, "UpdateUsage", models.UpdateUsageArgs{Service: service, Now: now, Usage: usage}, &ret)
	return ret.OK, err
}

func (c *Client) GetUserPermission(ctx context.Context, projectID uint64, userID string) (models.UserPermission, *models.ResourceAccess, error) {
	var ret models.GetUserPermissionReturn
	err := c.invoke(ctx, "GetUserPermission", models.GetUserPermissionArgs{ProjectID: projectID, UserID: userID}, &ret)
	return ret.Permission, ret.ResourceAccess, err
}
