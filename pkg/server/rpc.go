package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pario-ai/quotacontrol/pkg/metrics"
	"github.com/pario-ai/quotacontrol/pkg/models"
)

const maxBodySize = 4 << 20

// endpoint decodes a request body, calls the method and returns the
// response body.
type endpoint func(ctx context.Context, body []byte) (any, error)

// method adapts a typed call to an endpoint. Unknown request fields are
// ignored and an empty body decodes as zero args.
func method[A, R any](call func(ctx context.Context, args A) (R, error)) endpoint {
	return func(ctx context.Context, body []byte) (any, error) {
		var args A
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &args); err != nil {
				return nil, models.ErrWebrpcBadRequest.WithCausef("decode request: %v", err)
			}
		}
		resp, err := call(ctx, args)
		if err != nil {
			return nil, err
		}
		return resp, nil
	}
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "method")
	ep, ok := s.endpoints[name]
	if !ok {
		writeError(w, r, models.ErrWebrpcBadRoute.WithCausef("unknown method %q", name))
		return
	}

	start := time.Now()
	resp, err := s.callRPC(r, ep)
	metrics.RPCDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RPCRequests.WithLabelValues(name, strconv.Itoa(models.AsError(err).Code)).Inc()
		writeError(w, r, err)
		return
	}
	metrics.RPCRequests.WithLabelValues(name, "0").Inc()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) callRPC(r *http.Request, ep endpoint) (any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, models.ErrWebrpcBadRequest.WithCausef("read request: %v", err)
	}
	if len(body) > maxBodySize {
		return nil, models.ErrWebrpcBadRequest.WithCausef("request body over %d bytes", maxBodySize)
	}
	resp, err := ep(r.Context(), body)
	if err != nil && errors.Is(r.Context().Err(), context.Canceled) {
		return nil, models.ErrWebrpcClientDisconnected.WithCause(err)
	}
	return resp, err
}

func endpoints(svc Service) map[string]endpoint {
	return map[string]endpoint{
		"GetProjectStatus": method(func(ctx context.Context, a models.GetProjectStatusArgs) (*models.GetProjectStatusReturn, error) {
			st, err := svc.GetProjectStatus(ctx, a.ProjectID)
			if err != nil {
				return nil, err
			}
			return &models.GetProjectStatusReturn{ProjectStatus: st}, nil
		}),
		"GetAccessKey": method(func(ctx context.Context, a models.GetAccessKeyArgs) (*models.GetAccessKeyReturn, error) {
			k, err := svc.GetAccessKey(ctx, a.AccessKey)
			if err != nil {
				return nil, err
			}
			return &models.GetAccessKeyReturn{AccessKey: k}, nil
		}),
		"GetDefaultAccessKey": method(func(ctx context.Context, a models.GetDefaultAccessKeyArgs) (*models.GetDefaultAccessKeyReturn, error) {
			k, err := svc.GetDefaultAccessKey(ctx, a.ProjectID)
			if err != nil {
				return nil, err
			}
			return &models.GetDefaultAccessKeyReturn{AccessKey: k}, nil
		}),
		"CreateAccessKey": method(func(ctx context.Context, a models.CreateAccessKeyArgs) (*models.CreateAccessKeyReturn, error) {
			k, err := svc.CreateAccessKey(ctx, a.ProjectID, a.DisplayName, a.RequireOrigin, a.AllowedOrigins, a.AllowedServices, a.ChainIDs)
			if err != nil {
				return nil, err
			}
			return &models.CreateAccessKeyReturn{AccessKey: k}, nil
		}),
		"RotateAccessKey": method(func(ctx context.Context, a models.RotateAccessKeyArgs) (*models.RotateAccessKeyReturn, error) {
			k, err := svc.RotateAccessKey(ctx, a.AccessKey)
			if err != nil {
				return nil, err
			}
			return &models.RotateAccessKeyReturn{AccessKey: k}, nil
		}),
		"UpdateAccessKey": method(func(ctx context.Context, a models.UpdateAccessKeyArgs) (*models.UpdateAccessKeyReturn, error) {
			k, err := svc.UpdateAccessKey(ctx, a.AccessKey, a.AccessKeyUpdate)
			if err != nil {
				return nil, err
			}
			return &models.UpdateAccessKeyReturn{AccessKey: k}, nil
		}),
		"UpdateDefaultAccessKey": method(func(ctx context.Context, a models.UpdateDefaultAccessKeyArgs) (*models.UpdateDefaultAccessKeyReturn, error) {
			ok, err := svc.UpdateDefaultAccessKey(ctx, a.ProjectID, a.AccessKey)
			if err != nil {
				return nil, err
			}
			return &models.UpdateDefaultAccessKeyReturn{OK: ok}, nil
		}),
		"ListAccessKeys": method(func(ctx context.Context, a models.ListAccessKeysArgs) (*models.ListAccessKeysReturn, error) {
			list, err := svc.ListAccessKeys(ctx, a.ProjectID, a.Active, a.Service)
			if err != nil {
				return nil, err
			}
			return &models.ListAccessKeysReturn{AccessKeys: list}, nil
		}),
		"DisableAccessKey": method(func(ctx context.Context, a models.DisableAccessKeyArgs) (*models.DisableAccessKeyReturn, error) {
			ok, err := svc.DisableAccessKey(ctx, a.AccessKey)
			if err != nil {
				return nil, err
			}
			return &models.DisableAccessKeyReturn{OK: ok}, nil
		}),
		"GetProjectQuota": method(func(ctx context.Context, a models.GetProjectQuotaArgs) (*models.GetProjectQuotaReturn, error) {
			q, err := svc.GetProjectQuota(ctx, a.ProjectID, a.Now)
			if err != nil {
				return nil, err
			}
			return &models.GetProjectQuotaReturn{AccessQuota: q}, nil
		}),
		"GetAccessQuota": method(func(ctx context.Context, a models.GetAccessQuotaArgs) (*models.GetAccessQuotaReturn, error) {
			q, err := svc.GetAccessQuota(ctx, a.AccessKey, a.Now)
			if err != nil {
				return nil, err
			}
			return &models.GetAccessQuotaReturn{AccessQuota: q}, nil
		}),
		"ClearAccessQuotaCache": method(func(ctx context.Context, a models.ClearAccessQuotaCacheArgs) (*models.ClearAccessQuotaCacheReturn, error) {
			ok, err := svc.ClearAccessQuotaCache(ctx, a.ProjectID)
			if err != nil {
				return nil, err
			}
			return &models.ClearAccessQuotaCacheReturn{OK: ok}, nil
		}),
		"GetAccountUsage": method(func(ctx context.Context, a models.GetAccountUsageArgs) (*models.GetAccountUsageReturn, error) {
			u, err := svc.GetAccountUsage(ctx, a.ProjectID, a.Service, a.From, a.To)
			if err != nil {
				return nil, err
			}
			return &models.GetAccountUsageReturn{Usage: u}, nil
		}),
		"GetAccessKeyUsage": method(func(ctx context.Context, a models.GetAccessKeyUsageArgs) (*models.GetAccessKeyUsageReturn, error) {
			u, err := svc.GetAccessKeyUsage(ctx, a.AccessKey, a.Service, a.From, a.To)
			if err != nil {
				return nil, err
			}
			return &models.GetAccessKeyUsageReturn{Usage: u}, nil
		}),
		"GetAsyncUsage": method(func(ctx context.Context, a models.GetAsyncUsageArgs) (*models.GetAsyncUsageReturn, error) {
			u, err := svc.GetAsyncUsage(ctx, a.ProjectID, a.Service, a.From, a.To)
			if err != nil {
				return nil, err
			}
			return &models.GetAsyncUsageReturn{Usage: u}, nil
		}),
		"PrepareUsage": method(func(ctx context.Context, a models.PrepareUsageArgs) (*models.PrepareUsageReturn, error) {
			ok, err := svc.PrepareUsage(ctx, a.ProjectID, a.Cycle, a.Now)
			if err != nil {
				return nil, err
			}
			return &models.PrepareUsageReturn{OK: ok}, nil
		}),
		"ClearUsage": method(func(ctx context.Context, a models.ClearUsageArgs) (*models.ClearUsageReturn, error) {
			ok, err := svc.ClearUsage(ctx, a.ProjectID, a.Now)
			if err != nil {
				return nil, err
			}
			return &models.ClearUsageReturn{OK: ok}, nil
		}),
		"NotifyEvent": method(func(ctx context.Context, a models.NotifyEventArgs) (*models.NotifyEventReturn, error) {
			ok, err := svc.NotifyEvent(ctx, a.ProjectID, a.EventType)
			if err != nil {
				return nil, err
			}
			return &models.NotifyEventReturn{OK: ok}, nil
		}),
		"UpdateProjectUsage": method(func(ctx context.Context, a models.UpdateProjectUsageArgs) (*models.UpdateProjectUsageReturn, error) {
			ok, err := svc.UpdateProjectUsage(ctx, a.Service, a.Now, a.Usage)
			if err != nil {
				return nil, err
			}
			return &models.UpdateProjectUsageReturn{OK: ok}, nil
		}),
		"UpdateKeyUsage": method(func(ctx context.Context, a models.UpdateKeyUsageArgs) (*models.UpdateKeyUsageReturn, error) {
			ok, err := svc.UpdateKeyUsage(ctx, a.Service, a.Now, a.Usage)
			if err != nil {
				return nil, err
			}
			return &models.UpdateKeyUsageReturn{OK: ok}, nil
		}),
		"UpdateUsage": method(func(ctx context.Context, a models.UpdateUsageArgs) (*models.UpdateUsageReturn, error) {
			ok, err := svc.UpdateUsage(ctx, a.Service, a.Now, a.Usage)
			if err != nil {
				return nil, err
			}
			return &models.UpdateUsageReturn{OK: ok}, nil
		}),
		"GetUserPermission": method(func(ctx context.Context, a models.GetUserPermissionArgs) (*models.GetUserPermissionReturn, error) {
			perm, access, err := svc.GetUserPermission(ctx, a.ProjectID, a.UserID)
			if err != nil {
				return nil, err
			}
			return &models.GetUserPermissionReturn{Permission: perm, ResourceAccess: access}, nil
		}),
	}
}
