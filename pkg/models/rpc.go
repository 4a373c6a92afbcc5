package models

import (
	"context"
	"time"
)

// QuotaControl is the RPC surface of the service. The handler implements it
// in process and the HTTP client implements it over the wire.
type QuotaControl interface {
	GetProjectStatus(ctx context.Context, projectID uint64) (*ProjectStatus, error)

	GetAccessKey(ctx context.Context, accessKey string) (*AccessKey, error)
	GetDefaultAccessKey(ctx context.Context, projectID uint64) (*AccessKey, error)
	CreateAccessKey(ctx context.Context, projectID uint64, displayName string, requireOrigin bool, allowedOrigins []string, allowedServices []Service, chainIDs []uint64) (*AccessKey, error)
	RotateAccessKey(ctx context.Context, accessKey string) (*AccessKey, error)
	UpdateAccessKey(ctx context.Context, accessKey string, update AccessKeyUpdate) (*AccessKey, error)
	UpdateDefaultAccessKey(ctx context.Context, projectID uint64, accessKey string) (bool, error)
	ListAccessKeys(ctx context.Context, projectID uint64, active *bool, service *Service) ([]*AccessKey, error)
	DisableAccessKey(ctx context.Context, accessKey string) (bool, error)

	GetProjectQuota(ctx context.Context, projectID uint64, now time.Time) (*AccessQuota, error)
	GetAccessQuota(ctx context.Context, accessKey string, now time.Time) (*AccessQuota, error)
	ClearAccessQuotaCache(ctx context.Context, projectID uint64) (bool, error)

	GetAccountUsage(ctx context.Context, projectID uint64, service *Service, from, to *time.Time) (*AccessUsage, error)
	GetAccessKeyUsage(ctx context.Context, accessKey string, service *Service, from, to *time.Time) (*AccessUsage, error)
	GetAsyncUsage(ctx context.Context, projectID uint64, service *Service, from, to *time.Time) (*AccessUsage, error)
	PrepareUsage(ctx context.Context, projectID uint64, cycle *Cycle, now time.Time) (bool, error)
	ClearUsage(ctx context.Context, projectID uint64, now time.Time) (bool, error)
	NotifyEvent(ctx context.Context, projectID uint64, eventType EventType) (bool, error)
	UpdateProjectUsage(ctx context.Context, service Service, now time.Time, usage map[uint64]*AccessUsage) (map[uint64]bool, error)
	UpdateKeyUsage(ctx context.Context, service Service, now time.Time, usage map[string]*AccessUsage) (map[string]bool, error)
	UpdateUsage(ctx context.Context, service Service, now time.Time, usage map[string]*AccessUsage) (map[string]bool, error)

	GetUserPermission(ctx context.Context, projectID uint64, userID string) (UserPermission, *ResourceAccess, error)
}

// Methods lists the RPC method names in schema order.
var Methods = []string{
	"GetProjectStatus",
	"GetAccessKey",
	"GetDefaultAccessKey",
	"CreateAccessKey",
	"RotateAccessKey",
	"UpdateAccessKey",
	"UpdateDefaultAccessKey",
	"ListAccessKeys",
	"DisableAccessKey",
	"GetProjectQuota",
	"GetAccessQuota",
	"ClearAccessQuotaCache",
	"GetAccountUsage",
	"GetAccessKeyUsage",
	"GetAsyncUsage",
	"PrepareUsage",
	"ClearUsage",
	"NotifyEvent",
	"UpdateProjectUsage",
	"UpdateKeyUsage",
	"UpdateUsage",
	"GetUserPermission",
}

// AccessKeyUpdate carries the optional fields of UpdateAccessKey. A nil
// field is left unchanged; a pointer to an empty slice clears the list.
type AccessKeyUpdate struct {
	DisplayName     *string    `json:"displayName,omitempty"`
	RequireOrigin   *bool      `json:"requireOrigin,omitempty"`
	AllowedOrigins  *[]string  `json:"allowedOrigins,omitempty"`
	AllowedServices *[]Service `json:"allowedServices,omitempty"`
	ChainIDs        *[]uint64  `json:"chainIds,omitempty"`
}

// Apply copies the set fields onto key.
func (u AccessKeyUpdate) Apply(key *AccessKey) {
	if u.DisplayName != nil {
		key.DisplayName = *u.DisplayName
	}
	if u.RequireOrigin != nil {
		key.RequireOrigin = *u.RequireOrigin
	}
	if u.AllowedOrigins != nil {
		key.AllowedOrigins = *u.AllowedOrigins
	}
	if u.AllowedServices != nil {
		key.AllowedServices = *u.AllowedServices
	}
	if u.ChainIDs != nil {
		key.ChainIDs = *u.ChainIDs
	}
}

// Request and response bodies. Unknown fields are ignored on decode.

type GetProjectStatusArgs struct {
	ProjectID uint64 `json:"projectId"`
}

type GetProjectStatusReturn struct {
	ProjectStatus *ProjectStatus `json:"projectStatus"`
}

type GetAccessKeyArgs struct {
	AccessKey string `json:"accessKey"`
}

type GetAccessKeyReturn struct {
	AccessKey *AccessKey `json:"accessKey"`
}

type GetDefaultAccessKeyArgs struct {
	ProjectID uint64 `json:"projectID"`
}

type GetDefaultAccessKeyReturn struct {
	AccessKey *AccessKey `json:"accessKey"`
}

type CreateAccessKeyArgs struct {
	ProjectID       uint64    `json:"projectId"`
	DisplayName     string    `json:"displayName"`
	RequireOrigin   bool      `json:"requireOrigin"`
	AllowedOrigins  []string  `json:"allowedOrigins"`
	AllowedServices []Service `json:"allowedServices"`
	ChainIDs        []uint64  `json:"chainIds,omitempty"`
}

type CreateAccessKeyReturn struct {
	AccessKey *AccessKey `json:"accessKey"`
}

type RotateAccessKeyArgs struct {
	AccessKey string `json:"accessKey"`
}

type RotateAccessKeyReturn struct {
	AccessKey *AccessKey `json:"accessKey"`
}

type UpdateAccessKeyArgs struct {
	AccessKey string `json:"accessKey"`
	AccessKeyUpdate
}

type UpdateAccessKeyReturn struct {
	AccessKey *AccessKey `json:"accessKey"`
}

type UpdateDefaultAccessKeyArgs struct {
	ProjectID uint64 `json:"projectID"`
	AccessKey string `json:"accessKey"`
}

type UpdateDefaultAccessKeyReturn struct {
	OK bool `json:"ok"`
}

type ListAccessKeysArgs struct {
	ProjectID uint64   `json:"projectId"`
	Active    *bool    `json:"active,omitempty"`
	Service   *Service `json:"service,omitempty"`
}

type ListAccessKeysReturn struct {
	AccessKeys []*AccessKey `json:"accessKeys"`
}

type DisableAccessKeyArgs struct {
	AccessKey string `json:"accessKey"`
}

type DisableAccessKeyReturn struct {
	OK bool `json:"ok"`
}

type GetProjectQuotaArgs struct {
	ProjectID uint64    `json:"projectId"`
	Now       time.Time `json:"now"`
}

type GetProjectQuotaReturn struct {
	AccessQuota *AccessQuota `json:"accessQuota"`
}

type GetAccessQuotaArgs struct {
	AccessKey string    `json:"accessKey"`
	Now       time.Time `json:"now"`
}

type GetAccessQuotaReturn struct {
	AccessQuota *AccessQuota `json:"accessQuota"`
}

type ClearAccessQuotaCacheArgs struct {
	ProjectID uint64 `json:"projectID"`
}

type ClearAccessQuotaCacheReturn struct {
	OK bool `json:"ok"`
}

type GetAccountUsageArgs struct {
	ProjectID uint64     `json:"projectID"`
	Service   *Service   `json:"service,omitempty"`
	From      *time.Time `json:"from,omitempty"`
	To        *time.Time `json:"to,omitempty"`
}

type GetAccountUsageReturn struct {
	Usage *AccessUsage `json:"usage"`
}

type GetAccessKeyUsageArgs struct {
	AccessKey string     `json:"accessKey"`
	Service   *Service   `json:"service,omitempty"`
	From      *time.Time `json:"from,omitempty"`
	To        *time.Time `json:"to,omitempty"`
}

type GetAccessKeyUsageReturn struct {
	Usage *AccessUsage `json:"usage"`
}

type GetAsyncUsageArgs struct {
	ProjectID uint64     `json:"projectID"`
	Service   *Service   `json:"service,omitempty"`
	From      *time.Time `json:"from,omitempty"`
	To        *time.Time `json:"to,omitempty"`
}

type GetAsyncUsageReturn struct {
	Usage *AccessUsage `json:"usage"`
}

type PrepareUsageArgs struct {
	ProjectID uint64    `json:"projectID"`
	Cycle     *Cycle    `json:"cycle"`
	Now       time.Time `json:"now"`
}

type PrepareUsageReturn struct {
	OK bool `json:"ok"`
}

type ClearUsageArgs struct {
	ProjectID uint64    `json:"projectID"`
	Now       time.Time `json:"now"`
}

type ClearUsageReturn struct {
	OK bool `json:"ok"`
}

type NotifyEventArgs struct {
	ProjectID uint64    `json:"projectID"`
	EventType EventType `json:"eventType"`
}

type NotifyEventReturn struct {
	OK bool `json:"ok"`
}

type UpdateProjectUsageArgs struct {
	Service Service                 `json:"service"`
	Now     time.Time               `json:"now"`
	Usage   map[uint64]*AccessUsage `json:"usage"`
}

type UpdateProjectUsageReturn struct {
	OK map[uint64]bool `json:"ok"`
}

type UpdateKeyUsageArgs struct {
	Service Service                 `json:"service"`
	Now     time.Time               `json:"now"`
	Usage   map[string]*AccessUsage `json:"usage"`
}

type UpdateKeyUsageReturn struct {
	OK map[string]bool `json:"ok"`
}

type UpdateUsageArgs struct {
	Service Service                 `json:"service"`
	Now     time.Time               `json:"now"`
	Usage   map[string]*AccessUsage `json:"usage"`
}

type UpdateUsageReturn struct {
	OK map[string]bool `json:"ok"`
}

type GetUserPermissionArgs struct {
	ProjectID uint64 `json:"projectId"`
	UserID    string `json:"userId"`
}

type GetUserPermissionReturn struct {
	Permission     UserPermission  `json:"permission"`
	ResourceAccess *ResourceAccess `json:"resourceAccess"`
}
