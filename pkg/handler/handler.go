// Package handler implements the QuotaControl service on top of the store,
// the caches, the usage engine and the rate limiter.
package handler

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/quotacontrol/pkg/cache"
	"github.com/pario-ai/quotacontrol/pkg/cycle"
	"github.com/pario-ai/quotacontrol/pkg/keys"
	"github.com/pario-ai/quotacontrol/pkg/limits"
	"github.com/pario-ai/quotacontrol/pkg/models"
	"github.com/pario-ai/quotacontrol/pkg/permission"
	"github.com/pario-ai/quotacontrol/pkg/ratelimit"
	"github.com/pario-ai/quotacontrol/pkg/store"
	"github.com/pario-ai/quotacontrol/pkg/tracker"
	"github.com/pario-ai/quotacontrol/pkg/usage"
)

var _ models.QuotaControl = (*Handler)(nil)

// Emitter persists threshold events.
type Emitter interface {
	Emit(ctx context.Context, projectID uint64, event models.EventType) error
}

// Deps are the collaborators of a Handler. Tracker and Events may be nil.
type Deps struct {
	Store       store.Store
	Limits      *limits.Resolver
	Cycles      *cycle.Resolver
	Engine      *usage.Engine
	Tracker     *tracker.Tracker
	Limiter     ratelimit.Limiter
	Permissions *permission.Resolver
	Events      Emitter

	KeyPrefix   string
	CacheSize   int
	CacheTTL    time.Duration
	Concurrency int
}

// Handler serves every QuotaControl method.
type Handler struct {
	store   store.Store
	limits  *limits.Resolver
	cycles  *cycle.Resolver
	engine  *usage.Engine
	tracker *tracker.Tracker
	limiter ratelimit.Limiter
	perms   *permission.Resolver
	events  Emitter
	quota   *cache.Quota

	keyPrefix   string
	concurrency int
	log         zerolog.Logger
	now         func() time.Time
}

// New wires a Handler and registers its cache invalidation hooks.
func New(d Deps, log zerolog.Logger) *Handler {
	h := &Handler{
		store:       d.Store,
		limits:      d.Limits,
		cycles:      d.Cycles,
		engine:      d.Engine,
		tracker:     d.Tracker,
		limiter:     d.Limiter,
		perms:       d.Permissions,
		events:      d.Events,
		keyPrefix:   d.KeyPrefix,
		concurrency: d.Concurrency,
		log:         log.With().Str("component", "handler").Logger(),
		now:         time.Now,
	}
	if h.concurrency <= 0 {
		h.concurrency = 8
	}
	size, ttl := d.CacheSize, d.CacheTTL
	if size <= 0 {
		size = 10000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	h.quota = cache.New(size, ttl, h.loadQuota)

	h.limits.OnChange(func(_ context.Context, projectID uint64) {
		h.quota.Clear(projectID)
	})
	if h.tracker != nil {
		h.engine.OnClear(h.tracker.Discard)
	}
	return h
}

// PurgeQuotaCache drops every cached quota, e.g. after the default limit
// changed.
func (h *Handler) PurgeQuotaCache() {
	h.quota.Purge()
}

// CacheStats reports quota cache effectiveness.
func (h *Handler) CacheStats() cache.Stats {
	return h.quota.Stats()
}

func (h *Handler) loadQuota(ctx context.Context, s cache.Subject, now time.Time) (*models.AccessQuota, error) {
	key := &models.AccessKey{ProjectID: s.ProjectID}
	if s.AccessKey != "" {
		k, err := h.store.FindAccessKey(ctx, s.AccessKey)
		if err != nil {
			return nil, err
		}
		key = k
	}
	c, err := h.cycles.Cycle(ctx, s.ProjectID, now)
	if err != nil {
		return nil, err
	}
	limit, err := h.limits.Resolve(ctx, s.ProjectID)
	if err != nil {
		return nil, err
	}
	return &models.AccessQuota{Cycle: &c, Limit: &limit, AccessKey: key}, nil
}

// projectOf returns the project owning accessKey, decoding it when
// possible and falling back to a lookup.
func (h *Handler) projectOf(ctx context.Context, accessKey string) (uint64, error) {
	if id, err := keys.ProjectID(accessKey); err == nil {
		return id, nil
	}
	k, err := h.store.FindAccessKey(ctx, accessKey)
	if err != nil {
		return 0, err
	}
	return k.ProjectID, nil
}

func rateKey(projectID uint64) string {
	return strconv.FormatUint(projectID, 10)
}

func (h *Handler) GetProjectStatus(ctx context.Context, projectID uint64) (*models.ProjectStatus, error) {
	now := h.now()
	limit, err := h.limits.Resolve(ctx, projectID)
	if err != nil {
		return nil, err
	}
	byService, err := h.engine.ConsumedByService(ctx, projectID, now)
	if err != nil {
		return nil, err
	}
	if h.tracker != nil {
		c, err := h.cycles.Cycle(ctx, projectID, now)
		if err != nil {
			return nil, err
		}
		for svc := range byService {
			byService[svc] += h.tracker.Pending(projectID, nil, &svc, c.Start, c.End).Consumed()
		}
	}
	// The counter tracks the service closest to its limit.
	var counter int64
	for svc, v := range byService {
		if v == 0 {
			delete(byService, svc)
			continue
		}
		counter = max(counter, v)
	}
	return &models.ProjectStatus{
		ProjectID:        projectID,
		Limit:            &limit,
		UsageCounter:     counter,
		UsageByService:   byService,
		RateLimitCounter: h.limiter.Count(rateKey(projectID), now),
	}, nil
}

func (h *Handler) GetAccessKey(ctx context.Context, accessKey string) (*models.AccessKey, error) {
	return h.store.FindAccessKey(ctx, accessKey)
}

func (h *Handler) GetDefaultAccessKey(ctx context.Context, projectID uint64) (*models.AccessKey, error) {
	active := true
	list, err := h.store.ListAccessKeys(ctx, projectID, &active, nil)
	if err != nil {
		return nil, err
	}
	for _, k := range list {
		if k.Default {
			return k, nil
		}
	}
	return nil, models.ErrNoDefaultKey
}

func (h *Handler) CreateAccessKey(ctx context.Context, projectID uint64, displayName string, requireOrigin bool, allowedOrigins []string, allowedServices []models.Service, chainIDs []uint64) (*models.AccessKey, error) {
	limit, err := h.limits.Resolve(ctx, projectID)
	if err != nil {
		return nil, err
	}
	secret, err := keys.Generate(h.keyPrefix, projectID)
	if err != nil {
		return nil, models.ErrWebrpcInternalError.WithCause(err)
	}
	k, err := h.store.CreateAccessKey(ctx, &models.AccessKey{
		ProjectID:       projectID,
		DisplayName:     displayName,
		AccessKey:       secret,
		RequireOrigin:   requireOrigin,
		AllowedOrigins:  allowedOrigins,
		AllowedServices: allowedServices,
		ChainIDs:        chainIDs,
	}, limit.MaxKeys)
	if err != nil {
		return nil, err
	}
	h.quota.Clear(projectID)
	h.log.Info().Uint64("project_id", projectID).Str("key_prefix", keyHint(k.AccessKey)).Msg("access key created")
	return k, nil
}

func (h *Handler) RotateAccessKey(ctx context.Context, accessKey string) (*models.AccessKey, error) {
	k, err := h.store.FindAccessKey(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	if !k.Active {
		return nil, models.ErrAccessKeyNotFound
	}
	prefix := keys.Prefix(accessKey)
	if prefix == "" {
		prefix = h.keyPrefix
	}
	secret, err := keys.Generate(prefix, k.ProjectID)
	if err != nil {
		return nil, models.ErrWebrpcInternalError.WithCause(err)
	}
	rotated, err := h.store.RotateAccessKey(ctx, accessKey, secret, k.Version)
	if err != nil {
		return nil, err
	}
	h.quota.Clear(k.ProjectID)
	h.log.Info().Uint64("project_id", k.ProjectID).Str("key_prefix", keyHint(secret)).Msg("access key rotated")
	return rotated, nil
}

func (h *Handler) UpdateAccessKey(ctx context.Context, accessKey string, update models.AccessKeyUpdate) (*models.AccessKey, error) {
	k, err := h.store.FindAccessKey(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	update.Apply(k)
	updated, err := h.store.UpdateAccessKey(ctx, k)
	if err != nil {
		return nil, err
	}
	h.quota.Clear(k.ProjectID)
	return updated, nil
}

func (h *Handler) UpdateDefaultAccessKey(ctx context.Context, projectID uint64, accessKey string) (bool, error) {
	if err := h.store.SetDefaultAccessKey(ctx, projectID, accessKey); err != nil {
		return false, err
	}
	h.quota.Clear(projectID)
	return true, nil
}

func (h *Handler) ListAccessKeys(ctx context.Context, projectID uint64, active *bool, service *models.Service) ([]*models.AccessKey, error) {
	list, err := h.store.ListAccessKeys(ctx, projectID, active, service)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*models.AccessKey{}
	}
	return list, nil
}

func (h *Handler) DisableAccessKey(ctx context.Context, accessKey string) (bool, error) {
	k, err := h.store.DisableAccessKey(ctx, accessKey)
	if err != nil {
		return false, err
	}
	h.quota.Clear(k.ProjectID)
	h.log.Info().Uint64("project_id", k.ProjectID).Str("key_prefix", keyHint(accessKey)).Msg("access key disabled")
	return true, nil
}

func (h *Handler) GetProjectQuota(ctx context.Context, projectID uint64, now time.Time) (*models.AccessQuota, error) {
	return h.quota.Get(ctx, cache.Subject{ProjectID: projectID}, h.orNow(now))
}

func (h *Handler) GetAccessQuota(ctx context.Context, accessKey string, now time.Time) (*models.AccessQuota, error) {
	projectID, err := h.projectOf(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	return h.quota.Get(ctx, cache.Subject{ProjectID: projectID, AccessKey: accessKey}, h.orNow(now))
}

func (h *Handler) ClearAccessQuotaCache(_ context.Context, projectID uint64) (bool, error) {
	h.quota.Clear(projectID)
	return true, nil
}

func (h *Handler) NotifyEvent(ctx context.Context, projectID uint64, eventType models.EventType) (bool, error) {
	h.log.Info().Uint64("project_id", projectID).Str("event", eventType.String()).Msg("notify event")
	if h.events == nil {
		return true, nil
	}
	if err := h.events.Emit(ctx, projectID, eventType); err != nil {
		return false, err
	}
	return true, nil
}

func (h *Handler) GetUserPermission(ctx context.Context, projectID uint64, userID string) (models.UserPermission, *models.ResourceAccess, error) {
	return h.perms.Resolve(ctx, projectID, userID)
}

func (h *Handler) orNow(t time.Time) time.Time {
	if t.IsZero() {
		return h.now()
	}
	return t
}

// keyHint returns a loggable prefix of a secret.
func keyHint(accessKey string) string {
	if len(accessKey) > 8 {
		return accessKey[:8]
	}
	return accessKey
}

// isRejection reports whether err is a per-subject refusal, such as an
// unknown key, rather than a failure of the request itself.
func isRejection(err error) bool {
	var e *models.Error
	return errors.As(err, &e) && e.Class() != models.ClassTransport
}
