// Package permission maps (project, user) pairs to a permission level and
// the project's entitlements.
package permission

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/pario-ai/quotacontrol/pkg/config"
	"github.com/pario-ai/quotacontrol/pkg/metrics"
	"github.com/pario-ai/quotacontrol/pkg/models"
)

// Source is the membership and entitlement collaborator.
type Source interface {
	UserPermission(ctx context.Context, projectID uint64, userID string) (models.UserPermission, *models.ResourceAccess, error)
}

// Static serves the membership table from configuration.
type Static struct {
	mu        sync.RWMutex
	members   map[uint64]map[string]models.UserPermission
	resources map[uint64]*models.ResourceAccess
}

// NewStatic builds a Static source from cfg.
func NewStatic(cfg config.PermissionsConfig) (*Static, error) {
	s := &Static{}
	if err := s.Load(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Load replaces the table with cfg.
func (s *Static) Load(cfg config.PermissionsConfig) error {
	members := make(map[uint64]map[string]models.UserPermission)
	for _, m := range cfg.Members {
		p, err := models.ParseUserPermission(m.Permission)
		if err != nil {
			return err
		}
		if members[m.ProjectID] == nil {
			members[m.ProjectID] = make(map[string]models.UserPermission)
		}
		members[m.ProjectID][m.UserID] = p
	}
	resources := make(map[uint64]*models.ResourceAccess)
	for _, r := range cfg.Resources {
		ra := &models.ResourceAccess{ProjectID: r.ProjectID}
		if r.Tier != "" {
			ra.Subscription = &models.Subscription{Tier: r.Tier}
		}
		if len(r.Contracts) > 0 {
			ra.Minter = &models.Minter{Contracts: append([]string(nil), r.Contracts...)}
		}
		resources[r.ProjectID] = ra
	}

	s.mu.Lock()
	s.members = members
	s.resources = resources
	s.mu.Unlock()
	return nil
}

// UserPermission returns UNAUTHORIZED with no entitlements for unknown
// members.
func (s *Static) UserPermission(_ context.Context, projectID uint64, userID string) (models.UserPermission, *models.ResourceAccess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.members[projectID][userID]
	if !ok {
		return models.PermissionUnauthorized, nil, nil
	}
	access := s.resources[projectID]
	if access == nil {
		access = &models.ResourceAccess{ProjectID: projectID}
	}
	return p, access, nil
}

type result struct {
	perm   models.UserPermission
	access *models.ResourceAccess
}

// Resolver fronts a Source with a short-lived cache. Only granted
// permissions are cached so a new member is visible at once.
type Resolver struct {
	src   Source
	cache *expirable.LRU[string, result]
	log   zerolog.Logger
}

// NewResolver returns a Resolver caching results for ttl. A ttl of zero
// disables the cache.
func NewResolver(src Source, size int, ttl time.Duration, log zerolog.Logger) *Resolver {
	r := &Resolver{src: src, log: log.With().Str("component", "permission").Logger()}
	if ttl > 0 {
		r.cache = expirable.NewLRU[string, result](size, nil, ttl)
	}
	return r
}

func cacheKey(projectID uint64, userID string) string {
	return strconv.FormatUint(projectID, 10) + "/" + userID
}

// Resolve returns the permission of userID on projectID. A failing source
// yields ErrUnauthorizedUser.
func (r *Resolver) Resolve(ctx context.Context, projectID uint64, userID string) (models.UserPermission, *models.ResourceAccess, error) {
	key := cacheKey(projectID, userID)
	if r.cache != nil {
		if v, ok := r.cache.Get(key); ok {
			metrics.CacheLookups.WithLabelValues("permission", "hit").Inc()
			return v.perm, v.access, nil
		}
		metrics.CacheLookups.WithLabelValues("permission", "miss").Inc()
	}

	perm, access, err := r.src.UserPermission(ctx, projectID, userID)
	if err != nil {
		r.log.Warn().Err(err).Uint64("project_id", projectID).Msg("permission source")
		return models.PermissionUnauthorized, nil, models.ErrUnauthorizedUser.WithCause(err)
	}
	if r.cache != nil && perm != models.PermissionUnauthorized {
		r.cache.Add(key, result{perm: perm, access: access})
	}
	return perm, access, nil
}

// Purge drops every cached result.
func (r *Resolver) Purge() {
	if r.cache != nil {
		r.cache.Purge()
	}
}
