package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pario-ai/quotacontrol/pkg/models"
)

type usageKey struct {
	projectID uint64
	accessKey string
	service   models.Service
	bucket    time.Time
}

type cycleKey struct {
	projectID uint64
	start     time.Time
}

// Memory is an in-process Store. It backs tests and single-node setups
// that do not need durability.
type Memory struct {
	mu      sync.RWMutex
	keys    map[string]*models.AccessKey
	order   []string
	limits  map[uint64]models.Limit
	anchors map[uint64]int
	usage   map[usageKey]models.AccessUsage
	cycles  map[cycleKey]CycleState
	now     func() time.Time
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		keys:    make(map[string]*models.AccessKey),
		limits:  make(map[uint64]models.Limit),
		anchors: make(map[uint64]int),
		usage:   make(map[usageKey]models.AccessUsage),
		cycles:  make(map[cycleKey]CycleState),
		now:     time.Now,
	}
}

func cloneKey(k *models.AccessKey) *models.AccessKey {
	c := *k
	c.ChainIDs = slices.Clone(k.ChainIDs)
	c.AllowedOrigins = slices.Clone(k.AllowedOrigins)
	c.AllowedServices = slices.Clone(k.AllowedServices)
	if k.CreatedAt != nil {
		t := *k.CreatedAt
		c.CreatedAt = &t
	}
	return &c
}

func (m *Memory) FindAccessKey(_ context.Context, accessKey string) (*models.AccessKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[accessKey]
	if !ok {
		return nil, models.ErrAccessKeyNotFound
	}
	return cloneKey(k), nil
}

func (m *Memory) ListAccessKeys(_ context.Context, projectID uint64, active *bool, service *models.Service) ([]*models.AccessKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(projectID, active, service), nil
}

// list must be called with m.mu held.
func (m *Memory) list(projectID uint64, active *bool, service *models.Service) []*models.AccessKey {
	var out []*models.AccessKey
	for _, s := range m.order {
		k := m.keys[s]
		if k.ProjectID != projectID {
			continue
		}
		if active != nil && k.Active != *active {
			continue
		}
		if service != nil && !k.ValidateService(*service) {
			continue
		}
		out = append(out, cloneKey(k))
	}
	return out
}

func (m *Memory) CreateAccessKey(_ context.Context, key *models.AccessKey, maxKeys int64) (*models.AccessKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keys[key.AccessKey]; ok {
		return nil, models.ErrRequestConflict.WithCausef("access key already exists")
	}
	active := true
	existing := m.list(key.ProjectID, &active, nil)
	if maxKeys > 0 && int64(len(existing)) >= maxKeys {
		return nil, models.ErrMaxAccessKeys
	}

	k := cloneKey(key)
	k.Active = true
	k.Default = !slices.ContainsFunc(existing, func(e *models.AccessKey) bool { return e.Default })
	k.Version = 1
	if k.CreatedAt == nil {
		now := m.now().UTC()
		k.CreatedAt = &now
	}
	m.keys[k.AccessKey] = k
	m.order = append(m.order, k.AccessKey)
	return cloneKey(k), nil
}

func (m *Memory) UpdateAccessKey(_ context.Context, key *models.AccessKey) (*models.AccessKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.keys[key.AccessKey]
	if !ok {
		return nil, models.ErrAccessKeyNotFound
	}
	if cur.Version != key.Version {
		return nil, models.ErrRequestConflict.WithCausef("access key changed concurrently")
	}
	cur.DisplayName = key.DisplayName
	cur.RequireOrigin = key.RequireOrigin
	cur.AllowedOrigins = slices.Clone(key.AllowedOrigins)
	cur.AllowedServices = slices.Clone(key.AllowedServices)
	cur.ChainIDs = slices.Clone(key.ChainIDs)
	cur.Version++
	return cloneKey(cur), nil
}

func (m *Memory) RotateAccessKey(_ context.Context, oldKey, newKey string, version int64) (*models.AccessKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.keys[oldKey]
	if !ok {
		return nil, models.ErrAccessKeyNotFound
	}
	if cur.Version != version {
		return nil, models.ErrRequestConflict.WithCausef("access key changed concurrently")
	}
	if _, taken := m.keys[newKey]; taken {
		return nil, models.ErrRequestConflict.WithCausef("access key already exists")
	}
	delete(m.keys, oldKey)
	cur.AccessKey = newKey
	cur.Version++
	m.keys[newKey] = cur
	for i, s := range m.order {
		if s == oldKey {
			m.order[i] = newKey
		}
	}
	return cloneKey(cur), nil
}

func (m *Memory) SetDefaultAccessKey(_ context.Context, projectID uint64, accessKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[accessKey]
	if !ok || !k.Active {
		return models.ErrAccessKeyNotFound
	}
	if k.ProjectID != projectID {
		return models.ErrAccessKeyMismatch
	}
	for _, other := range m.keys {
		if other.ProjectID == projectID && other.Default && other.AccessKey != accessKey {
			other.Default = false
			other.Version++
		}
	}
	if !k.Default {
		k.Default = true
		k.Version++
	}
	return nil
}

func (m *Memory) DisableAccessKey(_ context.Context, accessKey string) (*models.AccessKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[accessKey]
	if !ok || !k.Active {
		return nil, models.ErrAccessKeyNotFound
	}
	active := true
	others := slices.DeleteFunc(m.list(k.ProjectID, &active, nil), func(o *models.AccessKey) bool {
		return o.AccessKey == accessKey
	})
	if len(others) == 0 {
		return nil, models.ErrAtLeastOneKey
	}

	wasDefault := k.Default
	k.Active = false
	k.Default = false
	k.Version++
	if wasDefault {
		next := m.keys[others[0].AccessKey]
		next.Default = true
		next.Version++
	}
	return cloneKey(k), nil
}

func (m *Memory) GetAccessLimit(_ context.Context, projectID uint64) (*models.Limit, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.limits[projectID]
	if !ok {
		return nil, false, nil
	}
	return &l, true, nil
}

func (m *Memory) SetAccessLimit(_ context.Context, projectID uint64, limit models.Limit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[projectID] = limit
	return nil
}

func (m *Memory) GetCycleAnchor(_ context.Context, projectID uint64) (int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.anchors[projectID]
	return d, ok, nil
}

func (m *Memory) SetCycleAnchor(_ context.Context, projectID uint64, day int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anchors[projectID] = day
	return nil
}

func (m *Memory) AddUsage(ctx context.Context, projectID uint64, accessKey string, service models.Service, at time.Time, delta models.AccessUsage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := usageKey{projectID, accessKey, service, Bucket(at)}
	u := m.usage[k]
	u.Add(delta)
	m.usage[k] = u
	return nil
}

func (m *Memory) GetUsage(_ context.Context, f UsageFilter) (models.AccessUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	from := Bucket(f.From)
	var total models.AccessUsage
	for k, u := range m.usage {
		if k.projectID != f.ProjectID || k.bucket.Before(from) || !k.bucket.Before(f.To) {
			continue
		}
		if f.AccessKey != nil && k.accessKey != *f.AccessKey {
			continue
		}
		if f.Service != nil && k.service != *f.Service {
			continue
		}
		total.Add(u)
	}
	return total, nil
}

func (m *Memory) GetCycleState(_ context.Context, projectID uint64, cycle models.Cycle) (CycleState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cycles[cycleKey{projectID, cycle.Start.UTC()}], nil
}

func (m *Memory) TransitionCycle(_ context.Context, projectID uint64, cycle models.Cycle, from []CycleState, to CycleState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := cycleKey{projectID, cycle.Start.UTC()}
	if !slices.Contains(from, m.cycles[k]) {
		return false, nil
	}
	m.cycles[k] = to
	return true, nil
}

func (m *Memory) Close() error { return nil }
