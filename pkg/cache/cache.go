// Package cache holds the read-through AccessQuota cache used on the
// request path.
package cache

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/pario-ai/quotacontrol/pkg/metrics"
	"github.com/pario-ai/quotacontrol/pkg/models"
)

// Subject selects a cache entry: an access key, or the project when
// AccessKey is empty. ProjectID is always set.
type Subject struct {
	ProjectID uint64
	AccessKey string
}

func (s Subject) key() string {
	if s.AccessKey != "" {
		return "k:" + s.AccessKey
	}
	return "p:" + strconv.FormatUint(s.ProjectID, 10)
}

// Loader computes the quota of a subject at now.
type Loader func(ctx context.Context, s Subject, now time.Time) (*models.AccessQuota, error)

// Stats reports cache effectiveness.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

// Quota caches AccessQuota values. An entry is stale once the queried time
// leaves the cycle it was computed for. Entries only change by
// invalidation; a miss reloads through the Loader.
type Quota struct {
	lru   *expirable.LRU[string, *models.AccessQuota]
	load  Loader
	group singleflight.Group

	// mu guards the per-project index and generations and serializes
	// inserts against Clear.
	mu    sync.Mutex
	index map[uint64]map[string]struct{}
	gen   map[uint64]uint64

	hits   atomic.Int64
	misses atomic.Int64
}

// New returns a Quota cache holding up to size entries for at most ttl.
func New(size int, ttl time.Duration, load Loader) *Quota {
	return &Quota{
		lru:   expirable.NewLRU[string, *models.AccessQuota](size, nil, ttl),
		load:  load,
		index: make(map[uint64]map[string]struct{}),
		gen:   make(map[uint64]uint64),
	}
}

// Get returns the quota of s at now, loading it on a miss.
func (c *Quota) Get(ctx context.Context, s Subject, now time.Time) (*models.AccessQuota, error) {
	key := s.key()
	if q, ok := c.lru.Get(key); ok && q.Cycle.Contains(now) {
		c.hits.Add(1)
		metrics.CacheLookups.WithLabelValues("quota", "hit").Inc()
		return clone(q), nil
	}
	c.misses.Add(1)
	metrics.CacheLookups.WithLabelValues("quota", "miss").Inc()

	c.mu.Lock()
	gen := c.gen[s.ProjectID]
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.load(ctx, s, now)
	})
	if err != nil {
		return nil, err
	}
	q := v.(*models.AccessQuota)
	if !q.Cycle.Contains(now) {
		// A concurrent load for another point in time won the flight.
		if q, err = c.load(ctx, s, now); err != nil {
			return nil, err
		}
	}
	c.store(s.ProjectID, key, q, gen)
	return clone(q), nil
}

// store caches q unless the project was cleared since gen was read, or q
// describes an older cycle than the cached entry.
func (c *Quota) store(projectID uint64, key string, q *models.AccessQuota, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen[projectID] != gen {
		return
	}
	if cur, ok := c.lru.Peek(key); ok && cur.Cycle.Start.After(q.Cycle.Start) {
		return
	}
	keys := c.index[projectID]
	if keys == nil {
		keys = make(map[string]struct{})
		c.index[projectID] = keys
	}
	keys[key] = struct{}{}
	c.lru.Add(key, q)
}

// Clear drops every entry of projectID, including entries cached under
// keys that have since been rotated away.
func (c *Quota) Clear(projectID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen[projectID]++
	for key := range c.index[projectID] {
		c.lru.Remove(key)
	}
	c.lru.Remove(Subject{ProjectID: projectID}.key())
	delete(c.index, projectID)
}

// Purge drops every entry.
func (c *Quota) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for projectID := range c.index {
		c.gen[projectID]++
	}
	c.index = make(map[uint64]map[string]struct{})
	c.lru.Purge()
}

// Stats returns hit and miss counts and the current entry count.
func (c *Quota) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.lru.Len(),
	}
}

func clone(q *models.AccessQuota) *models.AccessQuota {
	out := &models.AccessQuota{}
	if q.Cycle != nil {
		c := *q.Cycle
		out.Cycle = &c
	}
	if q.Limit != nil {
		l := *q.Limit
		out.Limit = &l
	}
	if q.AccessKey != nil {
		k := *q.AccessKey
		k.ChainIDs = append([]uint64(nil), q.AccessKey.ChainIDs...)
		k.AllowedOrigins = append([]string(nil), q.AccessKey.AllowedOrigins...)
		k.AllowedServices = append([]models.Service(nil), q.AccessKey.AllowedServices...)
		out.AccessKey = &k
	}
	return out
}
