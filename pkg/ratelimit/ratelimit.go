// Package ratelimit enforces per-subject request ceilings, independent of
// compute quotas.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pario-ai/quotacontrol/pkg/config"
	"github.com/pario-ai/quotacontrol/pkg/metrics"
)

// Limiter admits or rejects requests against a per-window limit. A limit
// of 0 or less is unlimited.
type Limiter interface {
	Allow(key string, limit int64, now time.Time) bool
	// Count reports the requests counted against key in the current window.
	Count(key string, now time.Time) int64
}

// New returns the limiter selected by cfg.Strategy.
func New(cfg config.RateLimitConfig) (Limiter, error) {
	switch cfg.Strategy {
	case "", "window":
		return NewWindow(cfg.Window), nil
	case "token":
		return NewToken(cfg.Window), nil
	}
	return nil, fmt.Errorf("unknown rate limit strategy %q", cfg.Strategy)
}

func record(allowed bool) bool {
	if allowed {
		metrics.RateLimitDecisions.WithLabelValues("allowed").Inc()
	} else {
		metrics.RateLimitDecisions.WithLabelValues("rejected").Inc()
	}
	return allowed
}

type counter struct {
	start time.Time
	count int64
}

// Window is a fixed-window counter. Counters reset when now enters a new
// window.
type Window struct {
	window time.Duration

	mu       sync.Mutex
	counters map[string]*counter
	swept    time.Time
}

// NewWindow returns a fixed-window limiter.
func NewWindow(window time.Duration) *Window {
	if window <= 0 {
		window = time.Minute
	}
	return &Window{window: window, counters: make(map[string]*counter)}
}

func (w *Window) Allow(key string, limit int64, now time.Time) bool {
	if limit <= 0 {
		return record(true)
	}
	start := now.Truncate(w.window)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.sweep(start)

	c, ok := w.counters[key]
	if !ok || !c.start.Equal(start) {
		c = &counter{start: start}
		w.counters[key] = c
	}
	if c.count >= limit {
		return record(false)
	}
	c.count++
	return record(true)
}

func (w *Window) Count(key string, now time.Time) int64 {
	start := now.Truncate(w.window)
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.counters[key]; ok && c.start.Equal(start) {
		return c.count
	}
	return 0
}

// sweep drops counters of past windows, at most once per window.
func (w *Window) sweep(start time.Time) {
	if !start.After(w.swept) {
		return
	}
	for k, c := range w.counters {
		if c.start.Before(start) {
			delete(w.counters, k)
		}
	}
	w.swept = start
}

type bucket struct {
	limiter *rate.Limiter
	limit   int64
	last    time.Time
}

// Token is a token bucket refilling limit tokens per window with a burst
// of limit.
type Token struct {
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	swept   time.Time
}

// NewToken returns a token-bucket limiter.
func NewToken(window time.Duration) *Token {
	if window <= 0 {
		window = time.Minute
	}
	return &Token{window: window, buckets: make(map[string]*bucket)}
}

func (t *Token) Allow(key string, limit int64, now time.Time) bool {
	if limit <= 0 {
		return record(true)
	}
	every := rate.Every(t.window / time.Duration(limit))

	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweep(now)

	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(every, int(limit)), limit: limit}
		t.buckets[key] = b
	} else if b.limit != limit {
		b.limiter.SetLimitAt(now, every)
		b.limiter.SetBurstAt(now, int(limit))
		b.limit = limit
	}
	b.last = now
	return record(b.limiter.AllowN(now, 1))
}

func (t *Token) Count(key string, now time.Time) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buckets[key]
	if !ok {
		return 0
	}
	used := float64(b.limit) - b.limiter.TokensAt(now)
	if used < 0 {
		return 0
	}
	return int64(used)
}

// sweep drops buckets idle for a full window; they would be full again.
func (t *Token) sweep(now time.Time) {
	if now.Sub(t.swept) < t.window {
		return
	}
	for k, b := range t.buckets {
		if now.Sub(b.last) >= t.window {
			delete(t.buckets, k)
		}
	}
	t.swept = now
}
