// Package usage implements compute accounting per project cycle.
//
// Every delta is classified against the project's consumed total for the
// (service, cycle) bucket: units fill the free tier, then the overage tier,
// and the remainder is limited. Rows are written per subject (an access key,
// or "" for project-level usage) to the durable ledger.
package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/quotacontrol/pkg/cycle"
	"github.com/pario-ai/quotacontrol/pkg/metrics"
	"github.com/pario-ai/quotacontrol/pkg/models"
	"github.com/pario-ai/quotacontrol/pkg/store"
)

// Store is the persistence the engine needs.
type Store interface {
	store.UsageStore
	store.CycleStore
}

// LimitResolver returns the limit in effect for a project.
type LimitResolver interface {
	Resolve(ctx context.Context, projectID uint64) (models.Limit, error)
}

// Emitter receives threshold events.
type Emitter interface {
	Emit(ctx context.Context, projectID uint64, event models.EventType) error
}

// Subject identifies who consumed compute. An empty AccessKey is usage
// recorded at project level.
type Subject struct {
	ProjectID uint64
	AccessKey string
}

type bucket struct {
	start   time.Time
	service models.Service
}

// ledger is the in-memory view of one project. mu is the single-writer
// lock for the project.
type ledger struct {
	mu       sync.Mutex
	consumed map[bucket]int64
	states   map[time.Time]store.CycleState
}

// Engine accounts compute usage.
type Engine struct {
	store  Store
	limits LimitResolver
	cycles *cycle.Resolver
	emit   Emitter
	log    zerolog.Logger

	mu      sync.Mutex
	ledgers map[uint64]*ledger
	onClear []func(projectID uint64)
}

// New returns an Engine. emit may be nil.
func New(s Store, l LimitResolver, c *cycle.Resolver, emit Emitter, log zerolog.Logger) *Engine {
	return &Engine{
		store:   s,
		limits:  l,
		cycles:  c,
		emit:    emit,
		log:     log.With().Str("component", "usage").Logger(),
		ledgers: make(map[uint64]*ledger),
	}
}

// OnClear registers fn to run after a project's current cycle is cleared.
func (e *Engine) OnClear(fn func(projectID uint64)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onClear = append(e.onClear, fn)
}

func (e *Engine) ledger(projectID uint64) *ledger {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.ledgers[projectID]
	if !ok {
		l = &ledger{
			consumed: make(map[bucket]int64),
			states:   make(map[time.Time]store.CycleState),
		}
		e.ledgers[projectID] = l
	}
	return l
}

// state returns the cached cycle state. l.mu must be held.
func (e *Engine) state(ctx context.Context, l *ledger, projectID uint64, c models.Cycle) (store.CycleState, error) {
	if s, ok := l.states[c.Start]; ok {
		return s, nil
	}
	s, err := e.store.GetCycleState(ctx, projectID, c)
	if err != nil {
		return 0, fmt.Errorf("cycle state: %w", err)
	}
	l.states[c.Start] = s
	return s, nil
}

// consumedIn returns the project's consumed total for a bucket, loading it
// from the store the first time. l.mu must be held.
func (e *Engine) consumedIn(ctx context.Context, l *ledger, projectID uint64, c models.Cycle, service models.Service) (int64, error) {
	b := bucket{start: c.Start, service: service}
	if v, ok := l.consumed[b]; ok {
		return v, nil
	}
	u, err := e.store.GetUsage(ctx, store.UsageFilter{
		ProjectID: projectID,
		Service:   &service,
		From:      c.Start,
		To:        c.End,
	})
	if err != nil {
		return 0, fmt.Errorf("load usage: %w", err)
	}

	// Keep the current and previous cycle only.
	keep := c.Start.Add(-c.End.Sub(c.Start))
	for k := range l.consumed {
		if k.start.Before(keep) {
			delete(l.consumed, k)
		}
	}
	for k := range l.states {
		if k.Before(keep) {
			delete(l.states, k)
		}
	}

	l.consumed[b] = u.Consumed()
	return u.Consumed(), nil
}

// Update merges delta into the subject's usage for the cycle containing
// now. Every unit of the delta is reclassified; the caller's split is
// ignored. It reports false when the cycle was cleared or when any unit was
// limited. Limited units are still recorded. A failed write leaves no trace.
func (e *Engine) Update(ctx context.Context, service models.Service, now time.Time, s Subject, delta models.AccessUsage) (bool, error) {
	_, ok, err := e.Spend(ctx, service, now, s, delta)
	return ok, err
}

// Spend is Update that also returns how the delta was classified. The
// split is zero when the cycle was cleared.
func (e *Engine) Spend(ctx context.Context, service models.Service, now time.Time, s Subject, delta models.AccessUsage) (models.AccessUsage, bool, error) {
	var none models.AccessUsage
	if delta.ValidCompute < 0 || delta.OverCompute < 0 || delta.LimitedCompute < 0 {
		return none, false, models.ErrWebrpcBadRequest.WithCausef("negative compute for %d", s.ProjectID)
	}
	c, err := e.cycles.Cycle(ctx, s.ProjectID, now)
	if err != nil {
		return none, false, err
	}
	limit, err := e.limits.Resolve(ctx, s.ProjectID)
	if err != nil {
		return none, false, err
	}

	l := e.ledger(s.ProjectID)
	l.mu.Lock()
	classified, events, ok, err := e.apply(ctx, l, service, now, c, limit, s, delta.Total())
	l.mu.Unlock()
	if err != nil {
		metrics.UsageUpdates.WithLabelValues("failed").Inc()
		return none, false, err
	}

	switch {
	case !ok && classified.IsZero():
		metrics.UsageUpdates.WithLabelValues("rejected").Inc()
	case !ok:
		metrics.UsageUpdates.WithLabelValues("limited").Inc()
	default:
		metrics.UsageUpdates.WithLabelValues("accepted").Inc()
	}
	svc := service.String()
	metrics.ComputeUnits.WithLabelValues(svc, "valid").Add(float64(classified.ValidCompute))
	metrics.ComputeUnits.WithLabelValues(svc, "over").Add(float64(classified.OverCompute))
	metrics.ComputeUnits.WithLabelValues(svc, "limited").Add(float64(classified.LimitedCompute))

	for _, ev := range events {
		e.notify(ctx, s.ProjectID, ev)
	}
	return classified, ok, nil
}

// apply runs under l.mu.
func (e *Engine) apply(ctx context.Context, l *ledger, service models.Service, now time.Time, c models.Cycle, limit models.Limit, s Subject, units int64) (models.AccessUsage, []models.EventType, bool, error) {
	var none models.AccessUsage

	state, err := e.state(ctx, l, s.ProjectID, c)
	if err != nil {
		return none, nil, false, err
	}
	if state == store.StateCleared {
		return none, nil, false, nil
	}

	consumed, err := e.consumedIn(ctx, l, s.ProjectID, c, service)
	if err != nil {
		return none, nil, false, err
	}
	classified, events := limit.Classify(consumed, units)
	if classified.IsZero() {
		return none, nil, true, nil
	}

	if state == store.StateEmpty {
		moved, err := e.store.TransitionCycle(ctx, s.ProjectID, c, []store.CycleState{store.StateEmpty}, store.StateAccruing)
		if err != nil {
			return none, nil, false, fmt.Errorf("start cycle: %w", err)
		}
		if moved {
			l.states[c.Start] = store.StateAccruing
		} else {
			delete(l.states, c.Start)
		}
	}
	if err := e.store.AddUsage(ctx, s.ProjectID, s.AccessKey, service, now, classified); err != nil {
		return none, nil, false, fmt.Errorf("record usage: %w", err)
	}
	l.consumed[bucket{start: c.Start, service: service}] = consumed + classified.Consumed()

	return classified, events, classified.LimitedCompute == 0, nil
}

func (e *Engine) notify(ctx context.Context, projectID uint64, ev models.EventType) {
	e.log.Info().Uint64("project_id", projectID).Str("event", ev.String()).Msg("threshold crossed")
	if e.emit == nil {
		return
	}
	if err := e.emit.Emit(ctx, projectID, ev); err != nil {
		e.log.Error().Err(err).Uint64("project_id", projectID).Str("event", ev.String()).Msg("emit event")
	}
}

// Prepare moves the project's bucket for cycle (or the cycle containing
// now when nil) into the prepared state. Preparing twice is a no-op that
// still reports true; a cleared cycle reports false.
func (e *Engine) Prepare(ctx context.Context, projectID uint64, c *models.Cycle, now time.Time) (bool, error) {
	var cyc models.Cycle
	if c != nil && c.Valid() {
		cyc = *c
	} else {
		var err error
		if cyc, err = e.cycles.Cycle(ctx, projectID, now); err != nil {
			return false, err
		}
	}

	l := e.ledger(projectID)
	l.mu.Lock()
	defer l.mu.Unlock()

	moved, err := e.store.TransitionCycle(ctx, projectID, cyc,
		[]store.CycleState{store.StateEmpty, store.StateAccruing}, store.StatePrepared)
	if err != nil {
		return false, fmt.Errorf("prepare cycle: %w", err)
	}
	delete(l.states, cyc.Start)
	if moved {
		return true, nil
	}
	state, err := e.state(ctx, l, projectID, cyc)
	if err != nil {
		return false, err
	}
	return state == store.StatePrepared, nil
}

// Clear closes the project's current cycle. Durable history stays
// readable, but live counters are dropped and later updates in the cycle
// report false. It reports whether this call performed the transition.
func (e *Engine) Clear(ctx context.Context, projectID uint64, now time.Time) (bool, error) {
	c, err := e.cycles.Cycle(ctx, projectID, now)
	if err != nil {
		return false, err
	}

	l := e.ledger(projectID)
	l.mu.Lock()
	moved, err := e.store.TransitionCycle(ctx, projectID, c,
		[]store.CycleState{store.StateEmpty, store.StateAccruing, store.StatePrepared}, store.StateCleared)
	if err == nil {
		l.states[c.Start] = store.StateCleared
		for b := range l.consumed {
			if b.start.Equal(c.Start) {
				delete(l.consumed, b)
			}
		}
	}
	l.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("clear cycle: %w", err)
	}

	if moved {
		e.mu.Lock()
		hooks := e.onClear
		e.mu.Unlock()
		for _, fn := range hooks {
			fn(projectID)
		}
	}
	return moved, nil
}

// Usage sums recorded usage over [from, to). Missing bounds are filled
// from the project's cycle containing now. accessKey nil selects every
// subject; a pointer to "" selects project-level usage.
func (e *Engine) Usage(ctx context.Context, projectID uint64, accessKey *string, service *models.Service, now time.Time, from, to *time.Time) (models.AccessUsage, error) {
	start, end, err := e.cycles.Range(ctx, projectID, now, from, to)
	if err != nil {
		return models.AccessUsage{}, err
	}
	u, err := e.store.GetUsage(ctx, store.UsageFilter{
		ProjectID: projectID,
		AccessKey: accessKey,
		Service:   service,
		From:      start,
		To:        end,
	})
	if err != nil {
		return models.AccessUsage{}, fmt.Errorf("get usage: %w", err)
	}
	return u, nil
}

// Consumed returns the project's consumed compute on service for the cycle
// containing now. Limits apply per service, so this is the total that
// Update classifies against. A cleared cycle reports zero.
func (e *Engine) Consumed(ctx context.Context, projectID uint64, service models.Service, now time.Time) (int64, error) {
	c, err := e.cycles.Cycle(ctx, projectID, now)
	if err != nil {
		return 0, err
	}

	l := e.ledger(projectID)
	l.mu.Lock()
	defer l.mu.Unlock()
	state, err := e.state(ctx, l, projectID, c)
	if err != nil {
		return 0, err
	}
	if state == store.StateCleared {
		return 0, nil
	}
	return e.consumedIn(ctx, l, projectID, c, service)
}

// ConsumedByService returns Consumed for every service.
func (e *Engine) ConsumedByService(ctx context.Context, projectID uint64, now time.Time) (map[models.Service]int64, error) {
	out := make(map[models.Service]int64, len(models.Services()))
	for _, svc := range models.Services() {
		v, err := e.Consumed(ctx, projectID, svc, now)
		if err != nil {
			return nil, err
		}
		out[svc] = v
	}
	return out, nil
}
