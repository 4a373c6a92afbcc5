// Package tracker buffers usage in memory and flushes it to the usage
// engine in per-minute batches.
package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pario-ai/quotacontrol/pkg/metrics"
	"github.com/pario-ai/quotacontrol/pkg/models"
	"github.com/pario-ai/quotacontrol/pkg/usage"
)

// Updater applies a usage delta. *usage.Engine implements it.
type Updater interface {
	Update(ctx context.Context, service models.Service, now time.Time, s usage.Subject, delta models.AccessUsage) (bool, error)
}

type entry struct {
	minute  time.Time
	service models.Service
	subject usage.Subject
}

// Tracker accumulates usage between flushes. Records are bucketed by
// minute so a flush replays each minute with its own timestamp.
type Tracker struct {
	updater    Updater
	interval   time.Duration
	maxPending int
	log        zerolog.Logger

	mu      sync.Mutex
	pending map[entry]models.AccessUsage
	// flushMu serializes flushes so Close waits for one in progress.
	flushMu sync.Mutex

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New starts a Tracker flushing every interval. A flush also starts early
// once maxPending buckets are buffered (0 disables that trigger).
func New(u Updater, interval time.Duration, maxPending int, log zerolog.Logger) *Tracker {
	t := &Tracker{
		updater:    u,
		interval:   interval,
		maxPending: maxPending,
		log:        log.With().Str("component", "tracker").Logger(),
		pending:    make(map[entry]models.AccessUsage),
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	t.wg.Add(1)
	go t.loop()
	return t
}

// Record buffers usage for subject at now.
func (t *Tracker) Record(service models.Service, now time.Time, s usage.Subject, u models.AccessUsage) {
	if u.IsZero() {
		return
	}
	k := entry{minute: now.UTC().Truncate(time.Minute), service: service, subject: s}

	t.mu.Lock()
	cur := t.pending[k]
	cur.Add(u)
	t.pending[k] = cur
	n := len(t.pending)
	t.mu.Unlock()

	metrics.TrackerPending.Set(float64(n))
	if t.maxPending > 0 && n >= t.maxPending {
		select {
		case t.kick <- struct{}{}:
		default:
		}
	}
}

// Pending sums buffered usage of a project in [from, to). accessKey nil
// selects every subject; a pointer to "" selects project-level usage.
func (t *Tracker) Pending(projectID uint64, accessKey *string, service *models.Service, from, to time.Time) models.AccessUsage {
	t.mu.Lock()
	defer t.mu.Unlock()

	var total models.AccessUsage
	for k, u := range t.pending {
		if k.subject.ProjectID != projectID || k.minute.Before(from) || !k.minute.Before(to) {
			continue
		}
		if accessKey != nil && k.subject.AccessKey != *accessKey {
			continue
		}
		if service != nil && k.service != *service {
			continue
		}
		total.Add(u)
	}
	return total
}

// Discard drops buffered usage of a project. It runs when the project's
// cycle is cleared.
func (t *Tracker) Discard(projectID uint64) {
	t.mu.Lock()
	for k := range t.pending {
		if k.subject.ProjectID == projectID {
			delete(t.pending, k)
		}
	}
	n := len(t.pending)
	t.mu.Unlock()
	metrics.TrackerPending.Set(float64(n))
}

// Flush sends every buffered bucket to the updater. Buckets that fail are
// put back for the next flush; rejected or limited ones are not.
func (t *Tracker) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	batch := t.pending
	t.pending = make(map[entry]models.AccessUsage)
	t.mu.Unlock()

	var errs []error
	for k, u := range batch {
		if _, err := t.updater.Update(ctx, k.service, k.minute, k.subject, u); err != nil {
			errs = append(errs, err)
			t.requeue(k, u)
		}
	}

	t.mu.Lock()
	n := len(t.pending)
	t.mu.Unlock()
	metrics.TrackerPending.Set(float64(n))

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (t *Tracker) requeue(k entry, u models.AccessUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur := t.pending[k]
	cur.Add(u)
	t.pending[k] = cur
}

// Close stops the flush loop and flushes what is left.
func (t *Tracker) Close(ctx context.Context) error {
	close(t.done)
	t.wg.Wait()
	return t.Flush(ctx)
}

func (t *Tracker) loop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		case <-t.kick:
		}
		if err := t.Flush(context.Background()); err != nil {
			t.log.Warn().Err(err).Msg("flush usage")
		}
	}
}
