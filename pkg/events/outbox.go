// Package events persists threshold events in an outbox and delivers them
// at least once to a sink. Consumers deduplicate by event ID.
package events

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/pario-ai/quotacontrol/pkg/config"
	"github.com/pario-ai/quotacontrol/pkg/metrics"
	"github.com/pario-ai/quotacontrol/pkg/models"
)

// Event is one outbox row.
type Event struct {
	ID          string           `json:"id"`
	ProjectID   uint64           `json:"projectId"`
	Type        models.EventType `json:"eventType"`
	CreatedAt   time.Time        `json:"createdAt"`
	Attempts    int              `json:"attempts"`
	DeliveredAt *time.Time       `json:"deliveredAt,omitempty"`
	Dead        bool             `json:"dead,omitempty"`
	LastError   string           `json:"lastError,omitempty"`
}

// Sink receives events. A returned error schedules a retry.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// Outbox stores events and runs the dispatch loop and prune schedule.
type Outbox struct {
	db   *sql.DB
	sink Sink
	cfg  config.EventsConfig
	log  zerolog.Logger
	now  func() time.Time

	cron *cron.Cron
	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
	// dispatchMu keeps a manual Dispatch from racing the loop.
	dispatchMu sync.Mutex
}

// New returns an outbox over db, which must carry the event_outbox table
// from the store migrations.
func New(db *sql.DB, sink Sink, cfg config.EventsConfig, log zerolog.Logger) *Outbox {
	return &Outbox{
		db:   db,
		sink: sink,
		cfg:  cfg,
		log:  log.With().Str("component", "events").Logger(),
		now:  time.Now,
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Emit writes an event to the outbox and wakes the dispatcher.
func (o *Outbox) Emit(ctx context.Context, projectID uint64, typ models.EventType) error {
	id := uuid.NewString()
	_, err := o.db.ExecContext(ctx,
		`INSERT INTO event_outbox (id, project_id, event_type, created_at) VALUES (?, ?, ?, ?)`,
		id, int64(projectID), int(typ), o.now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("emit event: %w", err)
	}
	metrics.EventsEmitted.WithLabelValues(typ.String()).Inc()
	select {
	case o.kick <- struct{}{}:
	default:
	}
	return nil
}

// Dispatch delivers up to one batch of pending events and returns how many
// were delivered.
func (o *Outbox) Dispatch(ctx context.Context) (int, error) {
	o.dispatchMu.Lock()
	defer o.dispatchMu.Unlock()

	pending := true
	batch, err := o.List(ctx, ListOptions{Pending: &pending, Limit: o.cfg.BatchSize})
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, ev := range batch {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		derr := o.sink.Deliver(ctx, ev)
		if derr == nil {
			_, err = o.db.ExecContext(ctx,
				`UPDATE event_outbox SET attempts = attempts + 1, delivered_at = ?, last_error = '' WHERE id = ?`,
				o.now().UTC().UnixNano(), ev.ID)
			if err != nil {
				return delivered, fmt.Errorf("mark delivered: %w", err)
			}
			delivered++
			metrics.EventsDelivered.WithLabelValues("ok").Inc()
			continue
		}

		dead := ev.Attempts+1 >= o.cfg.MaxAttempts
		_, err = o.db.ExecContext(ctx,
			`UPDATE event_outbox SET attempts = attempts + 1, dead = ?, last_error = ? WHERE id = ?`,
			dead, derr.Error(), ev.ID)
		if err != nil {
			return delivered, fmt.Errorf("mark failed: %w", err)
		}
		if dead {
			metrics.EventsDelivered.WithLabelValues("dead").Inc()
			o.log.Error().Err(derr).Str("event_id", ev.ID).Int("attempts", ev.Attempts+1).Msg("event dropped")
		} else {
			metrics.EventsDelivered.WithLabelValues("retry").Inc()
			o.log.Warn().Err(derr).Str("event_id", ev.ID).Msg("event delivery failed")
		}
	}
	return delivered, nil
}

// ListOptions filters List. Pending selects undelivered live events when
// true, and delivered or dead ones when false.
type ListOptions struct {
	ProjectID uint64
	Pending   *bool
	Limit     int
}

// List returns events oldest first.
func (o *Outbox) List(ctx context.Context, opts ListOptions) ([]Event, error) {
	q := `SELECT id, project_id, event_type, created_at, attempts, delivered_at, dead, last_error
		FROM event_outbox WHERE 1=1`
	var args []any
	if opts.ProjectID != 0 {
		q += " AND project_id = ?"
		args = append(args, int64(opts.ProjectID))
	}
	if opts.Pending != nil {
		if *opts.Pending {
			q += " AND delivered_at IS NULL AND dead = 0"
		} else {
			q += " AND (delivered_at IS NOT NULL OR dead = 1)"
		}
	}
	q += " ORDER BY created_at, id"
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := o.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev        Event
			projectID int64
			typ       int
			created   int64
			delivered sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &projectID, &typ, &created, &ev.Attempts, &delivered, &ev.Dead, &ev.LastError); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.ProjectID = uint64(projectID)
		ev.Type = models.EventType(typ)
		ev.CreatedAt = time.Unix(0, created).UTC()
		if delivered.Valid {
			t := time.Unix(0, delivered.Int64).UTC()
			ev.DeliveredAt = &t
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Prune deletes delivered and dead events older than the retention period.
func (o *Outbox) Prune(ctx context.Context) (int64, error) {
	cutoff := o.now().Add(-o.cfg.Retention).UTC().UnixNano()
	res, err := o.db.ExecContext(ctx,
		`DELETE FROM event_outbox WHERE (delivered_at IS NOT NULL OR dead = 1) AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

// Start runs the dispatch loop and the prune schedule until Close.
func (o *Outbox) Start() error {
	if _, err := cron.ParseStandard(o.cfg.PruneSchedule); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", o.cfg.PruneSchedule, err)
	}
	o.cron = cron.New()
	_, err := o.cron.AddFunc(o.cfg.PruneSchedule, func() {
		n, err := o.Prune(context.Background())
		if err != nil {
			o.log.Error().Err(err).Msg("prune events")
			return
		}
		o.log.Debug().Int64("deleted", n).Msg("pruned events")
	})
	if err != nil {
		return fmt.Errorf("schedule prune: %w", err)
	}
	o.cron.Start()

	o.wg.Add(1)
	go o.loop()
	return nil
}

func (o *Outbox) loop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.DispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
		case <-o.kick:
		}
		if _, err := o.Dispatch(context.Background()); err != nil {
			o.log.Error().Err(err).Msg("dispatch events")
		}
	}
}

// Close stops background work. The database stays open.
func (o *Outbox) Close() {
	close(o.done)
	o.wg.Wait()
	if o.cron != nil {
		<-o.cron.Stop().Done()
	}
}
