// Package cycle computes usage accounting windows.
package cycle

import (
	"context"
	"fmt"
	"time"

	"github.com/pario-ai/quotacontrol/pkg/config"
	"github.com/pario-ai/quotacontrol/pkg/models"
)

const (
	ModeMonthly = "monthly"
	ModeFixed   = "fixed"
)

// Calendar maps a point in time to the cycle containing it. All arithmetic
// is done in UTC.
type Calendar struct {
	mode      string
	anchorDay int
	period    time.Duration
	epoch     time.Time
}

// Monthly returns a calendar whose cycles start on anchorDay of each month.
func Monthly(anchorDay int) *Calendar {
	return &Calendar{mode: ModeMonthly, anchorDay: anchorDay}
}

// Fixed returns a calendar of back-to-back period-long cycles starting at
// epoch. A zero epoch means the Unix epoch.
func Fixed(period time.Duration, epoch time.Time) *Calendar {
	if epoch.IsZero() {
		epoch = time.Unix(0, 0)
	}
	return &Calendar{mode: ModeFixed, period: period, epoch: epoch.UTC()}
}

// New builds a calendar from configuration.
func New(cfg config.CycleConfig) (*Calendar, error) {
	switch cfg.Mode {
	case ModeMonthly, "":
		day := cfg.AnchorDay
		if day == 0 {
			day = 1
		}
		if day < 1 || day > 28 {
			return nil, fmt.Errorf("cycle anchor day %d out of range 1..28", day)
		}
		return Monthly(day), nil
	case ModeFixed:
		if cfg.Period <= 0 {
			return nil, fmt.Errorf("fixed cycle needs a positive period")
		}
		// Usage rows are kept per minute; a cycle must not split one.
		if cfg.Period%time.Minute != 0 {
			return nil, fmt.Errorf("fixed cycle period %s is not a whole number of minutes", cfg.Period)
		}
		if !cfg.Epoch.Equal(cfg.Epoch.Truncate(time.Minute)) {
			return nil, fmt.Errorf("fixed cycle epoch %s is not on a whole minute", cfg.Epoch)
		}
		return Fixed(cfg.Period, cfg.Epoch), nil
	}
	return nil, fmt.Errorf("unknown cycle mode %q", cfg.Mode)
}

// At returns the cycle containing now.
func (c *Calendar) At(now time.Time) models.Cycle {
	return c.at(now, c.anchorDay)
}

func (c *Calendar) at(now time.Time, anchorDay int) models.Cycle {
	now = now.UTC()
	if c.mode == ModeFixed {
		n := now.Sub(c.epoch) / c.period
		if now.Before(c.epoch) && now.Sub(c.epoch)%c.period != 0 {
			n--
		}
		start := c.epoch.Add(n * c.period)
		return models.Cycle{Start: start, End: start.Add(c.period)}
	}

	start := time.Date(now.Year(), now.Month(), anchorDay, 0, 0, 0, 0, time.UTC)
	if now.Before(start) {
		start = start.AddDate(0, -1, 0)
	}
	return models.Cycle{Start: start, End: start.AddDate(0, 1, 0)}
}

// AnchorStore returns per-project monthly anchor overrides.
type AnchorStore interface {
	GetCycleAnchor(ctx context.Context, projectID uint64) (day int, ok bool, err error)
}

// Resolver applies per-project anchors on top of a calendar.
type Resolver struct {
	cal   *Calendar
	store AnchorStore
}

// NewResolver returns a Resolver. store may be nil.
func NewResolver(cal *Calendar, store AnchorStore) *Resolver {
	return &Resolver{cal: cal, store: store}
}

// Calendar returns the underlying calendar.
func (r *Resolver) Calendar() *Calendar {
	return r.cal
}

// Cycle returns the cycle of projectID containing now.
func (r *Resolver) Cycle(ctx context.Context, projectID uint64, now time.Time) (models.Cycle, error) {
	if r.cal.mode != ModeMonthly || r.store == nil {
		return r.cal.At(now), nil
	}
	day, ok, err := r.store.GetCycleAnchor(ctx, projectID)
	if err != nil {
		return models.Cycle{}, fmt.Errorf("cycle anchor: %w", err)
	}
	if !ok {
		return r.cal.At(now), nil
	}
	return r.cal.at(now, day), nil
}

// Range resolves an optional [from, to] pair. Missing bounds are filled
// from the cycle containing now: both missing gives that cycle, one missing
// gives a window of the cycle's length anchored on the other.
func (r *Resolver) Range(ctx context.Context, projectID uint64, now time.Time, from, to *time.Time) (time.Time, time.Time, error) {
	if from != nil && to != nil {
		return *from, *to, nil
	}
	c, err := r.Cycle(ctx, projectID, now)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	switch {
	case from == nil && to == nil:
		return c.Start, c.End, nil
	case from == nil:
		return to.Add(-c.End.Sub(c.Start)), *to, nil
	default:
		return *from, from.Add(c.End.Sub(c.Start)), nil
	}
}
