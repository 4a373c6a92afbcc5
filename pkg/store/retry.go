package store

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/pario-ai/quotacontrol/pkg/models"
)

// Retrying wraps a Store and retries transient failures with exponential
// backoff. Domain errors (*models.Error) and context errors are returned
// at once. A transient failure that outlives the retries surfaces as
// ErrWebrpcInternalError.
type Retrying struct {
	next    Store
	retries uint64
	base    time.Duration
}

// WithRetry returns s wrapped in a Retrying store.
func WithRetry(s Store, retries uint64, base time.Duration) *Retrying {
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	return &Retrying{next: s, retries: retries, base: base}
}

// Unwrap returns the wrapped store.
func (r *Retrying) Unwrap() Store { return r.next }

func (r *Retrying) do(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(r.retries, retry.NewExponential(r.base))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil || permanent(err) {
			return err
		}
		return retry.RetryableError(err)
	})
	if err == nil || permanent(err) {
		return err
	}
	return models.ErrWebrpcInternalError.WithCause(err)
}

func permanent(err error) bool {
	var e *models.Error
	return errors.As(err, &e) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (r *Retrying) FindAccessKey(ctx context.Context, accessKey string) (k *models.AccessKey, err error) {
	err = r.do(ctx, func(ctx context.Context) error {
		k, err = r.next.FindAccessKey(ctx, accessKey)
		return err
	})
	return k, err
}

func (r *Retrying) ListAccessKeys(ctx context.Context, projectID uint64, active *bool, service *models.Service) (list []*models.AccessKey, err error) {
	err = r.do(ctx, func(ctx context.Context) error {
		list, err = r.next.ListAccessKeys(ctx, projectID, active, service)
		return err
	})
	return list, err
}

func (r *Retrying) CreateAccessKey(ctx context.Context, key *models.AccessKey, maxKeys int64) (k *models.AccessKey, err error) {
	err = r.do(ctx, func(ctx context.Context) error {
		k, err = r.next.CreateAccessKey(ctx, key, maxKeys)
		return err
	})
	return k, err
}

func (r *Retrying) UpdateAccessKey(ctx context.Context, key *models.AccessKey) (k *models.AccessKey, err error) {
	err = r.do(ctx, func(ctx context.Context) error {
		k, err = r.next.UpdateAccessKey(ctx, key)
		return err
	})
	return k, err
}

func (r *Retrying) RotateAccessKey(ctx context.Context, oldKey, newKey string, version int64) (k *models.AccessKey, err error) {
	err = r.do(ctx, func(ctx context.Context) error {
		k, err = r.next.RotateAccessKey(ctx, oldKey, newKey, version)
		return err
	})
	return k, err
}

func (r *Retrying) SetDefaultAccessKey(ctx context.Context, projectID uint64, accessKey string) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.next.SetDefaultAccessKey(ctx, projectID, accessKey)
	})
}

func (r *Retrying) DisableAccessKey(ctx context.Context, accessKey string) (k *models.AccessKey, err error) {
	err = r.do(ctx, func(ctx context.Context) error {
		k, err = r.next.DisableAccessKey(ctx, accessKey)
		return err
	})
	return k, err
}

func (r *Retrying) GetAccessLimit(ctx context.Context, projectID uint64) (l *models.Limit, ok bool, err error) {
	err = r.do(ctx, func(ctx context.Context) error {
		l, ok, err = r.next.GetAccessLimit(ctx, projectID)
		return err
	})
	return l, ok, err
}

func (r *Retrying) SetAccessLimit(ctx context.Context, projectID uint64, limit models.Limit) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.next.SetAccessLimit(ctx, projectID, limit)
	})
}

func (r *Retrying) GetCycleAnchor(ctx context.Context, projectID uint64) (day int, ok bool, err error) {
	err = r.do(ctx, func(ctx context.Context) error {
		day, ok, err = r.next.GetCycleAnchor(ctx, projectID)
		return err
	})
	return day, ok, err
}

func (r *Retrying) SetCycleAnchor(ctx context.Context, projectID uint64, day int) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.next.SetCycleAnchor(ctx, projectID, day)
	})
}

func (r *Retrying) AddUsage(ctx context.Context, projectID uint64, accessKey string, service models.Service, at time.Time, delta models.AccessUsage) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.next.AddUsage(ctx, projectID, accessKey, service, at, delta)
	})
}

func (r *Retrying) GetUsage(ctx context.Context, f UsageFilter) (u models.AccessUsage, err error) {
	err = r.do(ctx, func(ctx context.Context) error {
		u, err = r.next.GetUsage(ctx, f)
		return err
	})
	return u, err
}

func (r *Retrying) GetCycleState(ctx context.Context, projectID uint64, cycle models.Cycle) (s CycleState, err error) {
	err = r.do(ctx, func(ctx context.Context) error {
		s, err = r.next.GetCycleState(ctx, projectID, cycle)
		return err
	})
	return s, err
}

func (r *Retrying) TransitionCycle(ctx context.Context, projectID uint64, cycle models.Cycle, from []CycleState, to CycleState) (ok bool, err error) {
	err = r.do(ctx, func(ctx context.Context) error {
		ok, err = r.next.TransitionCycle(ctx, projectID, cycle, from, to)
		return err
	})
	return ok, err
}

func (r *Retrying) Close() error { return r.next.Close() }
