// Package limits resolves the quota limits in effect for a project.
package limits

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/pario-ai/quotacontrol/pkg/models"
	"github.com/pario-ai/quotacontrol/pkg/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that every field is non-negative and that each warn level
// does not exceed its max.
func Validate(l models.Limit) error {
	if err := validate.Struct(l); err != nil {
		return models.ErrWebrpcBadRequest.WithCausef("invalid limit: %v", err)
	}
	return nil
}

// Resolver reads project limits, falling back to a platform default.
type Resolver struct {
	store store.LimitStore

	mu       sync.RWMutex
	def      models.Limit
	onChange []func(ctx context.Context, projectID uint64)
}

// New returns a Resolver backed by s with def as the fallback limit.
func New(s store.LimitStore, def models.Limit) *Resolver {
	return &Resolver{store: s, def: def}
}

// OnChange registers fn to run after a project's limit is set.
func (r *Resolver) OnChange(fn func(ctx context.Context, projectID uint64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// Default returns the fallback limit.
func (r *Resolver) Default() models.Limit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

// SetDefault replaces the fallback limit. Used on config reload.
func (r *Resolver) SetDefault(l models.Limit) error {
	if err := Validate(l); err != nil {
		return err
	}
	r.mu.Lock()
	r.def = l
	r.mu.Unlock()
	return nil
}

// Resolve returns the limit of projectID.
func (r *Resolver) Resolve(ctx context.Context, projectID uint64) (models.Limit, error) {
	l, ok, err := r.store.GetAccessLimit(ctx, projectID)
	if err != nil {
		return models.Limit{}, fmt.Errorf("resolve limit: %w", err)
	}
	if !ok {
		return r.Default(), nil
	}
	return *l, nil
}

// Set validates and stores the limit of projectID, then runs the change
// hooks.
func (r *Resolver) Set(ctx context.Context, projectID uint64, l models.Limit) error {
	if err := Validate(l); err != nil {
		return err
	}
	if err := r.store.SetAccessLimit(ctx, projectID, l); err != nil {
		return fmt.Errorf("set limit: %w", err)
	}

	r.mu.RLock()
	hooks := r.onChange
	r.mu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, projectID)
	}
	return nil
}
