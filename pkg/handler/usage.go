package handler

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/quotacontrol/pkg/models"
	"github.com/pario-ai/quotacontrol/pkg/usage"
)

func (h *Handler) GetAccountUsage(ctx context.Context, projectID uint64, service *models.Service, from, to *time.Time) (*models.AccessUsage, error) {
	u, err := h.engine.Usage(ctx, projectID, nil, service, h.now(), from, to)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (h *Handler) GetAccessKeyUsage(ctx context.Context, accessKey string, service *models.Service, from, to *time.Time) (*models.AccessUsage, error) {
	k, err := h.store.FindAccessKey(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	u, err := h.engine.Usage(ctx, k.ProjectID, &accessKey, service, h.now(), from, to)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetAsyncUsage adds the compute still waiting in the tracker to the
// durable totals.
func (h *Handler) GetAsyncUsage(ctx context.Context, projectID uint64, service *models.Service, from, to *time.Time) (*models.AccessUsage, error) {
	now := h.now()
	start, end, err := h.cycles.Range(ctx, projectID, now, from, to)
	if err != nil {
		return nil, err
	}
	u, err := h.engine.Usage(ctx, projectID, nil, service, now, &start, &end)
	if err != nil {
		return nil, err
	}
	if h.tracker != nil {
		u.Add(h.tracker.Pending(projectID, nil, service, start, end))
	}
	return &u, nil
}

func (h *Handler) PrepareUsage(ctx context.Context, projectID uint64, cycle *models.Cycle, now time.Time) (bool, error) {
	return h.engine.Prepare(ctx, projectID, cycle, h.orNow(now))
}

func (h *Handler) ClearUsage(ctx context.Context, projectID uint64, now time.Time) (bool, error) {
	ok, err := h.engine.Clear(ctx, projectID, h.orNow(now))
	if err != nil {
		return false, err
	}
	if ok {
		h.quota.Clear(projectID)
		h.log.Info().Uint64("project_id", projectID).Msg("usage cleared")
	}
	return ok, nil
}

func (h *Handler) UpdateProjectUsage(ctx context.Context, service models.Service, now time.Time, u map[uint64]*models.AccessUsage) (map[uint64]bool, error) {
	now = h.orNow(now)
	out := make(map[uint64]bool, len(u))
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)
	for projectID, delta := range u {
		g.Go(func() error {
			ok, err := h.engine.Update(gctx, service, now, usage.Subject{ProjectID: projectID}, deref(delta))
			mu.Lock()
			defer mu.Unlock()
			out[projectID] = ok
			if err != nil && !isRejection(err) {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out, errors.Join(errs...)
}

// UpdateKeyUsage records usage per access key. Keys that do not resolve
// report false without failing the batch.
func (h *Handler) UpdateKeyUsage(ctx context.Context, service models.Service, now time.Time, u map[string]*models.AccessUsage) (map[string]bool, error) {
	now = h.orNow(now)
	out := make(map[string]bool, len(u))
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)
	for accessKey, delta := range u {
		g.Go(func() error {
			ok, err := h.updateKey(gctx, service, now, accessKey, deref(delta))
			mu.Lock()
			defer mu.Unlock()
			out[accessKey] = ok
			if err != nil && !isRejection(err) {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return out, errors.Join(errs...)
}

func (h *Handler) UpdateUsage(ctx context.Context, service models.Service, now time.Time, u map[string]*models.AccessUsage) (map[string]bool, error) {
	return h.UpdateKeyUsage(ctx, service, now, u)
}

func (h *Handler) updateKey(ctx context.Context, service models.Service, now time.Time, accessKey string, delta models.AccessUsage) (bool, error) {
	projectID, err := h.projectOf(ctx, accessKey)
	if err != nil {
		return false, err
	}
	return h.engine.Update(ctx, service, now, usage.Subject{ProjectID: projectID, AccessKey: accessKey}, delta)
}

func deref(u *models.AccessUsage) models.AccessUsage {
	if u == nil {
		return models.AccessUsage{}
	}
	return *u
}
