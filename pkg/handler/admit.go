package handler

import (
	"context"
	"time"

	"github.com/pario-ai/quotacontrol/pkg/models"
	"github.com/pario-ai/quotacontrol/pkg/usage"
)

// AdmitRequest is one call from an embedding service. When AccessKey is
// empty the project's default key is used.
type AdmitRequest struct {
	AccessKey string
	ProjectID uint64
	Origin    string
	Service   models.Service
	ChainID   *uint64
	Compute   int64
	Now       time.Time
}

// Decision is the outcome of an admitted request. Over is set when the
// compute was charged to the overage tier.
type Decision struct {
	Quota *models.AccessQuota
	Over  bool
}

// Admit validates the key, applies the rate limit and spends compute. A
// rejection is returned as a *models.Error of the matching kind.
func (h *Handler) Admit(ctx context.Context, req AdmitRequest) (*Decision, error) {
	now := h.orNow(req.Now)

	accessKey := req.AccessKey
	if accessKey == "" {
		if req.ProjectID == 0 {
			return nil, models.ErrAccessKeyNotFound
		}
		k, err := h.GetDefaultAccessKey(ctx, req.ProjectID)
		if err != nil {
			return nil, err
		}
		accessKey = k.AccessKey
	}

	q, err := h.GetAccessQuota(ctx, accessKey, now)
	if err != nil {
		return nil, err
	}
	key := q.AccessKey
	switch {
	case !key.Active:
		return nil, models.ErrAccessKeyNotFound
	case req.ProjectID != 0 && key.ProjectID != req.ProjectID:
		return nil, models.ErrAccessKeyMismatch
	case !key.ValidateOrigin(req.Origin):
		return nil, models.ErrInvalidOrigin.WithCausef("origin %q", req.Origin)
	case !key.ValidateService(req.Service):
		return nil, models.ErrInvalidService.WithCausef("service %s", req.Service)
	case req.ChainID != nil && !key.ValidateChainID(*req.ChainID):
		return nil, models.ErrInvalidChain.WithCausef("chain %d", *req.ChainID)
	}

	if !h.limiter.Allow(rateKey(key.ProjectID), q.Limit.RateLimit, now) {
		return nil, models.ErrQuotaRateLimit
	}

	d := &Decision{Quota: q}
	if req.Compute <= 0 {
		return d, nil
	}

	subject := usage.Subject{ProjectID: key.ProjectID, AccessKey: key.AccessKey}
	spend := models.AccessUsage{ValidCompute: req.Compute}
	if h.tracker == nil {
		split, ok, err := h.engine.Spend(ctx, req.Service, now, subject, spend)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, models.ErrQuotaExceeded
		}
		d.Over = split.OverCompute > 0
		return d, nil
	}

	// Limits apply per service, the same scope the engine classifies in.
	consumed, err := h.engine.Consumed(ctx, key.ProjectID, req.Service, now)
	if err != nil {
		return nil, err
	}
	consumed += h.tracker.Pending(key.ProjectID, nil, &req.Service, q.Cycle.Start, q.Cycle.End).Consumed()
	if q.Limit.Exhausted(consumed) || (q.Limit.BlockTransactions && consumed+req.Compute > q.Limit.FreeMax) {
		return nil, models.ErrQuotaExceeded
	}
	h.tracker.Record(req.Service, now, subject, spend)
	d.Over = consumed+req.Compute > q.Limit.FreeMax
	return d, nil
}
