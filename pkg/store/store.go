// Package store defines persistence for access keys, limits, usage and cycle
// state. Implementations enforce the per-project key invariants inside their
// own critical section so concurrent callers cannot break them.
package store

import (
	"context"
	"time"

	"github.com/pario-ai/quotacontrol/pkg/models"
)

// AccessKeyStore persists access keys. Keys are never hard-deleted.
type AccessKeyStore interface {
	// FindAccessKey returns the key or ErrAccessKeyNotFound.
	FindAccessKey(ctx context.Context, accessKey string) (*models.AccessKey, error)
	// ListAccessKeys returns the keys of a project ordered by creation,
	// optionally filtered by active flag and enabled service.
	ListAccessKeys(ctx context.Context, projectID uint64, active *bool, service *models.Service) ([]*models.AccessKey, error)
	// CreateAccessKey inserts key as active. It fails with ErrMaxAccessKeys
	// when maxKeys > 0 and the project already has maxKeys active keys. The
	// first active key of a project becomes its default.
	CreateAccessKey(ctx context.Context, key *models.AccessKey, maxKeys int64) (*models.AccessKey, error)
	// UpdateAccessKey writes the mutable fields of key when key.Version
	// matches the stored version, and fails with ErrRequestConflict otherwise.
	UpdateAccessKey(ctx context.Context, key *models.AccessKey) (*models.AccessKey, error)
	// RotateAccessKey replaces the secret of oldKey with newKey under the
	// same compare-and-set rule. oldKey stops resolving.
	RotateAccessKey(ctx context.Context, oldKey, newKey string, version int64) (*models.AccessKey, error)
	// SetDefaultAccessKey makes accessKey the only default of projectID.
	// It fails with ErrAccessKeyMismatch when the key belongs elsewhere.
	SetDefaultAccessKey(ctx context.Context, projectID uint64, accessKey string) error
	// DisableAccessKey deactivates accessKey, failing with ErrAtLeastOneKey
	// when it is the last active key. A disabled default hands the default
	// flag to the oldest remaining active key.
	DisableAccessKey(ctx context.Context, accessKey string) (*models.AccessKey, error)
}

// LimitStore persists per-project limits and cycle anchors.
type LimitStore interface {
	GetAccessLimit(ctx context.Context, projectID uint64) (*models.Limit, bool, error)
	SetAccessLimit(ctx context.Context, projectID uint64, limit models.Limit) error
	GetCycleAnchor(ctx context.Context, projectID uint64) (int, bool, error)
	SetCycleAnchor(ctx context.Context, projectID uint64, day int) error
}

// UsageFilter selects usage rows. An empty AccessKey pointer means every
// subject of the project; a pointer to "" selects project-level usage only.
type UsageFilter struct {
	ProjectID uint64
	AccessKey *string
	Service   *models.Service
	From      time.Time
	To        time.Time
}

// UsageStore is the durable usage ledger, bucketed by UTC minute.
type UsageStore interface {
	// AddUsage atomically adds delta to the subject's bucket for the minute of at.
	AddUsage(ctx context.Context, projectID uint64, accessKey string, service models.Service, at time.Time, delta models.AccessUsage) error
	// GetUsage sums the buckets matching f with bucket in [From, To).
	GetUsage(ctx context.Context, f UsageFilter) (models.AccessUsage, error)
}

// CycleState is the lifecycle of a project's usage bucket within a cycle.
type CycleState int

const (
	StateEmpty CycleState = iota
	StateAccruing
	StatePrepared
	StateCleared
)

func (s CycleState) String() string {
	switch s {
	case StateAccruing:
		return "accruing"
	case StatePrepared:
		return "prepared"
	case StateCleared:
		return "cleared"
	}
	return "empty"
}

// CycleStore persists bucket states.
type CycleStore interface {
	GetCycleState(ctx context.Context, projectID uint64, cycle models.Cycle) (CycleState, error)
	// TransitionCycle moves the bucket to `to` if its current state is one
	// of from, and reports whether it did.
	TransitionCycle(ctx context.Context, projectID uint64, cycle models.Cycle, from []CycleState, to CycleState) (bool, error)
}

// Store is the full persistence surface.
type Store interface {
	AccessKeyStore
	LimitStore
	UsageStore
	CycleStore
	Close() error
}

// Bucket truncates t to its UTC minute, the granularity of usage rows.
// Cycle boundaries fall on whole minutes, so a bucket never straddles two
// cycles.
func Bucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}
