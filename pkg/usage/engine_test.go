package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/quotacontrol/pkg/cycle"
	"github.com/pario-ai/quotacontrol/pkg/limits"
	"github.com/pario-ai/quotacontrol/pkg/models"
	"github.com/pario-ai/quotacontrol/pkg/store"
)

var (
	now     = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	gateway = models.ServiceNodeGateway
)

type recorder struct {
	mu     sync.Mutex
	events []models.EventType
}

func (r *recorder) Emit(_ context.Context, _ uint64, ev models.EventType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) list() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.EventType(nil), r.events...)
}

func setup(t *testing.T, limit models.Limit) (*Engine, *store.Memory, *recorder) {
	t.Helper()
	s := store.NewMemory()
	rec := &recorder{}
	e := New(s, limits.New(s, limit), cycle.NewResolver(cycle.Monthly(1), s), rec, zerolog.Nop())
	return e, s, rec
}

func compute(n int64) models.AccessUsage {
	return models.AccessUsage{ValidCompute: n}
}

func keyUsage(t *testing.T, e *Engine, key string) models.AccessUsage {
	t.Helper()
	return keyUsageAt(t, e, key, now)
}

func keyUsageAt(t *testing.T, e *Engine, key string, at time.Time) models.AccessUsage {
	t.Helper()
	u, err := e.Usage(context.Background(), 1, &key, nil, at, nil, nil)
	require.NoError(t, err)
	return u
}

func TestUpdateSpillsIntoOverage(t *testing.T) {
	ctx := context.Background()
	e, _, _ := setup(t, models.Limit{FreeMax: 100, OverMax: 150})
	s := Subject{ProjectID: 1, AccessKey: "k"}

	ok, err := e.Update(ctx, gateway, now, s, compute(90))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Update(ctx, gateway, now, s, compute(20))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, models.AccessUsage{ValidCompute: 100, OverCompute: 10}, keyUsage(t, e, "k"))
}

func TestUpdateBlockedOverQuota(t *testing.T) {
	ctx := context.Background()
	e, st, _ := setup(t, models.Limit{FreeMax: 100, OverMax: 150, BlockTransactions: true})
	s := Subject{ProjectID: 1, AccessKey: "k"}
	require.NoError(t, st.AddUsage(ctx, 1, "k", gateway, now, models.AccessUsage{ValidCompute: 100, OverCompute: 50}))

	ok, err := e.Update(ctx, gateway, now, s, compute(1))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, models.AccessUsage{ValidCompute: 100, OverCompute: 50, LimitedCompute: 1}, keyUsage(t, e, "k"))
}

func TestUpdateReclassifiesCallerSplit(t *testing.T) {
	ctx := context.Background()
	e, _, _ := setup(t, models.Limit{FreeMax: 10, OverMax: 15})

	ok, err := e.Update(ctx, gateway, now, Subject{ProjectID: 1}, models.AccessUsage{OverCompute: 12, LimitedCompute: 8})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, models.AccessUsage{ValidCompute: 10, OverCompute: 5, LimitedCompute: 5}, keyUsage(t, e, ""))
}

func TestUpdateSharesProjectBucketAcrossKeys(t *testing.T) {
	ctx := context.Background()
	e, _, _ := setup(t, models.Limit{FreeMax: 10, OverMax: 10})

	_, err := e.Update(ctx, gateway, now, Subject{ProjectID: 1, AccessKey: "a"}, compute(8))
	require.NoError(t, err)
	ok, err := e.Update(ctx, gateway, now, Subject{ProjectID: 1, AccessKey: "b"}, compute(5))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, models.AccessUsage{ValidCompute: 2, LimitedCompute: 3}, keyUsage(t, e, "b"))

	// Other services have their own bucket.
	ok, err = e.Update(ctx, models.ServiceIndexer, now, Subject{ProjectID: 1, AccessKey: "b"}, compute(5))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConcurrentUpdatesCommute(t *testing.T) {
	ctx := context.Background()
	limit := models.Limit{FreeMax: 100, OverMax: 150}
	deltas := []int64{30, 50, 40, 20, 25}

	run := func(order []int64) models.AccessUsage {
		e, _, _ := setup(t, limit)
		var wg sync.WaitGroup
		for _, d := range order {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := e.Update(ctx, gateway, now, Subject{ProjectID: 1, AccessKey: "k"}, compute(d))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		return keyUsage(t, e, "k")
	}

	forward := run(deltas)
	backward := run([]int64{25, 20, 40, 50, 30})
	assert.Equal(t, forward, backward)
	assert.Equal(t, models.AccessUsage{ValidCompute: 100, OverCompute: 50, LimitedCompute: 15}, forward)
}

func TestThresholdEvents(t *testing.T) {
	ctx := context.Background()
	e, _, rec := setup(t, models.Limit{FreeWarn: 80, FreeMax: 100, OverWarn: 140, OverMax: 150})
	s := Subject{ProjectID: 1}

	_, err := e.Update(ctx, gateway, now, s, compute(79))
	require.NoError(t, err)
	assert.Empty(t, rec.list())

	_, err = e.Update(ctx, gateway, now, s, compute(1))
	require.NoError(t, err)
	assert.Equal(t, []models.EventType{models.EventFreeWarn}, rec.list())

	_, err = e.Update(ctx, gateway, now, s, compute(70))
	require.NoError(t, err)
	assert.Equal(t, []models.EventType{models.EventFreeWarn, models.EventFreeMax, models.EventOverWarn, models.EventOverMax}, rec.list())

	// Already past every threshold.
	_, err = e.Update(ctx, gateway, now, s, compute(10))
	require.NoError(t, err)
	assert.Len(t, rec.list(), 4)
}

func TestPrepareIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, st, _ := setup(t, models.Limit{FreeMax: 100, OverMax: 150})
	c := &models.Cycle{
		Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}

	ok, err := e.Prepare(ctx, 1, c, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = e.Prepare(ctx, 1, c, now)
	require.NoError(t, err)
	assert.True(t, ok)

	state, err := st.GetCycleState(ctx, 1, *c)
	require.NoError(t, err)
	assert.Equal(t, store.StatePrepared, state)

	// Prepared buckets keep accruing.
	ok, err = e.Update(ctx, gateway, now, Subject{ProjectID: 1}, compute(5))
	require.NoError(t, err)
	assert.True(t, ok)

	// A nil cycle uses the one containing now.
	ok, err = e.Prepare(ctx, 2, nil, now)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClearRejectsLaterUpdates(t *testing.T) {
	ctx := context.Background()
	e, _, _ := setup(t, models.Limit{FreeMax: 100, OverMax: 150})
	s := Subject{ProjectID: 1, AccessKey: "k"}

	_, err := e.Update(ctx, gateway, now, s, compute(10))
	require.NoError(t, err)

	var cleared []uint64
	e.OnClear(func(projectID uint64) { cleared = append(cleared, projectID) })

	ok, err := e.Clear(ctx, 1, now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []uint64{1}, cleared)

	ok, err = e.Update(ctx, gateway, now, s, compute(10))
	require.NoError(t, err)
	assert.False(t, ok)

	// History of the cycle stays readable.
	assert.Equal(t, models.AccessUsage{ValidCompute: 10}, keyUsage(t, e, "k"))

	consumed, err := e.Consumed(ctx, 1, gateway, now)
	require.NoError(t, err)
	assert.Zero(t, consumed)

	ok, err = e.Prepare(ctx, 1, nil, now)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.Clear(ctx, 1, now)
	require.NoError(t, err)
	assert.False(t, ok)

	// The next cycle starts fresh.
	ok, err = e.Update(ctx, gateway, now.AddDate(0, 1, 0), s, compute(10))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConsumedIsPerService(t *testing.T) {
	ctx := context.Background()
	e, _, _ := setup(t, models.Limit{FreeMax: 100, OverMax: 150})

	_, err := e.Update(ctx, gateway, now, Subject{ProjectID: 1}, compute(10))
	require.NoError(t, err)
	_, err = e.Update(ctx, models.ServiceAPI, now, Subject{ProjectID: 1, AccessKey: "k"}, compute(15))
	require.NoError(t, err)

	consumed, err := e.Consumed(ctx, 1, models.ServiceAPI, now)
	require.NoError(t, err)
	assert.Equal(t, int64(15), consumed)

	all, err := e.ConsumedByService(ctx, 1, now)
	require.NoError(t, err)
	assert.Equal(t, int64(10), all[gateway])
	assert.Equal(t, int64(15), all[models.ServiceAPI])
	assert.Zero(t, all[models.ServiceIndexer])
}

func TestSpendReportsSplit(t *testing.T) {
	ctx := context.Background()
	e, _, _ := setup(t, models.Limit{FreeMax: 100, OverMax: 150})
	s := Subject{ProjectID: 1, AccessKey: "k"}

	// Another service's spend does not count against this one.
	_, err := e.Update(ctx, models.ServiceIndexer, now, s, compute(150))
	require.NoError(t, err)

	split, ok, err := e.Spend(ctx, gateway, now, s, compute(110))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.AccessUsage{ValidCompute: 100, OverCompute: 10}, split)
}

func TestUpdateRejectsNegative(t *testing.T) {
	e, _, _ := setup(t, models.Limit{FreeMax: 100})
	_, err := e.Update(context.Background(), gateway, now, Subject{ProjectID: 1}, models.AccessUsage{ValidCompute: -1})
	assert.ErrorIs(t, err, models.ErrWebrpcBadRequest)
}

type failingStore struct {
	*store.Memory
	fail bool
}

func (f *failingStore) AddUsage(ctx context.Context, projectID uint64, key string, svc models.Service, at time.Time, d models.AccessUsage) error {
	if f.fail {
		return errors.New("write failed")
	}
	return f.Memory.AddUsage(ctx, projectID, key, svc, at, d)
}

func TestFailedWriteDiscardsDelta(t *testing.T) {
	ctx := context.Background()
	fs := &failingStore{Memory: store.NewMemory()}
	e := New(fs, limits.New(fs, models.Limit{FreeMax: 10, OverMax: 10}), cycle.NewResolver(cycle.Monthly(1), nil), nil, zerolog.Nop())
	s := Subject{ProjectID: 1}

	fs.fail = true
	_, err := e.Update(ctx, gateway, now, s, compute(8))
	require.Error(t, err)

	fs.fail = false
	ok, err := e.Update(ctx, gateway, now, s, compute(8))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.AccessUsage{ValidCompute: 8}, keyUsage(t, e, ""))
}

func TestFixedCycleRolloverStartsFresh(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	e := New(s, limits.New(s, models.Limit{FreeMax: 100, OverMax: 150}), cycle.NewResolver(cycle.Fixed(time.Hour, time.Time{}), s), nil, zerolog.Nop())
	first := time.Date(2024, 3, 10, 10, 30, 0, 0, time.UTC)
	second := first.Add(time.Hour)
	sub := Subject{ProjectID: 1, AccessKey: "k"}

	ok, err := e.Update(ctx, gateway, first, sub, compute(150))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Update(ctx, gateway, second, sub, compute(10))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, models.AccessUsage{ValidCompute: 10}, keyUsageAt(t, e, "k", second))
	assert.Equal(t, models.AccessUsage{ValidCompute: 100, OverCompute: 50}, keyUsageAt(t, e, "k", first))

	consumed, err := e.Consumed(ctx, 1, gateway, second)
	require.NoError(t, err)
	assert.Equal(t, int64(10), consumed)
}
