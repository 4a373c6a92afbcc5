package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/quotacontrol/pkg/models"
	"github.com/pario-ai/quotacontrol/pkg/usage"
)

type call struct {
	service models.Service
	now     time.Time
	subject usage.Subject
	delta   models.AccessUsage
}

type fakeUpdater struct {
	mu    sync.Mutex
	calls []call
	err   error
}

func (f *fakeUpdater) Update(_ context.Context, service models.Service, now time.Time, s usage.Subject, d models.AccessUsage) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	f.calls = append(f.calls, call{service, now, s, d})
	return true, nil
}

func (f *fakeUpdater) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestTracker(t *testing.T, u Updater, maxPending int) *Tracker {
	t.Helper()
	tr := New(u, time.Hour, maxPending, zerolog.Nop())
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

var at = time.Date(2024, 3, 10, 12, 30, 15, 0, time.UTC)

func TestRecordMergesPerMinute(t *testing.T) {
	u := &fakeUpdater{}
	tr := newTestTracker(t, u, 0)
	s := usage.Subject{ProjectID: 1, AccessKey: "k"}

	tr.Record(models.ServiceNodeGateway, at, s, models.AccessUsage{ValidCompute: 2})
	tr.Record(models.ServiceNodeGateway, at.Add(30*time.Second), s, models.AccessUsage{ValidCompute: 3})
	tr.Record(models.ServiceNodeGateway, at.Add(time.Minute), s, models.AccessUsage{ValidCompute: 1})
	tr.Record(models.ServiceNodeGateway, at, s, models.AccessUsage{})

	require.NoError(t, tr.Flush(context.Background()))
	require.Len(t, u.calls, 2)

	byMinute := map[time.Time]int64{}
	for _, c := range u.calls {
		byMinute[c.now] = c.delta.ValidCompute
	}
	assert.Equal(t, int64(5), byMinute[at.Truncate(time.Minute)])
	assert.Equal(t, int64(1), byMinute[at.Add(time.Minute).Truncate(time.Minute)])

	// Nothing left after a flush.
	require.NoError(t, tr.Flush(context.Background()))
	assert.Len(t, u.calls, 2)
}

func TestFailedFlushRequeues(t *testing.T) {
	u := &fakeUpdater{err: errors.New("store down")}
	tr := newTestTracker(t, u, 0)
	s := usage.Subject{ProjectID: 1}

	tr.Record(models.ServiceAPI, at, s, models.AccessUsage{ValidCompute: 4})
	assert.Error(t, tr.Flush(context.Background()))

	hour := at.Add(-time.Hour)
	assert.Equal(t, int64(4), tr.Pending(1, nil, nil, hour, at.Add(time.Hour)).ValidCompute)

	u.err = nil
	require.NoError(t, tr.Flush(context.Background()))
	require.Len(t, u.calls, 1)
	assert.Equal(t, int64(4), u.calls[0].delta.ValidCompute)
	assert.True(t, tr.Pending(1, nil, nil, hour, at.Add(time.Hour)).IsZero())
}

func TestPendingFilters(t *testing.T) {
	tr := newTestTracker(t, &fakeUpdater{}, 0)

	tr.Record(models.ServiceAPI, at, usage.Subject{ProjectID: 1}, models.AccessUsage{ValidCompute: 1})
	tr.Record(models.ServiceAPI, at, usage.Subject{ProjectID: 1, AccessKey: "k"}, models.AccessUsage{ValidCompute: 2})
	tr.Record(models.ServiceIndexer, at, usage.Subject{ProjectID: 1}, models.AccessUsage{ValidCompute: 4})
	tr.Record(models.ServiceAPI, at, usage.Subject{ProjectID: 2}, models.AccessUsage{ValidCompute: 8})

	from, to := at.Add(-time.Hour), at.Add(time.Hour)
	project, api := "", models.ServiceAPI

	assert.Equal(t, int64(7), tr.Pending(1, nil, nil, from, to).ValidCompute)
	assert.Equal(t, int64(5), tr.Pending(1, &project, nil, from, to).ValidCompute)
	assert.Equal(t, int64(1), tr.Pending(1, &project, &api, from, to).ValidCompute)
	assert.Zero(t, tr.Pending(1, nil, nil, to, to.Add(time.Hour)).ValidCompute)
}

func TestDiscard(t *testing.T) {
	u := &fakeUpdater{}
	tr := newTestTracker(t, u, 0)

	tr.Record(models.ServiceAPI, at, usage.Subject{ProjectID: 1}, models.AccessUsage{ValidCompute: 1})
	tr.Record(models.ServiceAPI, at, usage.Subject{ProjectID: 2}, models.AccessUsage{ValidCompute: 1})
	tr.Discard(1)

	require.NoError(t, tr.Flush(context.Background()))
	require.Len(t, u.calls, 1)
	assert.Equal(t, uint64(2), u.calls[0].subject.ProjectID)
}

func TestMaxPendingTriggersFlush(t *testing.T) {
	u := &fakeUpdater{}
	tr := newTestTracker(t, u, 2)

	tr.Record(models.ServiceAPI, at, usage.Subject{ProjectID: 1}, models.AccessUsage{ValidCompute: 1})
	tr.Record(models.ServiceAPI, at, usage.Subject{ProjectID: 2}, models.AccessUsage{ValidCompute: 1})

	assert.Eventually(t, func() bool { return u.count() == 2 }, time.Second, 10*time.Millisecond)
}

func TestCloseFlushes(t *testing.T) {
	u := &fakeUpdater{}
	tr := New(u, time.Hour, 0, zerolog.Nop())
	tr.Record(models.ServiceAPI, at, usage.Subject{ProjectID: 1}, models.AccessUsage{ValidCompute: 1})

	require.NoError(t, tr.Close(context.Background()))
	assert.Equal(t, 1, u.count())
}
