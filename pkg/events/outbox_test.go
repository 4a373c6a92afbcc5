package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/quotacontrol/pkg/config"
	"github.com/pario-ai/quotacontrol/pkg/models"
	"github.com/pario-ai/quotacontrol/pkg/store/sqlite"
)

type fakeSink struct {
	mu     sync.Mutex
	events []Event
	fail   int
}

func (f *fakeSink) Deliver(_ context.Context, ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("sink down")
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func testConfig() config.EventsConfig {
	cfg := config.Default().Events
	cfg.MaxAttempts = 3
	cfg.DispatchInterval = time.Hour
	return cfg
}

func newTestOutbox(t *testing.T, sink Sink, cfg config.EventsConfig) *Outbox {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db.DB(), sink, cfg, zerolog.Nop())
}

func TestEmitAndDispatch(t *testing.T) {
	ctx := context.Background()
	sink := &fakeSink{}
	o := newTestOutbox(t, sink, testConfig())
	tick := time.Now()
	o.now = func() time.Time {
		tick = tick.Add(time.Millisecond)
		return tick
	}

	require.NoError(t, o.Emit(ctx, 1, models.EventFreeWarn))
	require.NoError(t, o.Emit(ctx, 2, models.EventFreeMax))

	n, err := o.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, sink.events, 2)
	assert.NotEqual(t, sink.events[0].ID, sink.events[1].ID)
	assert.Equal(t, models.EventFreeWarn, sink.events[0].Type)

	// Delivered events are not sent again.
	n, err = o.Dispatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	done := false
	list, err := o.List(ctx, ListOptions{Pending: &done})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.NotNil(t, list[0].DeliveredAt)
	assert.Equal(t, 1, list[0].Attempts)

	list, err = o.List(ctx, ListOptions{ProjectID: 2})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.EventFreeMax, list[0].Type)
}

func TestDispatchRetriesThenDrops(t *testing.T) {
	ctx := context.Background()
	sink := &fakeSink{fail: 100}
	o := newTestOutbox(t, sink, testConfig())
	require.NoError(t, o.Emit(ctx, 1, models.EventOverMax))

	for i := 0; i < 3; i++ {
		n, err := o.Dispatch(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	}

	list, err := o.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Dead)
	assert.Equal(t, 3, list[0].Attempts)
	assert.Equal(t, "sink down", list[0].LastError)

	pending := true
	list, err = o.List(ctx, ListOptions{Pending: &pending})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDispatchRecoversAfterFailure(t *testing.T) {
	ctx := context.Background()
	sink := &fakeSink{fail: 1}
	o := newTestOutbox(t, sink, testConfig())
	require.NoError(t, o.Emit(ctx, 1, models.EventOverWarn))

	n, err := o.Dispatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = o.Dispatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Retention = time.Hour
	o := newTestOutbox(t, &fakeSink{}, cfg)

	past := time.Now().Add(-2 * time.Hour)
	o.now = func() time.Time { return past }
	require.NoError(t, o.Emit(ctx, 1, models.EventFreeMax))
	require.NoError(t, o.Emit(ctx, 1, models.EventFreeWarn))
	_, err := o.Dispatch(ctx)
	require.NoError(t, err)

	o.now = time.Now
	require.NoError(t, o.Emit(ctx, 1, models.EventOverMax))

	n, err := o.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	list, err := o.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.EventOverMax, list[0].Type)
}

func TestStartDeliversInBackground(t *testing.T) {
	ctx := context.Background()
	sink := &fakeSink{}
	o := newTestOutbox(t, sink, testConfig())
	require.NoError(t, o.Start())
	defer o.Close()

	require.NoError(t, o.Emit(ctx, 1, models.EventFreeWarn))
	assert.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestStartRejectsBadSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.PruneSchedule = "not a schedule"
	o := newTestOutbox(t, &fakeSink{}, cfg)
	assert.Error(t, o.Start())
}

func TestWebhookSink(t *testing.T) {
	var (
		gotKey string
		got    Event
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ev := Event{ID: "abc", ProjectID: 7, Type: models.EventOverWarn, CreatedAt: time.Now().UTC()}
	require.NoError(t, NewWebhookSink(srv.URL, nil).Deliver(context.Background(), ev))
	assert.Equal(t, "abc", gotKey)
	assert.Equal(t, uint64(7), got.ProjectID)
	assert.Equal(t, models.EventOverWarn, got.Type)
}

func TestWebhookSinkFailsOnStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL, nil).Deliver(context.Background(), Event{ID: "x"})
	assert.Error(t, err)
}

func TestNewSink(t *testing.T) {
	s, err := NewSink(config.EventsConfig{Sink: "log"}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, LogSink{}, s)

	s, err = NewSink(config.EventsConfig{Sink: "webhook", WebhookURL: "http://localhost"}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &WebhookSink{}, s)

	_, err = NewSink(config.EventsConfig{Sink: "kafka"}, zerolog.Nop())
	assert.Error(t, err)
}
