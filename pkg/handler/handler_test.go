package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/quotacontrol/pkg/config"
	"github.com/pario-ai/quotacontrol/pkg/cycle"
	"github.com/pario-ai/quotacontrol/pkg/limits"
	"github.com/pario-ai/quotacontrol/pkg/models"
	"github.com/pario-ai/quotacontrol/pkg/permission"
	"github.com/pario-ai/quotacontrol/pkg/ratelimit"
	"github.com/pario-ai/quotacontrol/pkg/store"
	"github.com/pario-ai/quotacontrol/pkg/tracker"
	"github.com/pario-ai/quotacontrol/pkg/usage"
)

var (
	now        = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	cycleStart = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	cycleEnd   = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	gateway    = models.ServiceNodeGateway
)

var testLimit = models.Limit{MaxKeys: 3, RateLimit: 5, FreeWarn: 80, FreeMax: 100, OverWarn: 140, OverMax: 150}

type emitted struct {
	projectID uint64
	event     models.EventType
}

type fakeEmitter struct {
	events []emitted
	err    error
}

func (f *fakeEmitter) Emit(_ context.Context, projectID uint64, ev models.EventType) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, emitted{projectID, ev})
	return nil
}

type env struct {
	h      *Handler
	store  *store.Memory
	limits *limits.Resolver
	events *fakeEmitter
}

type option func(*Deps)

func withTracker(t *testing.T) option {
	return func(d *Deps) {
		tr := tracker.New(d.Engine, time.Hour, 0, zerolog.Nop())
		t.Cleanup(func() { _ = tr.Close(context.Background()) })
		d.Tracker = tr
	}
}

func setup(t *testing.T, opts ...option) *env {
	t.Helper()
	s := store.NewMemory()
	lim := limits.New(s, testLimit)
	cycles := cycle.NewResolver(cycle.Monthly(1), s)
	ev := &fakeEmitter{}
	perms, err := permission.NewStatic(config.PermissionsConfig{
		Members:   []config.MemberConfig{{ProjectID: 1, UserID: "alice", Permission: "ADMIN"}},
		Resources: []config.ResourceConfig{{ProjectID: 1, Tier: "pro"}},
	})
	require.NoError(t, err)

	d := Deps{
		Store:       s,
		Limits:      lim,
		Cycles:      cycles,
		Engine:      usage.New(s, lim, cycles, ev, zerolog.Nop()),
		Limiter:     ratelimit.NewWindow(time.Minute),
		Permissions: permission.NewResolver(perms, 16, time.Minute, zerolog.Nop()),
		Events:      ev,
		KeyPrefix:   "qc",
	}
	for _, o := range opts {
		o(&d)
	}
	h := New(d, zerolog.Nop())
	h.now = func() time.Time { return now }
	return &env{h: h, store: s, limits: lim, events: ev}
}

func (e *env) key(t *testing.T, projectID uint64) *models.AccessKey {
	t.Helper()
	k, err := e.h.CreateAccessKey(context.Background(), projectID, "key", false, nil, nil, nil)
	require.NoError(t, err)
	return k
}

func assertKind(t *testing.T, want *models.Error, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, want), "got %v, want %s", err, want.Kind)
}

func TestCreateAccessKey(t *testing.T) {
	ctx := context.Background()
	e := setup(t)

	first := e.key(t, 1)
	assert.True(t, first.Active)
	assert.True(t, first.Default)
	assert.Equal(t, uint64(1), first.ProjectID)

	second := e.key(t, 1)
	assert.False(t, second.Default)
	assert.NotEqual(t, first.AccessKey, second.AccessKey)

	def, err := e.h.GetDefaultAccessKey(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, first.AccessKey, def.AccessKey)

	e.key(t, 1)
	_, err = e.h.CreateAccessKey(ctx, 1, "fourth", false, nil, nil, nil)
	assertKind(t, models.ErrMaxAccessKeys, err)
}

func TestGetDefaultAccessKeyMissing(t *testing.T) {
	e := setup(t)
	_, err := e.h.GetDefaultAccessKey(context.Background(), 9)
	assertKind(t, models.ErrNoDefaultKey, err)
}

func TestRotateAccessKey(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	k := e.key(t, 1)

	rotated, err := e.h.RotateAccessKey(ctx, k.AccessKey)
	require.NoError(t, err)
	assert.NotEqual(t, k.AccessKey, rotated.AccessKey)
	assert.True(t, rotated.Default)

	_, err = e.h.GetAccessKey(ctx, k.AccessKey)
	assertKind(t, models.ErrAccessKeyNotFound, err)

	_, err = e.h.RotateAccessKey(ctx, k.AccessKey)
	assertKind(t, models.ErrAccessKeyNotFound, err)
}

func TestRotateDisabledKey(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	e.key(t, 1)
	k := e.key(t, 1)

	ok, err := e.h.DisableAccessKey(ctx, k.AccessKey)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = e.h.RotateAccessKey(ctx, k.AccessKey)
	assertKind(t, models.ErrAccessKeyNotFound, err)
}

func TestUpdateAccessKey(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	k := e.key(t, 1)

	name := "renamed"
	origins := []string{"https://app.example.com"}
	updated, err := e.h.UpdateAccessKey(ctx, k.AccessKey, models.AccessKeyUpdate{
		DisplayName:    &name,
		AllowedOrigins: &origins,
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.DisplayName)
	assert.Equal(t, origins, updated.AllowedOrigins)

	q, err := e.h.GetAccessQuota(ctx, k.AccessKey, now)
	require.NoError(t, err)
	assert.Equal(t, "renamed", q.AccessKey.DisplayName)
}

func TestUpdateDefaultAccessKey(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	e.key(t, 1)
	second := e.key(t, 1)
	other := e.key(t, 2)

	ok, err := e.h.UpdateDefaultAccessKey(ctx, 1, second.AccessKey)
	require.NoError(t, err)
	assert.True(t, ok)

	def, err := e.h.GetDefaultAccessKey(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, second.AccessKey, def.AccessKey)

	_, err = e.h.UpdateDefaultAccessKey(ctx, 1, other.AccessKey)
	assertKind(t, models.ErrAccessKeyMismatch, err)
}

func TestDisableLastKey(t *testing.T) {
	e := setup(t)
	k := e.key(t, 1)
	_, err := e.h.DisableAccessKey(context.Background(), k.AccessKey)
	assertKind(t, models.ErrAtLeastOneKey, err)
}

func TestListAccessKeys(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	e.key(t, 1)
	k := e.key(t, 1)
	_, err := e.h.DisableAccessKey(ctx, k.AccessKey)
	require.NoError(t, err)

	all, err := e.h.ListAccessKeys(ctx, 1, nil, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active := true
	live, err := e.h.ListAccessKeys(ctx, 1, &active, nil)
	require.NoError(t, err)
	assert.Len(t, live, 1)

	none, err := e.h.ListAccessKeys(ctx, 42, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestProjectQuota(t *testing.T) {
	ctx := context.Background()
	e := setup(t)

	q, err := e.h.GetProjectQuota(ctx, 1, now)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), q.AccessKey.ProjectID)
	assert.Empty(t, q.AccessKey.AccessKey)
	assert.Equal(t, testLimit, *q.Limit)
	assert.Equal(t, cycleStart, q.Cycle.Start)
	assert.Equal(t, cycleEnd, q.Cycle.End)
}

func TestLimitChangeClearsQuotaCache(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	k := e.key(t, 1)

	_, err := e.h.GetAccessQuota(ctx, k.AccessKey, now)
	require.NoError(t, err)

	raised := testLimit
	raised.FreeMax = 500
	raised.OverMax = 600
	require.NoError(t, e.limits.Set(ctx, 1, raised))

	q, err := e.h.GetAccessQuota(ctx, k.AccessKey, now)
	require.NoError(t, err)
	assert.Equal(t, int64(500), q.Limit.FreeMax)
}

func TestClearAccessQuotaCache(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	k := e.key(t, 1)

	_, err := e.h.GetAccessQuota(ctx, k.AccessKey, now)
	require.NoError(t, err)

	// Write behind the handler's back; only an explicit clear shows it.
	stored, err := e.store.FindAccessKey(ctx, k.AccessKey)
	require.NoError(t, err)
	stored.DisplayName = "direct"
	_, err = e.store.UpdateAccessKey(ctx, stored)
	require.NoError(t, err)

	before := e.h.CacheStats()
	q, err := e.h.GetAccessQuota(ctx, k.AccessKey, now)
	require.NoError(t, err)
	assert.Equal(t, "key", q.AccessKey.DisplayName)
	assert.Equal(t, before.Hits+1, e.h.CacheStats().Hits)

	ok, err := e.h.ClearAccessQuotaCache(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	q, err = e.h.GetAccessQuota(ctx, k.AccessKey, now)
	require.NoError(t, err)
	assert.Equal(t, "direct", q.AccessKey.DisplayName)
	assert.Equal(t, 1, e.h.CacheStats().Entries)
}

func TestUpdateKeyUsage(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	a := e.key(t, 1)
	b := e.key(t, 1)

	ok, err := e.h.UpdateKeyUsage(ctx, gateway, now, map[string]*models.AccessUsage{
		a.AccessKey: {ValidCompute: 60},
		b.AccessKey: {ValidCompute: 30},
		"unknown":   {ValidCompute: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{a.AccessKey: true, b.AccessKey: true, "unknown": false}, ok)

	u, err := e.h.GetAccountUsage(ctx, 1, nil, &cycleStart, &cycleEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(90), u.ValidCompute)

	u, err = e.h.GetAccessKeyUsage(ctx, a.AccessKey, nil, &cycleStart, &cycleEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(60), u.ValidCompute)

	// Project total is now 90 of a free tier of 100.
	ok, err = e.h.UpdateUsage(ctx, gateway, now, map[string]*models.AccessUsage{
		a.AccessKey: {ValidCompute: 50},
	})
	require.NoError(t, err)
	assert.True(t, ok[a.AccessKey])

	u, err = e.h.GetAccessKeyUsage(ctx, a.AccessKey, &gateway, &cycleStart, &cycleEnd)
	require.NoError(t, err)
	assert.Equal(t, models.AccessUsage{ValidCompute: 70, OverCompute: 40}, *u)
}

func TestUpdateProjectUsage(t *testing.T) {
	ctx := context.Background()
	e := setup(t)

	ok, err := e.h.UpdateProjectUsage(ctx, gateway, now, map[uint64]*models.AccessUsage{
		1: {ValidCompute: 200},
		2: nil,
	})
	require.NoError(t, err)
	assert.False(t, ok[1])
	assert.True(t, ok[2])

	u, err := e.h.GetAccountUsage(ctx, 1, nil, &cycleStart, &cycleEnd)
	require.NoError(t, err)
	assert.Equal(t, models.AccessUsage{ValidCompute: 100, OverCompute: 50, LimitedCompute: 50}, *u)

	var types []models.EventType
	for _, ev := range e.events.events {
		types = append(types, ev.event)
	}
	assert.Equal(t, []models.EventType{models.EventFreeWarn, models.EventFreeMax, models.EventOverWarn, models.EventOverMax}, types)
}

func TestUpdateProjectUsageNegative(t *testing.T) {
	e := setup(t)
	ok, err := e.h.UpdateProjectUsage(context.Background(), gateway, now, map[uint64]*models.AccessUsage{
		1: {ValidCompute: -1},
	})
	assertKind(t, models.ErrWebrpcBadRequest, err)
	assert.False(t, ok[1])
}

func TestPrepareAndClearUsage(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	k := e.key(t, 1)

	ok, err := e.h.PrepareUsage(ctx, 1, &models.Cycle{Start: cycleStart, End: cycleEnd}, now)
	require.NoError(t, err)
	assert.True(t, ok)

	res, err := e.h.UpdateKeyUsage(ctx, gateway, now, map[string]*models.AccessUsage{k.AccessKey: {ValidCompute: 10}})
	require.NoError(t, err)
	assert.True(t, res[k.AccessKey])

	ok, err = e.h.ClearUsage(ctx, 1, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.h.ClearUsage(ctx, 1, now)
	require.NoError(t, err)
	assert.False(t, ok)

	res, err = e.h.UpdateKeyUsage(ctx, gateway, now, map[string]*models.AccessUsage{k.AccessKey: {ValidCompute: 10}})
	require.NoError(t, err)
	assert.False(t, res[k.AccessKey])

	ok, err = e.h.PrepareUsage(ctx, 1, &models.Cycle{Start: cycleStart, End: cycleEnd}, now)
	require.NoError(t, err)
	assert.False(t, ok)

	status, err := e.h.GetProjectStatus(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, status.UsageCounter)

	u, err := e.h.GetAccountUsage(ctx, 1, nil, &cycleStart, &cycleEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(10), u.ValidCompute)
}

func TestGetProjectStatus(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	k := e.key(t, 1)

	_, err := e.h.Admit(ctx, AdmitRequest{AccessKey: k.AccessKey, Service: gateway, Compute: 25, Now: now})
	require.NoError(t, err)
	_, err = e.h.Admit(ctx, AdmitRequest{AccessKey: k.AccessKey, Service: models.ServiceAPI, Compute: 10, Now: now})
	require.NoError(t, err)

	status, err := e.h.GetProjectStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), status.ProjectID)
	assert.Equal(t, int64(25), status.UsageCounter)
	assert.Equal(t, map[models.Service]int64{gateway: 25, models.ServiceAPI: 10}, status.UsageByService)
	assert.Equal(t, int64(2), status.RateLimitCounter)
	assert.Equal(t, testLimit, *status.Limit)
}

func TestGetAsyncUsage(t *testing.T) {
	ctx := context.Background()
	e := setup(t, withTracker(t))
	k := e.key(t, 1)

	_, err := e.h.Admit(ctx, AdmitRequest{AccessKey: k.AccessKey, Service: gateway, Compute: 30, Now: now})
	require.NoError(t, err)

	durable, err := e.h.GetAccountUsage(ctx, 1, nil, &cycleStart, &cycleEnd)
	require.NoError(t, err)
	assert.Zero(t, durable.ValidCompute)

	async, err := e.h.GetAsyncUsage(ctx, 1, nil, &cycleStart, &cycleEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(30), async.ValidCompute)

	status, err := e.h.GetProjectStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(30), status.UsageCounter)

	require.NoError(t, e.h.tracker.Flush(ctx))

	durable, err = e.h.GetAccountUsage(ctx, 1, nil, &cycleStart, &cycleEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(30), durable.ValidCompute)

	async, err = e.h.GetAsyncUsage(ctx, 1, nil, &cycleStart, &cycleEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(30), async.ValidCompute)
}

func TestClearUsageDiscardsPending(t *testing.T) {
	ctx := context.Background()
	e := setup(t, withTracker(t))
	k := e.key(t, 1)

	_, err := e.h.Admit(ctx, AdmitRequest{AccessKey: k.AccessKey, Service: gateway, Compute: 30, Now: now})
	require.NoError(t, err)

	ok, err := e.h.ClearUsage(ctx, 1, now)
	require.NoError(t, err)
	assert.True(t, ok)

	async, err := e.h.GetAsyncUsage(ctx, 1, nil, &cycleStart, &cycleEnd)
	require.NoError(t, err)
	assert.True(t, async.IsZero())
}

func TestNotifyEvent(t *testing.T) {
	ctx := context.Background()
	e := setup(t)

	ok, err := e.h.NotifyEvent(ctx, 7, models.EventOverWarn)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []emitted{{7, models.EventOverWarn}}, e.events.events)

	e.events.err = errors.New("outbox down")
	ok, err = e.h.NotifyEvent(ctx, 7, models.EventOverMax)
	require.Error(t, err)
	assert.False(t, ok)
}

func TestGetUserPermission(t *testing.T) {
	ctx := context.Background()
	e := setup(t)

	perm, access, err := e.h.GetUserPermission(ctx, 1, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.PermissionAdmin, perm)
	require.NotNil(t, access)
	assert.Equal(t, "pro", access.Subscription.Tier)

	perm, access, err = e.h.GetUserPermission(ctx, 1, "mallory")
	require.NoError(t, err)
	assert.Equal(t, models.PermissionUnauthorized, perm)
	assert.Nil(t, access)
}

func TestUsageDefaultsToHandlerCycle(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	k := e.key(t, 1)

	_, err := e.h.Admit(ctx, AdmitRequest{AccessKey: k.AccessKey, Service: gateway, Compute: 12, Now: now})
	require.NoError(t, err)

	// Open bounds resolve to the cycle around the handler's clock.
	account, err := e.h.GetAccountUsage(ctx, 1, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(12), account.ValidCompute)

	key, err := e.h.GetAccessKeyUsage(ctx, k.AccessKey, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(12), key.ValidCompute)

	async, err := e.h.GetAsyncUsage(ctx, 1, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, *account, *async)
}
