// Package storetest holds a conformance suite shared by store.Store
// implementations.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/quotacontrol/pkg/models"
	"github.com/pario-ai/quotacontrol/pkg/store"
)

// Run exercises a fresh store returned by newStore for every subtest.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	tests := map[string]func(t *testing.T, s store.Store){
		"CreateFirstKeyIsDefault": testCreateFirstKeyIsDefault,
		"MaxAccessKeys":           testMaxAccessKeys,
		"UpdateConflict":          testUpdateConflict,
		"Rotate":                  testRotate,
		"SetDefault":              testSetDefault,
		"DisablePromotesDefault":  testDisablePromotesDefault,
		"DisableLastKey":          testDisableLastKey,
		"ListFilters":             testListFilters,
		"Limits":                  testLimits,
		"Usage":                   testUsage,
		"ConcurrentUsage":         testConcurrentUsage,
		"CycleTransitions":        testCycleTransitions,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

func newKey(projectID uint64, n int) *models.AccessKey {
	created := time.Date(2024, 1, 1, 0, 0, n, 0, time.UTC)
	return &models.AccessKey{
		ProjectID:   projectID,
		AccessKey:   fmt.Sprintf("key-%d-%d", projectID, n),
		DisplayName: fmt.Sprintf("key %d", n),
		CreatedAt:   &created,
	}
}

func testCreateFirstKeyIsDefault(t *testing.T, s store.Store) {
	ctx := context.Background()

	first, err := s.CreateAccessKey(ctx, newKey(1, 1), 0)
	require.NoError(t, err)
	assert.True(t, first.Active)
	assert.True(t, first.Default)

	second, err := s.CreateAccessKey(ctx, newKey(1, 2), 0)
	require.NoError(t, err)
	assert.False(t, second.Default)

	got, err := s.FindAccessKey(ctx, first.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, first.DisplayName, got.DisplayName)

	_, err = s.FindAccessKey(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrAccessKeyNotFound)

	_, err = s.CreateAccessKey(ctx, newKey(1, 1), 0)
	assert.ErrorIs(t, err, models.ErrRequestConflict)
}

func testMaxAccessKeys(t *testing.T, s store.Store) {
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		_, err := s.CreateAccessKey(ctx, newKey(1, i), 2)
		require.NoError(t, err)
	}
	_, err := s.CreateAccessKey(ctx, newKey(1, 3), 2)
	assert.ErrorIs(t, err, models.ErrMaxAccessKeys)

	// Disabled keys do not count.
	_, err = s.DisableAccessKey(ctx, newKey(1, 2).AccessKey)
	require.NoError(t, err)
	_, err = s.CreateAccessKey(ctx, newKey(1, 3), 2)
	assert.NoError(t, err)
}

func testUpdateConflict(t *testing.T, s store.Store) {
	ctx := context.Background()

	k, err := s.CreateAccessKey(ctx, newKey(1, 1), 0)
	require.NoError(t, err)

	k.DisplayName = "renamed"
	k.AllowedOrigins = []string{"https://example.com"}
	k.AllowedServices = []models.Service{models.ServiceNodeGateway}
	updated, err := s.UpdateAccessKey(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.DisplayName)
	assert.Equal(t, []string{"https://example.com"}, updated.AllowedOrigins)
	assert.Equal(t, []models.Service{models.ServiceNodeGateway}, updated.AllowedServices)
	assert.Greater(t, updated.Version, k.Version)

	// k still carries the old version.
	k.DisplayName = "stale"
	_, err = s.UpdateAccessKey(ctx, k)
	assert.ErrorIs(t, err, models.ErrRequestConflict)

	got, err := s.FindAccessKey(ctx, k.AccessKey)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.DisplayName)

	_, err = s.UpdateAccessKey(ctx, newKey(9, 9))
	assert.ErrorIs(t, err, models.ErrAccessKeyNotFound)
}

func testRotate(t *testing.T, s store.Store) {
	ctx := context.Background()

	k, err := s.CreateAccessKey(ctx, newKey(1, 1), 0)
	require.NoError(t, err)

	rotated, err := s.RotateAccessKey(ctx, k.AccessKey, "rotated", k.Version)
	require.NoError(t, err)
	assert.Equal(t, "rotated", rotated.AccessKey)
	assert.True(t, rotated.Default)
	assert.Equal(t, k.DisplayName, rotated.DisplayName)

	_, err = s.FindAccessKey(ctx, k.AccessKey)
	assert.ErrorIs(t, err, models.ErrAccessKeyNotFound)

	_, err = s.RotateAccessKey(ctx, "rotated", "again", k.Version)
	assert.ErrorIs(t, err, models.ErrRequestConflict)
}

func testSetDefault(t *testing.T, s store.Store) {
	ctx := context.Background()

	a, err := s.CreateAccessKey(ctx, newKey(1, 1), 0)
	require.NoError(t, err)
	b, err := s.CreateAccessKey(ctx, newKey(1, 2), 0)
	require.NoError(t, err)
	other, err := s.CreateAccessKey(ctx, newKey(2, 1), 0)
	require.NoError(t, err)

	require.NoError(t, s.SetDefaultAccessKey(ctx, 1, b.AccessKey))
	assertDefault(t, s, 1, b.AccessKey)

	// Idempotent.
	require.NoError(t, s.SetDefaultAccessKey(ctx, 1, b.AccessKey))
	assertDefault(t, s, 1, b.AccessKey)

	err = s.SetDefaultAccessKey(ctx, 1, other.AccessKey)
	assert.ErrorIs(t, err, models.ErrAccessKeyMismatch)
	assertDefault(t, s, 1, b.AccessKey)

	require.NoError(t, s.SetDefaultAccessKey(ctx, 1, a.AccessKey))
	assertDefault(t, s, 1, a.AccessKey)
}

func assertDefault(t *testing.T, s store.Store, projectID uint64, want string) {
	t.Helper()
	keys, err := s.ListAccessKeys(context.Background(), projectID, nil, nil)
	require.NoError(t, err)
	var defaults []string
	for _, k := range keys {
		if k.Default {
			defaults = append(defaults, k.AccessKey)
		}
	}
	assert.Equal(t, []string{want}, defaults)
}

func testDisablePromotesDefault(t *testing.T, s store.Store) {
	ctx := context.Background()

	a, err := s.CreateAccessKey(ctx, newKey(1, 1), 0)
	require.NoError(t, err)
	b, err := s.CreateAccessKey(ctx, newKey(1, 2), 0)
	require.NoError(t, err)
	_, err = s.CreateAccessKey(ctx, newKey(1, 3), 0)
	require.NoError(t, err)

	disabled, err := s.DisableAccessKey(ctx, a.AccessKey)
	require.NoError(t, err)
	assert.False(t, disabled.Active)
	assert.False(t, disabled.Default)
	assertDefault(t, s, 1, b.AccessKey)

	_, err = s.DisableAccessKey(ctx, a.AccessKey)
	assert.ErrorIs(t, err, models.ErrAccessKeyNotFound)

	// Disabled keys still resolve.
	got, err := s.FindAccessKey(ctx, a.AccessKey)
	require.NoError(t, err)
	assert.False(t, got.Active)

	err = s.SetDefaultAccessKey(ctx, 1, a.AccessKey)
	assert.ErrorIs(t, err, models.ErrAccessKeyNotFound)
}

func testDisableLastKey(t *testing.T, s store.Store) {
	ctx := context.Background()

	k, err := s.CreateAccessKey(ctx, newKey(1, 1), 0)
	require.NoError(t, err)

	_, err = s.DisableAccessKey(ctx, k.AccessKey)
	assert.ErrorIs(t, err, models.ErrAtLeastOneKey)

	got, err := s.FindAccessKey(ctx, k.AccessKey)
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.True(t, got.Default)
}

func testListFilters(t *testing.T, s store.Store) {
	ctx := context.Background()

	a := newKey(1, 1)
	a.AllowedServices = []models.Service{models.ServiceIndexer}
	_, err := s.CreateAccessKey(ctx, a, 0)
	require.NoError(t, err)
	_, err = s.CreateAccessKey(ctx, newKey(1, 2), 0)
	require.NoError(t, err)
	c, err := s.CreateAccessKey(ctx, newKey(1, 3), 0)
	require.NoError(t, err)
	_, err = s.DisableAccessKey(ctx, c.AccessKey)
	require.NoError(t, err)

	all, err := s.ListAccessKeys(ctx, 1, nil, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, a.AccessKey, all[0].AccessKey)

	active := true
	got, err := s.ListAccessKeys(ctx, 1, &active, nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	inactive := false
	got, err = s.ListAccessKeys(ctx, 1, &inactive, nil)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	svc := models.ServiceNodeGateway
	got, err = s.ListAccessKeys(ctx, 1, &active, &svc)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, newKey(1, 2).AccessKey, got[0].AccessKey)

	got, err = s.ListAccessKeys(ctx, 42, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testLimits(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, ok, err := s.GetAccessLimit(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	want := models.Limit{MaxKeys: 3, RateLimit: 10, FreeWarn: 5, FreeMax: 10, OverWarn: 15, OverMax: 20, BlockTransactions: true}
	require.NoError(t, s.SetAccessLimit(ctx, 1, want))
	got, ok, err := s.GetAccessLimit(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, *got)

	want.FreeMax = 12
	require.NoError(t, s.SetAccessLimit(ctx, 1, want))
	got, _, err = s.GetAccessLimit(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(12), got.FreeMax)

	_, ok, err = s.GetCycleAnchor(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.SetCycleAnchor(ctx, 1, 15))
	day, ok, err := s.GetCycleAnchor(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 15, day)
}

func testUsage(t *testing.T, s store.Store) {
	ctx := context.Background()
	day1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)
	next := day1.AddDate(0, 1, 0)

	add := func(key string, svc models.Service, at time.Time, valid, over, limited int64) {
		t.Helper()
		require.NoError(t, s.AddUsage(ctx, 1, key, svc, at, models.AccessUsage{
			ValidCompute: valid, OverCompute: over, LimitedCompute: limited,
		}))
	}
	add("a", models.ServiceNodeGateway, day1, 10, 0, 0)
	add("a", models.ServiceNodeGateway, day1.Add(time.Hour), 5, 1, 0)
	add("a", models.ServiceIndexer, day2, 3, 0, 2)
	add("", models.ServiceNodeGateway, day2, 7, 0, 0)
	add("b", models.ServiceNodeGateway, next, 100, 0, 0)

	march := func(f store.UsageFilter) store.UsageFilter {
		f.ProjectID = 1
		f.From = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
		f.To = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
		return f
	}
	keyA, project := "a", ""
	gw := models.ServiceNodeGateway

	u, err := s.GetUsage(ctx, march(store.UsageFilter{}))
	require.NoError(t, err)
	assert.Equal(t, models.AccessUsage{ValidCompute: 25, OverCompute: 1, LimitedCompute: 2}, u)

	u, err = s.GetUsage(ctx, march(store.UsageFilter{AccessKey: &keyA}))
	require.NoError(t, err)
	assert.Equal(t, models.AccessUsage{ValidCompute: 18, OverCompute: 1, LimitedCompute: 2}, u)

	u, err = s.GetUsage(ctx, march(store.UsageFilter{AccessKey: &keyA, Service: &gw}))
	require.NoError(t, err)
	assert.Equal(t, models.AccessUsage{ValidCompute: 15, OverCompute: 1}, u)

	u, err = s.GetUsage(ctx, march(store.UsageFilter{AccessKey: &project}))
	require.NoError(t, err)
	assert.Equal(t, models.AccessUsage{ValidCompute: 7}, u)

	u, err = s.GetUsage(ctx, store.UsageFilter{ProjectID: 2, From: day1, To: next})
	require.NoError(t, err)
	assert.True(t, u.IsZero())

	// Windows shorter than a day only see their own minutes.
	u, err = s.GetUsage(ctx, store.UsageFilter{ProjectID: 1, From: day1.Add(time.Hour), To: day1.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, models.AccessUsage{ValidCompute: 5, OverCompute: 1}, u)
}

func testConcurrentUsage(t *testing.T, s store.Store) {
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.AddUsage(ctx, 1, "a", models.ServiceNodeGateway, at, models.AccessUsage{ValidCompute: 1})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	u, err := s.GetUsage(ctx, store.UsageFilter{ProjectID: 1, From: at, To: at.AddDate(0, 0, 1)})
	require.NoError(t, err)
	assert.Equal(t, int64(50), u.ValidCompute)
}

func testCycleTransitions(t *testing.T, s store.Store) {
	ctx := context.Background()
	c := models.Cycle{
		Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
	}

	state, err := s.GetCycleState(ctx, 1, c)
	require.NoError(t, err)
	assert.Equal(t, store.StateEmpty, state)

	ok, err := s.TransitionCycle(ctx, 1, c, []store.CycleState{store.StateEmpty, store.StateAccruing}, store.StatePrepared)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionCycle(ctx, 1, c, []store.CycleState{store.StateEmpty, store.StateAccruing}, store.StatePrepared)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.TransitionCycle(ctx, 1, c, []store.CycleState{store.StatePrepared}, store.StateCleared)
	require.NoError(t, err)
	assert.True(t, ok)

	state, err = s.GetCycleState(ctx, 1, c)
	require.NoError(t, err)
	assert.Equal(t, store.StateCleared, state)

	// Other projects and cycles are independent.
	state, err = s.GetCycleState(ctx, 2, c)
	require.NoError(t, err)
	assert.Equal(t, store.StateEmpty, state)
	state, err = s.GetCycleState(ctx, 1, models.Cycle{Start: c.End, End: c.End.AddDate(0, 1, 0)})
	require.NoError(t, err)
	assert.Equal(t, store.StateEmpty, state)
}
