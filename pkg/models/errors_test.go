package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFromCode(t *testing.T) {
	assert.Equal(t, KindAccessKeyNotFound, ErrorFromCode(1101).Kind)
	assert.Equal(t, KindAtLeastOneKey, ErrorFromCode(1302).Kind)
	assert.Equal(t, KindWebrpcBadRoute, ErrorFromCode(-2).Kind)
	assert.Equal(t, KindWebrpcEndpoint, ErrorFromCode(0).Kind)
	assert.Equal(t, KindWebrpcEndpoint, ErrorFromCode(4242).Kind)
}

func TestErrorCodesUnique(t *testing.T) {
	seen := map[ErrorKind]int{}
	for code, e := range errorsByCode {
		assert.Equal(t, code, e.Code)
		if prev, ok := seen[e.Kind]; ok {
			t.Fatalf("kind %s registered for codes %d and %d", e.Kind, prev, code)
		}
		seen[e.Kind] = code
	}
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("disable key: %w", ErrAtLeastOneKey.WithCausef("project %d", 7))
	assert.True(t, errors.Is(err, ErrAtLeastOneKey))
	assert.False(t, errors.Is(err, ErrMaxAccessKeys))

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "project 7", e.Cause)
	assert.Empty(t, ErrAtLeastOneKey.Cause, "WithCause must not mutate the sentinel")
}

func TestErrorJSON(t *testing.T) {
	b, err := json.Marshal(ErrQuotaExceeded.WithCausef("over by %d", 3))
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(b, &payload))
	assert.Equal(t, "QuotaExceeded", payload["error"])
	assert.Equal(t, float64(1200), payload["code"])
	assert.Equal(t, "Quota request exceeded", payload["msg"])
	assert.Equal(t, "over by 3", payload["cause"])
	assert.Equal(t, float64(429), payload["status"])

	var back Error
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, errors.Is(&back, ErrQuotaExceeded))

	var legacy Error
	require.NoError(t, json.Unmarshal([]byte(`{"code":1101,"message":"gone","status":401}`), &legacy))
	assert.Equal(t, KindAccessKeyNotFound, legacy.Kind)
	assert.Equal(t, "gone", legacy.Message)

	var unknown Error
	require.NoError(t, json.Unmarshal([]byte(`{"code":777}`), &unknown))
	assert.Equal(t, KindWebrpcEndpoint, unknown.Kind)
}

func TestErrorClassAndRetry(t *testing.T) {
	assert.Equal(t, ClassAuth, ErrUnauthorizedUser.Class())
	assert.Equal(t, ClassKeyLifecycle, ErrNoDefaultKey.Class())
	assert.Equal(t, ClassQuota, ErrRateLimited.Class())
	assert.Equal(t, ClassResource, ErrGeoblocked.Class())
	assert.Equal(t, ClassTransport, ErrWebrpcBadRoute.Class())

	assert.True(t, ErrWebrpcBadRoute.Retryable())
	assert.False(t, ErrWebrpcServerPanic.Retryable())
	assert.False(t, ErrWebrpcInternalError.Retryable())
	assert.True(t, ErrQuotaRateLimit.Retryable())
	assert.False(t, ErrMaxAccessKeys.Retryable())
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil))
	assert.Equal(t, KindAborted, AsError(context.Canceled).Kind)
	assert.Equal(t, KindTimeout, AsError(fmt.Errorf("x: %w", context.DeadlineExceeded)).Kind)
	assert.Equal(t, KindWebrpcInternalError, AsError(errors.New("disk on fire")).Kind)
	assert.Equal(t, KindInvalidOrigin, AsError(ErrInvalidOrigin).Kind)
}
