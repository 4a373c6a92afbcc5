package store_test

import (
	"testing"

	"github.com/pario-ai/quotacontrol/pkg/store"
	"github.com/pario-ai/quotacontrol/pkg/store/storetest"
)

func TestMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return store.NewMemory()
	})
}

func TestRetryingMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return store.WithRetry(store.NewMemory(), 2, 0)
	})
}
