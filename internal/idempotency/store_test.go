package idempotency_test

import (
	"testing"

	"exec_core/internal/idempotency"
	"exec_core/internal/idempotency/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) idempotency.Store {
		return idempotency.NewMemoryStore()
	})
}
