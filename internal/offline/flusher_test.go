// internal/offline/flusher_test.go
package offline

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlog/voice-pipeline/internal/collab"
	pipeerrors "github.com/fieldlog/voice-pipeline/internal/common/errors"
	"github.com/fieldlog/voice-pipeline/internal/common/logger"
	"github.com/fieldlog/voice-pipeline/internal/connectivity"
)

// recordingStorage executes entries and records the order and keys. Keys
// already seen are acknowledged without applying, mirroring an
// idempotency-aware backend.
type recordingStorage struct {
	mu       sync.Mutex
	executed []string
	keys     map[string]bool
	failFor  map[string]error
}

func newRecordingStorage() *recordingStorage {
	return &recordingStorage{keys: make(map[string]bool), failFor: make(map[string]error)}
}

func (s *recordingStorage) Execute(ctx context.Context, intent collab.Intent, rc collab.RunContext, idempotencyKey string) (collab.ExecuteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failFor[idempotencyKey]; ok && err != nil {
		return collab.ExecuteResult{}, err
	}
	if !s.keys[idempotencyKey] {
		s.keys[idempotencyKey] = true
		s.executed = append(s.executed, idempotencyKey)
	}
	return collab.ExecuteResult{RecordID: idempotencyKey}, nil
}

func (s *recordingStorage) executedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.executed...)
}

func TestFlusher_ReplaysInEnqueueOrder(t *testing.T) {
	store := NewMemoryStore()
	storage := newRecordingStorage()
	ctx := context.Background()

	for _, runID := range []string{"r1", "r2", "r3"} {
		require.NoError(t, store.Enqueue(ctx, testEntry("t1", runID)))
	}

	f := NewFlusher(store, storage, connectivity.Static(true), logger.Nop())
	require.NoError(t, f.Flush(ctx))

	assert.Equal(t, []string{"run-r1", "run-r2", "run-r3"}, storage.executedKeys())
	pending, err := store.PendingCount(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestFlusher_TransientFailurePausesTenantKeepingOrder(t *testing.T) {
	store := NewMemoryStore()
	storage := newRecordingStorage()
	ctx := context.Background()

	for _, runID := range []string{"r1", "r2", "r3"} {
		require.NoError(t, store.Enqueue(ctx, testEntry("t1", runID)))
	}
	storage.failFor["run-r2"] = pipeerrors.NewTransientNetworkError("storage", assert.AnError)

	f := NewFlusher(store, storage, connectivity.Static(true), logger.Nop())
	require.NoError(t, f.Flush(ctx))

	// r1 replayed; r2 failed transiently so r3 must wait behind it.
	assert.Equal(t, []string{"run-r1"}, storage.executedKeys())
	pending, err := store.OldestPending(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "r2", pending[0].RunID)
	assert.Equal(t, "r3", pending[1].RunID)

	// Backend recovers: the next pass drains the rest in order.
	delete(storage.failFor, "run-r2")
	require.NoError(t, f.Flush(ctx))
	assert.Equal(t, []string{"run-r1", "run-r2", "run-r3"}, storage.executedKeys())
}

func TestFlusher_DeadLettersAfterMaxRetries(t *testing.T) {
	store := NewMemoryStore()
	storage := newRecordingStorage()
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, testEntry("t1", "poison")))
	require.NoError(t, store.Enqueue(ctx, testEntry("t1", "healthy")))
	storage.failFor["run-poison"] = pipeerrors.NewStorageExecutionError(assert.AnError)

	f := NewFlusher(store, storage, connectivity.Static(true), logger.Nop())
	f.maxRetries = 2

	// Non-retryable failures stop the pass but still bump the retry count;
	// after maxRetries the entry dead-letters and unblocks the queue.
	require.NoError(t, f.Flush(ctx))
	require.NoError(t, f.Flush(ctx))

	dl, err := store.DeadLetterCount(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, dl)
	assert.Equal(t, []string{"run-healthy"}, storage.executedKeys())
}

func TestFlusher_ReplayIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	storage := newRecordingStorage()
	ctx := context.Background()

	require.NoError(t, store.Enqueue(ctx, testEntry("t1", "r1")))

	// Simulate a crash between Execute and Ack: the backend already holds
	// the key, and the retry must not double-apply.
	_, err := storage.Execute(ctx, collab.Intent{Action: "create_cost"}, collab.RunContext{}, "run-r1")
	require.NoError(t, err)

	f := NewFlusher(store, storage, connectivity.Static(true), logger.Nop())
	require.NoError(t, f.Flush(ctx))

	assert.Equal(t, []string{"run-r1"}, storage.executedKeys(), "the write applied exactly once")
	pending, err := store.PendingCount(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestFlusher_ParallelTenantsAllDrain(t *testing.T) {
	store := NewMemoryStore()
	storage := newRecordingStorage()
	ctx := context.Background()

	for _, tenant := range []string{"t1", "t2", "t3"} {
		require.NoError(t, store.Enqueue(ctx, testEntry(tenant, tenant+"-run")))
	}

	f := NewFlusher(store, storage, connectivity.Static(true), logger.Nop())
	require.NoError(t, f.Flush(ctx))

	assert.ElementsMatch(t,
		[]string{"run-t1-run", "run-t2-run", "run-t3-run"},
		storage.executedKeys())
}
