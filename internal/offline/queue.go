// Package offline holds writes deferred because the storage collaborator was
// unreachable. Entries form a durable FIFO per tenant; they leave the queue
// only on acknowledged execution or into the dead-letter set, never silently.
package offline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fieldlog/voice-pipeline/internal/collab"
)

// Entry is one deferred write.
type Entry struct {
	ID         int64
	TenantID   string
	RunID      string
	Operation  string
	Intent     collab.Intent
	Context    collab.RunContext
	EnqueuedAt time.Time
	RetryCount int
}

// Store persists queue entries. Implementations must preserve enqueue order
// per tenant.
type Store interface {
	Enqueue(ctx context.Context, e Entry) error
	// OldestPending returns up to limit entries for the tenant in enqueue order.
	OldestPending(ctx context.Context, tenant string, limit int) ([]Entry, error)
	// Ack removes an entry after the storage collaborator acknowledged it.
	Ack(ctx context.Context, id int64) error
	// Fail bumps the retry count; after maxRetries the entry moves to the
	// dead-letter set and Fail reports deadLettered true.
	Fail(ctx context.Context, id int64, maxRetries int) (deadLettered bool, err error)
	Tenants(ctx context.Context) ([]string, error)
	PendingCount(ctx context.Context, tenant string) (int, error)
	DeadLetterCount(ctx context.Context, tenant string) (int, error)
}

// MemoryStore is the in-process store used in tests and single-device
// deployments without postgres.
type MemoryStore struct {
	mu         sync.Mutex
	nextID     int64
	pending    map[string][]Entry // tenant -> FIFO
	deadLetter map[string][]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pending:    make(map[string][]Entry),
		deadLetter: make(map[string][]Entry),
	}
}

func (s *MemoryStore) Enqueue(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e.ID = s.nextID
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}
	s.pending[e.TenantID] = append(s.pending[e.TenantID], e)
	return nil
}

func (s *MemoryStore) OldestPending(ctx context.Context, tenant string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.pending[tenant]
	if limit > len(q) {
		limit = len(q)
	}
	out := make([]Entry, limit)
	copy(out, q[:limit])
	return out, nil
}

func (s *MemoryStore) Ack(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(id)
	return nil
}

func (s *MemoryStore) Fail(ctx context.Context, id int64, maxRetries int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tenant, q := range s.pending {
		for i := range q {
			if q[i].ID != id {
				continue
			}
			q[i].RetryCount++
			if q[i].RetryCount >= maxRetries {
				s.deadLetter[tenant] = append(s.deadLetter[tenant], q[i])
				s.pending[tenant] = append(q[:i:i], q[i+1:]...)
				return true, nil
			}
			return false, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) Tenants(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tenants := make([]string, 0, len(s.pending))
	for tenant, q := range s.pending {
		if len(q) > 0 {
			tenants = append(tenants, tenant)
		}
	}
	sort.Strings(tenants)
	return tenants, nil
}

func (s *MemoryStore) PendingCount(ctx context.Context, tenant string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[tenant]), nil
}

func (s *MemoryStore) DeadLetterCount(ctx context.Context, tenant string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deadLetter[tenant]), nil
}

// remove deletes the entry with the given id. Caller holds the lock.
func (s *MemoryStore) remove(id int64) {
	for tenant, q := range s.pending {
		for i := range q {
			if q[i].ID == id {
				s.pending[tenant] = append(q[:i:i], q[i+1:]...)
				return
			}
		}
	}
}
