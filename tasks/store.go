// Package tasks implements the asynchronous task pipeline: a shared
// persisted TaskRecord per invocation, a distributed work queue feeding
// workers, and a pub/sub channel carrying progress events. The store, queue,
// and publisher are narrow injected interfaces so the state-machine logic
// stays unit-testable without a live broker.
package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/richinex/berry-mcp/protocol"
)

var (
	// ErrNotFound means the task record does not exist (or has expired).
	ErrNotFound = errors.New("task record not found")
	// ErrRevisionConflict means a compare-and-swap update lost the race.
	ErrRevisionConflict = errors.New("task record revision conflict")
	// ErrConnectivity marks transient store/queue failures that ride the
	// queue's bounded redelivery instead of failing the task outright.
	ErrConnectivity = errors.New("connectivity error")
)

// Store persists task records. It is the single source of truth for task
// status: workers write, callers read or flag cancellation. Revisions make
// the worker's pickup transition race-safe; plain Put is last-write-wins,
// which is all cancellation needs.
//
// Implementations expire terminal records after their configured TTL so
// records nobody ever polls do not accumulate forever.
type Store interface {
	// Get returns the record and its current revision.
	Get(ctx context.Context, taskID string) (*protocol.TaskRecord, uint64, error)

	// Put writes the record unconditionally and returns the new revision.
	Put(ctx context.Context, rec *protocol.TaskRecord) (uint64, error)

	// Update writes the record only if its revision still matches rev.
	Update(ctx context.Context, rec *protocol.TaskRecord, rev uint64) (uint64, error)
}

// memoryEntry is one stored record plus bookkeeping.
type memoryEntry struct {
	rec       protocol.TaskRecord
	rev       uint64
	expiresAt time.Time
}

// MemoryStore is the in-process Store used in single-process mode and in
// tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithTerminalTTL sets how long terminal records are retained. Zero keeps
// them forever.
func WithTerminalTTL(ttl time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) { s.ttl = ttl }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, taskID string) (*protocol.TaskRecord, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[taskID]
	if !ok {
		return nil, 0, ErrNotFound
	}
	if !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt) {
		delete(s.entries, taskID)
		return nil, 0, ErrNotFound
	}
	rec := entry.rec
	return &rec, entry.rev, nil
}

func (s *MemoryStore) Put(_ context.Context, rec *protocol.TaskRecord) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[rec.TaskID]
	if !ok {
		entry = &memoryEntry{}
		s.entries[rec.TaskID] = entry
	}
	entry.rec = *rec
	entry.rev++
	entry.expiresAt = s.expiry(rec)
	return entry.rev, nil
}

func (s *MemoryStore) Update(_ context.Context, rec *protocol.TaskRecord, rev uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[rec.TaskID]
	if !ok {
		return 0, ErrNotFound
	}
	if entry.rev != rev {
		return 0, ErrRevisionConflict
	}
	entry.rec = *rec
	entry.rev++
	entry.expiresAt = s.expiry(rec)
	return entry.rev, nil
}

func (s *MemoryStore) expiry(rec *protocol.TaskRecord) time.Time {
	if s.ttl > 0 && rec.Status.Terminal() {
		return s.now().Add(s.ttl)
	}
	return time.Time{}
}
