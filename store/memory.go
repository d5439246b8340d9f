package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/flowmesh/types"
)

// MemoryStore is an in-memory ExecutionStore. Suitable for development and
// testing; data is lost on restart.
type MemoryStore struct {
	executions map[string]*types.WorkflowExecution
	locks      map[string]memoryLock
	mu         sync.Mutex
	closed     bool
}

type memoryLock struct {
	ownerID    string
	acquiredAt time.Time
	expiresAt  time.Time
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*types.WorkflowExecution),
		locks:      make(map[string]memoryLock),
	}
}

// CreateExecution creates a pending execution.
func (s *MemoryStore) CreateExecution(ctx context.Context, def *types.WorkflowDefinition, initialData map[string]any) (*types.WorkflowExecution, error) {
	if def == nil {
		return nil, ErrInvalidInput
	}
	now := time.Now().UTC()
	exec := &types.WorkflowExecution{
		ID:         uuid.New().String(),
		WorkflowID: def.ID,
		Status:     types.ExecutionPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	exec.MergeData(initialData)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	s.executions[exec.ID] = exec.Clone()
	return exec, nil
}

// Save persists the execution (idempotent upsert).
func (s *MemoryStore) Save(ctx context.Context, exec *types.WorkflowExecution) error {
	if exec == nil || exec.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	cp := exec.Clone()
	cp.UpdatedAt = time.Now().UTC()
	s.executions[exec.ID] = cp
	return nil
}

// Load retrieves an execution by ID.
func (s *MemoryStore) Load(ctx context.Context, executionID string) (*types.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	exec, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	return exec.Clone(), nil
}

// ListActive returns IDs of non-terminal executions.
func (s *MemoryStore) ListActive(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var ids []string
	for id, exec := range s.executions {
		if !exec.IsTerminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// TryAcquireLock acquires the lease if absent or expired.
func (s *MemoryStore) TryAcquireLock(ctx context.Context, executionID, ownerID string, ttl time.Duration) (bool, error) {
	if executionID == "" || ownerID == "" || ttl <= 0 {
		return false, ErrInvalidInput
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	if lock, ok := s.locks[executionID]; ok && now.Before(lock.expiresAt) && lock.ownerID != ownerID {
		return false, nil
	}
	s.locks[executionID] = memoryLock{
		ownerID:    ownerID,
		acquiredAt: now,
		expiresAt:  now.Add(ttl),
	}
	return true, nil
}

// RenewLock extends a held lease.
func (s *MemoryStore) RenewLock(ctx context.Context, executionID, ownerID string, ttl time.Duration) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	lock, ok := s.locks[executionID]
	if !ok || now.After(lock.expiresAt) || lock.ownerID != ownerID {
		return fmt.Errorf("renew lock for execution %s: %w", executionID, types.ErrLockContention)
	}
	lock.expiresAt = now.Add(ttl)
	s.locks[executionID] = lock
	return nil
}

// ReleaseLock releases the lease; owner mismatch is a no-op.
func (s *MemoryStore) ReleaseLock(ctx context.Context, executionID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if lock, ok := s.locks[executionID]; ok && lock.ownerID == ownerID {
		delete(s.locks, executionID)
	}
	return nil
}

// Ping checks if the store is healthy.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
