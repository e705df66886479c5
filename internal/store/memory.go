package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/streamer/internal/errors"
	"github.com/google/uuid"
)

// MemoryProgressStore keeps run records in process memory
type MemoryProgressStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*RunRecord
}

// NewMemoryProgressStore creates an empty store
func NewMemoryProgressStore() *MemoryProgressStore {
	return &MemoryProgressStore{runs: make(map[uuid.UUID]*RunRecord)}
}

func (s *MemoryProgressStore) SaveRun(ctx context.Context, r *RunRecord) error {
	if r.RunID == uuid.Nil {
		return errors.InvalidArgument("run id is required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.RunID] = r.Clone()
	return nil
}

func (s *MemoryProgressStore) GetRun(ctx context.Context, runID uuid.UUID) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryProgressStore) ListRuns(ctx context.Context, nodeID string, limit int) ([]*RunRecord, error) {
	s.mu.RLock()
	var out []*RunRecord
	for _, r := range s.runs {
		if r.NodeID == nodeID {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryProgressStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryProgressStore) Close() {}

type lease struct {
	holder  string
	expires time.Time
}

// MemoryRunLease is a RunLease for single-process deployments
type MemoryRunLease struct {
	now func() time.Time

	mu     sync.Mutex
	leases map[string]lease
}

// NewMemoryRunLease creates an in-process lease table
func NewMemoryRunLease() *MemoryRunLease {
	return &MemoryRunLease{now: time.Now, leases: make(map[string]lease)}
}

func (l *MemoryRunLease) Acquire(ctx context.Context, nodeID, holder string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.leases[nodeID]; ok && cur.holder != holder && now.Before(cur.expires) {
		return errors.LeaseHeld(nodeID, cur.holder)
	}
	l.leases[nodeID] = lease{holder: holder, expires: now.Add(ttl)}
	return nil
}

func (l *MemoryRunLease) Refresh(ctx context.Context, nodeID, holder string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cur, ok := l.leases[nodeID]
	if !ok || cur.holder != holder || !now.Before(cur.expires) {
		return errors.LeaseHeld(nodeID, cur.holder)
	}
	l.leases[nodeID] = lease{holder: holder, expires: now.Add(ttl)}
	return nil
}

func (l *MemoryRunLease) Release(ctx context.Context, nodeID, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[nodeID]; ok && cur.holder == holder {
		delete(l.leases, nodeID)
	}
	return nil
}

func (l *MemoryRunLease) Close() error { return nil }
