// Package store persists streaming run progress and guards runs with a
// per-node lease.
package store

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a run is not found
var ErrNotFound = stderrors.New("not found")

// RunState is the lifecycle state of a streaming run
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateAborted   RunState = "aborted"
)

// Done reports whether the run has finished
func (s RunState) Done() bool {
	return s == RunStateCompleted || s == RunStateFailed || s == RunStateAborted
}

// SourceRecord holds the ranges still pending with one peer
type SourceRecord struct {
	Keyspace  string           `json:"keyspace"`
	Endpoint  string           `json:"endpoint"`
	Remaining []dht.TokenRange `json:"remaining"`
}

// RunRecord is the persisted view of one streaming run
type RunRecord struct {
	RunID           uuid.UUID      `json:"run_id"`
	NodeID          string         `json:"node_id"`
	Operation       string         `json:"operation"`
	Description     string         `json:"description"`
	State           RunState       `json:"state"`
	RangesTotal     int            `json:"ranges_total"`
	RangesRemaining int            `json:"ranges_remaining"`
	Sources         []SourceRecord `json:"sources,omitempty"`
	Error           string         `json:"error,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of the record
func (r *RunRecord) Clone() *RunRecord {
	c := *r
	c.Sources = make([]SourceRecord, len(r.Sources))
	for i, s := range r.Sources {
		s.Remaining = append([]dht.TokenRange(nil), s.Remaining...)
		c.Sources[i] = s
	}
	return &c
}

// ProgressStore persists run progress
type ProgressStore interface {
	// SaveRun inserts or replaces the record of r.RunID
	SaveRun(ctx context.Context, r *RunRecord) error
	GetRun(ctx context.Context, runID uuid.UUID) (*RunRecord, error)
	// ListRuns returns the most recent runs of a node, newest first
	ListRuns(ctx context.Context, nodeID string, limit int) ([]*RunRecord, error)

	Ping(ctx context.Context) error
	Close()
}

// RunLease allows one streaming run per node at a time
type RunLease interface {
	// Acquire takes the lease of nodeID for holder. It fails with a
	// LeaseHeld error when another holder owns an unexpired lease.
	Acquire(ctx context.Context, nodeID, holder string, ttl time.Duration) error
	// Refresh extends a lease owned by holder
	Refresh(ctx context.Context, nodeID, holder string, ttl time.Duration) error
	// Release drops a lease owned by holder. Releasing a lease held by
	// someone else is a no-op.
	Release(ctx context.Context, nodeID, holder string) error

	Close() error
}
