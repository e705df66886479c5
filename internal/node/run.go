package node

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/devrev/pairdb/streamer/internal/errors"
	"github.com/devrev/pairdb/streamer/internal/rangestream"
	"github.com/devrev/pairdb/streamer/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const saveTimeout = 5 * time.Second

// run is one operation in progress
type run struct {
	id        uuid.UUID
	operator  *Operator
	streamer  *rangestream.RangeStreamer
	stopLease chan struct{}

	mu     sync.Mutex
	record *store.RunRecord

	// saveMu orders record updates with their writes to the progress store
	saveMu sync.Mutex
}

func (r *run) snapshot() *store.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.record == nil {
		return &store.RunRecord{RunID: r.id, NodeID: r.operator.cfg.NodeID, State: store.RunStateRunning}
	}
	return r.record.Clone()
}

// onProgress persists the progress of the run. Peer tasks call it
// concurrently, so the snapshot is retaken under saveMu and a stored record
// is never older than the one it replaces.
func (r *run) onProgress(rangestream.Progress) {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	p := r.streamer.Snapshot()
	r.mu.Lock()
	if r.record == nil || r.record.State != store.RunStateRunning {
		r.mu.Unlock()
		return
	}
	r.record.RangesRemaining = p.RangesRemaining
	r.record.Sources = sourceRecords(p)
	r.record.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()
	r.saveLocked()
}

func sourceRecords(p rangestream.Progress) []store.SourceRecord {
	out := make([]store.SourceRecord, 0, len(p.Sources))
	for _, src := range p.Sources {
		if len(src.Remaining) == 0 {
			continue
		}
		out = append(out, store.SourceRecord{
			Keyspace:  src.Keyspace,
			Endpoint:  src.Endpoint.String(),
			Remaining: src.Remaining,
		})
	}
	return out
}

func (r *run) save() {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	r.saveLocked()
}

func (r *run) saveLocked() {
	rec := r.snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := r.operator.deps.Progress.SaveRun(ctx, rec); err != nil {
		r.operator.logger.Warn("Failed to save run progress",
			zap.String("run_id", r.id.String()),
			zap.Error(err))
	}
}

// execute streams every enqueued range, then records the outcome and
// releases the lease
func (r *run) execute(ctx context.Context) error {
	o := r.operator
	defer o.finish(r)

	go r.keepLease()
	err := r.streamer.Stream(ctx)
	close(r.stopLease)

	state := store.RunStateCompleted
	switch {
	case err == nil:
	case stderrors.Is(err, errors.ErrAborted):
		state = store.RunStateAborted
	default:
		state = store.RunStateFailed
	}

	r.saveMu.Lock()
	progress := r.streamer.Snapshot()
	r.mu.Lock()
	r.record.State = state
	r.record.RangesRemaining = progress.RangesRemaining
	r.record.Sources = sourceRecords(progress)
	r.record.UpdatedAt = time.Now().UTC()
	if err != nil {
		r.record.Error = err.Error()
	}
	started := r.record.StartedAt
	r.mu.Unlock()
	r.saveLocked()
	r.saveMu.Unlock()

	fields := []zap.Field{
		zap.String("run_id", r.id.String()),
		zap.String("state", string(state)),
		zap.Int("nr_ranges_remaining", progress.RangesRemaining),
		zap.Duration("duration", time.Since(started)),
	}
	if err != nil {
		o.logger.Warn("Operation failed", append(fields, zap.Error(err))...)
		return err
	}
	o.logger.Info("Operation completed", fields...)
	return nil
}

// keepLease refreshes the run lease until the run ends. Losing the lease
// aborts the run.
func (r *run) keepLease() {
	o := r.operator
	ticker := time.NewTicker(o.cfg.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopLease:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
			err := o.deps.Lease.Refresh(ctx, o.cfg.NodeID, r.id.String(), o.cfg.LeaseTTL)
			cancel()
			if err != nil {
				o.logger.Warn("Lost run lease, aborting",
					zap.String("run_id", r.id.String()),
					zap.Error(err))
				r.streamer.Abort()
				return
			}
		}
	}
}
