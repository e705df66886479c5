// Package node runs the topology operations of the local node: bootstrap,
// replace, rebuild, decommission, removenode and repair-driven resync. Each
// operation computes the ranges the node gains or hands off and drives one
// range streaming run, guarded by the node's run lease.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/streamer/internal/catalog"
	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/devrev/pairdb/streamer/internal/errors"
	"github.com/devrev/pairdb/streamer/internal/gossip"
	"github.com/devrev/pairdb/streamer/internal/locator"
	"github.com/devrev/pairdb/streamer/internal/metrics"
	"github.com/devrev/pairdb/streamer/internal/rangestream"
	"github.com/devrev/pairdb/streamer/internal/store"
	"github.com/devrev/pairdb/streamer/internal/streaming"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultLeaseTTL is used when Config.LeaseTTL is zero
const DefaultLeaseTTL = 30 * time.Second

// Operation names a topology operation
type Operation string

const (
	OpBootstrap    Operation = "bootstrap"
	OpReplace      Operation = "replace"
	OpRebuild      Operation = "rebuild"
	OpDecommission Operation = "decommission"
	OpRemoveNode   Operation = "removenode"
	OpResync       Operation = "resync"
)

func (op Operation) reason() streaming.Reason {
	switch op {
	case OpBootstrap:
		return streaming.ReasonBootstrap
	case OpReplace:
		return streaming.ReasonReplace
	case OpRebuild:
		return streaming.ReasonRebuild
	case OpDecommission:
		return streaming.ReasonDecommission
	case OpRemoveNode:
		return streaming.ReasonRemoveNode
	case OpResync:
		return streaming.ReasonRepair
	default:
		return streaming.ReasonUnspecified
	}
}

// Request describes one operation. Only the fields of the chosen operation
// are read.
type Request struct {
	Operation Operation
	// Tokens the node joins with (bootstrap)
	Tokens []dht.Token
	// Target is the node being replaced (replace) or removed (removenode)
	Target locator.Endpoint
	// SourceDC restricts rebuild sources to one datacenter
	SourceDC string
	// Keyspace and Ranges select what resync streams
	Keyspace string
	Ranges   []dht.TokenRange
}

func (r Request) validate() error {
	switch r.Operation {
	case OpBootstrap:
		if len(r.Tokens) == 0 {
			return errors.InvalidArgument("bootstrap requires tokens", nil)
		}
	case OpReplace, OpRemoveNode:
		if r.Target == "" {
			return errors.InvalidArgument(fmt.Sprintf("%s requires a target node", r.Operation), nil)
		}
	case OpResync:
		if r.Keyspace == "" || len(r.Ranges) == 0 {
			return errors.InvalidArgument("resync requires a keyspace and ranges", nil)
		}
	case OpRebuild, OpDecommission:
	default:
		return errors.InvalidArgument(fmt.Sprintf("unknown operation %q", r.Operation), nil)
	}
	return nil
}

// Config holds the local node settings
type Config struct {
	NodeID                  string
	Self                    locator.Endpoint
	ConsistentRangeMovement bool
	MaxConcurrentSources    int
	RangesPerPlanDivisor    int
	LeaseTTL                time.Duration
}

// Dependencies are the services an Operator drives
type Dependencies struct {
	Catalog  *catalog.Catalog
	Snitch   locator.Snitch
	Detector gossip.FailureDetector
	Plans    streaming.PlanFactory
	Progress store.ProgressStore
	Lease    store.RunLease
	Metrics  *metrics.Metrics
}

// Operator runs topology operations of the local node, one at a time
type Operator struct {
	cfg     Config
	deps    Dependencies
	limiter *semaphore.Weighted
	logger  *zap.Logger

	mu      sync.Mutex
	current *run
}

// New creates an operator
func New(cfg Config, deps Dependencies, logger *zap.Logger) *Operator {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.MaxConcurrentSources <= 0 {
		cfg.MaxConcurrentSources = rangestream.DefaultMaxConcurrentSources
	}
	if deps.Progress == nil {
		deps.Progress = store.NewMemoryProgressStore()
	}
	if deps.Lease == nil {
		deps.Lease = store.NewMemoryRunLease()
	}
	return &Operator{
		cfg:     cfg,
		deps:    deps,
		limiter: semaphore.NewWeighted(int64(cfg.MaxConcurrentSources)),
		logger:  logger,
	}
}

// Bootstrap streams the ranges the node gains by joining with tokens
func (o *Operator) Bootstrap(ctx context.Context, tokens []dht.Token) (*store.RunRecord, error) {
	return o.Run(ctx, Request{Operation: OpBootstrap, Tokens: tokens})
}

// Replace streams the ranges of a dead node this node takes over
func (o *Operator) Replace(ctx context.Context, replaced locator.Endpoint) (*store.RunRecord, error) {
	return o.Run(ctx, Request{Operation: OpReplace, Target: replaced})
}

// Rebuild restreams every range the node owns, from sourceDC when set
func (o *Operator) Rebuild(ctx context.Context, sourceDC string) (*store.RunRecord, error) {
	return o.Run(ctx, Request{Operation: OpRebuild, SourceDC: sourceDC})
}

// Decommission sends every range the node owns to its new replicas
func (o *Operator) Decommission(ctx context.Context) (*store.RunRecord, error) {
	return o.Run(ctx, Request{Operation: OpDecommission})
}

// RemoveNode fetches the ranges of a removed node this node now replicates
func (o *Operator) RemoveNode(ctx context.Context, removed locator.Endpoint) (*store.RunRecord, error) {
	return o.Run(ctx, Request{Operation: OpRemoveNode, Target: removed})
}

// Resync restreams ranges of one keyspace from the other replicas
func (o *Operator) Resync(ctx context.Context, keyspace string, ranges []dht.TokenRange) (*store.RunRecord, error) {
	return o.Run(ctx, Request{Operation: OpResync, Keyspace: keyspace, Ranges: ranges})
}

// Run executes req and blocks until its streaming run finishes. The
// returned record is the final persisted state, also on failure.
func (o *Operator) Run(ctx context.Context, req Request) (*store.RunRecord, error) {
	r, err := o.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	err = r.execute(ctx)
	return r.snapshot(), err
}

// Start launches req in the background and returns its run id once the
// lease is held and the ranges are planned
func (o *Operator) Start(ctx context.Context, req Request) (uuid.UUID, error) {
	r, err := o.begin(ctx, req)
	if err != nil {
		return uuid.Nil, err
	}
	go func() {
		// the run outlives the request that started it
		_ = r.execute(context.WithoutCancel(ctx))
	}()
	return r.id, nil
}

// Plan computes what req would stream without acquiring the lease or
// moving data
func (o *Operator) Plan(ctx context.Context, req Request) ([]KeyspacePlan, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	s := o.newStreamer(req, nil)
	return o.plan(ctx, s, req)
}

// Current returns the record of the run in progress, if any
func (o *Operator) Current() (*store.RunRecord, bool) {
	o.mu.Lock()
	r := o.current
	o.mu.Unlock()
	if r == nil {
		return nil, false
	}
	return r.snapshot(), true
}

// Abort aborts the run in progress. It returns false when nothing runs.
func (o *Operator) Abort() bool {
	o.mu.Lock()
	r := o.current
	o.mu.Unlock()
	if r == nil {
		return false
	}
	r.streamer.Abort()
	return true
}

// GetRun reads a run record from the progress store
func (o *Operator) GetRun(ctx context.Context, runID uuid.UUID) (*store.RunRecord, error) {
	return o.deps.Progress.GetRun(ctx, runID)
}

// ListRuns returns the latest runs of this node
func (o *Operator) ListRuns(ctx context.Context, limit int) ([]*store.RunRecord, error) {
	return o.deps.Progress.ListRuns(ctx, o.cfg.NodeID, limit)
}

func (o *Operator) newStreamer(req Request, onProgress func(rangestream.Progress)) *rangestream.RangeStreamer {
	cfg := rangestream.Config{
		Description:             describe(req),
		Reason:                  req.Operation.reason(),
		Self:                    o.cfg.Self,
		ConsistentRangeMovement: o.cfg.ConsistentRangeMovement,
		MaxConcurrentSources:    o.cfg.MaxConcurrentSources,
		RangesPerPlanDivisor:    o.cfg.RangesPerPlanDivisor,
	}
	if req.Operation == OpBootstrap {
		cfg.Tokens = req.Tokens
	}
	return rangestream.New(cfg, rangestream.Dependencies{
		Catalog:    o.deps.Catalog,
		Snitch:     o.deps.Snitch,
		Detector:   o.deps.Detector,
		Plans:      o.deps.Plans,
		Limiter:    o.limiter,
		Metrics:    o.deps.Metrics,
		OnProgress: onProgress,
	}, o.logger)
}

func describe(req Request) string {
	switch req.Operation {
	case OpBootstrap:
		return "Bootstrap"
	case OpReplace:
		return "Replace"
	case OpRebuild:
		return "Rebuild"
	case OpDecommission:
		return "Unbootstrap"
	case OpRemoveNode:
		return "Removenode"
	case OpResync:
		return "Repair-based resync"
	default:
		return string(req.Operation)
	}
}

// begin takes the lease, plans the ranges and registers the run
func (o *Operator) begin(ctx context.Context, req Request) (*run, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if o.deps.Plans == nil {
		return nil, errors.InvalidArgument("no stream plan factory configured", nil)
	}

	r := &run{
		id:        uuid.New(),
		operator:  o,
		stopLease: make(chan struct{}),
	}
	if err := o.deps.Lease.Acquire(ctx, o.cfg.NodeID, r.id.String(), o.cfg.LeaseTTL); err != nil {
		return nil, err
	}
	r.streamer = o.newStreamer(req, r.onProgress)

	o.mu.Lock()
	if o.current != nil {
		o.mu.Unlock()
		o.releaseLease(r.id)
		return nil, errors.LeaseHeld(o.cfg.NodeID, o.current.id.String())
	}
	o.current = r
	o.mu.Unlock()

	plans, err := o.plan(ctx, r.streamer, req)
	if err == nil {
		err = enqueue(r.streamer, plans)
	}
	if err != nil {
		o.finish(r)
		return nil, err
	}

	now := time.Now().UTC()
	total := r.streamer.RangesRemaining()
	r.record = &store.RunRecord{
		RunID:           r.id,
		NodeID:          o.cfg.NodeID,
		Operation:       string(req.Operation),
		Description:     r.streamer.Description(),
		State:           store.RunStateRunning,
		RangesTotal:     total,
		RangesRemaining: total,
		StartedAt:       now,
		UpdatedAt:       now,
	}
	r.save()

	o.logger.Info("Starting operation",
		zap.String("run_id", r.id.String()),
		zap.String("operation", string(req.Operation)),
		zap.Int("nr_ranges", total))
	return r, nil
}

func (o *Operator) finish(r *run) {
	o.mu.Lock()
	if o.current == r {
		o.current = nil
	}
	o.mu.Unlock()
	o.releaseLease(r.id)
}

func (o *Operator) releaseLease(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.deps.Lease.Release(ctx, o.cfg.NodeID, id.String()); err != nil {
		o.logger.Warn("Failed to release run lease", zap.String("run_id", id.String()), zap.Error(err))
	}
}

func enqueue(s *rangestream.RangeStreamer, plans []KeyspacePlan) error {
	for _, p := range plans {
		var err error
		if p.Direction == rangestream.DirectionSending {
			err = s.AddTxRanges(p.Keyspace, p.Fetch)
		} else {
			err = s.AddRxRanges(p.Keyspace, p.Fetch)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
