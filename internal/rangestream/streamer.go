// Package rangestream moves token ranges between nodes during topology
// changes. It resolves candidate sources for the ranges a node gains or
// loses, assigns each range to one peer, and executes the transfer as a
// series of bounded stream plans per peer.
package rangestream

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/streamer/internal/catalog"
	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/devrev/pairdb/streamer/internal/errors"
	"github.com/devrev/pairdb/streamer/internal/gossip"
	"github.com/devrev/pairdb/streamer/internal/locator"
	"github.com/devrev/pairdb/streamer/internal/metrics"
	"github.com/devrev/pairdb/streamer/internal/streaming"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxConcurrentSources = 1
	DefaultRangesPerPlanDivisor = 10
)

// Direction of a streaming run. A run either sends or receives, never both.
type Direction int

const (
	DirectionUnset Direction = iota
	DirectionSending
	DirectionReceiving
)

func (d Direction) String() string {
	switch d {
	case DirectionSending:
		return "sending"
	case DirectionReceiving:
		return "receiving"
	default:
		return "unset"
	}
}

// Config describes one streaming run
type Config struct {
	Description string
	Reason      streaming.Reason
	// Self is the local endpoint, never used as a source
	Self locator.Endpoint
	// Tokens the local node owns after the operation; empty for pure
	// range transfers
	Tokens                  []dht.Token
	ConsistentRangeMovement bool
	MaxConcurrentSources    int
	RangesPerPlanDivisor    int
}

// Dependencies are the services a RangeStreamer consults
type Dependencies struct {
	Catalog  *catalog.Catalog
	Snitch   locator.Snitch
	Detector gossip.FailureDetector
	Plans    streaming.PlanFactory
	// Limiter bounds concurrent per-source sessions. It may be shared
	// between runs; when nil a private one sized MaxConcurrentSources is used.
	Limiter *semaphore.Weighted
	Metrics *metrics.Metrics
	// OnProgress, when set, receives a snapshot after every chunk. It may
	// be called from several peer tasks at once.
	OnProgress func(Progress)
}

// RangeStreamer plans and executes one streaming run
type RangeStreamer struct {
	cfg      Config
	catalog  *catalog.Catalog
	snitch   locator.Snitch
	detector gossip.FailureDetector
	plans    streaming.PlanFactory
	limiter  *semaphore.Weighted
	metrics  *metrics.Metrics
	progress func(Progress)
	logger   *zap.Logger

	mu        sync.Mutex
	filters   []SourceFilter
	direction Direction
	toStream  []*keyspaceWork

	abortOnce sync.Once
	abortCh   chan struct{}
}

type keyspaceWork struct {
	keyspace string
	sources  []*sourceWork
}

// sourceWork is the pending range list of one peer. Only the task streaming
// with that peer mutates it; the lock lets progress readers observe it.
type sourceWork struct {
	endpoint locator.Endpoint
	mu       sync.Mutex
	ranges   []dht.TokenRange
}

func (w *sourceWork) take(n int) []dht.TokenRange {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > len(w.ranges) {
		n = len(w.ranges)
	}
	chunk := append([]dht.TokenRange(nil), w.ranges[:n]...)
	w.ranges = w.ranges[n:]
	return chunk
}

// restore puts a failed chunk back at the front
func (w *sourceWork) restore(chunk []dht.TokenRange) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ranges = append(append([]dht.TokenRange(nil), chunk...), w.ranges...)
}

func (w *sourceWork) snapshot() []dht.TokenRange {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]dht.TokenRange(nil), w.ranges...)
}

func (w *sourceWork) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ranges)
}

// New creates a range streamer for one run
func New(cfg Config, deps Dependencies, logger *zap.Logger) *RangeStreamer {
	if cfg.MaxConcurrentSources <= 0 {
		cfg.MaxConcurrentSources = DefaultMaxConcurrentSources
	}
	if cfg.RangesPerPlanDivisor <= 0 {
		cfg.RangesPerPlanDivisor = DefaultRangesPerPlanDivisor
	}
	if cfg.Description == "" {
		cfg.Description = cfg.Reason.String()
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = semaphore.NewWeighted(int64(cfg.MaxConcurrentSources))
	}
	snitch := deps.Snitch
	if snitch == nil {
		snitch = locator.SimpleSnitch{}
	}
	return &RangeStreamer{
		cfg:      cfg,
		catalog:  deps.Catalog,
		snitch:   snitch,
		detector: deps.Detector,
		plans:    deps.Plans,
		limiter:  limiter,
		metrics:  deps.Metrics,
		progress: deps.OnProgress,
		logger:   logger.With(zap.String("description", cfg.Description)),
		abortCh:  make(chan struct{}),
	}
}

// Description names the run in logs and plan names
func (s *RangeStreamer) Description() string { return s.cfg.Description }

// Reason is the reason every plan of the run is created with
func (s *RangeStreamer) Reason() streaming.Reason { return s.cfg.Reason }

// AddSourceFilter appends f to the filter chain
func (s *RangeStreamer) AddSourceFilter(f SourceFilter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = append(s.filters, f)
}

// Direction returns the direction fixed by the first enqueue
func (s *RangeStreamer) Direction() Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direction
}

func (s *RangeStreamer) checkDirection(d Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkDirectionLocked(d)
}

func (s *RangeStreamer) checkDirectionLocked(d Direction) error {
	if s.direction != DirectionUnset && s.direction != d {
		return errors.MixedDirection()
	}
	return nil
}

func (s *RangeStreamer) setDirection(d Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkDirectionLocked(d); err != nil {
		return err
	}
	s.direction = d
	return nil
}

// AddRanges resolves sources for ranges of keyspace, builds the fetch map
// and enqueues it for receiving. Strict resolution is used unless the
// node is replacing another or the keyspace does not qualify.
func (s *RangeStreamer) AddRanges(ctx context.Context, keyspace string, ranges []dht.TokenRange, isReplacing bool) error {
	if err := s.setDirection(DirectionReceiving); err != nil {
		return err
	}
	fetch, err := s.FetchMapFor(ctx, keyspace, ranges, isReplacing)
	if err != nil {
		return err
	}
	for _, ep := range fetch.Endpoints() {
		s.logger.Debug("Planned ranges from source",
			zap.String("keyspace", keyspace),
			zap.String("source", ep.String()),
			zap.String("ranges", dht.FormatRanges(fetch[ep])),
			zap.Int("range_size", len(fetch[ep])))
	}
	s.enqueue(keyspace, fetch)
	return nil
}

// FetchMapFor resolves and plans ranges of keyspace without enqueueing them
func (s *RangeStreamer) FetchMapFor(ctx context.Context, keyspace string, ranges []dht.TokenRange, isReplacing bool) (FetchMap, error) {
	mode := ModeNormal
	if !isReplacing {
		strict, err := s.UseStrictSourcesForRanges(keyspace)
		if err != nil {
			return nil, err
		}
		if strict {
			mode = ModeStrict
		}
	}
	sources, err := s.Resolve(ctx, keyspace, ranges, mode)
	if err != nil {
		return nil, err
	}
	for _, rng := range sources.Ranges() {
		s.logger.Debug("Range exists on endpoints",
			zap.String("keyspace", keyspace),
			zap.Stringer("range", rng),
			zap.Stringer("mode", mode),
			zap.Any("endpoints", sources[rng]))
	}
	return s.BuildFetchMap(keyspace, sources)
}

// AddRxRanges enqueues precomputed ranges to receive from each peer
func (s *RangeStreamer) AddRxRanges(keyspace string, perEndpoint FetchMap) error {
	if err := s.setDirection(DirectionReceiving); err != nil {
		return err
	}
	s.enqueue(keyspace, perEndpoint)
	return nil
}

// AddTxRanges enqueues precomputed ranges to send to each peer
func (s *RangeStreamer) AddTxRanges(keyspace string, perEndpoint FetchMap) error {
	if err := s.setDirection(DirectionSending); err != nil {
		return err
	}
	s.enqueue(keyspace, perEndpoint)
	return nil
}

func (s *RangeStreamer) enqueue(keyspace string, fetch FetchMap) {
	work := &keyspaceWork{keyspace: keyspace}
	for _, ep := range fetch.Endpoints() {
		if len(fetch[ep]) == 0 {
			continue
		}
		work.sources = append(work.sources, &sourceWork{
			endpoint: ep,
			ranges:   append([]dht.TokenRange(nil), fetch[ep]...),
		})
	}
	s.mu.Lock()
	s.toStream = append(s.toStream, work)
	s.mu.Unlock()
	s.metrics.UpdateRangesRemaining(keyspace, s.remainingFor(keyspace))
}

func (s *RangeStreamer) work() []*keyspaceWork {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*keyspaceWork(nil), s.toStream...)
}

// RangesRemaining is the live number of ranges not yet streamed. Before
// Stream it is the plan size; after a failure it is the residue to retry.
func (s *RangeStreamer) RangesRemaining() int {
	n := 0
	for _, ks := range s.work() {
		for _, src := range ks.sources {
			n += src.len()
		}
	}
	return n
}

func (s *RangeStreamer) remainingFor(keyspace string) int {
	n := 0
	for _, ks := range s.work() {
		if ks.keyspace != keyspace {
			continue
		}
		for _, src := range ks.sources {
			n += src.len()
		}
	}
	return n
}

// Abort cancels the run. The chunk in flight fails and no further chunk is
// dispatched; completed chunks stay streamed.
func (s *RangeStreamer) Abort() {
	s.abortOnce.Do(func() { close(s.abortCh) })
}

// Stream executes every enqueued range. Keyspaces run one after another;
// the peers of a keyspace run in parallel, bounded by the limiter. The run
// fails if any peer fails or any range remains.
func (s *RangeStreamer) Stream(ctx context.Context) (err error) {
	if s.plans == nil {
		return errors.InvalidArgument("range streamer has no plan factory", nil)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-s.abortCh:
			cancel(errors.Aborted(fmt.Sprintf("%s aborted", s.cfg.Description), nil))
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	s.logger.Info("Range streaming started",
		zap.String("reason", s.cfg.Reason.String()),
		zap.String("direction", s.Direction().String()),
		zap.Int("nr_ranges_remaining", s.RangesRemaining()))

	defer func() {
		remaining := s.RangesRemaining()
		if err == nil && remaining > 0 {
			err = errors.StreamFailed(fmt.Sprintf("%s finished with %d ranges remaining", s.cfg.Description, remaining), nil)
		}
		fields := []zap.Field{
			zap.Duration("duration", time.Since(start)),
			zap.Int("nr_ranges_remaining", remaining),
		}
		if remaining == 0 {
			s.logger.Info("Range streaming succeeded", fields...)
		} else {
			s.logger.Warn("Range streaming failed", append(fields, zap.Error(err))...)
		}
		s.metrics.RecordRun(s.cfg.Reason.String(), err == nil)
		s.report()
	}()

	for _, ks := range s.work() {
		if err := s.streamKeyspace(ctx, ks); err != nil {
			return err
		}
	}
	return nil
}

func (s *RangeStreamer) streamKeyspace(ctx context.Context, ks *keyspaceWork) error {
	peers := make([]string, len(ks.sources))
	for i, src := range ks.sources {
		peers[i] = src.endpoint.String()
	}
	s.logger.Info("Streaming keyspace",
		zap.String("keyspace", ks.keyspace),
		zap.Strings("peers", peers),
		zap.Int("nodes_to_stream", len(ks.sources)))

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, src := range ks.sources {
		src := src
		g.Go(func() error {
			err := s.streamSource(ctx, ks.keyspace, src)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return err
		})
	}
	_ = g.Wait()
	return stderrors.Join(errs...)
}

func (s *RangeStreamer) streamSource(ctx context.Context, keyspace string, src *sourceWork) error {
	if err := s.limiter.Acquire(ctx, 1); err != nil {
		return s.abortErr(ctx, err)
	}
	defer s.limiter.Release(1)

	start := time.Now()
	total := src.len()
	perPlan := total / s.cfg.RangesPerPlanDivisor
	if perPlan < 1 {
		perPlan = 1
	}
	streamed := 0
	for index := 0; ; index++ {
		chunk := src.take(perPlan)
		if len(chunk) == 0 {
			break
		}
		if err := s.streamChunk(ctx, keyspace, src.endpoint, chunk, index, streamed, total); err != nil {
			src.restore(chunk)
			s.metrics.UpdateRangesRemaining(keyspace, s.remainingFor(keyspace))
			s.report()
			s.logger.Warn("Streaming with peer failed",
				zap.String("keyspace", keyspace),
				zap.String("peer", src.endpoint.String()),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err))
			return err
		}
		streamed += len(chunk)
		s.metrics.UpdateRangesRemaining(keyspace, s.remainingFor(keyspace))
		s.report()
	}

	s.logger.Info("Streaming with peer succeeded",
		zap.String("keyspace", keyspace),
		zap.String("peer", src.endpoint.String()),
		zap.Int("nr_ranges", total),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (s *RangeStreamer) streamChunk(ctx context.Context, keyspace string, peer locator.Endpoint,
	chunk []dht.TokenRange, index, streamed, total int) error {
	if ctx.Err() != nil {
		return s.abortErr(ctx, ctx.Err())
	}

	name := fmt.Sprintf("%s-%s-index-%d", s.cfg.Description, keyspace, index)
	plan := s.plans.NewPlan(name, s.cfg.Reason)
	stop := context.AfterFunc(ctx, plan.Abort)
	defer stop()

	s.logger.Info("Streaming ranges with peer",
		zap.String("keyspace", keyspace),
		zap.String("peer", peer.String()),
		zap.String("plan", name),
		zap.Int("from", streamed),
		zap.Int("to", streamed+len(chunk)),
		zap.Int("nr_ranges_total", total))

	if s.Direction() == DirectionSending {
		plan.TransferRanges(peer, keyspace, chunk)
	} else {
		plan.RequestRanges(peer, keyspace, chunk)
	}

	started := time.Now()
	_, err := plan.Execute(ctx)
	s.metrics.RecordPlan(s.cfg.Reason.String(), err == nil, time.Since(started).Seconds())
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return s.abortErr(ctx, err)
	}
	return errors.StreamFailed(fmt.Sprintf("stream plan %s with %s failed", name, peer), err).
		WithDetail("keyspace", keyspace).
		WithDetail("peer", peer.String())
}

// abortErr converts a cancellation into an aborted error, keeping an
// abort cause raised by Abort as is
func (s *RangeStreamer) abortErr(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	if stderrors.Is(cause, errors.ErrAborted) {
		return cause
	}
	if cause == nil {
		cause = err
	}
	return errors.Aborted(fmt.Sprintf("%s cancelled", s.cfg.Description), cause)
}
