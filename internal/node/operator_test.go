package node

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/streamer/internal/catalog"
	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/devrev/pairdb/streamer/internal/errors"
	"github.com/devrev/pairdb/streamer/internal/gossip"
	"github.com/devrev/pairdb/streamer/internal/locator"
	"github.com/devrev/pairdb/streamer/internal/rangestream"
	"github.com/devrev/pairdb/streamer/internal/store"
	"github.com/devrev/pairdb/streamer/internal/streaming"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type transfer struct {
	peer    locator.Endpoint
	ranges  []dht.TokenRange
	sending bool
}

type recordingPlan struct {
	id      uuid.UUID
	name    string
	reason  streaming.Reason
	factory *recordingFactory

	transfers []transfer
	abortOnce sync.Once
	aborted   chan struct{}
}

func (p *recordingPlan) ID() uuid.UUID            { return p.id }
func (p *recordingPlan) Description() string      { return p.name }
func (p *recordingPlan) Reason() streaming.Reason { return p.reason }

func (p *recordingPlan) RequestRanges(source locator.Endpoint, _ string, ranges []dht.TokenRange) {
	p.transfers = append(p.transfers, transfer{peer: source, ranges: ranges})
}

func (p *recordingPlan) TransferRanges(target locator.Endpoint, _ string, ranges []dht.TokenRange) {
	p.transfers = append(p.transfers, transfer{peer: target, ranges: ranges, sending: true})
}

func (p *recordingPlan) Execute(ctx context.Context) (streaming.Summary, error) {
	f := p.factory
	var err error
	if f.execute != nil {
		err = f.execute(ctx, p)
	}
	if err == nil {
		f.mu.Lock()
		f.done = append(f.done, p.transfers...)
		f.mu.Unlock()
	}
	return streaming.Summary{PlanID: p.id, Description: p.name, Reason: p.reason}, err
}

func (p *recordingPlan) Abort() {
	p.abortOnce.Do(func() { close(p.aborted) })
}

type recordingFactory struct {
	execute func(ctx context.Context, p *recordingPlan) error

	mu   sync.Mutex
	done []transfer
}

func (f *recordingFactory) NewPlan(description string, reason streaming.Reason) streaming.Plan {
	return &recordingPlan{id: uuid.New(), name: description, reason: reason, factory: f, aborted: make(chan struct{})}
}

// streamed groups the completed transfers by peer
func (f *recordingFactory) streamed() map[locator.Endpoint][]dht.TokenRange {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[locator.Endpoint][]dht.TokenRange)
	for _, t := range f.done {
		out[t.peer] = append(out[t.peer], t.ranges...)
	}
	for _, rs := range out {
		dht.SortRanges(rs)
	}
	return out
}

func (f *recordingFactory) sending() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.done) > 0 && f.done[0].sending
}

// testRing is B=100, C=200, D=300 with RF 2. B and D are in dc1, C in dc2.
func testRing(t *testing.T) *catalog.Catalog {
	t.Helper()
	tm := locator.NewTokenMetadata()
	for ep, tok := range map[locator.Endpoint]dht.Token{"B": 100, "C": 200, "D": 300} {
		require.NoError(t, tm.UpdateNormalTokens([]dht.Token{tok}, ep))
	}
	tm.Topology().Add("B", locator.Location{Datacenter: "dc1", Rack: "r1"})
	tm.Topology().Add("C", locator.Location{Datacenter: "dc2", Rack: "r1"})
	tm.Topology().Add("D", locator.Location{Datacenter: "dc1", Rack: "r2"})
	c := catalog.New(tm)
	c.AddKeyspace("ks", &locator.SimpleStrategy{RF: 2})
	c.AddKeyspace("system", &locator.LocalStrategy{Self: "B"})
	return c
}

func newOperator(c *catalog.Catalog, self locator.Endpoint, f *recordingFactory, detector gossip.FailureDetector) *Operator {
	return New(Config{
		NodeID:                  "node-" + string(self),
		Self:                    self,
		ConsistentRangeMovement: true,
		LeaseTTL:                time.Minute,
	}, Dependencies{
		Catalog:  c,
		Detector: detector,
		Plans:    f,
		Progress: store.NewMemoryProgressStore(),
		Lease:    store.NewMemoryRunLease(),
	}, zap.NewNop())
}

func rng(start, end dht.Token) dht.TokenRange { return dht.NewTokenRange(start, end) }

func TestOperator_Operations(t *testing.T) {
	tests := []struct {
		name        string
		self        locator.Endpoint
		down        []locator.Endpoint
		req         Request
		wantSending bool
		want        map[locator.Endpoint][]dht.TokenRange
	}{
		{
			name: "bootstrap uses strict sources",
			self: "A",
			req:  Request{Operation: OpBootstrap, Tokens: []dht.Token{150}},
			want: map[locator.Endpoint][]dht.TokenRange{
				"C": {rng(300, 100)},
				"D": {rng(100, 150)},
			},
		},
		{
			name: "replace skips the replaced node",
			self: "A",
			down: []locator.Endpoint{"D"},
			req:  Request{Operation: OpReplace, Target: "D"},
			want: map[locator.Endpoint][]dht.TokenRange{
				"B": {rng(200, 300)},
				"C": {rng(100, 200)},
			},
		},
		{
			name: "rebuild from one datacenter",
			self: "B",
			req:  Request{Operation: OpRebuild, SourceDC: "dc2"},
			want: map[locator.Endpoint][]dht.TokenRange{
				"C": {rng(300, 100)},
			},
		},
		{
			name: "resync one keyspace",
			self: "B",
			req:  Request{Operation: OpResync, Keyspace: "ks", Ranges: []dht.TokenRange{rng(200, 300)}},
			want: map[locator.Endpoint][]dht.TokenRange{
				"D": {rng(200, 300)},
			},
		},
		{
			name: "removenode fetches ranges the node inherits",
			self: "B",
			req:  Request{Operation: OpRemoveNode, Target: "D"},
			want: map[locator.Endpoint][]dht.TokenRange{
				"C": {rng(100, 200)},
			},
		},
		{
			name:        "decommission sends to new replicas",
			self:        "B",
			req:         Request{Operation: OpDecommission},
			wantSending: true,
			want: map[locator.Endpoint][]dht.TokenRange{
				"C": {rng(200, 300)},
				"D": {rng(300, 100)},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detector := gossip.NewStaticDetector(true)
			detector.MarkDown(tt.down...)
			f := &recordingFactory{}
			op := newOperator(testRing(t), tt.self, f, detector)

			rec, err := op.Run(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, store.RunStateCompleted, rec.State)
			assert.Equal(t, string(tt.req.Operation), rec.Operation)
			assert.Equal(t, 0, rec.RangesRemaining)

			total := 0
			for _, rs := range tt.want {
				total += len(rs)
			}
			assert.Equal(t, total, rec.RangesTotal)
			assert.Equal(t, tt.want, f.streamed())
			assert.Equal(t, tt.wantSending, f.sending())

			saved, err := op.GetRun(context.Background(), rec.RunID)
			require.NoError(t, err)
			assert.Equal(t, store.RunStateCompleted, saved.State)

			_, running := op.Current()
			assert.False(t, running)
		})
	}
}

func TestOperator_PlanDoesNotStream(t *testing.T) {
	f := &recordingFactory{}
	op := newOperator(testRing(t), "A", f, nil)

	plans, err := op.Plan(context.Background(), Request{Operation: OpBootstrap, Tokens: []dht.Token{150}})
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "ks", plans[0].Keyspace)
	assert.Equal(t, rangestream.DirectionReceiving, plans[0].Direction)
	assert.Equal(t, rangestream.FetchMap{"C": {rng(300, 100)}, "D": {rng(100, 150)}}, plans[0].Fetch)
	assert.Empty(t, f.streamed())

	runs, err := op.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestOperator_InvalidRequests(t *testing.T) {
	tests := []Request{
		{Operation: OpBootstrap},
		{Operation: OpReplace},
		{Operation: OpRemoveNode},
		{Operation: OpResync, Keyspace: "ks"},
		{Operation: "rollback"},
	}
	op := newOperator(testRing(t), "A", &recordingFactory{}, nil)
	for i, req := range tests {
		t.Run(fmt.Sprintf("%d-%s", i, req.Operation), func(t *testing.T) {
			_, err := op.Run(context.Background(), req)
			assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
		})
	}
}

func TestOperator_FailedRunKeepsResidue(t *testing.T) {
	f := &recordingFactory{
		execute: func(_ context.Context, p *recordingPlan) error {
			if p.transfers[0].peer == "D" {
				return fmt.Errorf("connection reset")
			}
			return nil
		},
	}
	op := newOperator(testRing(t), "A", f, nil)

	rec, err := op.Bootstrap(context.Background(), []dht.Token{150})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrStreamFailed))
	assert.Equal(t, store.RunStateFailed, rec.State)
	assert.Equal(t, 1, rec.RangesRemaining)
	require.Len(t, rec.Sources, 1)
	assert.Equal(t, "D", rec.Sources[0].Endpoint)
	assert.Equal(t, []dht.TokenRange{rng(100, 150)}, rec.Sources[0].Remaining)
	assert.NotEmpty(t, rec.Error)

	// the lease is released, so a retry can start
	f.execute = nil
	rec, err = op.Bootstrap(context.Background(), []dht.Token{150})
	require.NoError(t, err)
	assert.Equal(t, store.RunStateCompleted, rec.State)

	runs, err := op.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestOperator_OneRunAtATime(t *testing.T) {
	release := make(chan struct{})
	f := &recordingFactory{
		execute: func(ctx context.Context, p *recordingPlan) error {
			select {
			case <-release:
				return nil
			case <-p.aborted:
				return fmt.Errorf("plan %s aborted", p.name)
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	op := newOperator(testRing(t), "A", f, nil)
	ctx := context.Background()

	id, err := op.Start(ctx, Request{Operation: OpBootstrap, Tokens: []dht.Token{150}})
	require.NoError(t, err)

	_, err = op.Start(ctx, Request{Operation: OpBootstrap, Tokens: []dht.Token{150}})
	assert.True(t, stderrors.Is(err, errors.ErrLeaseHeld), "got %v", err)

	cur, ok := op.Current()
	require.True(t, ok)
	assert.Equal(t, id, cur.RunID)
	assert.Equal(t, store.RunStateRunning, cur.State)

	require.True(t, op.Abort())
	require.Eventually(t, func() bool {
		rec, err := op.GetRun(ctx, id)
		return err == nil && rec.State.Done()
	}, 5*time.Second, 5*time.Millisecond)

	rec, err := op.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.RunStateAborted, rec.State)
	assert.Positive(t, rec.RangesRemaining)

	require.Eventually(t, func() bool {
		_, running := op.Current()
		return !running
	}, 5*time.Second, 5*time.Millisecond)
	assert.False(t, op.Abort())
	close(release)
}

func TestOperator_LeaseHeldElsewhere(t *testing.T) {
	f := &recordingFactory{}
	op := newOperator(testRing(t), "A", f, nil)
	require.NoError(t, op.deps.Lease.Acquire(context.Background(), "node-A", "other-process", time.Minute))

	_, err := op.Bootstrap(context.Background(), []dht.Token{150})
	assert.True(t, stderrors.Is(err, errors.ErrLeaseHeld))
	assert.Empty(t, f.streamed())
}

func TestSourceRecordsSkipsDrainedPeers(t *testing.T) {
	p := rangestream.Progress{Sources: []rangestream.SourceProgress{
		{Keyspace: "ks", Endpoint: "C"},
		{Keyspace: "ks", Endpoint: "D", Remaining: []dht.TokenRange{rng(1, 2)}},
	}}
	recs := sourceRecords(p)
	require.Len(t, recs, 1)
	assert.Equal(t, "D", recs[0].Endpoint)
	assert.Equal(t, "ks", recs[0].Keyspace)
}

// slowProgressStore delays the first progress write after the run starts
type slowProgressStore struct {
	*store.MemoryProgressStore

	mu      sync.Mutex
	saves   int
	writing chan struct{}
}

func (s *slowProgressStore) SaveRun(ctx context.Context, r *store.RunRecord) error {
	s.mu.Lock()
	s.saves++
	n := s.saves
	s.mu.Unlock()
	if n == 2 {
		close(s.writing)
		time.Sleep(50 * time.Millisecond)
	}
	return s.MemoryProgressStore.SaveRun(ctx, r)
}

func TestOperator_ConcurrentProgressKeepsLatestRecord(t *testing.T) {
	progress := &slowProgressStore{
		MemoryProgressStore: store.NewMemoryProgressStore(),
		writing:             make(chan struct{}),
	}
	f := &recordingFactory{
		execute: func(ctx context.Context, p *recordingPlan) error {
			if p.transfers[0].peer != "D" {
				return nil
			}
			// finish only once C's progress is being written
			select {
			case <-progress.writing:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	op := New(Config{
		NodeID:               "node-B",
		Self:                 "B",
		MaxConcurrentSources: 2,
		LeaseTTL:             time.Minute,
	}, Dependencies{
		Catalog:  testRing(t),
		Plans:    f,
		Progress: progress,
	}, zap.NewNop())

	rec, err := op.Resync(context.Background(), "ks", []dht.TokenRange{rng(300, 100), rng(200, 300)})
	require.NoError(t, err)
	assert.Equal(t, map[locator.Endpoint][]dht.TokenRange{
		"C": {rng(300, 100)},
		"D": {rng(200, 300)},
	}, f.streamed())

	stored, err := progress.GetRun(context.Background(), rec.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStateCompleted, stored.State)
	assert.Zero(t, stored.RangesRemaining)
	assert.Empty(t, stored.Sources)
}
