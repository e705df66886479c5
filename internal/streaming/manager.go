package streaming

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/devrev/pairdb/streamer/internal/errors"
	"github.com/devrev/pairdb/streamer/internal/locator"
	"github.com/devrev/pairdb/streamer/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Dialer returns a connection to a peer
type Dialer interface {
	Dial(ctx context.Context, peer locator.Endpoint) (grpc.ClientConnInterface, error)
}

// ConnCache dials peers lazily and keeps one connection per endpoint
type ConnCache struct {
	opts []grpc.DialOption

	mu    sync.RWMutex
	conns map[locator.Endpoint]*grpc.ClientConn
}

// NewConnCache creates a connection cache. Connections are insecure unless
// opts override the transport credentials.
func NewConnCache(opts ...grpc.DialOption) *ConnCache {
	return &ConnCache{
		opts:  append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...),
		conns: make(map[locator.Endpoint]*grpc.ClientConn),
	}
}

// Dial returns or creates the connection to peer
func (c *ConnCache) Dial(ctx context.Context, peer locator.Endpoint) (grpc.ClientConnInterface, error) {
	c.mu.RLock()
	conn, exists := c.conns[peer]
	c.mu.RUnlock()
	if exists {
		return conn, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check
	if conn, exists := c.conns[peer]; exists {
		return conn, nil
	}
	conn, err := grpc.NewClient(string(peer), c.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", peer, err)
	}
	c.conns[peer] = conn
	return conn, nil
}

// Close closes all connections
func (c *ConnCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		conn.Close()
	}
	c.conns = make(map[locator.Endpoint]*grpc.ClientConn)
}

// ManagerConfig holds the transport settings of a Manager
type ManagerConfig struct {
	Self        locator.Endpoint
	Compression string
	// PlanTimeout bounds a single Execute; zero means no bound
	PlanTimeout time.Duration
}

// Manager creates plans and tracks the ones executing
type Manager struct {
	cfg      ManagerConfig
	sender   *Sender
	receiver *Receiver
	dialer   Dialer
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu     sync.Mutex
	active map[uuid.UUID]*streamPlan
}

// NewManager creates a plan manager
func NewManager(cfg ManagerConfig, sender *Sender, receiver *Receiver, dialer Dialer, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if cfg.Compression == "" {
		cfg.Compression = CompressionNone
	}
	return &Manager{
		cfg:      cfg,
		sender:   sender,
		receiver: receiver,
		dialer:   dialer,
		metrics:  m,
		logger:   logger,
		active:   make(map[uuid.UUID]*streamPlan),
	}
}

// NewPlan implements PlanFactory
func (m *Manager) NewPlan(description string, reason Reason) Plan {
	return &streamPlan{
		id:          uuid.New(),
		description: description,
		reason:      reason,
		manager:     m,
		state:       StreamStatePending,
	}
}

// ActivePlans returns a snapshot of the executing plans ordered by
// description
func (m *Manager) ActivePlans() []Summary {
	m.mu.Lock()
	plans := make([]*streamPlan, 0, len(m.active))
	for _, p := range m.active {
		plans = append(plans, p)
	}
	m.mu.Unlock()

	out := make([]Summary, 0, len(plans))
	for _, p := range plans {
		out = append(out, p.summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Description < out[j].Description })
	return out
}

// Abort aborts the executing plan with id
func (m *Manager) Abort(id uuid.UUID) bool {
	m.mu.Lock()
	p, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		p.Abort()
	}
	return ok
}

// AbortAll aborts every executing plan and returns how many there were
func (m *Manager) AbortAll() int {
	m.mu.Lock()
	plans := make([]*streamPlan, 0, len(m.active))
	for _, p := range m.active {
		plans = append(plans, p)
	}
	m.mu.Unlock()
	for _, p := range plans {
		p.Abort()
	}
	return len(plans)
}

func (m *Manager) register(p *streamPlan) {
	m.mu.Lock()
	m.active[p.id] = p
	m.mu.Unlock()
}

func (m *Manager) unregister(p *streamPlan) {
	m.mu.Lock()
	delete(m.active, p.id)
	m.mu.Unlock()
}

type sessionDirection int

const (
	sessionReceive sessionDirection = iota
	sessionSend
)

func (d sessionDirection) String() string {
	if d == sessionSend {
		return "send"
	}
	return "receive"
}

// session is the work of a plan against one peer and keyspace
type session struct {
	peer      locator.Endpoint
	keyspace  string
	ranges    []dht.TokenRange
	direction sessionDirection
}

type streamPlan struct {
	id          uuid.UUID
	description string
	reason      Reason
	manager     *Manager

	mu       sync.Mutex
	sessions []session
	state    StreamState
	started  time.Time
	finished time.Time
	cancel   context.CancelCauseFunc
	aborted  bool
	counters Counters
}

func (p *streamPlan) ID() uuid.UUID { return p.id }

func (p *streamPlan) Description() string { return p.description }

func (p *streamPlan) Reason() Reason { return p.reason }

func (p *streamPlan) RequestRanges(source locator.Endpoint, keyspace string, ranges []dht.TokenRange) {
	p.add(session{peer: source, keyspace: keyspace, ranges: ranges, direction: sessionReceive})
}

func (p *streamPlan) TransferRanges(target locator.Endpoint, keyspace string, ranges []dht.TokenRange) {
	p.add(session{peer: target, keyspace: keyspace, ranges: ranges, direction: sessionSend})
}

func (p *streamPlan) add(s session) {
	s.ranges = append([]dht.TokenRange(nil), s.ranges...)
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.sessions {
		cur := &p.sessions[i]
		if cur.peer == s.peer && cur.keyspace == s.keyspace && cur.direction == s.direction {
			cur.ranges = append(cur.ranges, s.ranges...)
			return
		}
	}
	p.sessions = append(p.sessions, s)
}

// Abort fails the plan. Calling it before Execute makes Execute fail
// immediately.
func (p *streamPlan) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aborted = true
	if p.cancel != nil {
		p.cancel(errors.Aborted(fmt.Sprintf("stream plan %s aborted", p.description), nil))
	}
}

func (p *streamPlan) summary() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	var d time.Duration
	switch {
	case !p.finished.IsZero():
		d = p.finished.Sub(p.started)
	case !p.started.IsZero():
		d = time.Since(p.started)
	}
	return Summary{
		PlanID:      p.id,
		Description: p.description,
		Reason:      p.reason,
		State:       p.state,
		Sessions:    len(p.sessions),
		Fragments:   p.counters.Fragments.Load(),
		Bytes:       p.counters.Bytes.Load(),
		Duration:    d,
	}
}

// Execute runs every session concurrently and fails on the first error
func (p *streamPlan) Execute(ctx context.Context) (Summary, error) {
	m := p.manager
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	p.mu.Lock()
	if p.state != StreamStatePending {
		p.mu.Unlock()
		return p.summary(), errors.InvalidArgument(fmt.Sprintf("stream plan %s already executed", p.description), nil)
	}
	p.started = time.Now()
	p.cancel = cancel
	if p.aborted {
		p.state = StreamStateAborted
		p.finished = p.started
		p.mu.Unlock()
		return p.summary(), errors.Aborted(fmt.Sprintf("stream plan %s aborted", p.description), nil)
	}
	p.state = StreamStateStreaming
	sessions := append([]session(nil), p.sessions...)
	p.mu.Unlock()

	if m.cfg.PlanTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, m.cfg.PlanTimeout)
		defer cancelTimeout()
	}

	m.register(p)
	defer m.unregister(p)

	logger := m.logger.With(
		zap.String("plan_id", p.id.String()),
		zap.String("description", p.description),
		zap.String("reason", p.reason.String()))
	logger.Info("Executing stream plan", zap.Int("sessions", len(sessions)))

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			return p.runSession(gctx, s, logger)
		})
	}
	err := g.Wait()
	if err != nil {
		if cause := context.Cause(ctx); cause != nil && errors.GetCode(cause) == errors.ErrCodeAborted {
			err = cause
		}
	}

	p.mu.Lock()
	p.finished = time.Now()
	switch {
	case err == nil:
		p.state = StreamStateCompleted
	case stderrors.Is(err, errors.ErrAborted):
		p.state = StreamStateAborted
	default:
		p.state = StreamStateFailed
	}
	p.mu.Unlock()

	sum := p.summary()
	if err != nil {
		logger.Warn("Stream plan failed", zap.Error(err), zap.Duration("duration", sum.Duration))
		return sum, err
	}
	logger.Info("Stream plan completed",
		zap.Int64("fragments", sum.Fragments),
		zap.Int64("bytes", sum.Bytes),
		zap.Duration("duration", sum.Duration))
	return sum, nil
}

func (p *streamPlan) runSession(ctx context.Context, s session, logger *zap.Logger) error {
	m := p.manager
	m.metrics.SessionStarted()
	defer m.metrics.SessionFinished()

	logger = logger.With(
		zap.String("peer", s.peer.String()),
		zap.String("keyspace", s.keyspace),
		zap.String("direction", s.direction.String()))
	logger.Debug("Starting session", zap.Int("nr_ranges", len(s.ranges)))

	conn, err := m.dialer.Dial(ctx, s.peer)
	if err != nil {
		return errors.StreamFailed(fmt.Sprintf("session with %s", s.peer), err)
	}
	client := NewStreamServiceClient(conn)
	req := &FetchRequest{
		PlanID:      p.id,
		Description: p.description,
		Reason:      p.reason,
		Keyspace:    s.keyspace,
		Ranges:      s.ranges,
		Compression: m.cfg.Compression,
		Requester:   string(m.cfg.Self),
	}

	if s.direction == sessionReceive {
		err = p.receive(ctx, client, req)
	} else {
		err = p.send(ctx, client, req)
	}
	if err != nil {
		logger.Warn("Session failed", zap.Error(err))
		return sessionError(s, err)
	}
	logger.Debug("Session completed")
	return nil
}

func (p *streamPlan) receive(ctx context.Context, client *StreamServiceClient, req *FetchRequest) error {
	stream, err := client.FetchRanges(ctx, req)
	if err != nil {
		return err
	}
	for {
		f, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := p.manager.receiver.Apply(f, &p.counters); err != nil {
			return err
		}
	}
}

func (p *streamPlan) send(ctx context.Context, client *StreamServiceClient, req *FetchRequest) error {
	stream, err := client.PushRanges(ctx)
	if err != nil {
		return err
	}
	if err := stream.Send(&Frame{Header: req}); err != nil {
		return err
	}
	if err := p.manager.sender.SendKeyspace(ctx, req.Keyspace, req.Ranges, req.Compression, stream.Send, &p.counters); err != nil {
		return err
	}
	_, err = stream.CloseAndRecv()
	return err
}

// sessionError keeps the code of local failures and translates remote ones
func sessionError(s session, err error) error {
	if !errors.IsStreamError(err) {
		err = errors.FromGRPC(err)
	}
	return errors.NewStreamError(errors.GetCode(err),
		fmt.Sprintf("%s session with %s for %s failed", s.direction, s.peer, s.keyspace), err).
		WithDetail("peer", s.peer.String()).
		WithDetail("keyspace", s.keyspace)
}
