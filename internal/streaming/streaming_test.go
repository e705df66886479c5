package streaming

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/streamer/internal/catalog"
	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/devrev/pairdb/streamer/internal/errors"
	"github.com/devrev/pairdb/streamer/internal/locator"
	"github.com/devrev/pairdb/streamer/internal/mutation/mutationtest"
	"github.com/devrev/pairdb/streamer/internal/schema"
	"github.com/devrev/pairdb/streamer/internal/storage/memtable"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1 << 20

// bufDialer connects endpoints to in-memory listeners
type bufDialer struct {
	mu        sync.Mutex
	listeners map[locator.Endpoint]*bufconn.Listener
	conns     []*grpc.ClientConn
	block     bool
}

func (d *bufDialer) Dial(ctx context.Context, peer locator.Endpoint) (grpc.ClientConnInterface, error) {
	d.mu.Lock()
	lis, ok := d.listeners[peer]
	block := d.block
	d.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if !ok {
		return nil, fmt.Errorf("unknown peer %s", peer)
	}
	conn, err := grpc.NewClient("passthrough:///"+string(peer),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

type testNode struct {
	ep      locator.Endpoint
	catalog *catalog.Catalog
	store   *memtable.Store
	manager *Manager
}

type cluster struct {
	dialer *bufDialer
	nodes  map[locator.Endpoint]*testNode
}

func newCluster(t *testing.T, compression string, tables map[locator.Endpoint][]*schema.Schema) *cluster {
	t.Helper()
	c := &cluster{
		dialer: &bufDialer{listeners: make(map[locator.Endpoint]*bufconn.Listener)},
		nodes:  make(map[locator.Endpoint]*testNode),
	}
	for ep, schemas := range tables {
		cat := catalog.New(locator.NewTokenMetadata())
		cat.AddKeyspace("ks", &locator.SimpleStrategy{RF: 2})
		for _, s := range schemas {
			require.NoError(t, cat.AddTable(s))
		}
		store := memtable.NewStore()
		logger := zap.NewNop()
		sender := NewSender(cat, store, nil, 512, nil, logger)
		receiver := NewReceiver(cat, store, nil)

		lis := bufconn.Listen(bufSize)
		srv := grpc.NewServer()
		RegisterStreamServiceServer(srv, NewServer(sender, receiver, nil, logger))
		go srv.Serve(lis)
		t.Cleanup(srv.Stop)

		c.dialer.listeners[ep] = lis
		c.nodes[ep] = &testNode{
			ep:      ep,
			catalog: cat,
			store:   store,
			manager: NewManager(ManagerConfig{Self: ep, Compression: compression}, sender, receiver, c.dialer, nil, logger),
		}
	}
	t.Cleanup(func() {
		for _, conn := range c.dialer.conns {
			conn.Close()
		}
	})
	return c
}

func fill(t *testing.T, st *memtable.Store, s *schema.Schema, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		m := mutationtest.Mutation(s, fmt.Sprintf("p%d", i), int64(i), mutationtest.Options{
			Rows:            10,
			ValueSize:       64,
			RangeTombstones: 2,
			Static:          true,
		})
		require.NoError(t, st.Apply(m))
	}
}

func assertSameData(t *testing.T, want, got *memtable.Memtable, ranges []dht.TokenRange) {
	t.Helper()
	w := want.Partitions(ranges)
	g := got.Partitions(ranges)
	require.Len(t, g, len(w))
	for i := range w {
		assert.True(t, w[i].Equal(g[i]), "partition %s differs", w[i].Key())
	}
}

var lowerHalf = []dht.TokenRange{dht.NewTokenRange(dht.MinToken, 0)}

func TestMessages_Decode(t *testing.T) {
	req := &FetchRequest{
		PlanID:      uuid.New(),
		Description: "bootstrap-ks-index-0",
		Reason:      ReasonBootstrap,
		Keyspace:    "ks",
		Ranges:      []dht.TokenRange{dht.NewTokenRange(-50, 10), dht.NewTokenRange(dht.MaxToken, dht.MinToken)},
		Compression: CompressionZstd,
		Requester:   "10.0.0.1:7000",
	}
	frame := &Frame{Header: req, Fragmented: true, TableID: uuid.New(), Payload: []byte("payload")}

	b, err := codec{}.Marshal(frame)
	require.NoError(t, err)
	var got Frame
	require.NoError(t, codec{}.Unmarshal(b, &got))
	assert.Equal(t, frame, &got)

	_, err = codec{}.Marshal("not a message")
	assert.Error(t, err)
	assert.Error(t, got.Unmarshal([]byte{0xff}))
}

func TestCompress(t *testing.T) {
	payload := bytes.Repeat([]byte("partition data "), 200)

	out, compressed := compress(CompressionZstd, payload)
	require.True(t, compressed)
	assert.Less(t, len(out), len(payload))
	back, err := decompress(&Frame{Payload: out, Compressed: true})
	require.NoError(t, err)
	assert.Equal(t, payload, back)

	out, compressed = compress(CompressionNone, payload)
	assert.False(t, compressed)
	assert.Equal(t, payload, out)

	_, err = decompress(&Frame{Payload: []byte("garbage"), Compressed: true})
	assert.Error(t, err)
}

func TestThrottle(t *testing.T) {
	var nilThrottle *Throttle
	assert.NoError(t, nilThrottle.Wait(context.Background(), 1<<30))
	assert.Nil(t, NewThrottle(0, nil))

	th := NewThrottle(1, nil)
	assert.NoError(t, th.Wait(context.Background(), 1024))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, th.Wait(ctx, 4<<20))
}

func TestPlan_RequestRanges(t *testing.T) {
	for _, compression := range []string{CompressionNone, CompressionZstd} {
		t.Run(compression, func(t *testing.T) {
			users := mutationtest.Schema("ks", "users")
			events := mutationtest.Schema("ks", "events")
			c := newCluster(t, compression, map[locator.Endpoint][]*schema.Schema{
				"A": {users, events},
				"B": {users, events},
			})
			src := c.nodes["B"]
			fill(t, src.store, users, 30)
			fill(t, src.store, events, 5)

			plan := c.nodes["A"].manager.NewPlan("bootstrap-ks-index-0", ReasonBootstrap)
			plan.RequestRanges("B", "ks", lowerHalf)
			sum, err := plan.Execute(context.Background())
			require.NoError(t, err)

			assert.Equal(t, StreamStateCompleted, sum.State)
			assert.Equal(t, 1, sum.Sessions)
			assert.Positive(t, sum.Fragments)

			dst := c.nodes["A"].store
			for _, s := range []*schema.Schema{users, events} {
				want, _ := src.store.Lookup(s.ID())
				got := dst.Table(s)
				assertSameData(t, want, got, lowerHalf)
				assert.Empty(t, got.Partitions([]dht.TokenRange{dht.NewTokenRange(0, dht.MinToken)}))
			}
			assert.Empty(t, c.nodes["A"].manager.ActivePlans())
		})
	}
}

func TestPlan_TransferRanges(t *testing.T) {
	users := mutationtest.Schema("ks", "users")
	c := newCluster(t, CompressionZstd, map[locator.Endpoint][]*schema.Schema{
		"A": {users},
		"B": {users},
	})
	fill(t, c.nodes["A"].store, users, 20)

	plan := c.nodes["A"].manager.NewPlan("decommission-ks-index-0", ReasonDecommission)
	plan.TransferRanges("B", "ks", []dht.TokenRange{dht.FullRing()})
	sum, err := plan.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StreamStateCompleted, sum.State)

	want, _ := c.nodes["A"].store.Lookup(users.ID())
	got, ok := c.nodes["B"].store.Lookup(users.ID())
	require.True(t, ok)
	assertSameData(t, want, got, []dht.TokenRange{dht.FullRing()})
}

func TestPlan_SchemaMismatchFailsSession(t *testing.T) {
	users := mutationtest.Schema("ks", "users")
	altered := schema.NewBuilder("ks", "users").
		WithColumn("pk", schema.BytesType, schema.PartitionKeyColumn).
		WithColumn("ck", schema.BytesType, schema.ClusteringKeyColumn).
		WithColumn("s1", schema.TextType, schema.StaticColumn).
		WithRegularColumn("v1", schema.TextType).
		WithRegularColumn("v2", schema.Int64Type).
		WithRegularColumn("v3", schema.TextType).
		MustBuild()
	require.Equal(t, users.ID(), altered.ID())
	require.NotEqual(t, users.Version(), altered.Version())

	c := newCluster(t, CompressionNone, map[locator.Endpoint][]*schema.Schema{
		"A": {altered},
		"B": {users},
	})
	fill(t, c.nodes["B"].store, users, 5)

	plan := c.nodes["A"].manager.NewPlan("repair", ReasonRepair)
	plan.RequestRanges("B", "ks", []dht.TokenRange{dht.FullRing()})
	sum, err := plan.Execute(context.Background())
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrSchemaMismatch), "got %v", err)
	assert.Equal(t, StreamStateFailed, sum.State)
}

func TestPlan_UnknownPeer(t *testing.T) {
	users := mutationtest.Schema("ks", "users")
	c := newCluster(t, CompressionNone, map[locator.Endpoint][]*schema.Schema{"A": {users}})

	plan := c.nodes["A"].manager.NewPlan("rebuild", ReasonRebuild)
	plan.RequestRanges("Z", "ks", lowerHalf)
	_, err := plan.Execute(context.Background())
	assert.True(t, stderrors.Is(err, errors.ErrStreamFailed), "got %v", err)
}

func TestPlan_Abort(t *testing.T) {
	users := mutationtest.Schema("ks", "users")

	t.Run("before execute", func(t *testing.T) {
		c := newCluster(t, CompressionNone, map[locator.Endpoint][]*schema.Schema{"A": {users}, "B": {users}})
		plan := c.nodes["A"].manager.NewPlan("bootstrap", ReasonBootstrap)
		plan.RequestRanges("B", "ks", lowerHalf)
		plan.Abort()
		sum, err := plan.Execute(context.Background())
		assert.True(t, stderrors.Is(err, errors.ErrAborted))
		assert.Equal(t, StreamStateAborted, sum.State)
	})

	t.Run("while executing", func(t *testing.T) {
		c := newCluster(t, CompressionNone, map[locator.Endpoint][]*schema.Schema{"A": {users}, "B": {users}})
		c.dialer.block = true
		m := c.nodes["A"].manager
		plan := m.NewPlan("bootstrap", ReasonBootstrap)
		plan.RequestRanges("B", "ks", lowerHalf)

		done := make(chan error, 1)
		go func() {
			_, err := plan.Execute(context.Background())
			done <- err
		}()

		require.Eventually(t, func() bool { return len(m.ActivePlans()) == 1 }, 5*time.Second, 5*time.Millisecond)
		active := m.ActivePlans()[0]
		assert.Equal(t, plan.ID(), active.PlanID)
		assert.Equal(t, StreamStateStreaming, active.State)
		assert.True(t, m.Abort(plan.ID()))

		select {
		case err := <-done:
			assert.True(t, stderrors.Is(err, errors.ErrAborted), "got %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("plan did not stop after abort")
		}
		assert.Empty(t, m.ActivePlans())
		assert.False(t, m.Abort(plan.ID()))
	})
}

func TestPlan_ExecuteTwice(t *testing.T) {
	users := mutationtest.Schema("ks", "users")
	c := newCluster(t, CompressionNone, map[locator.Endpoint][]*schema.Schema{"A": {users}, "B": {users}})
	plan := c.nodes["A"].manager.NewPlan("bootstrap", ReasonBootstrap)
	plan.RequestRanges("B", "ks", lowerHalf)
	_, err := plan.Execute(context.Background())
	require.NoError(t, err)
	_, err = plan.Execute(context.Background())
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func TestServer_RejectsBadRequests(t *testing.T) {
	users := mutationtest.Schema("ks", "users")
	c := newCluster(t, CompressionNone, map[locator.Endpoint][]*schema.Schema{"B": {users}})
	conn, err := c.dialer.Dial(context.Background(), "B")
	require.NoError(t, err)
	client := NewStreamServiceClient(conn)

	tests := []struct {
		name string
		req  *FetchRequest
		code errors.ErrorCode
	}{
		{name: "no ranges", req: &FetchRequest{Keyspace: "ks"}, code: errors.ErrCodeInvalidArgument},
		{name: "bad compression", req: &FetchRequest{Keyspace: "ks", Ranges: lowerHalf, Compression: "lz4"}, code: errors.ErrCodeInvalidArgument},
		{name: "unknown keyspace", req: &FetchRequest{Keyspace: "nope", Ranges: lowerHalf}, code: errors.ErrCodeUnknownTable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream, err := client.FetchRanges(context.Background(), tt.req)
			require.NoError(t, err)
			_, err = stream.Recv()
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.GetCode(errors.FromGRPC(err)))
		})
	}
}
