package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/devrev/pairdb/streamer/internal/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func record(node string, started time.Time) *RunRecord {
	return &RunRecord{
		RunID:           uuid.New(),
		NodeID:          node,
		Operation:       "bootstrap",
		Description:     "Bootstrap",
		State:           RunStateRunning,
		RangesTotal:     4,
		RangesRemaining: 2,
		Sources: []SourceRecord{{
			Keyspace:  "ks",
			Endpoint:  "10.0.0.2:7000",
			Remaining: []dht.TokenRange{dht.NewTokenRange(-100, 0), dht.NewTokenRange(0, 100)},
		}},
		StartedAt: started.UTC().Truncate(time.Microsecond),
		UpdatedAt: started.UTC().Truncate(time.Microsecond),
	}
}

// testProgressStore runs against any ProgressStore implementation
func testProgressStore(t *testing.T, s ProgressStore) {
	ctx := context.Background()
	node := "node-" + uuid.NewString()
	base := time.Now().Add(-time.Hour)

	first := record(node, base)
	second := record(node, base.Add(time.Minute))
	other := record("other-"+node, base)
	for _, r := range []*RunRecord{first, second, other} {
		require.NoError(t, s.SaveRun(ctx, r))
	}

	got, err := s.GetRun(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	// updates replace progress fields
	first.State = RunStateCompleted
	first.RangesRemaining = 0
	first.Sources = nil
	first.UpdatedAt = first.UpdatedAt.Add(time.Second)
	require.NoError(t, s.SaveRun(ctx, first))
	got, err = s.GetRun(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunStateCompleted, got.State)
	assert.Equal(t, 0, got.RangesRemaining)
	assert.Empty(t, got.Sources)

	runs, err := s.ListRuns(ctx, node, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.RunID, runs[0].RunID)
	assert.Equal(t, first.RunID, runs[1].RunID)

	runs, err = s.ListRuns(ctx, node, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = s.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

// testRunLease runs against any RunLease implementation
func testRunLease(t *testing.T, l RunLease) {
	ctx := context.Background()
	node := "node-" + uuid.NewString()

	require.NoError(t, l.Acquire(ctx, node, "run-1", time.Minute))
	// reacquiring by the owner extends the lease
	require.NoError(t, l.Acquire(ctx, node, "run-1", time.Minute))

	err := l.Acquire(ctx, node, "run-2", time.Minute)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrLeaseHeld))

	assert.NoError(t, l.Refresh(ctx, node, "run-1", time.Minute))
	assert.Error(t, l.Refresh(ctx, node, "run-2", time.Minute))

	// a foreign release does not drop the lease
	require.NoError(t, l.Release(ctx, node, "run-2"))
	assert.Error(t, l.Acquire(ctx, node, "run-2", time.Minute))

	require.NoError(t, l.Release(ctx, node, "run-1"))
	assert.NoError(t, l.Acquire(ctx, node, "run-2", time.Minute))
	require.NoError(t, l.Release(ctx, node, "run-2"))
}

func TestMemoryProgressStore(t *testing.T) {
	s := NewMemoryProgressStore()
	testProgressStore(t, s)

	assert.Error(t, s.SaveRun(context.Background(), &RunRecord{}))
}

func TestMemoryProgressStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryProgressStore()
	r := record("n1", time.Now())
	require.NoError(t, s.SaveRun(context.Background(), r))

	r.Sources[0].Remaining[0] = dht.FullRing()
	got, err := s.GetRun(context.Background(), r.RunID)
	require.NoError(t, err)
	assert.Equal(t, dht.NewTokenRange(-100, 0), got.Sources[0].Remaining[0])
}

func TestMemoryRunLease(t *testing.T) {
	testRunLease(t, NewMemoryRunLease())
}

func TestMemoryRunLease_Expiry(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewMemoryRunLease()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "n1", "run-1", 10*time.Second))

	tests := []struct {
		name    string
		advance time.Duration
		wantErr bool
	}{
		{name: "before expiry", advance: 5 * time.Second, wantErr: true},
		{name: "at expiry", advance: 5 * time.Second, wantErr: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now = now.Add(tt.advance)
			err := l.Acquire(ctx, "n1", "run-2", 10*time.Second)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
	assert.Error(t, l.Refresh(ctx, "n1", "run-1", time.Second))
}

func TestPostgresProgressStore(t *testing.T) {
	dsn := os.Getenv("DATABASE_DSN")
	if testing.Short() || dsn == "" {
		t.Skip("Skipping integration test: DATABASE_DSN not set")
	}
	s, err := NewPostgresProgressStore(context.Background(), dsn, 4, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(context.Background()))
	testProgressStore(t, s)
}

func TestRedisRunLease(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if testing.Short() || addr == "" {
		t.Skip("Skipping integration test: REDIS_ADDR not set")
	}
	l, err := NewRedisRunLease(context.Background(), addr, "", 0, zap.NewNop())
	require.NoError(t, err)
	defer l.Close()

	testRunLease(t, l)
}

func TestLeaseKey(t *testing.T) {
	for i, node := range []string{"A", "10.0.0.1:7000"} {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			assert.Equal(t, "streamer:lease:"+node, leaseKey(node))
		})
	}
}
