package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestStreamError_GRPCMapping(t *testing.T) {
	tests := []struct {
		name string
		err  *StreamError
		want codes.Code
	}{
		{"mixed direction", MixedDirection(), codes.InvalidArgument},
		{"no sources", NoSources("ks", "(1,2]"), codes.FailedPrecondition},
		{"source down", SourceDown("ks", "(0,10]", "10.0.0.1"), codes.Unavailable},
		{"schema mismatch", SchemaMismatch("a", "b"), codes.FailedPrecondition},
		{"corrupted", CorruptedData("bad", nil), codes.DataLoss},
		{"unknown keyspace", UnknownKeyspace("ks"), codes.NotFound},
		{"aborted", Aborted("stop", nil), codes.Aborted},
		{"internal", InternalError("boom", nil), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.ToGRPCStatus().Code())
		})
	}
}

func TestStreamError_IsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("resolving: %w", NoSourcesFor("ks", "(0,10]"))

	assert.True(t, stderrors.Is(err, ErrNoSources))
	assert.False(t, stderrors.Is(err, ErrSourceDown))
	assert.Equal(t, ErrCodeNoSources, GetCode(err))
}

func TestWithContext_PreservesInnerCode(t *testing.T) {
	inner := SchemaMismatch("v1", "v2")
	err := WithContext(inner, "unfreeze", "key1", "ks", "tbl")

	require.Error(t, err)
	assert.True(t, stderrors.Is(err, ErrSchemaMismatch))
	assert.Contains(t, err.Error(), "failed consuming mutation key1 of ks.tbl")

	var se *StreamError
	require.True(t, stderrors.As(err, &se))
	assert.Equal(t, "ks", se.Details["keyspace"])
	assert.Equal(t, "tbl", se.Details["table"])
	assert.Nil(t, WithContext(nil, "unfreeze", "k", "ks", "t"))
}

func TestFromGRPC_RoundTrip(t *testing.T) {
	err := FromGRPC(SourceDown("ks", "(0,10]", "10.0.0.3").ToGRPCStatus().Err())
	assert.Equal(t, ErrCodeSourceDown, GetCode(err))
	assert.True(t, IsStreamError(err))

	plain := stderrors.New("plain")
	assert.Equal(t, plain, FromGRPC(plain))
	assert.Nil(t, FromGRPC(nil))
}
