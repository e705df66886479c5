package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for range streaming operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Configuration and invariant violations
	ErrCodeInvalidArgument     ErrorCode = 1000
	ErrCodeNoSources           ErrorCode = 1001
	ErrCodeAmbiguousSources    ErrorCode = 1002
	ErrCodeReplicationMismatch ErrorCode = 1003
	ErrCodeMixedDirection      ErrorCode = 1004
	ErrCodeUnknownKeyspace     ErrorCode = 1005
	ErrCodeUnknownTable        ErrorCode = 1006
	ErrCodeSchemaMismatch      ErrorCode = 1007
	ErrCodeMissingPendingRange ErrorCode = 1008

	// Liveness and runtime failures
	ErrCodeInternal      ErrorCode = 2000
	ErrCodeSourceDown    ErrorCode = 2001
	ErrCodeStreamFailed  ErrorCode = 2002
	ErrCodeAborted       ErrorCode = 2003
	ErrCodeCorruptedData ErrorCode = 2004
	ErrCodeLeaseHeld     ErrorCode = 2005
)

// StreamError represents a structured error with code and context
type StreamError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StreamError) Unwrap() error {
	return e.Cause
}

// Is matches any StreamError carrying the same code, so callers can
// test against the sentinel values below with errors.Is.
func (e *StreamError) Is(target error) bool {
	t, ok := target.(*StreamError)
	if !ok {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

// ToGRPCStatus converts StreamError to gRPC status
func (e *StreamError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *StreamError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeMixedDirection:
		return codes.InvalidArgument
	case ErrCodeUnknownKeyspace, ErrCodeUnknownTable:
		return codes.NotFound
	case ErrCodeNoSources, ErrCodeAmbiguousSources, ErrCodeReplicationMismatch,
		ErrCodeSchemaMismatch, ErrCodeMissingPendingRange:
		return codes.FailedPrecondition
	case ErrCodeSourceDown:
		return codes.Unavailable
	case ErrCodeAborted:
		return codes.Aborted
	case ErrCodeCorruptedData:
		return codes.DataLoss
	case ErrCodeLeaseHeld:
		return codes.AlreadyExists
	default:
		return codes.Internal
	}
}

// codeFromGRPC is the inverse of toGRPCCode for codes that survive the trip.
func codeFromGRPC(c codes.Code) ErrorCode {
	switch c {
	case codes.OK:
		return ErrCodeOK
	case codes.InvalidArgument:
		return ErrCodeInvalidArgument
	case codes.NotFound:
		return ErrCodeUnknownTable
	case codes.FailedPrecondition:
		return ErrCodeSchemaMismatch
	case codes.Unavailable:
		return ErrCodeSourceDown
	case codes.Aborted, codes.Canceled:
		return ErrCodeAborted
	case codes.DataLoss:
		return ErrCodeCorruptedData
	case codes.AlreadyExists:
		return ErrCodeLeaseHeld
	default:
		return ErrCodeStreamFailed
	}
}

// FromGRPC converts an error returned by a gRPC call into a StreamError.
func FromGRPC(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	return NewStreamError(codeFromGRPC(st.Code()), st.Message(), nil)
}

// NewStreamError creates a new StreamError
func NewStreamError(code ErrorCode, message string, cause error) *StreamError {
	return &StreamError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StreamError) WithDetail(key string, value interface{}) *StreamError {
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is checks. Only the code is compared.
var (
	ErrNoSources           = &StreamError{Code: ErrCodeNoSources}
	ErrAmbiguousSources    = &StreamError{Code: ErrCodeAmbiguousSources}
	ErrReplicationMismatch = &StreamError{Code: ErrCodeReplicationMismatch}
	ErrMixedDirection      = &StreamError{Code: ErrCodeMixedDirection}
	ErrSourceDown          = &StreamError{Code: ErrCodeSourceDown}
	ErrSchemaMismatch      = &StreamError{Code: ErrCodeSchemaMismatch}
	ErrCorruptedData       = &StreamError{Code: ErrCodeCorruptedData}
	ErrUnknownKeyspace     = &StreamError{Code: ErrCodeUnknownKeyspace}
	ErrUnknownTable        = &StreamError{Code: ErrCodeUnknownTable}
	ErrAborted             = &StreamError{Code: ErrCodeAborted}
	ErrLeaseHeld           = &StreamError{Code: ErrCodeLeaseHeld}
	ErrStreamFailed        = &StreamError{Code: ErrCodeStreamFailed}
)

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StreamError {
	return NewStreamError(ErrCodeInvalidArgument, message, cause)
}

func NoSources(keyspace, rng string) *StreamError {
	return NewStreamError(ErrCodeNoSources,
		fmt.Sprintf("unable to find sufficient sources for streaming range %s in keyspace %s", rng, keyspace), nil).
		WithDetail("keyspace", keyspace).
		WithDetail("range", rng)
}

func NoSourcesFor(keyspace, rng string) *StreamError {
	return NewStreamError(ErrCodeNoSources, fmt.Sprintf("no sources found for %s in keyspace %s", rng, keyspace), nil).
		WithDetail("keyspace", keyspace).
		WithDetail("range", rng)
}

func AmbiguousSources(keyspace, rng string, count int) *StreamError {
	return NewStreamError(ErrCodeAmbiguousSources,
		fmt.Sprintf("multiple endpoints found for %s in keyspace %s", rng, keyspace), nil).
		WithDetail("keyspace", keyspace).
		WithDetail("range", rng).
		WithDetail("count", count)
}

func ReplicationMismatch(keyspace, rng string, found int) *StreamError {
	return NewStreamError(ErrCodeReplicationMismatch,
		fmt.Sprintf("expected 1 endpoint for %s in keyspace %s but found %d", rng, keyspace, found), nil).
		WithDetail("keyspace", keyspace).
		WithDetail("range", rng).
		WithDetail("found", found)
}

func MissingPendingRange(keyspace, rng string) *StreamError {
	return NewStreamError(ErrCodeMissingPendingRange,
		fmt.Sprintf("can not find desired range %s of keyspace %s in pending range addresses", rng, keyspace), nil).
		WithDetail("keyspace", keyspace).
		WithDetail("range", rng)
}

func MixedDirection() *StreamError {
	return NewStreamError(ErrCodeMixedDirection, "mixed sending and receiving is not supported", nil)
}

func SourceDown(keyspace, rng, endpoint string) *StreamError {
	return NewStreamError(ErrCodeSourceDown, fmt.Sprintf(
		"a node required to move range %s of keyspace %s consistently is down (%s). If you wish to move the data "+
			"from a potentially inconsistent replica, restart the node with consistent_range_movement=false", rng, keyspace, endpoint), nil).
		WithDetail("keyspace", keyspace).
		WithDetail("range", rng).
		WithDetail("endpoint", endpoint)
}

func SchemaMismatch(expected, actual string) *StreamError {
	return NewStreamError(ErrCodeSchemaMismatch,
		fmt.Sprintf("schema version mismatch: frozen with %s, unfreezing with %s", expected, actual), nil).
		WithDetail("frozen_version", expected).
		WithDetail("schema_version", actual)
}

func UnknownKeyspace(keyspace string) *StreamError {
	return NewStreamError(ErrCodeUnknownKeyspace, fmt.Sprintf("keyspace %s does not exist", keyspace), nil).
		WithDetail("keyspace", keyspace)
}

func UnknownTable(keyspace, table string) *StreamError {
	return NewStreamError(ErrCodeUnknownTable, fmt.Sprintf("table %s.%s does not exist", keyspace, table), nil).
		WithDetail("keyspace", keyspace).
		WithDetail("table", table)
}

func StreamFailed(message string, cause error) *StreamError {
	return NewStreamError(ErrCodeStreamFailed, message, cause)
}

func Aborted(message string, cause error) *StreamError {
	return NewStreamError(ErrCodeAborted, message, cause)
}

func CorruptedData(message string, cause error) *StreamError {
	return NewStreamError(ErrCodeCorruptedData, message, cause)
}

func LeaseHeld(nodeID, holder string) *StreamError {
	return NewStreamError(ErrCodeLeaseHeld, fmt.Sprintf("streaming lease for %s is held by run %s", nodeID, holder), nil).
		WithDetail("node_id", nodeID).
		WithDetail("holder", holder)
}

func InternalError(message string, cause error) *StreamError {
	return NewStreamError(ErrCodeInternal, message, cause)
}

// WithContext wraps err with a causal context layer naming the partition
// key, keyspace and table it was raised for. The code of the innermost
// StreamError is preserved.
func WithContext(err error, op, key, keyspace, table string) error {
	if err == nil {
		return nil
	}
	return NewStreamError(GetCode(err),
		fmt.Sprintf("%s: failed consuming mutation %s of %s.%s", op, key, keyspace, table), err).
		WithDetail("key", key).
		WithDetail("keyspace", keyspace).
		WithDetail("table", table)
}

// IsStreamError checks if an error is a StreamError
func IsStreamError(err error) bool {
	var se *StreamError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *StreamError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}
