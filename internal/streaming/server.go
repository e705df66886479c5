package streaming

import (
	"context"
	stderrors "errors"
	"io"
	"time"

	"github.com/devrev/pairdb/streamer/internal/errors"
	"github.com/devrev/pairdb/streamer/internal/metrics"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server implements the stream service on top of a Sender and a Receiver
type Server struct {
	sender   *Sender
	receiver *Receiver
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewServer creates a stream service server
func NewServer(sender *Sender, receiver *Receiver, m *metrics.Metrics, logger *zap.Logger) *Server {
	return &Server{sender: sender, receiver: receiver, metrics: m, logger: logger}
}

// FetchRanges streams the local data of req.Ranges to the requester
func (s *Server) FetchRanges(req *FetchRequest, stream FetchRangesServer) error {
	if req.Keyspace == "" || len(req.Ranges) == 0 {
		return status.Error(codes.InvalidArgument, "keyspace and ranges are required")
	}
	if !ValidCompression(req.Compression) {
		return status.Errorf(codes.InvalidArgument, "unsupported compression %q", req.Compression)
	}

	s.metrics.SessionStarted()
	defer s.metrics.SessionFinished()

	start := time.Now()
	logger := s.logger.With(
		zap.String("plan_id", req.PlanID.String()),
		zap.String("requester", req.Requester),
		zap.String("keyspace", req.Keyspace))
	logger.Info("Serving fetch",
		zap.String("reason", req.Reason.String()),
		zap.Int("nr_ranges", len(req.Ranges)))

	var counters Counters
	err := s.sender.SendKeyspace(stream.Context(), req.Keyspace, req.Ranges, req.Compression, stream.Send, &counters)
	if err != nil {
		logger.Warn("Fetch failed", zap.Error(err), zap.Duration("duration", time.Since(start)))
		return toStatus(err)
	}
	logger.Info("Fetch served",
		zap.Int64("fragments", counters.Fragments.Load()),
		zap.Int64("bytes", counters.Bytes.Load()),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// PushRanges applies frames pushed by a sender. The first frame carries the
// session header.
func (s *Server) PushRanges(stream PushRangesServer) error {
	first, err := stream.Recv()
	if err == io.EOF {
		return status.Error(codes.InvalidArgument, "push closed before header")
	}
	if err != nil {
		return err
	}
	if first.Header == nil {
		return status.Error(codes.InvalidArgument, "first push frame must carry a header")
	}
	hdr := first.Header

	s.metrics.SessionStarted()
	defer s.metrics.SessionFinished()

	start := time.Now()
	logger := s.logger.With(
		zap.String("plan_id", hdr.PlanID.String()),
		zap.String("sender", hdr.Requester),
		zap.String("keyspace", hdr.Keyspace))
	logger.Info("Receiving push", zap.String("reason", hdr.Reason.String()))

	var counters Counters
	if len(first.Payload) > 0 {
		if err := s.receiver.Apply(first, &counters); err != nil {
			return toStatus(err)
		}
	}
	for {
		f, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Warn("Push interrupted", zap.Error(err))
			return err
		}
		if err := s.receiver.Apply(f, &counters); err != nil {
			logger.Warn("Failed to apply pushed frame", zap.Error(err))
			return toStatus(err)
		}
	}

	logger.Info("Push received",
		zap.Int64("fragments", counters.Fragments.Load()),
		zap.Int64("bytes", counters.Bytes.Load()),
		zap.Duration("duration", time.Since(start)))
	return stream.SendAndClose(&PushSummary{
		Fragments: counters.Fragments.Load(),
		Bytes:     counters.Bytes.Load(),
	})
}

// toStatus maps an error to a gRPC status error
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	var se *errors.StreamError
	if stderrors.As(err, &se) {
		return status.New(se.ToGRPCStatus().Code(), err.Error()).Err()
	}
	return status.Error(codes.Internal, err.Error())
}
