package server

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"

	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/devrev/pairdb/streamer/internal/errors"
	"github.com/devrev/pairdb/streamer/internal/locator"
	"github.com/devrev/pairdb/streamer/internal/node"
	"github.com/devrev/pairdb/streamer/internal/store"
	"github.com/devrev/pairdb/streamer/internal/streaming"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const defaultListLimit = 20

// OperationRequest is the body of POST /v1/operations/{operation}
type OperationRequest struct {
	Tokens   []dht.Token      `json:"tokens,omitempty"`
	Target   string           `json:"target,omitempty"`
	SourceDC string           `json:"source_dc,omitempty"`
	Keyspace string           `json:"keyspace,omitempty"`
	Ranges   []dht.TokenRange `json:"ranges,omitempty"`
}

// OperationResponse is returned once an operation is started
type OperationResponse struct {
	RunID     uuid.UUID `json:"run_id"`
	Operation string    `json:"operation"`
}

// ActiveResponse lists the run and stream plans in progress
type ActiveResponse struct {
	Run   *store.RunRecord `json:"run,omitempty"`
	Plans []planSummary    `json:"plans"`
}

type planSummary struct {
	PlanID      uuid.UUID `json:"plan_id"`
	Description string    `json:"description"`
	Reason      string    `json:"reason"`
	State       string    `json:"state"`
	Sessions    int       `json:"sessions"`
	Fragments   int64     `json:"fragments"`
	Bytes       int64     `json:"bytes"`
	DurationMS  int64     `json:"duration_ms"`
}

func toPlanSummary(s streaming.Summary) planSummary {
	return planSummary{
		PlanID:      s.PlanID,
		Description: s.Description,
		Reason:      s.Reason.String(),
		State:       string(s.State),
		Sessions:    s.Sessions,
		Fragments:   s.Fragments,
		Bytes:       s.Bytes,
		DurationMS:  s.Duration.Milliseconds(),
	}
}

func (s *AdminServer) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.ops.ListRuns(r.Context(), limit)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*store.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *AdminServer) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["run_id"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "run_id must be a UUID")
		return
	}
	rec, err := s.ops.GetRun(r.Context(), id)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *AdminServer) active(w http.ResponseWriter, r *http.Request) {
	resp := ActiveResponse{Plans: []planSummary{}}
	if rec, ok := s.ops.Current(); ok {
		resp.Run = rec
	}
	if s.plans != nil {
		for _, p := range s.plans.ActivePlans() {
			resp.Plans = append(resp.Plans, toPlanSummary(p))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *AdminServer) abortRun(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.ops.Current()
	if !ok || !s.ops.Abort() {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "no streaming run in progress")
		return
	}
	s.logger.Info("Run abort requested", zap.String("run_id", rec.RunID.String()))
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": rec.RunID.String(), "status": "aborting"})
}

func (s *AdminServer) abortPlan(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["plan_id"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "plan_id must be a UUID")
		return
	}
	if s.plans == nil || !s.plans.Abort(id) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "stream plan not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"plan_id": id.String(), "status": "aborting"})
}

func (s *AdminServer) startOperation(w http.ResponseWriter, r *http.Request) {
	op := node.Operation(mux.Vars(r)["operation"])
	var body OperationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
			return
		}
	}
	req := node.Request{
		Operation: op,
		Tokens:    body.Tokens,
		Target:    locator.Endpoint(body.Target),
		SourceDC:  body.SourceDC,
		Keyspace:  body.Keyspace,
		Ranges:    body.Ranges,
	}
	// the run outlives the request; Start detaches it
	id, err := s.ops.Start(r.Context(), req)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, OperationResponse{RunID: id, Operation: string(op)})
}

func (s *AdminServer) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if stderrors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	code := errors.GetCode(err)
	statusCode := httpStatus(code)
	if statusCode >= http.StatusInternalServerError {
		s.logger.Error("Admin request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", r.Header.Get(requestIDHeader)),
			zap.Error(err))
	}
	writeError(w, r, statusCode, errorName(code), err.Error())
}

// httpStatus maps error codes to HTTP status codes
func httpStatus(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeInvalidArgument, errors.ErrCodeMixedDirection:
		return http.StatusBadRequest
	case errors.ErrCodeUnknownKeyspace, errors.ErrCodeUnknownTable:
		return http.StatusNotFound
	case errors.ErrCodeLeaseHeld:
		return http.StatusConflict
	case errors.ErrCodeNoSources, errors.ErrCodeAmbiguousSources, errors.ErrCodeReplicationMismatch,
		errors.ErrCodeSchemaMismatch, errors.ErrCodeMissingPendingRange:
		return http.StatusPreconditionFailed
	case errors.ErrCodeSourceDown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorName(code errors.ErrorCode) string {
	switch code {
	case errors.ErrCodeInvalidArgument:
		return "INVALID_REQUEST"
	case errors.ErrCodeMixedDirection:
		return "MIXED_DIRECTION"
	case errors.ErrCodeUnknownKeyspace:
		return "UNKNOWN_KEYSPACE"
	case errors.ErrCodeUnknownTable:
		return "UNKNOWN_TABLE"
	case errors.ErrCodeLeaseHeld:
		return "LEASE_HELD"
	case errors.ErrCodeNoSources:
		return "NO_SOURCES"
	case errors.ErrCodeAmbiguousSources:
		return "AMBIGUOUS_SOURCES"
	case errors.ErrCodeReplicationMismatch:
		return "REPLICATION_MISMATCH"
	case errors.ErrCodeSchemaMismatch:
		return "SCHEMA_MISMATCH"
	case errors.ErrCodeMissingPendingRange:
		return "MISSING_PENDING_RANGE"
	case errors.ErrCodeSourceDown:
		return "SOURCE_DOWN"
	default:
		return "INTERNAL_ERROR"
	}
}
