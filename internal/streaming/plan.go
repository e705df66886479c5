// Package streaming moves frozen partition data between nodes. A Plan is one
// bounded transfer against a set of peers; the Manager creates plans and
// tracks the ones in flight.
package streaming

import (
	"context"
	"fmt"
	"time"

	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/devrev/pairdb/streamer/internal/locator"
	"github.com/google/uuid"
)

// Reason tells peers why data is being moved
type Reason int

const (
	ReasonUnspecified Reason = iota
	ReasonBootstrap
	ReasonDecommission
	ReasonReplace
	ReasonRebuild
	ReasonRepair
	ReasonRemoveNode
)

var reasonNames = map[Reason]string{
	ReasonUnspecified:  "unspecified",
	ReasonBootstrap:    "bootstrap",
	ReasonDecommission: "decommission",
	ReasonReplace:      "replace",
	ReasonRebuild:      "rebuild",
	ReasonRepair:       "repair",
	ReasonRemoveNode:   "removenode",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// ParseReason is the inverse of Reason.String
func ParseReason(s string) (Reason, error) {
	for r, name := range reasonNames {
		if name == s {
			return r, nil
		}
	}
	return ReasonUnspecified, fmt.Errorf("unknown stream reason %q", s)
}

// StreamState represents the state of a plan or session
type StreamState string

const (
	StreamStatePending   StreamState = "pending"
	StreamStateStreaming StreamState = "streaming"
	StreamStateCompleted StreamState = "completed"
	StreamStateFailed    StreamState = "failed"
	StreamStateAborted   StreamState = "aborted"
)

// Summary describes a finished plan
type Summary struct {
	PlanID      uuid.UUID
	Description string
	Reason      Reason
	State       StreamState
	Sessions    int
	Fragments   int64
	Bytes       int64
	Duration    time.Duration
}

// Plan is one bounded unit of range transfer. Ranges are registered per
// peer and keyspace, then Execute runs every session to completion.
type Plan interface {
	ID() uuid.UUID
	Description() string
	Reason() Reason

	// RequestRanges asks source to send its data for ranges
	RequestRanges(source locator.Endpoint, keyspace string, ranges []dht.TokenRange)
	// TransferRanges sends local data for ranges to target
	TransferRanges(target locator.Endpoint, keyspace string, ranges []dht.TokenRange)

	// Execute blocks until every session finishes or one fails
	Execute(ctx context.Context) (Summary, error)
	// Abort fails the running sessions; safe to call at any time
	Abort()
}

// PlanFactory creates plans
type PlanFactory interface {
	NewPlan(description string, reason Reason) Plan
}
