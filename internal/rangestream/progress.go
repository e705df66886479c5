package rangestream

import (
	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/devrev/pairdb/streamer/internal/locator"
)

// SourceProgress lists the ranges still pending with one peer
type SourceProgress struct {
	Keyspace  string
	Endpoint  locator.Endpoint
	Remaining []dht.TokenRange
}

// Progress is a point-in-time view of a run
type Progress struct {
	Description     string
	Reason          string
	Direction       Direction
	RangesRemaining int
	Sources         []SourceProgress
}

// Snapshot captures the current progress of the run
func (s *RangeStreamer) Snapshot() Progress {
	p := Progress{
		Description: s.cfg.Description,
		Reason:      s.cfg.Reason.String(),
		Direction:   s.Direction(),
	}
	for _, ks := range s.work() {
		for _, src := range ks.sources {
			remaining := src.snapshot()
			p.RangesRemaining += len(remaining)
			p.Sources = append(p.Sources, SourceProgress{
				Keyspace:  ks.keyspace,
				Endpoint:  src.endpoint,
				Remaining: remaining,
			})
		}
	}
	return p
}

func (s *RangeStreamer) report() {
	if s.progress != nil {
		s.progress(s.Snapshot())
	}
}
