package rangestream

import (
	"strings"

	"github.com/devrev/pairdb/streamer/internal/dht"
	"github.com/devrev/pairdb/streamer/internal/errors"
	"github.com/devrev/pairdb/streamer/internal/locator"
	"github.com/devrev/pairdb/streamer/internal/streaming"
	"go.uber.org/zap"
)

// FetchMap assigns ranges to the single peer they are streamed with
type FetchMap map[locator.Endpoint][]dht.TokenRange

// Endpoints returns the peers in lexical order
func (fm FetchMap) Endpoints() []locator.Endpoint {
	out := make([]locator.Endpoint, 0, len(fm))
	for ep := range fm {
		out = append(out, ep)
	}
	locator.SortEndpoints(out)
	return out
}

// RangeCount is the number of ranges across all peers
func (fm FetchMap) RangeCount() int {
	n := 0
	for _, ranges := range fm {
		n += len(ranges)
	}
	return n
}

func (fm FetchMap) String() string {
	var b strings.Builder
	for i, ep := range fm.Endpoints() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ep.String())
		b.WriteString("=")
		b.WriteString(dht.FormatRanges(fm[ep]))
	}
	return b.String()
}

// BuildFetchMap picks one source per range: the first candidate that is
// neither the local node nor rejected by a filter. The local node counts as
// a found source but is never added. A range without any source fails the
// whole build, except for replace with RF 1 where it is skipped.
func (s *RangeStreamer) BuildFetchMap(keyspace string, sources RangeSources) (FetchMap, error) {
	topo := s.catalog.TokenMetadata().Topology()
	s.mu.Lock()
	filters := append([]SourceFilter(nil), s.filters...)
	s.mu.Unlock()

	out := make(FetchMap)
	for _, rng := range sources.Ranges() {
		found := false
		for _, ep := range sources[rng] {
			if ep == s.cfg.Self {
				found = true
				continue
			}
			if f, ok := includes(filters, topo, ep); !ok {
				s.logger.Debug("Source filtered",
					zap.String("keyspace", keyspace),
					zap.String("endpoint", ep.String()),
					zap.Stringer("filter", f))
				continue
			}
			out[ep] = append(out[ep], rng)
			found = true
			break
		}
		if found {
			continue
		}

		ks, err := s.catalog.FindKeyspace(keyspace)
		if err != nil {
			return nil, err
		}
		rf := ks.EffectiveReplicationMap().ReplicationFactor()
		if s.cfg.Reason == streaming.ReasonReplace && rf == 1 {
			s.logger.Warn("Unable to find sufficient sources to stream range with RF = 1 for replace operation",
				zap.String("keyspace", keyspace),
				zap.Stringer("range", rng))
			s.metrics.RecordRangeSkipped(keyspace)
			continue
		}
		return nil, errors.NoSources(keyspace, rng.String())
	}

	return out, nil
}
