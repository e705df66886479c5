package gossip

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/streamer/internal/locator"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// Config holds gossip protocol configuration
type Config struct {
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// NodeState is the metadata every node advertises through gossip
type NodeState struct {
	NodeID     string           `json:"node_id"`
	Endpoint   locator.Endpoint `json:"endpoint"`
	Datacenter string           `json:"dc"`
	Rack       string           `json:"rack"`
	Status     string           `json:"status"`
	Timestamp  int64            `json:"timestamp"`
}

// Node statuses
const (
	StatusNormal  = "normal"
	StatusJoining = "joining"
	StatusLeaving = "leaving"
)

// MemberlistDetector tracks liveness of cluster members through memberlist.
// Members are keyed by the endpoint they advertise in their node metadata.
type MemberlistDetector struct {
	logger     *zap.Logger
	memberlist *memberlist.Memberlist

	mu    sync.RWMutex
	local NodeState
	alive map[locator.Endpoint]string
}

// NewMemberlistDetector starts gossip and joins the seed nodes
func NewMemberlistDetector(cfg *Config, local NodeState, logger *zap.Logger) (*MemberlistDetector, error) {
	d := newDetector(local, logger)

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = local.NodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = d
	mlConfig.Events = &eventDelegate{detector: d}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	d.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}
	return d, nil
}

func newDetector(local NodeState, logger *zap.Logger) *MemberlistDetector {
	if local.Status == "" {
		local.Status = StatusNormal
	}
	local.Timestamp = time.Now().Unix()
	return &MemberlistDetector{
		logger: logger,
		local:  local,
		alive:  map[locator.Endpoint]string{local.Endpoint: local.NodeID},
	}
}

// IsAlive reports whether a member advertising ep is currently alive
func (d *MemberlistDetector) IsAlive(ep locator.Endpoint) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.alive[ep]
	return ok
}

// IsEnabled is always true once gossip runs
func (d *MemberlistDetector) IsEnabled() bool { return true }

// LiveEndpoints returns the endpoints currently alive, sorted
func (d *MemberlistDetector) LiveEndpoints() []locator.Endpoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]locator.Endpoint, 0, len(d.alive))
	for ep := range d.alive {
		out = append(out, ep)
	}
	locator.SortEndpoints(out)
	return out
}

// SetStatus changes the advertised status and pushes it to peers
func (d *MemberlistDetector) SetStatus(status string) error {
	d.mu.Lock()
	d.local.Status = status
	d.local.Timestamp = time.Now().Unix()
	d.mu.Unlock()
	if d.memberlist == nil {
		return nil
	}
	return d.memberlist.UpdateNode(5 * time.Second)
}

// Shutdown leaves the cluster and stops gossip
func (d *MemberlistDetector) Shutdown() error {
	if d.memberlist == nil {
		return nil
	}
	if err := d.memberlist.Leave(5 * time.Second); err != nil {
		d.logger.Warn("Failed to leave cluster gracefully", zap.Error(err))
	}
	return d.memberlist.Shutdown()
}

// NodeMeta implements memberlist.Delegate
func (d *MemberlistDetector) NodeMeta(limit int) []byte {
	d.mu.RLock()
	data, _ := json.Marshal(d.local)
	d.mu.RUnlock()
	if len(data) > limit {
		d.logger.Warn("Node metadata exceeds gossip limit",
			zap.Int("size", len(data)),
			zap.Int("limit", limit))
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (d *MemberlistDetector) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate
func (d *MemberlistDetector) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate
func (d *MemberlistDetector) LocalState(join bool) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	data, _ := json.Marshal(d.local)
	return data
}

// MergeRemoteState implements memberlist.Delegate
func (d *MemberlistDetector) MergeRemoteState(buf []byte, join bool) {}

func (d *MemberlistDetector) decodeMeta(node *memberlist.Node) (NodeState, bool) {
	var st NodeState
	if len(node.Meta) == 0 {
		return st, false
	}
	if err := json.Unmarshal(node.Meta, &st); err != nil {
		d.logger.Warn("Failed to decode node metadata",
			zap.String("node_id", node.Name),
			zap.Error(err))
		return st, false
	}
	return st, st.Endpoint != ""
}

type eventDelegate struct {
	detector *MemberlistDetector
}

// NotifyJoin is called when a node joins
func (e *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d := e.detector
	st, ok := d.decodeMeta(node)
	if !ok {
		return
	}
	d.mu.Lock()
	d.alive[st.Endpoint] = node.Name
	d.mu.Unlock()
	d.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("endpoint", st.Endpoint.String()),
		zap.String("status", st.Status))
}

// NotifyLeave is called when a node leaves or is declared dead
func (e *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d := e.detector
	d.mu.Lock()
	for ep, name := range d.alive {
		if name == node.Name {
			delete(d.alive, ep)
		}
	}
	d.mu.Unlock()
	d.logger.Info("Node left",
		zap.String("node_id", node.Name))
}

// NotifyUpdate is called when a node changes its metadata
func (e *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d := e.detector
	st, ok := d.decodeMeta(node)
	if !ok {
		return
	}
	d.mu.Lock()
	d.alive[st.Endpoint] = node.Name
	d.mu.Unlock()
	d.logger.Debug("Node updated",
		zap.String("node_id", node.Name),
		zap.String("status", st.Status))
}
