package gossip

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/devrev/pairdb/streamer/internal/locator"
	"github.com/hashicorp/memberlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStaticDetector(t *testing.T) {
	d := NewStaticDetector(true)
	assert.True(t, d.IsEnabled())
	assert.True(t, d.IsAlive("A"))

	d.MarkDown("A", "B")
	assert.False(t, d.IsAlive("A"))
	assert.False(t, d.IsAlive("B"))

	d.MarkUp("A")
	assert.True(t, d.IsAlive("A"))
	assert.False(t, NewStaticDetector(false).IsEnabled())
}

func memberNode(t *testing.T, name string, st NodeState) *memberlist.Node {
	t.Helper()
	meta, err := json.Marshal(st)
	require.NoError(t, err)
	return &memberlist.Node{Name: name, Addr: net.ParseIP("127.0.0.1"), Meta: meta}
}

func TestMemberlistDetector_TracksMembership(t *testing.T) {
	d := newDetector(NodeState{NodeID: "n1", Endpoint: "10.0.0.1:7000"}, zap.NewNop())
	events := &eventDelegate{detector: d}

	assert.True(t, d.IsEnabled())
	assert.True(t, d.IsAlive("10.0.0.1:7000"))
	assert.False(t, d.IsAlive("10.0.0.2:7000"))

	events.NotifyJoin(memberNode(t, "n2", NodeState{NodeID: "n2", Endpoint: "10.0.0.2:7000"}))
	assert.True(t, d.IsAlive("10.0.0.2:7000"))
	assert.Equal(t, []locator.Endpoint{"10.0.0.1:7000", "10.0.0.2:7000"}, d.LiveEndpoints())

	events.NotifyLeave(&memberlist.Node{Name: "n2"})
	assert.False(t, d.IsAlive("10.0.0.2:7000"))

	// nodes without metadata are ignored
	events.NotifyJoin(&memberlist.Node{Name: "n3"})
	assert.Len(t, d.LiveEndpoints(), 1)
}

func TestMemberlistDetector_NodeMeta(t *testing.T) {
	d := newDetector(NodeState{NodeID: "n1", Endpoint: "10.0.0.1:7000", Datacenter: "dc1"}, zap.NewNop())
	require.NoError(t, d.SetStatus(StatusJoining))

	var st NodeState
	require.NoError(t, json.Unmarshal(d.NodeMeta(512), &st))
	assert.Equal(t, StatusJoining, st.Status)
	assert.Equal(t, "dc1", st.Datacenter)

	assert.Nil(t, d.NodeMeta(4))
}
