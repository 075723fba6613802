package raft

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riftkv/riftkv/internal/raftlog"
)

// memTransport routes RPCs directly to in-process Node handlers, standing in
// for replwire in tests the same way dreamsxin-wal's tests stub out the
// segment filer rather than touching real files for WAL-level logic.
type memTransport struct {
	mu    sync.Mutex
	nodes map[string]*Node
}

func newMemTransport() *memTransport {
	return &memTransport{nodes: make(map[string]*Node)}
}

func (t *memTransport) register(id string, n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = n
}

func (t *memTransport) RequestVote(ctx context.Context, peerID string, args RequestVoteArgs) (RequestVoteReply, error) {
	t.mu.Lock()
	peer := t.nodes[peerID]
	t.mu.Unlock()
	if peer == nil {
		return RequestVoteReply{}, fmt.Errorf("no such peer %s", peerID)
	}
	return peer.HandleRequestVote(args), nil
}

func (t *memTransport) AppendEntries(ctx context.Context, peerID string, args AppendEntriesArgs) (AppendEntriesReply, error) {
	t.mu.Lock()
	peer := t.nodes[peerID]
	t.mu.Unlock()
	if peer == nil {
		return AppendEntriesReply{}, fmt.Errorf("no such peer %s", peerID)
	}
	return peer.HandleAppendEntries(args), nil
}

// fakeMachine is a trivial apply target: it appends every applied command to
// a slice, recording it in commit order.
type fakeMachine struct {
	mu      sync.Mutex
	applied [][]byte
}

func (m *fakeMachine) apply(cmd []byte) (interface{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, cmd)
	return len(m.applied), nil
}

func (m *fakeMachine) snapshotApplied() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.applied))
	copy(out, m.applied)
	return out
}

func newTestCluster(t *testing.T, ids []string) (map[string]*Node, map[string]*fakeMachine, *memTransport) {
	t.Helper()
	transport := newMemTransport()
	nodes := make(map[string]*Node)
	machines := make(map[string]*fakeMachine)

	for _, id := range ids {
		plog, err := raftlog.Open(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { _ = plog.Close() })

		var peers []string
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		cfg := DefaultConfig(id, peers)
		cfg.ElectionTimeoutMin = 80 * time.Millisecond
		cfg.ElectionTimeoutMax = 160 * time.Millisecond
		cfg.HeartbeatInterval = 20 * time.Millisecond

		m := &fakeMachine{}
		n, err := NewNode(cfg, plog, transport, m.apply)
		require.NoError(t, err)

		nodes[id] = n
		machines[id] = m
		transport.register(id, n)
	}
	return nodes, machines, transport
}

func findLeader(nodes map[string]*Node) *Node {
	for _, n := range nodes {
		if n.Status().State == Leader {
			return n
		}
	}
	return nil
}

func TestClusterElectsASingleLeader(t *testing.T) {
	ids := []string{"a", "b", "c"}
	nodes, _, _ := newTestCluster(t, ids)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, n := range nodes {
		go n.Run(ctx)
	}

	require.Eventually(t, func() bool {
		return findLeader(nodes) != nil
	}, 2*time.Second, 10*time.Millisecond)

	leaders := 0
	term := uint64(0)
	for _, n := range nodes {
		s := n.Status()
		if s.State == Leader {
			leaders++
			term = s.Term
		}
	}
	require.Equal(t, 1, leaders)
	require.Greater(t, term, uint64(0))
}

func TestSubmitReplicatesAndAppliesOnAllNodes(t *testing.T) {
	ids := []string{"a", "b", "c"}
	nodes, machines, _ := newTestCluster(t, ids)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, n := range nodes {
		go n.Run(ctx)
	}

	require.Eventually(t, func() bool {
		return findLeader(nodes) != nil
	}, 2*time.Second, 10*time.Millisecond)

	leader := findLeader(nodes)
	require.NotNil(t, leader)

	subCtx, subCancel := context.WithTimeout(context.Background(), time.Second)
	defer subCancel()
	idx, result, err := leader.Submit(subCtx, []byte("set x=1"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), idx)
	require.Equal(t, 1, result)

	for id, m := range machines {
		require.Eventually(t, func() bool {
			applied := m.snapshotApplied()
			return len(applied) == 1 && string(applied[0]) == "set x=1"
		}, 2*time.Second, 10*time.Millisecond, "node %s did not apply the command", id)
	}
}

func TestSubmitOnFollowerReturnsNotLeaderError(t *testing.T) {
	ids := []string{"a", "b", "c"}
	nodes, _, _ := newTestCluster(t, ids)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, n := range nodes {
		go n.Run(ctx)
	}

	require.Eventually(t, func() bool {
		return findLeader(nodes) != nil
	}, 2*time.Second, 10*time.Millisecond)

	leader := findLeader(nodes)
	var follower *Node
	for id, n := range nodes {
		if id != leader.id {
			follower = n
			break
		}
	}
	require.NotNil(t, follower)

	_, _, err := follower.Submit(context.Background(), []byte("nope"))
	require.Error(t, err)
	var nle *NotLeaderError
	require.ErrorAs(t, err, &nle)
}
