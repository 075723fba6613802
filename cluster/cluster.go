// Package cluster is the consensus glue above a single raft.Node (C10):
// a peer map, client request rerouting to whichever peer is currently
// leader, and status aggregation across the whole group. Grounded on
// original_source/ConsensusStore/cluster.py's ConsensusCluster/
// ConsensusClient — the same find-the-leader-then-cache-it dance, reworked
// from Python socket round-trips into an RPCClient seam so package cluster
// never dials peers or encodes requests itself, the same separation raft
// draws for its own Transport.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/riftkv/riftkv/raft"
)

// PeerInfo identifies one cluster member by ID and dialable address.
type PeerInfo struct {
	ID   string
	Addr string
}

// ClientResponse is the client_request RPC's response shape (§6): either a
// state machine result, or an error — NotLeader carries a redirect hint the
// same way raft.NotLeaderError does.
type ClientResponse struct {
	OK         bool
	Result     json.RawMessage
	Error      string
	NotLeader  bool
	LeaderHint string
}

// RPCClient reaches a single peer by address. Implementations own dialing,
// encoding, and deadlines (package replwire supplies one); a dropped or
// timed-out call must return a non-nil error.
type RPCClient interface {
	Status(ctx context.Context, addr string) (raft.Status, error)
	ClientRequest(ctx context.Context, addr string, cmd []byte) (ClientResponse, error)
}

// Cluster is a read side above N peers: it doesn't run consensus itself,
// it just knows how to find the current leader and fan status queries out
// to everyone.
type Cluster struct {
	mu     sync.Mutex
	peers  []PeerInfo
	client RPCClient
	logger log.Logger

	leaderAddr string // cached, cleared on a NotLeader response
}

// New returns a Cluster over the given peers, queried through client.
func New(peers []PeerInfo, client RPCClient, logger log.Logger) *Cluster {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Cluster{peers: append([]PeerInfo(nil), peers...), client: client, logger: logger}
}

// PeerStatus pairs a peer with its queried status, or an error if it
// couldn't be reached.
type PeerStatus struct {
	Peer   PeerInfo
	Status raft.Status
	Err    error
}

// Status fans a status query out to every known peer and returns one result
// per peer, in peer-list order. Unreachable peers get a non-nil Err rather
// than aborting the whole call — a partial view is still useful (§S5).
func (c *Cluster) Status(ctx context.Context) []PeerStatus {
	c.mu.Lock()
	peers := append([]PeerInfo(nil), c.peers...)
	c.mu.Unlock()

	results := make([]PeerStatus, len(peers))
	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Add(1)
		go func(i int, p PeerInfo) {
			defer wg.Done()
			st, err := c.client.Status(ctx, p.Addr)
			results[i] = PeerStatus{Peer: p, Status: st, Err: err}
		}(i, p)
	}
	wg.Wait()
	return results
}

// FindLeader queries peers (cached leader address first) until one reports
// itself as Leader, caching its address for subsequent calls.
func (c *Cluster) FindLeader(ctx context.Context) (PeerInfo, error) {
	c.mu.Lock()
	cached := c.leaderAddr
	peers := append([]PeerInfo(nil), c.peers...)
	c.mu.Unlock()

	if cached != "" {
		for _, p := range peers {
			if p.Addr == cached {
				if st, err := c.client.Status(ctx, p.Addr); err == nil && st.State == raft.Leader {
					return p, nil
				}
				break
			}
		}
	}

	for _, p := range peers {
		st, err := c.client.Status(ctx, p.Addr)
		if err != nil {
			level.Debug(c.logger).Log("msg", "status query failed during leader search", "peer", p.ID, "err", err)
			continue
		}
		if st.State == raft.Leader {
			c.mu.Lock()
			c.leaderAddr = p.Addr
			c.mu.Unlock()
			return p, nil
		}
	}
	return PeerInfo{}, fmt.Errorf("cluster: no leader found among %d peers", len(peers))
}

// Submit routes cmd to the current leader, retrying once against a freshly
// discovered leader if the cached one redirects (mirrors ConsensusClient's
// clear-cache-and-retry behavior on a "not leader" response).
func (c *Cluster) Submit(ctx context.Context, cmd []byte) (ClientResponse, error) {
	leader, err := c.FindLeader(ctx)
	if err != nil {
		return ClientResponse{}, err
	}

	resp, err := c.client.ClientRequest(ctx, leader.Addr, cmd)
	if err != nil {
		return ClientResponse{}, err
	}
	if !resp.NotLeader {
		return resp, nil
	}

	c.mu.Lock()
	c.leaderAddr = ""
	c.mu.Unlock()

	leader, err = c.FindLeader(ctx)
	if err != nil {
		return ClientResponse{}, err
	}
	return c.client.ClientRequest(ctx, leader.Addr, cmd)
}

// Peers returns a copy of the known peer list.
func (c *Cluster) Peers() []PeerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PeerInfo(nil), c.peers...)
}
