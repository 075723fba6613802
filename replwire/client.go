package replwire

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/riftkv/riftkv/cluster"
	"github.com/riftkv/riftkv/raft"
)

// DefaultDialTimeout bounds how long dialing a peer may take before the
// call is treated as a dropped message (§5).
const DefaultDialTimeout = 2 * time.Second

// Client issues one request per connection to a peer address, implementing
// both raft.Transport (peerID is the dialable address) and
// cluster.RPCClient.
type Client struct {
	dialTimeout time.Duration
}

// NewClient returns a Client with DefaultDialTimeout.
func NewClient() *Client {
	return &Client{dialTimeout: DefaultDialTimeout}
}

func (c *Client) roundTrip(ctx context.Context, addr string, req request) (response, error) {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return response{}, fmt.Errorf("replwire: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return response{}, fmt.Errorf("replwire: encode request to %s: %w", addr, err)
	}
	var resp response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return response{}, fmt.Errorf("replwire: decode response from %s: %w", addr, err)
	}
	return resp, nil
}

// RequestVote implements raft.Transport.
func (c *Client) RequestVote(ctx context.Context, peerID string, args raft.RequestVoteArgs) (raft.RequestVoteReply, error) {
	resp, err := c.roundTrip(ctx, peerID, request{
		Cmd:          "request_vote",
		Term:         args.Term,
		CandidateID:  args.CandidateID,
		LastLogIndex: args.LastLogIndex,
		LastLogTerm:  args.LastLogTerm,
	})
	if err != nil {
		return raft.RequestVoteReply{}, err
	}
	return raft.RequestVoteReply{Term: resp.Term, VoteGranted: resp.VoteGranted}, nil
}

// AppendEntries implements raft.Transport.
func (c *Client) AppendEntries(ctx context.Context, peerID string, args raft.AppendEntriesArgs) (raft.AppendEntriesReply, error) {
	resp, err := c.roundTrip(ctx, peerID, request{
		Cmd:          "append_entries",
		Term:         args.Term,
		LeaderID:     args.LeaderID,
		PrevLogIndex: args.PrevLogIndex,
		PrevLogTerm:  args.PrevLogTerm,
		Entries:      args.Entries,
		LeaderCommit: args.LeaderCommit,
	})
	if err != nil {
		return raft.AppendEntriesReply{}, err
	}
	return raft.AppendEntriesReply{Term: resp.Term, Success: resp.Success}, nil
}

// Status implements cluster.RPCClient.
func (c *Client) Status(ctx context.Context, addr string) (raft.Status, error) {
	resp, err := c.roundTrip(ctx, addr, request{Cmd: "status"})
	if err != nil {
		return raft.Status{}, err
	}
	return raft.Status{
		State:       parseState(resp.State),
		Term:        resp.Term,
		LeaderID:    resp.LeaderID,
		CommitIndex: resp.CommitIndex,
		LastApplied: resp.LastApplied,
		LogLength:   resp.LogLength,
	}, nil
}

// ClientRequest implements cluster.RPCClient.
func (c *Client) ClientRequest(ctx context.Context, addr string, cmd []byte) (cluster.ClientResponse, error) {
	resp, err := c.roundTrip(ctx, addr, request{Cmd: "client_request", Command: cmd})
	if err != nil {
		return cluster.ClientResponse{}, err
	}
	if !resp.OK && resp.Error == "not leader" {
		return cluster.ClientResponse{NotLeader: true, LeaderHint: resp.LeaderID}, nil
	}
	return cluster.ClientResponse{OK: resp.OK, Result: resp.Result, Error: resp.Error}, nil
}

func parseState(s string) raft.State {
	switch s {
	case "follower":
		return raft.Follower
	case "candidate":
		return raft.Candidate
	case "leader":
		return raft.Leader
	default:
		return raft.Follower
	}
}
