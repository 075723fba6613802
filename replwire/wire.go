// Package replwire implements the replica wire protocol of spec §6:
// length-unprefixed, newline-free JSON objects over TCP, one request and
// one response per connection. It supplies raft.Transport (client side) and
// cluster.RPCClient (status/client_request), plus the server loop that
// dispatches an incoming request to a raft.Node. Grounded on
// original_source/09_consensus_store/raft_node.py's _serve/_handle/_process
// dispatch and _send_rpc client helper, reworked from per-call sockets with
// a hardcoded 65536-byte recv into net.Conn plus encoding/json's streaming
// Encoder/Decoder (no arbitrary receive-buffer cap) and context-bounded
// dial/round-trip deadlines.
package replwire

import (
	"encoding/json"

	"github.com/riftkv/riftkv/raft"
)

// request is the on-the-wire shape for every verb in §6's table; unused
// fields are omitted by each verb's construction path.
type request struct {
	Cmd string `json:"cmd"`

	// request_vote
	Term         uint64 `json:"term,omitempty"`
	CandidateID  string `json:"candidate_id,omitempty"`
	LastLogIndex uint64 `json:"last_log_index,omitempty"`
	LastLogTerm  uint64 `json:"last_log_term,omitempty"`

	// append_entries
	LeaderID     string       `json:"leader_id,omitempty"`
	PrevLogIndex uint64       `json:"prev_log_index,omitempty"`
	PrevLogTerm  uint64       `json:"prev_log_term,omitempty"`
	Entries      []raft.Entry `json:"entries,omitempty"`
	LeaderCommit uint64       `json:"leader_commit,omitempty"`

	// client_request
	Command json.RawMessage `json:"command,omitempty"`
}

// response is the on-the-wire shape for every verb's reply.
type response struct {
	OK bool `json:"ok"`

	// request_vote / append_entries
	Term        uint64 `json:"term,omitempty"`
	VoteGranted bool   `json:"vote_granted,omitempty"`
	Success     bool   `json:"success,omitempty"`

	// client_request
	Index    uint64          `json:"index,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	LeaderID string          `json:"leader_id,omitempty"`

	// status
	State       string `json:"state,omitempty"`
	CommitIndex uint64 `json:"commit_index,omitempty"`
	LastApplied uint64 `json:"last_applied,omitempty"`
	LogLength   uint64 `json:"log_length,omitempty"`
}
