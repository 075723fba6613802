// Package raft implements the consensus node of §4.8 (C8): leader election,
// log replication, and commit-index advancement over the persistent log in
// package internal/raftlog. Wire format and RPC transport are left to the
// caller via the Transport interface (package replwire supplies one), so
// this package never imports net or encoding/json directly, keeping log
// mechanics separate from wire transport.
package raft

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/riftkv/riftkv/internal/raftlog"
	"github.com/riftkv/riftkv/internal/raftlog/metadb"
)

// State is a raft node's role.
type State int

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Entry is a replicated log entry, aliasing the persistent log's own type so
// callers never have to convert between the two.
type Entry = raftlog.Entry

// RequestVoteArgs is the request_vote RPC request (§6).
type RequestVoteArgs struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteReply is the request_vote RPC response.
type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesArgs is the append_entries RPC request (§6).
type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []Entry
	LeaderCommit uint64
}

// AppendEntriesReply is the append_entries RPC response.
type AppendEntriesReply struct {
	Term    uint64
	Success bool
}

// Transport sends RPCs to a named peer. Implementations own dialing,
// encoding, and deadlines; a failed or timed-out call must return a non-nil
// error so the caller treats it as a dropped message (§5).
type Transport interface {
	RequestVote(ctx context.Context, peerID string, args RequestVoteArgs) (RequestVoteReply, error)
	AppendEntries(ctx context.Context, peerID string, args AppendEntriesArgs) (AppendEntriesReply, error)
}

// ApplyFunc applies a committed command to the state machine and returns its
// result (§4.9). It must be deterministic and side-effect-free beyond the
// state machine itself.
type ApplyFunc func(cmd []byte) (interface{}, error)

// NotLeaderError is returned by Submit when this node cannot accept client
// requests; LeaderID is a hint for the caller to redirect to, empty if
// unknown.
type NotLeaderError struct {
	LeaderID string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return "raft: not leader, leader unknown"
	}
	return fmt.Sprintf("raft: not leader, redirect to %s", e.LeaderID)
}

// Config configures a Node.
type Config struct {
	ID                 string
	Peers              []string // peer IDs, excluding this node's own ID
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	Logger             log.Logger
	Metrics            *Metrics

	// InitialApplied seeds commitIndex/lastApplied after a snapshot restore
	// (statemachine.Supervisor.Restore returns the value to pass here) so the
	// apply loop doesn't try to replay entries the log truncated away.
	InitialApplied uint64
}

// DefaultConfig fills in the timing defaults from spec §4.8.
func DefaultConfig(id string, peers []string) Config {
	return Config{
		ID:                 id,
		Peers:              peers,
		ElectionTimeoutMin: 1500 * time.Millisecond,
		ElectionTimeoutMax: 3000 * time.Millisecond,
		HeartbeatInterval:  500 * time.Millisecond,
	}
}

type applyResult struct {
	result interface{}
	err    error
}

// Node is one raft peer.
type Node struct {
	mu sync.Mutex

	id    string
	peers []string

	log       *raftlog.Log
	transport Transport
	applyFn   ApplyFunc
	logger    log.Logger
	metrics   *Metrics

	electionTimeoutMin, electionTimeoutMax, heartbeatInterval time.Duration

	state       State
	currentTerm uint64
	votedFor    string
	leaderID    string
	commitIndex uint64
	lastApplied uint64

	nextIndex  map[string]uint64
	matchIndex map[string]uint64
	notify     map[string]chan struct{}

	waiters map[uint64]chan applyResult

	resetElectionCh chan struct{}
	applyCh         chan struct{}
	leaderStopCh    chan struct{}

	running bool
}

// NewNode constructs a Node over an already-opened persistent log, recovering
// current_term/voted_for from it.
func NewNode(cfg Config, plog *raftlog.Log, transport Transport, applyFn ApplyFunc) (*Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	hs, err := plog.HardState()
	if err != nil {
		return nil, fmt.Errorf("raft: load hard state: %w", err)
	}
	n := &Node{
		id:                 cfg.ID,
		peers:              append([]string(nil), cfg.Peers...),
		log:                plog,
		transport:          transport,
		applyFn:            applyFn,
		logger:             cfg.Logger,
		metrics:            cfg.Metrics,
		electionTimeoutMin: cfg.ElectionTimeoutMin,
		electionTimeoutMax: cfg.ElectionTimeoutMax,
		heartbeatInterval:  cfg.HeartbeatInterval,
		state:              Follower,
		currentTerm:        hs.CurrentTerm,
		votedFor:           hs.VotedFor,
		commitIndex:        cfg.InitialApplied,
		lastApplied:        cfg.InitialApplied,
		waiters:            make(map[uint64]chan applyResult),
		resetElectionCh:    make(chan struct{}, 1),
		applyCh:            make(chan struct{}, 1),
	}
	return n, nil
}

// Run drives the election timer and apply loop until ctx is cancelled.
func (n *Node) Run(ctx context.Context) {
	n.mu.Lock()
	n.running = true
	n.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); n.electionLoop(ctx) }()
	go func() { defer wg.Done(); n.applyLoop(ctx) }()
	wg.Wait()
}

func (n *Node) randomElectionTimeout() time.Duration {
	span := n.electionTimeoutMax - n.electionTimeoutMin
	if span <= 0 {
		return n.electionTimeoutMin
	}
	return n.electionTimeoutMin + time.Duration(rand.Int63n(int64(span)))
}

func (n *Node) signalElectionReset() {
	select {
	case n.resetElectionCh <- struct{}{}:
	default:
	}
}

func (n *Node) signalApply() {
	select {
	case n.applyCh <- struct{}{}:
	default:
	}
}

func (n *Node) electionLoop(ctx context.Context) {
	timer := time.NewTimer(n.randomElectionTimeout())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.resetElectionCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(n.randomElectionTimeout())
		case <-timer.C:
			n.mu.Lock()
			isLeader := n.state == Leader
			n.mu.Unlock()
			if !isLeader {
				n.startElection(ctx)
			}
			timer.Reset(n.randomElectionTimeout())
		}
	}
}

// termAtLocked returns the term of the entry at idx, or 0 if idx is 0 or
// unknown (e.g. compacted away).
func (n *Node) termAtLocked(idx uint64) uint64 {
	if idx == 0 {
		return 0
	}
	e, err := n.log.GetEntry(idx)
	if err != nil {
		return 0
	}
	return e.Term
}

func (n *Node) persistHardStateLocked() {
	err := n.log.SaveHardState(metadb.HardState{CurrentTerm: n.currentTerm, VotedFor: n.votedFor})
	if err != nil {
		level.Error(n.logger).Log("msg", "failed to persist hard state", "err", err)
	}
}

// becomeFollowerLocked transitions to Follower. If term is newer, the vote is
// cleared (election safety); if this node was Leader, its replication
// goroutines are signalled to stop.
func (n *Node) becomeFollowerLocked(term uint64, leaderID string) {
	if term > n.currentTerm {
		n.currentTerm = term
		n.votedFor = ""
	}
	if n.state == Leader && n.leaderStopCh != nil {
		close(n.leaderStopCh)
		n.leaderStopCh = nil
	}
	n.state = Follower
	if leaderID != "" {
		n.leaderID = leaderID
	}
	n.persistHardStateLocked()
}

func (n *Node) startElection(ctx context.Context) {
	n.mu.Lock()
	n.state = Candidate
	n.currentTerm++
	n.votedFor = n.id
	n.leaderID = ""
	term := n.currentTerm
	n.persistHardStateLocked()
	lastIdx := n.log.LastIndex()
	lastTerm := n.termAtLocked(lastIdx)
	peers := append([]string(nil), n.peers...)
	n.mu.Unlock()

	n.metrics.electionsStarted.Inc()
	level.Info(n.logger).Log("msg", "starting election", "term", term)

	if len(peers) == 0 {
		n.mu.Lock()
		if n.state == Candidate && n.currentTerm == term {
			n.becomeLeaderLocked(ctx)
		}
		n.mu.Unlock()
		return
	}

	args := RequestVoteArgs{Term: term, CandidateID: n.id, LastLogIndex: lastIdx, LastLogTerm: lastTerm}
	votesCh := make(chan bool, len(peers))
	for _, p := range peers {
		go func(peer string) {
			rctx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			reply, err := n.transport.RequestVote(rctx, peer, args)
			if err != nil {
				votesCh <- false
				return
			}
			n.mu.Lock()
			if reply.Term > n.currentTerm {
				n.becomeFollowerLocked(reply.Term, "")
				n.mu.Unlock()
				votesCh <- false
				return
			}
			n.mu.Unlock()
			votesCh <- reply.VoteGranted
		}(p)
	}

	votes := 1
	for i := 0; i < len(peers); i++ {
		if <-votesCh {
			votes++
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != Candidate || n.currentTerm != term {
		return // a newer term or a completed election overtook us
	}
	if votes*2 > len(peers)+1 {
		n.becomeLeaderLocked(ctx)
	}
}

// becomeLeaderLocked promotes this node and starts one replication goroutine
// per peer (§4.8's "begin heartbeats").
func (n *Node) becomeLeaderLocked(ctx context.Context) {
	n.state = Leader
	n.leaderID = n.id
	last := n.log.LastIndex()

	n.nextIndex = make(map[string]uint64, len(n.peers))
	n.matchIndex = make(map[string]uint64, len(n.peers))
	n.notify = make(map[string]chan struct{}, len(n.peers))
	n.leaderStopCh = make(chan struct{})

	level.Info(n.logger).Log("msg", "won election", "term", n.currentTerm)
	n.metrics.leadershipChanges.Inc()

	stopCh := n.leaderStopCh
	for _, p := range n.peers {
		n.nextIndex[p] = last + 1
		n.matchIndex[p] = 0
		notifyCh := make(chan struct{}, 1)
		n.notify[p] = notifyCh
		go n.replicationLoop(ctx, p, n.currentTerm, stopCh, notifyCh)
	}
}

func (n *Node) replicationLoop(ctx context.Context, peer string, term uint64, stopCh <-chan struct{}, notifyCh <-chan struct{}) {
	ticker := time.NewTicker(n.heartbeatInterval)
	defer ticker.Stop()

	n.sendAppendEntries(ctx, peer, term)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-notifyCh:
			n.sendAppendEntries(ctx, peer, term)
		case <-ticker.C:
			n.sendAppendEntries(ctx, peer, term)
		}
	}
}

func (n *Node) sendAppendEntries(ctx context.Context, peer string, term uint64) {
	n.mu.Lock()
	if n.state != Leader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	next := n.nextIndex[peer]
	if next == 0 {
		next = 1
	}
	prevIdx := next - 1
	prevTerm := n.termAtLocked(prevIdx)

	last := n.log.LastIndex()
	var entries []Entry
	for i := next; i <= last; i++ {
		e, err := n.log.GetEntry(i)
		if err != nil {
			break
		}
		entries = append(entries, e)
	}
	args := AppendEntriesArgs{
		Term:         term,
		LeaderID:     n.id,
		PrevLogIndex: prevIdx,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}
	n.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	reply, err := n.transport.AppendEntries(rctx, peer, args)
	if err != nil {
		return
	}
	n.metrics.appendEntriesSent.Inc()

	n.mu.Lock()
	defer n.mu.Unlock()
	if reply.Term > n.currentTerm {
		n.becomeFollowerLocked(reply.Term, "")
		return
	}
	if n.state != Leader || n.currentTerm != term {
		return
	}
	if reply.Success {
		if len(entries) > 0 {
			n.matchIndex[peer] = entries[len(entries)-1].Index
			n.nextIndex[peer] = n.matchIndex[peer] + 1
			n.updateCommitIndexLocked()
		}
	} else if n.nextIndex[peer] > 1 {
		n.nextIndex[peer]--
	}
}

// updateCommitIndexLocked implements §4.8's commit-advancement rule,
// including Figure 8 safety: an index only advances commitIndex if the entry
// at that index was proposed in the current term.
func (n *Node) updateCommitIndexLocked() {
	last := n.log.LastIndex()
	for N := n.commitIndex + 1; N <= last; N++ {
		e, err := n.log.GetEntry(N)
		if err != nil || e.Term != n.currentTerm {
			continue
		}
		count := 1 // self
		for _, p := range n.peers {
			if n.matchIndex[p] >= N {
				count++
			}
		}
		if count*2 > len(n.peers)+1 {
			n.commitIndex = N
		}
	}
	n.signalApply()
}

func (n *Node) applyLoop(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.applyCh:
		case <-ticker.C:
		}
		n.drainApply()
	}
}

func (n *Node) drainApply() {
	for {
		n.mu.Lock()
		if n.lastApplied >= n.commitIndex {
			n.mu.Unlock()
			return
		}
		n.lastApplied++
		idx := n.lastApplied
		e, getErr := n.log.GetEntry(idx)
		waiter := n.waiters[idx]
		delete(n.waiters, idx)
		n.mu.Unlock()

		var result interface{}
		var err error
		if getErr != nil {
			err = getErr
		} else {
			result, err = n.applyFn(e.Data)
		}
		if err != nil {
			level.Error(n.logger).Log("msg", "apply failed", "index", idx, "err", err)
		}
		n.metrics.entriesApplied.Inc()
		if waiter != nil {
			waiter <- applyResult{result: result, err: err}
		}
	}
}

// Submit appends cmd to the leader's log and blocks until it has been
// replicated to a majority and applied, or ctx is done. Returns
// NotLeaderError if this node isn't the leader.
func (n *Node) Submit(ctx context.Context, cmd []byte) (uint64, interface{}, error) {
	n.mu.Lock()
	if n.state != Leader {
		leader := n.leaderID
		n.mu.Unlock()
		return 0, nil, &NotLeaderError{LeaderID: leader}
	}
	idx := n.log.LastIndex() + 1
	entry := Entry{Index: idx, Term: n.currentTerm, Data: cmd}
	if err := n.log.StoreEntries([]Entry{entry}); err != nil {
		n.mu.Unlock()
		return 0, nil, err
	}
	ch := make(chan applyResult, 1)
	n.waiters[idx] = ch
	for _, notifyCh := range n.notify {
		select {
		case notifyCh <- struct{}{}:
		default:
		}
	}
	if len(n.peers) == 0 {
		n.updateCommitIndexLocked()
	}
	n.mu.Unlock()

	select {
	case res := <-ch:
		return idx, res.result, res.err
	case <-ctx.Done():
		return idx, nil, ctx.Err()
	}
}

// HandleRequestVote is the receiver side of the request_vote RPC.
func (n *Node) HandleRequestVote(args RequestVoteArgs) RequestVoteReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term > n.currentTerm {
		n.becomeFollowerLocked(args.Term, "")
	}
	if args.Term < n.currentTerm {
		return RequestVoteReply{Term: n.currentTerm, VoteGranted: false}
	}

	lastIdx := n.log.LastIndex()
	lastTerm := n.termAtLocked(lastIdx)
	upToDate := args.LastLogTerm > lastTerm ||
		(args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIdx)

	granted := false
	if (n.votedFor == "" || n.votedFor == args.CandidateID) && upToDate {
		n.votedFor = args.CandidateID
		n.persistHardStateLocked()
		n.signalElectionReset()
		granted = true
	}
	return RequestVoteReply{Term: n.currentTerm, VoteGranted: granted}
}

// HandleAppendEntries is the receiver side of the append_entries RPC.
func (n *Node) HandleAppendEntries(args AppendEntriesArgs) AppendEntriesReply {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term < n.currentTerm {
		return AppendEntriesReply{Term: n.currentTerm, Success: false}
	}
	if args.Term > n.currentTerm || n.state != Follower {
		n.becomeFollowerLocked(args.Term, args.LeaderID)
	}
	n.leaderID = args.LeaderID
	n.signalElectionReset()

	if args.PrevLogIndex > 0 {
		last := n.log.LastIndex()
		if last < args.PrevLogIndex {
			return AppendEntriesReply{Term: n.currentTerm, Success: false}
		}
		prevEntry, err := n.log.GetEntry(args.PrevLogIndex)
		if err != nil || prevEntry.Term != args.PrevLogTerm {
			if args.PrevLogIndex > 0 {
				_ = n.log.TruncateBack(args.PrevLogIndex - 1)
			}
			return AppendEntriesReply{Term: n.currentTerm, Success: false}
		}
	}

	appendFrom := -1
	for i, e := range args.Entries {
		if e.Index > n.log.LastIndex() {
			appendFrom = i
			break
		}
		existing, err := n.log.GetEntry(e.Index)
		if err != nil || existing.Term != e.Term {
			if e.Index > 0 {
				_ = n.log.TruncateBack(e.Index - 1)
			}
			appendFrom = i
			break
		}
	}
	if appendFrom >= 0 {
		if err := n.log.StoreEntries(args.Entries[appendFrom:]); err != nil {
			level.Error(n.logger).Log("msg", "failed to store replicated entries", "err", err)
			return AppendEntriesReply{Term: n.currentTerm, Success: false}
		}
	}

	lastNew := args.PrevLogIndex + uint64(len(args.Entries))
	if args.LeaderCommit > n.commitIndex {
		if args.LeaderCommit < lastNew {
			n.commitIndex = args.LeaderCommit
		} else {
			n.commitIndex = lastNew
		}
		n.signalApply()
	}
	return AppendEntriesReply{Term: n.currentTerm, Success: true}
}

// Status is a point-in-time snapshot of node state, used for the status RPC
// and cluster.Status aggregation.
type Status struct {
	ID          string
	State       State
	Term        uint64
	LeaderID    string
	CommitIndex uint64
	LastApplied uint64
	LogLength   uint64
}

// Status reports the node's current state.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{
		ID:          n.id,
		State:       n.state,
		Term:        n.currentTerm,
		LeaderID:    n.leaderID,
		CommitIndex: n.commitIndex,
		LastApplied: n.lastApplied,
		LogLength:   n.log.LastIndex(),
	}
}

// ErrShuttingDown is returned by in-flight operations when the node is being
// torn down.
var ErrShuttingDown = errors.New("raft: node shutting down")
