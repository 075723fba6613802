package statemachine

import (
	"encoding/json"
	"fmt"
	"sync"
)

type leaderEntry struct {
	Leader string `json:"leader"`
	Term   uint64 `json:"term"`
}

// LeaderElection is the reference leader-election registry: campaign,
// resign, heartbeat, and get_leader per named group, ported from
// LeaderElectionStateMachine.
type LeaderElection struct {
	mu          sync.Mutex
	groups      map[string]*leaderEntry
	lastApplied uint64
}

// NewLeaderElection returns an empty leader-election registry.
func NewLeaderElection() *LeaderElection {
	return &LeaderElection{groups: make(map[string]*leaderEntry)}
}

type electionCommand struct {
	Op    string `json:"op"`
	Group string `json:"group"`
	Node  string `json:"node"`
}

// ElectionResult is the JSON shape returned for every election command.
type ElectionResult struct {
	OK            bool   `json:"ok"`
	Elected       bool   `json:"elected,omitempty"`
	Term          uint64 `json:"term,omitempty"`
	CurrentLeader string `json:"current_leader,omitempty"`
	Resigned      bool   `json:"resigned,omitempty"`
	Renewed       bool   `json:"renewed,omitempty"`
	Leader        string `json:"leader,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Apply decodes cmd as an electionCommand and mutates the group registry.
func (m *LeaderElection) Apply(index uint64, cmd []byte) (interface{}, error) {
	var c electionCommand
	if err := json.Unmarshal(cmd, &c); err != nil {
		return nil, fmt.Errorf("statemachine: decode election command: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var result ElectionResult
	switch c.Op {
	case "campaign":
		current, exists := m.groups[c.Group]
		switch {
		case !exists:
			m.groups[c.Group] = &leaderEntry{Leader: c.Node, Term: 1}
			result = ElectionResult{OK: true, Elected: true, Term: 1}
		case current.Leader == "":
			current.Term++
			current.Leader = c.Node
			result = ElectionResult{OK: true, Elected: true, Term: current.Term}
		default:
			result = ElectionResult{OK: true, Elected: false, CurrentLeader: current.Leader}
		}
	case "resign":
		current, exists := m.groups[c.Group]
		if exists && current.Leader == c.Node {
			current.Leader = ""
			result = ElectionResult{OK: true, Resigned: true}
		} else {
			result = ElectionResult{OK: false, Error: "not the leader"}
		}
	case "heartbeat":
		current, exists := m.groups[c.Group]
		if exists && current.Leader == c.Node {
			result = ElectionResult{OK: true, Renewed: true}
		} else {
			result = ElectionResult{OK: false, Error: "not the leader"}
		}
	case "get_leader":
		if current, exists := m.groups[c.Group]; exists {
			result = ElectionResult{OK: true, Leader: current.Leader, Term: current.Term}
		} else {
			result = ElectionResult{OK: true}
		}
	default:
		result = ElectionResult{OK: false, Error: "unknown operation"}
	}

	m.lastApplied = index
	return result, nil
}

type leaderElectionSnapshot struct {
	Groups      map[string]*leaderEntry `json:"groups"`
	LastApplied uint64                  `json:"last_applied"`
}

// Snapshot captures every group's leader/term plus last_applied.
func (m *LeaderElection) Snapshot() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	groups := make(map[string]*leaderEntry, len(m.groups))
	for k, v := range m.groups {
		cp := *v
		groups[k] = &cp
	}
	return json.Marshal(leaderElectionSnapshot{Groups: groups, LastApplied: m.lastApplied})
}

// Restore replaces in-memory state from a snapshot.
func (m *LeaderElection) Restore(snap []byte) error {
	var s leaderElectionSnapshot
	if err := json.Unmarshal(snap, &s); err != nil {
		return fmt.Errorf("statemachine: decode election snapshot: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Groups == nil {
		s.Groups = make(map[string]*leaderEntry)
	}
	m.groups = s.Groups
	m.lastApplied = s.LastApplied
	return nil
}

// LastApplied returns the index of the most recently applied entry.
func (m *LeaderElection) LastApplied() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastApplied
}
