package statemachine

import (
	"encoding/json"
	"fmt"
	"sync"
)

// LockRegistry is the named-lock reference state machine: acquire/release/
// status with a single holder per lock name, ported from LockStateMachine.
type LockRegistry struct {
	mu          sync.Mutex
	holders     map[string]string // lock name -> owner, "" or absent = free
	lastApplied uint64
}

// NewLockRegistry returns an empty lock registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{holders: make(map[string]string)}
}

type lockCommand struct {
	Op    string `json:"op"`
	Lock  string `json:"lock"`
	Owner string `json:"owner"`
}

// LockResult is the JSON shape returned for every lock command.
type LockResult struct {
	OK           bool   `json:"ok"`
	Acquired     bool   `json:"acquired,omitempty"`
	AlreadyHeld  bool   `json:"already_held,omitempty"`
	Holder       string `json:"holder,omitempty"`
	Released     bool   `json:"released,omitempty"`
	Lock         string `json:"lock,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Apply decodes cmd as a lockCommand and mutates the registry accordingly.
func (m *LockRegistry) Apply(index uint64, cmd []byte) (interface{}, error) {
	var c lockCommand
	if err := json.Unmarshal(cmd, &c); err != nil {
		return nil, fmt.Errorf("statemachine: decode lock command: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var result LockResult
	switch c.Op {
	case "acquire":
		holder, held := m.holders[c.Lock]
		switch {
		case !held || holder == "":
			m.holders[c.Lock] = c.Owner
			result = LockResult{OK: true, Acquired: true}
		case holder == c.Owner:
			result = LockResult{OK: true, Acquired: true, AlreadyHeld: true}
		default:
			result = LockResult{OK: true, Acquired: false, Holder: holder}
		}
	case "release":
		if m.holders[c.Lock] == c.Owner {
			m.holders[c.Lock] = ""
			result = LockResult{OK: true, Released: true}
		} else {
			result = LockResult{OK: false, Error: "not lock holder"}
		}
	case "status":
		result = LockResult{OK: true, Lock: c.Lock, Holder: m.holders[c.Lock]}
	default:
		result = LockResult{OK: false, Error: "unknown operation"}
	}

	m.lastApplied = index
	return result, nil
}

type lockSnapshot struct {
	Holders     map[string]string `json:"holders"`
	LastApplied uint64            `json:"last_applied"`
}

// Snapshot captures every lock's holder plus last_applied.
func (m *LockRegistry) Snapshot() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	holders := make(map[string]string, len(m.holders))
	for k, v := range m.holders {
		holders[k] = v
	}
	return json.Marshal(lockSnapshot{Holders: holders, LastApplied: m.lastApplied})
}

// Restore replaces in-memory state from a snapshot.
func (m *LockRegistry) Restore(snap []byte) error {
	var s lockSnapshot
	if err := json.Unmarshal(snap, &s); err != nil {
		return fmt.Errorf("statemachine: decode lock snapshot: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Holders == nil {
		s.Holders = make(map[string]string)
	}
	m.holders = s.Holders
	m.lastApplied = s.LastApplied
	return nil
}

// LastApplied returns the index of the most recently applied entry.
func (m *LockRegistry) LastApplied() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastApplied
}
