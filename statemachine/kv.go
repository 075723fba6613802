package statemachine

import (
	"encoding/json"
	"fmt"
	"sync"
)

// KV is the reference key-value state machine: set, get, delete, and
// compare-and-swap, ported from KeyValueStateMachine.
type KV struct {
	mu          sync.Mutex
	data        map[string]string
	lastApplied uint64
}

// NewKV returns an empty KV machine.
func NewKV() *KV {
	return &KV{data: make(map[string]string)}
}

type kvCommand struct {
	Op       string `json:"op"`
	Key      string `json:"key"`
	Value    string `json:"value"`
	Expected string `json:"expected"`
}

// KVResult is the JSON shape returned for every KV command.
type KVResult struct {
	OK       bool   `json:"ok"`
	Value    string `json:"value,omitempty"`
	Found    bool   `json:"found,omitempty"`
	Swapped  bool   `json:"swapped,omitempty"`
	Current  string `json:"current,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Apply decodes cmd as a kvCommand and mutates the map accordingly.
func (m *KV) Apply(index uint64, cmd []byte) (interface{}, error) {
	var c kvCommand
	if err := json.Unmarshal(cmd, &c); err != nil {
		return nil, fmt.Errorf("statemachine: decode kv command: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var result KVResult
	switch c.Op {
	case "set":
		m.data[c.Key] = c.Value
		result = KVResult{OK: true}
	case "get":
		v, ok := m.data[c.Key]
		result = KVResult{OK: true, Value: v, Found: ok}
	case "delete":
		delete(m.data, c.Key)
		result = KVResult{OK: true}
	case "cas":
		current, ok := m.data[c.Key]
		if ok && current == c.Expected {
			m.data[c.Key] = c.Value
			result = KVResult{OK: true, Swapped: true}
		} else {
			result = KVResult{OK: true, Swapped: false, Current: current}
		}
	default:
		result = KVResult{OK: false, Error: "unknown operation"}
	}

	m.lastApplied = index
	return result, nil
}

type kvSnapshot struct {
	Data        map[string]string `json:"data"`
	LastApplied uint64            `json:"last_applied"`
}

// Snapshot captures the whole map plus last_applied.
func (m *KV) Snapshot() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := make(map[string]string, len(m.data))
	for k, v := range m.data {
		data[k] = v
	}
	return json.Marshal(kvSnapshot{Data: data, LastApplied: m.lastApplied})
}

// Restore replaces in-memory state from a snapshot previously produced by
// Snapshot.
func (m *KV) Restore(snap []byte) error {
	var s kvSnapshot
	if err := json.Unmarshal(snap, &s); err != nil {
		return fmt.Errorf("statemachine: decode kv snapshot: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Data == nil {
		s.Data = make(map[string]string)
	}
	m.data = s.Data
	m.lastApplied = s.LastApplied
	return nil
}

// LastApplied returns the index of the most recently applied entry.
func (m *KV) LastApplied() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastApplied
}

// Get is a direct (non-apply-path) read, used by read-only client requests
// that have already confirmed leadership (§4.8).
func (m *KV) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}
