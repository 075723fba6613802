package statemachine

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// ConfigStore is a versioned key-value configuration machine supporting
// prefix listing and batched mutation, ported from ConfigStateMachine. Not
// named in the distilled key-value spec; carried over from
// original_source/09_consensus_store/state_machine.py as a supplemented
// feature, since a replicated config store is a natural Raft consumer.
type ConfigStore struct {
	mu          sync.Mutex
	data        map[string]string
	version     uint64
	lastApplied uint64
}

// NewConfigStore returns an empty config store at version 0.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{data: make(map[string]string)}
}

type configOp struct {
	Op    string `json:"op"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

type configCommand struct {
	Op     string     `json:"op"`
	Key    string     `json:"key"`
	Value  string     `json:"value"`
	Prefix string     `json:"prefix"`
	Ops    []configOp `json:"ops"`
}

// ConfigResult is the JSON shape returned for every config command.
type ConfigResult struct {
	OK      bool              `json:"ok"`
	Version uint64            `json:"version,omitempty"`
	Value   string            `json:"value,omitempty"`
	Found   bool              `json:"found,omitempty"`
	Config  map[string]string `json:"config,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Apply decodes cmd as a configCommand and mutates the store accordingly.
func (m *ConfigStore) Apply(index uint64, cmd []byte) (interface{}, error) {
	var c configCommand
	if err := json.Unmarshal(cmd, &c); err != nil {
		return nil, fmt.Errorf("statemachine: decode config command: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var result ConfigResult
	switch c.Op {
	case "set":
		m.data[c.Key] = c.Value
		m.version++
		result = ConfigResult{OK: true, Version: m.version}
	case "get":
		v, ok := m.data[c.Key]
		result = ConfigResult{OK: true, Value: v, Found: ok, Version: m.version}
	case "delete":
		delete(m.data, c.Key)
		m.version++
		result = ConfigResult{OK: true, Version: m.version}
	case "list":
		matching := make(map[string]string)
		for k, v := range m.data {
			if strings.HasPrefix(k, c.Prefix) {
				matching[k] = v
			}
		}
		result = ConfigResult{OK: true, Config: matching, Version: m.version}
	case "batch":
		for _, item := range c.Ops {
			switch item.Op {
			case "set":
				m.data[item.Key] = item.Value
			case "delete":
				delete(m.data, item.Key)
			}
		}
		m.version++
		result = ConfigResult{OK: true, Version: m.version}
	default:
		result = ConfigResult{OK: false, Error: "unknown operation"}
	}

	m.lastApplied = index
	return result, nil
}

type configSnapshot struct {
	Data        map[string]string `json:"data"`
	Version     uint64            `json:"version"`
	LastApplied uint64            `json:"last_applied"`
}

// Snapshot captures the whole config map, version, and last_applied.
func (m *ConfigStore) Snapshot() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := make(map[string]string, len(m.data))
	for k, v := range m.data {
		data[k] = v
	}
	return json.Marshal(configSnapshot{Data: data, Version: m.version, LastApplied: m.lastApplied})
}

// Restore replaces in-memory state from a snapshot.
func (m *ConfigStore) Restore(snap []byte) error {
	var s configSnapshot
	if err := json.Unmarshal(snap, &s); err != nil {
		return fmt.Errorf("statemachine: decode config snapshot: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Data == nil {
		s.Data = make(map[string]string)
	}
	m.data = s.Data
	m.version = s.Version
	m.lastApplied = s.LastApplied
	return nil
}

// LastApplied returns the index of the most recently applied entry.
func (m *ConfigStore) LastApplied() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastApplied
}
