// Package config aggregates every subsystem's tunables into one loadable
// root, matching the per-subsystem Config struct pattern used elsewhere
// (see storage.Config, raft.Config, segment.WithMaxSize): this package's
// Config is the thing cmd/riftnode decodes from a YAML file on disk and
// then fans out into each subsystem's own Config/Option set.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/riftkv/riftkv/mvcc"
	"github.com/riftkv/riftkv/raft"
	"github.com/riftkv/riftkv/segment"
	"github.com/riftkv/riftkv/storage"
)

// Config is the root configuration for a riftnode process: storage
// tunables, raft timing, and the default transaction isolation level.
type Config struct {
	NodeID string   `yaml:"node_id"`
	Peers  []string `yaml:"peers"`
	// BindAddr is the address this node's replwire server listens on, and
	// the address it advertises to peers dialing it back.
	BindAddr string `yaml:"bind_addr"`
	DataDir  string `yaml:"data_dir"`

	SegmentMaxSize     uint64 `yaml:"segment_max_size"`
	CompactionInterval Duration `yaml:"compaction_interval"`
	CompactionMinFiles int    `yaml:"compaction_min_files"`
	BloomSize          uint64 `yaml:"bloom_size"`
	BloomHashes        uint32 `yaml:"bloom_hashes"`
	MemtableSize       uint64 `yaml:"memtable_size"`

	ElectionTimeoutMin Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax Duration `yaml:"election_timeout_max"`
	HeartbeatInterval  Duration `yaml:"heartbeat_interval"`
	SnapshotThreshold  uint64   `yaml:"snapshot_threshold"`

	IsolationLevel string `yaml:"isolation_level"`
}

// Duration wraps time.Duration so YAML can decode the human-readable forms
// ("500ms", "2s") instead of raw nanosecond integers.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Default returns the configuration spec §9's defaults describe: a single
// standalone node with no peers, storage tunables matching
// storage.DefaultConfig and segment.DefaultMaxSize, and raft timing
// matching raft.DefaultConfig.
func Default() Config {
	storageDefaults := storage.DefaultConfig()
	return Config{
		NodeID:   "node-1",
		BindAddr: "127.0.0.1:7600",
		DataDir:  "./data",

		SegmentMaxSize:     storageDefaults.SegmentMaxSize,
		CompactionInterval: Duration(30 * time.Second),
		CompactionMinFiles: storageDefaults.CompactionMinFiles,
		BloomSize:          storageDefaults.BloomSize,
		BloomHashes:        storageDefaults.BloomHashes,
		MemtableSize:       segment.DefaultMaxSize,

		ElectionTimeoutMin: Duration(1500 * time.Millisecond),
		ElectionTimeoutMax: Duration(3000 * time.Millisecond),
		HeartbeatInterval:  Duration(500 * time.Millisecond),
		SnapshotThreshold:  1000,

		IsolationLevel: "snapshot",
	}
}

// Load reads and decodes a YAML config file, starting from Default so any
// field the file omits keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects a config that can't be turned into working subsystem
// configs: an unparseable isolation level, or a missing node identity.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: node_id must not be empty")
	}
	if _, err := mvcc.ParseIsolation(c.IsolationLevel); err != nil {
		return fmt.Errorf("config: isolation_level: %w", err)
	}
	if c.ElectionTimeoutMin > c.ElectionTimeoutMax {
		return fmt.Errorf("config: election_timeout_min must not exceed election_timeout_max")
	}
	return nil
}

// StorageConfig projects the root config down to storage.Config.
func (c Config) StorageConfig() storage.Config {
	return storage.Config{
		SegmentMaxSize:     c.SegmentMaxSize,
		CompactionMinFiles: c.CompactionMinFiles,
		BloomSize:          c.BloomSize,
		BloomHashes:        c.BloomHashes,
	}
}

// RaftConfig projects the root config down to raft.Config for this node,
// given its peer list (peer IDs are expected to double as dialable
// replwire addresses, by the convention package replwire documents).
func (c Config) RaftConfig() raft.Config {
	return raft.Config{
		ID:                 c.NodeID,
		Peers:              c.Peers,
		ElectionTimeoutMin: time.Duration(c.ElectionTimeoutMin),
		ElectionTimeoutMax: time.Duration(c.ElectionTimeoutMax),
		HeartbeatInterval:  time.Duration(c.HeartbeatInterval),
	}
}

// Isolation parses IsolationLevel, already validated non-error by Validate.
func (c Config) Isolation() mvcc.Isolation {
	iso, _ := mvcc.ParseIsolation(c.IsolationLevel)
	return iso
}
