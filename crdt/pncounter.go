// Package crdt sketches a PN-counter CRDT, grounded on
// original_source/PartitionFailures/node.py's PNCounterNode: per-node
// increment/decrement vectors merged by taking the pointwise max, so the
// counter converges regardless of merge order or duplicate delivery. CRDT
// replication is an external-collaborator concern per spec's Non-goals —
// this is a usable type, not a gossip/anti-entropy pipeline.
package crdt

import "sync"

// PNCounter is a positive-negative counter: each node tracks its own
// increment and decrement totals, and the counter's value is
// sum(increments) - sum(decrements) across all known nodes.
type PNCounter struct {
	mu         sync.Mutex
	nodeID     string
	increments map[string]uint64
	decrements map[string]uint64
}

// NewPNCounter returns a zero-valued counter identified as nodeID in its own
// increment/decrement vectors.
func NewPNCounter(nodeID string) *PNCounter {
	return &PNCounter{
		nodeID:     nodeID,
		increments: make(map[string]uint64),
		decrements: make(map[string]uint64),
	}
}

// Increment bumps this node's increment count by one and returns the new
// total value.
func (c *PNCounter) Increment() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.increments[c.nodeID]++
	return c.valueLocked()
}

// Decrement bumps this node's decrement count by one and returns the new
// total value.
func (c *PNCounter) Decrement() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decrements[c.nodeID]++
	return c.valueLocked()
}

// Value returns the current total: sum(increments) - sum(decrements).
func (c *PNCounter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valueLocked()
}

func (c *PNCounter) valueLocked() int64 {
	var total int64
	for _, v := range c.increments {
		total += int64(v)
	}
	for _, v := range c.decrements {
		total -= int64(v)
	}
	return total
}

// State is an immutable snapshot of a PNCounter's vectors, suitable for
// transmission to a peer for merging.
type State struct {
	Increments map[string]uint64
	Decrements map[string]uint64
}

// Snapshot returns a State a peer can Merge.
func (c *PNCounter) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	inc := make(map[string]uint64, len(c.increments))
	for k, v := range c.increments {
		inc[k] = v
	}
	dec := make(map[string]uint64, len(c.decrements))
	for k, v := range c.decrements {
		dec[k] = v
	}
	return State{Increments: inc, Decrements: dec}
}

// Merge folds a remote State into this counter by taking the pointwise
// maximum per node on both vectors — the standard G-counter/PN-counter join,
// idempotent and commutative so any delivery order converges.
func (c *PNCounter) Merge(remote State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for node, count := range remote.Increments {
		if count > c.increments[node] {
			c.increments[node] = count
		}
	}
	for node, count := range remote.Decrements {
		if count > c.decrements[node] {
			c.decrements[node] = count
		}
	}
}
