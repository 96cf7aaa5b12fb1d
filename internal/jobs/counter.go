// Package jobs bounds the number of bulk requests in flight to each node.
package jobs

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxPerNode is the in-flight ceiling used when none is configured.
const DefaultMaxPerNode = 5

// NodeJobsCounter tracks in-flight requests per node and enforces a ceiling.
// Acquire queues when a node is saturated; it never rejects.
type NodeJobsCounter struct {
	max   int64
	mu    sync.Mutex
	nodes map[string]*nodeSlots
}

type nodeSlots struct {
	sem      *semaphore.Weighted
	inFlight atomic.Int64
}

// NewNodeJobsCounter creates a counter allowing maxPerNode concurrent
// requests to each node. Values below 1 fall back to DefaultMaxPerNode.
func NewNodeJobsCounter(maxPerNode int) *NodeJobsCounter {
	if maxPerNode < 1 {
		maxPerNode = DefaultMaxPerNode
	}
	return &NodeJobsCounter{
		max:   int64(maxPerNode),
		nodes: make(map[string]*nodeSlots),
	}
}

func (c *NodeJobsCounter) slots(nodeID string) *nodeSlots {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.nodes[nodeID]
	if !ok {
		s = &nodeSlots{sem: semaphore.NewWeighted(c.max)}
		c.nodes[nodeID] = s
	}
	return s
}

// Slot is one acquired unit of a node's capacity.
type Slot struct {
	nodeID string
	s      *nodeSlots
	once   sync.Once
}

// Release returns the slot. Only the first call has an effect, so it is safe
// to defer Release and also call it early on a success path.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.s.inFlight.Add(-1)
		s.s.sem.Release(1)
	})
}

func (s *Slot) NodeID() string { return s.nodeID }

// Acquire blocks until a slot on nodeID is free or ctx is done.
func (c *NodeJobsCounter) Acquire(ctx context.Context, nodeID string) (*Slot, error) {
	s := c.slots(nodeID)
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	s.inFlight.Add(1)
	return &Slot{nodeID: nodeID, s: s}, nil
}

// TryAcquire takes a slot without blocking; ok is false when the node is saturated.
func (c *NodeJobsCounter) TryAcquire(nodeID string) (*Slot, bool) {
	s := c.slots(nodeID)
	if !s.sem.TryAcquire(1) {
		return nil, false
	}
	s.inFlight.Add(1)
	return &Slot{nodeID: nodeID, s: s}, true
}

// Current returns the number of requests in flight to nodeID.
func (c *NodeJobsCounter) Current(nodeID string) int {
	c.mu.Lock()
	s, ok := c.nodes[nodeID]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	return int(s.inFlight.Load())
}

// Max returns the per-node ceiling.
func (c *NodeJobsCounter) Max() int { return int(c.max) }
