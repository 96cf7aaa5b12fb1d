// Package coordinator implements the routing and cluster state kept by the
// coordinator. See doc.go for complete package documentation.
package coordinator

import (
	"cmp"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/shardwrite/internal/metadata"
	"github.com/dreamware/shardwrite/internal/shard"
)

// ShardAssignment represents the assignment of one shard of an index to a
// node in the cluster.
//
// Thread Safety:
// ShardAssignment values are immutable once created. The registry returns
// copies to prevent external modification.
//
// Example:
//
//	assignment := &ShardAssignment{
//	    Index:     "users",
//	    ShardID:   0,
//	    NodeID:    "node-1",
//	    IsPrimary: true,
//	}
type ShardAssignment struct {
	// Index is the index the shard belongs to: a table name, or a
	// partition index name for partitioned tables.
	Index string `json:"index"`

	// ShardID is the shard number within the index.
	// Valid range: [0, numShards of the index)
	ShardID int `json:"shard_id"`

	// NodeID identifies the node that owns this shard.
	// Must match a registered node's ID in the cluster.
	NodeID string `json:"node_id"`

	// IsPrimary indicates whether this is the primary or replica assignment.
	// Writes are routed to primaries only.
	IsPrimary bool `json:"primary"`
}

// indexShards is the routing table of one index.
type indexShards struct {
	numShards   int
	numReplicas int
	assignments map[int]*ShardAssignment
}

// ShardRegistry manages the shard-to-node assignments of every index in the
// cluster and is the authoritative source for write routing.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│              ShardRegistry               │
//	├──────────────────────────────────────────┤
//	│  indices: map[index]→{shards, table}     │
//	│  table:   map[shardID]→assignment        │
//	│  mu: RWMutex for thread safety           │
//	├──────────────────────────────────────────┤
//	│  (index, key) → xxh3 → shard → node      │
//	│  ("users", "42") → 0x9c1f… → 1 → node-2  │
//	└──────────────────────────────────────────┘
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - All returned data is copied to prevent races
//
// Performance Characteristics:
//   - NodeForShard: O(1) - Two map lookups
//   - GetShardForKey: O(k) - Hash of the key
//   - GetNodeShards: O(n) - Linear scan of all assignments
//   - RebalanceShards: O(n) - Updates all assignments
type ShardRegistry struct {
	// mu protects the indices map and every routing table in it.
	mu sync.RWMutex

	// indices maps index names to their routing tables. An index is
	// present from the moment it was created, even before any row was
	// written to it.
	indices map[string]*indexShards

	// created counts indices ever created; it rotates the first node of
	// new indices so small indices do not all start on the same node.
	created int
}

// NewShardRegistry creates an empty registry.
func NewShardRegistry() *ShardRegistry {
	return &ShardRegistry{
		indices: make(map[string]*indexShards),
	}
}

// CreateIndex registers an index and spreads its shards over nodes in
// round-robin order.
//
// Parameters:
//   - name: The index name (table name or partition index name)
//   - numShards: Number of shards (must be > 0)
//   - numReplicas: Number of replicas per shard (recorded, not yet placed)
//   - nodes: Node IDs to place the shards on (must not be empty)
//
// Returns:
//   - nil on success
//   - metadata.ErrIndexAlreadyExists if the index exists
//   - Error if the shard count is invalid or there are no nodes
//
// Example:
//
//	err := registry.CreateIndex("users", 4, 0, []string{"node-1", "node-2"})
//	if errors.Is(err, metadata.ErrIndexAlreadyExists) {
//	    // someone else created it first
//	}
func (r *ShardRegistry) CreateIndex(name string, numShards, numReplicas int, nodes []string) error {
	if name == "" {
		return errors.New("index name cannot be empty")
	}
	if numShards <= 0 {
		return fmt.Errorf("index %q: invalid shard count %d", name, numShards)
	}
	if len(nodes) == 0 {
		return fmt.Errorf("index %q: no nodes available", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.indices[name]; exists {
		return fmt.Errorf("%w: %s", metadata.ErrIndexAlreadyExists, name)
	}

	idx := &indexShards{
		numShards:   numShards,
		numReplicas: numReplicas,
		assignments: make(map[int]*ShardAssignment, numShards),
	}
	offset := r.created
	for shardID := 0; shardID < numShards; shardID++ {
		idx.assignments[shardID] = &ShardAssignment{
			Index:     name,
			ShardID:   shardID,
			NodeID:    nodes[(offset+shardID)%len(nodes)],
			IsPrimary: true,
		}
	}
	r.indices[name] = idx
	r.created++
	return nil
}

// HasIndex reports whether an index was created.
func (r *ShardRegistry) HasIndex(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.indices[name]
	return ok
}

// Indices returns the names of all indices, sorted.
func (r *ShardRegistry) Indices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.indices))
	for name := range r.indices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NumShards returns the shard count of an index, or 0 for unknown indices.
func (r *ShardRegistry) NumShards(index string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx, ok := r.indices[index]; ok {
		return idx.numShards
	}
	return 0
}

// AssignShard assigns a shard of an existing index to a node, overwriting
// any previous assignment.
//
// Use cases:
//   - Moving a shard away from a failed node
//   - Manual placement for maintenance
//
// Returns:
//   - nil on success
//   - Error if the index is unknown, the shard ID is out of range or the
//     node ID is empty
func (r *ShardRegistry) AssignShard(index string, shardID int, nodeID string, isPrimary bool) error {
	if nodeID == "" {
		return errors.New("node ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx, err := r.lookup(index, shardID)
	if err != nil {
		return err
	}
	idx.assignments[shardID] = &ShardAssignment{
		Index:     index,
		ShardID:   shardID,
		NodeID:    nodeID,
		IsPrimary: isPrimary,
	}
	return nil
}

// RemoveShard removes a shard assignment, making the shard unavailable for
// writes until it is reassigned. Removing an unassigned shard is not an error.
func (r *ShardRegistry) RemoveShard(index string, shardID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, err := r.lookup(index, shardID)
	if err != nil {
		return err
	}
	delete(idx.assignments, shardID)
	return nil
}

// lookup must be called with mu held.
func (r *ShardRegistry) lookup(index string, shardID int) (*indexShards, error) {
	idx, ok := r.indices[index]
	if !ok {
		return nil, fmt.Errorf("%w: %s", metadata.ErrIndexNotFound, index)
	}
	if shardID < 0 || shardID >= idx.numShards {
		return nil, fmt.Errorf("invalid shard ID %d for index %q, must be in range [0, %d)", shardID, index, idx.numShards)
	}
	return idx, nil
}

// GetAssignment returns a copy of the assignment of a shard, or nil if the
// index is unknown or the shard is unassigned.
func (r *ShardRegistry) GetAssignment(index string, shardID int) *ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.indices[index]
	if !ok {
		return nil
	}
	assignment := idx.assignments[shardID]
	if assignment == nil {
		return nil
	}
	copied := *assignment
	return &copied
}

// GetAllAssignments returns copies of all assignments, ordered by index and
// shard.
func (r *ShardRegistry) GetAllAssignments() []*ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*ShardAssignment
	for _, idx := range r.indices {
		for _, a := range idx.assignments {
			copied := *a
			out = append(out, &copied)
		}
	}
	slices.SortFunc(out, func(a, b *ShardAssignment) int {
		if c := cmp.Compare(a.Index, b.Index); c != 0 {
			return c
		}
		return cmp.Compare(a.ShardID, b.ShardID)
	})
	return out
}

// GetShardForKey returns the shard of index that owns a routing key.
// The mapping is the same one the write path uses, shard.ForKey.
func (r *ShardRegistry) GetShardForKey(index, key string) (int, error) {
	n := r.NumShards(index)
	if n == 0 {
		return 0, fmt.Errorf("%w: %s", metadata.ErrIndexNotFound, index)
	}
	return shard.ForKey(key, n), nil
}

// GetNodeForKey finds the node holding the shard that owns a routing key.
//
// Routing process:
//   - (index, key) → xxh3 → shard ID → node ID
func (r *ShardRegistry) GetNodeForKey(index, key string) (string, error) {
	shardID, err := r.GetShardForKey(index, key)
	if err != nil {
		return "", err
	}
	return r.NodeForShard(index, shardID)
}

// NodeForShard returns the node holding a shard. It is the Router used by
// the write path.
func (r *ShardRegistry) NodeForShard(index string, shardID int) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.indices[index]
	if !ok {
		return "", fmt.Errorf("%w: %s", metadata.ErrIndexNotFound, index)
	}
	assignment := idx.assignments[shardID]
	if assignment == nil {
		return "", fmt.Errorf("shard %d of index %q is not assigned to any node", shardID, index)
	}
	return assignment.NodeID, nil
}

// GetNodeShards returns copies of all assignments held by a node, ordered by
// index and shard.
//
// Use cases:
//   - Calculating per-node load
//   - Finding the shards affected by a node failure
func (r *ShardRegistry) GetNodeShards(nodeID string) []*ShardAssignment {
	var out []*ShardAssignment
	for _, a := range r.GetAllAssignments() {
		if a.NodeID == nodeID {
			out = append(out, a)
		}
	}
	return out
}

// RebalanceShards redistributes the shards of every index across nodes in
// round-robin order. Data is not moved; it is meant for clusters where
// nodes came back under new IDs or for tests.
//
// Returns:
//   - nil on success
//   - Error if nodes list is empty
func (r *ShardRegistry) RebalanceShards(nodes []string) error {
	if len(nodes) == 0 {
		return errors.New("cannot rebalance with no nodes")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for name, idx := range r.indices {
		for shardID := 0; shardID < idx.numShards; shardID++ {
			idx.assignments[shardID] = &ShardAssignment{
				Index:     name,
				ShardID:   shardID,
				NodeID:    nodes[shardID%len(nodes)],
				IsPrimary: true,
			}
		}
	}
	return nil
}
