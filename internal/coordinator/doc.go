// Package coordinator holds the cluster state the coordinator needs to route
// bulk writes: which shards each index has, which node owns each shard, and
// which nodes are alive and at what version.
//
// # Overview
//
// The coordinator is the control plane of a shardwrite cluster. Clients send
// rows to it; the write path in internal/indexing resolves every row to an
// (index, shard) pair and asks this package which node owns that shard.
// Storage nodes register with the coordinator and are probed periodically.
//
// # Architecture
//
//	┌─────────────────────────────────────────┐
//	│              COORDINATOR                │
//	├─────────────────────────────────────────┤
//	│  ┌───────────────────────────────────┐  │
//	│  │ ShardRegistry                     │  │
//	│  │  index → shard → node             │  │
//	│  │  xxh3(routing) mod shards         │  │
//	│  └───────────────────────────────────┘  │
//	│  ┌───────────────────────────────────┐  │
//	│  │ IndexService                      │  │
//	│  │  creates indices on live nodes    │  │
//	│  │  Router for the write path        │  │
//	│  └───────────────────────────────────┘  │
//	│  ┌───────────────────────────────────┐  │
//	│  │ HealthMonitor                     │  │
//	│  │  /health probes, 3 strikes        │  │
//	│  │  oldest node version              │  │
//	│  └───────────────────────────────────┘  │
//	└─────────────────────────────────────────┘
//
// # Core Components
//
// ShardRegistry: Authoritative routing table
//   - One table per index; partitioned tables get one index per partition
//   - Shards are spread round-robin when an index is created
//   - Shard for a routing key uses shard.ForKey, the same function nodes use
//
// IndexService: Index lifecycle on top of the registry
//   - Implements the IndexLifecycle interface of the write path
//   - Reports metadata.ErrIndexAlreadyExists for concurrent creators
//
// HealthMonitor: Node liveness and versions
//   - Probes each node's /health endpoint concurrently every interval
//   - Marks nodes unhealthy after three consecutive failures
//   - MinNodeVersion feeds the version gate that picks the insert wire format
//
// # Write Routing
//
//	row ─► RowShardResolver ─► (index, routing) ─► shard.ForKey ─► shard ID
//	                                                         │
//	                           ShardRegistry.NodeForShard ◄──┘
//	                                     │
//	                                     ▼
//	                           node /shard/{index}/{id}/_bulk
//
// Shards are created lazily on their node by the first bulk request, so
// creating an index is a registry operation only.
//
// # Concurrency
//
// All types are safe for concurrent use. The registry uses a read-write lock
// and returns copies of its assignments. The health monitor never holds its
// lock while probing a node.
//
// # Limitations
//
//   - Single coordinator; the registry lives in memory
//   - Replicas are recorded but not placed
//   - Rebalancing reassigns shards without moving data
//
// # See Also
//
//   - internal/indexing: the sharded bulk write path
//   - internal/shard: shard storage and request application
//   - cmd/coordinator: the coordinator server
package coordinator
