// Package shard implements the unit of data a storage node holds for an
// index: a document store plus the logic that applies bulk shard requests
// to it.
//
// # Overview
//
// An index is split into a fixed number of shards when it is created. A row
// is routed to shard ForKey(routingKey, numShards), where the routing key is
// the row's clustered-by value or, without one, its id. The coordinator owns
// the shard-to-node assignment; a node only knows the shards it was asked to
// write to and opens them on first use.
//
//	┌─────────────────────────────────────┐
//	│  SHARD  users[2]                    │
//	├─────────────────────────────────────┤
//	│  Store (memory or SQLite)           │
//	│    id -> {"col": value, ...}        │
//	│                                     │
//	│  Apply(ShardRequest)                │
//	│    insert / ignore / update / fail  │
//	│                                     │
//	│  Stats: gets, requests, written,    │
//	│         ignored, failed             │
//	└─────────────────────────────────────┘
//
// # Applying Requests
//
// Items are applied in request order under a per-shard lock, so updates to
// the same id within one request see each other. For every item:
//
//	id unused                   -> insert the target column values
//	id used, mode ignore        -> skip; counted as ignored, not failed
//	id used, mode update_or_fail:
//	  upsert with assignments   -> evaluate assignments against the stored
//	                               document and the rejected insert values
//	                               (excluded.*), then store the result
//	  otherwise                 -> duplicate key failure
//
// When the request asks for return values, every written item contributes one
// result row evaluated against its final document. Ignored and failed items
// contribute none.
//
// Without continue-on-errors the first failing item stops the request: the
// items after it are reported as aborted and not applied. Items before it
// stay written; a shard request is not a transaction.
//
// # Hashing
//
// ForKey uses xxh3 over the routing key bytes. The mapping only depends on
// the key and the shard count, so it is stable across processes and restarts.
//
// # Thread Safety
//
// Apply calls are serialized per shard. Get and ListKeys may run concurrently
// with Apply and observe each item's write atomically.
package shard
