// Package cluster holds the types shared by the coordinator and the storage
// nodes: node identity, the JSON-over-HTTP helpers both sides use to talk to
// each other, and node release versions.
//
// # Topology
//
// The cluster is hub-and-spoke. A single coordinator owns table metadata and
// shard placement and runs the bulk write engine; storage nodes own shard data
// and apply the bulk requests the coordinator sends them.
//
//	              ┌──────────────┐
//	              │ Coordinator  │
//	              │ - Registry   │
//	              │ - Health Mon │
//	              │ - Writer     │
//	              └──────┬───────┘
//	                     │ bulk shard requests
//	      ┌──────────────┼──────────────┐
//	┌─────▼─────┐ ┌──────▼────┐ ┌───────▼───┐
//	│  Node 1   │ │  Node 2   │ │  Node 3   │
//	└───────────┘ └───────────┘ └───────────┘
//
// # Versions
//
// Every node reports its release on registration and from /health.
// MinNodeVersion folds a node list into the oldest release; a VersionGate
// turns that into a yes/no answer for a feature such as the insert-only
// request format. Nodes that report no version are treated as the oldest
// possible release.
//
// # Communication
//
// PostJSON and GetJSON wrap a shared http.Client with a 5 second timeout.
// Non-2xx responses are returned as *StatusError carrying a short excerpt of
// the response body.
package cluster
