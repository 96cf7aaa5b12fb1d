// Package storage provides the key-value backends that hold a shard's
// documents on a storage node.
//
// # Store
//
// Store is the small contract a shard needs: point reads, unconditional
// writes, conditional inserts, deletes, key listing and size statistics.
// PutIfAbsent is what lets a shard implement duplicate-key handling without a
// read-then-write race: the insert and the existence check happen under the
// backend's own lock or transaction.
//
// # Implementations
//
// MemoryStore: map guarded by sync.RWMutex
//   - Default backend of a node
//   - No persistence (data lost on restart)
//   - Values are copied on the way in and out
//
// SQLiteStore: one SQLite database file per shard
//   - Selected when the node is started with NODE_DATA_DIR
//   - WAL journal, NORMAL synchronous mode, single writer connection
//   - Conditional inserts use INSERT OR IGNORE
//
// # Concurrency
//
// All implementations are safe for concurrent use. Read-modify-write
// sequences spanning several calls (such as applying an update assignment to
// an existing document) must be serialized by the caller; the shard does this
// with its apply lock.
package storage
