// Package indexing is the coordinator side of bulk writes: it turns a stream
// of rows into per-shard requests, sends them to the nodes holding the shards
// and merges what the nodes report.
//
// # Flow
//
//	rows ──► RowShardResolver ──► pending batch per (index, shard)
//	                                   │ BulkActions items, or end of input
//	                                   ▼
//	                          dispatcher per shard (FIFO)
//	                                   │ index exists?   (IndexCreator)
//	                                   │ node slot free? (jobs.NodeJobsCounter)
//	                                   ▼
//	                          Transport.Send ──► node ──► ShardResponse
//	                                   │
//	                                   ▼
//	                          UpsertResult (row count or returned rows)
//
// Reading never waits on the network: a sealed batch is queued for its
// shard's dispatcher and reading continues. Each dispatcher sends its shard's
// batches in the order they were filled; there is no ordering across shards.
// Waiting for an index or a node slot only holds back the batches that need
// them.
//
// # Failures
//
// Rows that cannot be resolved become *InvalidRowError. Items a node rejects
// come back as dml.ItemFailure. Both are recorded in UpsertResult.Failures
// when ContinueOnErrors is set and end the write otherwise. An index that
// cannot be created fails only the items of that index (*IndexCreationError).
// A request that gets no response ends the write (*TransportFailure); set
// Config.RetryAttempts to retry connection-level failures first.
//
// When a write ends early, batches not yet sent are dropped and Execute
// returns after the requests in flight have completed.
package indexing
