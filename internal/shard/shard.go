package shard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zeebo/xxh3"

	"github.com/dreamware/shardwrite/internal/dml"
	"github.com/dreamware/shardwrite/internal/expr"
	"github.com/dreamware/shardwrite/internal/storage"
)

// ShardState represents the current state of a shard
type ShardState string

const (
	// ShardStateActive means the shard is serving requests
	ShardStateActive ShardState = "active"
	// ShardStateClosed means the shard no longer accepts writes
	ShardStateClosed ShardState = "closed"
)

// ErrShardNotActive is returned by Apply when the shard does not accept writes.
var ErrShardNotActive = errors.New("shard is not active")

// ForKey maps a routing key to a shard number in [0, numShards).
func ForKey(key string, numShards int) int {
	if numShards <= 0 {
		return 0
	}
	return int(xxh3.HashString(key) % uint64(numShards))
}

// Shard is one shard of an index held by a node.
// Documents are stored as JSON objects keyed by item id.
type Shard struct {
	Index string        // Index the shard belongs to
	ID    int           // Shard number within the index
	Store storage.Store // The storage backend for this shard
	State ShardState    // Current shard state
	Stats *ShardStats   // Operation statistics

	mu      sync.RWMutex // Protects state changes
	writeMu sync.Mutex   // Serializes Apply
}

// ShardStats tracks operational statistics for a shard
type ShardStats struct {
	Ops     OperationStats     // Operation counts
	Storage storage.StoreStats // Storage statistics
}

// OperationStats tracks operation counts
type OperationStats struct {
	Gets     uint64 // Number of document reads
	Requests uint64 // Number of applied shard requests
	Written  uint64 // Items inserted or updated
	Ignored  uint64 // Duplicates skipped
	Failed   uint64 // Items reported as failures
}

// ShardInfo contains metadata about a shard
type ShardInfo struct {
	Index    string     `json:"index"`
	ID       int        `json:"id"`
	State    ShardState `json:"state"`
	KeyCount int        `json:"key_count"`
	ByteSize int        `json:"byte_size"`
}

// NewShard creates a new shard with in-memory storage
func NewShard(index string, id int) *Shard {
	return NewShardWithStore(index, id, storage.NewMemoryStore())
}

// NewShardWithStore creates a shard over an existing store
func NewShardWithStore(index string, id int, store storage.Store) *Shard {
	return &Shard{
		Index: index,
		ID:    id,
		Store: store,
		State: ShardStateActive,
		Stats: &ShardStats{},
	}
}

// Get returns the stored document for id
func (s *Shard) Get(id string) (expr.Doc, error) {
	atomic.AddUint64(&s.Stats.Ops.Gets, 1)
	raw, err := s.Store.Get(id)
	if err != nil {
		return nil, err
	}
	return decodeDoc(raw)
}

// ListKeys returns all document ids in the shard, sorted
func (s *Shard) ListKeys() []string {
	keys := s.Store.List()
	sort.Strings(keys)
	return keys
}

// Apply writes the items of req in order and reports the outcome per item.
//
// A new id is inserted. An existing id is skipped under DuplicateKeyIgnore.
// Under DuplicateKeyUpdateOrFail an upsert request applies the item's update
// assignments to the stored document; an insert request, or an upsert without
// assignments, fails the item with FailureDuplicateKey. When the policy does
// not continue on errors, every item after the first failure is reported as
// FailureAborted and left unapplied.
//
// The returned error is reserved for requests the shard cannot process at all.
func (s *Shard) Apply(req *dml.ShardRequest) (*dml.ShardResponse, error) {
	if req.Index != s.Index || req.ShardID != s.ID {
		return nil, fmt.Errorf("request for %s[%d] sent to shard %s[%d]", req.Index, req.ShardID, s.Index, s.ID)
	}
	s.mu.RLock()
	state := s.State
	s.mu.RUnlock()
	if state != ShardStateActive {
		return nil, fmt.Errorf("%s[%d]: %w", s.Index, s.ID, ErrShardNotActive)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	atomic.AddUint64(&s.Stats.Ops.Requests, 1)

	resp := &dml.ShardResponse{Index: s.Index, ShardID: s.ID}
	returning := len(req.Policy.ReturnValueNames) > 0
	var failed *dml.ItemFailure

	for loc, item := range req.Items {
		if failed != nil && !req.Policy.ContinueOnErrors {
			resp.Failures = append(resp.Failures, dml.ItemFailure{
				Location: loc,
				ID:       item.ID,
				Kind:     dml.FailureAborted,
				Message:  fmt.Sprintf("not applied after failure of item %q", failed.ID),
			})
			continue
		}

		doc, outcome, f := s.applyItem(req, item)
		switch {
		case f != nil:
			f.Location = loc
			f.ID = item.ID
			resp.Failures = append(resp.Failures, *f)
			if failed == nil {
				failed = f
			}
		case outcome == outcomeIgnored:
			resp.Ignored++
		default:
			resp.Written++
			if returning {
				values, err := evalAll(item.ReturnValues, doc, nil)
				if err != nil {
					// The document is already written; report the row without values.
					values = make([]any, len(item.ReturnValues))
				}
				resp.ResultRows = append(resp.ResultRows, values)
			}
		}
	}

	atomic.AddUint64(&s.Stats.Ops.Written, uint64(resp.Written))
	atomic.AddUint64(&s.Stats.Ops.Ignored, uint64(resp.Ignored))
	atomic.AddUint64(&s.Stats.Ops.Failed, uint64(len(resp.Failures)))
	return resp, nil
}

type outcome int

const (
	outcomeWritten outcome = iota
	outcomeIgnored
)

func (s *Shard) applyItem(req *dml.ShardRequest, item dml.Item) (expr.Doc, outcome, *dml.ItemFailure) {
	if item.ID == "" {
		return nil, 0, invalid("empty id")
	}
	columns := req.Policy.TargetColumns
	if len(item.Values) != len(columns) {
		return nil, 0, invalid(fmt.Sprintf("%d values for %d target columns", len(item.Values), len(columns)))
	}
	insert := make(expr.Doc, len(columns))
	for i, c := range columns {
		insert[c] = item.Values[i]
	}
	raw, err := json.Marshal(insert)
	if err != nil {
		return nil, 0, invalid(err.Error())
	}

	stored, err := s.Store.PutIfAbsent(item.ID, raw)
	if err != nil {
		return nil, 0, &dml.ItemFailure{Kind: dml.FailureConstraint, Message: err.Error()}
	}
	if stored {
		return insert, outcomeWritten, nil
	}

	if req.Policy.DuplicateKeyMode == dml.DuplicateKeyIgnore {
		return nil, outcomeIgnored, nil
	}
	if req.Kind != dml.KindUpsert || len(item.UpdateAssignments) == 0 {
		return nil, 0, &dml.ItemFailure{
			Kind:    dml.FailureDuplicateKey,
			Message: fmt.Sprintf("a document with id %q already exists", item.ID),
		}
	}
	return s.update(req, item, insert)
}

// update applies the assignments of item to the stored document. All
// assignments see the document as it was before the update.
func (s *Shard) update(req *dml.ShardRequest, item dml.Item, excluded expr.Doc) (expr.Doc, outcome, *dml.ItemFailure) {
	names := req.Policy.UpdateColumnNames
	if len(names) != len(item.UpdateAssignments) {
		return nil, 0, invalid(fmt.Sprintf("%d assignments for %d update columns", len(item.UpdateAssignments), len(names)))
	}
	raw, err := s.Store.Get(item.ID)
	if err != nil {
		return nil, 0, &dml.ItemFailure{Kind: dml.FailureConstraint, Message: err.Error()}
	}
	current, err := decodeDoc(raw)
	if err != nil {
		return nil, 0, &dml.ItemFailure{Kind: dml.FailureConstraint, Message: err.Error()}
	}

	values, err := evalAll(item.UpdateAssignments, current, excluded)
	if err != nil {
		return nil, 0, invalid(err.Error())
	}
	for i, name := range names {
		current[name] = values[i]
	}

	updated, err := json.Marshal(current)
	if err != nil {
		return nil, 0, invalid(err.Error())
	}
	if err := s.Store.Put(item.ID, updated); err != nil {
		return nil, 0, &dml.ItemFailure{Kind: dml.FailureConstraint, Message: err.Error()}
	}
	return current, outcomeWritten, nil
}

func evalAll(symbols []expr.Symbol, stored, excluded expr.Doc) ([]any, error) {
	out := make([]any, len(symbols))
	for i, sym := range symbols {
		v, err := sym.EvalDoc(stored, excluded)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func invalid(msg string) *dml.ItemFailure {
	return &dml.ItemFailure{Kind: dml.FailureInvalid, Message: msg}
}

func decodeDoc(raw []byte) (expr.Doc, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc expr.Doc
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// GetStats returns current shard statistics
func (s *Shard) GetStats() ShardStats {
	return ShardStats{
		Ops: OperationStats{
			Gets:     atomic.LoadUint64(&s.Stats.Ops.Gets),
			Requests: atomic.LoadUint64(&s.Stats.Ops.Requests),
			Written:  atomic.LoadUint64(&s.Stats.Ops.Written),
			Ignored:  atomic.LoadUint64(&s.Stats.Ops.Ignored),
			Failed:   atomic.LoadUint64(&s.Stats.Ops.Failed),
		},
		Storage: s.Store.Stats(),
	}
}

// Info returns metadata about the shard
func (s *Shard) Info() ShardInfo {
	s.mu.RLock()
	state := s.State
	s.mu.RUnlock()

	storageStats := s.Store.Stats()

	return ShardInfo{
		Index:    s.Index,
		ID:       s.ID,
		State:    state,
		KeyCount: storageStats.Keys,
		ByteSize: storageStats.Bytes,
	}
}

// SetState updates the shard state
func (s *Shard) SetState(state ShardState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

// Close stops writes and releases the store
func (s *Shard) Close() error {
	s.SetState(ShardStateClosed)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.Store.Close()
}
