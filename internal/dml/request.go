// Package dml is the data model of bulk shard writes: the items a coordinator
// batches per shard, the request carrying them to the node holding the shard,
// and the node's per-item response.
package dml

import (
	"fmt"
	"time"

	"github.com/dreamware/shardwrite/internal/expr"
)

// DuplicateKeyMode decides what happens when an item's id already exists.
type DuplicateKeyMode string

const (
	// DuplicateKeyIgnore skips the item silently.
	DuplicateKeyIgnore DuplicateKeyMode = "ignore"
	// DuplicateKeyUpdateOrFail applies the update assignments, or fails the
	// item when the request carries none.
	DuplicateKeyUpdateOrFail DuplicateKeyMode = "update_or_fail"
)

// RequestKind tells the node which request format it received.
type RequestKind string

const (
	KindInsert RequestKind = "insert"
	KindUpsert RequestKind = "upsert"
)

// Policy is fixed when the executor is built and copied into every request.
type Policy struct {
	ContinueOnErrors  bool             `json:"continue_on_errors"`
	DuplicateKeyMode  DuplicateKeyMode `json:"duplicate_key_mode"`
	Timeout           time.Duration    `json:"timeout"`
	TargetColumns     []string         `json:"target_columns"`
	UpdateColumnNames []string         `json:"update_columns,omitempty"`
	ReturnValueNames  []string         `json:"return_values,omitempty"`
}

// Item is one row to write, addressed by its id.
type Item struct {
	ID                string        `json:"id"`
	Values            []any         `json:"values"`
	UpdateAssignments []expr.Symbol `json:"update_assignments,omitempty"`
	ReturnValues      []expr.Symbol `json:"return_values,omitempty"`
}

// ShardRequest is the batch of items sent to one shard in a single call.
type ShardRequest struct {
	JobID   string      `json:"job_id"`
	Kind    RequestKind `json:"kind"`
	Index   string      `json:"index"`
	ShardID int         `json:"shard_id"`
	Policy  Policy      `json:"policy"`
	Items   []Item      `json:"items"`
}

func (r *ShardRequest) Add(item Item) { r.Items = append(r.Items, item) }

func (r *ShardRequest) Len() int { return len(r.Items) }

func (r *ShardRequest) String() string {
	return fmt.Sprintf("%s[%s][%d] (%d items)", r.Kind, r.Index, r.ShardID, len(r.Items))
}

// FailureKind classifies an item failure.
type FailureKind string

const (
	FailureDuplicateKey FailureKind = "duplicate_key"
	FailureConstraint   FailureKind = "constraint"
	FailureInvalid      FailureKind = "invalid"
	// FailureAborted marks items not attempted because an earlier item failed
	// and the policy does not continue on errors.
	FailureAborted FailureKind = "aborted"
)

// ItemFailure describes one item the node did not apply. Location is the
// item's position in the request.
type ItemFailure struct {
	Location int         `json:"location"`
	ID       string      `json:"id"`
	Kind     FailureKind `json:"kind"`
	Message  string      `json:"message"`
}

func (f ItemFailure) Error() string {
	return fmt.Sprintf("item %q (%s): %s", f.ID, f.Kind, f.Message)
}

// ShardResponse reports how a ShardRequest was applied. Written counts
// inserted or updated items; ignored duplicates count as neither written nor
// failed. ResultRows holds one row per written item when the request asked
// for return values.
type ShardResponse struct {
	Index      string        `json:"index"`
	ShardID    int           `json:"shard_id"`
	Written    int           `json:"written"`
	Ignored    int           `json:"ignored,omitempty"`
	Failures   []ItemFailure `json:"failures,omitempty"`
	ResultRows [][]any       `json:"result_rows,omitempty"`
}

func (r *ShardResponse) HasFailures() bool { return len(r.Failures) > 0 }
