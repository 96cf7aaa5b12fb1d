package dml

import (
	"fmt"

	"github.com/dreamware/shardwrite/internal/cluster"
	"github.com/dreamware/shardwrite/internal/expr"
	"github.com/dreamware/shardwrite/internal/metadata"
	"github.com/dreamware/shardwrite/internal/row"
)

// WriteMode is the request/result shape of one write operation. It is
// chosen once, before any row is read, and is one of InsertOnly,
// UpsertRowCount or UpsertWithReturn.
type WriteMode interface {
	writeMode()
	// ReturnsRows is true when the operation emits returned rows instead of
	// a row count.
	ReturnsRows() bool
	String() string
}

// InsertOnly sends the plain insert format: no assignments, no return values.
type InsertOnly struct{}

// UpsertRowCount sends the upsert format and reports a row count.
type UpsertRowCount struct {
	UpdateColumns []string
	Assignments   []expr.Symbol
}

// UpsertWithReturn sends the upsert format and emits one row per written item.
type UpsertWithReturn struct {
	UpdateColumns []string
	Assignments   []expr.Symbol
	ReturnNames   []string
	Returning     []expr.Symbol
}

func (InsertOnly) writeMode()       {}
func (UpsertRowCount) writeMode()   {}
func (UpsertWithReturn) writeMode() {}

func (InsertOnly) ReturnsRows() bool       { return false }
func (UpsertRowCount) ReturnsRows() bool   { return false }
func (UpsertWithReturn) ReturnsRows() bool { return true }

func (InsertOnly) String() string       { return "insert-only" }
func (UpsertRowCount) String() string   { return "upsert-row-count" }
func (UpsertWithReturn) String() string { return "upsert-with-return" }

// SelectWriteMode picks the write mode for a write into t. The insert-only
// format is used only when there is nothing to update, nothing to return, and
// gate reports that the oldest node understands it. Assignment and returning
// expressions are resolved here so a bad statement fails before any I/O.
func SelectWriteMode(
	t *metadata.Table,
	assignments map[string]expr.Symbol,
	returning []expr.Symbol,
	minNodeVersion cluster.Version,
	gate cluster.VersionGate,
) (WriteMode, error) {
	updateColumns, sources, err := metadata.ResolveAssignments(t, assignments)
	if err != nil {
		return nil, err
	}
	returnNames, err := metadata.ResolveReturning(t, returning)
	if err != nil {
		return nil, err
	}
	switch {
	case len(returning) > 0:
		return UpsertWithReturn{
			UpdateColumns: updateColumns,
			Assignments:   sources,
			ReturnNames:   returnNames,
			Returning:     returning,
		}, nil
	case len(sources) == 0 && gate != nil && gate.Supports(minNodeVersion):
		return InsertOnly{}, nil
	default:
		return UpsertRowCount{UpdateColumns: updateColumns, Assignments: sources}, nil
	}
}

// RequestFactory creates the empty request for a shard.
type RequestFactory func(index string, shardID int) *ShardRequest

// ItemFactory builds the item for one input row.
type ItemFactory func(id string, r row.Row) (Item, error)

// NewFactories returns the request and item factories for mode. base carries
// the policy fields shared by all modes; insertValues produce the target
// column values from an input row.
func NewFactories(mode WriteMode, jobID string, base Policy, insertValues []expr.Symbol) (RequestFactory, ItemFactory) {
	policy := base
	kind := KindUpsert
	var assignments, returning []expr.Symbol

	switch m := mode.(type) {
	case InsertOnly:
		kind = KindInsert
		policy.UpdateColumnNames = nil
		policy.ReturnValueNames = nil
	case UpsertRowCount:
		policy.UpdateColumnNames = m.UpdateColumns
		assignments = m.Assignments
	case UpsertWithReturn:
		policy.UpdateColumnNames = m.UpdateColumns
		policy.ReturnValueNames = m.ReturnNames
		assignments = m.Assignments
		returning = m.Returning
	default:
		panic(fmt.Sprintf("unknown write mode %T", mode))
	}

	requests := func(index string, shardID int) *ShardRequest {
		return &ShardRequest{
			JobID:   jobID,
			Kind:    kind,
			Index:   index,
			ShardID: shardID,
			Policy:  policy,
		}
	}

	items := func(id string, r row.Row) (Item, error) {
		values := make([]any, len(insertValues))
		for i, sym := range insertValues {
			v, err := sym.EvalRow(r)
			if err != nil {
				return Item{}, err
			}
			values[i] = v
		}
		return Item{
			ID:                id,
			Values:            values,
			UpdateAssignments: assignments,
			ReturnValues:      returning,
		}, nil
	}
	return requests, items
}
