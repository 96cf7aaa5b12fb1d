package indexing

import (
	"fmt"

	"github.com/dreamware/shardwrite/internal/row"
)

// Failure is a row, item or shard-request failure recorded while the write
// continued.
type Failure struct {
	Index   string
	ShardID int
	ItemID  string
	Err     error
}

func (f Failure) Error() string {
	if f.Index == "" {
		return f.Err.Error()
	}
	if f.ItemID == "" {
		return fmt.Sprintf("%s[%d]: %v", f.Index, f.ShardID, f.Err)
	}
	return fmt.Sprintf("%s[%d] %q: %v", f.Index, f.ShardID, f.ItemID, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// UpsertResult aggregates the responses of one write. Either RowCount or Rows
// is meaningful, depending on whether the write returns rows.
type UpsertResult struct {
	RowCount int64
	Rows     []row.Row
	Failures []Failure

	returnsRows bool
}

func newUpsertResult(returnsRows bool) *UpsertResult {
	return &UpsertResult{returnsRows: returnsRows}
}

func (r *UpsertResult) ReturnsRows() bool { return r.returnsRows }

// OutputRows returns the rows emitted downstream: the returned rows, or a
// single row holding the row count.
func (r *UpsertResult) OutputRows() []row.Row {
	if r.returnsRows {
		return r.Rows
	}
	return []row.Row{{r.RowCount}}
}
