package indexing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/dreamware/shardwrite/internal/cluster"
	"github.com/dreamware/shardwrite/internal/dml"
	"github.com/dreamware/shardwrite/internal/expr"
	"github.com/dreamware/shardwrite/internal/logging"
	"github.com/dreamware/shardwrite/internal/metadata"
	"github.com/dreamware/shardwrite/internal/row"
)

// Params describe one write into a table.
type Params struct {
	Table *metadata.Table
	// Columns are the target columns, in the order input rows hold them.
	Columns []string
	// Assignments are the update assignments applied on duplicate keys,
	// keyed by target column.
	Assignments map[string]expr.Symbol
	// Returning are evaluated against each written document.
	Returning []expr.Symbol
	// MinNodeVersion is the oldest version in the cluster; InsertFormatGate
	// decides whether that version understands insert-only requests.
	MinNodeVersion   cluster.Version
	InsertFormatGate cluster.VersionGate
	// JobID identifies the write on the nodes; generated when empty.
	JobID string
}

// ColumnIndexWriter is the write stage of a pipeline: it consumes rows and
// emits either one row holding the row count or the returned rows.
type ColumnIndexWriter struct {
	mode  dml.WriteMode
	jobID string
	exec  *ShardingUpsertExecutor
}

var _ row.Projector = (*ColumnIndexWriter)(nil)

// NewColumnIndexWriter validates p, selects the write mode and builds the
// executor. Nothing is sent until the returned iterator is read.
func NewColumnIndexWriter(cfg Config, p Params, deps Deps) (*ColumnIndexWriter, error) {
	if p.Table == nil {
		return nil, errors.New("indexing: table is required")
	}
	if len(p.Columns) == 0 {
		return nil, fmt.Errorf("table %q: no target columns", p.Table.Name)
	}
	seen := make(map[string]bool, len(p.Columns))
	for _, c := range p.Columns {
		if p.Table.ColumnIndex(c) < 0 {
			return nil, fmt.Errorf("table %q: unknown column %q", p.Table.Name, c)
		}
		if seen[c] {
			return nil, fmt.Errorf("table %q: column %q listed twice", p.Table.Name, c)
		}
		seen[c] = true
	}
	if deps.Router == nil || deps.Transport == nil {
		return nil, errors.New("indexing: router and transport are required")
	}

	mode, err := dml.SelectWriteMode(p.Table, p.Assignments, p.Returning, p.MinNodeVersion, p.InsertFormatGate)
	if err != nil {
		return nil, err
	}
	resolver, err := NewRowShardResolver(p.Table, p.Columns)
	if err != nil {
		return nil, err
	}

	cfg.validate()
	jobID := p.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	dup := dml.DuplicateKeyUpdateOrFail
	if cfg.IgnoreDuplicateKeys {
		dup = dml.DuplicateKeyIgnore
	}
	policy := dml.Policy{
		ContinueOnErrors: cfg.ContinueOnErrors,
		DuplicateKeyMode: dup,
		Timeout:          cfg.Timeout,
		TargetColumns:    append([]string(nil), p.Columns...),
	}
	values := make([]expr.Symbol, len(p.Columns))
	for i := range p.Columns {
		values[i] = expr.Input(i)
	}
	requests, items := dml.NewFactories(mode, jobID, policy, values)

	if deps.Logger == nil {
		deps.Logger = logging.Noop()
	}
	deps.Logger = deps.Logger.WithJob(jobID)
	deps.Logger.Debug("write mode selected", "table", p.Table.Name, "mode", mode.String())

	return &ColumnIndexWriter{
		mode:  mode,
		jobID: jobID,
		exec:  NewShardingUpsertExecutor(cfg, resolver, requests, items, mode.ReturnsRows(), deps),
	}, nil
}

func (w *ColumnIndexWriter) Mode() dml.WriteMode { return w.mode }

func (w *ColumnIndexWriter) JobID() string { return w.jobID }

// ProvidesIndependentScroll is false: the output exists only after the input
// was consumed.
func (w *ColumnIndexWriter) ProvidesIndependentScroll() bool { return false }

// Apply returns an iterator that runs the write on its first Next.
func (w *ColumnIndexWriter) Apply(src row.Iterator) row.Iterator {
	return &ResultIterator{exec: w.exec, src: src}
}

// Execute runs the write to completion.
func (w *ColumnIndexWriter) Execute(ctx context.Context, src row.Iterator) (*UpsertResult, error) {
	return w.exec.Execute(ctx, src)
}

// ResultIterator emits the output rows of a write.
type ResultIterator struct {
	exec *ShardingUpsertExecutor
	src  row.Iterator

	once   sync.Once
	result *UpsertResult
	err    error
	rows   []row.Row
	pos    int
}

func (it *ResultIterator) Next(ctx context.Context) (row.Row, error) {
	it.once.Do(func() {
		it.result, it.err = it.exec.Execute(ctx, it.src)
		if it.err == nil {
			it.rows = it.result.OutputRows()
		}
	})
	if it.err != nil {
		return nil, it.err
	}
	if it.pos >= len(it.rows) {
		return nil, io.EOF
	}
	r := it.rows[it.pos]
	it.pos++
	return r, nil
}

// Close closes the source.
func (it *ResultIterator) Close() error { return it.src.Close() }

// Result returns the aggregate once Next was called; nil before.
func (it *ResultIterator) Result() *UpsertResult { return it.result }
