package indexing

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardwrite/internal/cluster"
	"github.com/dreamware/shardwrite/internal/dml"
	"github.com/dreamware/shardwrite/internal/expr"
	"github.com/dreamware/shardwrite/internal/metadata"
	"github.com/dreamware/shardwrite/internal/row"
	"github.com/dreamware/shardwrite/internal/shard"
)

func incrementVisits() map[string]expr.Symbol {
	return map[string]expr.Symbol{
		"visits": expr.Add(expr.Column("visits"), expr.Excluded("visits")),
	}
}

func storedVisits(t *testing.T, c *fakeCluster, tbl *metadata.Table, id string) any {
	t.Helper()
	doc, err := c.shard(tbl.Name, shard.ForKey(id, tbl.NumShards)).Get(id)
	require.NoError(t, err)
	return doc["visits"]
}

func TestWriteModeSelection(t *testing.T) {
	gate := cluster.SinceVersion(cluster.MustParseVersion("4.2.0"))

	tests := []struct {
		name        string
		assignments map[string]expr.Symbol
		returning   []expr.Symbol
		minVersion  string
		gate        cluster.VersionGate
		want        dml.WriteMode
	}{
		{"insert only on new cluster", nil, nil, "5.0.0", gate, dml.InsertOnly{}},
		{"old node forces upsert format", nil, nil, "4.1.9", gate, dml.UpsertRowCount{}},
		{"no gate forces upsert format", nil, nil, "5.0.0", nil, dml.UpsertRowCount{}},
		{"assignments", incrementVisits(), nil, "5.0.0", gate, dml.UpsertRowCount{}},
		{"returning", nil, []expr.Symbol{expr.Column("id")}, "5.0.0", gate, dml.UpsertWithReturn{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWriter(t, testConfig(10), Params{
				Table:            usersTable(t, 2),
				Assignments:      tt.assignments,
				Returning:        tt.returning,
				MinNodeVersion:   cluster.MustParseVersion(tt.minVersion),
				InsertFormatGate: tt.gate,
			}, newFakeCluster(1))
			assert.IsType(t, tt.want, w.Mode())
		})
	}
}

func TestInsertOnlyRequestsCarryNoUpsertFields(t *testing.T) {
	c := newFakeCluster(1)
	w := newWriter(t, testConfig(10), Params{
		Table:            usersTable(t, 2),
		MinNodeVersion:   cluster.MustParseVersion("5.0.0"),
		InsertFormatGate: cluster.SinceVersion(cluster.MustParseVersion("4.2.0")),
	}, c)

	res, err := w.Execute(context.Background(), row.NewSliceIterator(userRows("a", "b", "c")))
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.RowCount)

	require.NotEmpty(t, c.requests())
	for _, req := range c.requests() {
		assert.Equal(t, dml.KindInsert, req.Kind)
		assert.Empty(t, req.Policy.UpdateColumnNames)
		assert.Empty(t, req.Policy.ReturnValueNames)
		assert.Equal(t, []string{"id", "name", "visits"}, req.Policy.TargetColumns)
		for _, item := range req.Items {
			assert.Empty(t, item.UpdateAssignments)
			assert.Empty(t, item.ReturnValues)
		}
	}
}

func TestDuplicateKeyPolicies(t *testing.T) {
	tests := []struct {
		name         string
		ignore       bool
		assignments  map[string]expr.Symbol
		wantRowCount int64
		wantFailures int
		wantVisits   int64
	}{
		{"ignore keeps the stored row", true, incrementVisits(), 0, 0, 1},
		{"update applies assignments", false, incrementVisits(), 1, 0, 6},
		{"update without assignments fails", false, nil, 0, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newFakeCluster(1)
			tbl := usersTable(t, 2)
			_, err := newWriter(t, testConfig(10), Params{Table: tbl}, c).
				Execute(context.Background(), row.NewSliceIterator(userRows("u1")))
			require.NoError(t, err)

			cfg := testConfig(10)
			cfg.IgnoreDuplicateKeys = tt.ignore
			w := newWriter(t, cfg, Params{Table: tbl, Assignments: tt.assignments}, c)
			res, err := w.Execute(context.Background(), row.NewSliceIterator([]row.Row{{"u1", "again", 5}}))
			require.NoError(t, err)

			assert.Equal(t, tt.wantRowCount, res.RowCount)
			assert.Len(t, res.Failures, tt.wantFailures)

			v, err := storedVisits(t, c, tbl, "u1").(interface{ Int64() (int64, error) }).Int64()
			require.NoError(t, err)
			assert.Equal(t, tt.wantVisits, v)
		})
	}
}

func TestReturningEmitsOneRowPerWrittenItem(t *testing.T) {
	c := newFakeCluster(2)
	tbl := usersTable(t, 3)
	_, err := newWriter(t, testConfig(10), Params{Table: tbl}, c).
		Execute(context.Background(), row.NewSliceIterator(userRows("k0", "k1")))
	require.NoError(t, err)

	cfg := testConfig(3)
	cfg.IgnoreDuplicateKeys = true
	w := newWriter(t, cfg, Params{Table: tbl, Returning: []expr.Symbol{expr.Column("id")}}, c)

	it := w.Apply(row.NewSliceIterator(userRows(sequentialIDs(10)...)))
	out, err := row.Collect(context.Background(), it)
	require.NoError(t, err)

	assert.Equal(t, []string{"k2", "k3", "k4", "k5", "k6", "k7", "k8", "k9"}, sortedIDs(out))
	res := it.(*ResultIterator).Result()
	require.NotNil(t, res)
	assert.True(t, res.ReturnsRows())
	assert.Empty(t, res.Failures, "ignored duplicates are not failures")
}

func TestApplyIsLazy(t *testing.T) {
	c := newFakeCluster(1)
	w := newWriter(t, testConfig(10), Params{Table: usersTable(t, 1)}, c)
	assert.False(t, w.ProvidesIndependentScroll())

	it := w.Apply(row.NewSliceIterator(userRows("a", "b")))
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, c.requests(), "nothing is sent before the first Next")
	assert.Nil(t, it.(*ResultIterator).Result())

	r, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, row.Row{int64(2)}, r)

	_, err = it.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, it.Close())
}

func TestApplyPropagatesWriteError(t *testing.T) {
	c := newFakeCluster(1)
	c.fail = func(*dml.ShardRequest) error { return errors.New("unreachable") }
	w := newWriter(t, testConfig(10), Params{Table: usersTable(t, 1)}, c)

	it := w.Apply(row.NewSliceIterator(userRows("a")))
	_, err := it.Next(context.Background())
	var tf *TransportFailure
	assert.ErrorAs(t, err, &tf)
	_, err = it.Next(context.Background())
	assert.ErrorAs(t, err, &tf, "the error is sticky")
}

func TestNewColumnIndexWriterErrors(t *testing.T) {
	c := newFakeCluster(1)
	tbl := usersTable(t, 1)
	deps := Deps{Router: c, Transport: c}

	tests := []struct {
		name  string
		p     Params
		deps  Deps
		check func(t *testing.T, err error)
	}{
		{
			name: "assignment to primary key",
			p: Params{Table: tbl, Columns: []string{"id", "name"},
				Assignments: map[string]expr.Symbol{"id": expr.Literal("x")}},
			deps: deps,
			check: func(t *testing.T, err error) {
				var are *metadata.AssignmentResolutionError
				assert.ErrorAs(t, err, &are)
			},
		},
		{
			name:  "primary key not written",
			p:     Params{Table: tbl, Columns: []string{"name"}},
			deps:  deps,
			check: func(t *testing.T, err error) { assert.ErrorContains(t, err, "primary key") },
		},
		{
			name:  "unknown column",
			p:     Params{Table: tbl, Columns: []string{"id", "nope"}},
			deps:  deps,
			check: func(t *testing.T, err error) { assert.ErrorContains(t, err, "nope") },
		},
		{
			name:  "missing transport",
			p:     Params{Table: tbl, Columns: []string{"id"}},
			deps:  Deps{Router: c},
			check: func(t *testing.T, err error) { assert.Error(t, err) },
		},
		{
			name:  "missing table",
			p:     Params{Columns: []string{"id"}},
			deps:  deps,
			check: func(t *testing.T, err error) { assert.Error(t, err) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewColumnIndexWriter(testConfig(10), tt.p, tt.deps)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
	assert.Empty(t, c.requests(), "construction performs no I/O")
}

func TestJobIDIsPropagated(t *testing.T) {
	c := newFakeCluster(1)
	w := newWriter(t, testConfig(10), Params{Table: usersTable(t, 1), JobID: "job-42"}, c)
	_, err := w.Execute(context.Background(), row.NewSliceIterator(userRows("a")))
	require.NoError(t, err)

	assert.Equal(t, "job-42", w.JobID())
	for _, req := range c.requests() {
		assert.Equal(t, "job-42", req.JobID)
	}

	generated := newWriter(t, testConfig(10), Params{Table: usersTable(t, 1)}, c)
	assert.NotEmpty(t, generated.JobID())
}
