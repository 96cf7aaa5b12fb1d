package metadata

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardwrite/internal/expr"
)

func visitsTable() *Table {
	return &Table{
		Name:          "visits",
		Columns:       []Column{{Name: "id"}, {Name: "day"}, {Name: "count"}, {Name: "note"}},
		PrimaryKey:    []string{"id", "day"},
		ClusteredBy:   "id",
		PartitionedBy: "day",
		NumShards:     2,
	}
}

func TestTableValidate(t *testing.T) {
	tests := []struct {
		name    string
		table   Table
		wantErr string
	}{
		{name: "missing name", table: Table{Columns: []Column{{Name: "a"}}}, wantErr: "table name is required"},
		{name: "no columns", table: Table{Name: "t"}, wantErr: "no columns"},
		{name: "duplicate column", table: Table{Name: "t", Columns: []Column{{Name: "a"}, {Name: "a"}}}, wantErr: "duplicate column"},
		{name: "unknown pk", table: Table{Name: "t", Columns: []Column{{Name: "a"}}, PrimaryKey: []string{"b"}}, wantErr: "primary key column"},
		{name: "unknown clustered", table: Table{Name: "t", Columns: []Column{{Name: "a"}}, ClusteredBy: "b"}, wantErr: "clustered by"},
		{name: "unknown partition", table: Table{Name: "t", Columns: []Column{{Name: "a"}}, PartitionedBy: "b"}, wantErr: "partitioned by"},
		{name: "slash in name", table: Table{Name: "a/b", Columns: []Column{{Name: "a"}}}, wantErr: "invalid name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.table.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("defaults shards", func(t *testing.T) {
		tbl := Table{Name: "t", Columns: []Column{{Name: "a"}}, NumReplicas: -1}
		require.NoError(t, tbl.Validate())
		assert.Equal(t, 4, tbl.NumShards)
		assert.Equal(t, 0, tbl.NumReplicas)
	})
}

func TestIndexName(t *testing.T) {
	tbl := visitsTable()
	a := tbl.IndexName("2024-01-01")
	b := tbl.IndexName("2024-01-02")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, tbl.IndexName("2024-01-01"))
	assert.NotContains(t, a, "/")
	assert.Equal(t, "visits", TableOfIndex(a))
	assert.Equal(t, "visits", TableOfIndex("visits"))

	tbl.PartitionedBy = ""
	assert.Equal(t, "visits", tbl.IndexName("ignored"))
}

func TestIndexNameNullPartition(t *testing.T) {
	null := PartitionIndexName("t", nil)
	empty := PartitionIndexName("t", "")
	assert.NotEqual(t, null, empty)
	assert.Equal(t, "t..partitioned.", empty)
	assert.Equal(t, null, PartitionIndexName("t", nil))
	assert.NotEqual(t, null, PartitionIndexName("t", "_null"))
	assert.NotEqual(t, null, PartitionIndexName("t", "null"))
	assert.Equal(t, "t", TableOfIndex(null))
	assert.Equal(t, "t", TableOfIndex(empty))
}

func TestParseTables(t *testing.T) {
	data := []byte(`
tables:
  - name: visits
    columns: [{name: id}, {name: day}, {name: count}]
    primary_key: [id, day]
    partitioned_by: day
    shards: 3
    replicas: 1
  - name: events
    columns:
      - name: payload
        type: text
`)
	tables, err := ParseTables(data)
	require.NoError(t, err)
	require.Len(t, tables, 2)
	assert.Equal(t, []string{"id", "day"}, tables[0].PrimaryKey)
	assert.Equal(t, 3, tables[0].NumShards)
	assert.Equal(t, 4, tables[1].NumShards)
	assert.Equal(t, "text", tables[1].Columns[0].Type)

	_, err = ParseTables([]byte("tables: [{name: broken}]"))
	assert.Error(t, err)

	_, err = ParseTables([]byte("tables: ["))
	assert.Error(t, err)
}

func TestLoadTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tables:\n  - name: t\n    columns: [{name: a}]\n"), 0o600))
	tables, err := LoadTables(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, tables[0].ColumnNames())

	_, err = LoadTables(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCatalog(t *testing.T) {
	c := NewCatalog()
	require.NoError(t, c.Put(visitsTable()))
	require.NoError(t, c.Put(&Table{Name: "alpha", Columns: []Column{{Name: "a"}}}))
	assert.Error(t, c.Put(&Table{Name: "bad"}))

	got, err := c.Get("visits")
	require.NoError(t, err)
	assert.Equal(t, "day", got.PartitionedBy)

	_, err = c.Get("nope")
	assert.True(t, errors.Is(err, ErrTableNotFound))

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
}

func TestResolveAssignments(t *testing.T) {
	tbl := visitsTable()

	names, sources, err := ResolveAssignments(tbl, map[string]expr.Symbol{
		"note":  expr.Excluded("note"),
		"count": expr.Add(expr.Column("count"), expr.Excluded("count")),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"count", "note"}, names)
	assert.Equal(t, expr.Excluded("note"), sources[1])

	names, sources, err = ResolveAssignments(tbl, nil)
	require.NoError(t, err)
	assert.Nil(t, names)
	assert.Nil(t, sources)

	bad := []struct {
		name    string
		assign  map[string]expr.Symbol
		wantCol string
	}{
		{name: "unknown target", assign: map[string]expr.Symbol{"nope": expr.Literal(1)}, wantCol: "nope"},
		{name: "primary key", assign: map[string]expr.Symbol{"day": expr.Literal(1)}, wantCol: "day"},
		{name: "unknown source", assign: map[string]expr.Symbol{"count": expr.Column("ghost")}, wantCol: "ghost"},
		{name: "input ref", assign: map[string]expr.Symbol{"count": expr.Input(0)}, wantCol: "count"},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ResolveAssignments(tbl, tt.assign)
			var are *AssignmentResolutionError
			require.ErrorAs(t, err, &are)
			assert.Equal(t, tt.wantCol, are.Column)
			assert.Equal(t, "visits", are.Table)
		})
	}
}

func TestResolveReturning(t *testing.T) {
	tbl := visitsTable()
	names, err := ResolveReturning(tbl, []expr.Symbol{expr.Column("id"), expr.Add(expr.Column("count"), expr.Literal(1))})
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "(count + 1)"}, names)

	_, err = ResolveReturning(tbl, []expr.Symbol{expr.Column("ghost")})
	var are *AssignmentResolutionError
	require.ErrorAs(t, err, &are)

	_, err = ResolveReturning(tbl, []expr.Symbol{expr.Input(0)})
	assert.Error(t, err)
}
