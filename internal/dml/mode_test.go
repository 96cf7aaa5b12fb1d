package dml

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardwrite/internal/cluster"
	"github.com/dreamware/shardwrite/internal/expr"
	"github.com/dreamware/shardwrite/internal/metadata"
	"github.com/dreamware/shardwrite/internal/row"
)

var insertFormatGate = cluster.SinceVersion(cluster.MustParseVersion("4.2.0"))

func usersTable() *metadata.Table {
	t := &metadata.Table{
		Name:       "users",
		Columns:    []metadata.Column{{Name: "id"}, {Name: "name"}, {Name: "logins"}},
		PrimaryKey: []string{"id"},
	}
	if err := t.Validate(); err != nil {
		panic(err)
	}
	return t
}

func TestSelectWriteMode(t *testing.T) {
	current := cluster.MustParseVersion("5.0.0")
	old := cluster.MustParseVersion("4.1.0")
	bump := map[string]expr.Symbol{"logins": expr.Add(expr.Column("logins"), expr.Literal(1))}
	returning := []expr.Symbol{expr.Column("id")}

	tests := []struct {
		name        string
		assignments map[string]expr.Symbol
		returning   []expr.Symbol
		version     cluster.Version
		gate        cluster.VersionGate
		want        string
	}{
		{name: "plain insert on current cluster", version: current, gate: insertFormatGate, want: "insert-only"},
		{name: "plain insert on old cluster", version: old, gate: insertFormatGate, want: "upsert-row-count"},
		{name: "plain insert without gate", version: current, want: "upsert-row-count"},
		{name: "on conflict update", assignments: bump, version: current, gate: insertFormatGate, want: "upsert-row-count"},
		{name: "returning", returning: returning, version: current, gate: insertFormatGate, want: "upsert-with-return"},
		{name: "update and returning", assignments: bump, returning: returning, version: old, gate: insertFormatGate, want: "upsert-with-return"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, err := SelectWriteMode(usersTable(), tt.assignments, tt.returning, tt.version, tt.gate)
			require.NoError(t, err)
			assert.Equal(t, tt.want, mode.String())
			assert.Equal(t, len(tt.returning) > 0, mode.ReturnsRows())
		})
	}
}

func TestSelectWriteModeResolutionError(t *testing.T) {
	_, err := SelectWriteMode(usersTable(), map[string]expr.Symbol{"ghost": expr.Literal(1)}, nil,
		cluster.MustParseVersion("5.0.0"), insertFormatGate)
	var are *metadata.AssignmentResolutionError
	require.ErrorAs(t, err, &are)

	_, err = SelectWriteMode(usersTable(), nil, []expr.Symbol{expr.Column("ghost")},
		cluster.MustParseVersion("5.0.0"), insertFormatGate)
	require.ErrorAs(t, err, &are)
}

func basePolicy() Policy {
	return Policy{
		ContinueOnErrors: true,
		DuplicateKeyMode: DuplicateKeyIgnore,
		Timeout:          time.Minute,
		TargetColumns:    []string{"id", "name"},
	}
}

func TestInsertOnlyFactoriesLeaveUpsertFieldsEmpty(t *testing.T) {
	reqs, items := NewFactories(InsertOnly{}, "job-1", basePolicy(), []expr.Symbol{expr.Input(0), expr.Input(1)})

	req := reqs("users", 3)
	assert.Equal(t, KindInsert, req.Kind)
	assert.Equal(t, "job-1", req.JobID)
	assert.Equal(t, 3, req.ShardID)
	assert.Nil(t, req.Policy.UpdateColumnNames)
	assert.Nil(t, req.Policy.ReturnValueNames)
	assert.Equal(t, DuplicateKeyIgnore, req.Policy.DuplicateKeyMode)
	assert.Zero(t, req.Len())

	item, err := items("1", row.Row{1, "ann"})
	require.NoError(t, err)
	assert.Equal(t, []any{1, "ann"}, item.Values)
	assert.Nil(t, item.UpdateAssignments)
	assert.Nil(t, item.ReturnValues)
}

func TestUpsertFactories(t *testing.T) {
	mode := UpsertWithReturn{
		UpdateColumns: []string{"name"},
		Assignments:   []expr.Symbol{expr.Excluded("name")},
		ReturnNames:   []string{"id"},
		Returning:     []expr.Symbol{expr.Column("id")},
	}
	reqs, items := NewFactories(mode, "job-2", basePolicy(), []expr.Symbol{expr.Input(0), expr.Literal("anon")})

	req := reqs("users", 0)
	assert.Equal(t, KindUpsert, req.Kind)
	assert.Equal(t, []string{"name"}, req.Policy.UpdateColumnNames)
	assert.Equal(t, []string{"id"}, req.Policy.ReturnValueNames)

	item, err := items("7", row.Row{7})
	require.NoError(t, err)
	assert.Equal(t, []any{7, "anon"}, item.Values)
	assert.Equal(t, mode.Assignments, item.UpdateAssignments)
	assert.Equal(t, mode.Returning, item.ReturnValues)

	_, err = items("8", row.Row{})
	assert.Error(t, err, "input column out of range")

	req.Add(item)
	assert.Equal(t, 1, req.Len())
	assert.Equal(t, "upsert[users][0] (1 items)", req.String())
}

func TestItemFailureError(t *testing.T) {
	f := ItemFailure{Location: 2, ID: "9", Kind: FailureDuplicateKey, Message: "document already exists"}
	assert.Equal(t, `item "9" (duplicate_key): document already exists`, f.Error())
	resp := ShardResponse{Failures: []ItemFailure{f}}
	assert.True(t, resp.HasFailures())
}
