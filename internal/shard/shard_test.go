package shard

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardwrite/internal/dml"
	"github.com/dreamware/shardwrite/internal/expr"
	"github.com/dreamware/shardwrite/internal/storage"
)

func visitsRequest(mode dml.DuplicateKeyMode, kind dml.RequestKind, items ...dml.Item) *dml.ShardRequest {
	req := &dml.ShardRequest{
		JobID:   "job-1",
		Kind:    kind,
		Index:   "visits",
		ShardID: 0,
		Policy: dml.Policy{
			ContinueOnErrors: true,
			DuplicateKeyMode: mode,
			TargetColumns:    []string{"id", "visits"},
		},
	}
	if kind == dml.KindUpsert {
		req.Policy.UpdateColumnNames = []string{"visits"}
	}
	for _, it := range items {
		req.Add(it)
	}
	return req
}

func visit(id string, n int) dml.Item {
	return dml.Item{ID: id, Values: []any{id, n}}
}

func incrementing(it dml.Item) dml.Item {
	it.UpdateAssignments = []expr.Symbol{expr.Add(expr.Column("visits"), expr.Excluded("visits"))}
	return it
}

func number(t *testing.T, v any) int64 {
	t.Helper()
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		require.NoError(t, err)
		return i
	case int64:
		return n
	case int:
		return int64(n)
	}
	t.Fatalf("not a number: %T %v", v, v)
	return 0
}

func TestForKey(t *testing.T) {
	tests := []struct {
		name      string
		numShards int
	}{
		{"single shard", 1},
		{"four shards", 4},
		{"many shards", 128},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen := map[int]bool{}
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("key-%d", i)
				got := ForKey(key, tt.numShards)
				if got < 0 || got >= tt.numShards {
					t.Fatalf("ForKey(%q, %d) = %d out of range", key, tt.numShards, got)
				}
				assert.Equal(t, got, ForKey(key, tt.numShards), "mapping must be deterministic")
				seen[got] = true
			}
			if tt.numShards <= 4 {
				assert.Len(t, seen, tt.numShards, "keys should spread over all shards")
			}
		})
	}

	assert.Equal(t, 0, ForKey("anything", 0))
}

func TestNewShard(t *testing.T) {
	s := NewShard("visits", 3)

	assert.Equal(t, "visits", s.Index)
	assert.Equal(t, 3, s.ID)
	assert.Equal(t, ShardStateActive, s.State)
	require.NotNil(t, s.Store)
	require.NotNil(t, s.Stats)

	info := s.Info()
	assert.Equal(t, ShardInfo{Index: "visits", ID: 3, State: ShardStateActive}, info)
}

func TestApplyInsert(t *testing.T) {
	s := NewShard("visits", 0)

	resp, err := s.Apply(visitsRequest(dml.DuplicateKeyUpdateOrFail, dml.KindInsert, visit("a", 1), visit("b", 2)))
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Written)
	assert.False(t, resp.HasFailures())
	assert.Empty(t, resp.ResultRows)

	doc, err := s.Get("b")
	require.NoError(t, err)
	assert.Equal(t, "b", doc["id"])
	assert.Equal(t, int64(2), number(t, doc["visits"]))
	assert.Equal(t, []string{"a", "b"}, s.ListKeys())
}

func TestApplyDuplicateKeys(t *testing.T) {
	tests := []struct {
		name        string
		mode        dml.DuplicateKeyMode
		kind        dml.RequestKind
		item        dml.Item
		wantWritten int
		wantIgnored int
		wantFailure dml.FailureKind
		wantVisits  int64
	}{
		{
			name:        "ignore skips silently",
			mode:        dml.DuplicateKeyIgnore,
			kind:        dml.KindUpsert,
			item:        incrementing(visit("a", 5)),
			wantIgnored: 1,
			wantVisits:  1,
		},
		{
			name:        "update applies assignments",
			mode:        dml.DuplicateKeyUpdateOrFail,
			kind:        dml.KindUpsert,
			item:        incrementing(visit("a", 5)),
			wantWritten: 1,
			wantVisits:  6,
		},
		{
			name:        "upsert without assignments fails",
			mode:        dml.DuplicateKeyUpdateOrFail,
			kind:        dml.KindUpsert,
			item:        visit("a", 5),
			wantFailure: dml.FailureDuplicateKey,
			wantVisits:  1,
		},
		{
			name:        "insert format fails on duplicate",
			mode:        dml.DuplicateKeyUpdateOrFail,
			kind:        dml.KindInsert,
			item:        visit("a", 5),
			wantFailure: dml.FailureDuplicateKey,
			wantVisits:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewShard("visits", 0)
			_, err := s.Apply(visitsRequest(tt.mode, dml.KindInsert, visit("a", 1)))
			require.NoError(t, err)

			resp, err := s.Apply(visitsRequest(tt.mode, tt.kind, tt.item))
			require.NoError(t, err)

			assert.Equal(t, tt.wantWritten, resp.Written)
			assert.Equal(t, tt.wantIgnored, resp.Ignored)
			if tt.wantFailure == "" {
				assert.Empty(t, resp.Failures)
			} else {
				require.Len(t, resp.Failures, 1)
				assert.Equal(t, tt.wantFailure, resp.Failures[0].Kind)
				assert.Equal(t, "a", resp.Failures[0].ID)
				assert.Equal(t, 0, resp.Failures[0].Location)
			}

			doc, err := s.Get("a")
			require.NoError(t, err)
			assert.Equal(t, tt.wantVisits, number(t, doc["visits"]))
		})
	}
}

func TestApplySameIDTwiceInOneRequest(t *testing.T) {
	s := NewShard("visits", 0)

	resp, err := s.Apply(visitsRequest(dml.DuplicateKeyUpdateOrFail, dml.KindUpsert,
		incrementing(visit("a", 1)), incrementing(visit("a", 2)), incrementing(visit("a", 3))))
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Written)

	doc, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, int64(6), number(t, doc["visits"]))
}

func TestApplyStopsWithoutContinueOnErrors(t *testing.T) {
	s := NewShard("visits", 0)
	_, err := s.Apply(visitsRequest(dml.DuplicateKeyUpdateOrFail, dml.KindInsert, visit("dup", 1)))
	require.NoError(t, err)

	req := visitsRequest(dml.DuplicateKeyUpdateOrFail, dml.KindInsert, visit("x", 1), visit("dup", 2), visit("y", 3))
	req.Policy.ContinueOnErrors = false

	resp, err := s.Apply(req)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Written)
	require.Len(t, resp.Failures, 2)
	assert.Equal(t, dml.FailureDuplicateKey, resp.Failures[0].Kind)
	assert.Equal(t, dml.FailureAborted, resp.Failures[1].Kind)
	assert.Equal(t, 2, resp.Failures[1].Location)

	_, err = s.Get("y")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound, "items after the failure must not be applied")
	_, err = s.Get("x")
	assert.NoError(t, err, "items before the failure stay written")
}

func TestApplyReturnValues(t *testing.T) {
	s := NewShard("visits", 0)
	_, err := s.Apply(visitsRequest(dml.DuplicateKeyUpdateOrFail, dml.KindInsert, visit("a", 10)))
	require.NoError(t, err)

	returning := []expr.Symbol{expr.Column("id"), expr.Column("visits")}
	withReturn := func(it dml.Item) dml.Item {
		it.ReturnValues = returning
		return it
	}
	req := visitsRequest(dml.DuplicateKeyUpdateOrFail, dml.KindUpsert,
		withReturn(incrementing(visit("a", 1))),
		withReturn(visit("b", 7)),
	)
	req.Policy.ReturnValueNames = []string{"id", "visits"}

	resp, err := s.Apply(req)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Written)
	require.Len(t, resp.ResultRows, 2)

	assert.Equal(t, "a", resp.ResultRows[0][0])
	assert.Equal(t, int64(11), number(t, resp.ResultRows[0][1]))
	assert.Equal(t, []any{"b", 7}, resp.ResultRows[1])
}

func TestApplyIgnoredItemsReturnNoRows(t *testing.T) {
	s := NewShard("visits", 0)
	_, err := s.Apply(visitsRequest(dml.DuplicateKeyIgnore, dml.KindInsert, visit("a", 1)))
	require.NoError(t, err)

	item := visit("a", 2)
	item.ReturnValues = []expr.Symbol{expr.Column("id")}
	req := visitsRequest(dml.DuplicateKeyIgnore, dml.KindUpsert, item)
	req.Policy.ReturnValueNames = []string{"id"}

	resp, err := s.Apply(req)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Written)
	assert.Equal(t, 1, resp.Ignored)
	assert.Empty(t, resp.ResultRows)
}

func TestApplyInvalidItems(t *testing.T) {
	s := NewShard("visits", 0)

	resp, err := s.Apply(visitsRequest(dml.DuplicateKeyUpdateOrFail, dml.KindInsert,
		dml.Item{ID: "", Values: []any{"", 1}},
		dml.Item{ID: "short", Values: []any{"short"}},
		visit("ok", 1),
	))
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Written)
	require.Len(t, resp.Failures, 2)
	for _, f := range resp.Failures {
		assert.Equal(t, dml.FailureInvalid, f.Kind)
	}
}

func TestApplyRejectsWrongShardAndClosedShard(t *testing.T) {
	s := NewShard("visits", 0)

	req := visitsRequest(dml.DuplicateKeyIgnore, dml.KindInsert, visit("a", 1))
	req.ShardID = 1
	_, err := s.Apply(req)
	assert.Error(t, err)

	s.SetState(ShardStateClosed)
	_, err = s.Apply(visitsRequest(dml.DuplicateKeyIgnore, dml.KindInsert, visit("a", 1)))
	assert.ErrorIs(t, err, ErrShardNotActive)
}

func TestShardStats(t *testing.T) {
	s := NewShard("visits", 0)
	_, err := s.Apply(visitsRequest(dml.DuplicateKeyIgnore, dml.KindInsert, visit("a", 1), visit("a", 2), visit("b", 3)))
	require.NoError(t, err)
	_, _ = s.Get("a")

	stats := s.GetStats()
	assert.Equal(t, uint64(1), stats.Ops.Requests)
	assert.Equal(t, uint64(2), stats.Ops.Written)
	assert.Equal(t, uint64(1), stats.Ops.Ignored)
	assert.Equal(t, uint64(0), stats.Ops.Failed)
	assert.Equal(t, uint64(1), stats.Ops.Gets)
	assert.Equal(t, 2, stats.Storage.Keys)
}

func TestShardOnSQLite(t *testing.T) {
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "visits-0.db"))
	require.NoError(t, err)
	s := NewShardWithStore("visits", 0, store)
	defer s.Close()

	_, err = s.Apply(visitsRequest(dml.DuplicateKeyUpdateOrFail, dml.KindInsert, visit("a", 1)))
	require.NoError(t, err)
	resp, err := s.Apply(visitsRequest(dml.DuplicateKeyUpdateOrFail, dml.KindUpsert, incrementing(visit("a", 4))))
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Written)

	doc, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), number(t, doc["visits"]))
}
