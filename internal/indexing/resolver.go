package indexing

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dreamware/shardwrite/internal/metadata"
	"github.com/dreamware/shardwrite/internal/row"
	"github.com/dreamware/shardwrite/internal/shard"
)

var errNullValue = errors.New("null value")

// RowShardResolver derives the index, routing key, id and shard of an input
// row. Input rows hold the values of the write's target columns in order.
type RowShardResolver struct {
	table     *metadata.Table
	pk        []int
	clustered int
	partition int
}

// NewRowShardResolver resolves the key columns of t against the write's
// target columns. Every primary key, clustered-by and partitioned-by column
// must be written.
func NewRowShardResolver(t *metadata.Table, columns []string) (*RowShardResolver, error) {
	pos := make(map[string]int, len(columns))
	for i, c := range columns {
		pos[c] = i
	}
	lookup := func(role, name string) (int, error) {
		i, ok := pos[name]
		if !ok {
			return -1, fmt.Errorf("table %q: %s column %q is not among the target columns", t.Name, role, name)
		}
		return i, nil
	}

	r := &RowShardResolver{table: t, clustered: -1, partition: -1}
	for _, name := range t.PrimaryKey {
		i, err := lookup("primary key", name)
		if err != nil {
			return nil, err
		}
		r.pk = append(r.pk, i)
	}
	if t.ClusteredBy != "" {
		i, err := lookup("clustered by", t.ClusteredBy)
		if err != nil {
			return nil, err
		}
		r.clustered = i
	}
	if t.PartitionedBy != "" {
		i, err := lookup("partitioned by", t.PartitionedBy)
		if err != nil {
			return nil, err
		}
		r.partition = i
	}
	return r, nil
}

// Resolve returns the routing key and id of r. The id is the canonical form
// of the primary key; the routing key is the clustered-by value, or the id.
// Rows of tables without a primary key get a generated id.
func (rs *RowShardResolver) Resolve(r row.Row) (routing, id string, err error) {
	switch len(rs.pk) {
	case 0:
		id = uuid.NewString()
	case 1:
		v, err := rs.value(r, rs.pk[0])
		if err != nil {
			return "", "", fmt.Errorf("primary key %q: %w", rs.table.PrimaryKey[0], err)
		}
		id = canonical(v)
	default:
		values := make([]any, len(rs.pk))
		for i, p := range rs.pk {
			v, err := rs.value(r, p)
			if err != nil {
				return "", "", fmt.Errorf("primary key %q: %w", rs.table.PrimaryKey[i], err)
			}
			values[i] = v
		}
		raw, err := json.Marshal(values)
		if err != nil {
			return "", "", fmt.Errorf("primary key: %w", err)
		}
		id = base64.RawURLEncoding.EncodeToString(raw)
	}

	routing = id
	if rs.clustered >= 0 {
		v, err := rs.value(r, rs.clustered)
		if err != nil {
			return "", "", fmt.Errorf("clustered by %q: %w", rs.table.ClusteredBy, err)
		}
		routing = canonical(v)
	}
	return routing, id, nil
}

// Index returns the index that r is written to.
func (rs *RowShardResolver) Index(r row.Row) (string, error) {
	if rs.partition < 0 {
		return rs.table.Name, nil
	}
	if rs.partition >= len(r) {
		return "", fmt.Errorf("row has %d values, partition column is at %d", len(r), rs.partition)
	}
	return rs.table.IndexName(r[rs.partition]), nil
}

// ShardID maps a routing key to a shard of the table.
func (rs *RowShardResolver) ShardID(routing string) int {
	return shard.ForKey(routing, rs.table.NumShards)
}

func (rs *RowShardResolver) value(r row.Row, i int) (any, error) {
	if i >= len(r) {
		return nil, fmt.Errorf("row has %d values, column is at %d", len(r), i)
	}
	if r[i] == nil {
		return nil, errNullValue
	}
	return r[i], nil
}

func canonical(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}
