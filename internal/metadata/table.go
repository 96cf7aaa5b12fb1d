// Package metadata describes the tables the write path targets: columns,
// primary key, routing and partition columns, and shard counts. It also
// resolves update assignments and returning expressions against a table
// before any row is written.
package metadata

import (
	"encoding/base32"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	// ErrTableNotFound is returned by Catalog lookups for unknown tables.
	ErrTableNotFound = errors.New("table not found")
	// ErrIndexAlreadyExists is returned when creating an index that exists.
	ErrIndexAlreadyExists = errors.New("index already exists")
	// ErrIndexNotFound is returned when writing to a missing index that may
	// not be created automatically.
	ErrIndexNotFound = errors.New("index not found")
)

// partitionMarker separates a table name from the encoded partition value in
// a partition's index name.
const partitionMarker = "..partitioned."

// nullPartition names the partition of null values. '_' is outside the
// base32hex alphabet, so no encoded value collides with it.
const nullPartition = "_null"

var partitionEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// Column is a declared table column.
type Column struct {
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type,omitempty" json:"type,omitempty"`
}

// Table is a table definition as loaded from the tables file.
type Table struct {
	Name          string   `yaml:"name" json:"name"`
	Columns       []Column `yaml:"columns" json:"columns"`
	PrimaryKey    []string `yaml:"primary_key,omitempty" json:"primary_key,omitempty"`
	ClusteredBy   string   `yaml:"clustered_by,omitempty" json:"clustered_by,omitempty"`
	PartitionedBy string   `yaml:"partitioned_by,omitempty" json:"partitioned_by,omitempty"`
	NumShards     int      `yaml:"shards" json:"shards"`
	NumReplicas   int      `yaml:"replicas" json:"replicas"`
}

// Validate checks that every referenced column is declared and applies the
// default of 4 shards.
func (t *Table) Validate() error {
	if t.Name == "" {
		return errors.New("table name is required")
	}
	if strings.Contains(t.Name, "/") || strings.Contains(t.Name, partitionMarker) {
		return fmt.Errorf("table %q: invalid name", t.Name)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %q: no columns", t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if c.Name == "" {
			return fmt.Errorf("table %q: column without name", t.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("table %q: duplicate column %q", t.Name, c.Name)
		}
		seen[c.Name] = true
	}
	for _, pk := range t.PrimaryKey {
		if !seen[pk] {
			return fmt.Errorf("table %q: primary key column %q is not declared", t.Name, pk)
		}
	}
	if t.ClusteredBy != "" && !seen[t.ClusteredBy] {
		return fmt.Errorf("table %q: clustered by column %q is not declared", t.Name, t.ClusteredBy)
	}
	if t.PartitionedBy != "" && !seen[t.PartitionedBy] {
		return fmt.Errorf("table %q: partitioned by column %q is not declared", t.Name, t.PartitionedBy)
	}
	if t.NumShards <= 0 {
		t.NumShards = 4
	}
	if t.NumReplicas < 0 {
		t.NumReplicas = 0
	}
	return nil
}

// ColumnIndex returns the position of name in Columns, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

func (t *Table) IsPartitioned() bool { return t.PartitionedBy != "" }

// IndexName returns the index holding rows whose partition column has the
// given value. Unpartitioned tables have a single index named after the table.
func (t *Table) IndexName(partitionValue any) string {
	if !t.IsPartitioned() {
		return t.Name
	}
	return PartitionIndexName(t.Name, partitionValue)
}

// PartitionIndexName encodes a partition value into an index name that is
// safe to use as a URL path segment. Null and the empty string are distinct
// partitions.
func PartitionIndexName(table string, value any) string {
	if value == nil {
		return table + partitionMarker + nullPartition
	}
	raw := fmt.Sprint(value)
	return table + partitionMarker + strings.ToLower(partitionEncoding.EncodeToString([]byte(raw)))
}

// TableOfIndex returns the table an index name belongs to.
func TableOfIndex(index string) string {
	if i := strings.Index(index, partitionMarker); i >= 0 {
		return index[:i]
	}
	return index
}

type tablesFile struct {
	Tables []*Table `yaml:"tables"`
}

// LoadTables reads table definitions from a YAML file of the form
//
//	tables:
//	  - name: visits
//	    columns: [{name: id}, {name: day}, {name: count}]
//	    primary_key: [id, day]
//	    partitioned_by: day
//	    shards: 4
func LoadTables(path string) ([]*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tables file: %w", err)
	}
	return ParseTables(data)
}

// ParseTables decodes and validates YAML table definitions.
func ParseTables(data []byte) ([]*Table, error) {
	var f tablesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tables: %w", err)
	}
	for _, t := range f.Tables {
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Tables, nil
}

// Catalog is the coordinator's set of known tables.
type Catalog struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

func NewCatalog() *Catalog {
	return &Catalog{tables: make(map[string]*Table)}
}

// Put validates and stores t, replacing any table with the same name.
func (c *Catalog) Put(t *Table) error {
	if err := t.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[t.Name] = t
	return nil
}

func (c *Catalog) Get(name string) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return t, nil
}

// List returns the tables sorted by name.
func (c *Catalog) List() []*Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Table, 0, len(c.tables))
	for _, t := range c.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
