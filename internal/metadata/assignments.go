package metadata

import (
	"fmt"
	"sort"

	"github.com/dreamware/shardwrite/internal/expr"
)

// AssignmentResolutionError reports an update assignment or returning
// expression that does not resolve against the target table.
type AssignmentResolutionError struct {
	Table  string
	Column string
	Reason string
}

func (e *AssignmentResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve %q on table %q: %s", e.Column, e.Table, e.Reason)
}

// ResolveAssignments turns ON CONFLICT DO UPDATE assignments into parallel
// target-name and source slices ordered by target name. Primary key, routing
// and partition columns cannot be updated.
func ResolveAssignments(t *Table, assignments map[string]expr.Symbol) ([]string, []expr.Symbol, error) {
	if len(assignments) == 0 {
		return nil, nil, nil
	}
	names := make([]string, 0, len(assignments))
	for name := range assignments {
		names = append(names, name)
	}
	sort.Strings(names)

	fixed := make(map[string]string)
	for _, pk := range t.PrimaryKey {
		fixed[pk] = "primary key columns cannot be updated"
	}
	if t.ClusteredBy != "" {
		fixed[t.ClusteredBy] = "clustered by column cannot be updated"
	}
	if t.PartitionedBy != "" {
		fixed[t.PartitionedBy] = "partitioned by column cannot be updated"
	}

	sources := make([]expr.Symbol, len(names))
	for i, name := range names {
		if t.ColumnIndex(name) < 0 {
			return nil, nil, &AssignmentResolutionError{Table: t.Name, Column: name, Reason: "unknown column"}
		}
		if reason, ok := fixed[name]; ok {
			return nil, nil, &AssignmentResolutionError{Table: t.Name, Column: name, Reason: reason}
		}
		src := assignments[name]
		if src.MaxInput() >= 0 {
			return nil, nil, &AssignmentResolutionError{Table: t.Name, Column: name, Reason: "assignment cannot reference input columns"}
		}
		for _, ref := range src.Columns() {
			if t.ColumnIndex(ref) < 0 {
				return nil, nil, &AssignmentResolutionError{Table: t.Name, Column: ref, Reason: "unknown column in assignment source"}
			}
		}
		sources[i] = src
	}
	return names, sources, nil
}

// ResolveReturning validates RETURNING expressions and returns their output
// column names. Returning expressions see the stored document only.
func ResolveReturning(t *Table, symbols []expr.Symbol) ([]string, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	names := make([]string, len(symbols))
	for i, s := range symbols {
		if s.MaxInput() >= 0 {
			return nil, &AssignmentResolutionError{Table: t.Name, Column: s.String(), Reason: "returning cannot reference input columns"}
		}
		var bad string
		for _, ref := range s.Columns() {
			if t.ColumnIndex(ref) < 0 {
				bad = ref
				break
			}
		}
		if bad != "" {
			return nil, &AssignmentResolutionError{Table: t.Name, Column: bad, Reason: "unknown column in returning"}
		}
		names[i] = s.String()
	}
	return names, nil
}
