// Package expr defines the serializable expressions carried by write requests:
// insert value sources evaluated on the coordinator against input rows, and
// update assignments and returning expressions evaluated on the node against
// the stored document.
package expr

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dreamware/shardwrite/internal/row"
)

// Kind tags a Symbol.
type Kind string

const (
	KindLiteral  Kind = "literal"
	KindInput    Kind = "input"
	KindColumn   Kind = "column"
	KindExcluded Kind = "excluded"
	KindAdd      Kind = "add"
)

// Symbol is an expression tree node.
//
//	Literal   constant Value
//	Input     column Index of the input row (coordinator side only)
//	Column    current value of Column in the stored document (node side only)
//	Excluded  value of Column proposed by the conflicting insert (node side only)
//	Add       numeric sum of Args; null if any argument is null
type Symbol struct {
	Kind   Kind     `json:"kind"`
	Value  any      `json:"value,omitempty"`
	Index  int      `json:"index,omitempty"`
	Column string   `json:"column,omitempty"`
	Args   []Symbol `json:"args,omitempty"`
}

func Literal(v any) Symbol { return Symbol{Kind: KindLiteral, Value: v} }
func Input(i int) Symbol { return Symbol{Kind: KindInput, Index: i} }
func Column(name string) Symbol { return Symbol{Kind: KindColumn, Column: name} }
func Excluded(name string) Symbol { return Symbol{Kind: KindExcluded, Column: name} }
func Add(a Symbol, b ...Symbol) Symbol { return Symbol{Kind: KindAdd, Args: append([]Symbol{a}, b...)} }

// Doc is a stored document keyed by column name.
type Doc map[string]any

// EvalRow evaluates s against an input row.
func (s Symbol) EvalRow(r row.Row) (any, error) {
	switch s.Kind {
	case KindLiteral:
		return s.Value, nil
	case KindInput:
		if s.Index < 0 || s.Index >= len(r) {
			return nil, fmt.Errorf("input column %d out of range for row of %d values", s.Index, len(r))
		}
		return r[s.Index], nil
	case KindAdd:
		return s.add(func(a Symbol) (any, error) { return a.EvalRow(r) })
	case KindColumn, KindExcluded:
		return nil, fmt.Errorf("%s symbol %q cannot be evaluated against an input row", s.Kind, s.Column)
	default:
		return nil, fmt.Errorf("unknown symbol kind %q", s.Kind)
	}
}

// EvalDoc evaluates s against a stored document and the values of the insert
// that conflicted with it.
func (s Symbol) EvalDoc(stored, excluded Doc) (any, error) {
	switch s.Kind {
	case KindLiteral:
		return s.Value, nil
	case KindColumn:
		return stored[s.Column], nil
	case KindExcluded:
		return excluded[s.Column], nil
	case KindAdd:
		return s.add(func(a Symbol) (any, error) { return a.EvalDoc(stored, excluded) })
	case KindInput:
		return nil, fmt.Errorf("input symbol %d cannot be evaluated against a document", s.Index)
	default:
		return nil, fmt.Errorf("unknown symbol kind %q", s.Kind)
	}
}

func (s Symbol) add(eval func(Symbol) (any, error)) (any, error) {
	var (
		isum     int64
		fsum     float64
		floating bool
	)
	for _, a := range s.Args {
		v, err := eval(a)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, nil
		}
		switch n := v.(type) {
		case int:
			isum += int64(n)
		case int32:
			isum += int64(n)
		case int64:
			isum += n
		case float32:
			fsum += float64(n)
			floating = true
		case float64:
			fsum += n
			floating = true
		case json.Number:
			if i, err := n.Int64(); err == nil {
				isum += i
				continue
			}
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("add: %w", err)
			}
			fsum += f
			floating = true
		default:
			return nil, fmt.Errorf("add: non-numeric operand %T", v)
		}
	}
	if floating {
		return fsum + float64(isum), nil
	}
	return isum, nil
}

// Columns returns the document columns referenced by s.
func (s Symbol) Columns() []string {
	var out []string
	s.walk(func(n Symbol) {
		if n.Kind == KindColumn || n.Kind == KindExcluded {
			out = append(out, n.Column)
		}
	})
	return out
}

// MaxInput returns the highest input column index referenced by s, or -1.
func (s Symbol) MaxInput() int {
	highest := -1
	s.walk(func(n Symbol) {
		if n.Kind == KindInput && n.Index > highest {
			highest = n.Index
		}
	})
	return highest
}

func (s Symbol) walk(fn func(Symbol)) {
	fn(s)
	for _, a := range s.Args {
		a.walk(fn)
	}
}

func (s Symbol) String() string {
	switch s.Kind {
	case KindLiteral:
		return fmt.Sprintf("%v", s.Value)
	case KindInput:
		return fmt.Sprintf("$%d", s.Index)
	case KindColumn:
		return s.Column
	case KindExcluded:
		return "excluded." + s.Column
	case KindAdd:
		parts := make([]string, len(s.Args))
		for i, a := range s.Args {
			parts[i] = a.String()
		}
		return "(" + strings.Join(parts, " + ") + ")"
	default:
		return string(s.Kind)
	}
}
