package expr

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/shardwrite/internal/row"
)

func TestEvalRow(t *testing.T) {
	r := row.Row{int64(7), "bob", nil}

	tests := []struct {
		name    string
		sym     Symbol
		want    any
		wantErr bool
	}{
		{name: "literal", sym: Literal("x"), want: "x"},
		{name: "input", sym: Input(1), want: "bob"},
		{name: "input out of range", sym: Input(3), wantErr: true},
		{name: "add ints", sym: Add(Input(0), Literal(3)), want: int64(10)},
		{name: "add float", sym: Add(Input(0), Literal(0.5)), want: 7.5},
		{name: "add null", sym: Add(Input(0), Input(2)), want: nil},
		{name: "add non numeric", sym: Add(Input(1), Literal(1)), wantErr: true},
		{name: "column rejected", sym: Column("a"), wantErr: true},
		{name: "excluded rejected", sym: Excluded("a"), wantErr: true},
		{name: "unknown", sym: Symbol{Kind: "bogus"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.sym.EvalRow(r)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalDoc(t *testing.T) {
	stored := Doc{"id": "1", "visits": float64(4)}
	excluded := Doc{"id": "1", "visits": float64(1)}

	v, err := Add(Column("visits"), Excluded("visits")).EvalDoc(stored, excluded)
	require.NoError(t, err)
	assert.Equal(t, float64(5), v)

	v, err = Column("missing").EvalDoc(stored, excluded)
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = Add(Literal(json.Number("2")), Literal(json.Number("3"))).EvalDoc(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	_, err = Input(0).EvalDoc(stored, excluded)
	assert.Error(t, err)
}

func TestSymbolJSONRoundTrip(t *testing.T) {
	s := Add(Column("visits"), Excluded("visits"), Literal(float64(1)))
	data, err := json.Marshal(s)
	require.NoError(t, err)

	var back Symbol
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s, back)
	assert.Equal(t, "(visits + excluded.visits + 1)", back.String())
}

func TestSymbolIntrospection(t *testing.T) {
	s := Add(Column("a"), Excluded("b"), Input(4), Input(2))
	assert.Equal(t, []string{"a", "b"}, s.Columns())
	assert.Equal(t, 4, s.MaxInput())
	assert.Equal(t, -1, Literal(1).MaxInput())
	assert.Equal(t, "$2", Input(2).String())
}
