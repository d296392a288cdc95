package table

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const products = `{
	"header": ["Product", ["Price"], "Stock", "Note"],
	"primary_key": "Product",
	"data": [
		["Widget", [9.5], 12, ""],
		[["Gadget"], 20, 0, "new"]
	]
}`

func TestParse_FlattensCells(t *testing.T) {
	tbl, err := Parse([]byte(products))
	require.NoError(t, err)

	assert.Equal(t, []string{"Product", "Price", "Stock", "Note"}, tbl.Header)
	assert.Equal(t, []string{"Product"}, tbl.PrimaryKey)
	assert.False(t, tbl.Composite())
	assert.Equal(t, [][]string{
		{"Widget", "9.5", "12", ""},
		{"Gadget", "20", "0", "new"},
	}, tbl.Rows)

	v, ok := tbl.Value("Gadget", "Note")
	assert.True(t, ok)
	assert.Equal(t, "new", v)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `{`},
		{"empty header", `{"header": [], "primary_key": "a", "data": []}`},
		{"missing key", `{"header": ["a"], "data": []}`},
		{"unknown key column", `{"header": ["a"], "primary_key": "b", "data": []}`},
		{"ragged row", `{"header": ["a","b"], "primary_key": "a", "data": [["x"]]}`},
		{"object cell", `{"header": ["a","b"], "primary_key": "a", "data": [["x", {"k": 1}]]}`},
		{"repeated column", `{"header": ["a","b","b"], "primary_key": "a", "data": [["x","1","2"]]}`},
		{"repeated numeric column", `{"header": ["a",2,"2"], "primary_key": "a", "data": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			assert.ErrorIs(t, err, ErrInvalidTable)
		})
	}
}

func TestParse_DuplicateKey(t *testing.T) {
	_, err := Parse([]byte(`{"header": ["a","b"], "primary_key": "a", "data": [["x","1"],["x","2"]]}`))
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestEligibleCells_TwoRowsThreeColumns(t *testing.T) {
	tbl, err := Parse([]byte(`{
		"header": ["Name", "A", "B", "C"],
		"primary_key": "Name",
		"data": [["r1", 1, 2, 3], ["r2", "x", "y", "z"]]
	}`))
	require.NoError(t, err)

	cells := tbl.EligibleCells()
	require.Len(t, cells, 6)
	assert.Equal(t, CellKey{PK: "r1", Attribute: "A"}, cells[0])
	assert.Equal(t, "r2,C", cells[5].String())
}

func TestEligibleCells_SkipsBlankAndKey(t *testing.T) {
	tbl, err := Parse([]byte(products))
	require.NoError(t, err)

	var keys []string
	for _, c := range tbl.EligibleCells() {
		keys = append(keys, c.String())
	}
	assert.Equal(t, []string{"Widget,Price", "Widget,Stock", "Gadget,Price", "Gadget,Stock", "Gadget,Note"}, keys)
}

func TestCompositeKey(t *testing.T) {
	tbl, err := Parse([]byte(`{
		"header": ["Year", "Region", "Sales"],
		"primary_key": ["Year", "Region"],
		"data": [[2023, "EU", 10], [2023, "US", 12]]
	}`))
	require.NoError(t, err)

	assert.True(t, tbl.Composite())
	assert.Equal(t, []string{"2023, EU", "2023, US"}, tbl.RowKeys())
	assert.Equal(t, "[Year, Region] (composite key)", tbl.KeyDisplay())
	assert.Equal(t, "the record with Year='2023' and Region='EU'", tbl.DescribeKey("2023, EU"))
	assert.Equal(t, "'2023'", tbl.DescribeKey("2023"))

	cells := tbl.EligibleCells()
	require.Len(t, cells, 2)
	assert.Equal(t, "2023, EU,Sales", cells[0].String())
}

func TestDescribeKey_Single(t *testing.T) {
	tbl, err := Parse([]byte(products))
	require.NoError(t, err)
	assert.Equal(t, "'Widget'", tbl.DescribeKey("Widget"))
	assert.Equal(t, "Product", tbl.KeyDisplay())
}

func TestResolveCellKey(t *testing.T) {
	tbl, err := Parse([]byte(`{
		"header": ["Id", "Revenue, net", "net"],
		"primary_key": "Id",
		"data": [["a", 1, 2], ["a, b", 3, 4]]
	}`))
	require.NoError(t, err)

	tests := []struct {
		in   string
		want CellKey
	}{
		{"a,Revenue, net", CellKey{PK: "a", Attribute: "Revenue, net"}},
		{"a,net", CellKey{PK: "a", Attribute: "net"}},
		{"a, b,net", CellKey{PK: "a, b", Attribute: "net"}},
		{"zzz,other", CellKey{PK: "zzz", Attribute: "other"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := tbl.ResolveCellKey(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = tbl.ResolveCellKey("nocomma")
	assert.Error(t, err)
}

func TestMarkdown(t *testing.T) {
	tbl, err := Parse([]byte(`{"header": ["a","b"], "primary_key": "a", "data": [["x", true]]}`))
	require.NoError(t, err)
	assert.Equal(t, "| a | b |\n| --- | --- |\n| x | true |\n", tbl.Markdown())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.json")
	require.NoError(t, os.WriteFile(path, []byte(products), 0o600))

	tbl, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, tbl.Rows, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
