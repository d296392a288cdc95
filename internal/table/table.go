// Package table parses input records and derives the cell universe the
// pipeline generates narrative for.
package table

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// KeySeparator joins composite key values into a row key.
const KeySeparator = ", "

var (
	// ErrInvalidTable is returned for structurally unusable input.
	ErrInvalidTable = errors.New("invalid table")
	// ErrDuplicateKey is returned when two rows share a row key.
	ErrDuplicateKey = errors.New("duplicate row key")
)

// Table is a parsed input record set. All cell values are rendered as text.
type Table struct {
	Header     []string
	PrimaryKey []string
	Rows       [][]string

	keyIndex []int
	lookup   map[string]map[string]string
	order    []string
}

// CellKey identifies a non-key cell.
type CellKey struct {
	PK        string
	Attribute string
}

// String renders the key as "<pk>,<attribute>".
func (k CellKey) String() string { return k.PK + "," + k.Attribute }

type rawTable struct {
	Header     []json.RawMessage   `json:"header"`
	PrimaryKey json.RawMessage     `json:"primary_key"`
	Data       [][]json.RawMessage `json:"data"`
}

// Load reads and parses a table file.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading table: %w", err)
	}
	return Parse(data)
}

// Parse decodes a table document. Header entries and cells may be scalars or
// one-element arrays; numbers keep their literal text, null renders empty.
func Parse(data []byte) (*Table, error) {
	var raw rawTable
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}
	if len(raw.Header) == 0 {
		return nil, fmt.Errorf("%w: empty header", ErrInvalidTable)
	}

	t := &Table{}
	seen := make(map[string]int, len(raw.Header))
	for i, h := range raw.Header {
		name, err := cellText(h)
		if err != nil {
			return nil, fmt.Errorf("%w: header %d: %v", ErrInvalidTable, i, err)
		}
		// cells are keyed by column name
		if first, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: header %d repeats column %q from header %d", ErrInvalidTable, i, name, first)
		}
		seen[name] = i
		t.Header = append(t.Header, name)
	}

	pk, err := parsePrimaryKey(raw.PrimaryKey)
	if err != nil {
		return nil, err
	}
	t.PrimaryKey = pk

	for r, row := range raw.Data {
		if len(row) == 0 {
			continue
		}
		if len(row) != len(t.Header) {
			return nil, fmt.Errorf("%w: row %d has %d cells, header has %d",
				ErrInvalidTable, r, len(row), len(t.Header))
		}
		cells := make([]string, len(row))
		for c, cell := range row {
			v, err := cellText(cell)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d cell %d: %v", ErrInvalidTable, r, c, err)
			}
			cells[c] = v
		}
		t.Rows = append(t.Rows, cells)
	}

	if err := t.index(); err != nil {
		return nil, err
	}
	return t, nil
}

func parsePrimaryKey(msg json.RawMessage) ([]string, error) {
	if len(msg) == 0 {
		return nil, fmt.Errorf("%w: missing primary_key", ErrInvalidTable)
	}
	var single string
	if err := json.Unmarshal(msg, &single); err == nil {
		if single == "" {
			return nil, fmt.Errorf("%w: empty primary_key", ErrInvalidTable)
		}
		return []string{single}, nil
	}
	var list []string
	if err := json.Unmarshal(msg, &list); err != nil {
		return nil, fmt.Errorf("%w: primary_key must be a string or list of strings", ErrInvalidTable)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: empty primary_key", ErrInvalidTable)
	}
	return list, nil
}

// cellText flattens a JSON scalar or one-element array to text.
func cellText(msg json.RawMessage) (string, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	if arr, ok := v.([]any); ok {
		if len(arr) == 0 {
			return "", nil
		}
		v = arr[0]
	}
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		if x {
			return "true", nil
		}
		return "false", nil
	default:
		return "", fmt.Errorf("unsupported cell value %s", string(msg))
	}
}

func (t *Table) index() error {
	pos := make(map[string]int, len(t.Header))
	for i, h := range t.Header {
		if _, dup := pos[h]; !dup {
			pos[h] = i
		}
	}
	t.keyIndex = t.keyIndex[:0]
	for _, k := range t.PrimaryKey {
		i, ok := pos[k]
		if !ok {
			return fmt.Errorf("%w: primary key column %q not in header", ErrInvalidTable, k)
		}
		t.keyIndex = append(t.keyIndex, i)
	}

	t.lookup = make(map[string]map[string]string, len(t.Rows))
	t.order = t.order[:0]
	for _, row := range t.Rows {
		key := t.rowKey(row)
		if _, dup := t.lookup[key]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
		}
		m := make(map[string]string, len(t.Header))
		for i, h := range t.Header {
			m[h] = row[i]
		}
		t.lookup[key] = m
		t.order = append(t.order, key)
	}
	return nil
}

func (t *Table) rowKey(row []string) string {
	parts := make([]string, len(t.keyIndex))
	for i, idx := range t.keyIndex {
		parts[i] = row[idx]
	}
	return strings.Join(parts, KeySeparator)
}

// Composite reports whether the primary key spans more than one column.
func (t *Table) Composite() bool { return len(t.PrimaryKey) > 1 }

// RowKeys returns row keys in input order.
func (t *Table) RowKeys() []string {
	return append([]string(nil), t.order...)
}

// Value returns the cell value for a row key and attribute.
func (t *Table) Value(pk, attribute string) (string, bool) {
	row, ok := t.lookup[pk]
	if !ok {
		return "", false
	}
	v, ok := row[attribute]
	return v, ok
}

// HasRow reports whether pk is a known row key.
func (t *Table) HasRow(pk string) bool {
	_, ok := t.lookup[pk]
	return ok
}

func (t *Table) isKeyColumn(i int) bool {
	for _, k := range t.keyIndex {
		if k == i {
			return true
		}
	}
	return false
}

// EligibleCells returns every non-key cell whose value is non-blank, in row
// then column order.
func (t *Table) EligibleCells() []CellKey {
	var cells []CellKey
	for r, row := range t.Rows {
		pk := t.order[r]
		for i, h := range t.Header {
			if t.isKeyColumn(i) || strings.TrimSpace(row[i]) == "" {
				continue
			}
			cells = append(cells, CellKey{PK: pk, Attribute: h})
		}
	}
	return cells
}

// ResolveCellKey splits a serialized "<pk>,<attribute>" key. Attribute names
// may contain commas, so the longest header suffix whose prefix is a known
// row key wins; otherwise the key is split at its last comma.
func (t *Table) ResolveCellKey(s string) (CellKey, error) {
	headers := append([]string(nil), t.Header...)
	sort.SliceStable(headers, func(i, j int) bool { return len(headers[i]) > len(headers[j]) })
	for _, h := range headers {
		suffix := "," + h
		if strings.HasSuffix(s, suffix) {
			pk := strings.TrimSuffix(s, suffix)
			if t.HasRow(pk) {
				return CellKey{PK: pk, Attribute: h}, nil
			}
		}
	}
	i := strings.LastIndex(s, ",")
	if i < 0 {
		return CellKey{}, fmt.Errorf("malformed cell key %q", s)
	}
	return CellKey{PK: s[:i], Attribute: s[i+1:]}, nil
}

// DescribeKey renders a row key for prompts: "the record with A='x' and B='y'"
// for composite keys, "'v'" otherwise.
func (t *Table) DescribeKey(pk string) string {
	if t.Composite() {
		parts := strings.Split(pk, KeySeparator)
		if len(parts) == len(t.PrimaryKey) {
			pairs := make([]string, len(parts))
			for i, col := range t.PrimaryKey {
				pairs[i] = fmt.Sprintf("%s='%s'", col, parts[i])
			}
			return "the record with " + strings.Join(pairs, " and ")
		}
	}
	return "'" + pk + "'"
}

// KeyDisplay names the primary key for prompts.
func (t *Table) KeyDisplay() string {
	if t.Composite() {
		return "[" + strings.Join(t.PrimaryKey, ", ") + "] (composite key)"
	}
	return t.PrimaryKey[0]
}

// Markdown renders the table as a pipe table.
func (t *Table) Markdown() string {
	var b strings.Builder
	b.WriteString("| " + strings.Join(t.Header, " | ") + " |\n")
	sep := make([]string, len(t.Header))
	for i := range sep {
		sep[i] = "---"
	}
	b.WriteString("| " + strings.Join(sep, " | ") + " |\n")
	for _, row := range t.Rows {
		b.WriteString("| " + strings.Join(row, " | ") + " |\n")
	}
	return b.String()
}
