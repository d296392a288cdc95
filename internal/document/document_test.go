package document

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/tabledoc/internal/table"
)

func TestAssignment_Coverage(t *testing.T) {
	cells := []table.CellKey{{PK: "r1", Attribute: "A"}, {PK: "r1", Attribute: "B"}, {PK: "r2", Attribute: "A"}}

	tests := []struct {
		name string
		a    map[string][]string
		want string
	}{
		{
			name: "complete",
			a:    map[string][]string{"r1,A": {"T1"}, "r1,B": {}, "r2,A": {"D2"}},
		},
		{
			name: "missing",
			a:    map[string][]string{"r1,A": {}},
			want: "Missing cells: ['r1,B', 'r2,A']",
		},
		{
			name: "too many tags",
			a:    map[string][]string{"r1,A": {"T1", "T2"}, "r1,B": {}, "r2,A": {}},
			want: "Invalid assignments: r1,A has 2 strategies, at most one is allowed",
		},
		{
			name: "key, empty and unknown cells",
			a: map[string][]string{
				"r1,A": {}, "r1,B": {}, "r2,A": {},
				"r1,Name": {}, "r2,B": {"T1"}, "ghost,A": {},
			},
			want: "Not eligible (primary-key, empty or unknown cells): ['ghost,A', 'r1,Name', 'r2,B']",
		},
		{
			name: "unknown tag",
			a:    map[string][]string{"r1,A": {"Q7"}, "r1,B": {}, "r2,A": {}},
			want: `Invalid assignments: r1,A has unknown strategy "Q7"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Assignment{Assignments: tt.a}.Coverage(cells))
		})
	}
}

func TestAssignment_Restrict(t *testing.T) {
	cells := []table.CellKey{{PK: "r1", Attribute: "A"}}
	a := Assignment{Assignments: map[string][]string{
		"r1,A": {"T1"}, "r1,Name": {}, "r1,B": {}, "ghost,A": {"D1"},
	}}

	assert.Equal(t, []string{"ghost,A", "r1,B", "r1,Name"}, a.Restrict(cells))
	assert.Equal(t, []string{"r1,A"}, a.Keys())
	assert.Equal(t, "", a.Coverage(cells))
	assert.Empty(t, a.Restrict(cells))
}

func TestEmptyAssignment(t *testing.T) {
	cells := []table.CellKey{{PK: "r1", Attribute: "A"}, {PK: "r2", Attribute: "A"}}
	a := Empty(cells)
	assert.Equal(t, "", a.Coverage(cells))
	assert.Equal(t, []string{"r1,A", "r2,A"}, a.Keys())
	assert.Empty(t, a.Tags("r1,A"))

	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, `{"assignments": {"r1,A": [], "r2,A": []}}`, string(data))
}

func TestSubFacts_PreservesOrder(t *testing.T) {
	var f FactGuidance
	require.NoError(t, json.Unmarshal([]byte(`{
		"primary_key": "r1", "attribute": "A", "fact": "The A for 'r1' is 10",
		"writing_guidance": "",
		"sub_facts": {"zeta": "g1", "alpha": "g2", "mid": "g3"}
	}`), &f))

	require.Len(t, f.SubFacts, 3)
	assert.Equal(t, "zeta", f.SubFacts[0].Fact)
	assert.Equal(t, "mid", f.SubFacts[2].Fact)
	assert.True(t, f.Split())
	assert.Equal(t, "r1+A", f.Key())

	out, err := json.Marshal(f.SubFacts)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":"g1","alpha":"g2","mid":"g3"}`, string(out))

	var empty SubFacts
	require.NoError(t, json.Unmarshal([]byte(`{}`), &empty))
	assert.False(t, FactGuidance{SubFacts: empty}.Split())

	assert.Error(t, json.Unmarshal([]byte(`["x"]`), &empty))
}

func sampleFacts() []FactGuidance {
	return []FactGuidance{
		{PrimaryKey: "r1", Attribute: "A", Fact: "The A for 'r1' is 1", WritingGuidance: "g-a"},
		{PrimaryKey: "r1", Attribute: "B", Fact: "The B for 'r1' is 2", SubFacts: SubFacts{
			{Fact: "B part one", Guidance: "s1"},
			{Fact: "B part two", Guidance: "s2"},
		}},
		{PrimaryKey: "r2", Attribute: "A", Fact: "The A for 'r2' is 3", WritingGuidance: "g-c"},
	}
}

func TestFactIndex_Universe(t *testing.T) {
	idx := NewFactIndex(sampleFacts())
	assert.Equal(t, []string{"The A for 'r1' is 1", "B part one", "B part two", "The A for 'r2' is 3"}, idx.Universe())
	assert.Equal(t, 1, idx.Group("B part two"))
	assert.Equal(t, 0, idx.Group("The A for 'r1' is 1"))
	assert.Contains(t, idx.Map(), "r1+B")
}

func TestFactIndex_RepeatedStatements(t *testing.T) {
	facts := []FactGuidance{
		{PrimaryKey: "r1", Attribute: "A", Fact: "Same text", WritingGuidance: "g1"},
		{PrimaryKey: "r2", Attribute: "A", Fact: "Other", SubFacts: SubFacts{
			{Fact: "Same text", Guidance: "s1"},
			{Fact: "Part two", Guidance: "s2"},
		}},
		{PrimaryKey: "r3", Attribute: "A", Fact: "Same text", WritingGuidance: "g3"},
	}
	idx := NewFactIndex(facts)

	universe := idx.Universe()
	assert.Equal(t, []string{"Same text", "Same text [r2+A]", "Part two", "Same text [r3+A]"}, universe)
	assert.Equal(t, 2, idx.Disambiguated())
	assert.Equal(t, 1, idx.Group("Same text [r2+A]"))
	assert.Equal(t, 0, idx.Group("Same text"))

	// every statement placed once is a valid partition
	assert.True(t, ValidatePartition(planOf(universe), universe).OK())
	missing := ValidatePartition(planOf(universe[:3]), universe)
	assert.Equal(t, []string{"Same text [r3+A]"}, missing.Missing)

	assert.Equal(t, []FactEntry{
		{Cell: "r1+A", Fact: "Same text", Guidance: "g1"},
		{Cell: "r2+A", Fact: "Same text", Guidance: "s1"},
		{Cell: "r3+A", Fact: "Same text", Guidance: "g3"},
	}, idx.Expand([]string{"Same text", "Same text [r2+A]", "Same text [r3+A]"}))
}

func TestFactIndex_Expand(t *testing.T) {
	idx := NewFactIndex(sampleFacts())

	got := idx.Expand([]string{"B part two", "The A for 'r2' is 3", "no such fact"})
	assert.Equal(t, []FactEntry{
		{Cell: "r1+B", Fact: "B part two", Guidance: "s2"},
		{Cell: "r2+A", Fact: "The A for 'r2' is 3", Guidance: "g-c"},
	}, got)

	// A split canonical fact expands to its sub-facts.
	got = idx.Expand([]string{"The B for 'r1' is 2"})
	require.Len(t, got, 2)
	assert.Equal(t, "B part one", got[0].Fact)

	assert.Equal(t, "No specific facts assigned.", RenderEntries(nil, false))
	assert.Equal(t, "- **Cell:** r2+A\n  **Fact:** x\n  **Guidance:** g",
		RenderEntries([]FactEntry{{Cell: "r2+A", Fact: "x", Guidance: "g"}}, true))
}

func TestCatalog(t *testing.T) {
	idx := NewFactIndex(sampleFacts())
	cat := NewCatalog(idx.Universe(), idx)

	assert.Equal(t,
		"- [1] The A for 'r1' is 1\n- [2] B part one (Member of Group 1)\n- [3] B part two (Member of Group 1)\n- [4] The A for 'r2' is 3",
		cat.Lines())
	assert.Equal(t, []string{"B part one", "The A for 'r1' is 1", "99", "free text"},
		cat.Resolve([]string{"2", " 1 ", "99", "free text"}))
}

func TestSectionBounds(t *testing.T) {
	tests := []struct {
		facts          int
		wantMin, wantMax int
	}{
		{facts: 10, wantMin: 80, wantMax: 160},
		{facts: 45, wantMin: 80, wantMax: 90},
		{facts: 300, wantMin: 100, wantMax: 600},
		{facts: 0, wantMin: 80, wantMax: 160},
	}
	for _, tt := range tests {
		lo, hi := SectionBounds(tt.facts, 0.5, 3, 80, 160)
		assert.Equal(t, tt.wantMin, lo, "facts=%d", tt.facts)
		assert.Equal(t, tt.wantMax, hi, "facts=%d", tt.facts)
	}
}

func planOf(groups ...[]string) Plan {
	p := Plan{Theme: "t", Genre: "g"}
	for i, g := range groups {
		p.Sections = append(p.Sections, SectionPlan{SectionID: i, Facts: g})
	}
	return p
}

func TestValidatePartition(t *testing.T) {
	universe := []string{"1", "2", "3"}

	ok := ValidatePartition(planOf([]string{"1", "2"}, []string{"3"}), universe)
	assert.True(t, ok.OK())
	assert.NoError(t, ok.Err())
	assert.Empty(t, ok.Message())

	dup := ValidatePartition(planOf([]string{"1", "2", "3"}, []string{"3"}), universe)
	assert.False(t, dup.OK())
	assert.Equal(t, []string{"3"}, dup.Duplicates)
	assert.Empty(t, dup.Missing)
	assert.Contains(t, dup.Message(), "appear multiple times")
	assert.Contains(t, dup.Message(), "['3']")
	assert.True(t, errors.Is(dup.Err(), ErrPartition))

	missing := ValidatePartition(planOf([]string{"1"}, []string{"extra"}), universe)
	assert.Equal(t, []string{"2", "3"}, missing.Missing)
	assert.Equal(t, []string{"extra"}, missing.Unknown)
	assert.Contains(t, missing.Message(), "Do not change correctly assigned facts")
}

func TestPlan_Check(t *testing.T) {
	p := planOf([]string{"a"}, []string{"b"})
	assert.NoError(t, p.Check())
	assert.Equal(t, "", p.PreviousSummary(0))

	p.Sections[0].Summary = "first"
	assert.Equal(t, "first", p.PreviousSummary(1))

	p.Sections[1].SectionID = 0
	assert.Error(t, p.Check())

	empty := Plan{}
	assert.Error(t, empty.Check())
}

func TestVerification_Describe(t *testing.T) {
	v := Verification{Errors: []Defect{
		{Description: "missing fact", Suggestion: "add it"},
		{Description: "wrong value", Suggestion: "fix it"},
	}}
	assert.Equal(t, "Error: missing fact\nSuggestion: add it\n\nError: wrong value\nSuggestion: fix it", v.Describe())
	assert.Equal(t, "- missing fact: add it\n- wrong value: fix it", v.Bullets())
	assert.Equal(t, "Verification failed without specific errors.", Verification{}.Describe())

	failed := FailedVerification(errors.New("timeout"))
	assert.False(t, failed.OK)
	assert.Equal(t, "Verification error: timeout", failed.Errors[0].Description)
	assert.Equal(t, "Retry", failed.Errors[0].Suggestion)
}

func TestAssemble(t *testing.T) {
	doc := Document{Sections: []Section{
		{SectionID: 1, Content: "# Two", Verified: true},
		{SectionID: 0, Content: "# One", Verified: true},
	}}
	out, err := Assemble(doc)
	require.NoError(t, err)
	assert.Equal(t, "# One\n\n# Two\n\n", out)

	doc.Sections[0].Verified = false
	_, err = Assemble(doc)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncomplete)

	var inc *IncompleteError
	require.ErrorAs(t, err, &inc)
	assert.Equal(t, 1, inc.Verified)
	assert.Equal(t, 2, inc.Total)
	assert.Equal(t, []int{1}, inc.Unverified)
}

func TestRenderHTML(t *testing.T) {
	html, err := RenderHTML("# Title\n\nBody text.\n\n")
	require.NoError(t, err)
	assert.Contains(t, html, "<h1>Title</h1>")
	assert.Contains(t, html, "<p>Body text.</p>")
}
