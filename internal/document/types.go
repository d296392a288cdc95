// Package document holds the records produced by each pipeline stage and the
// rules that tie them together: assignment coverage, the planning universe,
// plan partitioning, and final assembly.
package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/tabledoc/internal/strategy"
	"github.com/fyrsmithlabs/tabledoc/internal/table"
)

// Assignment maps serialized cell keys ("<pk>,<attribute>") to strategy tags.
type Assignment struct {
	Assignments map[string][]string `json:"assignments"`
}

// NewAssignment returns an empty assignment.
func NewAssignment() Assignment {
	return Assignment{Assignments: map[string][]string{}}
}

// Empty assigns no strategy to every cell.
func Empty(cells []table.CellKey) Assignment {
	a := NewAssignment()
	for _, c := range cells {
		a.Assignments[c.String()] = []string{}
	}
	return a
}

// Tags returns the parsed tags for a serialized cell key.
func (a Assignment) Tags(key string) []strategy.Tag {
	raw := a.Assignments[key]
	out := make([]strategy.Tag, 0, len(raw))
	for _, r := range raw {
		out = append(out, strategy.Tag(r))
	}
	return out
}

// Keys returns the assigned cell keys sorted for deterministic iteration.
func (a Assignment) Keys() []string {
	keys := make([]string, 0, len(a.Assignments))
	for k := range a.Assignments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Check rejects a record missing its assignment map.
func (a *Assignment) Check() error {
	if a.Assignments == nil {
		return errors.New("assignments missing")
	}
	return nil
}

// Restrict removes entries for cells outside eligible (primary-key cells,
// empty cells, unknown rows or columns) and returns the removed keys, sorted.
func (a Assignment) Restrict(eligible []table.CellKey) []string {
	keep := make(map[string]bool, len(eligible))
	for _, c := range eligible {
		keep[c.String()] = true
	}
	var dropped []string
	for k := range a.Assignments {
		if !keep[k] {
			dropped = append(dropped, k)
			delete(a.Assignments, k)
		}
	}
	sort.Strings(dropped)
	return dropped
}

// Coverage returns a defect describing cells missing from a or present
// without being expected, or "" when a holds exactly the expected cells,
// each with at most one known tag.
func (a Assignment) Coverage(expected []table.CellKey) string {
	var missing, invalid, extra []string
	want := make(map[string]bool, len(expected))
	for _, c := range expected {
		want[c.String()] = true
	}
	for _, k := range a.Keys() {
		if !want[k] {
			extra = append(extra, k)
		}
	}
	for _, c := range expected {
		tags, ok := a.Assignments[c.String()]
		if !ok {
			missing = append(missing, c.String())
			continue
		}
		if len(tags) > 1 {
			invalid = append(invalid, fmt.Sprintf("%s has %d strategies, at most one is allowed", c, len(tags)))
			continue
		}
		for _, t := range tags {
			if !strategy.Tag(t).Valid() {
				invalid = append(invalid, fmt.Sprintf("%s has unknown strategy %q", c, t))
			}
		}
	}

	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "Missing cells: "+quoteList(missing))
	}
	if len(invalid) > 0 {
		parts = append(parts, "Invalid assignments: "+strings.Join(invalid, "; "))
	}
	if len(extra) > 0 {
		parts = append(parts, "Not eligible (primary-key, empty or unknown cells): "+quoteList(extra))
	}
	return strings.Join(parts, ". ")
}

// SubFact is one statement a split fact was broken into.
type SubFact struct {
	Fact     string
	Guidance string
}

// SubFacts is an ordered fact → guidance map. It encodes as a JSON object and
// keeps the key order it was decoded with.
type SubFacts []SubFact

// MarshalJSON encodes the sub-facts as an object in order.
func (s SubFacts) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, sf := range s {
		if i > 0 {
			b.WriteByte(',')
		}
		k, err := json.Marshal(sf.Fact)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(sf.Guidance)
		if err != nil {
			return nil, err
		}
		b.Write(k)
		b.WriteByte(':')
		b.Write(v)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// UnmarshalJSON decodes an object of string values, preserving key order.
// Duplicate keys keep their first position and last value.
func (s *SubFacts) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("sub_facts: expected object, got %v", tok)
	}
	var out SubFacts
	pos := map[string]int{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("sub_facts: expected string key, got %v", tok)
		}
		var val string
		if err := dec.Decode(&val); err != nil {
			return fmt.Errorf("sub_facts[%q]: %w", key, err)
		}
		if i, dup := pos[key]; dup {
			out[i].Guidance = val
			continue
		}
		pos[key] = len(out)
		out = append(out, SubFact{Fact: key, Guidance: val})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*s = out
	return nil
}

// Lookup returns the guidance for a sub-fact statement.
func (s SubFacts) Lookup(fact string) (string, bool) {
	for _, sf := range s {
		if sf.Fact == fact {
			return sf.Guidance, true
		}
	}
	return "", false
}

// FactGuidance is the refined writing instruction for one cell.
type FactGuidance struct {
	PrimaryKey      string   `json:"primary_key"`
	Attribute       string   `json:"attribute"`
	Fact            string   `json:"fact"`
	WritingGuidance string   `json:"writing_guidance"`
	SubFacts        SubFacts `json:"sub_facts"`
}

// Key returns the fact map key "<pk>+<attribute>".
func (f FactGuidance) Key() string { return f.PrimaryKey + "+" + f.Attribute }

// Split reports whether sub-facts replace the canonical fact.
func (f FactGuidance) Split() bool { return len(f.SubFacts) > 0 }

// Check validates a decoded fact guidance record.
func (f *FactGuidance) Check() error {
	if f.Fact == "" {
		return errors.New("fact is empty")
	}
	if f.Attribute == "" {
		return errors.New("attribute is empty")
	}
	return nil
}

// FactGuidanceSet is the persisted refine output.
type FactGuidanceSet struct {
	FactList []FactGuidance `json:"fact_list"`
}

// Check validates every entry.
func (s *FactGuidanceSet) Check() error {
	if s.FactList == nil {
		return errors.New("fact_list missing")
	}
	for i := range s.FactList {
		if err := s.FactList[i].Check(); err != nil {
			return fmt.Errorf("fact_list[%d]: %w", i, err)
		}
	}
	return nil
}

// SectionPlan is one planned section.
type SectionPlan struct {
	SectionID int      `json:"section_id"`
	Title     string   `json:"title"`
	Goal      string   `json:"goal"`
	Summary   string   `json:"summary"`
	Facts     []string `json:"facts"`
}

// Plan is the document structure with fact placement.
type Plan struct {
	Theme    string        `json:"theme"`
	Genre    string        `json:"genre"`
	Sections []SectionPlan `json:"sections"`
}

// Check rejects plans without sections or with repeated section ids.
func (p *Plan) Check() error {
	if len(p.Sections) == 0 {
		return errors.New("plan has no sections")
	}
	seen := make(map[int]bool, len(p.Sections))
	for _, s := range p.Sections {
		if seen[s.SectionID] {
			return fmt.Errorf("section_id %d repeated", s.SectionID)
		}
		seen[s.SectionID] = true
	}
	return nil
}

// PreviousSummary returns the summary of the section preceding index i, or
// "" for the first section.
func (p Plan) PreviousSummary(i int) string {
	if i <= 0 || i > len(p.Sections) {
		return ""
	}
	return p.Sections[i-1].Summary
}

// Section is a written section.
type Section struct {
	SectionID int    `json:"section_id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Verified  bool   `json:"verified"`
}

// Check validates a cached section.
func (s *Section) Check() error {
	if s.SectionID < 0 {
		return fmt.Errorf("negative section_id %d", s.SectionID)
	}
	return nil
}

// Document is the assembled output prior to commit.
type Document struct {
	Theme    string    `json:"theme"`
	Genre    string    `json:"genre"`
	Sections []Section `json:"sections"`
}

// Defect is one verification finding.
type Defect struct {
	Description string `json:"description"`
	Suggestion  string `json:"suggestion"`
}

// Verification is the verifier's verdict on a piece of text.
type Verification struct {
	OK     bool     `json:"ok"`
	Errors []Defect `json:"errors"`
}

// FailedVerification builds the synthetic verdict used when a verify call
// itself fails.
func FailedVerification(err error) Verification {
	return Verification{Errors: []Defect{{
		Description: "Verification error: " + err.Error(),
		Suggestion:  "Retry",
	}}}
}

// Describe renders defects as "Error: d\nSuggestion: s" blocks.
func (v Verification) Describe() string {
	if len(v.Errors) == 0 {
		return "Verification failed without specific errors."
	}
	blocks := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		blocks[i] = fmt.Sprintf("Error: %s\nSuggestion: %s", e.Description, e.Suggestion)
	}
	return strings.Join(blocks, "\n\n")
}

// Bullets renders defects as "- description: suggestion" lines.
func (v Verification) Bullets() string {
	lines := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		lines[i] = fmt.Sprintf("- %s: %s", e.Description, e.Suggestion)
	}
	return strings.Join(lines, "\n")
}

func quoteList(items []string) string {
	q := make([]string, len(items))
	for i, s := range items {
		q[i] = "'" + s + "'"
	}
	return "[" + strings.Join(q, ", ") + "]"
}
