package document

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FactEntry is one fact a section must contain, with its guidance.
type FactEntry struct {
	Cell     string
	Fact     string
	Guidance string
}

// FactIndex resolves plan fact statements back to their guidance.
type FactIndex struct {
	facts    []FactGuidance
	universe []string
	lookup   map[string]int
	groups   map[string]int
	// alias maps a disambiguated universe statement to the text generated
	// for it.
	alias map[string]string
}

// NewFactIndex indexes facts in order. Each split fact forms a numbered group
// shared by its sub-facts. A statement that repeats an earlier universe
// statement is suffixed with its cell key so every statement can be placed
// exactly once.
func NewFactIndex(facts []FactGuidance) *FactIndex {
	idx := &FactIndex{
		facts:  facts,
		lookup: make(map[string]int, len(facts)),
		groups: map[string]int{},
		alias:  map[string]string{},
	}
	seen := map[string]bool{}
	place := func(stmt string, i, group int) {
		key := stmt
		for n := 1; seen[key]; n++ {
			key = fmt.Sprintf("%s [%s]", stmt, facts[i].Key())
			if n > 1 {
				key = fmt.Sprintf("%s [%s #%d]", stmt, facts[i].Key(), n)
			}
		}
		if key != stmt {
			idx.alias[key] = stmt
		}
		seen[key] = true
		idx.universe = append(idx.universe, key)
		idx.lookup[key] = i
		if group > 0 {
			idx.groups[key] = group
		}
	}

	group := 0
	for i, f := range facts {
		if !f.Split() {
			place(f.Fact, i, 0)
			continue
		}
		group++
		for _, sf := range f.SubFacts {
			place(sf.Fact, i, group)
		}
	}
	// canonical text of a split fact resolves to the whole fact unless it is
	// also a universe statement
	for i, f := range facts {
		if _, ok := idx.lookup[f.Fact]; f.Split() && !ok {
			idx.lookup[f.Fact] = i
		}
	}
	return idx
}

// Facts returns the indexed records.
func (x *FactIndex) Facts() []FactGuidance { return x.facts }

// Map returns the records keyed by "<pk>+<attribute>".
func (x *FactIndex) Map() map[string]FactGuidance {
	m := make(map[string]FactGuidance, len(x.facts))
	for _, f := range x.facts {
		m[f.Key()] = f
	}
	return m
}

// Universe lists the statements the plan must place, each once: sub-facts
// for split facts, the canonical fact otherwise.
func (x *FactIndex) Universe() []string { return x.universe }

// Disambiguated returns how many universe statements were suffixed because
// their text repeated an earlier one.
func (x *FactIndex) Disambiguated() int { return len(x.alias) }

// Group returns the split group a statement belongs to, or 0.
func (x *FactIndex) Group(fact string) int { return x.groups[fact] }

// Expand resolves planned statements into the entries a writer or verifier
// sees. A sub-fact resolves to itself, a split canonical fact to all of its
// sub-facts, and a plain fact to its own guidance. Unknown statements are
// skipped.
func (x *FactIndex) Expand(planned []string) []FactEntry {
	var out []FactEntry
	for _, s := range planned {
		i, ok := x.lookup[s]
		if !ok {
			continue
		}
		f := x.facts[i]
		cell := f.Key()
		if orig, ok := x.alias[s]; ok {
			s = orig
		}
		if g, ok := f.SubFacts.Lookup(s); ok {
			out = append(out, FactEntry{Cell: cell, Fact: s, Guidance: g})
			continue
		}
		if f.Split() {
			for _, sf := range f.SubFacts {
				out = append(out, FactEntry{Cell: cell, Fact: sf.Fact, Guidance: sf.Guidance})
			}
			continue
		}
		out = append(out, FactEntry{Cell: cell, Fact: s, Guidance: f.WritingGuidance})
	}
	return out
}

// RenderEntries formats entries for writing and repair prompts.
func RenderEntries(entries []FactEntry, withCell bool) string {
	if len(entries) == 0 {
		return "No specific facts assigned."
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		var b strings.Builder
		if withCell {
			fmt.Fprintf(&b, "- **Cell:** %s\n  **Fact:** %s\n", e.Cell, e.Fact)
		} else {
			fmt.Fprintf(&b, "- **Fact:** %s\n", e.Fact)
		}
		fmt.Fprintf(&b, "  **Guidance:** %s", e.Guidance)
		lines[i] = b.String()
	}
	return strings.Join(lines, "\n")
}

// Catalog numbers a planning universe so the planner can reference facts by
// id instead of repeating them.
type Catalog struct {
	facts []string
	ids   map[string]string
	index *FactIndex
}

// NewCatalog numbers universe from 1.
func NewCatalog(universe []string, index *FactIndex) *Catalog {
	c := &Catalog{facts: universe, ids: make(map[string]string, len(universe)), index: index}
	for i, f := range universe {
		c.ids[strconv.Itoa(i+1)] = f
	}
	return c
}

// Lines renders "- [n] fact" entries, annotating split-group members.
func (c *Catalog) Lines() string {
	lines := make([]string, len(c.facts))
	for i, f := range c.facts {
		line := fmt.Sprintf("- [%d] %s", i+1, f)
		if c.index != nil {
			if g := c.index.Group(f); g > 0 {
				line += fmt.Sprintf(" (Member of Group %d)", g)
			}
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}

// Resolve maps ids back to statements. Anything that is not a known id is
// kept as given.
func (c *Catalog) Resolve(refs []string) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		if f, ok := c.ids[strings.TrimSpace(r)]; ok {
			out[i] = f
			continue
		}
		out[i] = r
	}
	return out
}

// SectionBounds computes the allowed section count range for factCount
// statements.
func SectionBounds(factCount int, perSectionMin, perSectionMax float64, floor, ceiling int) (int, int) {
	calcMin := int(math.RoundToEven(float64(factCount) / perSectionMax))
	calcMax := int(math.RoundToEven(float64(factCount) / perSectionMin))
	if calcMax < floor {
		return floor, ceiling
	}
	return max(calcMin, floor), calcMax
}
