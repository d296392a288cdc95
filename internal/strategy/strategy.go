// Package strategy defines the diversification tags assigned to table cells.
package strategy

import (
	"fmt"
	"strings"
)

// Tag is a diversification strategy identifier.
type Tag string

const (
	FormatTransform   Tag = "T1"
	UnitTransform     Tag = "T2"
	SemanticMapping   Tag = "T3"
	Arithmetic        Tag = "R1"
	LogicalReasoning  Tag = "R2"
	TemporalReasoning Tag = "R3"
	MultiHop          Tag = "R4"
	FalsehoodFilter   Tag = "D1"
	Disambiguation    Tag = "D2"
)

// All lists every tag in canonical order.
var All = []Tag{
	FormatTransform, UnitTransform, SemanticMapping,
	Arithmetic, LogicalReasoning, TemporalReasoning, MultiHop,
	FalsehoodFilter, Disambiguation,
}

type definition struct {
	name     string
	short    string
	detailed string
}

var definitions = map[Tag]definition{
	FormatTransform: {
		name:     "Format Transformation",
		short:    "express the value in another format, such as words or numerals, without changing it",
		detailed: "Write the value in a different but exactly reversible format (spelled-out words, Roman numerals). Do not use the plain digits.",
	},
	UnitTransform: {
		name:     "Unit Transformation",
		short:    "convert the value to another unit, magnitude, or currency without losing precision",
		detailed: "State the value in another unit or magnitude (2048 MB as 2 GB, 0.5 as 50%). The conversion must allow exact recovery of the original.",
	},
	SemanticMapping: {
		name:     "Semantic Mapping",
		short:    "imply the value through an idiom or descriptor with a fixed numeric meaning",
		detailed: "Replace the number with a term that unambiguously implies it (a dozen for 12, runner-up for 2nd).",
	},
	Arithmetic: {
		name:     "Basic Arithmetic",
		short:    "derive the value from one simple operation on two numbers",
		detailed: "Give two numbers and one operation whose result is the value. Never state the value itself.",
	},
	LogicalReasoning: {
		name:     "Logical Reasoning",
		short:    "let the value follow from stated conditions instead of stating it",
		detailed: "Describe conditions from which the value is the only possible conclusion.",
	},
	TemporalReasoning: {
		name:     "Temporal Reasoning",
		short:    "reformat dates or tie the value to a relative time or duration",
		detailed: "Reformat the date or anchor the value to a relative time reference or a duration between dates. The reference must identify the value exactly.",
	},
	MultiHop: {
		name:     "Multi-hop Reasoning",
		short:    "chain several reasoning steps to reach the value",
		detailed: "Combine dependent steps (arithmetic with temporal or logical reasoning) into a traceable chain ending at the value.",
	},
	FalsehoodFilter: {
		name:     "Falsehood Filtering",
		short:    "mention a clearly marked wrong value before the correct one",
		detailed: "Mention an explicitly incorrect, outdated or rumored value, then state the verified one. The distinction must be explicit.",
	},
	Disambiguation: {
		name:     "Similarity Disambiguation",
		short:    "place similar values of related attributes or entities nearby",
		detailed: "Mention values of similar attributes or related entities close to the target. Attribute each value to its source explicitly.",
	},
}

// Valid reports whether t is a known tag.
func (t Tag) Valid() bool {
	_, ok := definitions[t]
	return ok
}

// Name returns the human-readable strategy name.
func (t Tag) Name() string { return definitions[t].name }

// Short returns the one-line definition used for assignment prompts.
func (t Tag) Short() string {
	d, ok := definitions[t]
	if !ok {
		return string(t)
	}
	return fmt.Sprintf("%s: %s - %s", t, d.name, d.short)
}

// Detailed returns the guidance-level definition used for refinement prompts.
func (t Tag) Detailed() string {
	d, ok := definitions[t]
	if !ok {
		return string(t)
	}
	return fmt.Sprintf("* %s (%s): %s", t, d.name, d.detailed)
}

// ShortDefinitions returns numbered short definitions for every tag.
func ShortDefinitions() []string {
	out := make([]string, len(All))
	for i, t := range All {
		out[i] = fmt.Sprintf("%d. %s", i+1, t.Short())
	}
	return out
}

// DetailedDefinitions returns detailed definitions for the given tags.
func DetailedDefinitions(tags []Tag) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		out = append(out, t.Detailed())
	}
	return out
}

// NeedsSplit reports whether any tag is a reasoning (R*) or distractor (D*)
// strategy, which may require a fact to be split into sub-facts.
func NeedsSplit(tags []Tag) bool {
	for _, t := range tags {
		if strings.HasPrefix(string(t), "R") || strings.HasPrefix(string(t), "D") {
			return true
		}
	}
	return false
}

// Parse validates a list of raw tag strings.
func Parse(raw []string) ([]Tag, error) {
	tags := make([]Tag, 0, len(raw))
	for _, r := range raw {
		t := Tag(strings.TrimSpace(r))
		if !t.Valid() {
			return nil, fmt.Errorf("unknown strategy %q", r)
		}
		tags = append(tags, t)
	}
	return tags, nil
}

// Strings converts tags back to plain strings.
func Strings(tags []Tag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = string(t)
	}
	return out
}
