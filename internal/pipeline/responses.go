package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/tabledoc/internal/document"
	"github.com/fyrsmithlabs/tabledoc/internal/retry"
)

// assignmentResponse is the planner's nested {pk: {column: [tags]}} answer.
type assignmentResponse struct {
	Assignments map[string]map[string][]string `json:"assignments"`
}

func (r assignmentResponse) flatten() document.Assignment {
	a := document.NewAssignment()
	for pk, cols := range r.Assignments {
		for col, tags := range cols {
			if tags == nil {
				tags = []string{}
			}
			a.Assignments[pk+","+col] = tags
		}
	}
	return a
}

type guidanceResponse struct {
	Guidance string `json:"guidance"`
}

type splitResponse struct {
	IsSplit  bool              `json:"is_split"`
	SubFacts document.SubFacts `json:"sub_facts"`
}

func (r *splitResponse) Check() error {
	if r.IsSplit && len(r.SubFacts) == 0 {
		return errors.New("is_split is true but sub_facts is empty")
	}
	return nil
}

// factRef is a plan entry: a fact id or a full statement. Numeric ids are
// accepted and rendered as text.
type factRef string

func (f *factRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = factRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("fact must be a string or number: %s", string(data))
	}
	*f = factRef(n.String())
	return nil
}

type sectionPlanResponse struct {
	SectionID int       `json:"section_id"`
	Title     string    `json:"title"`
	Goal      string    `json:"goal"`
	Summary   string    `json:"summary"`
	Facts     []factRef `json:"facts"`
}

type planResponse struct {
	Theme    string                `json:"theme"`
	Genre    string                `json:"genre"`
	Sections []sectionPlanResponse `json:"sections"`
}

var (
	assignmentDecoder = retry.NewDecoder[assignmentResponse]("assignment", `{
		"type": "object",
		"required": ["assignments"],
		"properties": {
			"assignments": {
				"type": "object",
				"additionalProperties": {
					"type": "object",
					"additionalProperties": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}`)

	guidanceDecoder = retry.NewDecoder[guidanceResponse]("guidance", `{
		"type": "object",
		"required": ["guidance"],
		"properties": {"guidance": {"type": "string", "minLength": 1}}
	}`)

	splitDecoder = retry.NewDecoder[splitResponse]("fact_split", `{
		"type": "object",
		"required": ["is_split"],
		"properties": {
			"is_split": {"type": "boolean"},
			"sub_facts": {"type": ["object", "null"], "additionalProperties": {"type": "string"}}
		}
	}`)

	verificationDecoder = retry.NewDecoder[document.Verification]("verification", `{
		"type": "object",
		"required": ["ok"],
		"properties": {
			"ok": {"type": "boolean"},
			"errors": {
				"type": ["array", "null"],
				"items": {
					"type": "object",
					"properties": {
						"description": {"type": "string"},
						"suggestion": {"type": "string"}
					}
				}
			}
		}
	}`)

	planDecoder = retry.NewDecoder[planResponse]("document_plan", `{
		"type": "object",
		"required": ["theme", "genre", "sections"],
		"properties": {
			"theme": {"type": "string"},
			"genre": {"type": "string"},
			"sections": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["section_id", "title", "facts"],
					"properties": {
						"section_id": {"type": "integer", "minimum": 0},
						"title": {"type": "string"},
						"goal": {"type": "string"},
						"summary": {"type": "string"},
						"facts": {"type": "array", "items": {"type": ["string", "integer"]}}
					}
				}
			}
		}
	}`)
)
