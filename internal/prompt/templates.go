package prompt

import (
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Template names.
const (
	TmplStrategyAssignment = "strategy_assignment.tmpl"
	TmplCellGuidance       = "cell_guidance.tmpl"
	TmplCellGuidanceCheck  = "cell_guidance_check.tmpl"
	TmplFactSplit          = "fact_split.tmpl"
	TmplFactSplitCheck     = "fact_split_check.tmpl"
	TmplDocumentPlan       = "document_plan.tmpl"
	TmplWriteSection       = "write_section.tmpl"
	TmplVerifySection      = "verify_section.tmpl"
	TmplRepairSection      = "repair_section.tmpl"
)

var templates = template.Must(
	template.New("prompts").
		Funcs(template.FuncMap{"inc": func(i int) int { return i + 1 }}).
		ParseFS(templateFS, "templates/*.tmpl"),
)

// Render executes the named template with data.
func Render(name string, data any) (string, error) {
	var b strings.Builder
	if err := templates.ExecuteTemplate(&b, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return b.String(), nil
}

// StrategyData fills TmplStrategyAssignment.
type StrategyData struct {
	Table       string
	PrimaryKey  string
	Definitions []string
}

// CellData fills TmplCellGuidance and TmplCellGuidanceCheck.
type CellData struct {
	Table       string
	Key         string
	Attribute   string
	Value       string
	Tags        string
	Definitions string
	Guidance    string
}

// FactData fills TmplFactSplit and TmplFactSplitCheck.
type FactData struct {
	Key       string
	Attribute string
	Value     string
	Guidance  string
	Fact      string
	SubFacts  string
}

// PlanData fills TmplDocumentPlan.
type PlanData struct {
	MinSections int
	MaxSections int
	Dispersion  string
	Facts       string
}

// SectionData fills the write, verify, and repair templates.
type SectionData struct {
	Table           string
	Theme           string
	Genre           string
	PreviousSummary string
	Title           string
	Summary         string
	Goal            string
	Content         string
	Facts           string
	Errors          string
}
