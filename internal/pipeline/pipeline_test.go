package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/fyrsmithlabs/tabledoc/internal/document"
	"github.com/fyrsmithlabs/tabledoc/internal/gate"
	"github.com/fyrsmithlabs/tabledoc/internal/llm"
	"github.com/fyrsmithlabs/tabledoc/internal/prompt"
	"github.com/fyrsmithlabs/tabledoc/internal/retry"
	"github.com/fyrsmithlabs/tabledoc/internal/stagecache"
)

const peopleTable = `{
	"header": ["Name", "Age", "City"],
	"primary_key": "Name",
	"data": [["Ann", 30, "Oslo"], ["Bob", 41, "Rome"]]
}`

// fakeModel answers by system prompt. Handlers may be overridden per test.
type fakeModel struct {
	mu       sync.Mutex
	handlers map[string]func(req llm.Request) (string, error)
	counts   map[string]int
}

func newFakeModel() *fakeModel {
	return &fakeModel{
		counts: map[string]int{},
		handlers: map[string]func(llm.Request) (string, error){
			prompt.SystemStrategyAssignment: reply(`{"assignments": {
				"Ann": {"Age": ["T1"], "City": []},
				"Bob": {"Age": ["R1"], "City": []}
			}}`),
			prompt.SystemCellGuidance:      reply(`{"guidance": "spell the number out"}`),
			prompt.SystemCellGuidanceCheck: reply(`{"ok": true, "errors": []}`),
			prompt.SystemFactSplit: reply("```json\n" + `{"is_split": true, "sub_facts": {
				"Bob was born 41 years before the survey": "state the birth year gap",
				"The survey took place this year": "anchor the year"
			}}` + "\n```"),
			prompt.SystemFactSplitCheck: reply(`{"ok": true}`),
			prompt.SystemDocumentPlan: reply(`{"theme": "People", "genre": "report", "sections": [
				{"section_id": 0, "title": "Ann", "goal": "g", "summary": "about Ann", "facts": ["1", "2"]},
				{"section_id": 1, "title": "Bob", "goal": "g", "summary": "about Bob", "facts": [3, "4", "5"]}
			]}`),
			prompt.SystemWriteSection: func(req llm.Request) (string, error) {
				return "# " + titleOf(req) + "\n\nDraft.", nil
			},
			prompt.SystemVerifySection: reply(`{"ok": true, "errors": []}`),
			prompt.SystemRepairSection: reply("# Repaired\n\nFixed."),
		},
	}
}

func reply(s string) func(llm.Request) (string, error) {
	return func(llm.Request) (string, error) { return s, nil }
}

func titleOf(req llm.Request) string {
	for _, line := range strings.Split(req.Messages[len(req.Messages)-1].Content, "\n") {
		if t, ok := strings.CutPrefix(line, "Section title: "); ok {
			return t
		}
	}
	return "?"
}

func (f *fakeModel) set(system string, h func(llm.Request) (string, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[system] = h
}

func (f *fakeModel) count(system string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[system]
}

func (f *fakeModel) handle(req llm.Request) (string, error) {
	system := req.Messages[0].Content
	f.mu.Lock()
	f.counts[system]++
	h, ok := f.handlers[system]
	f.mu.Unlock()
	if !ok {
		return "", errors.New("unexpected request")
	}
	return h(req)
}

type harness struct {
	model  *fakeModel
	client *llm.ScriptedClient
	pipe   *Pipeline
	job    Job
	out    string
}

func newHarness(t *testing.T, tableJSON string, mutate func(*Config), opts ...Option) *harness {
	t.Helper()
	in := t.TempDir()
	out := t.TempDir()
	path := filepath.Join(in, "people.json")
	require.NoError(t, os.WriteFile(path, []byte(tableJSON), 0o644))

	model := newFakeModel()
	client := llm.NewScriptedClient(model.handle)
	g, err := gate.New(client, gate.Config{MaxConcurrent: 4, MaxAttempts: 1})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Models = Models{Planner: "m-plan", Refiner: "m-refine", Writer: "m-write", Verifier: "m-verify"}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(g, stagecache.New(out, nil), cfg, opts...)
	require.NoError(t, err)
	return &harness{model: model, client: client, pipe: p, job: JobFromPath(path), out: out}
}

func (h *harness) read(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.out, h.job.ID, name))
	require.NoError(t, err)
	return string(data)
}

func TestJobFromPath(t *testing.T) {
	assert.Equal(t, Job{ID: "sales_2024", Path: "/in/sales_2024.json"}, JobFromPath("/in/sales_2024.json"))
	assert.Equal(t, "Q1", JobFromPath("/in/Q1.JSON").ID)
}

func TestNew_Validation(t *testing.T) {
	cache := stagecache.New(t.TempDir(), nil)
	_, err := New(nil, cache, DefaultConfig())
	assert.Error(t, err)

	g := llm.ClientFunc(func(context.Context, llm.Request) (string, error) { return "", nil })
	_, err = New(g, nil, DefaultConfig())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.OnUnitFailure = "retry-forever"
	_, err = New(g, cache, cfg)
	assert.Error(t, err)
}

func TestRun_EndToEnd(t *testing.T) {
	h := newHarness(t, peopleTable, nil)

	res, err := h.pipe.Run(context.Background(), h.job)
	require.NoError(t, err)
	assert.Equal(t, Completed, res.Outcome)
	assert.Equal(t, 2, res.Sections)
	assert.Equal(t, 2, res.Verified)
	assert.Equal(t, 1, res.Rounds)
	assert.Empty(t, res.DroppedSections)

	assert.Equal(t, "# Ann\n\nDraft.\n\n# Bob\n\nDraft.\n\n", h.read(t, stagecache.FinalFile))
	assert.JSONEq(t, peopleTable, h.read(t, stagecache.InputFile))
	assert.NoDirExists(t, filepath.Join(h.out, h.job.ID, stagecache.StagingDir))

	var a document.Assignment
	require.NoError(t, json.Unmarshal([]byte(h.read(t, "strategy_assignment.json")), &a))
	assert.Equal(t, map[string][]string{"Ann,Age": {"T1"}, "Ann,City": {}, "Bob,Age": {"R1"}, "Bob,City": {}}, a.Assignments)

	var set document.FactGuidanceSet
	require.NoError(t, json.Unmarshal([]byte(h.read(t, "fact_guidance.json")), &set))
	require.Len(t, set.FactList, 4)
	assert.Equal(t, "The Age for 'Ann' is 30", set.FactList[0].Fact)
	assert.Equal(t, "spell the number out", set.FactList[0].WritingGuidance)
	assert.Contains(t, set.FactList[1].WritingGuidance, "Naturally weave into the narrative that the 'City' for 'Ann' is 'Oslo'")
	assert.True(t, set.FactList[2].Split())
	assert.Empty(t, set.FactList[2].WritingGuidance)

	var plan document.Plan
	require.NoError(t, json.Unmarshal([]byte(h.read(t, "document_plan.json")), &plan))
	assert.Equal(t, []string{
		"Bob was born 41 years before the survey",
		"The survey took place this year",
		"The City for 'Bob' is Rome",
	}, plan.Sections[1].Facts)

	// Only cells with strategies call the refiner; only the R-tagged cell is split.
	assert.Equal(t, 2, h.model.count(prompt.SystemCellGuidance))
	assert.Equal(t, 1, h.model.count(prompt.SystemFactSplit))
	assert.Equal(t, 1, h.model.count(prompt.SystemFactSplitCheck))
}

func TestRun_RequestsCarryRoleAndModel(t *testing.T) {
	h := newHarness(t, peopleTable, nil)
	_, err := h.pipe.Run(context.Background(), h.job)
	require.NoError(t, err)

	byRole := map[string]llm.Request{}
	for _, req := range h.client.Calls() {
		byRole[req.Role] = req
	}
	assert.Equal(t, "m-plan", byRole[RolePlanner].Model)
	assert.True(t, byRole[RolePlanner].JSON)
	assert.Equal(t, "m-refine", byRole[RoleCellVerifier].Model, "cell verifier falls back to the refiner model")
	assert.Equal(t, "m-write", byRole[RoleWriter].Model)
	assert.False(t, byRole[RoleWriter].JSON)

	var writes []llm.Request
	for _, req := range h.client.Calls() {
		if req.Messages[0].Content == prompt.SystemWriteSection {
			writes = append(writes, req)
		}
	}
	require.Len(t, writes, 2)
	for _, w := range writes {
		body := w.Messages[1].Content
		if titleOf(w) == "Ann" {
			assert.Contains(t, body, "Previous section summary: "+firstSectionNote)
		} else {
			assert.Contains(t, body, "Previous section summary: about Ann")
			assert.Contains(t, body, "**Guidance:** anchor the year")
		}
	}
}

func TestRun_SecondRunMakesNoCalls(t *testing.T) {
	h := newHarness(t, peopleTable, nil)
	_, err := h.pipe.Run(context.Background(), h.job)
	require.NoError(t, err)
	first := h.read(t, stagecache.FinalFile)
	calls := h.client.CallCount()

	res, err := h.pipe.Run(context.Background(), h.job)
	require.NoError(t, err)
	assert.Equal(t, Skipped, res.Outcome)
	assert.Equal(t, calls, h.client.CallCount())
	assert.Equal(t, first, h.read(t, stagecache.FinalFile))
}

func TestRun_ResumeFromStagingCache(t *testing.T) {
	h := newHarness(t, peopleTable, func(c *Config) { c.VerifyRepairRounds = 1 })
	h.model.set(prompt.SystemVerifySection, reply(`{"ok": false, "errors": [{"description": "d", "suggestion": "s"}]}`))

	res, err := h.pipe.Run(context.Background(), h.job)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.ErrorIs(t, err, document.ErrIncomplete)
	assert.Equal(t, Incomplete, res.Outcome)
	assert.NoFileExists(t, filepath.Join(h.out, h.job.ID, stagecache.FinalFile))
	assert.Contains(t, h.read(t, filepath.Join("cache", "section_0.json")), "Repaired")

	planned := h.model.count(prompt.SystemDocumentPlan)
	refined := h.model.count(prompt.SystemCellGuidance)
	written := h.model.count(prompt.SystemWriteSection)

	h.model.set(prompt.SystemVerifySection, reply(`{"ok": true}`))
	res, err = h.pipe.Run(context.Background(), h.job)
	require.NoError(t, err)
	assert.Equal(t, Completed, res.Outcome)

	assert.Equal(t, planned, h.model.count(prompt.SystemDocumentPlan))
	assert.Equal(t, refined, h.model.count(prompt.SystemCellGuidance))
	assert.Equal(t, written, h.model.count(prompt.SystemWriteSection))
	assert.Equal(t, "# Repaired\n\nFixed.\n\n# Repaired\n\nFixed.\n\n", h.read(t, stagecache.FinalFile))
}

func TestRun_StrategizeDisabled(t *testing.T) {
	h := newHarness(t, `{
		"header": ["Name", "A", "B", "C"],
		"primary_key": "Name",
		"data": [["r1", 1, 2, 3], ["r2", 4, 5, 6]]
	}`, func(c *Config) { c.Strategize = false })
	h.model.set(prompt.SystemDocumentPlan, reply(`{"theme": "t", "genre": "g", "sections": [
		{"section_id": 0, "title": "One", "facts": ["1", "2", "3", "4", "5", "6"]}
	]}`))

	_, err := h.pipe.Run(context.Background(), h.job)
	require.NoError(t, err)

	var a document.Assignment
	require.NoError(t, json.Unmarshal([]byte(h.read(t, "strategy_assignment.json")), &a))
	assert.Len(t, a.Assignments, 6)
	for k, tags := range a.Assignments {
		assert.Empty(t, tags, k)
	}
	assert.Zero(t, h.model.count(prompt.SystemStrategyAssignment))
	assert.Zero(t, h.model.count(prompt.SystemCellGuidance))
}

func TestRun_StrategyIgnoresIneligibleCells(t *testing.T) {
	h := newHarness(t, `{
		"header": ["Name", "Age", "City"],
		"primary_key": "Name",
		"data": [["Ann", 30, ""], ["Bob", 41, "Rome"]]
	}`, nil)
	h.model.set(prompt.SystemStrategyAssignment, reply(`{"assignments": {
		"Ann": {"Age": ["T1"], "City": ["D1"], "Name": ["T1"]},
		"Bob": {"Age": [], "City": []},
		"Ghost": {"Age": ["R1"]}
	}}`))
	h.model.set(prompt.SystemDocumentPlan, reply(`{"theme": "t", "genre": "g", "sections": [
		{"section_id": 0, "title": "All", "facts": ["1", "2", "3"]}
	]}`))

	_, _ = h.pipe.Run(context.Background(), h.job)

	var a document.Assignment
	require.NoError(t, json.Unmarshal([]byte(h.read(t, "strategy_assignment.json")), &a))
	assert.Equal(t, []string{"Ann,Age", "Bob,Age", "Bob,City"}, a.Keys())
	assert.Equal(t, 1, h.model.count(prompt.SystemStrategyAssignment), "extras are dropped, not retried")
}

func TestRun_PlanDuplicateIsFedBack(t *testing.T) {
	h := newHarness(t, `{
		"header": ["Id", "A", "B", "C"],
		"primary_key": "Id",
		"data": [["r1", "x", "y", "z"]]
	}`, func(c *Config) { c.Strategize = false })

	var plans []llm.Request
	var mu sync.Mutex
	h.model.set(prompt.SystemDocumentPlan, func(req llm.Request) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		plans = append(plans, req)
		if len(plans) == 1 {
			return `{"theme": "t", "genre": "g", "sections": [
				{"section_id": 0, "title": "S0", "facts": ["1", "2", "3"]},
				{"section_id": 1, "title": "S1", "facts": ["3"]}
			]}`, nil
		}
		return `{"theme": "t", "genre": "g", "sections": [
			{"section_id": 0, "title": "S0", "facts": ["1", "2"]},
			{"section_id": 1, "title": "S1", "facts": ["3"]}
		]}`, nil
	})

	res, err := h.pipe.Run(context.Background(), h.job)
	require.NoError(t, err)
	assert.Equal(t, Completed, res.Outcome)

	require.Len(t, plans, 2)
	retried := plans[1].Messages
	require.Len(t, retried, 4)
	assert.Equal(t, prompt.RoleAssistant, retried[2].Role)
	feedback := retried[3].Content
	assert.True(t, strings.HasPrefix(feedback, "Error: "))
	assert.True(t, strings.HasSuffix(feedback, ". Fix the plan."))
	assert.Contains(t, feedback, "appear multiple times")
	assert.Contains(t, feedback, "The C for 'r1' is z")
}

func TestRun_StrategyExhaustedFailsJob(t *testing.T) {
	h := newHarness(t, peopleTable, nil)
	h.model.set(prompt.SystemStrategyAssignment, reply(`{"assignments": {"Ann": {"Age": []}}}`))

	res, err := h.pipe.Run(context.Background(), h.job)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStageFailed)
	assert.ErrorIs(t, err, retry.ErrExhausted)
	assert.Equal(t, Failed, res.Outcome)
	assert.Equal(t, StageStrategize, res.Stage)
	assert.Equal(t, 3, h.model.count(prompt.SystemStrategyAssignment))
	assert.NoFileExists(t, filepath.Join(h.out, h.job.ID, "strategy_assignment.json"))
}

func rejectAnnGuidance(req llm.Request) (string, error) {
	if strings.Contains(req.Messages[1].Content, "Record: 'Ann'") {
		return `{"ok": false, "errors": [{"description": "changes the value", "suggestion": "keep 30"}]}`, nil
	}
	return `{"ok": true}`, nil
}

func TestRun_RefineFailurePolicy(t *testing.T) {
	t.Run("fail", func(t *testing.T) {
		h := newHarness(t, peopleTable, nil)
		h.model.set(prompt.SystemCellGuidanceCheck, rejectAnnGuidance)

		res, err := h.pipe.Run(context.Background(), h.job)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrStageFailed)
		assert.Equal(t, StageRefine, res.Stage)
		assert.Contains(t, err.Error(), "Ann,Age")
		assert.NoFileExists(t, filepath.Join(h.out, h.job.ID, "fact_guidance.json"))
	})

	t.Run("drop", func(t *testing.T) {
		h := newHarness(t, peopleTable, func(c *Config) { c.OnUnitFailure = DropUnit })
		h.model.set(prompt.SystemCellGuidanceCheck, rejectAnnGuidance)
		h.model.set(prompt.SystemDocumentPlan, reply(`{"theme": "t", "genre": "g", "sections": [
			{"section_id": 0, "title": "Only", "facts": ["1", "2", "3", "4"]}
		]}`))

		res, err := h.pipe.Run(context.Background(), h.job)
		require.NoError(t, err)
		assert.Equal(t, []string{"Ann,Age"}, res.DroppedCells)

		var set document.FactGuidanceSet
		require.NoError(t, json.Unmarshal([]byte(h.read(t, "fact_guidance.json")), &set))
		assert.Len(t, set.FactList, 3)
	})
}

func TestRun_CellGuidanceFeedback(t *testing.T) {
	h := newHarness(t, peopleTable, nil)
	var mu sync.Mutex
	checks := 0
	h.model.set(prompt.SystemCellGuidanceCheck, func(req llm.Request) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if strings.Contains(req.Messages[1].Content, "Record: 'Ann'") {
			checks++
			if checks == 1 {
				return `{"ok": false, "errors": []}`, nil
			}
		}
		return `{"ok": true}`, nil
	})

	_, err := h.pipe.Run(context.Background(), h.job)
	require.NoError(t, err)

	var retried []prompt.Message
	for _, req := range h.client.Calls() {
		if req.Messages[0].Content == prompt.SystemCellGuidance && len(req.Messages) == 4 {
			retried = req.Messages
		}
	}
	require.NotNil(t, retried)
	assert.Equal(t,
		"The guidance failed verification.\n\nVerification failed without specific errors.\n\nPlease revise based on the suggestions above.",
		retried[3].Content)
}

func TestRun_WriteFailureDropsSection(t *testing.T) {
	h := newHarness(t, peopleTable, nil)
	h.model.set(prompt.SystemWriteSection, func(req llm.Request) (string, error) {
		if titleOf(req) == "Bob" {
			return "", errors.New("writer unavailable")
		}
		return "# Ann\n\nDraft.", nil
	})

	res, err := h.pipe.Run(context.Background(), h.job)
	require.NoError(t, err)
	assert.Equal(t, Completed, res.Outcome)
	assert.Equal(t, []int{1}, res.DroppedSections)
	assert.Equal(t, "# Ann\n\nDraft.\n\n", h.read(t, stagecache.FinalFile))
}

func TestRun_HTMLExport(t *testing.T) {
	h := newHarness(t, peopleTable, func(c *Config) { c.HTML = true })
	_, err := h.pipe.Run(context.Background(), h.job)
	require.NoError(t, err)
	assert.Contains(t, h.read(t, stagecache.HTMLFile), "<h1>Ann</h1>")
}

func TestRun_InvalidTableFails(t *testing.T) {
	h := newHarness(t, `{"header": []}`, nil)
	res, err := h.pipe.Run(context.Background(), h.job)
	assert.ErrorIs(t, err, ErrStageFailed)
	assert.Equal(t, StageLoad, res.Stage)
	assert.Zero(t, h.client.CallCount())
}

func TestRun_Telemetry(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewMetrics(mp.Meter("test"))
	require.NoError(t, err)

	var stages []string
	var mu sync.Mutex
	h := newHarness(t, peopleTable, nil,
		WithTracer(tp.Tracer("test")),
		WithMetrics(metrics),
		WithStageObserver(func(_, stage string) {
			mu.Lock()
			stages = append(stages, stage)
			mu.Unlock()
		}))

	_, err = h.pipe.Run(context.Background(), h.job)
	require.NoError(t, err)

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "job")
	assert.Contains(t, names, "stage.plan")
	assert.Contains(t, names, "stage.verify")
	assert.Equal(t, []string{StageLoad, StageStrategize, StageRefine, StagePlan, StageWrite, StageVerify, StageCommit}, stages)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			found[m.Name] = true
		}
	}
	assert.True(t, found["tabledoc.pipeline.jobs"])
	assert.True(t, found["tabledoc.pipeline.stage.duration"])
	assert.True(t, found["tabledoc.pipeline.validation.attempts"])
	assert.True(t, found["tabledoc.pipeline.sections.verified"])
}
