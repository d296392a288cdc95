// Package pipeline turns one input table into a verified document through four
// memoized stages: strategize, refine, plan, and write with verify/repair.
//
// Every generation call goes through a shared Generator (the process-wide
// gate); every structured call goes through the validate-retry executor; every
// stage result goes through the job's stage cache, so re-running a job only
// generates what is missing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tabledoc/internal/llm"
	"github.com/fyrsmithlabs/tabledoc/internal/prompt"
	"github.com/fyrsmithlabs/tabledoc/internal/retry"
	"github.com/fyrsmithlabs/tabledoc/internal/stagecache"
)

var (
	// ErrStageFailed wraps the cause of a stage that aborted its job.
	ErrStageFailed = errors.New("stage failed")
	// ErrIncomplete is returned when sections remain unverified after the
	// round budget, or no section survived writing.
	ErrIncomplete = errors.New("job incomplete")
)

// Stage names, as reported to observers and telemetry.
const (
	StageLoad       = "load"
	StageStrategize = "strategize"
	StageRefine     = "refine"
	StagePlan       = "plan"
	StageWrite      = "write"
	StageVerify     = "verify"
	StageCommit     = "commit"
)

// Roles issuing generation calls.
const (
	RolePlanner      = "planner"
	RoleRefiner      = "refiner"
	RoleWriter       = "writer"
	RoleVerifier     = "verifier"
	RoleCellVerifier = "cell_verifier"
	RoleFactVerifier = "fact_verifier"
)

// Generator is the admission-controlled generation service.
type Generator interface {
	Generate(ctx context.Context, req llm.Request) (string, error)
}

// Models names the model used per role. Empty verifier models fall back to
// the refiner model.
type Models struct {
	Planner      string
	Refiner      string
	Writer       string
	Verifier     string
	CellVerifier string
	FactVerifier string
}

func (m Models) forRole(role string) string {
	switch role {
	case RolePlanner:
		return m.Planner
	case RoleRefiner:
		return m.Refiner
	case RoleWriter:
		return m.Writer
	case RoleVerifier:
		return m.Verifier
	case RoleCellVerifier:
		if m.CellVerifier != "" {
			return m.CellVerifier
		}
		return m.Refiner
	case RoleFactVerifier:
		if m.FactVerifier != "" {
			return m.FactVerifier
		}
		return m.Refiner
	default:
		return ""
	}
}

// UnitFailurePolicy decides what happens when one refine unit fails.
type UnitFailurePolicy string

const (
	// FailJob aborts the job.
	FailJob UnitFailurePolicy = "fail"
	// DropUnit excludes the cell and continues.
	DropUnit UnitFailurePolicy = "drop"
)

// Dispersion strategies for fact placement.
const (
	DispersionSparse = "sparse"
	DispersionDense  = "dense"
)

// Config holds pipeline behaviour.
type Config struct {
	Models             Models
	Strategize         bool
	StrategyAttempts   int
	RefineAttempts     int
	PlanAttempts       int
	VerifyRepairRounds int
	SectionsMin        int
	SectionsMax        int
	FactsPerSectionMin float64
	FactsPerSectionMax float64
	Dispersion         string
	OnUnitFailure      UnitFailurePolicy
	HTML               bool
}

// DefaultConfig returns the stock pipeline settings.
func DefaultConfig() Config {
	return Config{
		Strategize:         true,
		StrategyAttempts:   3,
		RefineAttempts:     3,
		PlanAttempts:       3,
		VerifyRepairRounds: 4,
		SectionsMin:        80,
		SectionsMax:        160,
		FactsPerSectionMin: 0.5,
		FactsPerSectionMax: 3,
		Dispersion:         DispersionSparse,
		OnUnitFailure:      FailJob,
	}
}

// Job is one input table to convert.
type Job struct {
	ID   string
	Path string
}

// JobFromPath derives the job id from the file name without its .json
// extension, matched case-insensitively.
func JobFromPath(path string) Job {
	id := filepath.Base(path)
	if ext := filepath.Ext(id); strings.EqualFold(ext, ".json") {
		id = strings.TrimSuffix(id, ext)
	}
	return Job{ID: id, Path: path}
}

// Outcome is the terminal state of a job run.
type Outcome string

const (
	Completed  Outcome = "completed"
	Skipped    Outcome = "skipped"
	Incomplete Outcome = "incomplete"
	Failed     Outcome = "failed"
)

// Result describes one job run.
type Result struct {
	JobID    string
	Outcome  Outcome
	Stage    string
	Sections int
	Verified int
	// DroppedCells lists refine units excluded under the drop policy.
	DroppedCells []string
	// DroppedSections lists sections whose writing failed.
	DroppedSections []int
	Rounds          int
	Err             error
	Duration        time.Duration
}

// StageObserver is told when a job enters a stage.
type StageObserver func(jobID, stage string)

// Pipeline runs jobs. It is safe for concurrent use by many jobs.
type Pipeline struct {
	gen      Generator
	cache    *stagecache.Manager
	cfg      Config
	logger   *zap.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	observer StageObserver
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// WithMetrics sets otel instruments.
func WithMetrics(m *Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option { return func(p *Pipeline) { p.tracer = t } }

// WithStageObserver registers a stage observer.
func WithStageObserver(o StageObserver) Option { return func(p *Pipeline) { p.observer = o } }

// New creates a pipeline.
func New(gen Generator, cache *stagecache.Manager, cfg Config, opts ...Option) (*Pipeline, error) {
	if gen == nil {
		return nil, errors.New("pipeline: generator is required")
	}
	if cache == nil {
		return nil, errors.New("pipeline: stage cache is required")
	}
	if cfg.OnUnitFailure == "" {
		cfg.OnUnitFailure = FailJob
	}
	if cfg.OnUnitFailure != FailJob && cfg.OnUnitFailure != DropUnit {
		return nil, fmt.Errorf("pipeline: unknown unit failure policy %q", cfg.OnUnitFailure)
	}
	if cfg.Dispersion == "" {
		cfg.Dispersion = DispersionSparse
	}
	p := &Pipeline{
		gen:    gen,
		cache:  cache,
		cfg:    cfg,
		logger: zap.NewNop(),
		tracer: otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Cache returns the stage cache manager.
func (p *Pipeline) Cache() *stagecache.Manager { return p.cache }

// Run executes every stage of job. The returned error wraps ErrStageFailed or
// ErrIncomplete; the Result is populated either way.
func (p *Pipeline) Run(ctx context.Context, job Job) (Result, error) {
	start := time.Now()
	res := Result{JobID: job.ID}

	ctx, span := p.tracer.Start(ctx, "job", trace.WithAttributes(attribute.String("job.id", job.ID)))
	defer span.End()

	res, err := p.run(ctx, job, res)
	res.Duration = time.Since(start)
	res.Err = err

	switch {
	case err == nil:
	case errors.Is(err, ErrIncomplete):
		res.Outcome = Incomplete
	default:
		res.Outcome = Failed
	}
	span.SetAttributes(attribute.String("job.outcome", string(res.Outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	p.metrics.recordJob(ctx, res.Outcome)
	return res, err
}

func (p *Pipeline) run(ctx context.Context, job Job, res Result) (Result, error) {
	jc, err := p.cache.Job(job.ID)
	if err != nil {
		return res, stageErr(StageLoad, err)
	}
	logger := p.logger.With(zap.String("job.id", job.ID))

	if jc.FinalExists() {
		logger.Info("job already completed, skipping")
		res.Outcome = Skipped
		return res, nil
	}

	j := &jobRun{p: p, cache: jc, logger: logger, job: job}

	res.Stage = StageLoad
	p.enter(job.ID, StageLoad)
	if err := j.load(); err != nil {
		return res, stageErr(StageLoad, err)
	}

	res.Stage = StageStrategize
	if err := j.stage(ctx, StageStrategize, j.strategize); err != nil {
		return res, err
	}

	res.Stage = StageRefine
	if err := j.stage(ctx, StageRefine, j.refine); err != nil {
		return res, err
	}
	res.DroppedCells = j.droppedCells

	res.Stage = StagePlan
	if err := j.stage(ctx, StagePlan, j.design); err != nil {
		return res, err
	}

	res.Stage = StageWrite
	if err := j.stage(ctx, StageWrite, j.write); err != nil {
		return res, err
	}
	res.DroppedSections = j.droppedSections

	res.Stage = StageVerify
	if err := j.stage(ctx, StageVerify, j.converge); err != nil {
		return res, err
	}
	res.Sections = len(j.sections)
	res.Verified = j.report.Verified
	res.Rounds = j.report.Rounds

	res.Stage = StageCommit
	p.enter(job.ID, StageCommit)
	if err := j.commit(ctx); err != nil {
		return res, err
	}
	res.Outcome = Completed
	logger.Info("job completed",
		zap.Int("sections", res.Sections),
		zap.Int("dropped_sections", len(res.DroppedSections)),
		zap.Int("dropped_cells", len(res.DroppedCells)))
	return res, nil
}

func (p *Pipeline) enter(jobID, stage string) {
	if p.observer != nil {
		p.observer(jobID, stage)
	}
}

func stageErr(stage string, err error) error {
	if errors.Is(err, ErrStageFailed) || errors.Is(err, ErrIncomplete) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStageFailed, stage, err)
}

// generate returns a conversation-level generation func for a role.
func (p *Pipeline) generate(role string, json bool) func(context.Context, prompt.Conversation) (string, error) {
	model := p.cfg.Models.forRole(role)
	return func(ctx context.Context, conv prompt.Conversation) (string, error) {
		return p.gen.Generate(ctx, llm.Request{
			Role:     role,
			Model:    model,
			Messages: conv.Messages(),
			JSON:     json,
		})
	}
}

// observeAttempts feeds executor attempts into metrics.
func (p *Pipeline) observeAttempts(ctx context.Context, operation string) func(retry.Attempt) {
	return func(a retry.Attempt) {
		p.metrics.recordAttempt(ctx, operation, a.Accepted)
	}
}
