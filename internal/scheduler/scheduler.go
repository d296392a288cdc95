// Package scheduler runs many table-to-document jobs concurrently.
//
// Each job runs in isolation: a failing or panicking job is recorded and
// never cancels its siblings. Jobs whose final document already exists are
// skipped before any stage runs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/tabledoc/internal/events"
	"github.com/fyrsmithlabs/tabledoc/internal/logging"
	"github.com/fyrsmithlabs/tabledoc/internal/pipeline"
	"github.com/fyrsmithlabs/tabledoc/internal/stagecache"
)

// DefaultMaxParallelJobs bounds the job pool when no limit is configured.
const DefaultMaxParallelJobs = 100

// Runner executes one job.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job) (pipeline.Result, error)
}

// Discover lists every *.json file in dir as a job, sorted by file name.
func Discover(dir string) ([]pipeline.Job, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading input directory: %w", err)
	}
	var jobs []pipeline.Job
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		jobs = append(jobs, pipeline.JobFromPath(filepath.Join(dir, e.Name())))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

// Summary aggregates one scheduler pass.
type Summary struct {
	RunID      string
	Completed  int
	Skipped    int
	Incomplete int
	Failed     int
	Results    []pipeline.Result
	Duration   time.Duration
}

// Total returns the number of jobs in the pass.
func (s Summary) Total() int { return len(s.Results) }

// Config bounds the scheduler.
type Config struct {
	MaxParallelJobs int
}

// Scheduler runs passes over a job list.
type Scheduler struct {
	runner    Runner
	cache     *stagecache.Manager
	cfg       Config
	registry  *Registry
	publisher events.Publisher
	logger    *zap.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRegistry shares a status registry, typically with the status server.
func WithRegistry(r *Registry) Option { return func(s *Scheduler) { s.registry = r } }

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p events.Publisher) Option { return func(s *Scheduler) { s.publisher = p } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// New creates a scheduler. cache is used to detect completed jobs.
func New(runner Runner, cache *stagecache.Manager, cfg Config, opts ...Option) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("scheduler: runner is required")
	}
	if cache == nil {
		return nil, errors.New("scheduler: stage cache is required")
	}
	if cfg.MaxParallelJobs <= 0 {
		cfg.MaxParallelJobs = DefaultMaxParallelJobs
	}
	s := &Scheduler{
		runner:    runner,
		cache:     cache,
		cfg:       cfg,
		registry:  NewRegistry(),
		publisher: events.Noop{},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Registry returns the status registry.
func (s *Scheduler) Registry() *Registry { return s.registry }

// Run executes jobs with at most MaxParallelJobs in flight and waits for all
// of them. Results keep the order of jobs.
func (s *Scheduler) Run(ctx context.Context, jobs []pipeline.Job) Summary {
	start := time.Now()
	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	logger := s.logger.With(zap.String("run.id", runID))

	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	s.registry.Enqueue(ids...)
	logger.Info("scheduler pass started",
		zap.Int("jobs", len(jobs)),
		zap.Int("max_parallel_jobs", s.cfg.MaxParallelJobs))

	results := make([]pipeline.Result, len(jobs))
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxParallelJobs)
	for i, job := range jobs {
		if ctx.Err() != nil {
			results[i] = pipeline.Result{JobID: job.ID, Outcome: pipeline.Failed, Err: ctx.Err()}
			s.registry.Finish(results[i])
			continue
		}
		g.Go(func() error {
			results[i] = s.runJob(ctx, runID, job, logger)
			return nil
		})
	}
	_ = g.Wait()

	sum := Summary{RunID: runID, Results: results, Duration: time.Since(start)}
	for _, r := range results {
		switch r.Outcome {
		case pipeline.Completed:
			sum.Completed++
		case pipeline.Skipped:
			sum.Skipped++
		case pipeline.Incomplete:
			sum.Incomplete++
		default:
			sum.Failed++
		}
	}
	logger.Info("scheduler pass finished",
		zap.Int("completed", sum.Completed),
		zap.Int("skipped", sum.Skipped),
		zap.Int("incomplete", sum.Incomplete),
		zap.Int("failed", sum.Failed),
		zap.Duration("duration", sum.Duration))
	return sum
}

func (s *Scheduler) runJob(ctx context.Context, runID string, job pipeline.Job, logger *zap.Logger) (res pipeline.Result) {
	ctx = logging.WithJob(ctx, job.ID)
	logger = logger.With(zap.String("job.id", job.ID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", zap.Any("panic", r), zap.Stack("stack"))
			res = pipeline.Result{
				JobID:   job.ID,
				Outcome: pipeline.Failed,
				Stage:   res.Stage,
				Err:     fmt.Errorf("panic: %v", r),
			}
		}
		s.registry.Finish(res)
		s.publish(ctx, logger, runID, res)
	}()

	if s.completed(job.ID) {
		logger.Debug("final document exists, skipping job")
		return pipeline.Result{JobID: job.ID, Outcome: pipeline.Skipped}
	}

	s.registry.Start(job.ID)
	s.publish(ctx, logger, runID, pipeline.Result{JobID: job.ID, Outcome: ""})

	res, err := s.runner.Run(ctx, job)
	res.JobID = job.ID
	if err != nil {
		res.Err = err
		if res.Outcome == "" || res.Outcome == pipeline.Completed {
			res.Outcome = pipeline.Failed
		}
		logger.Error("job did not complete",
			zap.String("outcome", string(res.Outcome)),
			zap.String("job.stage", res.Stage),
			zap.Error(err))
		return res
	}
	logger.Info("job finished",
		zap.String("outcome", string(res.Outcome)),
		zap.Int("sections", res.Sections),
		zap.Duration("duration", res.Duration))
	return res
}

func (s *Scheduler) completed(jobID string) bool {
	jc, err := s.cache.Job(jobID)
	if err != nil {
		return false
	}
	return jc.FinalExists()
}

// publish emits a lifecycle event. An empty outcome announces a start.
func (s *Scheduler) publish(ctx context.Context, logger *zap.Logger, runID string, res pipeline.Result) {
	e := events.Event{
		RunID:      runID,
		JobID:      res.JobID,
		Kind:       events.Started,
		Stage:      res.Stage,
		Sections:   res.Sections,
		Verified:   res.Verified,
		DurationMS: res.Duration.Milliseconds(),
	}
	if res.Outcome != "" {
		e.Kind = events.Kind(stateOf(res.Outcome))
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	// Publishing outlives job cancellation so failures are still announced.
	if err := s.publisher.Publish(context.WithoutCancel(ctx), e); err != nil {
		logger.Warn("failed to publish job event", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}

// DiskState is a job's progress as seen on disk.
type DiskState string

const (
	NotStarted DiskState = "not started"
	InProgress DiskState = "in progress"
	Complete   DiskState = "complete"
)

// DiskStatus pairs a job with its on-disk progress.
type DiskStatus struct {
	JobID string
	State DiskState
}

// Inspect reports on-disk progress for jobs without running anything.
func Inspect(jobs []pipeline.Job, cache *stagecache.Manager) []DiskStatus {
	out := make([]DiskStatus, len(jobs))
	for i, job := range jobs {
		out[i] = DiskStatus{JobID: job.ID, State: NotStarted}
		jc, err := cache.Job(job.ID)
		if err != nil {
			continue
		}
		if jc.FinalExists() {
			out[i].State = Complete
			continue
		}
		if _, err := os.Stat(jc.Dir()); err == nil {
			out[i].State = InProgress
		}
	}
	return out
}
