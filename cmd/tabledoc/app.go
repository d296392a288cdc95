package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tabledoc/internal/config"
	"github.com/fyrsmithlabs/tabledoc/internal/events"
	"github.com/fyrsmithlabs/tabledoc/internal/gate"
	statushttp "github.com/fyrsmithlabs/tabledoc/internal/http"
	"github.com/fyrsmithlabs/tabledoc/internal/llm"
	"github.com/fyrsmithlabs/tabledoc/internal/logging"
	"github.com/fyrsmithlabs/tabledoc/internal/pipeline"
	"github.com/fyrsmithlabs/tabledoc/internal/scheduler"
	"github.com/fyrsmithlabs/tabledoc/internal/stagecache"
	"github.com/fyrsmithlabs/tabledoc/internal/telemetry"
	"github.com/fyrsmithlabs/tabledoc/internal/watch"
)

const (
	instrumentationName = "github.com/fyrsmithlabs/tabledoc"
	shutdownTimeout     = 30 * time.Second
)

// ErrJobsFailed is returned when a pass finished with failed jobs.
var ErrJobsFailed = errors.New("one or more jobs failed")

// loadConfig loads the config file and applies command-line overrides.
func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	applyFlags(cfg, f)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config, f *flags) {
	if f.input != "" {
		cfg.Paths.Input = f.input
	}
	if f.output != "" {
		cfg.Paths.Output = f.output
	}
	if f.statusAddr != "" {
		cfg.Status.Enabled = true
		cfg.Status.Addr = f.statusAddr
	}
}

func loggingConfig(c config.LoggingConfig) (*logging.Config, error) {
	cfg := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(c.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	cfg.Level = level
	cfg.Format = c.Format
	cfg.Output = logging.OutputConfig{Stdout: c.Stdout, Stderr: c.Stderr, OTEL: c.OTEL}
	cfg.Fields["version"] = version
	return cfg, nil
}

func telemetryConfig(c config.TelemetryConfig) *telemetry.Config {
	cfg := telemetry.NewDefaultConfig()
	cfg.Enabled = c.Enabled
	cfg.Endpoint = c.Endpoint
	cfg.Protocol = c.Protocol
	cfg.Insecure = c.Insecure
	cfg.ServiceVersion = version
	cfg.SampleRate = c.SampleRate
	cfg.Metrics = c.MetricsEnabled
	if d := c.ExportInterval.Duration(); d > 0 {
		cfg.ExportInterval = d
	}
	return cfg
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	m := cfg.Generation.Models
	return pipeline.Config{
		Models: pipeline.Models{
			Planner:      m.Planner,
			Refiner:      m.Refiner,
			Writer:       m.Writer,
			Verifier:     m.Verifier,
			CellVerifier: m.CellVerifier,
			FactVerifier: m.FactVerifier,
		},
		Strategize:         cfg.Strategize.Enabled,
		StrategyAttempts:   cfg.Retries.Strategy,
		RefineAttempts:     cfg.Retries.Refine,
		PlanAttempts:       cfg.Retries.Plan,
		VerifyRepairRounds: cfg.Retries.VerifyRepairRounds,
		SectionsMin:        cfg.Sections.Min,
		SectionsMax:        cfg.Sections.Max,
		FactsPerSectionMin: cfg.Sections.FactsPerSectionMin,
		FactsPerSectionMax: cfg.Sections.FactsPerSectionMax,
		Dispersion:         cfg.Planning.Dispersion,
		OnUnitFailure:      pipeline.UnitFailurePolicy(cfg.Refine.OnUnitFailure),
		HTML:               cfg.Output.HTML,
	}
}

// app holds every long-lived dependency of a run.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	gate      *gate.Gate
	cache     *stagecache.Manager
	registry  *scheduler.Registry
	publisher events.Publisher
	scheduler *scheduler.Scheduler
	status    *statushttp.Server
	statusErr chan error
}

// newApp initializes dependencies in order:
//  1. logger and telemetry
//  2. generation backend and the shared gate
//  3. stage cache, status registry and pipeline
//  4. lifecycle event publisher and scheduler
//  5. the status server, when enabled
//
// On error, anything already started is closed.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, publisher: events.Noop{}}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	logCfg, err := loggingConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	if a.logger, err = logging.NewLogger(logCfg, nil); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	zl := a.logger.Underlying()

	if a.telemetry, err = telemetry.New(ctx, telemetryConfig(cfg.Telemetry), telemetry.WithLogger(zl)); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	gen := cfg.Generation
	client, err := llm.New(llm.Config{
		Provider:        gen.Provider,
		BaseURL:         gen.BaseURL,
		APIKey:          gen.APIKey.Value(),
		Timeout:         gen.Timeout.Duration(),
		ReasoningEffort: gen.ReasoningEffort,
		DefaultModel:    gen.Models.Refiner,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create generation client: %w", err)
	}
	a.gate, err = gate.New(client, gate.Config{
		MaxConcurrent: cfg.Concurrency.MaxConcurrentGenerations,
		MaxAttempts:   gen.MaxRetries,
		BaseBackoff:   gen.BaseBackoff.Duration(),
		MaxBackoff:    gen.MaxBackoff.Duration(),
		RateLimit:     gen.RateLimit,
		Burst:         gen.Burst,
	}, gate.WithLogger(zl.Named("gate")), gate.WithMetrics(gate.NewMetrics()))
	if err != nil {
		return nil, fmt.Errorf("failed to create generation gate: %w", err)
	}

	a.cache = stagecache.New(cfg.Paths.Output, zl.Named("stagecache"))
	a.registry = scheduler.NewRegistry()

	metrics, err := pipeline.NewMetrics(a.telemetry.Meter(instrumentationName))
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline metrics: %w", err)
	}
	pl, err := pipeline.New(a.gate, a.cache, pipelineConfig(cfg),
		pipeline.WithLogger(zl.Named("pipeline")),
		pipeline.WithMetrics(metrics),
		pipeline.WithTracer(a.telemetry.Tracer(instrumentationName)),
		pipeline.WithStageObserver(a.registry.Stage),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	if cfg.Events.NATSURL != "" {
		pub, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, zl.Named("events"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		a.publisher = pub
	}

	a.scheduler, err = scheduler.New(pl, a.cache,
		scheduler.Config{MaxParallelJobs: cfg.Concurrency.MaxParallelJobs},
		scheduler.WithRegistry(a.registry),
		scheduler.WithPublisher(a.publisher),
		scheduler.WithLogger(zl.Named("scheduler")),
	)
	if err != nil {
		return nil, err
	}

	if cfg.Status.Enabled {
		httpMetrics := statushttp.NewHTTPMetrics(a.telemetry.Meter(instrumentationName), zl)
		a.status, err = statushttp.NewServer(a.registry, zl.Named("http"),
			&statushttp.Config{Addr: cfg.Status.Addr}, statushttp.WithMetrics(httpMetrics))
		if err != nil {
			return nil, fmt.Errorf("failed to create status server: %w", err)
		}
		a.statusErr = make(chan error, 1)
		go func() { a.statusErr <- a.status.Start() }()
	}

	a.logger.Info(ctx, "tabledoc started",
		zap.String("input", cfg.Paths.Input),
		zap.String("output", cfg.Paths.Output),
		zap.String("provider", gen.Provider),
		zap.Int("max_parallel_jobs", cfg.Concurrency.MaxParallelJobs),
		zap.Int("max_concurrent_generations", cfg.Concurrency.MaxConcurrentGenerations),
		zap.Bool("status_server", cfg.Status.Enabled))
	return a, nil
}

// pass discovers input tables and runs one scheduler pass over them.
func (a *app) pass(ctx context.Context) (scheduler.Summary, error) {
	jobs, err := scheduler.Discover(a.cfg.Paths.Input)
	if err != nil {
		return scheduler.Summary{}, err
	}
	return a.scheduler.Run(ctx, jobs), nil
}

// close releases dependencies in reverse order. It is safe on a partially
// built app.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.status != nil {
		if err := a.status.Shutdown(ctx); err != nil {
			a.logWarn("status server shutdown failed", err)
		}
		if err := <-a.statusErr; err != nil {
			a.logWarn("status server failed", err)
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logWarn("event publisher close failed", err)
		}
	}
	if a.gate != nil {
		if err := a.gate.Close(ctx); err != nil {
			a.logWarn("generation gate close failed", err)
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logWarn("telemetry shutdown failed", err)
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func (a *app) logWarn(msg string, err error) {
	if a.logger != nil {
		a.logger.Warn(context.Background(), msg, zap.Error(err))
	}
}

func runOnce(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	sum, err := a.pass(ctx)
	if err != nil {
		return err
	}
	if sum.Failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrJobsFailed, sum.Failed, sum.Total())
	}
	return ctx.Err()
}

func runWatch(ctx context.Context, cfg *config.Config) error {
	if err := os.MkdirAll(cfg.Paths.Input, 0o755); err != nil {
		return fmt.Errorf("creating input directory: %w", err)
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	w, err := watch.New(cfg.Paths.Input, cfg.Watch.Debounce.Duration(), a.logger.Underlying().Named("watch"))
	if err != nil {
		return err
	}

	run := func(ctx context.Context) {
		if _, err := a.pass(ctx); err != nil {
			a.logger.Error(ctx, "scheduler pass failed", zap.Error(err))
		}
	}
	run(ctx)
	return w.Run(ctx, run)
}

// printStatus writes one line per discovered job with its on-disk progress.
func printStatus(out io.Writer, cfg *config.Config) error {
	jobs, err := scheduler.Discover(cfg.Paths.Input)
	if err != nil {
		return err
	}
	statuses := scheduler.Inspect(jobs, stagecache.New(cfg.Paths.Output, zap.NewNop()))

	counts := map[scheduler.DiskState]int{}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATE")
	for _, s := range statuses {
		fmt.Fprintf(tw, "%s\t%s\n", s.JobID, s.State)
		counts[s.State]++
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "\n%d jobs: %d complete, %d in progress, %d not started\n",
		len(statuses), counts[scheduler.Complete], counts[scheduler.InProgress], counts[scheduler.NotStarted])
	return err
}
