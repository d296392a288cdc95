// Package config loads tabledoc configuration.
//
// Values are layered, lowest precedence first:
//  1. built-in defaults (defaults.yaml)
//  2. an optional YAML or TOML file
//  3. TABLEDOC_* environment variables
//
// Environment variables name a key with dots replaced by underscores:
// TABLEDOC_CONCURRENCY_MAX_PARALLEL_JOBS sets concurrency.max_parallel_jobs.
package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Config is the complete tabledoc configuration.
type Config struct {
	Paths       PathsConfig       `koanf:"paths"`
	Concurrency ConcurrencyConfig `koanf:"concurrency"`
	Generation  GenerationConfig  `koanf:"generation"`
	Retries     RetriesConfig     `koanf:"retries"`
	Sections    SectionsConfig    `koanf:"sections"`
	Planning    PlanningConfig    `koanf:"planning"`
	Strategize  StrategizeConfig  `koanf:"strategize"`
	Refine      RefineConfig      `koanf:"refine"`
	Output      OutputConfig      `koanf:"output"`
	Watch       WatchConfig       `koanf:"watch"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Status      StatusConfig      `koanf:"status"`
	Events      EventsConfig      `koanf:"events"`
}

// PathsConfig locates job inputs and outputs.
type PathsConfig struct {
	Input  string `koanf:"input"`
	Output string `koanf:"output"`
}

// ConcurrencyConfig bounds the job pool and the generation gate.
type ConcurrencyConfig struct {
	MaxParallelJobs          int `koanf:"max_parallel_jobs"`
	MaxConcurrentGenerations int `koanf:"max_concurrent_generations"`
}

// GenerationConfig selects and tunes the text generation backend.
type GenerationConfig struct {
	// Provider is openai, langchain-openai or ollama.
	Provider    string   `koanf:"provider"`
	BaseURL     string   `koanf:"base_url"`
	APIKey      Secret   `koanf:"api_key"`
	Timeout     Duration `koanf:"timeout"`
	MaxRetries  int      `koanf:"max_retries"`
	BaseBackoff Duration `koanf:"base_backoff"`
	MaxBackoff  Duration `koanf:"max_backoff"`
	// RateLimit is requests per second; 0 disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	Burst     int     `koanf:"burst"`
	// ReasoningEffort is sent to models that support it; empty disables.
	ReasoningEffort string       `koanf:"reasoning_effort"`
	Models          ModelsConfig `koanf:"models"`
}

// ModelsConfig names the model per role. Empty verifier models fall back to
// the refiner model.
type ModelsConfig struct {
	Planner      string `koanf:"planner"`
	Refiner      string `koanf:"refiner"`
	Writer       string `koanf:"writer"`
	Verifier     string `koanf:"verifier"`
	CellVerifier string `koanf:"cell_verifier"`
	FactVerifier string `koanf:"fact_verifier"`
}

// RetriesConfig sets attempt budgets per validated operation.
type RetriesConfig struct {
	Strategy           int `koanf:"strategy"`
	Plan               int `koanf:"plan"`
	Refine             int `koanf:"refine"`
	VerifyRepairRounds int `koanf:"verify_repair_rounds"`
}

// SectionsConfig bounds the planned section count.
type SectionsConfig struct {
	Min                int     `koanf:"min"`
	Max                int     `koanf:"max"`
	FactsPerSectionMin float64 `koanf:"facts_per_section_min"`
	FactsPerSectionMax float64 `koanf:"facts_per_section_max"`
}

type PlanningConfig struct {
	Dispersion string `koanf:"dispersion"`
}

type StrategizeConfig struct {
	Enabled bool `koanf:"enabled"`
}

type RefineConfig struct {
	OnUnitFailure string `koanf:"on_unit_failure"`
}

type OutputConfig struct {
	HTML bool `koanf:"html"`
}

type WatchConfig struct {
	Debounce Duration `koanf:"debounce"`
}

// LoggingConfig is the file-facing subset of logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Stdout bool   `koanf:"stdout"`
	Stderr bool   `koanf:"stderr"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig is the file-facing subset of telemetry settings.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"`
	Insecure       bool     `koanf:"insecure"`
	SampleRate     float64  `koanf:"sample_rate"`
	MetricsEnabled bool     `koanf:"metrics_enabled"`
	ExportInterval Duration `koanf:"export_interval"`
}

// StatusConfig controls the HTTP status server.
type StatusConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// EventsConfig controls NATS lifecycle events. An empty URL disables them.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

var validProviders = map[string]bool{"openai": true, "langchain-openai": true, "ollama": true}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Paths.Input != "", "paths.input is required")
	check(c.Paths.Output != "", "paths.output is required")
	check(c.Concurrency.MaxParallelJobs > 0, "concurrency.max_parallel_jobs must be positive, got %d", c.Concurrency.MaxParallelJobs)
	check(c.Concurrency.MaxConcurrentGenerations > 0, "concurrency.max_concurrent_generations must be positive, got %d", c.Concurrency.MaxConcurrentGenerations)

	g := c.Generation
	check(validProviders[g.Provider], "generation.provider must be openai, langchain-openai or ollama, got %q", g.Provider)
	if g.BaseURL != "" {
		u, err := url.Parse(g.BaseURL)
		check(err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "",
			"generation.base_url must be an http(s) URL, got %q", g.BaseURL)
	}
	check(g.Timeout.Duration() > 0, "generation.timeout must be positive")
	check(g.MaxRetries > 0, "generation.max_retries must be positive, got %d", g.MaxRetries)
	check(g.RateLimit >= 0, "generation.rate_limit must not be negative")
	check(g.Models.Planner != "" && g.Models.Refiner != "" && g.Models.Writer != "" && g.Models.Verifier != "",
		"generation.models: planner, refiner, writer and verifier are required")
	switch g.ReasoningEffort {
	case "", "low", "medium", "high":
	default:
		errs = append(errs, fmt.Errorf("generation.reasoning_effort must be low, medium, high or empty, got %q", g.ReasoningEffort))
	}

	r := c.Retries
	check(r.Strategy > 0 && r.Plan > 0 && r.Refine > 0, "retries: strategy, plan and refine must be positive")
	check(r.VerifyRepairRounds > 0, "retries.verify_repair_rounds must be positive, got %d", r.VerifyRepairRounds)

	s := c.Sections
	check(s.Min > 0 && s.Max >= s.Min, "sections: need 0 < min <= max, got min=%d max=%d", s.Min, s.Max)
	check(s.FactsPerSectionMin > 0 && s.FactsPerSectionMax >= s.FactsPerSectionMin,
		"sections: need 0 < facts_per_section_min <= facts_per_section_max")

	check(c.Planning.Dispersion == "sparse" || c.Planning.Dispersion == "dense",
		"planning.dispersion must be sparse or dense, got %q", c.Planning.Dispersion)
	check(c.Refine.OnUnitFailure == "fail" || c.Refine.OnUnitFailure == "drop",
		"refine.on_unit_failure must be fail or drop, got %q", c.Refine.OnUnitFailure)
	check(!c.Status.Enabled || c.Status.Addr != "", "status.addr is required when status is enabled")

	return errors.Join(errs...)
}
