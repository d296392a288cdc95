// Package gate bounds and retries every generation call made by the process.
//
// A single Gate is shared by all jobs and all stages. It caps the number of
// in-flight backend calls, optionally paces them with a token bucket, and
// retries transient failures with exponential backoff. It never looks at the
// generated text.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/tabledoc/internal/llm"
)

var (
	// ErrClosed is returned by Generate after Close has been called.
	ErrClosed = errors.New("generation gate closed")

	// ErrExhausted is returned when every attempt failed transiently.
	ErrExhausted = errors.New("generation retries exhausted")
)

// Config controls admission and retry behaviour.
type Config struct {
	// MaxConcurrent is the process-wide cap on in-flight backend calls.
	MaxConcurrent int
	// MaxAttempts is the total number of backend calls per Generate.
	MaxAttempts int
	// BaseBackoff is the delay before the first retry; it doubles per retry.
	BaseBackoff time.Duration
	// MaxBackoff caps a single delay. Zero means uncapped.
	MaxBackoff time.Duration
	// RateLimit is the sustained call rate per second. Zero means unlimited.
	RateLimit float64
	// Burst is the token bucket size when RateLimit is set.
	Burst int
}

// Stats is a snapshot of gate counters.
type Stats struct {
	InFlight int64
	Peak     int64
	Admitted int64
	Retried  int64
	Failed   int64
}

// Gate is the bounded admission service for generation calls.
type Gate struct {
	client  llm.Client
	cfg     Config
	sem     chan struct{}
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *Metrics
	sleep   func(ctx context.Context, d time.Duration) error

	mu     sync.RWMutex
	closed bool
	active sync.WaitGroup

	inFlight atomic.Int64
	peak     atomic.Int64
	admitted atomic.Int64
	retried  atomic.Int64
	failed   atomic.Int64
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithMetrics sets the Prometheus metrics; nil disables them.
func WithMetrics(m *Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// New creates a gate in front of client.
func New(client llm.Client, cfg Config, opts ...Option) (*Gate, error) {
	if client == nil {
		return nil, errors.New("gate: client is required")
	}
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("gate: max concurrent must be > 0, got %d", cfg.MaxConcurrent)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	g := &Gate{
		client: client,
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		logger: zap.NewNop(),
		sleep:  sleepContext,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate runs req through the backend, retrying transient failures.
func (g *Gate) Generate(ctx context.Context, req llm.Request) (string, error) {
	if !g.enter() {
		return "", ErrClosed
	}
	defer g.active.Done()

	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := g.backoff(attempt - 1)
			g.retried.Add(1)
			if g.metrics != nil {
				g.metrics.RetriesTotal.Inc()
			}
			g.logger.Warn("generation call failed, retrying",
				zap.String("role", req.Role),
				zap.Int("attempt", attempt-1),
				zap.Int("max_attempts", g.cfg.MaxAttempts),
				zap.Duration("backoff", delay),
				zap.Error(lastErr))
			if err := g.sleep(ctx, delay); err != nil {
				return "", err
			}
		}

		text, err := g.call(ctx, req)
		if err == nil {
			g.observe("success")
			return text, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}

		lastErr = err
		if !llm.IsRetryable(err) {
			g.observe("permanent")
			g.failed.Add(1)
			return "", fmt.Errorf("generation failed: %w", err)
		}
		g.observe("transient")
	}

	g.failed.Add(1)
	g.logger.Error("generation retries exhausted",
		zap.String("role", req.Role),
		zap.Int("attempts", g.cfg.MaxAttempts),
		zap.Error(lastErr))
	return "", fmt.Errorf("%w after %d attempts: %w", ErrExhausted, g.cfg.MaxAttempts, lastErr)
}

// call holds one slot for the duration of a single backend call.
func (g *Gate) call(ctx context.Context, req llm.Request) (string, error) {
	start := time.Now()
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-g.sem }()

	if g.metrics != nil {
		g.metrics.WaitSeconds.Observe(time.Since(start).Seconds())
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
	}

	g.admitted.Add(1)
	current := g.inFlight.Add(1)
	g.updatePeak(current)
	if g.metrics != nil {
		g.metrics.InFlight.Inc()
	}
	defer func() {
		g.inFlight.Add(-1)
		if g.metrics != nil {
			g.metrics.InFlight.Dec()
		}
	}()

	callStart := time.Now()
	text, err := g.client.Generate(ctx, req)
	if g.metrics != nil {
		g.metrics.CallDuration.WithLabelValues(req.Role).Observe(time.Since(callStart).Seconds())
	}
	return text, err
}

// backoff returns BaseBackoff * 2^(retry-1), capped by MaxBackoff.
func (g *Gate) backoff(retry int) time.Duration {
	d := g.cfg.BaseBackoff * time.Duration(1<<(retry-1))
	if g.cfg.MaxBackoff > 0 && d > g.cfg.MaxBackoff {
		return g.cfg.MaxBackoff
	}
	return d
}

func (g *Gate) enter() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return false
	}
	g.active.Add(1)
	return true
}

func (g *Gate) observe(outcome string) {
	if g.metrics != nil {
		g.metrics.CallsTotal.WithLabelValues(outcome).Inc()
	}
}

func (g *Gate) updatePeak(current int64) {
	for {
		peak := g.peak.Load()
		if current <= peak || g.peak.CompareAndSwap(peak, current) {
			return
		}
	}
}

// InFlight returns the number of backend calls currently holding a slot.
func (g *Gate) InFlight() int64 { return g.inFlight.Load() }

// Stats returns a snapshot of the gate counters.
func (g *Gate) Stats() Stats {
	return Stats{
		InFlight: g.inFlight.Load(),
		Peak:     g.peak.Load(),
		Admitted: g.admitted.Load(),
		Retried:  g.retried.Load(),
		Failed:   g.failed.Load(),
	}
}

// Close stops admitting new calls and waits for in-flight ones to finish.
// It returns ctx.Err() if ctx ends before the gate drains.
func (g *Gate) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
