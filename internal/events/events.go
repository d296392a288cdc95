// Package events publishes job lifecycle events.
//
// Events go to NATS subjects of the form:
//
//	<prefix>.<kind>
//
// with the default prefix "tabledoc.job", so a completed job is announced on
// "tabledoc.job.completed".
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "tabledoc.job"

// Kind is the lifecycle transition an event reports.
type Kind string

const (
	Started    Kind = "started"
	Completed  Kind = "completed"
	Skipped    Kind = "skipped"
	Incomplete Kind = "incomplete"
	Failed     Kind = "failed"
)

// Event describes one job lifecycle transition.
type Event struct {
	RunID      string    `json:"run_id"`
	JobID      string    `json:"job_id"`
	Kind       Kind      `json:"kind"`
	Stage      string    `json:"stage,omitempty"`
	Sections   int       `json:"sections,omitempty"`
	Verified   int       `json:"verified,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Time       time.Time `json:"time"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// NATSPublisher publishes events as JSON on a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger
}

// NewNATSPublisher wraps an existing connection. The caller keeps ownership
// of nc.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	if nc == nil {
		return nil, errors.New("events: nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}, nil
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("tabledoc"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	p, err := NewNATSPublisher(nc, prefix, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	p.owned = true
	p.logger.Info("connected to NATS", zap.String("url", url))
	return p, nil
}

// Subject returns the subject an event of kind is published on.
func (p *NATSPublisher) Subject(kind Kind) string {
	return p.prefix + "." + string(kind)
}

// Publish sends e. A zero Time is stamped with the current time.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(e.Kind), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Kind, err)
	}
	return nil
}

// Close flushes pending events and closes the connection when the publisher
// owns it.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	err := p.nc.Flush()
	p.nc.Close()
	return err
}
