package telemetry

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	protocolGRPC = "grpc"
	protocolHTTP = "http/protobuf"
)

// Config is filled by the CLI from the telemetry section of the tabledoc
// config.
type Config struct {
	Enabled        bool
	Endpoint       string
	Protocol       string
	Insecure       bool
	TLSSkipVerify  bool
	ServiceName    string
	ServiceVersion string
	// SampleRate is the fraction of job traces kept, 0 to 1. Child spans
	// follow their parent.
	SampleRate      float64
	Metrics         bool
	ExportInterval  time.Duration
	ShutdownTimeout time.Duration
}

// NewDefaultConfig returns a disabled config pointing at a local collector.
func NewDefaultConfig() *Config {
	return &Config{
		Endpoint:        "localhost:4317",
		Protocol:        protocolGRPC,
		Insecure:        true,
		ServiceName:     "tabledoc",
		ServiceVersion:  "dev",
		SampleRate:      1,
		Metrics:         true,
		ExportInterval:  15 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Validate is a no-op for a disabled config.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch {
	case c.Endpoint == "":
		add("endpoint is required")
	case c.Insecure && !isLoopback(c.Endpoint):
		add("insecure export to non-local endpoint %q", c.Endpoint)
	}
	if c.ServiceName == "" {
		add("service_name is required")
	}
	if c.Protocol != protocolGRPC && c.Protocol != protocolHTTP {
		add("protocol %q: want %s or %s", c.Protocol, protocolGRPC, protocolHTTP)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		add("sample_rate %v outside [0,1]", c.SampleRate)
	}
	if c.Metrics && c.ExportInterval <= 0 {
		add("export_interval must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		add("shutdown timeout must be positive")
	}
	return errors.Join(errs...)
}

// isLoopback reports whether endpoint (host:port, optionally with an
// http scheme) names localhost or a loopback IP.
func isLoopback(endpoint string) bool {
	host := stripScheme(endpoint)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// stripScheme turns a URL into the host:port the exporters expect.
func stripScheme(endpoint string) string {
	if _, rest, ok := strings.Cut(endpoint, "://"); ok {
		return rest
	}
	return endpoint
}
