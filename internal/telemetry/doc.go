// Package telemetry starts the OpenTelemetry SDK for tabledoc runs.
//
// Each job is a "job" span with one "stage.<name>" child per pipeline
// stage; verify/repair rounds become "section.round" events on the write
// stage's span. Pipeline and status server metrics use the meter returned
// by Meter. Export is OTLP over grpc or http/protobuf:
//
//	telemetry:
//	  enabled: true
//	  endpoint: localhost:4317
//	  protocol: grpc
//	  sample_rate: 0.25
//	  export_interval: 30s
//
// NewTestTelemetry keeps spans and metrics in memory for tests.
package telemetry
