// Package telemetry sets up OpenTelemetry tracing for sync runs.
// Tracing is off unless enabled with --otel.
package telemetry

import (
	"errors"
)

// OTLP exporter protocols
const (
	ProtocolHTTP = "otlphttp"
	ProtocolGRPC = "otlpgrpc"
)

// Config holds tracing options
type Config struct {
	Enabled        bool
	Endpoint       string // "http://localhost:4318" or "localhost:4317"
	Protocol       string
	Insecure       bool
	ServiceName    string
	ServiceVersion string
	SampleRatio    float64
}

// DefaultConfig returns a disabled configuration
func DefaultConfig() Config {
	return Config{
		Protocol:       ProtocolHTTP,
		ServiceName:    "metasync",
		ServiceVersion: "dev",
		SampleRatio:    1.0,
	}
}

// Validate checks the configuration when tracing is enabled
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	switch c.Protocol {
	case ProtocolHTTP, ProtocolGRPC:
	default:
		return errors.New("telemetry: protocol must be 'otlphttp' or 'otlpgrpc'")
	}

	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return errors.New("telemetry: sample ratio must be between 0 and 1")
	}
	return nil
}
