package telemetry

import "time"

// CoordinatorConfig is the default telemetry configuration of the saga coordinator
var CoordinatorConfig = Config{
	ServiceName:    "saga-coordinator",
	ServiceVersion: "1.0.0",
	MetricInterval: 30 * time.Second,
}

// WithOTLPEndpoint sets the OTLP endpoint for a config
func (c Config) WithOTLPEndpoint(endpoint string) Config {
	c.OTLPEndpoint = endpoint
	return c
}

// WithVersion sets the service version for a config
func (c Config) WithVersion(version string) Config {
	if version != "" {
		c.ServiceVersion = version
	}
	return c
}
