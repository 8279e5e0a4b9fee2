package telemetry

type Config struct {
	// Use OTLP exporter. Has precedence over the Jaeger configuration.
	OTLP OTLP `yaml:"otlp"`
	// The URL of the Jaeger collector.
	JaegerURL string `yaml:"jaegerUrl"`
	// Service name reported with every span. Defaults to `callsig`.
	Package string `yaml:"package"`
	// ID of the service instance. Random if empty.
	ID string `yaml:"id"`
}

type OTLP struct {
	// Endpoint of the collector, without any URL path.
	Host string `yaml:"host"`
	// HTTPS is used if enabled, HTTP otherwise.
	Secure bool `yaml:"secure"`
}

// Tracing is disabled unless an exporter is configured.
func (c Config) Enabled() bool {
	return c.OTLP.Host != "" || c.JaegerURL != ""
}
