// Package config loads and validates the service configuration from a
// YAML file, with environment overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/PolygramInfo/IFC-RPC/errors"
)

// EnvNATSURL overrides nats.url when set, so deployments can point the
// same config file at different clusters.
const EnvNATSURL = "IFCRPC_NATS_URL"

// Config is the complete service configuration.
type Config struct {
	Platform PlatformConfig `yaml:"platform"`
	NATS     NATSConfig     `yaml:"nats"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// PlatformConfig identifies the running service instance.
type PlatformConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
}

// NATSConfig configures the backend connection.
type NATSConfig struct {
	URL            string   `yaml:"url"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	DrainTimeout   Duration `yaml:"drain_timeout"`
	Token          string   `yaml:"token"`
}

// PipelineConfig names the queues and buckets the stages share and the
// knobs of the resource lifecycle.
type PipelineConfig struct {
	ValidationQueue  string   `yaml:"validation_queue"`
	RoutingQueue     string   `yaml:"routing_queue"`
	EntityQueue      string   `yaml:"entity_queue"`
	SchemaQueue      string   `yaml:"schema_queue"`
	AuditBucket      string   `yaml:"audit_bucket"`
	QuarantineBucket string   `yaml:"quarantine_bucket"`
	ResultBucket     string   `yaml:"result_bucket"`
	ResourceLifespan Duration `yaml:"resource_lifespan"`
	TryAfter         Duration `yaml:"try_after"`
	ReceiveWait      Duration `yaml:"receive_wait"`
}

// HTTPConfig configures the ingress listener and the metrics endpoint.
type HTTPConfig struct {
	IngressAddr string `yaml:"ingress_addr"`
	MetricsPort int    `yaml:"metrics_port"`
	MetricsPath string `yaml:"metrics_path"`
}

// LoggingConfig selects the log output format and level.
type LoggingConfig struct {
	Format string `yaml:"format"` // "json" or "text"
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Platform: PlatformConfig{
			Name:        "ifcrpc",
			Environment: "development",
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ConnectTimeout: Duration(10 * time.Second),
			DrainTimeout:   Duration(30 * time.Second),
		},
		Pipeline: PipelineConfig{
			ValidationQueue:  "validation",
			RoutingQueue:     "routing",
			EntityQueue:      "entity",
			SchemaQueue:      "schema",
			AuditBucket:      "audit",
			QuarantineBucket: "quarantine",
			ResultBucket:     "resources",
			ResourceLifespan: Duration(24 * time.Hour),
			TryAfter:         Duration(30 * time.Second),
			ReceiveWait:      Duration(5 * time.Second),
		},
		HTTP: HTTPConfig{
			IngressAddr: ":8080",
			MetricsPort: 9090,
			MetricsPath: "/metrics",
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load reads a YAML config file over the defaults and applies
// environment overrides. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "config", "Load", "read "+path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse "+path)
		}
	}

	if url := os.Getenv(EnvNATSURL); url != "" {
		cfg.NATS.URL = url
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the service cannot start
// without.
func (c *Config) Validate() error {
	var problems []string

	if c.Platform.Name == "" {
		problems = append(problems, "platform.name is required")
	}
	if c.NATS.URL == "" {
		problems = append(problems, "nats.url is required")
	}
	if c.NATS.ConnectTimeout <= 0 {
		problems = append(problems, "nats.connect_timeout must be positive")
	}
	for name, value := range map[string]string{
		"pipeline.validation_queue": c.Pipeline.ValidationQueue,
		"pipeline.routing_queue":    c.Pipeline.RoutingQueue,
		"pipeline.entity_queue":     c.Pipeline.EntityQueue,
		"pipeline.schema_queue":     c.Pipeline.SchemaQueue,
	} {
		if value == "" {
			problems = append(problems, name+" is required")
		}
	}
	if c.Pipeline.ResourceLifespan <= 0 {
		problems = append(problems, "pipeline.resource_lifespan must be positive")
	}
	if c.HTTP.IngressAddr == "" {
		problems = append(problems, "http.ingress_addr is required")
	}
	if c.HTTP.MetricsPort <= 0 || c.HTTP.MetricsPort > 65535 {
		problems = append(problems, "http.metrics_port must be a valid port")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		problems = append(problems, "logging.format must be json or text")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, "logging.level must be debug, info, warn or error")
	}

	if len(problems) > 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("check configuration: %v", problems))
	}
	return nil
}
