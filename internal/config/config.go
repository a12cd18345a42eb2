package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Backend types accepted in backend.type.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendEtcd     = "etcd"
	BackendColumnar = "columnar"
)

// Config represents the main tabula configuration
type Config struct {
	// Data directory, also the default home of the durable store
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Backend the registry starts on
	Backend BackendConfig `json:"backend" mapstructure:"backend"`

	// Registry tuning
	Registry RegistryConfig `json:"registry" mapstructure:"registry"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Health and metrics server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// BackendConfig selects and configures the storage adapter. Only the fields
// of the selected type are read.
type BackendConfig struct {
	Type string `json:"type" mapstructure:"type"` // memory, bolt, etcd, columnar

	// bolt
	Dir           string        `json:"dir" mapstructure:"dir"`
	FlushInterval time.Duration `json:"flush_interval" mapstructure:"flush_interval"`
	Fsync         bool          `json:"fsync" mapstructure:"fsync"`
	Timeout       time.Duration `json:"timeout" mapstructure:"timeout"` // file lock wait on open

	// etcd
	Endpoints      []string      `json:"endpoints" mapstructure:"endpoints"`
	Prefix         string        `json:"prefix" mapstructure:"prefix"`
	RequestTimeout time.Duration `json:"request_timeout" mapstructure:"request_timeout"`
	DialTimeout    time.Duration `json:"dial_timeout" mapstructure:"dial_timeout"`

	// columnar
	URI     string `json:"uri" mapstructure:"uri"`
	Library string `json:"library" mapstructure:"library"`
	Watch   bool   `json:"watch" mapstructure:"watch"`
}

// RegistryConfig holds registry tuning
type RegistryConfig struct {
	CopyConcurrency int `json:"copy_concurrency" mapstructure:"copy_concurrency"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`

	// Extra regular expressions masked when redaction is on
	RedactionPatterns []string `json:"redaction_patterns" mapstructure:"redaction_patterns"`
}

// ServerConfig holds the health and metrics listener
type ServerConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Type:           BackendMemory,
			FlushInterval:  5 * time.Second,
			Timeout:        time.Second,
			Prefix:         "/tabula/sessions/",
			RequestTimeout: 5 * time.Second,
			DialTimeout:    5 * time.Second,
		},
		Registry: RegistryConfig{
			CopyConcurrency: 4,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 9464,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "tabula",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Addr returns the host:port the server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Validate checks the fields the selected backend needs.
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case BackendMemory:
	case BackendBolt:
		if c.Backend.Dir == "" && c.DataDir == "" {
			return fmt.Errorf("bolt backend requires backend.dir or data_dir")
		}
		if c.Backend.FlushInterval < 0 {
			return fmt.Errorf("backend.flush_interval must be >= 0")
		}
		if c.Backend.Timeout < 0 {
			return fmt.Errorf("backend.timeout must be >= 0")
		}
	case BackendEtcd:
		if len(c.Backend.Endpoints) == 0 {
			return fmt.Errorf("etcd backend requires at least one endpoint")
		}
		if c.Backend.RequestTimeout < 0 || c.Backend.DialTimeout < 0 {
			return fmt.Errorf("backend.request_timeout and backend.dial_timeout must be >= 0")
		}
	case BackendColumnar:
		if c.Backend.URI == "" {
			return fmt.Errorf("columnar backend requires backend.uri")
		}
	case "":
		return fmt.Errorf("backend.type is required")
	default:
		return fmt.Errorf("invalid backend type: %s (must be one of: memory, bolt, etcd, columnar)", c.Backend.Type)
	}

	if c.Registry.CopyConcurrency < 0 {
		return fmt.Errorf("registry.copy_concurrency must be >= 0")
	}

	for _, p := range c.Logging.RedactionPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid logging.redaction_patterns entry %q: %w", p, err)
		}
	}

	return nil
}
