package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateBackendType validates backend.type
func (v *Validator) ValidateBackendType(typ string) error {
	validTypes := []string{BackendMemory, BackendBolt, BackendEtcd, BackendColumnar}
	for _, valid := range validTypes {
		if typ == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid backend type: %q (must be one of: %s)", typ, strings.Join(validTypes, ", "))
}

// ValidateEndpoint validates one etcd endpoint. Bare host:port is accepted.
func (v *Validator) ValidateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "unix" && u.Scheme != "unixs" {
		return fmt.Errorf("invalid endpoint scheme: %s", u.Scheme)
	}
	if u.Host == "" && u.Path == "" {
		return fmt.Errorf("endpoint has no host")
	}
	return nil
}

// ValidateColumnarURI validates a parquet://, sqlite:// or bare path URI.
func (v *Validator) ValidateColumnarURI(uri string) error {
	if uri == "" {
		return fmt.Errorf("columnar uri cannot be empty")
	}
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return nil
	}
	if scheme != "parquet" && scheme != "sqlite" {
		return fmt.Errorf("unsupported columnar scheme: %s (must be parquet or sqlite)", scheme)
	}
	if rest == "" {
		return fmt.Errorf("columnar uri %q has no location", uri)
	}
	return nil
}

// ValidateLibrary validates a columnar library name. Empty selects the
// store's first library.
func (v *Validator) ValidateLibrary(library string) error {
	if strings.ContainsAny(library, "/\\|\x00") || library == ".." {
		return fmt.Errorf("invalid library name: %q", library)
	}
	return nil
}

// ValidatePort validates a listener port
func (v *Validator) ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", port)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidateBackendType(cfg.Backend.Type); err != nil {
		errors = append(errors, err)
	}

	switch cfg.Backend.Type {
	case BackendEtcd:
		for i, ep := range cfg.Backend.Endpoints {
			if err := v.ValidateEndpoint(ep); err != nil {
				errors = append(errors, fmt.Errorf("backend.endpoints[%d]: %w", i, err))
			}
		}
		if cfg.Backend.RequestTimeout < 0 {
			errors = append(errors, fmt.Errorf("backend.request_timeout must be >= 0"))
		}
	case BackendColumnar:
		if err := v.ValidateColumnarURI(cfg.Backend.URI); err != nil {
			errors = append(errors, err)
		}
		if err := v.ValidateLibrary(cfg.Backend.Library); err != nil {
			errors = append(errors, err)
		}
	case BackendBolt:
		if cfg.Backend.FlushInterval < 0 {
			errors = append(errors, fmt.Errorf("backend.flush_interval must be >= 0"))
		}
	}

	if cfg.Registry.CopyConcurrency < 0 {
		errors = append(errors, fmt.Errorf("registry.copy_concurrency must be >= 0"))
	}

	if err := v.ValidatePort(cfg.Server.Port); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
