package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration for invalid or inconsistent values.
func Validate(cfg *Config) error {
	var problems []string

	if cfg.Gateway.MaxAttempts < 1 {
		problems = append(problems, "gateway.max_attempts must be >= 1")
	}
	if cfg.Gateway.BackoffUnit <= 0 {
		problems = append(problems, "gateway.backoff_unit must be positive")
	}
	if cfg.Gateway.PairingRetry <= 0 {
		problems = append(problems, "gateway.pairing_retry must be positive")
	}
	if cfg.Gateway.PingInterval <= 0 {
		problems = append(problems, "gateway.ping_interval must be positive")
	}
	if cfg.Gateway.RequestTimeout <= 0 {
		problems = append(problems, "gateway.request_timeout must be positive")
	}
	if cfg.Gateway.SendRate <= 0 {
		problems = append(problems, "gateway.send_rate must be positive")
	}
	if cfg.Gateway.SendBurst < 1 {
		problems = append(problems, "gateway.send_burst must be >= 1")
	}

	if cfg.Client.ID == "" {
		problems = append(problems, "client.id must not be empty")
	}
	switch cfg.Client.Mode {
	case "node", "ui", "cli":
	default:
		problems = append(problems, fmt.Sprintf("client.mode %q is not one of node, ui, cli", cfg.Client.Mode))
	}
	if len(cfg.Client.Scopes) == 0 {
		problems = append(problems, "client.scopes must not be empty")
	}

	if cfg.Identity.StorePath == "" {
		problems = append(problems, "identity.store_path must not be empty")
	}

	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("logger.format %q is not one of text, json", cfg.Logger.Format))
	}

	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	case "otlp":
		if cfg.Tracer.Endpoint == "" {
			problems = append(problems, "tracer.endpoint is required when tracer.exporter is otlp")
		}
	default:
		problems = append(problems, fmt.Sprintf("tracer.exporter %q is not one of noop, stdout, otlp", cfg.Tracer.Exporter))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
