package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"clawlink/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Client    ClientConfig    `yaml:"client"`
	Identity  IdentityConfig  `yaml:"identity"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// GatewayConfig holds gateway connection settings.
type GatewayConfig struct {
	URL            string        `yaml:"url"`
	Locale         string        `yaml:"locale"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	BackoffUnit    time.Duration `yaml:"backoff_unit"`
	MaxAttempts    int           `yaml:"max_attempts"`
	PairingRetry   time.Duration `yaml:"pairing_retry"`

	// Outbound frame rate limiting (frames per second, burst size).
	SendRate  float64 `yaml:"send_rate"`
	SendBurst int     `yaml:"send_burst"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig holds circuit breaker settings for one-shot helper requests.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// ClientConfig identifies this client to the gateway.
type ClientConfig struct {
	ID          string   `yaml:"id"`
	Mode        string   `yaml:"mode"`
	Role        string   `yaml:"role"`
	Scopes      []string `yaml:"scopes"`
	DisplayName string   `yaml:"display_name"`
}

// IdentityConfig holds device identity storage settings.
// The store passphrase is read from the env var named by PassphraseEnv;
// an empty passphrase stores the private key unencrypted.
type IdentityConfig struct {
	StorePath     string `yaml:"store_path"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

// DiscoveryConfig holds mDNS gateway discovery settings.
type DiscoveryConfig struct {
	Enabled     bool          `yaml:"enabled"`
	ScanTimeout time.Duration `yaml:"scan_timeout"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// defaultStorePath returns the identity database path under $HOME/.clawlink.
// Falls back to "./clawlink" if $HOME cannot be determined.
func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "clawlink", "identity.db")
	}
	return filepath.Join(home, ".clawlink", "identity.db")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Locale:         "en-US",
			ConnectTimeout: 10 * time.Second,
			RequestTimeout: 15 * time.Second,
			PingInterval:   15 * time.Second,
			BackoffUnit:    2 * time.Second,
			MaxAttempts:    5,
			PairingRetry:   5 * time.Second,
			SendRate:       50,
			SendBurst:      100,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Client: ClientConfig{
			ID:     "clawlink",
			Mode:   "node",
			Role:   "node",
			Scopes: []string{"agent", "health", "usage", "models"},
		},
		Identity: IdentityConfig{
			StorePath:     defaultStorePath(),
			PassphraseEnv: "CLAWLINK_PASSPHRASE",
		},
		Discovery: DiscoveryConfig{
			Enabled:     false,
			ScanTimeout: 5 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file and applies env var overrides.
// A missing file is not an error: defaults plus env overrides are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrConfigLoad, path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrConfigLoad, path, err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps CLAWLINK_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CLAWLINK_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("CLAWLINK_GATEWAY_LOCALE"); v != "" {
		cfg.Gateway.Locale = v
	}
	if v := os.Getenv("CLAWLINK_GATEWAY_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Gateway.RequestTimeout = d
		}
	}
	if v := os.Getenv("CLAWLINK_GATEWAY_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Gateway.PingInterval = d
		}
	}
	if v := os.Getenv("CLAWLINK_GATEWAY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Gateway.MaxAttempts = n
		}
	}
	if v := os.Getenv("CLAWLINK_CLIENT_ID"); v != "" {
		cfg.Client.ID = v
	}
	if v := os.Getenv("CLAWLINK_CLIENT_SCOPES"); v != "" {
		cfg.Client.Scopes = splitAndTrim(v, ",")
	}
	if v := os.Getenv("CLAWLINK_CLIENT_DISPLAY_NAME"); v != "" {
		cfg.Client.DisplayName = v
	}
	if v := os.Getenv("CLAWLINK_IDENTITY_STORE_PATH"); v != "" {
		cfg.Identity.StorePath = v
	}
	if v := os.Getenv("CLAWLINK_DISCOVERY_ENABLED"); v == "true" {
		cfg.Discovery.Enabled = true
	}
	if v := os.Getenv("CLAWLINK_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("CLAWLINK_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("CLAWLINK_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("CLAWLINK_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
