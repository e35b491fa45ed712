package rewardd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for rewardd.
type Config struct {
	ListenAddress string                     `yaml:"listen"`
	Environment   string                     `yaml:"env"`
	ParamsPath    string                     `yaml:"params"`
	RootDepth     *uint32                    `yaml:"root_depth"`
	Registry      RegistryConfig             `yaml:"registry"`
	Journal       JournalConfig              `yaml:"journal"`
	Tier          ServiceConfig              `yaml:"tier"`
	Credit        ServiceConfig              `yaml:"credit"`
	Admin         AdminConfig                `yaml:"admin"`
	RateLimits    map[string]RateLimitConfig `yaml:"rate_limits"`
	Logging       LoggingConfig              `yaml:"logging"`
}

// RegistryConfig selects where contribution records are kept.
type RegistryConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// JournalConfig configures the SQL reward journal. An empty DSN disables it.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ServiceConfig describes an external HTTP dependency.
type ServiceConfig struct {
	Endpoint       string   `yaml:"endpoint"`
	Timeout        Duration `yaml:"timeout"`
	BreakerTimeout Duration `yaml:"breaker_timeout"`
	MaxFailures    uint32   `yaml:"max_failures"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	HMACSecret     string   `yaml:"hmac_secret"`
	HMACSecretFile string   `yaml:"hmac_secret_file"`
	HMACSecretEnv  string   `yaml:"hmac_secret_env"`
	Issuer         string   `yaml:"issuer"`
	Audience       string   `yaml:"audience"`
	RoleClaim      string   `yaml:"role_claim"`
	ClockSkew      Duration `yaml:"clock_skew"`
	// RequireWriteToken gates the write routes behind the same token check
	// as the admin API.
	RequireWriteToken bool `yaml:"require_write_token"`
}

// RateLimitConfig bounds requests per client for a route group.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
	LogRequests bool   `yaml:"log_requests"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Registry.Driver == "" {
		cfg.Registry.Driver = "leveldb"
	}
	if cfg.Registry.Driver == "leveldb" && cfg.Registry.Path == "" {
		cfg.Registry.Path = "data/rewardd/registry"
	}
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "sqlite"
	}
	for _, svc := range []*ServiceConfig{&cfg.Tier, &cfg.Credit} {
		if svc.Timeout.Duration == 0 {
			svc.Timeout.Duration = 5 * time.Second
		}
		if svc.BreakerTimeout.Duration == 0 {
			svc.BreakerTimeout.Duration = 30 * time.Second
		}
		if svc.MaxFailures == 0 {
			svc.MaxFailures = 5
		}
	}
	if cfg.Admin.RoleClaim == "" {
		cfg.Admin.RoleClaim = "roles"
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = map[string]RateLimitConfig{
			"writes": {RequestsPerMinute: 600, Burst: 60},
		}
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Tier.Endpoint) == "" {
		return fmt.Errorf("tier endpoint must be configured")
	}
	if strings.TrimSpace(cfg.Credit.Endpoint) == "" {
		return fmt.Errorf("credit endpoint must be configured")
	}
	switch cfg.Registry.Driver {
	case "leveldb":
		if strings.TrimSpace(cfg.Registry.Path) == "" {
			return fmt.Errorf("registry path must be configured for leveldb")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported registry driver %q", cfg.Registry.Driver)
	}
	if cfg.Admin.HMACSecret == "" {
		return fmt.Errorf("admin hmac secret must be configured")
	}
	if cfg.RootDepth != nil && *cfg.RootDepth > 1 {
		return fmt.Errorf("root_depth must be 0 or 1")
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	a.HMACSecret = strings.TrimSpace(a.HMACSecret)
	a.HMACSecretEnv = strings.TrimSpace(a.HMACSecretEnv)
	a.HMACSecretFile = strings.TrimSpace(a.HMACSecretFile)
	if a.HMACSecret != "" {
		return nil
	}
	switch {
	case a.HMACSecretEnv != "":
		value := strings.TrimSpace(os.Getenv(a.HMACSecretEnv))
		if value == "" {
			return fmt.Errorf("hmac_secret_env %s is empty", a.HMACSecretEnv)
		}
		a.HMACSecret = value
	case a.HMACSecretFile != "":
		contents, err := os.ReadFile(a.HMACSecretFile)
		if err != nil {
			return fmt.Errorf("read hmac_secret_file: %w", err)
		}
		a.HMACSecret = strings.TrimSpace(string(contents))
	}
	return nil
}
