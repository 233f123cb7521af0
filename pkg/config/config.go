package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults matching the hosted agena.ai service
const (
	DefaultTokenURL         = "https://auth.agena.ai/realms/cloud/protocol/openid-connect/token"
	DefaultClientID         = "agenarisk-cloud"
	DefaultServer           = "https://api.agena.ai"
	DefaultCalculatePath    = "/public/v1/calculate"
	DefaultRefreshInterval  = 500  // ms
	DefaultRefreshPreemptBy = 5000 // ms
	DefaultPollInterval     = 1000 // ms
	DefaultPollMaxAttempts  = 1000
	DefaultDebugLevel       = 1
)

// Auth configures the token manager. Times are in milliseconds.
type Auth struct {
	TokenURL         string `yaml:"token_url"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	RefreshInterval  int    `yaml:"refresh_interval"`   // how often the refresh task checks the access token
	RefreshPreemptBy int    `yaml:"refresh_preempt_by"` // refresh when the token expires within this margin
	ClientID         string `yaml:"client_id"`
	NoGiveUp         bool   `yaml:"no_give_up"` // keep re-authenticating after exchange errors
	Debug            bool   `yaml:"debug"`      // log token endpoint responses
}

// RefreshEvery returns RefreshInterval as a duration
func (a Auth) RefreshEvery() time.Duration {
	return time.Duration(a.RefreshInterval) * time.Millisecond
}

// PreemptBy returns RefreshPreemptBy as a duration
func (a Auth) PreemptBy() time.Duration {
	return time.Duration(a.RefreshPreemptBy) * time.Millisecond
}

// API configures the job submitter. Times are in milliseconds.
type API struct {
	Server          string `yaml:"server"`
	CalculatePath   string `yaml:"calculate_path"`
	PollInterval    int    `yaml:"poll_interval"`
	PollMaxAttempts int    `yaml:"poll_max_attempts"` // 0 polls forever
	DebugResponse   bool   `yaml:"debug_response"`    // keep the raw HTTP response on each result
	Debug           bool   `yaml:"debug"`
	DebugLevel      int    `yaml:"debug_level"` // 1 = minimum, 10 = all
	Timeout         int    `yaml:"timeout"`     // HTTP client timeout, 0 = none
}

// PollEvery returns PollInterval as a duration
func (a API) PollEvery() time.Duration {
	return time.Duration(a.PollInterval) * time.Millisecond
}

// Verbose reports whether messages of the given debug level are logged
func (a API) Verbose(level int) bool {
	return a.Debug && level <= a.DebugLevel
}

// HTTPTimeout returns Timeout as a duration
func (a API) HTTPTimeout() time.Duration {
	return time.Duration(a.Timeout) * time.Millisecond
}

// Sink selects where calculated datasets are handed off to
type Sink struct {
	Kind          string `yaml:"kind"`           // "", sqlite, postgres, redis, amqp
	Path          string `yaml:"path"`           // sqlite database path
	DSN           string `yaml:"dsn"`            // postgres DSN
	RedisAddr     string `yaml:"redis_addr"`     // host:port
	RedisPassword string `yaml:"redis_password"` // optional
	RedisDB       int    `yaml:"redis_db"`
	RedisTTL      int    `yaml:"redis_ttl"` // seconds, 0 = keep forever
	AMQPURL       string `yaml:"amqp_url"`
	Exchange      string `yaml:"exchange"`
}

// Dashboard configures the live batch progress server
type Dashboard struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`

	// TokenHash is a bcrypt hash of the viewer token; empty leaves the
	// dashboard open. See the hash-token command.
	TokenHash string `yaml:"token_hash"`
}

// Config holds the complete client configuration
type Config struct {
	Auth      Auth      `yaml:"auth"`
	API       API       `yaml:"api"`
	Sink      Sink      `yaml:"sink"`
	Dashboard Dashboard `yaml:"dashboard"`
}

// Default returns the configuration the SDK starts from
func Default() *Config {
	return &Config{
		Auth: Auth{
			TokenURL:         DefaultTokenURL,
			RefreshInterval:  DefaultRefreshInterval,
			RefreshPreemptBy: DefaultRefreshPreemptBy,
			ClientID:         DefaultClientID,
		},
		API: API{
			Server:          DefaultServer,
			CalculatePath:   DefaultCalculatePath,
			PollInterval:    DefaultPollInterval,
			PollMaxAttempts: DefaultPollMaxAttempts,
			DebugLevel:      DefaultDebugLevel,
		},
		Sink: Sink{
			Path:     "./data/results.db",
			Exchange: "agena.results",
		},
		Dashboard: Dashboard{
			Address: ":8090",
		},
	}
}

// Load reads a YAML file, applies it and the environment on top of
// Default, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		var p Patch
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		cfg.Apply(p)
	}

	cfg.Apply(FromEnv())

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields every component relies on
func (c *Config) Validate() error {
	if c.Auth.TokenURL == "" {
		return fmt.Errorf("auth.token_url is required")
	}
	if c.Auth.RefreshInterval <= 0 {
		return fmt.Errorf("auth.refresh_interval must be positive")
	}
	if c.Auth.RefreshPreemptBy < 0 {
		return fmt.Errorf("auth.refresh_preempt_by must not be negative")
	}
	if c.API.Server == "" {
		return fmt.Errorf("api.server is required")
	}
	if c.API.PollInterval <= 0 {
		return fmt.Errorf("api.poll_interval must be positive")
	}
	if c.API.PollMaxAttempts < 0 {
		return fmt.Errorf("api.poll_max_attempts must not be negative")
	}

	switch c.Sink.Kind {
	case "":
	case "sqlite":
		if c.Sink.Path == "" {
			return fmt.Errorf("sink.path is required for sqlite")
		}
	case "postgres":
		if c.Sink.DSN == "" {
			return fmt.Errorf("sink.dsn is required for postgres")
		}
	case "redis":
		if c.Sink.RedisAddr == "" {
			return fmt.Errorf("sink.redis_addr is required for redis")
		}
	case "amqp":
		if c.Sink.AMQPURL == "" {
			return fmt.Errorf("sink.amqp_url is required for amqp")
		}
	default:
		return fmt.Errorf("unknown sink.kind %q", c.Sink.Kind)
	}

	if c.Dashboard.Enabled && c.Dashboard.Address == "" {
		return fmt.Errorf("dashboard.address is required when the dashboard is enabled")
	}
	return nil
}

// FromEnv builds a patch from AGENA_* environment variables
func FromEnv() Patch {
	var p Patch
	p.Auth.Username = envPtr("AGENA_USERNAME")
	p.Auth.Password = envPtr("AGENA_PASSWORD")
	p.Auth.TokenURL = envPtr("AGENA_TOKEN_URL")
	p.Auth.ClientID = envPtr("AGENA_CLIENT_ID")
	p.API.Server = envPtr("AGENA_SERVER")
	p.API.PollInterval = envIntPtr("AGENA_POLL_INTERVAL")
	p.API.PollMaxAttempts = envIntPtr("AGENA_POLL_MAX_ATTEMPTS")
	p.Sink.DSN = envPtr("AGENA_SINK_DSN")
	p.Sink.RedisPassword = envPtr("AGENA_REDIS_PASSWORD")
	p.Sink.AMQPURL = envPtr("AGENA_AMQP_URL")
	return p
}

// ─── helpers ───

func envPtr(key string) *string {
	if v := os.Getenv(key); v != "" {
		return &v
	}
	return nil
}

func envIntPtr(key string) *int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return &i
		}
	}
	return nil
}
