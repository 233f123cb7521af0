package config

// Patch overrides selected configuration fields. Nil fields leave the
// current value untouched, so patches can be applied one after another
// with additive effect.
type Patch struct {
	Auth struct {
		TokenURL         *string `yaml:"token_url"`
		Username         *string `yaml:"username"`
		Password         *string `yaml:"password"`
		RefreshInterval  *int    `yaml:"refresh_interval"`
		RefreshPreemptBy *int    `yaml:"refresh_preempt_by"`
		ClientID         *string `yaml:"client_id"`
		NoGiveUp         *bool   `yaml:"no_give_up"`
		Debug            *bool   `yaml:"debug"`
	} `yaml:"auth"`

	API struct {
		Server          *string `yaml:"server"`
		CalculatePath   *string `yaml:"calculate_path"`
		PollInterval    *int    `yaml:"poll_interval"`
		PollMaxAttempts *int    `yaml:"poll_max_attempts"`
		DebugResponse   *bool   `yaml:"debug_response"`
		Debug           *bool   `yaml:"debug"`
		DebugLevel      *int    `yaml:"debug_level"`
		Timeout         *int    `yaml:"timeout"`
	} `yaml:"api"`

	Sink struct {
		Kind          *string `yaml:"kind"`
		Path          *string `yaml:"path"`
		DSN           *string `yaml:"dsn"`
		RedisAddr     *string `yaml:"redis_addr"`
		RedisPassword *string `yaml:"redis_password"`
		RedisDB       *int    `yaml:"redis_db"`
		RedisTTL      *int    `yaml:"redis_ttl"`
		AMQPURL       *string `yaml:"amqp_url"`
		Exchange      *string `yaml:"exchange"`
	} `yaml:"sink"`

	Dashboard struct {
		Enabled   *bool   `yaml:"enabled"`
		Address   *string `yaml:"address"`
		TokenHash *string `yaml:"token_hash"`
	} `yaml:"dashboard"`
}

// Apply copies every non-nil field of p onto c
func (c *Config) Apply(p Patch) {
	set(&c.Auth.TokenURL, p.Auth.TokenURL)
	set(&c.Auth.Username, p.Auth.Username)
	set(&c.Auth.Password, p.Auth.Password)
	set(&c.Auth.RefreshInterval, p.Auth.RefreshInterval)
	set(&c.Auth.RefreshPreemptBy, p.Auth.RefreshPreemptBy)
	set(&c.Auth.ClientID, p.Auth.ClientID)
	set(&c.Auth.NoGiveUp, p.Auth.NoGiveUp)
	set(&c.Auth.Debug, p.Auth.Debug)

	set(&c.API.Server, p.API.Server)
	set(&c.API.CalculatePath, p.API.CalculatePath)
	set(&c.API.PollInterval, p.API.PollInterval)
	set(&c.API.PollMaxAttempts, p.API.PollMaxAttempts)
	set(&c.API.DebugResponse, p.API.DebugResponse)
	set(&c.API.Debug, p.API.Debug)
	set(&c.API.DebugLevel, p.API.DebugLevel)
	set(&c.API.Timeout, p.API.Timeout)

	set(&c.Sink.Kind, p.Sink.Kind)
	set(&c.Sink.Path, p.Sink.Path)
	set(&c.Sink.DSN, p.Sink.DSN)
	set(&c.Sink.RedisAddr, p.Sink.RedisAddr)
	set(&c.Sink.RedisPassword, p.Sink.RedisPassword)
	set(&c.Sink.RedisDB, p.Sink.RedisDB)
	set(&c.Sink.RedisTTL, p.Sink.RedisTTL)
	set(&c.Sink.AMQPURL, p.Sink.AMQPURL)
	set(&c.Sink.Exchange, p.Sink.Exchange)

	set(&c.Dashboard.Enabled, p.Dashboard.Enabled)
	set(&c.Dashboard.Address, p.Dashboard.Address)
	set(&c.Dashboard.TokenHash, p.Dashboard.TokenHash)
}

// Clone returns a copy that can be patched independently
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// String returns a pointer to v, for building patches in code
func String(v string) *string { return &v }

// Int returns a pointer to v, for building patches in code
func Int(v int) *int { return &v }

// Bool returns a pointer to v, for building patches in code
func Bool(v bool) *bool { return &v }
