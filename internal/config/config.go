// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for
// containers) and from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file. Structured
// sections (backends, virtual_keys, router, route_limits) come from YAML.
//
// String fields support ${ENV} placeholders, resolved at load time.
// A placeholder naming an unset variable is fatal at boot: the process
// exits with code 2 rather than forwarding requests with a missing
// upstream credential.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/ditto-gateway/internal/router"
	"github.com/nulpointcorp/ditto-gateway/internal/store"
)

// Defaults for the proxy pipeline.
const (
	DefaultMaxBodyBytes      = 64 << 20 // 64 MiB
	DefaultUsageMaxBodyBytes = 1 << 20  // 1 MiB
	DefaultBackendTimeout    = 300 * time.Second
)

// BackendConfig describes one upstream target.
type BackendConfig struct {
	Name        string            `mapstructure:"name"`
	BaseURL     string            `mapstructure:"base_url"`
	Headers     map[string]string `mapstructure:"headers"`
	QueryParams map[string]string `mapstructure:"query_params"`

	// MaxInFlight bounds concurrent requests to this backend; 0 = unlimited.
	MaxInFlight int `mapstructure:"max_in_flight"`

	// TimeoutSeconds is the per-request dispatch timeout; 0 = 300 s.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`

	// ModelMap rewrites the JSON model field before forwarding.
	// A "*" key matches any model.
	ModelMap map[string]string `mapstructure:"model_map"`

	// Provider and ProviderConfig are informational pass-through for the
	// external translation collaborator; the core never interprets them.
	Provider       string            `mapstructure:"provider"`
	ProviderConfig map[string]string `mapstructure:"provider_config"`
}

// Timeout returns the effective dispatch timeout.
func (b *BackendConfig) Timeout() time.Duration {
	if b.TimeoutSeconds > 0 {
		return time.Duration(b.TimeoutSeconds) * time.Second
	}
	return DefaultBackendTimeout
}

// RouterConfig is the YAML routing section. The legacy default_backend
// field is accepted only when default_backends is absent.
type RouterConfig struct {
	DefaultBackends []router.Backend `mapstructure:"default_backends"`
	Rules           []router.Rule    `mapstructure:"rules"`
	DefaultBackend  string           `mapstructure:"default_backend"`
}

// StoreConfig selects and tunes the durable state backend.
type StoreConfig struct {
	// Mode is one of: memory, sqlite, redis.
	Mode string `mapstructure:"mode"`
	// SQLitePath is the store file for mode=sqlite. Default: ditto.db.
	SQLitePath string `mapstructure:"sqlite_path"`
	// RedisURL is required for mode=redis.
	RedisURL string `mapstructure:"redis_url"`
	// ReservationTTL bounds reservation lifetime in the store.
	ReservationTTL time.Duration `mapstructure:"reservation_ttl"`
}

// CacheSettings tunes the response cache.
type CacheSettings struct {
	Enabled bool `mapstructure:"enabled"`
	// TTL is the default entry lifetime. Default: 1h.
	TTL time.Duration `mapstructure:"ttl"`
	// MaxEntryBytes is the per-entry cap. Default: 1 MiB.
	MaxEntryBytes int `mapstructure:"max_entry_bytes"`
	// MaxTotalBytes is the L1 byte budget. Default: 64 MiB.
	MaxTotalBytes int `mapstructure:"max_total_bytes"`
	// Shared mirrors entries to the store's cache tier (L2).
	Shared bool `mapstructure:"shared"`
}

// HealthConfig tunes the backend health supervisor.
type HealthConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`

	ActiveEnabled bool          `mapstructure:"active_enabled"`
	ProbePath     string        `mapstructure:"probe_path"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

// RetryConfig controls the backend attempt loop.
type RetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// MaxAttempts caps backend attempts per request; 0 = candidate count.
	MaxAttempts int `mapstructure:"max_attempts"`
	// RetryableStatuses defaults to 429, 500, 502, 503, 504.
	RetryableStatuses []int `mapstructure:"retryable_statuses"`
}

// IsRetryableStatus reports whether status triggers failover.
func (r *RetryConfig) IsRetryableStatus(status int) bool {
	statuses := r.RetryableStatuses
	if len(statuses) == 0 {
		statuses = []int{429, 500, 502, 503, 504}
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// ProxyConfig tunes the hot path.
type ProxyConfig struct {
	// MaxBodyBytes rejects larger request bodies with 413. Default 64 MiB.
	MaxBodyBytes int `mapstructure:"max_body_bytes"`
	// UsageMaxBodyBytes caps response buffering for usage parsing. Default 1 MiB.
	UsageMaxBodyBytes int `mapstructure:"usage_max_body_bytes"`
	// MaxInFlight bounds concurrent requests across all backends; 0 = unlimited.
	MaxInFlight int `mapstructure:"max_in_flight"`
}

// Config is the top-level configuration container.
type Config struct {
	Port     int
	LogLevel string

	Backends    []BackendConfig
	VirtualKeys []store.VirtualKey
	Router      RouterConfig

	// RouteLimits configures the shared per-route rate scope, keyed by the
	// normalized route path.
	RouteLimits map[string]store.Limits

	Store  StoreConfig
	Cache  CacheSettings
	Health HealthConfig
	Retry  RetryConfig
	Proxy  ProxyConfig

	// PricingPath points at a LiteLLM-format pricing JSON file. Required
	// only when a cost budget is configured.
	PricingPath string

	// AdminToken guards /admin/* when non-empty.
	AdminToken string

	// ClickHouseDSN enables the analytics event sink when non-empty.
	ClickHouseDSN string

	// AuditRetention deletes audit records older than this; 0 keeps forever.
	AuditRetention time.Duration

	CORSOrigins []string
}

// MissingEnvError lists unresolved ${ENV} placeholders. The process maps
// this to exit code 2.
type MissingEnvError struct {
	Vars []string
}

func (e *MissingEnvError) Error() string {
	return fmt.Sprintf("config: missing required environment variables: %s",
		strings.Join(e.Vars, ", "))
}

// Load reads configuration from the environment and config.yaml.
func Load() (*Config, error) {
	return LoadFrom(".")
}

// LoadFrom reads configuration rooted at dir (tests point this at a
// fixture directory).
func LoadFrom(dir string) (*Config, error) {
	if err := loadDotEnv(dir + "/.env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("STORE_MODE", "memory")
	v.SetDefault("STORE_SQLITE_PATH", "ditto.db")
	v.SetDefault("STORE_RESERVATION_TTL", "10m")

	v.SetDefault("CACHE_ENABLED", false)
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CACHE_MAX_ENTRY_BYTES", DefaultUsageMaxBodyBytes)
	v.SetDefault("CACHE_MAX_TOTAL_BYTES", DefaultMaxBodyBytes)
	v.SetDefault("CACHE_SHARED", false)

	v.SetDefault("HEALTH_FAILURE_THRESHOLD", 3)
	v.SetDefault("HEALTH_COOLDOWN", "30s")
	v.SetDefault("HEALTH_ACTIVE_ENABLED", false)
	v.SetDefault("HEALTH_PROBE_PATH", "/v1/models")
	v.SetDefault("HEALTH_PROBE_INTERVAL", "10s")
	v.SetDefault("HEALTH_PROBE_TIMEOUT", "2s")

	v.SetDefault("RETRY_ENABLED", true)
	v.SetDefault("RETRY_MAX_ATTEMPTS", 0)

	v.SetDefault("PROXY_MAX_BODY_BYTES", DefaultMaxBodyBytes)
	v.SetDefault("PROXY_USAGE_MAX_BODY_BYTES", DefaultUsageMaxBodyBytes)
	v.SetDefault("PROXY_MAX_IN_FLIGHT", 0)

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Store: StoreConfig{
			Mode:           strings.ToLower(v.GetString("STORE_MODE")),
			SQLitePath:     v.GetString("STORE_SQLITE_PATH"),
			RedisURL:       v.GetString("REDIS_URL"),
			ReservationTTL: v.GetDuration("STORE_RESERVATION_TTL"),
		},

		Cache: CacheSettings{
			Enabled:       v.GetBool("CACHE_ENABLED"),
			TTL:           v.GetDuration("CACHE_TTL"),
			MaxEntryBytes: v.GetInt("CACHE_MAX_ENTRY_BYTES"),
			MaxTotalBytes: v.GetInt("CACHE_MAX_TOTAL_BYTES"),
			Shared:        v.GetBool("CACHE_SHARED"),
		},

		Health: HealthConfig{
			FailureThreshold: v.GetInt("HEALTH_FAILURE_THRESHOLD"),
			Cooldown:         v.GetDuration("HEALTH_COOLDOWN"),
			ActiveEnabled:    v.GetBool("HEALTH_ACTIVE_ENABLED"),
			ProbePath:        v.GetString("HEALTH_PROBE_PATH"),
			ProbeInterval:    v.GetDuration("HEALTH_PROBE_INTERVAL"),
			ProbeTimeout:     v.GetDuration("HEALTH_PROBE_TIMEOUT"),
		},

		Retry: RetryConfig{
			Enabled:     v.GetBool("RETRY_ENABLED"),
			MaxAttempts: v.GetInt("RETRY_MAX_ATTEMPTS"),
		},

		Proxy: ProxyConfig{
			MaxBodyBytes:      v.GetInt("PROXY_MAX_BODY_BYTES"),
			UsageMaxBodyBytes: v.GetInt("PROXY_USAGE_MAX_BODY_BYTES"),
			MaxInFlight:       v.GetInt("PROXY_MAX_IN_FLIGHT"),
		},

		PricingPath:    v.GetString("PRICING_PATH"),
		AdminToken:     v.GetString("ADMIN_TOKEN"),
		ClickHouseDSN:  v.GetString("CLICKHOUSE_DSN"),
		AuditRetention: v.GetDuration("AUDIT_RETENTION"),
		CORSOrigins:    v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Structured sections (YAML only) ───────────────────────────────────────
	if err := v.UnmarshalKey("backends", &cfg.Backends); err != nil {
		return nil, fmt.Errorf("config: backends: %w", err)
	}
	if err := v.UnmarshalKey("virtual_keys", &cfg.VirtualKeys); err != nil {
		return nil, fmt.Errorf("config: virtual_keys: %w", err)
	}
	if err := v.UnmarshalKey("router", &cfg.Router); err != nil {
		return nil, fmt.Errorf("config: router: %w", err)
	}
	if err := v.UnmarshalKey("route_limits", &cfg.RouteLimits); err != nil {
		return nil, fmt.Errorf("config: route_limits: %w", err)
	}
	if err := v.UnmarshalKey("retry.retryable_statuses", &cfg.Retry.RetryableStatuses); err != nil {
		return nil, fmt.Errorf("config: retryable_statuses: %w", err)
	}

	if err := cfg.interpolate(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envPlaceholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolate resolves ${ENV} placeholders in all credential-bearing string
// fields, collecting every missing variable before failing.
func (c *Config) interpolate() error {
	var missing []string
	expand := func(s string) string {
		return envPlaceholderRe.ReplaceAllStringFunc(s, func(match string) string {
			name := match[2 : len(match)-1]
			val, ok := os.LookupEnv(name)
			if !ok {
				missing = append(missing, name)
				return match
			}
			return val
		})
	}

	for i := range c.Backends {
		b := &c.Backends[i]
		b.BaseURL = expand(b.BaseURL)
		for k, val := range b.Headers {
			b.Headers[k] = expand(val)
		}
		for k, val := range b.QueryParams {
			b.QueryParams[k] = expand(val)
		}
	}
	for i := range c.VirtualKeys {
		c.VirtualKeys[i].Token = expand(c.VirtualKeys[i].Token)
	}
	c.Store.RedisURL = expand(c.Store.RedisURL)
	c.AdminToken = expand(c.AdminToken)
	c.ClickHouseDSN = expand(c.ClickHouseDSN)

	if len(missing) > 0 {
		seen := map[string]bool{}
		uniq := missing[:0]
		for _, name := range missing {
			if !seen[name] {
				seen[name] = true
				uniq = append(uniq, name)
			}
		}
		return &MissingEnvError{Vars: uniq}
	}
	return nil
}

// validate checks semantic constraints that defaults cannot express.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	switch c.Store.Mode {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("config: invalid STORE_MODE %q; must be one of: memory, sqlite, redis", c.Store.Mode)
	}
	if c.Store.Mode == "redis" && c.Store.RedisURL == "" {
		return fmt.Errorf("config: REDIS_URL is required when STORE_MODE=redis")
	}

	names := make(map[string]bool, len(c.Backends))
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.Name == "" {
			return fmt.Errorf("config: backends[%d]: name must not be empty", i)
		}
		if names[b.Name] {
			return fmt.Errorf("config: duplicate backend name %q", b.Name)
		}
		names[b.Name] = true
		if b.BaseURL == "" {
			return fmt.Errorf("config: backend %q: base_url must not be empty", b.Name)
		}
	}

	if c.Router.DefaultBackend != "" && len(c.Router.DefaultBackends) > 0 {
		return fmt.Errorf("config: router.default_backend is deprecated; use router.default_backends only")
	}
	if c.Router.DefaultBackend != "" {
		c.Router.DefaultBackends = []router.Backend{{Name: c.Router.DefaultBackend, Weight: 1}}
		c.Router.DefaultBackend = ""
	}
	for i := range c.Router.DefaultBackends {
		if c.Router.DefaultBackends[i].Weight == 0 {
			c.Router.DefaultBackends[i].Weight = 1
		}
	}
	for i := range c.Router.Rules {
		rule := &c.Router.Rules[i]
		for j := range rule.Backends {
			if rule.Backends[j].Weight == 0 {
				rule.Backends[j].Weight = 1
			}
		}
		for _, rb := range rule.Backends {
			if rb.Name != "" && !names[rb.Name] {
				return fmt.Errorf("config: router rule %d references unknown backend %q", i, rb.Name)
			}
		}
		if rule.Backend != "" && !names[rule.Backend] {
			return fmt.Errorf("config: router rule %d references unknown backend %q", i, rule.Backend)
		}
	}
	for _, rb := range c.Router.DefaultBackends {
		if rb.Name != "" && !names[rb.Name] {
			return fmt.Errorf("config: router default references unknown backend %q", rb.Name)
		}
	}

	ids := make(map[string]bool, len(c.VirtualKeys))
	for i := range c.VirtualKeys {
		k := &c.VirtualKeys[i]
		if k.ID == "" {
			return fmt.Errorf("config: virtual_keys[%d]: id must not be empty", i)
		}
		if ids[k.ID] {
			return fmt.Errorf("config: duplicate virtual key id %q", k.ID)
		}
		ids[k.ID] = true
		if k.Token == "" {
			return fmt.Errorf("config: virtual key %q: token must not be empty", k.ID)
		}
		if k.Route != "" && !names[k.Route] {
			return fmt.Errorf("config: virtual key %q routes to unknown backend %q", k.ID, k.Route)
		}
	}

	if c.Proxy.MaxBodyBytes <= 0 {
		c.Proxy.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Proxy.UsageMaxBodyBytes <= 0 {
		c.Proxy.UsageMaxBodyBytes = DefaultUsageMaxBodyBytes
	}
	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
