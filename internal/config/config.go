package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rcourtman/meterd/internal/gateway"
	"github.com/rcourtman/meterd/internal/ledger"
	"github.com/rcourtman/meterd/internal/logging"
	"github.com/rcourtman/meterd/internal/payments"
	"github.com/rcourtman/meterd/internal/session"
	"github.com/shopspring/decimal"
)

// ConfigPathEnv names the variable holding an optional TOML config file.
const ConfigPathEnv = "METERD_CONFIG"

// Config holds all service configuration. Keys in a TOML file are the
// environment variable names in lower case.
type Config struct {
	EnforcePayment       bool `koanf:"enforce_payment"`
	RequireLicenseServer bool `koanf:"require_license_server"`

	SessionTimeoutSeconds           int    `koanf:"session_timeout_seconds"`
	MaxConcurrentSessionsPerLicense int    `koanf:"max_concurrent_sessions_per_license"`
	SessionLimitPolicy              string `koanf:"session_limit_policy"`
	FlushIntervalSeconds            int    `koanf:"flush_interval_seconds"`
	MaxHeartbeatGapSeconds          int    `koanf:"max_heartbeat_gap_seconds"`
	SweepIntervalSeconds            int    `koanf:"sweep_interval_seconds"`
	SessionRetentionSeconds         int    `koanf:"session_retention_seconds"`

	BalanceCacheTTLSeconds int `koanf:"balance_cache_ttl_seconds"`
	BalanceCacheSize       int `koanf:"balance_cache_size"`
	LedgerTimeoutMS        int `koanf:"ledger_timeout_ms"`
	RequestTimeoutSeconds  int `koanf:"request_timeout_seconds"`

	BindAddress string `koanf:"bind_address"`
	Port        int    `koanf:"port"`

	StoreDriver string `koanf:"store_driver"`
	DataDir     string `koanf:"data_dir"`
	DatabaseURL string `koanf:"database_url"`

	PaymentProvider      string `koanf:"payment_provider"`
	PaymentWebhookSecret string `koanf:"payment_webhook_secret"`
	StripeAPIKey         string `koanf:"stripe_api_key"`
	CheckoutSuccessURL   string `koanf:"checkout_success_url"`
	CheckoutCancelURL    string `koanf:"checkout_cancel_url"`
	HourPackages         string `koanf:"hour_packages"`
	Currency             string `koanf:"currency"`
	SignupBonusHours     string `koanf:"signup_bonus_hours"`

	AdminAPIKey        string   `koanf:"admin_api_key"`
	UpstreamURL        string   `koanf:"upstream_url"`
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`
	RateLimitPerMinute int      `koanf:"rate_limit_per_minute"`

	// TrustedProxies lists proxy IPs or CIDRs whose X-Forwarded-For is
	// honoured when rate limiting. Empty means the peer address is used.
	TrustedProxies []string `koanf:"trusted_proxies"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"enforce_payment":        true,
		"require_license_server": true,

		"session_timeout_seconds":             300,
		"max_concurrent_sessions_per_license": 1,
		"session_limit_policy":                string(session.LimitCloseOldest),
		"flush_interval_seconds":              60,
		"max_heartbeat_gap_seconds":           90,
		"sweep_interval_seconds":              30,
		"session_retention_seconds":           3600,

		"balance_cache_ttl_seconds": 10,
		"balance_cache_size":        10000,
		"ledger_timeout_ms":         2000,
		"request_timeout_seconds":   15,

		"bind_address": "0.0.0.0",
		"port":         8080,

		"store_driver": "sqlite",
		"data_dir":     "./data",
		"database_url": "",

		"payment_provider":       "stripe",
		"payment_webhook_secret": "",
		"stripe_api_key":         "",
		"checkout_success_url":   "",
		"checkout_cancel_url":    "",
		"hour_packages":          "5:1000,10:1800,25:4000",
		"currency":               "usd",
		"signup_bonus_hours":     "0",

		"admin_api_key":         "",
		"upstream_url":          "",
		"cors_allowed_origins":  "",
		"rate_limit_per_minute": 60,
		"trusted_proxies":       "",

		"log_level":  "info",
		"log_format": "auto",
	}
}

// Load reads configuration from defaults, an optional TOML file and the
// environment, in increasing priority. A .env file in the working directory
// is loaded if present but not required. An empty path falls back to
// METERD_CONFIG.
func Load(path string) (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	defaultValues := defaults()
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaultValues, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = strings.TrimSpace(os.Getenv(ConfigPathEnv))
	}
	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Only known keys are taken from the environment.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		key := strings.ToLower(s)
		if _, ok := defaultValues[key]; ok {
			return key
		}
		return ""
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.SessionLimitPolicy = strings.ToLower(strings.TrimSpace(c.SessionLimitPolicy))
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	c.PaymentProvider = strings.ToLower(strings.TrimSpace(c.PaymentProvider))
	c.Currency = strings.ToLower(strings.TrimSpace(c.Currency))
	c.PaymentWebhookSecret = strings.TrimSpace(c.PaymentWebhookSecret)
	c.StripeAPIKey = strings.TrimSpace(c.StripeAPIKey)
	c.AdminAPIKey = strings.TrimSpace(c.AdminAPIKey)
	c.UpstreamURL = strings.TrimSpace(c.UpstreamURL)

	c.CORSAllowedOrigins = splitList(c.CORSAllowedOrigins)
	c.TrustedProxies = splitList(c.TrustedProxies)
}

// splitList flattens comma-separated entries, as lists arrive from the
// environment as a single string.
func splitList(in []string) []string {
	var out []string
	for _, v := range in {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be greater than 0, got %d", name, v))
		}
	}

	positive("SESSION_TIMEOUT_SECONDS", c.SessionTimeoutSeconds)
	positive("MAX_CONCURRENT_SESSIONS_PER_LICENSE", c.MaxConcurrentSessionsPerLicense)
	positive("FLUSH_INTERVAL_SECONDS", c.FlushIntervalSeconds)
	positive("MAX_HEARTBEAT_GAP_SECONDS", c.MaxHeartbeatGapSeconds)
	positive("SWEEP_INTERVAL_SECONDS", c.SweepIntervalSeconds)
	positive("SESSION_RETENTION_SECONDS", c.SessionRetentionSeconds)
	positive("BALANCE_CACHE_SIZE", c.BalanceCacheSize)
	positive("LEDGER_TIMEOUT_MS", c.LedgerTimeoutMS)
	positive("REQUEST_TIMEOUT_SECONDS", c.RequestTimeoutSeconds)
	positive("RATE_LIMIT_PER_MINUTE", c.RateLimitPerMinute)

	if c.BalanceCacheTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("BALANCE_CACHE_TTL_SECONDS must not be negative, got %d", c.BalanceCacheTTLSeconds))
	}
	for _, p := range c.TrustedProxies {
		if !validProxy(p) {
			errs = append(errs, fmt.Errorf("TRUSTED_PROXIES entry %q is not an IP or CIDR", p))
		}
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port))
	}

	switch session.LimitPolicy(c.SessionLimitPolicy) {
	case session.LimitReject, session.LimitCloseOldest:
	default:
		errs = append(errs, fmt.Errorf("SESSION_LIMIT_POLICY must be %q or %q, got %q", session.LimitReject, session.LimitCloseOldest, c.SessionLimitPolicy))
	}

	switch c.StoreDriver {
	case "sqlite":
		if strings.TrimSpace(c.DataDir) == "" {
			errs = append(errs, errors.New("DATA_DIR is required for the sqlite store"))
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseURL) == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be sqlite or postgres, got %q", c.StoreDriver))
	}

	switch c.PaymentProvider {
	case "stripe", "hmac":
	default:
		errs = append(errs, fmt.Errorf("PAYMENT_PROVIDER must be stripe or hmac, got %q", c.PaymentProvider))
	}
	if _, err := payments.ParseCatalog(c.HourPackages, c.Currency); err != nil {
		errs = append(errs, fmt.Errorf("HOUR_PACKAGES: %w", err))
	}
	if c.StripeAPIKey != "" {
		for name, raw := range map[string]string{"CHECKOUT_SUCCESS_URL": c.CheckoutSuccessURL, "CHECKOUT_CANCEL_URL": c.CheckoutCancelURL} {
			if err := validateHTTPURL(raw); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}
	if bonus, err := ledger.ParseHours(c.SignupBonusHours); err != nil {
		errs = append(errs, fmt.Errorf("SIGNUP_BONUS_HOURS: %w", err))
	} else if bonus.IsNegative() {
		errs = append(errs, fmt.Errorf("SIGNUP_BONUS_HOURS must not be negative, got %s", bonus))
	}

	if c.UpstreamURL != "" {
		if err := validateHTTPURL(c.UpstreamURL); err != nil {
			errs = append(errs, fmt.Errorf("UPSTREAM_URL: %w", err))
		}
	}
	if !logging.ValidLevel(c.LogLevel) {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is not a valid level", c.LogLevel))
	}
	if !logging.ValidFormat(c.LogFormat) {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json, console or auto, got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https scheme")
	}
	if u.Host == "" {
		return fmt.Errorf("must include a host")
	}
	return nil
}

// ListenAddr is the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

// CacheTTL is BALANCE_CACHE_TTL_SECONDS as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.BalanceCacheTTLSeconds) * time.Second
}

// RequestTimeout is REQUEST_TIMEOUT_SECONDS as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// SignupBonus is the credit given to newly registered licenses.
func (c *Config) SignupBonus() decimal.Decimal {
	h, err := ledger.ParseHours(c.SignupBonusHours)
	if err != nil {
		return decimal.Zero
	}
	return h
}

// Session returns the tracker settings.
func (c *Config) Session() session.Config {
	return session.Config{
		Timeout:         time.Duration(c.SessionTimeoutSeconds) * time.Second,
		FlushInterval:   time.Duration(c.FlushIntervalSeconds) * time.Second,
		MaxHeartbeatGap: time.Duration(c.MaxHeartbeatGapSeconds) * time.Second,
		SweepInterval:   time.Duration(c.SweepIntervalSeconds) * time.Second,
		Retention:       time.Duration(c.SessionRetentionSeconds) * time.Second,
		MaxPerLicense:   c.MaxConcurrentSessionsPerLicense,
		LimitPolicy:     session.LimitPolicy(c.SessionLimitPolicy),
	}
}

// Gateway returns the access control settings.
func (c *Config) Gateway() gateway.Config {
	return gateway.Config{
		Policy:        gateway.PolicyFor(c.RequireLicenseServer),
		Enforce:       c.EnforcePayment,
		LookupTimeout: time.Duration(c.LedgerTimeoutMS) * time.Millisecond,
	}
}

// Logging returns the logger settings.
func (c *Config) Logging() logging.Config {
	return logging.Config{Format: c.LogFormat, Level: c.LogLevel, Component: "meterd"}
}

// Checkout returns the Stripe checkout settings.
func (c *Config) Checkout() payments.CheckoutConfig {
	return payments.CheckoutConfig{
		APIKey:     c.StripeAPIKey,
		SuccessURL: c.CheckoutSuccessURL,
		CancelURL:  c.CheckoutCancelURL,
	}
}

func validProxy(v string) bool {
	if strings.Contains(v, "/") {
		_, _, err := net.ParseCIDR(v)
		return err == nil
	}
	return net.ParseIP(v) != nil
}
