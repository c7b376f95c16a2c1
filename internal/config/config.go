// Package config assembles runtime settings for the API: built-in defaults,
// then an optional YAML file, then LARABBS_* environment variables (a .env
// file in the working directory is loaded into the environment first).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"larabbs.org/internal/ratelimit"
)

const envPrefix = "LARABBS_"

// insecureSecret is only accepted while Env is "development".
const insecureSecret = "larabbs-development-secret-change-me"

// Config holds runtime settings for the API server.
type Config struct {
	Env         string `yaml:"env"`
	HTTPAddr    string `yaml:"http_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`
	DatabaseDSN string `yaml:"database_dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`

	Auth       AuthConfig         `yaml:"auth"`
	RateLimits ratelimit.Policies `yaml:"rate_limits"`
	IPLimit    IPLimitConfig      `yaml:"ip_limit"`
	HTTP       HTTPConfig         `yaml:"http"`
	SMS        SMSConfig          `yaml:"sms"`
	Social     SocialConfig       `yaml:"social"`
}

// AuthConfig covers token signing and the lifetimes of codes and captchas.
type AuthConfig struct {
	Secret     string        `yaml:"secret"`
	Issuer     string        `yaml:"issuer"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	CodeTTL    time.Duration `yaml:"code_ttl"`
	CaptchaTTL time.Duration `yaml:"captcha_ttl"`
}

// IPLimitConfig is the coarse per-IP token bucket in front of every route.
type IPLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// HTTPConfig tunes the HTTP server.
type HTTPConfig struct {
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// TrustedProxies lists the CIDRs (or bare addresses) whose
	// X-Forwarded-For header is believed. Empty means the peer address is
	// always the client.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// TrustedProxyPrefixes parses TrustedProxies.
func (h HTTPConfig) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(h.TrustedProxies))
	for _, raw := range h.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// SMSConfig selects the SMS gateway. An empty URL logs messages instead of
// sending them, which is only allowed in development.
type SMSConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// SocialConfig holds provider credentials and the upstream call budget.
// A provider with an empty id is not registered.
type SocialConfig struct {
	Timeout    time.Duration  `yaml:"timeout"`
	MaxRetries uint64         `yaml:"max_retries"`
	Weixin     ProviderConfig `yaml:"weixin"`
	GitHub     ProviderConfig `yaml:"github"`
}

// ProviderConfig is an OAuth client id/secret pair.
type ProviderConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	BaseURL      string `yaml:"base_url"`
}

// Enabled reports whether credentials are configured.
func (p ProviderConfig) Enabled() bool { return p.ClientID != "" }

// LoadDefaults populates c with development defaults.
func (c *Config) LoadDefaults() {
	*c = Config{
		Env:      "development",
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		Auth: AuthConfig{
			Secret:     insecureSecret,
			Issuer:     "larabbs",
			TokenTTL:   2 * time.Hour,
			CodeTTL:    5 * time.Minute,
			CaptchaTTL: 2 * time.Minute,
		},
		RateLimits: ratelimit.Policies{
			ratelimit.ClassSign: {Limit: 10, Window: time.Minute},
			ratelimit.ClassAPI:  {Limit: 60, Window: time.Minute},
		},
		IPLimit: IPLimitConfig{RPS: 20, Burst: 40},
		HTTP: HTTPConfig{
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		SMS: SMSConfig{Timeout: 5 * time.Second},
		Social: SocialConfig{
			Timeout:    5 * time.Second,
			MaxRetries: 3,
		},
	}
}

// Load reads .env (if present), the YAML file named by LARABBS_CONFIG (if
// set) and LARABBS_* variables, in that order of increasing precedence for
// the last two, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if path, ok := lookup(envPrefix + "CONFIG"); ok && strings.TrimSpace(path) != "" {
		if err := cfg.mergeFile(strings.TrimSpace(path)); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeFile overlays the YAML document at path. Keys absent from the file
// keep their current values; rate-limit classes are merged per class.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	base := c.RateLimits
	c.RateLimits = nil
	if err := yaml.Unmarshal(data, c); err != nil {
		c.RateLimits = base
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	merged := make(ratelimit.Policies, len(base)+len(c.RateLimits))
	for class, p := range base {
		merged[class] = p
	}
	for class, p := range c.RateLimits {
		merged[class] = p
	}
	c.RateLimits = merged
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}
	e.str("ENV", &c.Env)
	e.str("HTTP_ADDR", &c.HTTPAddr)
	e.str("GRPC_ADDR", &c.GRPCAddr)
	e.str("PG_DSN", &c.DatabaseDSN)
	e.boolean("AUTO_MIGRATE", &c.AutoMigrate)

	e.str("AUTH_SECRET", &c.Auth.Secret)
	e.str("AUTH_ISSUER", &c.Auth.Issuer)
	e.duration("TOKEN_TTL", &c.Auth.TokenTTL)
	e.duration("CODE_TTL", &c.Auth.CodeTTL)
	e.duration("CAPTCHA_TTL", &c.Auth.CaptchaTTL)

	e.policy(ratelimit.ClassSign, c.RateLimits)
	e.policy(ratelimit.ClassAPI, c.RateLimits)
	e.integer("IP_RPS", &c.IPLimit.RPS)
	e.integer("IP_BURST", &c.IPLimit.Burst)

	e.int64("MAX_BODY_BYTES", &c.HTTP.MaxBodyBytes)
	e.list("CORS_ORIGINS", &c.HTTP.CORSOrigins)
	e.duration("SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)
	e.list("TRUSTED_PROXIES", &c.HTTP.TrustedProxies)

	e.str("SMS_URL", &c.SMS.URL)
	e.str("SMS_TOKEN", &c.SMS.Token)
	e.duration("SMS_TIMEOUT", &c.SMS.Timeout)

	e.duration("UPSTREAM_TIMEOUT", &c.Social.Timeout)
	e.uint64("UPSTREAM_RETRIES", &c.Social.MaxRetries)
	e.str("WEIXIN_APP_ID", &c.Social.Weixin.ClientID)
	e.str("WEIXIN_APP_SECRET", &c.Social.Weixin.ClientSecret)
	e.str("GITHUB_CLIENT_ID", &c.Social.GitHub.ClientID)
	e.str("GITHUB_CLIENT_SECRET", &c.Social.GitHub.ClientSecret)
	return e.err
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http address is required"))
	}
	if len(c.Auth.Secret) < 16 {
		errs = append(errs, errors.New("auth secret must be at least 16 bytes"))
	}
	if c.Auth.Secret == insecureSecret && c.Env != "development" {
		errs = append(errs, fmt.Errorf("auth secret must be set outside development (env %q)", c.Env))
	}
	if c.Auth.TokenTTL < time.Minute {
		errs = append(errs, errors.New("token ttl must be at least one minute"))
	}
	if c.Auth.CodeTTL <= 0 || c.Auth.CaptchaTTL <= 0 {
		errs = append(errs, errors.New("code and captcha ttl must be positive"))
	}
	if err := c.RateLimits.Validate(); err != nil {
		errs = append(errs, err)
	}
	for _, class := range []string{ratelimit.ClassSign, ratelimit.ClassAPI} {
		if _, ok := c.RateLimits[class]; !ok {
			errs = append(errs, fmt.Errorf("rate limit class %q is not configured", class))
		}
	}
	if c.IPLimit.RPS <= 0 || c.IPLimit.Burst <= 0 {
		errs = append(errs, errors.New("ip limit rps and burst must be positive"))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max body bytes must be positive"))
	}
	if _, err := c.HTTP.TrustedProxyPrefixes(); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.SMS.URL) == "" && c.Env != "development" {
		errs = append(errs, fmt.Errorf("sms gateway url must be set outside development (env %q)", c.Env))
	}
	if c.Social.Timeout <= 0 {
		errs = append(errs, errors.New("upstream timeout must be positive"))
	}
	for name, p := range map[string]ProviderConfig{"weixin": c.Social.Weixin, "github": c.Social.GitHub} {
		if p.Enabled() && p.ClientSecret == "" {
			errs = append(errs, fmt.Errorf("%s client secret is required when client id is set", name))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// envReader collects the first parse error so applyEnv reads top to bottom.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v, ok := e.lookup(envPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) fail(key string, err error) {
	e.err = fmt.Errorf("config: %s%s: %w", envPrefix, key, err)
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = b
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = n
}

func (e *envReader) int64(key string, dst *int64) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = n
}

func (e *envReader) uint64(key string, dst *uint64) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = n
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	*dst = d
}

// policy reads RATE_<CLASS>_LIMIT and RATE_<CLASS>_EXPIRES.
func (e *envReader) policy(class string, dst ratelimit.Policies) {
	p := dst[class]
	prefix := "RATE_" + strings.ToUpper(class) + "_"
	e.integer(prefix+"LIMIT", &p.Limit)
	e.duration(prefix+"EXPIRES", &p.Window)
	dst[class] = p
}
