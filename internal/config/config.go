package config

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration.
type Config struct {
	ListenAddr         string       `toml:"listen_addr"`
	InsecureSkipVerify bool         `toml:"insecure_skip_verify"`
	LogLevel           string       `toml:"log_level"`
	ResolveOnRequest   *bool        `toml:"resolve_on_request"` // default: true
	OIDC               OIDCConfig   `toml:"oidc"`
	Cookie             CookieConfig `toml:"cookie"`
}

// OIDCConfig defines the relying party and its authorization server.
type OIDCConfig struct {
	Issuer                string   `toml:"issuer"`
	EndpointPath          string   `toml:"endpoint_path"` // appended to issuer when discovery is off
	Discovery             bool     `toml:"discovery"`
	ClientID              string   `toml:"client_id"`
	ClientSecret          string   `toml:"client_secret"`
	RedirectURI           string   `toml:"redirect_uri"`
	PostLogoutRedirectURI string   `toml:"post_logout_redirect_uri"`
	Scopes                []string `toml:"scopes"`
	MaxRefreshRetries     int      `toml:"max_refresh_retries"`
	RequestTimeout        Duration `toml:"request_timeout"`
	RateLimit             float64  `toml:"rate_limit"` // backchannel requests per second, 0 disables
	RateBurst             int      `toml:"rate_burst"`
}

// CookieConfig holds the attributes of the session cookie.
type CookieConfig struct {
	Name     string `toml:"name"`
	Path     string `toml:"path"`
	Domain   string `toml:"domain"`
	Secure   bool   `toml:"secure"`
	SameSite string `toml:"same_site"`
	MaxAge   int    `toml:"max_age"`
	HashKey  string `toml:"hash_key"`  // enables sealed cookies
	BlockKey string `toml:"block_key"` // optional encryption key for sealed cookies
}

// Duration is a time.Duration that decodes from a TOML string such as "8s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// Load reads the configuration from a TOML file and applies environment overrides.
// An empty path skips the file and builds the configuration from the environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ListenAddr: ":3000",
		LogLevel:   "info",
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":3000"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ResolveOnRequest == nil {
		v := true
		cfg.ResolveOnRequest = &v
	}
	applyOIDCDefaults(&cfg.OIDC)
	applyCookieDefaults(&cfg.Cookie)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// BaseURL returns the non-discovery endpoint prefix, e.g. issuer + "/protocol/openid-connect".
func (c *OIDCConfig) BaseURL() string {
	return strings.TrimRight(c.Issuer, "/") + c.EndpointPath
}

// SameSiteMode converts the configured same_site value.
func (c *CookieConfig) SameSiteMode() http.SameSite {
	switch strings.ToLower(c.SameSite) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// Sealed reports whether cookie values are signed (and optionally encrypted).
func (c *CookieConfig) Sealed() bool {
	return c.HashKey != ""
}

func (c *Config) validate() error {
	if c.OIDC.Issuer == "" {
		return fmt.Errorf("oidc.issuer is required")
	}
	u, err := url.Parse(c.OIDC.Issuer)
	if err != nil {
		return fmt.Errorf("invalid oidc.issuer %q: %w", c.OIDC.Issuer, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("oidc.issuer %q: scheme must be http or https", c.OIDC.Issuer)
	}
	if c.OIDC.ClientID == "" {
		return fmt.Errorf("oidc.client_id is required")
	}
	if c.OIDC.RedirectURI == "" {
		return fmt.Errorf("oidc.redirect_uri is required")
	}
	if c.OIDC.MaxRefreshRetries < 0 {
		return fmt.Errorf("oidc.max_refresh_retries must not be negative")
	}
	if c.OIDC.RateLimit < 0 {
		return fmt.Errorf("oidc.rate_limit must not be negative")
	}
	switch strings.ToLower(c.Cookie.SameSite) {
	case "lax", "strict", "none":
	default:
		return fmt.Errorf("cookie.same_site %q: must be lax, strict or none", c.Cookie.SameSite)
	}
	if c.Cookie.BlockKey != "" {
		if c.Cookie.HashKey == "" {
			return fmt.Errorf("cookie.block_key requires cookie.hash_key")
		}
		switch len(c.Cookie.BlockKey) {
		case 16, 24, 32:
		default:
			return fmt.Errorf("cookie.block_key must be 16, 24 or 32 bytes")
		}
	}
	return nil
}

// applyEnv overrides file values with OIDC_* environment variables.
func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv("OIDC_ISSUER"); ok {
		cfg.OIDC.Issuer = v
	}
	if v, ok := os.LookupEnv("OIDC_CLIENT_ID"); ok {
		cfg.OIDC.ClientID = v
	}
	if v, ok := os.LookupEnv("OIDC_CLIENT_SECRET"); ok {
		cfg.OIDC.ClientSecret = v
	}
	if v, ok := os.LookupEnv("OIDC_REDIRECT_URI"); ok {
		cfg.OIDC.RedirectURI = v
	}
	if v, ok := os.LookupEnv("OIDC_POST_LOGOUT_REDIRECT_URI"); ok {
		cfg.OIDC.PostLogoutRedirectURI = v
	}
	if v, ok := os.LookupEnv("OIDC_CLIENT_SCOPE"); ok {
		cfg.OIDC.Scopes = strings.Fields(v)
	}
	if v, ok := os.LookupEnv("OIDC_TOKEN_REFRESH_MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("OIDC_TOKEN_REFRESH_MAX_RETRIES: %w", err)
		}
		cfg.OIDC.MaxRefreshRetries = n
	}
	return nil
}

func applyOIDCDefaults(c *OIDCConfig) {
	if len(c.Scopes) == 0 {
		c.Scopes = []string{"openid", "profile", "email"}
	}
	if c.EndpointPath == "" {
		c.EndpointPath = "/protocol/openid-connect"
	}
	if c.MaxRefreshRetries == 0 {
		c.MaxRefreshRetries = 3
	}
	if c.RequestTimeout.Duration == 0 {
		c.RequestTimeout.Duration = 8 * time.Second
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = 1
	}
}

func applyCookieDefaults(c *CookieConfig) {
	if c.Name == "" {
		c.Name = "userInfo"
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if c.SameSite == "" {
		c.SameSite = "lax"
	}
}
