package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config contains server configuration parameters.
type Config struct {
	Env       string `env:"APP_ENV" envDefault:"development"`
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":3000"`
	// MetricsAddr serves /metrics apart from the public listener. Empty
	// disables it.
	MetricsAddr string `env:"METRICS_ADDR" envDefault:"127.0.0.1:9090"`
	PublicURL string `env:"PUBLIC_URL" envDefault:"http://localhost:3000"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	// StateStore selects where pending sign-ins live: "cookie" or "redis".
	StateStore string `env:"STATE_STORE" envDefault:"cookie"`
	// PhotoOrigins are extra img-src origins for the content security policy.
	PhotoOrigins []string `env:"PHOTO_ORIGINS" envSeparator:","`

	OAuth    OAuth    `envPrefix:"OAUTH_"`
	Session  Session  `envPrefix:"SESSION_"`
	Redis    Redis    `envPrefix:"REDIS_"`
	Database Database `envPrefix:"DATABASE_"`
	Routes   Routes   `envPrefix:"ROUTES_"`
}

// OAuth contains the identity provider registration.
type OAuth struct {
	BaseURL      string `env:"BASE_URL" envDefault:"https://auth.sebbyk.net"`
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	// RedirectURI defaults to PUBLIC_URL + "/auth/callback".
	RedirectURI string   `env:"REDIRECT_URI"`
	Scopes      []string `env:"SCOPES" envSeparator:" " envDefault:"openid profile email"`
	// Issuer enables discovery and ID token verification.
	Issuer      string        `env:"ISSUER"`
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`
}

// Session contains the session cookie parameters.
type Session struct {
	Secret string `env:"SECRET"`
	KDF    string `env:"KDF" envDefault:"pad"`
	Cipher string `env:"CIPHER" envDefault:"aes-gcm"`
}

// Redis contains the pending-state store connection parameters.
type Redis struct {
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

// Database contains database connection parameters. An empty DSN runs the
// server without a user table.
type Database struct {
	DSN string `env:"DSN"`
}

// Routes contains the access guard's route classes.
type Routes struct {
	Protected []string `env:"PROTECTED" envSeparator:"," envDefault:"/trips,/api/trips,/api/cities,/api/photos,/api/upload"`
	AuthOnly  []string `env:"AUTH_ONLY" envSeparator:"," envDefault:"/login"`
	Login     string   `env:"LOGIN" envDefault:"/login"`
	Landing   string   `env:"LANDING" envDefault:"/trips"`
}

// NewConfig loads configuration from environment variables.
func NewConfig() (*Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.OAuth.RedirectURI == "" {
		cfg.OAuth.RedirectURI = strings.TrimRight(cfg.PublicURL, "/") + "/auth/callback"
	}

	return &cfg, nil
}

// Production reports whether cookies must be Secure.
func (c *Config) Production() bool {
	return c.Env == "production"
}

// Validate checks what the HTTP server needs.
func (c *Config) Validate() error {
	var errs []error
	if c.OAuth.ClientID == "" {
		errs = append(errs, errors.New("OAUTH_CLIENT_ID is required"))
	}
	if c.Session.Secret == "" {
		errs = append(errs, errors.New("SESSION_SECRET is required"))
	}
	if c.Production() && len(c.Session.Secret) < 32 {
		errs = append(errs, errors.New("SESSION_SECRET must be at least 32 characters in production"))
	}
	switch c.Session.KDF {
	case "pad", "hkdf":
	default:
		errs = append(errs, fmt.Errorf("SESSION_KDF %q is not one of pad, hkdf", c.Session.KDF))
	}
	switch c.Session.Cipher {
	case "aes-gcm", "chacha20poly1305":
	default:
		errs = append(errs, fmt.Errorf("SESSION_CIPHER %q is not one of aes-gcm, chacha20poly1305", c.Session.Cipher))
	}
	switch c.StateStore {
	case "cookie", "redis":
	default:
		errs = append(errs, fmt.Errorf("STATE_STORE %q is not one of cookie, redis", c.StateStore))
	}
	if c.OAuth.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("OAUTH_HTTP_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}
