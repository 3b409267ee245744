// Package config loads the authctxd daemon configuration.
//
// Values come from three layers, later ones winning: built-in defaults, an
// optional YAML file, then AUTHCTX_* environment variables (a .env file in
// the working directory is read into the environment first).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AUTHCTX_"

// Config is the daemon configuration.
type Config struct {
	Server   Server   `yaml:"server"`
	Database Database `yaml:"database"`
	Issuer   Issuer   `yaml:"issuer"`
	Cache    Cache    `yaml:"cache"`
	Log      Log      `yaml:"log"`
	Metrics  Metrics  `yaml:"metrics"`
	Audit    Audit    `yaml:"audit"`
}

// Server configures the HTTP listener.
type Server struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	RateLimit       RateLimit     `yaml:"rate_limit"`
}

// RateLimit bounds impersonation requests per caller.
type RateLimit struct {
	PerSecond float64 `yaml:"per_second" validate:"gt=0"`
	Burst     int     `yaml:"burst" validate:"gte=1"`
}

// Database configures the Postgres pool backing memberships, users and tenants.
type Database struct {
	URL      string `yaml:"url" validate:"required"`
	MaxConns int32  `yaml:"max_conns" validate:"gte=0"`
}

// Issuer configures token signing.
type Issuer struct {
	// URL is the iss claim and the base the JWKS document is served under.
	URL string `yaml:"url" validate:"required,url"`
	// KeyFile is a PEM encoded RSA private key. Empty generates an ephemeral key.
	KeyFile    string        `yaml:"key_file" validate:"omitempty,file"`
	KeyID      string        `yaml:"key_id"`
	AccessTTL  time.Duration `yaml:"access_ttl" validate:"gt=0"`
	RefreshTTL time.Duration `yaml:"refresh_ttl" validate:"gtfield=AccessTTL"`
	// JWKSURL is where verifiers fetch keys. Defaults to URL + /.well-known/jwks.json.
	JWKSURL string `yaml:"jwks_url" validate:"omitempty,url"`
}

// Cache configures the local caches.
type Cache struct {
	ClaimsTTL  time.Duration `yaml:"claims_ttl" validate:"gt=0"`
	ClaimsSize int           `yaml:"claims_size" validate:"gte=1"`
	TenantTTL  time.Duration `yaml:"tenant_ttl" validate:"gt=0"`
}

// Log configures the daemon logger.
type Log struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	// Format is auto (colour on a terminal, JSON otherwise), text or json.
	Format string `yaml:"format" validate:"oneof=auto text json"`
}

// Metrics toggles the Prometheus collectors and the /metrics route.
type Metrics struct {
	Enabled bool `yaml:"enabled"`
}

// Audit configures the audit event logger.
type Audit struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size" validate:"gte=1"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: Server{
			Addr:            ":8080",
			ShutdownTimeout: 30 * time.Second,
			RateLimit:       RateLimit{PerSecond: 1, Burst: 5},
		},
		Database: Database{MaxConns: 10},
		Issuer: Issuer{
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 30 * 24 * time.Hour,
		},
		Cache: Cache{
			ClaimsTTL:  5 * time.Minute,
			ClaimsSize: 10_000,
			TenantTTL:  time.Minute,
		},
		Log:     Log{Level: "info", Format: "auto"},
		Metrics: Metrics{Enabled: true},
		Audit:   Audit{Enabled: true, BufferSize: 1024},
	}
}

// Load builds the configuration from path (optional), .env and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("authctx/config: open %s: %w", path, err)
		}
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return nil, fmt.Errorf("authctx/config: %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("authctx/config: .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads YAML over the defaults and validates the result. The environment is not consulted.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("authctx/config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// JWKSURL returns the configured JWKS location, derived from the issuer URL when unset.
func (c *Config) JWKSURL() string {
	if c.Issuer.JWKSURL != "" {
		return c.Issuer.JWKSURL
	}
	return strings.TrimRight(c.Issuer.URL, "/") + "/.well-known/jwks.json"
}

type envVar struct {
	name string
	set  func(string) error
}

func (c *Config) envVars() []envVar {
	return []envVar{
		{"LISTEN_ADDR", setString(&c.Server.Addr)},
		{"SHUTDOWN_TIMEOUT", setDuration(&c.Server.ShutdownTimeout)},
		{"RATE_LIMIT_PER_SECOND", setFloat(&c.Server.RateLimit.PerSecond)},
		{"RATE_LIMIT_BURST", setInt(&c.Server.RateLimit.Burst)},
		{"DATABASE_URL", setString(&c.Database.URL)},
		{"DATABASE_MAX_CONNS", func(v string) error {
			n, err := strconv.ParseInt(v, 10, 32)
			c.Database.MaxConns = int32(n)
			return err
		}},
		{"ISSUER_URL", setString(&c.Issuer.URL)},
		{"ISSUER_KEY_FILE", setString(&c.Issuer.KeyFile)},
		{"ISSUER_KEY_ID", setString(&c.Issuer.KeyID)},
		{"ISSUER_ACCESS_TTL", setDuration(&c.Issuer.AccessTTL)},
		{"ISSUER_REFRESH_TTL", setDuration(&c.Issuer.RefreshTTL)},
		{"JWKS_URL", setString(&c.Issuer.JWKSURL)},
		{"CLAIMS_CACHE_TTL", setDuration(&c.Cache.ClaimsTTL)},
		{"CLAIMS_CACHE_SIZE", setInt(&c.Cache.ClaimsSize)},
		{"TENANT_CACHE_TTL", setDuration(&c.Cache.TenantTTL)},
		{"LOG_LEVEL", setString(&c.Log.Level)},
		{"LOG_FORMAT", setString(&c.Log.Format)},
		{"METRICS_ENABLED", setBool(&c.Metrics.Enabled)},
		{"AUDIT_ENABLED", setBool(&c.Audit.Enabled)},
		{"AUDIT_BUFFER_SIZE", setInt(&c.Audit.BufferSize)},
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, ev := range c.envVars() {
		v, ok := lookup(EnvPrefix + ev.name)
		if !ok {
			continue
		}
		if err := ev.set(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("authctx/config: invalid %s%s: %w", EnvPrefix, ev.name, err)
		}
	}
	return nil
}

func setString(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func setDuration(dst *time.Duration) func(string) error {
	return func(v string) (err error) { *dst, err = time.ParseDuration(v); return err }
}

func setInt(dst *int) func(string) error {
	return func(v string) (err error) { *dst, err = strconv.Atoi(v); return err }
}

func setFloat(dst *float64) func(string) error {
	return func(v string) (err error) { *dst, err = strconv.ParseFloat(v, 64); return err }
}

func setBool(dst *bool) func(string) error {
	return func(v string) (err error) { *dst, err = strconv.ParseBool(v); return err }
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report yaml field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every field constraint and reports all violations at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("authctx/config: validate: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return fmt.Errorf("authctx/config: invalid configuration: %s", strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	// drop the root struct name
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "url":
		return field + " must be a URL"
	case "file":
		return field + " must name an existing file"
	case "gtfield":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param())
	}
}
