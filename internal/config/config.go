// Package config loads the portalsync configuration file.
//
// The file is YAML. It is checked against an embedded CUE schema before it is
// decoded, so shape and range errors are reported with the offending path.
// Secrets may be left out of the file and supplied through the environment
// (PORTALSYNC_* variables), optionally from a .env file next to the config.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Defaults applied after decoding.
const (
	DefaultBatchSize  = 500
	DefaultTASTimeout = 30 * time.Second
	DefaultMetricsJob = "portalsync"
	DefaultDBName     = "portal"
)

// Environment variables that override file values.
const (
	EnvDatabaseDSN      = "PORTALSYNC_DATABASE_DSN"
	EnvTASClientKey     = "PORTALSYNC_TAS_CLIENT_KEY"
	EnvTASClientSecret  = "PORTALSYNC_TAS_CLIENT_SECRET"
	EnvLDAPBindPassword = "PORTALSYNC_LDAP_BIND_PASSWORD"
	EnvPushgateway      = "PORTALSYNC_PUSHGATEWAY"
)

// Config is the decoded configuration file.
type Config struct {
	Database Database `yaml:"database"`
	TAS      TAS      `yaml:"tas"`
	LDAP     *LDAP    `yaml:"ldap,omitempty"`
	Sync     Sync     `yaml:"sync"`
	Metrics  Metrics  `yaml:"metrics"`
}

// Database locates the Local Store. A "{name}" placeholder in DSN is replaced
// by the database name.
type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Name   string `yaml:"name"`
}

// TAS holds the TAS API settings.
type TAS struct {
	URL          string `yaml:"url"`
	ClientKey    string `yaml:"client_key"`
	ClientSecret string `yaml:"client_secret"`
	Group        string `yaml:"group"`
	Timeout      string `yaml:"timeout"`
}

// LDAP holds the directory settings. Group sync is disabled without it.
type LDAP struct {
	URL          string `yaml:"url"`
	BindDN       string `yaml:"bind_dn"`
	BindPassword string `yaml:"bind_password"`
	BaseDN       string `yaml:"base_dn"`
}

// Sync tunes the applier.
type Sync struct {
	BatchSize int `yaml:"batch_size"`
}

// Metrics configures the Pushgateway. Metrics are not pushed when
// Pushgateway is empty.
type Metrics struct {
	Pushgateway string `yaml:"pushgateway"`
	Job         string `yaml:"job"`
}

// Error reports an unusable configuration file.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrMissingDSN is returned when neither the file nor the environment names a
// database.
var ErrMissingDSN = errors.New("database.dsn is not set in the file or " + EnvDatabaseDSN)

// Load reads, validates and decodes the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &Error{Path: envFile, Err: err}
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	return cfg, nil
}

// Parse validates and decodes configuration bytes, then applies environment
// overrides and defaults.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := validate(raw); err != nil {
		return nil, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}

	cfg.applyEnv()
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, ErrMissingDSN
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// validate checks raw against the #Config schema.
func validate(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	if raw == nil {
		raw = map[string]any{}
	}
	v := ctx.Encode(raw)
	if err := v.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	override(&c.Database.DSN, EnvDatabaseDSN)
	override(&c.TAS.ClientKey, EnvTASClientKey)
	override(&c.TAS.ClientSecret, EnvTASClientSecret)
	override(&c.Metrics.Pushgateway, EnvPushgateway)
	if c.LDAP != nil {
		override(&c.LDAP.BindPassword, EnvLDAPBindPassword)
	}
}

func (c *Config) applyDefaults() {
	if c.Database.Name == "" {
		c.Database.Name = DefaultDBName
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = DefaultBatchSize
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = DefaultMetricsJob
	}
}

// WithName returns a copy of the config targeting database name. An empty
// name keeps the configured one.
func (c Config) WithName(name string) Config {
	if name != "" {
		c.Database.Name = name
	}
	return c
}

// ResolvedDSN returns the DSN with the database name substituted.
func (d Database) ResolvedDSN() string {
	return strings.ReplaceAll(d.DSN, "{name}", d.Name)
}

// RequestTimeout returns the parsed TAS request timeout.
func (t TAS) RequestTimeout() time.Duration {
	if t.Timeout == "" {
		return DefaultTASTimeout
	}
	d, err := time.ParseDuration(t.Timeout)
	if err != nil {
		return DefaultTASTimeout
	}
	return d
}
