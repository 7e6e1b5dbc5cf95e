package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
	"gopkg.in/go-playground/validator.v9"
)

// Storage backends for the version journal.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Audit sink names accepted in AUDIT_SINKS.
const (
	SinkLog      = "log"
	SinkPostgres = "postgres"
	SinkNATS     = "nats"
)

type Config struct {
	Port     string `mapstructure:"PORT" validate:"required,numeric"`
	Env      string `mapstructure:"ENV" validate:"oneof=development production test"`
	LogLevel string `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	BaseURL  string `mapstructure:"BASE_URL" validate:"omitempty,url"`

	StorageBackend string `mapstructure:"STORAGE_BACKEND" validate:"oneof=memory file postgres"`
	JournalPath    string `mapstructure:"JOURNAL_PATH"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32  `mapstructure:"DB_MAX_CONNS" validate:"min=1"`
	DBMinConns     int32  `mapstructure:"DB_MIN_CONNS" validate:"min=0"`

	ProfilesDir string `mapstructure:"PROFILES_DIR"`

	AuthMode     string `mapstructure:"AUTH_MODE" validate:"oneof=none jwt"`
	AuthJWTKey   string `mapstructure:"AUTH_JWT_KEY"`
	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`

	AuditSinks []string `mapstructure:"AUDIT_SINKS" validate:"dive,oneof=log postgres nats"`
	NATSURL    string   `mapstructure:"NATS_URL"`

	ExportSchedule string `mapstructure:"EXPORT_SCHEDULE" validate:"omitempty,cronspec"`
	ExportDir      string `mapstructure:"EXPORT_DIR"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
	BodyLimit   string   `mapstructure:"BODY_LIMIT"`
	TLSEnabled  bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string   `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "BASE_URL",
	"STORAGE_BACKEND", "JOURNAL_PATH", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"PROFILES_DIR",
	"AUTH_MODE", "AUTH_JWT_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"AUDIT_SINKS", "NATS_URL",
	"EXPORT_SCHEDULE", "EXPORT_DIR",
	"CORS_ORIGINS", "BODY_LIMIT", "TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

// Load reads the configuration from the environment and an optional .env
// file in the working directory. The result is not validated; call Validate.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit env file. A missing file is ignored.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORAGE_BACKEND", BackendMemory)
	v.SetDefault("JOURNAL_PATH", "data/journal.ndjson")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("AUTH_MODE", "none")
	v.SetDefault("AUDIT_SINKS", SinkLog)
	v.SetDefault("EXPORT_DIR", "data/exports")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("BODY_LIMIT", "10M")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading the env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.AuditSinks = splitList(cfg.AuditSinks, v.GetString("AUDIT_SINKS"))
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	return cfg, nil
}

// splitList accepts both a decoded list and a comma separated string.
func splitList(decoded []string, raw string) []string {
	if len(decoded) > 1 {
		return decoded
	}
	if len(decoded) == 1 {
		raw = decoded[0]
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// HasSink reports whether the named audit sink is enabled.
func (c *Config) HasSink(name string) bool {
	for _, s := range c.AuditSinks {
		if s == name {
			return true
		}
	}
	return false
}

func newValidator() (*validator.Validate, error) {
	v := validator.New()
	err := v.RegisterValidation("cronspec", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
	if err != nil {
		return nil, fmt.Errorf("register cronspec validation: %w", err)
	}
	return v, nil
}

// Validate checks field constraints and the combinations between them.
func (c *Config) Validate() error {
	v, err := newValidator()
	if err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			var msgs []string
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q (got %v)", fe.Field(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.NeedsDatabase() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORAGE_BACKEND is postgres or the postgres audit sink is enabled")
	}
	if c.StorageBackend == BackendFile && c.JournalPath == "" {
		return fmt.Errorf("JOURNAL_PATH is required when STORAGE_BACKEND is file")
	}
	if c.HasSink(SinkNATS) && c.NATSURL == "" {
		return fmt.Errorf("NATS_URL is required when the nats audit sink is enabled")
	}
	if c.AuthMode == "jwt" && c.AuthJWTKey == "" {
		return fmt.Errorf("AUTH_JWT_KEY is required when AUTH_MODE is jwt")
	}
	if c.IsProduction() && c.AuthMode == "none" {
		return fmt.Errorf("AUTH_MODE=none is not allowed in production")
	}
	if c.ExportSchedule != "" && c.ExportDir == "" {
		return fmt.Errorf("EXPORT_DIR is required when EXPORT_SCHEDULE is set")
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}

// NeedsDatabase reports whether any component connects to PostgreSQL.
func (c *Config) NeedsDatabase() bool {
	return c.StorageBackend == BackendPostgres || c.HasSink(SinkPostgres)
}
