package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"

	AvailabilityStatic   = "static"
	AvailabilityPostgres = "postgres"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	LedgerBackend string `mapstructure:"LEDGER_BACKEND"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`

	RedisURL string        `mapstructure:"REDIS_URL"`
	LockTTL  time.Duration `mapstructure:"LOCK_TTL"`

	AMQPURL      string `mapstructure:"AMQP_URL"`
	AMQPExchange string `mapstructure:"AMQP_EXCHANGE"`
	EventBuffer  int    `mapstructure:"EVENT_BUFFER"`

	HoldDuration       time.Duration `mapstructure:"HOLD_DURATION"`
	MaxExtensions      int           `mapstructure:"MAX_EXTENSIONS"`
	LockWaitTimeout    time.Duration `mapstructure:"LOCK_WAIT_TIMEOUT"`
	SweepSchedule      string        `mapstructure:"SWEEP_SCHEDULE"`
	ExpiringSoonWindow time.Duration `mapstructure:"EXPIRING_SOON_WINDOW"`
	ArchiveRetention   time.Duration `mapstructure:"ARCHIVE_RETENTION"`

	BookingHorizonDays int      `mapstructure:"BOOKING_HORIZON_DAYS"`
	ClinicTimezone     string   `mapstructure:"CLINIC_TIMEZONE"`
	AvailabilitySource string   `mapstructure:"AVAILABILITY_SOURCE"`
	WorkingHours       string   `mapstructure:"WORKING_HOURS"`
	WorkingDays        string   `mapstructure:"WORKING_DAYS"`
	SlotMinutes        int      `mapstructure:"SLOT_MINUTES"`
	Doctors            []string `mapstructure:"DOCTORS"`
	DoctorRosterFile   string   `mapstructure:"DOCTOR_ROSTER_FILE"`

	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

var defaults = map[string]interface{}{
	"PORT":                 "8000",
	"ENV":                  "development",
	"LOG_LEVEL":            "info",
	"LEDGER_BACKEND":       BackendMemory,
	"DB_MAX_CONNS":         20,
	"DB_MIN_CONNS":         2,
	"LOCK_TTL":             "10s",
	"AMQP_EXCHANGE":        "slot.events",
	"EVENT_BUFFER":         1024,
	"HOLD_DURATION":        "10m",
	"MAX_EXTENSIONS":       2,
	"LOCK_WAIT_TIMEOUT":    "2s",
	"SWEEP_SCHEDULE":       "@every 5s",
	"EXPIRING_SOON_WINDOW": "2m",
	"ARCHIVE_RETENTION":    "720h",
	"BOOKING_HORIZON_DAYS": 60,
	"CLINIC_TIMEZONE":      "UTC",
	"AVAILABILITY_SOURCE":  AvailabilityStatic,
	"WORKING_HOURS":        "09:00-12:00,13:00-17:00",
	"WORKING_DAYS":         "mon-fri",
	"SLOT_MINUTES":         30,
	"DOCTORS":              "",
	"CORS_ORIGINS":         "http://localhost:3000",
	"RATE_LIMIT_RPS":       50,
	"RATE_LIMIT_BURST":     100,
	"REQUEST_TIMEOUT":      "15s",
}

// Load reads .env when present, then the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	for _, key := range []string{
		"DATABASE_URL", "REDIS_URL", "AMQP_URL", "DOCTOR_ROSTER_FILE",
		"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
		"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	} {
		v.BindEnv(key)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.Doctors = splitList(cfg.Doctors)
	return cfg, nil
}

// splitList flattens comma-joined entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location loads CLINIC_TIMEZONE.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	return loc, nil
}

// NeedsDatabase reports whether any component is backed by Postgres.
func (c *Config) NeedsDatabase() bool {
	return c.LedgerBackend == BackendPostgres || c.AvailabilitySource == AvailabilityPostgres
}

// Validate checks the configuration is safe to run and reports every problem
// it finds.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.LedgerBackend == BackendMemory || c.LedgerBackend == BackendPostgres,
		"LEDGER_BACKEND must be %q or %q, got %q", BackendMemory, BackendPostgres, c.LedgerBackend)
	check(c.AvailabilitySource == AvailabilityStatic || c.AvailabilitySource == AvailabilityPostgres,
		"AVAILABILITY_SOURCE must be %q or %q, got %q", AvailabilityStatic, AvailabilityPostgres, c.AvailabilitySource)
	check(!c.NeedsDatabase() || c.DatabaseURL != "",
		"DATABASE_URL is required when a postgres backend is selected")
	check(c.LedgerBackend != BackendPostgres || c.RedisURL != "" || !c.IsProduction(),
		"REDIS_URL is required in production with the postgres ledger so instances share slot locks")

	check(c.HoldDuration > 0, "HOLD_DURATION must be positive, got %s", c.HoldDuration)
	check(c.MaxExtensions >= 0, "MAX_EXTENSIONS must not be negative, got %d", c.MaxExtensions)
	check(c.LockWaitTimeout > 0, "LOCK_WAIT_TIMEOUT must be positive, got %s", c.LockWaitTimeout)
	check(c.LockTTL > c.LockWaitTimeout, "LOCK_TTL (%s) must exceed LOCK_WAIT_TIMEOUT (%s)", c.LockTTL, c.LockWaitTimeout)
	check(c.ExpiringSoonWindow >= 0 && c.ExpiringSoonWindow < c.HoldDuration,
		"EXPIRING_SOON_WINDOW must be between 0 and HOLD_DURATION, got %s", c.ExpiringSoonWindow)
	check(c.ArchiveRetention >= 0, "ARCHIVE_RETENTION must not be negative")
	check(c.SweepSchedule != "", "SWEEP_SCHEDULE is required")
	check(c.BookingHorizonDays > 0, "BOOKING_HORIZON_DAYS must be positive, got %d", c.BookingHorizonDays)
	check(c.SlotMinutes > 0, "SLOT_MINUTES must be positive, got %d", c.SlotMinutes)
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}

	if c.IsProduction() {
		check(len(c.AuthSigningKey) >= 32, "AUTH_SIGNING_KEY of at least 32 bytes is required in production")
	}
	if c.TLSEnabled {
		check(c.TLSCertFile != "", "TLS_CERT_FILE is required when TLS_ENABLED is true")
		check(c.TLSKeyFile != "", "TLS_KEY_FILE is required when TLS_ENABLED is true")
	}

	return errors.Join(errs...)
}
