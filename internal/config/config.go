// Package config reads the service configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/zyn1030z/SLA-service-sub000/pkg/calendar"
	"github.com/zyn1030z/SLA-service-sub000/pkg/sla"
)

// ViolationClock selects how elapsed SLA time is measured.
type ViolationClock string

const (
	WallClock     ViolationClock = "wallclock"
	BusinessClock ViolationClock = "business"
)

type Config struct {
	DB                   DB
	HTTPPort             int
	SweepSchedule        string
	SweepWorkers         int
	DispatchTimeout      time.Duration
	BreakerFailures      uint32
	BreakerOpenFor       time.Duration
	Hours                calendar.Hours
	DefaultMaxViolations int
	ViolationClock       ViolationClock
}

type DB struct {
	URL      string
	Username string
	Password string
	Host     string
	Port     string
	Name     string
}

// ConnString returns DATABASE_URL when set, otherwise a postgres URL built
// from the DB_* parts. It is empty when neither is complete.
func (d DB) ConnString() string {
	if d.URL != "" {
		return d.URL
	}
	if d.Username == "" || d.Password == "" || d.Host == "" || d.Port == "" || d.Name == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		d.Username, d.Password, d.Host, d.Port, d.Name)
}

func Default() Config {
	return Config{
		HTTPPort:             8080,
		SweepSchedule:        "@every 5m",
		SweepWorkers:         4,
		DispatchTimeout:      10 * time.Second,
		BreakerFailures:      5,
		BreakerOpenFor:       time.Minute,
		Hours:                calendar.DefaultHours(),
		DefaultMaxViolations: sla.DefaultMaxViolations,
		ViolationClock:       WallClock,
	}
}

// Load reads .env if present and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup, starting from Default.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}
	cfg.DB = DB{
		URL:      get("DATABASE_URL"),
		Username: get("DB_USERNAME"),
		Password: get("DB_PASSWORD"),
		Host:     get("DB_HOST"),
		Port:     get("DB_PORT"),
		Name:     get("DB_NAME"),
	}
	if v := get("SWEEP_SCHEDULE"); v != "" {
		cfg.SweepSchedule = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"HTTP_PORT", &cfg.HTTPPort},
		{"SWEEP_WORKERS", &cfg.SweepWorkers},
		{"BUSINESS_UTC_OFFSET_HOURS", &cfg.Hours.UTCOffsetHours},
		{"BUSINESS_START_HOUR", &cfg.Hours.StartHour},
		{"BUSINESS_END_HOUR", &cfg.Hours.EndHour},
		{"BUSINESS_HALF_DAY_END_HOUR", &cfg.Hours.HalfDayEndHour},
		{"DEFAULT_MAX_VIOLATIONS", &cfg.DefaultMaxViolations},
	}
	for _, i := range ints {
		v := get(i.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, errors.Wrapf(err, "invalid %s", i.key)
		}
		*i.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"DISPATCH_TIMEOUT", &cfg.DispatchTimeout},
		{"BREAKER_OPEN_FOR", &cfg.BreakerOpenFor},
	}
	for _, d := range durations {
		v := get(d.key)
		if v == "" {
			continue
		}
		dur, err := time.ParseDuration(v)
		if err != nil {
			return cfg, errors.Wrapf(err, "invalid %s", d.key)
		}
		*d.dst = dur
	}

	if v := get("BREAKER_FAILURES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return cfg, errors.Wrap(err, "invalid BREAKER_FAILURES")
		}
		cfg.BreakerFailures = uint32(n)
	}
	if v := get("VIOLATION_CLOCK"); v != "" {
		cfg.ViolationClock = ViolationClock(strings.ToLower(v))
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP_PORT %d", c.HTTPPort)
	}
	if c.SweepWorkers <= 0 {
		return fmt.Errorf("SWEEP_WORKERS must be positive, got %d", c.SweepWorkers)
	}
	if c.DispatchTimeout <= 0 {
		return fmt.Errorf("DISPATCH_TIMEOUT must be positive, got %s", c.DispatchTimeout)
	}
	if c.DefaultMaxViolations <= 0 || c.DefaultMaxViolations > calendar.MaxViolationCount {
		return fmt.Errorf("DEFAULT_MAX_VIOLATIONS must be in [1, %d], got %d", calendar.MaxViolationCount, c.DefaultMaxViolations)
	}
	switch c.ViolationClock {
	case WallClock, BusinessClock:
	default:
		return fmt.Errorf("VIOLATION_CLOCK must be %q or %q, got %q", WallClock, BusinessClock, c.ViolationClock)
	}
	return errors.Wrap(c.Hours.Validate(), "business hours")
}

// Evaluator builds the SLA evaluator this configuration describes.
func (c Config) Evaluator(cal *calendar.Calendar) *sla.Evaluator {
	opts := []sla.Option{sla.WithDefaultMaxViolations(c.DefaultMaxViolations)}
	if c.ViolationClock == BusinessClock {
		opts = append(opts, sla.WithElapsed(sla.BusinessClock(cal)))
	}
	return sla.NewEvaluator(cal, opts...)
}
