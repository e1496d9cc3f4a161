package kairos

import (
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// ──────────────────────────────────────────────
// Engine configuration
// ──────────────────────────────────────────────

// Config holds engine tuning knobs and pluggable collaborators.
// Zero values are replaced with the DefaultConfig values at construction,
// except booleans, which keep whatever is set.
//
// Usage:
//
//	cfg := kairos.DefaultConfig()
//	cfg.RateLimitMax = 3
//	engine, _ := kairos.NewEngine(cfg, kairos.NewDefaultCatalog(), provider)
type Config struct {
	// TriggerThreshold is the relationship strength a trigger key must
	// exceed for its strategy to become eligible.
	TriggerThreshold float64

	// RateLimitMax is the maximum number of instances that may be created
	// for one user inside RateLimitWindow.
	RateLimitMax int
	// RateLimitWindow is the rolling window for the rate limit, evaluated
	// against creation timestamps of all instances, active or completed.
	RateLimitWindow time.Duration

	// MonitorInterval is the periodic re-evaluation cadence.
	MonitorInterval time.Duration
	// MonitorConcurrency bounds how many users one monitor pass evaluates
	// in parallel.
	MonitorConcurrency int

	// MaxHistoryPerUser bounds the retained per-user intervention history.
	// Oldest entries are evicted first. 0 uses the default.
	MaxHistoryPerUser int

	// DialogueDuration is the fixed duration of dialogue-sourced
	// interventions created via HandleProactiveIntervention.
	DialogueDuration time.Duration
	// DialogueExemptFromRateLimit exempts dialogue-sourced interventions
	// from the dedupe and rate-limit checks. Their creation timestamps are
	// still recorded and count toward other triggers' windows.
	DialogueExemptFromRateLimit bool

	// Clock supplies time; nil uses the system clock. Tests inject a
	// virtual clock here.
	Clock Clock
	// History stores creation timestamps for rate-limit counting; nil uses
	// the in-memory store. See store.RedisHistoryStore for a durable one.
	History HistoryStore
	// Scorer computes effectiveness results; nil uses the default scorer.
	Scorer EffectivenessScorer
	// Logger receives engine logs; nil uses a default logrus logger at
	// Info level.
	Logger *logrus.Logger
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		TriggerThreshold:            0.6,
		RateLimitMax:                2,
		RateLimitWindow:             time.Hour,
		MonitorInterval:             120 * time.Second,
		MonitorConcurrency:          4,
		MaxHistoryPerUser:           200,
		DialogueDuration:            60 * time.Second,
		DialogueExemptFromRateLimit: true,
	}
}

// normalized fills zero values with defaults and returns the config.
func (c *Config) normalized() *Config {
	if c == nil {
		c = DefaultConfig()
	}
	def := DefaultConfig()
	if c.TriggerThreshold <= 0 {
		c.TriggerThreshold = def.TriggerThreshold
	}
	if c.RateLimitMax <= 0 {
		c.RateLimitMax = def.RateLimitMax
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = def.RateLimitWindow
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = def.MonitorInterval
	}
	if c.MonitorConcurrency <= 0 {
		c.MonitorConcurrency = def.MonitorConcurrency
	}
	if c.MaxHistoryPerUser <= 0 {
		c.MaxHistoryPerUser = def.MaxHistoryPerUser
	}
	if c.DialogueDuration <= 0 {
		c.DialogueDuration = def.DialogueDuration
	}
	if c.Clock == nil {
		c.Clock = NewSystemClock()
	}
	if c.History == nil {
		c.History = NewInMemoryHistoryStore()
	}
	if c.Scorer == nil {
		c.Scorer = NewDefaultEffectivenessScorer()
	}
	if c.Logger == nil {
		c.Logger = newDefaultLogger()
	}
	return c
}

// component returns a logger entry tagged with a component name.
func (c *Config) component(name string) *logrus.Entry {
	return c.Logger.WithField("component", name)
}

func newDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// ──────────────────────────────────────────────
// Environment loading
// ──────────────────────────────────────────────

// ConfigFromEnv builds a Config from KAIROS_* environment variables,
// falling back to the defaults for anything unset or unparsable:
//
//	KAIROS_TRIGGER_THRESHOLD   float, e.g. "0.6"
//	KAIROS_RATE_LIMIT_MAX      int
//	KAIROS_RATE_LIMIT_WINDOW   duration, e.g. "1h"
//	KAIROS_MONITOR_INTERVAL    duration, e.g. "120s"
//	KAIROS_MAX_HISTORY         int
//	KAIROS_DIALOGUE_DURATION   duration, e.g. "60s"
//	KAIROS_DIALOGUE_EXEMPT     bool, e.g. "true"
//	KAIROS_LOG_LEVEL           logrus level, e.g. "debug"
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()
	if v, err := strconv.ParseFloat(os.Getenv("KAIROS_TRIGGER_THRESHOLD"), 64); err == nil && v > 0 {
		cfg.TriggerThreshold = v
	}
	if v, err := strconv.Atoi(os.Getenv("KAIROS_RATE_LIMIT_MAX")); err == nil && v > 0 {
		cfg.RateLimitMax = v
	}
	if v, err := time.ParseDuration(os.Getenv("KAIROS_RATE_LIMIT_WINDOW")); err == nil && v > 0 {
		cfg.RateLimitWindow = v
	}
	if v, err := time.ParseDuration(os.Getenv("KAIROS_MONITOR_INTERVAL")); err == nil && v > 0 {
		cfg.MonitorInterval = v
	}
	if v, err := strconv.Atoi(os.Getenv("KAIROS_MAX_HISTORY")); err == nil && v > 0 {
		cfg.MaxHistoryPerUser = v
	}
	if v, err := time.ParseDuration(os.Getenv("KAIROS_DIALOGUE_DURATION")); err == nil && v > 0 {
		cfg.DialogueDuration = v
	}
	if v, err := strconv.ParseBool(os.Getenv("KAIROS_DIALOGUE_EXEMPT")); err == nil {
		cfg.DialogueExemptFromRateLimit = v
	}
	if lvl, err := logrus.ParseLevel(os.Getenv("KAIROS_LOG_LEVEL")); err == nil {
		cfg.Logger = newDefaultLogger()
		cfg.Logger.SetLevel(lvl)
	}
	return cfg
}
