package kairos

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.TriggerThreshold != 0.6 {
		t.Fatalf("threshold = %v, want 0.6", cfg.TriggerThreshold)
	}
	if cfg.RateLimitMax != 2 || cfg.RateLimitWindow != time.Hour {
		t.Fatalf("rate limit = %d/%v, want 2/1h", cfg.RateLimitMax, cfg.RateLimitWindow)
	}
	if cfg.MonitorInterval != 120*time.Second {
		t.Fatalf("monitor interval = %v, want 120s", cfg.MonitorInterval)
	}
	if !cfg.DialogueExemptFromRateLimit {
		t.Fatal("dialogue exemption must default to the observed behavior (true)")
	}
}

func TestConfigNormalized_FillsZeroValues(t *testing.T) {
	cfg := (&Config{RateLimitMax: 5}).normalized()
	if cfg.RateLimitMax != 5 {
		t.Fatal("explicit values must survive normalization")
	}
	if cfg.RateLimitWindow != time.Hour || cfg.Clock == nil || cfg.History == nil || cfg.Scorer == nil || cfg.Logger == nil {
		t.Fatalf("zero values must be filled: %+v", cfg)
	}
}

func TestConfigNormalized_NilConfig(t *testing.T) {
	var nilCfg *Config
	cfg := nilCfg.normalized()
	if cfg == nil || cfg.RateLimitMax != 2 {
		t.Fatal("nil config must normalize to defaults")
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("KAIROS_RATE_LIMIT_MAX", "7")
	t.Setenv("KAIROS_RATE_LIMIT_WINDOW", "30m")
	t.Setenv("KAIROS_DIALOGUE_EXEMPT", "false")
	t.Setenv("KAIROS_TRIGGER_THRESHOLD", "0.75")

	cfg := ConfigFromEnv()
	if cfg.RateLimitMax != 7 {
		t.Fatalf("rate limit max = %d, want 7", cfg.RateLimitMax)
	}
	if cfg.RateLimitWindow != 30*time.Minute {
		t.Fatalf("window = %v, want 30m", cfg.RateLimitWindow)
	}
	if cfg.DialogueExemptFromRateLimit {
		t.Fatal("exemption must be configurable off")
	}
	if cfg.TriggerThreshold != 0.75 {
		t.Fatalf("threshold = %v, want 0.75", cfg.TriggerThreshold)
	}
}

func TestConfigFromEnv_IgnoresGarbage(t *testing.T) {
	t.Setenv("KAIROS_RATE_LIMIT_MAX", "not-a-number")
	t.Setenv("KAIROS_MONITOR_INTERVAL", "soon")

	cfg := ConfigFromEnv()
	if cfg.RateLimitMax != 2 || cfg.MonitorInterval != 120*time.Second {
		t.Fatalf("unparsable values must fall back to defaults: %+v", cfg)
	}
}
