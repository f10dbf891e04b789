package handoff

import (
	"encoding/json"
	"testing"
	"time"
)

func TestConfigUnmarshalsMillisecondOptions(t *testing.T) {
	raw := `{
		"regions": {"sf": "http://sf:8080", "la": "http://la:8080"},
		"monitor": {"intervalMs": 5000, "timeoutMs": 3000, "failureThreshold": 3},
		"handoff": {
			"prepareTimeoutMs": 5000,
			"commitTimeoutMs": 4000,
			"overallTimeoutMs": 30000,
			"retry": {"base": 100, "cap": 2000, "max": 3}
		},
		"buffer": {"maxPerRegion": 500}
	}`
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	cfg.SetDefaults()

	if cfg.Monitor.Interval != 5*time.Second {
		t.Errorf("interval = %v, want 5s", cfg.Monitor.Interval)
	}
	if cfg.Monitor.Timeout != 3*time.Second {
		t.Errorf("timeout = %v, want 3s", cfg.Monitor.Timeout)
	}
	if cfg.Handoff.PrepareTimeout != 5*time.Second {
		t.Errorf("prepareTimeout = %v, want 5s", cfg.Handoff.PrepareTimeout)
	}
	if cfg.Handoff.CommitTimeout != 4*time.Second {
		t.Errorf("commitTimeout = %v, want 4s", cfg.Handoff.CommitTimeout)
	}
	if cfg.Handoff.OverallTimeout != 30*time.Second {
		t.Errorf("overallTimeout = %v, want 30s", cfg.Handoff.OverallTimeout)
	}
	if cfg.Handoff.Retry.Base != 100*time.Millisecond || cfg.Handoff.Retry.Cap != 2*time.Second {
		t.Errorf("retry backoff = %+v, want base 100ms cap 2s", cfg.Handoff.Retry)
	}
	if cfg.Handoff.Retry.MaxAttempts != 3 {
		t.Errorf("retry max = %d, want 3", cfg.Handoff.Retry.MaxAttempts)
	}
	if cfg.Buffer.MaxPerRegion != 500 {
		t.Errorf("maxPerRegion = %d, want 500", cfg.Buffer.MaxPerRegion)
	}
}

func TestConfigDefaultsFillUnsetOptions(t *testing.T) {
	raw := `{"regions": {"sf": "http://sf:8080"}, "monitor": {"intervalMs": 1000}}`
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	cfg.SetDefaults()

	if cfg.Monitor.Interval != time.Second {
		t.Errorf("explicit interval overridden: %v", cfg.Monitor.Interval)
	}
	if cfg.Monitor.Timeout != 3*time.Second || cfg.Monitor.FailureThreshold != 3 {
		t.Errorf("monitor defaults not applied: %+v", cfg.Monitor)
	}
	if cfg.Handoff.OverallTimeout != 30*time.Second {
		t.Errorf("overallTimeout default not applied: %v", cfg.Handoff.OverallTimeout)
	}
	if cfg.Handoff.Retry != DefaultRetryOptions() {
		t.Errorf("retry defaults not applied: %+v", cfg.Handoff.Retry)
	}
	if cfg.Buffer.MaxPerRegion != 1000 {
		t.Errorf("buffer default not applied: %d", cfg.Buffer.MaxPerRegion)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}
