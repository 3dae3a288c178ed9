package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadSettingsDefaults(t *testing.T) {
	s := LoadSettings("GOLDENIDX_TEST_UNSET")
	if s.RefreshIntervalSeconds != 3600 {
		t.Fatalf("expected default refresh interval 3600, got %d", s.RefreshIntervalSeconds)
	}
	if s.MultiSearchMaxWorkers != 2 {
		t.Fatalf("expected default max workers 2, got %d", s.MultiSearchMaxWorkers)
	}
	if !s.FTSCacheReloadOnAccess {
		t.Fatalf("expected FTSCacheReloadOnAccess default true")
	}
	if s.RefreshInterval() != time.Hour {
		t.Fatalf("expected 1h refresh interval, got %v", s.RefreshInterval())
	}
}

func TestLoadSettingsOverride(t *testing.T) {
	os.Setenv("GOLDENIDX_multi_search_max_workers", "7")
	defer os.Unsetenv("GOLDENIDX_multi_search_max_workers")

	s := LoadSettings("GOLDENIDX")
	if s.MultiSearchMaxWorkers != 7 {
		t.Fatalf("expected overridden max workers 7, got %d", s.MultiSearchMaxWorkers)
	}
}
