package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.PrimaryProvider != "yahoo" {
		t.Errorf("primary provider: got %q, want yahoo", cfg.PrimaryProvider)
	}
	if cfg.CacheTTL != 30*time.Second {
		t.Errorf("cache ttl: got %v, want 30s", cfg.CacheTTL)
	}
	if cfg.QueueDepth != 64 {
		t.Errorf("queue depth: got %d, want 64", cfg.QueueDepth)
	}
	if cfg.DefaultHorizon != 180 {
		t.Errorf("default horizon: got %d, want 180", cfg.DefaultHorizon)
	}
}

func TestProvidersChainDedupes(t *testing.T) {
	t.Setenv("PRIMARY_PROVIDER", "twelvedata")
	t.Setenv("FALLBACK_PROVIDERS", "yahoo, twelvedata ,angelone")

	got := Load().Providers()
	want := []string{"twelvedata", "yahoo", "angelone"}
	if len(got) != len(want) {
		t.Fatalf("chain: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chain[%d]: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseWatchListSkipsMalformed(t *testing.T) {
	t.Setenv("WATCH_LIST", "INFY.NS:5m,badentry,TCS.NS:15m")

	got := Load().ParseWatchList()
	if len(got) != 2 {
		t.Fatalf("entries: got %v, want 2", got)
	}
	if got[0] != [2]string{"INFY.NS", "5m"} || got[1] != [2]string{"TCS.NS", "15m"} {
		t.Errorf("entries: %v", got)
	}
}

func TestGetEnvIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("DB_POOL_SIZE", "lots")

	if got := Load().DBPoolSize; got != 20 {
		t.Errorf("pool size: got %d, want fallback 20", got)
	}
}
