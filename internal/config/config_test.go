package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 || cfg.MigrateDir != "db/migrations" || !cfg.AutoMigrate {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestLoadFileAndEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coldchain.yaml")
	if err := os.WriteFile(path, []byte("port: 9999\nrateRps: 10\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "7070")
	t.Setenv("RATE_BURST", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 7070 {
		t.Fatalf("env must beat file: port = %d", cfg.Port)
	}
	if cfg.RateRPS != 10 {
		t.Fatalf("file value lost: rateRps = %v", cfg.RateRPS)
	}
	if cfg.RateBurst != 7 {
		t.Fatalf("rateBurst = %d", cfg.RateBurst)
	}
}

func TestLoadMissingFileIsFine(t *testing.T) {
	if _, err := Load("/nonexistent/coldchain.yaml"); err != nil {
		t.Fatalf("missing file must not fail: %v", err)
	}
}
