package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWALConfig_ReadsYAMLAndAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.yaml")
	yamlBody := "base_dir: /var/lib/fastpersist\nmax_wal_size: 2048\nbatch_size: 50\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	c, err := LoadWALConfig(path)
	if err != nil {
		t.Fatalf("LoadWALConfig: %v", err)
	}
	if c.BaseDir != "/var/lib/fastpersist" {
		t.Fatalf("expected base_dir from file, got %q", c.BaseDir)
	}
	if c.MaxWalSize != 2048 {
		t.Fatalf("expected max_wal_size from file, got %d", c.MaxWalSize)
	}
	if c.BatchSize != 50 {
		t.Fatalf("expected batch_size from file, got %d", c.BatchSize)
	}
	// duckdb_flush_interval_seconds was absent from the fixture, so
	// WithDefaults must have filled it in.
	if c.DuckdbFlushIntervalSeconds != 30 {
		t.Fatalf("expected default duckdb_flush_interval_seconds=30, got %d", c.DuckdbFlushIntervalSeconds)
	}
}

func TestApplyEnvOverrides_OverridesYAMLValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.yaml")
	yamlBody := "base_dir: /var/lib/fastpersist\nmax_wal_size: 2048\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	c, err := LoadWALConfig(path)
	if err != nil {
		t.Fatalf("LoadWALConfig: %v", err)
	}

	t.Setenv("FASTPERSIST_BASE_DIR", "/override/dir")
	t.Setenv("FASTPERSIST_BATCH_SIZE", "777")

	ApplyEnvOverrides("FASTPERSIST", &c)

	if c.BaseDir != "/override/dir" {
		t.Fatalf("expected env override of base_dir, got %q", c.BaseDir)
	}
	if c.BatchSize != 777 {
		t.Fatalf("expected env override of batch_size, got %d", c.BatchSize)
	}
	// max_wal_size had no matching env var set, so the YAML value survives.
	if c.MaxWalSize != 2048 {
		t.Fatalf("expected max_wal_size unaffected by env overlay, got %d", c.MaxWalSize)
	}
}

func TestLoadCollectionConfig_AndApplyEnvOverridesCollection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "collection.yaml")
	yamlBody := "base_dir: /var/lib/fastpersist-collection\nretain_days: 3\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	c, err := LoadCollectionConfig(path)
	if err != nil {
		t.Fatalf("LoadCollectionConfig: %v", err)
	}
	if c.RetainDays != 3 {
		t.Fatalf("expected retain_days from file, got %d", c.RetainDays)
	}

	t.Setenv("FASTPERSIST_COLLECTION_RETAIN_DAYS", "9")
	ApplyEnvOverridesCollection("FASTPERSIST_COLLECTION", &c)
	if c.RetainDays != 9 {
		t.Fatalf("expected env override of retain_days, got %d", c.RetainDays)
	}
}

func TestLoadWALConfig_MissingFileReturnsError(t *testing.T) {
	_, err := LoadWALConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
