package fastpersist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ariyn/fastpersist/internal/fastpersist/config"
	"github.com/ariyn/fastpersist/internal/fastpersist/errs"
)

func TestDatedStore_ExportToParquet_PathMissing(t *testing.T) {
	dir := t.TempDir()
	cfg := config.WALConfig{BaseDir: dir, DuckdbFlushIntervalSeconds: 3600}

	s, err := NewDatedStore(testDate(), "data.db", cfg, nil)
	if err != nil {
		t.Fatalf("NewDatedStore: %v", err)
	}
	defer s.Close(context.Background())

	_, err = s.ExportToParquet(context.Background(), "")
	var want *errs.ExportPathMissing
	if !errors.As(err, &want) {
		t.Fatalf("expected *errs.ExportPathMissing, got %v", err)
	}
}

func TestDatedStore_ExportToParquet_EmptyStoreReturnsAbsent(t *testing.T) {
	dir := t.TempDir()
	out := t.TempDir()
	cfg := config.WALConfig{BaseDir: dir, DuckdbFlushIntervalSeconds: 3600, ParquetPath: out}

	s, err := NewDatedStore(testDate(), "data.db", cfg, nil)
	if err != nil {
		t.Fatalf("NewDatedStore: %v", err)
	}
	defer s.Close(context.Background())

	root, err := s.ExportToParquet(context.Background(), "")
	if err != nil {
		t.Fatalf("ExportToParquet: %v", err)
	}
	if root != "" {
		t.Fatalf("expected empty root for a store with no rows, got %q", root)
	}
}

func TestDatedStore_ExportToParquet_WritesOnePartitionPerProcessName(t *testing.T) {
	dir := t.TempDir()
	out := t.TempDir()
	cfg := config.WALConfig{
		BaseDir:                    dir,
		DuckdbFlushIntervalSeconds: 3600,
		ExtraSchema:                map[string]string{"region": "string"},
	}
	date := testDate()

	s, err := NewDatedStore(date, "data.db", cfg, nil)
	if err != nil {
		t.Fatalf("NewDatedStore: %v", err)
	}
	defer s.Close(context.Background())

	procA := "worker-a"
	procB := "worker-b"
	if _, err := s.Store("k1", map[string]any{"region": "us-east"}, DatedStoreOptions{ProcessName: &procA}); err != nil {
		t.Fatalf("Store A: %v", err)
	}
	if _, err := s.Store("k2", map[string]any{"region": "us-west"}, DatedStoreOptions{ProcessName: &procB}); err != nil {
		t.Fatalf("Store B: %v", err)
	}

	root, err := s.ExportToParquet(context.Background(), out)
	if err != nil {
		t.Fatalf("ExportToParquet: %v", err)
	}
	if root != out {
		t.Fatalf("expected export root %q, got %q", out, root)
	}

	dateStr := date.Format("2006-01-02")
	pathA := filepath.Join(out, "process_name=worker-a", "date="+dateStr, "data.parquet")
	pathB := filepath.Join(out, "process_name=worker-b", "date="+dateStr, "data.parquet")
	if _, err := os.Stat(pathA); err != nil {
		t.Fatalf("expected parquet partition for worker-a at %s: %v", pathA, err)
	}
	if _, err := os.Stat(pathB); err != nil {
		t.Fatalf("expected parquet partition for worker-b at %s: %v", pathB, err)
	}
}

func TestDatedStore_ExportToParquet_UnsetProcessNamePartitionsAsUnset(t *testing.T) {
	dir := t.TempDir()
	out := t.TempDir()
	cfg := config.WALConfig{BaseDir: dir, DuckdbFlushIntervalSeconds: 3600}
	date := testDate()

	s, err := NewDatedStore(date, "data.db", cfg, nil)
	if err != nil {
		t.Fatalf("NewDatedStore: %v", err)
	}
	defer s.Close(context.Background())

	if _, err := s.Store("k1", nil, DatedStoreOptions{}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	root, err := s.ExportToParquet(context.Background(), out)
	if err != nil {
		t.Fatalf("ExportToParquet: %v", err)
	}
	if root != out {
		t.Fatalf("expected export root %q, got %q", out, root)
	}

	dateStr := date.Format("2006-01-02")
	path := filepath.Join(out, "process_name=_unset", "date="+dateStr, "data.parquet")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected parquet partition for unset process name at %s: %v", path, err)
	}
}

func TestDatedStore_ExportToParquet_OnCloseWhenConfigured(t *testing.T) {
	dir := t.TempDir()
	out := t.TempDir()
	cfg := config.WALConfig{BaseDir: dir, DuckdbFlushIntervalSeconds: 3600, ParquetPath: out}
	date := testDate()

	s, err := NewDatedStore(date, "data.db", cfg, nil)
	if err != nil {
		t.Fatalf("NewDatedStore: %v", err)
	}
	if _, err := s.Store("k1", nil, DatedStoreOptions{}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dateStr := date.Format("2006-01-02")
	path := filepath.Join(out, "process_name=_unset", "date="+dateStr, "data.parquet")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected parquet export on close at %s: %v", path, err)
	}
}
