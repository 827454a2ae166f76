package lock

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/ariyn/fastpersist/internal/fastpersist/errs"
)

func TestAcquire_SecondAcquireFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")

	l1, err := Acquire(path)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer l1.Release()

	_, err = Acquire(path)
	var want *errs.InstanceLocked
	if !errors.As(err, &want) {
		t.Fatalf("expected *errs.InstanceLocked, got %v", err)
	}
}

func TestRelease_AllowsReacquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")

	l1, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l1.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	l2, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	defer l2.Release()
}

func TestRelease_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}
