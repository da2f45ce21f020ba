package filelock

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireExclusiveExcludesSecondAcquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repo.lock")

	h1, err := Acquire(context.Background(), path, Exclusive)
	if err != nil {
		t.Fatalf("acquire1: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := Acquire(ctx, path, Exclusive); err == nil {
		t.Fatalf("expected second exclusive acquire to time out while first is held")
	}

	if err := h1.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	h2, err := Acquire(context.Background(), path, Exclusive)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	h2.Release()
}

func TestSharedLocksDoNotExcludeEachOther(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repo.lock")

	h1, err := Acquire(context.Background(), path, Shared)
	if err != nil {
		t.Fatalf("acquire1: %v", err)
	}
	defer h1.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	h2, err := Acquire(ctx, path, Shared)
	if err != nil {
		t.Fatalf("acquire2 (shared): %v", err)
	}
	h2.Release()
}

func TestTryAcquireDoesNotBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repo.lock")

	h1, ok, err := TryAcquire(path, Exclusive)
	if err != nil || !ok {
		t.Fatalf("expected first try-acquire to succeed, ok=%v err=%v", ok, err)
	}

	if _, ok, err := TryAcquire(path, Exclusive); err != nil || ok {
		t.Fatalf("expected second try-acquire to fail immediately, ok=%v err=%v", ok, err)
	}

	h1.Release()

	h2, ok, err := TryAcquire(path, Exclusive)
	if err != nil || !ok {
		t.Fatalf("expected try-acquire after release to succeed, ok=%v err=%v", ok, err)
	}
	h2.Release()
}

func TestExistsMtimeDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entry")
	if Exists(path) {
		t.Fatalf("expected not to exist yet")
	}
	if err := Touch(path); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if !Exists(path) {
		t.Fatalf("expected to exist after touch")
	}
	if Mtime(path).IsZero() {
		t.Fatalf("expected non-zero mtime")
	}
	if err := Delete(path); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if Exists(path) {
		t.Fatalf("expected removed")
	}
}
