package authcache

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestOkAfterStore(t *testing.T) {
	c, err := New(t.TempDir(), time.Minute, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if c.Ok("Bearer abc", "/org/repo.git") {
		t.Fatalf("expected miss before store")
	}
	c.StoreOk("Bearer abc", "/org/repo.git")
	if !c.Ok("Bearer abc", "/org/repo.git") {
		t.Fatalf("expected hit after store")
	}
	if c.Ok("Bearer abc", "/org/other.git") {
		t.Fatalf("expected miss for a different path")
	}
}

func TestDisabledWhenTTLZero(t *testing.T) {
	c, err := New(t.TempDir(), 0, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	c.StoreOk("Bearer abc", "/org/repo.git")
	if c.Ok("Bearer abc", "/org/repo.git") {
		t.Fatalf("disabled cache (ttl<=0) must never report a hit")
	}
}

func TestExpiresAfterTTL(t *testing.T) {
	c, err := New(t.TempDir(), 10*time.Millisecond, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	c.StoreOk("Bearer abc", "/org/repo.git")
	time.Sleep(30 * time.Millisecond)
	if c.Ok("Bearer abc", "/org/repo.git") {
		t.Fatalf("expected entry to have expired")
	}
}

func TestEmptyAuthHeaderNeverCached(t *testing.T) {
	c, err := New(t.TempDir(), time.Minute, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	c.StoreOk("", "/org/repo.git")
	if c.Ok("", "/org/repo.git") {
		t.Fatalf("empty auth header must never be cached")
	}
}
