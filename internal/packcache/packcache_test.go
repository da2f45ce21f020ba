package packcache

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/gitcdn/internal/packetline"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func pkt(s string) []byte {
	n := len(s) + 4
	const hextab = "0123456789abcdef"
	b := make([]byte, 4, 4+len(s))
	v := n
	for i := 3; i >= 0; i-- {
		b[i] = hextab[v&0xf]
		v >>= 4
	}
	return append(b, s...)
}

func TestCachePackThenSendPack(t *testing.T) {
	store, err := New(t.TempDir(), 16, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	body := append(append(pkt("line one"), pkt("line two")...), []byte("0000")...)
	fp := "aa11111111111111111111111111111111111111"

	parser := packetline.NewChunkParser(bytes.NewReader(body))
	if err := store.CachePack(fp, parser, nil); err != nil {
		t.Fatalf("cache pack: %v", err)
	}

	if !store.Exists(fp) {
		t.Fatalf("expected cached entry to be valid")
	}

	var out bytes.Buffer
	n, err := store.SendPack(fp, &out, "miss")
	if err != nil {
		t.Fatalf("send pack: %v", err)
	}
	if n != int64(len(body)) || !bytes.Equal(out.Bytes(), body) {
		t.Fatalf("sent content mismatch")
	}
}

func TestCachePackAbortsAndForwardsPartialOnError(t *testing.T) {
	store, err := New(t.TempDir(), 16, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	fp := "cc33333333333333333333333333333333333333"

	// A truncated frame mid-stream: declares more payload than is present.
	bad := append(pkt("ok"), []byte("fff0")...)
	parser := packetline.NewChunkParser(bytes.NewReader(bad))

	var errOut bytes.Buffer
	if err := store.CachePack(fp, parser, &errOut); err == nil {
		t.Fatalf("expected error on malformed stream")
	}
	if store.Exists(fp) {
		t.Fatalf("partial entry must not be left behind as valid")
	}
	if errOut.Len() == 0 {
		t.Fatalf("expected partial data forwarded to error writer")
	}
}

func TestExistsRejectsTruncatedEntry(t *testing.T) {
	store, err := New(t.TempDir(), 16, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	fp := "bb22222222222222222222222222222222222222"
	path := store.Path(fp)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, pkt("incomplete, no trailing flush"), 0o644); err != nil {
		t.Fatal(err)
	}
	if store.Exists(fp) {
		t.Fatalf("truncated entry (no trailing flush) must not be reported valid")
	}
}

func TestReadWriteLocksExcludeEachOther(t *testing.T) {
	store, err := New(t.TempDir(), 16, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	fp := "dd44444444444444444444444444444444444444"

	wl, err := store.WriteLock(context.Background(), fp)
	if err != nil {
		t.Fatalf("write lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := store.ReadLock(ctx, fp); err == nil {
		t.Fatalf("expected read lock to block while write lock held")
	}
	wl.Release()

	rl, err := store.ReadLock(context.Background(), fp)
	if err != nil {
		t.Fatalf("read lock after release: %v", err)
	}
	rl.Release()
}

func TestCleanerEvictsOldestUntilUnderTarget(t *testing.T) {
	root := t.TempDir()
	store, err := New(root, 16, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	write := func(fp string, size int, age time.Duration) {
		path := store.Path(fp)
		os.MkdirAll(filepath.Dir(path), 0o755)
		if err := os.WriteFile(path, pkt(string(make([]byte, size-4))), 0o644); err != nil {
			t.Fatal(err)
		}
		old := time.Now().Add(-age)
		os.Chtimes(path, old, old)
	}

	write("aa0000000000000000000000000000000000001", 1000, 3*time.Hour)
	write("aa0000000000000000000000000000000000002", 1000, 2*time.Hour)
	write("aa0000000000000000000000000000000000003", 1000, 1*time.Minute)

	cleaner := NewCleaner(store, 2000, testLogger())
	cleaner.runLocked()

	entries, total, err := cleaner.scan()
	if err != nil {
		t.Fatal(err)
	}
	if total >= 2000 {
		t.Fatalf("expected total under target after cleanup, got %d", total)
	}
	for _, e := range entries {
		if filepath.Base(e.path) == "aa0000000000000000000000000000000000001" {
			t.Fatalf("expected oldest entry to be evicted first")
		}
	}
}

func TestCleanerRateLimited(t *testing.T) {
	root := t.TempDir()
	store, err := New(root, 16, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	cleaner := NewCleaner(store, 0, testLogger())

	cleaner.Clean()
	waitForFile(t, cleaner.lockPath())
	first := modTimeOrZero(cleaner.lockPath())

	cleaner.Clean() // within the rate-limit window, should be dropped
	time.Sleep(20 * time.Millisecond)
	second := modTimeOrZero(cleaner.lockPath())
	if !first.Equal(second) {
		t.Fatalf("expected second Clean() within rate-limit window to be skipped")
	}
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", path)
}

func modTimeOrZero(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
