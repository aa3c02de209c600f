package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/phishguard/phishguard/internal/store"
)

func TestKeyNormalization(t *testing.T) {
	a := Key("  HTTPS://Example.COM/Login  ")
	b := Key("https://example.com/login")
	if a != b {
		t.Errorf("keys differ for equivalent URLs: %s vs %s", a, b)
	}
	if c := Key("https://example.com/other"); c == a {
		t.Error("distinct URLs produced the same key")
	}
}

func TestGetPut(t *testing.T) {
	c := NewAnalysis(10, time.Minute)
	key := Key("https://example.com")

	if got := c.Get(key); got != nil {
		t.Fatalf("expected miss on empty cache, got %+v", got)
	}

	want := &store.ScanResult{URL: "https://example.com", Verdict: store.VerdictSafe}
	c.Put(key, want)

	got := c.Get(key)
	if got == nil {
		t.Fatal("expected hit after Put")
	}
	if got.Verdict != store.VerdictSafe {
		t.Errorf("verdict = %s, want SAFE", got.Verdict)
	}

	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("stats = %d hits / %d misses, want 1/1", hits, misses)
	}
}

func TestExpiry(t *testing.T) {
	c := NewAnalysis(10, 10*time.Millisecond)
	key := Key("https://example.com")
	c.Put(key, &store.ScanResult{URL: "https://example.com"})

	time.Sleep(25 * time.Millisecond)

	if got := c.Get(key); got != nil {
		t.Errorf("expected expired entry to miss, got %+v", got)
	}
}

func TestCapacityEviction(t *testing.T) {
	c := NewAnalysis(3, time.Minute)
	for i := 0; i < 4; i++ {
		url := fmt.Sprintf("https://example.com/%d", i)
		c.Put(Key(url), &store.ScanResult{URL: url})
		time.Sleep(2 * time.Millisecond)
	}

	if got := c.Len(); got != 3 {
		t.Fatalf("len = %d, want 3", got)
	}
	// Oldest entry should have been evicted.
	if got := c.Get(Key("https://example.com/0")); got != nil {
		t.Errorf("expected oldest entry evicted, got %+v", got)
	}
	if got := c.Get(Key("https://example.com/3")); got == nil {
		t.Error("expected newest entry present")
	}
}
