package cache

import (
	"testing"
	"time"
)

func TestGetAfterPut(t *testing.T) {
	c := New(time.Minute)

	gen := c.Generation()
	etag := c.Put("engines", gen, []byte(`[{"container_id":"a"}]`))
	if etag == "" {
		t.Fatal("expected non-empty etag")
	}

	body, gotTag, ok := c.Get("engines")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(body) != `[{"container_id":"a"}]` {
		t.Fatalf("unexpected body: %s", body)
	}
	if gotTag != etag {
		t.Fatalf("etag mismatch: %q vs %q", gotTag, etag)
	}
}

func TestExpiry(t *testing.T) {
	c := New(10 * time.Millisecond)

	c.Put("engines", c.Generation(), []byte("x"))
	if _, _, ok := c.Get("engines"); !ok {
		t.Fatal("expected hit before expiry")
	}

	time.Sleep(20 * time.Millisecond)
	if _, _, ok := c.Get("engines"); ok {
		t.Fatal("expected miss after expiry")
	}
}

func TestInvalidateDropsEntries(t *testing.T) {
	c := New(time.Minute)

	c.Put("engines", c.Generation(), []byte("x"))
	c.Invalidate()

	if _, _, ok := c.Get("engines"); ok {
		t.Fatal("expected miss after invalidation")
	}
}

func TestStaleWriteDiscardedAcrossInvalidation(t *testing.T) {
	c := New(time.Minute)

	// A handler snapshots the generation, computes a response from state,
	// and an engine add invalidates the cache before the write-back lands.
	gen := c.Generation()
	c.Invalidate()
	c.Put("engines", gen, []byte("stale"))

	if _, _, ok := c.Get("engines"); ok {
		t.Fatal("stale write must not be served after invalidation")
	}

	// A write against the current generation is stored.
	c.Put("engines", c.Generation(), []byte("fresh"))
	body, _, ok := c.Get("engines")
	if !ok || string(body) != "fresh" {
		t.Fatalf("expected fresh entry, got ok=%v body=%s", ok, body)
	}
}

func TestETagStableForSameBody(t *testing.T) {
	a := ETag([]byte("same"))
	b := ETag([]byte("same"))
	if a != b {
		t.Fatalf("etag must be deterministic: %q vs %q", a, b)
	}
	if a == ETag([]byte("different")) {
		t.Fatal("different bodies must not share an etag")
	}
}
