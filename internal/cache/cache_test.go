package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, "v1", time.Hour, time.Minute), mr
}

func TestGetMissReturnsSentinel(t *testing.T) {
	c, _ := newTestCache(t)
	_, err := c.Get(context.Background(), KindEnrichment, "fp-123")
	if !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, KindEnrichment, "fp-123", []byte(`{"company":"Acme"}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := c.Get(ctx, KindEnrichment, "fp-123")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `{"company":"Acme"}` {
		t.Errorf("unexpected value %q", got)
	}
}

func TestTTLExpiryIsAMiss(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, KindSuppression, "bad@example.com", []byte("1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	_, err := c.Get(ctx, KindSuppression, "bad@example.com")
	if !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss after TTL, got %v", err)
	}
}

func TestVersionBumpInvalidatesWithoutDeletes(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, KindEnrichment, "fp-1", []byte("old")); err != nil {
		t.Fatal(err)
	}

	c.BumpVersion("v2")

	if _, err := c.Get(ctx, KindEnrichment, "fp-1"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected miss after version bump, got %v", err)
	}

	// Old entry still physically present under the prior prefix.
	if !mr.Exists("v1:enrich:fp-1") {
		t.Error("version bump should not delete prior entries")
	}

	// New writes land under the new prefix and do not cross-contaminate.
	if err := c.Set(ctx, KindEnrichment, "fp-1", []byte("new")); err != nil {
		t.Fatal(err)
	}
	got, err := c.Get(ctx, KindEnrichment, "fp-1")
	if err != nil {
		t.Fatalf("Get after bump: %v", err)
	}
	if string(got) != "new" {
		t.Errorf("expected new value, got %q", got)
	}
	if v, _ := mr.Get("v1:enrich:fp-1"); v != "old" {
		t.Errorf("v1 entry contaminated: %q", v)
	}
}
