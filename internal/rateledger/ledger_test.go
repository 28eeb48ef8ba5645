package rateledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/agencyos/dispatch/internal/domain"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	mr := miniredis.RunT(t)
	return New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestTryReserveUnderCap(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Now()

	r, err := l.TryReserve(ctx, "dom-1", 50, now)
	if err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	if r.Used != 1 {
		t.Errorf("expected used=1, got %d", r.Used)
	}
	if r.Remaining() != 49 {
		t.Errorf("expected remaining=49, got %d", r.Remaining())
	}
}

func TestTryReserveExhausted(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 50; i++ {
		if _, err := l.TryReserve(ctx, "dom-1", 50, now); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}
	_, err := l.TryReserve(ctx, "dom-1", 50, now)
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted at cap, got %v", err)
	}

	usage, err := l.CurrentUsage(ctx, "dom-1", now)
	if err != nil {
		t.Fatal(err)
	}
	if usage != 50 {
		t.Errorf("expected usage 50, got %d", usage)
	}
}

func TestReleaseReturnsQuota(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Now()

	r, err := l.TryReserve(ctx, "dom-1", 1, now)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.TryReserve(ctx, "dom-1", 1, now); !errors.Is(err, ErrExhausted) {
		t.Fatal("expected exhausted before release")
	}
	if err := l.Release(ctx, r, now); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := l.TryReserve(ctx, "dom-1", 1, now); err != nil {
		t.Fatalf("expected reserve to succeed after release, got %v", err)
	}
}

func TestRollingWindowCountsTrailing24Hours(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// 10 sends 23 hours ago still count; 10 sends 25 hours ago do not.
	for i := 0; i < 10; i++ {
		if _, err := l.TryReserve(ctx, "dom-1", 100, base.Add(-25*time.Hour)); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 10; i++ {
		if _, err := l.TryReserve(ctx, "dom-1", 100, base.Add(-23*time.Hour)); err != nil {
			t.Fatal(err)
		}
	}

	usage, err := l.CurrentUsage(ctx, "dom-1", base)
	if err != nil {
		t.Fatal(err)
	}
	if usage != 10 {
		t.Errorf("expected rolling usage 10, got %d", usage)
	}
}

func TestConcurrentReservesNeverExceedCap(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Now()

	const cap = 17
	const workers = 60

	var ok int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.TryReserve(ctx, "seat-1", cap, now); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if ok != cap {
		t.Errorf("expected exactly %d successful reserves, got %d", cap, ok)
	}
}

func TestKeyForSplitsPhoneByChannel(t *testing.T) {
	phone := &domain.Resource{ID: "num-1", Type: domain.ResourcePhoneNumber}
	if KeyFor(phone, domain.ChannelSMS) == KeyFor(phone, domain.ChannelVoice) {
		t.Error("sms and voice must consume separate budgets on the same number")
	}

	dom := &domain.Resource{ID: "dom-1", Type: domain.ResourceEmailDomain}
	if KeyFor(dom, domain.ChannelEmail) != "dom-1" {
		t.Errorf("unexpected key %q", KeyFor(dom, domain.ChannelEmail))
	}
}

func TestResetClearsUsage(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		if _, err := l.TryReserve(ctx, "dom-1", 50, now); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Reset(ctx, "dom-1", now); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	usage, _ := l.CurrentUsage(ctx, "dom-1", now)
	if usage != 0 {
		t.Errorf("expected usage 0 after reset, got %d", usage)
	}
}
