package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/nugget/suvfin/internal/kvstore"
)

func newStore(t *testing.T) (kvstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := kvstore.Open(kvstore.Options{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestLimiter_HourBoundary(t *testing.T) {
	store, mr := newStore(t)
	l := &Limiter{Store: store, PerHour: 30, PerDay: 200}
	ctx := context.Background()

	for i := 1; i <= 30; i++ {
		if d := l.Allow(ctx, "5511"); !d.Allowed {
			t.Fatalf("message %d rejected, want allowed", i)
		}
	}
	d := l.Allow(ctx, "5511")
	if d.Allowed {
		t.Fatal("message 31 allowed, want rejected")
	}
	if d.HourCount != 31 {
		t.Errorf("HourCount = %d, want 31", d.HourCount)
	}

	// Other users are unaffected.
	if d := l.Allow(ctx, "5522"); !d.Allowed {
		t.Error("other user rejected")
	}

	if ttl := mr.TTL(HourKey("5511")); ttl != time.Hour {
		t.Errorf("hour ttl = %v", ttl)
	}
	if ttl := mr.TTL(DayKey("5511")); ttl != 24*time.Hour {
		t.Errorf("day ttl = %v", ttl)
	}

	mr.FastForward(time.Hour + time.Second)
	if d := l.Allow(ctx, "5511"); !d.Allowed {
		t.Error("rejected after the hour window reset")
	}
}

func TestLimiter_DayBoundary(t *testing.T) {
	store, _ := newStore(t)
	l := &Limiter{Store: store, PerHour: 0, PerDay: 3}
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if d := l.Allow(ctx, "5511"); !d.Allowed {
			t.Fatalf("message %d rejected", i)
		}
	}
	d := l.Allow(ctx, "5511")
	if d.Allowed || d.DayCount != 4 || d.HourCount != 0 {
		t.Errorf("decision = %+v, want rejected on day window only", d)
	}
}

func TestLimiter_FailOpen(t *testing.T) {
	store, mr := newStore(t)
	mr.Close()
	l := &Limiter{Store: store, PerHour: 1, PerDay: 1}

	for range 3 {
		d := l.Allow(context.Background(), "5511")
		if !d.Allowed || !d.FailOpen {
			t.Fatalf("decision = %+v, want fail-open allow", d)
		}
	}
}

func TestIPLimiter(t *testing.T) {
	store, mr := newStore(t)
	l := &IPLimiter{Store: store, PerMinute: 2}
	ctx := context.Background()

	if !l.Allow(ctx, "1.2.3.4") || !l.Allow(ctx, "1.2.3.4") {
		t.Fatal("first two requests should pass")
	}
	if l.Allow(ctx, "1.2.3.4") {
		t.Error("third request should be limited")
	}
	mr.FastForward(61 * time.Second)
	if !l.Allow(ctx, "1.2.3.4") {
		t.Error("limit should reset after a minute")
	}

	mr.Close()
	if !l.Allow(ctx, "1.2.3.4") {
		t.Error("store failure must allow")
	}
}
