package respcache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/nugget/suvfin/internal/kvstore"
)

func newCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := kvstore.Open(kvstore.Options{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return &Cache{Store: store, TTL: 300 * time.Second}, mr
}

func TestKey_Normalizes(t *testing.T) {
	a := Key("5511", "  Qual meu SALDO?  ")
	b := Key("5511", "qual meu saldo?")
	if a != b {
		t.Errorf("keys differ for normalized-equal text: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "llmcache:5511:") || len(a) != len("llmcache:5511:")+64 {
		t.Errorf("key = %q", a)
	}
	if Key("5522", "qual meu saldo?") == a {
		t.Error("keys must be scoped by phone")
	}
}

func TestGetPut(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "5511", "oi"); ok {
		t.Fatal("hit on empty cache")
	}
	c.Put(ctx, "5511", "Oi ", "Olá! Sou o SuvFin 💰")
	got, ok := c.Get(ctx, "5511", "oi")
	if !ok || got != "Olá! Sou o SuvFin 💰" {
		t.Errorf("Get = %q, %v", got, ok)
	}
	if ttl := mr.TTL(Key("5511", "oi")); ttl != 300*time.Second {
		t.Errorf("ttl = %v", ttl)
	}

	mr.FastForward(301 * time.Second)
	if _, ok := c.Get(ctx, "5511", "oi"); ok {
		t.Error("entry should expire after TTL")
	}
}

func TestPut_SkipsEmpty(t *testing.T) {
	c, mr := newCache(t)
	c.Put(context.Background(), "5511", "oi", "")
	if mr.Exists(Key("5511", "oi")) {
		t.Error("empty answer should not be cached")
	}
}

func TestStoreDown_IsMiss(t *testing.T) {
	c, mr := newCache(t)
	mr.Close()
	c.Put(context.Background(), "5511", "oi", "x")
	if _, ok := c.Get(context.Background(), "5511", "oi"); ok {
		t.Error("store failure must be a miss")
	}
}
