package resolver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestCachingResolver_LookupLiteralIP(t *testing.T) {
	r := New(Options{MaxTTL: time.Minute})
	addrs, err := r.Lookup(context.Background(), "127.0.0.1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "127.0.0.1" {
		t.Fatalf("addrs = %v, want [127.0.0.1]", addrs)
	}
}

func TestCachingResolver_ServesFromCacheWithinTTL(t *testing.T) {
	r := New(Options{MaxTTL: time.Hour})
	calls := 0
	r.resolver = &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			calls++
			return nil, errors.New("dial should not be attempted for a cached host")
		},
	}
	r.cache["cached.example"] = cacheEntry{
		addrs:   []string{"10.0.0.9"},
		expires: time.Now().Add(time.Hour),
	}

	addrs, err := r.Lookup(context.Background(), "cached.example")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "10.0.0.9" {
		t.Fatalf("addrs = %v, want cached entry [10.0.0.9]", addrs)
	}
	if calls != 0 {
		t.Errorf("expected no fresh resolution for a cached host, resolver dialed %d times", calls)
	}
}

func TestCachingResolver_ExpiredEntryTriggersRefresh(t *testing.T) {
	r := New(Options{MaxTTL: time.Hour, ErrorTTL: time.Second})
	r.cache["stale.example"] = cacheEntry{
		addrs:   []string{"10.0.0.1"},
		expires: time.Now().Add(-time.Minute),
	}
	r.resolver = &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			return nil, errors.New("refused")
		},
	}

	if _, err := r.Lookup(context.Background(), "stale.example"); err == nil {
		t.Fatal("expected the refresh attempt to surface the resolver's error")
	}

	entry, ok := r.cache["stale.example"]
	if !ok {
		t.Fatal("expected a fresh cache entry to replace the expired one")
	}
	if !entry.expires.Before(time.Now().Add(time.Minute)) {
		t.Error("expected the error-path entry to use ErrorTTL, not MaxTTL")
	}
}

func TestRegistry_ReusesInstanceForSameKey(t *testing.T) {
	reg := NewRegistry()
	a := reg.Get("k1", Options{MaxTTL: time.Minute})
	b := reg.Get("k1", Options{MaxTTL: time.Minute})
	if a != b {
		t.Error("expected the same CachingResolver instance for an identical key")
	}
	c := reg.Get("k2", Options{MaxTTL: time.Minute})
	if a == c {
		t.Error("expected a distinct instance for a different key")
	}
}
