// Package resolver implements the caching DNS resolver used when
// `lookupOptions` is present on a forwarding handler. No standalone
// caching-resolver library fit this role (checked
// every example's go.mod), so this is a deliberate, documented stdlib
// exception built on net.Resolver — see DESIGN.md.
package resolver

import (
	"context"
	"net"
	"sync"
	"time"
)

// Options mirrors `lookupOptions`. The fallback cache TTL for entries
// with no explicit success TTL is fixed at zero — every lookup
// re-resolves unless MaxTTL caps it.
type Options struct {
	MaxTTL   time.Duration
	ErrorTTL time.Duration
	Servers  []string
}

type cacheEntry struct {
	addrs   []string
	err     error
	expires time.Time
}

// CachingResolver resolves hostnames to IP addresses, caching successes
// for up to MaxTTL and failures for up to ErrorTTL. One instance is
// shared, mutable-only-via-its-cache resource model.
type CachingResolver struct {
	opts     Options
	resolver *net.Resolver

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New constructs a CachingResolver. When opts.Servers is non-empty,
// lookups are issued against those servers instead of the system
// resolver.
func New(opts Options) *CachingResolver {
	r := &CachingResolver{opts: opts, cache: make(map[string]cacheEntry)}
	if len(opts.Servers) > 0 {
		servers := opts.Servers
		r.resolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				var d net.Dialer
				var lastErr error
				for _, s := range servers {
					conn, err := d.DialContext(ctx, network, s)
					if err == nil {
						return conn, nil
					}
					lastErr = err
				}
				return nil, lastErr
			},
		}
	} else {
		r.resolver = net.DefaultResolver
	}
	return r
}

// Lookup resolves host to its A/AAAA addresses, serving from cache when
// a live (unexpired) entry exists.
func (r *CachingResolver) Lookup(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}

	r.mu.Lock()
	entry, ok := r.cache[host]
	r.mu.Unlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.addrs, entry.err
	}

	addrs, err := r.resolver.LookupHost(ctx, host)

	ttl := r.opts.ErrorTTL
	if err == nil {
		ttl = r.opts.MaxTTL
	}
	r.mu.Lock()
	r.cache[host] = cacheEntry{addrs: addrs, err: err, expires: time.Now().Add(ttl)}
	r.mu.Unlock()

	return addrs, err
}

// Registry hands out one shared CachingResolver per distinct Options so
// handler instances configured identically reuse a cache instead of
// building a new one per dial.
type Registry struct {
	mu        sync.Mutex
	instances map[string]*CachingResolver
}

func NewRegistry() *Registry {
	return &Registry{instances: make(map[string]*CachingResolver)}
}

func (reg *Registry) Get(key string, opts Options) *CachingResolver {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.instances[key]; ok {
		return r
	}
	r := New(opts)
	reg.instances[key] = r
	return r
}
