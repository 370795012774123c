package connpool

import (
	"context"
	"net"
	"sync"
	"time"
)

// dnsCache is a small TTL cache in front of the resolver, so repeated
// acquires against the same host don't re-resolve on every dial.
type dnsCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]dnsEntry
}

type dnsEntry struct {
	ips       []net.IP
	resolveAt time.Time
}

func newDNSCache(ttl time.Duration) *dnsCache {
	return &dnsCache{ttl: ttl, entries: make(map[string]dnsEntry)}
}

func (d *dnsCache) lookup(ctx context.Context, host string) ([]net.IP, error) {
	d.mu.Lock()
	if e, ok := d.entries[host]; ok && time.Since(e.resolveAt) < d.ttl {
		d.mu.Unlock()
		return e.ips, nil
	}
	d.mu.Unlock()

	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.entries[host] = dnsEntry{ips: ips, resolveAt: time.Now()}
	d.mu.Unlock()
	return ips, nil
}
