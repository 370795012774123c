// Package connpool implements the reusable HTTP(S) connection pool with
// DNS caching and health-gated eviction.
package connpool

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/fairyhunter13/zenscraper/internal/domain"
)

// Status is a pooled connection's health state.
type Status string

// Connection status values.
const (
	StatusIdle      Status = "idle"
	StatusInUse     Status = "in_use"
	StatusUnhealthy Status = "unhealthy"
)

// Conn is a single pooled TCP/TLS connection plus its bookkeeping.
type Conn struct {
	Host       string
	raw        net.Conn
	tls        *tls.Conn
	createdAt  time.Time
	lastUsedAt time.Time
	requests   int64
	errors     int64
	status     Status
}

// netConn returns the underlying net.Conn, preferring the TLS wrapper.
func (c *Conn) netConn() net.Conn {
	if c.tls != nil {
		return c.tls
	}
	return c.raw
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.netConn().Close()
}

// Config configures a Pool.
type Config struct {
	MaxPerHost        int
	MaxTotal          int
	ConnectionTimeout time.Duration
	IdleTimeout       time.Duration
	MaxAge            time.Duration
	DNSCacheTTL       time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPerHost <= 0 {
		c.MaxPerHost = 6
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = 64
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 300 * time.Second
	}
	if c.DNSCacheTTL <= 0 {
		c.DNSCacheTTL = 300 * time.Second
	}
	return c
}

// Limiter is the subset of the origin controller's API the pool needs for
// its token-bucket gate.
type Limiter interface {
	Acquire(ctx context.Context, origin string, tokens float64) error
}

// Pool is a multi-map of origin -> deque<Conn>, guarded by one
// mutex, with a background idle-connection reaper.
type Pool struct {
	cfg     Config
	limiter Limiter
	dns     *dnsCache

	mu       sync.Mutex
	byHost   map[string][]*Conn
	total    int
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Pool and starts its background cleanup loop.
func New(cfg Config, limiter Limiter) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:     cfg,
		limiter: limiter,
		dns:     newDNSCache(cfg.DNSCacheTTL),
		byHost:  make(map[string][]*Conn),
		stopCh:  make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// Stop ends the background cleanup loop.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Pool) cleanupLoop() {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-t.C:
			p.cleanupOnce()
		}
	}
}

// cleanupOnce runs the periodic reaper rule: for
// each host, while the deque has > 1 idle connections older than
// IdleTimeout, close one.
func (p *Pool) cleanupOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for host, conns := range p.byHost {
		for len(conns) > 1 {
			oldest := conns[0]
			if now.Sub(oldest.lastUsedAt) <= p.cfg.IdleTimeout {
				break
			}
			_ = oldest.Close()
			conns = conns[1:]
			p.total--
		}
		p.byHost[host] = conns
	}
}

// isUnhealthy is the health predicate gating reuse.
func isUnhealthy(c *Conn, maxAge time.Duration) bool {
	if c.status == StatusUnhealthy {
		return true
	}
	if time.Since(c.createdAt) > maxAge {
		return true
	}
	if c.requests > 0 && float64(c.errors)/float64(c.requests) > 0.3 {
		return true
	}
	return false
}

// Acquire hands out a connection: rate-limit, reuse an idle healthy
// connection, open a new one if there's room, or wait up to 5s for a release.
func (p *Pool) Acquire(ctx context.Context, rawURL string) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("op=connpool.acquire.parse: %w", domain.ErrInvalidArgument)
	}
	host := u.Host
	if u.Port() == "" {
		if u.Scheme == "https" {
			host = net.JoinHostPort(u.Hostname(), "443")
		} else {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	if p.limiter != nil {
		if err := p.limiter.Acquire(ctx, host, 1); err != nil {
			return nil, fmt.Errorf("op=connpool.acquire.limiter: %w", err)
		}
	}

	if c, ok := p.popIdle(host); ok {
		return c, nil
	}

	if c, ok := p.tryOpenNew(ctx, u, host); ok {
		return c, nil
	} else if c != nil {
		return nil, fmt.Errorf("op=connpool.acquire.dial: %w", domain.ErrRetriable)
	}

	return p.waitForRelease(ctx, u, host)
}

// popIdle pops one idle healthy connection from host's deque, discarding and
// closing unhealthy ones along the way.
func (p *Pool) popIdle(host string) (*Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conns := p.byHost[host]
	for len(conns) > 0 {
		c := conns[len(conns)-1]
		conns = conns[:len(conns)-1]
		p.byHost[host] = conns
		if isUnhealthy(c, p.cfg.MaxAge) {
			_ = c.Close()
			p.total--
			continue
		}
		c.status = StatusInUse
		return c, true
	}
	return nil, false
}

// tryOpenNew opens a new connection if the host and pool both have room. On
// failure the first return distinguishes "no room" (nil,false) from "tried
// and failed" (non-nil sentinel, false).
func (p *Pool) tryOpenNew(ctx context.Context, u *url.URL, host string) (*Conn, bool) {
	p.mu.Lock()
	if len(p.byHost[host]) >= p.cfg.MaxPerHost || p.total >= p.cfg.MaxTotal {
		p.mu.Unlock()
		return nil, false
	}
	p.total++
	p.mu.Unlock()

	c, err := p.dial(ctx, u, host)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return &Conn{}, false
	}
	c.status = StatusInUse
	return c, true
}

func (p *Pool) dial(ctx context.Context, u *url.URL, host string) (*Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	defer cancel()

	ips, err := p.dns.lookup(dctx, u.Hostname())
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("op=connpool.dial.dns: %w", err)
	}

	_, port, err := net.SplitHostPort(host)
	if err != nil {
		return nil, fmt.Errorf("op=connpool.dial.addr: %w", err)
	}
	var d net.Dialer
	var raw net.Conn
	for _, ip := range ips {
		raw, err = d.DialContext(dctx, "tcp", net.JoinHostPort(ip.String(), port))
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("op=connpool.dial.tcp: %w", err)
	}

	c := &Conn{Host: host, raw: raw, createdAt: time.Now(), lastUsedAt: time.Now()}
	if u.Scheme == "https" {
		tlsConn := tls.Client(raw, &tls.Config{ServerName: u.Hostname()})
		if err := tlsConn.HandshakeContext(dctx); err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("op=connpool.dial.tls: %w", err)
		}
		c.tls = tlsConn
	}
	return c, nil
}

// waitForRelease polls for a released connection up to 5s in 0.5s steps
//.
func (p *Pool) waitForRelease(ctx context.Context, u *url.URL, host string) (*Conn, error) {
	deadline := time.Now().Add(5 * time.Second)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if c, ok := p.popIdle(host); ok {
				return c, nil
			}
			if c, ok := p.tryOpenNew(ctx, u, host); ok {
				return c, nil
			}
		}
	}
	return nil, fmt.Errorf("op=connpool.acquire.exhausted: %w", domain.ErrPoolExhausted)
}

// Release returns a connection to its host's deque, or closes it if it is
// now unhealthy or too old.
func (p *Pool) Release(c *Conn, fetchErr error) {
	if c == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	c.requests++
	if fetchErr != nil {
		c.errors++
	}
	c.lastUsedAt = time.Now()

	if isUnhealthy(c, p.cfg.MaxAge) {
		_ = c.Close()
		p.total--
		return
	}
	c.status = StatusIdle
	p.byHost[c.Host] = append(p.byHost[c.Host], c)
}

// IdleCount returns the number of idle connections for a host (for metrics).
func (p *Pool) IdleCount(host string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byHost[host])
}
