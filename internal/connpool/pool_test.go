package connpool

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/zenscraper/internal/domain"
)

// acceptLoop runs a TCP listener that accepts and holds connections open.
func acceptLoop(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				<-done
				_ = c.Close()
			}()
		}
	}()
	return ln.Addr().String(), func() { close(done); _ = ln.Close() }
}

func poolURL(addr string) string { return fmt.Sprintf("http://%s/", addr) }

func TestAcquireReleaseReuse(t *testing.T) {
	addr, stop := acceptLoop(t)
	defer stop()

	p := New(Config{MaxPerHost: 2, MaxTotal: 4}, nil)
	defer p.Stop()

	c1, err := p.Acquire(context.Background(), poolURL(addr))
	require.NoError(t, err)
	p.Release(c1, nil)

	c2, err := p.Acquire(context.Background(), poolURL(addr))
	require.NoError(t, err)
	assert.Same(t, c1, c2, "an idle healthy connection is reused")
	p.Release(c2, nil)
	assert.Equal(t, 1, p.IdleCount(addr))
}

func TestReleaseRetiresErrorProneConnections(t *testing.T) {
	addr, stop := acceptLoop(t)
	defer stop()

	p := New(Config{MaxPerHost: 2, MaxTotal: 4}, nil)
	defer p.Stop()

	c, err := p.Acquire(context.Background(), poolURL(addr))
	require.NoError(t, err)

	// Past a 30% error rate the connection is closed instead of pooled.
	c.requests = 2
	p.Release(c, fmt.Errorf("boom"))
	assert.Equal(t, 0, p.IdleCount(addr))
}

func TestAcquireExhaustedPoolFailsWithinWindow(t *testing.T) {
	addr, stop := acceptLoop(t)
	defer stop()

	p := New(Config{MaxPerHost: 1, MaxTotal: 1}, nil)
	defer p.Stop()

	c, err := p.Acquire(context.Background(), poolURL(addr))
	require.NoError(t, err)
	defer p.Release(c, nil)

	start := time.Now()
	_, err = p.Acquire(context.Background(), poolURL(addr))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPoolExhausted)
	assert.GreaterOrEqual(t, elapsed, 4500*time.Millisecond)
	assert.Less(t, elapsed, 8*time.Second)
}

func TestAcquireWaiterGetsReleasedConnection(t *testing.T) {
	addr, stop := acceptLoop(t)
	defer stop()

	p := New(Config{MaxPerHost: 1, MaxTotal: 1}, nil)
	defer p.Stop()

	c, err := p.Acquire(context.Background(), poolURL(addr))
	require.NoError(t, err)

	go func() {
		time.Sleep(time.Second)
		p.Release(c, nil)
	}()

	got, err := p.Acquire(context.Background(), poolURL(addr))
	require.NoError(t, err)
	assert.Same(t, c, got)
	p.Release(got, nil)
}

func TestAcquireInvalidURL(t *testing.T) {
	p := New(Config{}, nil)
	defer p.Stop()
	_, err := p.Acquire(context.Background(), "://bad")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCleanupEvictsIdleConnections(t *testing.T) {
	addr, stop := acceptLoop(t)
	defer stop()

	p := New(Config{MaxPerHost: 4, MaxTotal: 8, IdleTimeout: 10 * time.Millisecond}, nil)
	defer p.Stop()

	var conns []*Conn
	for i := 0; i < 3; i++ {
		c, err := p.Acquire(context.Background(), poolURL(addr))
		require.NoError(t, err)
		conns = append(conns, c)
	}
	for _, c := range conns {
		p.Release(c, nil)
	}
	require.Equal(t, 3, p.IdleCount(addr))

	time.Sleep(30 * time.Millisecond)
	p.cleanupOnce()

	// The reaper trims stale idles but always leaves one warm connection.
	assert.Equal(t, 1, p.IdleCount(addr))
}

func TestHealthPredicateAge(t *testing.T) {
	c := &Conn{createdAt: time.Now().Add(-10 * time.Minute)}
	assert.True(t, isUnhealthy(c, 5*time.Minute))

	fresh := &Conn{createdAt: time.Now()}
	assert.False(t, isUnhealthy(fresh, 5*time.Minute))
}

func TestDNSCache(t *testing.T) {
	d := newDNSCache(time.Hour)
	ips, err := d.lookup(context.Background(), "localhost")
	require.NoError(t, err)
	require.NotEmpty(t, ips)

	// Second hit is served from cache: identical answer, no resolver call.
	again, err := d.lookup(context.Background(), "localhost")
	require.NoError(t, err)
	assert.Equal(t, ips, again)
}

type recordingLimiter struct{ calls int }

func (r *recordingLimiter) Acquire(_ context.Context, _ string, _ float64) error {
	r.calls++
	return nil
}

func TestAcquireConsultsLimiter(t *testing.T) {
	addr, stop := acceptLoop(t)
	defer stop()

	lim := &recordingLimiter{}
	p := New(Config{MaxPerHost: 2, MaxTotal: 4}, lim)
	defer p.Stop()

	c, err := p.Acquire(context.Background(), poolURL(addr))
	require.NoError(t, err)
	p.Release(c, nil)
	assert.Equal(t, 1, lim.calls)
}
