package browserpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/zenscraper/internal/domain"
)

// fakeDriver is a Driver whose navigations are scripted per URL.
type fakeDriver struct {
	mu       sync.Mutex
	navCount int
	closed   atomic.Bool
	navigate func(url string) (string, string, int, error)
	navDelay time.Duration
}

func (f *fakeDriver) Navigate(_ context.Context, req domain.FetchRequest) (string, string, int, error) {
	f.mu.Lock()
	f.navCount++
	f.mu.Unlock()
	if f.navDelay > 0 {
		time.Sleep(f.navDelay)
	}
	if f.navigate != nil {
		return f.navigate(req.URL)
	}
	return "<html>ok</html>", req.URL, 200, nil
}

func (f *fakeDriver) Close() error {
	f.closed.Store(true)
	return nil
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestFetchBatchLifecycle(t *testing.T) {
	rdb := newTestRedis(t)

	var launches atomic.Int32
	var drivers []*fakeDriver
	var mu sync.Mutex

	pool, err := New(rdb, 2, func() (Driver, error) {
		launches.Add(1)
		d := &fakeDriver{}
		mu.Lock()
		drivers = append(drivers, d)
		mu.Unlock()
		return d, nil
	})
	require.NoError(t, err)
	defer pool.Shutdown(context.Background())

	reqs := []domain.FetchRequest{
		{URL: "https://a.example", Timeout: 5 * time.Second},
		{URL: "https://b.example", Timeout: 5 * time.Second},
		{URL: "https://c.example", Timeout: 5 * time.Second},
	}
	results := pool.FetchBatch(context.Background(), reqs)

	require.Len(t, results, 3)
	for i, res := range results {
		assert.True(t, res.OK, "request %d", i)
		assert.Equal(t, reqs[i].URL, res.FinalURL, "results come back in input order")
		assert.Equal(t, 200, res.HTTPStatus)
		assert.Equal(t, "<html>ok</html>", res.HTML)
	}

	assert.Equal(t, int32(2), launches.Load(), "one browser per worker, launched once")

	mu.Lock()
	total := 0
	for _, d := range drivers {
		total += d.navCount
	}
	mu.Unlock()
	assert.Equal(t, 3, total, "three pages created across the pool")
}

func TestFetchNavigationFailureIsAResult(t *testing.T) {
	rdb := newTestRedis(t)
	pool, err := New(rdb, 1, func() (Driver, error) {
		return &fakeDriver{navigate: func(url string) (string, string, int, error) {
			return "", url, 0, errors.New("net::ERR_NAME_NOT_RESOLVED")
		}}, nil
	})
	require.NoError(t, err)
	defer pool.Shutdown(context.Background())

	res, err := pool.Fetch(context.Background(), domain.FetchRequest{URL: "https://down.example", Timeout: 5 * time.Second})
	require.Error(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 500, res.HTTPStatus)
	assert.Contains(t, res.Error, "ERR_NAME_NOT_RESOLVED")
}

func TestFetchDispatcherTimeout(t *testing.T) {
	rdb := newTestRedis(t)
	pool, err := New(rdb, 1, func() (Driver, error) {
		return &fakeDriver{navDelay: 12 * time.Second}, nil
	})
	require.NoError(t, err)
	defer pool.Shutdown(context.Background())

	start := time.Now()
	res, err := pool.Fetch(context.Background(), domain.FetchRequest{URL: "https://stuck.example", Timeout: 100 * time.Millisecond})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamTimeout)
	assert.Equal(t, "https://stuck.example", res.FinalURL, "synthetic failure carries the original url")
	assert.Contains(t, res.Error, "timeout")
	assert.Less(t, elapsed, 15*time.Second, "dispatcher gives up after timeout plus grace")
}

func TestElapsedExcludesQueueWait(t *testing.T) {
	rdb := newTestRedis(t)
	// One worker and two concurrent fetches: the second request sits in the
	// queue while the first navigates, but its reported Elapsed must cover
	// only its own navigation.
	pool, err := New(rdb, 1, func() (Driver, error) {
		return &fakeDriver{navDelay: 200 * time.Millisecond}, nil
	})
	require.NoError(t, err)
	defer pool.Shutdown(context.Background())

	var wg sync.WaitGroup
	results := make([]domain.FetchResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := pool.Fetch(context.Background(), domain.FetchRequest{URL: "https://q.example", Timeout: 5 * time.Second})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	for i, res := range results {
		assert.GreaterOrEqual(t, res.Elapsed, 200*time.Millisecond, "request %d", i)
		assert.Less(t, res.Elapsed, 350*time.Millisecond,
			"request %d must not count time spent queued behind the other", i)
	}
}

func TestShutdownClosesDrivers(t *testing.T) {
	rdb := newTestRedis(t)

	var drivers []*fakeDriver
	var mu sync.Mutex
	pool, err := New(rdb, 3, func() (Driver, error) {
		d := &fakeDriver{}
		mu.Lock()
		drivers = append(drivers, d)
		mu.Unlock()
		return d, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool.Shutdown(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, drivers, 3)
	for i, d := range drivers {
		assert.True(t, d.closed.Load(), "driver %d closed on shutdown", i)
	}
}

func TestConcurrentFetchesPairById(t *testing.T) {
	rdb := newTestRedis(t)
	pool, err := New(rdb, 2, func() (Driver, error) {
		return &fakeDriver{navigate: func(url string) (string, string, int, error) {
			return "<html>" + url + "</html>", url, 200, nil
		}}, nil
	})
	require.NoError(t, err)
	defer pool.Shutdown(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url := fmt.Sprintf("https://site%d.example", i)
			res, err := pool.Fetch(context.Background(), domain.FetchRequest{URL: url, Timeout: 5 * time.Second})
			assert.NoError(t, err)
			assert.Equal(t, url, res.FinalURL)
			assert.Equal(t, "<html>"+url+"</html>", res.HTML, "each caller gets its own page's html")
		}(i)
	}
	wg.Wait()
}
