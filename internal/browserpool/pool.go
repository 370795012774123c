// Package browserpool implements the persistent browser worker pool:
// N long-lived browsers behind a request and result queue, with a pipeline-side dispatcher that hides the queueing
// behind a blocking Fetch/FetchBatch call.
package browserpool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/zenscraper/internal/domain"
)

const (
	requestQueueKey = "zenscraper:browserpool:requests"
	resultQueueKey  = "zenscraper:browserpool:results"
	blockReadPoll   = time.Second
)

// wireRequest/wireResult are the JSON envelopes pushed through the Redis
// request/result lists, the pool's two cross-process channels.
type wireRequest struct {
	ID      string            `json:"id"`
	URL     string            `json:"url"`
	Timeout time.Duration     `json:"timeout"`
	Render  domain.RenderOpts `json:"render"`
	Poison  bool              `json:"poison,omitempty"`
}

type wireResult struct {
	ID       string `json:"id"`
	OK       bool   `json:"ok"`
	Status   int    `json:"status"`
	HTML     string `json:"html,omitempty"`
	FinalURL string `json:"final_url"`
	Error    string `json:"error,omitempty"`
	// ElapsedNanos is the worker-side wall time around page create,
	// navigate, and close. Queue wait is excluded on purpose: this value
	// feeds the origin controller's latency learning, which must see the
	// origin's responsiveness, not the pool's backlog.
	ElapsedNanos int64 `json:"elapsed_ns"`
}

// DriverFactory constructs one worker's long-lived Driver.
type DriverFactory func() (Driver, error)

// Pool runs the browser workers. Workers run as goroutines but communicate
// through Redis lists, so the dispatcher is equally happy talking to workers
// in another process sharing the same Redis instance.
type Pool struct {
	rdb     *redis.Client
	factory DriverFactory
	workers int

	mu      sync.Mutex
	pending map[string]chan wireResult

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New starts `workers` browser workers, each with its own Driver, and a
// background result collector.
func New(rdb *redis.Client, workers int, factory DriverFactory) (*Pool, error) {
	if workers <= 0 {
		workers = 4
	}
	p := &Pool{
		rdb:     rdb,
		factory: factory,
		workers: workers,
		pending: make(map[string]chan wireResult),
		stopCh:  make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		driver, err := factory()
		if err != nil {
			p.Shutdown(context.Background())
			return nil, fmt.Errorf("op=browserpool.New.driver[%d]: %w", i, err)
		}
		p.wg.Add(1)
		go p.runWorker(i, driver)
	}

	p.wg.Add(1)
	go p.collectResults()

	return p, nil
}

// runWorker is the per-worker loop.
func (p *Pool) runWorker(id int, driver Driver) {
	defer p.wg.Done()
	defer driver.Close()

	ctx := context.Background()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		raw, err := p.rdb.BLPop(ctx, blockReadPoll, requestQueueKey).Result()
		if err == redis.Nil || err != nil {
			continue
		}
		if len(raw) < 2 {
			continue
		}

		var req wireRequest
		if err := json.Unmarshal([]byte(raw[1]), &req); err != nil {
			continue
		}
		if req.Poison {
			return
		}

		navStart := time.Now()
		html, finalURL, status, fetchErr := driver.Navigate(ctx, domain.FetchRequest{
			ID:         req.ID,
			URL:        req.URL,
			Timeout:    req.Timeout,
			RenderOpts: req.Render,
		})
		navElapsed := time.Since(navStart)

		res := wireResult{ID: req.ID, FinalURL: finalURL, ElapsedNanos: int64(navElapsed)}
		if fetchErr != nil {
			res.OK = false
			res.Status = 500
			res.Error = fetchErr.Error()
		} else {
			res.OK = true
			res.Status = status
			res.HTML = html
		}

		payload, _ := json.Marshal(res)
		_ = p.rdb.RPush(ctx, resultQueueKey, payload).Err()
	}
}

// collectResults is the dispatcher-side background collector.
func (p *Pool) collectResults() {
	defer p.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		raw, err := p.rdb.BLPop(ctx, blockReadPoll, resultQueueKey).Result()
		if err == redis.Nil || err != nil {
			continue
		}
		if len(raw) < 2 {
			continue
		}
		var res wireResult
		if err := json.Unmarshal([]byte(raw[1]), &res); err != nil {
			continue
		}

		p.mu.Lock()
		ch, ok := p.pending[res.ID]
		if ok {
			delete(p.pending, res.ID)
		}
		p.mu.Unlock()

		if ok {
			ch <- res
		}
	}
}

// Fetch submits one request and blocks for its result up to timeout+10s
//.
func (p *Pool) Fetch(ctx context.Context, req domain.FetchRequest) (domain.FetchResult, error) {
	id := uuid.NewString()
	ch := make(chan wireResult, 1)

	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	payload, err := json.Marshal(wireRequest{ID: id, URL: req.URL, Timeout: timeout, Render: req.RenderOpts})
	if err != nil {
		p.forget(id)
		return domain.FetchResult{}, fmt.Errorf("op=browserpool.Fetch.marshal: %w", err)
	}
	start := time.Now()
	if err := p.rdb.RPush(ctx, requestQueueKey, payload).Err(); err != nil {
		p.forget(id)
		return domain.FetchResult{}, fmt.Errorf("op=browserpool.Fetch.enqueue: %w", err)
	}

	select {
	case res := <-ch:
		// The worker measured its own navigate-to-close wall time; use
		// that, not the dispatcher's clock, so queue wait never pollutes
		// the reported latency.
		elapsed := time.Duration(res.ElapsedNanos)
		if !res.OK {
			return domain.FetchResult{ID: id, FinalURL: res.FinalURL, HTTPStatus: res.Status, Error: res.Error, Elapsed: elapsed}, fmt.Errorf("op=browserpool.Fetch.remote: %s", res.Error)
		}
		return domain.FetchResult{ID: id, OK: true, HTML: res.HTML, FinalURL: res.FinalURL, HTTPStatus: res.Status, Elapsed: elapsed}, nil
	case <-time.After(timeout + 10*time.Second):
		p.forget(id)
		return domain.FetchResult{ID: id, FinalURL: req.URL, Error: "timeout", Elapsed: time.Since(start)}, fmt.Errorf("op=browserpool.Fetch.timeout: %w", domain.ErrUpstreamTimeout)
	case <-ctx.Done():
		p.forget(id)
		return domain.FetchResult{}, ctx.Err()
	}
}

func (p *Pool) forget(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// FetchBatch fetches every request concurrently and returns results in the
// same order as the input.
func (p *Pool) FetchBatch(ctx context.Context, reqs []domain.FetchRequest) []domain.FetchResult {
	results := make([]domain.FetchResult, len(reqs))
	errs := make([]error, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req domain.FetchRequest) {
			defer wg.Done()
			res, err := p.Fetch(ctx, req)
			results[i] = res
			errs[i] = err
		}(i, req)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil && results[i].FinalURL == "" {
			results[i].FinalURL = reqs[i].URL
		}
	}
	return results
}

// Shutdown drains workers cleanly: it signals the stop channel, pushes one
// poison request per worker so every blocked BLPOP wakes up, then waits for
// all goroutines to exit.
func (p *Pool) Shutdown(ctx context.Context) {
	p.stopOnce.Do(func() { close(p.stopCh) })
	for i := 0; i < p.workers; i++ {
		payload, _ := json.Marshal(wireRequest{Poison: true})
		_ = p.rdb.RPush(ctx, requestQueueKey, payload).Err()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
