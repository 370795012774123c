package connpool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/zenscraper/internal/domain"
)

// maxBodyBytes caps how much HTML a direct fetch will read. Contact pages
// past this size carry no additional extractable signal.
const maxBodyBytes = 2 << 20

// maxRedirects bounds the redirect chain a direct fetch follows.
const maxRedirects = 5

// Fetcher performs direct HTTP/1.1 GETs over pooled connections, for origins
// that don't need a rendered DOM. Each request writes straight onto an
// acquired connection and parses the response off the same stream, so the
// pool's health accounting sees every error.
type Fetcher struct {
	pool      *Pool
	userAgent string
}

// NewFetcher constructs a Fetcher on top of an existing Pool.
func NewFetcher(pool *Pool, userAgent string) *Fetcher {
	if userAgent == "" {
		userAgent = "Mozilla/5.0 (compatible; ZenScraperBot/1.0)"
	}
	return &Fetcher{pool: pool, userAgent: userAgent}
}

// Fetch GETs req.URL, following up to maxRedirects redirects, and returns a
// FetchResult in the same shape the browser pool produces. Fetch errors come
// back as a result with OK=false plus a non-nil error; the caller decides
// whether to retry through the browser path.
func (f *Fetcher) Fetch(ctx context.Context, req domain.FetchRequest) (domain.FetchResult, error) {
	tracer := otel.Tracer("connpool.fetcher")
	ctx, span := tracer.Start(ctx, "fetcher.Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("url.full", req.URL))

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	current := req.URL
	redirected := false

	for hop := 0; ; hop++ {
		status, body, location, err := f.doOnce(ctx, current)
		elapsed := time.Since(start)
		if err != nil {
			return domain.FetchResult{
				ID: req.ID, FinalURL: current, HTTPStatus: status,
				WasRedirected: redirected, Error: err.Error(), Elapsed: elapsed,
			}, fmt.Errorf("op=fetcher.Fetch: %w", err)
		}

		if isRedirect(status) && location != "" {
			if hop >= maxRedirects {
				return domain.FetchResult{
					ID: req.ID, FinalURL: current, HTTPStatus: status,
					WasRedirected: true, Error: "too many redirects", Elapsed: elapsed,
				}, fmt.Errorf("op=fetcher.Fetch.redirects: %w", domain.ErrRetriable)
			}
			next, err := resolveLocation(current, location)
			if err != nil {
				return domain.FetchResult{
					ID: req.ID, FinalURL: current, HTTPStatus: status,
					WasRedirected: true, Error: err.Error(), Elapsed: elapsed,
				}, fmt.Errorf("op=fetcher.Fetch.location: %w", err)
			}
			current = next
			redirected = true
			continue
		}

		res := domain.FetchResult{
			ID: req.ID, OK: status >= 200 && status < 300,
			HTTPStatus: status, HTML: body, FinalURL: current,
			WasRedirected: redirected, Elapsed: elapsed,
		}
		if !res.OK {
			res.Error = fmt.Sprintf("http status %d", status)
			return res, fmt.Errorf("op=fetcher.Fetch.status: %w", domain.ErrRetriable)
		}
		return res, nil
	}
}

// doOnce performs a single GET without following redirects. The connection
// goes back to the pool healthy only when the exchange completed and the
// server allows reuse.
func (f *Fetcher) doOnce(ctx context.Context, rawURL string) (status int, body, location string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, "", "", fmt.Errorf("parse %q: %w", rawURL, domain.ErrInvalidArgument)
	}

	conn, err := f.pool.Acquire(ctx, rawURL)
	if err != nil {
		return 0, "", "", err
	}

	nc := conn.netConn()
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}

	path := u.RequestURI()
	if path == "" {
		path = "/"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&sb, "Host: %s\r\n", u.Host)
	fmt.Fprintf(&sb, "User-Agent: %s\r\n", f.userAgent)
	sb.WriteString("Accept: text/html,application/xhtml+xml\r\n")
	sb.WriteString("Accept-Encoding: identity\r\n")
	sb.WriteString("Connection: keep-alive\r\n\r\n")

	if _, err := io.WriteString(nc, sb.String()); err != nil {
		conn.status = StatusUnhealthy
		f.pool.Release(conn, err)
		return 0, "", "", fmt.Errorf("write request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(nc), nil)
	if err != nil {
		conn.status = StatusUnhealthy
		f.pool.Release(conn, err)
		return 0, "", "", fmt.Errorf("read response: %w", err)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	_ = resp.Body.Close()
	if err != nil {
		conn.status = StatusUnhealthy
		f.pool.Release(conn, err)
		return resp.StatusCode, "", "", fmt.Errorf("read body: %w", err)
	}

	if resp.Close {
		conn.status = StatusUnhealthy
	}
	_ = nc.SetDeadline(time.Time{})
	f.pool.Release(conn, nil)
	return resp.StatusCode, string(data), resp.Header.Get("Location"), nil
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func resolveLocation(base, location string) (string, error) {
	bu, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	lu, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return bu.ResolveReference(lu).String(), nil
}
