// Package pipeline is the claim-process-merge orchestrator: it claims a
// batch of source records under transaction-scoped advisory locks, fans the
// per-record work out through the work-stealing scheduler, fetches each
// record's website through the connection pool or the browser pool, extracts
// contacts, and merges the rows back in one conflict-merging upsert inside
// the claim transaction.
//
// Scheduler tasks drive browser fetches as blocking calls: a task that needs
// a rendered DOM calls the browser pool's dispatcher and parks its worker
// goroutine until the result (or the dispatch grace deadline) arrives.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/zenscraper/internal/adapter/observability"
	"github.com/fairyhunter13/zenscraper/internal/domain"
	"github.com/fairyhunter13/zenscraper/internal/originctl"
	"github.com/fairyhunter13/zenscraper/internal/scheduler"
)

// Fetcher is a single fetch path, satisfied by both the connection pool's
// direct fetcher and the browser pool's dispatcher.
type Fetcher interface {
	Fetch(ctx context.Context, req domain.FetchRequest) (domain.FetchResult, error)
}

// Controller is the slice of the origin controller the pipeline drives.
type Controller interface {
	Recommend(origin string) originctl.Recommendation
	Record(origin string, outcome domain.Outcome, latency time.Duration)
	Acquire(ctx context.Context, origin string, tokens float64) error
	MarkRenderRequired(origin string)
}

// Config parameterises one peer's pipeline.
type Config struct {
	PeerID        string
	CountryFilter string
	BatchSize     int

	// PreferDirectHTTP routes render-flag-free fetches through the
	// connection pool first; origins that prove JS-dependent fall back to
	// the browser and stay on it.
	PreferDirectHTTP bool

	DispatchGrace time.Duration

	UpsertRetryMax      uint64
	UpsertRetryBaseWait time.Duration

	// IdleWait is how long the loop sleeps after an empty claim.
	IdleWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.PeerID == "" {
		c.PeerID = "peer-" + uuid.NewString()[:8]
	}
	if c.BatchSize < 0 {
		c.BatchSize = 0
	}
	if c.DispatchGrace <= 0 {
		c.DispatchGrace = 10 * time.Second
	}
	if c.UpsertRetryMax == 0 {
		c.UpsertRetryMax = 3
	}
	if c.UpsertRetryBaseWait <= 0 {
		c.UpsertRetryBaseWait = time.Second
	}
	if c.IdleWait <= 0 {
		c.IdleWait = 15 * time.Second
	}
	return c
}

// Pipeline owns one peer's claim-process-merge loop.
type Pipeline struct {
	cfg      Config
	claims   domain.ResultsRepository
	ctrl     Controller
	direct   Fetcher
	browser  Fetcher
	sched    *scheduler.Scheduler
	extract  domain.Extractor
	resolver domain.OriginResolver
	log      *slog.Logger
}

// New wires a Pipeline. direct may be nil when PreferDirectHTTP is off.
func New(cfg Config, claims domain.ResultsRepository, ctrl Controller, direct, browser Fetcher,
	sched *scheduler.Scheduler, extract domain.Extractor, resolver domain.OriginResolver, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cfg:      cfg.withDefaults(),
		claims:   claims,
		ctrl:     ctrl,
		direct:   direct,
		browser:  browser,
		sched:    sched,
		extract:  extract,
		resolver: resolver,
		log:      log,
	}
}

// Run repeats ProcessBatch until ctx is cancelled, idling between empty
// claims so a drained backlog doesn't spin the database.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		claimed, upserted, err := p.ProcessBatch(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.log.Error("batch failed", slog.Any("error", err))
		}
		if claimed == 0 || err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.IdleWait):
			}
			continue
		}
		p.log.Info("batch done",
			slog.Int("claimed", claimed),
			slog.Int("upserted", upserted),
			slog.Int("failed", claimed-upserted))
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// ProcessBatch runs one claim-process-merge cycle and reports how many
// records were claimed and how many rows merged.
func (p *Pipeline) ProcessBatch(ctx context.Context) (claimed, upserted int, err error) {
	tracer := otel.Tracer("pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.ProcessBatch")
	defer span.End()

	batchID := uuid.NewString()
	ctx = observability.ContextWithBatchID(ctx, batchID)
	log := p.log.With(slog.String("batch_id", batchID))
	ctx = observability.ContextWithLogger(ctx, log)

	batch, err := p.claims.ClaimBatch(ctx, p.cfg.CountryFilter, p.cfg.BatchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("op=pipeline.claim: %w", err)
	}
	observability.BatchesClaimedTotal.WithLabelValues(p.cfg.PeerID).Inc()
	observability.RecordsClaimedTotal.WithLabelValues(p.cfg.PeerID).Add(float64(len(batch.Records)))
	span.SetAttributes(attribute.Int("pipeline.claimed", len(batch.Records)))

	if len(batch.Records) == 0 {
		if err := batch.Commit(ctx); err != nil {
			return 0, 0, fmt.Errorf("op=pipeline.commit_empty: %w", err)
		}
		return 0, 0, nil
	}

	log.Info("batch claimed", slog.Int("records", len(batch.Records)))

	rows := p.processRecords(ctx, batch.Records)

	if err := p.mergeWithRetry(ctx, batch.Merge, rows); err != nil {
		_ = batch.Rollback(ctx)
		return len(batch.Records), 0, fmt.Errorf("op=pipeline.merge: %w", err)
	}
	if err := batch.Commit(ctx); err != nil {
		return len(batch.Records), 0, fmt.Errorf("op=pipeline.commit: %w", err)
	}

	observability.RecordsUpsertedTotal.WithLabelValues(p.cfg.PeerID).Add(float64(len(rows)))
	return len(batch.Records), len(rows), nil
}

// processRecords fans every claimed record out as a normal-priority
// scheduler task and collects the produced contact rows. A record whose
// task produced no row (in-flight browser loss, scheduler timeout) returns
// to the pending set when the claim transaction commits.
func (p *Pipeline) processRecords(ctx context.Context, records []domain.SourceRecord) []domain.ContactRow {
	type pending struct {
		id ulid.ULID
		ch <-chan scheduler.Result
	}
	awaits := make([]pending, 0, len(records))
	for _, rec := range records {
		rec := rec
		id, ch := p.sched.Submit(scheduler.PriorityNormal, func() (any, error) {
			return p.processRecord(ctx, rec), nil
		})
		awaits = append(awaits, pending{id: id, ch: ch})
	}

	var rows []domain.ContactRow
	for _, a := range awaits {
		res, err := p.sched.Await(a.id, a.ch, p.awaitBudget())
		if err != nil {
			observability.RecordsFailedTotal.WithLabelValues(p.cfg.PeerID, "lost").Inc()
			continue
		}
		if row, ok := res.Value.(*domain.ContactRow); ok && row != nil {
			rows = append(rows, *row)
		}
	}
	return rows
}

// awaitBudget bounds how long ProcessBatch waits for one record's task: the
// largest learnable fetch timeout plus the dispatch grace and queue slack.
func (p *Pipeline) awaitBudget() time.Duration {
	return 300*time.Second + p.cfg.DispatchGrace + 60*time.Second
}

// processRecord turns one claimed record into a contact row, or nil when the
// record should silently return to the pending set.
func (p *Pipeline) processRecord(ctx context.Context, rec domain.SourceRecord) *domain.ContactRow {
	log := observability.LoggerFromContext(ctx)

	link := rec.Link()
	if link == "" {
		log.Warn("source record has no link, skipping", slog.Int64("id", rec.ID))
		return nil
	}

	site := strings.TrimSpace(rec.WebSite())
	row := p.baseRow(rec, link)

	origin, err := p.resolver.Origin(site)
	if err != nil {
		log.Warn("source record has unusable web_site, marking skipped",
			slog.Int64("id", rec.ID), slog.String("web_site", site))
		row.Status = domain.OutcomeSkipped
		row.Error = "invalid web_site"
		observability.RecordsFailedTotal.WithLabelValues(p.cfg.PeerID, string(domain.OutcomeSkipped)).Inc()
		return row
	}

	advice := p.ctrl.Recommend(origin)

	waitStart := time.Now()
	if err := p.ctrl.Acquire(ctx, origin, 1); err != nil {
		// Cancelled while waiting for tokens: leave the record pending.
		return nil
	}
	observability.OriginTokensWaitSeconds.WithLabelValues(origin).Observe(time.Since(waitStart).Seconds())

	if advice.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(advice.Delay):
		}
	}

	res, path, fetchErr := p.fetch(ctx, origin, site, advice)

	outcome := classify(res, fetchErr)
	p.ctrl.Record(origin, outcome, res.Elapsed)
	observability.FetchDuration.WithLabelValues(origin, path, string(outcome)).Observe(res.Elapsed.Seconds())

	row.FinalURL = res.FinalURL
	row.WasRedirected = res.WasRedirected || (res.FinalURL != "" && res.FinalURL != site)
	row.Status = outcome
	row.Error = res.Error
	row.TimeSeconds = res.Elapsed.Seconds()
	row.PagesCount = 1

	if outcome != domain.OutcomeSuccess {
		// A dispatcher-grace timeout means the request may still be in
		// flight on a crashed worker; produce no row so the record is
		// re-claimed later. Definite fetch failures keep the row so the
		// failure is visible in scrape_status.
		if errors.Is(fetchErr, domain.ErrUpstreamTimeout) && path == "browser" {
			observability.RecordsFailedTotal.WithLabelValues(p.cfg.PeerID, "dispatch_timeout").Inc()
			return nil
		}
		observability.RecordsFailedTotal.WithLabelValues(p.cfg.PeerID, string(outcome)).Inc()
		return row
	}

	extracted, err := p.extract.Extract(ctx, res.FinalURL, res.HTML)
	if err != nil {
		log.Warn("extraction failed", slog.Int64("id", rec.ID), slog.Any("error", err))
		row.Status = domain.OutcomeFailure
		row.Error = err.Error()
		return row
	}

	row.Emails = extracted.Emails
	row.Phones = extracted.Phones
	row.Whatsapp = extracted.Whatsapp
	row.Facebook = nonEmptyPtr(extracted.Facebook)
	row.Instagram = nonEmptyPtr(extracted.Instagram)
	row.Tiktok = nonEmptyPtr(extracted.Tiktok)
	row.Youtube = nonEmptyPtr(extracted.Youtube)
	return row
}

// fetch picks the path for one record: direct HTTP through the connection
// pool when nothing demands a rendered DOM, the browser pool otherwise. A
// direct fetch that errors, is not OK, or returns HTML that needsRender
// judges an SPA shell flags the origin render-required and retries through
// the browser in the same call. Extracted contacts play no part in this.
func (p *Pipeline) fetch(ctx context.Context, origin, site string, advice originctl.Recommendation) (domain.FetchResult, string, error) {
	req := domain.FetchRequest{URL: site, Timeout: advice.Timeout}

	renderRequired, _ := advice.Extras["render_required"].(bool)
	useDirect := p.cfg.PreferDirectHTTP && p.direct != nil && !renderRequired && !req.RenderOpts.Required

	if !useDirect {
		res, err := p.browser.Fetch(ctx, req)
		return res, "browser", err
	}

	res, err := p.direct.Fetch(ctx, req)
	if err == nil && res.OK && !needsRender(res.HTML) {
		return res, "direct", nil
	}

	p.ctrl.MarkRenderRequired(origin)
	bres, berr := p.browser.Fetch(ctx, req)
	return bres, "browser", berr
}

// needsRender reports whether directly-fetched HTML is an SPA shell whose
// contacts only exist after JavaScript runs.
func needsRender(html string) bool {
	if strings.TrimSpace(html) == "" {
		return true
	}
	lower := strings.ToLower(html)
	for _, marker := range []string{`<div id="root"`, `<div id='root'`, `<div id="app"`, `<div id='app'`, `<div id="__next"`} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func classify(res domain.FetchResult, err error) domain.Outcome {
	switch {
	case err == nil && res.OK:
		return domain.OutcomeSuccess
	case errors.Is(err, domain.ErrUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded):
		return domain.OutcomeTimeout
	default:
		return domain.OutcomeFailure
	}
}

// baseRow copies the record's business descriptor fields into a fresh row.
func (p *Pipeline) baseRow(rec domain.SourceRecord, link string) *domain.ContactRow {
	row := &domain.ContactRow{
		SourceLink:    link,
		PartitionKey:  domain.PartitionKeyFor(link),
		CountryCode:   domain.NormalizeCountry(rec.Country()),
		Name:          rec.StringField("title"),
		Category:      rec.StringField("category"),
		Address:       rec.StringField("address"),
		Timezone:      rec.StringField("time_zone"),
		ProviderID:    rec.StringField("cid"),
		LastServer:    p.cfg.PeerID,
		LastScrapedAt: time.Now().UTC(),
	}
	if lat, ok := rec.FloatField("latitude"); ok {
		row.Latitude = &lat
	}
	if lon, ok := rec.FloatField("longitude"); ok {
		row.Longitude = &lon
	}
	if rating, ok := rec.FloatField("rating"); ok {
		row.Rating = &rating
	}
	if reviews, ok := rec.FloatField("reviews"); ok {
		rc := int64(reviews)
		row.ReviewCount = &rc
	}
	return row
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// mergeWithRetry runs the merge upsert with exponential backoff on transient
// errors. Persistent failure aborts the batch; the caller rolls back and the
// records return to the pending set.
func (p *Pipeline) mergeWithRetry(ctx context.Context, merge func(context.Context, []domain.ContactRow) error, rows []domain.ContactRow) error {
	if len(rows) == 0 {
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.UpsertRetryBaseWait
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, p.cfg.UpsertRetryMax-1), ctx)

	return backoff.Retry(func() error {
		if err := merge(ctx, rows); err != nil {
			observability.LoggerFromContext(ctx).Warn("upsert attempt failed", slog.Any("error", err))
			return err
		}
		return nil
	}, policy)
}
