// Package domain defines core entities, ports, and domain-specific errors
// shared by every ZenScraper component (origin controller, connection pool,
// browser pool, scheduler, and the claim-merge pipeline).
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels), named by kind rather than by call site so the
// pipeline's retry/skip/fail policy (op=... wrapping) can branch on them.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRetriable       = errors.New("retriable")
	ErrRateLimited     = errors.New("rate limited")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrPoolExhausted   = errors.New("pool exhausted")
	ErrInternal        = errors.New("internal error")
)

// Context aliases context.Context; every blocking operation takes one.
type Context = context.Context

// Outcome is the result classification fed back into the origin controller.
type Outcome string

// Outcome values recorded by the origin controller and stored on contact rows.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failed"
	OutcomeTimeout Outcome = "timeout"
	OutcomeSkipped Outcome = "skipped"
)

// SourceRecord is one immutable row from the shared `results` table: an
// opaque id plus the JSON blob the Extractor and pipeline read fields from.
type SourceRecord struct {
	ID   int64
	Data map[string]any
}

// Link returns data->>'link', the canonical business identity.
func (r SourceRecord) Link() string { return stringField(r.Data, "link") }

// WebSite returns data->>'web_site', the URL to fetch.
func (r SourceRecord) WebSite() string { return stringField(r.Data, "web_site") }

// Country returns data->'complete_address'->>'country' if present.
func (r SourceRecord) Country() string {
	addr, ok := r.Data["complete_address"].(map[string]any)
	if !ok {
		return ""
	}
	return stringField(addr, "country")
}

// StringField returns data->>'key' when it is a string, else "".
func (r SourceRecord) StringField(key string) string { return stringField(r.Data, key) }

// FloatField returns data->>'key' as a float when it is numeric.
func (r SourceRecord) FloatField(key string) (float64, bool) {
	if r.Data == nil {
		return 0, false
	}
	switch v := r.Data[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

// ContactRow is one merged row of the `zen_contacts` table, keyed by
// (SourceLink, PartitionKey). Array fields are deduplicated, order-insensitive
// sets; scalars are last-writer-wins-but-never-null.
type ContactRow struct {
	SourceLink   string
	PartitionKey int32

	CountryCode string
	Name        string
	Category    string
	Address     string
	Latitude    *float64
	Longitude   *float64
	Timezone    string

	Rating      *float64
	ReviewCount *int64
	ProviderID  string

	Emails   []string
	Phones   []string
	Whatsapp []string

	Facebook  *string
	Instagram *string
	Tiktok    *string
	Youtube   *string

	FinalURL      string
	WasRedirected bool
	Status        Outcome
	Error         string
	TimeSeconds   float64
	PagesCount    int
	LastServer    string
	ScrapeCount   int
	LastScrapedAt time.Time
}

// EmailsCount, PhonesCount and WhatsappCount are the cached cardinalities
// invariant 2 requires to always equal len(field).
func (c ContactRow) EmailsCount() int   { return len(c.Emails) }
func (c ContactRow) PhonesCount() int   { return len(c.Phones) }
func (c ContactRow) WhatsappCount() int { return len(c.Whatsapp) }

// FetchRequest is the transient message submitted to the browser pool or
// direct-HTTP connection pool.
type FetchRequest struct {
	ID         string
	URL        string
	Timeout    time.Duration
	RenderOpts RenderOpts
	ProxyHint  string
}

// RenderOpts controls browser-specific navigation behaviour.
type RenderOpts struct {
	BlockImages bool
	BlockFonts  bool
	BlockMedia  bool
	Required    bool // caller demands a rendered DOM; skips the direct-HTTP path
}

// FetchResult is the transient message returned by the browser pool or
// connection pool. Identities pair by ID only; no ordering is preserved by
// the pool itself (batch fetch reorders by ID at the call site).
type FetchResult struct {
	ID            string
	OK            bool
	HTTPStatus    int
	HTML          string
	FinalURL      string
	WasRedirected bool
	Error         string
	Elapsed       time.Duration
}

// Extractor turns a fetched page into contact candidates. Implementations
// range from a regex pass to a full DOM walk; the pipeline doesn't care.
type Extractor interface {
	Extract(ctx context.Context, finalURL, html string) (ExtractResult, error)
}

// ExtractResult is what an Extractor produces.
type ExtractResult struct {
	Emails   []string
	Phones   []string
	Whatsapp []string
	Facebook  string
	Instagram string
	Tiktok    string
	Youtube   string
}

// OriginResolver is the external collaborator that maps a URL to its origin
// key (host:port), the unit of rate limiting and learning.
type OriginResolver interface {
	Origin(rawURL string) (string, error)
}

// ResultsRepository reads the shared, read-only `results` table and performs
// the claim phase: an advisory-lock-guarded SELECT inside one
// transaction. Callers must call the returned batch's Commit or Rollback to
// release locks.
type ResultsRepository interface {
	ClaimBatch(ctx context.Context, countryFilter string, batchSize int) (ClaimedBatch, error)
}

// ClaimedBatch holds the records claimed by one peer and the open
// transaction whose commit/rollback releases the advisory locks. Merge
// upserts contact rows through the same transaction, so the locks cover the
// write and everything releases together at commit.
type ClaimedBatch struct {
	Records  []SourceRecord
	Merge    func(ctx context.Context, rows []ContactRow) error
	Commit   func(ctx context.Context) error
	Rollback func(ctx context.Context) error
}

// ContactsRepository performs the merge-on-conflict upsert into
// `zen_contacts` outside a claim transaction, for callers (tests, backfill
// tooling) that write rows directly.
type ContactsRepository interface {
	UpsertBatch(ctx context.Context, rows []ContactRow) error
}
