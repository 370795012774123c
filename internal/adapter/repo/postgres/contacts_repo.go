package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/zenscraper/internal/domain"
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx that the
// upsert needs, so the same statement can run standalone or inside a claim
// transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// ContactsRepo upserts merged contact rows into zen_contacts.
type ContactsRepo struct{ Pool *pgxpool.Pool }

// NewContactsRepo constructs a ContactsRepo with the given pool.
func NewContactsRepo(p *pgxpool.Pool) *ContactsRepo { return &ContactsRepo{Pool: p} }

// mergedArray dedupes the union of an existing array column and its incoming
// EXCLUDED counterpart, stripping NULLs and empty strings. Upstream sources
// occasionally deliver both, and the arrays must stay sorted-set-equivalent.
func mergedArray(col string) string {
	return fmt.Sprintf(
		`ARRAY(SELECT DISTINCT v FROM unnest(zen_contacts.%s || EXCLUDED.%s) AS v WHERE v IS NOT NULL AND v <> '')`,
		col, col,
	)
}

// upsertQuery merges one contact row. On conflict the array columns become
// the deduplicated union of old and new, cardinalities are recomputed from
// the same expression, scalar socials take the incoming value only when it
// is non-null, and scrape metadata moves to the latest attempt. The
// partition-key expression must stay byte-identical to the one in claimQuery.
var upsertQuery = fmt.Sprintf(`
INSERT INTO zen_contacts (
  source_link, partition_key,
  country_code, name, category, address, latitude, longitude, timezone,
  rating, review_count, provider_id,
  emails, phones, whatsapp, emails_count, phones_count, whatsapp_count,
  facebook, instagram, tiktok, youtube,
  final_url, was_redirected, scrape_status, scrape_error, scrape_time_seconds,
  pages_count, last_scrape_server, scrape_count, last_scrape_at
) VALUES (
  $1, ABS(HASHTEXT($1)) %% 32,
  $2, $3, $4, $5, $6, $7, $8,
  $9, $10, $11,
  $12, $13, $14, COALESCE(array_length($12, 1), 0), COALESCE(array_length($13, 1), 0), COALESCE(array_length($14, 1), 0),
  $15, $16, $17, $18,
  $19, $20, $21, $22, $23,
  $24, $25, 1, $26
)
ON CONFLICT (source_link, partition_key) DO UPDATE SET
  country_code = EXCLUDED.country_code,
  name = COALESCE(NULLIF(EXCLUDED.name, ''), zen_contacts.name),
  category = COALESCE(NULLIF(EXCLUDED.category, ''), zen_contacts.category),
  address = COALESCE(NULLIF(EXCLUDED.address, ''), zen_contacts.address),
  latitude = COALESCE(EXCLUDED.latitude, zen_contacts.latitude),
  longitude = COALESCE(EXCLUDED.longitude, zen_contacts.longitude),
  timezone = COALESCE(NULLIF(EXCLUDED.timezone, ''), zen_contacts.timezone),
  rating = COALESCE(EXCLUDED.rating, zen_contacts.rating),
  review_count = COALESCE(EXCLUDED.review_count, zen_contacts.review_count),
  provider_id = COALESCE(NULLIF(EXCLUDED.provider_id, ''), zen_contacts.provider_id),
  emails = %[1]s,
  phones = %[2]s,
  whatsapp = %[3]s,
  emails_count = COALESCE(array_length(%[1]s, 1), 0),
  phones_count = COALESCE(array_length(%[2]s, 1), 0),
  whatsapp_count = COALESCE(array_length(%[3]s, 1), 0),
  facebook = COALESCE(EXCLUDED.facebook, zen_contacts.facebook),
  instagram = COALESCE(EXCLUDED.instagram, zen_contacts.instagram),
  tiktok = COALESCE(EXCLUDED.tiktok, zen_contacts.tiktok),
  youtube = COALESCE(EXCLUDED.youtube, zen_contacts.youtube),
  final_url = EXCLUDED.final_url,
  was_redirected = EXCLUDED.was_redirected,
  scrape_status = EXCLUDED.scrape_status,
  scrape_error = EXCLUDED.scrape_error,
  scrape_time_seconds = EXCLUDED.scrape_time_seconds,
  pages_count = EXCLUDED.pages_count,
  last_scrape_server = EXCLUDED.last_scrape_server,
  scrape_count = zen_contacts.scrape_count + 1,
  last_scrape_at = EXCLUDED.last_scrape_at`,
	mergedArray("emails"), mergedArray("phones"), mergedArray("whatsapp"),
)

// upsertRows executes the merge for every row through one pgx batch on q,
// which may be a pool or an open transaction.
func upsertRows(ctx context.Context, q querier, rows []domain.ContactRow) error {
	if len(rows) == 0 {
		return nil
	}

	b := &pgx.Batch{}
	for _, row := range rows {
		b.Queue(upsertQuery,
			row.SourceLink,
			row.CountryCode, row.Name, row.Category, row.Address, row.Latitude, row.Longitude, row.Timezone,
			row.Rating, row.ReviewCount, row.ProviderID,
			cleanArray(row.Emails), cleanArray(row.Phones), cleanArray(row.Whatsapp),
			row.Facebook, row.Instagram, row.Tiktok, row.Youtube,
			row.FinalURL, row.WasRedirected, string(row.Status), row.Error, row.TimeSeconds,
			row.PagesCount, row.LastServer, row.LastScrapedAt,
		)
	}

	br := q.SendBatch(ctx, b)
	defer func() { _ = br.Close() }()
	for i := range rows {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("op=contacts.upsert row=%d link=%s: %w", i, rows[i].SourceLink, err)
		}
	}
	return nil
}

// cleanArray drops empty strings and duplicates on the way in, so freshly
// inserted rows satisfy the set invariant even before any conflict merge runs.
func cleanArray(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// UpsertBatch merges rows outside a claim transaction.
func (r *ContactsRepo) UpsertBatch(ctx context.Context, rows []domain.ContactRow) error {
	tracer := otel.Tracer("repo.contacts")
	ctx, span := tracer.Start(ctx, "contacts.UpsertBatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "zen_contacts"),
		attribute.Int("contacts.rows", len(rows)),
	)
	return upsertRows(ctx, r.Pool, rows)
}
