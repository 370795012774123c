package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/zenscraper/internal/domain"
)

// ClaimRepo claims batches of unprocessed source records. A claim is an
// advisory lock on results.id scoped to the claim's transaction: it releases
// on commit, rollback, or connection drop, so a crashed peer needs no
// janitorial cleanup.
type ClaimRepo struct{ Pool *pgxpool.Pool }

// NewClaimRepo constructs a ClaimRepo with the given pool.
func NewClaimRepo(p *pgxpool.Pool) *ClaimRepo { return &ClaimRepo{Pool: p} }

// claimQuery selects pending records: rows whose link has no contact row yet,
// with a non-empty web_site, optionally filtered by country, each guarded by
// pg_try_advisory_xact_lock so two peers can never claim the same id. The
// partition-key expression here must stay byte-identical to the one in the
// upsert, otherwise a claimed record could merge into a different shard than
// the one the pending check consulted.
const claimQuery = `
SELECT r.id, r.data
FROM results r
WHERE COALESCE(r.data->>'web_site', '') <> ''
  AND ($1 = '' OR UPPER(LEFT(COALESCE(r.data->'complete_address'->>'country', ''), 2)) = $1)
  AND NOT EXISTS (
    SELECT 1 FROM zen_contacts c
    WHERE c.source_link = r.data->>'link'
      AND c.partition_key = ABS(HASHTEXT(r.data->>'link')) % 32
  )
  AND pg_try_advisory_xact_lock(r.id)
ORDER BY r.id
LIMIT $2`

// ClaimBatch opens a transaction, locks and returns up to batchSize pending
// records, and hands the open transaction back to the caller. The records
// stay exclusively ours until Commit or Rollback runs. A batchSize of 0
// issues no SELECT and claims nothing.
func (r *ClaimRepo) ClaimBatch(ctx context.Context, countryFilter string, batchSize int) (domain.ClaimedBatch, error) {
	if batchSize <= 0 {
		return domain.ClaimedBatch{
			Commit:   func(context.Context) error { return nil },
			Rollback: func(context.Context) error { return nil },
		}, nil
	}

	tracer := otel.Tracer("repo.claim")
	ctx, span := tracer.Start(ctx, "claim.ClaimBatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "results"),
		attribute.Int("claim.batch_size", batchSize),
	)

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return domain.ClaimedBatch{}, fmt.Errorf("op=claim.begin: %w", err)
	}

	rows, err := tx.Query(ctx, claimQuery, countryFilter, batchSize)
	if err != nil {
		_ = tx.Rollback(ctx)
		return domain.ClaimedBatch{}, fmt.Errorf("op=claim.select: %w", err)
	}

	records, err := scanRecords(rows)
	if err != nil {
		_ = tx.Rollback(ctx)
		return domain.ClaimedBatch{}, fmt.Errorf("op=claim.scan: %w", err)
	}

	span.SetAttributes(attribute.Int("claim.records", len(records)))
	return domain.ClaimedBatch{
		Records: records,
		// Merge runs inside the claim transaction, so the advisory locks
		// cover the upsert and both release together at commit.
		Merge: func(ctx context.Context, rows []domain.ContactRow) error {
			return upsertRows(ctx, tx, rows)
		},
		Commit:   func(ctx context.Context) error { return tx.Commit(ctx) },
		Rollback: func(ctx context.Context) error { return tx.Rollback(ctx) },
	}, nil
}

func scanRecords(rows pgx.Rows) ([]domain.SourceRecord, error) {
	defer rows.Close()
	var out []domain.SourceRecord
	for rows.Next() {
		var (
			id  int64
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			// Malformed source JSON: skip with a warning, the lock still
			// releases on commit and the record stays pending.
			slog.Warn("skipping malformed source record", slog.Int64("id", id), slog.Any("error", err))
			continue
		}
		out = append(out, domain.SourceRecord{ID: id, Data: data})
	}
	return out, rows.Err()
}
