package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionKeyExpressionsAgree(t *testing.T) {
	// The claim's anti-join and the upsert's VALUES must shard with the same
	// expression; a drift here silently splits one link across partitions.
	const expr = "ABS(HASHTEXT("
	assert.Contains(t, claimQuery, expr)
	assert.Contains(t, upsertQuery, expr)
	assert.Contains(t, claimQuery, ")) % 32")
	assert.Contains(t, upsertQuery, ")) % 32")
}

func TestClaimQueryShape(t *testing.T) {
	assert.Contains(t, claimQuery, "pg_try_advisory_xact_lock(r.id)")
	assert.Contains(t, claimQuery, "ORDER BY r.id")
	assert.Contains(t, claimQuery, "LIMIT $2")
	assert.Contains(t, claimQuery, "NOT EXISTS")
	assert.Contains(t, claimQuery, "web_site")
}

func TestUpsertQueryMergesNotReplaces(t *testing.T) {
	assert.Contains(t, upsertQuery, "ON CONFLICT (source_link, partition_key) DO UPDATE")
	assert.Contains(t, upsertQuery, "DISTINCT", "arrays merge by distinct union")
	assert.Contains(t, upsertQuery, "zen_contacts.emails || EXCLUDED.emails")
	assert.Contains(t, upsertQuery, `v IS NOT NULL AND v <> ''`)
	assert.Contains(t, upsertQuery, "scrape_count = zen_contacts.scrape_count + 1")
	assert.Contains(t, upsertQuery, "COALESCE(EXCLUDED.facebook, zen_contacts.facebook)",
		"scalar socials are last-writer-wins but never nulled")
}

func TestClaimBatchZeroSizeIssuesNoQuery(t *testing.T) {
	// A nil pool would panic on any query; batch size 0 must never touch it.
	r := NewClaimRepo(nil)
	batch, err := r.ClaimBatch(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, batch.Records)
	assert.NoError(t, batch.Commit(context.Background()))
	assert.NoError(t, batch.Rollback(context.Background()))
}

func TestCleanArray(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, cleanArray([]string{"a", "", "b", "a", ""}))
	assert.Equal(t, []string{}, cleanArray(nil))
	assert.Equal(t, []string{}, cleanArray([]string{"", ""}))
}
