package domain_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/zenscraper/internal/domain"
)

func TestPartitionKeyForRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		link := fmt.Sprintf("https://maps.example/place/%d", i)
		k := domain.PartitionKeyFor(link)
		require.GreaterOrEqual(t, k, int32(0), "link %s", link)
		require.Less(t, k, int32(32), "link %s", link)
	}
}

func TestPartitionKeyForDeterministic(t *testing.T) {
	const link = "https://maps.example/place/acme-plumbing"
	first := domain.PartitionKeyFor(link)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, domain.PartitionKeyFor(link))
	}
}

func TestPartitionKeyForSpread(t *testing.T) {
	// hashtext should scatter realistic links across most of the 32 buckets.
	seen := map[int32]bool{}
	for i := 0; i < 2000; i++ {
		seen[domain.PartitionKeyFor(fmt.Sprintf("https://biz.example/%d/profile", i))] = true
	}
	assert.GreaterOrEqual(t, len(seen), 30)
}

func TestPgHashTextDistinguishesInputs(t *testing.T) {
	a := domain.PgHashText("https://a.example")
	b := domain.PgHashText("https://b.example")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, domain.PgHashText("https://a.example"))
}

func TestSourceRecordFields(t *testing.T) {
	rec := domain.SourceRecord{ID: 7, Data: map[string]any{
		"link":     "https://maps.example/x",
		"web_site": "https://x.example",
		"title":    "X Co",
		"rating":   4.5,
		"complete_address": map[string]any{
			"country": "Brazil",
		},
	}}
	assert.Equal(t, "https://maps.example/x", rec.Link())
	assert.Equal(t, "https://x.example", rec.WebSite())
	assert.Equal(t, "Brazil", rec.Country())
	assert.Equal(t, "X Co", rec.StringField("title"))
	r, ok := rec.FloatField("rating")
	require.True(t, ok)
	assert.Equal(t, 4.5, r)
	_, ok = rec.FloatField("missing")
	assert.False(t, ok)
}
