//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fairyhunter13/zenscraper/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/zenscraper/internal/domain"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_USER": "postgres", "POSTGRES_DB": "zenscraper"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(90 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://postgres:postgres@%s:%s/zenscraper?sslmode=disable", host, port.Port())
	pool, err := postgres.NewPool(ctx, dsn, 8, time.Minute)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	for _, mig := range []string{"0001_zen_contacts.sql", "0002_results_fixture.sql"} {
		sqlBytes, err := os.ReadFile(filepath.Join("..", "..", "..", "..", "migrations", mig))
		require.NoError(t, err)
		// Simple protocol: the migration files hold multiple statements.
		_, err = pool.Exec(ctx, string(sqlBytes), pgx.QueryExecModeSimpleProtocol)
		require.NoError(t, err, "applying %s", mig)
	}
	return pool
}

func insertResult(t *testing.T, pool *pgxpool.Pool, link, site string) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO results (data) VALUES (jsonb_build_object('link', $1::text, 'web_site', $2::text))`,
		link, site)
	require.NoError(t, err)
}

func contactRow(link string, emails, phones []string) domain.ContactRow {
	return domain.ContactRow{
		SourceLink:    link,
		PartitionKey:  domain.PartitionKeyFor(link),
		CountryCode:   "US",
		Emails:        emails,
		Phones:        phones,
		Whatsapp:      []string{},
		Status:        domain.OutcomeSuccess,
		LastServer:    "itest",
		LastScrapedAt: time.Now().UTC(),
	}
}

func TestDeduplicatingMerge(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	contacts := postgres.NewContactsRepo(pool)

	const link = "https://maps.example/acme"
	require.NoError(t, contacts.UpsertBatch(ctx, []domain.ContactRow{
		contactRow(link, []string{"a@x.com", "b@x.com"}, nil),
	}))
	require.NoError(t, contacts.UpsertBatch(ctx, []domain.ContactRow{
		contactRow(link, []string{"b@x.com", "c@x.com"}, []string{"+1"}),
	}))

	var (
		emails, phones            []string
		emailsCount, phonesCount  int
		scrapeCount, partitionKey int
	)
	err := pool.QueryRow(ctx,
		`SELECT emails, phones, emails_count, phones_count, scrape_count, partition_key
		 FROM zen_contacts WHERE source_link = $1`, link).
		Scan(&emails, &phones, &emailsCount, &phonesCount, &scrapeCount, &partitionKey)
	require.NoError(t, err)

	sort.Strings(emails)
	assert.Equal(t, []string{"a@x.com", "b@x.com", "c@x.com"}, emails)
	assert.Equal(t, 3, emailsCount)
	assert.Equal(t, []string{"+1"}, phones)
	assert.Equal(t, 1, phonesCount)
	assert.Equal(t, 2, scrapeCount)
	assert.Equal(t, int(domain.PartitionKeyFor(link)), partitionKey,
		"Go-side hashtext matches the server's")
}

func TestMergeNeverDeletesAndSocialsKeepLastNonNull(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	contacts := postgres.NewContactsRepo(pool)

	const link = "https://maps.example/socials"
	fb := "https://facebook.com/acme"
	row1 := contactRow(link, []string{"keep@x.com"}, nil)
	row1.Facebook = &fb
	require.NoError(t, contacts.UpsertBatch(ctx, []domain.ContactRow{row1}))

	// Second write has no socials and no emails: nothing may be lost.
	require.NoError(t, contacts.UpsertBatch(ctx, []domain.ContactRow{contactRow(link, nil, nil)}))

	var emails []string
	var facebook *string
	err := pool.QueryRow(ctx,
		`SELECT emails, facebook FROM zen_contacts WHERE source_link = $1`, link).
		Scan(&emails, &facebook)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep@x.com"}, emails)
	require.NotNil(t, facebook)
	assert.Equal(t, fb, *facebook)
}

func TestMergeStripsEmptyStrings(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	contacts := postgres.NewContactsRepo(pool)

	const link = "https://maps.example/dirty"
	require.NoError(t, contacts.UpsertBatch(ctx, []domain.ContactRow{
		contactRow(link, []string{"", "ok@x.com", "", "ok@x.com"}, []string{""}),
	}))

	var emails, phones []string
	var emailsCount, phonesCount int
	err := pool.QueryRow(ctx,
		`SELECT emails, phones, emails_count, phones_count FROM zen_contacts WHERE source_link = $1`, link).
		Scan(&emails, &phones, &emailsCount, &phonesCount)
	require.NoError(t, err)
	assert.Equal(t, []string{"ok@x.com"}, emails)
	assert.Equal(t, 1, emailsCount)
	assert.Empty(t, phones)
	assert.Zero(t, phonesCount)
}

func TestClaimBatchClaimsAndFilters(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	claims := postgres.NewClaimRepo(pool)
	contacts := postgres.NewContactsRepo(pool)

	insertResult(t, pool, "https://maps.example/one", "https://one.example")
	insertResult(t, pool, "https://maps.example/two", "https://two.example")
	_, err := pool.Exec(ctx, `INSERT INTO results (data) VALUES ('{"link": "https://maps.example/nosite"}')`)
	require.NoError(t, err)

	// A record that already merged is no longer pending.
	require.NoError(t, contacts.UpsertBatch(ctx, []domain.ContactRow{
		contactRow("https://maps.example/two", []string{"done@x.com"}, nil),
	}))

	batch, err := claims.ClaimBatch(ctx, "", 10)
	require.NoError(t, err)
	defer func() { _ = batch.Rollback(ctx) }()

	require.Len(t, batch.Records, 1)
	assert.Equal(t, "https://maps.example/one", batch.Records[0].Link())
}

func TestConcurrentClaimIsExclusive(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()

	insertResult(t, pool, "https://maps.example/contested", "https://contested.example")

	claims := postgres.NewClaimRepo(pool)

	var wg sync.WaitGroup
	results := make([]int, 2)
	claimErrs := make([]error, 2)
	batches := make([]domain.ClaimedBatch, 2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			b, err := claims.ClaimBatch(ctx, "", 1)
			claimErrs[i] = err
			results[i] = len(b.Records)
			batches[i] = b
		}(i)
	}
	close(start)
	wg.Wait()
	require.NoError(t, claimErrs[0])
	require.NoError(t, claimErrs[1])

	assert.Equal(t, 1, results[0]+results[1], "exactly one peer wins the claim")

	// Both commit; the winner merges its row first.
	for i := 0; i < 2; i++ {
		if results[i] == 1 {
			require.NoError(t, batches[i].Merge(ctx, []domain.ContactRow{
				contactRow("https://maps.example/contested", []string{"win@x.com"}, nil),
			}))
		}
		require.NoError(t, batches[i].Commit(ctx))
	}

	var n int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM zen_contacts WHERE source_link = 'https://maps.example/contested'`).Scan(&n))
	assert.Equal(t, 1, n)

	// After the merge committed, the record is gone from the pending set.
	b, err := claims.ClaimBatch(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, b.Records)
	_ = b.Commit(ctx)
}

func TestClaimCountryFilter(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	claims := postgres.NewClaimRepo(pool)

	_, err := pool.Exec(ctx, `INSERT INTO results (data) VALUES
		('{"link": "https://maps.example/br", "web_site": "https://br.example", "complete_address": {"country": "br"}}'),
		('{"link": "https://maps.example/us", "web_site": "https://us.example", "complete_address": {"country": "US"}}')`)
	require.NoError(t, err)

	batch, err := claims.ClaimBatch(ctx, "BR", 10)
	require.NoError(t, err)
	defer func() { _ = batch.Rollback(ctx) }()

	require.Len(t, batch.Records, 1)
	assert.Equal(t, "https://maps.example/br", batch.Records[0].Link())
}
