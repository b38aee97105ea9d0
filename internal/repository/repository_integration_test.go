package repository

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/energy-metering-gateway/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newIntegrationRepository connects to DATABASE_URL, which must point at a
// disposable database. The test is skipped when it is not set.
func newIntegrationRepository(t *testing.T) (*Repository, *pgxpool.Pool, string) {
	t.Helper()
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("DATABASE_URL not set, skipping repository integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, db.Schema())
	require.NoError(t, err)

	meterID := fmt.Sprintf("9%013d", time.Now().UnixNano()%10_000_000_000_000)
	t.Cleanup(func() {
		for _, table := range []string{"daily_consumption", "consumption_load_curve", "production_load_curve"} {
			_, _ = pool.Exec(context.Background(), "DELETE FROM "+table+" WHERE prm = $1", meterID)
		}
	})
	return NewRepository(pool), pool, meterID
}

func TestIntegration_DailyUpsertIsIdempotent(t *testing.T) {
	repo, pool, meterID := newIntegrationRepository(t)
	ctx := context.Background()

	first := []db.DailySample{
		{MeterID: meterID, Date: "2024-01-01", Value: 5},
		{MeterID: meterID, Date: "2024-01-02", Value: 6},
	}
	require.NoError(t, repo.UpsertDailySamples(ctx, db.StreamDailyConsumption, first))
	require.NoError(t, repo.UpsertDailySamples(ctx, db.StreamDailyConsumption, []db.DailySample{
		{MeterID: meterID, Date: "2024-01-01", Value: 7.5},
	}))

	var rows int
	var value float64
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM daily_consumption WHERE prm = $1`, meterID).Scan(&rows))
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT value::float8 FROM daily_consumption WHERE prm = $1 AND date = '2024-01-01'`, meterID).Scan(&value))
	assert.Equal(t, 2, rows)
	assert.Equal(t, 7.5, value)
}

func TestIntegration_IntervalUpsertIsKeyedByInstant(t *testing.T) {
	repo, _, meterID := newIntegrationRepository(t)
	ctx := context.Background()

	offPeak := true
	samples := []db.IntervalSample{
		{MeterID: meterID, Date: "2024-10-27", Time: "02:00", Instant: time.Date(2024, 10, 27, 0, 0, 0, 0, time.UTC), Value: 1, OffPeak: &offPeak},
		{MeterID: meterID, Date: "2024-10-27", Time: "02:00", Instant: time.Date(2024, 10, 27, 1, 0, 0, 0, time.UTC), Value: 2, OffPeak: &offPeak},
	}
	require.NoError(t, repo.UpsertIntervalSamples(ctx, db.StreamConsumptionLoadCurve, samples))

	samples[1].Value = 2.5
	require.NoError(t, repo.UpsertIntervalSamples(ctx, db.StreamConsumptionLoadCurve, samples))

	got, err := repo.IntervalSamples(ctx, db.StreamConsumptionLoadCurve, meterID, "2024-10-27", "2024-10-28")
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i, want := range samples {
		assert.True(t, want.Instant.Equal(got[i].Instant), "instant %d", i)
		assert.Equal(t, want.Value, got[i].Value)
		assert.Equal(t, "02:00", got[i].Time)
		require.NotNil(t, got[i].OffPeak)
		assert.True(t, *got[i].OffPeak)
	}

	got, err = repo.IntervalSamples(ctx, db.StreamConsumptionLoadCurve, meterID, "2024-10-28", "2024-10-29")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIntegration_ProductionIntervalsHaveNoOffPeakFlag(t *testing.T) {
	repo, _, meterID := newIntegrationRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.UpsertIntervalSamples(ctx, db.StreamProductionLoadCurve, []db.IntervalSample{
		{MeterID: meterID, Date: "2024-01-15", Time: "08:00", Instant: time.Date(2024, 1, 15, 7, 0, 0, 0, time.UTC), Value: 0.75},
	}))

	got, err := repo.IntervalSamples(ctx, db.StreamProductionLoadCurve, meterID, "2024-01-15", "2024-01-16")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0.75, got[0].Value)
	assert.Nil(t, got[0].OffPeak)
}

func TestIntegration_PruneCredentialsKeepsMostRecent(t *testing.T) {
	repo, pool, _ := newIntegrationRepository(t)
	ctx := context.Background()

	// Issued far ahead so these rows are the most recent in the table
	base := time.Date(2999, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := make([]string, 12)
	for i := range ids {
		id := uuid.New()
		ids[i] = id.String()
		require.NoError(t, repo.InsertCredential(ctx, &db.Credential{
			ID:        id,
			Token:     fmt.Sprintf("token-%d", i),
			TokenType: "Bearer",
			IssuedAt:  base.Add(time.Duration(i) * time.Hour),
			ExpiresAt: base.Add(time.Duration(i)*time.Hour + 3*time.Hour),
			Active:    false,
		}))
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM enedis_tokens WHERE id = ANY($1::uuid[])`, ids)
	})

	deleted, err := repo.PruneCredentials(ctx, 10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(2))

	var remaining int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM enedis_tokens WHERE id = ANY($1::uuid[])`, ids[2:]).Scan(&remaining))
	assert.Equal(t, 10, remaining)

	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM enedis_tokens WHERE id = ANY($1::uuid[])`, ids[:2]).Scan(&remaining))
	assert.Zero(t, remaining)
}
