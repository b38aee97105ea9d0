package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/energy-metering-gateway/internal/apperr"
	"github.com/septivank/energy-metering-gateway/internal/db"
)

const (
	tableCredentials       = "enedis_tokens"
	tableOffpeakWindows    = "offpeak_windows"
	tableWeeklyAverage     = "weekly_load_average"
	tableCustomerSnapshots = "customer_snapshots"
)

var dailyTables = map[db.Stream]bool{
	db.StreamDailyConsumption: true,
	db.StreamDailyProduction:  true,
	db.StreamDailyMaxPower:    true,
}

var intervalTables = map[db.Stream]bool{
	db.StreamConsumptionLoadCurve: true,
	db.StreamProductionLoadCurve:  true,
}

// Repository handles database operations
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Ping verifies the database is reachable
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// ActiveCredential returns the most recent active credential, or nil when
// there is none.
func (r *Repository) ActiveCredential(ctx context.Context) (*db.Credential, error) {
	query := `
		SELECT id, token, token_type, issued_at, expires_at, active
		FROM enedis_tokens
		WHERE active
		ORDER BY issued_at DESC
		LIMIT 1
	`

	var c db.Credential
	err := r.pool.QueryRow(ctx, query).Scan(
		&c.ID,
		&c.Token,
		&c.TokenType,
		&c.IssuedAt,
		&c.ExpiresAt,
		&c.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active credential: %w", err)
	}
	return &c, nil
}

// DeactivateCredentials clears the active flag on every credential
func (r *Repository) DeactivateCredentials(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `UPDATE enedis_tokens SET active = FALSE WHERE active`)
	if err != nil {
		return persistenceError(tableCredentials, 0, err)
	}
	return nil
}

// InsertCredential stores a new credential
func (r *Repository) InsertCredential(ctx context.Context, c *db.Credential) error {
	query := `
		INSERT INTO enedis_tokens (id, token, token_type, issued_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.pool.Exec(ctx, query, c.ID, c.Token, c.TokenType, c.IssuedAt, c.ExpiresAt, c.Active)
	if err != nil {
		return persistenceError(tableCredentials, 1, err)
	}
	return nil
}

// PruneCredentials deletes inactive credentials beyond the keep most recent
func (r *Repository) PruneCredentials(ctx context.Context, keep int) (int64, error) {
	query := `
		DELETE FROM enedis_tokens
		WHERE NOT active
		  AND id NOT IN (
			SELECT id FROM enedis_tokens ORDER BY issued_at DESC LIMIT $1
		  )
	`
	tag, err := r.pool.Exec(ctx, query, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune credentials: %w", err)
	}
	return tag.RowsAffected(), nil
}

// UpsertDailySamples writes daily values keyed by (prm, date)
func (r *Repository) UpsertDailySamples(ctx context.Context, stream db.Stream, samples []db.DailySample) error {
	if !dailyTables[stream] {
		return fmt.Errorf("unknown daily stream %q", stream)
	}
	if len(samples) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (prm, date, value, updated_at)
		VALUES ($1, $2::text::date, $3, now())
		ON CONFLICT (prm, date) DO UPDATE
		SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, stream)

	batch := &pgx.Batch{}
	for _, s := range samples {
		batch.Queue(query, s.MeterID, s.Date, s.Value)
	}
	return r.execBatch(ctx, string(stream), batch)
}

// UpsertIntervalSamples writes interval values keyed by (prm, instant)
func (r *Repository) UpsertIntervalSamples(ctx context.Context, stream db.Stream, samples []db.IntervalSample) error {
	if !intervalTables[stream] {
		return fmt.Errorf("unknown interval stream %q", stream)
	}
	if len(samples) == 0 {
		return nil
	}

	var query string
	if stream == db.StreamConsumptionLoadCurve {
		query = `
			INSERT INTO consumption_load_curve (prm, date, time, instant, value, is_offpeak, updated_at)
			VALUES ($1, $2::text::date, $3, $4, $5, $6, now())
			ON CONFLICT (prm, instant) DO UPDATE
			SET date = EXCLUDED.date, time = EXCLUDED.time, value = EXCLUDED.value,
				is_offpeak = EXCLUDED.is_offpeak, updated_at = EXCLUDED.updated_at
		`
	} else {
		query = `
			INSERT INTO production_load_curve (prm, date, time, instant, value, updated_at)
			VALUES ($1, $2::text::date, $3, $4, $5, now())
			ON CONFLICT (prm, instant) DO UPDATE
			SET date = EXCLUDED.date, time = EXCLUDED.time, value = EXCLUDED.value,
				updated_at = EXCLUDED.updated_at
		`
	}

	batch := &pgx.Batch{}
	for _, s := range samples {
		if stream == db.StreamConsumptionLoadCurve {
			batch.Queue(query, s.MeterID, s.Date, s.Time, s.Instant.UTC(), s.Value, s.OffPeak)
		} else {
			batch.Queue(query, s.MeterID, s.Date, s.Time, s.Instant.UTC(), s.Value)
		}
	}
	return r.execBatch(ctx, string(stream), batch)
}

// IntervalSamples returns stored samples with a value for the civil date
// range [from, toExclusive)
func (r *Repository) IntervalSamples(ctx context.Context, stream db.Stream, meterID, from, toExclusive string) ([]db.IntervalSample, error) {
	if !intervalTables[stream] {
		return nil, fmt.Errorf("unknown interval stream %q", stream)
	}

	offpeakColumn := "NULL::boolean"
	if stream == db.StreamConsumptionLoadCurve {
		offpeakColumn = "is_offpeak"
	}
	query := fmt.Sprintf(`
		SELECT prm, to_char(date, 'YYYY-MM-DD'), time, instant, value::float8, %s
		FROM %s
		WHERE prm = $1
		  AND date >= $2::text::date
		  AND date < $3::text::date
		  AND value IS NOT NULL
		ORDER BY instant
	`, offpeakColumn, stream)

	rows, err := r.pool.Query(ctx, query, meterID, from, toExclusive)
	if err != nil {
		return nil, fmt.Errorf("failed to query interval samples: %w", err)
	}
	defer rows.Close()

	var samples []db.IntervalSample
	for rows.Next() {
		var s db.IntervalSample
		if err := rows.Scan(&s.MeterID, &s.Date, &s.Time, &s.Instant, &s.Value, &s.OffPeak); err != nil {
			return nil, fmt.Errorf("failed to scan interval sample: %w", err)
		}
		samples = append(samples, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return samples, nil
}

// OffpeakWindows returns the stored off-peak windows of a meter
func (r *Repository) OffpeakWindows(ctx context.Context, meterID string) ([]db.OffpeakWindow, error) {
	query := `
		SELECT prm, start_minute, end_minute
		FROM offpeak_windows
		WHERE prm = $1
		ORDER BY start_minute
	`

	rows, err := r.pool.Query(ctx, query, meterID)
	if err != nil {
		return nil, fmt.Errorf("failed to query offpeak windows: %w", err)
	}
	defer rows.Close()

	var windows []db.OffpeakWindow
	for rows.Next() {
		var w db.OffpeakWindow
		if err := rows.Scan(&w.MeterID, &w.StartMinute, &w.EndMinute); err != nil {
			return nil, fmt.Errorf("failed to scan offpeak window: %w", err)
		}
		windows = append(windows, w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return windows, nil
}

// ReplaceOffpeakWindows swaps the stored windows of a meter in one transaction
func (r *Repository) ReplaceOffpeakWindows(ctx context.Context, meterID string, windows []db.OffpeakWindow) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM offpeak_windows WHERE prm = $1`, meterID); err != nil {
		return persistenceError(tableOffpeakWindows, len(windows), err)
	}

	for _, w := range windows {
		_, err := tx.Exec(ctx, `
			INSERT INTO offpeak_windows (prm, start_minute, end_minute)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, meterID, w.StartMinute, w.EndMinute)
		if err != nil {
			return persistenceError(tableOffpeakWindows, len(windows), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpsertCustomerSnapshot stores the latest document of a kind for a meter
func (r *Repository) UpsertCustomerSnapshot(ctx context.Context, snap *db.CustomerSnapshot) error {
	query := `
		INSERT INTO customer_snapshots (prm, kind, payload, offpeak_hours, fetched_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		ON CONFLICT (prm, kind) DO UPDATE
		SET payload = EXCLUDED.payload, offpeak_hours = EXCLUDED.offpeak_hours,
			fetched_at = EXCLUDED.fetched_at
	`
	_, err := r.pool.Exec(ctx, query, snap.MeterID, string(snap.Kind), []byte(snap.Payload), snap.OffpeakHours, snap.FetchedAt)
	if err != nil {
		return persistenceError(tableCustomerSnapshots, 1, err)
	}
	return nil
}

// CustomerSnapshot returns the stored document of a kind, or nil
func (r *Repository) CustomerSnapshot(ctx context.Context, meterID string, kind db.SnapshotKind) (*db.CustomerSnapshot, error) {
	query := `
		SELECT prm, kind, payload, COALESCE(offpeak_hours, ''), fetched_at
		FROM customer_snapshots
		WHERE prm = $1 AND kind = $2
	`

	var (
		snap    db.CustomerSnapshot
		kindStr string
		payload []byte
	)
	err := r.pool.QueryRow(ctx, query, meterID, string(kind)).Scan(
		&snap.MeterID,
		&kindStr,
		&payload,
		&snap.OffpeakHours,
		&snap.FetchedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query customer snapshot: %w", err)
	}
	snap.Kind = db.SnapshotKind(kindStr)
	snap.Payload = payload
	return &snap, nil
}

// ReplaceWeeklyAverage upserts every cell of a meter's weekly grid in one
// batch. The key set is fixed, so a full grid replaces the previous one.
func (r *Repository) ReplaceWeeklyAverage(ctx context.Context, meterID string, slots []db.WeeklyAverageSlot) error {
	query := `
		INSERT INTO weekly_load_average (prm, weekday, slot, sample_count, average, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (prm, weekday, slot) DO UPDATE
		SET sample_count = EXCLUDED.sample_count, average = EXCLUDED.average,
			updated_at = EXCLUDED.updated_at
	`

	batch := &pgx.Batch{}
	for _, s := range slots {
		batch.Queue(query, meterID, s.Weekday, s.Slot, s.SampleCount, s.Average)
	}
	return r.execBatch(ctx, tableWeeklyAverage, batch)
}

// WeeklyAverage returns the stored weekly grid ordered by weekday and slot
func (r *Repository) WeeklyAverage(ctx context.Context, meterID string) ([]db.WeeklyAverageSlot, error) {
	query := `
		SELECT prm, weekday, slot, sample_count, average::float8
		FROM weekly_load_average
		WHERE prm = $1
		ORDER BY weekday, slot
	`

	rows, err := r.pool.Query(ctx, query, meterID)
	if err != nil {
		return nil, fmt.Errorf("failed to query weekly average: %w", err)
	}
	defer rows.Close()

	var slots []db.WeeklyAverageSlot
	for rows.Next() {
		var s db.WeeklyAverageSlot
		if err := rows.Scan(&s.MeterID, &s.Weekday, &s.Slot, &s.SampleCount, &s.Average); err != nil {
			return nil, fmt.Errorf("failed to scan weekly average slot: %w", err)
		}
		slots = append(slots, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return slots, nil
}

func (r *Repository) execBatch(ctx context.Context, table string, batch *pgx.Batch) error {
	rows := batch.Len()
	results := r.pool.SendBatch(ctx, batch)
	for i := 0; i < rows; i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return persistenceError(table, rows, err)
		}
	}
	if err := results.Close(); err != nil {
		return persistenceError(table, rows, err)
	}
	return nil
}

// persistenceError attaches the Postgres diagnostic fields to a failed write
func persistenceError(table string, rows int, err error) error {
	pErr := &apperr.PersistenceError{Table: table, Rows: rows, Err: err}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		pErr.Code = pgErr.Code
		pErr.Hint = pgErr.Hint
		pErr.Detail = pgErr.Detail
	}
	return pErr
}
