package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when a queried record does not exist.
var ErrNotFound = errors.New("record not found")

const schema = `
CREATE TABLE IF NOT EXISTS batches (
	id                TEXT PRIMARY KEY,
	caller_id         TEXT NOT NULL,
	script_id         TEXT NOT NULL DEFAULT '',
	trust_score       DOUBLE PRECISION NOT NULL,
	status            TEXT NOT NULL,
	jobs              JSONB NOT NULL,
	delay_seconds     DOUBLE PRECISION NOT NULL DEFAULT 0,
	backend_balancing BOOLEAN NOT NULL DEFAULT FALSE,
	error_message     TEXT NOT NULL DEFAULT '',
	retry_of          TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL,
	started_at        TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS batches_caller_idx ON batches (caller_id, created_at DESC);

CREATE TABLE IF NOT EXISTS job_samples (
	job_id            TEXT NOT NULL,
	ts                TIMESTAMPTZ NOT NULL,
	cpu_percent       DOUBLE PRECISION NOT NULL,
	memory_percent    DOUBLE PRECISION NOT NULL,
	memory_used_bytes BIGINT NOT NULL,
	io_read_bytes     BIGINT NOT NULL,
	io_write_bytes    BIGINT NOT NULL,
	net_sent_bytes    BIGINT NOT NULL,
	net_recv_bytes    BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS job_samples_job_idx ON job_samples (job_id, ts);

CREATE TABLE IF NOT EXISTS resource_events (
	id      TEXT PRIMARY KEY,
	job_id  TEXT NOT NULL,
	type    TEXT NOT NULL,
	ts      TIMESTAMPTZ NOT NULL,
	details JSONB NOT NULL,
	sample  JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
	id                TEXT PRIMARY KEY,
	caller_id         TEXT NOT NULL,
	job_id            TEXT NOT NULL,
	batch_id          TEXT NOT NULL DEFAULT '',
	code_hash         TEXT NOT NULL,
	backend           TEXT NOT NULL,
	tier              TEXT NOT NULL,
	status            TEXT NOT NULL,
	error_kind        TEXT NOT NULL DEFAULT '',
	exit_code         INTEGER NOT NULL,
	duration_ms       BIGINT NOT NULL,
	peak_cpu_percent  DOUBLE PRECISION NOT NULL,
	peak_memory_bytes BIGINT NOT NULL,
	events            INTEGER NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS executions_caller_idx ON executions (caller_id, created_at DESC);

CREATE TABLE IF NOT EXISTS signature_mismatches (
	id         TEXT PRIMARY KEY,
	caller_id  TEXT NOT NULL,
	ip_address TEXT NOT NULL,
	code_hash  TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS cooldowns (
	id              TEXT PRIMARY KEY,
	caller_id       TEXT NOT NULL,
	reason          TEXT NOT NULL,
	failed_attempts INTEGER NOT NULL,
	until           TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL
);
`

// DB wraps a PostgreSQL connection pool for batch state, metrics and audit logs.
type DB struct {
	pool *pgxpool.Pool
}

// Options tunes the connection pool.
type Options struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string, opts Options) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	config.MinConns = opts.MinConns
	config.MaxConnLifetime = 5 * time.Minute
	if opts.MaxConnLifetime > 0 {
		config.MaxConnLifetime = opts.MaxConnLifetime
	}
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Migrate creates the tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// UpsertBatch writes the latest state of a batch. Replays of the same state
// are harmless, which gives at-least-once delivery from the Writer.
func (db *DB) UpsertBatch(ctx context.Context, rec *BatchRecord) error {
	jobs, err := json.Marshal(rec.Jobs)
	if err != nil {
		return fmt.Errorf("encoding jobs: %w", err)
	}

	query := `
		INSERT INTO batches (id, caller_id, script_id, trust_score, status, jobs,
			delay_seconds, backend_balancing, error_message, retry_of,
			created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			jobs = EXCLUDED.jobs,
			error_message = EXCLUDED.error_message,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`

	_, err = db.pool.Exec(ctx, query,
		rec.ID, rec.CallerID, rec.ScriptID, rec.TrustScore, rec.Status, jobs,
		rec.DelaySeconds, rec.BackendBalancing, rec.ErrorMessage, rec.RetryOf,
		rec.CreatedAt, rec.StartedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting batch %s: %w", rec.ID, err)
	}
	return nil
}

// InsertSamples bulk-loads a job's sample timeline with COPY.
func (db *DB) InsertSamples(ctx context.Context, jobID string, samples []SampleRecord) error {
	columns := []string{
		"job_id", "ts", "cpu_percent", "memory_percent", "memory_used_bytes",
		"io_read_bytes", "io_write_bytes", "net_sent_bytes", "net_recv_bytes",
	}

	_, err := db.pool.CopyFrom(ctx, pgx.Identifier{"job_samples"}, columns,
		pgx.CopyFromSlice(len(samples), func(i int) ([]any, error) {
			s := samples[i]
			return []any{
				jobID, s.Timestamp, s.CPUPercent, s.MemoryPercent, s.MemoryUsedBytes,
				s.IOReadBytes, s.IOWriteBytes, s.NetSentBytes, s.NetRecvBytes,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copying samples for job %s: %w", jobID, err)
	}
	return nil
}

// InsertEvent stores a resource event.
func (db *DB) InsertEvent(ctx context.Context, rec *EventRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("encoding event details: %w", err)
	}
	sample, err := json.Marshal(rec.Sample)
	if err != nil {
		return fmt.Errorf("encoding event sample: %w", err)
	}

	query := `
		INSERT INTO resource_events (id, job_id, type, ts, details, sample)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	if _, err := db.pool.Exec(ctx, query, rec.ID, rec.JobID, rec.Type, rec.Timestamp, details, sample); err != nil {
		return fmt.Errorf("inserting resource event: %w", err)
	}
	return nil
}

// InsertExecution inserts an execution record into the audit log.
func (db *DB) InsertExecution(ctx context.Context, rec *ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	query := `
		INSERT INTO executions (id, caller_id, job_id, batch_id, code_hash, backend, tier,
			status, error_kind, exit_code, duration_ms, peak_cpu_percent,
			peak_memory_bytes, events, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`

	_, err := db.pool.Exec(ctx, query,
		rec.ID, rec.CallerID, rec.JobID, rec.BatchID, rec.CodeHash, rec.Backend, rec.Tier,
		rec.Status, rec.ErrorKind, rec.ExitCode, rec.DurationMS, rec.PeakCPUPercent,
		rec.PeakMemoryBytes, rec.Events, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

// InsertSignatureMismatch audits a failed provenance check.
func (db *DB) InsertSignatureMismatch(ctx context.Context, rec *SignatureMismatchRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	query := `
		INSERT INTO signature_mismatches (id, caller_id, ip_address, code_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`

	if _, err := db.pool.Exec(ctx, query, rec.ID, rec.CallerID, rec.IPAddress, rec.CodeHash, rec.CreatedAt); err != nil {
		return fmt.Errorf("inserting signature mismatch: %w", err)
	}
	return nil
}

// InsertCooldown audits a cooldown trigger.
func (db *DB) InsertCooldown(ctx context.Context, rec *CooldownRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	query := `
		INSERT INTO cooldowns (id, caller_id, reason, failed_attempts, until, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	if _, err := db.pool.Exec(ctx, query, rec.ID, rec.CallerID, rec.Reason, rec.FailedAttempts, rec.Until, rec.CreatedAt); err != nil {
		return fmt.Errorf("inserting cooldown: %w", err)
	}
	return nil
}

// GetBatch retrieves a persisted batch by ID.
func (db *DB) GetBatch(ctx context.Context, id string) (*BatchRecord, error) {
	query := `
		SELECT id, caller_id, script_id, trust_score, status, jobs, delay_seconds,
			backend_balancing, error_message, retry_of, created_at, started_at, completed_at
		FROM batches WHERE id = $1`

	rec, err := scanBatch(db.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying batch %s: %w", id, err)
	}
	return rec, nil
}

// ListBatches returns the most recent batches for a caller.
func (db *DB) ListBatches(ctx context.Context, callerID string, limit int) ([]BatchRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT id, caller_id, script_id, trust_score, status, jobs, delay_seconds,
			backend_balancing, error_message, retry_of, created_at, started_at, completed_at
		FROM batches
		WHERE ($1 = '' OR caller_id = $1)
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := db.pool.Query(ctx, query, callerID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying batches: %w", err)
	}
	defer rows.Close()

	var results []BatchRecord
	for rows.Next() {
		rec, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning batch row: %w", err)
		}
		results = append(results, *rec)
	}
	return results, rows.Err()
}

// ListExecutions queries the execution audit log with optional filters.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]ExecutionRecord, error) {
	query := `
		SELECT id, caller_id, job_id, batch_id, code_hash, backend, tier, status,
			error_kind, exit_code, duration_ms, peak_cpu_percent, peak_memory_bytes,
			events, created_at
		FROM executions
		WHERE ($1 = '' OR caller_id = $1)
		  AND ($2 = '' OR batch_id = $2)
		  AND ($3 = '' OR status = $3)
		  AND ($4::timestamptz IS NULL OR created_at >= $4)
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.CallerID, filter.BatchID, filter.Status, filter.Since, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		if err := rows.Scan(
			&rec.ID, &rec.CallerID, &rec.JobID, &rec.BatchID, &rec.CodeHash,
			&rec.Backend, &rec.Tier, &rec.Status, &rec.ErrorKind, &rec.ExitCode,
			&rec.DurationMS, &rec.PeakCPUPercent, &rec.PeakMemoryBytes,
			&rec.Events, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, rec)
	}

	return results, rows.Err()
}

func scanBatch(row pgx.Row) (*BatchRecord, error) {
	var rec BatchRecord
	var jobs []byte
	if err := row.Scan(
		&rec.ID, &rec.CallerID, &rec.ScriptID, &rec.TrustScore, &rec.Status, &jobs,
		&rec.DelaySeconds, &rec.BackendBalancing, &rec.ErrorMessage, &rec.RetryOf,
		&rec.CreatedAt, &rec.StartedAt, &rec.CompletedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(jobs, &rec.Jobs); err != nil {
		return nil, fmt.Errorf("decoding jobs: %w", err)
	}
	return &rec, nil
}
