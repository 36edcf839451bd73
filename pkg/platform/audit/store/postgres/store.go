package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	audit "auditrail/pkg/platform/audit"
	"auditrail/pkg/platform/sentinel"
	txcontext "auditrail/pkg/platform/tx"
)

// Store persists audit records and dead letters in PostgreSQL.
// Writes are idempotent on event id so a redelivered job never produces a
// second row.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const schema = `
	CREATE TABLE IF NOT EXISTS audit_records (
		event_id            TEXT PRIMARY KEY,
		event_type          TEXT NOT NULL,
		operation_type      TEXT NOT NULL,
		entity_name         TEXT NOT NULL,
		entity_id           TEXT,
		user_id             TEXT,
		correlation_id      TEXT,
		previous_data       JSONB,
		new_data            JSONB,
		description         TEXT NOT NULL,
		risk_level          TEXT NOT NULL,
		lgpd_relevant       BOOLEAN NOT NULL DEFAULT FALSE,
		metadata            JSONB NOT NULL DEFAULT '{}',
		request_context     JSONB,
		signature           TEXT,
		signature_algorithm TEXT,
		timestamp           TIMESTAMPTZ NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		retain_until        TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_records_correlation ON audit_records(correlation_id);
	CREATE INDEX IF NOT EXISTS idx_audit_records_entity ON audit_records(entity_name, entity_id);
	CREATE INDEX IF NOT EXISTS idx_audit_records_retain_until ON audit_records(retain_until);
	CREATE INDEX IF NOT EXISTS idx_audit_records_created_at ON audit_records(created_at);

	CREATE TABLE IF NOT EXISTS audit_dead_letters (
		id               TEXT PRIMARY KEY,
		original_job_id  TEXT NOT NULL,
		lane             TEXT NOT NULL,
		event_type       TEXT NOT NULL,
		entity_name      TEXT NOT NULL,
		entity_id        TEXT,
		user_id          TEXT,
		original_payload JSONB NOT NULL,
		failure_reason   TEXT NOT NULL,
		stack_trace      TEXT,
		attempts_made    INTEGER NOT NULL,
		max_attempts     INTEGER NOT NULL,
		priority         TEXT NOT NULL,
		retryable        BOOLEAN NOT NULL,
		status           TEXT NOT NULL,
		retry_count      INTEGER NOT NULL DEFAULT 0,
		next_retry_at    TIMESTAMPTZ,
		resolution       TEXT,
		resolved_by      TEXT,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_dead_letters_status ON audit_dead_letters(status, priority);
	CREATE INDEX IF NOT EXISTS idx_audit_dead_letters_job ON audit_dead_letters(original_job_id);
`

// Migrate creates the audit tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate audit schema: %w", classify(err))
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping audit database: %w", classify(err))
	}
	return nil
}

// InTx runs fn in a transaction. Store calls made with the context handed to
// fn join it.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return txcontext.Run(ctx, s.db, fn)
}

// SaveRecord inserts rec unless a row with the same event id exists and
// reports whether a row was written.
func (s *Store) SaveRecord(ctx context.Context, rec audit.Record) (bool, error) {
	metadata, err := json.Marshal(nonNilMap(rec.Metadata))
	if err != nil {
		return false, fmt.Errorf("marshal record metadata: %w", err)
	}
	var reqCtx []byte
	if rec.Request != nil {
		if reqCtx, err = json.Marshal(rec.Request); err != nil {
			return false, fmt.Errorf("marshal request context: %w", err)
		}
	}

	query := `
		INSERT INTO audit_records (
			event_id, event_type, operation_type, entity_name, entity_id,
			user_id, correlation_id, previous_data, new_data, description,
			risk_level, lgpd_relevant, metadata, request_context, signature,
			signature_algorithm, timestamp, created_at, retain_until
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (event_id) DO NOTHING
	`
	res, err := s.execer(ctx).ExecContext(ctx, query,
		rec.EventID,
		string(rec.EventType),
		rec.OperationType,
		rec.EntityName,
		nullString(rec.EntityID),
		nullString(rec.UserID),
		nullString(rec.CorrelationID),
		nullJSON(rec.PreviousData),
		nullJSON(rec.NewData),
		rec.Description,
		string(rec.Risk),
		rec.LGPDRelevant,
		metadata,
		nullJSON(reqCtx),
		nullString(rec.Signature),
		nullString(rec.SignatureAlgorithm),
		rec.Timestamp,
		rec.CreatedAt,
		rec.RetainUntil,
	)
	if err != nil {
		return false, fmt.Errorf("insert audit record: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert audit record: %w", err)
	}
	return n > 0, nil
}

// DeleteExpired removes up to limit records whose retention ended before
// the cutoff.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time, limit int) (int64, error) {
	query := `
		DELETE FROM audit_records
		WHERE event_id IN (
			SELECT event_id FROM audit_records
			WHERE retain_until < $1
			ORDER BY retain_until
			LIMIT $2
		)
	`
	res, err := s.execer(ctx).ExecContext(ctx, query, before, limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired audit records: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired audit records: %w", err)
	}
	return n, nil
}

// ListByCorrelation returns the records sharing a correlation id, oldest first.
func (s *Store) ListByCorrelation(ctx context.Context, correlationID string) ([]audit.Record, error) {
	query := `
		SELECT event_id, event_type, operation_type, entity_name, entity_id,
		       user_id, correlation_id, previous_data, new_data, description,
		       risk_level, lgpd_relevant, metadata, request_context, signature,
		       signature_algorithm, timestamp, created_at, retain_until
		FROM audit_records
		WHERE correlation_id = $1
		ORDER BY timestamp, event_id
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", classify(err))
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Stats summarizes the audit tables relative to now.
func (s *Store) Stats(ctx context.Context) (audit.StoreStats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM audit_records),
			(SELECT COUNT(*) FROM audit_records WHERE created_at >= NOW() - INTERVAL '24 hours'),
			(SELECT COUNT(*) FROM audit_records WHERE created_at >= NOW() - INTERVAL '24 hours' AND risk_level = 'CRITICAL'),
			(SELECT COUNT(*) FROM audit_dead_letters WHERE status = ANY($1)),
			(SELECT MIN(created_at) FROM audit_records),
			(SELECT MAX(created_at) FROM audit_records)
	`
	var (
		stats          audit.StoreStats
		oldest, latest sql.NullTime
	)
	open := pq.Array([]string{string(audit.DeadLetterPending), string(audit.DeadLetterRetrying), string(audit.DeadLetterFailed)})
	err := s.execer(ctx).QueryRowContext(ctx, query, open).Scan(
		&stats.TotalRecords,
		&stats.RecordsLast24h,
		&stats.CriticalLast24h,
		&stats.PendingDeadLetters,
		&oldest,
		&latest,
	)
	if err != nil {
		return audit.StoreStats{}, fmt.Errorf("query audit stats: %w", classify(err))
	}
	if oldest.Valid {
		stats.OldestRecordAt = &oldest.Time
	}
	if latest.Valid {
		stats.LatestRecordAt = &latest.Time
	}
	return stats, nil
}

// SaveDeadLetter inserts a dead letter. A record with the same id, left by
// an earlier failure of the same event, has its failure and lifecycle
// fields refreshed unless it was already resolved or ignored.
func (s *Store) SaveDeadLetter(ctx context.Context, d audit.DeadLetter) error {
	query := `
		INSERT INTO audit_dead_letters (
			id, original_job_id, lane, event_type, entity_name, entity_id,
			user_id, original_payload, failure_reason, stack_trace,
			attempts_made, max_attempts, priority, retryable, status,
			retry_count, next_retry_at, resolution, resolved_by, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (id) DO UPDATE SET
			lane = EXCLUDED.lane,
			failure_reason = EXCLUDED.failure_reason,
			stack_trace = EXCLUDED.stack_trace,
			attempts_made = EXCLUDED.attempts_made,
			max_attempts = EXCLUDED.max_attempts,
			retryable = EXCLUDED.retryable,
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			next_retry_at = EXCLUDED.next_retry_at,
			updated_at = EXCLUDED.updated_at
		WHERE audit_dead_letters.status NOT IN ('resolved', 'ignored')
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		d.ID,
		d.OriginalJobID,
		d.Lane,
		string(d.EventType),
		d.EntityName,
		nullString(d.EntityID),
		nullString(d.UserID),
		[]byte(d.OriginalPayload),
		d.FailureReason,
		nullString(d.StackTrace),
		d.AttemptsMade,
		d.MaxAttempts,
		string(d.Priority),
		d.Retryable,
		string(d.Status),
		d.RetryCount,
		d.NextRetryAt,
		nullString(d.Resolution),
		nullString(d.ResolvedBy),
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", classify(err))
	}
	return nil
}

const deadLetterColumns = `
	id, original_job_id, lane, event_type, entity_name, entity_id,
	user_id, original_payload, failure_reason, stack_trace,
	attempts_made, max_attempts, priority, retryable, status,
	retry_count, next_retry_at, resolution, resolved_by, created_at, updated_at
`

// GetDeadLetter loads a dead letter by id.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (audit.DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM audit_dead_letters WHERE id = $1`
	d, err := scanDeadLetter(s.execer(ctx).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return audit.DeadLetter{}, fmt.Errorf("dead letter %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return audit.DeadLetter{}, fmt.Errorf("get dead letter: %w", classify(err))
	}
	return d, nil
}

// UpdateDeadLetterStatus writes the mutable lifecycle fields of d.
func (s *Store) UpdateDeadLetterStatus(ctx context.Context, d audit.DeadLetter) error {
	query := `
		UPDATE audit_dead_letters
		SET status = $2, retry_count = $3, next_retry_at = $4,
		    resolution = $5, resolved_by = $6, updated_at = $7
		WHERE id = $1
	`
	res, err := s.execer(ctx).ExecContext(ctx, query,
		d.ID,
		string(d.Status),
		d.RetryCount,
		d.NextRetryAt,
		nullString(d.Resolution),
		nullString(d.ResolvedBy),
		d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update dead letter: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update dead letter: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("dead letter %s: %w", d.ID, sentinel.ErrNotFound)
	}
	return nil
}

// ListDeadLetters returns dead letters matching filter, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, filter audit.DeadLetterFilter) ([]audit.DeadLetter, error) {
	query := `
		SELECT ` + deadLetterColumns + `
		FROM audit_dead_letters
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR priority = $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query,
		string(filter.Status),
		string(filter.Priority),
		filter.Limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", classify(err))
	}
	defer rows.Close()

	var out []audit.DeadLetter
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeadLetter(row scanner) (audit.DeadLetter, error) {
	var (
		d                                      audit.DeadLetter
		eventType, priority, status            string
		entityID, userID, stack, res, resolver sql.NullString
		nextRetry                              sql.NullTime
		payload                                []byte
	)
	err := row.Scan(
		&d.ID,
		&d.OriginalJobID,
		&d.Lane,
		&eventType,
		&d.EntityName,
		&entityID,
		&userID,
		&payload,
		&d.FailureReason,
		&stack,
		&d.AttemptsMade,
		&d.MaxAttempts,
		&priority,
		&d.Retryable,
		&status,
		&d.RetryCount,
		&nextRetry,
		&res,
		&resolver,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return audit.DeadLetter{}, err
	}
	d.EventType = audit.EventType(eventType)
	d.Priority = audit.Priority(priority)
	d.Status = audit.DeadLetterStatus(status)
	d.EntityID = entityID.String
	d.UserID = userID.String
	d.StackTrace = stack.String
	d.Resolution = res.String
	d.ResolvedBy = resolver.String
	d.OriginalPayload = json.RawMessage(payload)
	if nextRetry.Valid {
		t := nextRetry.Time
		d.NextRetryAt = &t
	}
	return d, nil
}

func scanRecords(rows *sql.Rows) ([]audit.Record, error) {
	var records []audit.Record
	for rows.Next() {
		var (
			rec                                         audit.Record
			eventType, risk                             string
			entityID, userID, corrID, sig, sigAlgorithm sql.NullString
			prev, next, metadata, reqCtx                []byte
		)
		err := rows.Scan(
			&rec.EventID,
			&eventType,
			&rec.OperationType,
			&rec.EntityName,
			&entityID,
			&userID,
			&corrID,
			&prev,
			&next,
			&rec.Description,
			&risk,
			&rec.LGPDRelevant,
			&metadata,
			&reqCtx,
			&sig,
			&sigAlgorithm,
			&rec.Timestamp,
			&rec.CreatedAt,
			&rec.RetainUntil,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.EventType = audit.EventType(eventType)
		rec.Risk = audit.RiskLevel(risk)
		rec.EntityID = entityID.String
		rec.UserID = userID.String
		rec.CorrelationID = corrID.String
		rec.Signature = sig.String
		rec.SignatureAlgorithm = sigAlgorithm.String
		if len(prev) > 0 {
			rec.PreviousData = json.RawMessage(prev)
		}
		if len(next) > 0 {
			rec.NewData = json.RawMessage(next)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("decode record metadata: %w", err)
			}
		}
		if len(reqCtx) > 0 {
			rec.Request = &audit.RequestContext{}
			if err := json.Unmarshal(reqCtx, rec.Request); err != nil {
				return nil, fmt.Errorf("decode request context: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return records, nil
}

// classify maps driver errors onto sentinel errors while keeping the
// original in the chain.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return errors.Join(sentinel.ErrConflict, err)
		case pqErr.Code == "57014":
			return errors.Join(sentinel.ErrTimeout, err)
		}
		switch pqErr.Code.Class() {
		case "08", "53", "57":
			return errors.Join(sentinel.ErrUnavailable, err)
		}
		return err
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(sentinel.ErrUnavailable, err)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
