// Package sqlite implements the balancer's ports over a local sqlite file
// using the pure-Go driver. It is the default engine for single-node runs.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fairyhunter13/vertex-balancer/internal/domain"
)

const configureStmt = `
	PRAGMA journal_mode = WAL;
	PRAGMA synchronous = normal;
	PRAGMA busy_timeout = 5000;
	PRAGMA foreign_keys = on;
`

// Store serves targets, settings, and request logs from one sqlite file.
// Timestamps are persisted as RFC3339 UTC text so range predicates compare
// lexically.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path. Migrations are
// the caller's job; Open only configures the connection.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// WAL allows the log appender and the dispatch path to write concurrently,
	// but a single writer connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, configureStmt); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite database: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the raw handle for migrations.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

const targetColumns = `id, name, project_id, location, service_account_key_json, is_active,
	last_used_at, failure_count, request_count, daily_rate_limit, daily_requests_used,
	last_reset_date, rate_limit_reset_at, is_disabled_by_rate_limit, created_at, updated_at`

// FindByID loads one target.
func (s *Store) FindByID(ctx context.Context, id string) (domain.Target, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = ?`, id)
	t, err := scanTarget(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Target{}, fmt.Errorf("op=target.find_by_id: %w", domain.ErrNotFound)
		}
		return domain.Target{}, fmt.Errorf("op=target.find_by_id: %w", err)
	}
	return t, nil
}

// FindByBinding loads the target addressed by (projectID, location).
func (s *Store) FindByBinding(ctx context.Context, projectID, location string) (domain.Target, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE project_id = ? AND location = ?`, projectID, location)
	t, err := scanTarget(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Target{}, fmt.Errorf("op=target.find_by_binding: %w", domain.ErrNotFound)
		}
		return domain.Target{}, fmt.Errorf("op=target.find_by_binding: %w", err)
	}
	return t, nil
}

// List returns targets matching the filter, oldest first.
func (s *Store) List(ctx context.Context, f domain.TargetFilter) ([]domain.Target, error) {
	q := `SELECT ` + targetColumns + ` FROM targets`
	var (
		conds []string
		args  []any
	)
	if f.Active != nil {
		conds = append(conds, `is_active = ?`)
		args = append(args, boolInt(*f.Active))
	}
	if f.EligibleAt != nil {
		conds = append(conds, `is_disabled_by_rate_limit = 0`,
			`(rate_limit_reset_at IS NULL OR rate_limit_reset_at <= ?)`)
		args = append(args, fmtTime(*f.EligibleAt))
	}
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=target.list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("op=target.list: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=target.list: %w", err)
	}
	return out, nil
}

// Create inserts a new target.
func (s *Store) Create(ctx context.Context, t domain.Target) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `INSERT INTO targets (`+targetColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, targetArgs(t)...)
	if err != nil {
		return fmt.Errorf("op=target.create: %w", err)
	}
	return nil
}

// Save overwrites an existing target row.
func (s *Store) Save(ctx context.Context, t domain.Target) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, updateTargetStmt, saveArgs(t)...)
	if err != nil {
		return fmt.Errorf("op=target.save: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("op=target.save: %w", domain.ErrNotFound)
	}
	return nil
}

// Delete removes a target.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("op=target.delete: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("op=target.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// BulkUpdate saves all targets in one transaction, so the daily-reset sweep
// is observed whole or not at all.
func (s *Store) BulkUpdate(ctx context.Context, ts []domain.Target) error {
	if len(ts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("op=target.bulk_update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, t := range ts {
		t.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, updateTargetStmt, saveArgs(t)...); err != nil {
			return fmt.Errorf("op=target.bulk_update: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("op=target.bulk_update: %w", err)
	}
	return nil
}

const updateTargetStmt = `UPDATE targets SET
	name = ?, project_id = ?, location = ?, service_account_key_json = ?, is_active = ?,
	last_used_at = ?, failure_count = ?, request_count = ?, daily_rate_limit = ?,
	daily_requests_used = ?, last_reset_date = ?, rate_limit_reset_at = ?,
	is_disabled_by_rate_limit = ?, updated_at = ?
	WHERE id = ?`

// Snapshot reads the singleton settings row.
func (s *Store) Snapshot(ctx context.Context) (domain.Settings, error) {
	row := s.db.QueryRowContext(ctx, `SELECT target_rotation_request_count, max_failure_count,
		rate_limit_cooldown_seconds, max_retries, failover_delay_seconds, log_retention_days
		FROM settings WHERE id = 1`)
	var st domain.Settings
	if err := row.Scan(&st.TargetRotationRequestCount, &st.MaxFailureCount,
		&st.RateLimitCooldownSeconds, &st.MaxRetries, &st.FailoverDelaySeconds, &st.LogRetentionDays); err != nil {
		return domain.Settings{}, fmt.Errorf("op=settings.snapshot: %w", err)
	}
	return st, nil
}

// SeedSettings inserts the settings row when none exists. Existing values win.
func (s *Store) SeedSettings(ctx context.Context, st domain.Settings) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO settings
		(id, target_rotation_request_count, max_failure_count, rate_limit_cooldown_seconds,
		 max_retries, failover_delay_seconds, log_retention_days)
		VALUES (1,?,?,?,?,?,?)`,
		st.TargetRotationRequestCount, st.MaxFailureCount, st.RateLimitCooldownSeconds,
		st.MaxRetries, st.FailoverDelaySeconds, st.LogRetentionDays)
	if err != nil {
		return fmt.Errorf("op=settings.seed: %w", err)
	}
	return nil
}

// Append inserts one request-log record.
func (s *Store) Append(ctx context.Context, rec domain.RequestLog) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO request_logs
		(id, request_id, target_id, ts, requested_model, model_used, is_streaming,
		 status_code, is_error, error_type, error_message, response_time_ms, ip_address,
		 prompt_tokens, completion_tokens, total_tokens)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.RequestID, rec.TargetID, fmtTime(rec.Timestamp), rec.RequestedModel,
		rec.ModelUsed, boolInt(rec.IsStreaming), rec.StatusCode, boolInt(rec.IsError),
		rec.ErrorType, rec.ErrorMessage, rec.ResponseTimeMS, rec.IPAddress,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens)
	if err != nil {
		return fmt.Errorf("op=request_log.append: %w", err)
	}
	return nil
}

// PruneLogsBefore deletes request logs older than cutoff and returns the count.
func (s *Store) PruneLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_logs WHERE ts < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("op=request_log.prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("op=request_log.prune: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTarget(row rowScanner) (domain.Target, error) {
	var (
		t                                        domain.Target
		active, quotaDisabled                    int
		lastUsed, lastReset, cooldown, createdAt sql.NullString
		updatedAt                                sql.NullString
		dailyLimit                               sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.Name, &t.ProjectID, &t.Location, &t.ServiceAccountKeyJSON,
		&active, &lastUsed, &t.FailureCount, &t.RequestCount, &dailyLimit, &t.DailyRequestsUsed,
		&lastReset, &cooldown, &quotaDisabled, &createdAt, &updatedAt); err != nil {
		return domain.Target{}, err
	}
	t.IsActive = active != 0
	t.IsDisabledByRateLimit = quotaDisabled != 0
	if dailyLimit.Valid {
		v := int(dailyLimit.Int64)
		t.DailyRateLimit = &v
	}
	t.LastUsedAt = parseTimePtr(lastUsed)
	t.LastResetDate = parseTimePtr(lastReset)
	t.RateLimitResetAt = parseTimePtr(cooldown)
	if ts := parseTimePtr(createdAt); ts != nil {
		t.CreatedAt = *ts
	}
	if ts := parseTimePtr(updatedAt); ts != nil {
		t.UpdatedAt = *ts
	}
	return t, nil
}

func targetArgs(t domain.Target) []any {
	return []any{
		t.ID, t.Name, t.ProjectID, t.Location, t.ServiceAccountKeyJSON, boolInt(t.IsActive),
		fmtTimePtr(t.LastUsedAt), t.FailureCount, t.RequestCount, intPtr(t.DailyRateLimit),
		t.DailyRequestsUsed, fmtTimePtr(t.LastResetDate), fmtTimePtr(t.RateLimitResetAt),
		boolInt(t.IsDisabledByRateLimit), fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
	}
}

func saveArgs(t domain.Target) []any {
	return []any{
		t.Name, t.ProjectID, t.Location, t.ServiceAccountKeyJSON, boolInt(t.IsActive),
		fmtTimePtr(t.LastUsedAt), t.FailureCount, t.RequestCount, intPtr(t.DailyRateLimit),
		t.DailyRequestsUsed, fmtTimePtr(t.LastResetDate), fmtTimePtr(t.RateLimitResetAt),
		boolInt(t.IsDisabledByRateLimit), fmtTime(t.UpdatedAt), t.ID,
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intPtr(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

// fmtTime renders UTC RFC3339 at second precision so stored values compare
// lexically.
func fmtTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
