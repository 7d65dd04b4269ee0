// Package postgres implements the balancer's ports over PostgreSQL with a
// minimal pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/vertex-balancer/internal/domain"
)

// PgxPool is the subset of pgxpool the store uses, kept small for testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// NewPool creates a pgx connection pool from the provided DSN.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// Store serves targets, settings, and request logs from PostgreSQL.
type Store struct {
	Pool    PgxPool
	closeFn func()
}

// NewStore constructs a Store over the given pool.
func NewStore(p PgxPool) *Store { return &Store{Pool: p} }

// NewStoreWithPool constructs a Store that owns and closes the pool.
func NewStoreWithPool(p *pgxpool.Pool) *Store { return &Store{Pool: p, closeFn: p.Close} }

// Close releases the owned pool, if any.
func (s *Store) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const targetColumns = `id, name, project_id, location, service_account_key_json, is_active,
	last_used_at, failure_count, request_count, daily_rate_limit, daily_requests_used,
	last_reset_date, rate_limit_reset_at, is_disabled_by_rate_limit, created_at, updated_at`

func start(ctx context.Context, name, op, table string) (context.Context, func()) {
	tracer := otel.Tracer("repo.targets")
	ctx, sp := tracer.Start(ctx, name)
	sp.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", op),
		attribute.String("db.sql.table", table),
	)
	return ctx, func() { sp.End() }
}

// FindByID loads one target.
func (s *Store) FindByID(ctx context.Context, id string) (domain.Target, error) {
	ctx, end := start(ctx, "targets.FindByID", "SELECT", "targets")
	defer end()
	row := s.Pool.QueryRow(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = $1`, id)
	t, err := scanTarget(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Target{}, fmt.Errorf("op=target.find_by_id: %w", domain.ErrNotFound)
		}
		return domain.Target{}, fmt.Errorf("op=target.find_by_id: %w", err)
	}
	return t, nil
}

// FindByBinding loads the target addressed by (projectID, location).
func (s *Store) FindByBinding(ctx context.Context, projectID, location string) (domain.Target, error) {
	ctx, end := start(ctx, "targets.FindByBinding", "SELECT", "targets")
	defer end()
	row := s.Pool.QueryRow(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE project_id = $1 AND location = $2`, projectID, location)
	t, err := scanTarget(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Target{}, fmt.Errorf("op=target.find_by_binding: %w", domain.ErrNotFound)
		}
		return domain.Target{}, fmt.Errorf("op=target.find_by_binding: %w", err)
	}
	return t, nil
}

// List returns targets matching the filter, oldest first.
func (s *Store) List(ctx context.Context, f domain.TargetFilter) ([]domain.Target, error) {
	ctx, end := start(ctx, "targets.List", "SELECT", "targets")
	defer end()

	q := `SELECT ` + targetColumns + ` FROM targets`
	var (
		conds []string
		args  []any
	)
	if f.Active != nil {
		args = append(args, *f.Active)
		conds = append(conds, fmt.Sprintf(`is_active = $%d`, len(args)))
	}
	if f.EligibleAt != nil {
		conds = append(conds, `is_disabled_by_rate_limit = FALSE`)
		args = append(args, f.EligibleAt.UTC())
		conds = append(conds, fmt.Sprintf(`(rate_limit_reset_at IS NULL OR rate_limit_reset_at <= $%d)`, len(args)))
	}
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=target.list: %w", err)
	}
	defer rows.Close()

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
	ctx, end := start(ctx, "targets.Create", "INSERT", "targets")
	defer end()
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	q := `INSERT INTO targets (` + targetColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	_, err := s.Pool.Exec(ctx, q,
		t.ID, t.Name, t.ProjectID, t.Location, t.ServiceAccountKeyJSON, t.IsActive,
		t.LastUsedAt, t.FailureCount, t.RequestCount, t.DailyRateLimit, t.DailyRequestsUsed,
		t.LastResetDate, t.RateLimitResetAt, t.IsDisabledByRateLimit, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("op=target.create: %w", err)
	}
	return nil
}

const updateTargetStmt = `UPDATE targets SET
	name = $1, project_id = $2, location = $3, service_account_key_json = $4, is_active = $5,
	last_used_at = $6, failure_count = $7, request_count = $8, daily_rate_limit = $9,
	daily_requests_used = $10, last_reset_date = $11, rate_limit_reset_at = $12,
	is_disabled_by_rate_limit = $13, updated_at = $14
	WHERE id = $15`

// Save overwrites an existing target row.
func (s *Store) Save(ctx context.Context, t domain.Target) error {
	ctx, end := start(ctx, "targets.Save", "UPDATE", "targets")
	defer end()
	t.UpdatedAt = time.Now().UTC()
	tag, err := s.Pool.Exec(ctx, updateTargetStmt, saveArgs(t)...)
	if err != nil {
		return fmt.Errorf("op=target.save: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=target.save: %w", domain.ErrNotFound)
	}
	return nil
}

// Delete removes a target.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, end := start(ctx, "targets.Delete", "DELETE", "targets")
	defer end()
	tag, err := s.Pool.Exec(ctx, `DELETE FROM targets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("op=target.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=target.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// BulkUpdate saves all targets in one transaction.
func (s *Store) BulkUpdate(ctx context.Context, ts []domain.Target) error {
	if len(ts) == 0 {
		return nil
	}
	ctx, end := start(ctx, "targets.BulkUpdate", "UPDATE", "targets")
	defer end()
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=target.bulk_update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	for _, t := range ts {
		t.UpdatedAt = now
		if _, err := tx.Exec(ctx, updateTargetStmt, saveArgs(t)...); err != nil {
			return fmt.Errorf("op=target.bulk_update: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=target.bulk_update: %w", err)
	}
	return nil
}

// Snapshot reads the singleton settings row.
func (s *Store) Snapshot(ctx context.Context) (domain.Settings, error) {
	row := s.Pool.QueryRow(ctx, `SELECT target_rotation_request_count, max_failure_count,
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
	_, err := s.Pool.Exec(ctx, `INSERT INTO settings
		(id, target_rotation_request_count, max_failure_count, rate_limit_cooldown_seconds,
		 max_retries, failover_delay_seconds, log_retention_days)
		VALUES (1,$1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO NOTHING`,
		st.TargetRotationRequestCount, st.MaxFailureCount, st.RateLimitCooldownSeconds,
		st.MaxRetries, st.FailoverDelaySeconds, st.LogRetentionDays)
	if err != nil {
		return fmt.Errorf("op=settings.seed: %w", err)
	}
	return nil
}

// Append inserts one request-log record.
func (s *Store) Append(ctx context.Context, rec domain.RequestLog) error {
	ctx, end := start(ctx, "request_logs.Append", "INSERT", "request_logs")
	defer end()
	_, err := s.Pool.Exec(ctx, `INSERT INTO request_logs
		(id, request_id, target_id, ts, requested_model, model_used, is_streaming,
		 status_code, is_error, error_type, error_message, response_time_ms, ip_address,
		 prompt_tokens, completion_tokens, total_tokens)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		rec.ID, rec.RequestID, rec.TargetID, rec.Timestamp.UTC(), rec.RequestedModel,
		rec.ModelUsed, rec.IsStreaming, rec.StatusCode, rec.IsError, rec.ErrorType,
		rec.ErrorMessage, rec.ResponseTimeMS, rec.IPAddress,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens)
	if err != nil {
		return fmt.Errorf("op=request_log.append: %w", err)
	}
	return nil
}

// PruneLogsBefore deletes request logs older than cutoff and returns the count.
func (s *Store) PruneLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, end := start(ctx, "request_logs.Prune", "DELETE", "request_logs")
	defer end()
	tag, err := s.Pool.Exec(ctx, `DELETE FROM request_logs WHERE ts < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=request_log.prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanTarget(row pgx.Row) (domain.Target, error) {
	var t domain.Target
	if err := row.Scan(&t.ID, &t.Name, &t.ProjectID, &t.Location, &t.ServiceAccountKeyJSON,
		&t.IsActive, &t.LastUsedAt, &t.FailureCount, &t.RequestCount, &t.DailyRateLimit,
		&t.DailyRequestsUsed, &t.LastResetDate, &t.RateLimitResetAt, &t.IsDisabledByRateLimit,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.Target{}, err
	}
	return t, nil
}

func saveArgs(t domain.Target) []any {
	return []any{
		t.Name, t.ProjectID, t.Location, t.ServiceAccountKeyJSON, t.IsActive,
		t.LastUsedAt, t.FailureCount, t.RequestCount, t.DailyRateLimit, t.DailyRequestsUsed,
		t.LastResetDate, t.RateLimitResetAt, t.IsDisabledByRateLimit, t.UpdatedAt, t.ID,
	}
}
