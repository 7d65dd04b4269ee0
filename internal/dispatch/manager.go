// Package dispatch contains the hot path of the balancer: target selection
// and the per-request retry/failover state machine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/vertex-balancer/internal/domain"
)

// Manager owns target selection and usage accounting. One instance serves
// the whole process; every state-mutating operation runs under a single
// mutex so concurrent dispatches observe consistent reset/failure state.
// A readers-writers split buys nothing here: every hot-path operation writes.
type Manager struct {
	mu    sync.Mutex
	store domain.TargetStore

	// current is the target retained across dispatches until rotation,
	// cooldown, or quota forces a drop. rotation counts uses since adoption.
	current  *domain.Target
	rotation int

	now func() time.Time // test seam
}

// NewManager constructs a Manager over the given store.
func NewManager(store domain.TargetStore) *Manager {
	return &Manager{store: store, now: time.Now}
}

// Acquire selects a target eligible now, after applying the daily reset
// sweep. It fails with NoTargetsAvailableError when the pool has no eligible
// member.
func (m *Manager) Acquire(ctx context.Context, st domain.Settings) (domain.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if err := m.sweepDailyResets(ctx, now); err != nil {
		m.current = nil
		return domain.Target{}, err
	}

	if m.current != nil {
		keep, err := m.validateCurrent(ctx, now, st)
		if err != nil {
			m.current = nil
			return domain.Target{}, err
		}
		if keep {
			m.rotation++
			return *m.current, nil
		}
	}

	active := true
	eligible, err := m.store.List(ctx, domain.TargetFilter{Active: &active, EligibleAt: &now})
	if err != nil {
		m.current = nil
		return domain.Target{}, fmt.Errorf("op=manager.acquire: list eligible: %w", err)
	}
	pick := selectTarget(eligible)
	if pick == nil {
		return domain.Target{}, domain.NoTargetsAvailable()
	}
	m.current = pick
	m.rotation = 1
	return *pick, nil
}

// sweepDailyResets zeroes daily counters for every active target whose last
// reset predates the current local day, in one atomic bulk update. All
// dispatches therefore observe either no reset or the whole sweep.
func (m *Manager) sweepDailyResets(ctx context.Context, now time.Time) error {
	active := true
	targets, err := m.store.List(ctx, domain.TargetFilter{Active: &active})
	if err != nil {
		return fmt.Errorf("op=manager.sweep: list active: %w", err)
	}
	var dirty []domain.Target
	for i := range targets {
		if resetDue(&targets[i], now) {
			applyDailyReset(&targets[i], now)
			dirty = append(dirty, targets[i])
		}
	}
	if len(dirty) == 0 {
		return nil
	}
	if err := m.store.BulkUpdate(ctx, dirty); err != nil {
		return fmt.Errorf("op=manager.sweep: bulk update: %w", err)
	}
	slog.Debug("daily reset sweep applied", slog.Int("targets", len(dirty)))
	// Keep the retained target in step with the sweep.
	if m.current != nil {
		for i := range dirty {
			if dirty[i].ID == m.current.ID {
				cp := dirty[i]
				m.current = &cp
			}
		}
	}
	return nil
}

// validateCurrent decides whether the retained target survives this
// acquire. Any forced drop re-initializes the rotation counter when the next
// target is adopted.
func (m *Manager) validateCurrent(ctx context.Context, now time.Time, st domain.Settings) (bool, error) {
	cur, err := m.store.FindByID(ctx, m.current.ID)
	if err != nil {
		return false, fmt.Errorf("op=manager.acquire: refresh current: %w", err)
	}
	if resetDue(&cur, now) {
		applyDailyReset(&cur, now)
		if err := m.store.Save(ctx, cur); err != nil {
			return false, fmt.Errorf("op=manager.acquire: persist reset: %w", err)
		}
	}
	if !cur.IsActive {
		m.current = nil
		return false, nil
	}
	if cur.RateLimitResetAt != nil && cur.RateLimitResetAt.After(now) {
		m.current = nil
		return false, nil
	}
	if cur.DailyRateLimit != nil && cur.DailyRequestsUsed >= *cur.DailyRateLimit {
		cur.IsDisabledByRateLimit = true
		if err := m.store.Save(ctx, cur); err != nil {
			return false, fmt.Errorf("op=manager.acquire: persist quota disable: %w", err)
		}
		slog.Info("target exhausted daily quota",
			slog.String("target_id", cur.ID), slog.Int("limit", *cur.DailyRateLimit))
		m.current = nil
		return false, nil
	}
	if m.rotation >= st.TargetRotationRequestCount {
		m.current = nil
		return false, nil
	}
	m.current = &cur
	return true, nil
}

// selectTarget applies the tie-break order: never-used targets first, then
// least-recently-used.
func selectTarget(eligible []domain.Target) *domain.Target {
	var pick *domain.Target
	for i := range eligible {
		t := &eligible[i]
		switch {
		case pick == nil:
			pick = t
		case t.LastUsedAt == nil && pick.LastUsedAt != nil:
			pick = t
		case t.LastUsedAt != nil && pick.LastUsedAt != nil && t.LastUsedAt.Before(*pick.LastUsedAt):
			pick = t
		}
	}
	if pick == nil {
		return nil
	}
	cp := *pick
	return &cp
}

// MarkSuccess records one successful use of the target and persists it.
func (m *Manager) MarkSuccess(ctx context.Context, t domain.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.store.FindByID(ctx, t.ID)
	if err != nil {
		m.current = nil
		return fmt.Errorf("op=manager.mark_success: %w", err)
	}
	now := m.now()
	cur.LastUsedAt = &now
	cur.RequestCount++
	cur.DailyRequestsUsed++
	if err := m.store.Save(ctx, cur); err != nil {
		m.current = nil
		return fmt.Errorf("op=manager.mark_success: %w", err)
	}
	if m.current != nil && m.current.ID == cur.ID {
		m.current = &cur
	}
	return nil
}

// MarkError accounts a failed use. Rate limits put the target under cooldown
// and force a drop; other failures increment the failure count and
// deactivate the target once it reaches the configured maximum. Returns
// whether the error was a rate limit.
func (m *Manager) MarkError(ctx context.Context, t domain.Target, derr *domain.DispatchError, st domain.Settings) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.store.FindByID(ctx, t.ID)
	if err != nil {
		m.current = nil
		return derr.IsRateLimit(), fmt.Errorf("op=manager.mark_error: %w", err)
	}
	now := m.now()
	if derr.IsRateLimit() {
		resetAt := now.Add(st.RateLimitCooldown())
		if derr.RetryAfter != nil && derr.RetryAfter.After(now) {
			resetAt = *derr.RetryAfter
		}
		cur.RateLimitResetAt = &resetAt
		if err := m.store.Save(ctx, cur); err != nil {
			m.current = nil
			return true, fmt.Errorf("op=manager.mark_error: %w", err)
		}
		slog.Warn("target cooling down after upstream rate limit",
			slog.String("target_id", cur.ID), slog.Time("reset_at", resetAt))
		m.dropCurrent(cur.ID)
		return true, nil
	}

	cur.FailureCount++
	if cur.FailureCount >= st.MaxFailureCount {
		cur.IsActive = false
		slog.Warn("target deactivated after repeated failures",
			slog.String("target_id", cur.ID), slog.Int("failures", cur.FailureCount))
		m.dropCurrent(cur.ID)
	}
	if err := m.store.Save(ctx, cur); err != nil {
		m.current = nil
		return false, fmt.Errorf("op=manager.mark_error: %w", err)
	}
	if m.current != nil && m.current.ID == cur.ID {
		m.current = &cur
	}
	return false, nil
}

func (m *Manager) dropCurrent(id string) {
	if m.current != nil && m.current.ID == id {
		m.current = nil
	}
}

// AddOrReactivate upserts a target by (projectId, location). An existing
// binding gets fresh credentials and a clean failure/cooldown slate; a new
// one is created active.
func (m *Manager) AddOrReactivate(ctx context.Context, spec domain.TargetSpec) (domain.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	existing, err := m.store.FindByBinding(ctx, spec.ProjectID, spec.Location)
	switch {
	case err == nil:
		existing.Name = spec.Name
		existing.ServiceAccountKeyJSON = spec.ServiceAccountKeyJSON
		existing.DailyRateLimit = spec.DailyRateLimit
		existing.FailureCount = 0
		existing.IsActive = true
		existing.RateLimitResetAt = nil
		existing.IsDisabledByRateLimit = false
		if err := m.store.Save(ctx, existing); err != nil {
			return domain.Target{}, fmt.Errorf("op=manager.add_or_reactivate: %w", err)
		}
		slog.Info("target reactivated",
			slog.String("target_id", existing.ID),
			slog.String("project_id", existing.ProjectID),
			slog.String("location", existing.Location))
		return existing, nil
	case errors.Is(err, domain.ErrNotFound):
		t := domain.Target{
			ID:                    ulid.Make().String(),
			Name:                  spec.Name,
			ProjectID:             spec.ProjectID,
			Location:              spec.Location,
			ServiceAccountKeyJSON: spec.ServiceAccountKeyJSON,
			DailyRateLimit:        spec.DailyRateLimit,
			IsActive:              true,
			CreatedAt:             now,
		}
		if err := m.store.Create(ctx, t); err != nil {
			return domain.Target{}, fmt.Errorf("op=manager.add_or_reactivate: %w", err)
		}
		slog.Info("target created",
			slog.String("target_id", t.ID),
			slog.String("project_id", t.ProjectID),
			slog.String("location", t.Location))
		return t, nil
	default:
		return domain.Target{}, fmt.Errorf("op=manager.add_or_reactivate: %w", err)
	}
}

// resetDue reports whether the target's last reset names a local calendar
// day earlier than now's.
func resetDue(t *domain.Target, now time.Time) bool {
	if t.LastResetDate == nil {
		return true
	}
	ly, lm, ld := t.LastResetDate.Local().Date()
	ny, nm, nd := now.Local().Date()
	if ly != ny {
		return ly < ny
	}
	if lm != nm {
		return lm < nm
	}
	return ld < nd
}

func applyDailyReset(t *domain.Target, now time.Time) {
	t.DailyRequestsUsed = 0
	t.IsDisabledByRateLimit = false
	t.LastResetDate = &now
}
