// Package domain holds the core entities and ports of the balancer.
//
// Adapters (stores, the Vertex client, the HTTP layer) depend on this
// package; it depends on nothing but the standard library.
package domain

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// Sentinel target ids used on request-log records that could not be bound
// to a concrete target.
const (
	TargetUnavailable = "TARGET_UNAVAILABLE"
	TargetUnknown     = "TARGET_UNKNOWN"
	TargetNone        = "N/A"
)

// Target is one routable Vertex AI binding: project + location + credential.
// Counters are mutated only by the dispatch manager; creation and deletion
// happen through the admin surface (external to this core).
type Target struct {
	ID                    string
	Name                  string
	ProjectID             string
	Location              string
	ServiceAccountKeyJSON string
	IsActive              bool
	LastUsedAt            *time.Time
	FailureCount          int
	RequestCount          int64
	DailyRateLimit        *int
	DailyRequestsUsed     int
	LastResetDate         *time.Time
	RateLimitResetAt      *time.Time
	IsDisabledByRateLimit bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// EligibleAt reports whether the target may be acquired at the given instant:
// administratively active, not disabled by its daily quota, and not under an
// upstream cooldown.
func (t *Target) EligibleAt(now time.Time) bool {
	if !t.IsActive || t.IsDisabledByRateLimit {
		return false
	}
	if t.RateLimitResetAt != nil && t.RateLimitResetAt.After(now) {
		return false
	}
	return true
}

// ModelID is the identifier the /v1/models listing exposes for this target.
func (t *Target) ModelID() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// TargetSpec is the upsert shape consumed by AddOrReactivate. Two specs with
// the same (ProjectID, Location) address the same target.
type TargetSpec struct {
	Name                  string
	ProjectID             string
	Location              string
	ServiceAccountKeyJSON string
	DailyRateLimit        *int
}

// RequestLog is one append-only record per dispatch outcome.
type RequestLog struct {
	ID               string
	RequestID        string
	TargetID         string
	Timestamp        time.Time
	RequestedModel   string
	ModelUsed        string
	IsStreaming      bool
	StatusCode       int
	IsError          bool
	ErrorType        string
	ErrorMessage     string
	ResponseTimeMS   int64
	IPAddress        string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Settings are the dispatch tunables. They live in the store so the admin
// surface can change them at runtime; the engine reads a fresh snapshot per
// dispatch.
type Settings struct {
	TargetRotationRequestCount int `validate:"min=1,max=100"`
	MaxFailureCount            int `validate:"min=1,max=1000"`
	RateLimitCooldownSeconds   int `validate:"min=10,max=3600"`
	MaxRetries                 int `validate:"min=0,max=10"`
	FailoverDelaySeconds       int `validate:"min=0,max=60"`
	LogRetentionDays           int `validate:"min=1,max=90"`
}

// DefaultSettings returns the values seeded into a fresh store.
func DefaultSettings() Settings {
	return Settings{
		TargetRotationRequestCount: 10,
		MaxFailureCount:            5,
		RateLimitCooldownSeconds:   60,
		MaxRetries:                 3,
		FailoverDelaySeconds:       2,
		LogRetentionDays:           30,
	}
}

// RateLimitCooldown is RateLimitCooldownSeconds as a duration.
func (s Settings) RateLimitCooldown() time.Duration {
	return time.Duration(s.RateLimitCooldownSeconds) * time.Second
}

// FailoverDelay is FailoverDelaySeconds as a duration.
func (s Settings) FailoverDelay() time.Duration {
	return time.Duration(s.FailoverDelaySeconds) * time.Second
}

// TargetFilter narrows List results. Nil fields are ignored.
type TargetFilter struct {
	Active *bool
	// EligibleAt additionally requires the target not be quota-disabled and
	// have no cooldown in the future relative to this instant.
	EligibleAt *time.Time
}

// TargetStore is the durable pool of targets (port).
//
// BulkUpdate must be atomic so the daily-reset sweep is observable as a
// single step.
type TargetStore interface {
	FindByID(ctx context.Context, id string) (Target, error)
	FindByBinding(ctx context.Context, projectID, location string) (Target, error)
	List(ctx context.Context, f TargetFilter) ([]Target, error)
	Create(ctx context.Context, t Target) error
	Save(ctx context.Context, t Target) error
	Delete(ctx context.Context, id string) error
	BulkUpdate(ctx context.Context, ts []Target) error
}

// SettingsSource returns a fresh settings snapshot (port). Implementations
// may cache but callers must not rely on coherence across dispatches.
type SettingsSource interface {
	Snapshot(ctx context.Context) (Settings, error)
}

// RequestLogSink appends dispatch outcome records (port). Append failures
// are logged by callers and never block a response.
type RequestLogSink interface {
	Append(ctx context.Context, rec RequestLog) error
}
