// Package ratelimit enforces the daily conversation quota for managed-model
// tenants. Usage is recorded per conversation in SQLite so restarts within a
// day keep the count.
package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/browseros-ai/agent-server/internal/observability"
)

// DefaultDailyLimit applies when no limit source is configured or the source
// is unreachable.
const DefaultDailyLimit = 200

// Error reports an exhausted quota. The web layer renders it as HTTP 429
// with the count and limit.
type Error struct {
	Count int `json:"count"`
	Limit int `json:"limit"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d of %d conversations today", e.Count, e.Limit)
}

// LimitSource supplies the per-tenant daily limit. The catalog service
// implements it; failures fall back to DefaultDailyLimit.
type LimitSource interface {
	DailyLimit(ctx context.Context, tenantID string) (int, error)
}

// Limiter counts conversations per tenant per server-local calendar day.
type Limiter struct {
	db      *sql.DB
	source  LimitSource
	logger  *observability.Logger
	metrics *observability.Metrics
	bypass  bool
	now     func() time.Time
}

// Config configures a limiter.
type Config struct {
	// Path is the SQLite database file; empty means in-memory.
	Path string

	// Source supplies per-tenant limits; nil uses the default limit.
	Source LimitSource

	// Bypass disables enforcement (development and tests).
	Bypass bool
}

// New opens the limiter database and ensures the schema.
func New(cfg Config, logger *observability.Logger, metrics *observability.Metrics) (*Limiter, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: open database: %w", err)
	}
	l := &Limiter{
		db:      db,
		source:  cfg.Source,
		logger:  logger,
		metrics: metrics,
		bypass:  cfg.Bypass,
		now:     time.Now,
	}
	if err := l.init(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Limiter) init() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS rate_limit_records (
			conversation_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("ratelimit: create table: %w", err)
	}
	_, err = l.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_rate_limit_tenant_day
		ON rate_limit_records (tenant_id, created_at)
	`)
	if err != nil {
		return fmt.Errorf("ratelimit: create index: %w", err)
	}
	return nil
}

// Check verifies the tenant is under its daily quota. Returns *Error when the
// quota is exhausted.
func (l *Limiter) Check(ctx context.Context, tenantID, provider string) error {
	if l.bypass {
		return nil
	}

	count, err := l.countToday(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("ratelimit: count usage: %w", err)
	}
	limit := l.limitFor(ctx, tenantID)

	if count >= limit {
		l.record(provider, "denied")
		return &Error{Count: count, Limit: limit}
	}
	l.record(provider, "allowed")
	return nil
}

// Record registers a conversation against the tenant's quota. Recording the
// same conversation twice is a no-op, so retried requests do not double
// count.
func (l *Limiter) Record(ctx context.Context, conversationID, tenantID, provider string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO rate_limit_records (conversation_id, tenant_id, provider, created_at)
		VALUES (?, ?, ?, ?)
	`, conversationID, tenantID, provider, l.now().UTC())
	if err != nil {
		return fmt.Errorf("ratelimit: record conversation: %w", err)
	}
	return nil
}

// countToday counts the tenant's conversations since local midnight.
func (l *Limiter) countToday(ctx context.Context, tenantID string) (int, error) {
	now := l.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var count int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rate_limit_records
		WHERE tenant_id = ? AND created_at >= ?
	`, tenantID, midnight.UTC()).Scan(&count)
	return count, err
}

func (l *Limiter) limitFor(ctx context.Context, tenantID string) int {
	if l.source == nil {
		return DefaultDailyLimit
	}
	limit, err := l.source.DailyLimit(ctx, tenantID)
	if err != nil || limit <= 0 {
		if err != nil && l.logger != nil {
			l.logger.Warn(ctx, "limit source unavailable, using default",
				"tenant_id", tenantID,
				"default", DefaultDailyLimit,
				"error", err)
		}
		return DefaultDailyLimit
	}
	return limit
}

func (l *Limiter) record(provider, decision string) {
	if l.metrics != nil {
		l.metrics.RecordRateLimit(provider, decision)
	}
}

// Close releases the database handle.
func (l *Limiter) Close() error {
	return l.db.Close()
}
