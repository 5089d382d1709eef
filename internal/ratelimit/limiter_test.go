package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/browseros-ai/agent-server/internal/observability"
)

type fixedSource struct {
	limit int
	err   error
}

func (s fixedSource) DailyLimit(ctx context.Context, tenantID string) (int, error) {
	return s.limit, s.err
}

func quietLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Format: "json"})
}

func newTestLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	l, err := New(cfg, quietLogger(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	l := newTestLimiter(t, Config{Source: fixedSource{limit: 3}})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.Check(ctx, "tenant-1", "browseros"); err != nil {
			t.Fatalf("Check %d: %v", i, err)
		}
		if err := l.Record(ctx, fmt.Sprintf("conv-%d", i), "tenant-1", "browseros"); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}
}

func TestCheckDeniesAtLimit(t *testing.T) {
	l := newTestLimiter(t, Config{Source: fixedSource{limit: 2}})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		l.Record(ctx, fmt.Sprintf("conv-%d", i), "tenant-1", "browseros")
	}

	err := l.Check(ctx, "tenant-1", "browseros")
	var rlErr *Error
	if !errors.As(err, &rlErr) {
		t.Fatalf("Check err = %v, want *Error", err)
	}
	if rlErr.Count != 2 || rlErr.Limit != 2 {
		t.Errorf("Error = %+v", rlErr)
	}
}

func TestRecordIsIdempotentPerConversation(t *testing.T) {
	l := newTestLimiter(t, Config{Source: fixedSource{limit: 2}})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := l.Record(ctx, "conv-1", "tenant-1", "browseros"); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	// One conversation recorded five times counts once.
	if err := l.Check(ctx, "tenant-1", "browseros"); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	l := newTestLimiter(t, Config{Source: fixedSource{limit: 1}})
	ctx := context.Background()

	l.Record(ctx, "conv-a", "tenant-a", "browseros")
	if err := l.Check(ctx, "tenant-a", "browseros"); err == nil {
		t.Error("tenant-a should be at its limit")
	}
	if err := l.Check(ctx, "tenant-b", "browseros"); err != nil {
		t.Errorf("tenant-b blocked by tenant-a usage: %v", err)
	}
}

func TestCountResetsAtMidnight(t *testing.T) {
	l := newTestLimiter(t, Config{Source: fixedSource{limit: 1}})
	ctx := context.Background()

	yesterday := time.Now().Add(-24 * time.Hour)
	l.now = func() time.Time { return yesterday }
	l.Record(ctx, "conv-old", "tenant-1", "browseros")

	l.now = time.Now
	if err := l.Check(ctx, "tenant-1", "browseros"); err != nil {
		t.Errorf("yesterday's usage counted today: %v", err)
	}
}

func TestFallbackLimitWhenSourceFails(t *testing.T) {
	l := newTestLimiter(t, Config{Source: fixedSource{err: errors.New("catalog down")}})
	ctx := context.Background()

	// The default limit applies; a single recorded conversation stays under.
	l.Record(ctx, "conv-1", "tenant-1", "browseros")
	if err := l.Check(ctx, "tenant-1", "browseros"); err != nil {
		t.Errorf("Check with fallback limit: %v", err)
	}
}

func TestBypassSkipsEnforcement(t *testing.T) {
	l := newTestLimiter(t, Config{Source: fixedSource{limit: 0}, Bypass: true})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		l.Record(ctx, fmt.Sprintf("conv-%d", i), "tenant-1", "browseros")
	}
	if err := l.Check(ctx, "tenant-1", "browseros"); err != nil {
		t.Errorf("bypass did not skip enforcement: %v", err)
	}
}
