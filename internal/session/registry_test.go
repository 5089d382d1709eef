package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/browseros-ai/agent-server/internal/agent"
	"github.com/browseros-ai/agent-server/internal/observability"
	"github.com/browseros-ai/agent-server/pkg/models"
)

func quietLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Level: "error", Format: "json"})
}

// stubFactory counts constructions and hands out bare agents. The agents
// carry no pool, which Close tolerates.
func stubFactory(counter *atomic.Int32) Factory {
	return func(ctx context.Context, id string, cfg models.Config) (*agent.Agent, error) {
		counter.Add(1)
		return agent.New(id, cfg, nil, nil, quietLogger(), nil), nil
	}
}

func TestGetOrCreateSingleWinner(t *testing.T) {
	var built atomic.Int32
	r := NewRegistry(stubFactory(&built), quietLogger(), nil)

	const callers = 16
	agents := make([]*agent.Agent, callers)
	createdCount := atomic.Int32{}

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, created, err := r.GetOrCreate(context.Background(), "conv-1", models.Config{})
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			if created {
				createdCount.Add(1)
			}
			agents[i] = a
		}(i)
	}
	wg.Wait()

	if built.Load() != 1 {
		t.Errorf("factory ran %d times, want 1", built.Load())
	}
	if createdCount.Load() != 1 {
		t.Errorf("%d callers reported created, want 1", createdCount.Load())
	}
	for i := 1; i < callers; i++ {
		if agents[i] != agents[0] {
			t.Fatalf("caller %d got a different agent", i)
		}
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d", r.Count())
	}
}

func TestFailedCreationDoesNotPoisonID(t *testing.T) {
	fail := true
	var built atomic.Int32
	r := NewRegistry(func(ctx context.Context, id string, cfg models.Config) (*agent.Agent, error) {
		built.Add(1)
		if fail {
			return nil, errors.New("provider unreachable")
		}
		return agent.New(id, cfg, nil, nil, quietLogger(), nil), nil
	}, quietLogger(), nil)

	if _, _, err := r.GetOrCreate(context.Background(), "conv-1", models.Config{}); err == nil {
		t.Fatal("expected creation error")
	}
	if r.Has("conv-1") {
		t.Error("failed session left registered")
	}

	fail = false
	a, created, err := r.GetOrCreate(context.Background(), "conv-1", models.Config{})
	if err != nil || !created || a == nil {
		t.Fatalf("retry after failure: created=%v err=%v", created, err)
	}
	if built.Load() != 2 {
		t.Errorf("factory ran %d times, want 2", built.Load())
	}
}

func TestGetAndHas(t *testing.T) {
	var built atomic.Int32
	r := NewRegistry(stubFactory(&built), quietLogger(), nil)

	if _, ok := r.Get("missing"); ok {
		t.Error("Get on missing id returned ok")
	}
	if r.Has("missing") {
		t.Error("Has on missing id")
	}

	r.GetOrCreate(context.Background(), "conv-1", models.Config{})
	if a, ok := r.Get("conv-1"); !ok || a == nil {
		t.Error("Get after create failed")
	}
	if !r.Has("conv-1") {
		t.Error("Has after create false")
	}
}

func TestDeleteRemovesWorkDir(t *testing.T) {
	workDir := filepath.Join(t.TempDir(), "conv-1")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		t.Fatal(err)
	}

	var built atomic.Int32
	r := NewRegistry(stubFactory(&built), quietLogger(), nil)
	r.GetOrCreate(context.Background(), "conv-1", models.Config{WorkDir: workDir})

	if !r.Delete("conv-1") {
		t.Error("Delete = false for a live session")
	}
	if r.Has("conv-1") {
		t.Error("session survived Delete")
	}
	if _, err := os.Stat(workDir); !os.IsNotExist(err) {
		t.Errorf("work dir survived Delete: %v", err)
	}
}

func TestDeleteUnknownIDIsNoop(t *testing.T) {
	var built atomic.Int32
	r := NewRegistry(stubFactory(&built), quietLogger(), nil)
	if r.Delete("never-existed") {
		t.Error("Delete = true for an unknown id")
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d", r.Count())
	}
}

func TestConcurrentDeletesReportOnce(t *testing.T) {
	var built atomic.Int32
	r := NewRegistry(stubFactory(&built), quietLogger(), nil)
	r.GetOrCreate(context.Background(), "conv-1", models.Config{})

	const n = 8
	var deleted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Delete("conv-1") {
				deleted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := deleted.Load(); got != 1 {
		t.Errorf("deletes reporting true = %d, want 1", got)
	}
	if r.Has("conv-1") {
		t.Error("session survived concurrent deletes")
	}
}

func TestShutdownDisposesAll(t *testing.T) {
	var built atomic.Int32
	r := NewRegistry(stubFactory(&built), quietLogger(), nil)
	for _, id := range []string{"a", "b", "c"} {
		r.GetOrCreate(context.Background(), id, models.Config{})
	}
	r.Shutdown()
	if r.Count() != 0 {
		t.Errorf("Count = %d after Shutdown", r.Count())
	}
}
