// Package session tracks the live conversations of the server and their
// lifecycle: creation is single-winner per id, deletion cancels in-flight
// work before resources are released.
package session

import (
	"context"
	"os"
	"sync"

	"github.com/browseros-ai/agent-server/internal/agent"
	"github.com/browseros-ai/agent-server/internal/observability"
	"github.com/browseros-ai/agent-server/pkg/models"
)

// Factory builds the agent for a new conversation: provider, MCP pool, and
// runtime wiring.
type Factory func(ctx context.Context, id string, cfg models.Config) (*agent.Agent, error)

// Registry is the id-to-agent map. All access is concurrency safe.
type Registry struct {
	factory Factory
	logger  *observability.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	sessions map[string]*entry
}

// entry resolves the create race: the first caller for an id builds the
// agent, later callers wait on ready.
type entry struct {
	ready chan struct{}
	agent *agent.Agent
	err   error
}

// NewRegistry creates an empty registry.
func NewRegistry(factory Factory, logger *observability.Logger, metrics *observability.Metrics) *Registry {
	return &Registry{
		factory:  factory,
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[string]*entry),
	}
}

// GetOrCreate returns the agent for id, creating it when absent. Exactly one
// concurrent caller constructs the session; the others block until it is
// ready and share the result. created reports whether this call won the
// construction.
func (r *Registry) GetOrCreate(ctx context.Context, id string, cfg models.Config) (a *agent.Agent, created bool, err error) {
	r.mu.Lock()
	if e, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		return e.agent, false, e.err
	}
	e := &entry{ready: make(chan struct{})}
	r.sessions[id] = e
	r.mu.Unlock()

	e.agent, e.err = r.factory(ctx, id, cfg)
	if e.err != nil {
		// Failed construction must not poison the id.
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
	} else if r.metrics != nil {
		r.metrics.ConversationStarted()
	}
	close(e.ready)
	return e.agent, e.err == nil, e.err
}

// Get returns the agent for id when it exists and is fully constructed.
func (r *Registry) Get(id string) (*agent.Agent, bool) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
	default:
		return nil, false
	}
	if e.err != nil {
		return nil, false
	}
	return e.agent, true
}

// Has reports whether a session exists for id.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Range calls fn for every fully constructed session. The registry lock is
// not held during fn.
func (r *Registry) Range(fn func(id string, a *agent.Agent)) {
	r.mu.Lock()
	entries := make(map[string]*entry, len(r.sessions))
	for id, e := range r.sessions {
		entries[id] = e
	}
	r.mu.Unlock()

	for id, e := range entries {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.err == nil && e.agent != nil {
			fn(id, e.agent)
		}
	}
}

// Delete removes a session and reports whether one existed. Any in-flight
// turn is cancelled and disposal waits for it to settle before the MCP pool
// and work directory go away. The removal from the map decides the return
// value, so concurrent deletes of the same id see true exactly once.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	<-e.ready
	if e.err != nil || e.agent == nil {
		return false
	}

	e.agent.Close()
	if workDir := e.agent.Config().WorkDir; workDir != "" {
		if err := os.RemoveAll(workDir); err != nil && r.logger != nil {
			r.logger.Warn(context.Background(), "failed to remove session work dir",
				"conversation_id", id,
				"work_dir", workDir,
				"error", err)
		}
	}
	if r.metrics != nil {
		r.metrics.ConversationEnded()
	}
	if r.logger != nil {
		r.logger.Info(context.Background(), "session deleted", "conversation_id", id)
	}
	return true
}

// Shutdown disposes every session. Used on server stop.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Delete(id)
	}
}
