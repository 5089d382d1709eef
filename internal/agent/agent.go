// Package agent implements the per-conversation runtime: the reasoning loop,
// the tool dispatcher, and the history compactor.
package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/browseros-ai/agent-server/internal/mcp"
	"github.com/browseros-ai/agent-server/internal/model"
	"github.com/browseros-ai/agent-server/internal/observability"
	"github.com/browseros-ai/agent-server/internal/ui"
	"github.com/browseros-ai/agent-server/pkg/models"
)

// ErrTurnInFlight is returned when a second turn is submitted while one is
// still running. A conversation processes at most one turn at a time.
var ErrTurnInFlight = errors.New("agent: a turn is already in flight")

// TurnInput is one user submission.
type TurnInput struct {
	Text                 string
	Images               []models.ImagePart
	BrowserContext       *models.BrowserContext
	PreviousConversation string
}

// Agent is the runtime of one conversation: its immutable config, its MCP
// pool, its transcript, and the loop that advances it.
type Agent struct {
	ID   string
	cfg  models.Config
	pool *mcp.Pool
	loop *Loop

	mu       sync.Mutex
	history  []models.Message
	inflight bool
	cancel   context.CancelFunc
	settled  chan struct{}
}

// New assembles an agent. The pool must already be connected; the agent takes
// ownership and closes it on Close.
func New(id string, cfg models.Config, provider model.Provider, pool *mcp.Pool, logger *observability.Logger, metrics *observability.Metrics) *Agent {
	dispatcher := NewDispatcher(pool, 0, logger, metrics)
	return &Agent{
		ID:   id,
		cfg:  cfg,
		pool: pool,
		loop: NewLoop(cfg, provider, dispatcher, NewCompactor(0, 0), logger, metrics),
	}
}

// Pool exposes the conversation's MCP pool for periodic re-listing.
func (a *Agent) Pool() *mcp.Pool {
	return a.pool
}

// Config returns the conversation's immutable configuration snapshot.
func (a *Agent) Config() models.Config {
	return a.cfg
}

// History returns a copy of the transcript.
func (a *Agent) History() []models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.Message, len(a.history))
	copy(out, a.history)
	return out
}

// Execute runs one user turn to completion, streaming UI events into sink.
// Only one turn may be in flight; concurrent calls fail with ErrTurnInFlight.
func (a *Agent) Execute(ctx context.Context, input TurnInput, sink ui.Sink) (TurnStatus, error) {
	a.mu.Lock()
	if a.inflight {
		a.mu.Unlock()
		return TurnError, ErrTurnInFlight
	}
	turnCtx, cancel := context.WithCancel(ctx)
	a.inflight = true
	a.cancel = cancel
	a.settled = make(chan struct{})
	settled := a.settled

	text := input.Text
	if len(a.history) == 0 {
		text = firstTurnText(text, input.BrowserContext, input.PreviousConversation)
	}
	userMsg := models.Message{ID: uuid.NewString(), Role: models.RoleUser}
	userMsg.Parts = append(userMsg.Parts, models.TextPart{Text: text})
	for _, img := range input.Images {
		userMsg.Parts = append(userMsg.Parts, img)
	}
	a.history = append(a.history, userMsg)
	history := a.history
	a.mu.Unlock()

	defer func() {
		cancel()
		a.mu.Lock()
		a.inflight = false
		a.cancel = nil
		a.mu.Unlock()
		close(settled)
	}()

	var tools []model.ToolSpec
	if a.pool != nil {
		tools = toolSpecs(a.pool.Catalog())
	}
	newHistory, status, err := a.loop.Run(turnCtx, history, tools, sink)

	a.mu.Lock()
	a.history = newHistory
	a.mu.Unlock()
	return status, err
}

// Cancel aborts the in-flight turn, if any.
func (a *Agent) Cancel() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the in-flight turn settles. Returns immediately when no
// turn is running.
func (a *Agent) Wait() {
	a.mu.Lock()
	settled := a.settled
	inflight := a.inflight
	a.mu.Unlock()
	if inflight && settled != nil {
		<-settled
	}
}

// Close cancels any running turn, waits for it to settle, and releases the
// MCP pool.
func (a *Agent) Close() {
	a.Cancel()
	a.Wait()
	if a.pool != nil {
		a.pool.Close()
	}
}

// toolSpecs projects the pool catalog into the provider-facing form.
func toolSpecs(defs []*mcp.ToolDefinition) []model.ToolSpec {
	specs := make([]model.ToolSpec, 0, len(defs))
	for _, def := range defs {
		specs = append(specs, model.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	return specs
}
