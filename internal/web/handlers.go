package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/browseros-ai/agent-server/internal/agent"
	"github.com/browseros-ai/agent-server/internal/model"
	"github.com/browseros-ai/agent-server/internal/observability"
	"github.com/browseros-ai/agent-server/internal/ratelimit"
	"github.com/browseros-ai/agent-server/internal/ui"
	"github.com/browseros-ai/agent-server/pkg/models"
)

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	ConversationID       string                 `json:"conversationId"`
	Message              string                 `json:"message"`
	Images               []models.ImagePart     `json:"images,omitempty"`
	BrowserContext       *models.BrowserContext `json:"browserContext,omitempty"`
	PreviousConversation string                 `json:"previousConversation,omitempty"`
	TenantID             string                 `json:"tenantId,omitempty"`
	Config               models.Config          `json:"config"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "request body is not valid JSON")
		return
	}
	if req.ConversationID == "" {
		writeValidationError(w, "conversationId is required")
		return
	}
	if req.Message == "" {
		writeValidationError(w, "message is required")
		return
	}

	ctx := observability.AddConversationID(r.Context(), req.ConversationID)

	// Surface config problems as 400 before any session state is created.
	if _, err := model.New(req.Config); err != nil {
		writeProviderConfigError(w, err.Error())
		return
	}

	tenant := req.TenantID
	if tenant == "" {
		tenant = "default"
	}
	managed := req.Config.Provider == models.ProviderManaged
	if managed && s.limiter != nil {
		if err := s.limiter.Check(ctx, tenant, string(req.Config.Provider)); err != nil {
			var rlErr *ratelimit.Error
			if errors.As(err, &rlErr) {
				writeRateLimitError(w, rlErr)
				return
			}
			writeInternalError(w, err.Error())
			return
		}
	}

	a, created, err := s.registry.GetOrCreate(ctx, req.ConversationID, req.Config)
	if err != nil {
		s.logger.Error(ctx, "session creation failed", "error", err)
		writeInternalError(w, "failed to create session")
		return
	}
	if created && managed && s.limiter != nil {
		if err := s.limiter.Record(ctx, req.ConversationID, tenant, string(req.Config.Provider)); err != nil {
			s.logger.Warn(ctx, "failed to record rate-limit usage", "error", err)
		}
	}

	sink := &lazySink{w: w}
	status, err := a.Execute(ctx, agent.TurnInput{
		Text:                 req.Message,
		Images:               req.Images,
		BrowserContext:       req.BrowserContext,
		PreviousConversation: req.PreviousConversation,
	}, sink)

	if errors.Is(err, agent.ErrTurnInFlight) && !sink.opened() {
		writeError(w, http.StatusConflict, "ValidationError", "turn_in_flight",
			"a turn is already running for this conversation")
		return
	}
	sink.close()

	s.logger.Info(ctx, "turn finished",
		"conversation_id", req.ConversationID,
		"status", string(status))
	if s.metrics != nil {
		s.metrics.RecordTurn(string(req.Config.Mode), string(status))
	}
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeValidationError(w, "conversation id is required")
		return
	}
	if !s.registry.Delete(id) {
		writeError(w, http.StatusNotFound, "NotFoundError", "conversation_not_found",
			"no conversation with id "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime":   int(time.Since(s.started).Seconds()),
		"sessions": s.registry.Count(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"bridgeConnected": false}
	if s.hub != nil && s.hub.Connected() {
		body["bridgeConnected"] = true
		body["connectedSince"] = s.hub.ConnectedSince().UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
	if s.shutdown != nil {
		go s.shutdown()
	}
}

// handleTestProvider runs a one-token probe completion against the supplied
// provider config.
func (s *Server) handleTestProvider(w http.ResponseWriter, r *http.Request) {
	var cfg models.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeValidationError(w, "request body is not valid JSON")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	if err := model.Probe(ctx, cfg); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// lazySink defers SSE setup until the first event, so pre-stream failures
// can still answer with a JSON status code.
type lazySink struct {
	w   http.ResponseWriter
	sse *ui.SSEWriter
}

func (l *lazySink) Send(ev ui.Event) {
	if l.sse == nil {
		l.sse = ui.NewSSEWriter(l.w)
	}
	l.sse.Send(ev)
}

func (l *lazySink) opened() bool { return l.sse != nil }

func (l *lazySink) close() {
	if l.sse == nil {
		l.sse = ui.NewSSEWriter(l.w)
	}
	l.sse.Close()
}
