package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/browseros-ai/agent-server/internal/model"
	"github.com/browseros-ai/agent-server/internal/observability"
	"github.com/browseros-ai/agent-server/internal/ui"
	"github.com/browseros-ai/agent-server/pkg/models"
)

// MaxTurns bounds the number of model stream calls a single user turn may
// issue.
const MaxTurns = 48

// TurnStatus is the terminal outcome of one user turn.
type TurnStatus string

const (
	TurnDone     TurnStatus = "done"
	TurnAborted  TurnStatus = "aborted"
	TurnError    TurnStatus = "error"
	TurnMaxTurns TurnStatus = "max-turns"
)

// Loop drives the stream/execute cycle:
//
//	compact -> stream model -> assistant message
//	    |                          |
//	    |          no tool calls   v   tool calls
//	    +<---- execute tools <-----+------> done
//
// Each iteration compacts the history view, streams one model response, and
// either finishes (no tool calls) or executes the calls and continues. The
// loop appends to the history slice it is given and returns the extended
// history; partial turns commit whatever was observed before the interruption.
type Loop struct {
	cfg        models.Config
	provider   model.Provider
	dispatcher *Dispatcher
	compactor  *Compactor
	logger     *observability.Logger
	metrics    *observability.Metrics
	maxTurns   int
}

// NewLoop assembles a loop for one conversation.
func NewLoop(cfg models.Config, provider model.Provider, dispatcher *Dispatcher, compactor *Compactor, logger *observability.Logger, metrics *observability.Metrics) *Loop {
	if compactor == nil {
		compactor = NewCompactor(0, 0)
	}
	return &Loop{
		cfg:        cfg,
		provider:   provider,
		dispatcher: dispatcher,
		compactor:  compactor,
		logger:     logger,
		metrics:    metrics,
		maxTurns:   MaxTurns,
	}
}

// streamOutcome collects what one model stream produced. errCalls holds the
// calls whose arguments failed to parse: they are committed to the assistant
// message so the error results in inputErrs keep their pairing, but they are
// never dispatched.
type streamOutcome struct {
	text      string
	calls     []models.ToolCallPart
	errCalls  []models.ToolCallPart
	inputErrs []models.ToolResultPart
	usage     model.Usage
	err       error
}

// Run executes one user turn against the given history and sink. The user
// message must already be appended to history by the caller. The returned
// history includes every message committed before the turn ended, whatever
// the status.
func (l *Loop) Run(ctx context.Context, history []models.Message, tools []model.ToolSpec, sink ui.Sink) ([]models.Message, TurnStatus, error) {
	sink.Send(ui.Start())

	for turn := 0; turn < l.maxTurns; turn++ {
		if ctx.Err() != nil {
			sink.Send(ui.Abort())
			return history, TurnAborted, ctx.Err()
		}

		sink.Send(ui.StartStep())
		view := l.compactor.Compact(history, l.cfg.Window())
		if len(view) < len(history) && l.metrics != nil {
			l.metrics.RecordCompaction("window")
		}

		outcome := l.streamStep(ctx, view, tools, sink)

		// Commit whatever assistant content the stream produced, even on
		// failure paths, so the transcript reflects what the user saw.
		// Errored calls are committed alongside valid ones; without them the
		// sanitizer would strip their error results as orphans.
		committed := append(append([]models.ToolCallPart{}, outcome.calls...), outcome.errCalls...)
		if outcome.text != "" || len(committed) > 0 {
			history = append(history, assistantMessage(outcome.text, committed))
		}

		if outcome.err != nil {
			if ctx.Err() != nil {
				sink.Send(ui.Abort())
				return history, TurnAborted, ctx.Err()
			}
			sink.Send(ui.Error(outcome.err.Error()))
			return history, TurnError, outcome.err
		}
		if ctx.Err() != nil {
			sink.Send(ui.Abort())
			return history, TurnAborted, ctx.Err()
		}

		if len(outcome.calls) == 0 && len(outcome.inputErrs) == 0 {
			sink.Send(ui.FinishStep())
			sink.Send(ui.Finish())
			return history, TurnDone, nil
		}

		results, aborted := l.executeCalls(ctx, outcome, sink)
		if len(results) > 0 {
			history = append(history, toolMessage(results))
		}
		if aborted {
			sink.Send(ui.Abort())
			return history, TurnAborted, ctx.Err()
		}
		sink.Send(ui.FinishStep())
	}

	sink.Send(ui.Error("agent reached the maximum number of turns"))
	return history, TurnMaxTurns, nil
}

// streamStep issues one model stream call and folds its events into an
// outcome, forwarding deltas to the sink as they arrive.
func (l *Loop) streamStep(ctx context.Context, view []models.Message, tools []model.ToolSpec, sink ui.Sink) streamOutcome {
	var out streamOutcome

	ctx, span := observability.StartSpan(ctx, "agent.stream",
		attribute.String("model.provider", string(l.cfg.Provider)),
		attribute.String("model.id", l.cfg.Model))
	defer func() { observability.EndSpan(span, out.err) }()

	req := &model.Request{
		System:   systemPrompt(l.cfg.Mode),
		Messages: view,
		Tools:    tools,
	}

	start := time.Now()
	events, err := l.provider.Stream(ctx, req)
	if err != nil {
		out.err = err
		l.recordModelRequest("error", start, out.usage)
		return out
	}

	var text []byte
	started := make(map[string]bool)

	for ev := range events {
		switch e := ev.(type) {
		case model.TextDelta:
			text = append(text, e.Delta...)
			sink.Send(ui.TextDelta(e.Delta))
		case model.ReasoningDelta:
			sink.Send(ui.ReasoningDelta(e.Delta))
		case model.ToolInputDelta:
			if !started[e.CallID] {
				started[e.CallID] = true
				sink.Send(ui.ToolInputStart(e.CallID, e.ToolName))
			}
			sink.Send(ui.ToolInputDelta(e.CallID, e.Delta))
		case model.ToolInputAvailable:
			if !started[e.CallID] {
				started[e.CallID] = true
				sink.Send(ui.ToolInputStart(e.CallID, e.ToolName))
			}
			sink.Send(ui.ToolInputAvailable(e.CallID, e.ToolName, json.RawMessage(e.Input)))
			out.calls = append(out.calls, models.ToolCallPart{
				CallID:   e.CallID,
				ToolName: e.ToolName,
				Input:    e.Input,
			})
		case model.ToolInputError:
			sink.Send(ui.ToolInputError(e.CallID, e.ErrorText))
			// Fed back to the model as an error result so it can retry with
			// corrected arguments. The call itself is kept, carrying the raw
			// invalid input, so the result has a matching call to pair with.
			out.errCalls = append(out.errCalls, models.ToolCallPart{
				CallID:   e.CallID,
				ToolName: e.ToolName,
				Input:    rawInputValue(e.Input),
			})
			out.inputErrs = append(out.inputErrs, models.ToolResultPart{
				CallID:   e.CallID,
				ToolName: e.ToolName,
				Output:   models.ErrorOutput(e.ErrorText),
			})
		case model.Finish:
			out.usage = e.Usage
		case model.ErrorEvent:
			out.err = e.Err
		}
	}

	out.text = string(text)
	status := "success"
	if out.err != nil {
		status = "error"
	}
	l.recordModelRequest(status, start, out.usage)
	return out
}

// executeCalls runs the buffered tool calls sequentially. Cancellation is
// honored between calls: already observed results are returned so they can be
// committed, and no further call starts.
func (l *Loop) executeCalls(ctx context.Context, outcome streamOutcome, sink ui.Sink) (results []models.ToolResultPart, aborted bool) {
	results = append(results, outcome.inputErrs...)

	for _, call := range outcome.calls {
		if ctx.Err() != nil {
			return results, true
		}
		result := l.dispatcher.Dispatch(ctx, call)
		if result.Output.Type.IsError() {
			sink.Send(ui.ToolOutputError(call.CallID, result.Output.Text()))
		} else {
			sink.Send(ui.ToolOutputAvailable(call.CallID, json.RawMessage(result.Output.Value)))
		}
		results = append(results, result)
	}
	return results, ctx.Err() != nil
}

func (l *Loop) recordModelRequest(status string, start time.Time, usage model.Usage) {
	if l.metrics == nil {
		return
	}
	l.metrics.RecordModelRequest(string(l.cfg.Provider), l.cfg.Model, status,
		time.Since(start).Seconds(), usage.PromptTokens, usage.CompletionTokens)
}

// rawInputValue preserves a call's raw argument text in a transcript-safe
// form: text that is not valid JSON is committed as a JSON string.
func rawInputValue(input string) json.RawMessage {
	if input != "" && json.Valid([]byte(input)) {
		return json.RawMessage(input)
	}
	quoted, _ := json.Marshal(input)
	return quoted
}

func assistantMessage(text string, calls []models.ToolCallPart) models.Message {
	msg := models.Message{ID: uuid.NewString(), Role: models.RoleAssistant}
	if text != "" {
		msg.Parts = append(msg.Parts, models.TextPart{Text: text})
	}
	for _, c := range calls {
		msg.Parts = append(msg.Parts, c)
	}
	return msg
}

func toolMessage(results []models.ToolResultPart) models.Message {
	msg := models.Message{ID: uuid.NewString(), Role: models.RoleTool}
	for _, r := range results {
		msg.Parts = append(msg.Parts, r)
	}
	return msg
}
