package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/suvfin/internal/llm"
	"github.com/nugget/suvfin/internal/metrics"
	"github.com/nugget/suvfin/internal/router"
	"github.com/nugget/suvfin/internal/tools"
	"github.com/nugget/suvfin/internal/usage"
)

// turn is the in-flight state of one orchestration. It is owned by a
// single goroutine except during a tool round, where handlers only
// read it.
type turn struct {
	requestID string
	userID    string
	phone     string
	tier      router.Tier
	model     string
	system    string
	sysCtx    string
	maxRounds int

	// messages is history plus the new user message; the loop appends
	// tool exchanges to it.
	messages []llm.Message

	last      *llm.Response
	usage     Usage
	toolsUsed map[string]int
	media     *tools.Media
	pending   *tools.PendingConfirmation
	logger    *slog.Logger
}

func (e *Engine) newTurn(ctx context.Context, req TurnRequest, d router.Decision, maxRounds int) *turn {
	return &turn{
		requestID: d.RequestID,
		userID:    req.UserID,
		phone:     req.Phone,
		tier:      d.Tier,
		model:     d.Model,
		system:    buildSystemPrompt(e.cfg.SystemPrompt),
		sysCtx:    turnContext(req.UserID, req.DisplayName, e.today()),
		maxRounds: maxRounds,
		messages:  e.history(ctx, req.Phone),
		toolsUsed: map[string]int{},
		logger: e.logger.With(
			"request_id", d.RequestID,
			"phone", req.Phone,
		),
	}
}

// fill copies the loop outcome into res.
func (t *turn) fill(res *TurnResult) {
	res.Tier = t.tier
	res.Model = t.model
	res.Usage = t.usage
	res.ToolsUsed = t.toolsUsed
	res.Pending = t.pending
	res.Text = t.last.Text()
	if t.last != nil && t.last.Model != "" {
		res.Model = t.last.Model
	}
	if t.media != nil {
		res.Media = t.media.Data
		res.MediaMIME = t.media.MIME
		res.MediaFilename = t.media.Filename
	}
}

// run executes the turn on its routed tier, falling back to the full
// tier when the light model is unavailable and re-routing once when
// the light model says it cannot help.
func (e *Engine) run(ctx context.Context, t *turn) error {
	ctx = withRequestID(ctx, t.requestID)

	err := e.loop(ctx, t)
	if t.tier != router.TierLight {
		return err
	}

	switch {
	case err != nil && errors.Is(err, llm.ErrModelUnavailable):
		t.logger.Warn("light model unavailable, falling back to full tier", "model", t.model, "error", err)
		e.cfg.Router.RecordFallback(t.requestID)
		metrics.RouterFallbacks.WithLabelValues("unavailable").Inc()
	case err == nil && !t.last.NeedsTools() && e.cfg.Router.IsIncapable(t.last.Text()):
		t.logger.Info("light model declined, re-routing to full tier", "answer", truncate(t.last.Text(), 120))
		e.cfg.Router.RecordReroute(t.requestID)
		metrics.RouterFallbacks.WithLabelValues("incapable").Inc()
	default:
		return err
	}

	t.tier = router.TierFull
	t.model = e.cfg.Router.ModelFor(router.TierFull)
	return e.loop(ctx, t)
}

// loop is the AWAITING_MODEL / EXECUTING_TOOLS state machine. At most
// t.maxRounds tool rounds run; when the cap is hit the text of the last
// response is returned as is.
func (e *Engine) loop(ctx context.Context, t *turn) error {
	req := llm.Request{
		Model:         t.model,
		System:        t.system,
		SystemContext: t.sysCtx,
		Messages:      t.messages,
		MaxTokens:     e.cfg.MaxTokens,
	}
	// Tools and prompt caching are full-tier features.
	if t.tier == router.TierFull {
		req.Tools = e.cfg.Tools.Definitions()
		req.CacheSystem = true
	}

	resp, err := e.call(ctx, t, req)
	if err != nil {
		return err
	}

	for round := 0; resp.NeedsTools(); round++ {
		if round >= t.maxRounds {
			t.logger.Warn("tool iteration cap reached",
				"rounds", round,
				"pending_tools", len(resp.ToolUses()),
			)
			break
		}

		results := e.executeTools(ctx, t, resp.ToolUses())
		req.Messages = append(req.Messages,
			llm.Message{Role: llm.RoleAssistant, Content: resp.Content},
			llm.Message{Role: llm.RoleUser, Content: results},
		)

		if resp, err = e.call(ctx, t, req); err != nil {
			return err
		}
	}
	return nil
}

// call invokes the model once and records its usage.
func (e *Engine) call(ctx context.Context, t *turn, req llm.Request) (*llm.Response, error) {
	start := time.Now()
	resp, err := e.cfg.LLM.Chat(ctx, req)
	if err != nil {
		metrics.ModelCalls.WithLabelValues(string(t.tier), "error").Inc()
		return nil, fmt.Errorf("chat %s: %w", req.Model, err)
	}
	metrics.ModelCalls.WithLabelValues(string(t.tier), "ok").Inc()

	t.last = resp
	t.usage.add(resp.Usage)
	recordTokens(resp.Usage)

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	if e.cfg.Telemetry != nil {
		e.cfg.Telemetry.Record(ctx, usage.CallInfo{
			Phone:     t.phone,
			Model:     model,
			Tier:      string(t.tier),
			RequestID: t.requestID,
		}, resp.Usage)
	}

	t.logger.Debug("model response",
		"model", model,
		"tier", t.tier,
		"stop_reason", resp.StopReason,
		"tool_calls", len(resp.ToolUses()),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"cache_read_tokens", resp.Usage.CacheReadTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return resp, nil
}

// executeTools runs one round of tool calls, at most MaxParallelTools
// at a time, and returns their results in request order. Handler
// failures become error results; nothing here fails the turn.
func (e *Engine) executeTools(ctx context.Context, t *turn, calls []llm.ContentBlock) []llm.ContentBlock {
	results := make([]tools.Result, len(calls))

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxParallelTools)
	for i, call := range calls {
		g.Go(func() error {
			start := time.Now()
			results[i] = e.cfg.Tools.Execute(ctx, call.Name, call.Input)
			t.logger.Info("tool executed",
				"tool", call.Name,
				"is_error", results[i].IsError,
				"elapsed", time.Since(start).Round(time.Millisecond),
			)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // Execute never fails; errors are results.

	blocks := make([]llm.ContentBlock, len(calls))
	for i, call := range calls {
		res := results[i]
		status := "ok"
		if res.IsError {
			status = "error"
		}
		metrics.ToolCalls.WithLabelValues(call.Name, status).Inc()
		t.toolsUsed[call.Name]++

		if res.Pending != nil {
			t.pending = res.Pending
			if e.cfg.Pending != nil {
				if err := e.cfg.Pending.Save(ctx, t.userID, res.Pending); err != nil {
					t.logger.Warn("pending confirmation not saved", "kind", res.Pending.Kind, "error", err)
				}
			}
		}
		if res.Media != nil {
			t.media = res.Media
		}
		blocks[i] = llm.ToolResultBlock(call.ID, res.Text, res.IsError)
	}
	return blocks
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
