// Package agent implements the turn pipeline: rate limiting, response
// caching, model routing and the bounded tool-call loop.
package agent

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/nugget/suvfin/internal/conversation"
	"github.com/nugget/suvfin/internal/llm"
	"github.com/nugget/suvfin/internal/metrics"
	"github.com/nugget/suvfin/internal/ratelimit"
	"github.com/nugget/suvfin/internal/respcache"
	"github.com/nugget/suvfin/internal/router"
	"github.com/nugget/suvfin/internal/tools"
	"github.com/nugget/suvfin/internal/usage"
)

// User-facing failure messages. ProcessTurn never returns an error;
// every failure ends in one of these.
const (
	MsgThrottled      = "⏳ Você enviou muitas mensagens. Aguarde um pouco e tente novamente."
	MsgProviderError  = "❌ Ops, tive um problema. Tente novamente em instantes."
	MsgUnexpected     = "❌ Algo deu errado. Tente novamente."
	MsgDownloadFailed = "❌ Não consegui baixar a imagem. Tente novamente."
	MsgImageFailed    = "❌ Não consegui analisar a imagem. Tente novamente."
	MsgUnsupported    = "🎙️ Por enquanto eu entendo mensagens de texto e fotos de comprovantes. Pode me escrever?"
)

// MessageType is the kind of inbound message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeDocument MessageType = "document"
	TypeAudio    MessageType = "audio"
)

// Defaults applied by New.
const (
	DefaultMaxTokens              = 2048
	DefaultMaxToolIterations      = 5
	DefaultMaxImageToolIterations = 3
	DefaultMaxParallelTools       = 4
)

// Config wires the engine's collaborators. LLM, Router and Tools are
// required; the rest are skipped when nil.
type Config struct {
	LLM    llm.Client
	Router *router.Router
	Tools  *tools.Registry

	History   *conversation.Manager
	Cache     *respcache.Cache
	Limiter   *ratelimit.Limiter
	Telemetry *usage.Telemetry
	Media     tools.MediaDownloader
	Pending   *tools.PendingStore

	SystemPrompt           string
	MaxTokens              int
	MaxToolIterations      int
	MaxImageToolIterations int
	// MaxParallelTools bounds concurrent handlers within one tool round.
	MaxParallelTools int

	Location *time.Location
	Now      func() time.Time
	Logger   *slog.Logger
}

// TurnRequest is one inbound user message. Content is the text body,
// or the media ID for image turns.
type TurnRequest struct {
	UserID      string
	Phone       string
	Type        MessageType
	Content     string
	Caption     string
	DisplayName string
}

// Usage is the token accounting of a whole turn.
type Usage struct {
	Input       int64 `json:"input_tokens"`
	Output      int64 `json:"output_tokens"`
	CacheRead   int64 `json:"cache_read_tokens"`
	CacheCreate int64 `json:"cache_creation_tokens"`
	Calls       int   `json:"calls"`
}

func (u *Usage) add(o llm.Usage) {
	u.Input += int64(o.InputTokens)
	u.Output += int64(o.OutputTokens)
	u.CacheRead += int64(o.CacheReadTokens)
	u.CacheCreate += int64(o.CacheCreationTokens)
	u.Calls++
}

// Total is input plus output tokens.
func (u Usage) Total() int64 { return u.Input + u.Output }

// TurnResult is the reply to a turn. Text may be empty when the tool
// loop hit its cap without a final answer.
type TurnResult struct {
	Text          string
	Media         []byte
	MediaMIME     string
	MediaFilename string
	Pending       *tools.PendingConfirmation

	Usage     Usage
	RequestID string
	Model     string
	Tier      router.Tier
	Cached    bool
	Throttled bool
	Failed    bool
	ToolsUsed map[string]int
}

// Engine runs turns. It is safe for concurrent use; all shared state
// lives in the key-value store.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// New returns an engine with defaults applied to cfg.
func New(cfg Config) *Engine {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = DefaultMaxToolIterations
	}
	if cfg.MaxImageToolIterations <= 0 {
		cfg.MaxImageToolIterations = DefaultMaxImageToolIterations
	}
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = DefaultMaxParallelTools
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: cfg.Logger.With("component", "agent")}
}

func (e *Engine) today() time.Time {
	return e.cfg.Now().In(e.cfg.Location)
}

// ProcessTurn handles one inbound message end to end. It never returns
// an error: failures become one of the Msg* texts.
func (e *Engine) ProcessTurn(ctx context.Context, req TurnRequest) (res TurnResult) {
	start := time.Now()
	res.ToolsUsed = map[string]int{}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in turn",
				"phone", req.Phone,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			res.Text = MsgUnexpected
			res.Failed = true
			res.Cached = false
		}
		metrics.Turns.WithLabelValues(turnOutcome(res)).Inc()
		if !res.Throttled && !res.Cached {
			metrics.TurnDuration.WithLabelValues(string(res.Tier)).Observe(time.Since(start).Seconds())
		}
	}()

	if e.cfg.Limiter != nil {
		if d := e.cfg.Limiter.Allow(ctx, req.Phone); !d.Allowed {
			e.logger.Warn("turn throttled",
				"phone", req.Phone,
				"hour_count", d.HourCount,
				"day_count", d.DayCount,
			)
			res.Text = MsgThrottled
			res.Throttled = true
			return res
		}
	}

	ctx = tools.WithUserID(ctx, req.UserID)
	ctx = tools.WithPhone(ctx, req.Phone)

	switch req.Type {
	case TypeImage:
		e.imageTurn(ctx, req, &res)
	case TypeAudio, TypeDocument:
		res.Text = MsgUnsupported
		e.remember(ctx, req.Phone, "["+string(req.Type)+"]", res.Text)
	default:
		e.textTurn(ctx, req, &res)
	}

	if res.RequestID != "" {
		e.cfg.Router.RecordOutcome(res.RequestID, time.Since(start).Milliseconds(), int(res.Usage.Total()), !res.Failed)
	}
	e.logger.Info("turn complete",
		"phone", req.Phone,
		"request_id", res.RequestID,
		"type", req.Type,
		"tier", res.Tier,
		"model", res.Model,
		"calls", res.Usage.Calls,
		"input_tokens", res.Usage.Input,
		"output_tokens", res.Usage.Output,
		"tools", res.ToolsUsed,
		"cached", res.Cached,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return res
}

func turnOutcome(res TurnResult) string {
	switch {
	case res.Throttled:
		return metrics.OutcomeThrottled
	case res.Cached:
		return metrics.OutcomeCached
	case res.Failed:
		return metrics.OutcomeError
	}
	return metrics.OutcomeAnswered
}

func (e *Engine) textTurn(ctx context.Context, req TurnRequest, res *TurnResult) {
	pending := e.cfg.Pending != nil && e.cfg.Pending.Has(ctx, req.UserID)

	// A pending confirmation makes short replies like "sim" stateful,
	// so they must not be answered from the cache.
	if e.cfg.Cache != nil && !pending {
		if cached, ok := e.cfg.Cache.Get(ctx, req.Phone, req.Content); ok {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			e.logger.Debug("response cache hit", "phone", req.Phone)
			res.Text = cached
			res.Cached = true
			return
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	decision := e.cfg.Router.Route(ctx, router.Request{
		Text:                req.Content,
		PendingConfirmation: pending,
	})
	res.RequestID = decision.RequestID

	t := e.newTurn(ctx, req, decision, e.cfg.MaxToolIterations)
	t.messages = append(t.messages, llm.NewTextMessage(llm.RoleUser, req.Content))

	err := e.run(ctx, t)
	t.fill(res)

	if err != nil {
		e.logger.Error("model call failed",
			"phone", req.Phone,
			"request_id", decision.RequestID,
			"tier", t.tier,
			"error", err,
		)
		res.Text = MsgProviderError
		res.Failed = true
	} else if e.cfg.Cache != nil && len(res.ToolsUsed) == 0 {
		e.cfg.Cache.Put(ctx, req.Phone, req.Content, res.Text)
	}

	e.remember(ctx, req.Phone, req.Content, res.Text)
}

func (e *Engine) imageTurn(ctx context.Context, req TurnRequest, res *TurnResult) {
	if e.cfg.Media == nil {
		res.Text = MsgDownloadFailed
		res.Failed = true
		return
	}
	img, err := e.cfg.Media.DownloadMedia(ctx, req.Content)
	if err != nil {
		e.logger.Error("media download failed", "phone", req.Phone, "media_id", req.Content, "error", err)
		res.Text = MsgDownloadFailed
		res.Failed = true
		return
	}

	decision := e.cfg.Router.Route(ctx, router.Request{HasImage: true})
	res.RequestID = decision.RequestID

	t := e.newTurn(ctx, req, decision, e.cfg.MaxImageToolIterations)
	t.messages = append(t.messages, llm.Message{
		Role: llm.RoleUser,
		Content: []llm.ContentBlock{
			llm.ImageBlock(llm.DetectImageType(img), img),
			llm.TextBlock(imagePrompt(req.Content, req.Caption)),
		},
	})

	err = e.run(ctx, t)
	t.fill(res)
	if err != nil {
		e.logger.Error("image analysis failed",
			"phone", req.Phone,
			"request_id", decision.RequestID,
			"error", err,
		)
		res.Text = MsgImageFailed
		res.Failed = true
	}

	e.remember(ctx, req.Phone, conversation.ImagePlaceholder, res.Text)
}

// remember appends the exchange to the conversation history. Empty
// replies are not stored since the provider rejects empty text blocks.
func (e *Engine) remember(ctx context.Context, phone, userText, answer string) {
	if e.cfg.History == nil {
		return
	}
	e.cfg.History.Append(ctx, phone, llm.RoleUser, userText)
	if answer != "" {
		e.cfg.History.Append(ctx, phone, llm.RoleAssistant, answer)
	}
}

// history loads prior turns, dropping leading assistant entries left
// over from trimming so the request always opens with a user message.
func (e *Engine) history(ctx context.Context, phone string) []llm.Message {
	if e.cfg.History == nil {
		return nil
	}
	msgs := e.cfg.History.History(ctx, phone)
	for len(msgs) > 0 && msgs[0].Role != llm.RoleUser {
		msgs = msgs[1:]
	}
	return msgs
}

// ToolUsageRecorder returns a hook for tools that call the model
// themselves (receipt vision), so their tokens land in the same
// telemetry as the turn's own calls.
func ToolUsageRecorder(tel *usage.Telemetry) func(ctx context.Context, model string, u llm.Usage) {
	return func(ctx context.Context, model string, u llm.Usage) {
		recordTokens(u)
		metrics.ModelCalls.WithLabelValues("vision", "ok").Inc()
		if tel == nil {
			return
		}
		tel.Record(ctx, usage.CallInfo{
			Phone:     tools.PhoneFromContext(ctx),
			Model:     model,
			Tier:      "vision",
			RequestID: requestIDFromContext(ctx),
		}, u)
	}
}

func recordTokens(u llm.Usage) {
	metrics.Tokens.WithLabelValues("input").Add(float64(u.InputTokens))
	metrics.Tokens.WithLabelValues("output").Add(float64(u.OutputTokens))
	metrics.Tokens.WithLabelValues("cache_read").Add(float64(u.CacheReadTokens))
	metrics.Tokens.WithLabelValues("cache_creation").Add(float64(u.CacheCreationTokens))
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
