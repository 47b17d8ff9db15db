package whatsapp

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/nugget/suvfin/internal/agent"
	"github.com/nugget/suvfin/internal/finance"
	"github.com/nugget/suvfin/internal/kvstore"
	"github.com/nugget/suvfin/internal/license"
	"github.com/nugget/suvfin/internal/metrics"
)

// TurnRunner runs one conversational turn. The real implementation is
// *agent.Engine.
type TurnRunner interface {
	ProcessTurn(ctx context.Context, req agent.TurnRequest) agent.TurnResult
}

// Licenser resolves the sender and gates access. The real
// implementation is *license.Service.
type Licenser interface {
	GetOrCreateUser(ctx context.Context, phone, name string) (*finance.User, bool, error)
	IsValid(u *finance.User) bool
	UpgradeOffer(ctx context.Context, phone string) *license.Offer
}

// Messenger delivers replies. The real implementation is *Client.
type Messenger interface {
	SendText(ctx context.Context, to, text string) error
	SendMedia(ctx context.Context, to string, data []byte, mimeType, filename, caption string) error
	MarkRead(ctx context.Context, messageID string) error
}

// Job outcomes, as counted by suvfin_webhook_jobs_total.
const (
	JobAnswered     = "answered"
	JobThrottled    = "throttled"
	JobUpgradeOffer = "upgrade_offer"
	JobDuplicate    = "duplicate"
	JobError        = "error"
	JobPanic        = "panic"
	JobDropped      = "dropped"
)

// Bridge defaults.
const (
	DefaultWorkers       = 4
	DefaultQueueDepth    = 256
	DefaultHandleTimeout = 5 * time.Minute
)

// dedupWindow is how long a delivered message ID is remembered. Meta
// retries unacknowledged deliveries for up to a day.
const dedupWindow = 24 * time.Hour

const (
	qrCaption       = "📲 Escaneie o QR Code para pagar com PIX"
	chartCaption    = "📊 Relatório"
	documentCaption = "📄 Relatório"
)

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Runner    TurnRunner
	Licenses  Licenser
	Messenger Messenger

	// Dedup remembers processed message IDs. Nil disables
	// de-duplication; store errors let the message through.
	Dedup kvstore.Store

	Workers       int
	Depth         int
	HandleTimeout time.Duration
	Logger        *slog.Logger
}

// Bridge decouples webhook acknowledgement from turn processing:
// Enqueue hands a message to a bounded queue drained by a fixed pool
// of supervised workers.
type Bridge struct {
	runner    TurnRunner
	licenses  Licenser
	messenger Messenger
	dedup     kvstore.Store

	workers       int
	handleTimeout time.Duration
	logger        *slog.Logger

	queue chan *InboundMessage
	wg    sync.WaitGroup
}

// NewBridge creates a WhatsApp message bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Depth <= 0 {
		cfg.Depth = DefaultQueueDepth
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = DefaultHandleTimeout
	}
	return &Bridge{
		runner:        cfg.Runner,
		licenses:      cfg.Licenses,
		messenger:     cfg.Messenger,
		dedup:         cfg.Dedup,
		workers:       cfg.Workers,
		handleTimeout: cfg.HandleTimeout,
		logger:        logger.With("component", "bridge"),
		queue:         make(chan *InboundMessage, cfg.Depth),
	}
}

// Enqueue queues msg for processing without blocking. It reports false
// when the queue is full and the message was dropped.
func (b *Bridge) Enqueue(msg *InboundMessage) bool {
	select {
	case b.queue <- msg:
		metrics.QueueDepth.Set(float64(len(b.queue)))
		b.logger.Debug("message queued",
			"from", msg.From,
			"message_id", msg.MessageID,
			"depth", len(b.queue),
		)
		return true
	default:
		metrics.WebhookJobs.WithLabelValues(JobDropped).Inc()
		b.logger.Error("message queue full, dropping message",
			"from", msg.From,
			"message_id", msg.MessageID,
			"capacity", cap(b.queue),
		)
		return false
	}
}

// Depth returns the number of queued messages.
func (b *Bridge) Depth() int { return len(b.queue) }

// Start launches the worker pool. Workers stop taking new messages
// when ctx is cancelled; a message already in progress runs to
// completion within its handle timeout.
func (b *Bridge) Start(ctx context.Context) {
	b.logger.Info("whatsapp bridge started", "workers", b.workers, "depth", cap(b.queue))
	for i := range b.workers {
		b.wg.Add(1)
		go b.worker(ctx, i)
	}
}

// Wait blocks until every worker has exited.
func (b *Bridge) Wait() {
	b.wg.Wait()
	if n := len(b.queue); n > 0 {
		b.logger.Warn("whatsapp bridge stopped with queued messages", "queued", n)
	}
}

func (b *Bridge) worker(ctx context.Context, id int) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			b.logger.Debug("bridge worker stopping", "worker", id)
			return
		case msg := <-b.queue:
			metrics.QueueDepth.Set(float64(len(b.queue)))
			outcome := b.handle(context.WithoutCancel(ctx), msg)
			metrics.WebhookJobs.WithLabelValues(outcome).Inc()
		}
	}
}

// handle processes one inbound message and returns its outcome. It
// never panics.
func (b *Bridge) handle(ctx context.Context, msg *InboundMessage) (outcome string) {
	ctx, cancel := context.WithTimeout(ctx, b.handleTimeout)
	defer cancel()

	start := time.Now()
	log := b.logger.With("from", msg.From, "message_id", msg.MessageID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic handling message",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			b.sendText(ctx, log, msg.From, agent.MsgUnexpected)
			outcome = JobPanic
		}
		log.Info("message handled",
			"outcome", outcome,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
	}()

	if b.duplicate(ctx, log, msg.MessageID) {
		return JobDuplicate
	}

	log.Info("message received", "type", msg.Type, "content_len", len(msg.Content))

	// Acknowledge before the potentially long turn. Best-effort.
	if msg.MessageID != "" {
		if err := b.messenger.MarkRead(ctx, msg.MessageID); err != nil {
			log.Warn("mark read failed", "error", err)
		}
	}

	user, created, err := b.licenses.GetOrCreateUser(ctx, msg.From, msg.Name)
	if err != nil {
		log.Error("user lookup failed", "error", err)
		b.sendText(ctx, log, msg.From, agent.MsgUnexpected)
		return JobError
	}
	if created {
		log.Info("new user registered", "user_id", user.ID, "license", user.License)
	}

	if !b.licenses.IsValid(user) {
		log.Info("license not valid, sending upgrade offer", "user_id", user.ID, "license", user.License)
		b.sendOffer(ctx, log, msg.From)
		return JobUpgradeOffer
	}

	res := b.runner.ProcessTurn(ctx, agent.TurnRequest{
		UserID:      user.ID,
		Phone:       msg.From,
		Type:        msg.Type,
		Content:     msg.Content,
		Caption:     msg.Caption,
		DisplayName: user.Name,
	})

	ok := true
	if res.Text != "" {
		ok = b.sendText(ctx, log, msg.From, FormatMarkdown(res.Text))
	}
	if len(res.Media) > 0 {
		caption := documentCaption
		if strings.HasPrefix(res.MediaMIME, "image/") {
			caption = chartCaption
		}
		if err := b.messenger.SendMedia(ctx, msg.From, res.Media, res.MediaMIME, res.MediaFilename, caption); err != nil {
			log.Error("media send failed", "mime", res.MediaMIME, "error", err)
			ok = false
		}
	}

	switch {
	case res.Throttled:
		return JobThrottled
	case res.Failed || !ok:
		return JobError
	}
	return JobAnswered
}

// duplicate reports whether messageID was already seen. Store errors
// let the message through.
func (b *Bridge) duplicate(ctx context.Context, log *slog.Logger, messageID string) bool {
	if b.dedup == nil || messageID == "" {
		return false
	}
	n, err := b.dedup.IncrWithExpiry(ctx, "wa:msg:"+messageID, dedupWindow)
	if err != nil {
		log.Warn("dedup check failed, processing anyway", "error", err)
		return false
	}
	if n > 1 {
		log.Info("duplicate delivery ignored", "seen", n)
		return true
	}
	return false
}

func (b *Bridge) sendOffer(ctx context.Context, log *slog.Logger, to string) {
	offer := b.licenses.UpgradeOffer(ctx, to)
	if offer == nil {
		return
	}
	b.sendText(ctx, log, to, FormatMarkdown(offer.Text))
	if len(offer.QR) == 0 {
		return
	}
	if err := b.messenger.SendMedia(ctx, to, offer.QR, "image/png", "pix.png", qrCaption); err != nil {
		log.Error("QR code send failed", "error", err)
	}
}

func (b *Bridge) sendText(ctx context.Context, log *slog.Logger, to, text string) bool {
	if text == "" {
		return true
	}
	if err := b.messenger.SendText(ctx, to, text); err != nil {
		log.Error("reply send failed", "response_len", len(text), "error", err)
		return false
	}
	return true
}
