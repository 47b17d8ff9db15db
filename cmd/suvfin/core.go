package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/suvfin/internal/agent"
	"github.com/nugget/suvfin/internal/billing"
	"github.com/nugget/suvfin/internal/config"
	"github.com/nugget/suvfin/internal/conversation"
	"github.com/nugget/suvfin/internal/finance"
	"github.com/nugget/suvfin/internal/kvstore"
	"github.com/nugget/suvfin/internal/license"
	"github.com/nugget/suvfin/internal/llm"
	"github.com/nugget/suvfin/internal/ratelimit"
	"github.com/nugget/suvfin/internal/respcache"
	"github.com/nugget/suvfin/internal/router"
	"github.com/nugget/suvfin/internal/tools"
	"github.com/nugget/suvfin/internal/usage"
	"github.com/nugget/suvfin/internal/whatsapp"
)

// routerAuditSize bounds the in-memory routing audit log.
const routerAuditSize = 500

// core holds the components shared by serve and ask.
type core struct {
	kv        *kvstore.RedisStore
	db        *sql.DB
	store     *finance.Store
	ledger    *usage.Ledger
	telemetry *usage.Telemetry
	router    *router.Router
	licenses  *license.Service
	billing   *billing.Client
	whatsapp  *whatsapp.Client
	engine    *agent.Engine
}

func financeDBPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "suvfin.db")
}

func openFinance(cfg *config.Config) (*finance.Store, *sql.DB, error) {
	path := financeDBPath(cfg)
	db, err := finance.OpenDB(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open finance database %s: %w", path, err)
	}
	store, err := finance.NewStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, db, nil
}

// buildCore opens the stores and wires the turn engine. The returned
// core must be closed.
func buildCore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core, error) {
	c := &core{}
	ready := false
	defer func() {
		if !ready {
			c.Close()
		}
	}()
	var err error

	loc := cfg.Location()

	// --- Data directory ---
	// SQLite files for the finance store and the usage ledger live here.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Key-value store ---
	// Conversation history, rate counters, cache and telemetry. An
	// unreachable store degrades every feature to fail-open, so a failed
	// ping is a warning.
	c.kv, err = kvstore.Open(kvstore.Options{
		URL:          cfg.Redis.URL,
		DialTimeout:  config.Seconds(cfg.Redis.DialTimeoutSec),
		ReadTimeout:  config.Seconds(cfg.Redis.ReadTimeoutSec),
		WriteTimeout: config.Seconds(cfg.Redis.WriteTimeoutSec),
	})
	if err != nil {
		return nil, fmt.Errorf("open redis: %w", err)
	}
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := c.kv.Ping(pingCtx); err != nil {
		logger.Warn("redis unreachable, continuing fail-open", "url", cfg.Redis.URL, "error", err)
	}
	pingCancel()

	// --- Finance store ---
	c.store, c.db, err = openFinance(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("finance database opened", "path", financeDBPath(cfg))

	// --- Usage ---
	ledgerPath := filepath.Join(cfg.DataDir, "usage.db")
	c.ledger, err = usage.OpenLedger(ledgerPath)
	if err != nil {
		return nil, fmt.Errorf("open usage ledger %s: %w", ledgerPath, err)
	}
	c.telemetry = &usage.Telemetry{
		Store:               c.kv,
		Ledger:              c.ledger,
		InputUSDPerMillion:  cfg.LLM.InputUSDPerMillion,
		OutputUSDPerMillion: cfg.LLM.OutputUSDPerMillion,
		DailyAlertUSD:       cfg.LLM.CostAlertDailyUSD,
		Location:            loc,
		Logger:              logger,
	}

	// --- Outbound clients ---
	c.whatsapp = whatsapp.NewClient(whatsapp.Config{
		BaseURL:        cfg.WhatsApp.BaseURL,
		APIVersion:     cfg.WhatsApp.APIVersion,
		AccessToken:    cfg.WhatsApp.AccessToken,
		PhoneNumberID:  cfg.WhatsApp.PhoneNumberID,
		SendRatePerSec: cfg.WhatsApp.SendRatePerSec,
	}, logger)

	var bc license.BillingClient
	if cfg.Billing.APIKey != "" {
		c.billing = billing.NewClient(billing.Config{
			APIKey:        cfg.Billing.APIKey,
			BaseURL:       cfg.Billing.BaseURL,
			WebhookSecret: cfg.Billing.WebhookSecret,
		}, logger)
		bc = c.billing
	} else {
		logger.Info("billing disabled (no api key)")
	}

	c.licenses = license.NewService(c.store, bc, c.whatsapp, license.Config{
		TrialDays:             cfg.License.TrialDays,
		TrialTransactionLimit: cfg.License.TrialTransactionLimit,
		BasicTransactionLimit: cfg.License.BasicTransactionLimit,
		MonthlyPrices:         monthlyPrices(cfg.Billing.Prices, logger),
		AppURL:                cfg.Billing.AppURL,
		Location:              loc,
	}, logger)

	// --- Model routing ---
	c.router = router.NewRouter(logger, router.DefaultPolicy(cfg.Anthropic.LightModel, cfg.Anthropic.Model), routerAuditSize)

	llmClient := llm.NewAnthropicClient(llm.AnthropicConfig{
		APIKey:  cfg.Anthropic.APIKey,
		BaseURL: cfg.Anthropic.BaseURL,
		Timeout: config.Seconds(cfg.Anthropic.TimeoutSec),
	}, logger)

	// --- Tools ---
	pending := &tools.PendingStore{Store: c.kv, Logger: logger}
	registry := tools.NewFinanceRegistry(tools.Deps{
		Store:           c.store,
		Limits:          c.licenses,
		Media:           c.whatsapp,
		Vision:          llmClient,
		VisionModel:     cfg.Anthropic.Model,
		VisionMaxTokens: cfg.Anthropic.MaxTokens,
		RecordUsage:     agent.ToolUsageRecorder(c.telemetry),
		Pending:         pending,
		Location:        loc,
		Logger:          logger,
	})

	// --- Engine ---
	c.engine = agent.New(agent.Config{
		LLM:    llmClient,
		Router: c.router,
		Tools:  registry,
		History: &conversation.Manager{
			Store:       c.kv,
			MaxMessages: cfg.LLM.MaxConversationMessages,
			TTL:         config.Seconds(cfg.LLM.ConversationTTLSec),
			Logger:      logger,
		},
		Cache: &respcache.Cache{
			Store:  c.kv,
			TTL:    config.Seconds(cfg.LLM.CacheTTLSec),
			Logger: logger,
		},
		Limiter: &ratelimit.Limiter{
			Store:   c.kv,
			PerHour: cfg.LLM.MaxMessagesPerUserHour,
			PerDay:  cfg.LLM.MaxMessagesPerUserDay,
			Logger:  logger,
		},
		Telemetry:              c.telemetry,
		Media:                  c.whatsapp,
		Pending:                pending,
		MaxTokens:              cfg.Anthropic.MaxTokens,
		MaxToolIterations:      cfg.LLM.MaxToolIterations,
		MaxImageToolIterations: cfg.LLM.MaxImageToolIterations,
		MaxParallelTools:       cfg.LLM.MaxParallelTools,
		Location:               loc,
		Logger:                 logger,
	})

	logger.Info("engine ready",
		"tools", len(registry.Definitions()),
		"max_tool_iterations", cfg.LLM.MaxToolIterations,
		"history", cfg.LLM.MaxConversationMessages,
	)
	ready = true
	return c, nil
}

// monthlyPrices converts the configured plan prices, skipping names
// that are not paid plans.
func monthlyPrices(prices map[string]int, logger *slog.Logger) map[finance.LicenseType]int64 {
	out := make(map[finance.LicenseType]int64, len(prices))
	for name, cents := range prices {
		plan, ok := finance.ParseLicenseType(name)
		if !ok || !plan.Paid() {
			logger.Warn("ignoring price for unknown plan", "plan", name)
			continue
		}
		out[plan] = int64(cents)
	}
	return out
}

// Close releases the stores. It is safe on a partly built core.
func (c *core) Close() error {
	var errs []error
	if c.ledger != nil {
		errs = append(errs, c.ledger.Close())
	}
	if c.db != nil {
		errs = append(errs, c.db.Close())
	}
	if c.kv != nil {
		errs = append(errs, c.kv.Close())
	}
	return errors.Join(errs...)
}
