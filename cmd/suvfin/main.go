// SuvFin is a personal finance assistant that talks to users over
// WhatsApp.
//
// Messages arrive on a webhook, are queued, and each one runs a
// model-driven tool loop over the user's ledger. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	suvfin serve                  Start the webhook and API server
//	suvfin init [dir]             Write an example config.yaml
//	suvfin ask [-phone N] <text>  Run one turn and print the reply
//	suvfin seed                   Create the schema and default categories
//	suvfin version                Print version and build information
//	suvfin -o json version        Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/suvfin/internal/agent"
	"github.com/nugget/suvfin/internal/api"
	"github.com/nugget/suvfin/internal/buildinfo"
	"github.com/nugget/suvfin/internal/config"
	"github.com/nugget/suvfin/internal/connwatch"
	"github.com/nugget/suvfin/internal/license"
	"github.com/nugget/suvfin/internal/mqtt"
	"github.com/nugget/suvfin/internal/ratelimit"
	"github.com/nugget/suvfin/internal/usage"
	"github.com/nugget/suvfin/internal/whatsapp"
)

// defaultAskPhone identifies the CLI user when ask gets no -phone.
const defaultAskPhone = "5500000000000"

// webhookIPPerMinute caps webhook deliveries per client IP.
const webhookIPPerMinute = 30

// main only builds the OS environment and hands off to [run], so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx bounds the process lifetime, logs go
// to stdout, and args is os.Args[1:]. Arguments are parsed by hand
// because the flag package's globals get in the way of parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var phone string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-phone" && i+1 < len(args):
			phone = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-phone="):
			phone = strings.TrimPrefix(args[i], "-phone=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: suvfin ask [-phone N] <text>")
		}
		if phone == "" {
			phone = defaultAskPhone
		}
		return runAsk(ctx, stdout, configPath, phone, strings.Join(cmdArgs, " "))
	case "seed":
		return runSeed(ctx, stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "SuvFin - WhatsApp personal finance assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: suvfin [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the webhook and API server")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask <text>   Run a single turn and print the reply")
	fmt.Fprintln(w, "  seed         Create the database schema and default categories")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -phone <number>   Phone the ask command runs as")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runSeed opens the finance database, which creates the schema and the
// default categories, and reports how many categories exist.
func runSeed(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	store, db, err := openFinance(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	cats, err := store.Categories(ctx, "")
	if err != nil {
		return fmt.Errorf("list categories: %w", err)
	}
	fmt.Fprintf(stdout, "Database ready at %s (%d default categories)\n", financeDBPath(cfg), len(cats))
	return nil
}

// runAsk runs one turn as phone against the configured stores and
// prints the reply. Any exported file is written to the working
// directory.
func runAsk(ctx context.Context, stdout io.Writer, configPath, phone, text string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, slog.LevelWarn, cfg.LogFormat)

	c, err := buildCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	user, _, err := c.licenses.GetOrCreateUser(ctx, phone, license.DefaultUserName)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	res := c.engine.ProcessTurn(ctx, agent.TurnRequest{
		UserID:      user.ID,
		Phone:       phone,
		Type:        agent.TypeText,
		Content:     text,
		DisplayName: user.Name,
	})
	fmt.Fprintln(stdout, res.Text)

	if len(res.Media) > 0 {
		name := filepath.Base(res.MediaFilename)
		if err := os.WriteFile(name, res.Media, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		fmt.Fprintf(stdout, "(arquivo salvo: %s)\n", name)
	}
	return nil
}

// runServe is the primary operating mode. It wires every component,
// starts the queue workers and the HTTP server, and blocks until
// SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. the signal cancels ctx, which stops new deliveries
//  2. the HTTP server drains in-flight requests
//  3. queue workers finish the jobs already taken
//  4. MQTT publishes offline and stores close via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting SuvFin", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Everything after this point uses the configured level and format.
	{
		level, _ := config.ParseLogLevel(cfg.LogLevel) // validated by Load
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Anthropic.Model,
		"light_model", cfg.Anthropic.LightModel,
		"timezone", cfg.Timezone,
	)
	if cfg.Anthropic.APIKey == "" {
		logger.Warn("anthropic.api_key is empty; model calls will fail")
	}
	if cfg.WhatsApp.AccessToken == "" || cfg.WhatsApp.PhoneNumberID == "" {
		logger.Warn("whatsapp credentials missing; replies cannot be delivered")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := buildCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	// --- Queue ---
	// The webhook only enqueues; workers run the turns so Meta gets its
	// acknowledgement within the delivery timeout.
	bridge := whatsapp.NewBridge(whatsapp.BridgeConfig{
		Runner:        c.engine,
		Licenses:      c.licenses,
		Messenger:     c.whatsapp,
		Dedup:         c.kv,
		Workers:       cfg.Queue.Workers,
		Depth:         cfg.Queue.Depth,
		HandleTimeout: config.Seconds(cfg.Queue.HandleTimeoutSec),
		Logger:        logger,
	})

	// --- MQTT publisher ---
	// Optional. Publishes HA discovery and sensor states, and takes over
	// cost alerts from the log-only sink.
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		stats := &mqttStatsAdapter{
			model:     cfg.Anthropic.Model,
			telemetry: c.telemetry,
			queue:     bridge,
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, stats, logger)
		c.telemetry.Alerts = mqttPub
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	bridge.Start(ctx)

	// --- Dependency watchers ---
	// Observe only. The queue dedup, rate limits, cache and history all
	// fail open, so a down Redis never blocks startup.
	watchers := connwatch.NewManager(logger)
	defer watchers.Stop()
	watchers.Watch(ctx, "redis", c.kv.Ping, connwatch.Timing{})
	if mqttPub != nil {
		watchers.Watch(ctx, "mqtt", mqttPub.AwaitConnection, connwatch.Timing{})
	}

	// --- HTTP server ---
	var verifier api.SecretVerifier
	if c.billing != nil {
		verifier = c.billing
	}
	trusted, err := cfg.Listen.TrustedPrefixes()
	if err != nil {
		return err
	}
	server := api.NewServer(api.Config{
		Address:      cfg.Listen.Address,
		Port:         cfg.Listen.Port,
		WhatsApp:     cfg.WhatsApp,
		Anthropic:    cfg.Anthropic,
		LLM:          cfg.LLM,
		AdminToken:   cfg.Admin.Token,
		Queue:        bridge,
		Payments:     c.licenses,
		Billing:      verifier,
		Telemetry:    c.telemetry,
		Ledger:       c.ledger,
		Router:       c.router,
		Dependencies: watchers,
		IPLimiter: &ratelimit.IPLimiter{
			Store:     c.kv,
			PerMinute: webhookIPPerMinute,
			Logger:    logger,
		},
		TrustedProxies: trusted,
		Logger:         logger,
	})
	if cfg.Admin.Token == "" {
		logger.Warn("admin.token is empty; /admin endpoints are unauthenticated")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("waiting for queued messages")
	bridge.Wait()

	if mqttPub != nil {
		offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer offlineCancel()
		if err := mqttPub.Stop(offlineCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}

	logger.Info("SuvFin stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Any format other than "json" yields text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. An
// explicit path must exist; otherwise [config.FindConfig] searches the
// default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// mqttStatsAdapter feeds the MQTT sensors from the usage counters and
// the message queue.
type mqttStatsAdapter struct {
	model     string
	telemetry *usage.Telemetry
	queue     *whatsapp.Bridge
}

func (a *mqttStatsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *mqttStatsAdapter) Version() string       { return buildinfo.Version }
func (a *mqttStatsAdapter) Model() string         { return a.model }
func (a *mqttStatsAdapter) QueueDepth() int       { return a.queue.Depth() }

func (a *mqttStatsAdapter) TokensToday(ctx context.Context) int64 {
	d := a.telemetry.DailyGlobal(ctx, a.telemetry.Today())
	return d.InputTokens + d.OutputTokens
}

func (a *mqttStatsAdapter) CostTodayUSD(ctx context.Context) float64 {
	return a.telemetry.DailyGlobal(ctx, a.telemetry.Today()).EstimatedCostUSD
}
