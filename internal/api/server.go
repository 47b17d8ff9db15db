// Package api implements SuvFin's HTTP surface: the WhatsApp and
// AbacatePay webhooks, payment links, token and router introspection
// for operators, health and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/suvfin/internal/billing"
	"github.com/nugget/suvfin/internal/buildinfo"
	"github.com/nugget/suvfin/internal/config"
	"github.com/nugget/suvfin/internal/connwatch"
	"github.com/nugget/suvfin/internal/license"
	"github.com/nugget/suvfin/internal/ratelimit"
	"github.com/nugget/suvfin/internal/router"
	"github.com/nugget/suvfin/internal/usage"
	"github.com/nugget/suvfin/internal/whatsapp"
)

// ServiceName is reported by the health and root endpoints.
const ServiceName = "SuvFin"

// maxBodyBytes bounds webhook and JSON request bodies.
const maxBodyBytes = 1 << 20

// MessageQueue accepts inbound WhatsApp messages. The real
// implementation is *whatsapp.Bridge.
type MessageQueue interface {
	Enqueue(msg *whatsapp.InboundMessage) bool
}

// Payments is the license surface the payment routes drive. The real
// implementation is *license.Service.
type Payments interface {
	PaymentLink(ctx context.Context, req license.LinkRequest) (*license.PaymentLink, error)
	Status(ctx context.Context, phone string) (*license.StatusReport, error)
	ApplyBillingStatus(ctx context.Context, ev *billing.WebhookEvent) (string, error)
}

// SecretVerifier checks the AbacatePay webhook secret. The real
// implementation is *billing.Client.
type SecretVerifier interface {
	VerifyWebhookSecret(received string) bool
}

// DependencyReporter lists watched dependencies. The real
// implementation is *connwatch.Manager.
type DependencyReporter interface {
	Status() []connwatch.ServiceStatus
}

// Config wires the server's collaborators. Nil collaborators turn
// their routes into 503 responses.
type Config struct {
	Address string
	Port    int

	WhatsApp  config.WhatsAppConfig
	Anthropic config.AnthropicConfig
	LLM       config.LLMConfig
	// AdminToken guards /admin. Empty leaves it open.
	AdminToken string

	Queue     MessageQueue
	Payments  Payments
	Billing   SecretVerifier
	Telemetry *usage.Telemetry
	Ledger    *usage.Ledger
	Router    *router.Router
	IPLimiter *ratelimit.IPLimiter

	// TrustedProxies are the peers allowed to set the client IP through
	// forwarding headers. Empty means headers are ignored.
	TrustedProxies []netip.Prefix

	// Dependencies reports Redis and MQTT reachability on /health.
	Dependencies DependencyReporter

	Now    func() time.Time
	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{cfg: cfg, logger: cfg.Logger.With("component", "api")}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.trustedRealIP)
	r.Use(s.withLogging)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/webhook", s.handleWebhookVerify)
	r.With(s.signatureMiddleware, s.ipLimitMiddleware).Post("/webhook", s.handleWebhook)

	r.Post("/webhooks/abacatepay", s.handleBillingWebhook)
	r.Route("/payment", func(r chi.Router) {
		r.Post("/webhook", s.handleBillingWebhook)
		r.Post("/create-link", s.handleCreateLink)
		r.Get("/status/{phone}", s.handlePaymentStatus)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.adminAuthMiddleware)
		r.Get("/tokens/today", s.handleTokensToday)
		r.Get("/tokens/summary", s.handleTokensSummary)
		r.Get("/tokens/user/{phone}", s.handleTokensUser)
		r.Get("/tokens/models", s.handleTokensModels)
		r.Get("/router/stats", s.handleRouterStats)
		r.Get("/router/audit", s.handleRouterAudit)
	})

	return r
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"name":    ServiceName,
		"message": "💰 SuvFin - assistente de finanças pessoais via WhatsApp",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "healthy",
		"service": ServiceName,
		"version": buildinfo.Version,
	}
	// Degraded dependencies are reported but never fail the check;
	// every feature that uses them fails open.
	if s.cfg.Dependencies != nil {
		resp["dependencies"] = s.cfg.Dependencies.Status()
	}
	writeJSON(w, resp, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
