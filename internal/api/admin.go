package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nugget/suvfin/internal/usage"
)

func (s *Server) requireTelemetry(w http.ResponseWriter) bool {
	if s.cfg.Telemetry == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "telemetry not configured")
		return false
	}
	return true
}

func (s *Server) handleTokensToday(w http.ResponseWriter, r *http.Request) {
	if !s.requireTelemetry(w) {
		return
	}
	tel := s.cfg.Telemetry
	writeJSON(w, tel.DailyGlobal(r.Context(), tel.Today()), s.logger)
}

// handleTokensSummary returns the last ?days days of global usage with
// the limits currently in force.
func (s *Server) handleTokensSummary(w http.ResponseWriter, r *http.Request) {
	if !s.requireTelemetry(w) {
		return
	}
	sum := s.cfg.Telemetry.Summary(r.Context(), parseIntParam(r, "days", 7))
	writeJSON(w, map[string]any{
		"period_days":              sum.Days,
		"total_estimated_cost_usd": sum.TotalCostUSD,
		"daily_breakdown":          sum.Daily,
		"model_primary":            s.cfg.Anthropic.Model,
		"model_light":              s.cfg.Anthropic.LightModel,
		"config": map[string]any{
			"max_conversation_messages": s.cfg.LLM.MaxConversationMessages,
			"cache_ttl_seconds":         s.cfg.LLM.CacheTTLSec,
			"rate_limit_hour":           s.cfg.LLM.MaxMessagesPerUserHour,
			"rate_limit_day":            s.cfg.LLM.MaxMessagesPerUserDay,
			"cost_alert_daily_usd":      s.cfg.LLM.CostAlertDailyUSD,
		},
	}, s.logger)
}

func (s *Server) handleTokensUser(w http.ResponseWriter, r *http.Request) {
	if !s.requireTelemetry(w) {
		return
	}
	phone := chi.URLParam(r, "phone")
	sum := s.cfg.Telemetry.UserSummary(r.Context(), phone, parseIntParam(r, "days", 7))
	writeJSON(w, map[string]any{
		"phone":                    phone,
		"period_days":              sum.Days,
		"total_estimated_cost_usd": sum.TotalCostUSD,
		"daily_breakdown":          sum.Daily,
	}, s.logger)
}

// handleTokensModels reads the durable ledger, which keeps history past
// the counters' TTL.
func (s *Server) handleTokensModels(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ledger == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger not configured")
		return
	}
	days := usage.ClampDays(parseIntParam(r, "days", 7))
	end := s.cfg.Now()
	start := end.Add(-time.Duration(days) * 24 * time.Hour)

	byModel, err := s.cfg.Ledger.SummaryByModel(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage by model failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	writeJSON(w, map[string]any{
		"period_days": days,
		"start":       start.UTC().Format(time.RFC3339),
		"end":         end.UTC().Format(time.RFC3339),
		"models":      byModel,
	}, s.logger)
}

func (s *Server) handleRouterStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	writeJSON(w, s.cfg.Router.GetStats(), s.logger)
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	decisions := s.cfg.Router.GetAuditLog(parseIntParam(r, "limit", 20))
	writeJSON(w, map[string]any{
		"count":     len(decisions),
		"decisions": decisions,
	}, s.logger)
}
