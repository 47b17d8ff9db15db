package api

import (
	"io"
	"net/http"

	"github.com/nugget/suvfin/internal/billing"
	"github.com/nugget/suvfin/internal/license"
	"github.com/nugget/suvfin/internal/whatsapp"
)

// handleWebhookVerify answers Meta's subscription handshake.
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, ok := whatsapp.VerifyChallenge(
		q.Get("hub.mode"),
		q.Get("hub.verify_token"),
		q.Get("hub.challenge"),
		s.cfg.WhatsApp.VerifyToken,
	)
	if !ok {
		s.logger.Warn("webhook verification failed", "mode", q.Get("hub.mode"))
		s.errorResponse(w, http.StatusForbidden, "verification failed")
		return
	}
	s.logger.Info("webhook verified")
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, challenge)
}

// handleWebhook acknowledges a delivery at once and hands any message
// to the queue. Status updates and unsupported types are acknowledged
// and dropped.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.errorResponse(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	msg, ok := whatsapp.ParseWebhook(body)
	if !ok {
		writeJSON(w, map[string]string{"status": "received"}, s.logger)
		return
	}

	if s.cfg.Queue == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "messaging not configured")
		return
	}
	// A full queue answers 503 so Meta redelivers later; the bridge
	// de-duplicates by message ID.
	if !s.cfg.Queue.Enqueue(msg) {
		s.errorResponse(w, http.StatusServiceUnavailable, "queue full")
		return
	}
	writeJSON(w, map[string]string{"status": "received"}, s.logger)
}

// handleBillingWebhook applies an AbacatePay billing notification.
// The secret travels in the webhookSecret query parameter.
func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Billing == nil || !s.cfg.Billing.VerifyWebhookSecret(r.URL.Query().Get("webhookSecret")) {
		s.logger.Warn("billing webhook with invalid secret", "remote", r.RemoteAddr)
		s.errorResponse(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid body")
		return
	}
	ev, err := billing.ParseWebhook(body)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if s.cfg.Payments == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "payments not configured")
		return
	}

	outcome, err := s.cfg.Payments.ApplyBillingStatus(r.Context(), ev)
	if err != nil {
		s.logger.Error("billing webhook failed", "billing_id", ev.BillingID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to apply billing status")
		return
	}

	switch outcome {
	case license.OutcomeProcessed:
		writeJSON(w, map[string]string{"status": outcome, "billing_id": ev.BillingID}, s.logger)
	case license.OutcomeNotFound:
		writeJSON(w, map[string]string{"status": outcome, "reason": "no_phone"}, s.logger)
	default:
		writeJSON(w, map[string]string{"status": outcome}, s.logger)
	}
}
