package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nugget/suvfin/internal/finance"
	"github.com/nugget/suvfin/internal/license"
)

type createLinkRequest struct {
	Phone  string `json:"phone"`
	Name   string `json:"name"`
	Plan   string `json:"plan"`
	Period string `json:"period"`
	Email  string `json:"email"`
	TaxID  string `json:"tax_id"`
}

func (s *Server) handleCreateLink(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Payments == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "payments not configured")
		return
	}

	var req createLinkRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Phone == "" {
		s.errorResponse(w, http.StatusBadRequest, "phone is required")
		return
	}
	if req.Plan == "" {
		req.Plan = string(finance.LicensePro)
	}
	if req.Period == "" {
		req.Period = license.PeriodMonthly
	}

	link, err := s.cfg.Payments.PaymentLink(r.Context(), license.LinkRequest{
		Phone:  req.Phone,
		Name:   req.Name,
		Plan:   req.Plan,
		Period: req.Period,
		Email:  req.Email,
		TaxID:  req.TaxID,
	})
	switch {
	case errors.Is(err, license.ErrInvalidPlan), errors.Is(err, license.ErrInvalidPeriod):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, license.ErrBillingDisabled):
		s.errorResponse(w, http.StatusServiceUnavailable, "billing not configured")
		return
	case err != nil:
		s.logger.Error("payment link failed", "phone", req.Phone, "plan", req.Plan, "error", err)
		s.errorResponse(w, http.StatusBadGateway, "Erro ao gerar link de pagamento. Tente novamente.")
		return
	}

	s.logger.Info("payment link issued",
		"phone", req.Phone,
		"plan", link.Plan,
		"period", link.Period,
		"billing_id", link.BillingID,
		"reused", link.Reused,
	)
	writeJSON(w, link, s.logger)
}

func (s *Server) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Payments == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "payments not configured")
		return
	}

	phone := strings.TrimSpace(chi.URLParam(r, "phone"))
	report, err := s.cfg.Payments.Status(r.Context(), phone)
	switch {
	case errors.Is(err, finance.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "Usuário não encontrado")
		return
	case err != nil:
		s.logger.Error("payment status failed", "phone", phone, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	writeJSON(w, report, s.logger)
}
