package license

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"

	"github.com/nugget/suvfin/internal/billing"
	"github.com/nugget/suvfin/internal/brl"
	"github.com/nugget/suvfin/internal/finance"
)

// ErrBillingDisabled is returned when no billing client is configured.
var ErrBillingDisabled = errors.New("billing not configured")

// LinkRequest asks for a payment link.
type LinkRequest struct {
	Phone  string
	Name   string
	Plan   string
	Period string
	Email  string
	TaxID  string
}

// PaymentLink is a checkout link for a plan.
type PaymentLink struct {
	BillingID   string `json:"billing_id"`
	URL         string `json:"payment_url"`
	AmountCents int64  `json:"amount_cents"`
	Status      string `json:"status"`
	Plan        string `json:"plan"`
	Period      string `json:"period"`
	Message     string `json:"message"`
	Reused      bool   `json:"-"`
}

var planInfo = map[string]struct{ name, description string }{
	PeriodMonthly: {
		name: "SuvFin Mensal",
		description: "Plano Mensal SuvFin: registros ilimitados, relatórios avançados, " +
			"suporte prioritário, cancele quando quiser.",
	},
	PeriodAnnual: {
		name: "SuvFin Anual",
		description: "Plano Anual SuvFin: tudo do mensal com 20% de desconto, " +
			"suporte VIP e novos recursos primeiro.",
	},
}

// PaymentLink returns a checkout link for req. A pending payment of the
// user is reused instead of creating a second billing.
func (s *Service) PaymentLink(ctx context.Context, req LinkRequest) (*PaymentLink, error) {
	plan, ok := finance.ParseLicenseType(req.Plan)
	if !ok || !plan.Paid() {
		return nil, ErrInvalidPlan
	}
	period := strings.ToUpper(strings.TrimSpace(req.Period))
	if period != PeriodMonthly && period != PeriodAnnual {
		return nil, ErrInvalidPeriod
	}

	u, _, err := s.GetOrCreateUser(ctx, req.Phone, req.Name)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.PendingPayment(ctx, u.ID)
	switch {
	case err == nil && existing.URL != "":
		s.logger.Info("reusing pending payment", "phone", req.Phone, "billing_id", existing.BillingID)
		return &PaymentLink{
			BillingID:   existing.BillingID,
			URL:         existing.URL,
			AmountCents: existing.AmountCents,
			Status:      string(finance.PaymentPending),
			Plan:        string(existing.Plan),
			Period:      existing.Period,
			Message:     "Você já tem um pagamento pendente. Use o link abaixo:",
			Reused:      true,
		}, nil
	case err != nil && !errors.Is(err, finance.ErrNotFound):
		return nil, err
	}

	if s.billing == nil {
		return nil, ErrBillingDisabled
	}

	price := s.Price(plan, period)
	info := planInfo[period]
	base := strings.TrimRight(s.cfg.AppURL, "/")

	br := billing.BillingRequest{
		Products: []billing.Product{{
			ExternalID:  fmt.Sprintf("suvfin-%s-%s", strings.ToLower(period), u.ID),
			Name:        fmt.Sprintf("%s (%s)", info.name, PlanDisplayName(plan)),
			Description: info.description,
			Quantity:    1,
			Price:       price,
		}},
		ReturnURL:     fmt.Sprintf("%s/upgrade?phone=%s", base, req.Phone),
		CompletionURL: fmt.Sprintf("%s/upgrade/sucesso?phone=%s", base, req.Phone),
		CustomerID:    u.CustomerID,
	}
	if br.CustomerID == "" && req.Email != "" && req.Name != "" && req.TaxID != "" {
		br.Customer = &billing.Customer{Name: req.Name, Cellphone: req.Phone, Email: req.Email, TaxID: req.TaxID}
	}

	b, err := s.billing.CreateBilling(ctx, br)
	if err != nil {
		return nil, fmt.Errorf("create billing: %w", err)
	}

	p := &finance.Payment{
		UserID:      u.ID,
		BillingID:   b.ID,
		Plan:        plan,
		Period:      period,
		AmountCents: price,
		URL:         b.URL,
	}
	if b.Customer != nil {
		p.CustomerID = b.Customer.ID
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return nil, err
	}

	return &PaymentLink{
		BillingID:   b.ID,
		URL:         b.URL,
		AmountCents: price,
		Status:      string(finance.PaymentPending),
		Plan:        string(plan),
		Period:      period,
		Message:     fmt.Sprintf("Link de pagamento %s (%s) criado! Pague via PIX:", plan, periodLabel(period)),
	}, nil
}

// Offer is the message sent to users whose license lapsed.
type Offer struct {
	Text string
	// QR is a PNG of the payment link; nil when no link could be made.
	QR []byte
}

// UpgradeOffer builds the upgrade message for phone. A failure to
// create the payment link degrades to a text-only offer.
func (s *Service) UpgradeOffer(ctx context.Context, phone string) *Offer {
	link, err := s.PaymentLink(ctx, LinkRequest{Phone: phone, Plan: string(finance.LicensePro), Period: PeriodMonthly})
	if err != nil {
		s.logger.Error("payment link failed", "phone", phone, "error", err)
		return &Offer{Text: "⏰ Seu período de teste expirou!\n\n" +
			"Para continuar usando o SuvFin, faça upgrade para um plano pago!\n" +
			s.priceLines() + "\n" +
			"Entre em contato para fazer o upgrade. 🚀"}
	}

	text := "⏰ Seu período de teste expirou!\n\n" +
		"Para continuar usando o SuvFin, faça upgrade:\n\n" +
		"🔗 " + link.URL + "\n\n" +
		s.priceLines() + "\n" +
		"✅ Lançamentos ilimitados\n" +
		"✅ Relatórios avançados\n" +
		"✅ Suporte prioritário\n\n" +
		"O link acima abre o pagamento PIX instantâneo! 🥑"

	png, err := qrcode.Encode(link.URL, qrcode.Medium, 512)
	if err != nil {
		s.logger.Warn("QR code generation failed", "error", err)
		return &Offer{Text: text}
	}
	return &Offer{Text: text, QR: png}
}

func (s *Service) priceLines() string {
	var b strings.Builder
	for _, plan := range []finance.LicenseType{finance.LicenseBasico, finance.LicensePro, finance.LicensePremium} {
		if _, ok := s.cfg.MonthlyPrices[plan]; !ok {
			continue
		}
		fmt.Fprintf(&b, "💰 %s: %s/mês ou %s/ano\n", PlanDisplayName(plan),
			brl.FormatCents(s.Price(plan, PeriodMonthly)), brl.FormatCents(s.Price(plan, PeriodAnnual)))
	}
	return b.String()
}

// Webhook outcomes.
const (
	OutcomeProcessed = "processed"
	OutcomeIgnored   = "ignored"
	OutcomeNotFound  = "not_found"
)

// MapBillingStatus maps a provider status to the local payment status.
// Unknown statuses stay PENDING.
func MapBillingStatus(status string) finance.PaymentStatus {
	switch strings.ToUpper(status) {
	case billing.StatusPaid, billing.StatusActive, billing.StatusCompleted:
		return finance.PaymentPaid
	case billing.StatusExpired:
		return finance.PaymentExpired
	case billing.StatusCancelled:
		return finance.PaymentCancelled
	case billing.StatusRefunded:
		return finance.PaymentRefunded
	}
	return finance.PaymentPending
}

// ApplyBillingStatus records a billing webhook. The first transition of
// a payment to PAID upgrades its user and sends a confirmation.
// Billings unknown locally are adopted when the payload carries the
// customer's phone.
func (s *Service) ApplyBillingStatus(ctx context.Context, ev *billing.WebhookEvent) (string, error) {
	if ev.BillingID == "" {
		return OutcomeIgnored, nil
	}

	p, err := s.store.PaymentByBillingID(ctx, ev.BillingID)
	if errors.Is(err, finance.ErrNotFound) {
		p, err = s.adoptBilling(ctx, ev)
		if p == nil && err == nil {
			return OutcomeNotFound, nil
		}
	}
	if err != nil {
		return "", err
	}

	newStatus := MapBillingStatus(ev.Status)
	s.logger.Info("billing status", "billing_id", ev.BillingID, "event", ev.Event,
		"from", p.Status, "to", newStatus)

	if err := s.store.UpdatePaymentStatus(ctx, ev.BillingID, newStatus, ev.CustomerID); err != nil {
		return "", err
	}
	if newStatus != finance.PaymentPaid || p.Status == finance.PaymentPaid {
		return OutcomeProcessed, nil
	}

	plan := p.Plan
	if !plan.Paid() {
		plan = finance.LicensePro
	}
	period := p.Period
	if period == "" {
		period = PeriodMonthly
	}
	if err := s.UpgradeToPlan(ctx, p.UserID, plan, period, ev.CustomerID); err != nil {
		return "", fmt.Errorf("upgrade user: %w", err)
	}
	s.notifyUpgrade(ctx, p.UserID, plan)
	return OutcomeProcessed, nil
}

func (s *Service) adoptBilling(ctx context.Context, ev *billing.WebhookEvent) (*finance.Payment, error) {
	if ev.CustomerPhone == "" {
		s.logger.Warn("billing webhook for unknown billing without phone", "billing_id", ev.BillingID)
		return nil, nil
	}
	name := ev.CustomerName
	if name == "" {
		name = "Usuário AbacatePay"
	}
	u, _, err := s.GetOrCreateUser(ctx, ev.CustomerPhone, name)
	if err != nil {
		return nil, err
	}
	amount := ev.AmountCents
	if amount == 0 {
		amount = s.Price(finance.LicensePro, PeriodMonthly)
	}
	p := &finance.Payment{
		UserID:      u.ID,
		BillingID:   ev.BillingID,
		CustomerID:  ev.CustomerID,
		Plan:        finance.LicensePro,
		Period:      PeriodMonthly,
		AmountCents: amount,
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("payment adopted from webhook", "phone", ev.CustomerPhone, "billing_id", ev.BillingID)
	return p, nil
}

func (s *Service) notifyUpgrade(ctx context.Context, userID string, plan finance.LicenseType) {
	if s.notifier == nil {
		return
	}
	u, err := s.store.UserByID(ctx, userID)
	if err != nil {
		s.logger.Warn("upgrade notification skipped", "user_id", userID, "error", err)
		return
	}
	text := "🎉 *Pagamento confirmado!*\n\n" +
		"Seu plano foi atualizado para *" + PlanDisplayName(plan) + "*! 🚀\n\n" +
		"Obrigado por escolher o SuvFin! 💚🥑"
	if err := s.notifier.SendText(ctx, u.Phone, text); err != nil {
		s.logger.Error("upgrade notification failed", "phone", u.Phone, "error", err)
	}
}

// StatusReport describes a user's plan and latest payment.
type StatusReport struct {
	Phone         string `json:"user_phone"`
	LicenseType   string `json:"license_type"`
	IsPremium     bool   `json:"is_premium"`
	ExpiresAt     string `json:"license_expires_at,omitempty"`
	Plan          string `json:"plan,omitempty"`
	Period        string `json:"period,omitempty"`
	BillingID     string `json:"billing_id,omitempty"`
	BillingStatus string `json:"billing_status,omitempty"`
}

// Status reports phone's license and latest payment. It returns
// finance.ErrNotFound for unknown phones.
func (s *Service) Status(ctx context.Context, phone string) (*StatusReport, error) {
	u, err := s.store.UserByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	r := &StatusReport{
		Phone:       u.Phone,
		LicenseType: string(u.License),
		IsPremium:   u.License.Paid(),
	}
	if u.LicenseExpiresAt != nil {
		r.ExpiresAt = u.LicenseExpiresAt.Format(finance.DateLayout)
	}
	p, err := s.store.LatestPayment(ctx, u.ID)
	switch {
	case err == nil:
		r.Plan, r.Period, r.BillingID, r.BillingStatus = string(p.Plan), p.Period, p.BillingID, string(p.Status)
	case !errors.Is(err, finance.ErrNotFound):
		return nil, err
	}
	return r, nil
}
