// Package license manages user plans: trial creation, validity,
// transaction limits, payment links and the upgrade that follows a
// confirmed payment.
package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/nugget/suvfin/internal/billing"
	"github.com/nugget/suvfin/internal/finance"
)

// Billing periods.
const (
	PeriodMonthly = "MONTHLY"
	PeriodAnnual  = "ANNUAL"
)

// annualDiscount is the share of twelve monthly payments charged for
// an annual plan.
const annualDiscount = 0.8

// Errors returned by PaymentLink for bad input.
var (
	ErrInvalidPlan   = errors.New("plano inválido: use BASICO, PRO ou PREMIUM")
	ErrInvalidPeriod = errors.New("período inválido: use MONTHLY ou ANNUAL")
)

// DefaultUserName is used when the channel provides no profile name.
const DefaultUserName = "Usuário"

// BillingClient creates provider billings.
type BillingClient interface {
	CreateBilling(ctx context.Context, br billing.BillingRequest) (*billing.Billing, error)
}

// Notifier delivers a text message to a phone number.
type Notifier interface {
	SendText(ctx context.Context, to, text string) error
}

// Config holds plan limits and prices.
type Config struct {
	TrialDays             int
	TrialTransactionLimit int
	BasicTransactionLimit int
	// MonthlyPrices maps paid plans to their monthly price in cents.
	MonthlyPrices map[finance.LicenseType]int64
	// AppURL is the public base URL used for billing return links.
	AppURL   string
	Location *time.Location
}

// Service implements the licensing rules over the finance store.
type Service struct {
	store    *finance.Store
	billing  BillingClient
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a license service. billing and notifier may be nil
// when payments are not configured.
func NewService(store *finance.Store, bc BillingClient, notifier Notifier, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TrialDays <= 0 {
		cfg.TrialDays = 7
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Service{
		store:    store,
		billing:  bc,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "license"),
		now:      time.Now,
	}
}

// SetNotifier sets the channel used for payment confirmations.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

func (s *Service) today() time.Time {
	return civilDate(s.now().In(s.cfg.Location))
}

// civilDate maps t's calendar day to midnight UTC, the form in which
// the store returns license dates.
func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// GetOrCreateUser returns the user for phone, creating a trial user on
// first contact. created reports whether a user was created.
func (s *Service) GetOrCreateUser(ctx context.Context, phone, name string) (u *finance.User, created bool, err error) {
	u, err = s.store.UserByPhone(ctx, phone)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, finance.ErrNotFound) {
		return nil, false, err
	}

	if strings.TrimSpace(name) == "" {
		name = DefaultUserName
	}
	expires := s.today().AddDate(0, 0, s.cfg.TrialDays)
	u = &finance.User{
		Phone:            phone,
		Name:             name,
		License:          finance.LicenseFreeTrial,
		LicenseExpiresAt: &expires,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		// Lost a race with a concurrent first message from the same phone.
		if existing, lookupErr := s.store.UserByPhone(ctx, phone); lookupErr == nil {
			return existing, false, nil
		}
		return nil, false, err
	}
	s.logger.Info("trial user created", "phone", phone, "user_id", u.ID, "expires", expires.Format(finance.DateLayout))
	return u, true, nil
}

// IsValid reports whether u may use the assistant on today. Paid plans
// without an expiry never lapse; the trial needs a future expiry.
func IsValid(u *finance.User, today time.Time) bool {
	if !u.Active {
		return false
	}
	today = civilDate(today)
	if u.License.Paid() {
		return u.LicenseExpiresAt == nil || !civilDate(*u.LicenseExpiresAt).Before(today)
	}
	return u.LicenseExpiresAt != nil && !civilDate(*u.LicenseExpiresAt).Before(today)
}

// IsValid reports whether u's license is valid today.
func (s *Service) IsValid(u *finance.User) bool {
	return IsValid(u, s.today())
}

// MaxTransactions returns the transaction ceiling of a plan, or 0 for
// unlimited.
func (s *Service) MaxTransactions(l finance.LicenseType) int {
	switch l {
	case finance.LicenseFreeTrial:
		return s.cfg.TrialTransactionLimit
	case finance.LicenseBasico:
		return s.cfg.BasicTransactionLimit
	}
	return 0
}

// LimitCheck is the outcome of CheckTransactionLimit.
type LimitCheck struct {
	Allowed bool
	Reason  string
	Current int
	Limit   int // 0 = unlimited
}

// Remaining returns how many transactions are left, or -1 if unlimited.
func (c LimitCheck) Remaining() int {
	if c.Limit == 0 {
		return -1
	}
	return max(c.Limit-c.Current, 0)
}

// CheckTransactionLimit reports whether userID may register another
// transaction.
func (s *Service) CheckTransactionLimit(ctx context.Context, userID string) (LimitCheck, error) {
	u, err := s.store.UserByID(ctx, userID)
	if errors.Is(err, finance.ErrNotFound) {
		return LimitCheck{Reason: "Usuário não encontrado."}, nil
	}
	if err != nil {
		return LimitCheck{}, err
	}

	limit := s.MaxTransactions(u.License)
	if limit <= 0 {
		return LimitCheck{Allowed: true}, nil
	}

	n, err := s.store.CountTransactions(ctx, userID)
	if err != nil {
		return LimitCheck{}, err
	}
	if n >= limit {
		return LimitCheck{Current: n, Limit: limit, Reason: LimitReachedText(limit)}, nil
	}
	return LimitCheck{Allowed: true, Current: n, Limit: limit}, nil
}

// LimitReachedText tells the user they hit the plan ceiling.
func LimitReachedText(limit int) string {
	return fmt.Sprintf("Você atingiu o limite de %d lançamentos do seu plano. "+
		"Faça upgrade para continuar registrando! 🚀", limit)
}

// Price returns the price in cents of plan for period. The annual price
// is twelve months with a 20% discount.
func (s *Service) Price(plan finance.LicenseType, period string) int64 {
	monthly := s.cfg.MonthlyPrices[plan]
	if period == PeriodAnnual {
		return int64(math.Round(float64(monthly) * 12 * annualDiscount))
	}
	return monthly
}

// PlanDisplayName is the user-facing name of a plan.
func PlanDisplayName(l finance.LicenseType) string {
	switch l {
	case finance.LicenseBasico:
		return "Básico"
	case finance.LicensePro:
		return "Pro"
	case finance.LicensePremium:
		return "Premium"
	}
	return "Trial"
}

func periodLabel(period string) string {
	if period == PeriodAnnual {
		return "anual"
	}
	return "mensal"
}

// ExtendFrom returns the new expiry of a plan bought on today for
// period, continuing from a still-valid expiry.
func ExtendFrom(current *time.Time, today time.Time, period string) time.Time {
	base := civilDate(today)
	if current != nil && civilDate(*current).After(base) {
		base = civilDate(*current)
	}
	if period == PeriodAnnual {
		return base.AddDate(0, 0, 365)
	}
	return base.AddDate(0, 0, 30)
}

// UpgradeToPlan moves userID to plan for one period.
func (s *Service) UpgradeToPlan(ctx context.Context, userID string, plan finance.LicenseType, period, customerID string) error {
	u, err := s.store.UserByID(ctx, userID)
	if err != nil {
		return err
	}
	var current *time.Time
	if u.License.Paid() {
		current = u.LicenseExpiresAt
	}
	expires := ExtendFrom(current, s.today(), period)
	if err := s.store.UpdateLicense(ctx, userID, plan, &expires, customerID); err != nil {
		return err
	}
	s.logger.Info("license upgraded", "phone", u.Phone, "plan", plan, "period", period,
		"expires", expires.Format(finance.DateLayout))
	return nil
}
