package license

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/suvfin/internal/billing"
	"github.com/nugget/suvfin/internal/finance"
)

type fakeBilling struct {
	mu    sync.Mutex
	calls []billing.BillingRequest
	err   error
}

func (f *fakeBilling) CreateBilling(_ context.Context, br billing.BillingRequest) (*billing.Billing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, br)
	if f.err != nil {
		return nil, f.err
	}
	id := "bill_" + string(rune('0'+len(f.calls)))
	return &billing.Billing{ID: id, URL: "https://pay.example/" + id, Status: billing.StatusPending}, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent map[string][]string
}

func (f *fakeNotifier) SendText(_ context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = make(map[string][]string)
	}
	f.sent[to] = append(f.sent[to], text)
	return nil
}

var testToday = time.Date(2026, 2, 13, 15, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *finance.Store, *fakeBilling, *fakeNotifier) {
	t.Helper()
	db, err := finance.OpenDB(filepath.Join(t.TempDir(), "finance.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := finance.NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	fb := &fakeBilling{}
	fn := &fakeNotifier{}
	svc := NewService(store, fb, fn, Config{
		TrialDays:             7,
		TrialTransactionLimit: 2,
		BasicTransactionLimit: 100,
		MonthlyPrices: map[finance.LicenseType]int64{
			finance.LicenseBasico:  990,
			finance.LicensePro:     1990,
			finance.LicensePremium: 3490,
		},
		AppURL:   "https://app.example/",
		Location: time.UTC,
	}, nil)
	svc.now = func() time.Time { return testToday }
	return svc, store, fb, fn
}

func date(s string) *time.Time {
	t, err := time.Parse(finance.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestGetOrCreateUser(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	u, created, err := svc.GetOrCreateUser(ctx, "5511999990000", "")
	if err != nil || !created {
		t.Fatalf("first call: created=%v err=%v", created, err)
	}
	if u.Name != DefaultUserName || u.License != finance.LicenseFreeTrial {
		t.Errorf("user = %+v", u)
	}
	if got := u.LicenseExpiresAt.Format(finance.DateLayout); got != "2026-02-20" {
		t.Errorf("trial expiry = %s, want 2026-02-20", got)
	}

	again, created, err := svc.GetOrCreateUser(ctx, "5511999990000", "Ana")
	if err != nil || created || again.ID != u.ID {
		t.Errorf("second call: %+v created=%v err=%v", again, created, err)
	}
}

func TestIsValid(t *testing.T) {
	today := time.Date(2026, 2, 13, 23, 0, 0, 0, time.FixedZone("BRT", -3*3600))
	tests := []struct {
		name string
		user finance.User
		want bool
	}{
		{"trial future", finance.User{Active: true, License: finance.LicenseFreeTrial, LicenseExpiresAt: date("2026-02-20")}, true},
		{"trial expires today", finance.User{Active: true, License: finance.LicenseFreeTrial, LicenseExpiresAt: date("2026-02-13")}, true},
		{"trial expired", finance.User{Active: true, License: finance.LicenseFreeTrial, LicenseExpiresAt: date("2026-02-12")}, false},
		{"trial without expiry", finance.User{Active: true, License: finance.LicenseFreeTrial}, false},
		{"paid without expiry", finance.User{Active: true, License: finance.LicensePro}, true},
		{"paid expired", finance.User{Active: true, License: finance.LicenseBasico, LicenseExpiresAt: date("2026-01-01")}, false},
		{"inactive", finance.User{Active: false, License: finance.LicensePremium}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(&tt.user, today); got != tt.want {
				t.Errorf("IsValid = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckTransactionLimit(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	u, _, _ := svc.GetOrCreateUser(ctx, "5511", "Ana")

	for i := range 2 {
		check, err := svc.CheckTransactionLimit(ctx, u.ID)
		if err != nil || !check.Allowed {
			t.Fatalf("tx %d: %+v %v", i, check, err)
		}
		if check.Remaining() != 2-i {
			t.Errorf("remaining = %d, want %d", check.Remaining(), 2-i)
		}
		if _, err := store.CreateTransaction(ctx, finance.NewTransaction{UserID: u.ID, Type: finance.Expense, AmountCents: 100}); err != nil {
			t.Fatal(err)
		}
	}

	check, _ := svc.CheckTransactionLimit(ctx, u.ID)
	if check.Allowed || !strings.Contains(check.Reason, "limite de 2") {
		t.Errorf("at limit: %+v", check)
	}

	if err := svc.UpgradeToPlan(ctx, u.ID, finance.LicensePro, PeriodMonthly, ""); err != nil {
		t.Fatal(err)
	}
	check, _ = svc.CheckTransactionLimit(ctx, u.ID)
	if !check.Allowed || check.Remaining() != -1 {
		t.Errorf("pro plan: %+v", check)
	}

	missing, _ := svc.CheckTransactionLimit(ctx, "nope")
	if missing.Allowed {
		t.Error("unknown user allowed")
	}
}

func TestPrice(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	tests := []struct {
		plan   finance.LicenseType
		period string
		want   int64
	}{
		{finance.LicenseBasico, PeriodMonthly, 990},
		{finance.LicenseBasico, PeriodAnnual, 9504},
		{finance.LicensePro, PeriodAnnual, 19104},
		{finance.LicensePremium, PeriodMonthly, 3490},
	}
	for _, tt := range tests {
		if got := svc.Price(tt.plan, tt.period); got != tt.want {
			t.Errorf("Price(%s, %s) = %d, want %d", tt.plan, tt.period, got, tt.want)
		}
	}
}

func TestExtendFrom(t *testing.T) {
	today := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	if got := ExtendFrom(nil, today, PeriodMonthly).Format(finance.DateLayout); got != "2026-03-15" {
		t.Errorf("monthly = %s", got)
	}
	if got := ExtendFrom(nil, today, PeriodAnnual).Format(finance.DateLayout); got != "2027-02-13" {
		t.Errorf("annual = %s", got)
	}
	if got := ExtendFrom(date("2026-03-01"), today, PeriodMonthly).Format(finance.DateLayout); got != "2026-03-31" {
		t.Errorf("extension of valid plan = %s", got)
	}
	if got := ExtendFrom(date("2026-01-01"), today, PeriodMonthly).Format(finance.DateLayout); got != "2026-03-15" {
		t.Errorf("lapsed plan = %s", got)
	}
}

func TestPaymentLink(t *testing.T) {
	svc, _, fb, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.PaymentLink(ctx, LinkRequest{Phone: "5511", Plan: "GOLD", Period: "MONTHLY"}); !errors.Is(err, ErrInvalidPlan) {
		t.Errorf("bad plan err = %v", err)
	}
	if _, err := svc.PaymentLink(ctx, LinkRequest{Phone: "5511", Plan: "FREE_TRIAL", Period: "MONTHLY"}); !errors.Is(err, ErrInvalidPlan) {
		t.Errorf("trial plan err = %v", err)
	}
	if _, err := svc.PaymentLink(ctx, LinkRequest{Phone: "5511", Plan: "pro", Period: "WEEKLY"}); !errors.Is(err, ErrInvalidPeriod) {
		t.Errorf("bad period err = %v", err)
	}

	link, err := svc.PaymentLink(ctx, LinkRequest{Phone: "5511", Name: "Ana", Plan: "pro", Period: "annual"})
	if err != nil {
		t.Fatalf("PaymentLink: %v", err)
	}
	if link.AmountCents != 19104 || link.Plan != "PRO" || link.Period != PeriodAnnual || link.Reused {
		t.Errorf("link = %+v", link)
	}
	if len(fb.calls) != 1 {
		t.Fatalf("billing calls = %d", len(fb.calls))
	}
	call := fb.calls[0]
	if call.ReturnURL != "https://app.example/upgrade?phone=5511" || call.Products[0].Price != 19104 {
		t.Errorf("billing request = %+v", call)
	}
	if call.Customer != nil {
		t.Error("customer sent without email and tax id")
	}

	again, err := svc.PaymentLink(ctx, LinkRequest{Phone: "5511", Plan: "BASICO", Period: "MONTHLY"})
	if err != nil {
		t.Fatal(err)
	}
	if !again.Reused || again.URL != link.URL || len(fb.calls) != 1 {
		t.Errorf("pending link not reused: %+v, calls=%d", again, len(fb.calls))
	}
}

func TestPaymentLink_BillingFailure(t *testing.T) {
	svc, _, fb, _ := newTestService(t)
	fb.err = &billing.APIError{StatusCode: 500, Body: "boom"}

	_, err := svc.PaymentLink(context.Background(), LinkRequest{Phone: "5511", Plan: "PRO", Period: "MONTHLY"})
	var apiErr *billing.APIError
	if !errors.As(err, &apiErr) {
		t.Errorf("err = %v, want wrapped APIError", err)
	}

	offer := svc.UpgradeOffer(context.Background(), "5511")
	if offer.QR != nil || !strings.Contains(offer.Text, "Entre em contato") {
		t.Errorf("degraded offer = %+v", offer)
	}
}

func TestUpgradeOffer(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	offer := svc.UpgradeOffer(context.Background(), "5511")
	if !strings.Contains(offer.Text, "https://pay.example/bill_1") {
		t.Errorf("offer text missing link: %q", offer.Text)
	}
	if !strings.Contains(offer.Text, "R$ 19,90") {
		t.Errorf("offer text missing price: %q", offer.Text)
	}
	if len(offer.QR) < 8 || string(offer.QR[1:4]) != "PNG" {
		t.Errorf("QR is not a PNG")
	}
}

func TestMapBillingStatus(t *testing.T) {
	tests := map[string]finance.PaymentStatus{
		"PENDING":   finance.PaymentPending,
		"PAID":      finance.PaymentPaid,
		"ACTIVE":    finance.PaymentPaid,
		"completed": finance.PaymentPaid,
		"EXPIRED":   finance.PaymentExpired,
		"CANCELLED": finance.PaymentCancelled,
		"REFUNDED":  finance.PaymentRefunded,
		"WEIRD":     finance.PaymentPending,
		"":          finance.PaymentPending,
	}
	for in, want := range tests {
		if got := MapBillingStatus(in); got != want {
			t.Errorf("MapBillingStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestApplyBillingStatus(t *testing.T) {
	svc, store, _, fn := newTestService(t)
	ctx := context.Background()

	link, err := svc.PaymentLink(ctx, LinkRequest{Phone: "5511", Plan: "PREMIUM", Period: "MONTHLY"})
	if err != nil {
		t.Fatal(err)
	}

	outcome, err := svc.ApplyBillingStatus(ctx, &billing.WebhookEvent{BillingID: link.BillingID, Status: "PAID", CustomerID: "cust_1"})
	if err != nil || outcome != OutcomeProcessed {
		t.Fatalf("apply: %s %v", outcome, err)
	}
	u, _ := store.UserByPhone(ctx, "5511")
	if u.License != finance.LicensePremium || u.CustomerID != "cust_1" {
		t.Errorf("user after payment = %+v", u)
	}
	if got := u.LicenseExpiresAt.Format(finance.DateLayout); got != "2026-03-15" {
		t.Errorf("expiry = %s", got)
	}
	if len(fn.sent["5511"]) != 1 || !strings.Contains(fn.sent["5511"][0], "Premium") {
		t.Errorf("notifications = %v", fn.sent)
	}

	// A duplicate delivery neither re-extends nor re-notifies.
	if _, err := svc.ApplyBillingStatus(ctx, &billing.WebhookEvent{BillingID: link.BillingID, Status: "PAID"}); err != nil {
		t.Fatal(err)
	}
	u, _ = store.UserByPhone(ctx, "5511")
	if got := u.LicenseExpiresAt.Format(finance.DateLayout); got != "2026-03-15" {
		t.Errorf("duplicate webhook extended expiry to %s", got)
	}
	if len(fn.sent["5511"]) != 1 {
		t.Errorf("duplicate webhook notified again")
	}
}

func TestApplyBillingStatus_UnknownBilling(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()

	outcome, err := svc.ApplyBillingStatus(ctx, &billing.WebhookEvent{})
	if err != nil || outcome != OutcomeIgnored {
		t.Errorf("empty id: %s %v", outcome, err)
	}

	outcome, err = svc.ApplyBillingStatus(ctx, &billing.WebhookEvent{BillingID: "ext_1", Status: "PAID"})
	if err != nil || outcome != OutcomeNotFound {
		t.Errorf("no phone: %s %v", outcome, err)
	}

	outcome, err = svc.ApplyBillingStatus(ctx, &billing.WebhookEvent{
		BillingID: "ext_2", Status: "PAID", CustomerPhone: "5521988887777", CustomerName: "Bia",
	})
	if err != nil || outcome != OutcomeProcessed {
		t.Fatalf("adopt: %s %v", outcome, err)
	}
	u, err := store.UserByPhone(ctx, "5521988887777")
	if err != nil || u.License != finance.LicensePro || u.Name != "Bia" {
		t.Errorf("adopted user = %+v, %v", u, err)
	}
}

func TestStatus(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Status(ctx, "404"); !errors.Is(err, finance.ErrNotFound) {
		t.Errorf("unknown phone err = %v", err)
	}

	if _, err := svc.PaymentLink(ctx, LinkRequest{Phone: "5511", Plan: "PRO", Period: "MONTHLY"}); err != nil {
		t.Fatal(err)
	}
	r, err := svc.Status(ctx, "5511")
	if err != nil {
		t.Fatal(err)
	}
	if r.LicenseType != "FREE_TRIAL" || r.IsPremium || r.BillingStatus != "PENDING" || r.Plan != "PRO" {
		t.Errorf("status = %+v", r)
	}
}
