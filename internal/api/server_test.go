package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/nugget/suvfin/internal/billing"
	"github.com/nugget/suvfin/internal/config"
	"github.com/nugget/suvfin/internal/connwatch"
	"github.com/nugget/suvfin/internal/finance"
	"github.com/nugget/suvfin/internal/kvstore"
	"github.com/nugget/suvfin/internal/license"
	"github.com/nugget/suvfin/internal/llm"
	"github.com/nugget/suvfin/internal/ratelimit"
	"github.com/nugget/suvfin/internal/router"
	"github.com/nugget/suvfin/internal/usage"
	"github.com/nugget/suvfin/internal/whatsapp"
)

type fakeQueue struct {
	mu   sync.Mutex
	msgs []*whatsapp.InboundMessage
	full bool
}

func (q *fakeQueue) Enqueue(msg *whatsapp.InboundMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return false
	}
	q.msgs = append(q.msgs, msg)
	return true
}

type fakePayments struct {
	linkErr error
	lastReq license.LinkRequest
	outcome string
	applied *billing.WebhookEvent
}

func (p *fakePayments) PaymentLink(_ context.Context, req license.LinkRequest) (*license.PaymentLink, error) {
	p.lastReq = req
	if p.linkErr != nil {
		return nil, p.linkErr
	}
	return &license.PaymentLink{
		BillingID:   "bill_1",
		URL:         "https://pay.example/bill_1",
		AmountCents: 1990,
		Status:      "PENDING",
		Plan:        req.Plan,
		Period:      req.Period,
	}, nil
}

func (p *fakePayments) Status(_ context.Context, phone string) (*license.StatusReport, error) {
	if phone != "5511999990000" {
		return nil, finance.ErrNotFound
	}
	return &license.StatusReport{Phone: phone, LicenseType: "PRO", IsPremium: true}, nil
}

func (p *fakePayments) ApplyBillingStatus(_ context.Context, ev *billing.WebhookEvent) (string, error) {
	p.applied = ev
	return p.outcome, nil
}

type fakeVerifier struct{ secret string }

func (v fakeVerifier) VerifyWebhookSecret(received string) bool {
	return v.secret != "" && received == v.secret
}

func newStore(t *testing.T) kvstore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := kvstore.Open(kvstore.Options{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := Config{
		WhatsApp:  config.WhatsAppConfig{VerifyToken: "verify-me"},
		Anthropic: config.AnthropicConfig{Model: "full-model", LightModel: "light-model"},
		LLM:       config.LLMConfig{MaxMessagesPerUserHour: 30, MaxMessagesPerUserDay: 200},
		Queue:     &fakeQueue{},
		Payments:  &fakePayments{outcome: license.OutcomeProcessed},
		Billing:   fakeVerifier{secret: "s3cret"},
		Router:    router.NewRouter(nil, router.DefaultPolicy("light-model", "full-model"), 10),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewServer(cfg)
}

func do(t *testing.T, s *Server, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

const textDelivery = `{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{"contacts":[{"profile":{"name":"Ana"}}],"messages":[{"from":"5511999990000","id":"wamid.1","timestamp":"1","type":"text","text":{"body":"gastei 50 no mercado"}}]}}]}]}`

func sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode(t, rec)
	if got["status"] != "healthy" || got["service"] != ServiceName {
		t.Errorf("body = %v", got)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

type fakeDeps []connwatch.ServiceStatus

func (f fakeDeps) Status() []connwatch.ServiceStatus { return f }

func TestHealth_Dependencies(t *testing.T) {
	s := newTestServer(t, func(c *Config) {
		c.Dependencies = fakeDeps{
			{Name: "mqtt", Ready: false, LastError: "connection refused"},
			{Name: "redis", Ready: true},
		}
	})
	rec := do(t, s, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, a down dependency must not fail the check", rec.Code)
	}
	got := decode(t, rec)
	deps, ok := got["dependencies"].([]any)
	if !ok || len(deps) != 2 {
		t.Fatalf("dependencies = %v", got["dependencies"])
	}
	first := deps[0].(map[string]any)
	if first["name"] != "mqtt" || first["ready"] != false || first["last_error"] != "connection refused" {
		t.Errorf("first dependency = %v", first)
	}
}

func TestWebhookVerify(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name     string
		query    string
		wantCode int
		wantBody string
	}{
		{"valid", "hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42", http.StatusOK, "42"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=42", http.StatusForbidden, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=42", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodGet, "/webhook?"+tt.query, "", nil)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestWebhook_Enqueues(t *testing.T) {
	q := &fakeQueue{}
	s := newTestServer(t, func(c *Config) { c.Queue = q })

	rec := do(t, s, http.MethodPost, "/webhook", textDelivery, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode(t, rec)["status"]; got != "received" {
		t.Errorf("status field = %v", got)
	}
	if len(q.msgs) != 1 {
		t.Fatalf("enqueued %d messages, want 1", len(q.msgs))
	}
	if m := q.msgs[0]; m.From != "5511999990000" || m.Name != "Ana" || m.Content != "gastei 50 no mercado" {
		t.Errorf("message = %+v", m)
	}
}

func TestWebhook_StatusUpdateAcknowledged(t *testing.T) {
	q := &fakeQueue{}
	s := newTestServer(t, func(c *Config) { c.Queue = q })

	body := `{"entry":[{"changes":[{"value":{"statuses":[{"id":"wamid.1","status":"delivered"}]}}]}]}`
	rec := do(t, s, http.MethodPost, "/webhook", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(q.msgs) != 0 {
		t.Errorf("status update was enqueued")
	}
}

func TestWebhook_QueueFull(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.Queue = &fakeQueue{full: true} })

	rec := do(t, s, http.MethodPost, "/webhook", textDelivery, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestWebhook_Signature(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		header   string
		wantCode int
		wantMsgs int
	}{
		{"valid", "app-secret", sign(textDelivery, "app-secret"), http.StatusOK, 1},
		{"wrong secret", "app-secret", sign(textDelivery, "other"), http.StatusForbidden, 0},
		{"missing header", "app-secret", "", http.StatusForbidden, 0},
		{"no secret configured", "", "", http.StatusOK, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQueue{}
			s := newTestServer(t, func(c *Config) {
				c.Queue = q
				c.WhatsApp.AppSecret = tt.secret
			})
			h := http.Header{}
			if tt.header != "" {
				h.Set(whatsapp.SignatureHeader, tt.header)
			}
			rec := do(t, s, http.MethodPost, "/webhook", textDelivery, h)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if len(q.msgs) != tt.wantMsgs {
				t.Errorf("enqueued %d, want %d", len(q.msgs), tt.wantMsgs)
			}
		})
	}
}

func TestWebhook_IPLimit(t *testing.T) {
	store := newStore(t)
	s := newTestServer(t, func(c *Config) {
		c.IPLimiter = &ratelimit.IPLimiter{Store: store, PerMinute: 2}
	})

	for i := 1; i <= 2; i++ {
		if rec := do(t, s, http.MethodPost, "/webhook", textDelivery, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}
	rec := do(t, s, http.MethodPost, "/webhook", textDelivery, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}

	// Without a trusted proxy, rotating forwarding headers changes nothing.
	for _, ip := range []string{"203.0.113.9", "203.0.113.10"} {
		h := http.Header{}
		h.Set("X-Forwarded-For", ip)
		h.Set("X-Real-IP", ip)
		if rec := do(t, s, http.MethodPost, "/webhook", textDelivery, h); rec.Code != http.StatusTooManyRequests {
			t.Errorf("spoofed %s: status = %d, want 429", ip, rec.Code)
		}
	}
}

func TestWebhook_IPLimitBehindTrustedProxy(t *testing.T) {
	store := newStore(t)
	s := newTestServer(t, func(c *Config) {
		c.IPLimiter = &ratelimit.IPLimiter{Store: store, PerMinute: 1}
		// httptest requests come from 192.0.2.1.
		c.TrustedProxies = []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")}
	})

	forwarded := func(ip string) http.Header {
		h := http.Header{}
		h.Set("X-Forwarded-For", ip)
		return h
	}

	if rec := do(t, s, http.MethodPost, "/webhook", textDelivery, forwarded("203.0.113.9")); rec.Code != http.StatusOK {
		t.Fatalf("first client: status = %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/webhook", textDelivery, forwarded("203.0.113.9")); rec.Code != http.StatusTooManyRequests {
		t.Errorf("first client again: status = %d, want 429", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/webhook", textDelivery, forwarded("203.0.113.10")); rec.Code != http.StatusOK {
		t.Errorf("second client: status = %d", rec.Code)
	}
}

const paidDelivery = `{"event":"billing.paid","data":{"billing":{"id":"bill_1","status":"PAID","amount":1990,"customer":{"id":"cust_1","metadata":{"name":"Ana","cellphone":"5511999990000"}}}}}`

func TestBillingWebhook(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		outcome    string
		wantCode   int
		wantStatus string
	}{
		{"processed", "/webhooks/abacatepay?webhookSecret=s3cret", paidDelivery, license.OutcomeProcessed, http.StatusOK, "processed"},
		{"legacy path", "/payment/webhook?webhookSecret=s3cret", paidDelivery, license.OutcomeProcessed, http.StatusOK, "processed"},
		{"ignored", "/webhooks/abacatepay?webhookSecret=s3cret", paidDelivery, license.OutcomeIgnored, http.StatusOK, "ignored"},
		{"no phone", "/webhooks/abacatepay?webhookSecret=s3cret", paidDelivery, license.OutcomeNotFound, http.StatusOK, "not_found"},
		{"bad secret", "/webhooks/abacatepay?webhookSecret=nope", paidDelivery, "", http.StatusUnauthorized, ""},
		{"missing secret", "/webhooks/abacatepay", paidDelivery, "", http.StatusUnauthorized, ""},
		{"bad json", "/webhooks/abacatepay?webhookSecret=s3cret", "{", "", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePayments{outcome: tt.outcome}
			s := newTestServer(t, func(c *Config) { c.Payments = p })

			rec := do(t, s, http.MethodPost, tt.path, tt.body, nil)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantStatus == "" {
				if p.applied != nil {
					t.Error("event applied despite rejection")
				}
				return
			}
			got := decode(t, rec)
			if got["status"] != tt.wantStatus {
				t.Errorf("status field = %v, want %s", got["status"], tt.wantStatus)
			}
			if p.applied == nil || p.applied.BillingID != "bill_1" || p.applied.CustomerPhone != "5511999990000" {
				t.Errorf("applied = %+v", p.applied)
			}
		})
	}
}

func TestBillingWebhook_NoBillingClient(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.Billing = nil })
	rec := do(t, s, http.MethodPost, "/webhooks/abacatepay?webhookSecret=s3cret", paidDelivery, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestCreateLink(t *testing.T) {
	p := &fakePayments{}
	s := newTestServer(t, func(c *Config) { c.Payments = p })

	rec := do(t, s, http.MethodPost, "/payment/create-link", `{"phone":" 5511999990000 ","name":"Ana","plan":"BASICO","period":"ANNUAL"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decode(t, rec)
	if got["payment_url"] != "https://pay.example/bill_1" || got["billing_id"] != "bill_1" {
		t.Errorf("body = %v", got)
	}
	if _, ok := got["Reused"]; ok {
		t.Error("internal field leaked into response")
	}
	if p.lastReq.Phone != "5511999990000" || p.lastReq.Plan != "BASICO" || p.lastReq.Period != "ANNUAL" {
		t.Errorf("request = %+v", p.lastReq)
	}
}

func TestCreateLink_Defaults(t *testing.T) {
	p := &fakePayments{}
	s := newTestServer(t, func(c *Config) { c.Payments = p })

	if rec := do(t, s, http.MethodPost, "/payment/create-link", `{"phone":"5511"}`, nil); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if p.lastReq.Plan != string(finance.LicensePro) || p.lastReq.Period != license.PeriodMonthly {
		t.Errorf("defaults = %q %q", p.lastReq.Plan, p.lastReq.Period)
	}
}

func TestCreateLink_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
	}{
		{"bad json", `not json`, nil, http.StatusBadRequest},
		{"missing phone", `{"plan":"PRO"}`, nil, http.StatusBadRequest},
		{"invalid plan", `{"phone":"55"}`, license.ErrInvalidPlan, http.StatusBadRequest},
		{"invalid period", `{"phone":"55"}`, license.ErrInvalidPeriod, http.StatusBadRequest},
		{"billing disabled", `{"phone":"55"}`, license.ErrBillingDisabled, http.StatusServiceUnavailable},
		{"provider failure", `{"phone":"55"}`, errors.New("upstream 500"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, func(c *Config) { c.Payments = &fakePayments{linkErr: tt.err} })
			rec := do(t, s, http.MethodPost, "/payment/create-link", tt.body, nil)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			e, _ := decode(t, rec)["error"].(map[string]any)
			if e == nil || e["message"] == "" {
				t.Errorf("error body = %s", rec.Body.String())
			}
		})
	}
}

func TestPaymentStatus(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/payment/status/5511999990000", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decode(t, rec); got["license_type"] != "PRO" || got["is_premium"] != true {
		t.Errorf("body = %v", got)
	}

	rec = do(t, s, http.MethodGet, "/payment/status/000", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown phone status = %d, want 404", rec.Code)
	}
}

func TestAdminAuth(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.AdminToken = "admin-token" })

	tests := []struct {
		name     string
		auth     string
		wantCode int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "Basic admin-token", http.StatusUnauthorized},
		{"valid", "Bearer admin-token", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.auth != "" {
				h.Set("Authorization", tt.auth)
			}
			rec := do(t, s, http.MethodGet, "/admin/router/stats", "", h)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

func TestAdminTokens(t *testing.T) {
	tel := &usage.Telemetry{Store: newStore(t), InputUSDPerMillion: 3, OutputUSDPerMillion: 15}
	tel.Record(context.Background(), usage.CallInfo{Phone: "5511", Model: "full-model"}, llm.Usage{InputTokens: 1000, OutputTokens: 200})

	s := newTestServer(t, func(c *Config) { c.Telemetry = tel })

	rec := do(t, s, http.MethodGet, "/admin/tokens/today", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("today status = %d", rec.Code)
	}
	today := decode(t, rec)
	if today["input_tokens"] != float64(1000) || today["total_requests"] != float64(1) {
		t.Errorf("today = %v", today)
	}

	rec = do(t, s, http.MethodGet, "/admin/tokens/summary?days=3", "", nil)
	sum := decode(t, rec)
	if sum["period_days"] != float64(3) || sum["model_primary"] != "full-model" || sum["model_light"] != "light-model" {
		t.Errorf("summary = %v", sum)
	}
	if daily, _ := sum["daily_breakdown"].([]any); len(daily) != 3 {
		t.Errorf("daily_breakdown has %d entries, want 3", len(daily))
	}
	if cfg, _ := sum["config"].(map[string]any); cfg["rate_limit_hour"] != float64(30) {
		t.Errorf("config = %v", sum["config"])
	}

	rec = do(t, s, http.MethodGet, "/admin/tokens/user/5511", "", nil)
	user := decode(t, rec)
	if user["phone"] != "5511" {
		t.Errorf("user = %v", user)
	}
	if daily, _ := user["daily_breakdown"].([]any); len(daily) != 1 {
		t.Errorf("user breakdown has %d entries, want 1", len(daily))
	}
}

func TestAdmin_Unconfigured(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.Router = nil })

	for _, path := range []string{"/admin/tokens/today", "/admin/tokens/models", "/admin/router/stats", "/admin/router/audit"} {
		if rec := do(t, s, http.MethodGet, path, "", nil); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s status = %d, want 503", path, rec.Code)
		}
	}
}

func TestAdminRouterAudit(t *testing.T) {
	rt := router.NewRouter(nil, router.DefaultPolicy("light-model", "full-model"), 10)
	for _, text := range []string{"oi", "quanto gastei esse mês?", "obrigado"} {
		rt.Route(context.Background(), router.Request{Text: text})
	}
	s := newTestServer(t, func(c *Config) { c.Router = rt })

	rec := do(t, s, http.MethodGet, "/admin/router/audit?limit=2", "", nil)
	got := decode(t, rec)
	if got["count"] != float64(2) {
		t.Errorf("count = %v, want 2", got["count"])
	}

	rec = do(t, s, http.MethodGet, "/admin/router/stats", "", nil)
	if stats := decode(t, rec); stats["total_requests"] != float64(3) {
		t.Errorf("stats = %v", stats)
	}
}
