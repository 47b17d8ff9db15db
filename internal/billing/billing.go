// Package billing is a client for the AbacatePay PIX payment API.
package billing

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/suvfin/internal/config"
	"github.com/nugget/suvfin/internal/httpkit"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://api.abacatepay.com/v1"

// Billing statuses reported by the provider.
const (
	StatusPending   = "PENDING"
	StatusPaid      = "PAID"
	StatusActive    = "ACTIVE"
	StatusCompleted = "COMPLETED"
	StatusExpired   = "EXPIRED"
	StatusCancelled = "CANCELLED"
	StatusRefunded  = "REFUNDED"
)

// EventBillingPaid is the webhook event that confirms a payment
// regardless of the status field.
const EventBillingPaid = "billing.paid"

// APIError is a non-2xx answer from the provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("abacatepay API error %d: %s", e.StatusCode, e.Body)
}

// ErrEmptyBilling is returned when a create call succeeds without a
// billing URL.
var ErrEmptyBilling = errors.New("abacatepay returned no billing data")

// Config configures a Client.
type Config struct {
	APIKey        string
	BaseURL       string
	WebhookSecret string
	Timeout       time.Duration
}

// Client talks to the AbacatePay REST API.
type Client struct {
	baseURL       string
	webhookSecret string
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewClient creates a billing client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger = logger.With("component", "billing")
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		webhookSecret: cfg.WebhookSecret,
		logger:        logger,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(cfg.Timeout),
			httpkit.WithBearerToken(cfg.APIKey),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// Product is one line item of a billing. Price is in cents (minimum 100).
type Product struct {
	ExternalID  string `json:"externalId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Quantity    int    `json:"quantity"`
	Price       int64  `json:"price"`
}

// Customer identifies the payer when no provider customer ID exists.
type Customer struct {
	Name      string `json:"name"`
	Cellphone string `json:"cellphone"`
	Email     string `json:"email"`
	TaxID     string `json:"taxId"`
}

// BillingRequest describes a one-time PIX billing.
type BillingRequest struct {
	Products      []Product
	ReturnURL     string
	CompletionURL string
	CustomerID    string
	Customer      *Customer
}

type createBillingBody struct {
	Frequency     string    `json:"frequency"`
	Methods       []string  `json:"methods"`
	Products      []Product `json:"products"`
	ReturnURL     string    `json:"returnUrl"`
	CompletionURL string    `json:"completionUrl"`
	CustomerID    string    `json:"customerId,omitempty"`
	Customer      *Customer `json:"customer,omitempty"`
}

// CustomerMetadata is the customer data echoed back by the provider.
type CustomerMetadata struct {
	Name      string `json:"name"`
	Cellphone string `json:"cellphone"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
	TaxID     string `json:"taxId"`
}

// BillingCustomer is a provider-side customer.
type BillingCustomer struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Cellphone string           `json:"cellphone"`
	Metadata  CustomerMetadata `json:"metadata"`
}

// Billing is a billing as returned by the provider.
type Billing struct {
	ID       string           `json:"id"`
	URL      string           `json:"url"`
	Amount   int64            `json:"amount"`
	Status   string           `json:"status"`
	DevMode  bool             `json:"devMode"`
	Methods  []string         `json:"methods"`
	Customer *BillingCustomer `json:"customer,omitempty"`
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error any             `json:"error"`
}

// CreateBilling creates a one-time PIX billing and returns it with its
// checkout URL.
func (c *Client) CreateBilling(ctx context.Context, br BillingRequest) (*Billing, error) {
	body := createBillingBody{
		Frequency:     "ONE_TIME",
		Methods:       []string{"PIX"},
		Products:      br.Products,
		ReturnURL:     br.ReturnURL,
		CompletionURL: br.CompletionURL,
	}
	if br.CustomerID != "" {
		body.CustomerID = br.CustomerID
	} else if br.Customer != nil {
		body.Customer = br.Customer
	}

	var b Billing
	if err := c.do(ctx, http.MethodPost, "/billing/create", body, &b); err != nil {
		return nil, fmt.Errorf("create billing: %w", err)
	}
	if b.ID == "" || b.URL == "" {
		return nil, ErrEmptyBilling
	}

	var total int64
	for _, p := range br.Products {
		total += p.Price * int64(max(p.Quantity, 1))
	}
	c.logger.Info("billing created", "billing_id", b.ID, "amount_cents", total, "url", b.URL)
	return &b, nil
}

// ListBillings returns every billing of the account.
func (c *Client) ListBillings(ctx context.Context) ([]Billing, error) {
	var out []Billing
	if err := c.do(ctx, http.MethodGet, "/billing/list", nil, &out); err != nil {
		return nil, fmt.Errorf("list billings: %w", err)
	}
	return out, nil
}

// VerifyWebhookSecret reports whether received matches the configured
// webhook secret. With no secret configured every webhook is rejected.
func (c *Client) VerifyWebhookSecret(received string) bool {
	if c.webhookSecret == "" {
		c.logger.Warn("webhook secret not configured; rejecting billing webhook")
		return false
	}
	return subtle.ConstantTimeCompare([]byte(received), []byte(c.webhookSecret)) == 1
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reqBody []byte
	if in != nil {
		var err error
		reqBody, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		c.logger.Log(ctx, config.LevelTrace, "request payload", "path", path, "json", string(reqBody))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body := httpkit.ReadErrorBody(resp.Body, 1024)
		c.logger.Error("API error", "path", path, "status", resp.StatusCode, "body", body)
		return &APIError{StatusCode: resp.StatusCode, Body: body}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Error != nil {
		return fmt.Errorf("%w: %v", ErrEmptyBilling, env.Error)
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
