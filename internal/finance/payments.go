package finance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PaymentStatus is the local state of a billing.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentPaid      PaymentStatus = "PAID"
	PaymentExpired   PaymentStatus = "EXPIRED"
	PaymentCancelled PaymentStatus = "CANCELLED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

// Payment tracks one billing created with the payment provider.
type Payment struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	BillingID   string        `json:"billing_id"`
	CustomerID  string        `json:"customer_id,omitempty"`
	Plan        LicenseType   `json:"plan"`
	Period      string        `json:"period"`
	AmountCents int64         `json:"amount_cents"`
	Status      PaymentStatus `json:"status"`
	Method      string        `json:"method"`
	URL         string        `json:"url"`
	CreatedAt   time.Time     `json:"created_at"`
	PaidAt      *time.Time    `json:"paid_at,omitempty"`
}

const paymentColumns = `id, user_id, billing_id, customer_id, plan, period, amount_cents, status, method, url, created_at, paid_at`

func scanPayment(row rowScanner) (*Payment, error) {
	var (
		p         Payment
		plan      string
		status    string
		createdAt string
		paidAt    sql.NullString
	)
	err := row.Scan(&p.ID, &p.UserID, &p.BillingID, &p.CustomerID, &plan, &p.Period,
		&p.AmountCents, &status, &p.Method, &p.URL, &createdAt, &paidAt)
	if err != nil {
		return nil, err
	}
	p.Plan = LicenseType(plan)
	p.Status = PaymentStatus(status)
	p.CreatedAt = parseTimestamp(createdAt)
	if paidAt.Valid {
		t := parseTimestamp(paidAt.String)
		p.PaidAt = &t
	}
	return &p, nil
}

func (s *Store) onePayment(ctx context.Context, where string, args ...any) (*Payment, error) {
	p, err := scanPayment(s.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query payment: %w", err)
	}
	return p, nil
}

// CreatePayment records a billing.
func (s *Store) CreatePayment(ctx context.Context, p *Payment) error {
	if p.ID == "" {
		p.ID = newID()
	}
	if p.Status == "" {
		p.Status = PaymentPending
	}
	if p.Method == "" {
		p.Method = "PIX"
	}
	now := s.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments
			(id, user_id, billing_id, customer_id, plan, period, amount_cents, status, method, url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.BillingID, p.CustomerID, string(p.Plan), p.Period, p.AmountCents,
		string(p.Status), p.Method, p.URL, formatTimestamp(p.CreatedAt), formatTimestamp(now),
	)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// PendingPayment returns the newest PENDING payment of userID.
func (s *Store) PendingPayment(ctx context.Context, userID string) (*Payment, error) {
	return s.onePayment(ctx, `user_id = ? AND status = ? ORDER BY created_at DESC LIMIT 1`,
		userID, string(PaymentPending))
}

// LatestPayment returns the newest payment of userID in any state.
func (s *Store) LatestPayment(ctx context.Context, userID string) (*Payment, error) {
	return s.onePayment(ctx, `user_id = ? ORDER BY created_at DESC LIMIT 1`, userID)
}

// PaymentByBillingID returns the payment for a provider billing ID.
func (s *Store) PaymentByBillingID(ctx context.Context, billingID string) (*Payment, error) {
	return s.onePayment(ctx, `billing_id = ?`, billingID)
}

// UpdatePaymentStatus sets the status of a billing. Moving to PAID
// stamps paid_at once; a non-empty customerID is recorded.
func (s *Store) UpdatePaymentStatus(ctx context.Context, billingID string, status PaymentStatus, customerID string) error {
	now := formatTimestamp(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = ?,
		    paid_at = CASE WHEN ? = 'PAID' AND paid_at IS NULL THEN ? ELSE paid_at END,
		    customer_id = CASE WHEN ? = '' THEN customer_id ELSE ? END,
		    updated_at = ?
		WHERE billing_id = ?`,
		string(status), string(status), now, customerID, customerID, now, billingID,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	return requireRow(res)
}
