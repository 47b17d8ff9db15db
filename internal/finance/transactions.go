package finance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// TxType distinguishes income from expenses.
type TxType string

const (
	Income  TxType = "INCOME"
	Expense TxType = "EXPENSE"
)

// ParseTxType accepts INCOME or EXPENSE in any case.
func ParseTxType(s string) (TxType, bool) {
	t := TxType(strings.ToUpper(strings.TrimSpace(s)))
	if t == Income || t == Expense {
		return t, true
	}
	return "", false
}

// Transaction is a single income or expense entry.
type Transaction struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Type          TxType    `json:"type"`
	AmountCents   int64     `json:"amount_cents"`
	Description   string    `json:"description"`
	Date          time.Time `json:"date"`
	CategoryName  string    `json:"category_name,omitempty"`
	CategoryEmoji string    `json:"category_emoji"`
	ReceiptURL    string    `json:"receipt_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewTransaction holds the fields of a transaction to create.
type NewTransaction struct {
	UserID      string
	Type        TxType
	AmountCents int64
	Description string
	// Category is resolved with FindOrCreateCategory; empty leaves the
	// transaction uncategorized.
	Category   string
	Date       time.Time
	ReceiptURL string
	// MaxLive, when positive, rejects the insert with ErrLimitReached
	// once the user already has that many live transactions. The count
	// and the insert commit together.
	MaxLive int
}

// TransactionUpdate lists the fields to change; nil fields are kept.
type TransactionUpdate struct {
	AmountCents *int64
	Description *string
	Date        *time.Time
	Category    *string
}

// Empty reports whether the update changes nothing.
func (u TransactionUpdate) Empty() bool {
	return u.AmountCents == nil && u.Description == nil && u.Date == nil && u.Category == nil
}

const txSelect = `
	SELECT t.id, t.user_id, t.type, t.amount_cents, t.description, t.date,
	       COALESCE(c.name, ''), COALESCE(c.emoji, ''), t.receipt_url, t.created_at
	FROM transactions t
	LEFT JOIN categories c ON c.id = t.category_id`

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		tx        Transaction
		typ       string
		date      string
		createdAt string
	)
	err := row.Scan(&tx.ID, &tx.UserID, &typ, &tx.AmountCents, &tx.Description, &date,
		&tx.CategoryName, &tx.CategoryEmoji, &tx.ReceiptURL, &createdAt)
	if err != nil {
		return nil, err
	}
	tx.Type = TxType(typ)
	tx.Date = parseDate(date)
	tx.CreatedAt = parseTimestamp(createdAt)
	if tx.CategoryEmoji == "" {
		tx.CategoryEmoji = DefaultEmoji
	}
	return &tx, nil
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var result []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		result = append(result, *tx)
	}
	return result, rows.Err()
}

// CreateTransaction inserts a transaction and returns it with its
// category resolved.
func (s *Store) CreateTransaction(ctx context.Context, nt NewTransaction) (*Transaction, error) {
	if nt.AmountCents <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d cents", nt.AmountCents)
	}
	if nt.Type != Income && nt.Type != Expense {
		return nil, fmt.Errorf("invalid transaction type %q", nt.Type)
	}

	now := s.now()
	if nt.Date.IsZero() {
		nt.Date = now
	}

	tx := &Transaction{
		ID:            newID(),
		UserID:        nt.UserID,
		Type:          nt.Type,
		AmountCents:   nt.AmountCents,
		Description:   nt.Description,
		Date:          parseDate(formatDate(nt.Date)),
		CategoryEmoji: DefaultEmoji,
		ReceiptURL:    nt.ReceiptURL,
		CreatedAt:     now.UTC(),
	}

	var categoryID sql.NullString
	if nt.Category != "" {
		c, err := s.FindOrCreateCategory(ctx, nt.UserID, nt.Category)
		if err != nil {
			return nil, err
		}
		categoryID = sql.NullString{String: c.ID, Valid: true}
		tx.CategoryName, tx.CategoryEmoji = c.Name, c.Emoji
	}

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer dbtx.Rollback() //nolint:errcheck // no-op after Commit

	if nt.MaxLive > 0 {
		var n int
		if err := dbtx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM transactions WHERE user_id = ? AND deleted_at IS NULL`, nt.UserID,
		).Scan(&n); err != nil {
			return nil, fmt.Errorf("count transactions: %w", err)
		}
		if n >= nt.MaxLive {
			return nil, ErrLimitReached
		}
	}

	ts := formatTimestamp(now)
	_, err = dbtx.ExecContext(ctx, `
		INSERT INTO transactions
			(id, user_id, type, amount_cents, description, date, category_id, receipt_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.UserID, string(tx.Type), tx.AmountCents, tx.Description,
		formatDate(tx.Date), categoryID, tx.ReceiptURL, ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return tx, nil
}

// Transaction returns one live transaction owned by userID.
func (s *Store) Transaction(ctx context.Context, id, userID string) (*Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRowContext(ctx,
		txSelect+` WHERE t.id = ? AND t.user_id = ? AND t.deleted_at IS NULL`, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query transaction: %w", err)
	}
	return tx, nil
}

// LastTransaction returns userID's most recently created live
// transaction.
func (s *Store) LastTransaction(ctx context.Context, userID string) (*Transaction, error) {
	txs, err := s.RecentTransactions(ctx, userID, 1, "")
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, ErrNotFound
	}
	return &txs[0], nil
}

// RecentTransactions returns up to limit live transactions, newest
// first. An empty typ returns both kinds.
func (s *Store) RecentTransactions(ctx context.Context, userID string, limit int, typ TxType) ([]Transaction, error) {
	if limit <= 0 {
		limit = 5
	}
	query := txSelect + ` WHERE t.user_id = ? AND t.deleted_at IS NULL`
	args := []any{userID}
	if typ != "" {
		query += ` AND t.type = ?`
		args = append(args, string(typ))
	}
	query += ` ORDER BY t.created_at DESC LIMIT ?`
	args = append(args, limit)
	return s.queryTransactions(ctx, query, args...)
}

// SearchTransactions finds live transactions whose description
// contains query, newest first.
func (s *Store) SearchTransactions(ctx context.Context, userID, query string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 5
	}
	pattern := "%" + escapeLike(strings.ToLower(strings.TrimSpace(query))) + "%"
	return s.queryTransactions(ctx,
		txSelect+` WHERE t.user_id = ? AND t.deleted_at IS NULL
		AND lower(t.description) LIKE ? ESCAPE '\'
		ORDER BY t.created_at DESC LIMIT ?`,
		userID, pattern, limit)
}

// TransactionsBetween returns live transactions dated within
// [start, end], oldest first.
func (s *Store) TransactionsBetween(ctx context.Context, userID string, start, end time.Time) ([]Transaction, error) {
	return s.queryTransactions(ctx,
		txSelect+` WHERE t.user_id = ? AND t.deleted_at IS NULL
		AND t.date >= ? AND t.date <= ?
		ORDER BY t.date, t.created_at`,
		userID, formatDate(start), formatDate(end))
}

// CountTransactions returns the number of live transactions of userID.
func (s *Store) CountTransactions(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE user_id = ? AND deleted_at IS NULL`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return n, nil
}

// DeleteTransaction soft-deletes a transaction. Deleted rows disappear
// from every query.
func (s *Store) DeleteTransaction(ctx context.Context, id, userID string) error {
	ts := formatTimestamp(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET deleted_at = ?, updated_at = ?
		WHERE id = ? AND user_id = ? AND deleted_at IS NULL`,
		ts, ts, id, userID)
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	return requireRow(res)
}

// UpdateTransaction applies u to a live transaction of userID.
func (s *Store) UpdateTransaction(ctx context.Context, id, userID string, u TransactionUpdate) error {
	if _, err := s.Transaction(ctx, id, userID); err != nil {
		return err
	}

	var (
		sets []string
		args []any
	)
	if u.AmountCents != nil {
		if *u.AmountCents <= 0 {
			return fmt.Errorf("amount must be positive, got %d cents", *u.AmountCents)
		}
		sets = append(sets, "amount_cents = ?")
		args = append(args, *u.AmountCents)
	}
	if u.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *u.Description)
	}
	if u.Date != nil {
		sets = append(sets, "date = ?")
		args = append(args, formatDate(*u.Date))
	}
	if u.Category != nil {
		c, err := s.FindOrCreateCategory(ctx, userID, *u.Category)
		if err != nil {
			return err
		}
		sets = append(sets, "category_id = ?")
		args = append(args, c.ID)
	}
	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, formatTimestamp(s.now()), id, userID)

	_, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET `+strings.Join(sets, ", ")+` WHERE id = ? AND user_id = ? AND deleted_at IS NULL`,
		args...)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	return nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
