// Package finance stores users, categories, transactions and payments
// in SQLite and answers the report queries behind the finance tools.
//
// Amounts are integer cents. Calendar dates are stored as YYYY-MM-DD
// text and timestamps as RFC 3339 UTC text so ordering and range
// filters work as plain string comparisons.
package finance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist or belongs to a
// different user.
var ErrNotFound = errors.New("not found")

// ErrLimitReached is returned by CreateTransaction when the user is at
// NewTransaction.MaxLive.
var ErrLimitReached = errors.New("transaction limit reached")

// DateLayout is the storage layout of calendar dates.
const DateLayout = "2006-01-02"

// timestampLayout has a fixed width so stored timestamps sort as text.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the relational store of the finance domain.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// OpenDB opens (creating if needed) the SQLite database at path. The
// pool is limited to one connection so writers never see SQLITE_BUSY.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// NewStore creates the schema if needed and seeds the default
// categories.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate finance: %w", err)
	}
	if err := s.SeedDefaults(context.Background()); err != nil {
		return nil, fmt.Errorf("seed categories: %w", err)
	}
	return s, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			phone TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			license_type TEXT NOT NULL DEFAULT 'FREE_TRIAL',
			license_expires_at TEXT,
			is_active INTEGER NOT NULL DEFAULT 1,
			customer_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS categories (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			emoji TEXT NOT NULL DEFAULT '📦',
			color TEXT NOT NULL DEFAULT '#AEB6BF',
			is_default INTEGER NOT NULL DEFAULT 0,
			user_id TEXT REFERENCES users(id) ON DELETE CASCADE,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_categories_user ON categories(user_id);

		CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			type TEXT NOT NULL CHECK (type IN ('INCOME', 'EXPENSE')),
			amount_cents INTEGER NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			date TEXT NOT NULL,
			category_id TEXT REFERENCES categories(id),
			receipt_url TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			deleted_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_user_date
			ON transactions(user_id, deleted_at, date);

		CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			billing_id TEXT NOT NULL UNIQUE,
			customer_id TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL,
			period TEXT NOT NULL,
			amount_cents INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			method TEXT NOT NULL DEFAULT 'PIX',
			url TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			paid_at TEXT,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_payments_user_status ON payments(user_id, status);
	`)
	return err
}

// LicenseType is a user's plan.
type LicenseType string

const (
	LicenseFreeTrial LicenseType = "FREE_TRIAL"
	LicenseBasico    LicenseType = "BASICO"
	LicensePro       LicenseType = "PRO"
	LicensePremium   LicenseType = "PREMIUM"
)

// Paid reports whether the plan is a paid tier.
func (l LicenseType) Paid() bool {
	switch l {
	case LicenseBasico, LicensePro, LicensePremium:
		return true
	}
	return false
}

// ParseLicenseType accepts a plan name in any case.
func ParseLicenseType(s string) (LicenseType, bool) {
	l := LicenseType(strings.ToUpper(strings.TrimSpace(s)))
	switch l {
	case LicenseFreeTrial, LicenseBasico, LicensePro, LicensePremium:
		return l, true
	}
	return "", false
}

// User is a WhatsApp user of the assistant.
type User struct {
	ID               string      `json:"id"`
	Phone            string      `json:"phone"`
	Name             string      `json:"name"`
	License          LicenseType `json:"license_type"`
	LicenseExpiresAt *time.Time  `json:"license_expires_at,omitempty"` // calendar date; nil = no expiry
	Active           bool        `json:"is_active"`
	CustomerID       string      `json:"customer_id,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
}

const userColumns = `id, phone, name, license_type, license_expires_at, is_active, customer_id, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u         User
		license   string
		expires   sql.NullString
		active    int
		createdAt string
	)
	if err := row.Scan(&u.ID, &u.Phone, &u.Name, &license, &expires, &active, &u.CustomerID, &createdAt); err != nil {
		return nil, err
	}
	u.License = LicenseType(license)
	u.Active = active != 0
	u.CreatedAt = parseTimestamp(createdAt)
	if expires.Valid {
		if d, err := time.Parse(DateLayout, expires.String); err == nil {
			u.LicenseExpiresAt = &d
		}
	}
	return &u, nil
}

// UserByPhone returns the user registered with phone.
func (s *Store) UserByPhone(ctx context.Context, phone string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE phone = ?`, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// UserByID returns the user with id.
func (s *Store) UserByID(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// CreateUser inserts u, assigning an ID and creation time when unset.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = newID()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC()
	}
	if u.License == "" {
		u.License = LicenseFreeTrial
	}
	u.Active = true

	ts := formatTimestamp(u.CreatedAt)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, phone, name, license_type, license_expires_at, is_active, customer_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		u.ID, u.Phone, u.Name, string(u.License), nullDate(u.LicenseExpiresAt), u.CustomerID, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// UpdateLicense changes a user's plan and expiry. A non-empty
// customerID is recorded too.
func (s *Store) UpdateLicense(ctx context.Context, userID string, license LicenseType, expires *time.Time, customerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET license_type = ?, license_expires_at = ?,
		    customer_id = CASE WHEN ? = '' THEN customer_id ELSE ? END,
		    updated_at = ?
		WHERE id = ?`,
		string(license), nullDate(expires), customerID, customerID, formatTimestamp(s.now()), userID,
	)
	if err != nil {
		return fmt.Errorf("update license: %w", err)
	}
	return requireRow(res)
}

// SetUserActive enables or disables a user.
func (s *Store) SetUserActive(ctx context.Context, userID string, active bool) error {
	v := 0
	if active {
		v = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_active = ?, updated_at = ? WHERE id = ?`,
		v, formatTimestamp(s.now()), userID)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func newID() string {
	return uuid.NewString()
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatDate(t time.Time) string {
	return t.Format(DateLayout)
}

func parseDate(s string) time.Time {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatDate(*t)
}
