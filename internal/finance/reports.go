package finance

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CategoryTotal aggregates expenses of one category.
type CategoryTotal struct {
	Name         string        `json:"name"`
	Emoji        string        `json:"emoji"`
	TotalCents   int64         `json:"total_cents"`
	Count        int           `json:"count"`
	AverageCents int64         `json:"average_cents"`
	Percentage   float64       `json:"percentage"`
	Transactions []Transaction `json:"transactions,omitempty"`
}

// PeriodReport summarizes a date range.
type PeriodReport struct {
	Start        time.Time       `json:"start"`
	End          time.Time       `json:"end"`
	IncomeCents  int64           `json:"total_income_cents"`
	ExpenseCents int64           `json:"total_expense_cents"`
	Count        int             `json:"transaction_count"`
	ByCategory   []CategoryTotal `json:"by_category"`
}

// BalanceCents is income minus expenses.
func (r PeriodReport) BalanceCents() int64 { return r.IncomeCents - r.ExpenseCents }

// Balance is the all-time position of a user.
type Balance struct {
	IncomeCents  int64 `json:"total_income_cents"`
	ExpenseCents int64 `json:"total_expense_cents"`
}

// BalanceCents is income minus expenses.
func (b Balance) BalanceCents() int64 { return b.IncomeCents - b.ExpenseCents }

// PeriodReport totals income and expenses dated within [start, end]
// and breaks expenses down by category, largest first.
func (s *Store) PeriodReport(ctx context.Context, userID string, start, end time.Time) (*PeriodReport, error) {
	r := &PeriodReport{Start: start, End: end}

	rows, err := s.db.QueryContext(ctx, `
		SELECT type, COALESCE(SUM(amount_cents), 0), COUNT(*)
		FROM transactions
		WHERE user_id = ? AND deleted_at IS NULL AND date >= ? AND date <= ?
		GROUP BY type`,
		userID, formatDate(start), formatDate(end))
	if err != nil {
		return nil, fmt.Errorf("query totals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			typ   string
			total int64
			count int
		)
		if err := rows.Scan(&typ, &total, &count); err != nil {
			return nil, fmt.Errorf("scan totals: %w", err)
		}
		if TxType(typ) == Income {
			r.IncomeCents = total
		} else {
			r.ExpenseCents = total
		}
		r.Count += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	r.ByCategory, err = s.expenseByCategory(ctx, userID, start, end)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) expenseByCategory(ctx context.Context, userID string, start, end time.Time) ([]CategoryTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(c.name, ''), COALESCE(c.emoji, ''), SUM(t.amount_cents), COUNT(*)
		FROM transactions t
		LEFT JOIN categories c ON c.id = t.category_id
		WHERE t.user_id = ? AND t.deleted_at IS NULL AND t.type = 'EXPENSE'
		  AND t.date >= ? AND t.date <= ?
		GROUP BY c.name, c.emoji
		ORDER BY SUM(t.amount_cents) DESC`,
		userID, formatDate(start), formatDate(end))
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	var (
		result []CategoryTotal
		grand  int64
	)
	for rows.Next() {
		var ct CategoryTotal
		if err := rows.Scan(&ct.Name, &ct.Emoji, &ct.TotalCents, &ct.Count); err != nil {
			return nil, fmt.Errorf("scan category total: %w", err)
		}
		if ct.Name == "" {
			ct.Name = UncategorizedTag
		}
		if ct.Emoji == "" {
			ct.Emoji = DefaultEmoji
		}
		if ct.Count > 0 {
			ct.AverageCents = ct.TotalCents / int64(ct.Count)
		}
		grand += ct.TotalCents
		result = append(result, ct)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range result {
		if grand > 0 {
			result[i].Percentage = float64(result[i].TotalCents) / float64(grand) * 100
		}
	}
	return result, nil
}

// CategoryReport returns expense totals per category within
// [start, end]. A non-empty filter keeps only categories whose name
// contains it (case-insensitive), recomputes percentages over the kept
// set and attaches the five latest transactions of the top category.
func (s *Store) CategoryReport(ctx context.Context, userID string, start, end time.Time, filter string) ([]CategoryTotal, error) {
	all, err := s.expenseByCategory(ctx, userID, start, end)
	if err != nil {
		return nil, err
	}
	filter = strings.ToLower(strings.TrimSpace(filter))
	if filter == "" {
		return all, nil
	}

	var (
		kept  []CategoryTotal
		grand int64
	)
	for _, ct := range all {
		if strings.Contains(strings.ToLower(ct.Name), filter) {
			kept = append(kept, ct)
			grand += ct.TotalCents
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}
	for i := range kept {
		kept[i].Percentage = float64(kept[i].TotalCents) / float64(max(grand, 1)) * 100
	}

	txs, err := s.TransactionsBetween(ctx, userID, start, end)
	if err != nil {
		return nil, err
	}
	top := kept[0].Name
	for i := len(txs) - 1; i >= 0 && len(kept[0].Transactions) < 5; i-- {
		if txs[i].CategoryName == top && txs[i].Type == Expense {
			kept[0].Transactions = append(kept[0].Transactions, txs[i])
		}
	}
	return kept, nil
}

// Balance returns userID's all-time income and expense totals.
func (s *Store) Balance(ctx context.Context, userID string) (*Balance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, COALESCE(SUM(amount_cents), 0)
		FROM transactions
		WHERE user_id = ? AND deleted_at IS NULL
		GROUP BY type`, userID)
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	defer rows.Close()

	b := &Balance{}
	for rows.Next() {
		var (
			typ   string
			total int64
		)
		if err := rows.Scan(&typ, &total); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		if TxType(typ) == Income {
			b.IncomeCents = total
		} else {
			b.ExpenseCents = total
		}
	}
	return b, rows.Err()
}
