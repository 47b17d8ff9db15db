package finance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Category groups transactions. Default categories are global
// (UserID empty); custom ones belong to a single user.
type Category struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Emoji     string `json:"emoji"`
	Color     string `json:"color"`
	IsDefault bool   `json:"is_default"`
	UserID    string `json:"user_id,omitempty"`
}

// Fallbacks used for custom categories and uncategorized rows.
const (
	DefaultEmoji     = "📦"
	DefaultColor     = "#AEB6BF"
	UncategorizedTag = "Sem categoria"
)

// Default category names the tools fall back to.
const (
	CategoryOther  = "Outros"
	CategorySalary = "Salário"
)

// DefaultCategories are seeded once into every database.
var DefaultCategories = []Category{
	{Name: "Alimentação", Emoji: "🍔", Color: "#FF6B6B"},
	{Name: "Transporte", Emoji: "🚗", Color: "#4ECDC4"},
	{Name: "Moradia", Emoji: "🏠", Color: "#45B7D1"},
	{Name: "Saúde", Emoji: "🏥", Color: "#96CEB4"},
	{Name: "Educação", Emoji: "📚", Color: "#FFEAA7"},
	{Name: "Lazer", Emoji: "🎮", Color: "#DDA0DD"},
	{Name: "Vestuário", Emoji: "👕", Color: "#98D8C8"},
	{Name: "Serviços", Emoji: "⚡", Color: "#F7DC6F"},
	{Name: "Salário", Emoji: "💼", Color: "#82E0AA"},
	{Name: "Freelance", Emoji: "💻", Color: "#85C1E9"},
	{Name: "Investimentos", Emoji: "📈", Color: "#F8C471"},
	{Name: "Outros", Emoji: "📦", Color: "#AEB6BF"},
}

// SeedDefaults inserts any missing default category. It is idempotent.
func (s *Store) SeedDefaults(ctx context.Context) error {
	for _, c := range DefaultCategories {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM categories WHERE name = ? AND is_default = 1`, c.Name,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check category %s: %w", c.Name, err)
		}
		if exists > 0 {
			continue
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO categories (id, name, emoji, color, is_default, user_id, created_at)
			VALUES (?, ?, ?, ?, 1, NULL, ?)`,
			newID(), c.Name, c.Emoji, c.Color, formatTimestamp(s.now()),
		)
		if err != nil {
			return fmt.Errorf("insert category %s: %w", c.Name, err)
		}
	}
	return nil
}

// Categories returns the defaults plus userID's custom categories,
// ordered by name.
func (s *Store) Categories(ctx context.Context, userID string) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, emoji, color, is_default, COALESCE(user_id, '')
		FROM categories
		WHERE user_id IS NULL OR user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	var result []Category
	for rows.Next() {
		var c Category
		var isDefault int
		if err := rows.Scan(&c.ID, &c.Name, &c.Emoji, &c.Color, &isDefault, &c.UserID); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		c.IsDefault = isDefault != 0
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// SQLite's NOCASE collation only folds ASCII; sort in Go so accented
	// names land where a pt-BR reader expects them.
	sort.SliceStable(result, func(i, j int) bool {
		return foldKey(result[i].Name) < foldKey(result[j].Name)
	})
	return result, nil
}

// FindOrCreateCategory returns the category named name (case-insensitive)
// visible to userID, creating a custom one when none exists. New names
// are title-cased and borrow a default emoji when the name matches one.
func (s *Store) FindOrCreateCategory(ctx context.Context, userID, name string) (*Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = CategoryOther
	}

	cats, err := s.Categories(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range cats {
		if strings.EqualFold(cats[i].Name, name) {
			return &cats[i], nil
		}
	}

	c := &Category{
		ID:     newID(),
		Name:   TitleCase(name),
		Emoji:  DefaultEmoji,
		Color:  DefaultColor,
		UserID: userID,
	}
	for _, d := range DefaultCategories {
		if strings.EqualFold(d.Name, name) {
			c.Emoji = d.Emoji
			break
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO categories (id, name, emoji, color, is_default, user_id, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		c.ID, c.Name, c.Emoji, c.Color, userID, formatTimestamp(s.now()),
	)
	if err != nil {
		return nil, fmt.Errorf("insert category: %w", err)
	}
	return c, nil
}

// TitleCase upper-cases the first letter of every word and lower-cases
// the rest.
func TitleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevLetter := false
	for _, r := range s {
		if prevLetter {
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(unicode.ToUpper(r))
		}
		prevLetter = unicode.IsLetter(r)
	}
	return b.String()
}

func foldKey(s string) string {
	return strings.ToLower(s)
}
