// Package brl formats and parses Brazilian currency amounts and pt-BR
// dates.
package brl

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Format renders v as "R$ 1.234,56"; negative values as "-R$ 1.234,56".
func Format(v float64) string {
	return FormatCents(ToCents(v))
}

// FormatCents renders an amount held in cents.
func FormatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return sign + "R$ " + group(c/100) + "," + pad2(c%100)
}

// ToCents converts a decimal amount to cents, rounding half away from zero.
func ToCents(v float64) int64 {
	return int64(math.Round(v * 100))
}

// FromCents converts cents back to a decimal amount.
func FromCents(c int64) float64 {
	return float64(c) / 100
}

func group(n int64) string {
	s := strconv.FormatInt(n, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

func pad2(n int64) string {
	if n < 10 {
		return "0" + strconv.FormatInt(n, 10)
	}
	return strconv.FormatInt(n, 10)
}

var (
	currencyPrefix = regexp.MustCompile(`R\$\s*`)
	currencyWord   = regexp.MustCompile(`(?i)\s*(reais|real)\s*`)
	brFormat       = regexp.MustCompile(`^[\d.]+,\d{2}$`)
	plainFormat    = regexp.MustCompile(`^\d+\.?\d*$`)
)

// Parse extracts an amount from free text such as "R$ 1.234,56",
// "1234.56", "45 reais" or "45,90". ok is false when nothing matches.
func Parse(text string) (v float64, ok bool) {
	text = strings.TrimSpace(text)
	text = currencyPrefix.ReplaceAllString(text, "")
	text = currencyWord.ReplaceAllString(text, "")

	switch {
	case brFormat.MatchString(text):
		text = strings.ReplaceAll(text, ".", "")
		text = strings.Replace(text, ",", ".", 1)
	case plainFormat.MatchString(text):
	default:
		return 0, false
	}

	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

var monthNames = [...]string{
	"Janeiro", "Fevereiro", "Março", "Abril", "Maio", "Junho",
	"Julho", "Agosto", "Setembro", "Outubro", "Novembro", "Dezembro",
}

// MonthName returns the pt-BR month name, or "" outside 1..12.
func MonthName(m time.Month) string {
	if m < time.January || m > time.December {
		return ""
	}
	return monthNames[m-1]
}

// DateLayout is the wire format for dates exchanged with the model.
const DateLayout = "2006-01-02"

// FormatDateShort renders 13/02/2026.
func FormatDateShort(t time.Time) string {
	return t.Format("02/01/2006")
}

// FormatDateLong renders "13 de Fevereiro de 2026".
func FormatDateLong(t time.Time) string {
	return strconv.Itoa(t.Day()) + " de " + MonthName(t.Month()) + " de " + strconv.Itoa(t.Year())
}

var (
	dmyDate = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})$`)
	dmDate  = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})$`)
	isoDate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// ParseDate understands hoje, ontem, anteontem, DD/MM/YYYY, DD/MM
// (current year) and YYYY-MM-DD. Results are midnight in today's
// location. Impossible calendar dates are rejected.
func ParseDate(text string, today time.Time) (time.Time, bool) {
	text = strings.ToLower(strings.TrimSpace(text))
	today = Day(today)

	switch text {
	case "hoje", "today":
		return today, true
	case "ontem", "yesterday":
		return today.AddDate(0, 0, -1), true
	case "anteontem":
		return today.AddDate(0, 0, -2), true
	}

	if m := dmyDate.FindStringSubmatch(text); m != nil {
		y, _ := strconv.Atoi(m[3])
		return makeDate(y, m[2], m[1], today.Location())
	}
	if m := dmDate.FindStringSubmatch(text); m != nil {
		return makeDate(today.Year(), m[2], m[1], today.Location())
	}
	if isoDate.MatchString(text) {
		t, err := time.ParseInLocation(DateLayout, text, today.Location())
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

func makeDate(year int, month, day string, loc *time.Location) (time.Time, bool) {
	m, _ := strconv.Atoi(month)
	d, _ := strconv.Atoi(day)
	t := time.Date(year, time.Month(m), d, 0, 0, 0, 0, loc)
	// time.Date normalizes 31/02 into March; reject instead.
	if t.Day() != d || int(t.Month()) != m {
		return time.Time{}, false
	}
	return t, true
}

// Day truncates t to midnight in its own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
