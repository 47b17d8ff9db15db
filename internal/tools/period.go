package tools

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/suvfin/internal/brl"
)

var leadingNumber = regexp.MustCompile(`\d+`)

// ParsePeriod interprets a natural-language period relative to today:
// hoje, ontem, semana (since Monday), mês, ano and "últimos N dias".
// Anything else means the current month.
func ParsePeriod(period string, today time.Time) (start, end time.Time) {
	today = brl.Day(today)
	monthStart := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
	p := strings.ToLower(strings.TrimSpace(period))

	switch {
	case strings.Contains(p, "hoje"):
		return today, today
	case strings.Contains(p, "ontem"):
		y := today.AddDate(0, 0, -1)
		return y, y
	case strings.Contains(p, "semana"):
		sinceMonday := (int(today.Weekday()) + 6) % 7
		return today.AddDate(0, 0, -sinceMonday), today
	case strings.Contains(p, "mês"), strings.Contains(p, "mes"):
		return monthStart, today
	case strings.Contains(p, "ano"):
		return time.Date(today.Year(), time.January, 1, 0, 0, 0, 0, today.Location()), today
	case strings.Contains(p, "últimos"), strings.Contains(p, "ultimos"):
		if m := leadingNumber.FindString(p); m != "" {
			if days, err := strconv.Atoi(m); err == nil {
				return today.AddDate(0, 0, -days), today
			}
		}
	}
	return monthStart, today
}

// resolvePeriod picks the report window from explicit dates, a named
// period or the current month. ok is false when an explicit date does
// not parse.
func resolvePeriod(args Args, today time.Time) (start, end time.Time, ok bool) {
	from, to := args.String("data_inicio"), args.String("data_fim")
	if from != "" && to != "" {
		s, ok1 := brl.ParseDate(from, today)
		e, ok2 := brl.ParseDate(to, today)
		if !ok1 || !ok2 {
			return time.Time{}, time.Time{}, false
		}
		return s, e, true
	}
	start, end = ParsePeriod(args.String("periodo"), today)
	return start, end, true
}

// periodLabel renders "01/02 a 13/02/2026".
func periodLabel(start, end time.Time) string {
	return start.Format("02/01") + " a " + brl.FormatDateShort(end)
}
