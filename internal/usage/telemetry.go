// Package usage tracks token usage and estimated cost of model calls:
// short-lived per-day counters in the shared key-value store, a
// one-per-day cost alert, and a durable SQLite ledger.
package usage

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/nugget/suvfin/internal/kvstore"
	"github.com/nugget/suvfin/internal/llm"
)

// Counter TTLs, refreshed on every write.
const (
	UserRecordTTL   = 48 * time.Hour
	GlobalRecordTTL = 7 * 24 * time.Hour
)

// Hash fields of a daily usage record.
const (
	FieldInput       = "input"
	FieldOutput      = "output"
	FieldCacheRead   = "cache_read"
	FieldCacheCreate = "cache_create"
	FieldRequests    = "requests"
)

// cacheReadDiscount is the share of the input price saved on tokens
// read from the prompt cache.
const cacheReadDiscount = 0.9

// DateLayout formats the date part of telemetry keys.
const DateLayout = "2006-01-02"

// UserKey returns the per-user daily record key.
func UserKey(phone, date string) string { return "tokens:user:" + phone + ":" + date }

// GlobalKey returns the global daily record key.
func GlobalKey(date string) string { return "tokens:global:" + date }

// AlertKey returns the daily cost alert sentinel key.
func AlertKey(date string) string { return "tokens:alert:" + date }

// Alert describes a daily cost threshold breach.
type Alert struct {
	Date         string     `json:"date"`
	CostUSD      float64    `json:"cost_usd"`
	ThresholdUSD float64    `json:"threshold_usd"`
	Usage        DailyUsage `json:"usage"`
}

// AlertSink receives the (at most one per day) cost alert.
type AlertSink interface {
	CostAlert(ctx context.Context, a Alert) error
}

// LogAlertSink reports cost alerts on the logger at error level.
type LogAlertSink struct {
	Logger *slog.Logger
}

// CostAlert implements AlertSink.
func (s LogAlertSink) CostAlert(ctx context.Context, a Alert) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(ctx, "daily LLM cost threshold exceeded",
		"date", a.Date,
		"cost_usd", a.CostUSD,
		"threshold_usd", a.ThresholdUSD,
		"requests", a.Usage.Requests,
	)
	return nil
}

// DailyUsage is one day's aggregate, for a user or globally.
type DailyUsage struct {
	Date                string  `json:"date"`
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	CacheCreateTokens   int64   `json:"cache_create_tokens"`
	Requests            int64   `json:"total_requests"`
	EstimatedCostUSD    float64 `json:"estimated_cost_usd"`
	CacheSavingsUSD     float64 `json:"estimated_cache_savings_usd"`
	AvgTokensPerRequest float64 `json:"avg_tokens_per_request"`
}

// PeriodSummary aggregates several days.
type PeriodSummary struct {
	Days         int          `json:"period_days"`
	TotalCostUSD float64      `json:"total_estimated_cost_usd"`
	Daily        []DailyUsage `json:"daily_breakdown"`
}

// CallInfo identifies a model call for the ledger.
type CallInfo struct {
	Phone     string
	Model     string
	Tier      string
	RequestID string
}

// Telemetry records usage after every model call. All methods are
// best-effort: failures are logged and never returned to the turn.
type Telemetry struct {
	Store               kvstore.Store
	Alerts              AlertSink
	Ledger              *Ledger
	InputUSDPerMillion  float64
	OutputUSDPerMillion float64
	DailyAlertUSD       float64
	Location            *time.Location
	Now                 func() time.Time
	Logger              *slog.Logger
}

func (t *Telemetry) now() time.Time {
	now := time.Now()
	if t.Now != nil {
		now = t.Now()
	}
	if t.Location != nil {
		now = now.In(t.Location)
	}
	return now
}

func (t *Telemetry) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// Today returns the current telemetry date.
func (t *Telemetry) Today() string {
	return t.now().Format(DateLayout)
}

// Cost estimates the USD cost of the given token counts.
func (t *Telemetry) Cost(input, output int64) float64 {
	return float64(input)/1_000_000*t.InputUSDPerMillion + float64(output)/1_000_000*t.OutputUSDPerMillion
}

// Record adds one call's usage to the user and global daily records,
// then checks the daily cost threshold.
func (t *Telemetry) Record(ctx context.Context, call CallInfo, u llm.Usage) {
	now := t.now()
	date := now.Format(DateLayout)

	if err := t.add(ctx, UserKey(call.Phone, date), u, UserRecordTTL); err != nil {
		t.logger().Warn("token telemetry write failed", "scope", "user", "phone", call.Phone, "error", err)
	}
	if err := t.add(ctx, GlobalKey(date), u, GlobalRecordTTL); err != nil {
		t.logger().Warn("token telemetry write failed", "scope", "global", "error", err)
	} else {
		t.checkAlert(ctx, date, now)
	}

	if t.Ledger != nil {
		rec := Record{
			Timestamp:           now,
			RequestID:           call.RequestID,
			Phone:               call.Phone,
			Model:               call.Model,
			Tier:                call.Tier,
			InputTokens:         u.InputTokens,
			OutputTokens:        u.OutputTokens,
			CacheReadTokens:     u.CacheReadTokens,
			CacheCreationTokens: u.CacheCreationTokens,
			CostUSD:             t.Cost(int64(u.InputTokens), int64(u.OutputTokens)),
		}
		if err := t.Ledger.Record(ctx, rec); err != nil {
			t.logger().Warn("usage ledger write failed", "error", err)
		}
	}
}

func (t *Telemetry) add(ctx context.Context, key string, u llm.Usage, ttl time.Duration) error {
	fields := []struct {
		name string
		n    int
	}{
		{FieldInput, u.InputTokens},
		{FieldOutput, u.OutputTokens},
		{FieldCacheRead, u.CacheReadTokens},
		{FieldCacheCreate, u.CacheCreationTokens},
		{FieldRequests, 1},
	}
	for _, f := range fields {
		if err := t.Store.HIncrBy(ctx, key, f.name, int64(f.n)); err != nil {
			return err
		}
	}
	return t.Store.Expire(ctx, key, ttl)
}

func (t *Telemetry) checkAlert(ctx context.Context, date string, now time.Time) {
	if t.DailyAlertUSD <= 0 {
		return
	}
	day, err := t.read(ctx, GlobalKey(date), date)
	if err != nil {
		t.logger().Warn("token telemetry read failed", "error", err)
		return
	}
	if day.EstimatedCostUSD < t.DailyAlertUSD {
		return
	}

	key := AlertKey(date)
	fired, err := t.Store.Exists(ctx, key)
	if err != nil {
		t.logger().Warn("cost alert sentinel check failed", "error", err)
		return
	}
	if fired {
		return
	}
	if err := t.Store.SetWithTTL(ctx, key, "1", untilMidnight(now)); err != nil {
		t.logger().Warn("cost alert sentinel write failed", "error", err)
		return
	}

	sink := t.Alerts
	if sink == nil {
		sink = LogAlertSink{Logger: t.logger()}
	}
	alert := Alert{Date: date, CostUSD: day.EstimatedCostUSD, ThresholdUSD: t.DailyAlertUSD, Usage: day}
	if err := sink.CostAlert(ctx, alert); err != nil {
		t.logger().Warn("cost alert delivery failed", "error", err)
	}
}

// untilMidnight returns the time left in now's day, at least one second.
func untilMidnight(now time.Time) time.Duration {
	y, m, d := now.Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	if left := next.Sub(now); left > time.Second {
		return left
	}
	return time.Second
}

func (t *Telemetry) read(ctx context.Context, key, date string) (DailyUsage, error) {
	m, err := t.Store.HGetAll(ctx, key)
	if err != nil {
		return DailyUsage{Date: date}, err
	}
	d := DailyUsage{
		Date:              date,
		InputTokens:       field(m, FieldInput),
		OutputTokens:      field(m, FieldOutput),
		CacheReadTokens:   field(m, FieldCacheRead),
		CacheCreateTokens: field(m, FieldCacheCreate),
		Requests:          field(m, FieldRequests),
	}
	d.EstimatedCostUSD = round4(t.Cost(d.InputTokens, d.OutputTokens))
	d.CacheSavingsUSD = round4(float64(d.CacheReadTokens) / 1_000_000 * t.InputUSDPerMillion * cacheReadDiscount)
	d.AvgTokensPerRequest = math.Round(float64(d.InputTokens+d.OutputTokens)/float64(max(d.Requests, 1))*10) / 10
	return d, nil
}

func field(m map[string]string, name string) int64 {
	n, _ := strconv.ParseInt(m[name], 10, 64)
	return n
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// DailyGlobal returns the global aggregate for date (YYYY-MM-DD). A
// store failure yields a zero record.
func (t *Telemetry) DailyGlobal(ctx context.Context, date string) DailyUsage {
	d, err := t.read(ctx, GlobalKey(date), date)
	if err != nil {
		t.logger().Warn("token telemetry read failed", "date", date, "error", err)
	}
	return d
}

// DailyUser returns phone's aggregate for date.
func (t *Telemetry) DailyUser(ctx context.Context, phone, date string) DailyUsage {
	d, err := t.read(ctx, UserKey(phone, date), date)
	if err != nil {
		t.logger().Warn("token telemetry read failed", "phone", phone, "date", date, "error", err)
	}
	return d
}

// ClampDays bounds a day count to 1..30, defaulting to 7.
func ClampDays(days int) int {
	switch {
	case days == 0:
		return 7
	case days < 1:
		return 1
	case days > 30:
		return 30
	}
	return days
}

// Summary returns the global breakdown for the last days days, newest
// first.
func (t *Telemetry) Summary(ctx context.Context, days int) PeriodSummary {
	days = ClampDays(days)
	now := t.now()
	s := PeriodSummary{Days: days}
	for i := range days {
		d := t.DailyGlobal(ctx, now.AddDate(0, 0, -i).Format(DateLayout))
		s.Daily = append(s.Daily, d)
		s.TotalCostUSD += d.EstimatedCostUSD
	}
	s.TotalCostUSD = round4(s.TotalCostUSD)
	return s
}

// UserSummary returns phone's days with any usage in the last days
// days, newest first.
func (t *Telemetry) UserSummary(ctx context.Context, phone string, days int) PeriodSummary {
	days = ClampDays(days)
	now := t.now()
	s := PeriodSummary{Days: days, Daily: []DailyUsage{}}
	for i := range days {
		d := t.DailyUser(ctx, phone, now.AddDate(0, 0, -i).Format(DateLayout))
		if d.Requests == 0 {
			continue
		}
		s.Daily = append(s.Daily, d)
		s.TotalCostUSD += d.EstimatedCostUSD
	}
	s.TotalCostUSD = round4(s.TotalCostUSD)
	return s
}
