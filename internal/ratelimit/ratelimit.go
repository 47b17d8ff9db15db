// Package ratelimit enforces per-user message ceilings and a per-IP
// request ceiling on top of the shared key-value store. Both fail open:
// when the store is unreachable every request is allowed.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/suvfin/internal/kvstore"
)

// Window lengths.
const (
	HourWindow   = time.Hour
	DayWindow    = 24 * time.Hour
	MinuteWindow = time.Minute
)

// HourKey returns the hourly per-user counter key.
func HourKey(phone string) string { return "llm:rate:hour:" + phone }

// DayKey returns the daily per-user counter key.
func DayKey(phone string) string { return "llm:rate:day:" + phone }

// IPKey returns the per-IP counter key.
func IPKey(ip string) string { return "rate:" + ip }

// Decision is the outcome of a per-user check.
type Decision struct {
	Allowed   bool
	HourCount int64
	DayCount  int64
	// FailOpen is set when a store error forced the request through.
	FailOpen bool
}

// Limiter caps messages per user per hour and per day. A ceiling of
// zero or less disables that window.
type Limiter struct {
	Store   kvstore.Store
	PerHour int
	PerDay  int
	Logger  *slog.Logger
}

func (l *Limiter) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

// Allow counts one message for phone and reports whether it is within
// both ceilings.
func (l *Limiter) Allow(ctx context.Context, phone string) Decision {
	d := Decision{Allowed: true}

	if l.PerHour > 0 {
		n, err := l.Store.IncrWithExpiry(ctx, HourKey(phone), HourWindow)
		if err != nil {
			l.logger().Warn("rate limit check failed, allowing", "phone", phone, "window", "hour", "error", err)
			d.FailOpen = true
			return d
		}
		d.HourCount = n
		if n > int64(l.PerHour) {
			d.Allowed = false
		}
	}

	if l.PerDay > 0 {
		n, err := l.Store.IncrWithExpiry(ctx, DayKey(phone), DayWindow)
		if err != nil {
			l.logger().Warn("rate limit check failed, allowing", "phone", phone, "window", "day", "error", err)
			d.FailOpen = true
			d.Allowed = true
			return d
		}
		d.DayCount = n
		if n > int64(l.PerDay) {
			d.Allowed = false
		}
	}

	if !d.Allowed {
		l.logger().Info("user rate limited",
			"phone", phone,
			"hour_count", d.HourCount,
			"day_count", d.DayCount,
		)
	}
	return d
}

// IPLimiter caps requests per client IP per minute.
type IPLimiter struct {
	Store     kvstore.Store
	PerMinute int
	Logger    *slog.Logger
}

// Allow counts one request from ip.
func (l *IPLimiter) Allow(ctx context.Context, ip string) bool {
	if l.PerMinute <= 0 {
		return true
	}
	n, err := l.Store.IncrWithExpiry(ctx, IPKey(ip), MinuteWindow)
	if err != nil {
		if l.Logger != nil {
			l.Logger.Warn("ip rate limit check failed, allowing", "ip", ip, "error", err)
		}
		return true
	}
	return n <= int64(l.PerMinute)
}
