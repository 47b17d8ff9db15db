// Package conversation keeps a short, TTL-bound message history per
// user so the model has recent context without unbounded cost growth.
package conversation

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nugget/suvfin/internal/kvstore"
	"github.com/nugget/suvfin/internal/llm"
)

// ImagePlaceholder replaces image content in stored history.
const ImagePlaceholder = "[📸 Comprovante enviado]"

// Defaults for Manager fields left at zero.
const (
	DefaultMaxMessages = 6
	DefaultTTL         = time.Hour
)

// Turn is the stored form of one history entry.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Manager reads and appends per-user history in the shared store.
//
// Concurrent turns from the same user may interleave their appends;
// ordering is whatever the store's list push order is.
type Manager struct {
	Store       kvstore.Store
	MaxMessages int
	TTL         time.Duration
	Logger      *slog.Logger
}

// Key returns the store key holding phone's history.
func Key(phone string) string {
	return "conv:" + phone
}

func (m *Manager) maxMessages() int {
	if m.MaxMessages > 0 {
		return m.MaxMessages
	}
	return DefaultMaxMessages
}

func (m *Manager) ttl() time.Duration {
	if m.TTL > 0 {
		return m.TTL
	}
	return DefaultTTL
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// History returns the stored turns oldest-first. Store failures yield
// an empty history; unreadable entries are skipped.
func (m *Manager) History(ctx context.Context, phone string) []llm.Message {
	raw, err := m.Store.LRange(ctx, Key(phone), 0, int64(m.maxMessages()-1))
	if err != nil {
		m.logger().Warn("conversation history unavailable", "phone", phone, "error", err)
		return nil
	}

	msgs := make([]llm.Message, 0, len(raw))
	for _, r := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			m.logger().Debug("skipping unreadable history entry", "phone", phone, "error", err)
			continue
		}
		if t.Role != llm.RoleUser && t.Role != llm.RoleAssistant {
			continue
		}
		msgs = append(msgs, llm.NewTextMessage(t.Role, t.Content))
	}
	return msgs
}

// Append stores one turn and trims the list to MaxMessages. Failures
// are logged and swallowed.
func (m *Manager) Append(ctx context.Context, phone, role, content string) {
	data, err := json.Marshal(Turn{Role: role, Content: content})
	if err != nil {
		return
	}
	if err := m.Store.AppendAndTrim(ctx, Key(phone), string(data), int64(m.maxMessages()), m.ttl()); err != nil {
		m.logger().Warn("conversation append failed", "phone", phone, "role", role, "error", err)
	}
}
