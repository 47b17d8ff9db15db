package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/suvfin/internal/kvstore"
)

// DefaultPendingTTL bounds how long a confirmation stays open.
const DefaultPendingTTL = 10 * time.Minute

// PendingKey returns the store key holding userID's open confirmation.
func PendingKey(userID string) string {
	return "pending:" + userID
}

// PendingStore keeps at most one open confirmation per user in the
// shared store.
type PendingStore struct {
	Store  kvstore.Store
	TTL    time.Duration
	Logger *slog.Logger
}

func (s *PendingStore) ttl() time.Duration {
	if s.TTL > 0 {
		return s.TTL
	}
	return DefaultPendingTTL
}

// Save replaces userID's open confirmation with p.
func (s *PendingStore) Save(ctx context.Context, userID string, p *PendingConfirmation) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pending: %w", err)
	}
	if err := s.Store.SetWithTTL(ctx, PendingKey(userID), string(data), s.ttl()); err != nil {
		return fmt.Errorf("save pending: %w", err)
	}
	return nil
}

// Load returns userID's open confirmation, or nil when there is none.
func (s *PendingStore) Load(ctx context.Context, userID string) (*PendingConfirmation, error) {
	raw, err := s.Store.Get(ctx, PendingKey(userID))
	if errors.Is(err, kvstore.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	var p PendingConfirmation
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode pending: %w", err)
	}
	return &p, nil
}

// Clear removes userID's open confirmation.
func (s *PendingStore) Clear(ctx context.Context, userID string) error {
	if err := s.Store.Del(ctx, PendingKey(userID)); err != nil {
		return fmt.Errorf("clear pending: %w", err)
	}
	return nil
}

// Has reports whether userID has an open confirmation. Store failures
// read as false.
func (s *PendingStore) Has(ctx context.Context, userID string) bool {
	ok, err := s.Store.Exists(ctx, PendingKey(userID))
	if err != nil {
		logger := s.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("pending lookup failed", "user_id", userID, "error", err)
		return false
	}
	return ok
}
