package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-push-gateway/pkg/push"
)

// DefaultSuppressionTTL bounds how long a dead token stays blocked. A
// token silent for this long is forgotten and, if it ever reappears,
// the vendor will simply reject it again.
const DefaultSuppressionTTL = 30 * 24 * time.Hour

// SuppressionStore records tokens the vendors have reported dead, so the
// ingestion pipeline can drop sends to them without an engine round trip.
type SuppressionStore struct {
	cache  Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewSuppressionStore(cache Client, ttl time.Duration, logger *slog.Logger) *SuppressionStore {
	if ttl <= 0 {
		ttl = DefaultSuppressionTTL
	}
	return &SuppressionStore{
		cache:  cache,
		ttl:    ttl,
		logger: logger.With("component", "suppression_store"),
	}
}

// suppressionRecord is the stored representation of one dead token.
type suppressionRecord struct {
	Reason        string    `json:"reason"`
	InvalidatedAt time.Time `json:"invalidated_at"`
	Replacement   string    `json:"replacement,omitempty"`
}

func (s *SuppressionStore) Suppress(ctx context.Context, entry push.FeedbackEntry) error {
	record := suppressionRecord{
		Reason:        string(entry.Reason),
		InvalidatedAt: entry.InvalidatedAt,
	}
	if len(entry.ReplacementToken) > 0 {
		record.Replacement = push.TokenKey(entry.ReplacementToken)
	}
	if err := s.cache.Set(ctx, s.key(entry.Vendor, entry.DeviceToken), record, s.ttl); err != nil {
		return err
	}
	s.logger.Debug("token suppressed",
		"vendor", string(entry.Vendor),
		"token", push.TokenKey(entry.DeviceToken),
		"reason", string(entry.Reason))
	return nil
}

func (s *SuppressionStore) IsSuppressed(ctx context.Context, vendor push.Vendor, token []byte) (bool, error) {
	var record suppressionRecord
	err := s.cache.Get(ctx, s.key(vendor, token), &record)
	if errors.Is(err, ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Lift clears a suppression after the device re-registers the token.
func (s *SuppressionStore) Lift(ctx context.Context, vendor push.Vendor, token []byte) error {
	return s.cache.Del(ctx, s.key(vendor, token))
}

func (s *SuppressionStore) key(vendor push.Vendor, token []byte) string {
	return fmt.Sprintf("push:suppressed:%s:%s", vendor, push.TokenKey(token))
}
