// Package history answers purchase-history questions for a customer at a merchant.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// claimedTTL bounds how long a taken slot is cached. Claims are written only
// by a committed settlement and never released, so a hit cannot go stale.
const claimedTTL = time.Hour

// Service looks up purchase history.
type Service struct {
	store  domain.TransactionStore
	cache  domain.Cache
	logger *slog.Logger
}

// NewService creates a history service. cache may be nil.
func NewService(store domain.TransactionStore, cache domain.Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		cache:  cache,
		logger: logger,
	}
}

// WouldBeFirst reports whether a purchase now would be the customer's first
// at the merchant. An anonymous purchase never is.
func (s *Service) WouldBeFirst(ctx context.Context, customerID, merchantID string) (bool, error) {
	holder, err := s.Holder(ctx, customerID, merchantID)
	if err != nil {
		return false, err
	}
	return customerID != "" && holder == "", nil
}

// Holder returns the finalized transaction holding the first-purchase slot
// of the pair, or "". Taken slots are cached; free ones always hit the store.
func (s *Service) Holder(ctx context.Context, customerID, merchantID string) (string, error) {
	if customerID == "" {
		return "", nil
	}
	if merchantID == "" {
		return "", fmt.Errorf("%w: merchant id is required", domain.ErrInvalidInput)
	}

	key := claimKey(customerID, merchantID)
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, key); err == nil && len(data) > 0 {
			return string(data), nil
		}
	}

	holder, err := s.store.FirstPurchaseHolder(ctx, customerID, merchantID)
	if err != nil {
		return "", fmt.Errorf("failed to check first purchase: %w", err)
	}
	if holder != "" {
		s.Remember(ctx, customerID, merchantID, holder)
	}
	return holder, nil
}

// Remember caches a committed claim.
func (s *Service) Remember(ctx context.Context, customerID, merchantID, txID string) {
	if s.cache == nil || customerID == "" || txID == "" {
		return
	}
	key := claimKey(customerID, merchantID)
	if err := s.cache.Set(ctx, key, []byte(txID), claimedTTL); err != nil {
		s.logger.Warn("failed to cache first-purchase claim", "key", key, "error", err)
	}
}

func claimKey(customerID, merchantID string) string {
	return "first:" + customerID + ":" + merchantID
}
