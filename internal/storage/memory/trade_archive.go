package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"dex-trade-feed/internal/domain"
	"dex-trade-feed/internal/storage"
)

// TradeArchive is an in-memory implementation of storage.TradeArchive.
type TradeArchive struct {
	mu     sync.RWMutex
	trades []*domain.Trade
}

// NewTradeArchive creates a new in-memory trade archive.
func NewTradeArchive() *TradeArchive {
	return &TradeArchive{}
}

var _ storage.TradeArchive = (*TradeArchive)(nil)

// Insert records a trade.
func (a *TradeArchive) Insert(_ context.Context, trade *domain.Trade) error {
	if trade == nil {
		return storage.ErrInvalidInput
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	copied := *trade
	a.trades = append(a.trades, &copied)
	return nil
}

// GetByWallet returns trades for a wallet within the lookback window,
// most recent first.
func (a *TradeArchive) GetByWallet(_ context.Context, wallet string, lookback time.Duration) ([]*domain.Trade, error) {
	if wallet == "" {
		return nil, storage.ErrInvalidInput
	}
	cutoff := time.Now().Add(-lookback).UnixMilli()

	a.mu.RLock()
	defer a.mu.RUnlock()

	var result []*domain.Trade
	for _, t := range a.trades {
		if t.Timestamp < cutoff {
			continue
		}
		if strings.EqualFold(t.Buyer, wallet) || strings.EqualFold(t.Seller, wallet) {
			copied := *t
			result = append(result, &copied)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp > result[j].Timestamp
	})

	return result, nil
}
