package memory

import (
	"sync"

	"dex-trade-feed/internal/domain"
	"dex-trade-feed/internal/storage"
)

// DefaultHistoryCapacity bounds the history buffer when no capacity is given.
const DefaultHistoryCapacity = 30

// TradeHistory is the in-memory implementation of storage.TradeHistory.
// Insertion is always at the front; the tail is evicted past capacity.
type TradeHistory struct {
	mu       sync.RWMutex
	trades   []*domain.Trade // most recent first
	capacity int
}

// NewTradeHistory creates a bounded history buffer.
func NewTradeHistory(capacity int) *TradeHistory {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &TradeHistory{
		trades:   make([]*domain.Trade, 0, capacity),
		capacity: capacity,
	}
}

var _ storage.TradeHistory = (*TradeHistory)(nil)

// Insert prepends a trade and truncates to capacity.
func (h *TradeHistory) Insert(trade *domain.Trade) error {
	if trade == nil {
		return storage.ErrInvalidInput
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	copied := *trade
	h.trades = append(h.trades, nil)
	copy(h.trades[1:], h.trades)
	h.trades[0] = &copied

	if len(h.trades) > h.capacity {
		h.trades = h.trades[:h.capacity]
	}
	return nil
}

// Replace swaps the whole buffer atomically, truncating to capacity.
func (h *TradeHistory) Replace(trades []*domain.Trade) {
	next := make([]*domain.Trade, 0, h.capacity)
	for _, t := range trades {
		if t == nil {
			continue
		}
		if len(next) == h.capacity {
			break
		}
		copied := *t
		next = append(next, &copied)
	}

	h.mu.Lock()
	h.trades = next
	h.mu.Unlock()
}

// Snapshot returns an independent copy of the buffer, most recent first.
func (h *TradeHistory) Snapshot() []*domain.Trade {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*domain.Trade, len(h.trades))
	for i, t := range h.trades {
		copied := *t
		out[i] = &copied
	}
	return out
}

// Len returns the current number of trades.
func (h *TradeHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.trades)
}

// IsEmpty reports whether the history holds no trades.
func (h *TradeHistory) IsEmpty() bool {
	return h.Len() == 0
}
