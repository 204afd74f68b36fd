// Package storage defines the persistence contracts of the trade feed.
package storage

import (
	"context"
	"time"

	"dex-trade-feed/internal/domain"
)

// TradeHistory is the bounded, ordered buffer of recent trades. Most recent
// first; length never exceeds capacity after any operation completes.
// Implementations must be safe for concurrent writers and readers, and a
// Snapshot must reflect a single coherent state.
type TradeHistory interface {
	// Insert prepends a trade and evicts the oldest entries past capacity.
	Insert(trade *domain.Trade) error

	// Replace swaps the whole buffer atomically. Input is expected most
	// recent first; entries past capacity are dropped. Used by backfill and
	// snapshot load so a concurrent Snapshot never observes a partial state.
	Replace(trades []*domain.Trade)

	// Snapshot returns the full ordered sequence as an independent copy.
	Snapshot() []*domain.Trade

	// Len returns the current number of trades.
	Len() int

	// IsEmpty reports whether the history holds no trades.
	IsEmpty() bool
}

// TradeArchive is the wallet-indexed store behind the one-shot query
// endpoint. Archive writes are best-effort; a failure never blocks the live
// broadcast path.
type TradeArchive interface {
	// Insert records a trade for later wallet queries.
	Insert(ctx context.Context, trade *domain.Trade) error

	// GetByWallet returns trades where the wallet appears as buyer or
	// seller, observed within the lookback window, most recent first.
	GetByWallet(ctx context.Context, wallet string, lookback time.Duration) ([]*domain.Trade, error)
}

// SnapshotStore persists the whole history buffer across restarts.
// Durability is optional; live operation is correct without it.
type SnapshotStore interface {
	// Save overwrites the persisted snapshot with the given sequence.
	Save(trades []*domain.Trade) error

	// Load returns the persisted sequence, or ErrNotFound when no snapshot
	// has been written yet.
	Load() ([]*domain.Trade, error)
}
