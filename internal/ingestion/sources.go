package ingestion

import (
	"context"

	"dex-trade-feed/internal/domain"
)

// TradeSource is one live upstream connection delivering decoded trades.
// The channel returned by Subscribe closes when the connection is lost; a
// source is single-use and discarded after closure. Reconnecting means
// dialing a fresh source.
type TradeSource interface {
	// Subscribe starts delivery and returns the trade channel.
	Subscribe(ctx context.Context) (<-chan *domain.Trade, error)

	// Close releases the underlying connection.
	Close() error
}

// DialFunc constructs a fresh TradeSource, one per connection attempt.
type DialFunc func(ctx context.Context) (TradeSource, error)

// Sink receives every decoded trade a subscription produces.
type Sink func(ctx context.Context, trade *domain.Trade)
