package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"dex-trade-feed/internal/domain"
	"dex-trade-feed/internal/storage"
)

// TradeArchive implements storage.TradeArchive using PostgreSQL.
type TradeArchive struct {
	pool *Pool
}

// NewTradeArchive creates a new TradeArchive.
func NewTradeArchive(pool *Pool) *TradeArchive {
	return &TradeArchive{pool: pool}
}

// Compile-time interface check.
var _ storage.TradeArchive = (*TradeArchive)(nil)

// EnsureSchema creates the trades table and indexes if they do not exist.
func (s *TradeArchive) EnsureSchema(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS trades (
			id            BIGSERIAL PRIMARY KEY,
			hash          TEXT NOT NULL,
			observed_at   BIGINT NOT NULL,
			buyer         TEXT NOT NULL DEFAULT '',
			seller        TEXT NOT NULL DEFAULT '',
			token_amount  NUMERIC NOT NULL,
			base_amount   NUMERIC NOT NULL,
			action        TEXT NOT NULL,
			source        TEXT NOT NULL,
			asset_ticker  TEXT NOT NULL DEFAULT '',
			asset_image   TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_trades_buyer ON trades (buyer, observed_at DESC);
		CREATE INDEX IF NOT EXISTS idx_trades_seller ON trades (seller, observed_at DESC);
	`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure trades schema: %w", err)
	}
	return nil
}

// Insert records a trade.
func (s *TradeArchive) Insert(ctx context.Context, t *domain.Trade) error {
	if t == nil {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO trades (
			hash, observed_at, buyer, seller,
			token_amount, base_amount, action, source,
			asset_ticker, asset_image
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.pool.Exec(ctx, query,
		t.Hash, t.Timestamp, t.Buyer, t.Seller,
		t.TokenAmount.String(), t.BaseAmount.String(), string(t.Action), string(t.Source),
		t.AssetTicker, t.AssetImage,
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// GetByWallet returns trades for a wallet within the lookback window,
// most recent first.
func (s *TradeArchive) GetByWallet(ctx context.Context, wallet string, lookback time.Duration) ([]*domain.Trade, error) {
	if wallet == "" {
		return nil, storage.ErrInvalidInput
	}
	cutoff := time.Now().Add(-lookback).UnixMilli()

	query := `
		SELECT hash, observed_at, buyer, seller,
		       token_amount::text, base_amount::text, action, source,
		       asset_ticker, asset_image
		FROM trades
		WHERE (LOWER(buyer) = LOWER($1) OR LOWER(seller) = LOWER($1))
		  AND observed_at >= $2
		ORDER BY observed_at DESC
	`
	rows, err := s.pool.Query(ctx, query, wallet, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query trades by wallet: %w", err)
	}
	defer rows.Close()

	var result []*domain.Trade
	for rows.Next() {
		var t domain.Trade
		var tokenAmount, baseAmount, action, source string
		if err := rows.Scan(
			&t.Hash, &t.Timestamp, &t.Buyer, &t.Seller,
			&tokenAmount, &baseAmount, &action, &source,
			&t.AssetTicker, &t.AssetImage,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		if t.TokenAmount, err = decimal.NewFromString(tokenAmount); err != nil {
			return nil, fmt.Errorf("parse token_amount: %w", err)
		}
		if t.BaseAmount, err = decimal.NewFromString(baseAmount); err != nil {
			return nil, fmt.Errorf("parse base_amount: %w", err)
		}
		t.Action = domain.Action(action)
		t.Source = domain.Source(source)
		result = append(result, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}

	return result, nil
}
