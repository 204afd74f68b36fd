package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"dex-trade-feed/internal/domain"
	"dex-trade-feed/internal/storage"
)

// setupTestArchive creates a PostgreSQL container and an archive with its
// schema applied. Returns a cleanup function that must be called after tests
// complete.
func setupTestArchive(t *testing.T) (*TradeArchive, func()) {
	t.Helper()

	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err, "failed to create pool")

	archive := NewTradeArchive(pool)
	require.NoError(t, archive.EnsureSchema(ctx), "failed to apply schema")

	cleanup := func() {
		pool.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}

	return archive, cleanup
}

func archiveTrade(hash, buyer, seller string, ts int64) *domain.Trade {
	action := domain.ActionBuy
	if seller != "" {
		action = domain.ActionSell
	}
	return &domain.Trade{
		Hash:        hash,
		Timestamp:   ts,
		Buyer:       buyer,
		Seller:      seller,
		TokenAmount: decimal.RequireFromString("120.5"),
		BaseAmount:  decimal.RequireFromString("0.003"),
		Action:      action,
		Source:      domain.Source("pancake"),
		AssetTicker: "TKN",
	}
}

func TestTradeArchive_InsertAndGetByWallet(t *testing.T) {
	archive, cleanup := setupTestArchive(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UnixMilli()

	require.NoError(t, archive.Insert(ctx, archiveTrade("0x1", "0xWalletA", "", now-1000)))
	require.NoError(t, archive.Insert(ctx, archiveTrade("0x2", "", "0xwalleta", now-500)))
	require.NoError(t, archive.Insert(ctx, archiveTrade("0x3", "0xWalletB", "", now-200)))

	result, err := archive.GetByWallet(ctx, "0xWALLETA", time.Hour)
	require.NoError(t, err)
	require.Len(t, result, 2)

	// Most recent first, wallet matched case-insensitively on either side.
	assert.Equal(t, "0x2", result[0].Hash)
	assert.Equal(t, "0x1", result[1].Hash)
	assert.True(t, result[1].TokenAmount.Equal(decimal.RequireFromString("120.5")),
		"token amount %s survived the round trip wrong", result[1].TokenAmount)
	assert.Equal(t, domain.ActionBuy, result[1].Action)
	assert.Equal(t, "TKN", result[1].AssetTicker)
}

func TestTradeArchive_LookbackCutoff(t *testing.T) {
	archive, cleanup := setupTestArchive(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UnixMilli()

	require.NoError(t, archive.Insert(ctx, archiveTrade("0xold", "0xWalletA", "", now-2*time.Hour.Milliseconds())))
	require.NoError(t, archive.Insert(ctx, archiveTrade("0xrecent", "0xWalletA", "", now-time.Minute.Milliseconds())))

	result, err := archive.GetByWallet(ctx, "0xWalletA", time.Hour)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, "0xrecent", result[0].Hash)
}

func TestTradeArchive_LargeAmounts(t *testing.T) {
	archive, cleanup := setupTestArchive(t)
	defer cleanup()

	ctx := context.Background()
	tr := archiveTrade("0xbig", "0xWalletA", "", time.Now().UnixMilli())
	tr.TokenAmount = decimal.RequireFromString("79228162514264337593543.950336")

	require.NoError(t, archive.Insert(ctx, tr))

	result, err := archive.GetByWallet(ctx, "0xWalletA", time.Hour)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, "79228162514264337593543.950336", result[0].TokenAmount.String())
}

func TestTradeArchive_InvalidInput(t *testing.T) {
	archive, cleanup := setupTestArchive(t)
	defer cleanup()

	ctx := context.Background()
	assert.ErrorIs(t, archive.Insert(ctx, nil), storage.ErrInvalidInput)

	_, err := archive.GetByWallet(ctx, "", time.Hour)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestTradeArchive_NoMatches(t *testing.T) {
	archive, cleanup := setupTestArchive(t)
	defer cleanup()

	result, err := archive.GetByWallet(context.Background(), "0xNobody", time.Hour)
	require.NoError(t, err)
	assert.Empty(t, result)
}
