package ingestion

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"dex-trade-feed/internal/decode"
	"dex-trade-feed/internal/domain"
	"dex-trade-feed/internal/evm"
	"dex-trade-feed/internal/observability"
	"dex-trade-feed/internal/storage"
)

// DefaultLookbackBlocks bounds the historical window queried on cold start.
const DefaultLookbackBlocks = 500

// BackfillPair is one tracked pair to query during backfill.
type BackfillPair struct {
	Source  domain.Source
	Address string
	Decoder *decode.SwapDecoder
}

// Backfiller pre-populates the history from a bounded historical log query.
// It runs when history is empty; failures leave history unchanged and are
// never fatal.
type Backfiller struct {
	rpc            evm.RPCClient
	pairs          []BackfillPair
	lookbackBlocks int64
	history        storage.TradeHistory
	logger         *log.Logger
}

// BackfillOptions contains configuration for creating a Backfiller.
type BackfillOptions struct {
	RPC            evm.RPCClient
	Pairs          []BackfillPair
	LookbackBlocks int64
	History        storage.TradeHistory
	Logger         *log.Logger
}

// NewBackfiller creates a new historical backfiller.
func NewBackfiller(opts BackfillOptions) *Backfiller {
	lookback := opts.LookbackBlocks
	if lookback <= 0 {
		lookback = DefaultLookbackBlocks
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Backfiller{
		rpc:            opts.RPC,
		pairs:          opts.Pairs,
		lookbackBlocks: lookback,
		history:        opts.History,
		logger:         logger,
	}
}

// Run queries the last lookback window for every tracked pair, decodes all
// matching events, orders them most recent first and replaces the history
// buffer in a single atomic swap. Any query failure aborts the whole run so
// history is never half-populated.
func (b *Backfiller) Run(ctx context.Context) error {
	start := time.Now()

	latest, err := b.rpc.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("block number: %w", err)
	}

	from := latest - b.lookbackBlocks + 1
	if from < 0 {
		from = 0
	}

	var trades []*domain.Trade
	rejected := 0
	for _, pair := range b.pairs {
		logs, err := b.rpc.GetLogs(ctx, evm.LogFilter{
			FromBlock: from,
			ToBlock:   latest,
			Address:   pair.Address,
			Topics:    []string{decode.SwapEventSig},
		})
		if err != nil {
			return fmt.Errorf("get logs %s [%d, %d]: %w", pair.Source, from, latest, err)
		}

		for _, l := range logs {
			if l.Removed {
				continue
			}
			trade, err := pair.Decoder.Decode(l)
			if err != nil {
				rejected++
				observability.RecordDecodeRejection(pair.Source.String(), rejectionReason(err))
				continue
			}
			trades = append(trades, trade)
		}
	}

	// Most recent first, matching the live insertion order.
	sort.Slice(trades, func(i, j int) bool {
		if trades[i].BlockNumber != trades[j].BlockNumber {
			return trades[i].BlockNumber > trades[j].BlockNumber
		}
		return trades[i].LogIndex > trades[j].LogIndex
	})

	b.history.Replace(trades)
	observability.RecordBackfillDuration(time.Since(start).Seconds())
	observability.SetHistoryLength(b.history.Len())

	b.logger.Printf("backfill complete: blocks [%d, %d], %d trades kept, %d rejected in %v",
		from, latest, b.history.Len(), rejected, time.Since(start))
	return nil
}
