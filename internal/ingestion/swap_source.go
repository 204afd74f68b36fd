package ingestion

import (
	"context"
	"errors"
	"log"

	"dex-trade-feed/internal/decode"
	"dex-trade-feed/internal/domain"
	"dex-trade-feed/internal/evm"
	"dex-trade-feed/internal/observability"
)

// ChainSwapSource provides decoded trades from one live chain log
// subscription for one tracked pair.
type ChainSwapSource struct {
	client  evm.StreamClient
	decoder *decode.SwapDecoder
	source  domain.Source
	filter  evm.LogFilter
	logger  *log.Logger
}

// NewChainSwapSource creates a swap source over an open stream client.
func NewChainSwapSource(client evm.StreamClient, decoder *decode.SwapDecoder, source domain.Source, pairAddress string, logger *log.Logger) *ChainSwapSource {
	if logger == nil {
		logger = log.Default()
	}
	return &ChainSwapSource{
		client:  client,
		decoder: decoder,
		source:  source,
		filter: evm.LogFilter{
			Address: pairAddress,
			Topics:  []string{decode.SwapEventSig},
		},
		logger: logger,
	}
}

var _ TradeSource = (*ChainSwapSource)(nil)

// Subscribe returns a channel of decoded trades. The channel closes when the
// underlying connection is lost. Decode rejections are logged and skipped;
// they never tear the subscription down.
func (s *ChainSwapSource) Subscribe(ctx context.Context) (<-chan *domain.Trade, error) {
	logsCh, err := s.client.SubscribeLogs(ctx, s.filter)
	if err != nil {
		return nil, err
	}
	s.logger.Printf("[%s] subscribed to pair %s", s.source, s.filter.Address)

	out := make(chan *domain.Trade, 100)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case l, ok := <-logsCh:
				if !ok {
					return
				}
				if l.Removed {
					// Reorged log, the original was already delivered.
					continue
				}
				trade, err := s.decoder.Decode(l)
				if err != nil {
					s.logger.Printf("[%s] skip log %s: %v", s.source, l.TxHash, err)
					observability.RecordDecodeRejection(s.source.String(), rejectionReason(err))
					continue
				}
				select {
				case out <- trade:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close closes the underlying stream client.
func (s *ChainSwapSource) Close() error {
	return s.client.Close()
}

// rejectionReason maps a decode error to a stable metric label.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, decode.ErrNoAssetMovement):
		return "no_asset_movement"
	case errors.Is(err, decode.ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, decode.ErrMalformedData):
		return "malformed"
	default:
		return "other"
	}
}
