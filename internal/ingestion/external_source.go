package ingestion

import (
	"context"
	"log"

	"github.com/gorilla/websocket"

	"dex-trade-feed/internal/decode"
	"dex-trade-feed/internal/domain"
	"dex-trade-feed/internal/observability"
)

// ExternalStreamSource provides decoded trades from one connection to the
// external transaction push stream.
type ExternalStreamSource struct {
	conn    *websocket.Conn
	decoder *decode.ExternalDecoder
	logger  *log.Logger
}

// NewExternalStreamSource wraps an open websocket connection to the external
// stream.
func NewExternalStreamSource(conn *websocket.Conn, decoder *decode.ExternalDecoder, logger *log.Logger) *ExternalStreamSource {
	if logger == nil {
		logger = log.Default()
	}
	return &ExternalStreamSource{
		conn:    conn,
		decoder: decoder,
		logger:  logger,
	}
}

var _ TradeSource = (*ExternalStreamSource)(nil)

// DialExternalStream returns a DialFunc for the external stream endpoint.
func DialExternalStream(endpoint string, decoder *decode.ExternalDecoder, logger *log.Logger) DialFunc {
	return func(ctx context.Context) (TradeSource, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			return nil, err
		}
		return NewExternalStreamSource(conn, decoder, logger), nil
	}
}

// Subscribe returns a channel of decoded trades. The channel closes when the
// connection drops. Malformed or degenerate messages are logged and skipped.
func (s *ExternalStreamSource) Subscribe(ctx context.Context) (<-chan *domain.Trade, error) {
	out := make(chan *domain.Trade, 100)

	go func() {
		defer close(out)
		for {
			var msg decode.ExternalMessage
			if err := s.conn.ReadJSON(&msg); err != nil {
				if ctx.Err() == nil {
					s.logger.Printf("[%s] read failed: %v", domain.SourceExternal, err)
				}
				return
			}
			trade, err := s.decoder.Decode(msg)
			if err != nil {
				s.logger.Printf("[%s] skip message %s: %v", domain.SourceExternal, msg.Hash, err)
				observability.RecordDecodeRejection(domain.SourceExternal.String(), rejectionReason(err))
				continue
			}
			select {
			case out <- trade:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close closes the underlying connection, which also unblocks the read loop.
func (s *ExternalStreamSource) Close() error {
	return s.conn.Close()
}
