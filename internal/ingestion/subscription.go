package ingestion

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"dex-trade-feed/internal/domain"
	"dex-trade-feed/internal/observability"
)

// State is the connection state of one upstream subscription.
type State int32

const (
	// StateConnecting means a connection attempt is in progress.
	StateConnecting State = iota
	// StateLive means events are flowing.
	StateLive
	// StateDisconnected means the connection was lost and a retry is pending.
	StateDisconnected
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// DefaultReconnectDelay is the wait between connection attempts.
const DefaultReconnectDelay = 3 * time.Second

// SubscriptionOptions configures a Subscription.
type SubscriptionOptions struct {
	// Source tags log lines and metrics for this upstream.
	Source domain.Source
	// Dial constructs a fresh TradeSource per attempt.
	Dial DialFunc
	// Sink receives every trade the source delivers.
	Sink Sink
	// ReconnectDelay is the fixed wait between attempts.
	ReconnectDelay time.Duration
	Logger         *log.Logger
}

// Subscription owns the lifecycle of one upstream connection. It cycles
// connecting -> live -> disconnected -> connecting for the whole process
// lifetime: live market data must always attempt to resume, so there is no
// retry bound and no cancellation path other than shutdown. Every attempt
// uses a freshly dialed source; a dead connection is discarded wholesale.
type Subscription struct {
	source domain.Source
	dial   DialFunc
	sink   Sink
	delay  time.Duration
	state  atomic.Int32
	logger *log.Logger
}

// NewSubscription creates a subscription for one upstream source.
func NewSubscription(opts SubscriptionOptions) *Subscription {
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Subscription{
		source: opts.Source,
		dial:   opts.Dial,
		sink:   opts.Sink,
		delay:  delay,
		logger: logger,
	}
}

// State returns the current connection state.
func (s *Subscription) State() State {
	return State(s.state.Load())
}

func (s *Subscription) setState(st State) {
	s.state.Store(int32(st))
}

// Run drives the state machine until the context is cancelled. It always
// returns ctx.Err(); connection and subscribe failures only delay the next
// attempt.
func (s *Subscription) Run(ctx context.Context) error {
	first := true
	for {
		s.setState(StateConnecting)
		if !first {
			// Only re-connections count; the initial connect is not a
			// recovery event.
			observability.RecordReconnect(s.source.String())
		}
		first = false

		src, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Printf("[%s] connect failed: %v", s.source, err)
			if err := s.waitRetry(ctx); err != nil {
				return err
			}
			continue
		}

		ch, err := src.Subscribe(ctx)
		if err != nil {
			src.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Printf("[%s] subscribe failed: %v", s.source, err)
			if err := s.waitRetry(ctx); err != nil {
				return err
			}
			continue
		}

		s.setState(StateLive)
		s.logger.Printf("[%s] live", s.source)

		s.consume(ctx, ch)
		src.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Printf("[%s] connection lost, retrying in %v", s.source, s.delay)
		if err := s.waitRetry(ctx); err != nil {
			return err
		}
	}
}

// consume forwards trades to the sink until the channel closes or the
// context is cancelled.
func (s *Subscription) consume(ctx context.Context, ch <-chan *domain.Trade) {
	for {
		select {
		case <-ctx.Done():
			return
		case trade, ok := <-ch:
			if !ok {
				return
			}
			if trade != nil {
				s.sink(ctx, trade)
			}
		}
	}
}

// waitRetry sets the disconnected state and sleeps the fixed delay.
func (s *Subscription) waitRetry(ctx context.Context) error {
	s.setState(StateDisconnected)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.delay):
		return nil
	}
}
