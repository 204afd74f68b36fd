package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"dex-trade-feed/internal/domain"
	"dex-trade-feed/internal/observability"
)

func newTrade(hash string) *domain.Trade {
	return &domain.Trade{
		Hash:        hash,
		Timestamp:   time.Now().UnixMilli(),
		TokenAmount: decimal.RequireFromString("1"),
		BaseAmount:  decimal.RequireFromString("0.01"),
		Action:      domain.ActionBuy,
		Source:      domain.Source("pancake"),
	}
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// fakeSource delivers a fixed batch of trades and then closes its channel,
// simulating a connection that drops after the batch.
type fakeSource struct {
	trades []*domain.Trade
	stayUp bool
	closed atomic.Bool
}

func (f *fakeSource) Subscribe(ctx context.Context) (<-chan *domain.Trade, error) {
	out := make(chan *domain.Trade, len(f.trades)+1)
	for _, tr := range f.trades {
		out <- tr
	}
	if !f.stayUp {
		close(out)
	}
	return out, nil
}

func (f *fakeSource) Close() error {
	f.closed.Store(true)
	return nil
}

// collectSink gathers trades delivered to the sink.
type collectSink struct {
	mu     sync.Mutex
	trades []*domain.Trade
}

func (c *collectSink) handle(_ context.Context, trade *domain.Trade) {
	c.mu.Lock()
	c.trades = append(c.trades, trade)
	c.mu.Unlock()
}

func (c *collectSink) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.trades)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSubscription_ReconnectsForever(t *testing.T) {
	var dials atomic.Int64
	var sources sync.Map

	dial := func(ctx context.Context) (TradeSource, error) {
		n := dials.Add(1)
		src := &fakeSource{trades: []*domain.Trade{newTrade(fmt.Sprintf("0x%d", n))}}
		sources.Store(n, src)
		return src, nil
	}

	sink := &collectSink{}
	sub := NewSubscription(SubscriptionOptions{
		Source:         domain.Source("pancake"),
		Dial:           dial,
		Sink:           sink.handle,
		ReconnectDelay: 5 * time.Millisecond,
		Logger:         discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	// Each dial yields one trade then drops, so three trades mean three
	// distinct connections with a fresh source each.
	waitFor(t, time.Second, func() bool { return dials.Load() >= 3 }, "expected at least 3 connection attempts")
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
	if sink.len() < 3 {
		t.Errorf("sink got %d trades, want at least 3", sink.len())
	}

	// Every dropped source must have been closed before redialing.
	closedAll := true
	sources.Range(func(k, v any) bool {
		n := k.(int64)
		if n < dials.Load() && !v.(*fakeSource).closed.Load() {
			closedAll = false
		}
		return true
	})
	if !closedAll {
		t.Error("a dropped source was not closed before redialing")
	}
}

func TestSubscription_DialFailureRetries(t *testing.T) {
	var dials atomic.Int64
	dial := func(ctx context.Context) (TradeSource, error) {
		if dials.Add(1) <= 2 {
			return nil, errors.New("connection refused")
		}
		return &fakeSource{trades: []*domain.Trade{newTrade("0x1")}, stayUp: true}, nil
	}

	sink := &collectSink{}
	sub := NewSubscription(SubscriptionOptions{
		Source:         domain.Source("pancake"),
		Dial:           dial,
		Sink:           sink.handle,
		ReconnectDelay: 5 * time.Millisecond,
		Logger:         discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)

	waitFor(t, time.Second, func() bool { return sub.State() == StateLive }, "subscription never went live after dial failures")
	if dials.Load() != 3 {
		t.Errorf("dials = %d, want 3", dials.Load())
	}
	if sink.len() != 1 {
		t.Errorf("sink got %d trades, want 1", sink.len())
	}
}

func TestSubscription_StateTransitions(t *testing.T) {
	// The first dial hands out a channel the test controls; later dials block
	// so the state machine parks in connecting.
	release := make(chan struct{})
	firstCh := make(chan *domain.Trade)
	var dials atomic.Int64
	dial := func(ctx context.Context) (TradeSource, error) {
		if dials.Add(1) == 1 {
			return sourceFunc{
				subscribe: func(context.Context) (<-chan *domain.Trade, error) { return firstCh, nil },
				close:     func() error { return nil },
			}, nil
		}
		<-release
		return &fakeSource{stayUp: true}, nil
	}

	sub := NewSubscription(SubscriptionOptions{
		Source:         domain.Source("pancake"),
		Dial:           dial,
		Sink:           (&collectSink{}).handle,
		ReconnectDelay: 50 * time.Millisecond,
		Logger:         discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)

	waitFor(t, time.Second, func() bool { return sub.State() == StateLive }, "never reached live")

	// Drop the connection: the channel close must move the state machine
	// through disconnected into the next connect attempt.
	close(firstCh)
	waitFor(t, time.Second, func() bool { return sub.State() == StateDisconnected }, "never reached disconnected after channel close")
	waitFor(t, time.Second, func() bool { return sub.State() == StateConnecting }, "never re-entered connecting")
	close(release)
}

// sourceFunc adapts bare functions to TradeSource.
type sourceFunc struct {
	subscribe func(context.Context) (<-chan *domain.Trade, error)
	close     func() error
}

func (s sourceFunc) Subscribe(ctx context.Context) (<-chan *domain.Trade, error) {
	return s.subscribe(ctx)
}

func (s sourceFunc) Close() error { return s.close() }

func TestSubscription_FixedRetryDelay(t *testing.T) {
	var mu sync.Mutex
	var attempts []time.Time
	dial := func(ctx context.Context) (TradeSource, error) {
		mu.Lock()
		attempts = append(attempts, time.Now())
		mu.Unlock()
		return nil, errors.New("connection refused")
	}

	delay := 20 * time.Millisecond
	sub := NewSubscription(SubscriptionOptions{
		Source:         domain.Source("pancake"),
		Dial:           dial,
		Sink:           (&collectSink{}).handle,
		ReconnectDelay: delay,
		Logger:         discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go sub.Run(ctx)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) >= 4
	}, "expected at least 4 attempts")
	cancel()

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < 4; i++ {
		gap := attempts[i].Sub(attempts[i-1])
		if gap < delay {
			t.Errorf("gap %d = %v, want at least the fixed delay %v", i, gap, delay)
		}
		// No backoff growth either.
		if gap > delay*10 {
			t.Errorf("gap %d = %v, far above the fixed delay %v", i, gap, delay)
		}
	}
}

func TestSubscription_InitialConnectNotCountedAsReconnect(t *testing.T) {
	source := domain.Source("reconnect-count")
	counter := observability.DefaultMetrics.Reconnects.WithLabelValues(source.String())
	base := testutil.ToFloat64(counter)

	var dials atomic.Int64
	dial := func(ctx context.Context) (TradeSource, error) {
		if dials.Add(1) <= 2 {
			return nil, errors.New("connection refused")
		}
		return &fakeSource{stayUp: true}, nil
	}

	sub := NewSubscription(SubscriptionOptions{
		Source:         source,
		Dial:           dial,
		Sink:           (&collectSink{}).handle,
		ReconnectDelay: 5 * time.Millisecond,
		Logger:         discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)

	waitFor(t, time.Second, func() bool { return sub.State() == StateLive }, "subscription never went live")

	// Three attempts total: the initial connect plus two retries.
	if got := testutil.ToFloat64(counter) - base; got != 2 {
		t.Errorf("reconnects counter = %v, want 2", got)
	}
}

func TestSubscription_CancelDuringRetryWait(t *testing.T) {
	dial := func(ctx context.Context) (TradeSource, error) {
		return nil, errors.New("connection refused")
	}

	sub := NewSubscription(SubscriptionOptions{
		Source:         domain.Source("pancake"),
		Dial:           dial,
		Sink:           (&collectSink{}).handle,
		ReconnectDelay: time.Hour,
		Logger:         discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	waitFor(t, time.Second, func() bool { return sub.State() == StateDisconnected }, "never entered the retry wait")
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation during retry wait")
	}
}
