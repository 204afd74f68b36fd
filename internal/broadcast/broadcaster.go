// Package broadcast fans newly ingested trades out to attached subscribers
// and serves each new subscriber its one-shot history snapshot.
package broadcast

import (
	"errors"
	"sync"
	"time"

	"dex-trade-feed/internal/domain"
	"dex-trade-feed/internal/observability"
	"dex-trade-feed/internal/storage"
)

// Subscriber protocol message types.
const (
	MessageTypeSnapshot = "snapshot"
	MessageTypeTrade    = "trade"
)

// Message is one frame of the subscriber protocol: either the full history
// snapshot (sent exactly once, first) or a single new trade.
type Message struct {
	Type   string          `json:"type"`
	Trade  *domain.Trade   `json:"trade,omitempty"`
	Trades []*domain.Trade `json:"trades,omitempty"`
}

// ErrAttachThrottled is returned when an origin reattaches within the
// debounce interval.
var ErrAttachThrottled = errors.New("origin reattached within debounce interval")

// Default tuning.
const (
	DefaultDebounce = 5 * time.Second
	DefaultBuffer   = 256
)

// Subscriber is one attached real-time consumer.
type Subscriber struct {
	origin string
	ch     chan Message
}

// Messages returns the subscriber's delivery channel. It is closed on detach.
func (s *Subscriber) Messages() <-chan Message {
	return s.ch
}

// Origin returns the origin key the subscriber attached with.
func (s *Subscriber) Origin() string {
	return s.origin
}

// Config tunes the broadcaster.
type Config struct {
	// Debounce is the minimum interval between accepted attaches from the
	// same origin.
	Debounce time.Duration
	// Buffer is the per-subscriber channel depth. A subscriber whose buffer
	// fills is detached so it cannot stall delivery to others.
	Buffer int
}

// Broadcaster publishes each new trade to every attached subscriber.
//
// Attach computes the snapshot, registers the channel and enqueues the
// snapshot message under one lock, so a trade published concurrently with an
// attach lands in exactly one of {snapshot, first streamed message}.
type Broadcaster struct {
	mu          sync.Mutex
	history     storage.TradeHistory
	subs        map[*Subscriber]struct{}
	lastAttach  map[string]time.Time
	debounce    time.Duration
	buffer      int
	dropped     int64
	now         func() time.Time
	emptyAttach func()
}

// New creates a broadcaster serving snapshots from the given history.
func New(history storage.TradeHistory, cfg Config) *Broadcaster {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	return &Broadcaster{
		history:    history,
		subs:       make(map[*Subscriber]struct{}),
		lastAttach: make(map[string]time.Time),
		debounce:   cfg.Debounce,
		buffer:     cfg.Buffer,
		now:        time.Now,
	}
}

// OnEmptyAttach registers a hook invoked when a subscriber attaches while
// the history is empty, before its snapshot is computed. Used to trigger a
// cold-start backfill so the first subscriber does not get an empty snapshot.
func (b *Broadcaster) OnEmptyAttach(fn func()) {
	b.mu.Lock()
	b.emptyAttach = fn
	b.mu.Unlock()
}

// Attach registers a new subscriber for the given origin. The subscriber's
// first message is the full history snapshot, exactly once. Returns
// ErrAttachThrottled when the origin attached within the debounce interval.
func (b *Broadcaster) Attach(origin string) (*Subscriber, error) {
	b.mu.Lock()
	now := b.now()
	if last, ok := b.lastAttach[origin]; ok && now.Sub(last) < b.debounce {
		b.mu.Unlock()
		return nil, ErrAttachThrottled
	}
	// Entries past the debounce window no longer throttle anything; dropping
	// them here keeps the map bounded by recent origins.
	for o, last := range b.lastAttach {
		if now.Sub(last) >= b.debounce {
			delete(b.lastAttach, o)
		}
	}
	b.lastAttach[origin] = now
	hook := b.emptyAttach
	b.mu.Unlock()

	// Filling the history may hit the network, so it runs outside the lock.
	if hook != nil && b.history.IsEmpty() {
		hook()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		origin: origin,
		ch:     make(chan Message, b.buffer),
	}
	// Fresh buffered channel, cannot block.
	sub.ch <- Message{Type: MessageTypeSnapshot, Trades: b.history.Snapshot()}
	b.subs[sub] = struct{}{}

	return sub, nil
}

// Ingest inserts a trade into history and fans it out, both under the
// broadcaster lock. Attach holds the same lock across snapshot and
// registration, so a subscriber attaching concurrently observes the trade in
// exactly one of its snapshot or its stream, never both and never neither.
func (b *Broadcaster) Ingest(trade *domain.Trade) error {
	if trade == nil {
		return storage.ErrInvalidInput
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.history.Insert(trade); err != nil {
		return err
	}
	b.publishLocked(trade)
	return nil
}

// Publish delivers one new trade to every attached subscriber in global
// publish order. Used for trades already present in history; live ingestion
// goes through Ingest so insert and fan-out stay atomic.
func (b *Broadcaster) Publish(trade *domain.Trade) {
	if trade == nil {
		return
	}
	b.mu.Lock()
	b.publishLocked(trade)
	b.mu.Unlock()
}

// publishLocked fans one trade out to every attached subscriber. A subscriber
// with a full buffer is detached; delivery never blocks on a slow consumer.
// Caller holds b.mu.
func (b *Broadcaster) publishLocked(trade *domain.Trade) {
	msg := Message{Type: MessageTypeTrade, Trade: trade}
	for sub := range b.subs {
		select {
		case sub.ch <- msg:
		default:
			b.detachLocked(sub)
			b.dropped++
			observability.RecordSubscriberDropped()
		}
	}
}

// Detach removes a subscriber from the fan-out set and closes its channel.
// Idempotent; detaching an unknown subscriber is a no-op.
func (b *Broadcaster) Detach(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	b.detachLocked(sub)
	b.mu.Unlock()
}

// detachLocked removes and closes a subscriber. Caller holds b.mu.
func (b *Broadcaster) detachLocked(sub *Subscriber) {
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Count returns the number of attached subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many subscribers were detached for falling behind.
func (b *Broadcaster) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
