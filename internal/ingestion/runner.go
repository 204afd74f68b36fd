package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"dex-trade-feed/internal/broadcast"
	"dex-trade-feed/internal/domain"
	"dex-trade-feed/internal/observability"
	"dex-trade-feed/internal/storage"
)

// seenLimit bounds the dedup window. Large enough to cover a reconnect
// replay, small enough to stay irrelevant for memory.
const seenLimit = 1024

// RunnerOptions contains configuration for creating a Runner.
type RunnerOptions struct {
	History     storage.TradeHistory
	Broadcaster *broadcast.Broadcaster
	// Archive is optional; it feeds the wallet query endpoint.
	Archive storage.TradeArchive
	// Snapshots is optional durability across restarts.
	Snapshots storage.SnapshotStore
	// Backfiller is optional; it runs once when history starts empty.
	Backfiller *Backfiller
	Logger     *log.Logger
}

// Runner wires upstream subscriptions into the shared history and the
// broadcaster. All subscriptions funnel through HandleTrade, which is the
// only writer of live trades into history.
type Runner struct {
	history     storage.TradeHistory
	broadcaster *broadcast.Broadcaster
	archive     storage.TradeArchive
	snapshots   storage.SnapshotStore
	backfiller  *Backfiller
	logger      *log.Logger

	subs []*Subscription

	// Serializes cold-start backfill runs triggered from Run and from
	// subscriber attaches.
	backfillMu sync.Mutex

	// Dedup of events delivered by more than one upstream or replayed
	// across a reconnect. Keyed by (hash, logIndex); unknown hashes are
	// not deduplicable and always pass.
	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenQueue []string
}

// NewRunner creates a new ingestion runner.
func NewRunner(opts RunnerOptions) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		history:     opts.History,
		broadcaster: opts.Broadcaster,
		archive:     opts.Archive,
		snapshots:   opts.Snapshots,
		backfiller:  opts.Backfiller,
		logger:      logger,
		seen:        make(map[string]struct{}, seenLimit),
	}
}

// Add registers a subscription to run. Must be called before Run.
func (r *Runner) Add(sub *Subscription) {
	r.subs = append(r.subs, sub)
}

// Run restores or backfills the history, then drives all subscriptions
// until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.restore()
	r.EnsureBackfilled(ctx)

	var wg sync.WaitGroup
	for _, sub := range r.subs {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			sub.Run(ctx)
		}(sub)
	}
	wg.Wait()
	return ctx.Err()
}

// EnsureBackfilled runs the backfiller when the history is empty. Safe to
// call concurrently; a failure is logged and leaves history unchanged so the
// next empty-history trigger tries again.
func (r *Runner) EnsureBackfilled(ctx context.Context) {
	if r.backfiller == nil {
		return
	}
	r.backfillMu.Lock()
	defer r.backfillMu.Unlock()

	if !r.history.IsEmpty() {
		return
	}
	if err := r.backfiller.Run(ctx); err != nil {
		r.logger.Printf("backfill failed, serving empty history: %v", err)
	}
}

// restore loads the persisted snapshot into an empty history.
func (r *Runner) restore() {
	if r.snapshots == nil || !r.history.IsEmpty() {
		return
	}
	trades, err := r.snapshots.Load()
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.Printf("snapshot load failed: %v", err)
		}
		return
	}
	r.history.Replace(trades)
	observability.SetHistoryLength(r.history.Len())
	r.logger.Printf("restored %d trades from snapshot", r.history.Len())
}

// HandleTrade is the sink for every subscription: insert into history,
// publish to subscribers, then best-effort archive and snapshot writes.
func (r *Runner) HandleTrade(ctx context.Context, trade *domain.Trade) {
	if trade == nil {
		return
	}
	if !r.markSeen(trade) {
		return
	}

	// Insert and fan-out are one atomic step, so a subscriber attaching
	// concurrently sees the trade in its snapshot or its stream, not both.
	if err := r.broadcaster.Ingest(trade); err != nil {
		r.logger.Printf("history insert failed: %v", err)
		return
	}
	observability.RecordTradeIngested(trade.Source.String())
	observability.SetHistoryLength(r.history.Len())
	observability.RecordBroadcast()

	if r.archive != nil {
		if err := r.archive.Insert(ctx, trade); err != nil {
			r.logger.Printf("archive insert failed for %s: %v", trade.Hash, err)
		}
	}
	if r.snapshots != nil {
		if err := r.snapshots.Save(r.history.Snapshot()); err != nil {
			r.logger.Printf("snapshot save failed: %v", err)
		}
	}
}

// markSeen reports whether the trade is new within the dedup window and
// records it. Trades without a usable identity always pass.
func (r *Runner) markSeen(trade *domain.Trade) bool {
	if trade.Hash == domain.UnknownHash || trade.Hash == "" {
		return true
	}
	key := fmt.Sprintf("%s|%d", trade.Hash, trade.LogIndex)

	r.seenMu.Lock()
	defer r.seenMu.Unlock()

	if _, dup := r.seen[key]; dup {
		return false
	}
	r.seen[key] = struct{}{}
	r.seenQueue = append(r.seenQueue, key)
	if len(r.seenQueue) > seenLimit {
		oldest := r.seenQueue[0]
		r.seenQueue = r.seenQueue[1:]
		delete(r.seen, oldest)
	}
	return true
}
