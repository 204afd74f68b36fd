// Package main runs the trade feed server: chain and external-stream
// ingestion, the bounded trade history, the subscriber fan-out websocket and
// the wallet query endpoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"dex-trade-feed/internal/broadcast"
	"dex-trade-feed/internal/decode"
	"dex-trade-feed/internal/domain"
	"dex-trade-feed/internal/evm"
	"dex-trade-feed/internal/ingestion"
	"dex-trade-feed/internal/observability"
	"dex-trade-feed/internal/storage"
	filestore "dex-trade-feed/internal/storage/file"
	"dex-trade-feed/internal/storage/memory"
	pgstore "dex-trade-feed/internal/storage/postgres"
)

func main() {
	// Load .env file if exists; system env vars win.
	godotenv.Load()

	rpcEndpoint := flag.String("rpc-endpoint", os.Getenv("CHAIN_RPC_ENDPOINT"), "Chain JSON-RPC HTTP endpoint")
	wsEndpoint := flag.String("ws-endpoint", os.Getenv("CHAIN_WS_ENDPOINT"), "Chain WebSocket endpoint")
	externalEndpoint := flag.String("external-endpoint", os.Getenv("EXTERNAL_STREAM_ENDPOINT"), "External transaction stream endpoint (optional)")
	pairs := flag.String("pairs", os.Getenv("PAIRS"), "Comma-separated source=pairAddress list, e.g. pancake=0xabc...")
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string for the trade archive (optional)")
	snapshotFile := flag.String("snapshot-file", os.Getenv("SNAPSHOT_FILE"), "Path for the persisted history snapshot (optional)")
	tokenDecimals := flag.Int("token-decimals", 6, "Tracked asset decimal exponent")
	baseDecimals := flag.Int("base-decimals", 18, "Settlement asset decimal exponent")
	assetTicker := flag.String("asset-ticker", "TOKEN", "Display ticker attached to decoded trades")
	assetImage := flag.String("asset-image", "", "Display image reference attached to decoded trades")
	historyCapacity := flag.Int("history-capacity", memory.DefaultHistoryCapacity, "Maximum trades kept in history")
	reconnectDelay := flag.Duration("reconnect-delay", ingestion.DefaultReconnectDelay, "Wait between upstream reconnect attempts")
	attachDebounce := flag.Duration("attach-debounce", broadcast.DefaultDebounce, "Minimum interval between accepted attaches per origin")
	lookbackBlocks := flag.Int64("lookback-blocks", ingestion.DefaultLookbackBlocks, "Historical block window for cold-start backfill")
	queryLookback := flag.Duration("query-lookback", 24*time.Hour, "Lookback window for the wallet query endpoint")
	addr := flag.String("addr", ":8080", "HTTP listen address")

	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile)

	pairList, err := resolvePairs(*pairs)
	if err != nil {
		logger.Fatalf("invalid --pairs: %v", err)
	}
	if len(pairList) == 0 && *externalEndpoint == "" {
		logger.Fatal("no upstream configured: set --pairs and/or --external-endpoint")
	}
	if len(pairList) > 0 {
		if *rpcEndpoint == "" {
			logger.Fatal("--rpc-endpoint is required when pairs are configured")
		}
		if *wsEndpoint == "" {
			logger.Fatal("--ws-endpoint is required when pairs are configured")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	history := memory.NewTradeHistory(*historyCapacity)
	broadcaster := broadcast.New(history, broadcast.Config{Debounce: *attachDebounce})

	archive, cleanup, err := createArchive(ctx, *postgresDSN)
	if err != nil {
		logger.Fatalf("create archive: %v", err)
	}
	defer cleanup()

	var snapshots storage.SnapshotStore
	if *snapshotFile != "" {
		snapshots = filestore.NewSnapshotStore(*snapshotFile)
	}

	// Decoders and backfill, one per tracked pair.
	decoders := make(map[domain.Source]*decode.SwapDecoder, len(pairList))
	backfillPairs := make([]ingestion.BackfillPair, 0, len(pairList))
	for _, p := range pairList {
		d := decode.NewSwapDecoder(decode.PairConfig{
			Source:        p.source,
			TokenDecimals: int32(*tokenDecimals),
			BaseDecimals:  int32(*baseDecimals),
			AssetTicker:   *assetTicker,
			AssetImage:    *assetImage,
		})
		decoders[p.source] = d
		backfillPairs = append(backfillPairs, ingestion.BackfillPair{
			Source:  p.source,
			Address: p.address,
			Decoder: d,
		})
	}

	var backfiller *ingestion.Backfiller
	if len(backfillPairs) > 0 {
		backfiller = ingestion.NewBackfiller(ingestion.BackfillOptions{
			RPC:            evm.NewHTTPClient(*rpcEndpoint),
			Pairs:          backfillPairs,
			LookbackBlocks: *lookbackBlocks,
			History:        history,
			Logger:         log.New(os.Stdout, "[backfill] ", log.LstdFlags),
		})
	}

	runner := ingestion.NewRunner(ingestion.RunnerOptions{
		History:     history,
		Broadcaster: broadcaster,
		Archive:     archive,
		Snapshots:   snapshots,
		Backfiller:  backfiller,
		Logger:      log.New(os.Stdout, "[ingestion] ", log.LstdFlags),
	})

	// A subscriber attaching to an empty history triggers a cold-start
	// backfill so its snapshot is not needlessly empty.
	broadcaster.OnEmptyAttach(func() { runner.EnsureBackfilled(ctx) })

	ingestionLogger := log.New(os.Stdout, "[ingestion] ", log.LstdFlags)
	for _, p := range pairList {
		dial := func(ctx context.Context) (ingestion.TradeSource, error) {
			// Fresh connection per attempt; the old one is discarded wholesale.
			client, err := evm.NewWSClient(ctx, *wsEndpoint, nil)
			if err != nil {
				return nil, err
			}
			return ingestion.NewChainSwapSource(client, decoders[p.source], p.source, p.address, ingestionLogger), nil
		}
		runner.Add(ingestion.NewSubscription(ingestion.SubscriptionOptions{
			Source:         p.source,
			Dial:           dial,
			Sink:           runner.HandleTrade,
			ReconnectDelay: *reconnectDelay,
			Logger:         ingestionLogger,
		}))
	}

	if *externalEndpoint != "" {
		externalDecoder := decode.NewExternalDecoder(*assetTicker, *assetImage)
		runner.Add(ingestion.NewSubscription(ingestion.SubscriptionOptions{
			Source:         domain.SourceExternal,
			Dial:           ingestion.DialExternalStream(*externalEndpoint, externalDecoder, ingestionLogger),
			Sink:           runner.HandleTrade,
			ReconnectDelay: *reconnectDelay,
			Logger:         ingestionLogger,
		}))
	}

	// Handle shutdown signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("received signal %v, shutting down...", sig)
		cancel()

		select {
		case sig := <-sigCh:
			logger.Printf("received second signal %v, forcing exit", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Println("graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		}
	}()

	srv := &server{
		archive:       archive,
		queryLookback: *queryLookback,
		logger:        logger,
	}
	go srv.serveHTTP(*addr, broadcaster, logger)

	logger.Printf("starting: %d pair feed(s), external=%v, capacity=%d", len(pairList), *externalEndpoint != "", *historyCapacity)
	if err := runner.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatalf("runner error: %v", err)
	}
	logger.Println("shutdown complete")
}

// pairEntry is one source=address entry from --pairs.
type pairEntry struct {
	source  domain.Source
	address string
}

// resolvePairs parses the --pairs flag.
func resolvePairs(s string) ([]pairEntry, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var list []pairEntry
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("expected source=address, got %q", entry)
		}
		list = append(list, pairEntry{
			source:  domain.Source(strings.TrimSpace(parts[0])),
			address: strings.TrimSpace(parts[1]),
		})
	}
	return list, nil
}

// createArchive selects the trade archive implementation.
func createArchive(ctx context.Context, postgresDSN string) (storage.TradeArchive, func(), error) {
	if postgresDSN == "" {
		return memory.NewTradeArchive(), func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	archive := pgstore.NewTradeArchive(pool)
	if err := archive.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return archive, func() { pool.Close() }, nil
}

// server holds the HTTP query surface.
type server struct {
	archive       storage.TradeArchive
	queryLookback time.Duration
	logger        *log.Logger
}

// serveHTTP starts the HTTP server for health, metrics, the subscriber
// websocket and the wallet query endpoint.
func (s *server) serveHTTP(addr string, broadcaster *broadcast.Broadcaster, logger *log.Logger) {
	mux := http.NewServeMux()

	// Health check, pinged by the external keep-alive.
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.Handle("/metrics", observability.Handler())
	mux.Handle("/ws", broadcast.NewWSHandler(broadcaster, log.New(os.Stdout, "[ws-sub] ", log.LstdFlags)))
	mux.HandleFunc("/trades", s.handleTrades)

	logger.Printf("HTTP server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Printf("HTTP server error: %v", err)
	}
}

// handleTrades returns archived trades for one wallet over the fixed
// lookback window, most recent first.
func (s *server) handleTrades(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		http.Error(w, "missing wallet parameter", http.StatusBadRequest)
		return
	}

	trades, err := s.archive.GetByWallet(r.Context(), wallet, s.queryLookback)
	if err != nil {
		s.logger.Printf("wallet query failed: %v", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []*domain.Trade{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}
