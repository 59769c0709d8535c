// Command marketdata runs the Polymarket real-time market-data core: a
// WS session manager feeding a decoder that keeps a registry of per-asset
// order books up to date.
//
// Architecture:
//
//	main.go                 — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	pkg/fixedpoint          — fixed-point price/quantity arithmetic (C1)
//	internal/book           — per-asset order book (C2)
//	internal/registry       — concurrent asset_id -> book map, stale-book reaper (C3)
//	internal/decode         — zero-copy WS message decoder (C4)
//	internal/wsfeed         — WS session manager: connect, subscribe, reconnect (C5)
//	internal/exchange       — REST seam (book snapshot + server time) and L1/L2 auth
//	internal/config         — YAML + env configuration
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"polybook/internal/config"
	"polybook/internal/decode"
	"polybook/internal/exchange"
	"polybook/internal/registry"
	"polybook/internal/wsfeed"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	auth, err := exchange.NewAuth(*cfg)
	if err != nil {
		logger.Error("failed to build auth", "error", err)
		os.Exit(1)
	}
	client := exchange.NewClient(*cfg, auth, logger)

	reg := registry.New(cfg.Book.MaxDepth)
	decoder := decode.New(reg)
	session := wsfeed.New(cfg.API.WSMarketURL, decoder, logger)
	session.SetBookPrefetcher(client)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		if err := session.Run(ctx); err != nil {
			logger.Error("market session exited", "error", err)
		}
	}()

	go drainEvents(ctx, session, logger)
	go reapStaleBooks(ctx, reg, client, cfg.Book.CleanupInterval, cfg.Book.StaleAfter, logger)

	logger.Info("market-data core started",
		"ws_market_url", cfg.API.WSMarketURL,
		"book_max_depth", cfg.Book.MaxDepth,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	session.Close()
}

// drainEvents logs a sample of decoded stream events; a real consumer
// would instead feed these into a downstream pricing or strategy layer.
func drainEvents(ctx context.Context, session *wsfeed.Session, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-session.Events():
			if !ok {
				return
			}
			logger.Debug("event", "kind", ev.Kind.String(), "asset_id", ev.AssetID, "sequence", ev.Sequence)
		}
	}
}

// reapStaleBooks opportunistically removes books that have not been
// updated within staleAfter, reconciling the local clock against the
// CLOB server's clock to tolerate skew.
func reapStaleBooks(ctx context.Context, reg *registry.Registry, client *exchange.Client, interval, staleAfter time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nowMicros := uint64(time.Now().UnixMicro())
			if serverSecs, err := client.GetServerTime(ctx); err == nil {
				nowMicros = serverSecs * 1_000_000
			}
			if removed := reg.CleanupStale(nowMicros, uint64(staleAfter.Microseconds())); removed > 0 {
				logger.Info("cleaned up stale books", "removed", removed)
			}
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
