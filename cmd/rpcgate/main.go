// rpcgate is a resilient access layer for third-party Solana RPC
// endpoints. It fronts a prioritized endpoint fleet with failure-aware
// blacklisting, sticky routing, retrying dispatch, response caching,
// pooled client handles, and a hybrid transaction confirmation engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/buyve/rpcgate/internal/config"
	"github.com/buyve/rpcgate/pkg/blockhash"
	"github.com/buyve/rpcgate/pkg/clientpool"
	"github.com/buyve/rpcgate/pkg/confirm"
	"github.com/buyve/rpcgate/pkg/dispatch"
	"github.com/buyve/rpcgate/pkg/endpoints"
	"github.com/buyve/rpcgate/pkg/gateway"
	"github.com/buyve/rpcgate/pkg/journal"
)

// Version information.
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags. Environment variables provide deployment defaults;
// flags override them.
var (
	addr          = flag.String("addr", "", "Gateway listen address (default :8899)")
	wsEndpoint    = flag.String("ws-endpoint", "", "Websocket endpoint for confirmation subscriptions")
	journalPath   = flag.String("journal-path", "", "Health event journal file (empty disables)")
	logLevel      = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	poolSize      = flag.Int("pool-size", clientpool.DefaultSize, "Persistent RPC client handles")
	cacheTTL      = flag.Duration("cache-ttl", blockhash.DefaultTTL, "Blockhash cache TTL")
	confirmBudget = flag.Duration("confirm-budget", confirm.DefaultBudget, "Per-confirmation time budget")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("rpcgate %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	logger, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("gateway exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	env, err := config.FromEnv()
	if err != nil {
		return err
	}

	listenAddr := firstNonEmpty(*addr, env.Addr, ":8899")
	journalFile := firstNonEmpty(*journalPath, env.JournalPath)

	logger.Info("starting rpcgate",
		zap.String("version", Version),
		zap.String("addr", listenAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	registry := endpoints.NewRegistry(env.Endpoints)
	logger.Info("endpoint fleet",
		zap.Int("count", registry.Len()),
		zap.String("primary", registry.Primary()))

	blacklist := endpoints.NewBlacklist(env.Cooldowns, logger)
	selector := endpoints.NewSelector(registry, blacklist)

	var jnl *journal.Journal
	if journalFile != "" {
		jnl, err = journal.Open(journalFile)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer jnl.Close()
		blacklist.SetOnChange(jnl.Recorder())
	}

	dispatcher := dispatch.New(selector, dispatch.DefaultConfig(), logger)

	healthy := func(url string) bool { return !blacklist.IsBlacklisted(url) }
	cache := blockhash.New(dispatcher, healthy, *cacheTTL, logger)

	pool := clientpool.New(registry.Primary(), *poolSize, dispatcher, logger)

	wsURL := firstNonEmpty(*wsEndpoint, env.WSEndpoint, wsFromHTTP(registry.Primary()))
	engine := confirm.NewEngine(pool, wsURL, *confirmBudget, confirm.NewRing(), logger)

	gwConfig := gateway.DefaultConfig()
	gwConfig.Addr = listenAddr
	server := gateway.New(gwConfig, cache, pool, registry, selector,
		dispatcher.Counters, engine, jnl, logger)

	return server.Start(ctx)
}

// newLogger builds a production zap logger at the requested level.
func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// wsFromHTTP derives a websocket URL from an HTTP endpoint.
func wsFromHTTP(url string) string {
	switch {
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	default:
		return url
	}
}

// firstNonEmpty returns the first non-empty string.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
