package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"lienvault/config"
	"lienvault/core/events"
	"lienvault/core/types"
	"lienvault/crypto"
	"lienvault/gateway/middleware"
	"lienvault/gateway/routes"
	"lienvault/native/bank"
	"lienvault/native/lien"
	"lienvault/native/market"
	"lienvault/observability"
	"lienvault/observability/logging"
	"lienvault/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("liend", cfg.Log)

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		logger.Error("failed to open state database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	store := storage.NewStore(db)
	custody := crypto.MustDecodeAddress(cfg.CustodyAddress).Array()

	vault := bank.NewBank(store)
	ledger := lien.NewLedger(store)
	liens := lien.NewEngine(ledger, vault, custody)
	marketplace := market.NewEngine(liens, vault, store)

	emitter := &logEmitter{logger: logger}
	liens.SetEmitter(emitter)
	marketplace.SetEmitter(emitter)
	liens.SetPauses(cfg.Pauses)
	marketplace.SetPauses(cfg.Pauses)

	metrics := observability.GatewayMetrics()
	server := &routes.Server{
		Liens:   liens,
		Market:  marketplace,
		Bank:    vault,
		State:   store,
		Metrics: metrics,
		Logger:  logger,
	}
	handler := routes.New(server, routes.Config{
		RateLimiter:   middleware.NewRateLimiter(cfg.RateLimit),
		OperatorToken: cfg.OperatorToken,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("gateway listening",
			slog.String("address", cfg.ListenAddress),
			slog.String("network", cfg.NetworkName),
			slog.String("custody", cfg.CustodyAddress),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway stopped", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", slog.Any("error", err))
	}
}

// logEmitter forwards engine events into the structured log.
type logEmitter struct {
	logger *slog.Logger
}

func (l *logEmitter) Emit(evt events.Event) {
	if carrier, ok := evt.(interface{ Event() *types.Event }); ok {
		payload := carrier.Event()
		attrs := make([]any, 0, 1+len(payload.Attributes))
		attrs = append(attrs, slog.String("event", payload.Type))
		for key, value := range payload.Attributes {
			attrs = append(attrs, slog.String(key, value))
		}
		l.logger.Info("settlement event", attrs...)
		return
	}
	l.logger.Info("settlement event", slog.String("event", evt.EventType()))
}
