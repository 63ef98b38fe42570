// Command gateway runs the chain-rpc-gateway HTTP server: it loads
// configuration, initializes one Chain Instance per configured chain, and
// serves the boundary HTTP API until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/chalabi2/chain-rpc-gateway/internal/balancer"
	"github.com/chalabi2/chain-rpc-gateway/internal/chaininstance"
	"github.com/chalabi2/chain-rpc-gateway/internal/config"
	"github.com/chalabi2/chain-rpc-gateway/internal/healthmon"
	"github.com/chalabi2/chain-rpc-gateway/internal/httpapi"
	"github.com/chalabi2/chain-rpc-gateway/internal/manager"
	"github.com/chalabi2/chain-rpc-gateway/internal/notify"
	"github.com/chalabi2/chain-rpc-gateway/internal/registryfeed"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		// absence of a .env file is normal outside local dev
	}

	logger, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Error("gateway exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("ENVIRONMENT") == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if level, parseErr := zap.ParseAtomicLevel(cfg.LogLevel); parseErr == nil {
		logger = logger.WithOptions(zap.IncreaseLevel(level.Level()))
	}

	reg := prometheus.DefaultRegisterer

	var notifier *notify.Publisher
	if cfg.NotifyURL != "" {
		notifier, err = notify.NewPublisher(cfg.NotifyURL, logger)
		if err != nil {
			logger.Warn("notify bus unavailable, continuing without it", zap.Error(err))
			notifier = nil
		} else {
			defer notifier.Close()
		}
	}

	var stateHook manager.StateChangeHook
	if notifier != nil {
		stateHook = notifier.PublishChainStateChanged
	}
	mgr := manager.New(logger, stateHook)
	for _, chainCfg := range cfg.ChainConfigs() {
		pm, err := registryfeed.NewMetrics(reg)
		if err != nil {
			return fmt.Errorf("registering poller metrics for %s: %w", chainCfg.Key, err)
		}
		hm, err := healthmon.NewMetrics(reg)
		if err != nil {
			return fmt.Errorf("registering monitor metrics for %s: %w", chainCfg.Key, err)
		}
		bm, err := balancer.NewMetrics(reg)
		if err != nil {
			return fmt.Errorf("registering balancer metrics for %s: %w", chainCfg.Key, err)
		}

		client := &http.Client{Timeout: cfg.RequestTimeout()}
		mgr.AddChain(chainCfg, client, chaininstance.Metrics{Poller: pm, Monitor: hm, Balancer: bm})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := mgr.InitializeAll(ctx); err != nil {
		return fmt.Errorf("initializing chains: %w", err)
	}
	defer mgr.ShutdownAll()

	if notifier != nil {
		notifier.PublishManagerReadyChanged(true)
	}

	server := httpapi.NewServer(mgr, logger)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", zap.Int("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serveErr:
		return fmt.Errorf("http server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	return nil
}
