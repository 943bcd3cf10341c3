package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"servo/engine"
	"servo/engine/adapters/api"
	"servo/engine/config"
	"servo/engine/telemetry/logging"
)

func main() {
	var (
		configPath  string
		watchConfig bool
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "Path to the YAML configuration file (defaults apply when omitted)")
	flag.BoolVar(&watchConfig, "watch-config", true, "Hot-reload the configuration file on change")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("servod 1.0")
		return
	}
	if err := run(configPath, watchConfig); err != nil {
		fmt.Fprintln(os.Stderr, "servod:", err)
		os.Exit(1)
	}
}

func run(configPath string, watchConfig bool) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logger := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	slog.SetDefault(logger)

	store := config.NewStore(cfg, configPath, logger)
	defer store.Close()
	if watchConfig && configPath != "" {
		if err := store.Watch(); err != nil {
			logger.Warn("config watch unavailable", "err", err)
		}
	}

	eng, err := engine.New(store, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return err
	}

	server := api.NewServer(eng, store.Current(), logger)
	server.OnShutdown = stop
	go server.Hub().Run()

	addr := fmt.Sprintf("%s:%d", cfg.Network.Host, cfg.Network.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("api server failed", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	server.Hub().Close()
	return eng.Shutdown(shutdownCtx)
}
