package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mnemosyne-audit/mnemosyne/pkg/config"
	"github.com/mnemosyne-audit/mnemosyne/pkg/hermes/audit"
	"github.com/mnemosyne-audit/mnemosyne/pkg/olympus"
	"github.com/mnemosyne-audit/mnemosyne/pkg/themis"
)

func main() {
	configFile := flag.String("config", "", "config file (default: search for mnemosyne.yaml)")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := olympus.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	logger := rt.Log

	queue, err := rt.Queue()
	if err != nil {
		return err
	}
	dispatcher, err := rt.Dispatcher(queue)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
			stop()
		}
	}()

	rt.Logger.TryLog(ctx, themis.ChannelSystem, "STARTUP", audit.Event{
		Details: map[string]any{"component": "mnemosyne-ingestd", "redis": cfg.Redis.Addr},
	})
	logger.Info("Ingest daemon started", "metrics_addr", cfg.Metrics.Addr, "redis", cfg.Redis.Addr)

	runErr := dispatcher.Run(ctx)

	logger.Info("Shutting down ingest daemon...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server forced to shutdown", "error", err)
	}

	rt.Logger.TryLog(context.Background(), themis.ChannelSystem, "SHUTDOWN", audit.Event{
		Details: map[string]any{"component": "mnemosyne-ingestd"},
	})
	logger.Info("Ingest daemon exited")
	return runErr
}
