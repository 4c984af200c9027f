package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"picavault/internal/api"
	"picavault/internal/config"
	"picavault/internal/engine"
	"picavault/internal/library"
	"picavault/internal/logger"
	"picavault/internal/storage"
)

func main() {
	cfg := config.FromEnv()

	log, err := logger.New(cfg.Storage, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		os.Exit(1)
	}

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		log.Error("storage init failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	lib := library.New(cfg.Storage, store)
	eng := engine.New(store, lib, cfg.Policy, log, cfg.Debug)
	if err := eng.Start(); err != nil {
		log.Error("engine start failed", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(eng, store, lib, cfg.APIKey)
	addr := fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", addr, "storage", cfg.Storage)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		log.Info("shutting down")
	case err := <-serveErr:
		log.Error("http server failed", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
	if err := eng.Shutdown(ctx); err != nil {
		log.Warn("workers still in flight at shutdown", "error", err)
	}
}
