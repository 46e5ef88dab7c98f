// Command faasd runs the single-node FaaS control plane: it serves the
// Control API, materializes images into rootfs directories, and launches a
// fresh container per accepted connection via runc.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/p-arndt/faasd/internal/api"
	"github.com/p-arndt/faasd/internal/config"
	"github.com/p-arndt/faasd/internal/daemon"
	"github.com/p-arndt/faasd/internal/lifecycle"
	"github.com/p-arndt/faasd/internal/registry"
)

func main() {
	cfgPath := flag.String("config", "", "path to faasd.yaml")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	if err := lifecycle.CheckPrivilege(); err != nil {
		logger.Error("insufficient privilege to run faasd", "error", err)
		os.Exit(1)
	}

	reg, err := registry.Open(filepath.Join(cfg.DataRoot, "registry.yaml"), registry.Options{
		CIDR:      cfg.AddressPool.CIDR,
		StartHost: cfg.AddressPool.StartHost,
		EndHost:   cfg.AddressPool.EndHost,
	})
	if err != nil {
		logger.Error("open registry", "error", err)
		os.Exit(1)
	}

	d := daemon.New(cfg, reg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		logger.Error("start daemon", "error", err)
		os.Exit(1)
	}

	srv := api.NewServer(d, logger)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownDrain)
		defer shutdownCancel()

		if err := d.Shutdown(shutdownCtx); err != nil {
			logger.Warn("daemon shutdown reported error", "error", err)
		}
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.ListenAddr)
	fmt.Fprintf(os.Stderr, "\n  faasd control plane ready at http://%s\n\n", cfg.ListenAddr)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
