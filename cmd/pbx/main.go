package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sebas/switchpbx/internal/banner"
	"github.com/sebas/switchpbx/internal/config"
	"github.com/sebas/switchpbx/internal/logger"
	"github.com/sebas/switchpbx/internal/pbx"
	"github.com/sebas/switchpbx/internal/pbxapi"
	"github.com/sebas/switchpbx/internal/pbxnet"
)

func main() {
	cfg := config.Load()

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	if cfg.Port < 1 || cfg.Port > 65535 {
		fmt.Fprintf(os.Stderr, "switchpbx: invalid port %d\n", cfg.Port)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "switchpbx: bind %s: %v\n", addr, err)
		os.Exit(1)
	}

	registry := pbx.New(cfg.MaxExtensions)
	server := pbxnet.NewServer(registry, cfg.MaxExtensions)

	banner.Print("switchpbx", []banner.ConfigLine{
		{Label: "Listen", Value: addr},
		{Label: "Max extensions", Value: fmt.Sprintf("%d", cfg.MaxExtensions)},
		{Label: "Log level", Value: cfg.LogLevel},
		{Label: "Shutdown grace", Value: cfg.ShutdownGrace.String()},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.StatusAddr != "" {
		go func() {
			slog.Info("[Main] Status endpoint listening", "addr", cfg.StatusAddr)
			if err := http.ListenAndServe(cfg.StatusAddr, pbxapi.Handler(registry, cfg.MaxExtensions)); err != nil {
				slog.Warn("[Main] Status endpoint stopped", "error", err)
			}
		}()
	}

	go func() {
		slog.Info("[Main] Accepting connections", "addr", addr)
		if err := server.Serve(ctx, ln); err != nil {
			slog.Error("[Main] Serve error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("[Main] Received signal, shutting down", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("[Main] Shutdown did not fully drain", "error", err)
	}
}
