// Package main is keyfront's entrypoint: a BFF security gateway that
// terminates OIDC sessions server-side, enforces the request-gateway
// middleware chain, and reverse-proxies to a downstream API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"keyfront/internal/config"
	"keyfront/internal/gateway"
)

func main() {
	zapLog, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	log := zapr.NewLogger(zapLog)

	cfg, err := config.Load()
	if err != nil {
		log.Error(err, "invalid configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := gateway.New(ctx, cfg, log)
	if err != nil {
		log.Error(err, "failed to initialize gateway")
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     app.Handler(),
		ReadTimeout: 30 * time.Second,
		// No write timeout: the WebSocket bridge and streamed proxy
		// responses are long-lived.
	}
	log.Info("keyfront listening", "addr", srv.Addr, "env", cfg.NodeEnv)

	srvErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error(err, "server shutdown error")
		}
		if err := app.Shutdown(shutdownCtx); err != nil {
			log.Error(err, "component shutdown error")
		}
	case err := <-srvErr:
		if err != nil {
			log.Error(err, "server failed")
			os.Exit(1)
		}
	}
}
