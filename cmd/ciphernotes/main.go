package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ciphernotes/cfg"
	"ciphernotes/svc/app"
	"ciphernotes/svc/util"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthcheck())
	}

	c, err := cfg.Load()
	if err != nil {
		util.InitLog("info", false)
		util.Fatal().Err(err).Msg("failed to load configuration")
	}
	util.InitLog(c.LogLevel, c.Environment == "development")
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	defer c.Wipe()
	util.Info().
		Str("environment", c.Environment).
		Str("backend", c.StorageBackend).
		Bool("at_rest_sealing", c.AtRestSealing).
		Msg("starting ciphernotes")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := app.Build(ctx, c)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Server.Start()
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		util.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
	case err := <-errCh:
		if err != nil {
			a.Close()
			util.Fatal().Err(err).Msg("server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	cancel()
	a.Close()
	util.Info().Msg("shutdown complete")
}

// healthcheck checks the local instance for container health checks.
func healthcheck() int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3000"
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://127.0.0.1:" + port + "/health")
	if err != nil {
		return 1
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}
