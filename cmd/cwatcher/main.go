// cwatcher is the fleet monitoring daemon: it polls Linux servers over
// SSH, evaluates thresholds, pushes live updates over WebSocket, and
// serves the REST API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "go.uber.org/automaxprocs"

	"github.com/cwatcher/backend/internal/api"
	"github.com/cwatcher/backend/internal/config"
	"github.com/cwatcher/backend/internal/core"
	"github.com/cwatcher/backend/internal/logging"
	"github.com/cwatcher/backend/internal/vault"
)

// Exit codes are part of the supervisor contract.
const (
	exitOK      = 0
	exitConfig  = 1
	exitVault   = 2
	exitStorage = 3
)

const startupTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to YAML config (optional; env overrides apply either way)")
	flag.Parse()

	// A .env is a development convenience; deployments set the real
	// environment.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cwatcher: %v\n", err)
		return exitConfig
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	rt, err := core.New(cfg, core.Deps{Log: log})
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return exitCode(err)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	err = rt.Start(startCtx)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return exitCode(err)
	}

	web := api.New(cfg.ListenAddr, rt, logging.Component(log, "http"))
	webErr := make(chan error, 1)
	go func() { webErr <- web.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-webErr:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}

	// REST drains first; Shutdown does not wait on hijacked WebSocket
	// connections, the hub closes those itself.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := web.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	rt.Shutdown()

	log.Info().Msg("stopped")
	return exitOK
}

// exitCode maps a startup failure onto the documented codes.
func exitCode(err error) int {
	switch {
	case errors.Is(err, vault.ErrMasterKeyMissing):
		return exitVault
	case errors.Is(err, core.ErrStorageUnavailable):
		return exitStorage
	case errors.Is(err, config.ErrInvalid):
		return exitConfig
	}
	return exitConfig
}
