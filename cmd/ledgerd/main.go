package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/roundctl/internal/actuator"
	"github.com/danmuck/roundctl/internal/actuator/flow"
	"github.com/danmuck/roundctl/internal/actuator/transcode"
	"github.com/danmuck/roundctl/internal/config"
	"github.com/danmuck/roundctl/internal/ledger"
	"github.com/danmuck/roundctl/internal/observability"
	"github.com/danmuck/roundctl/internal/server"
)

func main() {
	configPath := flag.String("config", "cmd/ledgerd/config.toml", "ledger config path")
	flag.Parse()

	observability.InitLogger("ledger")
	cfg, err := config.LoadLedgerConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load ledger config")
	}
	log.Info().Str("path", *configPath).Msg("loaded ledger config")

	// The ledger only encodes configs; execution happens on agents.
	registry := actuator.NewRegistry().MustRegister(
		flow.New(0),
		transcode.New(nil, transcode.Options{}),
	)
	l := ledger.New(cfg.LedgerOptions(), registry)

	r := server.NewRouter(server.Options{Node: cfg.Name, CorsOrigins: cfg.CorsOrigins})
	ledger.RegisterRoutes(r, l)

	srv := &http.Server{Addr: cfg.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("name", cfg.Name).Str("addr", cfg.Addr).Strs("types", registry.Types()).Msg("ledger started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("ledger stopped")
	}
	log.Info().Msg("ledger shut down")
}
