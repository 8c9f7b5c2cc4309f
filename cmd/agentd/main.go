package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/roundctl/internal/actuator"
	"github.com/danmuck/roundctl/internal/actuator/flow"
	"github.com/danmuck/roundctl/internal/actuator/transcode"
	"github.com/danmuck/roundctl/internal/agent"
	"github.com/danmuck/roundctl/internal/auth"
	"github.com/danmuck/roundctl/internal/blob"
	"github.com/danmuck/roundctl/internal/ledger"
	"github.com/danmuck/roundctl/internal/observability"
	"github.com/danmuck/roundctl/internal/rpcpool"
	"github.com/danmuck/roundctl/internal/server"
	"github.com/danmuck/roundctl/internal/store"
)

func main() {
	configPath := flag.String("config", "cmd/agentd/config.toml", "agent config path")
	flag.Parse()

	observability.InitLogger("agent")
	cfg, err := loadSettings(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load agent config")
	}
	log.Info().Str("path", *configPath).Str("owner", cfg.Agent.Owner).Msg("loaded agent config")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.StoreDriver == store.DriverSQLite {
		if err := os.MkdirAll(filepath.Dir(cfg.StoreDSN), 0o755); err != nil {
			log.Fatal().Err(err).Str("dsn", cfg.StoreDSN).Msg("failed to create store dir")
		}
	}
	st, err := store.Open(ctx, cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
	}

	dial, err := rpcpool.DialOptions(cfg.WorkerTLS)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load transcoder tls")
	}
	pool := rpcpool.New(rpcpool.Config{DialOptions: dial})
	defer pool.Close()
	registry := actuator.NewRegistry().MustRegister(
		flow.New(cfg.FlowStep),
		transcode.New(pool, cfg.Transcoder),
	)
	a := agent.New(cfg.Agent, ledger.NewClient(cfg.Ledger), st, blob.NewIPFSClient(cfg.IPFS),
		actuator.NewDispatcher(registry, actuator.DefaultProgressBuffer))
	defer a.Close()

	r := server.NewRouter(server.Options{Node: "agent", CorsOrigins: cfg.CorsOrigins})
	var guard auth.Validator
	if cfg.AdminToken != "" {
		guard = auth.StaticToken{Token: cfg.AdminToken}
	} else {
		log.Warn().Msg("admin_token unset; mutating admin routes are open")
	}
	registerAdminRoutes(r, a, guard)
	srv := &http.Server{Addr: cfg.AdminAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.AdminAddr).Msg("agent admin listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("agent admin stopped")
			stop()
		}
	}()

	if err := a.Run(ctx); err != nil {
		log.Error().Err(err).Msg("agent run failed")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("agent shut down")
}
