package main

import (
	"context"
	"flag"
	"net"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"

	"github.com/danmuck/roundctl/internal/actuator/transcode"
	"github.com/danmuck/roundctl/internal/config"
	"github.com/danmuck/roundctl/internal/observability"
	"github.com/danmuck/roundctl/internal/rpcpool"
)

func main() {
	configPath := flag.String("config", "cmd/transcoderd/config.toml", "transcoder config path")
	flag.Parse()

	observability.InitLogger("transcoder")
	cfg, err := config.LoadTranscoderConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load transcoder config")
	}

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Addr).Msg("listen failed")
	}
	opts, err := rpcpool.ServerOptions(cfg.TLS)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load transcoder tls")
	}
	s := grpc.NewServer(opts...)
	transcode.RegisterTranscoderServer(s, transcode.NewServer(cfg.Steps, cfg.StepInterval()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()

	log.Info().Str("name", cfg.Name).Str("addr", lis.Addr().String()).Int("steps", cfg.Steps).Bool("tls", cfg.TLS.Enabled).Msg("transcoder started")
	if err := s.Serve(lis); err != nil {
		log.Fatal().Err(err).Msg("transcoder stopped")
	}
	log.Info().Msg("transcoder shut down")
}
