package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avelys/watchline/internal/adapters/directory"
	"github.com/avelys/watchline/internal/adapters/media"
	"github.com/avelys/watchline/internal/adapters/relay"
	"github.com/avelys/watchline/internal/adapters/rtc"
	"github.com/avelys/watchline/internal/app"
	"github.com/avelys/watchline/internal/config"
	"github.com/avelys/watchline/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ids := directory.NewTokenIdentity(cfg.Secret)
	if cfg.AgentToken != "" {
		if err := ids.SetToken(cfg.AgentToken); err != nil {
			log.Fatal().Err(err).Msg("agent token rejected")
		}
	}
	lookup := directory.NewRESTLookup(cfg.DirectoryURL, cfg.DirectoryTimeout)

	bus, err := relay.Dial(ctx, cfg.RelayURL, cfg.PingPeriod)
	if err != nil {
		log.Fatal().Err(err).Msg("relay dial failed")
	}
	defer bus.Close()

	backend, err := media.NewDeviceBackend()
	if err != nil {
		log.Fatal().Err(err).Msg("media backend init failed")
	}

	channels := app.NewChannelRegistry(bus, cfg.SubscribeTimeout)
	gate := app.NewAuthGate(ids, lookup)
	transports := rtc.NewFactory(cfg.ICEServers)
	source := media.NewStrategy(backend)

	cb := core.SessionCallbacks{
		OnDisconnect: func() {
			log.Info().Str("module", "agent").Msg("session ended")
		},
		OnError: func(err error) {
			log.Warn().Err(err).Str("module", "agent").Msg("session error")
		},
	}

	responder := app.NewResponder(ids, gate, channels, source, transports, cb)
	if err := responder.Listen(ctx); err != nil {
		log.Fatal().Err(err).Msg("responder listen failed")
	}
	log.Info().Str("module", "agent").Msg("agent started")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := responder.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("responder shutdown incomplete")
	}
	log.Info().Msg("Agent exited gracefully")
}
