package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exzerolog"

	"calbot/config"
	"calbot/internal/bot"
	"calbot/internal/clients/caldav"
	"calbot/internal/matrix"
	"calbot/internal/scheduler"
	"calbot/internal/service"
)

// Exit codes. The supervisor restarts a crash (1) but must not blindly
// restart invalidated credentials (2).
const (
	exitOK       = 0
	exitError    = 1
	exitBadCreds = 2
)

const shutdownGrace = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		startupLogger := zerolog.New(os.Stderr)
		startupLogger.Error().Err(err).Msg("failed to load config")
		return exitError
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()
	exzerolog.SetupDefaults(&logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Calendar sources and the digest service.
	sources := make([]service.EventFetcher, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		sources = append(sources, caldav.NewClient(src.Name, src.URL, src.Username, src.Password, cfg.Timezone, logger))
	}
	digest := service.NewDigestService(sources, cfg.Timezone, logger)

	// Dry run against the calendar sources so misconfigured credentials
	// surface at startup instead of at the first command.
	if _, err := digest.Upcoming(ctx); err != nil {
		logger.Warn().Err(err).Msg("startup calendar fetch failed, continuing anyway")
	}

	// Matrix session and client.
	store := matrix.NewSessionStore(filepath.Join(cfg.DataDir, "session.json"), logger)
	client, err := matrix.Connect(ctx, matrix.Config{
		HomeserverURL: cfg.HomeserverURL,
		Username:      cfg.Username,
		Password:      cfg.Password,
		DataDir:       cfg.DataDir,
		PickleKey:     cfg.PickleKey,
	}, store, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to matrix")
		return exitError
	}

	calbot := bot.New(cfg, client, digest, logger)

	sched := scheduler.New(cfg.WeeklyCron, cfg.RoomIDs, cfg.Timezone, calbot, logger)
	go func() {
		if err := sched.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("scheduler error")
		}
	}()

	// Run the sync loop; watch for shutdown signals alongside it.
	errCh := make(chan error, 1)
	go func() {
		errCh <- calbot.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	code := exitOK
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
		<-errCh
	case err := <-errCh:
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, matrix.ErrCredentialsInvalid):
			logger.Error().Err(err).Msg("credentials invalidated, manual intervention required")
			code = exitBadCreds
		default:
			logger.Error().Err(err).Msg("sync loop failed")
			code = exitError
		}
	}

	sched.Stop()
	calbot.Stop(shutdownGrace)
	logger.Info().Msg("calbot stopped")
	return code
}
