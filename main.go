package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/breez/anon-sync/config"
	"github.com/breez/anon-sync/middleware"
	"github.com/breez/anon-sync/store"
	"github.com/breez/anon-sync/store/mongo"
	"github.com/breez/anon-sync/store/postgres"
	"github.com/breez/anon-sync/store/sqlite"
	"github.com/breez/anon-sync/syncer"
	"github.com/google/uuid"
	"github.com/juju/gnuflag"
	"github.com/juju/mgo/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("run_id", uuid.NewString()).Logger()

	mode, err := parseFlags(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid arguments")
	}
	config, err := config.NewConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger = logger.Level(config.Level())

	session, err := mongo.Dial(config.DBURI)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to source")
	}
	defer session.Close()

	dest, err := newDestination(config, session)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open destination")
	}

	registry := prometheus.NewRegistry()
	orchestrator := syncer.NewOrchestrator(
		syncerConfig(config, mode),
		mongo.NewSource(session, config.DBName, config.SourceCollection),
		dest,
		logger,
		syncer.NewMetrics(registry),
	)

	if config.MetricsListenAddress != "" {
		server := &http.Server{
			Addr:              config.MetricsListenAddress,
			Handler:           middleware.NewOpsHandler(registry, orchestrator.Status),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info().Str("address", config.MetricsListenAddress).Msg("ops server listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("ops server stopped")
			}
		}()
		defer server.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := orchestrator.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("sync failed")
		session.Close()
		os.Exit(1)
	}
}

// parseFlags accepts a single optional --full-reindex flag.
func parseFlags(args []string) (syncer.Mode, error) {
	fs := gnuflag.NewFlagSet("anon-sync", gnuflag.ContinueOnError)
	var fullReindex bool
	fs.BoolVar(&fullReindex, "full-reindex", false, "replay the whole source collection once and exit")
	if err := fs.Parse(true, args); err != nil {
		return syncer.Incremental, err
	}
	if fs.NArg() > 0 {
		return syncer.Incremental, errors.New("unexpected arguments")
	}
	if fullReindex {
		return syncer.FullReindex, nil
	}
	return syncer.Incremental, nil
}

func newDestination(config *config.Config, session *mgo.Session) (store.Destination, error) {
	switch {
	case config.PgDatabaseUrl != "":
		return postgres.NewPGDestination(config.PgDatabaseUrl)
	case config.SQLiteFile != "":
		return sqlite.NewSQLiteDestination(config.SQLiteFile)
	default:
		return mongo.NewDestination(session, config.DBName, config.DestinationCollection), nil
	}
}

func syncerConfig(config *config.Config, mode syncer.Mode) syncer.Config {
	return syncer.Config{
		Mode:                mode,
		FlushThreshold:      config.FlushThreshold,
		FlushInterval:       config.FlushInterval,
		WriteRetryAttempts:  config.WriteRetryAttempts,
		WriteRetryDelay:     config.WriteRetryDelay,
		ResubscribeAttempts: config.ResubscribeAttempts,
		ResubscribeDelay:    config.ResubscribeDelay,
		MaxDrainPasses:      config.MaxDrainPasses,
		MaxDrainDuration:    config.MaxDrainDuration,
	}
}
