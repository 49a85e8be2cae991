// Command auditor persists moderation events (reports and bans) published
// by the signaling servers into PostgreSQL.
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/rawchat/rawchat/internal/config"
	"github.com/rawchat/rawchat/internal/logging"
	"github.com/rawchat/rawchat/internal/messaging"
	"github.com/rawchat/rawchat/internal/report"
)

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvConfigFile), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := logging.Setup(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		log.Fatal().Err(err).Msg("logging setup failed")
	}
	logger := logging.Component("auditor")

	if cfg.Database.URL == "" {
		logger.Fatal().Msg("DATABASE_URL is required")
	}

	// PostgreSQL setup.
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(ctx); err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	cancel()

	if err := report.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	if cfg.NATS.URL != "" {
		natsConfig.URL = cfg.NATS.URL
	}
	natsConfig.Name = "rawchat-auditor"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to NATS")
	}

	aud := report.NewAuditor(report.NewPGStore(db), cfg.Moderation.ReportWindow)

	if err := natsClient.SubscribeReports(messaging.AuditorQueue, func(data []byte) {
		if err := aud.HandleReport(data); err != nil {
			logger.Error().Err(err).Msg("report not stored")
		}
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe to reports")
	}
	if err := natsClient.SubscribeBans(messaging.AuditorQueue, func(data []byte) {
		if err := aud.HandleBan(data); err != nil {
			logger.Error().Err(err).Msg("ban not stored")
		}
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe to bans")
	}

	logger.Info().Str("nats_url", natsConfig.URL).Msg("auditor running")

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	natsClient.Close()
	_ = db.Close()
}
