// Command wsserver runs the pairing and signaling server.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/rawchat/rawchat/internal/ban"
	"github.com/rawchat/rawchat/internal/config"
	"github.com/rawchat/rawchat/internal/lobby"
	"github.com/rawchat/rawchat/internal/logging"
	"github.com/rawchat/rawchat/internal/messaging"
	"github.com/rawchat/rawchat/internal/ratelimit"
	"github.com/rawchat/rawchat/internal/report"
	"github.com/rawchat/rawchat/internal/ws"
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

	logger := logging.Component("main")
	logger.Info().
		Str("listen_addr", cfg.Server.ListenAddr).
		Int("worker_pool", cfg.Server.WorkerPoolSize).
		Int("max_connections", cfg.Server.MaxConnections).
		Str("redis_addr", cfg.Redis.Addr).
		Str("nats_url", cfg.NATS.URL).
		Int("report_threshold", cfg.Moderation.ReportThreshold).
		Dur("report_window", cfg.Moderation.ReportWindow).
		Dur("ban_duration", cfg.Moderation.BanDuration).
		Msg("rawchat server starting")

	// --- NATS (optional): moderation event export ---
	var (
		sink       report.Sink
		natsClient *messaging.NATSClient
	)
	if cfg.NATS.URL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = "rawchat-wsserver"
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		sink = report.NewEventSink(natsClient)
	}

	// --- Redis (optional): connect and report rate limits ---
	var (
		policy *ratelimit.Policy
		rdb    *redis.Client
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rdb.Ping(ctx).Err(); err != nil {
			cancel()
			logger.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		cancel()

		policy = ratelimit.NewPolicy(ratelimit.NewLimiter(rdb))
		policy.Connect.Limit = cfg.RateLimit.ConnectLimit
		policy.Connect.Window = cfg.RateLimit.ConnectWindow
		policy.Report.Limit = cfg.RateLimit.ReportLimit
		policy.Report.Window = cfg.RateLimit.ReportWindow
	}

	bans := ban.NewStore()
	tracker := report.NewTracker(report.Config{
		Threshold:   cfg.Moderation.ReportThreshold,
		Window:      cfg.Moderation.ReportWindow,
		BanDuration: cfg.Moderation.BanDuration,
		BanReason:   cfg.Moderation.BanReason,
	}, bans, sink)

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.Server.ListenAddr
	serverConfig.WorkerPoolSize = cfg.Server.WorkerPoolSize
	serverConfig.MaxConnections = cfg.Server.MaxConnections
	serverConfig.ReadTimeout = cfg.Server.ReadTimeout
	serverConfig.WriteTimeout = cfg.Server.WriteTimeout
	serverConfig.Heartbeat = ws.HeartbeatConfig{
		Interval: cfg.Server.HeartbeatInterval,
		Timeout:  cfg.Server.HeartbeatTimeout,
	}
	serverConfig.TrustProxy = cfg.Server.TrustProxy

	dispatcher := ws.NewMessageDispatcher(nil)
	server := ws.NewServer(serverConfig, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	lobbyConfig := lobby.DefaultConfig()
	lobbyConfig.DefaultReportReason = cfg.Moderation.DefaultReportReason
	manager := lobby.NewManager(lobbyConfig, bans, tracker, server)

	// A nil *Policy must not reach the interface-typed parameters.
	var guard ws.ReportGuard
	if policy != nil {
		server.SetAdmission(policy)
		guard = policy
	}
	ws.Bind(server, dispatcher, manager, guard)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("shutdown error")
		}
		if natsClient != nil {
			_ = natsClient.Flush()
			natsClient.Close()
		}
		if rdb != nil {
			_ = rdb.Close()
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}
