package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/habitus-home/habitus-platform/internal/reminder"
	"github.com/habitus-home/habitus-platform/internal/routine"
	"github.com/habitus-home/habitus-platform/internal/scheduler"
	"github.com/habitus-home/habitus-platform/internal/transition"
	"github.com/habitus-home/habitus-platform/pkg/clock"
	"github.com/habitus-home/habitus-platform/pkg/config"
	"github.com/habitus-home/habitus-platform/pkg/health"
	"github.com/habitus-home/habitus-platform/pkg/mqtt"
	"github.com/habitus-home/habitus-platform/pkg/postgres"
	"github.com/habitus-home/habitus-platform/pkg/redis"
)

func main() {
	// Load configuration with hierarchy: defaults → env → flags
	cfg := config.NewConfig()
	cfg.ServiceName = "scheduler-agent"
	cfg.LoadFromEnv()
	cfg.LoadFromFlags()

	if cfg.PolicyFile != "" {
		if err := cfg.LoadPolicyFile(cfg.PolicyFile); err != nil {
			fmt.Fprintf(os.Stderr, "Policy file error: %v\n", err)
			os.Exit(1)
		}
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting Habitus Scheduler Agent",
		"service_name", cfg.ServiceName,
		"mqtt_broker", cfg.MQTTAddress(),
		"redis_host", cfg.RedisAddress(),
		"postgres", fmt.Sprintf("%s:%d/%s", cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresDB),
		"decay_interval_sec", cfg.DecayIntervalSec,
		"advance_interval_sec", cfg.AdvanceIntervalSec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Initialize clients
	mqttClient := mqtt.NewClient(cfg, logger)
	redisClient := redis.NewClient(cfg, logger)

	pgClient := postgres.NewClient(cfg, logger)
	if err := pgClient.Connect(ctx); err != nil {
		logger.Error("Failed to connect to postgres", "error", err)
		os.Exit(1)
	}

	clk := clock.NewManager(logger)
	policy := cfg.Policy

	routines := routine.NewService(routine.NewPostgresStore(pgClient), redisClient, clk, policy, logger)
	decayer := scheduler.NewDecayer(transition.NewPostgresStore(pgClient), routines, clk, policy, logger)

	candidateStore := reminder.NewPostgresCandidateStore(pgClient, policy.ProfileEmbeddingDim)
	candidates := reminder.NewCandidates(candidateStore, clk, logger)
	advancer := scheduler.NewAdvancer(candidates, mqttClient, redisClient, clk, policy, logger)

	agent := scheduler.NewAgent(mqttClient, redisClient, decayer, advancer, clk, cfg, logger)

	// Start health check server
	healthChecker := health.NewChecker(mqttClient, redisClient, pgClient, logger)
	httpServer := startHealthServer(cfg.HealthPort, healthChecker, logger)

	agentErr := make(chan error, 1)
	go func() {
		if err := agent.Start(ctx); err != nil {
			agentErr <- err
		}
	}()

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received (SIGTERM/SIGINT)")
	case err := <-agentErr:
		logger.Error("Agent failed", "error", err)
	}

	logger.Info("Initiating graceful shutdown")
	cancel()

	if err := agent.Stop(); err != nil {
		logger.Error("Error stopping agent", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down health server", "error", err)
	}
	if err := pgClient.Disconnect(); err != nil {
		logger.Error("Error disconnecting from postgres", "error", err)
	}

	logger.Info("Scheduler agent shutdown complete")
}

func startHealthServer(port int, checker *health.Checker, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HandlerFunc())
	mux.HandleFunc("/health/detailed", checker.DetailedHandlerFunc())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		logger.Info("Starting health check server", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Health server error", "error", err)
		}
	}()

	return server
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
