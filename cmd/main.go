package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"school-biometric-core/internal/api"
	"school-biometric-core/internal/config"
	"school-biometric-core/internal/directory"
	"school-biometric-core/internal/enrollment"
	"school-biometric-core/internal/events"
	"school-biometric-core/internal/health"
	"school-biometric-core/internal/logging"
	"school-biometric-core/internal/registry"
	"school-biometric-core/internal/store"
	"school-biometric-core/internal/syncer"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "biocore",
	Short: "School biometric device core - enrollment and device communication service",
	Long: `A service that owns all communication with a school's fingerprint
terminals: device registration and health monitoring, guided fingerprint
enrollment sessions, student identity sync, and template distribution.
The school platform talks to it over a small HTTP/WebSocket API.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger := logging.Initialize(cfg.LogLevel)
	if cfg.LogFile != "" {
		if err := logging.SetupFileLogging(logger, cfg.LogFile); err != nil {
			return fmt.Errorf("failed to set up file logging: %w", err)
		}
	}

	logger.WithFields(map[string]interface{}{
		"listen_host": cfg.ListenHost,
		"listen_port": cfg.ListenPort,
		"database":    cfg.DatabasePath,
	}).Info("Biometric core starting up")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewStore(store.Config{
		DatabasePath:  cfg.DatabasePath,
		EncryptionKey: cfg.EncryptionKeyBytes(),
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	dir, err := directory.NewDirectory(cfg.PlatformDBDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to platform database: %w", err)
	}
	defer dir.Close()

	connector := registry.NewTCPConnector(
		time.Duration(cfg.ConnectTimeout)*time.Second,
		time.Duration(cfg.CommandTimeout)*time.Second,
		logger,
	)
	reg := registry.NewRegistry(connector, logger)
	defer reg.Close()

	broadcaster := events.NewBroadcaster(cfg.SubscriberBuffer, logger)
	defer broadcaster.Close()

	var relay *events.Relay
	if cfg.RelayEnabled() {
		relay, err = events.NewRelay(events.RelayConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, broadcaster, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		relay.Start(ctx)
		defer relay.Stop()
	}

	coordinator := syncer.NewCoordinator(st, reg, broadcaster, logger)

	manager := enrollment.NewManager(enrollment.Config{
		PollInterval: time.Duration(cfg.EnrollPollInterval) * time.Millisecond,
	}, st, coordinator, reg, broadcaster, logger)

	monitor := health.NewMonitor(health.Config{
		Interval:          time.Duration(cfg.HealthCheckInterval) * time.Second,
		MaxProbesInFlight: cfg.MaxProbesInFlight,
		SkipDevice:        manager.HasActiveSession,
	}, st, reg, broadcaster, logger)
	monitor.Start(ctx)
	defer monitor.Stop()

	handlers := api.NewHandlers(st, manager, coordinator, dir, monitor, reg, broadcaster, logger)
	server := api.NewServer(api.ServerConfig{
		Host:        cfg.ListenHost,
		Port:        cfg.ListenPort,
		TokenSecret: cfg.TokenSecret,
	}, handlers, logger)

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("Biometric core shut down")
	return nil
}
