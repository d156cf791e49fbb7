package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sensesync/internal/api"
	"sensesync/internal/config"
	"sensesync/internal/host"
	"sensesync/internal/metrics"
	"sensesync/internal/publish"
	"sensesync/internal/reconcile"
	"sensesync/internal/scheduler"
	"sensesync/internal/sense"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const settingsReloadInterval = 30 * time.Second

func main() {
	// Load environment variables
	envErr := godotenv.Load()

	// Initialize logger
	var (
		logger *zap.Logger
		err    error
	)
	if os.Getenv("DEBUG") == "true" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	configDir := os.Getenv("CONFIG_DIR")
	if configDir == "" {
		configDir = "."
	}

	loader := config.NewLoader(configDir, logger)
	store, err := loader.LoadStore()
	if err != nil {
		logger.Fatal("Failed to load settings", zap.Error(err))
	}
	loader.StartAutoReload(settingsReloadInterval)
	defer loader.Stop()

	settings := store.Settings()
	logger.Info("Starting Sense sync",
		zap.String("config_dir", configDir),
		zap.String("username", settings.Username),
		zap.Bool("solar_enabled", settings.SolarEnabled))

	client := sense.NewClient(sense.Config{
		APIURL:      settings.Sense.APIURL,
		RealtimeURL: settings.Sense.RealtimeURL,
		APITimeout:  time.Duration(settings.Sense.APITimeoutSeconds) * time.Second,
		WireTimeout: time.Duration(settings.Sense.WireTimeoutSeconds) * time.Second,
	}, logger)

	// The in-memory host stands in for the device store of the embedding application
	memory := host.NewMemory()
	if settings.FolderID != 0 {
		memory.AddFolder(host.FolderID(settings.FolderID), "Sense")
	}

	store.SetValidator(reconcile.FolderValidator(memory))

	reconciler := reconcile.New(memory, logger)
	reconciler.Rebuild()
	opts := reconcile.Options{SolarEnabled: settings.SolarEnabled, Folder: host.FolderID(settings.FolderID)}
	if err := reconciler.EnsureCore(opts); err != nil {
		logger.Error("Failed to create whole-home device", zap.Error(err))
	}

	m := metrics.New()

	cfg := scheduler.Config{
		Client:     client,
		Reconciler: reconciler,
		Comm:       memory,
		Store:      store,
		Metrics:    m,
	}

	if settings.MQTT.Broker != "" {
		sink, err := publish.DialMQTT(settings.MQTT, logger)
		if err != nil {
			logger.Error("Failed to connect to MQTT broker, publishing disabled", zap.Error(err))
		} else {
			defer sink.Close()
			cfg.Publisher = publish.New(sink, settings.MQTT.TopicPrefix, logger)
		}
	}

	sched := scheduler.New(cfg, logger)

	server := api.NewServer(api.Deps{
		Scheduler: sched,
		Records:   reconciler,
		Client:    client,
		Host:      memory,
		Store:     store,
		Metrics:   m.Handler(),
	}, logger, settings.APIPort)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- sched.Run(ctx)
	}()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Application running. Press Ctrl+C to exit.")

	select {
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	case err := <-done:
		logger.Error("Scheduler exited", zap.Error(err))
	}

	logger.Info("Shutting down gracefully...")

	sched.Stop()
	cancel()
	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop API server", zap.Error(err))
	}
}
