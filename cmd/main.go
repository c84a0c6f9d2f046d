package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"fedcoord/coordinator"
	"fedcoord/db"
	"fedcoord/handlers"
	"fedcoord/keys"
	"fedcoord/ledger"
	"fedcoord/logger"
	"fedcoord/registry"
	"fedcoord/repository"
	"fedcoord/routers"
	"fedcoord/transport"
)

func main() {
	// Load config
	viper.SetConfigFile("config/config.yaml")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("leveldb.path", "data/artifacts")
	viper.SetDefault("ledger.difficulty", ledger.DefaultDifficulty)
	viper.SetDefault("coordinator.settle_delay_seconds", 2)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Println("Config file error:", err)
		os.Exit(1)
	}

	appLogFile := viper.GetString("log.app_log_file")
	logLevel := viper.GetString("log.level")

	if err := logger.InitLogger(appLogFile, logLevel); err != nil {
		fmt.Println("Failed to initialize logger:", err)
		os.Exit(1)
	}

	logger.Logger.Info("Starting federated coordinator...")

	// Connect to LevelDB for artifact persistence (ledger and registry
	// stay in-memory for the process lifetime)
	leveldbPath := viper.GetString("leveldb.path")
	ldb, err := db.NewLevelDB(leveldbPath)
	if err != nil {
		logger.Logger.Fatal("Failed to open leveldb", zap.Error(err))
	}
	defer ldb.Close()

	// Initialize the artifact repository
	repo := repository.NewArtifactRepository(ldb)

	// Core components
	km := keys.NewKeyManager()
	led := ledger.NewLedger(viper.GetInt("ledger.difficulty"), logger.Logger)
	reg := registry.NewNodeRegistry(logger.Logger)

	settleDelay := time.Duration(viper.GetInt("coordinator.settle_delay_seconds")) * time.Second
	coord := coordinator.NewCoordinator(reg, led, km, coordinator.FedAvgAggregator{}, repo, settleDelay, logger.Logger)

	// Node-facing WebSocket transport
	hub := transport.NewHub(coord, reg, logger.Logger)
	coord.SetNotifier(hub)

	// Drain lifecycle events into the log
	go func() {
		for ev := range coord.Events() {
			logger.Logger.Info("Coordinator event",
				zap.String("type", ev.Type),
				zap.String("job_id", ev.JobID),
				zap.Int("round", ev.Round))
		}
	}()

	// Setup router
	h := handlers.NewHandler(coord, reg, led, repo)
	r := mux.NewRouter()
	routers.RegisterRoutes(r, h)
	r.HandleFunc("/ws", hub.ServeWS)

	// HTTP Server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", viper.GetInt("server.port")),
		Handler: r,
	}

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Logger.Info("Server stopped", zap.Error(err))
		}
	}()

	logger.Logger.Info("Server running on port", zap.Int("port", viper.GetInt("server.port")))

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Logger.Info("Shutdown signal received, exiting...")
	srv.Close()
}
