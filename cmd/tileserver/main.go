package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lawnchairsociety/tileforge/internal/config"
	"github.com/lawnchairsociety/tileforge/internal/gate"
	"github.com/lawnchairsociety/tileforge/internal/logger"
	"github.com/lawnchairsociety/tileforge/internal/orchestrator"
	"github.com/lawnchairsociety/tileforge/internal/server"
	"github.com/lawnchairsociety/tileforge/internal/tile"
)

func main() {
	// Parse command-line flags
	serverConfigFile := flag.String("config", "data/server.yaml", "Path to server config YAML file")
	loggingConfig := flag.String("logging", "data/logging.yaml", "Path to logging config YAML file")
	envFile := flag.String("env", ".env", "Path to a dotenv file with secrets")
	addr := flag.String("addr", "", "Listen address (overrides http.address)")
	restore := flag.Bool("restore", false, "Restore the tile registry from its store on startup")
	hashKey := flag.String("hash-key", "", "Print the bcrypt hash of an API key for auth.api_key_hash and exit")
	flag.Parse()

	// Handle --hash-key flag (prints hash and exits)
	if *hashKey != "" {
		hash, err := server.HashKey(*hashKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	// Secrets must be in the environment before the config reads it
	envErr := godotenv.Load(*envFile)

	// Initialize logger first (before any logging)
	logConfig, _ := logger.LoadConfig(*loggingConfig)
	if err := logger.Initialize(logConfig); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger.Info("Starting tile server")
	if envErr != nil && !errors.Is(envErr, fs.ErrNotExist) {
		logger.Warning("Failed to load dotenv file", "path", *envFile, "error", envErr)
	}

	cfg, err := config.LoadConfig(*serverConfigFile)
	if err != nil {
		log.Fatalf("Failed to load server config %s: %v", *serverConfigFile, err)
	}
	if *addr != "" {
		cfg.HTTP.Address = *addr
	}
	if *restore {
		cfg.Registry.RestoreOnStartup = true
	}
	logPolicy(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tile registry and its snapshot store
	registry := tile.NewRegistry()
	store, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open registry store: %v", err)
	}
	defer closeStore()

	if cfg.Registry.RestoreOnStartup {
		if err := registry.LoadFrom(ctx, store); err != nil {
			log.Fatalf("Failed to restore tile registry: %v", err)
		}
		logger.Info("Tile registry restored", "store", cfg.Registry.Store, "tiles", registry.Len())
	}

	composer, err := newComposer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create prompt composer: %v", err)
	}
	logger.Info("Prompt composer ready", "mode", composer.Mode())

	eng, err := newEngine(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create image engine: %v", err)
	}
	if cfg.Engine.WarmupOnStart {
		warmCtx, cancel := context.WithTimeout(ctx, time.Minute)
		err := eng.Warmup(warmCtx)
		cancel()
		if err != nil {
			log.Fatalf("Image engine %s failed warmup: %v", eng.Name(), err)
		}
		logger.Info("Image engine warmed up", "engine", eng.Name())
	}

	hub := server.NewHub(cfg.WebSocket)
	svc, err := orchestrator.New(orchestrator.Config{
		InputDir:        cfg.Engine.InputDir,
		MaxSourcePixels: cfg.HTTP.MaxImagePixels,
		Seed:            sampling(cfg.Sampling, cfg.Sampling.SeedCFG),
		Inpaint:         sampling(cfg.Sampling, cfg.Sampling.InpaintCFG),
	}, orchestrator.Deps{
		Registry: registry,
		Composer: composer,
		Gate: gate.New(gate.Config{
			DevicePermits:  cfg.Gate.DevicePermits,
			AcquireTimeout: cfg.Gate.AcquireTimeout(),
		}),
		Engine: eng,
		Events: hub,
	})
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	srv, err := server.NewServer(cfg, svc, hub)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	checkpointer := server.NewCheckpointer(registry, store, cfg.Registry.CheckpointInterval())
	checkpointer.Start()

	logger.Info("Tile server running",
		"address", cfg.HTTP.Address,
		"engine", eng.Name(),
		"composer", composer.Mode(),
		"registry", cfg.Registry.Store)
	logger.Info("Press Ctrl+C to shutdown")

	serveErr := srv.ListenAndServe(ctx)

	// Save the registry whether the listener failed or was shut down
	saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := checkpointer.Stop(saveCtx); err != nil {
		logger.Error("Failed to save tile registry", "error", err)
	}

	if serveErr != nil {
		log.Fatalf("Server error: %v", serveErr)
	}
	logger.Info("Server stopped")
}

func logPolicy(cfg *config.ServerConfig) {
	if len(cfg.WebSocket.AllowedOrigins) == 0 {
		logger.Info("WebSocket CORS policy", "mode", "same-origin")
	} else if len(cfg.WebSocket.AllowedOrigins) == 1 && cfg.WebSocket.AllowedOrigins[0] == "*" {
		logger.Warning("WebSocket CORS allows all origins (not recommended for production)")
	} else {
		logger.Info("WebSocket CORS policy", "allowed_origins", cfg.WebSocket.AllowedOrigins)
	}

	if cfg.Auth.APIKeyHash == "" {
		logger.Warning("API key authentication disabled - generation endpoints are open")
	}
	if cfg.HTTP.TrustProxy {
		logger.Info("Trusting proxy headers for client IPs")
	}
}
