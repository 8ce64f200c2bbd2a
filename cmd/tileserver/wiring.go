package main

import (
	"context"
	"fmt"
	"time"

	"github.com/lawnchairsociety/tileforge/internal/config"
	"github.com/lawnchairsociety/tileforge/internal/database"
	"github.com/lawnchairsociety/tileforge/internal/engine"
	"github.com/lawnchairsociety/tileforge/internal/llm"
	"github.com/lawnchairsociety/tileforge/internal/logger"
	"github.com/lawnchairsociety/tileforge/internal/prompt"
	"github.com/lawnchairsociety/tileforge/internal/tile"
)

// openStore returns the snapshot store selected by registry.store and a
// function that releases it.
func openStore(cfg *config.ServerConfig) (tile.SnapshotStore, func(), error) {
	switch cfg.Registry.Store {
	case "json":
		logger.Info("Tile registry store", "kind", "json", "path", cfg.Registry.Path)
		return tile.NewFileStore(cfg.Registry.Path), func() {}, nil

	case "sqlite", "postgres":
		dbCfg := cfg.Database
		dbCfg.Driver = cfg.Registry.Store
		db, err := database.OpenWithConfig(dbCfg)
		if err != nil {
			return nil, nil, err
		}
		if dbCfg.Driver == "sqlite" {
			logger.Info("Tile registry store", "kind", "sqlite", "path", dbCfg.SQLitePath)
		} else {
			logger.Info("Tile registry store", "kind", "postgres",
				"host", dbCfg.Postgres.Host, "database", dbCfg.Postgres.Database)
		}
		closeDB := func() {
			if err := db.Close(); err != nil {
				logger.Warning("Failed to close database", "error", err)
			}
		}
		return database.NewTileStore(db), closeDB, nil

	default:
		return nil, nil, fmt.Errorf("unknown registry store %q", cfg.Registry.Store)
	}
}

// newComposer builds the prompt composer and, in llm mode, the chat it talks
// to.
func newComposer(ctx context.Context, cfg *config.ServerConfig) (*prompt.Composer, error) {
	composerCfg := prompt.Config{
		Mode:                     prompt.Mode(cfg.Composer.Mode),
		Baseline:                 cfg.Composer.Baseline,
		Negative:                 cfg.Composer.Negative,
		DefaultSeedDescription:   cfg.Composer.DefaultSeedDescription,
		DefaultExtendDescription: cfg.Composer.DefaultExtendDescription,
	}
	mode, err := prompt.ParseMode(cfg.Composer.Mode)
	if err != nil {
		return nil, err
	}
	if mode == prompt.ModeStatic {
		return prompt.NewComposer(composerCfg, nil)
	}

	opts := llm.Options{
		Temperature: cfg.LLM.Temperature,
		TopP:        cfg.LLM.TopP,
		MaxTokens:   cfg.LLM.MaxTokens,
	}
	var backend llm.Backend
	switch cfg.LLM.Backend {
	case "gemini":
		backend, err = llm.NewGemini(ctx, cfg.LLM.APIKey, cfg.LLM.Model, opts)
	case "ollama":
		backend, err = llm.NewOllama(cfg.LLM.Host, cfg.LLM.Model, opts)
	default:
		err = fmt.Errorf("unknown llm backend %q", cfg.LLM.Backend)
	}
	if err != nil {
		return nil, err
	}

	chat, err := llm.NewChat(backend, cfg.LLM.SystemInstruction, cfg.LLM.HistoryLimit)
	if err != nil {
		return nil, err
	}
	logger.Info("Language model ready", "backend", backend.Name(), "history_limit", cfg.LLM.HistoryLimit)
	return prompt.NewComposer(composerCfg, chat)
}

// newEngine builds the image engine selected by engine.kind.
func newEngine(ctx context.Context, cfg *config.ServerConfig) (engine.Engine, error) {
	switch cfg.Engine.Kind {
	case "comfyui":
		return engine.NewComfyUI(engine.ComfyUIConfig{
			BaseURL: cfg.Engine.ComfyUIURL,
			Models: engine.Models{
				Checkpoint:        cfg.Engine.Checkpoint,
				LoRA:              cfg.Engine.LoRA,
				LoRAStrengthModel: cfg.Engine.LoRAStrengthModel,
				LoRAStrengthClip:  cfg.Engine.LoRAStrengthClip,
			},
			Timeout: time.Duration(cfg.Engine.TimeoutSeconds) * time.Second,
		})
	case "gemini":
		return engine.NewGemini(ctx, cfg.LLM.APIKey, cfg.Engine.GeminiModel)
	case "static":
		if cfg.Engine.StaticImage == "" {
			logger.Warning("Static engine renders placeholder tiles")
		}
		return engine.NewStatic(cfg.Engine.StaticImage), nil
	default:
		return nil, fmt.Errorf("unknown engine kind %q", cfg.Engine.Kind)
	}
}

// sampling converts the configured diffusion settings for one pass.
func sampling(s config.SamplingConfig, guidance float64) engine.Sampling {
	return engine.Sampling{
		Steps:      s.Steps,
		CFG:        guidance,
		Sampler:    s.Sampler,
		Scheduler:  s.Scheduler,
		Denoise:    s.Denoise,
		GrowMaskBy: s.GrowMaskBy,
		Width:      s.Width,
		Height:     s.Height,
	}
}
