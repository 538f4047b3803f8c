package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/caffeineduck/partybox/engine"
	"github.com/caffeineduck/partybox/engine/lua"
	"github.com/caffeineduck/partybox/engine/wasm"
	"github.com/caffeineduck/partybox/executor"
	"github.com/caffeineduck/partybox/internal/config"
	"github.com/caffeineduck/partybox/payload"
	"github.com/caffeineduck/partybox/policy"
)

// newEngines builds the payload interpreters. The wasm compilation cache
// lives under the user cache directory when one exists.
func newEngines(logger *slog.Logger) (engine.Set, func()) {
	opts := []wasm.Option{wasm.WithLogger(logger)}
	if dir, err := os.UserCacheDir(); err == nil {
		opts = append(opts, wasm.WithCacheDir(filepath.Join(dir, "partybox", "wasm")))
	}
	w := wasm.New(opts...)
	return engine.NewSet(lua.New(lua.WithLogger(logger)), w), func() { w.Close() }
}

// strategies builds the boot strategy and, when games are allowlisted, the
// inline strategy.
func strategies(ctx context.Context, cfg *config.Config, pol *policy.Policy, engines engine.Set, logger *slog.Logger) (executor.Strategy, *executor.Inline, error) {
	process, err := executor.NewProcess(cfg.GamesDir, pol, logger)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Wrapper != "" {
		process.Command = []string{cfg.Wrapper, "wrapper"}
	}
	process.LogLevel = cfg.LogLevel
	container := &executor.Container{
		Docker:   executor.DockerCLI{Binary: cfg.Docker},
		Image:    cfg.Image,
		Network:  cfg.Network,
		GamesDir: cfg.GamesDir,
		Policy:   pol,
		LogLevel: cfg.LogLevel,
		Logger:   logger,
	}
	boot, err := executor.Select(ctx, cfg.Strategy, container, process, logger)
	if err != nil {
		return nil, nil, err
	}

	var inline *executor.Inline
	if len(cfg.InlineGames) > 0 {
		inline = &executor.Inline{
			Loader:  payload.NewLoader(cfg.GamesDir, pol),
			Engines: engines,
			Policy:  pol,
			Allow:   cfg.InlineGames,
			Logger:  logger,
		}
	}
	return boot, inline, nil
}
