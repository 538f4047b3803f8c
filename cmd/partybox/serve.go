package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zishang520/socket.io/v2/socket"

	"github.com/caffeineduck/partybox/health"
	"github.com/caffeineduck/partybox/internal/logging"
	"github.com/caffeineduck/partybox/internal/telemetry"
	"github.com/caffeineduck/partybox/orchestrator"
	"github.com/caffeineduck/partybox/payload"
	"github.com/caffeineduck/partybox/transport/socketio"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator behind a socket.io endpoint",
	Long: `Run the orchestrator and accept lobby connections over socket.io.

Endpoints:
  /socket.io/   lobby:create, lobby:join, game:select, game:action, game:end
  GET /healthz  Health check, reports the selected strategy

The container strategy is used when the container daemon answers at boot,
child processes otherwise. Games named with --inline run in-process.`,
	Args: cobra.NoArgs,
	Run:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (PARTYBOX_ADDR)")
	serveCmd.Flags().String("strategy", "", "Strategy: auto, container, child-process (PARTYBOX_STRATEGY)")
	serveCmd.Flags().StringSlice("inline", nil, "Game allowed to run inline (repeatable, PARTYBOX_INLINE_GAMES)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		fail(err)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	shutdownTracing, err := telemetry.Setup(ctx, "partybox", cfg.OTelEndpoint)
	if err != nil {
		fail(err)
	}
	defer shutdownTracing(context.Background())

	pol := cfg.Policy()
	engines, closeEngines := newEngines(logger)
	defer closeEngines()

	boot, inline, err := strategies(ctx, cfg, pol, engines, logger)
	if err != nil {
		fail(err)
	}

	io := socket.NewServer(nil, nil)
	sink := socketio.NewBroadcaster(io, logger)
	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithCatalog(payload.NewLoader(cfg.GamesDir, pol)),
	}
	if inline != nil {
		opts = append(opts, orchestrator.WithInline(inline))
	}
	orch := orchestrator.New(boot, sink, pol, opts...)
	server := socketio.NewServer(io, sink, orch, string(boot.Kind()), logger)

	monitor := health.NewMonitor(orch, pol, health.WithLogger(logger))
	go monitor.Run(ctx)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("partybox listening", "addr", cfg.Addr, "strategy", boot.Kind(), "inline", cfg.InlineGames)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("runtimes did not stop cleanly", "error", err)
	}
	io.Close(nil)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
}
