package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/partybox/executor"
	"github.com/caffeineduck/partybox/gameapi"
	"github.com/caffeineduck/partybox/internal/logging"
	"github.com/caffeineduck/partybox/payload"
	"github.com/caffeineduck/partybox/policy"
	"github.com/caffeineduck/partybox/sandbox"
)

var wrapperCmd = &cobra.Command{
	Use:    "wrapper <runtimeId> <gameId>",
	Short:  "Run one game runtime (started by the orchestrator)",
	Hidden: true,
	Args:   cobra.ExactArgs(2),
	Run:    runWrapper,
}

func init() {
	rootCmd.AddCommand(wrapperCmd)
}

// runWrapper serves one runtime over stdio or, inside a container, over the
// single TCP connection the orchestrator opens. Logs go to stderr.
func runWrapper(cmd *cobra.Command, args []string) {
	runtimeID, gameID := args[0], args[1]
	logger := logging.New(os.Getenv(executor.EnvLogLevel), "json", os.Stderr).
		With("runtime", runtimeID, "game", gameID)

	pol, err := policy.Decode(os.Getenv(executor.EnvPolicy))
	if err != nil {
		fail(err)
	}
	gamesDir := os.Getenv(executor.EnvGamesDir)
	if gamesDir == "" {
		fail(fmt.Errorf("%s is not set", executor.EnvGamesDir))
	}

	engines, closeEngines := newEngines(logger)
	defer closeEngines()
	loader := payload.NewLoader(gamesDir, pol)
	newHost := func(emit gameapi.Emitter) *sandbox.Host {
		return sandbox.NewHost(loader, engines, pol, emit, sandbox.WithLogger(logger))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	switch transport := os.Getenv(executor.EnvTransport); transport {
	case executor.TransportStdio, "":
		stdio := struct {
			io.Reader
			io.Writer
		}{os.Stdin, os.Stdout}
		err = sandbox.ServeConn(ctx, stdio, newHost)
	case executor.TransportSocket:
		addr := os.Getenv(executor.EnvListen)
		if addr == "" {
			addr = fmt.Sprintf(":%d", executor.DefaultWrapperPort)
		}
		logger.Debug("waiting for orchestrator", "addr", addr)
		err = sandbox.ListenAndServe(ctx, addr, newHost)
	default:
		err = fmt.Errorf("unknown transport %q", transport)
	}
	if err != nil && ctx.Err() == nil {
		logger.Error("runtime stopped", "error", err)
		closeEngines()
		os.Exit(1)
	}
}
