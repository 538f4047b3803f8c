package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/partybox/gameapi"
	"github.com/caffeineduck/partybox/hostfunc"
	"github.com/caffeineduck/partybox/payload"
	"github.com/caffeineduck/partybox/protocol"
)

var checkCmd = &cobra.Command{
	Use:   "check <gameId>",
	Short: "Validate a game payload without running it",
	Long: `Validate a game payload the way a spawn would.

Checks the game id, reads game.hcl, runs the static source check against
the module denylist, and loads the entry to confirm the required exports
(init, on_action) are present. Handlers are not called.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	pol := cfg.Policy()

	p, err := payload.NewLoader(cfg.GamesDir, pol).Load(args[0])
	if err != nil {
		return err
	}
	engines, closeEngines := newEngines(logger)
	defer closeEngines()
	eng, ok := engines[p.Manifest.Engine]
	if !ok {
		return fmt.Errorf("no engine for %q", p.Manifest.Engine)
	}

	registry := hostfunc.NewRegistry()
	gameapi.New(nil, func(protocol.Envelope) error { return nil }).Register(registry)

	ctx, cancel := context.WithTimeout(context.Background(), pol.HandshakeTimeout)
	defer cancel()
	game, err := eng.Load(ctx, p, registry, pol)
	if err != nil {
		return err
	}
	game.Close()

	m := p.Manifest
	fmt.Fprintf(cmd.OutOrStdout(), "ok: %s (%s, engine %s, entry %s, players %d-%d)\n",
		p.ID, m.Title, m.Engine, m.Entry, m.MinPlayers, m.MaxPlayers)
	return nil
}
