package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/partybox/executor"
	"github.com/caffeineduck/partybox/orchestrator"
	"github.com/caffeineduck/partybox/payload"
	"github.com/caffeineduck/partybox/protocol"
)

const consoleSession = "console"

var playCmd = &cobra.Command{
	Use:   "play <gameId>",
	Short: "Play a game from the terminal",
	Long: `Start a local session for one game and drive it from a console.

Every player is a name on the command line; the console is the host.

Commands:
  <player> <action> [json]   Send an action as a player
  join <player>              Add a player
  leave <player>             Remove a player
  state                      Print the session state
  end                        End the game
  exit                       Quit

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)`,
	Args: cobra.ExactArgs(1),
	Run:  runPlay,
}

func init() {
	playCmd.Flags().StringSlice("players", []string{"ann", "bo"}, "Players on the roster")
	playCmd.Flags().String("strategy", "", "Strategy: inline, auto, container, child-process")
	playCmd.Flags().String("history", "", "History file path (default: ~/.partybox_history)")
	rootCmd.AddCommand(playCmd)
}

// consoleSink prints events instead of sending them to browsers.
type consoleSink struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *consoleSink) print(target, event string, data json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	fmt.Fprintf(c.w, "[%s] %s %s\n", target, event, data)
}

func (c *consoleSink) SendToAll(sessionID, event string, data json.RawMessage) {
	c.print("all", event, data)
}

func (c *consoleSink) SendToPlayer(connectionID, event string, data json.RawMessage) {
	c.print(connectionID, event, data)
}

func (c *consoleSink) SendToHost(sessionID, event string, data json.RawMessage) {
	c.print("host", event, data)
}

func runPlay(cmd *cobra.Command, args []string) {
	gameID := args[0]
	playStrategy, _ := cmd.Flags().GetString("strategy")
	players, _ := cmd.Flags().GetStringSlice("players")
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".partybox_history")
	}

	inline := playStrategy == string(executor.KindInline)
	cfg, err := loadConfig(cmd)
	if err != nil {
		fail(err)
	}
	logger := newLogger(cfg)
	pol := cfg.Policy()
	ctx := context.Background()

	engines, closeEngines := newEngines(logger)
	defer closeEngines()

	var boot executor.Strategy
	if inline {
		boot = &executor.Inline{
			Loader:  payload.NewLoader(cfg.GamesDir, pol),
			Engines: engines,
			Policy:  pol,
			Allow:   []string{gameID},
			Logger:  logger,
		}
	} else {
		boot, _, err = strategies(ctx, cfg, pol, engines, logger)
		if err != nil {
			fail(err)
		}
	}

	sink := &consoleSink{w: os.Stdout}
	orch := orchestrator.New(boot, sink, pol,
		orchestrator.WithLogger(logger),
		orchestrator.WithCatalog(payload.NewLoader(cfg.GamesDir, pol)),
	)
	defer orch.Shutdown(context.Background())

	roster := make([]protocol.Player, 0, len(players))
	for _, name := range players {
		roster = append(roster, protocol.Player{ConnectionID: name, DisplayName: name})
	}
	if err := orch.OpenSession(orchestrator.Session{ID: consoleSession, Players: roster, HostConnectionID: "host"}); err != nil {
		fail(err)
	}

	fmt.Fprintf(os.Stderr, "starting %s with %s strategy...\n", gameID, boot.Kind())
	if err := orch.SelectGame(ctx, consoleSession, gameID); err != nil {
		fail(err)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		fail(err)
	}
	defer rl.Close()
	sink.w = rl.Stdout()

	fmt.Fprintf(os.Stderr, "partybox %s console (type 'exit' to quit, Ctrl+D to exit)\n", gameID)
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil {
			break
		}
		if quit := playLine(ctx, orch, strings.TrimSpace(line), rl.Stdout()); quit {
			break
		}
	}
}

// playLine runs one console command and reports whether to quit.
func playLine(ctx context.Context, orch *orchestrator.Orchestrator, line string, out io.Writer) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "exit", "quit":
		return true
	case "state":
		s, _ := orch.Session(consoleSession)
		fmt.Fprintf(out, "%s\n", s.State)
	case "end":
		if err := orch.EndGame(ctx, consoleSession); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	case "join":
		if len(fields) != 2 {
			fmt.Fprintln(out, "usage: join <player>")
			break
		}
		orch.Join(consoleSession, protocol.Player{ConnectionID: fields[1], DisplayName: fields[1]})
	case "leave":
		if len(fields) != 2 {
			fmt.Fprintln(out, "usage: leave <player>")
			break
		}
		orch.Leave(consoleSession, fields[1])
	default:
		if len(fields) < 2 {
			fmt.Fprintln(out, "usage: <player> <action> [json]")
			break
		}
		var data json.RawMessage
		rest := strings.TrimSpace(line[len(fields[0]):])
		if rest = strings.TrimSpace(rest[len(fields[1]):]); rest != "" {
			if !json.Valid([]byte(rest)) {
				fmt.Fprintln(out, "action data must be JSON")
				break
			}
			data = json.RawMessage(rest)
		}
		if !orch.Action(consoleSession, fields[0], fields[1], data) {
			fmt.Fprintln(out, "action not delivered (unknown player or no game running)")
		}
	}
	return false
}
