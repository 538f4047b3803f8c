// Package payload resolves a game id to the untrusted artifact that will run
// inside a sandbox.
package payload

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/caffeineduck/partybox/internal/fault"
	"github.com/caffeineduck/partybox/policy"
)

const (
	ManifestFile = "game.hcl"

	EngineLua  = "lua"
	EngineWASM = "wasm"

	// MaxSourceSize bounds payload source read into memory.
	MaxSourceSize = 8 << 20
)

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Manifest is the optional game.hcl of a game directory.
type Manifest struct {
	Game GameBlock `hcl:"game,block"`
}

type GameBlock struct {
	Name       string `hcl:"name,label"`
	Title      string `hcl:"title,optional"`
	Engine     string `hcl:"engine,optional"`
	Entry      string `hcl:"entry,optional"`
	MinPlayers int    `hcl:"min_players,optional"`
	MaxPlayers int    `hcl:"max_players,optional"`
}

// Payload is a loaded game ready for an engine.
type Payload struct {
	ID       string
	Dir      string
	Manifest GameBlock
	Source   []byte
}

// Loader reads games from a directory tree laid out as <dir>/<gameId>/.
type Loader struct {
	Dir    string
	Policy *policy.Policy
}

func NewLoader(dir string, pol *policy.Policy) *Loader {
	return &Loader{Dir: dir, Policy: pol}
}

// ValidID reports whether id is an acceptable game id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Load resolves, reads, and statically checks a game.
func (l *Loader) Load(gameID string) (*Payload, error) {
	if !ValidID(gameID) {
		return nil, fault.New(fault.CodeValidation, fmt.Sprintf("invalid game id %q", gameID))
	}

	dir := filepath.Join(l.Dir, gameID)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fault.Wrap(fault.CodeNotFound, fmt.Sprintf("game %q", gameID), err)
		}
		return nil, fault.Wrap(fault.CodeValidation, fmt.Sprintf("game %q", gameID), err)
	}
	if !info.IsDir() {
		return nil, fault.New(fault.CodeValidation, fmt.Sprintf("game %q is not a directory", gameID))
	}

	manifest, err := readManifest(dir, gameID)
	if err != nil {
		return nil, err
	}

	entry := filepath.Join(dir, filepath.Clean("/"+manifest.Entry))
	source, err := readBounded(entry)
	if err != nil {
		return nil, fault.Wrap(fault.CodeValidation, fmt.Sprintf("read entry %q", manifest.Entry), err)
	}

	if manifest.Engine == EngineLua && l.Policy != nil {
		if err := l.Policy.Check(source); err != nil {
			return nil, fault.Wrap(fault.CodeSecurity, "static check", err)
		}
	}

	return &Payload{
		ID:       gameID,
		Dir:      dir,
		Manifest: manifest,
		Source:   source,
	}, nil
}

// Manifest reads only the game's manifest, with defaults applied.
func (l *Loader) Manifest(gameID string) (GameBlock, error) {
	if !ValidID(gameID) {
		return GameBlock{}, fault.New(fault.CodeValidation, fmt.Sprintf("invalid game id %q", gameID))
	}
	dir := filepath.Join(l.Dir, gameID)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return GameBlock{}, fault.Wrap(fault.CodeNotFound, fmt.Sprintf("game %q", gameID), err)
		}
		return GameBlock{}, fault.Wrap(fault.CodeValidation, fmt.Sprintf("game %q", gameID), err)
	}
	return readManifest(dir, gameID)
}

func readManifest(dir, gameID string) (GameBlock, error) {
	block := GameBlock{Name: gameID}

	path := filepath.Join(dir, ManifestFile)
	if _, err := os.Stat(path); err == nil {
		var m Manifest
		if err := hclsimple.DecodeFile(path, nil, &m); err != nil {
			return GameBlock{}, fault.Wrap(fault.CodeValidation, "parse manifest", err)
		}
		block = m.Game
		if block.Name != gameID {
			return GameBlock{}, fault.New(fault.CodeValidation,
				fmt.Sprintf("manifest declares game %q in directory %q", block.Name, gameID))
		}
	}

	if block.Engine == "" {
		block.Engine = EngineLua
	}
	if block.Entry == "" {
		switch block.Engine {
		case EngineWASM:
			block.Entry = "main.wasm"
		default:
			block.Entry = "main.lua"
		}
	}
	if block.Title == "" {
		block.Title = gameID
	}

	switch block.Engine {
	case EngineLua, EngineWASM:
	default:
		return GameBlock{}, fault.New(fault.CodeValidation, fmt.Sprintf("unknown engine %q", block.Engine))
	}
	if block.MaxPlayers > 0 && block.MinPlayers > block.MaxPlayers {
		return GameBlock{}, fault.New(fault.CodeValidation, "min_players exceeds max_players")
	}
	return block, nil
}

func readBounded(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxSourceSize {
		return nil, fmt.Errorf("%s is %d bytes, limit %d", filepath.Base(path), info.Size(), MaxSourceSize)
	}
	return os.ReadFile(path)
}
