package payload

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/caffeineduck/partybox/internal/fault"
	"github.com/caffeineduck/partybox/policy"
)

func TestLoadWithManifest(t *testing.T) {
	loader := NewLoader("testdata/games", policy.Default())

	p, err := loader.Load("trivia")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Manifest.Title != "Trivia Night" || p.Manifest.MaxPlayers != 8 {
		t.Errorf("unexpected manifest %+v", p.Manifest)
	}
	if len(p.Source) == 0 {
		t.Error("expected source bytes")
	}
}

func TestManifestOnly(t *testing.T) {
	loader := NewLoader("testdata/games", policy.Default())

	m, err := loader.Manifest("trivia")
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if m.MinPlayers != 2 || m.MaxPlayers != 8 {
		t.Errorf("unexpected bounds %+v", m)
	}

	m, err = loader.Manifest("nomanifest")
	if err != nil || m.Engine != EngineLua || m.MaxPlayers != 0 {
		t.Errorf("unexpected defaults %+v, %v", m, err)
	}

	if _, err := loader.Manifest("missing"); !fault.Is(err, fault.CodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestLoadDefaultsWithoutManifest(t *testing.T) {
	loader := NewLoader("testdata/games", policy.Default())

	p, err := loader.Load("nomanifest")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Manifest.Engine != EngineLua || p.Manifest.Entry != "main.lua" || p.Manifest.Title != "nomanifest" {
		t.Errorf("unexpected defaults %+v", p.Manifest)
	}
}

func TestLoadRejectsDenylistedRequire(t *testing.T) {
	loader := NewLoader("testdata/games", policy.Default())

	_, err := loader.Load("sneaky")
	var v *policy.Violation
	if !errors.As(err, &v) {
		t.Fatalf("expected violation, got %v", err)
	}
	if v.Name != "os" {
		t.Errorf("expected os, got %q", v.Name)
	}
	if !fault.Is(err, fault.CodeSecurity) {
		t.Errorf("expected security code, got %s", fault.CodeOf(err))
	}
}

func TestLoadRejectsBadIDs(t *testing.T) {
	loader := NewLoader("testdata/games", policy.Default())

	for _, id := range []string{"", "../etc", "Trivia", "a/b", "-x"} {
		if _, err := loader.Load(id); !fault.Is(err, fault.CodeValidation) {
			t.Errorf("%q: expected validation error, got %v", id, err)
		}
	}
}

func TestLoadMissingGame(t *testing.T) {
	loader := NewLoader("testdata/games", policy.Default())
	if _, err := loader.Load("nope"); !fault.Is(err, fault.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLoadRejectsMismatchedManifest(t *testing.T) {
	dir := t.TempDir()
	gameDir := filepath.Join(dir, "quiz")
	if err := os.MkdirAll(gameDir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := "game \"other\" {\n  engine = \"lua\"\n}\n"
	if err := os.WriteFile(filepath.Join(gameDir, ManifestFile), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(gameDir, "main.lua"), []byte("return {}"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewLoader(dir, policy.Default()).Load("quiz"); !fault.Is(err, fault.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLoadRejectsUnknownEngine(t *testing.T) {
	dir := t.TempDir()
	gameDir := filepath.Join(dir, "quiz")
	if err := os.MkdirAll(gameDir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := "game \"quiz\" {\n  engine = \"python\"\n}\n"
	if err := os.WriteFile(filepath.Join(gameDir, ManifestFile), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewLoader(dir, policy.Default()).Load("quiz"); !fault.Is(err, fault.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
