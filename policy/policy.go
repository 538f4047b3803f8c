// Package policy describes what game payloads may touch and how much they may
// consume.
//
// The denylists are defense in depth. The isolation guarantee comes from the
// process or container boundary chosen by the executor; a determined payload
// can find names the lists do not cover.
package policy

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Policy is immutable once built and shared by reference across strategies.
type Policy struct {
	// ModuleDenylist names modules whose resolution raises a violation.
	ModuleDenylist []string `json:"moduleDenylist"`
	// ModuleAllowlist names the only modules require may resolve.
	ModuleAllowlist []string `json:"moduleAllowlist"`
	// GlobalDenylist names globals removed from the payload environment.
	GlobalDenylist []string `json:"globalDenylist"`
	// FunctionDenylist names global functions removed from the payload environment.
	FunctionDenylist []string `json:"functionDenylist"`

	// ExecutionTimeout bounds a single handler call.
	ExecutionTimeout time.Duration `json:"executionTimeout"`
	// HandshakeTimeout bounds INIT → READY for out-of-process strategies.
	HandshakeTimeout time.Duration `json:"handshakeTimeout"`

	MemoryCeiling  uint64  `json:"memoryCeiling"` // bytes
	MemoryFraction float64 `json:"memoryFraction"`
	CPUQuota       float64 `json:"cpuQuota"` // cores
	PidsLimit      int     `json:"pidsLimit"`

	MessageCeiling int           `json:"messageCeiling"`
	IdleCeiling    time.Duration `json:"idleCeiling"`
	UptimeCeiling  time.Duration `json:"uptimeCeiling"`
	RestartCeiling int           `json:"restartCeiling"`

	// EndGameGrace is how long a runtime gets to exit after END_GAME before
	// a forced stop; StopGrace is how long a forced stop gets before a hard kill.
	EndGameGrace time.Duration `json:"endGameGrace"`
	StopGrace    time.Duration `json:"stopGrace"`
}

// Default returns the production policy.
func Default() *Policy {
	return &Policy{
		ModuleDenylist:   []string{"os", "io", "debug", "package", "ffi", "socket", "lfs", "posix", "jit"},
		ModuleAllowlist:  []string{"string", "table", "math", "bit32"},
		GlobalDenylist:   []string{"os", "io", "debug", "package", "_G"},
		FunctionDenylist: []string{"dofile", "loadfile", "load", "loadstring", "collectgarbage", "getmetatable"},

		ExecutionTimeout: 5 * time.Second,
		HandshakeTimeout: 10 * time.Second,

		MemoryCeiling:  128 << 20,
		MemoryFraction: 0.90,
		CPUQuota:       0.5,
		PidsLimit:      100,

		MessageCeiling: 1000,
		IdleCeiling:    120 * time.Second,
		UptimeCeiling:  300 * time.Second,
		RestartCeiling: 3,

		EndGameGrace: 2 * time.Second,
		StopGrace:    5 * time.Second,
	}
}

// ModuleDenied reports whether name is on the module denylist.
func (p *Policy) ModuleDenied(name string) bool {
	return slices.Contains(p.ModuleDenylist, name)
}

// ModuleAllowed reports whether require may resolve name.
func (p *Policy) ModuleAllowed(name string) bool {
	return !p.ModuleDenied(name) && slices.Contains(p.ModuleAllowlist, name)
}

// GlobalDenied reports whether name is a denylisted global or function and
// which kind of violation touching it is.
func (p *Policy) GlobalDenied(name string) (Kind, bool) {
	if slices.Contains(p.FunctionDenylist, name) {
		return KindFunction, true
	}
	if slices.Contains(p.GlobalDenylist, name) {
		return KindGlobal, true
	}
	return "", false
}

// MemoryCeilingMB is the memory ceiling rounded down to whole megabytes.
func (p *Policy) MemoryCeilingMB() uint64 {
	return p.MemoryCeiling >> 20
}

// Encode serializes the policy for the wrapper environment.
func (p *Policy) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode policy: %w", err)
	}
	return string(data), nil
}

// Decode parses a policy produced by Encode. Fields absent from s keep their
// defaults.
func Decode(s string) (*Policy, error) {
	p := Default()
	if s == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(s), p); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	return p, nil
}
