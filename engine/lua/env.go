package lua

import (
	"fmt"
	"strings"

	golua "github.com/Shopify/go-lua"

	"github.com/caffeineduck/partybox/engine"
	"github.com/caffeineduck/partybox/policy"
)

var libraries = []golua.RegistryFunction{
	{Name: "_G", Function: golua.BaseOpen},
	{Name: "string", Function: golua.StringOpen},
	{Name: "table", Function: golua.TableOpen},
	{Name: "math", Function: golua.MathOpen},
	{Name: "bit32", Function: golua.Bit32Open},
}

func (g *Game) openLibraries() {
	for _, lib := range libraries {
		golua.Require(g.l, lib.Name, lib.Function, true)
		g.l.Pop(1)
	}
}

// restrict strips denylisted names from the global table and traps later
// reads of them.
func (g *Game) restrict() {
	l := g.l
	for _, name := range g.policy.GlobalDenylist {
		l.PushNil()
		l.SetGlobal(name)
	}
	for _, name := range g.policy.FunctionDenylist {
		l.PushNil()
		l.SetGlobal(name)
	}
	for _, name := range g.policy.ModuleDenylist {
		l.PushNil()
		l.SetGlobal(name)
	}

	l.Register("require", g.require)
	l.Register("print", g.print)
	l.Register("pcall", g.pcall)
	l.Register("xpcall", g.xpcall)

	l.PushGlobalTable()
	l.NewTable()
	l.PushGoFunction(g.trap)
	l.SetField(-2, "__index")
	l.PushBoolean(false)
	l.SetField(-2, "__metatable")
	l.SetMetaTable(-2)
	l.Pop(1)
}

// trap is the __index of the global table; it only sees names that are not
// set.
func (g *Game) trap(l *golua.State) int {
	name, ok := l.ToString(2)
	if !ok {
		l.PushNil()
		return 1
	}
	if v := g.blocked(name); v != nil {
		g.violation = v
		return raise(l, v)
	}
	l.PushNil()
	return 1
}

func (g *Game) blocked(name string) *policy.Violation {
	if g.policy.ModuleDenied(name) {
		return &policy.Violation{Kind: policy.KindModule, Name: name}
	}
	if kind, denied := g.policy.GlobalDenied(name); denied {
		return &policy.Violation{Kind: kind, Name: name}
	}
	return nil
}

func (g *Game) require(l *golua.State) int {
	name := golua.CheckString(l, 1)
	if !g.policy.ModuleAllowed(name) {
		v := &policy.Violation{Kind: policy.KindModule, Name: name}
		g.violation = v
		return raise(l, v)
	}
	l.Global(name)
	return 1
}

func (g *Game) print(l *golua.State) int {
	n := l.Top()
	parts := make([]any, 0, n)
	for i := 1; i <= n; i++ {
		if s, ok := l.ToString(i); ok {
			parts = append(parts, s)
		} else {
			parts = append(parts, golua.TypeNameOf(l, i))
		}
	}
	g.logger.Info("payload print", "message", strings.TrimSuffix(fmt.Sprintln(parts...), "\n"))
	return 0
}

// aborting reports whether the current call must unwind regardless of any
// pcall in the way: its budget is spent or it touched something denylisted.
func (g *Game) aborting() error {
	if g.violation != nil {
		return g.violation
	}
	if g.timedOut || (g.ctx != nil && g.ctx.Err() != nil) {
		g.timedOut = true
		return engine.ErrTimeout
	}
	return nil
}

// pcall catches payload errors but re-raises budget and policy aborts.
func (g *Game) pcall(l *golua.State) int {
	golua.CheckAny(l, 1)
	l.PushNil()
	l.Insert(1)
	err := l.ProtectedCall(l.Top()-2, golua.MultipleReturns, 0)
	return g.finishProtected(l, err)
}

// xpcall is pcall with a message handler.
func (g *Game) xpcall(l *golua.State) int {
	n := l.Top()
	golua.ArgumentCheck(l, n >= 2, 2, "value expected")
	// Swap f and the handler so the handler sits below the call.
	l.PushValue(1)
	l.Copy(2, 1)
	l.Replace(2)
	err := l.ProtectedCall(n-2, golua.MultipleReturns, 1)
	return g.finishProtected(l, err)
}

// finishProtected replaces slot 1 with the status and returns every slot.
func (g *Game) finishProtected(l *golua.State, err error) int {
	if abort := g.aborting(); abort != nil {
		return raise(l, abort)
	}
	l.PushBoolean(err == nil)
	l.Replace(1)
	return l.Top()
}
