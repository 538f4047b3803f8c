package lua

import (
	"fmt"
	"time"

	golua "github.com/Shopify/go-lua"

	"github.com/caffeineduck/partybox/engine"
)

// installAPI builds the api table handed to every handler from the host
// function registry. Arguments are positional in registry parameter order;
// both api.f(...) and api:f(...) call styles are accepted.
func (g *Game) installAPI() {
	l := g.l
	names := g.registry.List()
	l.CreateTable(0, len(names))
	for _, name := range names {
		l.PushGoFunction(g.hostCall(name))
		l.SetField(-2, name)
	}
	l.SetField(golua.RegistryIndex, apiKey)
}

func (g *Game) hostCall(name string) golua.Function {
	params := g.registry.Params(name)
	return func(l *golua.State) int {
		first := 1
		l.Field(golua.RegistryIndex, apiKey)
		if l.RawEqual(1, -1) {
			first = 2
		}
		l.Pop(1)

		args := make(map[string]any, len(params))
		for i, param := range params {
			v, err := toGo(l, first+i, 0)
			if err != nil {
				return raise(l, fmt.Errorf("%s: %s: %w", name, param, err))
			}
			args[param] = v
		}

		result, err := g.registry.Call(g.ctx, name, args)
		if err != nil {
			return raise(l, fmt.Errorf("%s: %w", name, err))
		}
		push(l, result)
		return 1
	}
}

// installHook aborts any call whose context is done, checked every
// hookCount instructions.
func (g *Game) installHook() {
	golua.SetDebugHook(g.l, func(l *golua.State, _ golua.Debug) {
		if g.ctx == nil || g.ctx.Err() == nil {
			return
		}
		g.timedOut = true
		budget := "deadline"
		if deadline, ok := g.ctx.Deadline(); ok {
			budget = time.Since(deadline).Truncate(time.Millisecond).String() + " past deadline"
		}
		raise(l, fmt.Errorf("%w (%s)", engine.ErrTimeout, budget))
	}, golua.MaskCount, hookCount)
}
