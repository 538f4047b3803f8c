// Package hostfunc holds the host functions a game payload may call.
//
// Host functions are Go functions invoked from inside the sandbox, by name,
// with a map of named arguments. Both payload engines dispatch through a
// [Registry]: the Lua engine binds each entry into the payload's api table,
// the WASM engine resolves call frames written by the guest.
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("send_to_all", func(ctx context.Context, args map[string]any) (any, error) {
//	    event, err := hostfunc.String(args, "event")
//	    ...
//	})
//
// Payloads have no capability that is not registered here: there is no
// filesystem, network, or process access to register.
package hostfunc
