//go:build wasip1

// Guest game used by the engine tests.
// Build with: GOOS=wasip1 GOARCH=wasm go build -o ../guest.wasm .
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

var stdin = bufio.NewScanner(os.Stdin)

func call(fn string, args map[string]any) (json.RawMessage, error) {
	req, _ := json.Marshal(map[string]any{"fn": fn, "args": args})
	fmt.Fprintf(os.Stderr, "\x00PARTY:%s\x00", req)
	if !stdin.Scan() {
		return nil, fmt.Errorf("no reply to %s", fn)
	}
	var resp struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal(stdin.Bytes(), &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	return resp.Data, nil
}

func handle(env envelope) error {
	switch env.Type {
	case "INIT":
		fmt.Fprintln(os.Stderr, "guest initialized")
		return nil
	case "PLAYER_ACTION":
		var action struct {
			ConnectionID string          `json:"connectionId"`
			Action       string          `json:"action"`
			Data         json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(env.Data, &action); err != nil {
			return err
		}
		switch action.Action {
		case "fail":
			return fmt.Errorf("asked to fail")
		case "spin":
			for {
			}
		case "quit":
			os.Exit(0)
		}
		_, err := call("send_to_player", map[string]any{
			"connection_id": action.ConnectionID,
			"event":         action.Action,
			"data":          action.Data,
		})
		return err
	}
	return nil
}

func main() {
	fmt.Fprint(os.Stderr, "\x00PARTY_READY\x00")
	for stdin.Scan() {
		var env envelope
		if err := json.Unmarshal(stdin.Bytes(), &env); err != nil {
			fmt.Fprintf(os.Stderr, "\x00PARTY_ERROR:%s\x00", err)
			continue
		}
		if err := handle(env); err != nil {
			fmt.Fprintf(os.Stderr, "\x00PARTY_ERROR:%s\x00", err)
			continue
		}
		fmt.Fprint(os.Stderr, "\x00PARTY_DONE\x00")
		if env.Type == "END_GAME" {
			return
		}
	}
}
