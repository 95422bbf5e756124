package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/tailored-agentic-units/sysend/peer"
	"github.com/tailored-agentic-units/sysend/rpc"
)

// methods is the RPC table every sysendctl peer serves. call relies on both
// sides creating it as their first surface.
func methods(p *peer.Peer) map[string]rpc.Method {
	return map[string]rpc.Method{
		"status": func(context.Context, ...any) (any, error) {
			return p.Status(), nil
		},
		"metrics": func(context.Context, ...any) (any, error) {
			return p.Metrics(), nil
		},
		"echo": func(_ context.Context, args ...any) (any, error) {
			return args, nil
		},
		"hostname": func(context.Context, ...any) (any, error) {
			return os.Hostname()
		},
	}
}

// parseArg reads a command-line argument as JSON, falling back to the raw
// string.
func parseArg(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "<unprintable>"
	}
	return string(data)
}
