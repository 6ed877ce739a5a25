// Package tools holds the built-in sample tools registered by the server
// binary: a calculator, an echo, a sleeper for exercising the async path,
// and a clock.
package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/richinex/berry-mcp/protocol"
	"github.com/richinex/berry-mcp/server"
)

// RegisterAll adds the sample tools to the registry.
func RegisterAll(registry *server.ToolRegistry) error {
	entries := []*server.ToolEntry{
		calculateEntry(),
		echoEntry(),
		sleepEntry(),
		currentTimeEntry(),
	}
	for _, entry := range entries {
		if err := registry.Register(entry); err != nil {
			return err
		}
	}
	return nil
}

type calculateArgs struct {
	Expression string `json:"expression" description:"Expression to evaluate, e.g. '2+2' or '(3-1)*4'"`
}

func calculateEntry() *server.ToolEntry {
	return &server.ToolEntry{
		Tool: protocol.Tool{
			Name:        "calculate",
			Description: "Evaluate a basic arithmetic expression",
			InputSchema: server.SchemaFromStruct(calculateArgs{}),
		},
		Kind: protocol.ResultText,
		Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
			var p calculateArgs
			if err := server.DecodeArguments(args, &p); err != nil {
				return nil, err
			}
			if p.Expression == "" {
				return nil, fmt.Errorf("expression is required")
			}
			value, err := Evaluate(p.Expression)
			if err != nil {
				return nil, fmt.Errorf("cannot evaluate %q: %w", p.Expression, err)
			}
			return FormatNumber(value), nil
		},
	}
}

type echoArgs struct {
	Message string `json:"message" description:"Message to echo"`
}

func echoEntry() *server.ToolEntry {
	return &server.ToolEntry{
		Tool: protocol.Tool{
			Name:        "echo",
			Description: "Echo the given message back",
			InputSchema: server.SchemaFromStruct(echoArgs{}),
		},
		Kind: protocol.ResultText,
		Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
			var p echoArgs
			if err := server.DecodeArguments(args, &p); err != nil {
				return nil, err
			}
			return p.Message, nil
		},
	}
}

type sleepArgs struct {
	Seconds float64 `json:"seconds" description:"How long to sleep"`
}

func sleepEntry() *server.ToolEntry {
	return &server.ToolEntry{
		Tool: protocol.Tool{
			Name:        "sleep",
			Description: "Sleep for the given number of seconds, then report back",
			InputSchema: server.SchemaFromStruct(sleepArgs{}),
		},
		Kind:     protocol.ResultText,
		Blocking: true,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			var p sleepArgs
			if err := server.DecodeArguments(args, &p); err != nil {
				return nil, err
			}
			if p.Seconds < 0 {
				return nil, fmt.Errorf("seconds must be non-negative")
			}
			select {
			case <-time.After(time.Duration(p.Seconds * float64(time.Second))):
				return fmt.Sprintf("Slept for %s seconds", FormatNumber(p.Seconds)), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

type currentTimeArgs struct {
	Format *string `json:"format" description:"Go layout string, defaults to RFC 3339"`
}

func currentTimeEntry() *server.ToolEntry {
	return &server.ToolEntry{
		Tool: protocol.Tool{
			Name:        "current_time",
			Description: "Return the current server time",
			InputSchema: server.SchemaFromStruct(currentTimeArgs{}),
		},
		Kind: protocol.ResultText,
		Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
			var p currentTimeArgs
			if err := server.DecodeArguments(args, &p); err != nil {
				return nil, err
			}
			layout := time.RFC3339
			if p.Format != nil && *p.Format != "" {
				layout = *p.Format
			}
			return time.Now().Format(layout), nil
		},
	}
}
