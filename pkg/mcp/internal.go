package mcp

import (
	"context"
	"time"
)

// InternalHandler is implemented by an in-process tool provider (the
// internal-tools package) and adapted to the Client contract by
// InternalClient, so the rest of the core treats built-in tools identically
// to any other tool server (spec.md §4.8).
type InternalHandler interface {
	Tools() []ToolDescriptor
	Call(ctx context.Context, toolName string, args map[string]any, sessionHandle string) (CallResult, error)
}

// InternalClient adapts an InternalHandler to the Client interface. It is
// always connected: there is no process to spawn or socket to open.
type InternalClient struct {
	name    string
	handler InternalHandler
}

// NewInternalClient wraps an InternalHandler as a Client for server name
// name.
func NewInternalClient(name string, handler InternalHandler) *InternalClient {
	return &InternalClient{name: name, handler: handler}
}

func (c *InternalClient) Connect(ctx context.Context) (bool, error) { return true, nil }

func (c *InternalClient) Disconnect() error { return nil }

func (c *InternalClient) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	return c.handler.Tools(), nil
}

func (c *InternalClient) CallTool(ctx context.Context, toolName string, args map[string]any, sessionHandle string) (CallResult, error) {
	start := time.Now()
	result, err := c.handler.Call(ctx, toolName, args, sessionHandle)
	if err != nil {
		return CallResult{Error: err.Error(), ElapsedMs: time.Since(start).Milliseconds()}, nil
	}
	if result.ElapsedMs == 0 {
		result.ElapsedMs = time.Since(start).Milliseconds()
	}
	return result, nil
}

func (c *InternalClient) Ping(ctx context.Context) (time.Duration, error) { return 0, nil }

func (c *InternalClient) ErrorLog() []string { return nil }

func (c *InternalClient) ServerVersion() string { return "internal" }

func (c *InternalClient) IsConnected() bool { return true }

var _ Client = (*InternalClient)(nil)
