package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"tsagent/pkg/logging"
)

// ProcessClient is the stdio transport variant: it spawns `command argv`
// with the given environment and speaks MCP over the child's stdin/stdout
// via mark3labs/mcp-go. Grounded on hector's
// pkg/tool/mcptoolset.Toolset.connectStdio.
type ProcessClient struct {
	cfg ServerConfig

	// systemPath is injected into the child's environment when cfg.Env
	// lacks PATH and the workspace recorded one (spec.md §4.3).
	systemPath string

	mu        sync.Mutex
	inner     *client.Client
	connected bool
	version   string
	tools     []ToolDescriptor
	errs      errorRing

	log hclogLogger
}

// NewProcessClient creates a stdio-transport client for the given config.
// systemPath is the workspace's recorded system PATH, used only when the
// server's own env omits PATH.
func NewProcessClient(cfg ServerConfig, systemPath string) *ProcessClient {
	return &ProcessClient{
		cfg:        cfg,
		systemPath: systemPath,
		log:        logging.Named("mcp.process"),
	}
}

func (c *ProcessClient) childEnv() []string {
	env := make(map[string]string, len(c.cfg.Env)+1)
	for k, v := range c.cfg.Env {
		env[k] = v
	}
	if _, has := env["PATH"]; !has && c.systemPath != "" {
		env["PATH"] = c.systemPath
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func (c *ProcessClient) Connect(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return true, nil
	}

	mcpClient, err := client.NewStdioMCPClient(c.cfg.Command, c.childEnv(), c.cfg.Args...)
	if err != nil {
		c.errs.push(err.Error())
		return false, &TransportError{Server: c.cfg.Name, Op: "spawn", Err: err}
	}
	if err := mcpClient.Start(ctx); err != nil {
		c.errs.push(err.Error())
		return false, &TransportError{Server: c.cfg.Name, Op: "start", Err: err}
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "tsagent", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"

	initResp, err := mcpClient.Initialize(ctx, initReq)
	if err != nil {
		_ = mcpClient.Close()
		c.errs.push(err.Error())
		return false, &TransportError{Server: c.cfg.Name, Op: "initialize", Err: err}
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = mcpClient.Close()
		c.errs.push(err.Error())
		return false, &TransportError{Server: c.cfg.Name, Op: "list_tools", Err: err}
	}

	tools := make([]ToolDescriptor, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		tools = append(tools, ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
		})
	}

	c.inner = mcpClient
	c.tools = tools
	c.version = initResp.ServerInfo.Version
	c.connected = true

	c.log.Warn("connected", "server", c.cfg.Name, "command", c.cfg.Command, "tools", len(tools))
	return true, nil
}

func (c *ProcessClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	if c.inner != nil {
		err := c.inner.Close()
		c.inner = nil
		return err
	}
	return nil
}

func (c *ProcessClient) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if ok, err := c.Connect(ctx); !ok {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ToolDescriptor(nil), c.tools...), nil
}

func (c *ProcessClient) CallTool(ctx context.Context, toolName string, args map[string]any, _ string) (CallResult, error) {
	start := time.Now()
	if ok, err := c.Connect(ctx); !ok {
		return CallResult{Error: err.Error(), ElapsedMs: time.Since(start).Milliseconds()}, nil
	}

	c.mu.Lock()
	inner := c.inner
	c.mu.Unlock()
	if inner == nil {
		return CallResult{Error: "not connected", ElapsedMs: time.Since(start).Milliseconds()}, nil
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args

	resp, err := inner.CallTool(ctx, req)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		c.mu.Lock()
		c.connected = false
		c.errs.push(err.Error())
		c.mu.Unlock()
		return CallResult{Error: err.Error(), ElapsedMs: elapsed}, nil
	}

	var parts []ContentPart
	for _, item := range resp.Content {
		if tc, ok := item.(mcp.TextContent); ok {
			parts = append(parts, ContentPart{Type: ContentText, Text: tc.Text})
		} else {
			parts = append(parts, ContentPart{Type: ContentOther})
		}
	}

	result := CallResult{Content: parts, ElapsedMs: elapsed}
	if resp.IsError {
		result.Error = result.TextContent()
		if result.Error == "" {
			result.Error = "tool call failed"
		}
	}
	return result, nil
}

func (c *ProcessClient) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if ok, err := c.Connect(ctx); !ok {
		return 0, err
	}
	c.mu.Lock()
	inner := c.inner
	c.mu.Unlock()
	if inner == nil {
		return 0, &TransportError{Server: c.cfg.Name, Op: "ping", Err: fmt.Errorf("not connected")}
	}
	if err := inner.Ping(ctx); err != nil {
		return 0, &TransportError{Server: c.cfg.Name, Op: "ping", Err: err}
	}
	return time.Since(start), nil
}

func (c *ProcessClient) ErrorLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errs.lines()
}

func (c *ProcessClient) ServerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *ProcessClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	m := map[string]any{"type": "object"}
	if schema.Properties != nil {
		m["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		m["required"] = schema.Required
	}
	return m
}

var _ Client = (*ProcessClient)(nil)
