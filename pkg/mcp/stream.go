package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"tsagent/pkg/logging"
)

// StreamClient is the streamable-HTTP / SSE transport variant: a hand-rolled
// JSON-RPC-over-HTTP client speaking to a long-lived remote MCP endpoint.
// Grounded on hector's pkg/tool/mcptoolset.Toolset.connectHTTP/makeHTTPRequest,
// generalized with the session-loss detection spec.md §9 calls for: any
// second "initialize" observed on the same logical connection forces a
// reconnect on the next CallTool.
type StreamClient struct {
	cfg ServerConfig

	httpClient *http.Client

	mu          sync.Mutex
	connected   bool
	initialized bool
	sessionID   string
	version     string
	tools       []ToolDescriptor
	errs        errorRing

	nextID int64

	log hclogLogger
}

// NewStreamClient creates an HTTP-transport client for the given config.
func NewStreamClient(cfg ServerConfig) *StreamClient {
	return &StreamClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logging.Named("mcp.stream"),
	}
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

func (c *StreamClient) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	c.mu.Lock()
	sid := c.sessionID
	c.mu.Unlock()
	if sid != "" {
		req.Header.Set("Mcp-Session-Id", sid)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if newSID := resp.Header.Get("Mcp-Session-Id"); newSID != "" {
		c.mu.Lock()
		c.sessionID = newSID
		c.mu.Unlock()
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("mcp stream: http %d: %s", resp.StatusCode, string(raw))
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, fmt.Errorf("mcp stream: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("mcp stream: rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func (c *StreamClient) Connect(ctx context.Context) (bool, error) {
	c.mu.Lock()
	alreadyInit := c.initialized && !c.connected
	c.mu.Unlock()

	// A second initialize after the connection was lost (one already
	// succeeded, then a failed call marked the client disconnected) means
	// the server (or our session) was reset underneath us; drop the session
	// id and re-handshake cleanly.
	if alreadyInit {
		c.mu.Lock()
		c.sessionID = ""
		c.connected = false
		c.mu.Unlock()
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return true, nil
	}
	c.mu.Unlock()

	params := map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "tsagent", "version": "1.0.0"},
		"capabilities":    map[string]any{},
	}
	result, err := c.request(ctx, "initialize", params)
	if err != nil {
		c.mu.Lock()
		c.errs.push(err.Error())
		c.mu.Unlock()
		return false, &TransportError{Server: c.cfg.Name, Op: "initialize", Err: err}
	}

	var initResult struct {
		ServerInfo struct {
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	_ = json.Unmarshal(result, &initResult)

	listResult, err := c.request(ctx, "tools/list", map[string]any{})
	if err != nil {
		c.mu.Lock()
		c.errs.push(err.Error())
		c.mu.Unlock()
		return false, &TransportError{Server: c.cfg.Name, Op: "list_tools", Err: err}
	}

	var listed struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(listResult, &listed); err != nil {
		return false, &TransportError{Server: c.cfg.Name, Op: "list_tools", Err: err}
	}

	tools := make([]ToolDescriptor, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		tools = append(tools, ToolDescriptor{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}

	c.mu.Lock()
	c.tools = tools
	c.version = initResult.ServerInfo.Version
	c.initialized = true
	c.connected = true
	c.mu.Unlock()

	c.log.Warn("connected", "server", c.cfg.Name, "url", c.cfg.URL, "tools", len(tools))
	return true, nil
}

func (c *StreamClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.sessionID = ""
	return nil
}

func (c *StreamClient) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if ok, err := c.Connect(ctx); !ok {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ToolDescriptor(nil), c.tools...), nil
}

func (c *StreamClient) CallTool(ctx context.Context, toolName string, args map[string]any, _ string) (CallResult, error) {
	start := time.Now()
	if ok, err := c.Connect(ctx); !ok {
		return CallResult{Error: err.Error(), ElapsedMs: time.Since(start).Milliseconds()}, nil
	}

	result, err := c.request(ctx, "tools/call", map[string]any{"name": toolName, "arguments": args})
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		c.mu.Lock()
		c.connected = false
		c.errs.push(err.Error())
		c.mu.Unlock()
		return CallResult{Error: err.Error(), ElapsedMs: elapsed}, nil
	}

	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return CallResult{Error: fmt.Sprintf("decode result: %v", err), ElapsedMs: elapsed}, nil
	}

	var parts []ContentPart
	for _, item := range parsed.Content {
		if item.Type == "text" {
			parts = append(parts, ContentPart{Type: ContentText, Text: item.Text})
		} else {
			parts = append(parts, ContentPart{Type: ContentOther})
		}
	}

	out := CallResult{Content: parts, ElapsedMs: elapsed}
	if parsed.IsError {
		out.Error = out.TextContent()
		if out.Error == "" {
			out.Error = "tool call failed"
		}
	}
	return out, nil
}

func (c *StreamClient) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if ok, err := c.Connect(ctx); !ok {
		return 0, err
	}
	if _, err := c.request(ctx, "ping", map[string]any{}); err != nil {
		return 0, &TransportError{Server: c.cfg.Name, Op: "ping", Err: err}
	}
	return time.Since(start), nil
}

func (c *StreamClient) ErrorLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errs.lines()
}

func (c *StreamClient) ServerVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *StreamClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

var _ Client = (*StreamClient)(nil)
