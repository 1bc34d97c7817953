package internaltools

import (
	"context"
	"fmt"

	"tsagent/pkg/mcp"
	"tsagent/pkg/session"
)

// SessionLookup resolves a session handle to an open session, the seam
// ToolsHandler uses instead of importing pkg/facade directly (which would
// import this package, forming a cycle).
type SessionLookup func(handle string) (*session.Session, bool)

// ToolsHandler implements the "tool-inclusion management" internal
// tool-server of spec.md §4.8: listing tools across every connected server
// and mutating a session's tool scope or a server's configured include
// mode.
type ToolsHandler struct {
	baseHandler
	mgr         *mcp.Manager
	listServers func() []mcp.ServerConfig
	saveServer  func(mcp.ServerConfig) error
	sessionOf   SessionLookup
}

// NewToolsHandler builds the tool-inclusion management tool surface. mgr
// supplies the live set of connected servers and their tools; listServers
// and saveServer read/write the persisted per-server ToolInclude config;
// sessionOf resolves the sessionHandle threaded into Call for the
// context-mutating operations.
func NewToolsHandler(mgr *mcp.Manager, listServers func() []mcp.ServerConfig, saveServer func(mcp.ServerConfig) error, sessionOf SessionLookup) *ToolsHandler {
	h := &ToolsHandler{
		baseHandler: newBaseHandler(),
		mgr:         mgr,
		listServers: listServers,
		saveServer:  saveServer,
		sessionOf:   sessionOf,
	}
	h.registerTools()
	return h
}

// toolEntry is the listTools/getTool wire shape: a tool's identity plus
// its currently configured include mode.
type toolEntry struct {
	ServerName  string         `json:"serverName"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	IncludeMode string         `json:"includeMode"`
}

func (h *ToolsHandler) configFor(serverName string) (mcp.ServerConfig, bool) {
	for _, cfg := range h.listServers() {
		if cfg.Name == serverName {
			return cfg, true
		}
	}
	return mcp.ServerConfig{}, false
}

func (h *ToolsHandler) entryFor(t mcp.AggregatedTool) toolEntry {
	mode := mcp.IncludeManual
	if cfg, ok := h.configFor(t.ServerName); ok {
		mode = cfg.ToolInclude.ModeFor(t.Tool.Name)
	}
	return toolEntry{
		ServerName:  t.ServerName,
		Name:        t.Tool.Name,
		Description: t.Tool.Description,
		InputSchema: t.Tool.InputSchema,
		IncludeMode: string(mode),
	}
}

func (h *ToolsHandler) sessionFor(sessionHandle string) (*session.Session, error) {
	if sessionHandle == "" {
		return nil, fmt.Errorf("Chat session not found")
	}
	sess, ok := h.sessionOf(sessionHandle)
	if !ok {
		return nil, fmt.Errorf("Chat session not found")
	}
	return sess, nil
}

func (h *ToolsHandler) registerTools() {
	h.register(spec{
		descriptor: mcp.ToolDescriptor{
			Name:        "listTools",
			Description: "List every tool across all connected servers, with its current include mode",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"serverName": map[string]any{"type": "string"}},
			},
		},
		handle: func(ctx context.Context, args map[string]any, sessionHandle string) (string, error) {
			filter, err := stringArg(args, "serverName", false)
			if err != nil {
				return "", err
			}
			all, err := h.mgr.GetAllTools(ctx)
			if err != nil {
				return "", err
			}
			entries := make([]toolEntry, 0, len(all))
			for _, t := range all {
				if filter != "" && t.ServerName != filter {
					continue
				}
				entries = append(entries, h.entryFor(t))
			}
			return toJSON(entries)
		},
	})

	h.register(spec{
		descriptor: mcp.ToolDescriptor{
			Name:        "getTool",
			Description: "Fetch one tool's full descriptor, schema, and include mode",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"serverName": map[string]any{"type": "string"},
					"name":       map[string]any{"type": "string"},
				},
				"required": []any{"serverName", "name"},
			},
		},
		handle: func(ctx context.Context, args map[string]any, sessionHandle string) (string, error) {
			serverName, err := stringArg(args, "serverName", true)
			if err != nil {
				return "", err
			}
			name, err := stringArg(args, "name", true)
			if err != nil {
				return "", err
			}
			all, err := h.mgr.GetAllTools(ctx)
			if err != nil {
				return "", err
			}
			for _, t := range all {
				if t.ServerName == serverName && t.Tool.Name == name {
					return toJSON(h.entryFor(t))
				}
			}
			return "", fmt.Errorf("tool %q on server %q not found", name, serverName)
		},
	})

	h.register(spec{
		descriptor: mcp.ToolDescriptor{
			Name:        "listContextTools",
			Description: "List the tools currently in scope for the calling chat session",
			InputSchema: map[string]any{"type": "object"},
		},
		handle: func(ctx context.Context, args map[string]any, sessionHandle string) (string, error) {
			sess, err := h.sessionFor(sessionHandle)
			if err != nil {
				return "", err
			}
			refs := sess.ToolsInScope()
			out := make([]map[string]string, 0, len(refs))
			for _, r := range refs {
				out = append(out, map[string]string{"serverName": r.ServerName, "name": r.ToolName})
			}
			return toJSON(out)
		},
	})

	h.register(spec{
		descriptor: mcp.ToolDescriptor{
			Name:        "includeTool",
			Description: "Add a tool to the calling chat session's scope",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"serverName": map[string]any{"type": "string"},
					"name":       map[string]any{"type": "string"},
				},
				"required": []any{"serverName", "name"},
			},
		},
		handle: func(ctx context.Context, args map[string]any, sessionHandle string) (string, error) {
			sess, err := h.sessionFor(sessionHandle)
			if err != nil {
				return "", err
			}
			serverName, name, err := requireServerAndTool(args)
			if err != nil {
				return "", err
			}
			sess.AddTool(serverName, name)
			return toJSON(map[string]any{"included": true})
		},
	})

	h.register(spec{
		descriptor: mcp.ToolDescriptor{
			Name:        "excludeTool",
			Description: "Remove a tool from the calling chat session's scope",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"serverName": map[string]any{"type": "string"},
					"name":       map[string]any{"type": "string"},
				},
				"required": []any{"serverName", "name"},
			},
		},
		handle: func(ctx context.Context, args map[string]any, sessionHandle string) (string, error) {
			sess, err := h.sessionFor(sessionHandle)
			if err != nil {
				return "", err
			}
			serverName, name, err := requireServerAndTool(args)
			if err != nil {
				return "", err
			}
			sess.RemoveTool(serverName, name)
			return toJSON(map[string]any{"included": false})
		},
	})

	h.register(spec{
		descriptor: mcp.ToolDescriptor{
			Name:        "setToolIncludeMode",
			Description: "Set a server's default include mode, or a single tool's override, to always/manual/agent",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"serverName": map[string]any{"type": "string"},
					"name":       map[string]any{"type": "string"},
					"mode":       map[string]any{"type": "string", "enum": []any{"always", "manual", "agent"}},
				},
				"required": []any{"serverName", "mode"},
			},
		},
		handle: func(ctx context.Context, args map[string]any, sessionHandle string) (string, error) {
			serverName, err := stringArg(args, "serverName", true)
			if err != nil {
				return "", err
			}
			mode, err := stringArg(args, "mode", true)
			if err != nil {
				return "", err
			}
			name, err := stringArg(args, "name", false)
			if err != nil {
				return "", err
			}

			cfg, ok := h.configFor(serverName)
			if !ok {
				return "", fmt.Errorf("server %q not found", serverName)
			}
			if name == "" {
				cfg.ToolInclude.ServerDefault = mcp.ToolIncludeMode(mode)
			} else {
				if cfg.ToolInclude.PerToolOverrides == nil {
					cfg.ToolInclude.PerToolOverrides = map[string]mcp.ToolIncludeMode{}
				}
				cfg.ToolInclude.PerToolOverrides[name] = mcp.ToolIncludeMode(mode)
			}
			if err := h.saveServer(cfg); err != nil {
				return "", err
			}
			return toJSON(map[string]any{"serverName": serverName, "name": name, "mode": mode})
		},
	})
}

func requireServerAndTool(args map[string]any) (serverName, name string, err error) {
	serverName, err = stringArg(args, "serverName", true)
	if err != nil {
		return "", "", err
	}
	name, err = stringArg(args, "name", true)
	if err != nil {
		return "", "", err
	}
	return serverName, name, nil
}
