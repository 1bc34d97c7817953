// Package mcp implements the Tool-Server Client variants and the
// Tool-Server Manager: the lifecycle, dispatch, and wire-identity rules for
// external tool servers reachable over stdio, HTTP streaming, or in-process.
//
// The unified Client contract is grounded on the teacher's tools.Tool
// interface (Name/Schema/Risk/Execute) widened to the transport-level shape
// this spec requires (Connect/Disconnect/ListTools/CallTool/Ping/ErrorLog).
package mcp

import (
	"encoding/json"
	"fmt"
)

// TransportKind discriminates the ServerConfig tagged union.
type TransportKind string

const (
	TransportProcess  TransportKind = "stdio"
	TransportStream   TransportKind = "sse"
	TransportInternal TransportKind = "internal"
)

// ToolIncludeMode controls when a tool is exposed to the model.
type ToolIncludeMode string

const (
	IncludeAlways ToolIncludeMode = "always"
	IncludeManual ToolIncludeMode = "manual"
	IncludeAgent  ToolIncludeMode = "agent"
)

// PermissionMode controls whether a tool call requires approval.
type PermissionMode string

const (
	PermissionRequired    PermissionMode = "required"
	PermissionNotRequired PermissionMode = "notRequired"
	PermissionUnset       PermissionMode = ""
)

// ToolInclude is the per-server default and per-tool override for
// inclusion mode.
type ToolInclude struct {
	ServerDefault    ToolIncludeMode            `json:"serverDefault,omitempty"`
	PerToolOverrides map[string]ToolIncludeMode `json:"tools,omitempty"`
}

// ModeFor resolves the effective include mode for a tool name.
func (t ToolInclude) ModeFor(toolName string) ToolIncludeMode {
	if t.PerToolOverrides != nil {
		if m, ok := t.PerToolOverrides[toolName]; ok && m != "" {
			return m
		}
	}
	if t.ServerDefault != "" {
		return t.ServerDefault
	}
	return IncludeManual
}

// Permissions is the per-server default and per-tool override for whether
// a call requires approval.
type Permissions struct {
	DefaultPermission PermissionMode            `json:"defaultPermission,omitempty"`
	PerTool           map[string]PermissionMode `json:"toolPermissions,omitempty"`
}

// PermissionFor resolves the effective permission for a tool name. The
// bool return is false when neither a per-tool override nor a server
// default is recorded (caller must apply its own fallback, per spec.md
// §4.5's "Fallback if no determination: true").
func (p Permissions) PermissionFor(toolName string) (PermissionMode, bool) {
	if p.PerTool != nil {
		if m, ok := p.PerTool[toolName]; ok && m != "" {
			return m, true
		}
	}
	if p.DefaultPermission != "" {
		return p.DefaultPermission, true
	}
	return PermissionUnset, false
}

// ServerConfig is the tagged union over transports described in spec.md
// §3/§6. Only the fields relevant to Type are meaningful.
type ServerConfig struct {
	Name string        `json:"-"`
	Type TransportKind `json:"type"`

	// process ("stdio")
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// stream ("sse")
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	// internal
	InternalTool string `json:"tool,omitempty"`

	ToolInclude ToolInclude `json:"toolInclude,omitempty"`
	Permissions Permissions `json:"permissions,omitempty"`
}

// Validate checks that the ServerConfig carries the fields its Type needs.
func (c ServerConfig) Validate() error {
	switch c.Type {
	case TransportProcess:
		if c.Command == "" {
			return fmt.Errorf("mcp: stdio server %q missing command", c.Name)
		}
	case TransportStream:
		if c.URL == "" {
			return fmt.Errorf("mcp: sse server %q missing url", c.Name)
		}
	case TransportInternal:
		if c.InternalTool == "" {
			return fmt.Errorf("mcp: internal server %q missing tool", c.Name)
		}
	default:
		return fmt.Errorf("mcp: server %q has unknown type %q", c.Name, c.Type)
	}
	return nil
}

// ToolDescriptor is a tool's identity and schema as reported by ListTools.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ContentKind discriminates ContentPart.
type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentOther ContentKind = "other"
)

// ContentPart is one item of a tool call result. Only Type=text parts are
// consumed by the core; other parts are preserved for round-trip (e.g.
// logging, audit) but ignored by the turn engine, per spec.md §9's
// "Dynamic tool-result payload" note.
type ContentPart struct {
	Type ContentKind     `json:"type"`
	Text string          `json:"text,omitempty"`
	Raw  json.RawMessage `json:"raw,omitempty"`
}

// CallResult is the outcome of a CallTool invocation.
type CallResult struct {
	Content   []ContentPart
	ElapsedMs int64
	Error     string
}

// TextContent concatenates every text part in the result, the form the
// turn engine and provider adapters consume.
func (r CallResult) TextContent() string {
	var out string
	for _, p := range r.Content {
		if p.Type == ContentText {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}
