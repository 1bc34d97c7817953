// Package internaltools implements the Internal Tool Adapters (C8): two
// in-process tool-servers, "rules" and "tools", exposing rule/reference
// CRUD and tool-inclusion management as callable tools (spec.md §4.8).
// Each satisfies mcp.InternalHandler so the Tool-Server Manager treats
// them identically to any external MCP server.
//
// Grounded on the teacher's pkg/engine/systool package: a fixed set of
// always-available, in-process tools described by name/schema/handler
// triples, generalized here from file/shell utilities to rule/reference
// and tool-scope operations, with strict argument typing validated
// against each tool's declared JSON Schema using
// github.com/santhosh-tekuri/jsonschema/v6, following goa-ai's
// NewCompiler/AddResource/Compile pattern for this SDK version.
package internaltools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"tsagent/pkg/mcp"
	"tsagent/pkg/rules"
	"tsagent/pkg/session"
)

// spec describes one internal tool: its wire identity, its JSON Schema,
// and the function that serves it.
type spec struct {
	descriptor mcp.ToolDescriptor
	handle     func(ctx context.Context, args map[string]any, sessionHandle string) (string, error)
}

var schemaCache sync.Map // tool name + ":" + schema JSON -> *jsonschema.Schema

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	key := name + ":" + string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name+".json", doc); err != nil {
		return nil, err
	}
	compiled, err := c.Compile(name + ".json")
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// validateArgs checks args against a tool's declared schema, returning a
// human-readable error (wrapped in the "Error: ..." text part by the
// caller) on mismatch, per spec.md §4.8's strict-typing requirement.
func validateArgs(toolName string, schema map[string]any, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compileSchema(toolName, schema)
	if err != nil {
		return fmt.Errorf("internal schema for %s: %w", toolName, err)
	}
	raw, _ := json.Marshal(args)
	var decoded any
	_ = json.Unmarshal(raw, &decoded)
	if err := compiled.Validate(decoded); err != nil {
		return err
	}
	return nil
}

// baseHandler drives every internal tool-server: dispatch by name, and wrap
// argument-validation and handler errors as a text-part "Error: ..."
// result rather than a transport-level error. ElapsedMs is left for
// mcp.InternalClient to fill in.
type baseHandler struct {
	specs map[string]spec
	order []string
}

func newBaseHandler() baseHandler {
	return baseHandler{specs: map[string]spec{}}
}

func (b *baseHandler) register(s spec) {
	b.specs[s.descriptor.Name] = s
	b.order = append(b.order, s.descriptor.Name)
}

func (b *baseHandler) Tools() []mcp.ToolDescriptor {
	out := make([]mcp.ToolDescriptor, 0, len(b.order))
	for _, name := range b.order {
		out = append(out, b.specs[name].descriptor)
	}
	return out
}

func (b *baseHandler) Call(ctx context.Context, toolName string, args map[string]any, sessionHandle string) (mcp.CallResult, error) {
	s, ok := b.specs[toolName]
	if !ok {
		return mcp.CallResult{}, fmt.Errorf("internaltools: unknown tool %q", toolName)
	}
	if err := validateArgs(toolName, s.descriptor.InputSchema, args); err != nil {
		return errorResult(err), nil
	}
	text, err := s.handle(ctx, args, sessionHandle)
	if err != nil {
		return errorResult(err), nil
	}
	return mcp.CallResult{Content: []mcp.ContentPart{{Type: mcp.ContentText, Text: text}}}, nil
}

func errorResult(err error) mcp.CallResult {
	return mcp.CallResult{
		Content: []mcp.ContentPart{{Type: mcp.ContentText, Text: "Error: " + err.Error()}},
		Error:   err.Error(),
	}
}

func stringArg(args map[string]any, key string, required bool) (string, error) {
	v, ok := args[key]
	if !ok {
		if required {
			return "", fmt.Errorf("missing required argument %q", key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}

func intArg(args map[string]any, key string, def int) (int, error) {
	v, ok := args[key]
	if !ok {
		return def, nil
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("argument %q must be a number", key)
	}
	return int(f), nil
}

func boolArg(args map[string]any, key string, def bool) (bool, error) {
	v, ok := args[key]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("argument %q must be a boolean", key)
	}
	return b, nil
}

var _ mcp.InternalHandler = (*RulesHandler)(nil)
var _ mcp.InternalHandler = (*ToolsHandler)(nil)

// entrySummary is the listReferences/listRules shape: items without the
// text body, per spec.md §4.8.
type entrySummary struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	PriorityLevel int    `json:"priorityLevel"`
	Enabled       bool   `json:"enabled"`
	Include       string `json:"include"`
}

func summarize(e rules.Entry) entrySummary {
	return entrySummary{
		Name: e.Name, Description: e.Description, PriorityLevel: e.PriorityLevel,
		Enabled: e.Enabled, Include: string(e.Include),
	}
}

func toJSON(v any) (string, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
