package internaltools

import (
	"context"
	"fmt"

	"tsagent/pkg/mcp"
	"tsagent/pkg/rules"
)

// RulesHandler implements the "rules/references management" internal
// tool-server of spec.md §4.8: symmetric CRUD over both kinds, backed by a
// single rules.Store.
type RulesHandler struct {
	baseHandler
	store *rules.Store
}

var entrySchemaProps = map[string]any{
	"name":          map[string]any{"type": "string"},
	"description":   map[string]any{"type": "string"},
	"priorityLevel": map[string]any{"type": "number"},
	"enabled":       map[string]any{"type": "boolean"},
	"include":       map[string]any{"type": "string", "enum": []any{"always", "manual", "agent"}},
	"text":          map[string]any{"type": "string"},
}

// NewRulesHandler builds the combined rule/reference tool surface.
func NewRulesHandler(store *rules.Store) *RulesHandler {
	h := &RulesHandler{baseHandler: newBaseHandler(), store: store}
	h.registerKind(rules.KindRule, "Rule")
	h.registerKind(rules.KindReference, "Reference")
	return h
}

func (h *RulesHandler) registerKind(kind rules.Kind, label string) {
	prefix := label // "Rule" | "Reference"

	h.register(spec{
		descriptor: mcp.ToolDescriptor{
			Name:        "create" + prefix,
			Description: "Create a new " + label,
			InputSchema: map[string]any{
				"type":       "object",
				"properties": entrySchemaProps,
				"required":   []any{"name"},
			},
		},
		handle: func(ctx context.Context, args map[string]any, sessionHandle string) (string, error) {
			e, err := entryFromArgs(kind, args)
			if err != nil {
				return "", err
			}
			if err := h.store.Save(e, false); err != nil {
				return "", err
			}
			return toJSON(summarize(e))
		},
	})

	h.register(spec{
		descriptor: mcp.ToolDescriptor{
			Name:        "get" + prefix,
			Description: "Fetch a " + label + " including its text",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"name": map[string]any{"type": "string"}},
				"required":   []any{"name"},
			},
		},
		handle: func(ctx context.Context, args map[string]any, sessionHandle string) (string, error) {
			name, err := stringArg(args, "name", true)
			if err != nil {
				return "", err
			}
			e, err := h.store.Get(kind, name)
			if err != nil {
				return "", err
			}
			return toJSON(e)
		},
	})

	h.register(spec{
		descriptor: mcp.ToolDescriptor{
			Name:        "update" + prefix,
			Description: "Update an existing " + label,
			InputSchema: map[string]any{
				"type":       "object",
				"properties": entrySchemaProps,
				"required":   []any{"name"},
			},
		},
		handle: func(ctx context.Context, args map[string]any, sessionHandle string) (string, error) {
			name, err := stringArg(args, "name", true)
			if err != nil {
				return "", err
			}
			existing, err := h.store.Get(kind, name)
			if err != nil {
				return "", err
			}
			e, err := entryFromArgsMerge(kind, args, existing)
			if err != nil {
				return "", err
			}
			if err := h.store.Save(e, true); err != nil {
				return "", err
			}
			return toJSON(summarize(e))
		},
	})

	h.register(spec{
		descriptor: mcp.ToolDescriptor{
			Name:        "delete" + prefix,
			Description: "Delete a " + label,
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"name": map[string]any{"type": "string"}},
				"required":   []any{"name"},
			},
		},
		handle: func(ctx context.Context, args map[string]any, sessionHandle string) (string, error) {
			name, err := stringArg(args, "name", true)
			if err != nil {
				return "", err
			}
			if err := h.store.Delete(kind, name); err != nil {
				return "", err
			}
			return toJSON(map[string]any{"deleted": name})
		},
	})

	h.register(spec{
		descriptor: mcp.ToolDescriptor{
			Name:        "list" + prefix + "s",
			Description: "List every " + label + " without its text body",
			InputSchema: map[string]any{"type": "object"},
		},
		handle: func(ctx context.Context, args map[string]any, sessionHandle string) (string, error) {
			entries, err := h.store.List(kind)
			if err != nil {
				return "", err
			}
			summaries := make([]entrySummary, 0, len(entries))
			for _, e := range entries {
				summaries = append(summaries, summarize(e))
			}
			return toJSON(summaries)
		},
	})
}

func entryFromArgs(kind rules.Kind, args map[string]any) (rules.Entry, error) {
	return entryFromArgsMerge(kind, args, rules.Entry{Kind: kind, Enabled: true, Include: rules.IncludeManual, PriorityLevel: 500})
}

func entryFromArgsMerge(kind rules.Kind, args map[string]any, base rules.Entry) (rules.Entry, error) {
	e := base
	e.Kind = kind

	name, err := stringArg(args, "name", true)
	if err != nil {
		return rules.Entry{}, err
	}
	e.Name = name

	if v, ok := args["description"]; ok {
		s, ok := v.(string)
		if !ok {
			return rules.Entry{}, fmt.Errorf("argument %q must be a string", "description")
		}
		e.Description = s
	}
	if v, ok := args["text"]; ok {
		s, ok := v.(string)
		if !ok {
			return rules.Entry{}, fmt.Errorf("argument %q must be a string", "text")
		}
		e.Text = s
	}
	if _, ok := args["priorityLevel"]; ok {
		p, err := intArg(args, "priorityLevel", e.PriorityLevel)
		if err != nil {
			return rules.Entry{}, err
		}
		e.PriorityLevel = p
	}
	if _, ok := args["enabled"]; ok {
		en, err := boolArg(args, "enabled", e.Enabled)
		if err != nil {
			return rules.Entry{}, err
		}
		e.Enabled = en
	}
	if v, ok := args["include"]; ok {
		s, ok := v.(string)
		if !ok {
			return rules.Entry{}, fmt.Errorf("argument %q must be a string", "include")
		}
		e.Include = rules.Include(s)
	}
	return e, nil
}
