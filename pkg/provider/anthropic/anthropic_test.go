package anthropic

import (
	"testing"

	"tsagent/pkg/session"
)

func TestTranslateInSplitsSystemFromMessages(t *testing.T) {
	messages := []session.InternalMessage{
		{Role: session.RoleSystem, Content: "You are helpful."},
		{Role: session.RoleUser, Content: "hello"},
	}

	system, history := translateIn(messages)
	if len(system) != 1 || system[0].Text != "You are helpful." {
		t.Fatalf("system = %+v", system)
	}
	if len(history) != 1 {
		t.Fatalf("history = %+v, want 1 message", history)
	}
}

func TestTranslateInSkipsEmptyUserContent(t *testing.T) {
	messages := []session.InternalMessage{{Role: session.RoleUser, Content: ""}}
	_, history := translateIn(messages)
	if len(history) != 0 {
		t.Errorf("expected empty user content to be skipped, got %d messages", len(history))
	}
}

func TestTranslateInSkipsApprovalRole(t *testing.T) {
	messages := []session.InternalMessage{
		{Role: session.RoleApproval, Decisions: []session.ToolCallApproval{{ServerName: "fs", ToolName: "read_file"}}},
	}
	_, history := translateIn(messages)
	if len(history) != 0 {
		t.Errorf("expected approval message to be handled elsewhere, not in translateIn, got %d messages", len(history))
	}
}

func TestAssistantHistoryMessagesPairsToolUseWithToolResult(t *testing.T) {
	reply := &session.ModelReply{
		Turns: []session.Turn{
			{
				Results: []session.TurnResult{
					{Type: session.TurnResultText, Text: "let me check"},
					{Type: session.TurnResultToolCall, ToolCall: session.ExecutedCall{
						ServerName: "fs", ToolName: "read_file", ToolCallID: "call_1",
						Args: map[string]any{"path": "a.txt"}, Output: "contents",
					}},
				},
			},
		},
	}

	out := assistantHistoryMessages(session.InternalMessage{Role: session.RoleAssistant, Reply: reply})
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2 (assistant + user tool_result)", len(out))
	}
}

func TestAssistantHistoryMessagesSkipsEmptyTurn(t *testing.T) {
	reply := &session.ModelReply{Turns: []session.Turn{{}}}
	out := assistantHistoryMessages(session.InternalMessage{Role: session.RoleAssistant, Reply: reply})
	if len(out) != 0 {
		t.Errorf("expected no messages for a turn with no results, got %d", len(out))
	}
}

func TestAssistantHistoryMessagesNilReply(t *testing.T) {
	out := assistantHistoryMessages(session.InternalMessage{Role: session.RoleAssistant})
	if out != nil {
		t.Errorf("expected nil for a nil reply, got %v", out)
	}
}

func TestTranslateToolsExtractsPropertiesAndRequired(t *testing.T) {
	tools := []session.ToolSchema{
		{
			MangledName: "fs_read_file",
			Description: "reads a file",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": map[string]any{"type": "string"}},
				"required":   []any{"path"},
			},
		},
	}

	result, err := translateTools(tools)
	if err != nil {
		t.Fatalf("translateTools: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("len(result) = %d, want 1", len(result))
	}
	tool := result[0].OfTool
	if tool == nil {
		t.Fatalf("expected OfTool to be set")
	}
	if tool.Name != "fs_read_file" {
		t.Errorf("Name = %q", tool.Name)
	}
	if len(tool.InputSchema.Required) != 1 || tool.InputSchema.Required[0] != "path" {
		t.Errorf("Required = %v", tool.InputSchema.Required)
	}
}

func TestTranslateToolsHandlesMissingSchema(t *testing.T) {
	tools := []session.ToolSchema{{MangledName: "fs_ping", Description: "ping"}}
	result, err := translateTools(tools)
	if err != nil {
		t.Fatalf("translateTools: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("len(result) = %d, want 1", len(result))
	}
}
