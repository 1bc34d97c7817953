package session

import (
	"context"
	"errors"
	"testing"
)

type fakeContextSource struct {
	systemPrompt string
	rules        map[string]string
	references   map[string]string
	alwaysRules  []string
	alwaysRefs   []string
	permissions  map[string]bool // key: server+"/"+tool
}

func (f *fakeContextSource) SystemPrompt() (string, error) { return f.systemPrompt, nil }

func (f *fakeContextSource) ResolveRule(name string) (string, bool) {
	t, ok := f.rules[name]
	return t, ok
}

func (f *fakeContextSource) ResolveReference(name string) (string, bool) {
	t, ok := f.references[name]
	return t, ok
}

func (f *fakeContextSource) AlwaysIncluded() ([]string, []string) {
	return f.alwaysRules, f.alwaysRefs
}

func (f *fakeContextSource) PermissionFor(serverName, toolName string) (bool, bool) {
	v, ok := f.permissions[serverName+"/"+toolName]
	return v, ok
}

type fakeAdapter struct {
	reply ModelReply
	err   error
}

func (a *fakeAdapter) GenerateResponse(ctx context.Context, sess *Session, dispatcher ToolDispatcher, messages []InternalMessage) (ModelReply, error) {
	return a.reply, a.err
}

func newTestEngine(ctxSrc ContextSource, adapter Adapter) *Engine {
	return NewEngine(ctxSrc, func(providerID string) (Adapter, error) {
		return adapter, nil
	})
}

func TestHandleMessagePlainTurn(t *testing.T) {
	ctxSrc := &fakeContextSource{systemPrompt: "You are helpful."}
	adapter := &fakeAdapter{reply: ModelReply{Turns: []Turn{{Results: []TurnResult{{Type: TurnResultText, Text: "hi"}}}}}}
	engine := newTestEngine(ctxSrc, adapter)

	sess := engine.NewSessionSeeded("s1")
	update, err := engine.HandleMessage(context.Background(), sess, ChatMessage{Role: RoleUser, Content: "hello"}, nil)
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(update.Updates) != 2 {
		t.Fatalf("len(Updates) = %d, want 2", len(update.Updates))
	}
	if update.Updates[1].Role != RoleAssistant {
		t.Errorf("second update role = %q, want assistant", update.Updates[1].Role)
	}
	if sess.LastSyncID() != 2 {
		t.Errorf("LastSyncID = %d, want 2", sess.LastSyncID())
	}
}

func TestResolveRefsStripsTokensAndAddsScope(t *testing.T) {
	ctxSrc := &fakeContextSource{
		systemPrompt: "sys",
		rules:        map[string]string{"style": "be terse"},
		references:   map[string]string{"api": "api docs"},
	}
	adapter := &fakeAdapter{}
	engine := newTestEngine(ctxSrc, adapter)
	sess := engine.NewSessionSeeded("s1")

	input := ChatMessage{Role: RoleUser, Content: "please follow @rule:style  and @ref:api here"}
	resolved := engine.resolveRefs(sess, input)

	if resolved.Content != "please follow and here" {
		t.Errorf("Content = %q", resolved.Content)
	}
	if got := sess.RulesInScope(); len(got) != 1 || got[0] != "style" {
		t.Errorf("RulesInScope = %v", got)
	}
	if got := sess.ReferencesInScope(); len(got) != 1 || got[0] != "api" {
		t.Errorf("ReferencesInScope = %v", got)
	}
}

func TestResolveRefsIgnoresUnknownNames(t *testing.T) {
	ctxSrc := &fakeContextSource{systemPrompt: "sys"}
	engine := newTestEngine(ctxSrc, &fakeAdapter{})
	sess := engine.NewSessionSeeded("s1")

	resolved := engine.resolveRefs(sess, ChatMessage{Role: RoleUser, Content: "@rule:ghost do it"})
	if len(sess.RulesInScope()) != 0 {
		t.Errorf("expected no rule added for unresolved name")
	}
	if resolved.Content != "do it" {
		t.Errorf("Content = %q, want tokens stripped regardless of resolution", resolved.Content)
	}
}

func TestAlwaysIncludedSeedsScope(t *testing.T) {
	ctxSrc := &fakeContextSource{alwaysRules: []string{"r1"}, alwaysRefs: []string{"ref1"}}
	engine := newTestEngine(ctxSrc, &fakeAdapter{})
	sess := engine.NewSessionSeeded("s1")

	if got := sess.RulesInScope(); len(got) != 1 || got[0] != "r1" {
		t.Errorf("RulesInScope = %v", got)
	}
	if got := sess.ReferencesInScope(); len(got) != 1 || got[0] != "ref1" {
		t.Errorf("ReferencesInScope = %v", got)
	}
}

func TestIsApprovalRequiredSessionApprovalWins(t *testing.T) {
	ctxSrc := &fakeContextSource{permissions: map[string]bool{"fs/write_file": true}}
	sess := NewSession("s1")
	sess.MarkApproved("fs", "write_file")

	if IsApprovalRequired(sess, ctxSrc, "fs", "write_file") {
		t.Errorf("expected approval not required once session-approved")
	}
}

func TestIsApprovalRequiredAlwaysMode(t *testing.T) {
	ctxSrc := &fakeContextSource{}
	sess := NewSession("s1")
	_ = sess.UpdateSettings(Settings{ToolPermission: "always"}, map[string]bool{"toolPermission": true})

	if !IsApprovalRequired(sess, ctxSrc, "fs", "read_file") {
		t.Errorf("expected approval required in always mode")
	}
}

func TestIsApprovalRequiredNeverMode(t *testing.T) {
	ctxSrc := &fakeContextSource{}
	sess := NewSession("s1")
	_ = sess.UpdateSettings(Settings{ToolPermission: "never"}, map[string]bool{"toolPermission": true})

	if IsApprovalRequired(sess, ctxSrc, "fs", "read_file") {
		t.Errorf("expected approval not required in never mode")
	}
}

func TestIsApprovalRequiredFallbackTrue(t *testing.T) {
	ctxSrc := &fakeContextSource{} // no permission recorded
	sess := NewSession("s1")       // default ToolPermission = "tool"

	if !IsApprovalRequired(sess, ctxSrc, "fs", "read_file") {
		t.Errorf("expected fallback approval required when undetermined")
	}
}

func TestSettingsValidateRejectsOutOfRange(t *testing.T) {
	s := DefaultSettings()
	s.MaxChatTurns = 0
	if err := s.Validate(); err == nil {
		t.Errorf("expected validation error for maxChatTurns=0")
	}
}

func TestUpdateSettingsRejectsInvalid(t *testing.T) {
	engine := newTestEngine(&fakeContextSource{}, &fakeAdapter{})
	sess := engine.NewSessionSeeded("s1")

	_, err := engine.UpdateSettings(sess, Settings{Temperature: 5}, map[string]bool{"temperature": true})
	if err == nil {
		t.Fatalf("expected error for out-of-range temperature")
	}
	var target error
	if !errors.As(err, &target) {
		t.Fatalf("expected a wrapped error")
	}
}

func TestHandleMessageApprovalProtocolErrorOnMismatch(t *testing.T) {
	ctxSrc := &fakeContextSource{systemPrompt: "sys"}
	adapter := &fakeAdapter{reply: ModelReply{PendingToolCalls: []PendingCall{{ServerName: "fs", ToolName: "write_file", ToolCallID: "call_1"}}}}
	engine := newTestEngine(ctxSrc, adapter)
	sess := engine.NewSessionSeeded("s1")

	if _, err := engine.HandleMessage(context.Background(), sess, ChatMessage{Role: RoleUser, Content: "do it"}, nil); err != nil {
		t.Fatalf("seed turn: %v", err)
	}
	before := len(sess.Messages())

	_, err := engine.HandleMessage(context.Background(), sess, ChatMessage{
		Role:      RoleApproval,
		Decisions: []ToolCallApproval{{ServerName: "fs", ToolName: "write_file", ToolCallID: "wrong_id", Decision: DecisionAllowOnce}},
	}, nil)

	var target *ApprovalProtocolError
	if !errors.As(err, &target) {
		t.Fatalf("expected ApprovalProtocolError, got %v", err)
	}
	if len(sess.Messages()) != before {
		t.Errorf("session was mutated despite protocol error: before=%d after=%d", before, len(sess.Messages()))
	}
}

func TestHandleMessageApprovalProtocolErrorOnCountMismatch(t *testing.T) {
	ctxSrc := &fakeContextSource{systemPrompt: "sys"}
	adapter := &fakeAdapter{reply: ModelReply{PendingToolCalls: []PendingCall{
		{ServerName: "fs", ToolName: "write_file", ToolCallID: "call_1"},
		{ServerName: "fs", ToolName: "read_file", ToolCallID: "call_2"},
	}}}
	engine := newTestEngine(ctxSrc, adapter)
	sess := engine.NewSessionSeeded("s1")
	if _, err := engine.HandleMessage(context.Background(), sess, ChatMessage{Role: RoleUser, Content: "do it"}, nil); err != nil {
		t.Fatalf("seed turn: %v", err)
	}

	_, err := engine.HandleMessage(context.Background(), sess, ChatMessage{
		Role:      RoleApproval,
		Decisions: []ToolCallApproval{{ServerName: "fs", ToolName: "write_file", ToolCallID: "call_1", Decision: DecisionAllowOnce}},
	}, nil)

	var target *ApprovalProtocolError
	if !errors.As(err, &target) {
		t.Fatalf("expected ApprovalProtocolError, got %v", err)
	}
}

func TestHandleMessageApprovalMatchingPendingSucceeds(t *testing.T) {
	ctxSrc := &fakeContextSource{systemPrompt: "sys"}
	adapter := &fakeAdapter{reply: ModelReply{PendingToolCalls: []PendingCall{{ServerName: "fs", ToolName: "write_file", ToolCallID: "call_1"}}}}
	engine := newTestEngine(ctxSrc, adapter)
	sess := engine.NewSessionSeeded("s1")
	if _, err := engine.HandleMessage(context.Background(), sess, ChatMessage{Role: RoleUser, Content: "do it"}, nil); err != nil {
		t.Fatalf("seed turn: %v", err)
	}

	adapter.reply = ModelReply{Turns: []Turn{{Results: []TurnResult{{Type: TurnResultText, Text: "done"}}}}}
	_, err := engine.HandleMessage(context.Background(), sess, ChatMessage{
		Role:      RoleApproval,
		Decisions: []ToolCallApproval{{ServerName: "fs", ToolName: "write_file", ToolCallID: "call_1", Decision: DecisionAllowOnce}},
	}, nil)
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
}

func TestSwitchModelAppendsSystemMessage(t *testing.T) {
	engine := newTestEngine(&fakeContextSource{}, &fakeAdapter{})
	sess := engine.NewSessionSeeded("s1")

	update := engine.SwitchModel(sess, "anthropic", "claude-x")
	if len(update.Updates) != 1 || update.Updates[0].Role != RoleSystem {
		t.Fatalf("update = %+v", update)
	}
	pid, mid := sess.ActiveModel()
	if pid != "anthropic" || mid != "claude-x" {
		t.Errorf("ActiveModel = (%q, %q)", pid, mid)
	}
}
