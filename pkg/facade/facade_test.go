package facade

import (
	"context"
	"testing"

	"tsagent/pkg/provider"
	"tsagent/pkg/rules"
	"tsagent/pkg/session"
	"tsagent/pkg/workspace"
)

type fakeAdapter struct {
	reply ModelReplyFunc
}

type ModelReplyFunc func(messages []session.InternalMessage) session.ModelReply

func (a *fakeAdapter) GenerateResponse(ctx context.Context, sess *session.Session, dispatcher session.ToolDispatcher, messages []session.InternalMessage) (session.ModelReply, error) {
	if a.reply == nil {
		return session.ModelReply{}, nil
	}
	return a.reply(messages), nil
}

func newTestAgent(t *testing.T) (*Agent, *fakeAdapter) {
	t.Helper()
	ws, err := workspace.Load(t.TempDir(), true)
	if err != nil {
		t.Fatalf("workspace.Load: %v", err)
	}
	if err := ws.Install("fake", map[string]string{}); err != nil {
		t.Fatalf("ws.Install: %v", err)
	}

	adapter := &fakeAdapter{}
	registry := provider.NewRegistry()
	registry.Register(provider.Descriptor{
		ID: "fake",
		NewAdapter: func(modelID string, credentials map[string]string) (session.Adapter, error) {
			return adapter, nil
		},
	})

	agent := New(ws, registry)
	return agent, adapter
}

func TestCreateChatSessionGeneratesIDWhenEmpty(t *testing.T) {
	agent, _ := newTestAgent(t)

	sess, err := agent.CreateChatSession("", SessionOptions{})
	if err != nil {
		t.Fatalf("CreateChatSession: %v", err)
	}
	if sess.ID == "" {
		t.Errorf("expected a generated session id")
	}
	if !agent.HasSession(sess.ID) {
		t.Errorf("HasSession(%q) = false", sess.ID)
	}
}

func TestCreateChatSessionRejectsDuplicateID(t *testing.T) {
	agent, _ := newTestAgent(t)
	if _, err := agent.CreateChatSession("s1", SessionOptions{}); err != nil {
		t.Fatalf("CreateChatSession: %v", err)
	}
	if _, err := agent.CreateChatSession("s1", SessionOptions{}); err == nil {
		t.Fatalf("expected error creating duplicate session id")
	}
}

func TestHandleMessageUnknownSession(t *testing.T) {
	agent, _ := newTestAgent(t)
	_, err := agent.HandleMessage(context.Background(), "ghost", session.ChatMessage{Role: session.RoleUser, Content: "hi"})
	if _, ok := err.(*SessionNotFoundError); !ok {
		t.Fatalf("err = %v (%T), want *SessionNotFoundError", err, err)
	}
}

func TestHandleMessagePlainTurn(t *testing.T) {
	agent, adapter := newTestAgent(t)
	sess, err := agent.CreateChatSession("s1", SessionOptions{ModelProvider: "fake", ModelID: "m1"})
	if err != nil {
		t.Fatalf("CreateChatSession: %v", err)
	}
	adapter.reply = func(messages []session.InternalMessage) session.ModelReply {
		return session.ModelReply{Turns: []session.Turn{{Results: []session.TurnResult{{Type: session.TurnResultText, Text: "hello back"}}}}}
	}

	update, err := agent.HandleMessage(context.Background(), sess.ID, session.ChatMessage{Role: session.RoleUser, Content: "hi"})
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(update.Updates) != 2 {
		t.Fatalf("len(Updates) = %d, want 2", len(update.Updates))
	}
}

func TestHandleMessageReentrancyRejected(t *testing.T) {
	agent, _ := newTestAgent(t)
	sess, err := agent.CreateChatSession("s1", SessionOptions{ModelProvider: "fake", ModelID: "m1"})
	if err != nil {
		t.Fatalf("CreateChatSession: %v", err)
	}

	if _, err := agent.beginTurn(sess.ID); err != nil {
		t.Fatalf("beginTurn: %v", err)
	}
	defer agent.endTurn(sess.ID)

	_, err = agent.HandleMessage(context.Background(), sess.ID, session.ChatMessage{Role: session.RoleUser, Content: "hi"})
	if _, ok := err.(*ReentrancyError); !ok {
		t.Fatalf("err = %v (%T), want *ReentrancyError", err, err)
	}
}

func TestDeleteSessionRemovesState(t *testing.T) {
	agent, _ := newTestAgent(t)
	sess, _ := agent.CreateChatSession("s1", SessionOptions{})
	agent.DeleteSession(sess.ID)
	if agent.HasSession(sess.ID) {
		t.Errorf("expected session removed")
	}
}

func TestSaveAndDeleteRule(t *testing.T) {
	agent, _ := newTestAgent(t)
	if err := agent.SaveRule(rules.Entry{Name: "style", Text: "be terse"}, false); err != nil {
		t.Fatalf("SaveRule: %v", err)
	}
	entries, err := agent.ListRules()
	if err != nil {
		t.Fatalf("ListRules: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "style" {
		t.Fatalf("ListRules = %+v", entries)
	}
	if err := agent.DeleteRule("style"); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	entries, _ = agent.ListRules()
	if len(entries) != 0 {
		t.Errorf("expected no rules after delete, got %+v", entries)
	}
}
