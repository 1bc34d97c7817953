package session

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"tsagent/pkg/logging"
)

// ContextSource supplies the workspace-level state BUILD_CONTEXT needs:
// the system prompt and rule/reference text lookups. Declared as an
// interface (rather than importing pkg/workspace and pkg/rules directly)
// so Engine stays testable without a real workspace on disk, the same
// seam the teacher draws around its store interfaces.
type ContextSource interface {
	SystemPrompt() (string, error)
	ResolveRule(name string) (text string, ok bool)
	ResolveReference(name string) (text string, ok bool)
	// AlwaysIncluded returns the names of rules and references whose
	// include mode is "always", seeded into a session's scope at setup.
	AlwaysIncluded() (rules []string, references []string)
	// PermissionFor resolves the effective tool-server permission for
	// (serverName, toolName); ok=false when undetermined.
	PermissionFor(serverName, toolName string) (required bool, ok bool)
}

// Engine drives every session's handleMessage state machine
// (RESOLVE_REFS -> BUILD_CONTEXT -> INVOKE_ADAPTER), grounded on the
// teacher's TurnRunner.runTurn/agentLoop. One Engine is shared by every
// session in a workspace; per-session state lives on *Session.
type Engine struct {
	ctx      ContextSource
	adapters func(providerID string) (Adapter, error)

	// watchdog bounds a single adapter call (spec.md §5's per-model-call
	// watchdog, default 60s).
	watchdog time.Duration

	log hclogLogger
}

type hclogLogger interface {
	Warn(msg string, args ...interface{})
}

// NewEngine creates an Engine. adapters resolves a providerId to a ready
// Adapter (pkg/provider.Registry.CreateAdapter in the full wiring).
func NewEngine(ctx ContextSource, adapters func(providerID string) (Adapter, error)) *Engine {
	return &Engine{
		ctx:      ctx,
		adapters: adapters,
		watchdog: 60 * time.Second,
		log:      logging.Named("session"),
	}
}

// SetWatchdog overrides the per-model-call timeout (default 60s).
func (e *Engine) SetWatchdog(d time.Duration) { e.watchdog = d }

// NewSessionSeeded creates a session and seeds its rule/reference scope
// with every always-include entry, per spec.md §4.6's "Initial session
// setup" note.
func (e *Engine) NewSessionSeeded(id string) *Session {
	sess := NewSession(id)
	rules, refs := e.ctx.AlwaysIncluded()
	for _, r := range rules {
		sess.AddRule(r)
	}
	for _, r := range refs {
		sess.AddReference(r)
	}
	return sess
}

var scopeTokenPattern = regexp.MustCompile(`@(ref|rule):([A-Za-z0-9_-]+)`)

// resolveRefs implements RESOLVE_REFS: scans user text for @ref:<name> and
// @rule:<name> tokens, adds resolvable ones to scope, and strips the
// tokens from the text.
func (e *Engine) resolveRefs(sess *Session, input ChatMessage) ChatMessage {
	if input.Role != RoleUser {
		return input
	}

	matches := scopeTokenPattern.FindAllStringSubmatch(input.Content, -1)
	for _, m := range matches {
		kind, name := m[1], m[2]
		switch kind {
		case "ref":
			if _, ok := e.ctx.ResolveReference(name); ok {
				sess.AddReference(name)
			}
		case "rule":
			if _, ok := e.ctx.ResolveRule(name); ok {
				sess.AddRule(name)
			}
		}
	}

	stripped := scopeTokenPattern.ReplaceAllString(input.Content, "")
	stripped = strings.Join(strings.Fields(stripped), " ")
	input.Content = stripped
	return input
}

// buildContext implements BUILD_CONTEXT: the ordered internal message
// list for one adapter invocation.
func (e *Engine) buildContext(sess *Session, input ChatMessage) ([]InternalMessage, error) {
	var out []InternalMessage

	systemPrompt, err := e.ctx.SystemPrompt()
	if err != nil {
		return nil, fmt.Errorf("session: system prompt: %w", err)
	}
	out = append(out, InternalMessage{Role: RoleSystem, Content: systemPrompt})

	for _, msg := range sess.Messages() {
		if msg.Role == RoleSystem {
			continue
		}
		im := InternalMessage{Role: msg.Role, Content: msg.Content}
		if msg.Role == RoleAssistant {
			im.Reply = msg.Reply
		}
		if msg.Role == RoleApproval {
			im.Decisions = msg.Decisions
		}
		out = append(out, im)
	}

	for _, name := range sess.ReferencesInScope() {
		if text, ok := e.ctx.ResolveReference(name); ok {
			out = append(out, InternalMessage{Role: RoleUser, Content: "Reference: " + text})
		} else {
			e.log.Warn("reference in scope no longer resolves, dropping", "name", name)
		}
	}
	for _, name := range sess.RulesInScope() {
		if text, ok := e.ctx.ResolveRule(name); ok {
			out = append(out, InternalMessage{Role: RoleUser, Content: "Rule: " + text})
		} else {
			e.log.Warn("rule in scope no longer resolves, dropping", "name", name)
		}
	}

	inputIM := InternalMessage{Role: input.Role, Content: input.Content}
	if input.Role == RoleApproval {
		inputIM.Decisions = input.Decisions
	}
	out = append(out, inputIM)

	return out, nil
}

// HandleMessage drives one user submission (or approval) through
// RESOLVE_REFS -> BUILD_CONTEXT -> INVOKE_ADAPTER and returns the
// incremental MessageUpdate.
func (e *Engine) HandleMessage(ctx context.Context, sess *Session, input ChatMessage, dispatcher ToolDispatcher) (MessageUpdate, error) {
	if input.Role == RoleApproval {
		if err := checkApprovalMatchesPending(sess, input.Decisions); err != nil {
			return MessageUpdate{}, err
		}
	} else {
		input = e.resolveRefs(sess, input)
	}

	messages, err := e.buildContext(sess, input)
	if err != nil {
		return MessageUpdate{}, err
	}

	providerID, _ := sess.ActiveModel()
	adapter, err := e.adapters(providerID)
	if err != nil {
		return MessageUpdate{}, fmt.Errorf("session: resolve adapter for %q: %w", providerID, err)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if e.watchdog > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.watchdog)
		defer cancel()
	}

	reply, err := adapter.GenerateResponse(callCtx, sess, dispatcher, messages)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			reply.Turns = append(reply.Turns, Turn{Error: "Request timed out"})
		} else {
			reply.Turns = append(reply.Turns, Turn{Error: err.Error()})
		}
	}
	reply.Timestamp = time.Now()

	sess.Append(input)
	assistantMsg := ChatMessage{Role: RoleAssistant, Reply: &reply}
	lastSync := sess.Append(assistantMsg)

	return MessageUpdate{
		Updates:           []ChatMessage{input, assistantMsg},
		LastSyncID:        lastSync,
		ReferencesInScope: sess.ReferencesInScope(),
		RulesInScope:      sess.RulesInScope(),
	}, nil
}

// SwitchModel, ClearModel, and UpdateSettings each append a synthetic
// system message and bump lastSyncId without invoking the adapter
// (spec.md §4.6), wrapped here to return the same MessageUpdate shape
// HandleMessage does.

func (e *Engine) SwitchModel(sess *Session, providerID, modelID string) MessageUpdate {
	before := len(sess.Messages())
	lastSync := sess.SwitchModel(providerID, modelID)
	return messageUpdateSince(sess, before, lastSync)
}

func (e *Engine) ClearModel(sess *Session) MessageUpdate {
	before := len(sess.Messages())
	lastSync := sess.ClearModel()
	return messageUpdateSince(sess, before, lastSync)
}

func (e *Engine) UpdateSettings(sess *Session, partial Settings, fields map[string]bool) (MessageUpdate, error) {
	before := len(sess.Messages())
	if err := sess.UpdateSettings(partial, fields); err != nil {
		return MessageUpdate{}, err
	}
	sess.Append(ChatMessage{Role: RoleSystem, Content: "Settings updated"})
	return messageUpdateSince(sess, before, sess.LastSyncID()), nil
}

func messageUpdateSince(sess *Session, before int, lastSync int64) MessageUpdate {
	all := sess.Messages()
	var added []ChatMessage
	if before < len(all) {
		added = all[before:]
	}
	return MessageUpdate{
		Updates:           added,
		LastSyncID:        lastSync,
		ReferencesInScope: sess.ReferencesInScope(),
		RulesInScope:      sess.RulesInScope(),
	}
}

// ApprovalProtocolError is returned when a role=approval message's
// decisions don't cover exactly the pending set left by the prior
// ModelReply (spec.md §7/§8 invariant 3): handleMessage aborts without
// mutating the session.
type ApprovalProtocolError struct {
	Reason string
}

func (e *ApprovalProtocolError) Error() string {
	return fmt.Sprintf("session: approval protocol error: %s", e.Reason)
}

// checkApprovalMatchesPending validates that an incoming approval
// message's toolCallIds are exactly the session's last PendingToolCalls,
// per invariant 3.
func checkApprovalMatchesPending(sess *Session, decisions []ToolCallApproval) error {
	msgs := sess.Messages()
	var pending []PendingCall
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleAssistant && msgs[i].Reply != nil {
			pending = msgs[i].Reply.PendingToolCalls
			break
		}
	}
	if len(pending) == 0 {
		return &ApprovalProtocolError{Reason: "no pending tool calls awaiting approval"}
	}
	want := map[string]bool{}
	for _, p := range pending {
		want[p.ToolCallID] = true
	}
	got := map[string]bool{}
	for _, d := range decisions {
		got[d.ToolCallID] = true
	}
	if len(want) != len(got) {
		return &ApprovalProtocolError{Reason: "decision count does not match pending tool call count"}
	}
	for id := range want {
		if !got[id] {
			return &ApprovalProtocolError{Reason: fmt.Sprintf("missing decision for toolCallId %q", id)}
		}
	}
	return nil
}

// IsApprovalRequired implements spec.md §4.5's session.isApprovalRequired
// policy consult.
func IsApprovalRequired(sess *Session, ctxSrc ContextSource, serverName, toolName string) bool {
	return evaluateApproval(sess, ctxSrc.PermissionFor, serverName, toolName)
}

// IsApprovalRequiredForDispatch is the same policy consult, usable from an
// Adapter's turn loop where only a ToolDispatcher (not a ContextSource) is
// in scope.
func IsApprovalRequiredForDispatch(sess *Session, dispatcher ToolDispatcher, serverName, toolName string) bool {
	return evaluateApproval(sess, dispatcher.PermissionFor, serverName, toolName)
}

func evaluateApproval(sess *Session, permissionFor func(serverName, toolName string) (bool, bool), serverName, toolName string) bool {
	if sess.IsApproved(serverName, toolName) {
		return false
	}

	switch sess.GetSettings().ToolPermission {
	case "always":
		return true
	case "never":
		return false
	case "tool", "":
		if required, ok := permissionFor(serverName, toolName); ok {
			return required
		}
	}
	return true // fallback: spec.md §4.5 "Fallback if no determination: true"
}
