// Package session implements the Session Turn Engine (C6) and the data
// model it operates on: ChatSession, ChatMessage, ModelReply, Turn and
// their satellites. State shapes are grounded on the teacher's
// pkg/engine/api/types.go (Session, LLMMessage, TurnSummary,
// ToolCallRef/ApprovalRef); the turn state machine is grounded on
// pkg/engine/runtime/turn_runner.go's TurnState enum and agentLoop.
package session

import (
	"fmt"
	"sync"
	"time"
)

// Role discriminates ChatMessage's tagged-variant shape (spec.md §3,
// carried into Go as a discriminant field over an otherwise-optional set
// of payload fields, the same convention the teacher uses for
// api.Event/api.State).
type Role string

const (
	RoleUser      Role = "user"
	RoleSystem    Role = "system"
	RoleError     Role = "error"
	RoleAssistant Role = "assistant"
	RoleApproval  Role = "approval"
)

// Decision is a user's disposition on a pending tool call.
type Decision string

const (
	DecisionAllowSession Decision = "allow-session"
	DecisionAllowOnce    Decision = "allow-once"
	DecisionDeny         Decision = "deny"
)

// ToolCallApproval is one entry of a role=approval ChatMessage.
type ToolCallApproval struct {
	ServerName string
	ToolName   string
	ToolCallID string
	Args       map[string]any
	Decision   Decision
}

// ChatMessage is the tagged variant of spec.md §3: exactly one of Content,
// Reply, or Decisions is meaningful, selected by Role.
type ChatMessage struct {
	Role      Role
	Content   string             // role=user|system|error
	Reply     *ModelReply        // role=assistant
	Decisions []ToolCallApproval // role=approval
	Timestamp time.Time
}

// ModelReply is a single adapter invocation's output: an ordered list of
// Turns plus any tool calls awaiting approval before the loop can
// continue.
type ModelReply struct {
	Timestamp        time.Time
	Turns            []Turn
	PendingToolCalls []PendingCall
}

// TurnResultKind discriminates TurnResult.
type TurnResultKind string

const (
	TurnResultText     TurnResultKind = "text"
	TurnResultToolCall TurnResultKind = "toolCall"
)

// TurnResult is one item produced within a Turn.
type TurnResult struct {
	Type     TurnResultKind
	Text     string
	ToolCall ExecutedCall
}

// Turn is one adapter-loop iteration's output (spec.md §3).
type Turn struct {
	Results      []TurnResult
	Error        string
	InputTokens  int
	OutputTokens int
}

// ExecutedCall is a tool call that has already run.
type ExecutedCall struct {
	ServerName string
	ToolName   string
	Args       map[string]any
	ToolCallID string
	Output     string
	Error      string
	ElapsedMs  int64
}

// PendingCall is a tool call proposed by the model but not yet executed,
// awaiting a role=approval message.
type PendingCall struct {
	ServerName string
	ToolName   string
	Args       map[string]any
	ToolCallID string
}

// Settings are the per-session tunables of spec.md §6, with the bounds
// validated by Validate.
type Settings struct {
	MaxChatTurns        int
	MaxOutputTokens     int
	Temperature         float64
	TopP                float64
	ToolPermission      string // "always" | "never" | "tool"
	ContextTopK         int
	ContextTopN         int
	ContextIncludeScore float64
	MostRecentModel     string
}

// DefaultSettings mirrors workspace.defaultSettings' values.
func DefaultSettings() Settings {
	return Settings{
		MaxChatTurns:    10,
		MaxOutputTokens: 4096,
		Temperature:     0.7,
		TopP:            1.0,
		ToolPermission:  "tool",
	}
}

// Validate checks the bounds spec.md §4.6 names for each setting; a
// setting outside range is rejected rather than clamped, so a caller can
// surface the mistake.
func (s Settings) Validate() error {
	if s.MaxChatTurns < 1 || s.MaxChatTurns > 500 {
		return fmt.Errorf("session: maxChatTurns must be in [1, 500], got %d", s.MaxChatTurns)
	}
	if s.MaxOutputTokens < 1 || s.MaxOutputTokens > 100000 {
		return fmt.Errorf("session: maxOutputTokens must be in [1, 100000], got %d", s.MaxOutputTokens)
	}
	if s.Temperature < 0 || s.Temperature > 1 {
		return fmt.Errorf("session: temperature must be in [0, 1], got %v", s.Temperature)
	}
	if s.TopP < 0 || s.TopP > 1 {
		return fmt.Errorf("session: topP must be in [0, 1], got %v", s.TopP)
	}
	switch s.ToolPermission {
	case "", "always", "never", "tool":
	default:
		return fmt.Errorf("session: toolPermission must be one of always|never|tool, got %q", s.ToolPermission)
	}
	if s.ContextTopK != 0 && (s.ContextTopK < 1 || s.ContextTopK > 100) {
		return fmt.Errorf("session: contextTopK must be in [1, 100], got %d", s.ContextTopK)
	}
	if s.ContextTopN != 0 && (s.ContextTopN < 1 || s.ContextTopN > 50) {
		return fmt.Errorf("session: contextTopN must be in [1, 50], got %d", s.ContextTopN)
	}
	if s.ContextIncludeScore < 0 || s.ContextIncludeScore > 1 {
		return fmt.Errorf("session: contextIncludeScore must be in [0, 1], got %v", s.ContextIncludeScore)
	}
	return nil
}

// scopeSet is an ordered set of names: insertion order is preserved
// (spec.md §5's "rules/references list order ... is insertion order"),
// membership checks are O(1).
type scopeSet struct {
	order []string
	has   map[string]bool
}

func newScopeSet() scopeSet {
	return scopeSet{has: map[string]bool{}}
}

func (s *scopeSet) add(name string) {
	if s.has[name] {
		return
	}
	s.has[name] = true
	s.order = append(s.order, name)
}

func (s *scopeSet) remove(name string) {
	if !s.has[name] {
		return
	}
	delete(s.has, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s scopeSet) list() []string {
	return append([]string(nil), s.order...)
}

// ToolRef is a (serverName, toolName) pair, the scope-membership unit for
// toolsInScope.
type ToolRef struct {
	ServerName string
	ToolName   string
}

func (t ToolRef) key() string { return t.ServerName + "\x00" + t.ToolName }

// toolScopeSet is scopeSet specialized to ToolRef, since ToolRef isn't a
// plain string.
type toolScopeSet struct {
	order []ToolRef
	has   map[string]bool
}

func newToolScopeSet() toolScopeSet { return toolScopeSet{has: map[string]bool{}} }

func (s *toolScopeSet) add(ref ToolRef) {
	k := ref.key()
	if s.has[k] {
		return
	}
	s.has[k] = true
	s.order = append(s.order, ref)
}

func (s *toolScopeSet) remove(ref ToolRef) {
	k := ref.key()
	if !s.has[k] {
		return
	}
	delete(s.has, k)
	for i, r := range s.order {
		if r.key() == k {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s toolScopeSet) list() []ToolRef {
	return append([]ToolRef(nil), s.order...)
}

// Session is a ChatSession (spec.md §3): in-memory conversational state
// owned by the engine. Mutation is append-only for messages; lastSyncId
// increments on every mutation (invariant 1).
type Session struct {
	ID string

	mu sync.Mutex

	messages        []ChatMessage
	lastSyncID      int64
	activeProviderID string
	activeModelID    string

	referencesInScope scopeSet
	rulesInScope      scopeSet
	toolsInScope      toolScopeSet

	settings Settings

	sessionApprovals map[string]bool // key: ToolRef.key()
}

// NewSession creates an empty session with default settings.
func NewSession(id string) *Session {
	return &Session{
		ID:                id,
		referencesInScope: newScopeSet(),
		rulesInScope:      newScopeSet(),
		toolsInScope:      newToolScopeSet(),
		settings:          DefaultSettings(),
		sessionApprovals:  map[string]bool{},
	}
}

func (s *Session) bump() int64 {
	s.lastSyncID++
	return s.lastSyncID
}

// Append adds a message and returns the new lastSyncId.
func (s *Session) Append(msg ChatMessage) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.messages = append(s.messages, msg)
	return s.bump()
}

// Messages returns every message appended so far, in order.
func (s *Session) Messages() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChatMessage(nil), s.messages...)
}

// LastSyncID returns the current sync counter.
func (s *Session) LastSyncID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSyncID
}

// ActiveModel returns the currently selected (providerId, modelId) pair.
func (s *Session) ActiveModel() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeProviderID, s.activeModelID
}

// SwitchModel changes the active provider/model and appends a synthetic
// system message recording the switch (spec.md §6's Agent API
// `switchModel`).
func (s *Session) SwitchModel(providerID, modelID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeProviderID = providerID
	s.activeModelID = modelID
	s.settings.MostRecentModel = providerID + ":" + modelID
	s.messages = append(s.messages, ChatMessage{
		Role:      RoleSystem,
		Content:   fmt.Sprintf("Switched to model %s:%s", providerID, modelID),
		Timestamp: time.Now(),
	})
	return s.bump()
}

// ClearModel unsets the active model.
func (s *Session) ClearModel() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeProviderID = ""
	s.activeModelID = ""
	s.messages = append(s.messages, ChatMessage{
		Role:      RoleSystem,
		Content:   "Model cleared",
		Timestamp: time.Now(),
	})
	return s.bump()
}

// GetSettings returns a copy of the current settings.
func (s *Session) GetSettings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// UpdateSettings merges a partial settings update, validating the result
// before committing it.
func (s *Session) UpdateSettings(partial Settings, fields map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.settings
	if fields["maxChatTurns"] {
		next.MaxChatTurns = partial.MaxChatTurns
	}
	if fields["maxOutputTokens"] {
		next.MaxOutputTokens = partial.MaxOutputTokens
	}
	if fields["temperature"] {
		next.Temperature = partial.Temperature
	}
	if fields["topP"] {
		next.TopP = partial.TopP
	}
	if fields["toolPermission"] {
		next.ToolPermission = partial.ToolPermission
	}
	if fields["contextTopK"] {
		next.ContextTopK = partial.ContextTopK
	}
	if fields["contextTopN"] {
		next.ContextTopN = partial.ContextTopN
	}
	if fields["contextIncludeScore"] {
		next.ContextIncludeScore = partial.ContextIncludeScore
	}
	if err := next.Validate(); err != nil {
		return err
	}
	s.settings = next
	return nil
}

// AddRule / RemoveRule / AddReference / RemoveReference / AddTool /
// RemoveTool mutate the session's scope sets (Agent API surface, spec.md
// §6). Names are not resolved against the workspace here; resolution
// happens at send time per invariant 2.

func (s *Session) AddRule(name string) { s.mu.Lock(); defer s.mu.Unlock(); s.rulesInScope.add(name) }
func (s *Session) RemoveRule(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rulesInScope.remove(name)
}
func (s *Session) RulesInScope() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rulesInScope.list()
}

func (s *Session) AddReference(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.referencesInScope.add(name)
}
func (s *Session) RemoveReference(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.referencesInScope.remove(name)
}
func (s *Session) ReferencesInScope() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.referencesInScope.list()
}

func (s *Session) AddTool(serverName, toolName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolsInScope.add(ToolRef{ServerName: serverName, ToolName: toolName})
}
func (s *Session) RemoveTool(serverName, toolName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolsInScope.remove(ToolRef{ServerName: serverName, ToolName: toolName})
}
func (s *Session) ToolsInScope() []ToolRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toolsInScope.list()
}

// MarkApproved records a session-lifetime approval for (serverName,
// toolName); sessionApprovals is monotonically additive (invariant 3).
func (s *Session) MarkApproved(serverName, toolName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionApprovals[ToolRef{ServerName: serverName, ToolName: toolName}.key()] = true
}

// IsApproved reports whether (serverName, toolName) was previously
// approved for the remainder of this session.
func (s *Session) IsApproved(serverName, toolName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionApprovals[ToolRef{ServerName: serverName, ToolName: toolName}.key()]
}

// MessageUpdate is the incremental view returned to front-ends after a
// mutation (spec.md §3).
type MessageUpdate struct {
	Updates           []ChatMessage
	LastSyncID        int64
	ReferencesInScope []string
	RulesInScope      []string
}
