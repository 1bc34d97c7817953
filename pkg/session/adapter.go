package session

import "context"

// InternalMessage is one entry of the ordered context list an Adapter
// translates into its provider's native shape (spec.md §4.5). It is a
// flattened projection of ChatMessage plus the synthetic rule/reference
// entries BUILD_CONTEXT produces — kept separate from
// ChatMessage so the wire shape an adapter consumes doesn't have to carry
// ChatMessage's full tagged-variant machinery.
type InternalMessage struct {
	Role      Role
	Content   string
	Reply     *ModelReply
	Decisions []ToolCallApproval // role=approval
}

// Adapter is the Provider Adapter contract (C5). It is declared here, in
// the package whose types it consumes, rather than in pkg/provider, so
// pkg/provider can implement it without pkg/session importing
// pkg/provider — the same inversion the teacher uses for its LLM
// interface (declared in runtime, implemented by llm_openai.go in the
// same package; generalized here across a package boundary).
type Adapter interface {
	// GenerateResponse drives one full turn-loop cycle (spec.md §4.5
	// steps 1-5) against messages, the in-order context BUILD_CONTEXT
	// assembled for this cycle, and returns the resulting ModelReply.
	GenerateResponse(ctx context.Context, sess *Session, dispatcher ToolDispatcher, messages []InternalMessage) (ModelReply, error)
}

// ToolDispatcher is the subset of the Tool-Server Manager an Adapter
// needs: resolving a wire tool name and active toolset, and invoking a
// call. Declared here for the same import-direction reason as Adapter.
type ToolDispatcher interface {
	// ActiveTools returns the wire-mangled name and JSON schema for every
	// tool currently in scope for the session.
	ActiveTools(ctx context.Context, sess *Session) ([]ToolSchema, error)

	// CallTool invokes a tool by its wire-mangled name.
	CallTool(ctx context.Context, mangledName string, args map[string]any, sessionHandle string) (ToolCallOutcome, error)

	// Unmangle reverses the wire flattening rule for a tool name.
	Unmangle(mangledName string) (serverName, toolName string, ok bool)

	// PermissionFor resolves a tool server's configured permission
	// override, mirroring ContextSource.PermissionFor — an Adapter has a
	// ToolDispatcher but no ContextSource, so the turn loop's approval
	// check goes through this method instead.
	PermissionFor(serverName, toolName string) (required bool, ok bool)
}

// ToolSchema is a tool's wire identity and JSON schema, as presented to an
// adapter for the "full active toolset" it must pass on every provider
// call (spec.md §4.5 step 3).
type ToolSchema struct {
	MangledName string
	Description string
	InputSchema map[string]any
}

// ToolCallOutcome is the result of dispatching one tool call, already
// reduced to the single text payload adapters consume.
type ToolCallOutcome struct {
	Text      string
	Error     string
	ElapsedMs int64
}
