// Package facade implements the Agent Façade (C7): the thin orchestration
// surface a front-end drives, wiring together the Config Store
// (pkg/workspace), the Rule/Reference Store (pkg/rules), the Tool-Server
// Manager (pkg/mcp), the Provider Registry (pkg/provider), and the Session
// Turn Engine (pkg/session).
//
// Grounded on the teacher's pkg/engine/runtime.Engine: the
// activeTurns/turnsMu reentrancy guard (ErrTurnInProgress) is the direct
// model for Agent's per-session in-flight guard (ReentrancyError), and
// NewEngine's "use provided store or default to a file-backed one" shape
// is the model for Agent's workspace/rules wiring.
package facade

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"tsagent/pkg/internaltools"
	"tsagent/pkg/logging"
	"tsagent/pkg/mcp"
	"tsagent/pkg/provider"
	"tsagent/pkg/rules"
	"tsagent/pkg/session"
	"tsagent/pkg/workspace"
)

// ReentrancyError is returned when HandleMessage is invoked while a prior
// HandleMessage on the same session is still in flight (spec.md §7).
type ReentrancyError struct {
	SessionID string
}

func (e *ReentrancyError) Error() string {
	return fmt.Sprintf("facade: session %q: re-entrant call rejected", e.SessionID)
}

// SessionNotFoundError is returned by any per-session operation given an
// unknown session id.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("facade: unknown session %q", e.SessionID)
}

// SessionOptions are the recognized createChatSession options (spec.md
// §4.7), each defaulted from workspace settings when unset.
type SessionOptions struct {
	ModelProvider       string
	ModelID             string
	MaxChatTurns        *int
	MaxOutputTokens     *int
	Temperature         *float64
	TopP                *float64
	ToolPermission      string
	ContextTopK         *int
	ContextTopN         *int
	ContextIncludeScore *float64
}

// Agent is the Façade: one per open workspace.
type Agent struct {
	ws       *workspace.Workspace
	rulesSt  *rules.Store
	mcpMgr   *mcp.Manager
	registry *provider.Registry
	engine   *session.Engine

	mu       sync.Mutex
	sessions map[string]*session.Session
	inFlight map[string]bool

	log hclogLogger
}

type hclogLogger interface {
	Warn(msg string, args ...interface{})
}

// New wires an Agent around an already-loaded workspace. registry must
// have every provider the workspace may reference already registered.
func New(ws *workspace.Workspace, registry *provider.Registry) *Agent {
	mgr := mcp.NewManager()
	rulesSt := rules.NewStore(ws.Dir, func(kind rules.Kind) {
		if kind == rules.KindRule {
			ws.Events.Publish(workspace.EventRulesChanged, nil)
		} else {
			ws.Events.Publish(workspace.EventReferencesChanged, nil)
		}
	})

	a := &Agent{
		ws:       ws,
		rulesSt:  rulesSt,
		mcpMgr:   mgr,
		registry: registry,
		sessions: map[string]*session.Session{},
		inFlight: map[string]bool{},
		log:      logging.Named("facade"),
	}
	a.engine = session.NewEngine(a, a.resolveAdapter)

	for _, cfg := range ws.ListToolServers() {
		a.connectToolServer(cfg)
	}
	return a
}

// connectToolServer builds and registers a Client for one configured tool
// server, per spec.md §4.7's "creating/updating a server reconnects its
// client."
func (a *Agent) connectToolServer(cfg mcp.ServerConfig) {
	var client mcp.Client
	switch cfg.Type {
	case mcp.TransportProcess:
		client = mcp.NewProcessClient(cfg, a.ws.SystemPath())
	case mcp.TransportStream:
		client = mcp.NewStreamClient(cfg)
	case mcp.TransportInternal:
		handler, ok := a.internalHandler(cfg.InternalTool)
		if !ok {
			a.log.Warn("unknown internal tool server", "server", cfg.Name, "tool", cfg.InternalTool)
			return
		}
		client = mcp.NewInternalClient(cfg.Name, handler)
	default:
		a.log.Warn("unknown tool server transport", "server", cfg.Name, "type", cfg.Type)
		return
	}

	a.mcpMgr.UpdateClient(cfg.Name, client)
	if _, err := client.Connect(context.Background()); err != nil {
		a.log.Warn("tool server connect failed", "server", cfg.Name, "error", err)
	}
}

// internalHandler resolves a ServerConfig.InternalTool name to one of the
// two built-in tool-servers (spec.md §4.8).
func (a *Agent) internalHandler(kind string) (mcp.InternalHandler, bool) {
	switch kind {
	case "rules":
		return internaltools.NewRulesHandler(a.rulesSt), true
	case "tools":
		return internaltools.NewToolsHandler(a.mcpMgr, a.ws.ListToolServers, a.SaveToolServer, a.sessionLookup), true
	default:
		return nil, false
	}
}

// sessionLookup adapts Agent's session map to internaltools.SessionLookup.
func (a *Agent) sessionLookup(handle string) (*session.Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[handle]
	return sess, ok
}

// resolveAdapter implements the adapters callback session.Engine needs:
// looks up the session's active model's provider, reads its credentials
// from the workspace, and asks the registry to build a session.Adapter.
func (a *Agent) resolveAdapter(providerID string) (session.Adapter, error) {
	if providerID == "" {
		return nil, fmt.Errorf("facade: no active model selected")
	}
	if !a.ws.IsInstalled(providerID) {
		return nil, fmt.Errorf("facade: provider %q is not installed", providerID)
	}
	d, ok := a.registry.Descriptor(providerID)
	if !ok {
		return nil, fmt.Errorf("facade: unknown provider %q", providerID)
	}

	credentials := map[string]string{}
	for _, field := range d.ConfigSchema {
		if v, ok := a.ws.GetProviderCredential(providerID, field.Key); ok {
			credentials[field.Key] = v
		}
	}

	modelID, _ := a.mostRecentModelOf(providerID)
	return a.registry.CreateAdapter(providerID, modelID, credentials)
}

func (a *Agent) mostRecentModelOf(providerID string) (string, bool) {
	v, ok := a.ws.GetSetting("mostRecentModel")
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// --- session.ContextSource ---

var _ session.ContextSource = (*Agent)(nil)

// SystemPrompt implements session.ContextSource.
func (a *Agent) SystemPrompt() (string, error) { return a.ws.GetSystemPrompt() }

// ResolveRule implements session.ContextSource.
func (a *Agent) ResolveRule(name string) (string, bool) {
	e, err := a.rulesSt.Get(rules.KindRule, name)
	if err != nil {
		return "", false
	}
	if !e.Enabled {
		return "", false
	}
	return e.Text, true
}

// ResolveReference implements session.ContextSource.
func (a *Agent) ResolveReference(name string) (string, bool) {
	e, err := a.rulesSt.Get(rules.KindReference, name)
	if err != nil {
		return "", false
	}
	if !e.Enabled {
		return "", false
	}
	return e.Text, true
}

// AlwaysIncluded implements session.ContextSource.
func (a *Agent) AlwaysIncluded() ([]string, []string) {
	var ruleNames, refNames []string
	if entries, err := a.rulesSt.List(rules.KindRule); err == nil {
		for _, e := range entries {
			if e.Enabled && e.Include == rules.IncludeAlways {
				ruleNames = append(ruleNames, e.Name)
			}
		}
	}
	if entries, err := a.rulesSt.List(rules.KindReference); err == nil {
		for _, e := range entries {
			if e.Enabled && e.Include == rules.IncludeAlways {
				refNames = append(refNames, e.Name)
			}
		}
	}
	return ruleNames, refNames
}

// PermissionFor implements session.ContextSource and session.ToolDispatcher
// (the same resolution, consulted by both Engine and an Adapter's turn
// loop): looks up the tool server's configured Permissions.
func (a *Agent) PermissionFor(serverName, toolName string) (bool, bool) {
	for _, cfg := range a.ws.ListToolServers() {
		if cfg.Name != serverName {
			continue
		}
		mode, ok := cfg.Permissions.PermissionFor(toolName)
		if !ok {
			return false, false
		}
		return mode == mcp.PermissionRequired, true
	}
	return false, false
}

// --- session.ToolDispatcher ---

var _ session.ToolDispatcher = (*Agent)(nil)

// ActiveTools implements session.ToolDispatcher: the full set of tools
// currently in scope for a session, per the server's toolInclude mode and
// the session's own toolsInScope additions (spec.md §4.4).
func (a *Agent) ActiveTools(ctx context.Context, sess *session.Session) ([]session.ToolSchema, error) {
	all, err := a.mcpMgr.GetAllTools(ctx)
	if err != nil {
		return nil, err
	}

	inScope := map[string]bool{}
	for _, ref := range sess.ToolsInScope() {
		inScope[ref.ServerName+"\x00"+ref.ToolName] = true
	}

	cfgByServer := map[string]mcp.ServerConfig{}
	for _, cfg := range a.ws.ListToolServers() {
		cfgByServer[cfg.Name] = cfg
	}

	var out []session.ToolSchema
	for _, t := range all {
		mode := cfgByServer[t.ServerName].ToolInclude.ModeFor(t.Tool.Name)
		included := mode == mcp.IncludeAlways || inScope[t.ServerName+"\x00"+t.Tool.Name]
		if !included {
			continue
		}
		out = append(out, session.ToolSchema{
			MangledName: mcp.Mangle(t.ServerName, t.Tool.Name),
			Description: t.Tool.Description,
			InputSchema: t.Tool.InputSchema,
		})
	}
	return out, nil
}

// CallTool implements session.ToolDispatcher.
func (a *Agent) CallTool(ctx context.Context, mangledName string, args map[string]any, sessionHandle string) (session.ToolCallOutcome, error) {
	result, err := a.mcpMgr.CallTool(ctx, mangledName, args, sessionHandle)
	if err != nil {
		return session.ToolCallOutcome{}, err
	}
	return session.ToolCallOutcome{Text: result.TextContent(), Error: result.Error, ElapsedMs: result.ElapsedMs}, nil
}

// Unmangle implements session.ToolDispatcher.
func (a *Agent) Unmangle(mangledName string) (string, string, bool) {
	return a.mcpMgr.Unmangle(mangledName)
}

// --- Provider / tool-server / rule / reference CRUD (spec.md §4.7) ---

func (a *Agent) ListProviders() []string { return a.ws.ListProviders() }

func (a *Agent) InstallProvider(pid string, credentials map[string]string) error {
	return a.ws.Install(pid, credentials)
}

func (a *Agent) UninstallProvider(pid string) error { return a.ws.Uninstall(pid) }

func (a *Agent) ListToolServers() []mcp.ServerConfig { return a.ws.ListToolServers() }

// SaveToolServer creates or updates a tool server, reconnecting its client.
func (a *Agent) SaveToolServer(cfg mcp.ServerConfig) error {
	if err := a.ws.SaveToolServer(cfg); err != nil {
		return err
	}
	a.connectToolServer(cfg)
	return nil
}

func (a *Agent) DeleteToolServer(name string) error {
	a.mcpMgr.DeleteClient(name)
	return a.ws.DeleteToolServer(name)
}

func (a *Agent) GetMcpClient(name string) (mcp.Client, bool) { return a.mcpMgr.GetClient(name) }

func (a *Agent) GetAllMcpServers() map[string]mcp.Client { return a.mcpMgr.AllClients() }

func (a *Agent) ListRules() ([]rules.Entry, error)      { return a.rulesSt.List(rules.KindRule) }
func (a *Agent) ListReferences() ([]rules.Entry, error) { return a.rulesSt.List(rules.KindReference) }
func (a *Agent) SaveRule(e rules.Entry, overwrite bool) error {
	e.Kind = rules.KindRule
	return a.rulesSt.Save(e, overwrite)
}
func (a *Agent) SaveReference(e rules.Entry, overwrite bool) error {
	e.Kind = rules.KindReference
	return a.rulesSt.Save(e, overwrite)
}
func (a *Agent) DeleteRule(name string) error      { return a.rulesSt.Delete(rules.KindRule, name) }
func (a *Agent) DeleteReference(name string) error { return a.rulesSt.Delete(rules.KindReference, name) }

func (a *Agent) GetSetting(key string) (any, bool)     { return a.ws.GetSetting(key) }
func (a *Agent) SetSetting(key string, value any) error { return a.ws.SetSetting(key, value) }

func (a *Agent) GetSystemPrompt() (string, error)     { return a.ws.GetSystemPrompt() }
func (a *Agent) SaveSystemPrompt(text string) error   { return a.ws.SaveSystemPrompt(text) }

// --- Session lifecycle (spec.md §4.7) ---

// CreateChatSession creates a session seeded from workspace settings
// overridden by opts, per spec.md §4.7's recognized session options. An
// empty id generates a new one.
func (a *Agent) CreateChatSession(id string, opts SessionOptions) (*session.Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.sessions[id]; exists {
		return nil, fmt.Errorf("facade: session %q already exists", id)
	}

	sess := a.engine.NewSessionSeeded(id)

	settings := session.DefaultSettings()
	if v, ok := a.ws.GetSetting("maxChatTurns"); ok {
		settings.MaxChatTurns = toInt(v, settings.MaxChatTurns)
	}
	if v, ok := a.ws.GetSetting("maxOutputTokens"); ok {
		settings.MaxOutputTokens = toInt(v, settings.MaxOutputTokens)
	}
	if v, ok := a.ws.GetSetting("temperature"); ok {
		settings.Temperature = toFloat(v, settings.Temperature)
	}
	if v, ok := a.ws.GetSetting("topP"); ok {
		settings.TopP = toFloat(v, settings.TopP)
	}
	if v, ok := a.ws.GetSetting("toolPermission"); ok {
		if s, ok := v.(string); ok {
			settings.ToolPermission = s
		}
	}
	if v, ok := a.ws.GetSetting("contextTopK"); ok {
		settings.ContextTopK = toInt(v, settings.ContextTopK)
	}
	if v, ok := a.ws.GetSetting("contextTopN"); ok {
		settings.ContextTopN = toInt(v, settings.ContextTopN)
	}
	if v, ok := a.ws.GetSetting("contextIncludeScore"); ok {
		settings.ContextIncludeScore = toFloat(v, settings.ContextIncludeScore)
	}

	if opts.MaxChatTurns != nil {
		settings.MaxChatTurns = *opts.MaxChatTurns
	}
	if opts.MaxOutputTokens != nil {
		settings.MaxOutputTokens = *opts.MaxOutputTokens
	}
	if opts.Temperature != nil {
		settings.Temperature = *opts.Temperature
	}
	if opts.TopP != nil {
		settings.TopP = *opts.TopP
	}
	if opts.ToolPermission != "" {
		settings.ToolPermission = opts.ToolPermission
	}
	if opts.ContextTopK != nil {
		settings.ContextTopK = *opts.ContextTopK
	}
	if opts.ContextTopN != nil {
		settings.ContextTopN = *opts.ContextTopN
	}
	if opts.ContextIncludeScore != nil {
		settings.ContextIncludeScore = *opts.ContextIncludeScore
	}

	allFields := map[string]bool{
		"maxChatTurns": true, "maxOutputTokens": true, "temperature": true, "topP": true,
		"toolPermission": true, "contextTopK": true, "contextTopN": true, "contextIncludeScore": true,
	}
	if err := sess.UpdateSettings(settings, allFields); err != nil {
		return nil, fmt.Errorf("facade: session settings: %w", err)
	}

	if opts.ModelProvider != "" {
		sess.SwitchModel(opts.ModelProvider, opts.ModelID)
	}

	a.sessions[id] = sess
	return sess, nil
}

// DeleteSession drops a session. Not an error if it doesn't exist.
func (a *Agent) DeleteSession(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, id)
	delete(a.inFlight, id)
}

// HasSession reports whether a session id is currently open.
func (a *Agent) HasSession(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.sessions[id]
	return ok
}

// Session returns an open session, or SessionNotFoundError.
func (a *Agent) Session(id string) (*session.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[id]
	if !ok {
		return nil, &SessionNotFoundError{SessionID: id}
	}
	return sess, nil
}

// HandleMessage delegates to the Session Turn Engine under a per-session
// re-entrancy guard (spec.md §7's ReentrancyError), grounded on the
// teacher's Engine.Send/activeTurns guard.
func (a *Agent) HandleMessage(ctx context.Context, id string, input session.ChatMessage) (session.MessageUpdate, error) {
	sess, err := a.beginTurn(id)
	if err != nil {
		return session.MessageUpdate{}, err
	}
	defer a.endTurn(id)

	return a.engine.HandleMessage(ctx, sess, input, a)
}

func (a *Agent) beginTurn(id string) (*session.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sess, ok := a.sessions[id]
	if !ok {
		return nil, &SessionNotFoundError{SessionID: id}
	}
	if a.inFlight[id] {
		return nil, &ReentrancyError{SessionID: id}
	}
	a.inFlight[id] = true
	return sess, nil
}

func (a *Agent) endTurn(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inFlight, id)
}

func toInt(v any, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return fallback
	}
}

func toFloat(v any, fallback float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return fallback
	}
}
