package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"tsagent/pkg/logging"
)

// Manager is the Tool-Server Manager (C4): a registry of clients keyed by
// server name, with aggregated tool enumeration and wire-identity
// mangling/un-mangling. Grounded on the teacher's tools.Registry
// (pkg/engine/tools/registry.go), generalized from a flat tool map to a
// per-server client map plus a two-level (server, tool) identity.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]Client
	log     hclogLogger
}

// hclogLogger is the minimal logging surface Manager needs; kept as an
// interface alias so tests can pass a no-op.
type hclogLogger interface {
	Warn(msg string, args ...interface{})
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		clients: make(map[string]Client),
		log:     logging.Named("mcp"),
	}
}

// UpdateClient registers or replaces the client for a server name.
// Creating or updating a tool-server reconnects its client, per
// spec.md §4.7.
func (m *Manager) UpdateClient(name string, c Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.clients[name]; ok && old != c {
		_ = old.Disconnect()
	}
	m.clients[name] = c
}

// DeleteClient disconnects and removes a server's client.
func (m *Manager) DeleteClient(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[name]; ok {
		_ = c.Disconnect()
		delete(m.clients, name)
	}
}

// GetClient returns the client for a server name.
func (m *Manager) GetClient(name string) (Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[name]
	return c, ok
}

// AllClients returns a copy of the (serverName -> client) map. Iteration
// order over the map is not defined; ServerNames gives the sorted names.
func (m *Manager) AllClients() map[string]Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Client, len(m.clients))
	for k, v := range m.clients {
		out[k] = v
	}
	return out
}

// ServerNames returns the sorted list of registered server names, the
// closed world that Unmangle resolves against.
func (m *Manager) ServerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for k := range m.clients {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// AggregatedTool pairs a tool descriptor with the server that exposes it.
type AggregatedTool struct {
	ServerName string
	Tool       ToolDescriptor
}

// GetAllTools aggregates ListTools across every connected client.
func (m *Manager) GetAllTools(ctx context.Context) ([]AggregatedTool, error) {
	clients := m.AllClients()
	names := make([]string, 0, len(clients))
	for name := range clients {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []AggregatedTool
	for _, name := range names {
		tools, err := clients[name].ListTools(ctx)
		if err != nil {
			m.log.Warn("list tools failed", "server", name, "error", err)
			continue
		}
		for _, t := range tools {
			out = append(out, AggregatedTool{ServerName: name, Tool: t})
		}
	}
	return out, nil
}

// Mangle flattens a (serverName, toolName) pair to its wire form, per
// spec.md §3 invariant 5.
func Mangle(serverName, toolName string) string {
	return serverName + "_" + toolName
}

// Unmangle reverses Mangle against the manager's current server registry.
// The left-most "_" that yields a known server name wins; if more than one
// split point yields a known server, the longest-matching known server
// name wins (spec.md §4.4, §9).
func (m *Manager) Unmangle(mangled string) (serverName, toolName string, ok bool) {
	names := m.ServerNames()
	return unmangle(mangled, names)
}

func unmangle(mangled string, knownServers []string) (serverName, toolName string, ok bool) {
	bestLen := -1
	var bestServer, bestTool string
	idx := 0
	for {
		i := strings.Index(mangled[idx:], "_")
		if i < 0 {
			break
		}
		cut := idx + i
		candidate := mangled[:cut]
		for _, s := range knownServers {
			if s == candidate && len(s) > bestLen {
				bestLen = len(s)
				bestServer = s
				bestTool = mangled[cut+1:]
			}
		}
		idx = cut + 1
	}
	if bestLen < 0 {
		return "", "", false
	}
	return bestServer, bestTool, true
}

// CallTool un-mangles the wire tool name and dispatches to the
// corresponding client.
func (m *Manager) CallTool(ctx context.Context, mangled string, args map[string]any, sessionHandle string) (CallResult, error) {
	serverName, toolName, ok := m.Unmangle(mangled)
	if !ok {
		return CallResult{}, fmt.Errorf("mcp: cannot resolve server for tool %q", mangled)
	}
	client, ok := m.GetClient(serverName)
	if !ok {
		return CallResult{}, fmt.Errorf("mcp: unknown server %q", serverName)
	}
	return client.CallTool(ctx, toolName, args, sessionHandle)
}
