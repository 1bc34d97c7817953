// Package logging provides the structured logger used across the agent
// runtime. It wraps hclog so every component gets a named sub-logger with
// consistent leveling, while keeping the call-site shape (scope + message +
// key/value pairs) the rest of the codebase expects.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
)

var (
	mu   sync.RWMutex
	root hclog.Logger = hclog.New(&hclog.LoggerOptions{
		Name:       "tsagent",
		Level:      hclog.Info,
		Output:     os.Stderr,
		JSONFormat: false,
	})
)

// Init reconfigures the root logger. Safe to call once at process startup.
// Only loggers obtained from Named after Init use the new settings; a
// sub-logger taken earlier keeps the previous root's level and output.
func Init(w io.Writer, level hclog.Level, jsonFormat bool) {
	mu.Lock()
	defer mu.Unlock()
	root = hclog.New(&hclog.LoggerOptions{
		Name:       "tsagent",
		Level:      level,
		Output:     w,
		JSONFormat: jsonFormat,
	})
}

// Named returns a sub-logger scoped to the given component name, e.g.
// logging.Named("mcp") or logging.Named("session").
func Named(scope string) hclog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(scope)
}

// ParseLevel maps a textual level (from workspace settings) to an hclog
// level, defaulting to Info for unrecognized values.
func ParseLevel(s string) hclog.Level {
	lvl := hclog.LevelFromString(s)
	if lvl == hclog.NoLevel {
		return hclog.Info
	}
	return lvl
}
