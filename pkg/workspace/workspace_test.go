package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"tsagent/pkg/mcp"
)

func TestLoadMissingWithoutCreateFails(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nope")
	_, err := Load(dir, false)
	if err != ErrNotWorkspace {
		t.Fatalf("err = %v, want ErrNotWorkspace", err)
	}
}

func TestLoadCreateInitializesDefaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ws")
	w, err := Load(dir, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v, ok := w.GetSetting("maxChatTurns"); !ok || v.(int) != 10 {
		t.Errorf("maxChatTurns = %v, ok=%v, want 10", v, ok)
	}
	if _, err := os.Stat(configPath(dir)); err != nil {
		t.Errorf("tspark.json not written: %v", err)
	}
}

func TestSetSettingPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ws")
	w, err := Load(dir, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := w.SetSetting("temperature", 0.2); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}

	reloaded, err := Load(dir, false)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	v, ok := reloaded.GetSetting("temperature")
	if !ok || v.(float64) != 0.2 {
		t.Errorf("temperature = %v, ok=%v, want 0.2", v, ok)
	}
}

func TestSetSettingRejectsOutOfBoundsValue(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ws")
	w, err := Load(dir, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	err = w.SetSetting("maxChatTurns", -5)
	if err == nil {
		t.Fatalf("expected ConfigError for maxChatTurns = -5")
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v (%T), want *ConfigError", err, err)
	}

	// the rejected write must not have persisted.
	v, _ := w.GetSetting("maxChatTurns")
	if v.(int) == -5 {
		t.Errorf("out-of-bounds value was persisted")
	}
}

func TestSetSettingRejectsInvalidEnum(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ws")
	w, err := Load(dir, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := w.SetSetting("toolPermission", "sometimes"); err == nil {
		t.Fatalf("expected ConfigError for an unknown toolPermission value")
	}
}

func TestCorruptJSONLoadsDegraded(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ws")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(configPath(dir), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := Load(dir, false)
	if err != nil {
		t.Fatalf("Load should not error on corrupt JSON, got: %v", err)
	}
	if len(w.ListProviders()) != 0 {
		t.Errorf("expected empty providers on degraded load")
	}
}

func TestToolServerCRUD(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ws")
	w, err := Load(dir, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg := mcp.ServerConfig{Name: "fs", Type: mcp.TransportProcess, Command: "fs-server"}
	if err := w.SaveToolServer(cfg); err != nil {
		t.Fatalf("SaveToolServer: %v", err)
	}

	servers := w.ListToolServers()
	if len(servers) != 1 || servers[0].Name != "fs" {
		t.Fatalf("ListToolServers = %+v", servers)
	}

	if err := w.DeleteToolServer("fs"); err != nil {
		t.Fatalf("DeleteToolServer: %v", err)
	}
	if len(w.ListToolServers()) != 0 {
		t.Errorf("expected no tool servers after delete")
	}
}

func TestSaveToolServerRejectsInvalidConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ws")
	w, err := Load(dir, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	err = w.SaveToolServer(mcp.ServerConfig{Name: "bad", Type: mcp.TransportProcess})
	if err == nil {
		t.Errorf("expected validation error for stdio server missing command")
	}
}

func TestSystemPromptRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ws")
	w, err := Load(dir, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := w.SaveSystemPrompt("You are a helpful agent."); err != nil {
		t.Fatalf("SaveSystemPrompt: %v", err)
	}
	got, err := w.GetSystemPrompt()
	if err != nil {
		t.Fatalf("GetSystemPrompt: %v", err)
	}
	if got != "You are a helpful agent." {
		t.Errorf("got %q", got)
	}
}

func TestEventBusPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe()
	bus.Publish(EventRulesChanged, "style-guide")

	select {
	case ev := <-ch:
		if ev.Kind != EventRulesChanged {
			t.Errorf("Kind = %q, want %q", ev.Kind, EventRulesChanged)
		}
	default:
		t.Fatalf("expected a buffered event")
	}
}
