package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chaton2api.toml")
	cfg, err := LoadOrCreateServerConfig(path)
	if err != nil {
		t.Fatalf("LoadOrCreateServerConfig: %v", err)
	}
	if cfg.Upstream.StreamURL != "https://api.chaton.ai/chats/stream" {
		t.Fatalf("unexpected stream url: %q", cfg.Upstream.StreamURL)
	}
	if cfg.Models.Default != "gpt-4o" {
		t.Fatalf("unexpected default model: %q", cfg.Models.Default)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config written to disk: %v", err)
	}
}

func TestLoadServerConfigNormalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chaton2api.toml")
	raw := `
listen_addr = ""
base_url = "http://example.test:9000/"

[upstream]
variant = "FREE"
storage_url = "https://api.chaton.ai/storage"
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen addr not defaulted: %q", cfg.ListenAddr)
	}
	if cfg.BaseURL != "http://example.test:9000" {
		t.Fatalf("base url not trimmed: %q", cfg.BaseURL)
	}
	if cfg.Upstream.Variant != VariantFree {
		t.Fatalf("variant not normalized: %q", cfg.Upstream.Variant)
	}
	if cfg.Upstream.StorageURL != "https://api.chaton.ai/storage/" {
		t.Fatalf("storage url missing trailing slash: %q", cfg.Upstream.StorageURL)
	}
	if cfg.SourceTag() != "chat/free" {
		t.Fatalf("unexpected source tag: %q", cfg.SourceTag())
	}
}

func TestResolveModelFallsBackToDefault(t *testing.T) {
	cfg := NewDefaultServerConfig()
	if got := cfg.ResolveModel("claude-3-5-sonnet"); got != "claude-3-5-sonnet" {
		t.Fatalf("allow-listed model rewritten to %q", got)
	}
	if got := cfg.ResolveModel("o4-hyperdrive"); got != "gpt-4o" {
		t.Fatalf("unknown model resolved to %q, want default", got)
	}
	if got := cfg.ResolveModel(""); got != "gpt-4o" {
		t.Fatalf("empty model resolved to %q, want default", got)
	}
}
