package config

import (
	"path/filepath"
	"testing"
)

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TGPANEL_DATA_DIR", "/tmp/tgpanel-test")
	t.Setenv("TGPANEL_LISTEN_ADDR", "127.0.0.1:9999")
	t.Setenv("TGPANEL_API_ID", "12345")
	t.Setenv("TGPANEL_API_HASH", "abc123")
	t.Setenv("TGPANEL_BOT_AUTHORIZED_ID", "-42")
	t.Setenv("TGPANEL_MCP_ENABLED", "false")

	cfg := Load()
	if cfg.DataDir != "/tmp/tgpanel-test" {
		t.Fatalf("unexpected data dir %q", cfg.DataDir)
	}
	if cfg.ListenAddr != "127.0.0.1:9999" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.TelegramAPIID != 12345 || cfg.TelegramAPIHash != "abc123" {
		t.Fatalf("unexpected telegram credentials %d %q", cfg.TelegramAPIID, cfg.TelegramAPIHash)
	}
	if cfg.BotAuthorizedID != -42 {
		t.Fatalf("unexpected authorized id %d", cfg.BotAuthorizedID)
	}
	if cfg.MCPEnabled {
		t.Fatal("expected MCP to be disabled")
	}
}

func TestLoadInvalidAPIIDIgnored(t *testing.T) {
	t.Setenv("TGPANEL_DATA_DIR", "/tmp/tgpanel-test")
	t.Setenv("TGPANEL_API_ID", "not-a-number")

	cfg := Load()
	if cfg.TelegramAPIID != 0 {
		t.Fatalf("expected invalid api id to be dropped, got %d", cfg.TelegramAPIID)
	}
}

func TestDerivedPaths(t *testing.T) {
	cfg := Config{DataDir: "/var/lib/tgpanel"}
	if got := cfg.DBPath(); got != filepath.Join("/var/lib/tgpanel", "app.db") {
		t.Fatalf("unexpected db path %q", got)
	}
	if got := cfg.SessionPath(); got != filepath.Join("/var/lib/tgpanel", "telegram.session") {
		t.Fatalf("unexpected session path %q", got)
	}
	if got := cfg.DownloadsDir(); got != filepath.Join("/var/lib/tgpanel", "downloads") {
		t.Fatalf("unexpected downloads dir %q", got)
	}
}
