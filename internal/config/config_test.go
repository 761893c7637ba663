package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetDefaults_EmptyConfig(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)

	checks := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"Server.Addr", cfg.Server.Addr, ":3000"},
		{"Server.StaticDir", cfg.Server.StaticDir, "public"},
		{"Server.AllowPrivateRelay", cfg.Server.AllowPrivateRelay, false},
		{"Feeds.DefaultPath", cfg.Feeds.DefaultPath, "/rss-feed"},
		{"Feeds.RelayPath", cfg.Feeds.RelayPath, "/proxy-rss"},
		{"Feeds.FetchTimeout", cfg.Feeds.FetchTimeout, 10},
		{"Feeds.MaxTitleLen", cfg.Feeds.MaxTitleLen, 57},
		{"Feeds.MaxDescriptionLen", cfg.Feeds.MaxDescriptionLen, 160},
		{"Extraction.Path", cfg.Extraction.Path, "/clean-article"},
		{"Extraction.Timeout", cfg.Extraction.Timeout, 20},
		{"Client.BaseURL", cfg.Client.BaseURL, "http://127.0.0.1:3000"},
		{"Database.Driver", cfg.Database.Driver, "sqlite"},
		{"Log.Level", cfg.Log.Level, "info"},
		{"Log.Format", cfg.Log.Format, "console"},
	}

	for _, c := range checks {
		switch want := c.want.(type) {
		case int:
			if c.got.(int) != want {
				t.Errorf("%s: got %v, want %v", c.name, c.got, want)
			}
		case string:
			if c.got.(string) != want {
				t.Errorf("%s: got %v, want %v", c.name, c.got, want)
			}
		case bool:
			if c.got.(bool) != want {
				t.Errorf("%s: got %v, want %v", c.name, c.got, want)
			}
		}
	}

	if len(cfg.Feeds.RequiredFields) != 2 || cfg.Feeds.RequiredFields[0] != "title" || cfg.Feeds.RequiredFields[1] != "link" {
		t.Errorf("Feeds.RequiredFields: got %v", cfg.Feeds.RequiredFields)
	}
	if !strings.HasSuffix(cfg.Database.DSN, "feedbuddy.db") {
		t.Errorf("Database.DSN: got %q", cfg.Database.DSN)
	}
}

func TestSetDefaults_DoesNotOverride(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{Addr: "0.0.0.0:8080", StaticDir: "web"},
		Feeds:  FeedsConfig{MaxTitleLen: 64, RequiredFields: []string{"title"}},
		Client: ClientConfig{BaseURL: "https://news.example.com/"},
		Log:    LogConfig{Level: "debug", Format: "json"},
	}
	setDefaults(cfg)

	if cfg.Server.Addr != "0.0.0.0:8080" {
		t.Errorf("Server.Addr should not be overridden: got %s", cfg.Server.Addr)
	}
	if cfg.Server.StaticDir != "web" {
		t.Errorf("Server.StaticDir should not be overridden: got %s", cfg.Server.StaticDir)
	}
	if cfg.Feeds.MaxTitleLen != 64 {
		t.Errorf("MaxTitleLen should not be overridden: got %d", cfg.Feeds.MaxTitleLen)
	}
	if len(cfg.Feeds.RequiredFields) != 1 {
		t.Errorf("RequiredFields should not be overridden: got %v", cfg.Feeds.RequiredFields)
	}
	if cfg.Client.BaseURL != "https://news.example.com" {
		t.Errorf("Client.BaseURL should only lose its trailing slash: got %s", cfg.Client.BaseURL)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log should not be overridden: got %+v", cfg.Log)
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	yamlContent := `
server:
  addr: ":9000"
  allow_private_relay: true
feeds:
  default_url: https://example.com/feed.rss
  max_title_len: 64
  required_fields: [title, link, description]
  strict: true
extraction:
  upstream_url: "  https://parser.example.com/webparser  "
database:
  driver: postgres
  dsn: postgres://u:p@localhost/news?sslmode=disable
log:
  level: debug
`
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(tmpFile, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Addr != ":9000" {
		t.Errorf("Server.Addr: got %q", cfg.Server.Addr)
	}
	if !cfg.Server.AllowPrivateRelay {
		t.Error("Server.AllowPrivateRelay not loaded")
	}
	if cfg.Client.BaseURL != "http://127.0.0.1:9000" {
		t.Errorf("Client.BaseURL should follow Server.Addr, got %q", cfg.Client.BaseURL)
	}
	if cfg.Feeds.DefaultURL != "https://example.com/feed.rss" {
		t.Errorf("Feeds.DefaultURL: got %q", cfg.Feeds.DefaultURL)
	}
	if !cfg.Feeds.Strict || len(cfg.Feeds.RequiredFields) != 3 {
		t.Errorf("Feeds strictness not loaded: %+v", cfg.Feeds)
	}
	if cfg.Extraction.UpstreamURL != "https://parser.example.com/webparser" {
		t.Errorf("Extraction.UpstreamURL should be trimmed, got %q", cfg.Extraction.UpstreamURL)
	}
	if cfg.Database.Driver != "postgres" || !strings.HasPrefix(cfg.Database.DSN, "postgres://") {
		t.Errorf("Database: got %+v", cfg.Database)
	}
	// 未设置的字段应使用默认值
	if cfg.Feeds.MaxDescriptionLen != 160 {
		t.Errorf("MaxDescriptionLen should default to 160, got %d", cfg.Feeds.MaxDescriptionLen)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_FEED_URL", "https://env.example.com/rss")

	yamlContent := `
feeds:
  default_url: "${TEST_FEED_URL}"
`
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(tmpFile, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Feeds.DefaultURL != "https://env.example.com/rss" {
		t.Errorf("expected env var expansion, got %q", cfg.Feeds.DefaultURL)
	}
}

func TestLoad_DotEnvFile(t *testing.T) {
	const key = "FEEDBUDDY_TEST_UPSTREAM"
	os.Unsetenv(key)
	t.Cleanup(func() { os.Unsetenv(key) })

	tmpDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(tmpDir, ".env"), []byte(key+"=https://dotenv.example.com/parse\n"), 0644); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}
	tmpFile := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(tmpFile, []byte("extraction:\n  upstream_url: \"${"+key+"}\"\n"), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Extraction.UpstreamURL != "https://dotenv.example.com/parse" {
		t.Errorf("expected value from .env, got %q", cfg.Extraction.UpstreamURL)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestSetDefaults_ExpandsHomeInDSN(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		t.Skip("no home directory")
	}
	cfg := &Config{Database: DatabaseConfig{DSN: "~/data/feeds.db"}}
	setDefaults(cfg)
	if cfg.Database.DSN != home+"/data/feeds.db" {
		t.Errorf("expected ~ expansion, got %q", cfg.Database.DSN)
	}
}
