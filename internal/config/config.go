package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const defaultAppFolder = ".tgpanel"

type Config struct {
	DataDir string

	ListenAddr    string
	MCPListenAddr string
	MCPEnabled    bool
	DemoSeed      bool

	TelegramAPIID   int
	TelegramAPIHash string
	BotToken        string
	BotAuthorizedID int64

	GitHubToken  string
	GitHubRepo   string
	GitHubBranch string
}

// Load reads configuration from a .env file (if present) and the
// TGPANEL_* environment. Credentials set here override the values kept
// in the settings table.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		DataDir:         strings.TrimSpace(os.Getenv("TGPANEL_DATA_DIR")),
		ListenAddr:      envOr("TGPANEL_LISTEN_ADDR", "127.0.0.1:8090"),
		MCPListenAddr:   envOr("TGPANEL_MCP_LISTEN_ADDR", "127.0.0.1:8091"),
		MCPEnabled:      envBool("TGPANEL_MCP_ENABLED", true),
		DemoSeed:        envBool("TGPANEL_DEMO_SEED", false),
		TelegramAPIHash: strings.TrimSpace(os.Getenv("TGPANEL_API_HASH")),
		BotToken:        strings.TrimSpace(os.Getenv("TGPANEL_BOT_TOKEN")),
		GitHubToken:     strings.TrimSpace(os.Getenv("TGPANEL_GITHUB_TOKEN")),
		GitHubRepo:      strings.TrimSpace(os.Getenv("TGPANEL_GITHUB_REPO")),
		GitHubBranch:    envOr("TGPANEL_GITHUB_BRANCH", "main"),
	}
	if raw := strings.TrimSpace(os.Getenv("TGPANEL_API_ID")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			cfg.TelegramAPIID = parsed
		}
	}
	if raw := strings.TrimSpace(os.Getenv("TGPANEL_BOT_AUTHORIZED_ID")); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.BotAuthorizedID = parsed
		}
	}

	if cfg.DataDir == "" {
		if persisted, err := loadPersistedDataDir(); err == nil && strings.TrimSpace(persisted) != "" {
			cfg.DataDir = persisted
		} else {
			cfg.DataDir = DefaultDataDir()
		}
	}
	return cfg
}

func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "app.db")
}

func (c Config) SessionPath() string {
	return filepath.Join(c.DataDir, "telegram.session")
}

func (c Config) DownloadsDir() string {
	return filepath.Join(c.DataDir, "downloads")
}

func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, defaultAppFolder)
}

// PersistDataDir remembers a user-chosen data directory across restarts
// without needing the environment to be set.
func PersistDataDir(dataDir string) error {
	clean := strings.TrimSpace(filepath.Clean(dataDir))
	if clean == "" {
		return errors.New("data directory is required")
	}
	if err := os.MkdirAll(clean, 0o755); err != nil {
		return err
	}
	bootstrapPath, err := bootstrapConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(bootstrapPath), 0o755); err != nil {
		return err
	}
	payload := bootstrapConfig{DataDir: clean}
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	tmpPath := bootstrapPath + ".tmp"
	if err := os.WriteFile(tmpPath, encoded, 0o644); err != nil {
		return err
	}
	if err := os.Remove(bootstrapPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.Rename(tmpPath, bootstrapPath)
}

type bootstrapConfig struct {
	DataDir string `json:"data_dir"`
}

func loadPersistedDataDir() (string, error) {
	bootstrapPath, err := bootstrapConfigPath()
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(filepath.Clean(bootstrapPath))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var payload bootstrapConfig
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", err
	}
	return strings.TrimSpace(filepath.Clean(payload.DataDir)), nil
}

func bootstrapConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, defaultAppFolder, "bootstrap.json"), nil
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	return raw == "1" || strings.EqualFold(raw, "true")
}
