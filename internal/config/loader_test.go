package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.configPath)
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		t.Setenv("HOME", tmpDir)
		configPath := filepath.Join(tmpDir, "nonexistent.json")

		loader := NewLoader(configPath)
		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.Equal(t, "kiro-cli", cfg.Agent.Path)
		assert.Equal(t, filepath.Join(tmpDir, ".kirogate"), cfg.DataDir)
		assert.Equal(t, filepath.Join(tmpDir, ".kirogate", "workspaces"), cfg.Workspace.Root)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		testConfig := `{
			"data_dir": "` + tmpDir + `",
			"agent": {
				"path": "/opt/kiro/bin/kiro-cli",
				"turn_timeout": "10m"
			},
			"session": {
				"idle_timeout": "0s",
				"cancel_keywords": ["abort"]
			},
			"telegram": {
				"enabled": true,
				"bot_token": "123456789:ABCdefGHIjklMNOpqrsTUVwxyz",
				"allowlist": [42, 7]
			}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0o644))

		loader := NewLoader(configPath)
		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.Equal(t, "/opt/kiro/bin/kiro-cli", cfg.Agent.Path)
		assert.Equal(t, []string{"acp"}, cfg.Agent.Args, "unset keys keep their defaults")
		assert.Equal(t, 10*time.Minute, cfg.Agent.TurnTimeout)
		assert.Equal(t, 30*time.Second, cfg.Agent.InitTimeout)
		assert.Equal(t, time.Duration(0), cfg.Session.IdleTimeout)
		assert.Equal(t, []string{"abort"}, cfg.Session.CancelKeywords)
		assert.True(t, cfg.Telegram.Enabled)
		assert.Equal(t, []int64{42, 7}, cfg.Telegram.Allowlist)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("load yaml with platform overrides", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "kirogate.yaml")

		testConfig := `
data_dir: ` + tmpDir + `
workspace:
  mode: per_chat
platforms:
  gateway:
    workspace_mode: fixed
    fixed_dir: /srv/shared
    permission_timeout: 2m
`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0o644))

		cfg, err := Load(configPath)
		require.NoError(t, err)

		require.Contains(t, cfg.Platforms, "gateway")
		p := cfg.Platforms["gateway"]
		assert.Equal(t, "fixed", p.WorkspaceMode)
		require.NotNil(t, p.PermissionTimeout)
		assert.Equal(t, 2*time.Minute, *p.PermissionTimeout)
		assert.Nil(t, p.IdleTimeout)
	})

	t.Run("environment overrides", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"data_dir": "`+tmpDir+`"}`), 0o644))

		t.Setenv("KIROGATE_AGENT_PATH", "/usr/local/bin/kiro-cli")
		t.Setenv("KIROGATE_SESSION_IDLE_TIMEOUT", "2m")
		t.Setenv("KIROGATE_LOGGING_LEVEL", "debug")

		cfg, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, "/usr/local/bin/kiro-cli", cfg.Agent.Path)
		assert.Equal(t, 2*time.Minute, cfg.Session.IdleTimeout)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("set default paths", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"data_dir": "`+tmpDir+`"}`), 0o644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, tmpDir, cfg.DataDir)
		assert.Equal(t, filepath.Join(tmpDir, "kirogate.log"), cfg.Logging.File)
		assert.Equal(t, filepath.Join(tmpDir, "audit.log"), cfg.Logging.AuditFile)
	})

	t.Run("unknown key is rejected", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"agent": {"pth": "kiro"}}`), 0o644))

		_, err := NewLoader(configPath).Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid config file")
	})

	t.Run("bad duration is rejected", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"session": {"idle_timeout": "soon"}}`), 0o644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "invalid.json")

		require.NoError(t, os.WriteFile(configPath, []byte("invalid json"), 0o644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	t.Run("save config to file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		cfg := DefaultConfig()
		cfg.DataDir = tmpDir
		cfg.Telegram.BotToken = "123456789:ABCdefGHIjklMNOpqrsTUVwxyz"
		cfg.Session.IdleTimeout = 90 * time.Second

		loader := NewLoader(configPath)
		require.NoError(t, loader.Save(cfg))

		info, err := os.Stat(configPath)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

		loaded, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, "123456789:ABCdefGHIjklMNOpqrsTUVwxyz", loaded.Telegram.BotToken)
		assert.Equal(t, 90*time.Second, loaded.Session.IdleTimeout)
		assert.Equal(t, cfg.Agent.Args, loaded.Agent.Args)
		assert.Equal(t, cfg.Agent.TurnTimeout, loaded.Agent.TurnTimeout)
	})

	t.Run("save yaml", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "kirogate.yml")

		cfg := DefaultConfig()
		cfg.DataDir = tmpDir
		cfg.Workspace.Mode = "fixed"
		cfg.Workspace.FixedDir = tmpDir

		require.NoError(t, NewLoader(configPath).Save(cfg))

		data, err := os.ReadFile(configPath)
		require.NoError(t, err)
		assert.Contains(t, string(data), "fixed_dir:")

		loaded, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, "fixed", loaded.Workspace.Mode)
	})

	t.Run("create directory if not exists", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "subdir", "config.json")

		require.NoError(t, NewLoader(configPath).Save(DefaultConfig()))

		_, err := os.Stat(filepath.Dir(configPath))
		assert.NoError(t, err)
	})
}

func TestLoaderGetConfigPath(t *testing.T) {
	t.Run("custom path", func(t *testing.T) {
		loader := NewLoader("/custom/path/config.json")
		assert.Equal(t, "/custom/path/config.json", loader.GetConfigPath())
	})

	t.Run("default path", func(t *testing.T) {
		t.Setenv("HOME", "/home/tester")
		loader := NewLoader("")
		assert.Equal(t, "/home/tester/.kirogate/kirogate.json", loader.GetConfigPath())
	})
}
