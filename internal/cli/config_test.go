package cli

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestConfigShowMasksSecrets(t *testing.T) {
	path := tempConfig(t, `
telegram:
  enabled: true
  bot_token: "123456:ABCDEFGHIJKLMNOP"
gateway:
  enabled: true
  shared_secret: "super-secret-value"
agent:
  env:
    API_KEY: "sk-live-abcdefghijkl"
`)

	out, err := execute(t, "--config", path, "config", "show")
	require.NoError(t, err)

	assert.NotContains(t, out, "ABCDEFGHIJKLMNOP")
	assert.NotContains(t, out, "super-secret-value")
	assert.NotContains(t, out, "abcdefghijkl")

	var shown map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(out), &shown))
	agent := shown["agent"].(map[string]interface{})
	assert.Equal(t, "kiro-cli", agent["path"])
	assert.Equal(t, "30s", agent["init_timeout"])
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		path := tempConfig(t, "logging:\n  level: info")
		out, err := execute(t, "--config", path, "config", "validate")
		require.NoError(t, err)
		assert.Contains(t, out, "Configuration is valid")
	})

	t.Run("invalid", func(t *testing.T) {
		path := tempConfig(t, "gateway:\n  enabled: true\n  shared_secret: \"\"")
		_, err := execute(t, "--config", path, "config", "validate")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "shared_secret")
	})
}
