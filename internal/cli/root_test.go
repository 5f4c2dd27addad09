package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns its output. Every flag
// of the command tree is reset before and after the run since the commands are
// package-level and cobra keeps parsed values, --help included, between runs.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := GetRootCmd()
	resetFlags(t, cmd)
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	t.Cleanup(func() {
		resetFlags(t, cmd)
		cmd.SetArgs(nil)
	})

	err := cmd.Execute()
	return output.String(), err
}

func resetFlags(t *testing.T, cmd *cobra.Command) {
	t.Helper()

	reset := func(f *pflag.Flag) {
		require.NoError(t, f.Value.Set(f.DefValue), "flag %s", f.Name)
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(t, sub)
	}
}

// tempConfig points --config at a file in a temp data directory.
func tempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "kirogate.yaml")
	if content != "" {
		writeFile(t, path, content+"\ndata_dir: "+dir+"\n")
	}
	return path
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		out, err := execute(t, "--version")
		require.NoError(t, err)
		assert.Contains(t, out, "kirogate version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		out, err := execute(t, "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "kirogate")
		assert.Contains(t, out, "Agent Client")
	})

	t.Run("flags do not leak between runs", func(t *testing.T) {
		_, err := execute(t, "--help")
		require.NoError(t, err)

		out, err := execute(t, "--version")
		require.NoError(t, err)
		assert.Contains(t, out, "kirogate version")
		assert.NotContains(t, out, "Usage:")
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "", logLevelFlag.DefValue)
	})

	t.Run("subcommands", func(t *testing.T) {
		var names []string
		for _, c := range GetRootCmd().Commands() {
			names = append(names, c.Name())
		}
		for _, want := range []string{"start", "stop", "status", "config", "configure"} {
			assert.Contains(t, names, want)
		}
	})
}

func TestLoadConfigAppliesLogLevel(t *testing.T) {
	cfgFile = tempConfig(t, "logging:\n  level: info")
	logLevel = "debug"
	t.Cleanup(func() {
		cfgFile = ""
		logLevel = ""
	})

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}
