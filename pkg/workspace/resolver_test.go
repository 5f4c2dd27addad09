package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeIdentifier(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		{name: "plain", input: "chat42", expected: "chat42"},
		{name: "uppercase escaped", input: "chatA", expected: "chat~41"},
		{name: "telegram group id", input: "-1001234567", expected: "-1001234567"},
		{name: "underscores kept", input: "oc_84f2", expected: "oc_84f2"},
		{name: "nanoid", input: "V1StGXR8_Z5j", expected: "~561~53t~47~58~528_~5a5j"},
		{name: "slash escaped", input: "guild/channel", expected: "guild~2fchannel"},
		{name: "backslash escaped", input: `a\b`, expected: "a~5cb"},
		{name: "dot dot escaped", input: "..", expected: "~2e~2e"},
		{name: "tilde escaped", input: "a~2fb", expected: "a~7e2fb"},
		{name: "space escaped", input: "a b", expected: "a~20b"},
		{name: "empty", input: "", wantErr: true},
		{name: "whitespace", input: "   ", wantErr: true},
		{name: "null byte", input: "a\x00b", wantErr: true},
		{name: "too long", input: strings.Repeat("/", 100), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeIdentifier(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidIdentifier)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestSanitizeIdentifier_Injective(t *testing.T) {
	inputs := []string{"a/b", "a_b", "a~2fb", "a.b", "a-b", "A/B"}
	seen := make(map[string]string)
	for _, in := range inputs {
		out, err := SanitizeIdentifier(in)
		require.NoError(t, err)
		if prev, ok := seen[out]; ok {
			t.Fatalf("%q and %q both sanitize to %q", prev, in, out)
		}
		seen[out] = in
	}
}

func TestSanitizeIdentifier_DistinctUnderCaseFolding(t *testing.T) {
	inputs := []string{"chatA", "chata", "CHATA", "ChatA", "chat~41"}
	seen := make(map[string]string)
	for _, in := range inputs {
		out, err := SanitizeIdentifier(in)
		require.NoError(t, err)
		assert.Equal(t, strings.ToLower(out), out)
		folded := strings.ToLower(out)
		if prev, ok := seen[folded]; ok {
			t.Fatalf("%q and %q share directory %q on a case-insensitive filesystem", prev, in, out)
		}
		seen[folded] = in
	}
}

func TestResolvePerChat(t *testing.T) {
	root := t.TempDir()

	ws, err := Resolve("feishu", "chatA", ModePerChat, BaseConfig{Root: root})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "feishu", "chat~41"), ws.Dir)
	assert.Equal(t, ModePerChat, ws.Mode)
	assert.Equal(t, ScopeGlobal, ws.Scope())

	info, err := os.Stat(ws.Dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	again, err := Resolve("feishu", "chatA", ModePerChat, BaseConfig{Root: root})
	require.NoError(t, err)
	assert.Equal(t, ws, again)
}

func TestResolvePerChat_DistinctKeysNeverShare(t *testing.T) {
	root := t.TempDir()

	dirs := make(map[string]struct{})
	keys := [][2]string{
		{"feishu", "chatA"},
		{"feishu", "chatB"},
		{"discord", "chatA"},
		{"feishu", "chat/A"},
		{"feishu", "chat_A"},
	}
	for _, key := range keys {
		ws, err := Resolve(key[0], key[1], ModePerChat, BaseConfig{Root: root})
		require.NoError(t, err)
		_, dup := dirs[ws.Dir]
		require.False(t, dup, "duplicate workspace %s", ws.Dir)
		dirs[ws.Dir] = struct{}{}
		assert.True(t, strings.HasPrefix(ws.Dir, root+string(filepath.Separator)))
	}
}

func TestResolvePerChat_Errors(t *testing.T) {
	root := t.TempDir()

	_, err := Resolve("feishu", "", ModePerChat, BaseConfig{Root: root})
	require.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = Resolve("../etc", "chatA", ModePerChat, BaseConfig{Root: root})
	require.ErrorIs(t, err, ErrInvalidIdentifier)

	_, err = Resolve("feishu", "chatA", ModePerChat, BaseConfig{})
	require.Error(t, err)
}

func TestResolveFixed(t *testing.T) {
	project := t.TempDir()

	ws, err := Resolve("discord", "any-channel", ModeFixed, BaseConfig{FixedDir: project})
	require.NoError(t, err)
	assert.Equal(t, project, ws.Dir)
	assert.Equal(t, ScopeProject, ws.Scope())

	other, err := Resolve("discord", "another-channel", ModeFixed, BaseConfig{FixedDir: project})
	require.NoError(t, err)
	assert.Equal(t, ws.Dir, other.Dir)
}

func TestResolveFixed_NotFound(t *testing.T) {
	_, err := Resolve("discord", "c", ModeFixed, BaseConfig{FixedDir: filepath.Join(t.TempDir(), "missing")})
	require.ErrorIs(t, err, ErrWorkspaceNotFound)

	_, err = Resolve("discord", "c", ModeFixed, BaseConfig{})
	require.ErrorIs(t, err, ErrWorkspaceNotFound)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	_, err = Resolve("discord", "c", ModeFixed, BaseConfig{FixedDir: file})
	require.ErrorIs(t, err, ErrWorkspaceNotFound)
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModePerChat, mode)

	mode, err = ParseMode("FIXED")
	require.NoError(t, err)
	assert.Equal(t, ModeFixed, mode)

	_, err = ParseMode("shared")
	require.ErrorIs(t, err, ErrInvalidMode)
}
