package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// maxNameLength keeps sanitized names within common filesystem limits.
const maxNameLength = 255

var platformPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Resolve maps a conversation to the directory its agent process runs in.
//
// In per_chat mode the result is {root}/{platform}/{sanitized conversation id} and
// the directory is created when missing. In fixed mode the configured directory is
// returned unchanged and must already exist.
func Resolve(platform, conversationID string, mode Mode, base BaseConfig) (Workspace, error) {
	if !platformPattern.MatchString(platform) {
		return Workspace{}, fmt.Errorf("%w: platform %q", ErrInvalidIdentifier, platform)
	}

	switch mode {
	case ModeFixed:
		return resolveFixed(base)
	case ModePerChat, "":
		return resolvePerChat(platform, conversationID, base)
	default:
		return Workspace{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
}

func resolvePerChat(platform, conversationID string, base BaseConfig) (Workspace, error) {
	if strings.TrimSpace(base.Root) == "" {
		return Workspace{}, fmt.Errorf("workspace root is required for %s mode", ModePerChat)
	}

	name, err := SanitizeIdentifier(conversationID)
	if err != nil {
		return Workspace{}, err
	}

	root, err := filepath.Abs(base.Root)
	if err != nil {
		return Workspace{}, fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	dir := filepath.Join(root, platform, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Workspace{}, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	return Workspace{Dir: dir, Mode: ModePerChat}, nil
}

func resolveFixed(base BaseConfig) (Workspace, error) {
	if strings.TrimSpace(base.FixedDir) == "" {
		return Workspace{}, fmt.Errorf("%w: no fixed directory configured", ErrWorkspaceNotFound)
	}

	info, err := os.Stat(base.FixedDir)
	if err != nil {
		return Workspace{}, fmt.Errorf("%w: %s: %v", ErrWorkspaceNotFound, base.FixedDir, err)
	}
	if !info.IsDir() {
		return Workspace{}, fmt.Errorf("%w: %s is not a directory", ErrWorkspaceNotFound, base.FixedDir)
	}

	return Workspace{Dir: base.FixedDir, Mode: ModeFixed}, nil
}

// SanitizeIdentifier turns a conversation id into a single path element.
//
// Lowercase ASCII letters, digits, '-' and '_' are kept. Every other byte,
// including uppercase letters, '.', path separators and '~', is written as ~XX
// (lowercase hex). The result is therefore all lowercase, so the mapping stays
// injective on case-insensitive filesystems, and it can never be "." or "..".
// Empty ids, ids containing null bytes and ids whose encoding exceeds the
// filesystem name limit are rejected.
func SanitizeIdentifier(id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("%w: empty conversation id", ErrInvalidIdentifier)
	}
	if strings.ContainsRune(id, 0) {
		return "", fmt.Errorf("%w: conversation id contains null bytes", ErrInvalidIdentifier)
	}

	var b strings.Builder
	b.Grow(len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		if isSafeByte(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "~%02x", c)
	}

	name := b.String()
	if len(name) > maxNameLength {
		return "", fmt.Errorf("%w: conversation id too long", ErrInvalidIdentifier)
	}
	return name, nil
}

func isSafeByte(c byte) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '_'
}
