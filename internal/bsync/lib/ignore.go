package lib

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/denormal/go-gitignore"
)

// --- Constants ---

// StateDirName is the name of the per-tree directory holding client state.
const StateDirName = ".bsync"

// StateFileName is the name of the persisted last-synced snapshot.
const StateFileName = "state.json"

// LockFileName guards a tree against concurrent sync runs.
const LockFileName = "lock"

// IgnoreFilename is the name of the file containing user-defined ignore patterns.
const IgnoreFilename = ".bsyncignore"

// defaultIgnorePatterns contains the entries that are never synchronized.
var defaultIgnorePatterns = []string{
	".git/",
	StateDirName + "/",
	IgnoreFilename,
}

// --- Path Helper Functions ---

// GetStateDir returns the absolute path to the .bsync directory for a tree root.
func GetStateDir(root string) string {
	return filepath.Join(root, StateDirName)
}

// GetStatePath returns the path of the persisted snapshot file.
func GetStatePath(root string) string {
	return filepath.Join(GetStateDir(root), StateFileName)
}

// GetLockPath returns the path of the tree lock file.
func GetLockPath(root string) string {
	return filepath.Join(GetStateDir(root), LockFileName)
}

// EnsureStateDir creates the .bsync directory if needed. It is idempotent.
func EnsureStateDir(root string) (string, error) {
	dir := GetStateDir(root)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// IgnoreRules is the compiled set of ignore patterns for one tree.
type IgnoreRules struct {
	// The gitignore library is not safe for concurrent use, so every match is serialized.
	mu      sync.Mutex
	matcher gitignore.GitIgnore
}

// LoadIgnoreRules compiles the default patterns plus the tree's .bsyncignore file, if any.
func LoadIgnoreRules(root string) *IgnoreRules {
	rawPatterns := make([]string, len(defaultIgnorePatterns))
	copy(rawPatterns, defaultIgnorePatterns)

	if content, err := os.ReadFile(filepath.Join(root, IgnoreFilename)); err == nil {
		rawPatterns = append(rawPatterns, strings.Split(string(content), "\n")...)
	}

	return &IgnoreRules{matcher: compileIgnorePatterns(root, rawPatterns)}
}

// NewIgnoreRules compiles an explicit pattern list. Default patterns are always included.
func NewIgnoreRules(root string, patterns ...string) *IgnoreRules {
	raw := append(append([]string{}, defaultIgnorePatterns...), patterns...)
	return &IgnoreRules{matcher: compileIgnorePatterns(root, raw)}
}

func compileIgnorePatterns(root string, rawPatterns []string) gitignore.GitIgnore {
	var finalPatterns []string
	for _, p := range rawPatterns {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		// Normalize Windows-style backslashes to forward slashes.
		trimmed = strings.ReplaceAll(trimmed, "\\", "/")
		finalPatterns = append(finalPatterns, trimmed)

		// A directory pattern also covers everything below it.
		if strings.HasSuffix(trimmed, "/") && !strings.HasSuffix(trimmed, "**/") {
			finalPatterns = append(finalPatterns, trimmed+"**")
		}
	}

	matcher := gitignore.New(
		strings.NewReader(strings.Join(finalPatterns, "\n")),
		root,
		// Keep parsing past invalid lines.
		func(err gitignore.Error) bool { return false },
	)
	if matcher == nil {
		return gitignore.New(strings.NewReader(""), root, nil)
	}
	return matcher
}

// Match reports whether the slash-separated relative path should be ignored.
func (r *IgnoreRules) Match(relPath string, isDir bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	match := r.matcher.Relative(relPath, isDir)
	if match == nil {
		return false
	}
	return match.Ignore()
}
