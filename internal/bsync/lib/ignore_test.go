package lib

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIgnoreRules(t *testing.T) {
	testCases := []struct {
		name            string
		ignoreContent   string
		pathToCheck     string
		isDir           bool
		shouldBeIgnored bool
	}{
		{
			name:            "Default .git directory ignore",
			pathToCheck:     ".git",
			isDir:           true,
			shouldBeIgnored: true,
		},
		{
			name:            "Default .bsync directory ignore",
			pathToCheck:     ".bsync",
			isDir:           true,
			shouldBeIgnored: true,
		},
		{
			name:            "Default .bsyncignore file ignore",
			pathToCheck:     ".bsyncignore",
			shouldBeIgnored: true,
		},
		{
			name:            "Specific file match",
			ignoreContent:   "secret.txt",
			pathToCheck:     "secret.txt",
			shouldBeIgnored: true,
		},
		{
			name:            "Glob pattern match (*.log)",
			ignoreContent:   "*.log",
			pathToCheck:     "system.log",
			shouldBeIgnored: true,
		},
		{
			name:            "Glob pattern in subdir",
			ignoreContent:   "*.log",
			pathToCheck:     "logs/system.log",
			shouldBeIgnored: true,
		},
		{
			name:            "Directory pattern matches the directory",
			ignoreContent:   "build/",
			pathToCheck:     "build",
			isDir:           true,
			shouldBeIgnored: true,
		},
		{
			name:            "Directory pattern matches its contents",
			ignoreContent:   "build/",
			pathToCheck:     "build/asset.js",
			shouldBeIgnored: true,
		},
		{
			name:            "Negation pattern (!)",
			ignoreContent:   "*.log\n!important.log",
			pathToCheck:     "important.log",
			shouldBeIgnored: false,
		},
		{
			name:            "Negation pattern should not affect other matches",
			ignoreContent:   "*.log\n!important.log",
			pathToCheck:     "unimportant.log",
			shouldBeIgnored: true,
		},
		{
			name:            "Comment and empty lines should be ignored",
			ignoreContent:   "# This is a comment\n\n  \n\n*.tmp",
			pathToCheck:     "some.tmp",
			shouldBeIgnored: true,
		},
		{
			name:            "Path not in ignore list",
			ignoreContent:   "*.log",
			pathToCheck:     "src/main.go",
			shouldBeIgnored: false,
		},
		{
			name:            "Path with Windows-style separators in pattern",
			ignoreContent:   "dist\\main.js",
			pathToCheck:     "dist/main.js",
			shouldBeIgnored: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			root := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(root, IgnoreFilename), []byte(tc.ignoreContent), 0644))

			rules := LoadIgnoreRules(root)

			assert.Equal(t, tc.shouldBeIgnored, rules.Match(tc.pathToCheck, tc.isDir),
				"Path '%s' with ignore content:\n---\n%s\n---", tc.pathToCheck, tc.ignoreContent)
		})
	}
}

func TestIgnoreRulesWithoutFile(t *testing.T) {
	rules := LoadIgnoreRules(t.TempDir())

	assert.True(t, rules.Match(".bsync", true))
	assert.False(t, rules.Match("notes.txt", false))
}

func TestIgnoreConcurrency(t *testing.T) {
	t.Parallel()
	rules := NewIgnoreRules(t.TempDir(), "*.log")

	numGoroutines := 100
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			assert.True(t, rules.Match("test.log", false), "Concurrent check failed: .log file should have been ignored")
			assert.False(t, rules.Match("test.txt", false), "Concurrent check failed: .txt file should not have been ignored")
		}()
	}

	wg.Wait()
}

func TestStatePaths(t *testing.T) {
	root := t.TempDir()

	dir, err := EnsureStateDir(root)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, ".bsync"), dir)
	assert.Equal(t, filepath.Join(root, ".bsync", "state.json"), GetStatePath(root))
	assert.Equal(t, filepath.Join(root, ".bsync", "lock"), GetLockPath(root))
	assert.DirExists(t, dir)
}
