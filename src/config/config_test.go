package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	workspace := t.TempDir()

	cfg, err := Load(workspace)
	require.NoError(t, err)

	assert.Contains(t, cfg.CompileCommandsDirs, workspace)
	assert.Equal(t, filepath.Join(workspace, ".clice", "cache"), cfg.CacheDir)
	assert.Equal(t, filepath.Join(workspace, ".clice", "index"), cfg.IndexDir)
}

func TestLoadDropsInvalidRules(t *testing.T) {
	workspace := t.TempDir()
	content := `
compile_commands_dirs: [build]
rules:
  - patterns: ["**/*.cu"]
    remove: ["-forward-unknown-to-host-compiler"]
  - patterns: []
    append: ["-DORPHAN"]
  - patterns: ["src/**"]
`
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "clice.yaml"), []byte(content), 0o644))

	cfg, err := Load(workspace)
	require.NoError(t, err)

	// The rule with no patterns and the rule with no effect are dropped.
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, []string{"**/*.cu"}, cfg.Rules[0].Patterns)
	assert.Equal(t, []string{filepath.Join(workspace, "build")}, cfg.CompileCommandsDirs)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "clice.yaml"), []byte("{::"), 0o644))

	_, err := Load(workspace)
	assert.Error(t, err)
}
