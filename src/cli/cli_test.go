package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clice-io/clice/src/server"
)

func TestVersionSubcommand(t *testing.T) {
	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{CmdVersion})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "clice "+server.Version)
}

func TestUnknownModeFails(t *testing.T) {
	root := NewRootCommand()
	root.SetArgs([]string{"--mode", "teleport"})
	assert.Error(t, root.Execute())
}

func TestBadLogLevelFails(t *testing.T) {
	root := NewRootCommand()
	root.SetArgs([]string{"--mode", "indexer", "--log-level", "verbose"})
	assert.Error(t, root.Execute())
}

func TestBadLogColorFails(t *testing.T) {
	root := NewRootCommand()
	root.SetArgs([]string{"--mode", "indexer", "--log-color", "rainbow"})
	assert.Error(t, root.Execute())
}

func TestMissingPluginFails(t *testing.T) {
	root := NewRootCommand()
	root.SetArgs([]string{"--mode", "indexer", "--plugin-path", "/no/such/plugin.so"})
	assert.Error(t, root.Execute())
}

func TestIndexerMode(t *testing.T) {
	workspace := t.TempDir()
	source := filepath.Join(workspace, "a.cpp")
	require.NoError(t, os.WriteFile(source, []byte("int f() { return 0; }\n"), 0o644))
	cdb := `[{"directory": "` + workspace + `", "file": "` + source + `",
		"command": "clang++ -std=c++20 -c ` + source + `"}]`
	require.NoError(t, os.WriteFile(filepath.Join(workspace, "compile_commands.json"), []byte(cdb), 0o644))

	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(workspace))
	defer os.Chdir(cwd)

	root := NewRootCommand()
	root.SetArgs([]string{"--mode", "indexer", "--log-level", "off"})
	require.NoError(t, root.Execute())

	entries, err := os.ReadDir(filepath.Join(workspace, ".clice", "index"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries, "indexer mode persists merged indices")
}

func TestIndexerModeWithoutDatabase(t *testing.T) {
	workspace := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(workspace))
	defer os.Chdir(cwd)

	root := NewRootCommand()
	root.SetArgs([]string{"--mode", "indexer", "--log-level", "off"})
	assert.Error(t, root.Execute())
}
