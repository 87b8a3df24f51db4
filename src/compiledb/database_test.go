package compiledb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clice-io/clice/src/config"
)

func TestLoadThenLookup(t *testing.T) {
	db := New()

	content := `[{
		"directory": "/w/b",
		"file": "/w/s/main.cpp",
		"command": "clang++ -I/w/s/include -std=c++20 -c -o main.o /w/s/main.cpp"
	}]`
	infos, err := db.Load(content, "/w")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, Inserted, infos[0].Kind)
	assert.Equal(t, "/w/s/main.cpp", infos[0].File)

	info := db.Lookup("/w/s/main.cpp", LookupOptions{})
	assert.Equal(t, "/w/b", info.Directory)
	assert.Equal(t,
		[]string{"clang++", "-I", "/w/s/include", "-std=c++20", "/w/s/main.cpp"},
		info.Arguments)
}

func TestRuleRemoveAppend(t *testing.T) {
	db := New()
	db.LoadRules([]config.Rule{{
		Patterns: []string{"**"},
		Remove:   []string{"-D*"},
		Append:   []string{"-D", "C"},
	}})

	db.UpdateCommand("/fake", "main.cpp",
		[]string{"clang++", "--output=main.o", "-D", "A", "-D", "B=0", "main.cpp"})

	info := db.Lookup("main.cpp", LookupOptions{})
	assert.Equal(t, []string{"clang++", "-D", "C", "main.cpp"}, info.Arguments)
}

func TestLookupIdempotent(t *testing.T) {
	db := New()
	db.UpdateCommand("/w", "/w/a.cpp", []string{"clang++", "-std=c++17", "/w/a.cpp"})

	first := db.Lookup("/w/a.cpp", LookupOptions{})
	second := db.Lookup("/w/a.cpp", LookupOptions{})
	assert.Equal(t, first, second)
}

func TestLoadReportsDeleted(t *testing.T) {
	db := New()

	_, err := db.Load(`[
		{"directory": "/w", "file": "a.cpp", "command": "clang++ -c a.cpp"},
		{"directory": "/w", "file": "b.cpp", "command": "clang++ -c b.cpp"}
	]`, "/w")
	require.NoError(t, err)

	infos, err := db.Load(`[
		{"directory": "/w", "file": "a.cpp", "command": "clang++ -c a.cpp"}
	]`, "/w")
	require.NoError(t, err)

	kinds := map[string]UpdateKind{}
	for _, info := range infos {
		kinds[info.File] = info.Kind
	}
	assert.Equal(t, Unchanged, kinds["/w/a.cpp"])
	assert.Equal(t, Deleted, kinds["/w/b.cpp"])
}

func TestLoadRejectsNonArray(t *testing.T) {
	db := New()
	_, err := db.Load(`{"directory": "/w"}`, "/w")
	assert.Error(t, err)
}

func TestLoadToleratesMalformedEntries(t *testing.T) {
	db := New()
	infos, err := db.Load(`[
		42,
		{"file": "no-directory.cpp"},
		{"directory": "/w", "file": "ok.cpp", "command": "clang++ -c ok.cpp"}
	]`, "/w")
	require.NoError(t, err)
	// The number and the command-less entry are skipped.
	require.Len(t, infos, 1)
	assert.Equal(t, "/w/ok.cpp", infos[0].File)
}

func TestResponseFileExpansion(t *testing.T) {
	dir := t.TempDir()
	rsp := filepath.Join(dir, "flags.rsp")
	require.NoError(t, os.WriteFile(rsp, []byte("-I include -std=c++20\n"), 0o644))

	db := New()
	db.UpdateCommand(dir, "main.cpp", []string{"clang++", "@" + rsp, "main.cpp"})

	info := db.Lookup("main.cpp", LookupOptions{})
	assert.Equal(t,
		[]string{"clang++", "-I", filepath.Join(dir, "include"), "-std=c++20", "main.cpp"},
		info.Arguments)
}

func TestGuessFromNeighbor(t *testing.T) {
	db := New()
	db.UpdateCommand("/w/b", "/w/src/a.cpp", []string{"clang++", "-std=c++20", "-DX", "/w/src/a.cpp"})

	info := db.Lookup("/w/src/sub/new.cpp", LookupOptions{})
	assert.Equal(t, "/w/b", info.Directory)
	// Stored commands render joined-or-separate options in separate form.
	assert.Equal(t,
		[]string{"clang++", "-std=c++20", "-D", "X", "/w/src/sub/new.cpp"},
		info.Arguments)
	assert.Equal(t, "/w/src/sub/new.cpp", info.Arguments[len(info.Arguments)-1])
}

func TestFallbackCommand(t *testing.T) {
	db := New()
	info := db.Lookup("/elsewhere/x.cpp", LookupOptions{})
	assert.Equal(t, []string{"clang++", "-std=c++20", "/elsewhere/x.cpp"}, info.Arguments)
}

func TestCMakePCHFiltering(t *testing.T) {
	db := New()
	db.UpdateCommand("/w", "/w/a.cpp", []string{
		"clang++",
		"-include", "cmake_pch.hxx",
		"-Xclang", "-include-pch", "-Xclang", "pch.pch",
		"-Xclang", "-fno-pch-timestamp",
		"-std=c++20",
		"/w/a.cpp",
	})

	info := db.Lookup("/w/a.cpp", LookupOptions{})
	assert.Equal(t,
		[]string{"clang++", "-Xclang", "-fno-pch-timestamp", "-std=c++20", "/w/a.cpp"},
		info.Arguments)
}

func TestResourceDirInjection(t *testing.T) {
	db := New()
	db.SetResourceDir("/opt/clice/resource")
	db.UpdateCommand("/w", "/w/a.cpp", []string{"clang++", "/w/a.cpp"})

	info := db.Lookup("/w/a.cpp", LookupOptions{ResourceDir: true})
	assert.Equal(t,
		[]string{"clang++", "-resource-dir=/opt/clice/resource", "/w/a.cpp"},
		info.Arguments)
}

func TestParseDriverOutput(t *testing.T) {
	content := `clang version 18.1.0
Target: x86_64-unknown-linux-gnu
#include "..." search starts here:
#include <...> search starts here:
 /does-not-exist/include
End of search list.
`
	info, err := parseDriverOutput(content)
	require.Nil(t, err)
	assert.Equal(t, "x86_64-unknown-linux-gnu", info.Target)
	// The listed directory does not exist, so normalization drops it.
	assert.Empty(t, info.SystemIncludes)
}

func TestParseDriverOutputMissingMarkers(t *testing.T) {
	_, err := parseDriverOutput("Target: x\n")
	require.NotNil(t, err)

	_, err = parseDriverOutput("#include <...> search starts here:\n /usr/include\n")
	require.NotNil(t, err)
}

func TestQueryDriverUnsupported(t *testing.T) {
	db := New()
	_, err := db.QueryDriver("nvcc")
	assert.Error(t, err)
}

func TestQueryDriverNotFound(t *testing.T) {
	db := New()
	_, err := db.QueryDriver("definitely-not-a-compiler-9000")
	assert.Error(t, err)
}
