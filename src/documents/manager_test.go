package documents

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clice-io/clice/src/compiledb"
	"github.com/clice-io/clice/src/frontend"
	"github.com/clice-io/clice/src/preamble"
)

func newTestManager(t *testing.T, capacity int) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	db := compiledb.New()
	fe := frontend.NewTreeSitter()
	engine := preamble.NewEngine(fe, filepath.Join(dir, "cache"))
	m := NewManager(db, fe, engine, capacity)
	t.Cleanup(m.Close)
	return m, dir
}

// waitReady polls until the entry reaches StateReady with the wanted
// version, or fails the test.
func waitReady(t *testing.T, m *Manager, path string, version int32) *Entry {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if entry, ok := m.Get(path); ok {
			m.mu.Lock()
			ready := entry.State == StateReady && entry.Version == version
			m.mu.Unlock()
			if ready {
				return entry
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("document %s never became ready at version %d", path, version)
	return nil
}

func TestOpenBuildsUnit(t *testing.T) {
	m, dir := newTestManager(t, 4)
	path := filepath.Join(dir, "main.cpp")

	m.Open(path, "int f();\nint g() { return f(); }\n", 1)
	entry := waitReady(t, m, path, 1)

	require.NotNil(t, entry.Unit)
	assert.NotEmpty(t, entry.Unit.Decls)
}

func TestChangeRebuilds(t *testing.T) {
	m, dir := newTestManager(t, 4)
	path := filepath.Join(dir, "main.cpp")

	m.Open(path, "int a;\n", 1)
	waitReady(t, m, path, 1)

	require.NoError(t, m.Change(path, []Edit{{Full: true, Text: "int a;\nint b;\n"}}, 2))
	entry := waitReady(t, m, path, 2)

	var names []string
	for _, decl := range entry.Unit.Decls {
		names = append(names, decl.Sym.Name)
	}
	assert.Contains(t, names, "b")
}

func TestIncrementalEdit(t *testing.T) {
	m, dir := newTestManager(t, 4)
	path := filepath.Join(dir, "main.cpp")

	m.Open(path, "int ab;\n", 1)
	waitReady(t, m, path, 1)

	// Replace "ab" with "xyz".
	require.NoError(t, m.Change(path, []Edit{{Begin: 4, End: 6, Text: "xyz"}}, 2))
	entry := waitReady(t, m, path, 2)
	assert.Equal(t, "int xyz;\n", entry.Content)
}

func TestIdenticalFullReplacementIsNoOp(t *testing.T) {
	m, dir := newTestManager(t, 4)
	path := filepath.Join(dir, "main.cpp")

	m.Open(path, "int a;\n", 1)
	waitReady(t, m, path, 1)
	entry, _ := m.Get(path)
	unit := entry.Unit

	require.NoError(t, m.Change(path, []Edit{{Full: true, Text: "int a;\n"}}, 2))

	m.mu.Lock()
	sameUnit := entry.Unit == unit
	version := entry.Version
	state := entry.State
	m.mu.Unlock()
	assert.True(t, sameUnit, "identical replacement keeps the unit")
	assert.Equal(t, int32(2), version)
	assert.Equal(t, StateReady, state)
}

func TestCloseDropsAST(t *testing.T) {
	m, dir := newTestManager(t, 4)
	path := filepath.Join(dir, "main.cpp")

	m.Open(path, "int a;\n", 1)
	waitReady(t, m, path, 1)

	m.CloseDocument(path)
	_, ok := m.Get(path)
	assert.False(t, ok)
}

func TestLRUEviction(t *testing.T) {
	m, dir := newTestManager(t, 2)

	paths := make([]string, 3)
	for i := range paths {
		paths[i] = filepath.Join(dir, string(rune('a'+i))+".cpp")
		m.Open(paths[i], "int x;\n", 1)
		waitReady(t, m, paths[i], 1)
	}

	// Capacity 2: the oldest unpinned entry is gone.
	m.mu.Lock()
	total := m.cache.Len()
	m.mu.Unlock()
	assert.Equal(t, 2, total)

	_, ok := m.Get(paths[0])
	assert.False(t, ok, "oldest entry evicted")
	_, ok = m.Get(paths[2])
	assert.True(t, ok)
}

func TestReadUnitSharedLease(t *testing.T) {
	m, dir := newTestManager(t, 4)
	path := filepath.Join(dir, "main.cpp")

	m.Open(path, "int f();\n", 1)
	waitReady(t, m, path, 1)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.ReadUnit(context.Background(), path, func(unit *frontend.CompilationUnit) error {
				require.NotNil(t, unit)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestOnBuiltCallback(t *testing.T) {
	m, dir := newTestManager(t, 4)
	path := filepath.Join(dir, "main.cpp")

	results := make(chan BuildResult, 1)
	m.OnBuilt = func(result BuildResult) { results <- result }

	m.Open(path, "int a;\n", 1)
	select {
	case result := <-results:
		assert.Equal(t, path, result.Path)
		assert.NoError(t, result.Err)
		assert.NotNil(t, result.Unit)
	case <-time.After(5 * time.Second):
		t.Fatal("OnBuilt never fired")
	}
}

func TestPreambleReuseAcrossRebuilds(t *testing.T) {
	m, dir := newTestManager(t, 4)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.h"), []byte("int f();\n"), 0o644))
	path := filepath.Join(dir, "main.cpp")
	// Register a command whose -I points at the temp dir holding a.h.
	m.db.UpdateCommand(dir, path, []string{"clang++", "-I", dir, "-std=c++20", path})

	m.Open(path, "#include \"a.h\"\nint x = f();\n", 1)
	waitReady(t, m, path, 1)
	entry, _ := m.Get(path)
	require.NotNil(t, entry.Preamble)
	first := entry.Preamble

	// Edit past the bound: the preamble is reused.
	require.NoError(t, m.Change(path, []Edit{{Full: true, Text: "#include \"a.h\"\nint x = f() + 1;\n"}}, 2))
	waitReady(t, m, path, 2)
	assert.Same(t, first, entry.Preamble)

	// Edit inside the prefix: the preamble is rebuilt.
	require.NoError(t, m.Change(path, []Edit{{Full: true, Text: "#define N 2\n#include \"a.h\"\nint x = f();\n"}}, 3))
	waitReady(t, m, path, 3)
	assert.NotSame(t, first, entry.Preamble)
}

func TestApplyEditsBounds(t *testing.T) {
	_, err := ApplyEdits("short", []Edit{{Begin: 2, End: 99, Text: "x"}})
	assert.Error(t, err)

	out, err := ApplyEdits("hello world", []Edit{
		{Begin: 0, End: 5, Text: "goodbye"},
		{Begin: 8, End: 13, Text: "moon"},
	})
	require.NoError(t, err)
	assert.Equal(t, "goodbye moon", out)
}
