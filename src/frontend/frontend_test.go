package frontend

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func buildParams(dir, mainFile string) CompilationParams {
	return CompilationParams{
		Arguments: []string{"clang++", "-I", dir, "-std=c++20", mainFile},
		Directory: dir,
	}
}

func TestBuildSimpleUnit(t *testing.T) {
	dir := t.TempDir()
	main := writeFile(t, dir, "main.cpp", "int f();\nint g() { return f(); }\n")

	unit, err := NewTreeSitter().Build(context.Background(), buildParams(dir, main))
	require.NoError(t, err)

	require.NotNil(t, unit)
	assert.Equal(t, FileID(0), unit.Interested)

	var fDecl, fDef *Decl
	for _, decl := range unit.Decls {
		if decl.Sym.Name == "f" && decl.Kind == DeclDeclaration {
			fDecl = decl
		}
		if decl.Sym.Name == "g" && decl.Kind == DeclDefinition {
			fDef = decl
		}
	}
	require.NotNil(t, fDecl, "prototype of f collected")
	require.NotNil(t, fDef, "definition of g collected")

	content := unit.Content(unit.Interested)
	assert.Equal(t, "f", string(content[fDecl.NameRange.Begin:fDecl.NameRange.End]))

	// The call to f resolves to the same symbol as the prototype.
	var call *Ref
	for _, ref := range unit.Refs {
		if ref.Kind == RefCall && ref.Sym.Name == "f" {
			call = ref
		}
	}
	require.NotNil(t, call, "call to f recorded")
	assert.Equal(t, fDecl.Sym, call.Sym)
	require.NotNil(t, call.Enclosing)
	assert.Equal(t, "g", call.Enclosing.Name)

	offset := uint32(strings.LastIndex(string(content), "f()"))
	assert.Equal(t, offset, call.Range.Begin)
	assert.Equal(t, offset+1, call.Range.End)
}

func TestIncludeResolutionAndGuards(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.h", "#ifndef A_H\n#define A_H\nint f();\n#endif\n")
	writeFile(t, dir, "b.h", "#include \"a.h\"\n")
	main := writeFile(t, dir, "main.cpp", "#include \"a.h\"\n#include \"b.h\"\nint x = f();\n")

	unit, err := NewTreeSitter().Build(context.Background(), buildParams(dir, main))
	require.NoError(t, err)

	mainDirs := unit.Directives[unit.Interested]
	require.NotNil(t, mainDirs)
	require.Len(t, mainDirs.Includes, 2)

	first := mainDirs.Includes[0]
	assert.Equal(t, "a.h", first.Path)
	assert.False(t, first.Skipped)
	require.NotEqual(t, InvalidFileID, first.Resolved)

	// b.h re-includes a.h, whose guard is already active.
	bID := mainDirs.Includes[1].Resolved
	require.NotEqual(t, InvalidFileID, bID)
	bDirs := unit.Directives[bID]
	require.NotNil(t, bDirs)
	require.Len(t, bDirs.Includes, 1)
	assert.True(t, bDirs.Includes[0].Skipped, "guarded re-include is skipped")

	// f declared in a.h resolves for the reference in main.cpp.
	var ref *Ref
	for _, r := range unit.Refs {
		if r.Sym.Name == "f" && r.File == unit.Interested {
			ref = r
		}
	}
	require.NotNil(t, ref)
}

func TestPragmaOnceGuard(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "once.h", "#pragma once\nint v;\n")
	main := writeFile(t, dir, "main.cpp", "#include \"once.h\"\n#include \"once.h\"\n")

	unit, err := NewTreeSitter().Build(context.Background(), buildParams(dir, main))
	require.NoError(t, err)

	includes := unit.Directives[unit.Interested].Includes
	require.Len(t, includes, 2)
	assert.False(t, includes[0].Skipped)
	assert.True(t, includes[1].Skipped)
}

func TestRecordAndMembers(t *testing.T) {
	dir := t.TempDir()
	main := writeFile(t, dir, "main.cpp", `
namespace app {
struct Base {};
class Widget : public Base {
public:
    Widget();
    ~Widget();
    void draw();
    int size;
};
void Widget::draw() {}
}
`)

	unit, err := NewTreeSitter().Build(context.Background(), buildParams(dir, main))
	require.NoError(t, err)

	byQualified := map[string][]*Decl{}
	for _, decl := range unit.Decls {
		byQualified[decl.Sym.Qualified] = append(byQualified[decl.Sym.Qualified], decl)
	}

	require.NotEmpty(t, byQualified["app::Widget"])
	widget := byQualified["app::Widget"][0]
	require.Len(t, widget.Bases, 1)
	assert.Equal(t, "app::Base", widget.Bases[0].Qualified)

	require.NotEmpty(t, byQualified["app::Widget::draw"])
	var def, decl *Decl
	for _, d := range byQualified["app::Widget::draw"] {
		if d.Kind == DeclDefinition {
			def = d
		} else {
			decl = d
		}
	}
	require.NotNil(t, def, "out-of-line definition collected")
	require.NotNil(t, decl, "in-class declaration collected")
	assert.Equal(t, def.Sym, decl.Sym, "declaration and definition share one symbol")

	ctor := byQualified["app::Widget::Widget"]
	require.NotEmpty(t, ctor)
	assert.True(t, ctor[0].IsConstructor)

	field := byQualified["app::Widget::size"]
	require.NotEmpty(t, field)
	assert.Equal(t, SymField, field[0].Sym.Kind)
}

func TestEnumConstants(t *testing.T) {
	dir := t.TempDir()
	main := writeFile(t, dir, "main.cpp", "enum Color { Red, Green };\nenum class Mode { Fast };\n")

	unit, err := NewTreeSitter().Build(context.Background(), buildParams(dir, main))
	require.NoError(t, err)

	names := map[string]SymbolKind{}
	for _, decl := range unit.Decls {
		names[decl.Sym.Qualified] = decl.Sym.Kind
	}
	assert.Equal(t, SymEnumConstant, names["Red"], "unscoped constants live in the enclosing scope")
	assert.Equal(t, SymEnumConstant, names["Mode::Fast"], "scoped constants are qualified")
}

func TestMacroOccurrences(t *testing.T) {
	dir := t.TempDir()
	main := writeFile(t, dir, "main.cpp", "#define LIMIT 10\nint cap = LIMIT;\n")

	unit, err := NewTreeSitter().Build(context.Background(), buildParams(dir, main))
	require.NoError(t, err)

	macros := unit.Directives[unit.Interested].Macros
	var def, use bool
	for _, m := range macros {
		if m.Name == "LIMIT" && m.Kind == MacroDef {
			def = true
		}
		if m.Name == "LIMIT" && m.Kind == MacroRef_ {
			use = true
		}
	}
	assert.True(t, def)
	assert.True(t, use)
}

func TestBuildCancellation(t *testing.T) {
	dir := t.TempDir()
	main := writeFile(t, dir, "main.cpp", "int x;\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewTreeSitter().Build(ctx, buildParams(dir, main))
	assert.Error(t, err)
}

func TestEmptyDocument(t *testing.T) {
	dir := t.TempDir()
	main := writeFile(t, dir, "main.cpp", "")

	unit, err := NewTreeSitter().Build(context.Background(), buildParams(dir, main))
	require.NoError(t, err)
	assert.Empty(t, unit.Decls)
	assert.Empty(t, unit.Refs)
}

func TestRemappedBuffersOverrideDisk(t *testing.T) {
	dir := t.TempDir()
	main := writeFile(t, dir, "main.cpp", "int old_name;\n")

	params := buildParams(dir, main)
	params.Remapped = map[string][]byte{main: []byte("int new_name;\n")}

	unit, err := NewTreeSitter().Build(context.Background(), params)
	require.NoError(t, err)

	var found bool
	for _, decl := range unit.Decls {
		if decl.Sym.Name == "new_name" {
			found = true
		}
		assert.NotEqual(t, "old_name", decl.Sym.Name)
	}
	assert.True(t, found)
}

func TestPreambleStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "dep.h", "#define FROM_DEP 1\nint d();\n")
	main := writeFile(t, dir, "main.cpp", "#include \"dep.h\"\n#define LOCAL 2\nint body;\n")

	params := buildParams(dir, main)
	params.OutputPath = filepath.Join(dir, "cache", "main.pch")

	bound := uint32(len("#include \"dep.h\"\n"))
	_, state, err := NewTreeSitter().BuildPreamble(context.Background(), params, bound)
	require.NoError(t, err)

	assert.Equal(t, bound, state.Bound)
	assert.True(t, state.Macros["FROM_DEP"])
	assert.False(t, state.Macros["LOCAL"], "macros past the bound are excluded")
	require.Len(t, state.Deps, 1)

	loaded, err := LoadPreambleState(params.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, state.Bound, loaded.Bound)
	assert.Equal(t, state.Macros, loaded.Macros)
	assert.Equal(t, state.Deps, loaded.Deps)
}

func TestLexTokens(t *testing.T) {
	tokens := lexTokens([]byte("#include <x>\nint a = 1; // note\n\"str\""))

	var kinds []TokenKind
	for _, token := range tokens {
		kinds = append(kinds, token.Kind)
	}
	assert.Equal(t, []TokenKind{
		TokenDirective, TokenKeyword, TokenIdentifier, TokenPunct,
		TokenNumber, TokenPunct, TokenComment, TokenString,
	}, kinds)
}

func TestResolveTemplate(t *testing.T) {
	dir := t.TempDir()
	main := writeFile(t, dir, "main.cpp", `
namespace lib {
struct Vec { int size(); };
}
`)
	fe := NewTreeSitter()
	unit, err := fe.Build(context.Background(), buildParams(dir, main))
	require.NoError(t, err)

	sym := fe.ResolveTemplate(unit, "size", "lib::Vec")
	require.NotNil(t, sym)
	assert.Equal(t, "lib::Vec::size", sym.Qualified)

	assert.Nil(t, fe.ResolveTemplate(unit, "missing", "lib::Vec"))
}
