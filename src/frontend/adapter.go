package frontend

import (
	"context"
	"fmt"
	"path/filepath"
	"unicode"

	cerrors "github.com/clice-io/clice/src/internal/errors"
)

// TreeSitter is the tree-sitter backed Frontend implementation.
type TreeSitter struct{}

// NewTreeSitter creates the default front end.
func NewTreeSitter() *TreeSitter {
	return &TreeSitter{}
}

var _ Frontend = (*TreeSitter)(nil)

// Build parses a full translation unit: preprocessing, declaration
// collection and reference resolution.
func (f *TreeSitter) Build(ctx context.Context, params CompilationParams) (*CompilationUnit, error) {
	mainFile := mainFileOf(params.Arguments, params.Directory)
	if mainFile == "" {
		return nil, &cerrors.BuildError{File: "<none>", Cause: fmt.Errorf("no input file in arguments")}
	}

	state := newParseState(ctx, params)
	defer state.close()

	// A reusable preamble seeds the macro and guard state so guarded
	// headers behave as if the prefix had been re-lexed.
	if params.Preamble != nil {
		preamble, err := LoadPreambleState(params.Preamble.Path)
		if err != nil {
			return nil, &cerrors.BuildError{File: mainFile, Cause: fmt.Errorf("failed to load preamble: %w", err)}
		}
		for macro := range preamble.Macros {
			state.macros[macro] = true
		}
	}

	interested, err := state.enter(mainFile)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cerrors.ErrCancelled
		}
		return nil, &cerrors.BuildError{File: mainFile, Cause: err}
	}

	if err := ctx.Err(); err != nil {
		return nil, cerrors.ErrCancelled
	}

	sema := newSemaState(state.files, state.trees, state.macros, state.dirs)
	sema.run()

	if err := ctx.Err(); err != nil {
		return nil, cerrors.ErrCancelled
	}

	unit := &CompilationUnit{
		Interested:  interested,
		Files:       state.files,
		Tokens:      lexTokens(state.files.Content(interested)),
		Directives:  state.dirs,
		Decls:       sema.decls,
		Refs:        sema.refs,
		Symbols:     sema.symbols,
		Diagnostics: state.diagnostics,
	}
	return unit, nil
}

// Preprocess runs only the directive pass.
func (f *TreeSitter) Preprocess(ctx context.Context, params CompilationParams) (map[FileID]*Directives, *FileTable, error) {
	mainFile := mainFileOf(params.Arguments, params.Directory)
	if mainFile == "" {
		return nil, nil, &cerrors.BuildError{File: "<none>", Cause: fmt.Errorf("no input file in arguments")}
	}

	state := newParseState(ctx, params)
	defer state.close()

	if _, err := state.enter(mainFile); err != nil {
		if ctx.Err() != nil {
			return nil, nil, cerrors.ErrCancelled
		}
		return nil, nil, &cerrors.BuildError{File: mainFile, Cause: err}
	}
	return state.dirs, state.files, nil
}

// BuildPreamble parses the main-file prefix up to bound and serializes the
// resulting macro/dependency state to params.OutputPath.
func (f *TreeSitter) BuildPreamble(ctx context.Context, params CompilationParams, bound uint32) (*CompilationUnit, *PreambleState, error) {
	mainFile := mainFileOf(params.Arguments, params.Directory)
	if mainFile == "" {
		return nil, nil, &cerrors.BuildError{File: "<none>", Cause: fmt.Errorf("no input file in arguments")}
	}

	// Truncate the remapped main buffer to the bound.
	vfs := NewVFS(params.Remapped)
	content, err := vfs.Read(mainFile)
	if err != nil {
		return nil, nil, &cerrors.BuildError{File: mainFile, Cause: err}
	}
	if bound > uint32(len(content)) {
		bound = uint32(len(content))
	}

	truncated := make(map[string][]byte, len(params.Remapped)+1)
	for path, buf := range params.Remapped {
		truncated[path] = buf
	}
	truncated[filepath.Clean(mainFile)] = content[:bound]
	params.Remapped = truncated

	unit, err := f.Build(ctx, params)
	if err != nil {
		return nil, nil, err
	}

	state := &PreambleState{
		Bound:  bound,
		Macros: make(map[string]bool),
		Deps:   make(map[string]string),
	}
	for macro := range macrosOf(unit) {
		state.Macros[macro] = true
	}
	for id := 0; id < unit.Files.Len(); id++ {
		fid := FileID(id)
		if fid == unit.Interested {
			continue
		}
		path := unit.Files.Path(fid)
		state.Deps[path] = ContentHash(unit.Files.Content(fid))
	}

	if params.OutputPath != "" {
		if err := state.Save(params.OutputPath); err != nil {
			return nil, nil, &cerrors.BuildError{File: mainFile, Cause: err}
		}
	}
	return unit, state, nil
}

func macrosOf(unit *CompilationUnit) map[string]bool {
	macros := make(map[string]bool)
	for _, directives := range unit.Directives {
		for _, macro := range directives.Macros {
			switch macro.Kind {
			case MacroDef:
				macros[macro.Name] = true
			case MacroUndef:
				delete(macros, macro.Name)
			}
		}
	}
	return macros
}

// ResolveTemplate resolves a dependent name inside the given scope chain.
func (f *TreeSitter) ResolveTemplate(unit *CompilationUnit, name string, scope string) *Symbol {
	if unit == nil || unit.Symbols == nil {
		return nil
	}
	// Walk the scope chain from the innermost qualification outwards.
	for scope != "" {
		if sym := pickCandidate(unit.Symbols.LookupQualified(scope + "::" + name)); sym != nil {
			return sym
		}
		idx := len(scope)
		for idx >= 2 && scope[idx-2:idx] != "::" {
			idx--
		}
		if idx < 2 {
			break
		}
		scope = scope[:idx-2]
	}
	return pickCandidate(unit.Symbols.LookupQualified(name))
}

// lexTokens produces a coarse spelled-token buffer for the interested
// file, enough for semantic token mapping and range queries.
func lexTokens(content []byte) []Token {
	var tokens []Token
	i := 0
	n := len(content)

	emit := func(kind TokenKind, begin, end int) {
		tokens = append(tokens, Token{Kind: kind, Range: LocalRange{Begin: uint32(begin), End: uint32(end)}})
	}

	for i < n {
		c := content[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '#':
			begin := i
			for i < n && content[i] != '\n' {
				// Line continuations keep the directive going.
				if content[i] == '\\' && i+1 < n && content[i+1] == '\n' {
					i++
				}
				i++
			}
			emit(TokenDirective, begin, i)
		case c == '/' && i+1 < n && content[i+1] == '/':
			begin := i
			for i < n && content[i] != '\n' {
				i++
			}
			emit(TokenComment, begin, i)
		case c == '/' && i+1 < n && content[i+1] == '*':
			begin := i
			i += 2
			for i+1 < n && !(content[i] == '*' && content[i+1] == '/') {
				i++
			}
			if i+1 < n {
				i += 2
			} else {
				i = n
			}
			emit(TokenComment, begin, i)
		case c == '"' || c == '\'':
			begin := i
			quote := c
			i++
			for i < n && content[i] != quote {
				if content[i] == '\\' {
					i++
				}
				i++
			}
			if i < n {
				i++
			}
			emit(TokenString, begin, i)
		case unicode.IsLetter(rune(c)) || c == '_':
			begin := i
			for i < n && (isIdentByte(content[i])) {
				i++
			}
			kind := TokenIdentifier
			if cppKeywords[string(content[begin:i])] {
				kind = TokenKeyword
			}
			emit(kind, begin, i)
		case c >= '0' && c <= '9':
			begin := i
			for i < n && (isIdentByte(content[i]) || content[i] == '.' || content[i] == '+' || content[i] == '-') {
				i++
			}
			emit(TokenNumber, begin, i)
		default:
			emit(TokenPunct, i, i+1)
			i++
		}
	}
	return tokens
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

var cppKeywords = map[string]bool{
	"alignas": true, "alignof": true, "auto": true, "bool": true, "break": true,
	"case": true, "catch": true, "char": true, "class": true, "const": true,
	"constexpr": true, "consteval": true, "constinit": true, "continue": true,
	"decltype": true, "default": true, "delete": true, "do": true, "double": true,
	"else": true, "enum": true, "explicit": true, "export": true, "extern": true,
	"false": true, "float": true, "for": true, "friend": true, "goto": true,
	"if": true, "inline": true, "int": true, "long": true, "mutable": true,
	"namespace": true, "new": true, "noexcept": true, "nullptr": true,
	"operator": true, "private": true, "protected": true, "public": true,
	"requires": true, "return": true, "short": true, "signed": true, "sizeof": true,
	"static": true, "struct": true, "switch": true, "template": true, "this": true,
	"throw": true, "true": true, "try": true, "typedef": true, "typeid": true,
	"typename": true, "union": true, "unsigned": true, "using": true,
	"virtual": true, "void": true, "volatile": true, "while": true,
	"co_await": true, "co_return": true, "co_yield": true, "concept": true,
	"module": true, "import": true,
}
