package frontend

import (
	"context"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"

	"github.com/clice-io/clice/src/internal/common"
)

// searchPaths holds the include directories extracted from the argument
// vector, in option order.
type searchPaths struct {
	quote    []string
	user     []string // -I
	system   []string // -isystem, -idirafter
	language string   // -x / --language=
}

func extractSearchPaths(arguments []string, directory string) searchPaths {
	var paths searchPaths
	abs := func(dir string) string {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(directory, dir)
		}
		return filepath.Clean(dir)
	}

	for i := 0; i < len(arguments); i++ {
		arg := arguments[i]
		take := func() (string, bool) {
			if i+1 < len(arguments) {
				i++
				return arguments[i], true
			}
			return "", false
		}
		switch {
		case arg == "-I":
			if dir, ok := take(); ok {
				paths.user = append(paths.user, abs(dir))
			}
		case strings.HasPrefix(arg, "-I"):
			paths.user = append(paths.user, abs(arg[2:]))
		case arg == "-isystem" || arg == "-idirafter":
			if dir, ok := take(); ok {
				paths.system = append(paths.system, abs(dir))
			}
		case strings.HasPrefix(arg, "-isystem"):
			paths.system = append(paths.system, abs(arg[8:]))
		case arg == "-iquote":
			if dir, ok := take(); ok {
				paths.quote = append(paths.quote, abs(dir))
			}
		case strings.HasPrefix(arg, "-iquote"):
			paths.quote = append(paths.quote, abs(arg[7:]))
		case arg == "-x":
			if lang, ok := take(); ok {
				paths.language = lang
			}
		case strings.HasPrefix(arg, "--language="):
			paths.language = arg[len("--language="):]
		case strings.HasPrefix(arg, "-resource-dir="):
			paths.system = append(paths.system, filepath.Join(arg[len("-resource-dir="):], "include"))
		}
	}
	return paths
}

// mainFileOf returns the trailing positional input of the argument vector.
func mainFileOf(arguments []string, directory string) string {
	for i := len(arguments) - 1; i > 0; i-- {
		arg := arguments[i]
		if !strings.HasPrefix(arg, "-") {
			// Skip values of separate-form options.
			if i > 0 {
				switch arguments[i-1] {
				case "-I", "-isystem", "-iquote", "-idirafter", "-x", "-include",
					"-Xclang", "-target", "-arch", "-o", "-MF", "-MT", "-MQ":
					continue
				}
			}
			if !filepath.IsAbs(arg) {
				return filepath.Join(directory, arg)
			}
			return filepath.Clean(arg)
		}
	}
	return ""
}

// parseState is the shared state of one build.
type parseState struct {
	ctx    context.Context
	vfs    *VFS
	files  *FileTable
	paths  searchPaths
	dirs   map[FileID]*Directives
	trees  map[FileID]*sitter.Tree
	parser *sitter.Parser

	// macros tracks object-like macro definitions seen so far, for guard
	// evaluation and macro reference collection.
	macros map[string]bool
	// guards maps a file path to its include-guard macro ("" when the
	// file has no guard). pragma-once files use a synthetic key.
	guards map[string]string
	// entered tracks files already entered anywhere in this build.
	entered map[string]bool

	diagnostics []Diagnostic
}

func newParseState(ctx context.Context, params CompilationParams) *parseState {
	paths := extractSearchPaths(params.Arguments, params.Directory)

	// The -x flag picks the language; plain C uses the C grammar,
	// everything else parses as C++.
	language := cpp.GetLanguage()
	if paths.language == "c" ||
		(paths.language == "" && strings.HasSuffix(mainFileOf(params.Arguments, params.Directory), ".c")) {
		language = c.GetLanguage()
	}

	parser := sitter.NewParser()
	parser.SetLanguage(language)
	return &parseState{
		ctx:     ctx,
		vfs:     NewVFS(params.Remapped),
		files:   NewFileTable(),
		paths:   paths,
		dirs:    make(map[FileID]*Directives),
		trees:   make(map[FileID]*sitter.Tree),
		parser:  parser,
		macros:  make(map[string]bool),
		guards:  make(map[string]string),
		entered: make(map[string]bool),
	}
}

func (s *parseState) close() {
	for _, tree := range s.trees {
		tree.Close()
	}
}

func nodeRange(node *sitter.Node) LocalRange {
	return LocalRange{Begin: uint32(node.StartByte()), End: uint32(node.EndByte())}
}

// resolveInclude finds the file a spelled include refers to.
func (s *parseState) resolveInclude(spelled string, angled bool, includingDir string) string {
	var candidates []string
	if !angled {
		candidates = append(candidates, filepath.Join(includingDir, spelled))
		for _, dir := range s.paths.quote {
			candidates = append(candidates, filepath.Join(dir, spelled))
		}
	}
	for _, dir := range s.paths.user {
		candidates = append(candidates, filepath.Join(dir, spelled))
	}
	for _, dir := range s.paths.system {
		candidates = append(candidates, filepath.Join(dir, spelled))
	}
	for _, candidate := range candidates {
		if s.vfs.Exists(candidate) {
			return filepath.Clean(candidate)
		}
	}
	return ""
}

// guardMacroOf inspects a parsed file for the classic include-guard shape:
// a leading #ifndef G / #define G pair, or #pragma once.
func guardMacroOf(root *sitter.Node, content []byte) string {
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "comment":
			continue
		case "preproc_call":
			directive := child.ChildByFieldName("directive")
			if directive != nil && string(content[directive.StartByte():directive.EndByte()]) == "#pragma" {
				if strings.Contains(string(content[child.StartByte():child.EndByte()]), "once") {
					return "#pragma-once"
				}
			}
			return ""
		case "preproc_ifdef":
			// tree-sitter folds #ifndef into preproc_ifdef; the first
			// token distinguishes the polarity.
			first := child.Child(0)
			if first == nil || string(content[first.StartByte():first.EndByte()]) != "#ifndef" {
				return ""
			}
			name := child.ChildByFieldName("name")
			if name == nil {
				return ""
			}
			guard := string(content[name.StartByte():name.EndByte()])
			// The guard must be defined right away.
			for j := 0; j < int(child.NamedChildCount()); j++ {
				inner := child.NamedChild(j)
				if inner.Type() == "preproc_def" {
					defName := inner.ChildByFieldName("name")
					if defName != nil && string(content[defName.StartByte():defName.EndByte()]) == guard {
						return guard
					}
					return ""
				}
			}
			return ""
		default:
			return ""
		}
	}
	return ""
}

// enter parses one file, records its directives, and recurses into its
// includes. Returns the file id, or InvalidFileID when unreadable.
func (s *parseState) enter(path string) (FileID, error) {
	select {
	case <-s.ctx.Done():
		return InvalidFileID, s.ctx.Err()
	default:
	}

	path = filepath.Clean(path)
	if id := s.files.Lookup(path); id != InvalidFileID {
		return id, nil
	}

	content, err := s.vfs.Read(path)
	if err != nil {
		return InvalidFileID, err
	}

	id := s.files.Add(path, content)
	s.entered[path] = true

	tree, err := s.parser.ParseCtx(s.ctx, nil, content)
	if err != nil {
		return InvalidFileID, err
	}
	s.trees[id] = tree

	root := tree.RootNode()
	if guard := guardMacroOf(root, content); guard != "" {
		if guard == "#pragma-once" {
			guard = "#pragma-once:" + path
		}
		s.guards[path] = guard
	}

	s.collectDirectives(id, root, content, filepath.Dir(path))
	return id, nil
}

// collectDirectives walks the tree recording every preprocessor directive
// and recursing into resolved includes.
func (s *parseState) collectDirectives(id FileID, root *sitter.Node, content []byte, dir string) {
	directives := &Directives{}
	s.dirs[id] = directives

	var walk func(node *sitter.Node)
	walk = func(node *sitter.Node) {
		switch node.Type() {
		case "preproc_include":
			s.recordInclude(directives, node, content, dir)
		case "preproc_def", "preproc_function_def":
			if name := node.ChildByFieldName("name"); name != nil {
				macro := string(content[name.StartByte():name.EndByte()])
				s.macros[macro] = true
				directives.Macros = append(directives.Macros, MacroOccurrence{
					Kind: MacroDef, Name: macro, NameRange: nodeRange(name),
				})
			}
		case "preproc_ifdef":
			first := node.Child(0)
			kind := CondIfdef
			if first != nil && string(content[first.StartByte():first.EndByte()]) == "#ifndef" {
				kind = CondIfndef
			}
			cond := Condition{Kind: kind}
			if first != nil {
				cond.DirectiveRange = nodeRange(first)
			}
			if name := node.ChildByFieldName("name"); name != nil {
				cond.ValueRange = nodeRange(name)
			}
			directives.Conditions = append(directives.Conditions, cond)
		case "preproc_if", "preproc_elif", "preproc_else":
			kind := CondIf
			switch node.Type() {
			case "preproc_elif":
				kind = CondElif
			case "preproc_else":
				kind = CondElse
			}
			cond := Condition{Kind: kind}
			if first := node.Child(0); first != nil {
				cond.DirectiveRange = nodeRange(first)
			}
			if condition := node.ChildByFieldName("condition"); condition != nil {
				cond.ValueRange = nodeRange(condition)
				s.recordHasInclude(directives, condition, content, dir)
			}
			directives.Conditions = append(directives.Conditions, cond)
		case "preproc_call":
			directive := node.ChildByFieldName("directive")
			if directive != nil {
				name := string(content[directive.StartByte():directive.EndByte()])
				switch name {
				case "#pragma":
					directives.Pragmas = append(directives.Pragmas, Pragma{
						Range: nodeRange(node),
						Text:  strings.TrimSpace(string(content[node.StartByte():node.EndByte()])),
					})
				case "#embed":
					if argument := node.ChildByFieldName("argument"); argument != nil {
						spelled, angled := spelledHeader(string(content[argument.StartByte():argument.EndByte()]))
						resolved := s.resolveInclude(spelled, angled, dir)
						embed := Embed{PathRange: nodeRange(argument), Path: spelled, Resolved: InvalidFileID}
						if resolved != "" {
							if content, err := s.vfs.Read(resolved); err == nil {
								embed.Resolved = s.files.Add(resolved, content)
							}
						}
						directives.Embeds = append(directives.Embeds, embed)
					}
				case "#undef":
					if argument := node.ChildByFieldName("argument"); argument != nil {
						macro := strings.TrimSpace(string(content[argument.StartByte():argument.EndByte()]))
						directives.Macros = append(directives.Macros, MacroOccurrence{
							Kind: MacroUndef, Name: macro, NameRange: nodeRange(argument),
						})
					}
				}
			}
		case "ERROR":
			s.diagnostics = append(s.diagnostics, Diagnostic{
				File:     id,
				Range:    nodeRange(node),
				Severity: SeverityError,
				Message:  "syntax error",
			})
			return
		}

		for i := 0; i < int(node.NamedChildCount()); i++ {
			walk(node.NamedChild(i))
		}
	}
	walk(root)

	// `import name;` module declarations are parsed at statement level.
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		if child.Type() == "import_declaration" {
			text := strings.TrimSpace(string(content[child.StartByte():child.EndByte()]))
			text = strings.TrimPrefix(text, "import")
			text = strings.TrimSuffix(strings.TrimSpace(text), ";")
			directives.Imports = append(directives.Imports, ModuleImport{
				Range: nodeRange(child),
				Name:  strings.TrimSpace(text),
			})
		}
	}
}

// spelledHeader strips the include delimiters.
func spelledHeader(raw string) (spelled string, angled bool) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "<") && strings.HasSuffix(raw, ">") {
		return raw[1 : len(raw)-1], true
	}
	if strings.HasPrefix(raw, "\"") && strings.HasSuffix(raw, "\"") {
		return raw[1 : len(raw)-1], false
	}
	return raw, false
}

func (s *parseState) recordInclude(directives *Directives, node *sitter.Node, content []byte, dir string) {
	pathNode := node.ChildByFieldName("path")
	if pathNode == nil {
		return
	}
	raw := string(content[pathNode.StartByte():pathNode.EndByte()])
	spelled, angled := spelledHeader(raw)

	include := Include{
		Line:      uint32(node.StartPoint().Row),
		PathRange: nodeRange(pathNode),
		Path:      spelled,
		Angled:    angled,
		Resolved:  InvalidFileID,
	}

	resolved := s.resolveInclude(spelled, angled, dir)
	if resolved == "" {
		common.IndexLogger.Trace("Unresolved include %q", spelled)
		directives.Includes = append(directives.Includes, include)
		return
	}

	// A guarded file that was already entered is skipped without being
	// re-entered; the macro table is not consulted.
	if _, guarded := s.guards[resolved]; guarded && s.entered[resolved] {
		include.Skipped = true
		include.Resolved = s.files.Lookup(resolved)
		directives.Includes = append(directives.Includes, include)
		return
	}

	id, err := s.enter(resolved)
	if err == nil {
		include.Resolved = id
	} else if s.ctx.Err() != nil {
		return
	}
	directives.Includes = append(directives.Includes, include)
}

// recordHasInclude scans a condition expression for __has_include checks.
func (s *parseState) recordHasInclude(directives *Directives, condition *sitter.Node, content []byte, dir string) {
	text := string(content[condition.StartByte():condition.EndByte()])
	base := condition.StartByte()
	offset := 0
	for {
		idx := strings.Index(text[offset:], "__has_include")
		if idx < 0 {
			return
		}
		start := offset + idx
		open := strings.Index(text[start:], "(")
		if open < 0 {
			return
		}
		closeIdx := strings.Index(text[start+open:], ")")
		if closeIdx < 0 {
			return
		}
		raw := text[start+open+1 : start+open+closeIdx]
		spelled, angled := spelledHeader(raw)
		check := HasInclude{
			PathRange: LocalRange{
				Begin: uint32(base) + uint32(start+open+1),
				End:   uint32(base) + uint32(start+open+closeIdx),
			},
			Path:     spelled,
			Resolved: InvalidFileID,
		}
		if resolved := s.resolveInclude(spelled, angled, dir); resolved != "" {
			if content, err := s.vfs.Read(resolved); err == nil {
				check.Resolved = s.files.Add(resolved, content)
			}
		}
		directives.HasIncludes = append(directives.HasIncludes, check)
		offset = start + open + closeIdx
	}
}
