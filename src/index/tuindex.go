package index

import (
	"github.com/cespare/xxhash/v2"

	"github.com/clice-io/clice/src/frontend"
)

// Symbol is the minimal metadata kept per symbol hash.
type Symbol struct {
	Name string
	Kind frontend.SymbolKind
}

// RootParent marks include-graph roots.
const RootParent = int32(-1)

// MainFilePosition is the include-chain position used when a file is the
// translation unit's own main file rather than an included header.
const MainFilePosition = ^uint32(0)

// IncludeLocation is one entry of a translation unit's include graph.
type IncludeLocation struct {
	// Line is the 0-based line of the #include directive.
	Line uint32
	// Parent is the graph index of the including entry, or RootParent.
	Parent int32
	// Path indexes the TUIndex path pool.
	Path uint32
}

// TUIndex is the output of indexing one translation unit.
type TUIndex struct {
	// Graph is the include graph; parents precede children.
	Graph []IncludeLocation
	// Paths is the local path pool referenced by Graph.
	Paths []string
	// Symbols maps hashes to minimal symbol metadata.
	Symbols map[SymbolHash]Symbol
	// Files maps unit-local file IDs to their index slice.
	Files map[frontend.FileID]*FileIndex
	// Positions maps file IDs to the include-graph position under which
	// the file was first entered; the main file gets MainFilePosition.
	Positions map[frontend.FileID]uint32
}

// normalize applies the canonicalization chain so references to implicit
// or instantiated declarations land on their pattern: a full
// specialization stays itself, instantiations and partial specializations
// resolve to their pattern, recursively.
func normalize(sym *frontend.Symbol) *frontend.Symbol {
	for sym != nil {
		if sym.Form == frontend.FullSpecialization {
			return sym
		}
		if sym.Pattern == nil {
			return sym
		}
		sym = sym.Pattern
	}
	return nil
}

// macroHash hashes macros into the same 64-bit space as declarations.
func macroHash(name string) SymbolHash {
	return xxhash.Sum64String("m:" + name)
}

// Build walks the unit and assembles its index: per-file occurrence and
// relation lists plus the include graph.
func Build(unit *frontend.CompilationUnit) *TUIndex {
	tu := &TUIndex{
		Symbols:   make(map[SymbolHash]Symbol),
		Files:     make(map[frontend.FileID]*FileIndex),
		Positions: make(map[frontend.FileID]uint32),
	}

	fileIndex := func(id frontend.FileID) *FileIndex {
		fi, ok := tu.Files[id]
		if !ok {
			fi = NewFileIndex()
			tu.Files[id] = fi
		}
		return fi
	}

	record := func(sym *frontend.Symbol) SymbolHash {
		hash := sym.Hash()
		if _, ok := tu.Symbols[hash]; !ok {
			tu.Symbols[hash] = Symbol{Name: sym.Name, Kind: sym.Kind}
		}
		return hash
	}

	for _, decl := range unit.Decls {
		sym := normalize(decl.Sym)
		if sym == nil {
			continue
		}
		hash := record(sym)
		fi := fileIndex(decl.File)
		fi.AddOccurrence(decl.NameRange, hash)

		kind := Definition
		if decl.Kind == frontend.DeclDeclaration {
			kind = Declaration
		}
		fi.AddRelation(hash, Relation{
			Kind:   kind,
			Range:  decl.NameRange,
			Target: PackRange(decl.FullRange),
		})

		for _, baseSym := range decl.Bases {
			base := normalize(baseSym)
			if base == nil {
				continue
			}
			baseHash := record(base)
			fi.AddRelation(hash, Relation{Kind: Base, Target: baseHash})
			fi.AddRelation(baseHash, Relation{Kind: Derived, Target: hash})
		}

		if decl.Underlying != nil {
			if under := normalize(decl.Underlying); under != nil {
				fi.AddRelation(hash, Relation{Kind: TypeDefinition, Target: record(under)})
			}
		}

		if decl.IsConstructor || decl.IsDestructor {
			// Bind the special member to its class.
			if owner := ownerOf(decl.Sym, unit); owner != nil {
				ownerHash := record(normalize(owner))
				kind := Constructor
				if decl.IsDestructor {
					kind = Destructor
				}
				fi.AddRelation(ownerHash, Relation{Kind: kind, Target: hash})
			}
		}
	}

	for _, ref := range unit.Refs {
		sym := normalize(ref.Sym)
		if sym == nil {
			continue
		}
		hash := record(sym)
		fi := fileIndex(ref.File)
		fi.AddOccurrence(ref.Range, hash)

		kind := Reference
		if ref.Kind == frontend.RefWeak {
			kind = WeakReference
		}
		fi.AddRelation(hash, Relation{Kind: kind, Range: ref.Range})

		if ref.Kind == frontend.RefCall && ref.Enclosing != nil {
			caller := normalize(ref.Enclosing)
			if caller != nil {
				callerHash := record(caller)
				// Callee on the caller, Caller on the callee; both carry
				// the call-site range.
				fi.AddRelation(callerHash, Relation{Kind: Callee, Range: ref.Range, Target: hash})
				fi.AddRelation(hash, Relation{Kind: Caller, Range: ref.Range, Target: callerHash})
			}
		}
	}

	// Macro definitions and uses from the directive tables.
	for id, directives := range unit.Directives {
		fi := func() *FileIndex { return fileIndex(id) }
		for _, macro := range directives.Macros {
			hash := macroHash(macro.Name)
			if _, ok := tu.Symbols[hash]; !ok {
				tu.Symbols[hash] = Symbol{Name: macro.Name, Kind: frontend.SymMacro}
			}
			switch macro.Kind {
			case frontend.MacroDef:
				fi().AddOccurrence(macro.NameRange, hash)
				fi().AddRelation(hash, Relation{
					Kind: Definition, Range: macro.NameRange, Target: PackRange(macro.NameRange),
				})
			case frontend.MacroRef_:
				fi().AddOccurrence(macro.NameRange, hash)
				fi().AddRelation(hash, Relation{Kind: Reference, Range: macro.NameRange})
			}
		}
	}

	buildIncludeGraph(tu, unit)

	for _, fi := range tu.Files {
		fi.Finalize()
	}
	return tu
}

// buildIncludeGraph flattens the directive tables into ordered
// IncludeLocation entries. Guard-skipped re-inclusions do not append
// entries, and each entered header appears at most once per chain.
func buildIncludeGraph(tu *TUIndex, unit *frontend.CompilationUnit) {
	pathIndex := make(map[string]uint32)
	internPath := func(path string) uint32 {
		if idx, ok := pathIndex[path]; ok {
			return idx
		}
		idx := uint32(len(tu.Paths))
		pathIndex[path] = idx
		tu.Paths = append(tu.Paths, path)
		return idx
	}

	tu.Positions[unit.Interested] = MainFilePosition
	internPath(unit.Files.Path(unit.Interested))

	var visit func(file frontend.FileID, parent int32)
	visit = func(file frontend.FileID, parent int32) {
		directives, ok := unit.Directives[file]
		if !ok {
			return
		}
		for _, include := range directives.Includes {
			if include.Skipped || include.Resolved == frontend.InvalidFileID {
				continue
			}
			if _, entered := tu.Positions[include.Resolved]; entered {
				continue
			}
			position := uint32(len(tu.Graph))
			tu.Graph = append(tu.Graph, IncludeLocation{
				Line:   include.Line,
				Parent: parent,
				Path:   internPath(unit.Files.Path(include.Resolved)),
			})
			tu.Positions[include.Resolved] = position
			visit(include.Resolved, int32(position))
		}
	}
	visit(unit.Interested, RootParent)
}

// ownerOf finds the class symbol a special member belongs to by stripping
// the trailing component of its qualified name.
func ownerOf(sym *frontend.Symbol, unit *frontend.CompilationUnit) *frontend.Symbol {
	qualified := sym.Qualified
	idx := len(qualified)
	for idx >= 2 && qualified[idx-2:idx] != "::" {
		idx--
	}
	if idx < 2 {
		return nil
	}
	owner := qualified[:idx-2]
	for _, kind := range []frontend.SymbolKind{frontend.SymClass, frontend.SymStruct, frontend.SymUnion} {
		if found := unit.Symbols.Lookup(owner, kind, ""); found != nil {
			return found
		}
	}
	return nil
}
