package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"

	"github.com/clice-io/clice/src/frontend"
	"github.com/clice-io/clice/src/index"
)

// symbolAt finds the symbol mentioned at a byte offset of the interested
// file: a reference site first, then a declaration name.
func symbolAt(unit *frontend.CompilationUnit, offset uint32) *frontend.Symbol {
	for _, ref := range unit.Refs {
		if ref.File == unit.Interested && ref.Range.Contains(offset) {
			return ref.Sym
		}
	}
	for _, decl := range unit.Decls {
		if decl.File == unit.Interested && decl.NameRange.Contains(offset) {
			return decl.Sym
		}
	}
	return nil
}

func (s *Server) location(unit *frontend.CompilationUnit, file frontend.FileID, begin, end uint32) protocol.Location {
	content := string(unit.Content(file))
	return protocol.Location{
		URI:   uri.File(unit.Files.Path(file)),
		Range: RangeToProtocol(content, begin, end, s.encoding),
	}
}

func (s *Server) onDefinition(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params protocol.DefinitionParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	path := pathOf(params.TextDocument.URI)

	var locations []protocol.Location
	err := s.withUnit(ctx, path, func(unit *frontend.CompilationUnit) error {
		if unit == nil {
			locations = s.definitionFromIndex(path, params.Position)
			return nil
		}
		content := string(unit.Content(unit.Interested))
		offset := PositionToOffset(content, params.Position, s.encoding)

		sym := symbolAt(unit, offset)
		if sym == nil {
			return nil
		}

		var definitions, declarations []protocol.Location
		for _, decl := range unit.Decls {
			if decl.Sym != sym {
				continue
			}
			location := s.location(unit, decl.File, decl.NameRange.Begin, decl.NameRange.End)
			if decl.Kind == frontend.DeclDefinition {
				definitions = append(definitions, location)
			} else {
				declarations = append(declarations, location)
			}
		}
		locations = definitions
		if len(locations) == 0 {
			locations = declarations
		}
		return nil
	})
	return locations, err
}

// definitionFromIndex answers from the persisted merged index when no AST
// is available; results are limited to ranges within the queried file.
func (s *Server) definitionFromIndex(path string, position protocol.Position) []protocol.Location {
	content, err := readFileString(path)
	if err != nil {
		return nil
	}
	offset := PositionToOffset(content, position, s.encoding)

	merged := s.store.Index(path)
	var locations []protocol.Location
	merged.Lookup(offset, func(occurrence index.Occurrence) bool {
		merged.LookupRelations(occurrence.Target, index.Definition|index.Declaration, func(relation index.Relation) bool {
			locations = append(locations, protocol.Location{
				URI:   uri.File(path),
				Range: RangeToProtocol(content, relation.Range.Begin, relation.Range.End, s.encoding),
			})
			return true
		})
		return false
	})
	return locations
}

func (s *Server) onReferences(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params protocol.ReferenceParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	path := pathOf(params.TextDocument.URI)

	var locations []protocol.Location
	err := s.withUnit(ctx, path, func(unit *frontend.CompilationUnit) error {
		if unit == nil {
			return nil
		}
		content := string(unit.Content(unit.Interested))
		offset := PositionToOffset(content, params.Position, s.encoding)

		sym := symbolAt(unit, offset)
		if sym == nil {
			return nil
		}

		if params.Context.IncludeDeclaration {
			for _, decl := range unit.Decls {
				if decl.Sym == sym {
					locations = append(locations, s.location(unit, decl.File, decl.NameRange.Begin, decl.NameRange.End))
				}
			}
		}
		for _, ref := range unit.Refs {
			if ref.Sym == sym {
				locations = append(locations, s.location(unit, ref.File, ref.Range.Begin, ref.Range.End))
			}
		}
		return nil
	})
	return locations, err
}

func (s *Server) onHover(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params protocol.HoverParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	path := pathOf(params.TextDocument.URI)

	var hover *protocol.Hover
	err := s.withUnit(ctx, path, func(unit *frontend.CompilationUnit) error {
		if unit == nil {
			return nil
		}
		content := string(unit.Content(unit.Interested))
		offset := PositionToOffset(content, params.Position, s.encoding)

		sym := symbolAt(unit, offset)
		if sym == nil {
			return nil
		}

		hover = &protocol.Hover{
			Contents: protocol.MarkupContent{
				Kind:  protocol.Markdown,
				Value: fmt.Sprintf("```cpp\n%s\n```\n\n%s", sym.Qualified, sym.Kind),
			},
		}
		return nil
	})
	return hover, err
}

var symbolKindToLSP = map[frontend.SymbolKind]protocol.SymbolKind{
	frontend.SymNamespace:    protocol.SymbolKindNamespace,
	frontend.SymClass:        protocol.SymbolKindClass,
	frontend.SymStruct:       protocol.SymbolKindStruct,
	frontend.SymUnion:        protocol.SymbolKindStruct,
	frontend.SymEnum:         protocol.SymbolKindEnum,
	frontend.SymEnumConstant: protocol.SymbolKindEnumMember,
	frontend.SymFunction:     protocol.SymbolKindFunction,
	frontend.SymMethod:       protocol.SymbolKindMethod,
	frontend.SymField:        protocol.SymbolKindField,
	frontend.SymVariable:     protocol.SymbolKindVariable,
	frontend.SymParameter:    protocol.SymbolKindVariable,
	frontend.SymTypedef:      protocol.SymbolKindClass,
	frontend.SymMacro:        protocol.SymbolKindConstant,
	frontend.SymConcept:      protocol.SymbolKindInterface,
	frontend.SymModule:       protocol.SymbolKindModule,
}

func (s *Server) onDocumentSymbol(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params protocol.DocumentSymbolParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	path := pathOf(params.TextDocument.URI)

	var symbols []protocol.SymbolInformation
	err := s.withUnit(ctx, path, func(unit *frontend.CompilationUnit) error {
		if unit == nil {
			return nil
		}
		content := string(unit.Content(unit.Interested))
		for _, decl := range unit.Decls {
			if decl.File != unit.Interested || decl.Kind != frontend.DeclDefinition {
				continue
			}
			kind, ok := symbolKindToLSP[decl.Sym.Kind]
			if !ok {
				kind = protocol.SymbolKindVariable
			}
			symbols = append(symbols, protocol.SymbolInformation{
				Name: decl.Sym.Name,
				Kind: kind,
				Location: protocol.Location{
					URI:   params.TextDocument.URI,
					Range: RangeToProtocol(content, decl.FullRange.Begin, decl.FullRange.End, s.encoding),
				},
				ContainerName: containerOf(decl.Sym.Qualified, decl.Sym.Name),
			})
		}
		return nil
	})
	return symbols, err
}

func containerOf(qualified, name string) string {
	if len(qualified) > len(name)+2 && qualified[len(qualified)-len(name):] == name {
		return qualified[:len(qualified)-len(name)-2]
	}
	return ""
}

func readFileString(path string) (string, error) {
	data, err := os.ReadFile(path)
	return string(data), err
}
