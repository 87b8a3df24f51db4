package frontend

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// SymbolKind classifies declarations. The order is the token legend the
// server advertises; keep appends at the end.
type SymbolKind uint8

const (
	SymNamespace SymbolKind = iota
	SymClass
	SymStruct
	SymUnion
	SymEnum
	SymEnumConstant
	SymFunction
	SymMethod
	SymField
	SymVariable
	SymParameter
	SymTypedef
	SymMacro
	SymTemplateParam
	SymConcept
	SymModule
)

var symbolKindNames = [...]string{
	"namespace", "class", "struct", "union", "enum", "enumConstant",
	"function", "method", "field", "variable", "parameter", "typedef",
	"macro", "templateParam", "concept", "module",
}

func (k SymbolKind) String() string {
	if int(k) < len(symbolKindNames) {
		return symbolKindNames[k]
	}
	return "unknown"
}

// SymbolKindNames returns the legend in kind order.
func SymbolKindNames() []string {
	return symbolKindNames[:]
}

// TemplateForm distinguishes the shapes relevant to canonicalization.
type TemplateForm uint8

const (
	// NotTemplate covers ordinary declarations.
	NotTemplate TemplateForm = iota
	// Primary is a primary template.
	Primary
	// FullSpecialization is an explicit full specialization; it is its own
	// canonical symbol.
	FullSpecialization
	// PartialSpecialization canonicalizes to its pattern.
	PartialSpecialization
	// Instantiation covers implicit instantiations and their members.
	Instantiation
)

// Symbol is one semantic entity. Symbols are interned per unit: two
// declarations of the same entity share one Symbol.
type Symbol struct {
	// Name is the unqualified spelled name.
	Name string
	// Qualified is the fully qualified name, :: separated.
	Qualified string
	Kind      SymbolKind
	Form      TemplateForm

	// Pattern points at the template pattern for instantiations, partial
	// specializations and members of instantiations.
	Pattern *Symbol

	// Signature disambiguates overloads (parameter type spellings).
	Signature string

	// hash caches the stable symbol hash.
	hash uint64
}

// Hash returns the stable 64-bit hash of the symbol's semantic identity.
// It is invariant across redeclarations and translation units: only the
// qualified name, kind and signature contribute.
func (s *Symbol) Hash() uint64 {
	if s.hash == 0 {
		usr := fmt.Sprintf("c:%s#%d#%s", s.Qualified, s.Kind, s.Signature)
		s.hash = xxhash.Sum64String(usr)
		if s.hash == 0 {
			s.hash = 1
		}
	}
	return s.hash
}

// DeclKind tags how a declaration site relates to its symbol.
type DeclKind uint8

const (
	DeclDefinition DeclKind = iota
	DeclDeclaration
)

// Decl is one declaration site.
type Decl struct {
	Sym  *Symbol
	Kind DeclKind
	File FileID
	// NameRange covers the declared name.
	NameRange LocalRange
	// FullRange covers the whole declaration.
	FullRange LocalRange

	// Bases lists direct base classes for record definitions.
	Bases []*Symbol
	// Underlying is the aliased symbol for typedefs and alias declarations.
	Underlying *Symbol
	// IsConstructor and IsDestructor mark special members.
	IsConstructor bool
	IsDestructor  bool
}

// RefKind tags how a reference site uses its symbol.
type RefKind uint8

const (
	// RefPlain is an ordinary reference.
	RefPlain RefKind = iota
	// RefWeak marks references resolved by name only, where the resolver
	// could not pin a unique declaration.
	RefWeak
	// RefCall is a call site.
	RefCall
)

// Ref is one resolved reference site.
type Ref struct {
	Sym  *Symbol
	Kind RefKind
	File FileID
	// Range covers the referencing token.
	Range LocalRange
	// Enclosing is the innermost enclosing function, for call graphs.
	Enclosing *Symbol
}

// SymbolTable interns symbols by (qualified name, kind, signature).
type SymbolTable struct {
	symbols map[string]*Symbol
	// byName indexes unqualified names for scope resolution.
	byName map[string][]*Symbol
}

// NewSymbolTable creates an empty table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		symbols: make(map[string]*Symbol),
		byName:  make(map[string][]*Symbol),
	}
}

func tableKey(qualified string, kind SymbolKind, signature string) string {
	return fmt.Sprintf("%s\x00%d\x00%s", qualified, kind, signature)
}

// Intern returns the canonical symbol for the given identity, creating it
// on first use.
func (t *SymbolTable) Intern(name, qualified string, kind SymbolKind, signature string) *Symbol {
	key := tableKey(qualified, kind, signature)
	if sym, ok := t.symbols[key]; ok {
		return sym
	}
	sym := &Symbol{Name: name, Qualified: qualified, Kind: kind, Signature: signature}
	t.symbols[key] = sym
	t.byName[name] = append(t.byName[name], sym)
	return sym
}

// Lookup returns the symbol for the exact identity, or nil.
func (t *SymbolTable) Lookup(qualified string, kind SymbolKind, signature string) *Symbol {
	return t.symbols[tableKey(qualified, kind, signature)]
}

// LookupName returns every symbol sharing the unqualified name.
func (t *SymbolTable) LookupName(name string) []*Symbol {
	return t.byName[name]
}

// LookupQualified returns every symbol with the given qualified name.
func (t *SymbolTable) LookupQualified(qualified string) []*Symbol {
	var out []*Symbol
	for _, syms := range t.byName {
		for _, sym := range syms {
			if sym.Qualified == qualified {
				out = append(out, sym)
			}
		}
	}
	return out
}

// Len returns the number of interned symbols.
func (t *SymbolTable) Len() int {
	return len(t.symbols)
}

// All iterates every interned symbol.
func (t *SymbolTable) All(fn func(*Symbol)) {
	for _, sym := range t.symbols {
		fn(sym)
	}
}
