// Package index extracts symbol occurrences and relations from
// translation units and merges them, per source path, into a
// header-context-aware merged index.
package index

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/clice-io/clice/src/frontend"
)

// SymbolHash is the stable 64-bit hash of one symbol's semantic identity.
type SymbolHash = uint64

// Range is a file-local half-open byte range.
type Range = frontend.LocalRange

// RelationKind is a bitmask of relation categories.
type RelationKind uint32

const (
	Definition RelationKind = 1 << iota
	Declaration
	Reference
	WeakReference
	Interface
	Implementation
	TypeDefinition
	Base
	Derived
	Constructor
	Destructor
	Caller
	Callee
)

// HasRange reports whether the kind's payload is a range pair rather than
// a target symbol.
func (k RelationKind) HasRange() bool {
	return k&(Definition|Declaration|Reference|WeakReference) != 0
}

// Occurrence binds one source range to the symbol it mentions.
type Occurrence struct {
	Range  Range
	Target SymbolHash
}

func occurrenceLess(a, b Occurrence) bool {
	if a.Range.Begin != b.Range.Begin {
		return a.Range.Begin < b.Range.Begin
	}
	if a.Range.End != b.Range.End {
		return a.Range.End < b.Range.End
	}
	return a.Target < b.Target
}

// Relation is one semantic edge attached to a symbol.
//
// For Definition and Declaration, Range covers the name and Target packs
// the full declaration range. For Reference and WeakReference, Range
// covers the reference. For the symbol-target kinds (Interface, Base,
// Caller, ...), Target is the other symbol's hash and Range, when
// meaningful, is the site (the call site for Caller/Callee).
type Relation struct {
	Kind   RelationKind
	Range  Range
	Target uint64
}

// PackRange encodes a full-declaration range into a relation target.
func PackRange(r Range) uint64 {
	return uint64(r.Begin)<<32 | uint64(r.End)
}

// UnpackRange decodes a packed range.
func UnpackRange(v uint64) Range {
	return Range{Begin: uint32(v >> 32), End: uint32(v)}
}

func relationLess(a, b Relation) bool {
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	if a.Range.Begin != b.Range.Begin {
		return a.Range.Begin < b.Range.Begin
	}
	if a.Range.End != b.Range.End {
		return a.Range.End < b.Range.End
	}
	return a.Target < b.Target
}

// FileIndex is the per-file slice of a translation unit's index.
// Occurrences and relation lists are strictly ordered and unique; two
// builds over the same content and arguments produce byte-identical
// canonical forms.
type FileIndex struct {
	Occurrences []Occurrence
	Relations   map[SymbolHash][]Relation
}

// NewFileIndex creates an empty index.
func NewFileIndex() *FileIndex {
	return &FileIndex{Relations: make(map[SymbolHash][]Relation)}
}

// AddOccurrence appends an occurrence; ordering is restored by Finalize.
func (f *FileIndex) AddOccurrence(r Range, target SymbolHash) {
	f.Occurrences = append(f.Occurrences, Occurrence{Range: r, Target: target})
}

// AddRelation appends a relation for symbol.
func (f *FileIndex) AddRelation(symbol SymbolHash, relation Relation) {
	f.Relations[symbol] = append(f.Relations[symbol], relation)
}

// Finalize sorts and uniques the occurrence and relation lists.
func (f *FileIndex) Finalize() {
	sort.Slice(f.Occurrences, func(i, j int) bool {
		return occurrenceLess(f.Occurrences[i], f.Occurrences[j])
	})
	f.Occurrences = uniqueOccurrences(f.Occurrences)

	for symbol, relations := range f.Relations {
		sort.Slice(relations, func(i, j int) bool {
			return relationLess(relations[i], relations[j])
		})
		f.Relations[symbol] = uniqueRelations(relations)
	}
}

func uniqueOccurrences(occurrences []Occurrence) []Occurrence {
	out := occurrences[:0]
	for i, occurrence := range occurrences {
		if i == 0 || occurrence != occurrences[i-1] {
			out = append(out, occurrence)
		}
	}
	return out
}

func uniqueRelations(relations []Relation) []Relation {
	out := relations[:0]
	for i, relation := range relations {
		if i == 0 || relation != relations[i-1] {
			out = append(out, relation)
		}
	}
	return out
}

// Empty reports whether the index records nothing.
func (f *FileIndex) Empty() bool {
	return len(f.Occurrences) == 0 && len(f.Relations) == 0
}

// sortedSymbols returns the relation keys in ascending order.
func (f *FileIndex) sortedSymbols() []SymbolHash {
	symbols := make([]SymbolHash, 0, len(f.Relations))
	for symbol := range f.Relations {
		symbols = append(symbols, symbol)
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i] < symbols[j] })
	return symbols
}

// CanonicalBytes renders the index in its canonical serialized form. The
// index must be finalized.
func (f *FileIndex) CanonicalBytes() []byte {
	var buf []byte
	u32 := func(v uint32) {
		buf = binary.LittleEndian.AppendUint32(buf, v)
	}
	u64 := func(v uint64) {
		buf = binary.LittleEndian.AppendUint64(buf, v)
	}

	u32(uint32(len(f.Occurrences)))
	for _, occurrence := range f.Occurrences {
		u32(occurrence.Range.Begin)
		u32(occurrence.Range.End)
		u64(occurrence.Target)
	}

	symbols := f.sortedSymbols()
	u32(uint32(len(symbols)))
	for _, symbol := range symbols {
		relations := f.Relations[symbol]
		u64(symbol)
		u32(uint32(len(relations)))
		for _, relation := range relations {
			u32(uint32(relation.Kind))
			u32(relation.Range.Begin)
			u32(relation.Range.End)
			u64(relation.Target)
		}
	}
	return buf
}

// Hash returns the SHA-256 of the canonical form; byte-equal canonical
// forms and equal hashes coincide.
func (f *FileIndex) Hash() [32]byte {
	return sha256.Sum256(f.CanonicalBytes())
}
