package index

import (
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
)

// IncludeContext binds one include-chain position to the canonical ID
// that was active when the header was parsed there.
type IncludeContext struct {
	Position    uint32
	CanonicalID uint32
}

// HeaderContexts lists every context one translation unit contributed for
// a header.
type HeaderContexts struct {
	Version  uint32
	Includes []IncludeContext
}

// MergedIndex merges the FileIndex snapshots a single source path
// produced under different header contexts. Snapshots with byte-identical
// canonical forms share one canonical ID; occurrence and relation tables
// carry a bitmap of the canonical IDs each row is live in.
type MergedIndex struct {
	maxCanonicalID uint32

	// cache maps the canonical-form SHA-256 to its canonical ID.
	cache map[[32]byte]uint32

	refCounts []uint32

	// removed holds tombstoned canonical IDs awaiting GC.
	removed *roaring.Bitmap

	// contexts maps a TU path ID to the contexts it contributed.
	contexts map[uint32]*HeaderContexts

	occurrences map[Occurrence]*roaring.Bitmap
	relations   map[SymbolHash]map[Relation]*roaring.Bitmap

	// occCache is the sorted occurrence list for offset lookups,
	// invalidated by merges.
	occCache []Occurrence
}

// NewMergedIndex creates an empty merged index.
func NewMergedIndex() *MergedIndex {
	return &MergedIndex{
		cache:       make(map[[32]byte]uint32),
		removed:     roaring.New(),
		contexts:    make(map[uint32]*HeaderContexts),
		occurrences: make(map[Occurrence]*roaring.Bitmap),
		relations:   make(map[SymbolHash]map[Relation]*roaring.Bitmap),
	}
}

// Merge records that the translation unit tuPathID parsed this source at
// include-chain position with the given index snapshot. Identical
// snapshots reuse their canonical ID and bump its reference count.
func (m *MergedIndex) Merge(tuPathID, position uint32, fi *FileIndex) {
	hash := fi.Hash()

	id, known := m.cache[hash]
	if !known {
		id = m.maxCanonicalID
		m.maxCanonicalID++
		m.cache[hash] = id
		m.refCounts = append(m.refCounts, 1)

		for _, occurrence := range fi.Occurrences {
			bitmap, ok := m.occurrences[occurrence]
			if !ok {
				bitmap = roaring.New()
				m.occurrences[occurrence] = bitmap
			}
			bitmap.Add(id)
		}
		for symbol, relations := range fi.Relations {
			target, ok := m.relations[symbol]
			if !ok {
				target = make(map[Relation]*roaring.Bitmap)
				m.relations[symbol] = target
			}
			for _, relation := range relations {
				bitmap, ok := target[relation]
				if !ok {
					bitmap = roaring.New()
					target[relation] = bitmap
				}
				bitmap.Add(id)
			}
		}
		m.occCache = nil
	} else {
		m.refCounts[id]++
		m.removed.Remove(id)
	}

	contexts, ok := m.contexts[tuPathID]
	if !ok {
		contexts = &HeaderContexts{}
		m.contexts[tuPathID] = contexts
	}
	contexts.Includes = append(contexts.Includes, IncludeContext{Position: position, CanonicalID: id})
}

// Remove drops every context the translation unit contributed. Canonical
// IDs whose reference count reaches zero are tombstoned; their rows are
// reclaimed on the next Serialize.
func (m *MergedIndex) Remove(tuPathID uint32) {
	contexts, ok := m.contexts[tuPathID]
	if !ok {
		return
	}
	for _, include := range contexts.Includes {
		m.refCounts[include.CanonicalID]--
		if m.refCounts[include.CanonicalID] == 0 {
			m.removed.Add(include.CanonicalID)
		}
	}
	delete(m.contexts, tuPathID)
}

// RefCount returns the reference count of a canonical ID.
func (m *MergedIndex) RefCount(id uint32) uint32 {
	if int(id) >= len(m.refCounts) {
		return 0
	}
	return m.refCounts[id]
}

// CanonicalCount returns the number of allocated canonical IDs, including
// tombstoned ones not yet collected.
func (m *MergedIndex) CanonicalCount() uint32 {
	return m.maxCanonicalID
}

// TombstoneCount returns the number of canonical IDs awaiting GC.
func (m *MergedIndex) TombstoneCount() uint64 {
	return m.removed.GetCardinality()
}

// live reports whether a row's bitmap intersects any live canonical ID.
func (m *MergedIndex) live(bitmap *roaring.Bitmap) bool {
	if m.removed.IsEmpty() {
		return !bitmap.IsEmpty()
	}
	diff := roaring.AndNot(bitmap, m.removed)
	return !diff.IsEmpty()
}

// Lookup calls fn for every live occurrence whose range contains offset,
// in ascending range-end order, until fn returns false.
func (m *MergedIndex) Lookup(offset uint32, fn func(Occurrence) bool) {
	if m.occCache == nil {
		m.occCache = make([]Occurrence, 0, len(m.occurrences))
		for occurrence := range m.occurrences {
			m.occCache = append(m.occCache, occurrence)
		}
		sort.Slice(m.occCache, func(i, j int) bool {
			a, b := m.occCache[i], m.occCache[j]
			if a.Range.End != b.Range.End {
				return a.Range.End < b.Range.End
			}
			if a.Range.Begin != b.Range.Begin {
				return a.Range.Begin < b.Range.Begin
			}
			return a.Target < b.Target
		})
	}

	// The first candidate is the first entry whose end exceeds offset.
	first := sort.Search(len(m.occCache), func(i int) bool {
		return m.occCache[i].Range.End > offset
	})
	for i := first; i < len(m.occCache); i++ {
		occurrence := m.occCache[i]
		if !occurrence.Range.Contains(offset) {
			continue
		}
		if !m.live(m.occurrences[occurrence]) {
			continue
		}
		if !fn(occurrence) {
			return
		}
	}
}

// LookupRelations calls fn for every live relation of symbol whose kind
// intersects mask, in canonical order, until fn returns false.
func (m *MergedIndex) LookupRelations(symbol SymbolHash, mask RelationKind, fn func(Relation) bool) {
	target, ok := m.relations[symbol]
	if !ok {
		return
	}
	relations := make([]Relation, 0, len(target))
	for relation := range target {
		relations = append(relations, relation)
	}
	sort.Slice(relations, func(i, j int) bool { return relationLess(relations[i], relations[j]) })

	for _, relation := range relations {
		if relation.Kind&mask == 0 {
			continue
		}
		if !m.live(target[relation]) {
			continue
		}
		if !fn(relation) {
			return
		}
	}
}

// collectGarbage compacts tombstoned canonical IDs: live IDs are
// renumbered densely, every bitmap is rewritten, the canonical cache
// drops dead entries, and the tombstone set empties.
func (m *MergedIndex) collectGarbage() {
	if m.removed.IsEmpty() {
		return
	}

	renumber := make([]uint32, m.maxCanonicalID)
	next := uint32(0)
	for id := uint32(0); id < m.maxCanonicalID; id++ {
		if m.removed.Contains(id) {
			renumber[id] = ^uint32(0)
			continue
		}
		renumber[id] = next
		next++
	}

	rewrite := func(bitmap *roaring.Bitmap) *roaring.Bitmap {
		out := roaring.New()
		bitmap.Iterate(func(id uint32) bool {
			if renumber[id] != ^uint32(0) {
				out.Add(renumber[id])
			}
			return true
		})
		return out
	}

	for occurrence, bitmap := range m.occurrences {
		compacted := rewrite(bitmap)
		if compacted.IsEmpty() {
			delete(m.occurrences, occurrence)
			continue
		}
		m.occurrences[occurrence] = compacted
	}
	for symbol, target := range m.relations {
		for relation, bitmap := range target {
			compacted := rewrite(bitmap)
			if compacted.IsEmpty() {
				delete(target, relation)
				continue
			}
			target[relation] = compacted
		}
		if len(target) == 0 {
			delete(m.relations, symbol)
		}
	}

	for hash, id := range m.cache {
		if renumber[id] == ^uint32(0) {
			delete(m.cache, hash)
			continue
		}
		m.cache[hash] = renumber[id]
	}

	refCounts := make([]uint32, next)
	for id := uint32(0); id < m.maxCanonicalID; id++ {
		if renumber[id] != ^uint32(0) {
			refCounts[renumber[id]] = m.refCounts[id]
		}
	}
	m.refCounts = refCounts

	for _, contexts := range m.contexts {
		for i := range contexts.Includes {
			contexts.Includes[i].CanonicalID = renumber[contexts.Includes[i].CanonicalID]
		}
	}

	m.maxCanonicalID = next
	m.removed = roaring.New()
	m.occCache = nil
}
