// Package strpool interns argument strings and flat argument vectors so the
// rest of the server can compare them by identity. Interned values stay
// valid until Clear, which is only called on shutdown or a full reload.
package strpool

import (
	"path/filepath"
	"strings"
)

// Ref is an interned string. Two Refs obtained from the same Pool compare
// equal with == iff their contents are byte-equal.
type Ref *string

// VecRef is an interned argument vector. Equality is pointer equality over
// the backing array, which the pool guarantees for equal element sequences.
type VecRef *[]Ref

// Pool owns interned strings and vectors.
type Pool struct {
	strs map[string]Ref
	vecs map[string]VecRef
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{
		strs: make(map[string]Ref),
		vecs: make(map[string]VecRef),
	}
}

// Intern returns the canonical Ref for s. Idempotent.
func (p *Pool) Intern(s string) Ref {
	if ref, ok := p.strs[s]; ok {
		return ref
	}
	owned := strings.Clone(s)
	ref := Ref(&owned)
	p.strs[owned] = ref
	return ref
}

// InternVector returns the canonical VecRef for the given element sequence.
// Elements must already be interned in this pool.
func (p *Pool) InternVector(refs []Ref) VecRef {
	var key strings.Builder
	for _, r := range refs {
		key.WriteString(*r)
		key.WriteByte(0)
	}
	if vec, ok := p.vecs[key.String()]; ok {
		return vec
	}
	owned := make([]Ref, len(refs))
	copy(owned, refs)
	vec := VecRef(&owned)
	p.vecs[key.String()] = vec
	return vec
}

// Clear drops every interned value. Outstanding Refs become dangling for
// identity purposes; callers must re-intern after a Clear.
func (p *Pool) Clear() {
	p.strs = make(map[string]Ref)
	p.vecs = make(map[string]VecRef)
}

// PathID is a dense integer identifying one canonicalized absolute path.
// IDs are stable for the process lifetime.
type PathID uint32

// InvalidPathID is the sentinel for "no path".
const InvalidPathID = PathID(0xffffffff)

// PathTable assigns dense PathIDs to canonicalized absolute paths.
type PathTable struct {
	ids   map[string]PathID
	paths []string
}

// NewPathTable creates an empty path table.
func NewPathTable() *PathTable {
	return &PathTable{ids: make(map[string]PathID)}
}

// Canonical returns the canonicalized absolute form of path, resolving
// against base when path is relative.
func Canonical(path, base string) string {
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}
	return filepath.Clean(path)
}

// ID interns the canonicalized path and returns its dense id.
func (t *PathTable) ID(path string) PathID {
	path = filepath.Clean(path)
	if id, ok := t.ids[path]; ok {
		return id
	}
	id := PathID(len(t.paths))
	t.ids[path] = id
	t.paths = append(t.paths, path)
	return id
}

// Lookup returns the id for path without interning, or InvalidPathID.
func (t *PathTable) Lookup(path string) PathID {
	if id, ok := t.ids[filepath.Clean(path)]; ok {
		return id
	}
	return InvalidPathID
}

// Path returns the path for a previously assigned id.
func (t *PathTable) Path(id PathID) string {
	return t.paths[id]
}

// Len returns the number of assigned ids.
func (t *PathTable) Len() int {
	return len(t.paths)
}
