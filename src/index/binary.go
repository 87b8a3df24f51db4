package index

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	mmap "github.com/blevesearch/mmap-go"
)

// Binary container layout, little-endian, all offsets from file start:
//
//	header: magic "CLIM", version, maxCanonicalID,
//	        cacheOff/cacheCount, ctxOff/ctxCount,
//	        occIdxOff/occCount, relIdxOff/relCount
//	cache:  {sha256 32B, canonicalID u32} rows
//	ctx:    {pathID u32, version u32, n u32, {position u32, id u32}*n}
//	occIdx: u32 row offsets, rows sorted by (range.end, range.begin)
//	occRow: {begin u32, end u32, symbol u64, bitmapLen u32, bitmap}
//	relIdx: {symbol u64, offset u32} rows sorted by symbol
//	relRow: {n u32, {kind u32, begin u32, end u32, target u64,
//	         bitmapLen u32, bitmap}*n}
const (
	binaryMagic   = "CLIM"
	binaryVersion = 1
	headerSize    = 4 + 10*4
)

// Serialize garbage-collects tombstoned canonical IDs and writes the
// container. The output is a function of the index's semantic state, not
// of insertion order.
func (m *MergedIndex) Serialize(w io.Writer) error {
	m.collectGarbage()

	var body []byte
	u32 := func(v uint32) { body = binary.LittleEndian.AppendUint32(body, v) }
	u64 := func(v uint64) { body = binary.LittleEndian.AppendUint64(body, v) }
	writeBitmap := func(bitmap *roaring.Bitmap) error {
		bytes, err := bitmap.ToBytes()
		if err != nil {
			return err
		}
		u32(uint32(len(bytes)))
		body = append(body, bytes...)
		return nil
	}

	// (a) canonical cache, ordered by canonical ID.
	cacheOff := uint32(headerSize)
	type cacheEntry struct {
		hash [32]byte
		id   uint32
	}
	cacheEntries := make([]cacheEntry, 0, len(m.cache))
	for hash, id := range m.cache {
		cacheEntries = append(cacheEntries, cacheEntry{hash: hash, id: id})
	}
	sort.Slice(cacheEntries, func(i, j int) bool { return cacheEntries[i].id < cacheEntries[j].id })
	for _, entry := range cacheEntries {
		body = append(body, entry.hash[:]...)
		u32(entry.id)
	}

	// (b) header contexts, ordered by TU path ID.
	ctxOff := cacheOff + uint32(len(body))
	pathIDs := make([]uint32, 0, len(m.contexts))
	for pathID := range m.contexts {
		pathIDs = append(pathIDs, pathID)
	}
	sort.Slice(pathIDs, func(i, j int) bool { return pathIDs[i] < pathIDs[j] })
	for _, pathID := range pathIDs {
		contexts := m.contexts[pathID]
		u32(pathID)
		u32(contexts.Version)
		u32(uint32(len(contexts.Includes)))
		for _, include := range contexts.Includes {
			u32(include.Position)
			u32(include.CanonicalID)
		}
	}

	// (c) occurrence table sorted by (end, begin).
	occurrences := make([]Occurrence, 0, len(m.occurrences))
	for occurrence := range m.occurrences {
		occurrences = append(occurrences, occurrence)
	}
	sort.Slice(occurrences, func(i, j int) bool {
		a, b := occurrences[i], occurrences[j]
		if a.Range.End != b.Range.End {
			return a.Range.End < b.Range.End
		}
		if a.Range.Begin != b.Range.Begin {
			return a.Range.Begin < b.Range.Begin
		}
		return a.Target < b.Target
	})

	occIdxOff := cacheOff + uint32(len(body))
	// Reserve the offset array, then backfill as rows are emitted.
	occIdxPos := len(body)
	for range occurrences {
		u32(0)
	}
	for i, occurrence := range occurrences {
		rowOff := cacheOff + uint32(len(body))
		binary.LittleEndian.PutUint32(body[occIdxPos+4*i:], rowOff)
		u32(occurrence.Range.Begin)
		u32(occurrence.Range.End)
		u64(occurrence.Target)
		if err := writeBitmap(m.occurrences[occurrence]); err != nil {
			return err
		}
	}

	// (d) relation table indexed by symbol.
	symbols := make([]SymbolHash, 0, len(m.relations))
	for symbol := range m.relations {
		symbols = append(symbols, symbol)
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i] < symbols[j] })

	relIdxOff := cacheOff + uint32(len(body))
	relIdxPos := len(body)
	for _, symbol := range symbols {
		u64(symbol)
		u32(0)
	}
	for i, symbol := range symbols {
		rowOff := cacheOff + uint32(len(body))
		binary.LittleEndian.PutUint32(body[relIdxPos+12*i+8:], rowOff)

		target := m.relations[symbol]
		relations := make([]Relation, 0, len(target))
		for relation := range target {
			relations = append(relations, relation)
		}
		sort.Slice(relations, func(a, b int) bool { return relationLess(relations[a], relations[b]) })

		u32(uint32(len(relations)))
		for _, relation := range relations {
			u32(uint32(relation.Kind))
			u32(relation.Range.Begin)
			u32(relation.Range.End)
			u64(relation.Target)
			if err := writeBitmap(target[relation]); err != nil {
				return err
			}
		}
	}

	header := make([]byte, 0, headerSize)
	header = append(header, binaryMagic...)
	header = binary.LittleEndian.AppendUint32(header, binaryVersion)
	header = binary.LittleEndian.AppendUint32(header, m.maxCanonicalID)
	header = binary.LittleEndian.AppendUint32(header, cacheOff)
	header = binary.LittleEndian.AppendUint32(header, uint32(len(cacheEntries)))
	header = binary.LittleEndian.AppendUint32(header, ctxOff)
	header = binary.LittleEndian.AppendUint32(header, uint32(len(pathIDs)))
	header = binary.LittleEndian.AppendUint32(header, occIdxOff)
	header = binary.LittleEndian.AppendUint32(header, uint32(len(occurrences)))
	header = binary.LittleEndian.AppendUint32(header, relIdxOff)
	header = binary.LittleEndian.AppendUint32(header, uint32(len(symbols)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// MergedFile is a persisted merged index opened for zero-copy query.
type MergedFile struct {
	file *os.File
	data mmap.MMap

	maxCanonicalID uint32
	cacheOff       uint32
	cacheCount     uint32
	ctxOff         uint32
	ctxCount       uint32
	occIdxOff      uint32
	occCount       uint32
	relIdxOff      uint32
	relCount       uint32
}

// Open maps a persisted index for read-only query.
func Open(path string) (*MergedFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	data, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to map index %s: %w", path, err)
	}

	f := &MergedFile{file: file, data: data}
	if err := f.parseHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func (f *MergedFile) parseHeader() error {
	if len(f.data) < headerSize || string(f.data[:4]) != binaryMagic {
		return fmt.Errorf("not a merged index file")
	}
	u32 := func(off int) uint32 { return binary.LittleEndian.Uint32(f.data[off:]) }
	if u32(4) != binaryVersion {
		return fmt.Errorf("unsupported index version %d", u32(4))
	}
	f.maxCanonicalID = u32(8)
	f.cacheOff, f.cacheCount = u32(12), u32(16)
	f.ctxOff, f.ctxCount = u32(20), u32(24)
	f.occIdxOff, f.occCount = u32(28), u32(32)
	f.relIdxOff, f.relCount = u32(36), u32(40)
	return nil
}

// Close unmaps and closes the file.
func (f *MergedFile) Close() error {
	if f.data != nil {
		f.data.Unmap()
		f.data = nil
	}
	if f.file != nil {
		err := f.file.Close()
		f.file = nil
		return err
	}
	return nil
}

func (f *MergedFile) occRow(i uint32) (Occurrence, uint32) {
	rowOff := binary.LittleEndian.Uint32(f.data[f.occIdxOff+4*i:])
	occurrence := Occurrence{
		Range: Range{
			Begin: binary.LittleEndian.Uint32(f.data[rowOff:]),
			End:   binary.LittleEndian.Uint32(f.data[rowOff+4:]),
		},
		Target: binary.LittleEndian.Uint64(f.data[rowOff+8:]),
	}
	return occurrence, rowOff + 16
}

// Lookup reads occurrences containing offset straight from the mapped
// buffer, in ascending range-end order.
func (f *MergedFile) Lookup(offset uint32, fn func(Occurrence) bool) {
	first := sort.Search(int(f.occCount), func(i int) bool {
		occurrence, _ := f.occRow(uint32(i))
		return occurrence.Range.End > offset
	})
	for i := first; i < int(f.occCount); i++ {
		occurrence, _ := f.occRow(uint32(i))
		if !occurrence.Range.Contains(offset) {
			continue
		}
		if !fn(occurrence) {
			return
		}
	}
}

// LookupRelations reads the relations of symbol whose kind intersects
// mask from the mapped buffer.
func (f *MergedFile) LookupRelations(symbol SymbolHash, mask RelationKind, fn func(Relation) bool) {
	entry := func(i uint32) uint64 {
		return binary.LittleEndian.Uint64(f.data[f.relIdxOff+12*i:])
	}
	i := sort.Search(int(f.relCount), func(i int) bool { return entry(uint32(i)) >= symbol })
	if i == int(f.relCount) || entry(uint32(i)) != symbol {
		return
	}

	rowOff := binary.LittleEndian.Uint32(f.data[f.relIdxOff+12*uint32(i)+8:])
	count := binary.LittleEndian.Uint32(f.data[rowOff:])
	pos := rowOff + 4
	for n := uint32(0); n < count; n++ {
		relation := Relation{
			Kind: RelationKind(binary.LittleEndian.Uint32(f.data[pos:])),
			Range: Range{
				Begin: binary.LittleEndian.Uint32(f.data[pos+4:]),
				End:   binary.LittleEndian.Uint32(f.data[pos+8:]),
			},
			Target: binary.LittleEndian.Uint64(f.data[pos+12:]),
		}
		bitmapLen := binary.LittleEndian.Uint32(f.data[pos+20:])
		pos += 24 + bitmapLen

		if relation.Kind&mask == 0 {
			continue
		}
		if !fn(relation) {
			return
		}
	}
}

// LoadIntoMemory parses a persisted index back into a mutable
// MergedIndex. Reference counts are reconstructed from the context
// bindings; a garbage-collected file carries no tombstones.
func LoadIntoMemory(path string) (*MergedIndex, error) {
	f, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m := NewMergedIndex()
	m.maxCanonicalID = f.maxCanonicalID
	m.refCounts = make([]uint32, f.maxCanonicalID)

	pos := f.cacheOff
	for i := uint32(0); i < f.cacheCount; i++ {
		var hash [32]byte
		copy(hash[:], f.data[pos:pos+32])
		m.cache[hash] = binary.LittleEndian.Uint32(f.data[pos+32:])
		pos = pos + 36
	}

	pos = f.ctxOff
	for i := uint32(0); i < f.ctxCount; i++ {
		pathID := binary.LittleEndian.Uint32(f.data[pos:])
		contexts := &HeaderContexts{Version: binary.LittleEndian.Uint32(f.data[pos+4:])}
		n := binary.LittleEndian.Uint32(f.data[pos+8:])
		pos += 12
		for j := uint32(0); j < n; j++ {
			include := IncludeContext{
				Position:    binary.LittleEndian.Uint32(f.data[pos:]),
				CanonicalID: binary.LittleEndian.Uint32(f.data[pos+4:]),
			}
			contexts.Includes = append(contexts.Includes, include)
			m.refCounts[include.CanonicalID]++
			pos += 8
		}
		m.contexts[pathID] = contexts
	}

	readBitmap := func(off uint32) (*roaring.Bitmap, uint32, error) {
		length := binary.LittleEndian.Uint32(f.data[off:])
		bitmap := roaring.New()
		if _, err := bitmap.FromBuffer(f.data[off+4 : off+4+length]); err != nil {
			return nil, 0, err
		}
		// The buffer aliases the mapping, which goes away on Close.
		return bitmap.Clone(), off + 4 + length, nil
	}

	for i := uint32(0); i < f.occCount; i++ {
		occurrence, bitmapOff := f.occRow(i)
		bitmap, _, err := readBitmap(bitmapOff)
		if err != nil {
			return nil, err
		}
		m.occurrences[occurrence] = bitmap
	}

	for i := uint32(0); i < f.relCount; i++ {
		symbol := binary.LittleEndian.Uint64(f.data[f.relIdxOff+12*i:])
		rowOff := binary.LittleEndian.Uint32(f.data[f.relIdxOff+12*i+8:])
		count := binary.LittleEndian.Uint32(f.data[rowOff:])
		target := make(map[Relation]*roaring.Bitmap, count)
		pos := rowOff + 4
		for n := uint32(0); n < count; n++ {
			relation := Relation{
				Kind: RelationKind(binary.LittleEndian.Uint32(f.data[pos:])),
				Range: Range{
					Begin: binary.LittleEndian.Uint32(f.data[pos+4:]),
					End:   binary.LittleEndian.Uint32(f.data[pos+8:]),
				},
				Target: binary.LittleEndian.Uint64(f.data[pos+12:]),
			}
			bitmap, next, err := readBitmap(pos + 20)
			if err != nil {
				return nil, err
			}
			target[relation] = bitmap
			pos = next
		}
		m.relations[symbol] = target
	}

	return m, nil
}
