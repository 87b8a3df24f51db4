package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/clice-io/clice/src/compiledb"
	"github.com/clice-io/clice/src/frontend"
	"github.com/clice-io/clice/src/internal/common"
	cerrors "github.com/clice-io/clice/src/internal/errors"
	"github.com/clice-io/clice/src/internal/strpool"
)

// tuRecord remembers when a translation unit was last indexed and what it
// pulled in, for staleness checks.
type tuRecord struct {
	buildAt time.Time
	deps    []string
}

// Store owns one MergedIndex per source path. Merges and removals are
// serialized per path; distinct paths proceed concurrently.
type Store struct {
	mu    sync.Mutex
	dir   string
	table *strpool.PathTable

	indices map[strpool.PathID]*MergedIndex
	locks   map[strpool.PathID]*sync.Mutex

	tuRecords map[strpool.PathID]*tuRecord
}

// NewStore creates a store persisting below dir.
func NewStore(dir string) *Store {
	return &Store{
		dir:       dir,
		table:     strpool.NewPathTable(),
		indices:   make(map[strpool.PathID]*MergedIndex),
		locks:     make(map[strpool.PathID]*sync.Mutex),
		tuRecords: make(map[strpool.PathID]*tuRecord),
	}
}

// PathID interns a path in the store's table.
func (s *Store) PathID(path string) strpool.PathID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.ID(path)
}

// Path returns the path for an interned id.
func (s *Store) Path(id strpool.PathID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.Path(id)
}

// indexFile names the persisted index of one source path.
func (s *Store) indexFile(path string) string {
	sum := sha256.Sum256([]byte(path))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:16])+".idx")
}

// acquire returns the index and per-path lock, loading the persisted form
// on first touch.
func (s *Store) acquire(id strpool.PathID) (*MergedIndex, *sync.Mutex) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	merged, ok := s.indices[id]
	if !ok {
		path := s.table.Path(id)
		if loaded, err := LoadIntoMemory(s.indexFile(path)); err == nil {
			merged = loaded
		} else {
			merged = NewMergedIndex()
		}
		s.indices[id] = merged
	}
	return merged, lock
}

// MergeTU feeds one TUIndex into the per-path merged indices.
func (s *Store) MergeTU(tuPath string, tu *TUIndex, unit *frontend.CompilationUnit) {
	tuID := s.PathID(tuPath)

	for fileID, fi := range tu.Files {
		if fi.Empty() {
			continue
		}
		position, ok := tu.Positions[fileID]
		if !ok {
			continue
		}
		pathID := s.PathID(unit.Files.Path(fileID))

		merged, lock := s.acquire(pathID)
		lock.Lock()
		merged.Merge(uint32(tuID), position, fi)
		lock.Unlock()
	}

	record := &tuRecord{buildAt: time.Now()}
	for _, path := range tu.Paths {
		record.deps = append(record.deps, path)
	}
	s.mu.Lock()
	s.tuRecords[tuID] = record
	s.mu.Unlock()
}

// RemoveTU withdraws a translation unit's contributions from every path
// it touched.
func (s *Store) RemoveTU(tuPath string) {
	tuID := s.PathID(tuPath)

	s.mu.Lock()
	ids := make([]strpool.PathID, 0, len(s.indices))
	for id := range s.indices {
		ids = append(ids, id)
	}
	delete(s.tuRecords, tuID)
	s.mu.Unlock()

	for _, id := range ids {
		merged, lock := s.acquire(id)
		lock.Lock()
		merged.Remove(uint32(tuID))
		lock.Unlock()
	}
}

// Index returns the merged index for path, loading it if persisted.
func (s *Store) Index(path string) *MergedIndex {
	merged, _ := s.acquire(s.PathID(path))
	return merged
}

// NeedsUpdate reports whether the translation unit should be re-indexed:
// unknown units always do; known units do when any dependency was
// modified after the last build.
func (s *Store) NeedsUpdate(tuPath string) bool {
	tuID := s.PathID(tuPath)
	s.mu.Lock()
	record, ok := s.tuRecords[tuID]
	s.mu.Unlock()
	if !ok {
		return true
	}
	for _, dep := range record.deps {
		info, err := os.Stat(dep)
		if err != nil {
			return true
		}
		if info.ModTime().After(record.buildAt) {
			return true
		}
	}
	return false
}

// Save persists every dirty merged index, garbage-collecting tombstones.
func (s *Store) Save() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	s.mu.Lock()
	ids := make([]strpool.PathID, 0, len(s.indices))
	for id := range s.indices {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		merged, lock := s.acquire(id)
		path := s.Path(id)

		lock.Lock()
		file, err := os.CreateTemp(s.dir, ".idx-*")
		if err != nil {
			lock.Unlock()
			return err
		}
		err = merged.Serialize(file)
		lock.Unlock()

		closeErr := file.Close()
		if err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(file.Name())
			return fmt.Errorf("failed to serialize index for %s: %w", path, err)
		}
		if err := os.Rename(file.Name(), s.indexFile(path)); err != nil {
			os.Remove(file.Name())
			return err
		}
	}
	return nil
}

// ProjectIndexer schedules indexing over the whole compile database with
// bounded parallelism.
type ProjectIndexer struct {
	db       *compiledb.CompilationDatabase
	frontend frontend.Frontend
	store    *Store
	workers  int
}

// NewProjectIndexer creates an indexer with max(NumCPU, 4) workers.
func NewProjectIndexer(db *compiledb.CompilationDatabase, fe frontend.Frontend, store *Store) *ProjectIndexer {
	workers := runtime.NumCPU()
	if workers < 4 {
		workers = 4
	}
	return &ProjectIndexer{db: db, frontend: fe, store: store, workers: workers}
}

// IndexFile builds and indexes one translation unit.
func (p *ProjectIndexer) IndexFile(ctx context.Context, path string) error {
	lookup := p.db.Lookup(path, compiledb.LookupOptions{ResourceDir: true, QueryDriver: true, SuppressLog: true})

	unit, err := p.frontend.Build(ctx, frontend.CompilationParams{
		Arguments: lookup.Arguments,
		Directory: lookup.Directory,
	})
	if err != nil {
		return err
	}

	tu := Build(unit)
	p.store.MergeTU(path, tu, unit)
	return nil
}

// Run indexes every file in the database, skipping fresh units. It
// returns when the queue drains, the context is cancelled, or a
// non-recoverable error occurs.
func (p *ProjectIndexer) Run(ctx context.Context) error {
	files := p.db.Files()
	common.IndexLogger.Info("Project indexing %d files with %d workers", len(files), p.workers)

	sem := semaphore.NewWeighted(int64(p.workers))
	group, ctx := errgroup.WithContext(ctx)

	indexed := 0
	var mu sync.Mutex

	for _, file := range files {
		file := file
		if !p.store.NeedsUpdate(file) {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		group.Go(func() error {
			defer sem.Release(1)
			if err := p.IndexFile(ctx, file); err != nil {
				if err == cerrors.ErrCancelled || ctx.Err() != nil {
					return nil
				}
				// Compilation failures do not abort the project walk.
				common.IndexLogger.Warn("Failed to index %s: %v", file, err)
				return nil
			}
			mu.Lock()
			indexed++
			mu.Unlock()
			return nil
		})
	}

	err := group.Wait()
	common.IndexLogger.Info("Project indexing finished: %d units indexed", indexed)
	if err != nil {
		return err
	}
	return ctx.Err()
}
