// Package documents tracks open documents, their build state and the LRU
// retention policy for ASTs.
package documents

import (
	"context"
	"runtime"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	"github.com/clice-io/clice/src/compiledb"
	"github.com/clice-io/clice/src/frontend"
	"github.com/clice-io/clice/src/internal/common"
	"github.com/clice-io/clice/src/internal/strpool"
	"github.com/clice-io/clice/src/preamble"
)

// BuildState is the document lifecycle state.
type BuildState int

const (
	StateNoAST BuildState = iota
	StateBuilding
	StateReady
)

// Entry is one open document.
type Entry struct {
	Path    string
	Content string
	Version int32
	State   BuildState

	// Mutex guards rebuilds; feature reads take the shared side.
	Mutex *AsyncMutex

	// Unit is the last built CompilationUnit, nil before the first build.
	Unit *frontend.CompilationUnit

	// Preamble is the last built preamble record for this document.
	Preamble *preamble.Record

	// cancel aborts the in-flight build.
	cancel context.CancelFunc
	// pinned marks an entry whose rebuild is running; pinned entries are
	// never evicted.
	pinned bool
}

// BuildResult is delivered to the completion callback after each build.
type BuildResult struct {
	Path    string
	Version int32
	Unit    *frontend.CompilationUnit
	Err     error
}

// Manager owns the open-document LRU and the rebuild pipeline.
type Manager struct {
	mu sync.Mutex

	capacity int
	cache    *lru.Cache[string, *Entry]

	db       *compiledb.CompilationDatabase
	frontend frontend.Frontend
	engine   *preamble.Engine
	pool     *strpool.Pool

	// workers bounds concurrent CPU-heavy builds.
	workers *semaphore.Weighted

	// OnBuilt, when set, observes finished builds (indexing hook).
	OnBuilt func(BuildResult)

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// DefaultCapacity is the default number of retained open-document ASTs.
const DefaultCapacity = 8

// NewManager creates a manager with the given AST retention capacity.
func NewManager(db *compiledb.CompilationDatabase, fe frontend.Frontend, engine *preamble.Engine, capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	// The cache is oversized so eviction stays under our control: a
	// pinned entry must survive even at capacity.
	cache, _ := lru.New[string, *Entry](capacity * 16)

	workers := runtime.NumCPU()
	if workers < 4 {
		workers = 4
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		capacity: capacity,
		cache:    cache,
		db:       db,
		frontend: fe,
		engine:   engine,
		pool:     strpool.NewPool(),
		workers:  semaphore.NewWeighted(int64(workers)),
		baseCtx:  ctx,
		stop:     stop,
	}
}

// Close cancels all in-flight builds and waits for them.
func (m *Manager) Close() {
	m.stop()
	m.wg.Wait()
}

// Get returns the entry for path, refreshing its LRU position.
func (m *Manager) Get(path string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Get(path)
}

// Open tracks a new document and kicks off its first build.
func (m *Manager) Open(path, content string, version int32) {
	m.mu.Lock()
	entry, ok := m.cache.Get(path)
	if !ok {
		entry = &Entry{Path: path, Mutex: NewAsyncMutex()}
		m.cache.Add(path, entry)
		m.evictLocked()
	}
	entry.Content = content
	entry.Version = version
	entry.State = StateBuilding
	m.mu.Unlock()

	m.scheduleBuild(entry)
}

// Change applies edits to an open document and schedules a rebuild,
// cancelling any in-flight build for the file first.
func (m *Manager) Change(path string, edits []Edit, version int32) error {
	m.mu.Lock()
	entry, ok := m.cache.Get(path)
	if !ok {
		m.mu.Unlock()
		common.ServerLogger.Warn("didChange for untracked document %s", path)
		return nil
	}

	content, err := ApplyEdits(entry.Content, edits)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	unchanged := content == entry.Content
	entry.Content = content
	entry.Version = version
	if unchanged && entry.State == StateReady {
		// Replacing the document with identical text is a no-op modulo
		// the version number.
		m.mu.Unlock()
		return nil
	}

	entry.State = StateBuilding
	if entry.cancel != nil {
		entry.cancel()
	}
	m.mu.Unlock()

	m.scheduleBuild(entry)
	return nil
}

// Save returns the entry for path and whether it is tracked. It does not
// read the file; the caller compares the on-disk content with the buffer.
func (m *Manager) Save(path string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache.Get(path)
	return entry, ok
}

// CloseDocument drops the document's AST; its merged-index entries stay.
func (m *Manager) CloseDocument(path string) {
	m.mu.Lock()
	entry, ok := m.cache.Get(path)
	if ok {
		if entry.cancel != nil {
			entry.cancel()
		}
		m.cache.Remove(path)
	}
	m.mu.Unlock()
}

// Paths returns the currently tracked document paths.
func (m *Manager) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Keys()
}

// evictLocked enforces the retention capacity, skipping pinned entries.
func (m *Manager) evictLocked() {
	for m.cache.Len() > m.capacity {
		evicted := false
		for _, key := range m.cache.Keys() {
			entry, ok := m.cache.Peek(key)
			if !ok || entry.pinned {
				continue
			}
			m.cache.Remove(key)
			common.ServerLogger.Debug("Evicted AST for %s", key)
			evicted = true
			break
		}
		if !evicted {
			// Every entry is pinned by a running rebuild; retention
			// resumes once one finishes.
			return
		}
	}
}

// scheduleBuild launches the rebuild pipeline for entry.
func (m *Manager) scheduleBuild(entry *Entry) {
	ctx, cancel := context.WithCancel(m.baseCtx)

	m.mu.Lock()
	entry.cancel = cancel
	content := entry.Content
	version := entry.Version
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.build(ctx, entry, content, version)
	}()
}

// build runs one rebuild: resolve arguments, reuse or rebuild the
// preamble, build the unit, store it, wake waiters.
func (m *Manager) build(ctx context.Context, entry *Entry, content string, version int32) {
	if err := entry.Mutex.Lock(ctx); err != nil {
		return
	}
	m.setPinned(entry, true)
	defer func() {
		m.setPinned(entry, false)
		entry.Mutex.Unlock()
	}()

	result := BuildResult{Path: entry.Path, Version: version}
	defer func() {
		if m.OnBuilt != nil {
			m.OnBuilt(result)
		}
	}()

	lookup := m.db.Lookup(entry.Path, compiledb.LookupOptions{
		ResourceDir: true,
		QueryDriver: true,
	})
	arguments := m.internArguments(lookup.Arguments)

	if err := m.workers.Acquire(ctx, 1); err != nil {
		result.Err = err
		return
	}
	defer m.workers.Release(1)

	// Preamble: reuse when fresh, rebuild otherwise.
	m.mu.Lock()
	record := entry.Preamble
	m.mu.Unlock()
	if !m.engine.Reusable(record, content, arguments) {
		if record != nil {
			record.Discard()
		}
		var err error
		record, err = m.engine.Build(ctx, preamble.BuildParams{
			MainFile:  entry.Path,
			Content:   content,
			Arguments: arguments,
			Directory: lookup.Directory,
		})
		if err != nil {
			common.ServerLogger.Warn("Preamble build failed for %s: %v", entry.Path, err)
			record = nil
		}
	}

	params := frontend.CompilationParams{
		Arguments: lookup.Arguments,
		Directory: lookup.Directory,
		Remapped:  map[string][]byte{entry.Path: []byte(content)},
		Preamble:  record.Ref(),
	}
	unit, err := m.frontend.Build(ctx, params)
	if err != nil {
		result.Err = err
		common.ServerLogger.Debug("Build failed for %s: %v", entry.Path, err)
		return
	}

	m.mu.Lock()
	// A newer change may have superseded this build while it ran.
	if entry.Version == version {
		entry.Unit = unit
		entry.Preamble = record
		entry.State = StateReady
	}
	m.mu.Unlock()

	result.Unit = unit
	common.ServerLogger.Debug("Built %s (version %d): %d files, %d decls",
		entry.Path, version, unit.Files.Len(), len(unit.Decls))
}

func (m *Manager) setPinned(entry *Entry, pinned bool) {
	m.mu.Lock()
	entry.pinned = pinned
	if !pinned {
		m.evictLocked()
	}
	m.mu.Unlock()
}

func (m *Manager) internArguments(arguments []string) strpool.VecRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := make([]strpool.Ref, 0, len(arguments))
	for _, argument := range arguments {
		refs = append(refs, m.pool.Intern(argument))
	}
	return m.pool.InternVector(refs)
}

// ReadUnit runs fn with the entry's unit under a shared lease. fn sees a
// nil unit when no build has succeeded yet.
func (m *Manager) ReadUnit(ctx context.Context, path string, fn func(*frontend.CompilationUnit) error) error {
	entry, ok := m.Get(path)
	if !ok {
		return fn(nil)
	}
	if err := entry.Mutex.RLock(ctx); err != nil {
		return err
	}
	defer entry.Mutex.RUnlock()
	return fn(entry.Unit)
}
