// Package server wires the compilation database, open-file manager,
// preamble engine and indexer behind the LSP dispatcher.
package server

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"go.lsp.dev/uri"

	"github.com/clice-io/clice/src/compiledb"
	"github.com/clice-io/clice/src/config"
	"github.com/clice-io/clice/src/documents"
	"github.com/clice-io/clice/src/frontend"
	"github.com/clice-io/clice/src/index"
	"github.com/clice-io/clice/src/internal/common"
	cerrors "github.com/clice-io/clice/src/internal/errors"
	"github.com/clice-io/clice/src/plugin"
	"github.com/clice-io/clice/src/preamble"
	"github.com/clice-io/clice/src/server/protocol"
)

// Version is the server version reported at initialize.
const Version = "0.1.0"

// Server holds the component graph and the LSP lifecycle state.
type Server struct {
	conn *protocol.Conn

	db       *compiledb.CompilationDatabase
	frontend frontend.Frontend
	engine   *preamble.Engine
	manager  *documents.Manager
	store    *index.Store
	indexer  *index.ProjectIndexer
	watcher  *documents.Watcher
	plugins  *plugin.Registry

	cfg       *config.Config
	workspace string
	encoding  PositionEncoding

	initialized bool
	shutdown    bool

	// exit terminates the serve loop.
	exit context.CancelFunc

	// indexerCancel stops the background project indexer.
	indexerCancel context.CancelFunc
}

// New assembles a server over the given connection.
func New(conn *protocol.Conn, plugins *plugin.Registry) *Server {
	db := compiledb.New()
	fe := frontend.NewTreeSitter()
	if plugins == nil {
		plugins = plugin.NewRegistry()
	}
	s := &Server{
		conn:     conn,
		db:       db,
		frontend: fe,
		plugins:  plugins,
	}
	s.register()
	return s
}

// Run serves the connection until exit.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.exit = cancel
	defer s.teardown()
	return s.conn.Serve(ctx)
}

func (s *Server) teardown() {
	if s.indexerCancel != nil {
		s.indexerCancel()
	}
	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.manager != nil {
		s.manager.Close()
	}
	if s.store != nil {
		if err := s.store.Save(); err != nil {
			common.ServerLogger.Warn("Failed to persist indices: %v", err)
		}
	}
	s.db.Clear()
}

func (s *Server) register() {
	requests := map[string]protocol.Handler{
		"initialize":                  s.onInitialize,
		"shutdown":                    s.onShutdown,
		"textDocument/definition":     s.gated(s.onDefinition),
		"textDocument/references":     s.gated(s.onReferences),
		"textDocument/hover":          s.gated(s.onHover),
		"textDocument/documentSymbol": s.gated(s.onDocumentSymbol),
	}
	notifications := map[string]protocol.Handler{
		"initialized":            s.onInitialized,
		"exit":                   s.onExit,
		"textDocument/didOpen":   s.onDidOpen,
		"textDocument/didChange": s.onDidChange,
		"textDocument/didSave":   s.onDidSave,
		"textDocument/didClose":  s.onDidClose,
	}
	for method, handler := range requests {
		s.conn.Register(method, handler)
	}
	for method, handler := range notifications {
		s.conn.Register(method, handler)
	}
	for method, handler := range s.plugins.Commands() {
		s.conn.Register(method, handler)
	}
}

// gated rejects feature requests arriving before initialization.
func (s *Server) gated(handler protocol.Handler) protocol.Handler {
	return func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		if !s.initialized || s.shutdown {
			return nil, &cerrors.LSPError{
				Code:    cerrors.ServerNotInitialized,
				Message: "server is not initialized",
			}
		}
		return handler(ctx, params)
	}
}

// initializeParams is the subset of the initialize request the core
// consumes; the full client capabilities stay opaque.
type initializeParams struct {
	ProcessID    int    `json:"processId"`
	RootURI      string `json:"rootUri"`
	RootPath     string `json:"rootPath"`
	Capabilities struct {
		General struct {
			PositionEncodings []string `json:"positionEncodings"`
		} `json:"general"`
	} `json:"capabilities"`
}

func (s *Server) onInitialize(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	if s.initialized {
		return nil, &cerrors.LSPError{Code: cerrors.InvalidRequest, Message: "server already initialized"}
	}

	var params initializeParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &cerrors.LSPError{Code: cerrors.InvalidParams, Message: err.Error()}
	}

	switch {
	case params.RootURI != "":
		s.workspace = uri.URI(params.RootURI).Filename()
	case params.RootPath != "":
		s.workspace = params.RootPath
	default:
		s.workspace, _ = os.Getwd()
	}

	// UTF-16 is mandatory; prefer UTF-8 when the client offers it.
	s.encoding = EncodingUTF16
	for _, offered := range params.Capabilities.General.PositionEncodings {
		if offered == "utf-8" {
			s.encoding = EncodingUTF8
			break
		}
		if offered == "utf-32" {
			s.encoding = EncodingUTF32
		}
	}

	cfg, err := config.Load(s.workspace)
	if err != nil {
		common.ServerLogger.Warn("Failed to load config: %v", err)
		cfg = config.Default(s.workspace)
	}
	s.cfg = cfg

	s.db.LoadRules(cfg.Rules)
	s.db.SetResourceDir(defaultResourceDir())
	s.engine = preamble.NewEngine(s.frontend, cfg.CacheDir)
	s.manager = documents.NewManager(s.db, s.frontend, s.engine, documents.DefaultCapacity)
	s.manager.OnBuilt = s.onBuilt
	s.store = index.NewStore(cfg.IndexDir)
	s.indexer = index.NewProjectIndexer(s.db, s.frontend, s.store)

	s.initialized = true
	common.ServerLogger.Info("Initialized for workspace %s (encoding %s)", s.workspace, s.encoding)

	s.plugins.RunHook(ctx, plugin.HookInitialize)

	return map[string]interface{}{
		"serverInfo": map[string]interface{}{
			"name":    "clice",
			"version": Version,
		},
		// Only capabilities with a registered handler are advertised;
		// feature producers outside the core add theirs through plugins.
		"capabilities": map[string]interface{}{
			"positionEncoding":       s.encoding.String(),
			"textDocumentSync":       2, // incremental
			"hoverProvider":          true,
			"definitionProvider":     true,
			"referencesProvider":     true,
			"documentSymbolProvider": true,
		},
	}, nil
}

func (s *Server) onInitialized(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	if !s.initialized {
		return nil, nil
	}
	s.db.LoadDirs(s.cfg.CompileCommandsDirs, s.workspace)

	watcher, err := documents.Watch(s.cfg.CompileCommandsDirs, s.workspace, s.db, s.manager)
	if err != nil {
		common.ServerLogger.Warn("Failed to start CDB watcher: %v", err)
	} else {
		s.watcher = watcher
	}

	// Background project indexing; cancelled on shutdown.
	indexCtx, cancel := context.WithCancel(context.Background())
	s.indexerCancel = cancel
	go func() {
		if err := s.indexer.Run(indexCtx); err != nil && indexCtx.Err() == nil {
			common.IndexLogger.Warn("Project indexing stopped: %v", err)
		}
	}()

	s.plugins.RunHook(ctx, plugin.HookInitialized)
	return nil, nil
}

func (s *Server) onShutdown(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	s.shutdown = true
	if s.indexerCancel != nil {
		s.indexerCancel()
	}
	s.plugins.RunHook(ctx, plugin.HookShutdown)
	return nil, nil
}

func (s *Server) onExit(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	s.plugins.RunHook(ctx, plugin.HookExit)
	if s.exit != nil {
		s.exit()
	}
	// Unblock the read loop so Serve returns even when the peer keeps the
	// stream open.
	if err := s.conn.Close(); err != nil {
		common.ServerLogger.Debug("Failed to close connection on exit: %v", err)
	}
	return nil, nil
}

// onBuilt publishes diagnostics and feeds the indexer after each build.
func (s *Server) onBuilt(result documents.BuildResult) {
	if result.Err != nil || result.Unit == nil {
		return
	}

	unit := result.Unit
	content := string(unit.Content(unit.Interested))

	diagnostics := make([]map[string]interface{}, 0, len(unit.Diagnostics))
	for _, diagnostic := range unit.Diagnostics {
		if diagnostic.File != unit.Interested {
			continue
		}
		diagnostics = append(diagnostics, map[string]interface{}{
			"range":    RangeToProtocol(content, diagnostic.Range.Begin, diagnostic.Range.End, s.encoding),
			"severity": int(diagnostic.Severity),
			"message":  diagnostic.Message,
			"source":   "clice",
		})
	}
	err := s.conn.Notify("textDocument/publishDiagnostics", map[string]interface{}{
		"uri":         string(uri.File(result.Path)),
		"version":     result.Version,
		"diagnostics": diagnostics,
	})
	if err != nil {
		common.ServerLogger.Debug("Failed to publish diagnostics: %v", err)
	}

	if s.store != nil {
		// Merges for one source path are serialized; withdrawing the
		// previous build first keeps contexts from accumulating.
		tu := index.Build(unit)
		s.store.RemoveTU(result.Path)
		s.store.MergeTU(result.Path, tu, unit)
	}
}

func defaultResourceDir() string {
	executable, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Join(filepath.Dir(executable), "lib", "clice-resource")
}
