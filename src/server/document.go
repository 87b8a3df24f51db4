package server

import (
	"context"
	"encoding/json"
	"os"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"

	"github.com/clice-io/clice/src/documents"
	"github.com/clice-io/clice/src/frontend"
	"github.com/clice-io/clice/src/internal/common"
)

func pathOf(documentURI protocol.DocumentURI) string {
	return uri.URI(documentURI).Filename()
}

func (s *Server) onDidOpen(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	if !s.initialized {
		return nil, nil
	}
	var params protocol.DidOpenTextDocumentParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	s.manager.Open(pathOf(params.TextDocument.URI), params.TextDocument.Text, params.TextDocument.Version)
	return nil, nil
}

// didChangeParams distinguishes a missing range (full replacement) from a
// zero range, which the protocol struct cannot.
type didChangeParams struct {
	TextDocument struct {
		URI     protocol.DocumentURI `json:"uri"`
		Version int32                `json:"version"`
	} `json:"textDocument"`
	ContentChanges []struct {
		Range *protocol.Range `json:"range,omitempty"`
		Text  string          `json:"text"`
	} `json:"contentChanges"`
}

func (s *Server) onDidChange(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	if !s.initialized {
		return nil, nil
	}
	var params didChangeParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	path := pathOf(params.TextDocument.URI)

	entry, ok := s.manager.Get(path)
	if !ok {
		common.ServerLogger.Warn("didChange for untracked document %s", path)
		return nil, nil
	}

	// Incremental edits carry a range; a missing range replaces the whole
	// document. Wire positions are converted against the pre-edit text,
	// applying sequentially as the protocol requires.
	content := entry.Content
	edits := make([]documents.Edit, 0, len(params.ContentChanges))
	for _, change := range params.ContentChanges {
		if change.Range == nil {
			edits = append(edits, documents.Edit{Full: true, Text: change.Text})
			content = change.Text
			continue
		}
		begin := PositionToOffset(content, change.Range.Start, s.encoding)
		end := PositionToOffset(content, change.Range.End, s.encoding)
		edits = append(edits, documents.Edit{Begin: begin, End: end, Text: change.Text})
		next, err := documents.ApplyEdits(content, edits[len(edits)-1:])
		if err != nil {
			return nil, err
		}
		content = next
	}

	return nil, s.manager.Change(path, edits, params.TextDocument.Version)
}

func (s *Server) onDidSave(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	if !s.initialized {
		return nil, nil
	}
	var params protocol.DidSaveTextDocumentParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	path := pathOf(params.TextDocument.URI)

	entry, ok := s.manager.Save(path)
	if !ok {
		return nil, nil
	}

	// Re-index from disk when the saved content diverged from the buffer
	// (e.g. format-on-save rewrote the file).
	disk, err := os.ReadFile(path)
	if err == nil && string(disk) != entry.Content {
		go func() {
			if err := s.indexer.IndexFile(context.Background(), path); err != nil {
				common.IndexLogger.Debug("Re-index after save failed for %s: %v", path, err)
			}
		}()
	}
	return nil, nil
}

func (s *Server) onDidClose(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	if !s.initialized {
		return nil, nil
	}
	var params protocol.DidCloseTextDocumentParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	// The AST is dropped; merged-index entries survive the close.
	s.manager.CloseDocument(pathOf(params.TextDocument.URI))
	return nil, nil
}

// withUnit runs fn against the open document's unit under a shared lease.
func (s *Server) withUnit(ctx context.Context, path string, fn func(*frontend.CompilationUnit) error) error {
	return s.manager.ReadUnit(ctx, path, fn)
}
