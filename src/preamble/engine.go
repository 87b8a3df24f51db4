package preamble

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/clice-io/clice/src/frontend"
	"github.com/clice-io/clice/src/internal/common"
	"github.com/clice-io/clice/src/internal/strpool"
)

// Record describes one built preamble.
type Record struct {
	// OutputPath is the serialized preparsed output.
	OutputPath string

	// Bound is the byte offset the preamble covers.
	Bound uint32

	// Prefix is the exact main-file text up to Bound.
	Prefix string

	// Arguments is the interned argument vector the preamble was built
	// with. Reuse requires pointer equality.
	Arguments strpool.VecRef

	// Deps maps dependency paths to their content hash at build time.
	Deps map[string]string

	// Parent is the preamble this one was chained on top of, if any.
	Parent *Record
}

// Engine builds and validates preambles through the front end.
type Engine struct {
	frontend frontend.Frontend
	cacheDir string
	counter  int
}

// NewEngine creates an engine writing outputs below cacheDir.
func NewEngine(fe frontend.Frontend, cacheDir string) *Engine {
	return &Engine{frontend: fe, cacheDir: cacheDir}
}

// BuildParams describe one preamble build.
type BuildParams struct {
	// MainFile is the absolute path of the source.
	MainFile string
	// Content is the current buffer text.
	Content string
	// Arguments is the interned canonical argument vector.
	Arguments strpool.VecRef
	// Directory is the working directory.
	Directory string
	// Bound overrides the computed bound when nonzero, for chained builds.
	Bound uint32
	// Parent is a lower-bound preamble to chain on top of.
	Parent *Record
}

// outputPath names the serialized preamble for one source file.
func (e *Engine) outputPath(mainFile string) string {
	e.counter++
	base := fmt.Sprintf("%s.%d.pch", filepath.Base(mainFile), e.counter)
	return filepath.Join(e.cacheDir, base)
}

// Build computes the bound (unless given), builds the preparsed output and
// returns the populated record. A zero bound means the file has no
// preamble and no record is produced.
func (e *Engine) Build(ctx context.Context, params BuildParams) (*Record, error) {
	bound := params.Bound
	if bound == 0 {
		bound = ComputeBound(params.Content)
	}
	if bound == 0 {
		return nil, nil
	}

	outputPath := e.outputPath(params.MainFile)

	compilation := frontend.CompilationParams{
		Arguments:  argumentStrings(params.Arguments),
		Directory:  params.Directory,
		Remapped:   map[string][]byte{filepath.Clean(params.MainFile): []byte(params.Content)},
		OutputPath: outputPath,
	}
	if params.Parent != nil {
		compilation.Preamble = &frontend.PreambleRef{
			Path:  params.Parent.OutputPath,
			Bound: params.Parent.Bound,
		}
	}

	_, state, err := e.frontend.BuildPreamble(ctx, compilation, bound)
	if err != nil {
		return nil, err
	}

	record := &Record{
		OutputPath: outputPath,
		Bound:      bound,
		Prefix:     params.Content[:bound],
		Arguments:  params.Arguments,
		Deps:       state.Deps,
		Parent:     params.Parent,
	}
	common.ServerLogger.Debug("Built preamble for %s: bound=%d, deps=%d",
		params.MainFile, bound, len(record.Deps))
	return record, nil
}

// Reusable reports whether record is still fresh for the given text and
// argument vector: the prefix up to the recorded bound is byte-identical,
// the arguments are pointer-equal, and every recorded dependency still
// hashes to its recorded content.
func (e *Engine) Reusable(record *Record, content string, arguments strpool.VecRef) bool {
	if record == nil {
		return false
	}
	if record.Arguments != arguments {
		return false
	}
	if uint32(len(content)) < record.Bound || content[:record.Bound] != record.Prefix {
		return false
	}
	for path, hash := range record.Deps {
		data, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		if frontend.ContentHash(data) != hash {
			return false
		}
	}
	return true
}

// Ref returns the front-end reference for reusing this record.
func (r *Record) Ref() *frontend.PreambleRef {
	if r == nil {
		return nil
	}
	return &frontend.PreambleRef{Path: r.OutputPath, Bound: r.Bound}
}

// Discard removes the record's on-disk output.
func (r *Record) Discard() {
	if r == nil {
		return
	}
	if err := os.Remove(r.OutputPath); err != nil && !os.IsNotExist(err) {
		common.ServerLogger.Warn("Failed to remove preamble output %s: %v", r.OutputPath, err)
	}
}

func argumentStrings(vec strpool.VecRef) []string {
	if vec == nil {
		return nil
	}
	out := make([]string, 0, len(*vec))
	for _, ref := range *vec {
		out = append(out, *ref)
	}
	return out
}
