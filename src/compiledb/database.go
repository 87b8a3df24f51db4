// Package compiledb resolves per-file compiler invocations: it loads
// compile_commands.json, normalizes and interns argument vectors, applies
// user rewrite rules, and augments lookups with driver-queried system
// includes and the resource directory.
package compiledb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/clice-io/clice/src/config"
	"github.com/clice-io/clice/src/internal/common"
	"github.com/clice-io/clice/src/internal/strpool"
)

// UpdateKind classifies the effect of one database update.
type UpdateKind int

const (
	Inserted UpdateKind = iota
	Unchanged
	Deleted
)

// UpdateInfo reports what happened to one file's command.
type UpdateInfo struct {
	Kind UpdateKind
	File string
}

// ResponseFile records a `@file` argument that was expanded in place.
type ResponseFile struct {
	Path string
	// ArgIndex is the index of the original @ argument.
	ArgIndex int
}

// CommandInfo is the stored canonical command for one source file.
type CommandInfo struct {
	Directory strpool.Ref
	Arguments strpool.VecRef
	// IncludeIndices are indices into Arguments identifying include-option
	// arguments (-I, -isystem, -iquote, -idirafter values follow them).
	IncludeIndices []int
	Response       *ResponseFile
}

// DriverInfo is the cached probe result for one compiler driver.
type DriverInfo struct {
	Target         string
	SystemIncludes []string
}

// LookupOptions mutate the canonical arguments returned by Lookup.
type LookupOptions struct {
	// ResourceDir injects -resource-dir=<path>.
	ResourceDir bool
	// QueryDriver injects the driver's system includes and target triple.
	QueryDriver bool
	// SuppressLog silences driver query warnings.
	SuppressLog bool
}

// LookupInfo is the result of resolving a file's command.
type LookupInfo struct {
	Directory string
	Arguments []string
}

// CompilationDatabase maps source paths to canonical compile commands.
// It is single-writer: mutations happen on the server goroutine, reads may
// come from workers.
type CompilationDatabase struct {
	mu sync.RWMutex

	pool     *strpool.Pool
	rules    RuleManager
	commands map[string]*CommandInfo
	drivers  map[string]*DriverInfo

	// resourceDir is owned by the database and injected on lookup.
	resourceDir string
}

// New creates an empty database.
func New() *CompilationDatabase {
	return &CompilationDatabase{
		pool:     strpool.NewPool(),
		commands: make(map[string]*CommandInfo),
		drivers:  make(map[string]*DriverInfo),
	}
}

// SetResourceDir sets the path injected by Lookup when ResourceDir is on.
func (db *CompilationDatabase) SetResourceDir(dir string) {
	db.mu.Lock()
	db.resourceDir = dir
	db.mu.Unlock()
}

// LoadRules installs the user rewrite rules.
func (db *CompilationDatabase) LoadRules(rules []config.Rule) {
	db.mu.Lock()
	db.rules.LoadRules(rules)
	db.mu.Unlock()
}

// isCLDriver reports whether the driver expects cl-style arguments.
func isCLDriver(driver string) bool {
	name := strings.TrimSuffix(filepath.Base(driver), ".exe")
	return name == "cl" || name == "clang-cl"
}

// expandResponseFiles replaces `@file` tokens by the tokenized content of
// the referenced file. The first expansion is recorded.
func expandResponseFiles(tokens []string, directory string) ([]string, *ResponseFile) {
	var response *ResponseFile
	out := make([]string, 0, len(tokens))
	for i, token := range tokens {
		if !strings.HasPrefix(token, "@") || len(token) == 1 {
			out = append(out, token)
			continue
		}
		path := strpool.Canonical(token[1:], directory)
		content, err := os.ReadFile(path)
		if err != nil {
			common.DBLogger.Warn("Failed to read response file %s: %v", path, err)
			out = append(out, token)
			continue
		}
		if response == nil {
			response = &ResponseFile{Path: path, ArgIndex: i}
		}
		out = append(out, TokenizeGNU(string(content))...)
	}
	return out, response
}

// filterArgs runs the built-in filters over the parsed arguments:
// remove -c / -o / --output=, time-trace and PCH flags, CMake and MSVC PCH
// injection, and every positional input. Include paths in -I are made
// absolute against the entry directory.
func filterArgs(args []Arg, directory string, add func(string) int) []int {
	var includeIndices []int
	removePCH := false

	for _, arg := range args {
		if arg.Opt == nil {
			if arg.IsInput() {
				continue
			}
			// Keep unknown flags verbatim.
			add(arg.Raw)
			continue
		}

		spelling := arg.Opt.Spelling
		switch spelling {
		case "-c", "-o", "--output=", "-emit-pch", "-include-pch",
			"-ftime-trace", "-ftime-trace=", "-ftime-report", "-ftime-report=",
			"-ftime-trace-granularity=", "-ftime-trace-verbose",
			"-fmodule-file=", "-fmodule-output", "-fmodule-output=", "-fprebuilt-module-path=",
			"/c", "/Yu", "/Yc", "/Fp", "/Fo", "/FI":
			continue
		case "-include":
			// CMake injects its preamble header with `-include cmake_pch.hxx`.
			if len(arg.Values) == 1 && strings.HasPrefix(filepath.Base(arg.Values[0]), "cmake_pch") {
				continue
			}
		case "-Xclang":
			// `-Xclang -include-pch -Xclang x.pch` is CMake's clang PCH shape.
			if len(arg.Values) == 1 {
				if removePCH {
					removePCH = false
					continue
				}
				if arg.Values[0] == "-include-pch" {
					removePCH = true
					continue
				}
			}
		case "-I", "/I":
			if len(arg.Values) == 1 {
				includeIndices = append(includeIndices, add("-I"))
				value := arg.Values[0]
				if value != "" && !filepath.IsAbs(value) {
					value = filepath.Join(directory, value)
				}
				add(value)
				continue
			}
		case "-isystem", "-iquote", "-idirafter":
			if len(arg.Values) == 1 {
				includeIndices = append(includeIndices, add(spelling))
				add(arg.Values[0])
				continue
			}
		}

		for _, rendered := range arg.Render(nil) {
			add(rendered)
		}
	}
	return includeIndices
}

// UpdateCommand parses, filters and interns a command for one file.
func (db *CompilationDatabase) UpdateCommand(directory, file string, tokens []string) UpdateInfo {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.updateCommandLocked(directory, file, tokens)
}

func (db *CompilationDatabase) updateCommandLocked(directory, file string, tokens []string) UpdateInfo {
	// Callers that load a database document pass canonicalized paths; an
	// in-memory update stores the path as given.
	file = filepath.Clean(file)

	if len(tokens) == 0 {
		return UpdateInfo{Kind: Unchanged, File: file}
	}

	driver := tokens[0]
	tokens, response := expandResponseFiles(tokens[1:], directory)
	args := ParseArgs(tokens, isCLDriver(driver))

	var refs []strpool.Ref
	add := func(s string) int {
		refs = append(refs, db.pool.Intern(s))
		return len(refs) - 1
	}

	add(driver)
	includeIndices := filterArgs(args, directory, add)

	info := &CommandInfo{
		Directory:      db.pool.Intern(directory),
		Arguments:      db.pool.InternVector(refs),
		IncludeIndices: includeIndices,
		Response:       response,
	}

	old, exists := db.commands[file]
	if exists && old.Directory == info.Directory && old.Arguments == info.Arguments {
		return UpdateInfo{Kind: Unchanged, File: file}
	}
	db.commands[file] = info
	return UpdateInfo{Kind: Inserted, File: file}
}

// UpdateCommandLine tokenizes a whole command string and updates the file.
func (db *CompilationDatabase) UpdateCommandLine(directory, file, command string) UpdateInfo {
	first, _, _ := strings.Cut(command, " ")
	var tokens []string
	if isCLDriver(first) {
		tokens = TokenizeWindows(command)
	} else {
		tokens = TokenizeGNU(command)
	}
	return db.UpdateCommand(directory, file, tokens)
}

// Load parses a compile_commands.json document and merges it into the
// database. Files present before but absent from the document are removed.
// Returns the per-file update kinds.
func (db *CompilationDatabase) Load(content, workspace string) ([]UpdateInfo, error) {
	parsed := gjson.Parse(content)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("compile_commands.json must be an array of objects")
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	seen := make(map[string]bool)
	var infos []UpdateInfo

	for _, item := range parsed.Array() {
		if !item.IsObject() {
			continue
		}

		directory := item.Get("directory").String()
		if directory == "" {
			directory = workspace
		}

		fileField := item.Get("file")
		if !fileField.Exists() {
			continue
		}
		file := strpool.Canonical(fileField.String(), directory)

		var info UpdateInfo
		if arguments := item.Get("arguments"); arguments.IsArray() {
			var tokens []string
			for _, argument := range arguments.Array() {
				if argument.Type == gjson.String {
					tokens = append(tokens, argument.String())
				}
			}
			info = db.updateCommandLocked(directory, file, tokens)
		} else if command := item.Get("command"); command.Type == gjson.String {
			first, _, _ := strings.Cut(command.String(), " ")
			var tokens []string
			if isCLDriver(first) {
				tokens = TokenizeWindows(command.String())
			} else {
				tokens = TokenizeGNU(command.String())
			}
			info = db.updateCommandLocked(directory, file, tokens)
		} else {
			continue
		}

		seen[info.File] = true
		infos = append(infos, info)
	}

	for file := range db.commands {
		if !seen[file] {
			delete(db.commands, file)
			infos = append(infos, UpdateInfo{Kind: Deleted, File: file})
		}
	}

	return infos, nil
}

// LoadDirs loads the first valid compile_commands.json from the configured
// directories, falling back to a recursive search below the workspace.
func (db *CompilationDatabase) LoadDirs(dirs []string, workspace string) bool {
	tryLoad := func(dir string) bool {
		path := filepath.Join(dir, "compile_commands.json")
		content, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		infos, err := db.Load(string(content), workspace)
		if err != nil {
			common.DBLogger.Warn("Failed to load CDB file %s: %v", path, err)
			return false
		}
		common.DBLogger.Info("Load CDB file %s: %d entries", path, len(infos))
		return true
	}

	for _, dir := range dirs {
		if tryLoad(dir) {
			return true
		}
	}

	common.DBLogger.Warn("No CDB file in configured directories, searching workspace %s", workspace)

	found := false
	_ = filepath.WalkDir(workspace, func(path string, entry os.DirEntry, err error) error {
		if err != nil || found {
			return filepath.SkipAll
		}
		if entry.IsDir() && strings.HasPrefix(entry.Name(), ".") {
			return filepath.SkipDir
		}
		if !entry.IsDir() && entry.Name() == "compile_commands.json" {
			if tryLoad(filepath.Dir(path)) {
				found = true
				return filepath.SkipAll
			}
		}
		return nil
	})

	if !found {
		common.DBLogger.Warn("No valid CDB file in workspace, falling back to default commands")
	}
	return found
}

// Lookup resolves the canonical arguments for file, applying the matching
// rewrite rule, driver augmentation and resource-dir injection. The input
// file is always the single trailing positional argument.
func (db *CompilationDatabase) Lookup(file string, options LookupOptions) LookupInfo {
	db.mu.Lock()
	defer db.mu.Unlock()

	file = filepath.Clean(file)

	var info LookupInfo
	if cmd, ok := db.commands[file]; ok {
		info.Directory = *cmd.Directory
		for _, ref := range *cmd.Arguments {
			info.Arguments = append(info.Arguments, *ref)
		}
	} else {
		info = db.guessOrFallback(file)
	}

	rule := db.rules.FindRule(file)
	if rule != nil && len(rule.Remove) > 0 && len(info.Arguments) > 1 {
		kept := info.Arguments[:1]
		for _, arg := range ParseArgs(info.Arguments[1:], isCLDriver(info.Arguments[0])) {
			if rule.shouldRemove(&arg) {
				continue
			}
			kept = arg.Render(kept)
		}
		info.Arguments = kept
	}
	if rule != nil {
		info.Arguments = append(info.Arguments, rule.Append...)
	}

	if options.QueryDriver {
		driver := info.Arguments[0]
		driverInfo, err := db.queryDriverLocked(driver)
		if err != nil {
			if !options.SuppressLog {
				common.DBLogger.Warn("Failed to query driver %s: %v", driver, err)
			}
		} else {
			info.Arguments = append(info.Arguments, "-nostdlibinc")
			if driverInfo.Target != "" {
				info.Arguments = append(info.Arguments, "--target="+driverInfo.Target)
			}
			for _, include := range driverInfo.SystemIncludes {
				info.Arguments = append(info.Arguments, "-isystem", include)
			}
		}
	}

	if options.ResourceDir && db.resourceDir != "" {
		info.Arguments = append(info.Arguments, "-resource-dir="+db.resourceDir)
	}

	info.Arguments = append(info.Arguments, file)
	return info
}

// guessOrFallback finds a command for a file with no database entry by
// borrowing from a neighbor in the same or a parent directory, up to three
// levels, before giving up and using the default command.
func (db *CompilationDatabase) guessOrFallback(file string) LookupInfo {
	dir := filepath.Dir(file)
	for level := 0; level < 3 && dir != "" && dir != "/" && dir != "."; level++ {
		prefix := dir + string(filepath.Separator)
		for other, cmd := range db.commands {
			if strings.HasPrefix(other, prefix) {
				common.DBLogger.Info("Guess command for %s from %s", file, other)
				var arguments []string
				for _, ref := range *cmd.Arguments {
					arguments = append(arguments, *ref)
				}
				return LookupInfo{Directory: *cmd.Directory, Arguments: arguments}
			}
		}
		dir = filepath.Dir(dir)
	}

	return LookupInfo{Arguments: []string{"clang++", "-std=c++20"}}
}

// ClearDriverCache drops the cached driver probe results.
func (db *CompilationDatabase) ClearDriverCache() {
	db.mu.Lock()
	db.drivers = make(map[string]*DriverInfo)
	db.mu.Unlock()
}

// Clear drops everything, including the intern pool. Only valid on
// shutdown or a full reload; outstanding refs become dangling.
func (db *CompilationDatabase) Clear() {
	db.mu.Lock()
	db.pool.Clear()
	db.rules.Clear()
	db.commands = make(map[string]*CommandInfo)
	db.drivers = make(map[string]*DriverInfo)
	db.mu.Unlock()
}

// Files returns the canonical paths of every file with a stored command.
func (db *CompilationDatabase) Files() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	files := make([]string, 0, len(db.commands))
	for file := range db.commands {
		files = append(files, file)
	}
	return files
}
