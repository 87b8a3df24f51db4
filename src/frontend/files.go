package frontend

import (
	"os"
	"path/filepath"
)

// FileTable maps unit-local FileIDs to paths and contents.
type FileTable struct {
	paths    []string
	contents [][]byte
	ids      map[string]FileID
}

// NewFileTable creates an empty table.
func NewFileTable() *FileTable {
	return &FileTable{ids: make(map[string]FileID)}
}

// Add interns a file and its content, returning its id. Adding the same
// path twice returns the original id.
func (t *FileTable) Add(path string, content []byte) FileID {
	path = filepath.Clean(path)
	if id, ok := t.ids[path]; ok {
		return id
	}
	id := FileID(len(t.paths))
	t.ids[path] = id
	t.paths = append(t.paths, path)
	t.contents = append(t.contents, content)
	return id
}

// Lookup returns the id for path, or InvalidFileID.
func (t *FileTable) Lookup(path string) FileID {
	if id, ok := t.ids[filepath.Clean(path)]; ok {
		return id
	}
	return InvalidFileID
}

// Path returns the path of id.
func (t *FileTable) Path(id FileID) string {
	return t.paths[id]
}

// Content returns the content of id.
func (t *FileTable) Content(id FileID) []byte {
	return t.contents[id]
}

// Len returns the number of files in the table.
func (t *FileTable) Len() int {
	return len(t.paths)
}

// VFS reads files through the remap overlay before touching disk.
type VFS struct {
	remapped map[string][]byte
}

// NewVFS creates an overlay over the given remapped buffers.
func NewVFS(remapped map[string][]byte) *VFS {
	return &VFS{remapped: remapped}
}

// Read returns the content of path, preferring the overlay.
func (v *VFS) Read(path string) ([]byte, error) {
	path = filepath.Clean(path)
	if content, ok := v.remapped[path]; ok {
		return content, nil
	}
	return os.ReadFile(path)
}

// Exists reports whether path is readable through the overlay.
func (v *VFS) Exists(path string) bool {
	path = filepath.Clean(path)
	if _, ok := v.remapped[path]; ok {
		return true
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
