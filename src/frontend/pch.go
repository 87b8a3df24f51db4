package frontend

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// PreambleState is the serialized preparsed-header payload: the macro
// table visible at the preamble bound plus the content hash of every file
// the preamble pulled in. It lives in the cache directory and is loaded to
// seed full builds that reuse the preamble.
type PreambleState struct {
	Bound  uint32
	Macros map[string]bool
	// Deps maps dependency paths to their content hash at build time.
	Deps map[string]string
}

// ContentHash returns the hex SHA-256 of content.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Save writes the state to path atomically.
func (s *PreambleState) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create preamble directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pch-*")
	if err != nil {
		return fmt.Errorf("failed to create preamble file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(s); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode preamble: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadPreambleState reads a serialized preamble.
func LoadPreambleState(path string) (*PreambleState, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var state PreambleState
	if err := gob.NewDecoder(file).Decode(&state); err != nil {
		return nil, fmt.Errorf("failed to decode preamble %s: %w", path, err)
	}
	return &state, nil
}
