// Package sequence persists the last processed feed position so a
// consumer can resume where it left off.
package sequence

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store reads and overwrites one feed position.
type Store interface {
	// Read returns the persisted position, or "0" when no usable state
	// exists. Missing or unreadable state is a fresh start, not an error.
	Read() string

	// Write durably overwrites the stored position. An empty value is
	// normalized to "0".
	Write(position string) error
}

// FileStore keeps the position as a single text value in one file. Each
// followed database owns its own file; nothing here is shared.
type FileStore struct {
	path string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// ForDatabase returns the file store for one database under dir.
func ForDatabase(dir, database string) *FileStore {
	return &FileStore{path: filepath.Join(dir, database+".seq")}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Read() string {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "0"
	}
	position := strings.TrimSpace(string(data))
	if position == "" {
		return "0"
	}
	return position
}

func (s *FileStore) Write(position string) error {
	if position == "" {
		position = "0"
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return fmt.Errorf("creating sequence directory: %w", err)
	}

	// Write-then-rename so a crash mid-write never leaves a torn value.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(position+"\n"), 0600); err != nil {
		return fmt.Errorf("writing sequence file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming sequence file: %w", err)
	}
	return nil
}
