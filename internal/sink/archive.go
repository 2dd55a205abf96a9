package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/couchtail/couchtail/internal/feed"
)

// Archive appends changes as gzip-compressed JSON lines, one file per
// database at <dir>/<database>.jsonl.gz. Files are opened lazily on the
// first change for a database and flushed after every write so a crash
// loses at most the record in flight.
type Archive struct {
	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	writers map[string]*archiveWriter
}

type archiveWriter struct {
	file *os.File
	gz   *gzip.Writer
}

var _ Sink = (*Archive)(nil)

func NewArchive(dir string, logger *zap.Logger) *Archive {
	return &Archive{
		dir:     dir,
		logger:  logger,
		writers: make(map[string]*archiveWriter),
	}
}

func (a *Archive) Apply(_ context.Context, change *feed.Change) error {
	line, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encoding change: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	w, err := a.writer(change.Database)
	if err != nil {
		return err
	}
	if _, err := w.gz.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("archiving change: %w", err)
	}
	if err := w.gz.Flush(); err != nil {
		return fmt.Errorf("flushing archive: %w", err)
	}
	return nil
}

func (a *Archive) writer(database string) (*archiveWriter, error) {
	if w, ok := a.writers[database]; ok {
		return w, nil
	}

	if err := os.MkdirAll(a.dir, 0750); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	path := filepath.Join(a.dir, database+".jsonl.gz")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening archive file: %w", err)
	}

	a.logger.Info("archiving changes", zap.String("database", database), zap.String("path", path))

	w := &archiveWriter{file: file, gz: gzip.NewWriter(file)}
	a.writers[database] = w
	return w, nil
}

func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	for database, w := range a.writers {
		if err := w.gz.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing archive for %s: %w", database, err))
		}
		if err := w.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing archive file for %s: %w", database, err))
		}
		delete(a.writers, database)
	}
	return errors.Join(errs...)
}
