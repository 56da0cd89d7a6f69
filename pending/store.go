// Package pending holds the loans that have been logged with the ledger
// but not yet written to a card. The queue is rewritten to durable
// storage after every mutation and restored once at startup; that file is
// the only thing that survives a power cut.
package pending

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// Store persists the queue contents.
type Store interface {
	// Restore returns the persisted queue. A missing or unreadable
	// backing store yields an empty queue, never an error.
	Restore() []string

	// Persist durably replaces the stored queue with items.
	Persist(items []string) error
}

// FileStore keeps the queue as a JSON array of strings in a single file.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Restore implements Store.Restore.
func (s *FileStore) Restore() []string {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnf("Pending queue %s unreadable, starting empty: %v", s.path, err)
		}
		return []string{}
	}

	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		log.Warnf("Pending queue %s corrupt, starting empty: %v", s.path, err)
		return []string{}
	}
	if items == nil {
		items = []string{}
	}
	return items
}

// Persist implements Store.Persist. The file is replaced atomically:
// write a temporary file, fsync, rename over the old one, fsync the
// directory. A failure at any step leaves the previous file in place.
func (s *FileStore) Persist(items []string) error {
	if items == nil {
		items = []string{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal pending queue: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create pending queue directory: %w", err)
	}

	tmp := s.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename pending queue file: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
