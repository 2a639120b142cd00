// Package filestore implements the File Store: the half of the hybrid
// storage engine that owns data/ and trash/ under the cache root.
package filestore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/wolfeidau/diskcache/internal/logutil"
)

// ErrNotFound names the missing-file condition. No Store method returns it:
// Read reports a missing file as (nil, false).
var ErrNotFound = errors.New("filestore: not found")

const (
	dataDirName  = "data"
	trashDirName = "trash"
)

// Store owns the data/ and trash/ subdirectories of a cache root. Writes,
// reads, and deletes are best-effort at this layer: any I/O error is
// reported as failure, with no retries. It presumes single-threaded callers
// except for EmptyTrashAsync, which runs on its own serial worker and never
// blocks the caller.
type Store struct {
	root    string
	dataDir string
	logger  *slog.Logger

	trashCh   chan struct{}
	trashWG   sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open creates (if needed) data/ and trash/ under root and returns a Store
// rooted there.
func Open(root string, opts ...Option) (*Store, error) {
	s := &Store{
		root:   root,
		logger: logutil.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dataDir = filepath.Join(root, dataDirName)

	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: creating data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, trashDirName), 0o755); err != nil {
		return nil, fmt.Errorf("filestore: creating trash dir: %w", err)
	}

	s.trashCh = make(chan struct{}, 1)
	s.trashWG.Add(1)
	go s.trashWorker()

	return s, nil
}

// DataDir returns the absolute path to data/.
func (s *Store) DataDir() string { return s.dataDir }

// TrashDir returns the absolute path to trash/.
func (s *Store) TrashDir() string { return filepath.Join(s.root, trashDirName) }

func (s *Store) path(fileName string) string {
	return filepath.Join(s.dataDir, fileName)
}

// Write writes bytes to data/<fileName>, creating or truncating it. No
// fsync is issued: durability is best-effort, matching the spec's
// requirement that this layer never blocks on disk sync guarantees.
func (s *Store) Write(fileName string, data []byte) bool {
	if err := os.WriteFile(s.path(fileName), data, 0o644); err != nil {
		s.logger.Warn("filestore: write failed", "file", fileName, "error", err)
		return false
	}
	return true
}

// Read reads data/<fileName>. It returns (nil, false) on any error,
// including a missing file.
func (s *Store) Read(fileName string) ([]byte, bool) {
	data, err := os.ReadFile(s.path(fileName))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("filestore: read failed", "file", fileName, "error", err)
		}
		return nil, false
	}
	return data, true
}

// Delete removes data/<fileName>. A missing file is reported as failure by
// this primitive (callers that treat missing-file as success, such as
// engine.remove, check os.IsNotExist themselves via DeleteLenient).
func (s *Store) Delete(fileName string) bool {
	if err := os.Remove(s.path(fileName)); err != nil {
		s.logger.Warn("filestore: delete failed", "file", fileName, "error", err)
		return false
	}
	return true
}

// DeleteLenient removes data/<fileName>, treating a missing file as
// success. This is the variant callers that are merely cleaning up a
// reference (remove, eviction) should use.
func (s *Store) DeleteLenient(fileName string) bool {
	err := os.Remove(s.path(fileName))
	if err != nil && !os.IsNotExist(err) {
		s.logger.Warn("filestore: delete failed", "file", fileName, "error", err)
		return false
	}
	return true
}

// MoveAllToTrash atomically renames data/ into a fresh, UUID-named
// subdirectory of trash/, then recreates an empty data/. It is the engine's
// primitive for a full-cache wipe (removeAll): everything on disk goes into
// a directory the engine never reads from again, and the empty data/ lets
// writes resume immediately without waiting for the trash to actually be
// deleted.
func (s *Store) MoveAllToTrash() bool {
	dest := filepath.Join(s.TrashDir(), uuid.NewString())
	if err := os.Rename(s.dataDir, dest); err != nil {
		s.logger.Warn("filestore: move to trash failed", "error", err)
		return false
	}
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		s.logger.Error("filestore: recreating data dir after trash failed", "error", err)
		return false
	}
	return true
}

// EmptyTrashAsync schedules deletion of every entry in trash/ on the
// store's dedicated serial worker. It never blocks the caller: concurrent
// calls coalesce onto the same pending signal, since each worker pass
// deletes whatever it finds.
func (s *Store) EmptyTrashAsync() {
	select {
	case s.trashCh <- struct{}{}:
	default:
		// A pass is already pending; it will pick up anything new too.
	}
}

func (s *Store) trashWorker() {
	defer s.trashWG.Done()
	for range s.trashCh {
		s.emptyTrashOnce()
	}
}

func (s *Store) emptyTrashOnce() {
	trash := s.TrashDir()
	entries, err := os.ReadDir(trash)
	if err != nil {
		s.logger.Warn("filestore: reading trash dir failed", "error", err)
		return
	}
	for _, e := range entries {
		p := filepath.Join(trash, e.Name())
		if err := os.RemoveAll(p); err != nil {
			s.logger.Warn("filestore: deleting trash entry failed", "entry", p, "error", err)
		}
	}
}

// Close stops the trash worker. Any pass already signaled is allowed to
// finish.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.trashCh)
		s.trashWG.Wait()
	})
}

// Remove deletes the entire cache root, including data/ and trash/. It is
// only used by tests and by callers tearing the cache down permanently
// (not by removeAll, which preserves the root and reopens).
func (s *Store) Remove() error {
	return os.RemoveAll(s.root)
}
