// Package engine implements the Storage Engine: the Mode-dispatched layer
// that composes the Index (metadb.DB) and the File Store (filestore.Store)
// behind a single API. It presumes single-threaded access per instance —
// concurrent safety is the façade's job (see package cache).
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wolfeidau/diskcache"
	"github.com/wolfeidau/diskcache/internal/logutil"
	"github.com/wolfeidau/diskcache/metadb"
	"github.com/wolfeidau/diskcache/telemetry"
)

// evictBatchSize is the page size removeToFitSize/removeToFitCount fetch
// per round; evictProgressBatchSize is the larger page removeAllWithProgress
// reports progress against.
const (
	evictBatchSize         = 16
	evictProgressBatchSize = 32
)

// Trash is the subset of filestore.Store removeAll needs: exactly
// metadb.Trash, nothing more, so the engine has no compile-time dependency
// on the filestore package.
type Trash = metadb.Trash

// FileStore is the subset of filestore.Store the engine drives directly.
type FileStore interface {
	Trash
	Write(fileName string, data []byte) bool
	Read(fileName string) ([]byte, bool)
	DeleteLenient(fileName string) bool
}

// Index is the subset of *metadb.DB the engine drives. Declared as an
// interface so tests can substitute a fake without a real SQLite file.
type Index interface {
	Available() bool
	Save(key string, value []byte, fileName string, extended []byte) bool
	UpdateAccessTime(key string) bool
	UpdateAccessTimeMany(keys []string) bool
	Delete(key string) bool
	DeleteMany(keys []string) bool
	DeleteLargerThan(bound int64) bool
	DeleteEarlierThan(t int64) bool
	GetItem(key string, excludeInline bool) (*diskcache.Entry, bool)
	GetItems(keys []string, excludeInline bool) ([]*diskcache.Entry, bool)
	GetValue(key string) ([]byte, bool)
	GetFileName(key string) (string, bool)
	GetFileNames(keys []string) (map[string]string, bool)
	GetFileNamesLargerThan(bound int64) ([]string, bool)
	GetFileNamesEarlierThan(t int64) ([]string, bool)
	GetItemSizeInfoOrderByTimeAsc(limit int) ([]metadb.SizeInfo, bool)
	GetItemCount(key string) (int, bool)
	TotalItemCount() (int64, bool)
	TotalItemSize() (int64, bool)
	Checkpoint() bool
	Reset() error
	Close() error
}

// Engine is the Storage Engine: a Mode fixed at construction time, composing
// an Index and a FileStore.
type Engine struct {
	mode   diskcache.Mode
	index  Index
	files  FileStore
	logger *slog.Logger
	reopen func() (Index, error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithReopen supplies the function removeAll uses to rebuild the Index
// after the old one is closed and reset. Required when index implements
// Reset() by closing itself rather than by swapping in a fresh handle (the
// *metadb.DB case, where Reset() re-opens in place and this is a no-op that
// just returns the same Index).
func WithReopen(reopen func() (Index, error)) Option {
	return func(e *Engine) { e.reopen = reopen }
}

// New constructs an Engine over an already-open Index and FileStore.
func New(mode diskcache.Mode, index Index, files FileStore, opts ...Option) *Engine {
	e := &Engine{
		mode:   mode,
		index:  index,
		files:  files,
		logger: logutil.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.reopen == nil {
		e.reopen = func() (Index, error) { return e.index, nil }
	}
	return e
}

// Mode reports the engine's fixed storage mode.
func (e *Engine) Mode() diskcache.Mode { return e.mode }

// requireAvailable distinguishes the manifest's degraded state (spec §7
// Unavailable) from an ordinary query failure (IndexFailure): called before
// any operation that would otherwise have to infer "unavailable" from a
// generic false return.
func (e *Engine) requireAvailable() error {
	if !e.index.Available() {
		return fmt.Errorf("engine: %w", diskcache.ErrUnavailable)
	}
	return nil
}

// Save preconditions: key non-empty, value non-empty. In ModeFile, fileName
// must be non-empty. Writes the Blob File (if any) before the index row
// references it; deletes it again if the index write fails. Either way
// (inline or external), the old file name is read via getFileName before
// the INSERT OR REPLACE, and the old Blob File — if it differs from the new
// one — is deleted only after that write succeeds.
func (e *Engine) Save(key string, value []byte, fileName string, extended []byte) error {
	if key == "" || len(value) == 0 {
		return diskcache.ErrBadArgument
	}
	if e.mode == diskcache.ModeFile && fileName == "" {
		return diskcache.ErrBadArgument
	}
	if e.mode == diskcache.ModeSQL {
		if fileName != "" {
			e.logger.Debug("engine: sql mode ignores file name, storing inline", "key", key, "file", fileName)
		}
		fileName = ""
	}
	if err := e.requireAvailable(); err != nil {
		return err
	}

	isNew := true
	var priorSize int64
	if prior, ok := e.index.GetItem(key, true); ok {
		isNew = false
		priorSize = prior.Size
	}

	var priorFile string
	var hadPrior bool
	if e.mode != diskcache.ModeSQL {
		priorFile, hadPrior = e.index.GetFileName(key)
	}

	if fileName != "" {
		if !e.files.Write(fileName, value) {
			return fmt.Errorf("engine: %w: writing blob file", diskcache.ErrIOFailure)
		}
		if !e.index.Save(key, value, fileName, extended) {
			e.files.DeleteLenient(fileName)
			return fmt.Errorf("engine: %w: saving index row", diskcache.ErrIndexFailure)
		}
		if hadPrior && priorFile != "" && priorFile != fileName {
			e.files.DeleteLenient(priorFile)
		}
		telemetry.RecordSave(context.Background(), deltaEntries(isNew), int64(len(value))-priorSize)
		return nil
	}

	if !e.index.Save(key, value, "", extended) {
		return fmt.Errorf("engine: %w: saving index row", diskcache.ErrIndexFailure)
	}

	if hadPrior && priorFile != "" {
		e.files.DeleteLenient(priorFile)
	}
	telemetry.RecordSave(context.Background(), deltaEntries(isNew), int64(len(value))-priorSize)
	return nil
}

func deltaEntries(isNew bool) int64 {
	if isNew {
		return 1
	}
	return 0
}

// Remove deletes key's row and, in non-SQL modes, its referenced Blob File
// (best-effort, missing file is not a failure).
func (e *Engine) Remove(key string) error {
	if err := e.requireAvailable(); err != nil {
		return err
	}
	if e.mode != diskcache.ModeSQL {
		if fileName, ok := e.index.GetFileName(key); ok && fileName != "" {
			e.files.DeleteLenient(fileName)
		}
	}
	var existed, freed int64
	if info, ok := e.index.GetItem(key, true); ok {
		existed, freed = 1, info.Size
	}
	if !e.index.Delete(key) {
		return fmt.Errorf("engine: %w: deleting index row", diskcache.ErrIndexFailure)
	}
	telemetry.RecordRemove(context.Background(), existed, freed)
	return nil
}

// RemoveMany is the bulk form of Remove.
func (e *Engine) RemoveMany(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := e.requireAvailable(); err != nil {
		return err
	}
	if e.mode != diskcache.ModeSQL {
		names, ok := e.index.GetFileNames(keys)
		if ok {
			for _, fileName := range names {
				if fileName != "" {
					e.files.DeleteLenient(fileName)
				}
			}
		}
	}
	var count, freed int64
	if infos, ok := e.index.GetItems(keys, true); ok {
		count = int64(len(infos))
		for _, info := range infos {
			freed += info.Size
		}
	}
	if !e.index.DeleteMany(keys) {
		return fmt.Errorf("engine: %w: deleting index rows", diskcache.ErrIndexFailure)
	}
	telemetry.RecordRemove(context.Background(), count, freed)
	return nil
}

// RemoveLargerThanSize evicts every entry whose size > bound. bound == MaxInt64
// is a no-op; bound <= 0 delegates to RemoveAll.
func (e *Engine) RemoveLargerThanSize(bound int64) error {
	if bound == maxInt64 {
		return nil
	}
	if bound <= 0 {
		return e.RemoveAll()
	}
	if err := e.requireAvailable(); err != nil {
		return err
	}

	countBefore, _ := e.index.TotalItemCount()
	sizeBefore, _ := e.index.TotalItemSize()

	if e.mode != diskcache.ModeSQL {
		names, ok := e.index.GetFileNamesLargerThan(bound)
		if !ok {
			return fmt.Errorf("engine: %w: listing blob files", diskcache.ErrIndexFailure)
		}
		for _, fileName := range names {
			e.files.DeleteLenient(fileName)
		}
	}
	if !e.index.DeleteLargerThan(bound) {
		return fmt.Errorf("engine: %w: deleting index rows", diskcache.ErrIndexFailure)
	}
	e.index.Checkpoint()
	e.recordEvictionDelta("size", countBefore, sizeBefore)
	return nil
}

// recordEvictionDelta reads the current totals and records the delta
// against countBefore/sizeBefore as an eviction for reason.
func (e *Engine) recordEvictionDelta(reason string, countBefore, sizeBefore int64) {
	countAfter, ok1 := e.index.TotalItemCount()
	sizeAfter, ok2 := e.index.TotalItemSize()
	if !ok1 || !ok2 {
		return
	}
	telemetry.RecordEviction(context.Background(), reason, countBefore-countAfter, sizeBefore-sizeAfter)
}

// RemoveEarlierThan evicts every entry whose last_access_time < t. t <= 0 is
// a no-op; t == MaxInt64 delegates to RemoveAll.
func (e *Engine) RemoveEarlierThan(t int64) error {
	if t <= 0 {
		return nil
	}
	if t == maxInt64 {
		return e.RemoveAll()
	}
	if err := e.requireAvailable(); err != nil {
		return err
	}

	countBefore, _ := e.index.TotalItemCount()
	sizeBefore, _ := e.index.TotalItemSize()

	if e.mode != diskcache.ModeSQL {
		names, ok := e.index.GetFileNamesEarlierThan(t)
		if !ok {
			return fmt.Errorf("engine: %w: listing blob files", diskcache.ErrIndexFailure)
		}
		for _, fileName := range names {
			e.files.DeleteLenient(fileName)
		}
	}
	if !e.index.DeleteEarlierThan(t) {
		return fmt.Errorf("engine: %w: deleting index rows", diskcache.ErrIndexFailure)
	}
	e.index.Checkpoint()
	e.recordEvictionDelta("age", countBefore, sizeBefore)
	return nil
}

// RemoveToFitSize evicts the least-recently-accessed entries, 16 at a time,
// until the manifest's total size is <= target (or a batch comes up empty,
// or a row delete fails).
func (e *Engine) RemoveToFitSize(target int64) error {
	return e.removeToFit(target, func() (int64, bool) { return e.index.TotalItemSize() })
}

// RemoveToFitCount is RemoveToFitSize's counterpart for row count.
func (e *Engine) RemoveToFitCount(target int64) error {
	return e.removeToFit(target, func() (int64, bool) { return e.index.TotalItemCount() })
}

func (e *Engine) removeToFit(target int64, total func() (int64, bool)) error {
	if target == maxInt64 {
		return nil
	}
	if target <= 0 {
		return e.RemoveAll()
	}
	if err := e.requireAvailable(); err != nil {
		return err
	}

	for {
		n, ok := total()
		if !ok {
			return fmt.Errorf("engine: %w: reading total", diskcache.ErrIndexFailure)
		}
		if n <= target {
			break
		}

		batch, ok := e.index.GetItemSizeInfoOrderByTimeAsc(evictBatchSize)
		if !ok {
			return fmt.Errorf("engine: %w: reading eviction cursor", diskcache.ErrIndexFailure)
		}
		if len(batch) == 0 {
			break
		}

		failed := false
		var removedCount, removedBytes int64
		for _, si := range batch {
			if cur, ok := total(); !ok || cur <= target {
				break
			}
			if e.mode != diskcache.ModeSQL && si.FileName != "" {
				e.files.DeleteLenient(si.FileName)
			}
			if !e.index.Delete(si.Key) {
				failed = true
				break
			}
			removedCount++
			removedBytes += si.Size
		}
		telemetry.RecordEviction(context.Background(), "lru", removedCount, removedBytes)
		if failed {
			break
		}
	}

	e.index.Checkpoint()
	return nil
}

// RemoveAll is the atomic wipe primitive: close the Index, reset it (which
// delegates moveAllToTrash + emptyTrashAsync to the File Store and deletes
// the manifest triad), and reopen.
func (e *Engine) RemoveAll() error {
	countBefore, _ := e.index.TotalItemCount()
	sizeBefore, _ := e.index.TotalItemSize()

	if err := e.index.Reset(); err != nil {
		return fmt.Errorf("engine: %w: resetting index", diskcache.ErrResetFailure)
	}
	idx, err := e.reopen()
	if err != nil {
		return fmt.Errorf("engine: %w: reopening index", diskcache.ErrResetFailure)
	}
	e.index = idx
	telemetry.RecordEviction(context.Background(), "all", countBefore, sizeBefore)
	return nil
}

// RemoveAllWithProgress is the streaming variant of RemoveAll: it deletes in
// batches of 32 rather than resetting the whole manifest, reporting progress
// after each batch and completion at the end. completionCb receives the true
// success flag — a documented defect in the system this module reimplements
// inverted that flag, passing !success instead.
func (e *Engine) RemoveAllWithProgress(progressCb func(removed, total int64), completionCb func(success bool)) {
	total, ok := e.index.TotalItemCount()
	if !ok {
		if completionCb != nil {
			completionCb(false)
		}
		return
	}

	var removed, removedBytes int64
	success := true
	for {
		batch, ok := e.index.GetItemSizeInfoOrderByTimeAsc(evictProgressBatchSize)
		if !ok {
			success = false
			break
		}
		if len(batch) == 0 {
			break
		}

		for _, si := range batch {
			if e.mode != diskcache.ModeSQL && si.FileName != "" {
				e.files.DeleteLenient(si.FileName)
			}
			if !e.index.Delete(si.Key) {
				success = false
				break
			}
			removed++
			removedBytes += si.Size
		}
		if progressCb != nil {
			progressCb(removed, total)
		}
		if !success {
			break
		}
	}

	e.index.Checkpoint()
	telemetry.RecordEviction(context.Background(), "all-with-progress", removed, removedBytes)
	if completionCb != nil {
		completionCb(success)
	}
}

// Item updates key's access time, reads its full row (so the returned
// Entry carries the refreshed AccessTime), and resolves its value: inline
// data if present, otherwise the referenced Blob File. A failed file read
// deletes the now-dangling row and reports absent.
func (e *Engine) Item(key string) (*diskcache.Entry, bool) {
	e.index.UpdateAccessTime(key)
	entry, ok := e.index.GetItem(key, false)
	if !ok {
		return nil, false
	}

	if entry.FileName != "" {
		data, ok := e.files.Read(entry.FileName)
		if !ok {
			e.logger.Warn("engine: blob file missing, repairing row", "error", diskcache.ErrIntegrityLoss, "key", key, "file", entry.FileName)
			e.index.Delete(key)
			telemetry.RecordIntegrityRepair(context.Background())
			return nil, false
		}
		entry.Value = data
	}

	return entry, true
}

// ItemInfo reads key's row excluding inline_data, without updating access
// time.
func (e *Engine) ItemInfo(key string) (*diskcache.Entry, bool) {
	return e.index.GetItem(key, true)
}

// ItemValue returns only key's bytes, following Mode's placement policy. A
// file-read failure removes the row; any successful read updates access
// time.
func (e *Engine) ItemValue(key string) ([]byte, bool) {
	switch e.mode {
	case diskcache.ModeFile:
		fileName, ok := e.index.GetFileName(key)
		if !ok || fileName == "" {
			return nil, false
		}
		data, ok := e.files.Read(fileName)
		if !ok {
			e.logger.Warn("engine: blob file missing, repairing row", "error", diskcache.ErrIntegrityLoss, "key", key, "file", fileName)
			e.index.Delete(key)
			telemetry.RecordIntegrityRepair(context.Background())
			return nil, false
		}
		e.index.UpdateAccessTime(key)
		return data, true

	case diskcache.ModeSQL:
		value, ok := e.index.GetValue(key)
		if !ok {
			return nil, false
		}
		e.index.UpdateAccessTime(key)
		return value, true

	default: // ModeMix
		fileName, ok := e.index.GetFileName(key)
		if !ok {
			return nil, false
		}
		if fileName != "" {
			data, ok := e.files.Read(fileName)
			if !ok {
				e.index.Delete(key)
				telemetry.RecordIntegrityRepair(context.Background())
				return nil, false
			}
			e.index.UpdateAccessTime(key)
			return data, true
		}
		value, ok := e.index.GetValue(key)
		if !ok {
			return nil, false
		}
		e.index.UpdateAccessTime(key)
		return value, true
	}
}

// Items is the bulk form of Item. File-backed entries whose blob read fails
// are dropped from the result and removed from the index. Access time is
// refreshed for the original query set whenever the result is non-empty.
func (e *Engine) Items(keys []string) ([]*diskcache.Entry, bool) {
	entries, ok := e.index.GetItems(keys, false)
	if !ok {
		return nil, false
	}

	out := make([]*diskcache.Entry, 0, len(entries))
	var dead []string
	for _, entry := range entries {
		if entry.FileName != "" {
			data, ok := e.files.Read(entry.FileName)
			if !ok {
				dead = append(dead, entry.Key)
				continue
			}
			entry.Value = data
		}
		out = append(out, entry)
	}
	if len(dead) > 0 {
		e.logger.Warn("engine: blob files missing, repairing rows", "error", diskcache.ErrIntegrityLoss, "keys", dead)
		e.index.DeleteMany(dead)
		for range dead {
			telemetry.RecordIntegrityRepair(context.Background())
		}
	}
	if len(out) > 0 {
		e.index.UpdateAccessTimeMany(keys)
	}
	return out, true
}

// ItemInfos is the bulk, access-time-preserving form of ItemInfo.
func (e *Engine) ItemInfos(keys []string) ([]*diskcache.Entry, bool) {
	return e.index.GetItems(keys, true)
}

// ItemValues is the bulk form of ItemValue, keyed by the original key.
func (e *Engine) ItemValues(keys []string) (map[string][]byte, bool) {
	entries, ok := e.Items(keys)
	if !ok {
		return nil, false
	}
	out := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		out[entry.Key] = entry.Value
	}
	return out, true
}

// ItemExists reports whether key has a row.
func (e *Engine) ItemExists(key string) bool {
	n, ok := e.index.GetItemCount(key)
	return ok && n > 0
}

// ItemsCount returns the manifest's row count.
func (e *Engine) ItemsCount() (int64, bool) {
	return e.index.TotalItemCount()
}

// ItemsSize returns the manifest's total size column.
func (e *Engine) ItemsSize() (int64, bool) {
	return e.index.TotalItemSize()
}

// Close finalizes the Index.
func (e *Engine) Close() error {
	return e.index.Close()
}

const maxInt64 = 1<<63 - 1
