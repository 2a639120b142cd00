package diskcache

import "errors"

// Error kinds surfaced by the storage engine. All user-visible operations
// return success/failure booleans or optional results rather than raising
// exceptions; these sentinels are for the diagnostic error values logged or
// wrapped alongside those results, and for callers that do inspect errors
// (e.g. construction failures) with errors.Is.
var (
	// ErrNotFound means the key has no entry (or the entry was repaired
	// away because its Blob File was missing).
	ErrNotFound = errors.New("diskcache: not found")

	// ErrBadArgument means an empty key, empty value on save, or a
	// missing file name in ModeFile.
	ErrBadArgument = errors.New("diskcache: bad argument")

	// ErrUnavailable means the manifest database is in a degraded state:
	// either permanently (8+ open failures) or still within its backoff
	// window (fewer than 2s since the last failure).
	ErrUnavailable = errors.New("diskcache: manifest unavailable")

	// ErrIOFailure means a Blob File write/read/delete failed.
	ErrIOFailure = errors.New("diskcache: io failure")

	// ErrIndexFailure means a manifest prepare/step returned a
	// non-success code.
	ErrIndexFailure = errors.New("diskcache: index failure")

	// ErrIntegrityLoss means a row named a Blob File that could not be
	// read; the engine has already deleted the row by the time this is
	// logged. No engine method returns it.
	ErrIntegrityLoss = errors.New("diskcache: integrity loss")

	// ErrResetFailure means RemoveAll could not reset the manifest or
	// reopen it afterwards.
	ErrResetFailure = errors.New("diskcache: reset failure")

	// ErrPathTooLong means the cache root's byte length exceeds
	// PathMax-64, leaving no room for nested manifest/data/trash names.
	ErrPathTooLong = errors.New("diskcache: cache root path too long")
)

// PathMax is the path length budget this module assumes. The cache root
// must leave at least 64 bytes of headroom under it for nested file names
// (manifest.sqlite-wal, data/<fileName>, trash/<uuid>/...).
const PathMax = 4096
