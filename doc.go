// Package diskcache implements a persistent, on-disk key/value cache for
// binary payloads.
//
// Each entry is stored either inline in a SQLite manifest (for small values)
// or as an external file referenced by that manifest (for large values). The
// manifest is the single source of truth: a file on disk that nothing
// references is tolerated as garbage and collected by size/time eviction, but
// a manifest row that names a missing file is a repaired inconsistency, not
// a valid state.
//
// [engine.Engine] is the hybrid storage engine described by this package:
// it composes [metadb.DB] (the manifest) and [filestore.Store] (the blob
// files) behind a single [Mode]-dispatched API. [cache.Cache] is the thin
// façade on top — object serialization, an inline/file size threshold,
// per-instance locking, and a background trim loop — built to exercise the
// engine end to end, not to be the subject of this design.
package diskcache

import "time"

// Clock abstracts time.Now for deterministic tests. All timestamps stored by
// this module are whole seconds since the Unix epoch.
type Clock func() time.Time

// SystemClock is the default Clock, backed by time.Now.
func SystemClock() time.Time { return time.Now() }

// UnixSeconds truncates t to whole seconds since the Unix epoch, the
// resolution every persisted timestamp in this module uses.
func UnixSeconds(t time.Time) int64 { return t.Unix() }
