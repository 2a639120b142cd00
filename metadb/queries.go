package metadb

import (
	"database/sql"
	"strings"

	"github.com/wolfeidau/diskcache"
)

// SizeInfo is the narrow projection GetItemSizeInfoOrderByTimeAsc returns:
// just enough to drive eviction (which Blob File to delete, how much size
// to subtract) without paying for inline_data or extended_data.
type SizeInfo struct {
	Key      string
	FileName string
	Size     int64
}

const (
	sqlSave = `
INSERT INTO manifest (key, filename, size, inline_data, modification_time, last_access_time, extended_data)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	filename = excluded.filename,
	size = excluded.size,
	inline_data = excluded.inline_data,
	modification_time = excluded.modification_time,
	last_access_time = excluded.last_access_time,
	extended_data = excluded.extended_data`

	sqlUpdateAccessTime  = `UPDATE manifest SET last_access_time = ? WHERE key = ?`
	sqlDelete            = `DELETE FROM manifest WHERE key = ?`
	sqlDeleteLargerThan  = `DELETE FROM manifest WHERE size > ?`
	sqlDeleteEarlierThan = `DELETE FROM manifest WHERE last_access_time < ?`

	sqlGetItemFull     = `SELECT key, filename, size, inline_data, modification_time, last_access_time, extended_data FROM manifest WHERE key = ?`
	sqlGetItemNoInline = `SELECT key, filename, size, modification_time, last_access_time, extended_data FROM manifest WHERE key = ?`
	sqlGetValue        = `SELECT inline_data FROM manifest WHERE key = ?`
	sqlGetFileName     = `SELECT filename FROM manifest WHERE key = ?`

	sqlGetFileNamesLargerThan  = `SELECT filename FROM manifest WHERE size > ? AND filename != ''`
	sqlGetFileNamesEarlierThan = `SELECT filename FROM manifest WHERE last_access_time < ? AND filename != ''`

	sqlGetItemSizeInfoOrderByTimeAsc = `SELECT key, filename, size FROM manifest ORDER BY last_access_time ASC LIMIT ?`

	sqlGetItemCount   = `SELECT COUNT(1) FROM manifest WHERE key = ?`
	sqlTotalItemCount = `SELECT COUNT(1) FROM manifest`
	sqlTotalItemSize  = `SELECT COALESCE(SUM(size), 0) FROM manifest`
	sqlCheckpoint     = `PRAGMA wal_checkpoint(PASSIVE)`
)

// Save performs an INSERT OR REPLACE of a row: inline_data is value when
// fileName is empty, otherwise an empty blob. Both timestamps are set to
// now.
func (d *DB) Save(key string, value []byte, fileName string, extended []byte) bool {
	if err := d.check(); err != nil {
		return false
	}
	s, err := d.stmt(sqlSave)
	if err != nil {
		d.logger.Warn("metadb: prepare save failed", "error", err)
		return false
	}

	inline := value
	if fileName != "" {
		inline = []byte{}
	}

	now := diskcache.UnixSeconds(d.now())
	if _, err := s.Exec(key, fileName, int64(len(value)), inline, now, now, extended); err != nil {
		d.logger.Warn("metadb: save failed", "key", key, "error", err)
		return false
	}
	return true
}

// UpdateAccessTime sets last_access_time = now for key.
func (d *DB) UpdateAccessTime(key string) bool {
	if err := d.check(); err != nil {
		return false
	}
	s, err := d.stmt(sqlUpdateAccessTime)
	if err != nil {
		d.logger.Warn("metadb: prepare update access time failed", "error", err)
		return false
	}
	if _, err := s.Exec(diskcache.UnixSeconds(d.now()), key); err != nil {
		d.logger.Warn("metadb: update access time failed", "key", key, "error", err)
		return false
	}
	return true
}

// UpdateAccessTimeMany sets last_access_time = now for every key in keys.
// The SQL depends on the argument count, so it is prepared ad hoc and
// finalized before returning, never placed in the statement cache.
func (d *DB) UpdateAccessTimeMany(keys []string) bool {
	if len(keys) == 0 {
		return true
	}
	if err := d.check(); err != nil {
		return false
	}
	sqlText := `UPDATE manifest SET last_access_time = ? WHERE key IN (` + placeholders(len(keys)) + `)`
	s, err := d.sqlDB.Prepare(sqlText)
	if err != nil {
		d.logger.Warn("metadb: prepare update access time many failed", "error", err)
		return false
	}
	defer s.Close()

	args := make([]any, 0, len(keys)+1)
	args = append(args, diskcache.UnixSeconds(d.now()))
	for _, k := range keys {
		args = append(args, k)
	}
	if _, err := s.Exec(args...); err != nil {
		d.logger.Warn("metadb: update access time many failed", "error", err)
		return false
	}
	return true
}

// Delete removes the row for key.
func (d *DB) Delete(key string) bool {
	if err := d.check(); err != nil {
		return false
	}
	s, err := d.stmt(sqlDelete)
	if err != nil {
		d.logger.Warn("metadb: prepare delete failed", "error", err)
		return false
	}
	if _, err := s.Exec(key); err != nil {
		d.logger.Warn("metadb: delete failed", "key", key, "error", err)
		return false
	}
	return true
}

// DeleteMany removes the rows for every key in keys.
func (d *DB) DeleteMany(keys []string) bool {
	if len(keys) == 0 {
		return true
	}
	if err := d.check(); err != nil {
		return false
	}
	sqlText := `DELETE FROM manifest WHERE key IN (` + placeholders(len(keys)) + `)`
	s, err := d.sqlDB.Prepare(sqlText)
	if err != nil {
		d.logger.Warn("metadb: prepare delete many failed", "error", err)
		return false
	}
	defer s.Close()

	if _, err := s.Exec(stringArgs(keys)...); err != nil {
		d.logger.Warn("metadb: delete many failed", "error", err)
		return false
	}
	return true
}

// DeleteLargerThan removes rows whose size > bound.
func (d *DB) DeleteLargerThan(bound int64) bool {
	if err := d.check(); err != nil {
		return false
	}
	s, err := d.stmt(sqlDeleteLargerThan)
	if err != nil {
		d.logger.Warn("metadb: prepare delete larger than failed", "error", err)
		return false
	}
	if _, err := s.Exec(bound); err != nil {
		d.logger.Warn("metadb: delete larger than failed", "error", err)
		return false
	}
	return true
}

// DeleteEarlierThan removes rows whose last_access_time < t.
func (d *DB) DeleteEarlierThan(t int64) bool {
	if err := d.check(); err != nil {
		return false
	}
	s, err := d.stmt(sqlDeleteEarlierThan)
	if err != nil {
		d.logger.Warn("metadb: prepare delete earlier than failed", "error", err)
		return false
	}
	if _, err := s.Exec(t); err != nil {
		d.logger.Warn("metadb: delete earlier than failed", "error", err)
		return false
	}
	return true
}

// GetItem returns the full row for key. When excludeInline is true,
// inline_data is not projected (and the returned Entry's Value is nil even
// for an inline entry) — used by itemInfo, which must not pay for value
// bytes it will discard.
func (d *DB) GetItem(key string, excludeInline bool) (*diskcache.Entry, bool) {
	if err := d.check(); err != nil {
		return nil, false
	}

	if excludeInline {
		s, err := d.stmt(sqlGetItemNoInline)
		if err != nil {
			d.logger.Warn("metadb: prepare get item failed", "error", err)
			return nil, false
		}
		row := s.QueryRow(key)
		e := &diskcache.Entry{}
		if err := row.Scan(&e.Key, &e.FileName, &e.Size, &e.ModTime, &e.AccessTime, &e.ExtendedData); err != nil {
			if err != sql.ErrNoRows {
				d.logger.Warn("metadb: get item failed", "key", key, "error", err)
			}
			return nil, false
		}
		return e, true
	}

	s, err := d.stmt(sqlGetItemFull)
	if err != nil {
		d.logger.Warn("metadb: prepare get item failed", "error", err)
		return nil, false
	}
	row := s.QueryRow(key)
	e := &diskcache.Entry{}
	if err := row.Scan(&e.Key, &e.FileName, &e.Size, &e.Value, &e.ModTime, &e.AccessTime, &e.ExtendedData); err != nil {
		if err != sql.ErrNoRows {
			d.logger.Warn("metadb: get item failed", "key", key, "error", err)
		}
		return nil, false
	}
	return e, true
}

// GetItems is the bulk form of GetItem. It returns an empty, ok=true slice
// when no keys match, and ok=false only on a query error.
func (d *DB) GetItems(keys []string, excludeInline bool) ([]*diskcache.Entry, bool) {
	if len(keys) == 0 {
		return nil, true
	}
	if err := d.check(); err != nil {
		return nil, false
	}

	var sqlText string
	if excludeInline {
		sqlText = `SELECT key, filename, size, modification_time, last_access_time, extended_data FROM manifest WHERE key IN (` + placeholders(len(keys)) + `)`
	} else {
		sqlText = `SELECT key, filename, size, inline_data, modification_time, last_access_time, extended_data FROM manifest WHERE key IN (` + placeholders(len(keys)) + `)`
	}
	s, err := d.sqlDB.Prepare(sqlText)
	if err != nil {
		d.logger.Warn("metadb: prepare get items failed", "error", err)
		return nil, false
	}
	defer s.Close()

	rows, err := s.Query(stringArgs(keys)...)
	if err != nil {
		d.logger.Warn("metadb: get items failed", "error", err)
		return nil, false
	}
	defer rows.Close()

	var out []*diskcache.Entry
	for rows.Next() {
		e := &diskcache.Entry{}
		var scanErr error
		if excludeInline {
			scanErr = rows.Scan(&e.Key, &e.FileName, &e.Size, &e.ModTime, &e.AccessTime, &e.ExtendedData)
		} else {
			scanErr = rows.Scan(&e.Key, &e.FileName, &e.Size, &e.Value, &e.ModTime, &e.AccessTime, &e.ExtendedData)
		}
		if scanErr != nil {
			d.logger.Warn("metadb: scanning item failed", "error", scanErr)
			return nil, false
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		d.logger.Warn("metadb: iterating items failed", "error", err)
		return nil, false
	}
	return out, true
}

// GetValue returns only inline_data for key.
func (d *DB) GetValue(key string) ([]byte, bool) {
	if err := d.check(); err != nil {
		return nil, false
	}
	s, err := d.stmt(sqlGetValue)
	if err != nil {
		d.logger.Warn("metadb: prepare get value failed", "error", err)
		return nil, false
	}
	var value []byte
	if err := s.QueryRow(key).Scan(&value); err != nil {
		if err != sql.ErrNoRows {
			d.logger.Warn("metadb: get value failed", "key", key, "error", err)
		}
		return nil, false
	}
	return value, true
}

// GetFileName returns the filename column for key.
func (d *DB) GetFileName(key string) (string, bool) {
	if err := d.check(); err != nil {
		return "", false
	}
	s, err := d.stmt(sqlGetFileName)
	if err != nil {
		d.logger.Warn("metadb: prepare get filename failed", "error", err)
		return "", false
	}
	var fileName string
	if err := s.QueryRow(key).Scan(&fileName); err != nil {
		if err != sql.ErrNoRows {
			d.logger.Warn("metadb: get filename failed", "key", key, "error", err)
		}
		return "", false
	}
	return fileName, true
}

// GetFileNames is the bulk form of GetFileName, keyed by the original key.
func (d *DB) GetFileNames(keys []string) (map[string]string, bool) {
	out := make(map[string]string)
	if len(keys) == 0 {
		return out, true
	}
	if err := d.check(); err != nil {
		return nil, false
	}
	sqlText := `SELECT key, filename FROM manifest WHERE key IN (` + placeholders(len(keys)) + `)`
	s, err := d.sqlDB.Prepare(sqlText)
	if err != nil {
		d.logger.Warn("metadb: prepare get filenames failed", "error", err)
		return nil, false
	}
	defer s.Close()

	rows, err := s.Query(stringArgs(keys)...)
	if err != nil {
		d.logger.Warn("metadb: get filenames failed", "error", err)
		return nil, false
	}
	defer rows.Close()

	for rows.Next() {
		var key, fileName string
		if err := rows.Scan(&key, &fileName); err != nil {
			d.logger.Warn("metadb: scanning filename failed", "error", err)
			return nil, false
		}
		out[key] = fileName
	}
	if err := rows.Err(); err != nil {
		d.logger.Warn("metadb: iterating filenames failed", "error", err)
		return nil, false
	}
	return out, true
}

// GetFileNamesLargerThan returns the (non-empty) file names of rows whose
// size > bound. Used to locate Blob Files to delete before DeleteLargerThan.
func (d *DB) GetFileNamesLargerThan(bound int64) ([]string, bool) {
	return d.queryFileNames(sqlGetFileNamesLargerThan, bound)
}

// GetFileNamesEarlierThan returns the (non-empty) file names of rows whose
// last_access_time < t. Used to locate Blob Files to delete before
// DeleteEarlierThan.
func (d *DB) GetFileNamesEarlierThan(t int64) ([]string, bool) {
	return d.queryFileNames(sqlGetFileNamesEarlierThan, t)
}

func (d *DB) queryFileNames(sqlText string, arg int64) ([]string, bool) {
	if err := d.check(); err != nil {
		return nil, false
	}
	s, err := d.stmt(sqlText)
	if err != nil {
		d.logger.Warn("metadb: prepare query file names failed", "error", err)
		return nil, false
	}
	rows, err := s.Query(arg)
	if err != nil {
		d.logger.Warn("metadb: query file names failed", "error", err)
		return nil, false
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var fileName string
		if err := rows.Scan(&fileName); err != nil {
			d.logger.Warn("metadb: scanning file name failed", "error", err)
			return nil, false
		}
		out = append(out, fileName)
	}
	if err := rows.Err(); err != nil {
		d.logger.Warn("metadb: iterating file names failed", "error", err)
		return nil, false
	}
	return out, true
}

// GetItemSizeInfoOrderByTimeAsc is the LRU eviction cursor: up to limit
// rows projected to (key, fileName, size), ordered by last_access_time
// ascending.
func (d *DB) GetItemSizeInfoOrderByTimeAsc(limit int) ([]SizeInfo, bool) {
	if err := d.check(); err != nil {
		return nil, false
	}
	s, err := d.stmt(sqlGetItemSizeInfoOrderByTimeAsc)
	if err != nil {
		d.logger.Warn("metadb: prepare size info failed", "error", err)
		return nil, false
	}
	rows, err := s.Query(limit)
	if err != nil {
		d.logger.Warn("metadb: size info query failed", "error", err)
		return nil, false
	}
	defer rows.Close()

	var out []SizeInfo
	for rows.Next() {
		var si SizeInfo
		if err := rows.Scan(&si.Key, &si.FileName, &si.Size); err != nil {
			d.logger.Warn("metadb: scanning size info failed", "error", err)
			return nil, false
		}
		out = append(out, si)
	}
	if err := rows.Err(); err != nil {
		d.logger.Warn("metadb: iterating size info failed", "error", err)
		return nil, false
	}
	return out, true
}

// GetItemCount returns 1 if key exists, 0 otherwise.
func (d *DB) GetItemCount(key string) (int, bool) {
	if err := d.check(); err != nil {
		return 0, false
	}
	s, err := d.stmt(sqlGetItemCount)
	if err != nil {
		d.logger.Warn("metadb: prepare item count failed", "error", err)
		return 0, false
	}
	var n int
	if err := s.QueryRow(key).Scan(&n); err != nil {
		d.logger.Warn("metadb: item count failed", "key", key, "error", err)
		return 0, false
	}
	return n, true
}

// TotalItemCount returns the row count.
func (d *DB) TotalItemCount() (int64, bool) {
	if err := d.check(); err != nil {
		return 0, false
	}
	s, err := d.stmt(sqlTotalItemCount)
	if err != nil {
		d.logger.Warn("metadb: prepare total item count failed", "error", err)
		return 0, false
	}
	var n int64
	if err := s.QueryRow().Scan(&n); err != nil {
		d.logger.Warn("metadb: total item count failed", "error", err)
		return 0, false
	}
	return n, true
}

// TotalItemSize returns the sum of the size column across all rows,
// projected as a 64-bit integer (spec §9 calls out the source's 32-bit
// projection as something a reimplementation should fix).
func (d *DB) TotalItemSize() (int64, bool) {
	if err := d.check(); err != nil {
		return 0, false
	}
	s, err := d.stmt(sqlTotalItemSize)
	if err != nil {
		d.logger.Warn("metadb: prepare total item size failed", "error", err)
		return 0, false
	}
	var n int64
	if err := s.QueryRow().Scan(&n); err != nil {
		d.logger.Warn("metadb: total item size failed", "error", err)
		return 0, false
	}
	return n, true
}

// Checkpoint issues a passive WAL checkpoint.
func (d *DB) Checkpoint() bool {
	if err := d.check(); err != nil {
		return false
	}
	if _, err := d.sqlDB.Exec(sqlCheckpoint); err != nil {
		d.logger.Warn("metadb: checkpoint failed", "error", err)
		return false
	}
	return true
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(keys []string) []any {
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return args
}
