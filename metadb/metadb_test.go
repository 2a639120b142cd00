package metadb

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTrash is a Trash that records calls instead of touching a real
// filestore.Store, keeping these tests from depending on package filestore.
type fakeTrash struct {
	moved    int
	emptied  int
	failMove bool
}

func (f *fakeTrash) MoveAllToTrash() bool {
	f.moved++
	return !f.failMove
}

func (f *fakeTrash) EmptyTrashAsync() { f.emptied++ }

func newTestDB(t *testing.T, opts ...Option) (*DB, string, *fakeTrash) {
	t.Helper()
	root := t.TempDir()
	trash := &fakeTrash{}
	d, err := Open(root, trash, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, root, trash
}

func TestOpenCreatesManifestFile(t *testing.T) {
	_, root, _ := newTestDB(t)

	_, err := os.Stat(filepath.Join(root, manifestFileName))
	require.NoError(t, err)
}

func TestSaveAndGetItemInlineRoundTrip(t *testing.T) {
	d, _, _ := newTestDB(t)

	require.True(t, d.Save("k", []byte("hello"), "", []byte("ext")))

	e, ok := d.GetItem("k", false)
	require.True(t, ok)
	require.Equal(t, "k", e.Key)
	require.Equal(t, []byte("hello"), e.Value)
	require.Empty(t, e.FileName)
	require.Equal(t, int64(5), e.Size)
	require.Equal(t, []byte("ext"), e.ExtendedData)
}

func TestSaveFileBackedStoresEmptyInlineBlob(t *testing.T) {
	d, _, _ := newTestDB(t)

	require.True(t, d.Save("k", []byte("hello"), "blob-1", nil))

	e, ok := d.GetItem("k", false)
	require.True(t, ok)
	require.Equal(t, "blob-1", e.FileName)
	require.Equal(t, int64(5), e.Size)
	require.Empty(t, e.Value)
}

func TestGetItemExcludeInlineOmitsValue(t *testing.T) {
	d, _, _ := newTestDB(t)
	require.True(t, d.Save("k", []byte("hello"), "", nil))

	e, ok := d.GetItem("k", true)
	require.True(t, ok)
	require.Nil(t, e.Value)
	require.Equal(t, int64(5), e.Size)
}

func TestGetItemMissingIsAbsent(t *testing.T) {
	d, _, _ := newTestDB(t)
	_, ok := d.GetItem("missing", false)
	require.False(t, ok)
}

func TestInsertOrReplace(t *testing.T) {
	d, _, _ := newTestDB(t)

	require.True(t, d.Save("k", []byte("v1"), "", nil))
	require.True(t, d.Save("k", []byte("v2"), "", nil))

	e, ok := d.GetItem("k", false)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), e.Value)

	n, ok := d.TotalItemCount()
	require.True(t, ok)
	require.Equal(t, int64(1), n)
}

func TestUpdateAccessTime(t *testing.T) {
	now := time.Unix(1000, 0)
	d, _, _ := newTestDB(t, WithNow(func() time.Time { return now }))

	require.True(t, d.Save("k", []byte("v"), "", nil))
	now = now.Add(10 * time.Second)
	require.True(t, d.UpdateAccessTime("k"))

	e, ok := d.GetItem("k", true)
	require.True(t, ok)
	require.Equal(t, int64(1010), e.AccessTime)
	require.Equal(t, int64(1000), e.ModTime)
}

func TestUpdateAccessTimeManyAndGetItemsBulk(t *testing.T) {
	now := time.Unix(1000, 0)
	d, _, _ := newTestDB(t, WithNow(func() time.Time { return now }))

	require.True(t, d.Save("a", []byte("1"), "", nil))
	require.True(t, d.Save("b", []byte("2"), "", nil))

	now = now.Add(time.Minute)
	require.True(t, d.UpdateAccessTimeMany([]string{"a", "b", "missing"}))

	items, ok := d.GetItems([]string{"a", "b"}, false)
	require.True(t, ok)
	require.Len(t, items, 2)
	for _, e := range items {
		require.Equal(t, int64(1060), e.AccessTime)
	}
}

func TestGetItemsEmptyKeysReturnsEmptyOK(t *testing.T) {
	d, _, _ := newTestDB(t)
	items, ok := d.GetItems(nil, false)
	require.True(t, ok)
	require.Empty(t, items)
}

func TestDeleteAndDeleteMany(t *testing.T) {
	d, _, _ := newTestDB(t)
	require.True(t, d.Save("a", []byte("1"), "", nil))
	require.True(t, d.Save("b", []byte("2"), "", nil))
	require.True(t, d.Save("c", []byte("3"), "", nil))

	require.True(t, d.Delete("a"))
	_, ok := d.GetItem("a", false)
	require.False(t, ok)

	require.True(t, d.DeleteMany([]string{"b", "c"}))
	n, ok := d.TotalItemCount()
	require.True(t, ok)
	require.Equal(t, int64(0), n)
}

func TestDeleteLargerThanAndEarlierThan(t *testing.T) {
	now := time.Unix(1000, 0)
	d, _, _ := newTestDB(t, WithNow(func() time.Time { return now }))

	require.True(t, d.Save("small", make([]byte, 5), "", nil))
	now = now.Add(time.Minute)
	require.True(t, d.Save("big", make([]byte, 5000), "", nil))

	require.True(t, d.DeleteLargerThan(100))
	_, ok := d.GetItem("big", false)
	require.False(t, ok)
	_, ok = d.GetItem("small", false)
	require.True(t, ok)

	now = now.Add(time.Hour)
	require.True(t, d.Save("fresh", []byte("v"), "", nil))

	require.True(t, d.DeleteEarlierThan(int64(1000) + 30))
	_, ok = d.GetItem("small", false)
	require.False(t, ok)
	_, ok = d.GetItem("fresh", false)
	require.True(t, ok)
}

func TestGetFileNameAndFileNames(t *testing.T) {
	d, _, _ := newTestDB(t)
	require.True(t, d.Save("a", []byte("1"), "file-a", nil))
	require.True(t, d.Save("b", []byte("2"), "", nil))

	fn, ok := d.GetFileName("a")
	require.True(t, ok)
	require.Equal(t, "file-a", fn)

	names, ok := d.GetFileNames([]string{"a", "b", "missing"})
	require.True(t, ok)
	require.Equal(t, "file-a", names["a"])
	require.Equal(t, "", names["b"])
	_, present := names["missing"]
	require.False(t, present)
}

func TestGetFileNamesLargerAndEarlierThan(t *testing.T) {
	now := time.Unix(1000, 0)
	d, _, _ := newTestDB(t, WithNow(func() time.Time { return now }))

	require.True(t, d.Save("a", make([]byte, 5000), "file-a", nil))
	require.True(t, d.Save("b", make([]byte, 5), "", nil))

	names, ok := d.GetFileNamesLargerThan(100)
	require.True(t, ok)
	require.Equal(t, []string{"file-a"}, names)

	now = now.Add(time.Hour)
	require.True(t, d.Save("c", []byte("v"), "file-c", nil))

	names, ok = d.GetFileNamesEarlierThan(now.Unix())
	require.True(t, ok)
	require.ElementsMatch(t, []string{"file-a"}, names)
}

func TestGetItemSizeInfoOrderByTimeAsc(t *testing.T) {
	now := time.Unix(1000, 0)
	d, _, _ := newTestDB(t, WithNow(func() time.Time { return now }))

	require.True(t, d.Save("old", []byte("1"), "", nil))
	now = now.Add(time.Minute)
	require.True(t, d.Save("mid", []byte("22"), "", nil))
	now = now.Add(time.Minute)
	require.True(t, d.Save("new", []byte("333"), "", nil))

	infos, ok := d.GetItemSizeInfoOrderByTimeAsc(2)
	require.True(t, ok)
	require.Len(t, infos, 2)
	require.Equal(t, "old", infos[0].Key)
	require.Equal(t, "mid", infos[1].Key)
}

func TestGetValueAndGetItemCount(t *testing.T) {
	d, _, _ := newTestDB(t)

	n, ok := d.GetItemCount("k")
	require.True(t, ok)
	require.Equal(t, 0, n)

	require.True(t, d.Save("k", []byte("v"), "", nil))

	n, ok = d.GetItemCount("k")
	require.True(t, ok)
	require.Equal(t, 1, n)

	value, ok := d.GetValue("k")
	require.True(t, ok)
	require.Equal(t, []byte("v"), value)
}

func TestTotalItemCountAndSize(t *testing.T) {
	d, _, _ := newTestDB(t)

	require.True(t, d.Save("a", make([]byte, 10), "", nil))
	require.True(t, d.Save("b", make([]byte, 20), "", nil))

	n, ok := d.TotalItemCount()
	require.True(t, ok)
	require.Equal(t, int64(2), n)

	sz, ok := d.TotalItemSize()
	require.True(t, ok)
	require.Equal(t, int64(30), sz)
}

func TestCheckpointSucceeds(t *testing.T) {
	d, _, _ := newTestDB(t)
	require.True(t, d.Save("k", []byte("v"), "", nil))
	require.True(t, d.Checkpoint())
}

// P10-adjacent: directly exercises the capped-backoff state machine
// described in spec §4.2 without waiting on real filesystem failures.
func TestCheckDegradedBackoff(t *testing.T) {
	now := time.Unix(1000, 0)
	d, _, _ := newTestDB(t, WithNow(func() time.Time { return now }))

	d.open = false
	d.failures = 3
	d.lastFailure = now

	// Still inside the 2s backoff window: unavailable without reopening.
	require.ErrorIs(t, d.check(), ErrUnavailable)
	require.False(t, d.open)

	// Past the window: reopen is attempted and succeeds.
	now = now.Add(3 * time.Second)
	require.NoError(t, d.check())
	require.True(t, d.open)
	require.Equal(t, 0, d.failures)
}

func TestCheckPermanentlyDegradedAfterMaxFailures(t *testing.T) {
	now := time.Unix(1000, 0)
	d, _, _ := newTestDB(t, WithNow(func() time.Time { return now }))

	d.open = false
	d.failures = maxOpenFailures
	d.lastFailure = now.Add(-time.Hour)

	require.ErrorIs(t, d.check(), ErrUnavailable)
}

func TestQueriesFailWhenDegradedAndNotYetRetryable(t *testing.T) {
	now := time.Unix(1000, 0)
	d, _, _ := newTestDB(t, WithNow(func() time.Time { return now }))

	d.open = false
	d.failures = 1
	d.lastFailure = now

	require.False(t, d.Save("k", []byte("v"), "", nil))
	_, ok := d.GetItem("k", false)
	require.False(t, ok)
}

func TestResetDeletesManifestAndDelegatesToTrash(t *testing.T) {
	d, root, trash := newTestDB(t)
	require.True(t, d.Save("k", []byte("v"), "", nil))

	require.NoError(t, d.Reset())
	require.Equal(t, 1, trash.moved)
	require.Equal(t, 1, trash.emptied)

	_, err := os.Stat(filepath.Join(root, manifestFileName))
	require.NoError(t, err, "reset recreates the manifest file on reopen")

	n, ok := d.TotalItemCount()
	require.True(t, ok)
	require.Equal(t, int64(0), n)
}

func TestResetIdempotent(t *testing.T) {
	d, _, _ := newTestDB(t)
	require.True(t, d.Save("k", []byte("v"), "", nil))

	require.NoError(t, d.Reset())
	require.NoError(t, d.Reset())

	n, ok := d.TotalItemCount()
	require.True(t, ok)
	require.Equal(t, int64(0), n)

	require.True(t, d.Save("k2", []byte("v2"), "", nil))
	_, ok = d.GetItem("k2", false)
	require.True(t, ok)
}

func TestCloseThenReopenViaCheck(t *testing.T) {
	now := time.Unix(1000, 0)
	d, _, _ := newTestDB(t, WithNow(func() time.Time { return now }))
	require.True(t, d.Save("k", []byte("v"), "", nil))

	require.NoError(t, d.Close())
	require.False(t, d.open)

	// check() with no recorded failures treats the DB as eligible to
	// retry immediately (0 < maxOpenFailures, zero-value lastFailure is
	// far enough in the past).
	require.NoError(t, d.check())
	require.True(t, d.open)
}

func TestStatementCacheReusesPreparedStatement(t *testing.T) {
	d, _, _ := newTestDB(t)
	require.True(t, d.Save("a", []byte("1"), "", nil))

	s1, err := d.stmt(sqlGetValue)
	require.NoError(t, err)
	s2, err := d.stmt(sqlGetValue)
	require.NoError(t, err)
	require.Same(t, s1, s2)
}
