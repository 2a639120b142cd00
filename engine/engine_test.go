package engine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/diskcache"
	"github.com/wolfeidau/diskcache/filestore"
	"github.com/wolfeidau/diskcache/metadb"
)

type testCache struct {
	files *filestore.Store
	idx   *metadb.DB
	now   time.Time
	eng   *Engine
}

func newTestCache(t *testing.T, mode diskcache.Mode) *testCache {
	t.Helper()
	root := filepath.Join(t.TempDir(), "cache")

	tc := &testCache{now: time.Unix(1000, 0)}

	files, err := filestore.Open(root)
	require.NoError(t, err)
	t.Cleanup(files.Close)
	tc.files = files

	idx, err := metadb.Open(root, files, metadb.WithNow(func() time.Time { return tc.now }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	tc.idx = idx

	tc.eng = New(mode, idx, files, WithReopen(func() (Index, error) {
		return idx, nil
	}))
	return tc
}

func (tc *testCache) advance(d time.Duration) { tc.now = tc.now.Add(d) }

// S1
func TestScenarioMixInlineSave(t *testing.T) {
	tc := newTestCache(t, diskcache.ModeMix)

	require.NoError(t, tc.eng.Save("a", []byte{0x01, 0x02, 0x03}, "", nil))

	e, ok := tc.eng.Item("a")
	require.True(t, ok)
	require.Equal(t, []byte{0x01, 0x02, 0x03}, e.Value)
	require.Empty(t, e.ExtendedData)

	n, ok := tc.eng.ItemsCount()
	require.True(t, ok)
	require.Equal(t, int64(1), n)

	sz, ok := tc.eng.ItemsSize()
	require.True(t, ok)
	require.Equal(t, int64(3), sz)
}

// S2
func TestScenarioMixFileSave(t *testing.T) {
	tc := newTestCache(t, diskcache.ModeMix)

	value := make([]byte, 30000)
	for i := range value {
		value[i] = 0xAA
	}
	require.NoError(t, tc.eng.Save("a", value, "file-a", []byte{0xEE, 0xEF}))

	data, ok := tc.files.Read("file-a")
	require.True(t, ok)
	require.Len(t, data, 30000)

	info, ok := tc.eng.ItemInfo("a")
	require.True(t, ok)
	require.Equal(t, "file-a", info.FileName)
	require.Equal(t, int64(30000), info.Size)

	e, ok := tc.eng.Item("a")
	require.True(t, ok)
	require.Equal(t, value, e.Value)
	require.Equal(t, []byte{0xEE, 0xEF}, e.ExtendedData)
}

// S3
func TestScenarioRemoveToFitCount(t *testing.T) {
	tc := newTestCache(t, diskcache.ModeSQL)

	tc.now = time.Unix(100, 0)
	require.NoError(t, tc.eng.Save("x", []byte{0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01}, "", nil))

	tc.now = time.Unix(200, 0)
	require.NoError(t, tc.eng.Save("y", make([]byte, 20), "", nil))

	require.NoError(t, tc.eng.RemoveToFitCount(1))

	require.False(t, tc.eng.ItemExists("x"))
	require.True(t, tc.eng.ItemExists("y"))

	n, ok := tc.eng.ItemsCount()
	require.True(t, ok)
	require.Equal(t, int64(1), n)
}

// S4
func TestScenarioSQLModeIgnoresFileName(t *testing.T) {
	tc := newTestCache(t, diskcache.ModeSQL)

	require.NoError(t, tc.eng.Save("k", []byte{0x42, 0x42, 0x42, 0x42, 0x42}, "ignored", nil))

	_, ok := tc.files.Read("ignored")
	require.False(t, ok)

	e, ok := tc.eng.Item("k")
	require.True(t, ok)
	require.Empty(t, e.FileName)
	require.Equal(t, []byte{0x42, 0x42, 0x42, 0x42, 0x42}, e.Value)
}

// S5 / P7
func TestScenarioExternalFileDeletionRepairsRow(t *testing.T) {
	tc := newTestCache(t, diskcache.ModeFile)

	require.NoError(t, tc.eng.Save("k", []byte("hello"), "f", nil))
	require.True(t, tc.files.Delete("f"))

	_, ok := tc.eng.Item("k")
	require.False(t, ok)
	require.False(t, tc.eng.ItemExists("k"))
}

// S6
func TestScenarioRemoveAllThenReuse(t *testing.T) {
	tc := newTestCache(t, diskcache.ModeMix)

	require.NoError(t, tc.eng.Save("k", []byte("v"), "", nil))
	require.NoError(t, tc.eng.RemoveAll())

	n, ok := tc.eng.ItemsCount()
	require.True(t, ok)
	require.Equal(t, int64(0), n)
	require.False(t, tc.eng.ItemExists("k"))

	require.NoError(t, tc.eng.Save("k", []byte("v"), "", nil))
	require.True(t, tc.eng.ItemExists("k"))
}

// P2
func TestInsertOrReplaceDeletesOldBlobFile(t *testing.T) {
	tc := newTestCache(t, diskcache.ModeMix)

	require.NoError(t, tc.eng.Save("k", []byte("v1"), "f1", nil))
	require.NoError(t, tc.eng.Save("k", []byte("v2"), "f2", nil))

	_, ok := tc.files.Read("f1")
	require.False(t, ok, "old blob file should be deleted on replace")

	e, ok := tc.eng.Item("k")
	require.True(t, ok)
	require.Equal(t, []byte("v2"), e.Value)
	require.Equal(t, "f2", e.FileName)

	n, ok := tc.eng.ItemsCount()
	require.True(t, ok)
	require.Equal(t, int64(1), n)
}

// P2, inline-over-file replace path
func TestInsertOrReplaceFileThenInlineDeletesOldBlobFile(t *testing.T) {
	tc := newTestCache(t, diskcache.ModeMix)

	require.NoError(t, tc.eng.Save("k", []byte("v1"), "f1", nil))
	require.NoError(t, tc.eng.Save("k", []byte("v2"), "", nil))

	_, ok := tc.files.Read("f1")
	require.False(t, ok)

	e, ok := tc.eng.Item("k")
	require.True(t, ok)
	require.Equal(t, []byte("v2"), e.Value)
	require.Empty(t, e.FileName)
}

// P3, P4
func TestAccessTimeMonotonicityAndInfoNonMutating(t *testing.T) {
	tc := newTestCache(t, diskcache.ModeSQL)
	tc.now = time.Unix(1000, 0)

	require.NoError(t, tc.eng.Save("k", []byte("v"), "", nil))

	info, ok := tc.eng.ItemInfo("k")
	require.True(t, ok)
	require.Equal(t, int64(1000), info.AccessTime)

	tc.advance(5 * time.Second)
	e, ok := tc.eng.Item("k")
	require.True(t, ok)
	require.Equal(t, int64(1005), e.AccessTime)

	// itemInfo never mutates access time.
	infoAgain, ok := tc.eng.ItemInfo("k")
	require.True(t, ok)
	require.Equal(t, int64(1005), infoAgain.AccessTime)
}

// P6
func TestSizeAccounting(t *testing.T) {
	tc := newTestCache(t, diskcache.ModeSQL)

	require.NoError(t, tc.eng.Save("a", make([]byte, 10), "", nil))
	require.NoError(t, tc.eng.Save("b", make([]byte, 20), "", nil))

	sz, ok := tc.eng.ItemsSize()
	require.True(t, ok)
	require.Equal(t, int64(30), sz)

	n, ok := tc.eng.ItemsCount()
	require.True(t, ok)
	require.Equal(t, int64(2), n)

	require.NoError(t, tc.eng.Remove("a"))

	sz, ok = tc.eng.ItemsSize()
	require.True(t, ok)
	require.Equal(t, int64(20), sz)
}

// P9
func TestModeSafety(t *testing.T) {
	sqlCache := newTestCache(t, diskcache.ModeSQL)
	require.NoError(t, sqlCache.eng.Save("k", []byte("v"), "ignored", nil))
	_, ok := sqlCache.files.Read("ignored")
	require.False(t, ok)

	fileCache := newTestCache(t, diskcache.ModeFile)
	err := fileCache.eng.Save("k", []byte("v"), "", nil)
	require.ErrorIs(t, err, diskcache.ErrBadArgument)
}

func TestSaveRejectsEmptyKeyOrValue(t *testing.T) {
	tc := newTestCache(t, diskcache.ModeSQL)

	require.ErrorIs(t, tc.eng.Save("", []byte("v"), "", nil), diskcache.ErrBadArgument)
	require.ErrorIs(t, tc.eng.Save("k", nil, "", nil), diskcache.ErrBadArgument)
}

func TestRemoveAllWithProgressReportsTrueSuccess(t *testing.T) {
	tc := newTestCache(t, diskcache.ModeMix)

	for i := 0; i < 5; i++ {
		require.NoError(t, tc.eng.Save(string(rune('a'+i)), []byte("v"), "", nil))
	}

	var completed bool
	var sawSuccess bool
	tc.eng.RemoveAllWithProgress(func(removed, total int64) {
		require.LessOrEqual(t, removed, total)
	}, func(success bool) {
		completed = true
		sawSuccess = success
	})

	require.True(t, completed)
	require.True(t, sawSuccess)

	n, ok := tc.eng.ItemsCount()
	require.True(t, ok)
	require.Equal(t, int64(0), n)
}

func TestRemoveEarlierThanSentinels(t *testing.T) {
	tc := newTestCache(t, diskcache.ModeSQL)
	require.NoError(t, tc.eng.Save("k", []byte("v"), "", nil))

	// time <= 0 is a no-op.
	require.NoError(t, tc.eng.RemoveEarlierThan(0))
	require.True(t, tc.eng.ItemExists("k"))

	// time == MaxInt64 delegates to RemoveAll.
	require.NoError(t, tc.eng.RemoveEarlierThan(maxInt64))
	require.False(t, tc.eng.ItemExists("k"))
}

func TestRemoveLargerThanSizeSentinels(t *testing.T) {
	tc := newTestCache(t, diskcache.ModeSQL)
	require.NoError(t, tc.eng.Save("k", []byte("v"), "", nil))

	// bound == MaxInt64 is a no-op.
	require.NoError(t, tc.eng.RemoveLargerThanSize(maxInt64))
	require.True(t, tc.eng.ItemExists("k"))

	// bound <= 0 delegates to RemoveAll.
	require.NoError(t, tc.eng.RemoveLargerThanSize(0))
	require.False(t, tc.eng.ItemExists("k"))
}

// unavailableIndex wraps a real Index but forces Available() to report
// false, so tests can assert on the ErrUnavailable branch without needing
// to simulate a real SQLite open failure.
type unavailableIndex struct {
	Index
}

func (unavailableIndex) Available() bool { return false }

func TestErrorReturningOpsReportUnavailableDistinctlyFromIndexFailure(t *testing.T) {
	tc := newTestCache(t, diskcache.ModeMix)
	require.NoError(t, tc.eng.Save("k", []byte("v"), "", nil))

	tc.eng.index = unavailableIndex{tc.idx}

	require.ErrorIs(t, tc.eng.Save("k2", []byte("v"), "", nil), diskcache.ErrUnavailable)
	require.ErrorIs(t, tc.eng.Remove("k"), diskcache.ErrUnavailable)
	require.ErrorIs(t, tc.eng.RemoveMany([]string{"k"}), diskcache.ErrUnavailable)
	require.ErrorIs(t, tc.eng.RemoveLargerThanSize(1), diskcache.ErrUnavailable)
	require.ErrorIs(t, tc.eng.RemoveEarlierThan(1), diskcache.ErrUnavailable)
	require.ErrorIs(t, tc.eng.RemoveToFitCount(1), diskcache.ErrUnavailable)
}

func TestBulkItemsDropsDeadFilesFromResultAndIndex(t *testing.T) {
	tc := newTestCache(t, diskcache.ModeFile)

	require.NoError(t, tc.eng.Save("a", []byte("va"), "fa", nil))
	require.NoError(t, tc.eng.Save("b", []byte("vb"), "fb", nil))
	require.True(t, tc.files.Delete("fb"))

	entries, ok := tc.eng.Items([]string{"a", "b"})
	require.True(t, ok)
	require.Len(t, entries, 1)
	require.Equal(t, "a", entries[0].Key)

	require.False(t, tc.eng.ItemExists("b"))
}
