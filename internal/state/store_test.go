package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bilibili-notifier/internal/monitor"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, maxIDs int) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	s, err := Load(Options{Path: path, MaxIDs: maxIDs, Clock: fixedClock{now: testNow}})
	require.NoError(t, err)
	return s
}

func TestNewRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	assert.Error(t, err)
	_, err = Load(Options{Path: "  "})
	assert.Error(t, err)
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 0)
	assert.Equal(t, DefaultMaxIDs, s.MaxIDs())
	assert.False(t, s.HasBaseline(1, monitor.KindVideo))
	assert.Empty(t, s.Snapshot().Accounts)
}

func TestLoadCorruptFileIsEmpty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s, err := Load(Options{Path: path})
	require.NoError(t, err)
	assert.Empty(t, s.Snapshot().Accounts)

	// The store heals itself on the next save.
	s.Mark(7, monitor.KindVideo, "BV1", testNow)
	require.NoError(t, s.Save())
	reloaded, err := Load(Options{Path: path})
	require.NoError(t, err)
	assert.True(t, reloaded.IsKnown(7, monitor.KindVideo, "BV1"))
}

func TestLoadRejectsFutureVersion(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99, "accounts": {"1": {"video": {"ids": ["a"]}}}}`), 0o600))

	s, err := Load(Options{Path: path})
	require.NoError(t, err)
	assert.False(t, s.IsKnown(1, monitor.KindVideo, "a"))
}

func TestMarkIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 5)
	s.Mark(1, monitor.KindVideo, "v1", testNow)
	s.Mark(1, monitor.KindVideo, "v1", testNow)

	rec := s.Snapshot().Accounts["1"]["video"]
	require.NotNil(t, rec)
	assert.Equal(t, []string{"v1"}, rec.IDs)
	assert.True(t, s.IsKnown(1, monitor.KindVideo, "v1"))
	assert.False(t, s.IsKnown(1, monitor.KindArticle, "v1"))
	assert.False(t, s.IsKnown(2, monitor.KindVideo, "v1"))
}

func TestMarkEvictsOldestBeyondWindow(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 3)
	for i := 1; i <= 5; i++ {
		s.Mark(1, monitor.KindDynamic, fmt.Sprintf("d%d", i), testNow)
	}

	assert.Equal(t, []string{"d3", "d4", "d5"}, s.Snapshot().Accounts["1"]["dynamic"].IDs)
	assert.False(t, s.IsKnown(1, monitor.KindDynamic, "d1"))
	assert.True(t, s.IsKnown(1, monitor.KindDynamic, "d5"))
}

func TestSeedEstablishesBaselineWithoutIDs(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 0)
	s.Seed(3, monitor.KindArticle, nil, time.Time{})

	assert.True(t, s.HasBaseline(3, monitor.KindArticle))
	assert.False(t, s.HasBaseline(3, monitor.KindVideo))
	rec := s.Snapshot().Accounts["3"]["article"]
	require.NotNil(t, rec)
	assert.Empty(t, rec.IDs)
	assert.Equal(t, testNow, rec.UpdatedAt)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 10)
	s.Seed(1, monitor.KindVideo, []string{"v1", "v2"}, testNow)
	s.Mark(1, monitor.KindArticle, "cv9", testNow)
	s.Mark(42, monitor.KindDynamic, "900000000000000001", testNow)
	s.MarkDelivered(42, monitor.KindDynamic, "900000000000000002", "telegram")
	require.NoError(t, s.Save())

	reloaded, err := Load(Options{Path: s.Path(), MaxIDs: 10})
	require.NoError(t, err)
	assert.Equal(t, s.Snapshot(), reloaded.Snapshot())
	assert.True(t, reloaded.IsKnown(1, monitor.KindVideo, "v2"))
	assert.True(t, reloaded.IsKnown(42, monitor.KindDynamic, "900000000000000001"))
	assert.Equal(t, []string{"telegram"}, reloaded.Delivered(42, monitor.KindDynamic, "900000000000000002"))
}

func TestSaveLeavesOnlySnapshot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s, err := Load(Options{Path: path})
	require.NoError(t, err)
	s.Mark(1, monitor.KindVideo, "v1", testNow)
	require.NoError(t, s.Save())
	s.Mark(1, monitor.KindVideo, "v2", testNow)
	require.NoError(t, s.Save())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestLoadIgnoresUnknownFields(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	raw := `{
  "version": 1,
  "written_by": "future release",
  "accounts": {
    "10": {
      "video": {"ids": ["a", "b"], "updated_at": "2024-01-01T00:00:00Z", "checksum": "x"},
      "livestream": {"ids": ["z"]}
    }
  }
}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	s, err := Load(Options{Path: path})
	require.NoError(t, err)
	assert.True(t, s.IsKnown(10, monitor.KindVideo, "a"))
	assert.True(t, s.IsKnown(10, monitor.KindVideo, "b"))
	assert.Len(t, s.Snapshot().Accounts["10"], 1)
}

func TestLoadLegacySnapshot(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	raw := `{
  "123": {
    "动态": ["987654321098765432", "987654321098765433"],
    "视频": ["BV1xx411c7mD"],
    "专栏": [12345]
  }
}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	s, err := Load(Options{Path: path})
	require.NoError(t, err)
	assert.True(t, s.IsKnown(123, monitor.KindDynamic, "987654321098765433"))
	assert.True(t, s.IsKnown(123, monitor.KindVideo, "BV1xx411c7mD"))
	assert.True(t, s.IsKnown(123, monitor.KindArticle, "12345"))
	assert.True(t, s.HasBaseline(123, monitor.KindArticle))
}

func TestLoadTrimsToWindow(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	raw := `{"version":1,"accounts":{"1":{"video":{"ids":["a","b","c","d"]}}}}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	s, err := Load(Options{Path: path, MaxIDs: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, s.Snapshot().Accounts["1"]["video"].IDs)
	assert.False(t, s.IsKnown(1, monitor.KindVideo, "a"))
}

func TestMarkDeliveredClearedByMark(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 0)
	s.MarkDelivered(1, monitor.KindVideo, "v1", "email")
	s.MarkDelivered(1, monitor.KindVideo, "v1", "email")
	s.MarkDelivered(1, monitor.KindVideo, "v1", "telegram")
	assert.Equal(t, []string{"email", "telegram"}, s.Delivered(1, monitor.KindVideo, "v1"))

	s.Mark(1, monitor.KindVideo, "v1", testNow)
	assert.Empty(t, s.Delivered(1, monitor.KindVideo, "v1"))
	assert.Nil(t, s.Snapshot().Accounts["1"]["video"].Partial)

	s.MarkDelivered(1, monitor.KindVideo, "v1", "serverchan")
	assert.Empty(t, s.Delivered(1, monitor.KindVideo, "v1"), "known items never gain partial entries")
}

func TestPartialEntriesAreBounded(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 2)
	s.MarkDelivered(1, monitor.KindVideo, "a", "email")
	s.MarkDelivered(1, monitor.KindVideo, "b", "email")
	s.MarkDelivered(1, monitor.KindVideo, "c", "email")

	assert.Empty(t, s.Delivered(1, monitor.KindVideo, "a"))
	assert.Len(t, s.Snapshot().Accounts["1"]["video"].Partial, 2)
}

func TestConcurrentMarkAndSave(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, 1000)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s.Mark(int64(worker%2), monitor.KindVideo, fmt.Sprintf("v%d", i), testNow)
				if i%10 == 0 {
					assert.NoError(t, s.Save())
				}
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, s.Save())

	reloaded, err := Load(Options{Path: s.Path(), MaxIDs: 1000})
	require.NoError(t, err)
	for mid := int64(0); mid < 2; mid++ {
		assert.Len(t, reloaded.Snapshot().Accounts[fmt.Sprint(mid)]["video"].IDs, 50)
	}
}
