package runstate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestBuildMostRecentIndexFindsArtifacts(t *testing.T) {
	dir := t.TempDir()

	touch(t, filepath.Join(dir, "20260101", "enwiki", "enwiki-all-media-keep.gz"))
	touch(t, filepath.Join(dir, "20260105", "enwiki", "enwiki-all-media-keep.gz"))
	touch(t, filepath.Join(dir, "20260103", "enwiki", "enwiki_local_retrieved.gz"))

	idx, err := BuildMostRecentIndex(dir, "")
	require.NoError(t, err)

	date, ok := idx.MostRecentDate("enwiki", "all-media-keep.gz")
	require.True(t, ok)
	assert.Equal(t, "20260105", date)

	date, ok = idx.MostRecentDate("enwiki", "local_retrieved.gz")
	require.True(t, ok)
	assert.Equal(t, "20260103", date)
}

func TestBuildMostRecentIndexExcludesDate(t *testing.T) {
	dir := t.TempDir()

	touch(t, filepath.Join(dir, "20260101", "enwiki", "enwiki-all-media-keep.gz"))
	touch(t, filepath.Join(dir, "20260105", "enwiki", "enwiki-all-media-keep.gz"))

	idx, err := BuildMostRecentIndex(dir, "20260105")
	require.NoError(t, err)

	date, ok := idx.MostRecentDate("enwiki", "all-media-keep.gz")
	require.True(t, ok)
	assert.Equal(t, "20260101", date)
}

func TestBuildMostRecentIndexMissingDirIsEmpty(t *testing.T) {
	idx, err := BuildMostRecentIndex(filepath.Join(t.TempDir(), "does-not-exist"), "")
	require.NoError(t, err)

	_, ok := idx.MostRecentDate("enwiki", "all-media-keep.gz")
	assert.False(t, ok)
}

func TestMostRecentDateUnknownProject(t *testing.T) {
	idx, err := BuildMostRecentIndex(t.TempDir(), "")
	require.NoError(t, err)

	_, ok := idx.MostRecentDate("frwiki", "all-media-keep.gz")
	assert.False(t, ok)
}

func TestSelectModeForcedFull(t *testing.T) {
	idx, _ := BuildMostRecentIndex(t.TempDir(), "")
	assert.Equal(t, ModeFull, SelectMode(idx, "enwiki", true))
}

func TestSelectModeNoPriorKeepMeansFull(t *testing.T) {
	idx, _ := BuildMostRecentIndex(t.TempDir(), "")
	assert.Equal(t, ModeFull, SelectMode(idx, "enwiki", false))
}

func TestSelectModeWithPriorKeepMeansIncremental(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "20260101", "enwiki", "enwiki-all-media-keep.gz"))

	idx, err := BuildMostRecentIndex(dir, "")
	require.NoError(t, err)

	assert.Equal(t, ModeIncremental, SelectMode(idx, "enwiki", false))
}

func TestTodayFormatsUTCDate(t *testing.T) {
	ts := time.Date(2026, 7, 30, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "20260730", Today(ts))
}

func TestWorkingDirCreatesTree(t *testing.T) {
	root := t.TempDir()

	dir, err := WorkingDir(root, "20260730", "enwiki")
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, filepath.Join(root, "20260730", "enwiki"), dir)
}

func TestArtifactPathUsesGivenSeparator(t *testing.T) {
	path := ArtifactPath("/lists", "20260730", "enwiki", '-', "all-media-keep.gz")
	assert.Equal(t, "/lists/20260730/enwiki/enwiki-all-media-keep.gz", path)

	path = ArtifactPath("/lists", "20260730", "enwiki", '_', "local_retrieved.gz")
	assert.Equal(t, "/lists/20260730/enwiki/enwiki_local_retrieved.gz", path)
}
