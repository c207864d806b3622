package reconcile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wikitools/mediasync/internal/gzline"
)

func writeArtifact(t *testing.T, path string, lines []string) {
	t.Helper()

	w, err := gzline.CreateWriter(path)
	require.NoError(t, err)

	for _, l := range lines {
		require.NoError(t, w.WriteLine(l))
	}

	require.NoError(t, w.Close())
}

func readArtifact(t *testing.T, path string) []string {
	t.Helper()

	r, err := gzline.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	var lines []string
	for {
		l, ok := r.Next()
		if !ok {
			break
		}
		lines = append(lines, l)
	}
	require.NoError(t, r.Err())

	return lines
}

// Scenario 1: full run, missing file.
func TestDiffFetchUploadedMissingLocally(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "local.gz")
	uploads := filepath.Join(dir, "uploads.gz")
	out := filepath.Join(dir, "toget.gz")

	writeArtifact(t, local, []string{"cat.jpg 20200101000000 /d"})
	writeArtifact(t, uploads, []string{"cat.jpg 20200101000000", "dog.png 20200202000000"})

	require.NoError(t, DiffFetchUploaded(local, uploads, out))

	assert.Equal(t, []string{"dog.png"}, readArtifact(t, out))
}

// Scenario 2: full run, stale file.
func TestDiffFetchUploadedStaleLocally(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "local.gz")
	uploads := filepath.Join(dir, "uploads.gz")
	out := filepath.Join(dir, "toget.gz")

	writeArtifact(t, local, []string{"cat.jpg 20200101000000 /d"})
	writeArtifact(t, uploads, []string{"cat.jpg 20200303000000"})

	require.NoError(t, DiffFetchUploaded(local, uploads, out))

	assert.Equal(t, []string{"cat.jpg"}, readArtifact(t, out))
}

// Scenario 3: full run, orphan file.
func TestDiffDeleteOrphan(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "keep.gz")
	local := filepath.Join(dir, "local.gz")
	out := filepath.Join(dir, "delete.gz")

	writeArtifact(t, keep, nil)
	writeArtifact(t, local, []string{"old.gif 20190101000000 /d"})

	require.NoError(t, DiffDelete(keep, local, out))

	assert.Equal(t, []string{"old.gif 20190101000000 /d"}, readArtifact(t, out))
}

func TestDiffFetchUploadedSkipsUpToDateLocal(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "local.gz")
	uploads := filepath.Join(dir, "uploads.gz")
	out := filepath.Join(dir, "toget.gz")

	writeArtifact(t, local, []string{"cat.jpg 20200303000000 /d"})
	writeArtifact(t, uploads, []string{"cat.jpg 20200101000000"})

	require.NoError(t, DiffFetchUploaded(local, uploads, out))

	assert.Empty(t, readArtifact(t, out))
}

func TestDiffFetchForeignMissingOnly(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "local.gz")
	foreign := filepath.Join(dir, "foreign.gz")
	out := filepath.Join(dir, "toget.gz")

	writeArtifact(t, local, []string{"a.jpg 1 /d"})
	writeArtifact(t, foreign, []string{"a.jpg", "b.jpg"})

	require.NoError(t, DiffFetchForeign(local, foreign, out))

	assert.Equal(t, []string{"b.jpg"}, readArtifact(t, out))
}

func TestMergeKeepUnion(t *testing.T) {
	dir := t.TempDir()
	uploads := filepath.Join(dir, "uploads.gz")
	foreign := filepath.Join(dir, "foreign.gz")
	out := filepath.Join(dir, "keep.gz")

	writeArtifact(t, uploads, []string{"a.jpg 1", "c.jpg 1"})
	writeArtifact(t, foreign, []string{"b.jpg", "c.jpg"})

	require.NoError(t, MergeKeep(uploads, foreign, out))

	assert.Equal(t, []string{"a.jpg 1", "b.jpg", "c.jpg 1"}, readArtifact(t, out))
}

func TestMergeKeepCommutativeOnKeys(t *testing.T) {
	dir := t.TempDir()
	uploads := filepath.Join(dir, "uploads.gz")
	foreign := filepath.Join(dir, "foreign.gz")

	writeArtifact(t, uploads, []string{"a.jpg 1", "c.jpg 1"})
	writeArtifact(t, foreign, []string{"b.jpg", "c.jpg"})

	out1 := filepath.Join(dir, "keep1.gz")
	require.NoError(t, MergeKeep(uploads, foreign, out1))

	out2 := filepath.Join(dir, "keep2.gz")
	require.NoError(t, MergeKeep(foreign, uploads, out2))

	keysOf := func(lines []string) []string {
		keys := make([]string, len(lines))
		for i, l := range lines {
			keys[i] = key(l)
		}
		return keys
	}

	assert.Equal(t, keysOf(readArtifact(t, out1)), keysOf(readArtifact(t, out2)))
}

// Scenario 4: incremental, new upload.
func TestDiffNewExtra(t *testing.T) {
	dir := t.TempDir()
	prior := filepath.Join(dir, "prior.gz")
	today := filepath.Join(dir, "today.gz")
	out := filepath.Join(dir, "new.gz")

	writeArtifact(t, prior, []string{"a.png 1", "b.png 1"})
	writeArtifact(t, today, []string{"a.png 1", "b.png 1", "c.png 2"})

	require.NoError(t, DiffNewExtra(today, prior, out))

	assert.Equal(t, []string{"c.png 2"}, readArtifact(t, out))
}

// Scenario 5: incremental, gone from remote.
func TestDiffOldExtra(t *testing.T) {
	dir := t.TempDir()
	prior := filepath.Join(dir, "prior.gz")
	today := filepath.Join(dir, "today.gz")
	out := filepath.Join(dir, "gone.gz")

	writeArtifact(t, prior, []string{"a", "b", "c"})
	writeArtifact(t, today, []string{"a", "c"})

	require.NoError(t, DiffOldExtra(prior, today, out))

	assert.Equal(t, []string{"b"}, readArtifact(t, out))
}

func TestDiffNewExtraAndOldExtraEmptyOnIdenticalStreams(t *testing.T) {
	dir := t.TempDir()
	same := filepath.Join(dir, "same.gz")
	writeArtifact(t, same, []string{"a", "b", "c"})

	outNew := filepath.Join(dir, "new.gz")
	require.NoError(t, DiffNewExtra(same, same, outNew))
	assert.Empty(t, readArtifact(t, outNew))

	outOld := filepath.Join(dir, "old.gz")
	require.NoError(t, DiffOldExtra(same, same, outOld))
	assert.Empty(t, readArtifact(t, outOld))
}

func TestEmptyRemoteInventoryDeletesEverythingLocal(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "keep.gz")
	local := filepath.Join(dir, "local.gz")
	out := filepath.Join(dir, "delete.gz")

	writeArtifact(t, keep, nil)
	writeArtifact(t, local, []string{"a.jpg 1 /d", "b.jpg 1 /d"})

	require.NoError(t, DiffDelete(keep, local, out))
	assert.Equal(t, []string{"a.jpg 1 /d", "b.jpg 1 /d"}, readArtifact(t, out))
}

func TestEmptyLocalInventoryFetchesEverything(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "local.gz")
	uploads := filepath.Join(dir, "uploads.gz")
	out := filepath.Join(dir, "toget.gz")

	writeArtifact(t, local, nil)
	writeArtifact(t, uploads, []string{"a.jpg 1", "b.jpg 1"})

	require.NoError(t, DiffFetchUploaded(local, uploads, out))
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, readArtifact(t, out))
}

func TestTrailingCharacterSortsCorrectly(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "local.gz")
	uploads := filepath.Join(dir, "uploads.gz")
	out := filepath.Join(dir, "toget.gz")

	writeArtifact(t, local, []string{"A.jpg 20200101000000 /d"})
	writeArtifact(t, uploads, []string{"A.jpg 20200101000000", "A.jpg.jpg 20200101000000"})

	require.NoError(t, DiffFetchUploaded(local, uploads, out))
	assert.Equal(t, []string{"A.jpg.jpg"}, readArtifact(t, out))
}

func TestDeleteArtifactNeverOverlapsKeepArtifact(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "keep.gz")
	local := filepath.Join(dir, "local.gz")
	deleteOut := filepath.Join(dir, "delete.gz")

	writeArtifact(t, keep, []string{"a.jpg 1", "c.jpg 1"})
	writeArtifact(t, local, []string{"a.jpg 1 /d", "b.jpg 1 /d", "c.jpg 1 /d"})

	require.NoError(t, DiffDelete(keep, local, deleteOut))

	keepKeys := make(map[string]bool)
	for _, l := range readArtifact(t, keep) {
		keepKeys[key(l)] = true
	}

	for _, l := range readArtifact(t, deleteOut) {
		assert.False(t, keepKeys[key(l)], "deleted filename %q must be absent from keep", key(l))
	}
}
