package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wikitools/mediasync/internal/gzline"
	"github.com/wikitools/mediasync/internal/hashpath"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func writeDeleteList(t *testing.T, path string, lines []string) {
	t.Helper()

	w, err := gzline.CreateWriter(path)
	require.NoError(t, err)

	for _, l := range lines {
		require.NoError(t, w.WriteLine(l))
	}

	require.NoError(t, w.Close())
}

func TestDeleteByListMovesFileToHashBucket(t *testing.T) {
	mediaRoot := t.TempDir()
	archiveRoot := t.TempDir()

	const filename = "Cat.jpg"
	src := hashpath.StoragePath(mediaRoot, "wikipedia", "en", filename)
	writeFile(t, src, "image bytes")

	listPath := filepath.Join(t.TempDir(), "delete.gz")
	writeDeleteList(t, listPath, []string{filename + " 20200101000000 /d"})

	mv := New(mediaRoot, archiveRoot, nil)

	moved, err := mv.DeleteByList(listPath, "wikipedia", "en")
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err), "source file should have been moved away")

	h1, h1h2 := hashpath.Two(filename)
	dest := filepath.Join(archiveRoot, "deleted", "wikipedia", "en", h1, h1h2, filename)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "image bytes", string(data))
}

func TestDeleteByListOverwritesExistingArchivedCopy(t *testing.T) {
	mediaRoot := t.TempDir()
	archiveRoot := t.TempDir()

	const filename = "Dog.png"
	src := hashpath.StoragePath(mediaRoot, "wikipedia", "en", filename)
	writeFile(t, src, "new bytes")

	h1, h1h2 := hashpath.Two(filename)
	dest := filepath.Join(archiveRoot, "deleted", "wikipedia", "en", h1, h1h2, filename)
	writeFile(t, dest, "stale archived bytes")

	listPath := filepath.Join(t.TempDir(), "delete.gz")
	writeDeleteList(t, listPath, []string{filename + " 20200101000000 /d"})

	mv := New(mediaRoot, archiveRoot, nil)

	_, err := mv.DeleteByList(listPath, "wikipedia", "en")
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "new bytes", string(data), "only one archived copy should be retained")
}

func TestDeleteByListSkipsAlreadyAbsentFile(t *testing.T) {
	mediaRoot := t.TempDir()
	archiveRoot := t.TempDir()

	listPath := filepath.Join(t.TempDir(), "delete.gz")
	writeDeleteList(t, listPath, []string{"Ghost.jpg 20200101000000 /d"})

	mv := New(mediaRoot, archiveRoot, nil)

	moved, err := mv.DeleteByList(listPath, "wikipedia", "en")
	require.NoError(t, err)
	assert.Equal(t, 1, moved, "a skipped-but-absent entry is still counted as processed")
}

func TestArchiveRetiredProjectMovesTree(t *testing.T) {
	mediaRoot := t.TempDir()
	archiveRoot := t.TempDir()

	writeFile(t, filepath.Join(mediaRoot, "wikipedia", "la", "a", "a1", "Foo.jpg"), "bytes")

	fixed := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	mv := New(mediaRoot, archiveRoot, nil)
	mv.now = func() time.Time { return fixed }

	require.NoError(t, mv.ArchiveRetiredProject("wikipedia", "la"))

	_, err := os.Stat(filepath.Join(mediaRoot, "wikipedia", "la"))
	assert.True(t, os.IsNotExist(err))

	dest := filepath.Join(archiveRoot, "wikipedia", "la.20260730120000")
	data, err := os.ReadFile(filepath.Join(dest, "a", "a1", "Foo.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "bytes", string(data))
}

func TestArchiveRetiredProjectLeavesEmptyTreeAlone(t *testing.T) {
	mediaRoot := t.TempDir()
	archiveRoot := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(mediaRoot, "wikipedia", "la"), 0o755))

	mv := New(mediaRoot, archiveRoot, nil)

	require.NoError(t, mv.ArchiveRetiredProject("wikipedia", "la"))

	_, err := os.Stat(filepath.Join(mediaRoot, "wikipedia", "la"))
	assert.NoError(t, err, "empty tree should not be archived or removed")

	_, err = os.Stat(filepath.Join(archiveRoot, "wikipedia"))
	assert.True(t, os.IsNotExist(err))
}

func TestArchiveRetiredProjectMissingTreeIsNotAnError(t *testing.T) {
	mediaRoot := t.TempDir()
	archiveRoot := t.TempDir()

	mv := New(mediaRoot, archiveRoot, nil)

	require.NoError(t, mv.ArchiveRetiredProject("wikipedia", "nonexistent"))
}

func TestDeleteByListDryRunPerformsNoMove(t *testing.T) {
	mediaRoot := t.TempDir()
	archiveRoot := t.TempDir()

	const filename = "Cat.jpg"
	src := hashpath.StoragePath(mediaRoot, "wikipedia", "en", filename)
	writeFile(t, src, "image bytes")

	listPath := filepath.Join(t.TempDir(), "delete.gz")
	writeDeleteList(t, listPath, []string{filename + " 20200101000000 /d"})

	mv := New(mediaRoot, archiveRoot, nil)
	mv.DryRun = true

	moved, err := mv.DeleteByList(listPath, "wikipedia", "en")
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	_, err = os.Stat(src)
	assert.NoError(t, err, "dry run must leave the source file in place")

	h1, h1h2 := hashpath.Two(filename)
	_, err = os.Stat(filepath.Join(archiveRoot, "deleted", "wikipedia", "en", h1, h1h2, filename))
	assert.True(t, os.IsNotExist(err), "dry run must not create an archived copy")
}

func TestArchiveRetiredProjectDryRunPerformsNoMove(t *testing.T) {
	mediaRoot := t.TempDir()
	archiveRoot := t.TempDir()

	writeFile(t, filepath.Join(mediaRoot, "wikipedia", "la", "a", "a1", "Foo.jpg"), "bytes")

	mv := New(mediaRoot, archiveRoot, nil)
	mv.DryRun = true

	require.NoError(t, mv.ArchiveRetiredProject("wikipedia", "la"))

	_, err := os.Stat(filepath.Join(mediaRoot, "wikipedia", "la"))
	assert.NoError(t, err, "dry run must leave the source tree in place")

	_, err = os.Stat(filepath.Join(archiveRoot, "wikipedia"))
	assert.True(t, os.IsNotExist(err))
}

func TestArchiveRetiredProjectCollisionFailsLoudly(t *testing.T) {
	mediaRoot := t.TempDir()
	archiveRoot := t.TempDir()

	writeFile(t, filepath.Join(mediaRoot, "wikipedia", "la", "a", "a1", "Foo.jpg"), "bytes")

	fixed := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	// Pre-create the destination this run would target, simulating a prior
	// archive of the same project within the same second.
	writeFile(t, filepath.Join(archiveRoot, "wikipedia", "la.20260730120000", "marker"), "x")

	mv := New(mediaRoot, archiveRoot, nil)
	mv.now = func() time.Time { return fixed }

	err := mv.ArchiveRetiredProject("wikipedia", "la")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArchiveCollision)

	_, statErr := os.Stat(filepath.Join(mediaRoot, "wikipedia", "la"))
	assert.NoError(t, statErr, "source tree must be left intact on collision")
}
