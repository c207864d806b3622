// Package archive implements ArchiveMover: moving deleted files and
// retired project trees into the archive tree, never unlinking.
package archive

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/wikitools/mediasync/internal/extsort"
	"github.com/wikitools/mediasync/internal/gzline"
	"github.com/wikitools/mediasync/internal/hashpath"
)

// ErrArchiveCollision is returned by ArchiveRetiredProject when a second
// archive operation for the same project lands in the same second — the
// one-second timestamp resolution cannot disambiguate them, and per spec
// §4.8 this must fail loudly rather than silently overwrite or wait.
var ErrArchiveCollision = errors.New("archive: retired-project archive collision")

// timestampLayout is the one-second-resolution suffix applied to a retired
// project's archive directory name.
const timestampLayout = "20060102150405"

// Mover moves files and project trees between the live media tree and the
// archive tree.
type Mover struct {
	archiveRoot string
	mediaRoot   string
	logger      *slog.Logger

	// DryRun, when set, logs every intended move but performs no filesystem
	// mutation.
	DryRun bool

	// now is overridden in tests for deterministic timestamps.
	now func() time.Time
}

// New creates a Mover.
func New(mediaRoot, archiveRoot string, logger *slog.Logger) *Mover {
	if logger == nil {
		logger = slog.Default()
	}

	return &Mover{
		mediaRoot:   mediaRoot,
		archiveRoot: archiveRoot,
		logger:      logger,
		now:         time.Now,
	}
}

// DeleteByList reads the delete list line-by-line, extracts the leading
// filename, recomputes its hash path, and moves the file from the live
// tree to <archiveRoot>/deleted/<projecttype>/<langcode>/<hashpath>/<filename>.
// If a target already exists it is overwritten: only one archived copy is
// retained.
func (m *Mover) DeleteByList(listPath, projectType, langCode string) (moved int, err error) {
	r, err := gzline.OpenReader(listPath)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	for {
		line, ok := r.Next()
		if !ok {
			break
		}

		filename := extsort.FirstField(line)

		if err := m.deleteOne(filename, projectType, langCode); err != nil {
			return moved, err
		}

		moved++
	}

	if err := r.Err(); err != nil {
		return moved, fmt.Errorf("archive: reading %s: %w", listPath, err)
	}

	return moved, nil
}

func (m *Mover) deleteOne(filename, projectType, langCode string) error {
	src := hashpath.StoragePath(m.mediaRoot, projectType, langCode, filename)

	h1, h1h2 := hashpath.Two(filename)
	destDir := filepath.Join(m.archiveRoot, "deleted", projectType, langCode, h1, h1h2)
	dest := filepath.Join(destDir, filename)

	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			m.logger.Warn("archive: delete target already absent, skipping",
				slog.String("filename", filename))
			return nil
		}

		return fmt.Errorf("archive: stat %s: %w", src, err)
	}

	if m.DryRun {
		m.logger.Info("dry-run: would archive deleted file", slog.String("filename", filename), slog.String("destination", dest))
		return nil
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("archive: creating %s: %w", destDir, err)
	}

	// os.Rename overwrites an existing regular file at dest on Unix, so only
	// one archived copy of a given filename is ever retained.
	if err := os.Rename(src, dest); err != nil {
		return fmt.Errorf("archive: moving %s to %s: %w", src, dest, err)
	}

	return nil
}

// ArchiveRetiredProject moves <mediaRoot>/<projectType>/<langCode>/ to
// <archiveRoot>/<projectType>/<langCode>.<YYYYMMDDHHMMSS>/. A retired
// project with an empty or absent tree is left alone rather than archived.
func (m *Mover) ArchiveRetiredProject(projectType, langCode string) error {
	src := filepath.Join(m.mediaRoot, projectType, langCode)

	empty, err := dirEmpty(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("archive: checking %s: %w", src, err)
	}

	if empty {
		return nil
	}

	stamp := m.now().UTC().Format(timestampLayout)
	dest := filepath.Join(m.archiveRoot, projectType, langCode+"."+stamp)

	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("%w: %s already archived at %s", ErrArchiveCollision, projectType+"/"+langCode, dest)
	}

	if m.DryRun {
		m.logger.Info("dry-run: would archive retired project",
			slog.String("project", projectType+"/"+langCode), slog.String("destination", dest))
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("archive: creating %s: %w", filepath.Dir(dest), err)
	}

	if err := os.Rename(src, dest); err != nil {
		return fmt.Errorf("archive: moving %s to %s: %w", src, dest, err)
	}

	m.logger.Info("archived retired project",
		slog.String("project", projectType+"/"+langCode), slog.String("destination", dest))

	return nil
}

func dirEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}

	return len(entries) == 0, nil
}
