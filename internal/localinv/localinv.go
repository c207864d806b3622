// Package localinv walks a project's local media subtree and produces its
// sorted inventory artifact: depth-first os.ReadDir traversal, context
// cancellation checked per entry, NFC filename normalization.
package localinv

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/wikitools/mediasync/internal/extsort"
	"github.com/wikitools/mediasync/internal/gzline"
)

// TimestampLayout is the 14-digit UTC timestamp format used in local
// inventory records.
const TimestampLayout = "20060102150405"

// Inventory walks one project's subtree of the media root and emits its
// local inventory artifact.
type Inventory struct {
	logger *slog.Logger
}

// New creates an Inventory.
func New(logger *slog.Logger) *Inventory {
	if logger == nil {
		logger = slog.Default()
	}

	return &Inventory{logger: logger}
}

// Record walks <mediaroot>/<projecttype>/<langcode> and writes one line per
// regular file to outPath: "<filename> <14-digit-mtime> <directory>".
// project names containing a slash (retired projects) are never passed
// here — callers filter those out per §4.3.
func (inv *Inventory) Record(ctx context.Context, mediaRoot, projectType, langCode, outPath string) error {
	if strings.ContainsRune(projectType, '/') || strings.ContainsRune(langCode, '/') {
		return fmt.Errorf("localinv: refusing to record retired project %s/%s", projectType, langCode)
	}

	root := filepath.Join(mediaRoot, projectType, langCode)

	w, err := gzline.CreateWriter(outPath)
	if err != nil {
		return err
	}

	if err := inv.walk(ctx, root, w); err != nil {
		w.Abandon()
		return err
	}

	return w.Close()
}

func (inv *Inventory) walk(ctx context.Context, dir string, w *gzline.Writer) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("localinv: reading %s: %w", dir, err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("localinv: canceled: %w", err)
		}

		full := filepath.Join(dir, entry.Name())

		if entry.IsDir() {
			if err := inv.walk(ctx, full, w); err != nil {
				return err
			}

			continue
		}

		if err := inv.emitFile(full, entry.Name(), dir, w); err != nil {
			return err
		}
	}

	return nil
}

func (inv *Inventory) emitFile(fullPath, name, dir string, w *gzline.Writer) error {
	info, err := os.Stat(fullPath)
	if err != nil {
		inv.logger.Warn("localinv: stat failed, skipping", slog.String("path", fullPath), slog.String("error", err.Error()))
		return nil
	}

	if !info.Mode().IsRegular() {
		return nil
	}

	filename := norm.NFC.String(name)
	line := fmt.Sprintf("%s %s %s", filename, info.ModTime().UTC().Format(TimestampLayout), dir)

	return w.WriteLine(line)
}

// Sort produces the sorted artifact from inPath by external sort of the
// first field under LC_ALL=C byte order (§4.3), without deduplication
// (distinct directory entries cannot collide, unlike the uploads/foreign
// inventories, which may).
func (inv *Inventory) Sort(inPath, outPath string) error {
	return extsort.Sort(inPath, outPath, extsort.FirstField, extsort.Options{})
}
