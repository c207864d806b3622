// Package reconcile implements the streaming merge-join and difference
// operators over sorted, gzipped inventory artifacts: mergeKeep,
// diffFetchUploaded, diffFetchForeign, diffDelete, diffOldExtra, and
// diffNewExtra. Every operator assumes byte-sorted input on the leading
// field and produces byte-sorted output, and none of them materialize a
// full input in memory, so a multi-million-line inventory streams through
// in bounded space.
package reconcile

import (
	"strings"

	"github.com/wikitools/mediasync/internal/extsort"
	"github.com/wikitools/mediasync/internal/gzline"
)

// key extracts the leading whitespace-delimited field used as the
// comparison key throughout this package.
func key(line string) string {
	return extsort.FirstField(line)
}

// pair streams one gzipped artifact, exposing its current line/key and
// advancing on demand. It is the common cursor shape every merge/diff
// operator below is built from.
type pair struct {
	r       *gzline.Reader
	line    string
	k       string
	hasLine bool
}

func openPair(path string) (*pair, error) {
	r, err := gzline.OpenReader(path)
	if err != nil {
		return nil, err
	}

	p := &pair{r: r}
	p.advance()

	return p, nil
}

func (p *pair) advance() {
	line, ok := p.r.Next()
	p.hasLine = ok
	p.line = line

	if ok {
		p.k = key(line)
	}
}

func (p *pair) close() error {
	return p.r.Close()
}

func (p *pair) err() error {
	return p.r.Err()
}

// MergeKeep performs a two-way sorted merge of uploadsPath and foreignPath
// into outPath (the "-all-media-keep.gz" artifact), preserving trailing
// fields where present.
func MergeKeep(uploadsPath, foreignPath, outPath string) error {
	u, err := openPair(uploadsPath)
	if err != nil {
		return err
	}
	defer u.close()

	f, err := openPair(foreignPath)
	if err != nil {
		return err
	}
	defer f.close()

	w, err := gzline.CreateWriter(outPath)
	if err != nil {
		return err
	}

	for u.hasLine || f.hasLine {
		switch {
		case !f.hasLine || (u.hasLine && u.k < f.k):
			if err := w.WriteLine(u.line); err != nil {
				w.Abandon()
				return err
			}
			u.advance()
		case !u.hasLine || (f.hasLine && f.k < u.k):
			if err := w.WriteLine(f.line); err != nil {
				w.Abandon()
				return err
			}
			f.advance()
		default: // equal keys: keep the uploads record (richer trailing fields)
			if err := w.WriteLine(u.line); err != nil {
				w.Abandon()
				return err
			}
			u.advance()
			f.advance()
		}
	}

	if err := firstErr(u.err(), f.err()); err != nil {
		w.Abandon()
		return err
	}

	return w.Close()
}

// stripTrailing returns only the leading key field of line, for artifacts
// that must carry just the filename (the fetch lists).
func stripTrailing(line string) string {
	return key(line)
}

// timestampOf returns the second whitespace-delimited field of line (the
// 14-digit timestamp in a local or uploads record), or "" if absent.
func timestampOf(line string) string {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return ""
	}

	return fields[1]
}

// DiffFetchUploaded emits, into outPath, the filename of every record in
// uploadsPath that is missing locally or locally stale: the local stream is
// exhausted past this point, the local filename is greater than the
// uploads filename, or the filenames are equal and the local timestamp is
// strictly less than the remote timestamp. Output carries only the
// filename (trailing fields stripped, per §4.6).
func DiffFetchUploaded(localPath, uploadsPath, outPath string) error {
	l, err := openPair(localPath)
	if err != nil {
		return err
	}
	defer l.close()

	u, err := openPair(uploadsPath)
	if err != nil {
		return err
	}
	defer u.close()

	w, err := gzline.CreateWriter(outPath)
	if err != nil {
		return err
	}

	for u.hasLine {
		for l.hasLine && l.k < u.k {
			l.advance()
		}

		emit := !l.hasLine || l.k > u.k
		if !emit && l.k == u.k {
			if localIsStale(timestampOf(l.line), timestampOf(u.line)) {
				emit = true
			}
		}

		if emit {
			if err := w.WriteLine(stripTrailing(u.line)); err != nil {
				w.Abandon()
				return err
			}
		}

		u.advance()
	}

	if err := firstErr(l.err(), u.err()); err != nil {
		w.Abandon()
		return err
	}

	return w.Close()
}

// localIsStale reports whether localTS is strictly less than remoteTS
// under plain string comparison, valid because both are fixed-width
// 14-digit UTC timestamps.
func localIsStale(localTS, remoteTS string) bool {
	if localTS == "" || remoteTS == "" {
		return false
	}

	return localTS < remoteTS
}

// DiffFetchForeign emits the filename of every record in foreignPath
// missing from localPath. The foreign stream carries no timestamp, so no
// staleness check is possible (§4.6, and the known foreign-repo gap noted
// in §9).
func DiffFetchForeign(localPath, foreignPath, outPath string) error {
	l, err := openPair(localPath)
	if err != nil {
		return err
	}
	defer l.close()

	f, err := openPair(foreignPath)
	if err != nil {
		return err
	}
	defer f.close()

	w, err := gzline.CreateWriter(outPath)
	if err != nil {
		return err
	}

	for f.hasLine {
		for l.hasLine && l.k < f.k {
			l.advance()
		}

		if !l.hasLine || l.k > f.k {
			if err := w.WriteLine(stripTrailing(f.line)); err != nil {
				w.Abandon()
				return err
			}
		}

		f.advance()
	}

	if err := firstErr(l.err(), f.err()); err != nil {
		w.Abandon()
		return err
	}

	return w.Close()
}

// DiffDelete emits, into outPath, the full local record of every entry in
// localPath whose filename is absent from the keep list keepPath: advance
// keep while strictly less than the local filename, then emit the local
// record iff keep is exhausted or its leading field is strictly greater.
// Trailing fields are preserved (the ArchiveMover needs the directory).
func DiffDelete(keepPath, localPath, outPath string) error {
	k, err := openPair(keepPath)
	if err != nil {
		return err
	}
	defer k.close()

	l, err := openPair(localPath)
	if err != nil {
		return err
	}
	defer l.close()

	w, err := gzline.CreateWriter(outPath)
	if err != nil {
		return err
	}

	for l.hasLine {
		for k.hasLine && k.k < l.k {
			k.advance()
		}

		if !k.hasLine || k.k > l.k {
			if err := w.WriteLine(l.line); err != nil {
				w.Abandon()
				return err
			}
		}

		l.advance()
	}

	if err := firstErr(k.err(), l.err()); err != nil {
		w.Abandon()
		return err
	}

	return w.Close()
}

// DiffOldExtra emits entries present in oldPath but absent from newPath
// (full records preserved) — "gone" entries, e.g. -all-media-gone.gz when
// old is yesterday's keep list and new is today's.
func DiffOldExtra(oldPath, newPath, outPath string) error {
	return extraNotIn(oldPath, newPath, outPath)
}

// DiffNewExtra emits entries present in newPath but absent from oldPath —
// "new" entries, e.g. -new-media-projectuploads.gz.
func DiffNewExtra(newPath, oldPath, outPath string) error {
	return extraNotIn(newPath, oldPath, outPath)
}

// extraNotIn emits full records from aPath whose key is absent from bPath.
// Both DiffOldExtra and DiffNewExtra are this same generic operator,
// parameterised only by which stream plays the role of "A" (§4.6).
func extraNotIn(aPath, bPath, outPath string) error {
	a, err := openPair(aPath)
	if err != nil {
		return err
	}
	defer a.close()

	b, err := openPair(bPath)
	if err != nil {
		return err
	}
	defer b.close()

	w, err := gzline.CreateWriter(outPath)
	if err != nil {
		return err
	}

	for a.hasLine {
		for b.hasLine && b.k < a.k {
			b.advance()
		}

		if !b.hasLine || b.k > a.k {
			if err := w.WriteLine(a.line); err != nil {
				w.Abandon()
				return err
			}
		}

		a.advance()
	}

	if err := firstErr(a.err(), b.err()); err != nil {
		w.Abandon()
		return err
	}

	return w.Close()
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}
