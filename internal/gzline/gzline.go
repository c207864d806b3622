// Package gzline provides gzipped, line-oriented stream I/O shared by every
// inventory, journal, and artifact reader/writer in mediasync. It uses
// klauspost/compress's gzip implementation rather than the standard
// library's, for its faster decompression on the multi-gigabyte inventory
// files this package streams through line by line.
package gzline

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
)

// maxLineBytes bounds a single inventory line. Real inventories are one
// record per line; this guards against a corrupt/truncated artifact
// producing an unbounded in-memory token.
const maxLineBytes = 1 << 20

// Reader streams non-blank lines from a gzip-compressed file. A blank line
// is treated as end-of-stream: well-formed artifacts never contain one, so
// encountering one signals truncation or corruption upstream.
type Reader struct {
	f      *os.File
	gz     *gzip.Reader
	sc     *bufio.Scanner
	done   bool
	closed bool
}

// OpenReader opens path for line-oriented reading.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path) //nolint:gosec // path is operator/config controlled
	if err != nil {
		return nil, fmt.Errorf("gzline: opening %s: %w", path, err)
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("gzline: gzip header for %s: %w", path, err)
	}

	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	return &Reader{f: f, gz: gz, sc: sc}, nil
}

// Next returns the next non-blank line (without its trailing newline) and
// true, or "" and false at end-of-stream (including on a blank line or
// scanner error — callers that need to distinguish should call Err after).
func (r *Reader) Next() (string, bool) {
	if r.done {
		return "", false
	}

	if !r.sc.Scan() {
		r.done = true
		return "", false
	}

	line := r.sc.Text()
	if line == "" {
		r.done = true
		return "", false
	}

	return line, true
}

// Err returns any non-EOF error encountered while scanning.
func (r *Reader) Err() error {
	return r.sc.Err()
}

// Close releases the underlying gzip reader and file handle.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	gzErr := r.gz.Close()
	fErr := r.f.Close()

	if gzErr != nil {
		return fmt.Errorf("gzline: closing gzip reader: %w", gzErr)
	}

	if fErr != nil {
		return fmt.Errorf("gzline: closing file: %w", fErr)
	}

	return nil
}

// Writer streams lines to a gzip-compressed file. The file is written to a
// ".tmp" sibling and renamed into place on Close, so a crash mid-write never
// leaves a truncated artifact at the final path.
type Writer struct {
	finalPath string
	tmpPath   string
	f         *os.File
	gz        *gzip.Writer
	bw        *bufio.Writer
	closed    bool
}

// CreateWriter creates (or truncates) path for line-oriented gzip writing.
func CreateWriter(path string) (*Writer, error) {
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644) //nolint:gosec // artifact file
	if err != nil {
		return nil, fmt.Errorf("gzline: creating %s: %w", tmpPath, err)
	}

	gz := gzip.NewWriter(f)
	bw := bufio.NewWriterSize(gz, 64*1024)

	return &Writer{finalPath: path, tmpPath: tmpPath, f: f, gz: gz, bw: bw}, nil
}

// WriteLine writes a single line followed by a newline. line must not
// itself contain a newline.
func (w *Writer) WriteLine(line string) error {
	if _, err := w.bw.WriteString(line); err != nil {
		return fmt.Errorf("gzline: writing line: %w", err)
	}

	if err := w.bw.WriteByte('\n'); err != nil {
		return fmt.Errorf("gzline: writing newline: %w", err)
	}

	return nil
}

// Close flushes and closes the gzip stream and renames the temp file into
// place. On any flush/close error the temp file is removed instead of being
// renamed, so a failed artifact is never mistaken for a complete one.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.flushAndClose(); err != nil {
		os.Remove(w.tmpPath)
		return err
	}

	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		return fmt.Errorf("gzline: renaming %s to %s: %w", w.tmpPath, w.finalPath, err)
	}

	return nil
}

func (w *Writer) flushAndClose() error {
	if err := w.bw.Flush(); err != nil {
		w.gz.Close()
		w.f.Close()
		return fmt.Errorf("gzline: flushing buffer: %w", err)
	}

	if err := w.gz.Close(); err != nil {
		w.f.Close()
		return fmt.Errorf("gzline: closing gzip writer: %w", err)
	}

	if err := w.f.Close(); err != nil {
		return fmt.Errorf("gzline: closing file: %w", err)
	}

	return nil
}

// Abandon discards the temp file without renaming it into place. Used by
// callers that detect a failure after some lines were already written.
func (w *Writer) Abandon() {
	if w.closed {
		return
	}
	w.closed = true

	w.gz.Close()
	w.f.Close()
	os.Remove(w.tmpPath)
}

// CopyRaw copies the raw (compressed) bytes of src to dst without
// decompressing — used when an artifact is relocated verbatim.
func CopyRaw(dstPath, srcPath string) error {
	src, err := os.Open(srcPath) //nolint:gosec // path is operator/config controlled
	if err != nil {
		return fmt.Errorf("gzline: opening %s: %w", srcPath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath+".tmp", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644) //nolint:gosec
	if err != nil {
		return fmt.Errorf("gzline: creating %s: %w", dstPath, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dstPath + ".tmp")
		return fmt.Errorf("gzline: copying %s to %s: %w", srcPath, dstPath, err)
	}

	if err := dst.Close(); err != nil {
		return fmt.Errorf("gzline: closing %s: %w", dstPath, err)
	}

	return os.Rename(dstPath+".tmp", dstPath)
}
