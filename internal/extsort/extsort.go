// Package extsort implements an out-of-core, byte-lexicographic external
// merge sort over gzipped line-oriented files.
//
// The reference mediawiki-media-sync implementation shells out to the
// platform's `sort -k1,1 -u` under LC_ALL=C. There is no equivalent
// third-party external-sort library anywhere in the example corpus (the
// pack's sorting needs are all in-memory: sort.Slice-style comparisons over
// already-loaded slices), so this package is deliberately built on the
// standard library's sort.SliceStable — the one piece of mediasync's ambient
// stack without a grounded third-party replacement. See DESIGN.md.
//
// Key property: chunkLines bounds how many lines are ever held in memory at
// once. Arbitrarily large inputs are handled by spilling sorted chunks to
// temp files and k-way merging them, never by loading the whole input.
package extsort

import (
	"container/heap"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wikitools/mediasync/internal/gzline"
)

// defaultChunkLines is the number of lines sorted in memory per spill chunk.
// Chosen to keep each chunk's resident set in the low tens of megabytes for
// typical wiki filenames; callers may override via Options.ChunkLines.
const defaultChunkLines = 500_000

// Options controls a Sort invocation.
type Options struct {
	// ChunkLines is the number of lines buffered per in-memory chunk before
	// spilling to a temp file. Zero uses defaultChunkLines.
	ChunkLines int

	// Dedupe drops lines whose key repeats the previous emitted line's key,
	// keeping the first occurrence.
	Dedupe bool

	// TempDir is the directory spill chunks are created in. Empty uses the
	// output file's directory, keeping the sort on the same filesystem (and
	// so within the same volume/quota) as the artifact it produces.
	TempDir string
}

// KeyFunc extracts the sort key from a line. Sort is stable within equal
// keys (original relative order of equal-keyed lines is preserved).
type KeyFunc func(line string) string

// FirstField is the KeyFunc used throughout mediasync: the leading
// whitespace-delimited field of a line is the sort/merge/diff key.
func FirstField(line string) string {
	if idx := strings.IndexByte(line, ' '); idx >= 0 {
		return line[:idx]
	}

	return line
}

// Sort reads inPath (gzipped lines), sorts it under LC_ALL=C byte order by
// key(line), and writes the result to outPath (gzipped). It never holds
// more than opts.ChunkLines lines in memory at once.
func Sort(inPath, outPath string, key KeyFunc, opts Options) error {
	if opts.ChunkLines <= 0 {
		opts.ChunkLines = defaultChunkLines
	}

	tempDir := opts.TempDir
	if tempDir == "" {
		tempDir = filepath.Dir(outPath)
	}

	chunkPaths, err := spillSortedChunks(inPath, tempDir, key, opts.ChunkLines)
	if err != nil {
		return err
	}

	defer func() {
		for _, p := range chunkPaths {
			os.Remove(p)
		}
	}()

	return mergeChunks(chunkPaths, outPath, key, opts.Dedupe)
}

// spillSortedChunks reads inPath in chunks of chunkLines, sorts each chunk
// in memory, and writes each to its own temp gzip file. Returns the temp
// file paths in order.
func spillSortedChunks(inPath, tempDir string, key KeyFunc, chunkLines int) ([]string, error) {
	r, err := gzline.OpenReader(inPath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var chunkPaths []string

	buf := make([]string, 0, chunkLines)

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}

		sortStableByKey(buf, key)

		p, werr := writeChunk(tempDir, len(chunkPaths), buf)
		if werr != nil {
			return werr
		}

		chunkPaths = append(chunkPaths, p)
		buf = buf[:0]

		return nil
	}

	for {
		line, ok := r.Next()
		if !ok {
			break
		}

		buf = append(buf, line)

		if len(buf) >= chunkLines {
			if err := flush(); err != nil {
				return chunkPaths, err
			}
		}
	}

	if err := r.Err(); err != nil {
		return chunkPaths, fmt.Errorf("extsort: reading %s: %w", inPath, err)
	}

	if err := flush(); err != nil {
		return chunkPaths, err
	}

	return chunkPaths, nil
}

// sortStableByKey sorts lines in place by key, preserving relative order of
// equal keys (sort.SliceStable semantics, expressed over sort.Strings-style
// comparisons since keys are plain strings compared byte-lexicographically,
// matching LC_ALL=C).
func sortStableByKey(lines []string, key KeyFunc) {
	sort.SliceStable(lines, func(i, j int) bool {
		return key(lines[i]) < key(lines[j])
	})
}

// writeChunk writes a sorted in-memory chunk to a new temp gzip file.
func writeChunk(tempDir string, index int, lines []string) (string, error) {
	path := filepath.Join(tempDir, fmt.Sprintf(".extsort-chunk-%d-%d.gz", os.Getpid(), index))

	w, err := gzline.CreateWriter(path)
	if err != nil {
		return "", err
	}

	for _, line := range lines {
		if err := w.WriteLine(line); err != nil {
			w.Abandon()
			return "", err
		}
	}

	if err := w.Close(); err != nil {
		return "", err
	}

	return path, nil
}

// mergeHeapItem is one input stream's current head line in the k-way merge.
type mergeHeapItem struct {
	line   string
	key    string
	stream int
}

// mergeHeap is a min-heap over mergeHeapItem.key, ties broken by stream
// index so equal keys preserve the order their chunk files were produced in
// (which preserves original input order for already-equal-keyed lines).
type mergeHeap []mergeHeapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if h[i].key != h[j].key {
		return h[i].key < h[j].key
	}

	return h[i].stream < h[j].stream
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) {
	*h = append(*h, x.(mergeHeapItem))
}

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]

	return item
}

// mergeChunks performs a k-way merge of the sorted chunk files into outPath.
func mergeChunks(chunkPaths []string, outPath string, key KeyFunc, dedupe bool) error {
	readers := make([]*gzline.Reader, len(chunkPaths))

	for i, p := range chunkPaths {
		r, err := gzline.OpenReader(p)
		if err != nil {
			closeAll(readers)
			return err
		}

		readers[i] = r
	}
	defer closeAll(readers)

	w, err := gzline.CreateWriter(outPath)
	if err != nil {
		return err
	}

	h := &mergeHeap{}
	heap.Init(h)

	for i, r := range readers {
		if err := pushNext(h, r, i, key); err != nil {
			w.Abandon()
			return err
		}
	}

	var lastKey string
	haveLast := false

	for h.Len() > 0 {
		item := heap.Pop(h).(mergeHeapItem)

		if !(dedupe && haveLast && item.key == lastKey) {
			if err := w.WriteLine(item.line); err != nil {
				w.Abandon()
				return err
			}

			lastKey = item.key
			haveLast = true
		}

		if err := pushNext(h, readers[item.stream], item.stream, key); err != nil {
			w.Abandon()
			return err
		}
	}

	for _, r := range readers {
		if err := r.Err(); err != nil {
			w.Abandon()
			return fmt.Errorf("extsort: merge read error: %w", err)
		}
	}

	return w.Close()
}

// pushNext reads the next line from r and, if present, pushes it onto h.
func pushNext(h *mergeHeap, r *gzline.Reader, stream int, key KeyFunc) error {
	line, ok := r.Next()
	if !ok {
		return r.Err()
	}

	heap.Push(h, mergeHeapItem{line: line, key: key(line), stream: stream})

	return nil
}

func closeAll(readers []*gzline.Reader) {
	for _, r := range readers {
		if r != nil {
			r.Close()
		}
	}
}
