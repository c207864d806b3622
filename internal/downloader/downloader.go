// Package downloader implements the budgeted, resumable, journaled media
// retrieval loop: for each todo project and repotype (local uploads,
// foreign-repo), read fetch-list entries up to a per-run cap, resolve each
// into a storage URL and destination path, retrieve it, and journal the
// outcome. A single file's failure is recorded and skipped rather than
// aborting the rest of the list.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/wikitools/mediasync/internal/extsort"
	"github.com/wikitools/mediasync/internal/fetch"
	"github.com/wikitools/mediasync/internal/gzline"
	"github.com/wikitools/mediasync/internal/hashpath"
)

// Repotype names the two storage backends a project's media may come from.
type Repotype string

const (
	Local       Repotype = "local"
	ForeignRepo Repotype = "foreignrepo"
)

// ErrResumeMarkerNotFound is returned when continue mode is requested but
// the last-retrieved marker does not appear anywhere in the fetch list.
// Resuming is refused rather than guessed at.
var ErrResumeMarkerNotFound = errors.New("downloader: resume marker not found in fetch list")

// Downloader runs the budgeted retrieval loop against one repotype's fetch
// list at a time.
type Downloader struct {
	fetcher      *fetch.Fetcher
	logger       *slog.Logger
	uploadedBase string
	foreignBase  string
	interRequest time.Duration
	sleepFunc    func(ctx context.Context, d time.Duration) error
}

// New creates a Downloader. uploadedBase and foreignBase are the configured
// media base URLs (urls.uploaded_media_base, urls.foreign_repo_media_base).
func New(f *fetch.Fetcher, uploadedBase, foreignBase string, interRequest time.Duration, logger *slog.Logger) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}

	return &Downloader{
		fetcher:      f,
		logger:       logger,
		uploadedBase: uploadedBase,
		foreignBase:  foreignBase,
		interRequest: interRequest,
		sleepFunc:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Options configures a single Run invocation: one project, one repotype,
// one fetch list.
type Options struct {
	ProjectType string
	LangCode    string
	Repotype    Repotype

	MediaRoot     string
	FetchListPath string

	RetrievedJournalPath string
	FailedJournalPath    string

	Cap int

	// ResumeAfter, when non-empty, causes Run to skip every fetch-list entry
	// up to and including the one matching this filename before budgeted
	// retrieval begins. If the marker never appears, Run returns
	// ErrResumeMarkerNotFound and performs no retrieval.
	ResumeAfter string

	// AppendJournals appends to existing journal contents instead of
	// replacing them, matching continue mode's "appending to journals (not
	// truncated)" requirement.
	AppendJournals bool

	// DryRun, when set, resolves and logs each entry's intended retrieval
	// but performs no network I/O, no file write, and no journal update.
	DryRun bool
}

// Result summarizes one Run invocation.
type Result struct {
	Considered int
	Rejected   int // failed the sanity gate
	Succeeded  int
	Failed     int // includes 404s, which do not consume budget
	NotFound   int // subset of Failed that were 404
}

// Run executes the budgeted retrieval loop described by opts.
func (d *Downloader) Run(ctx context.Context, opts Options) (Result, error) {
	var result Result

	r, err := gzline.OpenReader(opts.FetchListPath)
	if err != nil {
		return result, fmt.Errorf("downloader: opening fetch list %s: %w", opts.FetchListPath, err)
	}
	defer r.Close()

	if opts.ResumeAfter != "" {
		found, err := skipToMarker(r, opts.ResumeAfter)
		if err != nil {
			return result, err
		}

		if !found {
			return result, ErrResumeMarkerNotFound
		}
	}

	var retrieved, failed []string
	spent := 0

	for spent < opts.Cap {
		line, ok := r.Next()
		if !ok {
			break
		}

		filename := extsort.FirstField(line)
		result.Considered++

		if err := hashpath.Sanity(filename); err != nil {
			result.Rejected++
			d.logger.Warn("downloader: rejecting filename at sanity gate",
				slog.String("filename", filename))
			continue
		}

		fetchURL, destPath, err := d.resolve(opts, filename)
		if err != nil {
			return result, err
		}

		if opts.DryRun {
			d.logger.Info("dry-run: would retrieve",
				slog.String("filename", filename), slog.String("url", fetchURL), slog.String("dest", destPath))
			result.Succeeded++
			spent++

			if err := d.sleepFunc(ctx, d.interRequest); err != nil {
				break
			}

			continue
		}

		statusCode, err := d.fetcher.GetFile(ctx, fetchURL, destPath, true)
		if err != nil {
			return result, fmt.Errorf("downloader: retrieving %s: %w", filename, err)
		}

		if statusCode == http.StatusOK {
			retrieved = append(retrieved, journalLine(filename, fetchURL, 0))
			result.Succeeded++
			spent++
		} else {
			failed = append(failed, journalLine(filename, fetchURL, statusCode))
			result.Failed++

			if statusCode == http.StatusNotFound {
				result.NotFound++
			} else {
				spent++
			}
		}

		if err := d.sleepFunc(ctx, d.interRequest); err != nil {
			break
		}
	}

	if err := r.Err(); err != nil {
		return result, fmt.Errorf("downloader: reading fetch list %s: %w", opts.FetchListPath, err)
	}

	if opts.DryRun {
		return result, nil
	}

	if err := writeJournal(opts.RetrievedJournalPath, retrieved, opts.AppendJournals); err != nil {
		return result, err
	}

	if err := writeJournal(opts.FailedJournalPath, failed, opts.AppendJournals); err != nil {
		return result, err
	}

	return result, nil
}

func (d *Downloader) resolve(opts Options, filename string) (fetchURL, destPath string, err error) {
	h1, h1h2 := hashpath.Two(filename)
	escaped := url.PathEscape(filename)

	var base string
	if opts.Repotype == ForeignRepo {
		base = d.foreignBase
	} else {
		base = d.uploadedBase
	}

	var pathParts []string
	if opts.Repotype == ForeignRepo {
		pathParts = []string{h1, h1h2, escaped}
	} else {
		pathParts = []string{opts.ProjectType, opts.LangCode, h1, h1h2, escaped}
	}

	fetchURL, err = url.JoinPath(base, pathParts...)
	if err != nil {
		return "", "", fmt.Errorf("downloader: building URL for %s: %w", filename, err)
	}

	destPath = hashpath.StoragePath(opts.MediaRoot, opts.ProjectType, opts.LangCode, filename)

	return fetchURL, destPath, nil
}

// journalLine formats a journal entry: quoted filename, optional bracketed
// status code (failures only), then the URL.
func journalLine(filename, url string, statusCode int) string {
	if statusCode == 0 {
		return fmt.Sprintf("%q %s", filename, url)
	}

	return fmt.Sprintf("%q [%d] %s", filename, statusCode, url)
}

// skipToMarker advances r past every line up to and including the one whose
// leading field equals marker. found is false if r is exhausted first.
func skipToMarker(r *gzline.Reader, marker string) (found bool, err error) {
	for {
		line, ok := r.Next()
		if !ok {
			return false, r.Err()
		}

		if extsort.FirstField(line) == marker {
			return true, nil
		}
	}
}

// writeJournal rewrites path's entire contents as the existing lines (when
// appending) followed by newLines. gzline artifacts have no native append
// mode, so appending is expressed as read-then-rewrite.
func writeJournal(path string, newLines []string, appendExisting bool) error {
	var lines []string

	if appendExisting {
		existing, err := readAllLines(path)
		if err != nil {
			return err
		}

		lines = existing
	}

	lines = append(lines, newLines...)

	w, err := gzline.CreateWriter(path)
	if err != nil {
		return err
	}

	for _, l := range lines {
		if err := w.WriteLine(l); err != nil {
			w.Abandon()
			return err
		}
	}

	return w.Close()
}

func readAllLines(path string) ([]string, error) {
	r, err := gzline.OpenReader(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, err
	}
	defer r.Close()

	var lines []string
	for {
		line, ok := r.Next()
		if !ok {
			break
		}

		lines = append(lines, line)
	}

	return lines, r.Err()
}
