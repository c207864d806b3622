// Package remoteinv locates and retrieves the remote, per-project raw
// inventories: the dated directory listing, the download of each project's
// uploads/foreign-repo lists, and their normalization into sorted, deduped,
// header-stripped artifacts ready for the Reconciler.
package remoteinv

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/wikitools/mediasync/internal/extsort"
	"github.com/wikitools/mediasync/internal/fetch"
	"github.com/wikitools/mediasync/internal/gzline"
)

// dateDirPattern matches an anchor href of shape "YYYYMMDD/".
var dateDirPattern = regexp.MustCompile(`^(\d{8})/$`)

// Inventory retrieves and normalizes remote per-project raw inventories.
type Inventory struct {
	fetcher *fetch.Fetcher
	logger  *slog.Logger
	baseURL string
}

// New creates a remote Inventory. baseURL is the configured inventory-index
// listing URL (urls.inventory_index).
func New(f *fetch.Fetcher, baseURL string, logger *slog.Logger) *Inventory {
	if logger == nil {
		logger = slog.Default()
	}

	return &Inventory{fetcher: f, baseURL: baseURL, logger: logger}
}

// LatestDate fetches the HTML directory listing at baseURL and returns the
// maximum YYYYMMDD anchor target found (string-sorted equals chronological
// for this fixed-width shape). ok is false when no such anchor exists.
func (inv *Inventory) LatestDate(ctx context.Context) (date string, ok bool, err error) {
	body, err := inv.fetcher.GetContent(ctx, inv.baseURL)
	if err != nil {
		return "", false, fmt.Errorf("remoteinv: fetching index: %w", err)
	}

	dates, err := extractDateDirs(body)
	if err != nil {
		return "", false, fmt.Errorf("remoteinv: parsing index: %w", err)
	}

	if len(dates) == 0 {
		return "", false, nil
	}

	sort.Strings(dates)

	return dates[len(dates)-1], true, nil
}

func extractDateDirs(body []byte) ([]string, error) {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}

	var dates []string

	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}

				if m := dateDirPattern.FindStringSubmatch(attr.Val); m != nil {
					dates = append(dates, m[1])
				}
			}
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}

	visit(doc)

	return dates, nil
}

// GetPerProjectLists downloads a single per-project raw inventory for date,
// building the URL as baseURL/<date>/<template with {project} and {date}
// substituted>, and writing it to outPath.
func (inv *Inventory) GetPerProjectLists(ctx context.Context, date, project, template, outPath string) error {
	filename := strings.NewReplacer("{project}", project, "{date}", date).Replace(template)

	fetchURL, err := url.JoinPath(inv.baseURL, date, filename)
	if err != nil {
		return fmt.Errorf("remoteinv: building URL for %s: %w", filename, err)
	}

	if _, err := inv.fetcher.GetFile(ctx, fetchURL, outPath, false); err != nil {
		return fmt.Errorf("remoteinv: downloading %s: %w", fetchURL, err)
	}

	return nil
}

// Normalize strips the first line (an SQL column header), sorts by first
// field under LC_ALL=C, deduplicates, and re-gzips — all as a byte stream,
// never materializing the full input in memory (§4.4).
func Normalize(inPath, outPath string) error {
	headerless, err := stripHeaderToTemp(inPath)
	if err != nil {
		return err
	}
	defer os.Remove(headerless)

	return extsort.Sort(headerless, outPath, extsort.FirstField, extsort.Options{Dedupe: true})
}

// stripHeaderToTemp copies inPath to a ".headerless" sibling with its first
// line removed, streaming line by line.
func stripHeaderToTemp(inPath string) (string, error) {
	r, err := gzline.OpenReader(inPath)
	if err != nil {
		return "", err
	}
	defer r.Close()

	outPath := inPath + ".headerless"

	w, err := gzline.CreateWriter(outPath)
	if err != nil {
		return "", err
	}

	first := true

	for {
		line, ok := r.Next()
		if !ok {
			break
		}

		if first {
			first = false
			continue
		}

		if err := w.WriteLine(line); err != nil {
			w.Abandon()
			return "", err
		}
	}

	if err := r.Err(); err != nil {
		w.Abandon()
		return "", fmt.Errorf("remoteinv: reading %s: %w", inPath, err)
	}

	if err := w.Close(); err != nil {
		return "", err
	}

	return outPath, nil
}
