// Package registry builds and queries the set of active wiki projects from
// the remote site-matrix API. It owns the bidirectional mapping between a
// project's stable database name and its (projecttype, langcode) pair, the
// todo-list/whitelist contract, and foreign-repo exclusion.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/wikitools/mediasync/internal/fetch"
)

// Entry is one active project's derived attributes.
type Entry struct {
	DBName      string
	ProjectType string
	LangCode    string
	Todo        bool
}

// Registry holds the active project set built from one site-matrix fetch.
// After New returns it changes only through the lazy specials projecttype
// backfill performed by TypeLang and through ExcludeForeignRepo.
type Registry struct {
	logger  *slog.Logger
	fetcher *fetch.Fetcher
	apiURL  string

	active map[string]Entry

	// specialsPending holds specials-group entries whose projecttype has not
	// been resolved; populated at New, drained lazily by TypeLang through
	// resolveSpecialsProjectType.
	specialsPending map[string]siteMatrixSite
}

// siteMatrixResponse mirrors the top-level shape of action=sitematrix:
// numeric-keyed regular groups plus a "specials" array.
type siteMatrixResponse struct {
	SiteMatrix map[string]json.RawMessage `json:"sitematrix"`
}

type siteMatrixGroup struct {
	Code string           `json:"code"`
	Site []siteMatrixSite `json:"site"`
}

type siteMatrixSite struct {
	URL     string `json:"url"`
	DBName  string `json:"dbname"`
	Code    string `json:"code"`
	Private bool   `json:"private"`
}

// New fetches the site-matrix from apiURL and builds the active project
// set. todoWhitelist, if non-empty, marks exactly those projects as todo;
// an unknown name in the whitelist is silently ignored (it cannot be
// marked), since §4.2 treats todos() purely as a filter over active.
func New(ctx context.Context, f *fetch.Fetcher, apiURL string, logger *slog.Logger, todoWhitelist []string) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reqURL := apiURL
	if !strings.Contains(apiURL, "action=sitematrix") {
		sep := "?"
		if strings.Contains(apiURL, "?") {
			sep = "&"
		}
		reqURL = apiURL + sep + "action=sitematrix&format=json"
	}

	body, err := f.GetContent(ctx, reqURL)
	if err != nil {
		return nil, fmt.Errorf("registry: fetching site-matrix: %w", err)
	}

	var resp siteMatrixResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("registry: decoding site-matrix: %w", err)
	}

	r := &Registry{
		logger:          logger,
		fetcher:         f,
		apiURL:          apiURL,
		active:          make(map[string]Entry),
		specialsPending: make(map[string]siteMatrixSite),
	}

	for key, raw := range resp.SiteMatrix {
		if key == "specials" {
			var sites []siteMatrixSite
			if err := json.Unmarshal(raw, &sites); err != nil {
				return nil, fmt.Errorf("registry: decoding specials group: %w", err)
			}

			for _, site := range sites {
				if site.Private {
					continue
				}

				r.specialsPending[site.DBName] = site
				r.active[site.DBName] = Entry{DBName: site.DBName, LangCode: site.Code}
			}

			continue
		}

		var group siteMatrixGroup
		if err := json.Unmarshal(raw, &group); err != nil {
			continue // numeric key that isn't a group shape; skip per spec's tolerant decoding
		}

		for _, site := range group.Site {
			if site.Private {
				continue
			}

			langCode := group.Code
			if langCode == "" {
				langCode = site.Code
			}

			r.active[site.DBName] = Entry{
				DBName:      site.DBName,
				ProjectType: projectTypeFromURL(site.URL),
				LangCode:    langCode,
			}
		}
	}

	applyTodoWhitelist(r.active, todoWhitelist)

	logger.Info("registry built", slog.Int("active_projects", len(r.active)))

	return r, nil
}

func applyTodoWhitelist(active map[string]Entry, whitelist []string) {
	if len(whitelist) == 0 {
		return
	}

	want := make(map[string]bool, len(whitelist))
	for _, name := range whitelist {
		want[name] = true
	}

	for name, entry := range active {
		if want[name] {
			entry.Todo = true
			active[name] = entry
		}
	}
}

// projectTypeFromURL derives the projecttype cheaply from a site's base URL
// per the glossary: the second-to-last label of the hostname (e.g.
// "wikipedia" from "https://en.wikipedia.org").
func projectTypeFromURL(siteURL string) string {
	parsed, err := url.Parse(siteURL)
	if err != nil {
		return ""
	}

	labels := strings.Split(parsed.Hostname(), ".")
	if len(labels) < 2 {
		return ""
	}

	return labels[len(labels)-2]
}

// Todos returns the projects to process this run: entries marked todo if
// any exist, else every active project. Computed once by the caller and
// passed down as an immutable set (§9 design note); Registry does not cache
// the result itself since it's a pure view over active.
func (r *Registry) Todos() []Entry {
	var marked []Entry

	for _, e := range r.active {
		if e.Todo {
			marked = append(marked, e)
		}
	}

	if len(marked) > 0 {
		return marked
	}

	all := make([]Entry, 0, len(r.active))
	for _, e := range r.active {
		all = append(all, e)
	}

	return all
}

// TypeLang resolves project to its (projecttype, langcode) pair. A name
// containing a slash is interpreted literally as "<projecttype>/<langcode>"
// (a retired project, per §3). Otherwise it is looked up in active; if the
// matched entry is a specials-group site whose projecttype hasn't been
// resolved yet, it is resolved now by resolveSpecialsProjectType.
func (r *Registry) TypeLang(ctx context.Context, project string) (projectType, langCode string, ok bool) {
	if idx := strings.IndexByte(project, '/'); idx >= 0 {
		return project[:idx], project[idx+1:], true
	}

	entry, found := r.active[project]
	if !found {
		return "", "", false
	}

	if entry.ProjectType == "" {
		if site, pending := r.specialsPending[project]; pending {
			resolved := r.resolveSpecialsProjectType(ctx, site)
			entry.ProjectType = resolved
			r.active[project] = entry
			delete(r.specialsPending, project)
		}
	}

	return entry.ProjectType, entry.LangCode, true
}

// resolveSpecialsProjectType derives a specials entry's projecttype from its
// URL, the same way as for regular groups, and returns "special" when the
// URL yields none. It makes no network call; the site's own API is not
// queried.
func (r *Registry) resolveSpecialsProjectType(ctx context.Context, site siteMatrixSite) string {
	if derived := projectTypeFromURL(site.URL); derived != "" {
		return derived
	}

	r.logger.Warn("could not derive projecttype for specials site",
		slog.String("dbname", site.DBName), slog.String("url", site.URL))

	return "special"
}

// NameFromTypeLang is the reverse lookup: returns the dbname whose
// (projecttype, langcode) match, or the "<type>/<lang>" sentinel for a
// retired project if no active entry matches.
func (r *Registry) NameFromTypeLang(projectType, langCode string) string {
	for name, e := range r.active {
		if e.ProjectType == projectType && e.LangCode == langCode {
			return name
		}
	}

	return projectType + "/" + langCode
}

// ExcludeForeignRepo removes fr (a dbname, typically the shared media
// repository) from the active set so it is never mirrored as a regular
// project — its files are only ever referenced, never owned.
func (r *Registry) ExcludeForeignRepo(fr string) {
	delete(r.active, fr)
	delete(r.specialsPending, fr)
}
