// Package run orchestrates one engine invocation: registry lookups feeding,
// per project, local and remote inventory construction, reconciliation,
// download, and archival.
//
// Projects are processed sequentially with per-project isolation (one
// project's failure does not abort the others), routed by the fatal/skip
// error-tier split in classifyError.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/wikitools/mediasync/internal/archive"
	"github.com/wikitools/mediasync/internal/config"
	"github.com/wikitools/mediasync/internal/downloader"
	"github.com/wikitools/mediasync/internal/extsort"
	"github.com/wikitools/mediasync/internal/fetch"
	"github.com/wikitools/mediasync/internal/gzline"
	"github.com/wikitools/mediasync/internal/localinv"
	"github.com/wikitools/mediasync/internal/metrics"
	"github.com/wikitools/mediasync/internal/reconcile"
	"github.com/wikitools/mediasync/internal/registry"
	"github.com/wikitools/mediasync/internal/remoteinv"
	"github.com/wikitools/mediasync/internal/runstate"
)

// downloadMetrics records a Downloader Result's outcome breakdown against
// the project/repotype labels the Registry's counters expect.
func (o *Orchestrator) downloadMetrics(project string, repo downloader.Repotype, result downloader.Result) {
	if o.metrics == nil {
		return
	}

	o.metrics.DownloadAttempts.WithLabelValues(project, string(repo), "ok").Add(float64(result.Succeeded))
	o.metrics.DownloadAttempts.WithLabelValues(project, string(repo), "not_found").Add(float64(result.NotFound))
	o.metrics.DownloadAttempts.WithLabelValues(project, string(repo), "failed").Add(float64(result.Failed - result.NotFound))
}

// ErrorTier classifies a project-level failure for the orchestrator's
// routing decision.
type ErrorTier int

const (
	// TierFatal aborts the entire run immediately.
	TierFatal ErrorTier = iota
	// TierProjectSkip journals the failure against this project and
	// proceeds with the remaining projects.
	TierProjectSkip
)

// classifyError maps an error to an ErrorTier. Configuration problems and
// registry unavailability are fatal before any project loop starts and
// never reach this function. Within the per-project loop, inventory
// unavailability, normalisation failures, missing artifacts, and archive
// collisions all skip the affected project rather than the whole run.
func classifyError(err error) ErrorTier {
	if err == nil {
		return TierProjectSkip
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return TierFatal
	}

	return TierProjectSkip
}

// Options configures one Run invocation (the CLI's `run` command maps
// directly onto this struct).
type Options struct {
	Projects  []string // whitelist; empty means every todo project
	ForceFull bool
	Continue  bool
	Archive   bool
	DryRun    bool
}

// ProjectOutcome summarizes one project's pass through the pipeline.
type ProjectOutcome struct {
	Project string
	Mode    runstate.Mode
	Kept    int
	Deleted int
	Fetched int
	Failed  int
	Err     error
	Tier    ErrorTier
}

// Report is the per-run summary: a structured result the CLI can print as
// text or JSON, and which the metrics registry is fed from.
type Report struct {
	StartedAt time.Time
	Duration  time.Duration
	Today     string
	Projects  []ProjectOutcome
}

// Orchestrator wires every component together for repeated Run invocations.
type Orchestrator struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Registry

	fetcher  *fetch.Fetcher
	registry *registry.Registry

	local   *localinv.Inventory
	remote  *remoteinv.Inventory
	mover   *archive.Mover
	dl      *downloader.Downloader
}

// New constructs an Orchestrator. reg must already be populated (built via
// registry.New against cfg.URLs.SiteMatrixAPI) since ProjectRegistry
// construction itself can fail fatally (RegistryUnavailable) before any
// project work begins — the caller decides whether that fatal error aborts
// the process.
func New(cfg config.Config, reg *registry.Registry, logger *slog.Logger, m *metrics.Registry) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}

	f := fetch.New(&http.Client{Timeout: 0}, logger, cfg.Misc.UserAgent, cfg.Limits.Retries, cfg.Limits.WaitSeconds)
	interRequest := time.Duration(cfg.Limits.WaitSeconds) * time.Second

	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		fetcher:  f,
		registry: reg,
		local:    localinv.New(logger),
		remote:   remoteinv.New(f, cfg.URLs.InventoryIndex, logger),
		mover:    archive.New(cfg.Directories.MediaRoot, cfg.Directories.ArchiveRoot, logger),
		dl:       downloader.New(f, cfg.URLs.UploadedMediaBase, cfg.URLs.ForeignRepoMediaBase, interRequest, logger),
	}

	return o
}

// Run executes one pass over every todo project (or opts.Projects, if set),
// isolating each project's failures per classifyError.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Report, error) {
	started := time.Now()
	today := runstate.Today(started)

	o.mover.DryRun = opts.DryRun

	idx, err := runstate.BuildMostRecentIndex(o.cfg.Directories.ListsRoot, today)
	if err != nil {
		return nil, fmt.Errorf("run: building most-recent index: %w", err)
	}

	projects := o.selectProjects(opts.Projects)

	report := &Report{StartedAt: started, Today: today}

	for _, project := range projects {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(started)
			return report, err
		}

		outcome := o.runProject(ctx, project, today, idx, opts)
		report.Projects = append(report.Projects, outcome)

		if outcome.Err != nil && outcome.Tier == TierFatal {
			report.Duration = time.Since(started)
			return report, outcome.Err
		}
	}

	if opts.Archive {
		if err := o.archiveRetiredProjects(); err != nil {
			o.logger.Error("retired-project archival pass failed", slog.String("error", err.Error()))
		}
	}

	report.Duration = time.Since(started)

	return report, nil
}

// archiveRetiredProjects walks the media tree for projecttype/langcode pairs
// that no longer resolve to an active project and moves each into the
// archive tree. It is gated behind opts.Archive since the directory walk
// touches every project's tree, not just the ones processed this run.
func (o *Orchestrator) archiveRetiredProjects() error {
	root := o.cfg.Directories.MediaRoot

	typeEntries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("run: reading %s: %w", root, err)
	}

	for _, typeEntry := range typeEntries {
		if !typeEntry.IsDir() {
			continue
		}

		projectType := typeEntry.Name()

		langEntries, err := os.ReadDir(filepath.Join(root, projectType))
		if err != nil {
			return fmt.Errorf("run: reading %s: %w", filepath.Join(root, projectType), err)
		}

		for _, langEntry := range langEntries {
			if !langEntry.IsDir() {
				continue
			}

			langCode := langEntry.Name()

			if name := o.registry.NameFromTypeLang(projectType, langCode); name != projectType+"/"+langCode {
				continue // still active
			}

			if err := o.mover.ArchiveRetiredProject(projectType, langCode); err != nil {
				o.logger.Error("archiving retired project failed",
					slog.String("project", projectType+"/"+langCode), slog.String("error", err.Error()))
			}
		}
	}

	return nil
}

func (o *Orchestrator) selectProjects(whitelist []string) []string {
	if len(whitelist) > 0 {
		return whitelist
	}

	entries := o.registry.Todos()
	names := make([]string, 0, len(entries))

	for _, e := range entries {
		names = append(names, e.DBName)
	}

	return names
}

// runProject drives one project through LocalInventory, RemoteInventory,
// Reconciler, Downloader, and ArchiveMover, never letting a failure here
// propagate past TierProjectSkip unless classifyError says otherwise.
func (o *Orchestrator) runProject(ctx context.Context, project, today string, idx *runstate.MostRecentIndex, opts Options) ProjectOutcome {
	started := time.Now()
	outcome := ProjectOutcome{Project: project}

	projectType, langCode, ok := o.registry.TypeLang(ctx, project)
	if !ok {
		outcome.Err = fmt.Errorf("run: project %s not found in registry", project)
		outcome.Tier = TierProjectSkip
		o.logger.Warn("skipping unresolvable project", slog.String("project", project))

		return outcome
	}

	mode := runstate.SelectMode(idx, project, opts.ForceFull)
	outcome.Mode = mode

	dir, err := runstate.WorkingDir(o.cfg.Directories.ListsRoot, today, project)
	if err != nil {
		outcome.Err = fmt.Errorf("run: %s: %w", project, err)
		outcome.Tier = classifyError(err)

		return outcome
	}

	paths := newArtifactPaths(dir, project, today)

	if err := o.buildLocalInventory(ctx, projectType, langCode, paths); err != nil {
		outcome.Err = fmt.Errorf("run: %s local inventory: %w", project, err)
		outcome.Tier = classifyError(err)

		return outcome
	}

	if err := o.buildRemoteInventory(ctx, project, paths); err != nil {
		outcome.Err = fmt.Errorf("run: %s remote inventory: %w", project, err)
		outcome.Tier = classifyError(err)

		return outcome
	}

	if err := o.reconcileProject(paths, mode, idx, project); err != nil {
		outcome.Err = fmt.Errorf("run: %s reconcile: %w", project, err)
		outcome.Tier = classifyError(err)

		return outcome
	}

	kept, deleted, fetched, failed, err := o.downloadAndArchive(ctx, project, projectType, langCode, paths, idx, opts)
	outcome.Kept, outcome.Deleted, outcome.Fetched, outcome.Failed = kept, deleted, fetched, failed

	if err != nil {
		outcome.Err = fmt.Errorf("run: %s download/archive: %w", project, err)
		outcome.Tier = classifyError(err)
	}

	if o.metrics != nil {
		o.metrics.RunDuration.WithLabelValues(modeLabel(mode)).Observe(time.Since(started).Seconds())
		o.metrics.ReconcileArtifactLines.WithLabelValues(project, "kept").Add(float64(outcome.Kept))
		o.metrics.ArchiveMoves.WithLabelValues(project, "deleted").Add(float64(outcome.Deleted))
	}

	return outcome
}

func modeLabel(m runstate.Mode) string {
	if m == runstate.ModeFull {
		return "full"
	}

	return "incremental"
}

func (o *Orchestrator) buildLocalInventory(ctx context.Context, projectType, langCode string, p artifactPaths) error {
	if err := o.local.Record(ctx, o.cfg.Directories.MediaRoot, projectType, langCode, p.localMedia); err != nil {
		return err
	}

	return o.local.Sort(p.localMedia, p.localMediaSorted)
}

func (o *Orchestrator) buildRemoteInventory(ctx context.Context, project string, p artifactPaths) error {
	date, ok, err := o.remote.LatestDate(ctx)
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("remoteinv: no dated listing available")
	}

	if err := o.remote.GetPerProjectLists(ctx, date, project, "{project}-{date}-local-wikiqueries.gz", p.uploadsRaw); err != nil {
		return err
	}

	if err := remoteinv.Normalize(p.uploadsRaw, p.uploadsSorted); err != nil {
		return err
	}

	if err := o.remote.GetPerProjectLists(ctx, date, project, "{project}-{date}-remote-wikiqueries.gz", p.foreignRaw); err != nil {
		return err
	}

	return remoteinv.Normalize(p.foreignRaw, p.foreignSorted)
}

func (o *Orchestrator) reconcileProject(p artifactPaths, mode runstate.Mode, idx *runstate.MostRecentIndex, project string) error {
	if err := reconcile.MergeKeep(p.uploadsSorted, p.foreignSorted, p.allMediaKeep); err != nil {
		return err
	}

	if err := reconcile.DiffDelete(p.allMediaKeep, p.localMediaSorted, p.allMediaDelete); err != nil {
		return err
	}

	if err := reconcile.DiffFetchUploaded(p.localMediaSorted, p.uploadsSorted, p.uploadedToGet); err != nil {
		return err
	}

	if err := reconcile.DiffFetchForeign(p.localMediaSorted, p.foreignSorted, p.foreignRepoToGet); err != nil {
		return err
	}

	if mode != runstate.ModeIncremental {
		return nil
	}

	return o.reconcileIncremental(p, idx, project)
}

// reconcileIncremental additionally diffs today's keep and sorted artifacts
// against the most recent prior run's, producing the three incremental work
// lists. It is a no-op if no prior "-all-media-keep.gz" exists for project,
// matching the fallback SelectMode itself uses.
func (o *Orchestrator) reconcileIncremental(p artifactPaths, idx *runstate.MostRecentIndex, project string) error {
	priorDate, ok := idx.MostRecentDate(project, "all-media-keep.gz")
	if !ok {
		return nil
	}

	listsDir := o.cfg.Directories.ListsRoot
	priorKeep := runstate.ArtifactPath(listsDir, priorDate, project, '-', "all-media-keep.gz")
	priorUploads := runstate.ArtifactPath(listsDir, priorDate, project, '-', "uploads-sorted.gz")
	priorForeign := runstate.ArtifactPath(listsDir, priorDate, project, '-', "foreignrepo-sorted.gz")

	if err := reconcile.DiffOldExtra(priorKeep, p.allMediaKeep, p.allMediaGone); err != nil {
		return err
	}

	if err := reconcile.DiffNewExtra(p.uploadsSorted, priorUploads, p.newMediaProjectUploads); err != nil {
		return err
	}

	return reconcile.DiffNewExtra(p.foreignSorted, priorForeign, p.newMediaForeignRepoUploads)
}

func (o *Orchestrator) downloadAndArchive(ctx context.Context, project, projectType, langCode string, p artifactPaths, idx *runstate.MostRecentIndex, opts Options) (kept, deleted, fetched, failed int, err error) {
	var localResumeAfter string
	if opts.Continue {
		if localResumeAfter, err = o.resumeMarker(idx, project, "local_retrieved.gz"); err != nil {
			return 0, 0, 0, 0, err
		}
	}

	localResult, err := o.dl.Run(ctx, downloader.Options{
		ProjectType:          projectType,
		LangCode:             langCode,
		Repotype:             downloader.Local,
		MediaRoot:            o.cfg.Directories.MediaRoot,
		FetchListPath:        p.uploadedToGet,
		RetrievedJournalPath: p.localRetrieved,
		FailedJournalPath:    p.localGetFailed,
		Cap:                  o.cfg.Limits.UploadedDownloadCap,
		ResumeAfter:          localResumeAfter,
		AppendJournals:       opts.Continue,
		DryRun:               opts.DryRun,
	})
	o.downloadMetrics(project, downloader.Local, localResult)

	if err != nil {
		return 0, 0, fetched, failed, err
	}

	fetched += localResult.Succeeded
	failed += localResult.Failed

	var foreignResumeAfter string
	if opts.Continue {
		if foreignResumeAfter, err = o.resumeMarker(idx, project, "foreignrepo_retrieved.gz"); err != nil {
			return 0, 0, fetched, failed, err
		}
	}

	foreignResult, err := o.dl.Run(ctx, downloader.Options{
		ProjectType:          projectType,
		LangCode:             langCode,
		Repotype:             downloader.ForeignRepo,
		MediaRoot:            o.cfg.Directories.MediaRoot,
		FetchListPath:        p.foreignRepoToGet,
		RetrievedJournalPath: p.foreignRetrieved,
		FailedJournalPath:    p.foreignGetFailed,
		Cap:                  o.cfg.Limits.ForeignRepoDownloadCap,
		ResumeAfter:          foreignResumeAfter,
		AppendJournals:       opts.Continue,
		DryRun:               opts.DryRun,
	})
	o.downloadMetrics(project, downloader.ForeignRepo, foreignResult)

	if err != nil {
		return 0, 0, fetched, failed, err
	}

	fetched += foreignResult.Succeeded
	failed += foreignResult.Failed

	moved, err := o.mover.DeleteByList(p.allMediaDelete, projectType, langCode)
	if err != nil {
		return 0, moved, fetched, failed, err
	}

	kr, err := gzline.OpenReader(p.allMediaKeep)
	if err != nil {
		return 0, moved, fetched, failed, err
	}
	defer kr.Close()

	for _, more := kr.Next(); more; _, more = kr.Next() {
		kept++
	}

	return kept, moved, fetched, failed, kr.Err()
}

// resumeMarker locates the most recent prior run's retrieved journal for
// project (matching suffix "local_retrieved.gz" or "foreignrepo_retrieved.gz")
// and returns the last filename it journaled, for use as
// downloader.Options.ResumeAfter. Returns "" if no prior journal exists.
func (o *Orchestrator) resumeMarker(idx *runstate.MostRecentIndex, project, suffix string) (string, error) {
	priorDate, ok := idx.MostRecentDate(project, suffix)
	if !ok {
		return "", nil
	}

	path := runstate.ArtifactPath(o.cfg.Directories.ListsRoot, priorDate, project, '_', suffix)

	marker, found, err := lastJournaledFilename(path)
	if err != nil || !found {
		return "", err
	}

	return marker, nil
}

// lastJournaledFilename returns the filename recorded in the last line of a
// retrieved/failed journal, unquoting journalLine's leading field. ok is
// false if the journal is absent or empty.
func lastJournaledFilename(path string) (filename string, ok bool, err error) {
	r, err := gzline.OpenReader(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}

		return "", false, err
	}
	defer r.Close()

	var last string

	for {
		line, more := r.Next()
		if !more {
			break
		}

		last = line
		ok = true
	}

	if err := r.Err(); err != nil {
		return "", false, err
	}

	if !ok {
		return "", false, nil
	}

	filename, err = strconv.Unquote(extsort.FirstField(last))
	if err != nil {
		return "", false, fmt.Errorf("run: parsing journal entry %q in %s: %w", last, path, err)
	}

	return filename, true, nil
}

// artifactPaths bundles the per-project, per-date working files a run
// reads and writes.
type artifactPaths struct {
	localMedia                 string
	localMediaSorted           string
	uploadsRaw                 string
	uploadsSorted              string
	foreignRaw                 string
	foreignSorted              string
	allMediaKeep               string
	allMediaDelete             string
	allMediaGone               string
	newMediaProjectUploads     string
	newMediaForeignRepoUploads string
	uploadedToGet              string
	foreignRepoToGet           string
	localRetrieved             string
	localGetFailed             string
	foreignRetrieved           string
	foreignGetFailed           string
}

func newArtifactPaths(dir, project, date string) artifactPaths {
	j := func(suffix string) string { return dir + "/" + project + suffix }

	return artifactPaths{
		localMedia:                 j("-local-media.gz"),
		localMediaSorted:           j("-local-media-sorted.gz"),
		uploadsRaw:                 j("-" + date + "-local-wikiqueries.gz"),
		uploadsSorted:              j("-uploads-sorted.gz"),
		foreignRaw:                 j("-" + date + "-remote-wikiqueries.gz"),
		foreignSorted:              j("-foreignrepo-sorted.gz"),
		allMediaKeep:               j("-all-media-keep.gz"),
		allMediaDelete:             j("-all-media-delete.gz"),
		allMediaGone:               j("-all-media-gone.gz"),
		newMediaProjectUploads:     j("-new-media-projectuploads.gz"),
		newMediaForeignRepoUploads: j("-new-media-foreignrepouploads.gz"),
		uploadedToGet:              j("-uploaded-toget.gz"),
		foreignRepoToGet:           j("-foreignrepo-toget.gz"),
		localRetrieved:             j("_local_retrieved.gz"),
		localGetFailed:             j("_local_get_failed.gz"),
		foreignRetrieved:           j("_foreignrepo_retrieved.gz"),
		foreignGetFailed:           j("_foreignrepo_get_failed.gz"),
	}
}
