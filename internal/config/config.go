// Package config loads and validates mediasync's TOML configuration file:
// a struct-of-sections decoded with BurntSushi/toml, defaults applied
// before decode, then validated.
package config

import (
	"fmt"
	"net/url"
	"os"

	"github.com/BurntSushi/toml"
)

// Directories holds the filesystem roots mediasync operates over. All three
// must already exist; mediasync never creates them.
type Directories struct {
	// MediaRoot is where downloaded media files are stored, hash-path
	// partitioned by project type, language, and filename.
	MediaRoot string `toml:"media_root"`

	// ArchiveRoot is where deleted/retired files are moved instead of being
	// unlinked.
	ArchiveRoot string `toml:"archive_root"`

	// ListsRoot is the dated working-directory tree: per-run inventories,
	// journals, and the most-recent-run index live here.
	ListsRoot string `toml:"lists_root"`
}

// URLs holds the remote endpoints mediasync talks to. All four must parse
// as absolute URLs.
type URLs struct {
	// SiteMatrixAPI is the MediaWiki API endpoint returning the list of
	// active projects.
	SiteMatrixAPI string `toml:"site_matrix_api"`

	// InventoryIndex is the HTML directory listing of dated remote
	// inventory snapshots.
	InventoryIndex string `toml:"inventory_index"`

	// UploadedMediaBase is the base URL media uploaded directly to a
	// project is fetched from.
	UploadedMediaBase string `toml:"uploaded_media_base"`

	// ForeignRepoMediaBase is the base URL shared-repository media (e.g.
	// Commons) is fetched from.
	ForeignRepoMediaBase string `toml:"foreign_repo_media_base"`
}

// Limits holds the run's numeric bounds. All must be non-negative.
type Limits struct {
	// Retries is how many times a failed HTTP request is retried before
	// FetcherExhausted.
	Retries int `toml:"retries"`

	// WaitSeconds is the sleep between a failed attempt's retry, and the
	// politeness pause between successive downloads.
	WaitSeconds int `toml:"wait_seconds"`

	// UploadedDownloadCap bounds how many uploaded-media files a single run
	// downloads before stopping early.
	UploadedDownloadCap int `toml:"uploaded_download_cap"`

	// ForeignRepoDownloadCap bounds how many foreign-repo files a single
	// run downloads before stopping early.
	ForeignRepoDownloadCap int `toml:"foreign_repo_download_cap"`
}

// Misc holds the remaining settings that don't fit the other sections.
type Misc struct {
	// ForeignRepoDBName is the project dbname of the shared media
	// repository (e.g. "commonswiki"), excluded from full mirroring.
	ForeignRepoDBName string `toml:"foreign_repo_dbname"`

	// UserAgent is attached to every outbound HTTP request.
	UserAgent string `toml:"user_agent"`

	// APIPathSuffix is the API path of a project's site (e.g. "/w/api.php").
	// It is decoded with the rest of the file; no component reads it.
	APIPathSuffix string `toml:"api_path_suffix"`
}

// Config is the fully decoded and validated configuration.
type Config struct {
	Directories Directories `toml:"directories"`
	URLs        URLs        `toml:"urls"`
	Limits      Limits      `toml:"limits"`
	Misc        Misc        `toml:"misc"`
}

// DefaultConfig returns the configuration applied before the file on disk is
// decoded over it, so an omitted TOML section or key keeps a sane default
// rather than a zero value.
func DefaultConfig() Config {
	return Config{
		Limits: Limits{
			Retries:                5,
			WaitSeconds:            2,
			UploadedDownloadCap:    10_000,
			ForeignRepoDownloadCap: 10_000,
		},
		Misc: Misc{
			ForeignRepoDBName: "commonswiki",
			UserAgent:         "mediasync/0 (media mirror reconciliation bot)",
			APIPathSuffix:     "/w/api.php",
		},
	}
}

// Load reads path, decodes it over DefaultConfig, and validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config: %s: unrecognized keys: %v", path, undecoded)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks that every required directory exists and every URL and
// numeric limit is well formed. It returns the first problem found, wrapped
// so the caller can report the offending section.
func (c Config) Validate() error {
	if err := c.validateDirectories(); err != nil {
		return err
	}

	if err := c.validateURLs(); err != nil {
		return err
	}

	return c.validateLimits()
}

func (c Config) validateDirectories() error {
	dirs := map[string]string{
		"media_root":   c.Directories.MediaRoot,
		"archive_root": c.Directories.ArchiveRoot,
		"lists_root":   c.Directories.ListsRoot,
	}

	for name, path := range dirs {
		if path == "" {
			return fmt.Errorf("directories.%s: must be set", name)
		}

		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("directories.%s (%s): %w", name, path, err)
		}

		if !info.IsDir() {
			return fmt.Errorf("directories.%s (%s): not a directory", name, path)
		}
	}

	return nil
}

func (c Config) validateURLs() error {
	urls := map[string]string{
		"site_matrix_api":         c.URLs.SiteMatrixAPI,
		"inventory_index":         c.URLs.InventoryIndex,
		"uploaded_media_base":     c.URLs.UploadedMediaBase,
		"foreign_repo_media_base": c.URLs.ForeignRepoMediaBase,
	}

	for name, raw := range urls {
		parsed, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("urls.%s (%s): %w", name, raw, err)
		}

		if !parsed.IsAbs() {
			return fmt.Errorf("urls.%s (%s): must be an absolute URL", name, raw)
		}
	}

	return nil
}

func (c Config) validateLimits() error {
	limits := map[string]int{
		"retries":                   c.Limits.Retries,
		"wait_seconds":              c.Limits.WaitSeconds,
		"uploaded_download_cap":     c.Limits.UploadedDownloadCap,
		"foreign_repo_download_cap": c.Limits.ForeignRepoDownloadCap,
	}

	for name, v := range limits {
		if v < 0 {
			return fmt.Errorf("limits.%s: must be non-negative, got %d", name, v)
		}
	}

	return nil
}
