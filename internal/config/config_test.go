package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "mediasync.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	return path
}

func validConfigBody(t *testing.T) (string, Directories) {
	t.Helper()

	dirs := Directories{
		MediaRoot:   t.TempDir(),
		ArchiveRoot: t.TempDir(),
		ListsRoot:   t.TempDir(),
	}

	body := `
[directories]
media_root = "` + dirs.MediaRoot + `"
archive_root = "` + dirs.ArchiveRoot + `"
lists_root = "` + dirs.ListsRoot + `"

[urls]
site_matrix_api = "https://meta.wikimedia.org/w/api.php"
inventory_index = "https://dumps.wikimedia.org/other/mediasync/"
uploaded_media_base = "https://upload.wikimedia.org/wikipedia/"
foreign_repo_media_base = "https://upload.wikimedia.org/wikipedia/commons/"

[limits]
retries = 3
wait_seconds = 1
uploaded_download_cap = 100
foreign_repo_download_cap = 100

[misc]
foreign_repo_dbname = "commonswiki"
user_agent = "testagent/1.0"
api_path_suffix = "/w/api.php"
`

	return body, dirs
}

func TestLoadValidConfig(t *testing.T) {
	body, dirs := validConfigBody(t)
	path := writeConfigFile(t, body)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, dirs.MediaRoot, cfg.Directories.MediaRoot)
	assert.Equal(t, 3, cfg.Limits.Retries)
	assert.Equal(t, "commonswiki", cfg.Misc.ForeignRepoDBName)
}

func TestLoadMissingDirectory(t *testing.T) {
	body, _ := validConfigBody(t)
	path := writeConfigFile(t, body)

	cfg, err := Load(path)
	require.NoError(t, err)

	cfg.Directories.MediaRoot = "/nonexistent/does/not/exist"
	assert.Error(t, cfg.Validate())
}

func TestLoadRejectsRelativeURL(t *testing.T) {
	_, dirs := validConfigBody(t)
	body := `
[directories]
media_root = "` + dirs.MediaRoot + `"
archive_root = "` + dirs.ArchiveRoot + `"
lists_root = "` + dirs.ListsRoot + `"

[urls]
site_matrix_api = "not-a-url"
inventory_index = "https://dumps.wikimedia.org/other/mediasync/"
uploaded_media_base = "https://upload.wikimedia.org/wikipedia/"
foreign_repo_media_base = "https://upload.wikimedia.org/wikipedia/commons/"
`
	path := writeConfigFile(t, body)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsNegativeLimit(t *testing.T) {
	_, dirs := validConfigBody(t)
	body := `
[directories]
media_root = "` + dirs.MediaRoot + `"
archive_root = "` + dirs.ArchiveRoot + `"
lists_root = "` + dirs.ListsRoot + `"

[urls]
site_matrix_api = "https://meta.wikimedia.org/w/api.php"
inventory_index = "https://dumps.wikimedia.org/other/mediasync/"
uploaded_media_base = "https://upload.wikimedia.org/wikipedia/"
foreign_repo_media_base = "https://upload.wikimedia.org/wikipedia/commons/"

[limits]
retries = -1
`
	path := writeConfigFile(t, body)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	body, _ := validConfigBody(t)
	body = "typo_field = \"oops\"\n" + body
	path := writeConfigFile(t, body)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDefaultConfigAppliesWhenSectionOmitted(t *testing.T) {
	_, dirs := validConfigBody(t)
	body := `
[directories]
media_root = "` + dirs.MediaRoot + `"
archive_root = "` + dirs.ArchiveRoot + `"
lists_root = "` + dirs.ListsRoot + `"

[urls]
site_matrix_api = "https://meta.wikimedia.org/w/api.php"
inventory_index = "https://dumps.wikimedia.org/other/mediasync/"
uploaded_media_base = "https://upload.wikimedia.org/wikipedia/"
foreign_repo_media_base = "https://upload.wikimedia.org/wikipedia/commons/"
`
	path := writeConfigFile(t, body)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig().Limits.Retries, cfg.Limits.Retries)
	assert.Equal(t, DefaultConfig().Misc.UserAgent, cfg.Misc.UserAgent)
}
