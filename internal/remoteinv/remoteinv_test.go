package remoteinv

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wikitools/mediasync/internal/fetch"
	"github.com/wikitools/mediasync/internal/gzline"
)

func newTestFetcher() *fetch.Fetcher {
	return fetch.New(http.DefaultClient, nil, "test-agent", 1, 0)
}

func TestLatestDateFindsMaxAnchor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`<html><body>
			<a href="20260101/">20260101/</a>
			<a href="20260215/">20260215/</a>
			<a href="20260103/">20260103/</a>
			<a href="notadate/">notadate/</a>
		</body></html>`)) //nolint:errcheck
	}))
	defer srv.Close()

	inv := New(newTestFetcher(), srv.URL, nil)

	date, ok, err := inv.LatestDate(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "20260215", date)
}

func TestLatestDateEmptyWhenNoAnchors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`<html><body>no listings here</body></html>`)) //nolint:errcheck
	}))
	defer srv.Close()

	inv := New(newTestFetcher(), srv.URL, nil)

	_, ok, err := inv.LatestDate(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNormalizeStripsHeaderSortsAndDedupes(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "raw.gz")
	out := filepath.Join(dir, "sorted.gz")

	w, err := gzline.CreateWriter(in)
	require.NoError(t, err)
	require.NoError(t, w.WriteLine("-- SQL header row, not data"))
	require.NoError(t, w.WriteLine("Zebra.jpg 1"))
	require.NoError(t, w.WriteLine("Apple.jpg 1"))
	require.NoError(t, w.WriteLine("Apple.jpg 2"))
	require.NoError(t, w.Close())

	require.NoError(t, Normalize(in, out))

	r, err := gzline.OpenReader(out)
	require.NoError(t, err)
	defer r.Close()

	var lines []string
	for {
		l, ok := r.Next()
		if !ok {
			break
		}
		lines = append(lines, l)
	}

	assert.Equal(t, []string{"Apple.jpg 1", "Zebra.jpg 1"}, lines)
}
