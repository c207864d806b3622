package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAccumulate(t *testing.T) {
	r := New()

	r.ReconcileArtifactLines.WithLabelValues("wikipedia/en", "toget").Add(3)
	r.ReconcileArtifactLines.WithLabelValues("wikipedia/en", "toget").Add(2)

	got := testutil.ToFloat64(r.ReconcileArtifactLines.WithLabelValues("wikipedia/en", "toget"))
	assert.Equal(t, float64(5), got)
}

func TestServeDisabledWhenAddrEmpty(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, r.Serve(ctx, "", nil))
}

func TestHandlerExposesRecordedMetrics(t *testing.T) {
	r := New()
	r.DownloadAttempts.WithLabelValues("wikipedia/en", "local", "ok").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	r.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mediasync_download_attempts_total")
}

func TestServeShutsDownOnContextCancel(t *testing.T) {
	r := New()

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Serve(ctx, "127.0.0.1:0", nil)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not shut down in time")
	}
}
