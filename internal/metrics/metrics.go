// Package metrics exposes mediasync's counters and histograms as Prometheus
// collectors: reconciliation artifact sizes, download outcomes, and archive
// moves. The optional HTTP exposition endpoint is grounded on
// kraklabs/cie's cmd/cie/index.go ("--metrics-addr" flag gating an optional
// promhttp.Handler on its own http.Server), adapted here into a struct
// method rather than an inline goroutine in main.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the collectors mediasync records to and an optional
// exposition server.
type Registry struct {
	reg *prometheus.Registry

	ReconcileArtifactLines *prometheus.CounterVec
	DownloadAttempts       *prometheus.CounterVec
	DownloadBytes          *prometheus.CounterVec
	DownloadLatency        *prometheus.HistogramVec
	ArchiveMoves           *prometheus.CounterVec
	RunDuration            *prometheus.HistogramVec
}

// New constructs a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		ReconcileArtifactLines: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mediasync_reconcile_artifact_lines_total",
			Help: "Lines written to a reconciliation artifact, by project and artifact kind.",
		}, []string{"project", "artifact"}),

		DownloadAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mediasync_download_attempts_total",
			Help: "Download attempts, by project, repotype, and outcome (ok, not_found, failed).",
		}, []string{"project", "repotype", "outcome"}),

		DownloadBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mediasync_download_bytes_total",
			Help: "Bytes successfully downloaded, by project and repotype.",
		}, []string{"project", "repotype"}),

		DownloadLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediasync_download_duration_seconds",
			Help:    "Per-file download latency, by repotype.",
			Buckets: prometheus.DefBuckets,
		}, []string{"repotype"}),

		ArchiveMoves: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mediasync_archive_moves_total",
			Help: "Files or project trees moved into the archive tree, by project and kind (deleted, retired).",
		}, []string{"project", "kind"}),

		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediasync_project_run_duration_seconds",
			Help:    "Wall-clock duration of a single project's reconciliation run, by mode (full, incremental).",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"mode"}),
	}
}

// Handler returns the Prometheus text-exposition HTTP handler for this
// registry's collectors.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing /metrics at addr and blocks until ctx
// is cancelled, then shuts it down. addr == "" disables the server entirely
// (returns nil immediately).
func (r *Registry) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if addr == "" {
		return nil
	}

	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("metrics server starting", slog.String("addr", addr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}

		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}

		return <-errCh
	case err := <-errCh:
		return err
	}
}
