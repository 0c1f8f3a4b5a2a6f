// Package metrics exposes the daemon's Prometheus metrics. All Record methods
// are safe to call on a nil *Metrics.
package metrics

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	// capture
	CaptureSessions     *prometheus.CounterVec
	MicrophoneAcquired  prometheus.Counter
	MicrophoneReleased  prometheus.Counter
	MicrophoneActive    prometheus.Gauge
	RecognizerRestarts  prometheus.Counter
	CaptureErrors       *prometheus.CounterVec
	TranscriptionLength prometheus.Histogram

	// remote assistant
	AssistantRequests *prometheus.CounterVec
	AssistantDuration *prometheus.HistogramVec

	// storage
	StorageErrors prometheus.Counter
}

// New registers all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		CaptureSessions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxchat_capture_sessions_total",
			Help: "Total number of capture sessions started",
		}, []string{"mode"}),
		MicrophoneAcquired: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxchat_microphone_acquisitions_total",
			Help: "Total number of microphone handles acquired",
		}),
		MicrophoneReleased: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxchat_microphone_releases_total",
			Help: "Total number of microphone handles released",
		}),
		MicrophoneActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxchat_microphone_active",
			Help: "Whether a microphone handle is currently held",
		}),
		RecognizerRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxchat_recognizer_restarts_total",
			Help: "Total number of transparent speech recognizer restarts",
		}),
		CaptureErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxchat_capture_errors_total",
			Help: "Total number of capture and recognition errors",
		}, []string{"kind"}),
		TranscriptionLength: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voxchat_transcription_length_chars",
			Help:    "Length of committed transcriptions",
			Buckets: prometheus.ExponentialBuckets(8, 2, 10), // 8 to ~4k chars
		}),

		AssistantRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxchat_assistant_requests_total",
			Help: "Total number of remote assistant requests",
		}, []string{"operation", "outcome"}),
		AssistantDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voxchat_assistant_request_duration_seconds",
			Help:    "Duration of remote assistant requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}, []string{"operation"}),

		StorageErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxchat_storage_errors_total",
			Help: "Total number of failed durable store writes",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordSessionStarted(mode string) {
	if m == nil {
		return
	}
	m.CaptureSessions.WithLabelValues(mode).Inc()
}

func (m *Metrics) RecordMicrophoneAcquired() {
	if m == nil {
		return
	}
	m.MicrophoneAcquired.Inc()
	m.MicrophoneActive.Set(1)
}

func (m *Metrics) RecordMicrophoneReleased() {
	if m == nil {
		return
	}
	m.MicrophoneReleased.Inc()
	m.MicrophoneActive.Set(0)
}

func (m *Metrics) RecordRecognizerRestart() {
	if m == nil {
		return
	}
	m.RecognizerRestarts.Inc()
}

func (m *Metrics) RecordCaptureError(kind string) {
	if m == nil {
		return
	}
	m.CaptureErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordTranscription(text string) {
	if m == nil {
		return
	}
	m.TranscriptionLength.Observe(float64(len(text)))
}

// RecordAssistantRequest records one remote call and whether it succeeded.
func (m *Metrics) RecordAssistantRequest(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.AssistantRequests.WithLabelValues(operation, outcome).Inc()
	m.AssistantDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) RecordStorageError() {
	if m == nil {
		return
	}
	m.StorageErrors.Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Router serves /metrics plus a /health heartbeat.
func (m *Metrics) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/health"))
	r.Method(http.MethodGet, "/metrics", m.Handler())
	return r
}

// Serve exposes Router on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("metrics: serving on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
