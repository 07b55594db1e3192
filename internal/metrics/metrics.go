// Package metrics exposes relay counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "threadrelay"

type Metrics struct {
	PostsReceived     prometheus.Counter
	PostsIgnored      *prometheus.CounterVec // by reason
	Failures          *prometheus.CounterVec // by stage
	ThreadsPublished  prometheus.Counter
	SegmentsPublished prometheus.Counter
	SegmentsPerThread prometheus.Histogram

	gatherer prometheus.Gatherer
}

// New registers the relay metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		PostsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_received_total",
			Help:      "Channel posts received.",
		}),
		PostsIgnored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_ignored_total",
			Help:      "Channel posts dropped before processing.",
		}, []string{"reason"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Posts whose processing failed, by stage.",
		}, []string{"stage"}),
		ThreadsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threads_published_total",
			Help:      "Threads published completely.",
		}),
		SegmentsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_published_total",
			Help:      "Individual posts published.",
		}),
		SegmentsPerThread: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "segments_per_thread",
			Help:      "Number of segments a post was split into.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 20},
		}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.PostsReceived,
		m.PostsIgnored,
		m.Failures,
		m.ThreadsPublished,
		m.SegmentsPublished,
		m.SegmentsPerThread,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
