package querycelery

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const metricsNamespace = "querycelery"

type metrics struct {
	registry *prometheus.Registry
	received *prometheus.CounterVec
	finished *prometheus.CounterVec
	runtime  *prometheus.HistogramVec
	active   prometheus.Gauge
}

func newMetrics(appName string) *metrics {
	labels := prometheus.Labels{"app": appName}
	m := &metrics{
		registry: prometheus.NewRegistry(),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "tasks_received_total",
			Help:        "Task messages received from the broker.",
			ConstLabels: labels,
		}, []string{"task"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "tasks_finished_total",
			Help:        "Tasks finished, by final status.",
			ConstLabels: labels,
		}, []string{"task", "status"}),
		runtime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Name:        "task_runtime_seconds",
			Help:        "Handler execution time.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"task"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "tasks_active",
			Help:        "Tasks currently executing.",
			ConstLabels: labels,
		}),
	}
	m.registry.MustRegister(m.received, m.finished, m.runtime, m.active)
	return m
}

// serveMetrics exposes the registry on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *log.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Infof("Serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics listener stopped: ", err)
		}
	}()
}
