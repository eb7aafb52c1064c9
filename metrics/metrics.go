// Package metrics exports bridge activity as Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wippyai/nnbridge/backend"
	"github.com/wippyai/nnbridge/bridge"
	"github.com/wippyai/nnbridge/inference"
	"github.com/wippyai/nnbridge/lineio"
)

const namespace = "nnbridge"

// Collector records suspensions, dropped predict outputs, the active
// backend and terminal lines.
type Collector struct {
	suspends  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	dropped   prometheus.Counter
	backend   prometheus.Gauge
	lines     *prometheus.CounterVec
}

var (
	_ bridge.Observer    = (*Collector)(nil)
	_ inference.Observer = (*Collector)(nil)
	_ backend.Listener   = (*Collector)(nil)
)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		suspends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "suspensions_total",
				Help:      "Completed host suspensions by operation and outcome.",
			},
			[]string{"op", "outcome"},
		),
		durations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "suspension_seconds",
				Help:      "Time the engine spent parked per suspension.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
			},
			[]string{"op"},
		),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predict_outputs_dropped_total",
			Help:      "Graph outputs that matched no output slot.",
		}),
		backend: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend",
			Help:      "Active inference backend id (-1 none, 1 cpu, 2 accelerated, 3 compiled, 4 gpu).",
		}),
		lines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lines_total",
				Help:      "Terminal lines by direction.",
			},
			[]string{"direction"},
		),
	}
	c.backend.Set(float64(backend.None))
	reg.MustRegister(c.suspends, c.durations, c.dropped, c.backend, c.lines)
	return c
}

// ObserveSuspend implements bridge.Observer.
func (c *Collector) ObserveSuspend(id bridge.CommandID, elapsed time.Duration, err error) {
	op := bridge.CommandName(id)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.suspends.WithLabelValues(op, outcome).Inc()
	c.durations.WithLabelValues(op).Observe(elapsed.Seconds())
}

// OutputsDropped implements inference.Observer.
func (c *Collector) OutputsDropped(n int) {
	c.dropped.Add(float64(n))
}

// BackendChanged implements backend.Listener.
func (c *Collector) BackendChanged(b backend.Backend) {
	c.backend.Set(float64(b))
}

// Line counts a terminal line. It has the lineio.LineSink shape so it can
// be chained in front of the real sink.
func (c *Collector) Line(dir lineio.Direction, _ string) {
	c.lines.WithLabelValues(dir.String()).Inc()
}

// Tee returns a sink that counts each line and then forwards it to next.
func (c *Collector) Tee(next lineio.LineSink) lineio.LineSink {
	return lineio.SinkFunc(func(dir lineio.Direction, line string) {
		c.Line(dir, line)
		if next != nil {
			next.Line(dir, line)
		}
	})
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve listens on addr until ctx is done.
func Serve(ctx context.Context, addr, path string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle(path, Handler(g))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	Logger().Info("metrics listener started", zap.String("addr", addr), zap.String("path", path))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
