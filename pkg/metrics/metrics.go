package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keepalive"

// Recorder exposes supervisor activity as Prometheus metrics.
// Collectors live on their own registry so several recorders can coexist.
type Recorder struct {
	registry         *prometheus.Registry
	cycles           *prometheus.CounterVec
	recoveries       prometheus.Counter
	recoveryFailures *prometheus.CounterVec
	lastActive       prometheus.Gauge
}

// NewRecorder creates a recorder with a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Poll cycles by result (active, expired, failed).",
		}, []string{"result"}),
		recoveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Recovery sequences that restarted the session.",
		}),
		recoveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_attempts_failed_total",
			Help:      "Failed recovery attempts by the step that failed.",
		}, []string{"step"}),
		lastActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_active_timestamp_seconds",
			Help:      "Unix time of the last poll that found the session active.",
		}),
	}
}

// CycleObserved counts a finished poll cycle.
func (r *Recorder) CycleObserved(result string) {
	r.cycles.WithLabelValues(result).Inc()
	if result == "active" {
		r.lastActive.SetToCurrentTime()
	}
}

// RecoveryFailed counts a failed recovery attempt.
func (r *Recorder) RecoveryFailed(step string) {
	r.recoveryFailures.WithLabelValues(step).Inc()
}

// RecoverySucceeded counts a completed recovery sequence.
func (r *Recorder) RecoverySucceeded(int) {
	r.recoveries.Inc()
}

// Handler serves the recorder's registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return r.ServeListener(ctx, ln)
}

// ServeListener exposes /metrics on an already bound listener until ctx is
// done. The listener is closed when serving ends.
func (r *Recorder) ServeListener(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
