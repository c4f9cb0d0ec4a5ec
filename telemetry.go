package sessiond

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"

	"github.com/sessium/sessiond/internal/session"
)

// telemetryBundle owns the Prometheus registry and the optional scrape
// listener.
type telemetryBundle struct {
	registry *prometheus.Registry
	session  *session.Metrics
	server   *http.Server
	listener net.Listener
	logger   pslog.Logger
}

func setupTelemetry(metricsListen string, logger pslog.Logger) (*telemetryBundle, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	bundle := &telemetryBundle{
		registry: registry,
		session:  session.NewMetrics(registry),
		logger:   logger,
	}
	if metricsListen == "" {
		return bundle, nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	ln, err := net.Listen("tcp", metricsListen)
	if err != nil {
		return nil, err
	}
	bundle.server = server
	bundle.listener = ln
	return bundle, nil
}

// start launches the scrape listener when configured.
func (t *telemetryBundle) start() {
	if t.server == nil {
		return
	}
	t.logger.Info("metrics listening", "address", t.listener.Addr().String())
	go func() {
		if err := t.server.Serve(t.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("metrics server failed", "error", err)
		}
	}()
}

func (t *telemetryBundle) shutdown(ctx context.Context) {
	if t.server == nil {
		return
	}
	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Warn("metrics shutdown failed", "error", err)
	}
}
