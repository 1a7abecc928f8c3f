// Package metrics serves Prometheus-format metrics on a dedicated
// listener and exposes the counters and summaries the dispatcher samples
// into.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	vmetrics "github.com/VictoriaMetrics/metrics"
)

// MetricsServer serves /metrics on its own address, separate from the API
// listener.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server for the given namespace and listen address.
func New(namespace, listenAddr string) (*MetricsServer, error) {
	if namespace == "" {
		return nil, fmt.Errorf("metrics namespace must not be empty")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		vmetrics.WritePrometheus(w, true)
	})

	return &MetricsServer{
		srv: &http.Server{
			Addr:         listenAddr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks serving metrics until Shutdown.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics listener.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}

// RecordExecution records one execution metric sample for a route.
func RecordExecution(routeID string, duration time.Duration, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	vmetrics.GetOrCreateCounter(fmt.Sprintf(`funcbox_executions_total{route=%q,outcome=%q}`, routeID, outcome)).Inc()
	vmetrics.GetOrCreateSummary(fmt.Sprintf(`funcbox_execution_duration_seconds{route=%q}`, routeID)).Update(duration.Seconds())
}

// RecordRebuild counts route table rebuilds.
func RecordRebuild(ok bool) {
	if ok {
		vmetrics.GetOrCreateCounter(`funcbox_route_table_rebuilds_total{result="ok"}`).Inc()
	} else {
		vmetrics.GetOrCreateCounter(`funcbox_route_table_rebuilds_total{result="error"}`).Inc()
	}
}

// RecordAuthRejection counts rejected authentication attempts.
func RecordAuthRejection(routeID string) {
	vmetrics.GetOrCreateCounter(fmt.Sprintf(`funcbox_auth_rejections_total{route=%q}`, routeID)).Inc()
}
