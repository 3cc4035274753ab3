package monitoring

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultListen is the default address the metrics exporter binds to.
const DefaultListen = "127.0.0.1:8991"

// PrometheusConfig is the set of configuration data that specifies if
// Prometheus metric exporting is activated, and if so the listening address
// of the Prometheus server.
//
//nolint:lll
type PrometheusConfig struct {
	// Enable indicates whether to export metrics.
	Enable bool `long:"enable" description:"enable Prometheus exporting of oracle metrics"`

	// Listen is the listening address that we should use to allow the
	// main Prometheus server to scrape our metrics.
	Listen string `long:"listen" description:"the interface we should listen on for Prometheus"`
}

// DefaultPrometheus is the default configuration for the Prometheus metrics
// exporter.
func DefaultPrometheus() PrometheusConfig {
	return PrometheusConfig{
		Listen: DefaultListen,
	}
}

// Exporter serves the metrics gathered by a registry over HTTP.
type Exporter struct {
	listener net.Listener
	server   *http.Server
}

// ExportPrometheusMetrics launches the Prometheus exporter on the configured
// address, serving everything gathered by gatherer on /metrics.
func ExportPrometheusMetrics(cfg PrometheusConfig,
	gatherer prometheus.Gatherer) (*Exporter, error) {

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		gatherer, promhttp.HandlerOpts{},
	))

	e := &Exporter{
		listener: listener,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	go func() {
		err := e.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Prometheus exporter stopped: %v", err)
		}
	}()

	log.Infof("Prometheus exporter started on %v/metrics", listener.Addr())

	return e, nil
}

// Addr returns the address the exporter is listening on.
func (e *Exporter) Addr() net.Addr {
	return e.listener.Addr()
}

// Stop shuts the exporter down.
func (e *Exporter) Stop() error {
	return e.server.Close()
}
