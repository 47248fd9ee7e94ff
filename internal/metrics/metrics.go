// Package metrics layers a Prometheus observability surface onto the
// Precache Manager's status() (spec section 4.4), grounded on
// scttfrdmn-objectfs's use of github.com/prometheus/client_golang.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wtsi-hgi/irobot-precache/internal/trackingindex"
)

// Collector exposes the subset of Manager the metrics registry needs,
// kept narrow so this package never imports internal/precache (it is
// the other way around in cmd/irobotd's wiring).
type Collector interface {
	Status() (Status, error)
}

// Status mirrors precache.GlobalStatus's shape without creating an
// import cycle.
type Status struct {
	Commitment        int64
	Rates             map[trackingindex.Channel]trackingindex.RateStat
	ActiveDownloads   int
	ActiveConnections int
	TotalRequests     int64
}

// Registry is a prometheus.Collector that pulls a fresh Status on
// every scrape, the way the teacher's sibling examples layer gauges
// over an existing status snapshot rather than maintaining duplicate
// counters.
type Registry struct {
	source Collector

	commitment        prometheus.Gauge
	activeDownloads   prometheus.Gauge
	activeConnections prometheus.Gauge
	totalRequests     prometheus.Gauge
	fetchRateMean     prometheus.Gauge
	fetchRateStderr   prometheus.Gauge
	checksumRateMean  prometheus.Gauge
	checksumRateStderr prometheus.Gauge

	requestsTotal  *prometheus.CounterVec
	requestErrors  *prometheus.CounterVec
}

// New creates a Registry pulling from source and registers its
// collectors with reg.
func New(source Collector, reg prometheus.Registerer) *Registry {
	r := &Registry{
		source: source,
		commitment: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "irobot", Subsystem: "precache", Name: "commitment_bytes",
			Help: "Total bytes currently committed to precache entities.",
		}),
		activeDownloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "irobot", Subsystem: "precache", Name: "active_downloads",
			Help: "Number of fetch or checksum jobs currently running.",
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "irobot", Subsystem: "precache", Name: "active_connections",
			Help: "Number of upstream connections currently held.",
		}),
		totalRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "irobot", Subsystem: "precache", Name: "total_requests",
			Help: "Total Manager.Open calls since start.",
		}),
		fetchRateMean: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "irobot", Subsystem: "precache", Name: "fetch_rate_bytes_per_second",
			Help: "Mean observed fetch throughput.",
		}),
		fetchRateStderr: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "irobot", Subsystem: "precache", Name: "fetch_rate_stderr",
			Help: "Standard error of fetch throughput.",
		}),
		checksumRateMean: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "irobot", Subsystem: "precache", Name: "checksum_rate_bytes_per_second",
			Help: "Mean observed checksum throughput.",
		}),
		checksumRateStderr: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "irobot", Subsystem: "precache", Name: "checksum_rate_stderr",
			Help: "Standard error of checksum throughput.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "irobot", Subsystem: "httpd", Name: "requests_total",
			Help: "HTTP requests served, by method and route.",
		}, []string{"method", "route"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "irobot", Subsystem: "httpd", Name: "request_errors_total",
			Help: "HTTP requests that ended in a 4xx/5xx, by status code.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		r.commitment, r.activeDownloads, r.activeConnections, r.totalRequests,
		r.fetchRateMean, r.fetchRateStderr, r.checksumRateMean, r.checksumRateStderr,
		r.requestsTotal, r.requestErrors,
	)
	return r
}

// Refresh pulls a fresh status snapshot into the gauges. Called from
// the /metrics handler just before prometheus.Handler serves the
// registry, since the source of truth is the Manager's own state, not
// an independently-accumulated counter set.
func (r *Registry) Refresh() error {
	status, err := r.source.Status()
	if err != nil {
		return err
	}

	r.commitment.Set(float64(status.Commitment))
	r.activeDownloads.Set(float64(status.ActiveDownloads))
	r.activeConnections.Set(float64(status.ActiveConnections))
	r.totalRequests.Set(float64(status.TotalRequests))

	if rate, ok := status.Rates[trackingindex.ChannelFetch]; ok {
		r.fetchRateMean.Set(rate.Mean)
		r.fetchRateStderr.Set(rate.Stderr)
	}
	if rate, ok := status.Rates[trackingindex.ChannelChecksum]; ok {
		r.checksumRateMean.Set(rate.Mean)
		r.checksumRateStderr.Set(rate.Stderr)
	}
	return nil
}

// ObserveRequest records one served HTTP request, called by the
// httpd middleware.
func (r *Registry) ObserveRequest(method, route string) {
	r.requestsTotal.WithLabelValues(method, route).Inc()
}

// ObserveError records one HTTP error response by status code.
func (r *Registry) ObserveError(status string) {
	r.requestErrors.WithLabelValues(status).Inc()
}
