package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/irobot-precache/internal/metrics"
	"github.com/wtsi-hgi/irobot-precache/internal/trackingindex"
)

type fakeCollector struct {
	status metrics.Status
	err    error
}

func (f *fakeCollector) Status() (metrics.Status, error) { return f.status, f.err }

func TestRefreshPullsGaugesFromSource(t *testing.T) {
	reg := prometheus.NewRegistry()
	source := &fakeCollector{status: metrics.Status{
		Commitment:        4096,
		ActiveDownloads:   2,
		ActiveConnections: 3,
		TotalRequests:     10,
		Rates: map[trackingindex.Channel]trackingindex.RateStat{
			trackingindex.ChannelFetch:    {Mean: 1000, Stderr: 50},
			trackingindex.ChannelChecksum: {Mean: 2000, Stderr: 75},
		},
	}}

	r := metrics.New(source, reg)
	require.NoError(t, r.Refresh())

	gathered, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(gathered))
	for _, mf := range gathered {
		names[mf.GetName()] = true
	}
	assert.True(t, names["irobot_precache_commitment_bytes"])
	assert.True(t, names["irobot_precache_fetch_rate_bytes_per_second"])
	assert.True(t, names["irobot_precache_checksum_rate_bytes_per_second"])
}

func TestObserveRequestAndErrorIncrementCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	source := &fakeCollector{}
	r := metrics.New(source, reg)

	r.ObserveRequest("GET", "/status")
	r.ObserveRequest("GET", "/status")
	r.ObserveError("404")

	gathered, err := reg.Gather()
	require.NoError(t, err)

	var requestsFamily, errorsFamily bool
	for _, mf := range gathered {
		if mf.GetName() == "irobot_httpd_requests_total" {
			requestsFamily = true
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, 2.0, mf.GetMetric()[0].GetCounter().GetValue())
		}
		if mf.GetName() == "irobot_httpd_request_errors_total" {
			errorsFamily = true
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, 1.0, mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, requestsFamily)
	assert.True(t, errorsFamily)
}

func TestRefreshPropagatesSourceError(t *testing.T) {
	reg := prometheus.NewRegistry()
	source := &fakeCollector{err: assertError{}}
	r := metrics.New(source, reg)

	err := r.Refresh()
	assert.Error(t, err)
}

type assertError struct{}

func (assertError) Error() string { return "status unavailable" }
