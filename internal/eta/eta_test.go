package eta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/irobot-precache/internal/trackingindex"
)

func TestComputeUnknownRate(t *testing.T) {
	_, ok := Compute(100, time.Time{}, trackingindex.RateStat{}, QueueSnapshot{})
	assert.False(t, ok)
}

func TestComputeStartedJobUsesElapsedBaseline(t *testing.T) {
	rate := trackingindex.RateStat{Mean: 10, Stderr: 1}
	startedAt := time.Now().Add(-2 * time.Second)

	est, ok := Compute(100, startedAt, rate, QueueSnapshot{})
	require.True(t, ok)

	wantETA := startedAt.Add(10 * time.Second)
	assert.WithinDuration(t, wantETA, est.ETA, time.Millisecond)
	assert.Greater(t, est.StderrSecond, 0.0)
}

func TestComputeQueuedJobAccountsForAheadBytesAndConcurrency(t *testing.T) {
	rate := trackingindex.RateStat{Mean: 10, Stderr: 0}
	snapshot := QueueSnapshot{Concurrency: 2, AheadBytes: 100}

	est, ok := Compute(50, time.Time{}, rate, snapshot)
	require.True(t, ok)

	// q = 100/2/10 = 5s, t = 50/10 = 5s, w = 0 (no started jobs) -> 10s total.
	assert.WithinDuration(t, time.Now().Add(10*time.Second), est.ETA, 200*time.Millisecond)
}

func TestComputeStartedJobsContributeShortestRemaining(t *testing.T) {
	rate := trackingindex.RateStat{Mean: 10, Stderr: 0}
	snapshot := QueueSnapshot{
		Concurrency: 1,
		Started: []StartedJob{
			{Size: 100, Elapsed: 5 * time.Second}, // remaining = 10-5 = 5s
			{Size: 200, Elapsed: 0},                // remaining = 20s
		},
	}

	est, ok := Compute(10, time.Time{}, rate, snapshot)
	require.True(t, ok)

	// w = 5s (shortest), q = 0, t = 1s -> 6s total.
	assert.WithinDuration(t, time.Now().Add(6*time.Second), est.ETA, 200*time.Millisecond)
}

func TestChainedEstimateReanchorsOnDataETA(t *testing.T) {
	dataETA := Estimate{ETA: time.Now().Add(100 * time.Second), StderrSecond: 2}
	rate := trackingindex.RateStat{Mean: 10, Stderr: 0}

	est, ok := ChainedEstimate(dataETA, 50, time.Time{}, rate, QueueSnapshot{Concurrency: 1})
	require.True(t, ok)

	// checksum-only estimate would be ~5s from now; chained should land
	// ~5s after the data ETA, not ~5s after "now".
	assert.True(t, est.ETA.After(dataETA.ETA))
	assert.WithinDuration(t, dataETA.ETA.Add(5*time.Second), est.ETA, 500*time.Millisecond)
}

func TestChainedEstimateAlreadyStartedUsesComputeDirectly(t *testing.T) {
	dataETA := Estimate{ETA: time.Now().Add(100 * time.Second)}
	rate := trackingindex.RateStat{Mean: 10, Stderr: 0}
	startedAt := time.Now().Add(-1 * time.Second)

	est, ok := ChainedEstimate(dataETA, 50, startedAt, rate, QueueSnapshot{})
	require.True(t, ok)
	assert.WithinDuration(t, startedAt.Add(5*time.Second), est.ETA, 200*time.Millisecond)
}
