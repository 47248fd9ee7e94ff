// Package eta implements the ETA Estimator of spec section 4.6: given
// a channel's rate estimate and a snapshot of its queue, computes an
// ETA timestamp and a standard-error confidence interval for a given
// entity/datatype.
package eta

import (
	"math"
	"time"

	"github.com/wtsi-hgi/irobot-precache/internal/trackingindex"
)

// StartedJob describes one job currently Started on a channel, used
// to compute W (the shortest remaining duration among them).
type StartedJob struct {
	Size    int64
	Elapsed time.Duration
}

// QueueSnapshot is a lazy, finite, non-restartable view the Precache
// Manager hands to the estimator (spec section 9, "Generator/iterator-
// style status streams ... expose as a lazy, finite, non-restartable
// sequence view; the estimator consumes a snapshot").
type QueueSnapshot struct {
	// Concurrency is the channel's worker count.
	Concurrency int

	// Started is every job currently Started on the channel.
	Started []StartedJob

	// AheadBytes is the sum of sizes of jobs strictly ahead of the
	// target entity in the queue.
	AheadBytes int64
}

// Estimate is a computed ETA with its confidence interval.
type Estimate struct {
	ETA          time.Time
	StderrSecond float64
}

// Compute computes the ETA for an entity of the given size on a
// channel whose current rate is rate, given the queue snapshot. If the
// entity is already Started, startedAt must be its Started timestamp;
// otherwise startedAt is the zero time and the queueing formula is
// used. Returns ok=false if rate is unknown (spec: "If rate_mean is
// unknown, ETA is null").
func Compute(size int64, startedAt time.Time, rate trackingindex.RateStat, snapshot QueueSnapshot) (est Estimate, ok bool) {
	if rate.Mean <= 0 {
		return Estimate{}, false
	}

	sizeF := float64(size)
	meanSq := rate.Mean * rate.Mean
	contribution := func(bytes float64) float64 {
		return bytes / meanSq * rate.Stderr
	}

	if !startedAt.IsZero() {
		T := sizeF / rate.Mean
		return Estimate{
			ETA:          startedAt.Add(time.Duration(T * float64(time.Second))),
			StderrSecond: math.Abs(contribution(sizeF)),
		}, true
	}

	var w float64
	for i, job := range snapshot.Started {
		remaining := float64(job.Size)/rate.Mean - job.Elapsed.Seconds()
		if remaining < 0 {
			remaining = 0
		}
		if i == 0 || remaining < w {
			w = remaining
		}
	}

	concurrency := snapshot.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	q := float64(snapshot.AheadBytes) / float64(concurrency) / rate.Mean
	t := sizeF / rate.Mean

	totalSeconds := w + q + t
	stderrTotal := math.Sqrt(
		math.Pow(contribution(w*rate.Mean), 2)+
			math.Pow(contribution(float64(snapshot.AheadBytes)/float64(concurrency)), 2)+
			math.Pow(contribution(sizeF), 2),
	)

	return Estimate{
		ETA:          time.Now().Add(time.Duration(totalSeconds * float64(time.Second))),
		StderrSecond: stderrTotal,
	}, true
}

// ChainedEstimate implements the combined data-then-checksum pipeline
// of spec section 4.6: the checksum ETA uses the data ETA as its base
// time rather than now.
func ChainedEstimate(dataETA Estimate, checksumSize int64, checksumStartedAt time.Time, checksumRate trackingindex.RateStat, checksumSnapshot QueueSnapshot) (Estimate, bool) {
	if checksumRate.Mean <= 0 {
		return Estimate{}, false
	}

	if !checksumStartedAt.IsZero() {
		return Compute(checksumSize, checksumStartedAt, checksumRate, checksumSnapshot)
	}

	base, ok := Compute(checksumSize, time.Time{}, checksumRate, checksumSnapshot)
	if !ok {
		return Estimate{}, false
	}

	// Re-anchor the non-started estimate's relative offset onto the
	// data pipeline's ETA rather than "now".
	offset := base.ETA.Sub(time.Now())
	return Estimate{
		ETA:          dataETA.ETA.Add(offset),
		StderrSecond: math.Sqrt(dataETA.StderrSecond*dataETA.StderrSecond + base.StderrSecond*base.StderrSecond),
	}, true
}
