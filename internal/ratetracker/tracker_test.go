package ratetracker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wtsi-hgi/irobot-precache/internal/trackingindex"
)

func TestRateUnknownBeforeRefresh(t *testing.T) {
	tr := New()
	_, ok := tr.Rate(trackingindex.ChannelFetch)
	assert.False(t, ok)
}

func TestRefreshOverwritesOnlyFreshChannels(t *testing.T) {
	tr := New()
	tr.Refresh(map[trackingindex.Channel]trackingindex.RateStat{
		trackingindex.ChannelFetch:    {Mean: 10, Stderr: 1},
		trackingindex.ChannelChecksum: {Mean: 20, Stderr: 2},
	})

	// A later refresh with only one channel present leaves the other at
	// its last known value rather than clearing it.
	tr.Refresh(map[trackingindex.Channel]trackingindex.RateStat{
		trackingindex.ChannelFetch: {Mean: 15, Stderr: 1.5},
	})

	fetch, ok := tr.Rate(trackingindex.ChannelFetch)
	assert.True(t, ok)
	assert.Equal(t, 15.0, fetch.Mean)

	checksum, ok := tr.Rate(trackingindex.ChannelChecksum)
	assert.True(t, ok)
	assert.Equal(t, 20.0, checksum.Mean)
}
