// Package ratetracker implements the Rate Tracker of spec section 4.6:
// per-channel exponential/aggregate bytes/sec estimators with standard
// error, retaining the last known values once the underlying status
// log empties out (e.g. after a full eviction).
package ratetracker

import (
	"sync"
	"time"

	"github.com/wtsi-hgi/irobot-precache/internal/trackingindex"
)

// Tracker caches the Tracking Index's derived production rates and
// keeps serving the last known value when fresh samples run dry.
type Tracker struct {
	mu    sync.RWMutex
	rates map[trackingindex.Channel]trackingindex.RateStat
}

// New creates a Tracker with no known rates.
func New() *Tracker {
	return &Tracker{rates: make(map[trackingindex.Channel]trackingindex.RateStat)}
}

// Refresh pulls the latest rates from the source, overwriting any
// channel for which fresh data is available and leaving the rest
// (including channels gone quiet) at their last known value.
func (t *Tracker) Refresh(fresh map[trackingindex.Channel]trackingindex.RateStat) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ch, stat := range fresh {
		t.rates[ch] = stat
	}
}

// Rate returns the current best estimate for a channel, or
// (RateStat{}, false) if nothing has ever been observed.
func (t *Tracker) Rate(ch trackingindex.Channel) (trackingindex.RateStat, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	stat, ok := t.rates[ch]
	return stat, ok
}

// RunPeriodicRefresh polls source.ProductionRates on the given period
// until stop is closed, the way the original implementation refreshes
// worker stats every 15 minutes.
func RunPeriodicRefresh(t *Tracker, source *trackingindex.Index, period time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if rates, err := source.ProductionRates(); err == nil {
				t.Refresh(rates)
			}
		}
	}
}
