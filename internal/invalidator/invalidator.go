// Package invalidator implements the temporal sweep and capacity
// eviction described in spec section 4.5: it is the sole writer of
// entity deletions driven by age or by space pressure, and it holds
// the exclusive eviction lock that keeps a sweep and a capacity
// eviction from overlapping.
package invalidator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wtsi-hgi/irobot-precache/internal/trackingindex"
)

// ErrPrecacheFull is returned by Free when the requested budget cannot
// be reached without evicting an entity younger than the age threshold,
// or without running out of candidates. The eviction is then a no-op
// (spec section 4.5, "the entire operation is a no-op").
var ErrPrecacheFull = errors.New("invalidator: cannot free requested space")

// ContentionChecker reports whether an entity currently has open
// handles. The Invalidator never evicts an entity for which this
// returns true (invariant 3, section 3); it is implemented by the
// Precache Manager's in-memory entity registry, which the index itself
// has no visibility into.
type ContentionChecker interface {
	Contended(id string) bool
}

// Invalidator owns the eviction lock and the deletion of entity
// directories plus their tracking rows.
type Invalidator struct {
	mu sync.Mutex // the eviction lock of spec section 5

	index       *trackingindex.Index
	root        string
	contention  ContentionChecker
	log         *zap.Logger

	expiry         time.Duration
	expiryUnlimited bool

	ageThreshold          time.Duration
	ageThresholdUnlimited bool
}

// Config carries the precache's time-bounded eviction knobs.
type Config struct {
	Root string

	Expiry          time.Duration
	ExpiryUnlimited bool

	AgeThreshold          time.Duration
	AgeThresholdUnlimited bool
}

// New creates an Invalidator over index, rooted at cfg.Root.
func New(index *trackingindex.Index, contention ContentionChecker, cfg Config, log *zap.Logger) *Invalidator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Invalidator{
		index:                 index,
		root:                  cfg.Root,
		contention:            contention,
		log:                   log,
		expiry:                cfg.Expiry,
		expiryUnlimited:       cfg.ExpiryUnlimited,
		ageThreshold:          cfg.AgeThreshold,
		ageThresholdUnlimited: cfg.AgeThresholdUnlimited,
	}
}

// RunTemporalSweep blocks, sweeping on a timer whose period is at most
// half of expiry (spec section 4.5), until ctx is cancelled. A no-op
// when expiry is unlimited.
func (inv *Invalidator) RunTemporalSweep(ctx context.Context) {
	if inv.expiryUnlimited || inv.expiry <= 0 {
		return
	}

	period := inv.expiry / 2
	if period <= 0 {
		period = time.Second
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := inv.sweepOnce(); err != nil {
				inv.log.Warn("temporal sweep failed", zap.Error(err))
			}
		}
	}
}

func (inv *Invalidator) sweepOnce() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	candidates, err := inv.index.CandidatesForEviction(inv.expiry, 0)
	if err != nil {
		return err
	}

	var toDelete []trackingindex.Candidate
	for _, c := range candidates {
		if inv.contention.Contended(c.ID) {
			continue
		}
		toDelete = append(toDelete, c)
	}

	for _, c := range toDelete {
		if err := inv.deleteOne(c); err != nil {
			inv.log.Warn("temporal sweep: deleting entity failed",
				zap.String("id", c.ID), zap.Error(err))
		}
	}
	if len(toDelete) > 0 {
		inv.log.Info("temporal sweep evicted entities", zap.Int("count", len(toDelete)))
	}
	return nil
}

// Free evicts entities oldest-last-access-first until at least
// requested bytes have been reclaimed, honoring the age threshold, and
// reports whether it succeeded. It is the synchronous capacity
// eviction of spec section 4.5, invoked by the Precache Manager during
// admission (section 4.4 step 4) while the manager already holds its
// own lock — callers must therefore never call Free while holding the
// eviction lock from elsewhere, per the documented manager → eviction
// → tracking-index order (section 5).
func (inv *Invalidator) Free(requested int64) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if requested <= 0 {
		return nil
	}

	candidates, err := inv.index.CandidatesForEviction(0, 0)
	if err != nil {
		return err
	}

	now := time.Now()
	var batch []trackingindex.Candidate
	var freed int64

	for _, c := range candidates {
		if inv.contention.Contended(c.ID) {
			continue
		}
		if !inv.ageThresholdUnlimited && now.Sub(c.LastAccess) < inv.ageThreshold {
			continue
		}
		batch = append(batch, c)
		freed += c.Size
		if freed >= requested {
			break
		}
	}

	if freed < requested {
		return ErrPrecacheFull
	}

	for _, c := range batch {
		if err := inv.deleteOne(c); err != nil {
			return err
		}
	}

	inv.log.Info("capacity eviction freed space",
		zap.Int64("requested", requested), zap.Int64("freed", freed), zap.Int("entities", len(batch)))
	return nil
}

// deleteOne removes a single entity's tracking rows then its directory,
// in that order (spec section 4.5: "tracking first then directory, so
// an interrupted sweep may leave an orphan directory ... never a
// dangling row").
func (inv *Invalidator) deleteOne(c trackingindex.Candidate) error {
	if err := inv.index.DeleteEntity(c.ID); err != nil && !errors.Is(err, trackingindex.ErrNotFound) {
		return err
	}
	if err := os.RemoveAll(c.PrecacheDir); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Repair runs the startup repair pass of spec section 4.1: every
// (entity, datatype) whose current status is Started indicates a crash
// mid-work and is reset-to-Queued with its on-disk artifact deleted;
// every on-disk directory with no tracking row, and every tracking row
// whose directory is missing, is also removed (invariant 4, section 3).
// The per-entity checks run concurrently via an errgroup, bounded by
// the number of entities found, since each touches disjoint disk paths.
func Repair(ctx context.Context, index *trackingindex.Index, root string, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}

	ids, err := index.AllEntityIDs()
	if err != nil {
		return err
	}

	g, _ := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return repairEntity(index, id, log)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return repairOrphans(index, root, log)
}

func repairEntity(index *trackingindex.Index, id string, log *zap.Logger) error {
	ent, err := index.Get(id)
	if err != nil {
		return err
	}

	if _, statErr := os.Stat(ent.PrecacheDir); os.IsNotExist(statErr) {
		log.Warn("startup repair: dropping row with missing directory", zap.String("id", id))
		return index.DeleteEntity(id)
	}

	statuses, err := index.CurrentStatus(id)
	if err != nil {
		return err
	}

	var needsReset bool
	for _, dt := range []trackingindex.Datatype{trackingindex.Data, trackingindex.Checksums} {
		if row, ok := statuses[dt]; ok && row.Status == trackingindex.Started {
			needsReset = true
		}
	}
	if !needsReset {
		return nil
	}

	log.Warn("startup repair: resetting crashed in-flight datatype", zap.String("id", id))
	for _, name := range []string{"data", "checksums"} {
		if err := os.Remove(filepath.Join(ent.PrecacheDir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return index.Reset(id)
}

func repairOrphans(index *trackingindex.Index, root string, log *zap.Logger) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	known, err := index.AllPrecacheDirs()
	if err != nil {
		return err
	}
	knownSet := make(map[string]struct{}, len(known))
	for _, d := range known {
		knownSet[d] = struct{}{}
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		full := filepath.Join(root, e.Name())
		if _, ok := knownSet[full]; ok {
			continue
		}
		log.Warn("startup repair: removing orphaned directory", zap.String("dir", full))
		if err := os.RemoveAll(full); err != nil {
			return err
		}
	}
	return nil
}
