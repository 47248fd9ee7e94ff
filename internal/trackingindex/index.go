// Package trackingindex implements the durable, transactional record
// of every precache entity described in spec section 4.1 ("Tracking
// Index"). It is backed by go.etcd.io/bbolt, the teacher repo's
// embedded store: a primary bucket of entity rows plus secondary-index
// buckets keyed so that bbolt's native sorted-byte-range scans serve
// the ordered queries (oldest-last-access-first, append-only status
// history) that a relational engine would otherwise answer with
// ORDER BY and JOIN.
package trackingindex

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	bktEntities      = []byte("entities")
	bktPathIndex     = []byte("path_index")
	bktSizes         = []byte("sizes")
	bktStatusLog     = []byte("status_log")
	bktCurrentStatus = []byte("current_status")
	bktLastAccess    = []byte("last_access")
	bktLastAccessIdx = []byte("last_access_idx")
	bktSeqCounters   = []byte("seq_counters")
	bktRateSamples   = []byte("rate_samples")
)

const rateSampleWindow = 256

type entityDoc struct {
	UpstreamPath string
	PrecacheDir  string
	Checksum     string
}

// Index is the Tracking Index.
type Index struct {
	db  *bolt.DB
	log *zap.Logger
}

// Open opens (creating if necessary) the tracking database at path
// and ensures its bucket layout exists.
func Open(path string, log *zap.Logger) (*Index, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening tracking index: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bktEntities, bktPathIndex, bktSizes, bktStatusLog,
			bktCurrentStatus, bktLastAccess, bktLastAccessIdx,
			bktSeqCounters, bktRateSamples,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialising tracking index schema: %w", err)
	}

	if log == nil {
		log = zap.NewNop()
	}

	return &Index{db: db, log: log}, nil
}

// Close closes the underlying database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

func sizeKey(id string, dt Datatype) []byte {
	k := make([]byte, 0, len(id)+1)
	k = append(k, id...)
	k = append(k, byte(dt))
	return k
}

func statusSeqKey(id string, dt Datatype, seq uint64) []byte {
	k := make([]byte, 0, len(id)+1+8)
	k = append(k, id...)
	k = append(k, byte(dt))
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	return append(k, seqBuf[:]...)
}

func currentStatusKey(id string, dt Datatype) []byte {
	return sizeKey(id, dt)
}

func lastAccessIdxKey(ts time.Time, id string) []byte {
	k := make([]byte, 0, 8+len(id))
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(ts.UnixNano()))
	k = append(k, tsBuf[:]...)
	return append(k, id...)
}

func encodeInt64(n int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(n))
	return b[:]
}

func decodeInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func encodeTime(t time.Time) []byte {
	return encodeInt64(t.UnixNano())
}

func decodeTime(b []byte) time.Time {
	return time.Unix(0, decodeInt64(b)).UTC()
}

// UpsertEntity creates a new entity for upstreamPath owning
// precacheDir, seeding a Queued status row for every datatype, and a
// last_access of now. If the path is already tracked, its existing ID
// is returned without modification.
func (idx *Index) UpsertEntity(upstreamPath, precacheDir string) (string, error) {
	var id string

	err := idx.db.Update(func(tx *bolt.Tx) error {
		pathIdx := tx.Bucket(bktPathIndex)
		if existing := pathIdx.Get([]byte(upstreamPath)); existing != nil {
			id = string(existing)
			return nil
		}

		id = uuid.NewString()
		doc := entityDoc{UpstreamPath: upstreamPath, PrecacheDir: precacheDir}
		buf, err := json.Marshal(doc)
		if err != nil {
			return err
		}

		if err := tx.Bucket(bktEntities).Put([]byte(id), buf); err != nil {
			return err
		}
		if err := pathIdx.Put([]byte(upstreamPath), []byte(id)); err != nil {
			return err
		}

		now := time.Now().UTC()
		if err := tx.Bucket(bktLastAccess).Put([]byte(id), encodeTime(now)); err != nil {
			return err
		}
		if err := tx.Bucket(bktLastAccessIdx).Put(lastAccessIdxKey(now, id), []byte(id)); err != nil {
			return err
		}

		for _, dt := range AllDatatypes {
			if err := idx.appendStatusLocked(tx, id, dt, Queued, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetByPath resolves an entity's ID from its unique upstream path.
func (idx *Index) GetByPath(upstreamPath string) (string, bool, error) {
	var id string
	var found bool
	err := idx.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bktPathIndex).Get([]byte(upstreamPath))
		if v != nil {
			id = string(v)
			found = true
		}
		return nil
	})
	return id, found, err
}

// Get returns the entity's durable record.
func (idx *Index) Get(id string) (Entity, error) {
	var out Entity
	err := idx.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bktEntities).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var doc entityDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}

		la := tx.Bucket(bktLastAccess).Get([]byte(id))
		lastAccess := time.Time{}
		if la != nil {
			lastAccess = decodeTime(la)
		}

		out = Entity{
			ID:           id,
			UpstreamPath: doc.UpstreamPath,
			PrecacheDir:  doc.PrecacheDir,
			Checksum:     doc.Checksum,
			LastAccess:   lastAccess,
		}
		return nil
	})
	return out, err
}

// SetChecksum records the upstream-reported whole-file checksum.
func (idx *Index) SetChecksum(id, checksum string) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bktEntities)
		raw := b.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var doc entityDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		doc.Checksum = checksum
		buf, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), buf)
	})
}

// SetSize records the size of a (entity, datatype). Per invariant 3 of
// spec section 3, sizes are write-once: a second call with a different
// value fails.
func (idx *Index) SetSize(id string, dt Datatype, bytes int64) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bktEntities).Get([]byte(id)) == nil {
			return ErrNotFound
		}

		b := tx.Bucket(bktSizes)
		key := sizeKey(id, dt)
		if existing := b.Get(key); existing != nil {
			if decodeInt64(existing) != bytes {
				return ErrSizeMismatch
			}
			return nil
		}
		return b.Put(key, encodeInt64(bytes))
	})
}

// GetSize returns the recorded size, or (0, false) if not yet known.
func (idx *Index) GetSize(id string, dt Datatype) (int64, bool, error) {
	var size int64
	var ok bool
	err := idx.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bktSizes).Get(sizeKey(id, dt))
		if v != nil {
			size = decodeInt64(v)
			ok = true
		}
		return nil
	})
	return size, ok, err
}

func (idx *Index) nextSeq(tx *bolt.Tx, id string, dt Datatype) (uint64, error) {
	b := tx.Bucket(bktSeqCounters)
	key := sizeKey(id, dt)
	var seq uint64
	if v := b.Get(key); v != nil {
		seq = binary.BigEndian.Uint64(v) + 1
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return seq, b.Put(key, buf[:])
}

func (idx *Index) appendStatusLocked(tx *bolt.Tx, id string, dt Datatype, status Status, ts time.Time) error {
	seq, err := idx.nextSeq(tx, id, dt)
	if err != nil {
		return err
	}

	row := StatusRow{Status: status, Timestamp: ts}
	buf, err := json.Marshal(row)
	if err != nil {
		return err
	}

	if err := tx.Bucket(bktStatusLog).Put(statusSeqKey(id, dt, seq), buf); err != nil {
		return err
	}
	return tx.Bucket(bktCurrentStatus).Put(currentStatusKey(id, dt), buf)
}

// LogStatus appends a new status row for (id, datatype), rejecting any
// transition that is not strictly increasing (invariant 1, section 3).
// Use Reset for the sole permitted backward transition.
func (idx *Index) LogStatus(id string, dt Datatype, status Status) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bktEntities).Get([]byte(id)) == nil {
			return ErrNotFound
		}

		current, err := idx.currentStatusLocked(tx, id, dt)
		if err == nil && current.Status >= status {
			return ErrNonMonotonicStatus
		}

		now := time.Now().UTC()
		if err := idx.appendStatusLocked(tx, id, dt, status, now); err != nil {
			return err
		}

		if status == Finished && dt != Metadata && current.Status == Started {
			if err := idx.recordRateSampleLocked(tx, id, dt, current.Timestamp, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (idx *Index) currentStatusLocked(tx *bolt.Tx, id string, dt Datatype) (StatusRow, error) {
	v := tx.Bucket(bktCurrentStatus).Get(currentStatusKey(id, dt))
	if v == nil {
		return StatusRow{}, ErrNotFound
	}
	var row StatusRow
	if err := json.Unmarshal(v, &row); err != nil {
		return StatusRow{}, err
	}
	return row, nil
}

// CurrentStatus returns the current status row for every datatype of
// an entity.
func (idx *Index) CurrentStatus(id string) (map[Datatype]StatusRow, error) {
	out := make(map[Datatype]StatusRow, 3)
	err := idx.db.View(func(tx *bolt.Tx) error {
		for _, dt := range AllDatatypes {
			row, err := idx.currentStatusLocked(tx, id, dt)
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			out[dt] = row
		}
		return nil
	})
	return out, err
}

// StartedAt returns the timestamp at which (id, datatype) most
// recently transitioned to Started, if it is currently Started.
func (idx *Index) StartedAt(id string, dt Datatype) (time.Time, bool, error) {
	statuses, err := idx.CurrentStatus(id)
	if err != nil {
		return time.Time{}, false, err
	}
	row, ok := statuses[dt]
	if !ok || row.Status != Started {
		return time.Time{}, false, nil
	}
	return row.Timestamp, true, nil
}

// Reset erases the whole status history of the data and checksum
// datatypes (Queued rows included, so no pre-reset row survives),
// re-seeds each at Queued, and clears their recorded sizes. Metadata is untouched. This is the sole backward
// transition permitted by invariant 1, issued only during manual
// invalidation or checksum-mismatch recovery (section 3).
func (idx *Index) Reset(id string) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bktEntities).Get([]byte(id)) == nil {
			return ErrNotFound
		}

		for _, dt := range []Datatype{Data, Checksums} {
			if err := idx.clearDatatypeLocked(tx, id, dt); err != nil {
				return err
			}
			if err := idx.appendStatusLocked(tx, id, dt, Queued, time.Now().UTC()); err != nil {
				return err
			}
		}
		return nil
	})
}

func (idx *Index) clearDatatypeLocked(tx *bolt.Tx, id string, dt Datatype) error {
	if err := tx.Bucket(bktSizes).Delete(sizeKey(id, dt)); err != nil {
		return err
	}
	if err := tx.Bucket(bktCurrentStatus).Delete(currentStatusKey(id, dt)); err != nil {
		return err
	}
	if err := tx.Bucket(bktSeqCounters).Delete(sizeKey(id, dt)); err != nil {
		return err
	}

	c := tx.Bucket(bktStatusLog).Cursor()
	prefix := append([]byte(id), byte(dt))
	var toDelete [][]byte
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		toDelete = append(toDelete, append([]byte{}, k...))
	}
	for _, k := range toDelete {
		if err := tx.Bucket(bktStatusLog).Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Touch updates last_access to now.
func (idx *Index) Touch(id string) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bktEntities).Get([]byte(id)) == nil {
			return ErrNotFound
		}

		la := tx.Bucket(bktLastAccess)
		idxB := tx.Bucket(bktLastAccessIdx)

		if old := la.Get([]byte(id)); old != nil {
			if err := idxB.Delete(lastAccessIdxKey(decodeTime(old), id)); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		if err := la.Put([]byte(id), encodeTime(now)); err != nil {
			return err
		}
		return idxB.Put(lastAccessIdxKey(now, id), []byte(id))
	})
}

// Commitment returns the sum, over all entities, of their recorded
// data+metadata+checksum sizes (invariant 2, section 3).
func (idx *Index) Commitment() (int64, error) {
	var total int64
	err := idx.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bktSizes).ForEach(func(_, v []byte) error {
			total += decodeInt64(v)
			return nil
		})
	})
	return total, err
}

// CandidatesForEviction returns entities whose last_access is older
// than minAge, oldest first, up to limit (0 for unlimited). Contention
// filtering is the caller's responsibility (Ownership, section 3): the
// index does not know about in-memory contention counters.
func (idx *Index) CandidatesForEviction(minAge time.Duration, limit int) ([]Candidate, error) {
	cutoff := time.Now().Add(-minAge)

	var out []Candidate
	err := idx.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bktLastAccessIdx).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			ts := decodeTime(k[:8])
			if ts.After(cutoff) {
				break
			}

			id := string(v)
			raw := tx.Bucket(bktEntities).Get(v)
			if raw == nil {
				continue
			}
			var doc entityDoc
			if err := json.Unmarshal(raw, &doc); err != nil {
				return err
			}

			var size int64
			for _, dt := range AllDatatypes {
				if s := tx.Bucket(bktSizes).Get(sizeKey(id, dt)); s != nil {
					size += decodeInt64(s)
				}
			}

			out = append(out, Candidate{
				ID:           id,
				UpstreamPath: doc.UpstreamPath,
				PrecacheDir:  doc.PrecacheDir,
				LastAccess:   ts,
				Size:         size,
			})

			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Resize unconditionally overwrites the recorded size for (id,
// datatype), bypassing the normal write-once guard of SetSize. Used
// only when a confirmed upstream content change legitimately
// supersedes a previously recorded size (force-refetch re-admission).
func (idx *Index) Resize(id string, dt Datatype, bytes int64) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bktEntities).Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return tx.Bucket(bktSizes).Put(sizeKey(id, dt), encodeInt64(bytes))
	})
}

// DeleteEntity removes an entity's row, path index entry, sizes,
// status log, current-status, last-access and sequence-counter rows.
// Callers are responsible for removing the entity's directory; per
// spec section 4.5 tracking rows are deleted before the directory.
func (idx *Index) DeleteEntity(id string) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bktEntities).Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var doc entityDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}

		if err := tx.Bucket(bktPathIndex).Delete([]byte(doc.UpstreamPath)); err != nil {
			return err
		}
		if err := tx.Bucket(bktEntities).Delete([]byte(id)); err != nil {
			return err
		}

		if la := tx.Bucket(bktLastAccess).Get([]byte(id)); la != nil {
			if err := tx.Bucket(bktLastAccessIdx).Delete(lastAccessIdxKey(decodeTime(la), id)); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bktLastAccess).Delete([]byte(id)); err != nil {
			return err
		}

		for _, dt := range AllDatatypes {
			if err := idx.clearDatatypeLocked(tx, id, dt); err != nil {
				return err
			}
		}
		return nil
	})
}

// AllEntityIDs returns every tracked entity id, used by startup
// repair to scan for crashed in-flight work (spec section 4.1).
func (idx *Index) AllEntityIDs() ([]string, error) {
	var ids []string
	err := idx.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bktEntities).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// AllPrecacheDirs returns every tracked entity's precache_dir, used by
// startup repair to identify orphaned directories (invariant 4,
// section 3).
func (idx *Index) AllPrecacheDirs() ([]string, error) {
	var dirs []string
	err := idx.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bktEntities).ForEach(func(_, v []byte) error {
			var doc entityDoc
			if err := json.Unmarshal(v, &doc); err != nil {
				return err
			}
			dirs = append(dirs, doc.PrecacheDir)
			return nil
		})
	})
	return dirs, err
}

type rateSample struct {
	Bytes   int64
	Seconds float64
}

func (idx *Index) recordRateSampleLocked(tx *bolt.Tx, id string, dt Datatype, startedAt, finishedAt time.Time) error {
	sizeRaw := tx.Bucket(bktSizes).Get(sizeKey(id, dt))
	if sizeRaw == nil {
		return nil
	}
	size := decodeInt64(sizeRaw)
	elapsed := finishedAt.Sub(startedAt).Seconds()
	if elapsed <= 0 {
		return nil
	}

	channel := channelFor(dt)
	b := tx.Bucket(bktRateSamples)
	counters := tx.Bucket(bktSeqCounters)
	counterKey := append([]byte("rate:"), channel...)
	var seq uint64
	if v := counters.Get(counterKey); v != nil {
		seq = binary.BigEndian.Uint64(v) + 1
	}
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	if err := counters.Put(counterKey, seqBuf[:]); err != nil {
		return err
	}

	sample := rateSample{Bytes: size, Seconds: elapsed}
	buf, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	key := append(append([]byte{}, channel...), seqBuf[:]...)
	if err := b.Put(key, buf); err != nil {
		return err
	}

	if seq >= rateSampleWindow {
		var oldSeqBuf [8]byte
		binary.BigEndian.PutUint64(oldSeqBuf[:], seq-rateSampleWindow)
		oldKey := append(append([]byte{}, channel...), oldSeqBuf[:]...)
		if err := b.Delete(oldKey); err != nil {
			return err
		}
	}
	return nil
}

func channelFor(dt Datatype) Channel {
	if dt == Checksums {
		return ChannelChecksum
	}
	return ChannelFetch
}

// ProductionRates returns the mean and standard error of bytes/sec for
// each channel, derived from recent Started->Finished samples
// (section 4.1, production_rates).
func (idx *Index) ProductionRates() (map[Channel]RateStat, error) {
	out := make(map[Channel]RateStat, 2)

	err := idx.db.View(func(tx *bolt.Tx) error {
		for _, channel := range []Channel{ChannelFetch, ChannelChecksum} {
			var rates []float64

			c := tx.Bucket(bktRateSamples).Cursor()
			prefix := []byte(channel)
			for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
				var s rateSample
				if err := json.Unmarshal(v, &s); err != nil {
					return err
				}
				rates = append(rates, float64(s.Bytes)/s.Seconds)
			}

			if len(rates) == 0 {
				continue
			}
			out[channel] = summarize(rates)
		}
		return nil
	})
	return out, err
}

func summarize(xs []float64) RateStat {
	sort.Float64s(xs)
	n := float64(len(xs))

	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / n

	if len(xs) < 2 {
		return RateStat{Mean: mean, Stderr: 0}
	}

	var sqDiff float64
	for _, x := range xs {
		sqDiff += (x - mean) * (x - mean)
	}
	variance := sqDiff / (n - 1)
	stderr := math.Sqrt(variance / n)
	return RateStat{Mean: mean, Stderr: stderr}
}
