// Package precache implements the Precache Manager of spec section
// 4.4: the public surface the HTTP layer uses to admit, look up,
// refetch, and delete entities, wiring together the Tracking Index,
// Worker Pool, Checksummer, Rate Tracker, ETA Estimator, Entity
// registry, Invalidator, and Upstream Gateway.
package precache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wtsi-hgi/irobot-precache/internal/checksum"
	"github.com/wtsi-hgi/irobot-precache/internal/entity"
	"github.com/wtsi-hgi/irobot-precache/internal/eta"
	"github.com/wtsi-hgi/irobot-precache/internal/invalidator"
	"github.com/wtsi-hgi/irobot-precache/internal/ratetracker"
	"github.com/wtsi-hgi/irobot-precache/internal/trackingindex"
	"github.com/wtsi-hgi/irobot-precache/internal/upstream"
	"github.com/wtsi-hgi/irobot-precache/internal/workerpool"
)

// Config carries the knobs the Manager needs beyond its collaborators.
type Config struct {
	Root      string
	ChunkSize int64

	// SizeLimit is the precache byte budget, or -1 for unlimited
	// (invariant 2, section 3).
	SizeLimit int64

	FetchConcurrency    int
	ChecksumConcurrency int

	// MismatchRetries bounds the number of fetch retries triggered by
	// a checksum mismatch (spec section 4.4 step 6; default 1).
	MismatchRetries int

	Expiry                time.Duration
	ExpiryUnlimited       bool
	AgeThreshold          time.Duration
	AgeThresholdUnlimited bool
}

// Manager is the Precache Manager.
type Manager struct {
	mu sync.Mutex // the manager lock of spec section 5

	cfg        Config
	index      *trackingindex.Index
	upstreamGW upstream.Gateway
	log        *zap.Logger

	fetchPool    *workerpool.Pool
	checksumPool *workerpool.Pool
	rates        *ratetracker.Tracker
	invalidator  *invalidator.Invalidator

	entities map[string]*entity.Entity
	byPath   map[string]string
	tokens   map[string]*workerpool.CancelToken // keyed by id+":"+datatype

	mismatchAttempts map[string]int

	admissionGroup singleflight.Group // keyed by upstream path

	// fatalCh carries the first tracking-index write failure the
	// Manager observes (spec section 7). Buffered so the reporting
	// goroutine never blocks; main.run() is the intended consumer.
	fatalCh chan error

	startTime         time.Time
	totalRequests      int64
	activeConnections  int64
}

// New constructs a Manager over an already-open Tracking Index.
func New(cfg Config, index *trackingindex.Index, gw upstream.Gateway, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MismatchRetries <= 0 {
		cfg.MismatchRetries = 1
	}

	m := &Manager{
		cfg:              cfg,
		index:            index,
		upstreamGW:       gw,
		log:              log,
		fetchPool:        workerpool.New(cfg.FetchConcurrency, log.Named("fetch-pool")),
		checksumPool:     workerpool.New(cfg.ChecksumConcurrency, log.Named("checksum-pool")),
		rates:            ratetracker.New(),
		entities:         make(map[string]*entity.Entity),
		byPath:           make(map[string]string),
		tokens:           make(map[string]*workerpool.CancelToken),
		mismatchAttempts: make(map[string]int),
		fatalCh:          make(chan error, 1),
		startTime:        time.Now().UTC(),
	}

	m.invalidator = invalidator.New(index, m, invalidator.Config{
		Root:                  cfg.Root,
		Expiry:                cfg.Expiry,
		ExpiryUnlimited:       cfg.ExpiryUnlimited,
		AgeThreshold:          cfg.AgeThreshold,
		AgeThresholdUnlimited: cfg.AgeThresholdUnlimited,
	}, log)

	return m
}

// Run starts the Manager's background loops (rate-tracker refresh,
// temporal sweep) until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	go ratetracker.RunPeriodicRefresh(m.rates, m.index, 15*time.Minute, ctx.Done())
	go m.invalidator.RunTemporalSweep(ctx)
}

// Shutdown drains both worker pools. The Tracking Index is left open;
// whoever opened it closes it.
func (m *Manager) Shutdown() {
	m.fetchPool.Shutdown()
	m.checksumPool.Shutdown()
}

// FatalErrors reports tracking-index write failures (spec section 7).
// The index is the single source of truth for entity state, so once a
// write to it fails, the Manager's in-memory state can no longer be
// trusted to agree with what's durable. The caller (main.run) must
// treat any receive as fatal and exit, so the process supervisor
// restarts into invalidator.Repair against whatever partial state the
// failed write left behind.
func (m *Manager) FatalErrors() <-chan error {
	return m.fatalCh
}

// indexFatal reports err, if non-nil, on fatalCh as a fatal tracking-
// index write failure and returns it unchanged so existing call sites
// keep their ordinary error-handling behaviour for the request or job
// at hand. The channel is buffered by one; a second failure before
// main.run consumes the first is dropped rather than blocking the
// Manager.
func (m *Manager) indexFatal(op string, err error) error {
	if err == nil {
		return nil
	}
	m.log.Error("tracking index write failed, process must restart", zap.String("op", op), zap.Error(err))
	select {
	case m.fatalCh <- fmt.Errorf("tracking index write failed (%s): %w", op, err):
	default:
	}
	return err
}

// Contended implements invalidator.ContentionChecker.
func (m *Manager) Contended(id string) bool {
	m.mu.Lock()
	ent, ok := m.entities[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return ent.Contention() > 0
}

func jobKey(id string, dt trackingindex.Datatype) string {
	return id + ":" + dt.String()
}

// hasLiveJobLocked reports whether any datatype for id still has a
// token in m.tokens, i.e. a fetch or checksum job that is queued or
// running. Entries are removed as soon as their job's completion
// callback runs, so presence here means genuinely in flight. Caller
// holds m.mu.
func (m *Manager) hasLiveJobLocked(id string) bool {
	for _, dt := range trackingindex.AllDatatypes {
		if _, ok := m.tokens[jobKey(id, dt)]; ok {
			return true
		}
	}
	return false
}

func channelFor(dt trackingindex.Datatype) trackingindex.Channel {
	if dt == trackingindex.Checksums {
		return trackingindex.ChannelChecksum
	}
	return trackingindex.ChannelFetch
}

func (m *Manager) poolFor(dt trackingindex.Datatype) *workerpool.Pool {
	if dt == trackingindex.Checksums {
		return m.checksumPool
	}
	return m.fetchPool
}

// lookupLocked resolves an upstream path to an entity id, consulting
// the in-memory cache before the durable index. Caller holds m.mu.
func (m *Manager) lookupLocked(path string) (string, bool, error) {
	if id, ok := m.byPath[path]; ok {
		return id, true, nil
	}
	id, found, err := m.index.GetByPath(path)
	if err != nil || !found {
		return "", false, err
	}
	m.byPath[path] = id
	return id, true, nil
}

// entityLocked returns the in-memory handle for id, creating it from
// the durable record on first access. Caller holds m.mu.
func (m *Manager) entityLocked(id string) *entity.Entity {
	if ent, ok := m.entities[id]; ok {
		return ent
	}
	rec, err := m.index.Get(id)
	var ent *entity.Entity
	if err != nil {
		m.log.Error("entity registry: loading durable record failed", zap.String("id", id), zap.Error(err))
		ent = entity.New(id, "", "")
	} else {
		ent = entity.New(id, rec.UpstreamPath, rec.PrecacheDir)
		m.byPath[rec.UpstreamPath] = id
	}
	m.entities[id] = ent
	return ent
}

// trySubmitLocked submits a job for (id, dt) iff it is currently
// Queued, implementing the Manager's at-most-one-per-entity-per-
// datatype guarantee (spec section 4.3) by serialising the check and
// the Started transition under the manager lock. Caller holds m.mu.
func (m *Manager) trySubmitLocked(id string, dt trackingindex.Datatype) error {
	statuses, err := m.index.CurrentStatus(id)
	if err != nil {
		return err
	}
	if row, ok := statuses[dt]; ok && row.Status != trackingindex.Queued {
		return nil
	}

	size, _, err := m.index.GetSize(id, dt)
	if err != nil {
		return err
	}

	if err := m.indexFatal("log-status:started", m.index.LogStatus(id, dt, trackingindex.Started)); err != nil {
		return err
	}
	return m.submitJobLocked(id, dt, size)
}

func (m *Manager) submitJobLocked(id string, dt trackingindex.Datatype, size int64) error {
	var token *workerpool.CancelToken
	var err error

	switch dt {
	case trackingindex.Data:
		token, err = m.fetchPool.Submit(size, func(cancel *workerpool.CancelToken) error {
			return m.runFetch(id, cancel)
		}, func(status workerpool.JobStatus, jobErr error) {
			m.onFetchComplete(id, status, jobErr)
		})
	case trackingindex.Checksums:
		token, err = m.checksumPool.Submit(size, func(cancel *workerpool.CancelToken) error {
			return m.runChecksum(id, cancel)
		}, func(status workerpool.JobStatus, jobErr error) {
			m.onChecksumComplete(id, status, jobErr)
		})
	default:
		return fmt.Errorf("precache: cannot submit a job for datatype %s", dt)
	}
	if err != nil {
		return err
	}

	m.tokens[jobKey(id, dt)] = token
	return nil
}

func ctxFromCancelToken(token *workerpool.CancelToken) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-token.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (m *Manager) runFetch(id string, cancel *workerpool.CancelToken) error {
	m.mu.Lock()
	ent := m.entityLocked(id)
	m.mu.Unlock()

	ctx, cancelCtx := ctxFromCancelToken(cancel)
	defer cancelCtx()

	dst := filepath.Join(ent.PrecacheDir, "data")
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()

	var written int64
	err = m.upstreamGW.FetchData(ctx, ent.UpstreamPath, f, func(n int64) {
		written += n
	})
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}

	m.mu.Lock()
	sizeErr := m.indexFatal("set-size:data", m.index.SetSize(id, trackingindex.Data, written))
	m.mu.Unlock()
	return sizeErr
}

func (m *Manager) onFetchComplete(id string, status workerpool.JobStatus, err error) {
	m.mu.Lock()
	delete(m.tokens, jobKey(id, trackingindex.Data))
	m.mu.Unlock()

	switch status {
	case workerpool.JobFinished:
		m.mu.Lock()
		logErr := m.indexFatal("log-status:data:finished", m.index.LogStatus(id, trackingindex.Data, trackingindex.Finished))
		ent := m.entityLocked(id)
		m.mu.Unlock()
		if logErr != nil {
			return
		}
		ent.MarkReady(trackingindex.Data)

		m.mu.Lock()
		submitErr := m.trySubmitLocked(id, trackingindex.Checksums)
		m.mu.Unlock()
		if submitErr != nil {
			m.log.Error("submitting checksum job", zap.String("id", id), zap.Error(submitErr))
		}
	case workerpool.JobFailed:
		m.log.Warn("fetch job failed", zap.String("id", id), zap.Error(err))
		m.mu.Lock()
		m.indexFatal("log-status:data:failed", m.index.LogStatus(id, trackingindex.Data, trackingindex.Failed))
		ent := m.entityLocked(id)
		m.mu.Unlock()
		ent.MarkReady(trackingindex.Data)
	case workerpool.JobCancelled:
		m.log.Info("fetch job cancelled", zap.String("id", id))
	}
}

func (m *Manager) runChecksum(id string, cancel *workerpool.CancelToken) error {
	m.mu.Lock()
	ent := m.entityLocked(id)
	m.mu.Unlock()

	dataPath := filepath.Join(ent.PrecacheDir, "data")
	sidecarPath := filepath.Join(ent.PrecacheDir, "checksums")

	result, err := checksum.Sum(dataPath, sidecarPath, m.cfg.ChunkSize, cancel.Cancelled)
	if err != nil {
		return err
	}

	info, err := os.Stat(sidecarPath)
	if err != nil {
		return err
	}

	m.mu.Lock()
	sizeErr := m.indexFatal("set-size:checksums", m.index.SetSize(id, trackingindex.Checksums, info.Size()))
	m.mu.Unlock()
	if sizeErr != nil {
		return sizeErr
	}

	rec, err := m.index.Get(id)
	if err != nil {
		return err
	}

	if rec.Checksum != "" && rec.Checksum != result.WholeFileMD5 {
		if err := m.handleMismatch(id, ent); err != nil {
			return err
		}
		return errMismatchRetrying
	}
	return nil
}

// handleMismatch implements spec section 4.4 step 6: on mismatch,
// reset the entity's data+checksum slots, delete their on-disk
// artifacts, and re-submit the fetch, bounded by cfg.MismatchRetries.
func (m *Manager) handleMismatch(id string, ent *entity.Entity) error {
	m.mu.Lock()
	attempts := m.mismatchAttempts[id]
	m.mu.Unlock()

	m.log.Warn("checksum mismatch", zap.String("id", id), zap.Int("attempt", attempts+1))

	if attempts >= m.cfg.MismatchRetries {
		m.mu.Lock()
		delete(m.mismatchAttempts, id)
		m.indexFatal("log-status:data:failed", m.index.LogStatus(id, trackingindex.Data, trackingindex.Failed))
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrUpstreamError, errChecksumMismatchExhausted)
	}

	m.mu.Lock()
	m.mismatchAttempts[id] = attempts + 1
	resetErr := m.indexFatal("reset", m.index.Reset(id))
	m.mu.Unlock()
	if resetErr != nil {
		return resetErr
	}
	ent.ResetReadiness(trackingindex.Data)
	ent.ResetReadiness(trackingindex.Checksums)

	for _, name := range []string{"data", "checksums"} {
		_ = os.Remove(filepath.Join(ent.PrecacheDir, name))
	}

	m.mu.Lock()
	submitErr := m.trySubmitLocked(id, trackingindex.Data)
	m.mu.Unlock()
	return submitErr
}

func (m *Manager) onChecksumComplete(id string, status workerpool.JobStatus, err error) {
	m.mu.Lock()
	delete(m.tokens, jobKey(id, trackingindex.Checksums))
	m.mu.Unlock()

	if errors.Is(err, errMismatchRetrying) {
		return
	}

	switch status {
	case workerpool.JobFinished:
		m.mu.Lock()
		delete(m.mismatchAttempts, id)
		logErr := m.indexFatal("log-status:checksums:finished", m.index.LogStatus(id, trackingindex.Checksums, trackingindex.Finished))
		ent := m.entityLocked(id)
		m.mu.Unlock()
		if logErr != nil {
			return
		}
		ent.MarkReady(trackingindex.Checksums)
	case workerpool.JobFailed:
		m.log.Warn("checksum job failed", zap.String("id", id), zap.Error(err))
		m.mu.Lock()
		m.indexFatal("log-status:checksums:failed", m.index.LogStatus(id, trackingindex.Checksums, trackingindex.Failed))
		ent := m.entityLocked(id)
		m.mu.Unlock()
		ent.MarkReady(trackingindex.Checksums)
	case workerpool.JobCancelled:
		m.log.Info("checksum job cancelled", zap.String("id", id))
	}
}

// Open implements the admission algorithm of spec section 4.4.
func (m *Manager) Open(ctx context.Context, path string, mode Mode) (*Handle, error) {
	atomic.AddInt64(&m.totalRequests, 1)

	if mode == ModeForceRefetch {
		return m.forceRefetch(ctx, path)
	}

	m.mu.Lock()
	id, found, err := m.lookupLocked(path)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	if found {
		ent := m.entityLocked(id)
		if err := m.indexFatal("touch", m.index.Touch(id)); err != nil {
			m.mu.Unlock()
			return nil, err
		}
		ent.Acquire()

		if mode != ModeMetadataOnly {
			if err := m.resubmitIfFailedLocked(id, ent); err != nil {
				m.log.Error("resubmitting failed datatype", zap.String("id", id), zap.Error(err))
			}
			if err := m.trySubmitLocked(id, trackingindex.Data); err != nil {
				m.log.Error("submitting data job", zap.String("id", id), zap.Error(err))
			}
		}

		handle, snapErr := m.snapshotLocked(id, ent)
		m.mu.Unlock()
		return handle, snapErr
	}
	m.mu.Unlock()

	return m.admit(ctx, path, mode)
}

// resubmitIfFailedLocked implements the "Failed -> reset on next open"
// edge of the per-entity state machine (spec section 4.4). Caller
// holds m.mu.
func (m *Manager) resubmitIfFailedLocked(id string, ent *entity.Entity) error {
	statuses, err := m.index.CurrentStatus(id)
	if err != nil {
		return err
	}
	row, ok := statuses[trackingindex.Data]
	if !ok || row.Status != trackingindex.Failed {
		return nil
	}
	if err := m.indexFatal("reset", m.index.Reset(id)); err != nil {
		return err
	}
	ent.ResetReadiness(trackingindex.Data)
	ent.ResetReadiness(trackingindex.Checksums)
	for _, name := range []string{"data", "checksums"} {
		_ = os.Remove(filepath.Join(ent.PrecacheDir, name))
	}
	return nil
}

// admit runs the full admission algorithm for a path with no existing
// entity, de-duplicated across concurrent callers via singleflight so
// that two simultaneous opens of a brand-new path submit at most one
// fetch job (spec section 8, "exactly one upstream fetch_data call").
func (m *Manager) admit(ctx context.Context, path string, mode Mode) (*Handle, error) {
	v, err, _ := m.admissionGroup.Do(path, func() (interface{}, error) {
		return m.admitOnce(ctx, path, mode)
	})
	if err != nil {
		return nil, err
	}
	return m.acquireHandle(v.(string))
}

func (m *Manager) acquireHandle(id string) (*Handle, error) {
	m.mu.Lock()
	ent := m.entityLocked(id)
	ent.Acquire()
	handle, err := m.snapshotLocked(id, ent)
	m.mu.Unlock()
	return handle, err
}

func (m *Manager) admitOnce(ctx context.Context, path string, mode Mode) (string, error) {
	md, err := m.upstreamGW.FetchMetadata(ctx, path)
	if err != nil {
		return "", classifyUpstreamErr(err)
	}

	doc := toMetadataDoc(md)
	metadataBuf, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}

	checksumSize := checksum.SidecarSize(md.Size, m.cfg.ChunkSize)
	required := md.Size + int64(len(metadataBuf)) + checksumSize

	if err := m.ensureSpace(required); err != nil {
		return "", err
	}

	dir := filepath.Join(m.cfg.Root, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	m.mu.Lock()
	id, upsertErr := m.index.UpsertEntity(path, dir)
	m.mu.Unlock()
	if upsertErr != nil {
		os.RemoveAll(dir)
		return "", m.indexFatal("upsert-entity", upsertErr)
	}

	if err := os.WriteFile(filepath.Join(dir, "metadata"), metadataBuf, 0o644); err != nil {
		return "", err
	}

	m.mu.Lock()
	err = m.indexFatal("admit-write", errors.Join(
		m.index.SetSize(id, trackingindex.Metadata, int64(len(metadataBuf))),
		m.index.LogStatus(id, trackingindex.Metadata, trackingindex.Finished),
		m.index.SetSize(id, trackingindex.Data, md.Size),
		m.index.SetSize(id, trackingindex.Checksums, checksumSize),
		m.index.SetChecksum(id, md.Checksum),
	))
	m.entityLocked(id)
	m.mu.Unlock()
	if err != nil {
		return "", err
	}

	if mode != ModeMetadataOnly {
		m.mu.Lock()
		submitErr := m.trySubmitLocked(id, trackingindex.Data)
		m.mu.Unlock()
		if submitErr != nil {
			m.log.Error("submitting initial data job", zap.String("id", id), zap.Error(submitErr))
		}
	}

	return id, nil
}

// ensureSpace evicts if necessary so that committing `required` more
// bytes keeps commitment within the configured limit (spec section
// 4.4 step 4).
func (m *Manager) ensureSpace(required int64) error {
	if m.cfg.SizeLimit < 0 {
		return nil
	}

	commitment, err := m.index.Commitment()
	if err != nil {
		return err
	}
	if commitment+required <= m.cfg.SizeLimit {
		return nil
	}

	headroom := m.cfg.SizeLimit - commitment
	need := required - headroom
	if err := m.invalidator.Free(need); err != nil {
		return ErrPrecacheFull
	}
	return nil
}

func classifyUpstreamErr(err error) error {
	switch {
	case errors.Is(err, upstream.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, upstream.ErrForbidden):
		return ErrForbidden
	default:
		return fmt.Errorf("%w: %v", ErrUpstreamError, err)
	}
}

// forceRefetch implements spec section 4.4's "Force refetch" flow.
func (m *Manager) forceRefetch(ctx context.Context, path string) (*Handle, error) {
	m.mu.Lock()
	id, found, err := m.lookupLocked(path)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if !found {
		m.mu.Unlock()
		return m.admit(ctx, path, ModeExisting)
	}

	ent := m.entityLocked(id)
	dir := ent.PrecacheDir
	contention := ent.Contention()
	m.mu.Unlock()

	stored, err := readMetadataDoc(dir)
	if err != nil {
		return nil, err
	}

	fresh, err := m.upstreamGW.FetchMetadata(ctx, path)
	if err != nil {
		return nil, classifyUpstreamErr(err)
	}

	changed := fresh.Size != stored.Size || fresh.Checksum != stored.Checksum || !fresh.ModifiedTS.Equal(stored.Modified)
	if !changed {
		return m.acquireHandle(id)
	}
	if contention > 0 {
		return nil, ErrInUse
	}

	m.mu.Lock()
	resetErr := m.indexFatal("reset", m.index.Reset(id))
	m.mu.Unlock()
	if resetErr != nil {
		return nil, resetErr
	}
	ent.ResetReadiness(trackingindex.Data)
	ent.ResetReadiness(trackingindex.Checksums)
	for _, name := range []string{"data", "checksums"} {
		_ = os.Remove(filepath.Join(dir, name))
	}

	if err := m.rewriteMetadata(id, dir, fresh); err != nil {
		return nil, err
	}

	m.mu.Lock()
	submitErr := m.trySubmitLocked(id, trackingindex.Data)
	m.mu.Unlock()
	if submitErr != nil {
		return nil, submitErr
	}

	return m.acquireHandle(id)
}

func (m *Manager) rewriteMetadata(id, dir string, md upstream.Metadata) error {
	buf, err := json.Marshal(toMetadataDoc(md))
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata"), buf, 0o644); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.indexFatal("rewrite-metadata", errors.Join(
		m.index.Resize(id, trackingindex.Metadata, int64(len(buf))),
		m.index.SetSize(id, trackingindex.Data, md.Size),
		m.index.SetSize(id, trackingindex.Checksums, checksum.SidecarSize(md.Size, m.cfg.ChunkSize)),
		m.index.SetChecksum(id, md.Checksum),
	))
}

// snapshotLocked builds a Handle from the durable record. Caller holds
// m.mu.
func (m *Manager) snapshotLocked(id string, ent *entity.Entity) (*Handle, error) {
	statuses, err := m.index.CurrentStatus(id)
	if err != nil {
		return nil, err
	}

	sizes := make(map[trackingindex.Datatype]int64, 3)
	for _, dt := range trackingindex.AllDatatypes {
		if size, ok, sizeErr := m.index.GetSize(id, dt); sizeErr == nil && ok {
			sizes[dt] = size
		}
	}

	rec, err := m.index.Get(id)
	if err != nil {
		return nil, err
	}

	return &Handle{
		ID:           id,
		UpstreamPath: rec.UpstreamPath,
		Dir:          rec.PrecacheDir,
		Status:       statuses,
		Sizes:        sizes,
		Checksum:     rec.Checksum,
	}, nil
}

// Release decrements contention for handle's entity (spec section
// 4.4, "idempotent").
func (m *Manager) Release(handle *Handle) {
	if handle == nil {
		return
	}
	m.mu.Lock()
	ent, ok := m.entities[handle.ID]
	m.mu.Unlock()
	if ok {
		ent.Release()
	}
}

// Delete removes an entity if it is uncontended (spec section 4.4).
func (m *Manager) Delete(path string) error {
	m.mu.Lock()
	id, found, err := m.lookupLocked(path)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if !found {
		m.mu.Unlock()
		return ErrNotFound
	}

	ent := m.entityLocked(id)
	if ent.Contention() > 0 {
		m.mu.Unlock()
		return ErrInUse
	}
	// A caller can release contention while a fetch or checksum job it
	// admitted is still running in the background (spec section 4.4:
	// deletion additionally requires "no job is in flight").
	if m.hasLiveJobLocked(id) {
		m.mu.Unlock()
		return ErrInUse
	}

	dir := ent.PrecacheDir
	delete(m.entities, id)
	delete(m.byPath, path)
	m.mu.Unlock()

	if delErr := m.index.DeleteEntity(id); delErr != nil && !errors.Is(delErr, trackingindex.ErrNotFound) {
		return m.indexFatal("delete-entity", delErr)
	}
	if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ETA implements spec section 4.6 at the Manager's level, pulling
// rates and queue snapshots from the Rate Tracker and Worker Pools. It
// returns (nil, nil) when no estimate is currently possible (rate
// unknown or size unknown).
func (m *Manager) ETA(id string, dt trackingindex.Datatype) (*eta.Estimate, error) {
	rate, ok := m.rates.Rate(channelFor(dt))
	if !ok {
		return nil, nil
	}

	size, sizeKnown, err := m.index.GetSize(id, dt)
	if err != nil {
		return nil, err
	}
	if !sizeKnown {
		return nil, nil
	}

	statuses, err := m.index.CurrentStatus(id)
	if err != nil {
		return nil, err
	}
	row, hasRow := statuses[dt]

	var startedAt time.Time
	if hasRow && row.Status == trackingindex.Started {
		startedAt = row.Timestamp
	}

	pool := m.poolFor(dt)
	snap := pool.Snapshot()

	started := make([]eta.StartedJob, 0, len(snap.Active))
	for _, a := range snap.Active {
		started = append(started, eta.StartedJob{Size: a.Size, Elapsed: time.Since(a.StartedAt)})
	}

	var ahead int64
	m.mu.Lock()
	token := m.tokens[jobKey(id, dt)]
	m.mu.Unlock()
	if token != nil {
		if b, found := pool.QueuePosition(token); found {
			ahead = b
		}
	}

	snapshot := eta.QueueSnapshot{Concurrency: snap.Concurrency, Started: started, AheadBytes: ahead}

	if dt == trackingindex.Checksums && startedAt.IsZero() {
		dataEst, err := m.ETA(id, trackingindex.Data)
		if err != nil {
			return nil, err
		}
		if dataEst == nil {
			return nil, nil
		}
		chained, ok := eta.ChainedEstimate(*dataEst, size, startedAt, rate, snapshot)
		if !ok {
			return nil, nil
		}
		return &chained, nil
	}

	est, ok := eta.Compute(size, startedAt, rate, snapshot)
	if !ok {
		return nil, nil
	}
	return &est, nil
}

// Manifest implements spec section 4.4.
func (m *Manager) Manifest() ([]ManifestEntry, error) {
	ids, err := m.index.AllEntityIDs()
	if err != nil {
		return nil, err
	}

	out := make([]ManifestEntry, 0, len(ids))
	for _, id := range ids {
		rec, err := m.index.Get(id)
		if err != nil {
			continue
		}
		statuses, err := m.index.CurrentStatus(id)
		if err != nil {
			continue
		}

		avail := make(map[trackingindex.Datatype]trackingindex.Status, len(statuses))
		for dt, row := range statuses {
			avail[dt] = row.Status
		}

		m.mu.Lock()
		contention := 0
		if ent, ok := m.entities[id]; ok {
			contention = ent.Contention()
		}
		m.mu.Unlock()

		out = append(out, ManifestEntry{
			UpstreamPath: rec.UpstreamPath,
			Availability: avail,
			LastAccessed: rec.LastAccess,
			Contention:   contention,
		})
	}
	return out, nil
}

// Status implements spec section 4.4.
func (m *Manager) Status() (GlobalStatus, error) {
	commitment, err := m.index.Commitment()
	if err != nil {
		return GlobalStatus{}, err
	}

	rates := make(map[trackingindex.Channel]trackingindex.RateStat, 2)
	if r, ok := m.rates.Rate(trackingindex.ChannelFetch); ok {
		rates[trackingindex.ChannelFetch] = r
	}
	if r, ok := m.rates.Rate(trackingindex.ChannelChecksum); ok {
		rates[trackingindex.ChannelChecksum] = r
	}

	fetchSnap := m.fetchPool.Snapshot()
	checksumSnap := m.checksumPool.Snapshot()

	return GlobalStatus{
		Commitment:        commitment,
		Rates:             rates,
		ActiveDownloads:   len(fetchSnap.Active) + len(checksumSnap.Active),
		ActiveConnections: int(atomic.LoadInt64(&m.activeConnections)),
		TotalRequests:     atomic.LoadInt64(&m.totalRequests),
		StartTime:         m.startTime,
	}, nil
}

func toMetadataDoc(md upstream.Metadata) metadataDoc {
	doc := metadataDoc{
		Checksum: md.Checksum,
		Size:     md.Size,
		Created:  md.CreatedTS,
		Modified: md.ModifiedTS,
	}
	for _, a := range md.AVUs {
		doc.AVUs = append(doc.AVUs, avuDoc{Attribute: a.Attribute, Value: a.Value, Unit: a.Unit})
	}
	return doc
}

func readMetadataDoc(dir string) (metadataDoc, error) {
	buf, err := os.ReadFile(filepath.Join(dir, "metadata"))
	if err != nil {
		return metadataDoc{}, err
	}
	var doc metadataDoc
	if err := json.Unmarshal(buf, &doc); err != nil {
		return metadataDoc{}, err
	}
	return doc, nil
}
