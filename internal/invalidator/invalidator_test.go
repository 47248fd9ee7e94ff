package invalidator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/irobot-precache/internal/trackingindex"
)

type fakeContention struct {
	contended map[string]bool
}

func (f *fakeContention) Contended(id string) bool { return f.contended[id] }

func newTestIndex(t *testing.T) *trackingindex.Index {
	t.Helper()
	idx, err := trackingindex.Open(filepath.Join(t.TempDir(), "index.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func admitWithSize(t *testing.T, idx *trackingindex.Index, root, path string, size int64) (string, string) {
	t.Helper()
	dir := filepath.Join(root, filepath.Base(path)+"-dir")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	id, err := idx.UpsertEntity(path, dir)
	require.NoError(t, err)
	require.NoError(t, idx.SetSize(id, trackingindex.Data, size))
	return id, dir
}

func TestFreeEvictsOldestFirstUntilSatisfied(t *testing.T) {
	root := t.TempDir()
	idx := newTestIndex(t)
	contention := &fakeContention{contended: map[string]bool{}}
	inv := New(idx, contention, Config{Root: root, AgeThresholdUnlimited: true}, nil)

	idA, dirA := admitWithSize(t, idx, root, "/zone/a", 100)
	time.Sleep(5 * time.Millisecond)
	idB, dirB := admitWithSize(t, idx, root, "/zone/b", 100)

	require.NoError(t, inv.Free(100))

	_, err := idx.Get(idA)
	assert.ErrorIs(t, err, trackingindex.ErrNotFound)
	_, statErr := os.Stat(dirA)
	assert.True(t, os.IsNotExist(statErr))

	_, err = idx.Get(idB)
	assert.NoError(t, err)
	_, statErr = os.Stat(dirB)
	assert.NoError(t, statErr)
}

func TestFreeSkipsContendedEntities(t *testing.T) {
	root := t.TempDir()
	idx := newTestIndex(t)
	idA, _ := admitWithSize(t, idx, root, "/zone/a", 100)
	contention := &fakeContention{contended: map[string]bool{idA: true}}
	inv := New(idx, contention, Config{Root: root, AgeThresholdUnlimited: true}, nil)

	err := inv.Free(100)
	assert.ErrorIs(t, err, ErrPrecacheFull)

	_, err = idx.Get(idA)
	assert.NoError(t, err) // contended entity survives
}

func TestFreeIsAllOrNothingWhenAgeThresholdBlocks(t *testing.T) {
	root := t.TempDir()
	idx := newTestIndex(t)
	contention := &fakeContention{contended: map[string]bool{}}
	inv := New(idx, contention, Config{Root: root, AgeThreshold: time.Hour}, nil)

	idA, _ := admitWithSize(t, idx, root, "/zone/a", 100)

	err := inv.Free(100)
	assert.ErrorIs(t, err, ErrPrecacheFull)

	_, err = idx.Get(idA)
	assert.NoError(t, err) // too young to evict; no-op
}

func TestRepairResetsCrashedStartedDatatype(t *testing.T) {
	root := t.TempDir()
	idx := newTestIndex(t)
	id, dir := admitWithSize(t, idx, root, "/zone/a", 100)

	require.NoError(t, idx.LogStatus(id, trackingindex.Data, trackingindex.Started))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data"), []byte("partial"), 0o644))

	require.NoError(t, Repair(context.Background(), idx, root, nil))

	statuses, err := idx.CurrentStatus(id)
	require.NoError(t, err)
	assert.Equal(t, trackingindex.Queued, statuses[trackingindex.Data].Status)

	_, statErr := os.Stat(filepath.Join(dir, "data"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRepairDropsRowWithMissingDirectory(t *testing.T) {
	root := t.TempDir()
	idx := newTestIndex(t)
	id, dir := admitWithSize(t, idx, root, "/zone/a", 100)
	require.NoError(t, os.RemoveAll(dir))

	require.NoError(t, Repair(context.Background(), idx, root, nil))

	_, err := idx.Get(id)
	assert.ErrorIs(t, err, trackingindex.ErrNotFound)
}

func TestRepairRemovesOrphanedDirectory(t *testing.T) {
	root := t.TempDir()
	idx := newTestIndex(t)

	orphan := filepath.Join(root, "orphan-dir")
	require.NoError(t, os.MkdirAll(orphan, 0o755))

	require.NoError(t, Repair(context.Background(), idx, root, nil))

	_, statErr := os.Stat(orphan)
	assert.True(t, os.IsNotExist(statErr))
}
