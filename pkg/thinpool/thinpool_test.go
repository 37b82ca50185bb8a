package thinpool

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpoolio/poold/pkg/backstore"
	"github.com/blockpoolio/poold/pkg/dm"
	"github.com/blockpoolio/poold/pkg/mdv"
	"github.com/blockpoolio/poold/pkg/sectors"
	"github.com/blockpoolio/poold/pkg/uuid"
)

type fakeKeyring map[string][]byte

func (f fakeKeyring) Lookup(desc string) ([]byte, error) {
	if p, ok := f[desc]; ok {
		return p, nil
	}
	return nil, os.ErrNotExist
}

type fakeEscrow map[string][]byte

func (f fakeEscrow) key(pin string, config []byte) string { return pin + "|" + string(config) }
func (f fakeEscrow) Unlock(pin string, config []byte) ([]byte, error) {
	if k, ok := f[f.key(pin, config)]; ok {
		return k, nil
	}
	return nil, os.ErrNotExist
}
func (f fakeEscrow) Reachable(pin string, config []byte) bool {
	_, ok := f[f.key(pin, config)]
	return ok
}

func newTestPool(t *testing.T, overprovEnabled bool) *ThinPool {
	t.Helper()
	driver := dm.NewSimDriver()
	path := filepath.Join(t.TempDir(), "dev")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(3<<30))
	require.NoError(t, f.Close())

	pool := uuid.NewPoolUUID()
	bs, err := backstore.Initialize(driver, "pool1", pool, []string{path}, 64, nil, fakeKeyring{}, fakeEscrow{})
	require.NoError(t, err)

	vol, err := mdv.Mount(filepath.Join(t.TempDir(), "mdv"))
	require.NoError(t, err)

	tp, err := Initialize(bs, vol, pool, DefaultFsLimit, overprovEnabled)
	require.NoError(t, err)
	return tp
}

func TestInitializeCarvesFourFlexRegions(t *testing.T) {
	tp := newTestPool(t, true)
	assert.Equal(t, InitialMetaSize, tp.MetaRegionSize())
	assert.Equal(t, InitialMetaSize, tp.MetaSpareRegionSize())
	assert.Equal(t, InitialDataSize, tp.DataRegionSize())
	assert.Equal(t, InitialMDVSize, tp.MDVRegionSize())
}

func TestCreateFilesystemIdempotentOnSameNameAndSize(t *testing.T) {
	tp := newTestPool(t, true)
	size := 512 * sectors.MiB

	a1, err := tp.CreateFilesystem("root", &size, nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, a1.Kind)

	a2, err := tp.CreateFilesystem("root", &size, nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, ActionIdentity, a2.Kind)
	assert.Equal(t, a1.Filesystem.UUID, a2.Filesystem.UUID)
}

func TestCreateFilesystemNameCollisionDifferentSizeErrors(t *testing.T) {
	tp := newTestPool(t, true)
	sizeA := 512 * sectors.MiB
	sizeB := 1 * sectors.GiB

	_, err := tp.CreateFilesystem("root", &sizeA, nil, time.Now())
	require.NoError(t, err)

	_, err = tp.CreateFilesystem("root", &sizeB, nil, time.Now())
	assert.Error(t, err)
}

func TestCreateFilesystemOverprovGateRejectsOversized(t *testing.T) {
	tp := newTestPool(t, false)
	huge := tp.CapSize() + 1

	_, err := tp.CreateFilesystem("huge", &huge, nil, time.Now())
	assert.ErrorIs(t, err, ErrOverprovDisabled)
}

func TestCreateFilesystemRespectsFsLimit(t *testing.T) {
	tp := newTestPool(t, true)
	tp.fsLimit = 1
	size := 256 * sectors.MiB

	_, err := tp.CreateFilesystem("a", &size, nil, time.Now())
	require.NoError(t, err)

	_, err = tp.CreateFilesystem("b", &size, nil, time.Now())
	assert.ErrorIs(t, err, ErrFsLimitExceeded)
}

func TestSnapshotFilesystemOverprovGateRejectsOversized(t *testing.T) {
	tp := newTestPool(t, false)
	huge := tp.CapSize()
	origin, err := tp.CreateFilesystem("root", &huge, nil, time.Now())
	require.NoError(t, err)

	_, err = tp.SnapshotFilesystem(origin.Filesystem.UUID, "snap", time.Now())
	assert.ErrorIs(t, err, ErrOverprovDisabled)
}

func TestSnapshotFilesystemRespectsFsLimit(t *testing.T) {
	tp := newTestPool(t, true)
	size := 256 * sectors.MiB
	origin, err := tp.CreateFilesystem("root", &size, nil, time.Now())
	require.NoError(t, err)

	tp.fsLimit = 1
	_, err = tp.SnapshotFilesystem(origin.Filesystem.UUID, "snap", time.Now())
	assert.ErrorIs(t, err, ErrFsLimitExceeded)
}

func TestCreateFilesystemRejectsInvalidName(t *testing.T) {
	tp := newTestPool(t, true)
	size := 256 * sectors.MiB

	_, err := tp.CreateFilesystem("", &size, nil, time.Now())
	assert.Error(t, err)

	_, err = tp.CreateFilesystem("has/slash", &size, nil, time.Now())
	assert.Error(t, err)
}

func TestRenameFilesystemRejectsInvalidName(t *testing.T) {
	tp := newTestPool(t, true)
	size := 256 * sectors.MiB
	fs, err := tp.CreateFilesystem("root", &size, nil, time.Now())
	require.NoError(t, err)

	_, err = tp.RenameFilesystem(fs.Filesystem.UUID, "bad/name")
	assert.Error(t, err)
}

func TestSnapshotFilesystemIdempotentAndCollision(t *testing.T) {
	tp := newTestPool(t, true)
	size := 512 * sectors.MiB
	origin, err := tp.CreateFilesystem("root", &size, nil, time.Now())
	require.NoError(t, err)

	snap1, err := tp.SnapshotFilesystem(origin.Filesystem.UUID, "snap", time.Now())
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, snap1.Kind)
	require.NotNil(t, snap1.Filesystem.Origin)
	assert.Equal(t, origin.Filesystem.UUID, *snap1.Filesystem.Origin)

	snap2, err := tp.SnapshotFilesystem(origin.Filesystem.UUID, "snap", time.Now())
	require.NoError(t, err)
	assert.Equal(t, ActionIdentity, snap2.Kind)

	other, err := tp.CreateFilesystem("unrelated", &size, nil, time.Now())
	require.NoError(t, err)
	_, err = tp.SnapshotFilesystem(other.Filesystem.UUID, "snap", time.Now())
	assert.Error(t, err)
}

func TestDestroyFilesystemsSkipsOriginOverDeletedNode(t *testing.T) {
	tp := newTestPool(t, true)
	size := 512 * sectors.MiB
	root, err := tp.CreateFilesystem("root", &size, nil, time.Now())
	require.NoError(t, err)
	mid, err := tp.SnapshotFilesystem(root.Filesystem.UUID, "mid", time.Now())
	require.NoError(t, err)
	leaf, err := tp.SnapshotFilesystem(mid.Filesystem.UUID, "leaf", time.Now())
	require.NoError(t, err)

	require.NoError(t, tp.DestroyFilesystems([]uuid.FilesystemUUID{mid.Filesystem.UUID}))

	leafFs := tp.filesystems[leaf.Filesystem.UUID]
	require.NotNil(t, leafFs.Origin)
	assert.Equal(t, root.Filesystem.UUID, *leafFs.Origin)
}

func TestDestroyFilesystemsRefusesRevertScheduledTarget(t *testing.T) {
	tp := newTestPool(t, true)
	size := 512 * sectors.MiB
	root, err := tp.CreateFilesystem("root", &size, nil, time.Now())
	require.NoError(t, err)
	snap, err := tp.SnapshotFilesystem(root.Filesystem.UUID, "snap", time.Now())
	require.NoError(t, err)
	_, err = tp.SetFsMergeScheduled(snap.Filesystem.UUID, true)
	require.NoError(t, err)

	err = tp.DestroyFilesystems([]uuid.FilesystemUUID{snap.Filesystem.UUID})
	assert.ErrorIs(t, err, ErrDestroyTargetRevertScheduled)
}

func TestRenameFilesystemIdempotentAndCollision(t *testing.T) {
	tp := newTestPool(t, true)
	size := 512 * sectors.MiB
	a, err := tp.CreateFilesystem("a", &size, nil, time.Now())
	require.NoError(t, err)
	b, err := tp.CreateFilesystem("b", &size, nil, time.Now())
	require.NoError(t, err)

	same, err := tp.RenameFilesystem(a.Filesystem.UUID, "a")
	require.NoError(t, err)
	assert.Equal(t, ActionIdentity, same.Kind)

	_, err = tp.RenameFilesystem(a.Filesystem.UUID, "b")
	assert.Error(t, err)

	renamed, err := tp.RenameFilesystem(a.Filesystem.UUID, "a2")
	require.NoError(t, err)
	assert.Equal(t, ActionRenamed, renamed.Kind)
	_ = b
}

func TestSetFsSizeLimitRefusesBelowCurrentSize(t *testing.T) {
	tp := newTestPool(t, true)
	size := 512 * sectors.MiB
	fs, err := tp.CreateFilesystem("root", &size, nil, time.Now())
	require.NoError(t, err)

	tooSmall := size - sectors.MiB
	_, err = tp.SetFsSizeLimit(fs.Filesystem.UUID, &tooSmall)
	assert.Error(t, err)

	ample := size * 2
	action, err := tp.SetFsSizeLimit(fs.Filesystem.UUID, &ample)
	require.NoError(t, err)
	assert.Equal(t, ActionNewValue, action.Kind)
}

func TestSetFsMergeScheduledPreconditions(t *testing.T) {
	tp := newTestPool(t, true)
	size := 512 * sectors.MiB
	root, err := tp.CreateFilesystem("root", &size, nil, time.Now())
	require.NoError(t, err)

	_, err = tp.SetFsMergeScheduled(root.Filesystem.UUID, true)
	assert.ErrorIs(t, err, ErrNoOrigin)

	snapA, err := tp.SnapshotFilesystem(root.Filesystem.UUID, "snapA", time.Now())
	require.NoError(t, err)
	snapB, err := tp.SnapshotFilesystem(root.Filesystem.UUID, "snapB", time.Now())
	require.NoError(t, err)

	_, err = tp.SetFsMergeScheduled(snapA.Filesystem.UUID, true)
	require.NoError(t, err)

	_, err = tp.SetFsMergeScheduled(snapB.Filesystem.UUID, true)
	assert.ErrorIs(t, err, ErrSiblingRevertScheduled)
}

func TestRevertOnStartMergesSnapshotIntoOrigin(t *testing.T) {
	tp := newTestPool(t, true)
	size := 512 * sectors.MiB
	root, err := tp.CreateFilesystem("root", &size, nil, time.Now())
	require.NoError(t, err)

	biggerSize := size * 2
	snap, err := tp.SnapshotFilesystem(root.Filesystem.UUID, "snap", time.Now())
	require.NoError(t, err)
	tp.filesystems[snap.Filesystem.UUID].Size = biggerSize
	_, err = tp.SetFsMergeScheduled(snap.Filesystem.UUID, true)
	require.NoError(t, err)

	require.NoError(t, tp.RevertOnStart())

	_, stillThere := tp.filesystems[snap.Filesystem.UUID]
	assert.False(t, stillThere)
	rootFs := tp.filesystems[root.Filesystem.UUID]
	assert.Equal(t, biggerSize, rootFs.Size)
}

func TestCheckGrowsDataRegionUnderLowWater(t *testing.T) {
	tp := newTestPool(t, true)
	tp.dataUsed = tp.DataRegionSize() - DataLowater/2

	result := tp.Check(time.Now())
	assert.True(t, result.MetadataChanged)
	assert.Greater(t, tp.DataRegionSize(), InitialDataSize)
}

func TestCheckReportsOutOfAllocSpaceWhenBackstoreExhausted(t *testing.T) {
	tp := newTestPool(t, true)
	// Drain the backstore's free space so growth has nowhere to come
	// from: request everything still free beyond the flex regions
	// already carved.
	for {
		if _, ok := tp.bs.Alloc([]sectors.Sectors{sectors.MiB}); !ok {
			break
		}
	}
	tp.dataUsed = tp.DataRegionSize() - DataLowater/2

	tp.Check(time.Now())
	assert.True(t, tp.OutOfAllocSpace())
}
