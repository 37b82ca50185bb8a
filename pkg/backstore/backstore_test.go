package backstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpoolio/poold/pkg/crypt"
	"github.com/blockpoolio/poold/pkg/dm"
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

func newTestDevPaths(t *testing.T, n int) []string {
	return newTestDevPathsSized(t, n, 8<<20)
}

func newTestDevPathsSized(t *testing.T, n int, size int64) []string {
	t.Helper()
	paths := make([]string, n)
	for i := range paths {
		path := filepath.Join(t.TempDir(), "dev")
		f, err := os.Create(path)
		require.NoError(t, err)
		require.NoError(t, f.Truncate(size))
		require.NoError(t, f.Close())
		paths[i] = path
	}
	return paths
}

func TestAllocMaterializesLinearCapOnFirstCall(t *testing.T) {
	driver := dm.NewSimDriver()
	paths := newTestDevPaths(t, 2)
	bs, err := Initialize(driver, "pool1", uuid.NewPoolUUID(), paths, 64, nil, fakeKeyring{}, fakeEscrow{})
	require.NoError(t, err)

	extents, ok := bs.Alloc([]sectors.Sectors{100, 200})
	require.True(t, ok)
	require.Len(t, extents, 2)
	assert.Equal(t, sectors.Sectors(0), extents[0].Offset)
	assert.Equal(t, sectors.Sectors(100), extents[1].Offset)
	assert.True(t, driver.Exists("blockpool-pool1-physical"))
}

func TestAllocGrowsCapOnSecondCall(t *testing.T) {
	driver := dm.NewSimDriver()
	paths := newTestDevPaths(t, 1)
	bs, err := Initialize(driver, "pool1", uuid.NewPoolUUID(), paths, 64, nil, fakeKeyring{}, fakeEscrow{})
	require.NoError(t, err)

	_, ok := bs.Alloc([]sectors.Sectors{100})
	require.True(t, ok)
	_, ok = bs.Alloc([]sectors.Sectors{50})
	require.True(t, ok)

	segs := driver.LinearSegments("blockpool-pool1-physical")
	assert.Equal(t, sectors.Sectors(150), segs[0].Length)
}

func TestAllocFailsOverCapacityWithoutMaterializing(t *testing.T) {
	driver := dm.NewSimDriver()
	paths := newTestDevPaths(t, 1)
	bs, err := Initialize(driver, "pool1", uuid.NewPoolUUID(), paths, 64, nil, fakeKeyring{}, fakeEscrow{})
	require.NoError(t, err)

	huge := bs.DataTier().Mgr().Devices()[0].FreeSectors() + 1
	_, ok := bs.Alloc([]sectors.Sectors{huge})
	assert.False(t, ok)
	assert.False(t, driver.Exists("blockpool-pool1-physical"))
}

func TestInitCacheRequiresPriorAlloc(t *testing.T) {
	driver := dm.NewSimDriver()
	paths := newTestDevPaths(t, 1)
	bs, err := Initialize(driver, "pool1", uuid.NewPoolUUID(), paths, 64, nil, fakeKeyring{}, fakeEscrow{})
	require.NoError(t, err)

	err = bs.InitCache(newTestDevPathsSized(t, 1, 256<<20), 64, fakeKeyring{}, fakeEscrow{})
	assert.Error(t, err)
}

func TestInitCacheSplicesCacheTopology(t *testing.T) {
	driver := dm.NewSimDriver()
	paths := newTestDevPaths(t, 1)
	bs, err := Initialize(driver, "pool1", uuid.NewPoolUUID(), paths, 64, nil, fakeKeyring{}, fakeEscrow{})
	require.NoError(t, err)

	_, ok := bs.Alloc([]sectors.Sectors{100})
	require.True(t, ok)

	require.NoError(t, bs.InitCache(newTestDevPathsSized(t, 1, 256<<20), 64, fakeKeyring{}, fakeEscrow{}))
	assert.True(t, bs.Cached())
	assert.True(t, driver.Exists("blockpool-pool1-physical-cached"))
	assert.False(t, driver.Exists("blockpool-pool1-physical"))
}

func TestBindKeyringRoutesToEveryEncryptedDevice(t *testing.T) {
	driver := dm.NewSimDriver()
	paths := newTestDevPaths(t, 2)
	kr := fakeKeyring{"K": []byte("pass"), "K2": []byte("pass2")}
	bs, err := Initialize(driver, "pool1", uuid.NewPoolUUID(), paths, 64,
		crypt.EncryptionInfo{0: crypt.KeyDesc{KeyDescription: "K"}}, kr, fakeEscrow{})
	require.NoError(t, err)

	require.NoError(t, bs.BindKeyring(1, crypt.KeyDesc{KeyDescription: "K2"}))
	for _, d := range bs.DataTier().Mgr().Devices() {
		assert.True(t, d.EncryptionHandle().IsActive())
	}
}

func TestTeardownDisownsAllDevices(t *testing.T) {
	driver := dm.NewSimDriver()
	paths := newTestDevPaths(t, 2)
	bs, err := Initialize(driver, "pool1", uuid.NewPoolUUID(), paths, 64, nil, fakeKeyring{}, fakeEscrow{})
	require.NoError(t, err)

	_, ok := bs.Alloc([]sectors.Sectors{10})
	require.True(t, ok)
	require.NoError(t, bs.Teardown())
	assert.False(t, driver.Exists("blockpool-pool1-physical"))
}
