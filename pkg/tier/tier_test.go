package tier

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpoolio/poold/pkg/sectors"
	"github.com/blockpoolio/poold/pkg/uuid"
)

type fakeKeyring map[string][]byte

func (f fakeKeyring) Lookup(desc string) ([]byte, error) { return nil, os.ErrNotExist }

type fakeEscrow struct{}

func (fakeEscrow) Unlock(pin string, config []byte) ([]byte, error) { return nil, os.ErrNotExist }
func (fakeEscrow) Reachable(pin string, config []byte) bool         { return false }

func newTestDevPaths(t *testing.T, n int) []string {
	t.Helper()
	paths := make([]string, n)
	for i := range paths {
		path := filepath.Join(t.TempDir(), "dev")
		f, err := os.Create(path)
		require.NoError(t, err)
		require.NoError(t, f.Truncate(4<<20))
		require.NoError(t, f.Close())
		paths[i] = path
	}
	return paths
}

func TestDataTierAllocCoalescesIntoFlatList(t *testing.T) {
	paths := newTestDevPaths(t, 1)
	dt, err := InitializeDataTier(uuid.NewPoolUUID(), paths, 64, nil, fakeKeyring{}, fakeEscrow{})
	require.NoError(t, err)

	_, ok := dt.Alloc([]sectors.Sectors{100})
	require.True(t, ok)
	_, ok = dt.Alloc([]sectors.Sectors{50})
	require.True(t, ok)

	require.Len(t, dt.FlatSegments(), 1) // contiguous allocations coalesce
	assert.Equal(t, sectors.Sectors(150), dt.Size())
}

func TestDataTierGrowReportsFalseWhenNoExtraSpace(t *testing.T) {
	paths := newTestDevPaths(t, 1)
	dt, err := InitializeDataTier(uuid.NewPoolUUID(), paths, 64, nil, fakeKeyring{}, fakeEscrow{})
	require.NoError(t, err)

	free := dt.Mgr().Devices()[0].FreeSectors()
	_, ok := dt.Alloc([]sectors.Sectors{free})
	require.True(t, ok)

	grew, err := dt.Grow(dt.Mgr().Devices()[0].DevUUID())
	require.NoError(t, err)
	assert.False(t, grew)
}

func TestCacheTierRefusesGrowthPastCeiling(t *testing.T) {
	paths := newTestDevPaths(t, 1)
	ct, err := InitializeCacheTier(uuid.NewPoolUUID(), paths, 64, 200, fakeKeyring{}, fakeEscrow{})
	require.NoError(t, err)

	_, ok, err := ct.Alloc([]sectors.Sectors{100})
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = ct.Alloc([]sectors.Sectors{150})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrCacheMetaGrowthUnsupported)
}
