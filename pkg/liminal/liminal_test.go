package liminal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpoolio/poold/pkg/bda"
	"github.com/blockpoolio/poold/pkg/poolrecord"
	"github.com/blockpoolio/poold/pkg/uuid"
)

func writeBlankFile(t *testing.T, dir, name string, size int64) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func TestClassifyRecognizesPoolMember(t *testing.T) {
	dir := t.TempDir()
	path := writeBlankFile(t, dir, "dev0", 8<<20)

	dev, err := bda.OpenFileDevice(path)
	require.NoError(t, err)
	pool := uuid.NewPoolUUID()
	_, err = bda.Initialize(dev, pool, uuid.NewDevUUID(), 64, bda.StaticRegionSectors)
	require.NoError(t, err)
	require.NoError(t, dev.Close())

	c, err := NewClassifier(16)
	require.NoError(t, err)
	cl, err := c.Classify(path)
	require.NoError(t, err)
	assert.Equal(t, KindPoolMember, cl.Kind)
	assert.Equal(t, pool, cl.Pool)
}

func TestClassifyRecognizesLuksMagic(t *testing.T) {
	dir := t.TempDir()
	path := writeBlankFile(t, dir, "dev0", 8<<20)

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{'L', 'U', 'K', 'S', 0xba, 0xbe}, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	c, err := NewClassifier(16)
	require.NoError(t, err)
	cl, err := c.Classify(path)
	require.NoError(t, err)
	assert.Equal(t, KindLuks, cl.Kind)
}

func TestClassifyBlankFileIsUnowned(t *testing.T) {
	dir := t.TempDir()
	path := writeBlankFile(t, dir, "dev0", 8<<20)

	c, err := NewClassifier(16)
	require.NoError(t, err)
	cl, err := c.Classify(path)
	require.NoError(t, err)
	assert.Equal(t, KindUnowned, cl.Kind)
}

func TestClassifyCachesResult(t *testing.T) {
	dir := t.TempDir()
	path := writeBlankFile(t, dir, "dev0", 8<<20)

	c, err := NewClassifier(16)
	require.NoError(t, err)
	first, err := c.Classify(path)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))

	second, err := c.Classify(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGroupByPoolIgnoresNonMembers(t *testing.T) {
	poolA := uuid.NewPoolUUID()
	poolB := uuid.NewPoolUUID()
	classifications := []Classification{
		{Path: "/dev/a", Kind: KindPoolMember, Pool: poolA},
		{Path: "/dev/b", Kind: KindPoolMember, Pool: poolA},
		{Path: "/dev/c", Kind: KindPoolMember, Pool: poolB},
		{Path: "/dev/d", Kind: KindLuks},
		{Path: "/dev/e", Kind: KindUnowned},
	}

	groups := GroupByPool(classifications)
	assert.Len(t, groups, 2)
	assert.Len(t, groups[poolA], 2)
	assert.Len(t, groups[poolB], 1)
}

func TestCheckAssemblyBlocksOnMissingDataDevice(t *testing.T) {
	dataDev := uuid.NewDevUUID()
	rec := poolrecord.PoolRecord{
		Backstore: poolrecord.BackstoreRecord{
			DataTier: []poolrecord.DeviceRecord{{Dev: dataDev}},
		},
	}

	result := CheckAssembly(rec, nil)
	assert.False(t, result.Assemblable)
	assert.Equal(t, []uuid.DevUUID{dataDev}, result.MissingDataDevices)
}

func TestCheckAssemblyDegradesOnMissingCacheDevice(t *testing.T) {
	dataDev := uuid.NewDevUUID()
	cacheDev := uuid.NewDevUUID()
	rec := poolrecord.PoolRecord{
		Backstore: poolrecord.BackstoreRecord{
			DataTier:  []poolrecord.DeviceRecord{{Dev: dataDev}},
			CacheTier: []poolrecord.DeviceRecord{{Dev: cacheDev}},
		},
	}
	present := []Classification{{Kind: KindPoolMember, Dev: dataDev}}

	result := CheckAssembly(rec, present)
	assert.True(t, result.Assemblable)
	assert.True(t, result.DegradeWithoutCache)
	assert.Equal(t, []uuid.DevUUID{cacheDev}, result.MissingCacheDevices)
}

func TestCheckAssemblyFullyPresent(t *testing.T) {
	dataDev := uuid.NewDevUUID()
	rec := poolrecord.PoolRecord{
		Backstore: poolrecord.BackstoreRecord{
			DataTier: []poolrecord.DeviceRecord{{Dev: dataDev}},
		},
	}
	present := []Classification{{Kind: KindPoolMember, Dev: dataDev}}

	result := CheckAssembly(rec, present)
	assert.True(t, result.Assemblable)
	assert.False(t, result.DegradeWithoutCache)
}

func TestRecordsAgree(t *testing.T) {
	a := poolrecord.PoolRecord{Name: "pool1", FeatureTags: []string{"x"}}
	b := poolrecord.PoolRecord{Name: "pool1", FeatureTags: []string{"x"}}
	c := poolrecord.PoolRecord{Name: "pool2", FeatureTags: []string{"x"}}

	assert.True(t, RecordsAgree(a, b))
	assert.False(t, RecordsAgree(a, c))
}

func TestScanClassifiesEveryEntry(t *testing.T) {
	dir := t.TempDir()
	writeBlankFile(t, dir, "dev0", 8<<20)
	writeBlankFile(t, dir, "dev1", 8<<20)

	c, err := NewClassifier(16)
	require.NoError(t, err)
	results, err := Scan(dir, c)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}
