package mdv

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpoolio/poold/pkg/sectors"
	"github.com/blockpoolio/poold/pkg/uuid"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	m, err := Mount(filepath.Join(t.TempDir(), "mdv"))
	require.NoError(t, err)

	fs := uuid.NewFilesystemUUID()
	rec := Record{Name: "root", ThinID: 1, Size: 100 * sectors.MiB, Created: time.Now()}
	require.NoError(t, m.Save(fs, rec))

	got, err := m.Load(fs)
	require.NoError(t, err)
	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, rec.ThinID, got.ThinID)
	assert.Equal(t, rec.Size, got.Size)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	m, err := Mount(filepath.Join(t.TempDir(), "mdv"))
	require.NoError(t, err)
	_, err = m.Load(uuid.NewFilesystemUUID())
	assert.Error(t, err)
}

func TestDeleteThenListOmitsRecord(t *testing.T) {
	m, err := Mount(filepath.Join(t.TempDir(), "mdv"))
	require.NoError(t, err)

	a := uuid.NewFilesystemUUID()
	b := uuid.NewFilesystemUUID()
	require.NoError(t, m.Save(a, Record{Name: "a"}))
	require.NoError(t, m.Save(b, Record{Name: "b"}))

	require.NoError(t, m.Delete(a))
	list, err := m.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b, list[0])
}
