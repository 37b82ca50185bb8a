package pool

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpoolio/poold/internal/perrors"
	"github.com/blockpoolio/poold/pkg/blockdev"
	"github.com/blockpoolio/poold/pkg/crypt"
	"github.com/blockpoolio/poold/pkg/dm"
	"github.com/blockpoolio/poold/pkg/sectors"
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

func makeDevice(t *testing.T, dir, name string, size int64) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func newTestPool(t *testing.T) (*Pool, string) {
	t.Helper()
	dir := t.TempDir()
	path := makeDevice(t, dir, "dev0", 3<<30)

	p, err := Initialize("pool1", []string{path}, 64, nil, thinpoolFsLimit, true,
		filepath.Join(dir, "mdv"), dm.NewSimDriver(), fakeKeyring{}, fakeEscrow{})
	require.NoError(t, err)
	return p, dir
}

const thinpoolFsLimit = ^uint64(0)

func TestInitializeProducesStartedPool(t *testing.T) {
	p, _ := newTestPool(t)
	assert.True(t, p.Started())
	assert.Equal(t, perrors.Full, p.Level())
}

func TestRenameIdempotentAndChanged(t *testing.T) {
	p, _ := newTestPool(t)

	same, err := p.Rename("pool1")
	require.NoError(t, err)
	assert.Equal(t, ActionIdentity, same.Kind)

	renamed, err := p.Rename("pool2")
	require.NoError(t, err)
	assert.Equal(t, ActionRenamed, renamed.Kind)
	assert.Equal(t, "pool2", p.Name())
}

func TestSetFsLimitRefusesDecrease(t *testing.T) {
	p, _ := newTestPool(t)

	_, err := p.SetFsLimit(10)
	require.NoError(t, err)

	_, err = p.SetFsLimit(5)
	assert.Error(t, err)

	same, err := p.SetFsLimit(10)
	require.NoError(t, err)
	assert.Equal(t, ActionIdentity, same.Kind)

	grown, err := p.SetFsLimit(20)
	require.NoError(t, err)
	assert.Equal(t, ActionNewValue, grown.Kind)
}

func TestSetOverprovModeIdempotent(t *testing.T) {
	p, _ := newTestPool(t)

	same, err := p.SetOverprovMode(true)
	require.NoError(t, err)
	assert.Equal(t, ActionIdentity, same.Kind)

	changed, err := p.SetOverprovMode(false)
	require.NoError(t, err)
	assert.Equal(t, ActionNewValue, changed.Kind)
}

func TestMutationsRefusedAtNoRequestsLevel(t *testing.T) {
	p, _ := newTestPool(t)
	p.rollbackLevel = perrors.NoRequests

	_, err := p.Rename("pool9")
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.ActionDisabled))

	size := 512 * sectors.MiB
	_, err = p.CreateFilesystem("root", &size, nil, time.Now())
	assert.True(t, perrors.Is(err, perrors.ActionDisabled))
}

func TestFilesystemOpsAllowedAtNoPoolChanges(t *testing.T) {
	p, _ := newTestPool(t)
	p.encryptionInconsistent = true
	assert.Equal(t, perrors.NoPoolChanges, p.Level())

	size := 512 * sectors.MiB
	action, err := p.CreateFilesystem("root", &size, nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, action.Kind)

	_, err = p.Rename("pool9")
	assert.True(t, perrors.Is(err, perrors.ActionDisabled))
}

func TestStartRebuildsFromRecordWithoutReallocating(t *testing.T) {
	p, dir := newTestPool(t)
	size := 512 * sectors.MiB
	_, err := p.CreateFilesystem("root", &size, nil, time.Now())
	require.NoError(t, err)

	rec := p.ToRecord()
	require.NoError(t, p.Stop())

	driver := dm.NewSimDriver()
	dataDevs := make([]*blockdev.BlockDev, len(rec.Backstore.DataTier))
	for i, d := range rec.Backstore.DataTier {
		bd, err := blockdev.Setup(d.Path, fakeKeyring{}, fakeEscrow{}, crypt.UnlockMethod{})
		require.NoError(t, err)
		dataDevs[i] = bd
	}

	started, err := Start(rec, dataDevs, nil, filepath.Join(dir, "mdv"), driver)
	require.NoError(t, err)
	assert.True(t, started.Started())
	assert.Equal(t, rec.Name, started.Name())
	assert.Len(t, started.Filesystems(), 1)
	assert.Equal(t, rec.ThinPool.FsLimit, started.fsLimit)
}

func TestCheckEncryptionConsistencyClearsWhenUnencrypted(t *testing.T) {
	p, _ := newTestPool(t)
	require.NoError(t, p.CheckEncryptionConsistency())
	assert.Equal(t, perrors.Full, p.Level())
}
