package blockdev

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpoolio/poold/internal/perrors"
	"github.com/blockpoolio/poold/pkg/crypt"
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

type fakeEscrow struct{}

func (fakeEscrow) Unlock(pin string, config []byte) ([]byte, error) { return nil, os.ErrNotExist }
func (fakeEscrow) Reachable(pin string, config []byte) bool         { return false }

func newTestDevPath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dev")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(4<<20))
	require.NoError(t, f.Close())
	return path
}

func TestInitializeAndSetupPlainDevice(t *testing.T) {
	path := newTestDevPath(t)
	pool := uuid.NewPoolUUID()

	b, err := Initialize(path, pool, uuid.NewDevUUID(), 64, nil, fakeKeyring{}, fakeEscrow{})
	require.NoError(t, err)
	assert.False(t, b.Encrypted())
	assert.Equal(t, path, b.LogicalPath())
	assert.Equal(t, pool, b.PoolUUID())

	setup, err := Setup(path, fakeKeyring{}, fakeEscrow{}, crypt.UnlockMethod{})
	require.NoError(t, err)
	assert.False(t, setup.Encrypted())
	assert.Equal(t, b.DevUUID(), setup.DevUUID())
}

func TestInitializeRefusesAlreadyOwnedDevice(t *testing.T) {
	path := newTestDevPath(t)
	_, err := Initialize(path, uuid.NewPoolUUID(), uuid.NewDevUUID(), 64, nil, fakeKeyring{}, fakeEscrow{})
	require.NoError(t, err)

	_, err = Initialize(path, uuid.NewPoolUUID(), uuid.NewDevUUID(), 64, nil, fakeKeyring{}, fakeEscrow{})
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.AlreadyOwned))
}

func TestInitializeEncryptedDeviceSetsLogicalPath(t *testing.T) {
	path := newTestDevPath(t)
	kr := fakeKeyring{"K": []byte("pass")}

	b, err := Initialize(path, uuid.NewPoolUUID(), uuid.NewDevUUID(), 64,
		crypt.EncryptionInfo{0: crypt.KeyDesc{KeyDescription: "K"}}, kr, fakeEscrow{})
	require.NoError(t, err)
	require.True(t, b.Encrypted())
	assert.NotEqual(t, path, b.LogicalPath())
	assert.Contains(t, b.LogicalPath(), b.EncryptionHandle().LogicalName())

	setup, err := Setup(path, kr, fakeEscrow{}, crypt.UnlockMethod{KeyDescription: "K"})
	require.NoError(t, err)
	assert.True(t, setup.Encrypted())
}

func TestRequestSpaceAndSaveLoadStateRoundTrip(t *testing.T) {
	path := newTestDevPath(t)
	b, err := Initialize(path, uuid.NewPoolUUID(), uuid.NewDevUUID(), 64, nil, fakeKeyring{}, fakeEscrow{})
	require.NoError(t, err)

	got, segs := b.RequestSpace(100)
	assert.Equal(t, sectors.Sectors(100), got)
	require.Len(t, segs, 1)

	require.NoError(t, b.SaveState(time.Now(), []byte("payload")))
	payload, err := b.LoadState()
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), payload)
}

func TestDisownWipesEncryptedDevice(t *testing.T) {
	path := newTestDevPath(t)
	kr := fakeKeyring{"K": []byte("pass")}
	b, err := Initialize(path, uuid.NewPoolUUID(), uuid.NewDevUUID(), 64,
		crypt.EncryptionInfo{0: crypt.KeyDesc{KeyDescription: "K"}}, kr, fakeEscrow{})
	require.NoError(t, err)

	require.NoError(t, b.Disown())

	_, err = Setup(path, kr, fakeEscrow{}, crypt.UnlockMethod{KeyDescription: "K"})
	assert.Error(t, err)
}
