package crypt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpoolio/poold/pkg/bda"
	"github.com/blockpoolio/poold/pkg/uuid"
)

type fakeKeyring map[string][]byte

func (f fakeKeyring) Lookup(desc string) ([]byte, error) {
	if p, ok := f[desc]; ok {
		return p, nil
	}
	return nil, os.ErrNotExist
}

type fakeEscrow map[string][]byte // keyed by pin+config string

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

func newTestDev(t *testing.T) *bda.FileDevice {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dev")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(1<<20))
	require.NoError(t, f.Close())
	dev, err := bda.OpenFileDevice(path)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestInitializeAndSetupWithKeyDesc(t *testing.T) {
	dev := newTestDev(t)
	kr := fakeKeyring{"K": []byte("correct horse battery staple")}
	ec := fakeEscrow{}

	info := EncryptionInfo{0: KeyDesc{KeyDescription: "K"}}
	h, err := Initialize(dev, uuid.NewPoolUUID(), uuid.NewDevUUID(), info, kr, ec)
	require.NoError(t, err)
	assert.True(t, h.IsActive())

	setup, ok, err := Setup(dev, kr, ec, UnlockMethod{KeyDescription: "K"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, setup.IsActive())
}

func TestSetupReturnsNotOkForBareDevice(t *testing.T) {
	dev := newTestDev(t)
	_, ok, err := Setup(dev, fakeKeyring{}, fakeEscrow{}, UnlockMethod{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBindThenUnbindLastMechanismRefused(t *testing.T) {
	dev := newTestDev(t)
	kr := fakeKeyring{"K": []byte("pass")}
	ec := fakeEscrow{"tang|{}": []byte("escrowkey")}

	h, err := Initialize(dev, uuid.NewPoolUUID(), uuid.NewDevUUID(),
		EncryptionInfo{0: KeyDesc{KeyDescription: "K"}}, kr, ec)
	require.NoError(t, err)

	require.NoError(t, h.Bind(1, ClevisInfo{Pin: "tang", Config: []byte("{}")}))

	require.NoError(t, h.Unbind(0))
	err = h.Unbind(1)
	assert.Error(t, err)
	assert.Len(t, h.env.Tokens, 1)
}

func TestRebindPreservesUnlockability(t *testing.T) {
	dev := newTestDev(t)
	kr := fakeKeyring{"K": []byte("pass")}
	ec := fakeEscrow{
		"tang|{\"url\":1}": []byte("escrowkey1"),
		"tang|{\"url\":2}": []byte("escrowkey2"),
	}

	h, err := Initialize(dev, uuid.NewPoolUUID(), uuid.NewDevUUID(),
		EncryptionInfo{
			0: KeyDesc{KeyDescription: "K"},
			1: ClevisInfo{Pin: "tang", Config: []byte(`{"url":1}`)},
		}, kr, ec)
	require.NoError(t, err)

	require.NoError(t, h.Rebind(1, ClevisInfo{Pin: "tang", Config: []byte(`{"url":2}`)}))

	_, ok, err := Setup(dev, kr, ec, UnlockMethod{TryClevis: true})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCanUnlockDoesNotActivate(t *testing.T) {
	dev := newTestDev(t)
	kr := fakeKeyring{"K": []byte("pass")}
	ec := fakeEscrow{}
	_, err := Initialize(dev, uuid.NewPoolUUID(), uuid.NewDevUUID(),
		EncryptionInfo{0: KeyDesc{KeyDescription: "K"}}, kr, ec)
	require.NoError(t, err)

	assert.True(t, CanUnlock(dev, kr, ec, "K", false))
	assert.False(t, CanUnlock(dev, kr, ec, "wrong", false))
}

func TestEncryptionInfoEqual(t *testing.T) {
	a := EncryptionInfo{0: KeyDesc{KeyDescription: "K"}}
	b := EncryptionInfo{0: KeyDesc{KeyDescription: "K"}}
	c := EncryptionInfo{0: KeyDesc{KeyDescription: "other"}}
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestValidateRejectsDuplicateKeyDescription(t *testing.T) {
	info := EncryptionInfo{
		0: KeyDesc{KeyDescription: "K"},
		1: KeyDesc{KeyDescription: "K"},
	}
	assert.Error(t, info.Validate())
}

func TestReencryptRotatesKeyAndStaysUnlockable(t *testing.T) {
	dev := newTestDev(t)
	kr := fakeKeyring{"K": []byte("pass")}
	ec := fakeEscrow{}
	h, err := Initialize(dev, uuid.NewPoolUUID(), uuid.NewDevUUID(),
		EncryptionInfo{0: KeyDesc{KeyDescription: "K"}}, kr, ec)
	require.NoError(t, err)

	require.NoError(t, h.Reencrypt())

	_, ok, err := Setup(dev, kr, ec, UnlockMethod{KeyDescription: "K"})
	require.NoError(t, err)
	assert.True(t, ok)
}
