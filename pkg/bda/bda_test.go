package bda

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpoolio/poold/pkg/sectors"
	"github.com/blockpoolio/poold/pkg/uuid"
)

func newTestDevice(t *testing.T, sizeSectors sectors.Sectors) *FileDevice {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dev")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(sizeSectors)*sectors.SectorSize))
	require.NoError(t, f.Close())

	dev, err := OpenFileDevice(path)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestInitializeAndLoadRoundTrip(t *testing.T) {
	dev := newTestDevice(t, 4096)
	pool, devID := uuid.NewPoolUUID(), uuid.NewDevUUID()

	b, err := Initialize(dev, pool, devID, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, pool, b.PoolUUID())
	assert.Equal(t, devID, b.DevUUID())

	loaded, err := Load(dev)
	require.NoError(t, err)
	assert.Equal(t, pool, loaded.PoolUUID())
	assert.Equal(t, devID, loaded.DevUUID())
}

func TestSaveStateLoadStateRoundTrip(t *testing.T) {
	dev := newTestDevice(t, 4096)
	b, err := Initialize(dev, uuid.NewPoolUUID(), uuid.NewDevUUID(), 4, 2)
	require.NoError(t, err)

	payload := []byte("hello pool record")
	require.NoError(t, b.SaveState(time.Now(), payload))

	got, err := b.LoadState()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestLoadStateNotFoundBeforeFirstSave(t *testing.T) {
	dev := newTestDevice(t, 4096)
	b, err := Initialize(dev, uuid.NewPoolUUID(), uuid.NewDevUUID(), 4, 2)
	require.NoError(t, err)

	_, err = b.LoadState()
	assert.Error(t, err)
}

func TestSaveStateRejectsOversizedPayload(t *testing.T) {
	dev := newTestDevice(t, 4096)
	b, err := Initialize(dev, uuid.NewPoolUUID(), uuid.NewDevUUID(), 4, 2)
	require.NoError(t, err)

	tooBig := make([]byte, b.MDASlotCapacity()+1)
	err = b.SaveState(time.Now(), tooBig)
	assert.Error(t, err)
}

func TestSaveStateTimestampsAreStrictlyMonotonic(t *testing.T) {
	dev := newTestDevice(t, 4096)
	b, err := Initialize(dev, uuid.NewPoolUUID(), uuid.NewDevUUID(), 4, 2)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, b.SaveState(now, []byte("a")))
	first := b.slots[b.newer].timestamp()

	// Supplying the same (non-advancing) timestamp again must still
	// strictly increase the stored value.
	require.NoError(t, b.SaveState(now, []byte("b")))
	second := b.slots[b.newer].timestamp()

	assert.True(t, second.After(first))
}

func TestSaveStateAlternatesSlots(t *testing.T) {
	dev := newTestDevice(t, 4096)
	b, err := Initialize(dev, uuid.NewPoolUUID(), uuid.NewDevUUID(), 4, 2)
	require.NoError(t, err)

	require.NoError(t, b.SaveState(time.Now(), []byte("v1")))
	firstNewer := b.newer
	require.NoError(t, b.SaveState(time.Now().Add(time.Second), []byte("v2")))
	assert.NotEqual(t, firstNewer, b.newer)
}

func TestLoadRejectsDivergedHeadTail(t *testing.T) {
	dev := newTestDevice(t, 4096)
	_, err := Initialize(dev, uuid.NewPoolUUID(), uuid.NewDevUUID(), 4, 2)
	require.NoError(t, err)

	// Corrupt the tail copy only.
	var junk [headerSectorSize]byte
	junk[0] = 0xff
	_, err = dev.WriteAt(junk[:], int64(4095)*sectors.SectorSize)
	require.NoError(t, err)

	_, err = Load(dev)
	assert.Error(t, err)
}

func TestRequestSpaceGrantsLessWhenExhausted(t *testing.T) {
	dev := newTestDevice(t, 64)
	b, err := Initialize(dev, uuid.NewPoolUUID(), uuid.NewDevUUID(), 1, 1)
	require.NoError(t, err)

	free := b.FreeSectors()
	granted, segs := b.RequestSpace(free + 100)
	assert.Equal(t, free, granted)
	require.Len(t, segs, 1)
	assert.Equal(t, free, segs[0].Length)

	granted2, segs2 := b.RequestSpace(1)
	assert.Equal(t, sectors.Sectors(0), granted2)
	assert.Nil(t, segs2)
}

func TestDisownZeroesHeader(t *testing.T) {
	dev := newTestDevice(t, 4096)
	b, err := Initialize(dev, uuid.NewPoolUUID(), uuid.NewDevUUID(), 4, 2)
	require.NoError(t, err)
	require.NoError(t, b.Disown())

	_, err = Load(dev)
	assert.Error(t, err)
}
