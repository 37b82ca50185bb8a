// Package blockdev implements BlockDev: ownership of one member
// device, the physical/logical path distinction for crypt-wrapped
// devices, and delegation of the BDA codec's segment allocator and
// metadata persistence.
package blockdev

import (
	"time"

	"github.com/pkg/errors"

	"github.com/blockpoolio/poold/internal/perrors"
	"github.com/blockpoolio/poold/pkg/bda"
	"github.com/blockpoolio/poold/pkg/crypt"
	"github.com/blockpoolio/poold/pkg/escrow"
	"github.com/blockpoolio/poold/pkg/keyring"
	"github.com/blockpoolio/poold/pkg/sectors"
	"github.com/blockpoolio/poold/pkg/segment"
	"github.com/blockpoolio/poold/pkg/uuid"
)

// reservedSectorsPlain and reservedSectorsEncrypted size the BDA's
// reserved region, whose extent is fixed at initialization. The
// encrypted variant must be large enough to hold pkg/crypt's envelope
// region without colliding with the MDA slots that follow it.
const (
	reservedSectorsPlain     sectors.Sectors = 8
	reservedSectorsEncrypted sectors.Sectors = (crypt.RegionOffsetBytes+crypt.RegionSizeBytes)/sectors.SectorSize + 1
)

// BlockDev is one member device of a pool.
type BlockDev struct {
	physicalPath string
	dev          bda.Device
	bda          *bda.BDA
	crypt        *crypt.Handle // nil unless the device is pool-encrypted
}

// PhysicalPath returns the raw device path, always valid.
func (b *BlockDev) PhysicalPath() string { return b.physicalPath }

// LogicalPath returns the path upper layers should treat as "the
// device": the crypt mapper's activation name when encrypted, the
// physical path otherwise.
func (b *BlockDev) LogicalPath() string {
	if b.crypt != nil {
		return "/dev/mapper/" + b.crypt.LogicalName()
	}
	return b.physicalPath
}

// PoolUUID and DevUUID identify the device.
func (b *BlockDev) PoolUUID() uuid.PoolUUID { return b.bda.PoolUUID() }
func (b *BlockDev) DevUUID() uuid.DevUUID   { return b.bda.DevUUID() }

// Encrypted reports whether this device carries an encryption envelope.
func (b *BlockDev) Encrypted() bool { return b.crypt != nil }

// EncryptionHandle exposes the crypt handle for envelope mutators
// (bind/unbind/rebind/reencrypt), or nil if unencrypted.
func (b *BlockDev) EncryptionHandle() *crypt.Handle { return b.crypt }

// SizeSectors returns the BDA's recorded on-device size snapshot.
func (b *BlockDev) SizeSectors() sectors.Sectors { return b.bda.SizeSectors() }

// Initialize opens path, fails with AlreadyOwned if it already carries a
// valid, agreeing BDA header, and otherwise writes a fresh paired BDA,
// optionally wrapping the device in a crypt envelope first.
func Initialize(
	path string,
	pool uuid.PoolUUID,
	devID uuid.DevUUID,
	mdaSize sectors.Sectors,
	encInfo crypt.EncryptionInfo,
	kr keyring.Store,
	ec escrow.Client,
) (*BlockDev, error) {
	dev, err := bda.OpenFileDevice(path)
	if err != nil {
		return nil, err
	}

	if _, err := bda.Load(dev); err == nil {
		return nil, perrors.New(perrors.AlreadyOwned, errors.Errorf("device %q already carries a pool signature; disown it first", path))
	}

	b := &BlockDev{physicalPath: path, dev: dev}

	reserved := reservedSectorsPlain
	if encInfo != nil {
		reserved = reservedSectorsEncrypted
		h, err := crypt.Initialize(dev, pool, devID, encInfo, kr, ec)
		if err != nil {
			return nil, err
		}
		b.crypt = h
	}

	bd, err := bda.Initialize(dev, pool, devID, mdaSize, reserved)
	if err != nil {
		if b.crypt != nil {
			_ = b.crypt.Wipe()
		}
		return nil, err
	}
	b.bda = bd
	return b, nil
}

// Setup loads an existing device's BDA and, if present, activates its
// crypt envelope via unlock.
func Setup(path string, kr keyring.Store, ec escrow.Client, unlock crypt.UnlockMethod) (*BlockDev, error) {
	dev, err := bda.OpenFileDevice(path)
	if err != nil {
		return nil, err
	}

	bd, err := bda.Load(dev)
	if err != nil {
		return nil, err
	}

	b := &BlockDev{physicalPath: path, dev: dev, bda: bd}

	h, ok, err := crypt.Setup(dev, kr, ec, unlock)
	if err != nil {
		return nil, err
	}
	if ok {
		b.crypt = h
	}
	return b, nil
}

// RequestSpace delegates to the BDA's monotone allocation cursor.
func (b *BlockDev) RequestSpace(n sectors.Sectors) (sectors.Sectors, []segment.Segment) {
	return b.bda.RequestSpace(n)
}

// FreeSectors reports remaining unallocated space ahead of the cursor.
func (b *BlockDev) FreeSectors() sectors.Sectors { return b.bda.FreeSectors() }

// SaveState persists bytes into the BDA's older MDA slot.
func (b *BlockDev) SaveState(now time.Time, payload []byte) error {
	return b.bda.SaveState(now, payload)
}

// LoadState reads the BDA's newer verified MDA slot.
func (b *BlockDev) LoadState() ([]byte, error) {
	return b.bda.LoadState()
}

// MDASlotCapacity reports the maximum save_state payload size.
func (b *BlockDev) MDASlotCapacity() int { return b.bda.MDASlotCapacity() }

// Disown surrenders the device: tears down the crypt envelope (if any)
// and zeroes the BDA header copies. This is the device-level half of
// pool destroy; it releases no DM device.
func (b *BlockDev) Disown() error {
	if b.crypt != nil {
		if err := b.crypt.Wipe(); err != nil {
			return err
		}
	}
	return b.bda.Disown()
}
