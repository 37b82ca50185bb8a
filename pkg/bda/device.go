package bda

import (
	"io"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/blockpoolio/poold/internal/perrors"
	"github.com/blockpoolio/poold/pkg/sectors"
	"github.com/blockpoolio/poold/pkg/segment"
	"github.com/blockpoolio/poold/pkg/uuid"
)

// Device is the minimal surface BDA needs from a member block device
// (or a regular file standing in for one under the sim backend):
// read/write/sync/size, trimmed to what a BDA actually needs.
type Device interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	SizeSectors() (sectors.Sectors, error)
}

// FileDevice adapts an *os.File (a real block device node, or a
// regular file in tests/sim mode) to Device, using a BLKGETSIZE64
// ioctl for real block devices and falling back to Stat for regular
// files.
type FileDevice struct {
	f *os.File
}

// OpenFileDevice opens path for read/write use as a Device.
func OpenFileDevice(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, perrors.New(perrors.Io, err)
	}
	return &FileDevice{f: f}, nil
}

func (d *FileDevice) ReadAt(p []byte, off int64) (int, error)  { return d.f.ReadAt(p, off) }
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) { return d.f.WriteAt(p, off) }
func (d *FileDevice) Sync() error                              { return d.f.Sync() }
func (d *FileDevice) Close() error                             { return d.f.Close() }

// SizeSectors returns the device's usable size in 512-byte sectors.
func (d *FileDevice) SizeSectors() (sectors.Sectors, error) {
	fi, err := d.f.Stat()
	if err != nil {
		return 0, perrors.New(perrors.Io, err)
	}
	if fi.Mode()&os.ModeDevice == 0 {
		return sectors.FromBytes(uint64(fi.Size())), nil
	}
	size, err := getBlockDeviceSize(d.f)
	if err != nil {
		return 0, perrors.New(perrors.Io, err)
	}
	return sectors.FromBytes(size), nil
}

// getBlockDeviceSize issues the BLKGETSIZE64 ioctl the same way the
// teacher's system.GetBlockDeviceSize does: a raw unix.Syscall into a
// uint64 result, since the BLKGETSIZE64 result doesn't fit the 32-bit
// IoctlGetInt helper.
func getBlockDeviceSize(f *os.File) (uint64, error) {
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, errno
	}
	return size, nil
}

// BDA is the in-memory handle for one device's Block-Device Area: the
// mirrored static header plus the two ping/pong metadata slots, and the
// device's monotone allocation cursor.
type BDA struct {
	mu sync.Mutex

	dev    Device
	header Header

	slots      [2]mdaSlot
	slotFilled [2]bool
	newer      int // index into slots of the currently-newer copy

	cursor sectors.Sectors // next free offset into the usable region
}

func (b *BDA) headOffset() int64 { return 0 }

func (b *BDA) tailOffset() int64 {
	return int64(b.header.DeviceSectors-1) * sectors.SectorSize
}

func (b *BDA) mdaRegionStart() sectors.Sectors {
	return 1 + b.header.ReservedSectors
}

func (b *BDA) slotOffset(i int) int64 {
	start := b.mdaRegionStart() + sectors.Sectors(i)*b.header.MDASlotSectors
	return int64(start) * sectors.SectorSize
}

func (b *BDA) usableStart() sectors.Sectors {
	return b.mdaRegionStart() + 2*b.header.MDASlotSectors
}

// Initialize wipes any existing signature check result, writes a fresh
// paired header with empty MDA slots, and returns the handle. Callers
// must have already confirmed disown/AlreadyOwned semantics; pkg/blockdev
// enforces that AlreadyOwned contract at the BlockDev level.
func Initialize(dev Device, pool uuid.PoolUUID, devID uuid.DevUUID, mdaSectors, reservedSectors sectors.Sectors) (*BDA, error) {
	size, err := dev.SizeSectors()
	if err != nil {
		return nil, err
	}
	minSize := 1 + reservedSectors + 2*mdaSectors + 1
	if size < minSize {
		return nil, perrors.New(perrors.Invalid, errors.Errorf(
			"device has %d sectors, needs at least %d for BDA layout", size, minSize))
	}

	b := &BDA{
		dev: dev,
		header: Header{
			Pool:            pool,
			Dev:             devID,
			DeviceSectors:   size,
			MDASlotSectors:  mdaSectors,
			ReservedSectors: reservedSectors,
		},
		cursor: 0,
	}
	b.cursor = b.usableStart()

	if err := b.writeHeaderBothCopies(); err != nil {
		return nil, err
	}
	if err := dev.Sync(); err != nil {
		return nil, perrors.New(perrors.Io, err)
	}
	return b, nil
}

func (b *BDA) writeHeaderBothCopies() error {
	enc := b.header.encode()
	if _, err := b.dev.WriteAt(enc[:], b.headOffset()); err != nil {
		return perrors.New(perrors.Io, err)
	}
	if _, err := b.dev.WriteAt(enc[:], b.tailOffset()); err != nil {
		return perrors.New(perrors.Io, err)
	}
	return nil
}

// Load reads both header copies, requiring byte-for-byte agreement (a
// device whose copies disagree is treated as unowned, never as this
// pool's), then reads whichever MDA slot verifies with the greater
// timestamp.
func Load(dev Device) (*BDA, error) {
	var headBuf, tailBuf [headerSectorSize]byte
	if _, err := dev.ReadAt(headBuf[:], 0); err != nil {
		return nil, perrors.New(perrors.Io, err)
	}

	head, err := decodeHeader(headBuf)
	if err != nil {
		return nil, perrors.New(perrors.Corrupt, err)
	}

	tailOff := int64(head.DeviceSectors-1) * sectors.SectorSize
	if _, err := dev.ReadAt(tailBuf[:], tailOff); err != nil {
		return nil, perrors.New(perrors.Io, err)
	}
	tail, err := decodeHeader(tailBuf)
	if err != nil {
		return nil, perrors.New(perrors.Corrupt, err)
	}
	if headBuf != tailBuf {
		return nil, perrors.New(perrors.Corrupt, errors.New("head/tail BDA header copies diverge"))
	}
	_ = tail

	b := &BDA{dev: dev, header: head}
	b.cursor = b.usableStart()

	for i := 0; i < 2; i++ {
		buf := make([]byte, int(b.header.MDASlotSectors)*sectors.SectorSize)
		if _, err := dev.ReadAt(buf, b.slotOffset(i)); err != nil {
			return nil, perrors.New(perrors.Io, err)
		}
		if slot, ok := decodeMDASlot(buf); ok {
			b.slots[i] = slot
			b.slotFilled[i] = true
		}
	}
	if b.slotFilled[0] && b.slotFilled[1] {
		if b.slots[1].timestamp().After(b.slots[0].timestamp()) {
			b.newer = 1
		}
	} else if b.slotFilled[1] {
		b.newer = 1
	}

	return b, nil
}

// PoolUUID returns the device's pool identity.
func (b *BDA) PoolUUID() uuid.PoolUUID { return b.header.Pool }

// DevUUID returns the device's own identity.
func (b *BDA) DevUUID() uuid.DevUUID { return b.header.Dev }

// SizeSectors returns the on-device size snapshot recorded at
// initialization time.
func (b *BDA) SizeSectors() sectors.Sectors { return b.header.DeviceSectors }

// MDASlotCapacity returns the maximum payload size save_state will
// accept.
func (b *BDA) MDASlotCapacity() int {
	return int(b.header.MDASlotSectors)*sectors.SectorSize - mdaSlotHeaderLen
}

// RequestSpace grants up to n sectors starting at the allocation
// cursor, possibly less if the device is near-exhausted. Grants are
// always a single contiguous segment since the cursor only moves
// forward.
func (b *BDA) RequestSpace(n sectors.Sectors) (sectors.Sectors, []segment.Segment) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// The last sector holds the tail header copy and is never granted.
	remaining := b.header.DeviceSectors - 1 - b.cursor
	granted := n
	if granted > remaining {
		granted = remaining
	}
	if granted == 0 {
		return 0, nil
	}
	seg := segment.Segment{Device: b.header.Dev, Start: b.cursor, Length: granted}
	b.cursor += granted
	return granted, []segment.Segment{seg}
}

// FreeSectors reports how much space remains unallocated ahead of the
// cursor.
func (b *BDA) FreeSectors() sectors.Sectors {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.header.DeviceSectors - 1 - b.cursor
}

// SaveState writes payload into the older of the two MDA slots,
// enforcing strict monotonicity of the stored timestamp: if now is not
// strictly after the newest stored timestamp, it is bumped by one
// nanosecond tick.
func (b *BDA) SaveState(now time.Time, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := b.MDASlotCapacity()
	if len(payload) > capacity {
		return perrors.New(perrors.Invalid, errors.Errorf(
			"payload of %d bytes exceeds MDA slot capacity %d", len(payload), capacity))
	}

	if b.slotFilled[b.newer] {
		newest := b.slots[b.newer].timestamp()
		if !now.After(newest) {
			now = newest.Add(time.Nanosecond)
		}
	}

	older := 1 - b.newer
	if !b.slotFilled[0] && !b.slotFilled[1] {
		older = 0
	}

	slot := mdaSlot{
		Seconds:     uint32(now.Unix()),
		Nanoseconds: uint32(now.Nanosecond()),
		Payload:     payload,
	}
	buf, err := slot.encode(int(b.header.MDASlotSectors) * sectors.SectorSize)
	if err != nil {
		return err
	}
	if _, err := b.dev.WriteAt(buf, b.slotOffset(older)); err != nil {
		return perrors.New(perrors.Io, err)
	}

	// Update one slot, verify, then record that slot as newer.
	verifyBuf := make([]byte, len(buf))
	if _, err := b.dev.ReadAt(verifyBuf, b.slotOffset(older)); err != nil {
		return perrors.New(perrors.Io, err)
	}
	verified, ok := decodeMDASlot(verifyBuf)
	if !ok || verified.timestamp() != slot.timestamp() {
		return perrors.New(perrors.Corrupt, errors.New("save_state verification failed after write"))
	}

	b.slots[older] = slot
	b.slotFilled[older] = true
	b.newer = older
	return b.dev.Sync()
}

// LoadState returns the payload of the newer verified slot, or
// NotFound if neither slot has ever been written.
func (b *BDA) LoadState() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.slotFilled[0] && !b.slotFilled[1] {
		return nil, perrors.New(perrors.NotFound, errors.New("no metadata has been saved on this device"))
	}
	return append([]byte(nil), b.slots[b.newer].Payload...), nil
}

// Disown zeroes both BDA header copies, releasing the device. It does
// not wipe the MDA slot contents; that data becomes unreachable once
// the header's magic no longer validates.
func (b *BDA) Disown() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero [headerSectorSize]byte
	if _, err := b.dev.WriteAt(zero[:], b.headOffset()); err != nil {
		return perrors.New(perrors.Io, err)
	}
	if _, err := b.dev.WriteAt(zero[:], b.tailOffset()); err != nil {
		return perrors.New(perrors.Io, err)
	}
	return b.dev.Sync()
}

// Probe reads just enough of dev to decide whether it carries a valid,
// agreeing head/tail BlockPool header, without constructing a full BDA.
// Used by pkg/liminal during device classification.
func Probe(dev Device) (Header, bool) {
	b, err := Load(dev)
	if err != nil {
		return Header{}, false
	}
	return b.header, true
}
