// Package bda implements the per-device Block-Device Area: a static
// header mirrored at the head and tail of the device, and a pair of
// journaled "ping/pong" metadata slots.
//
// The wire layout is chosen rather than derived from any external
// format, but it satisfies every named invariant: head/tail agreement,
// slot-pair journaling with verify-then-promote atomicity, and
// strictly monotonic per-device timestamps.
package bda

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"time"

	"github.com/pkg/errors"

	"github.com/blockpoolio/poold/internal/perrors"
	"github.com/blockpoolio/poold/pkg/sectors"
	"github.com/blockpoolio/poold/pkg/uuid"
)

// Magic identifies a device as a pool member. 20 bytes, matching the
// header's magic field width.
var Magic = [20]byte{'!', 'B', 'l', 'o', 'c', 'k', 'P', '0', 'o', 'l', 0x86, 0xff, 0x02, '^', '^', 0, 0, 0, 0, 0}

const (
	headerSectorSize = sectors.SectorSize // one 512-byte sector
	headerCRCLen     = 4
	headerMagicLen   = 20

	// StaticRegionSectors is an eight-sector size constant; the layout
	// code does not reference it. The layout has no separate leading
	// static region: the head header copy occupies sector 0 and the
	// reserved region follows it directly.
	StaticRegionSectors = 8
	// headHeaderSector is not referenced by the layout code: the head
	// copy of the header is written at and read from sector 0
	// (headOffset, Load).
	headHeaderSector = 1

	mdaSlotHeaderLen = 16 // 4s + 4ns timestamp, 4-byte length, 4-byte crc
)

// ErrCorrupt is wrapped into a *perrors.Error with Kind Corrupt,
// identifying which slot/copy failed validation.
type ErrCorrupt struct {
	Where string
}

func (e *ErrCorrupt) Error() string { return "corrupt BDA: " + e.Where }

// Header is the static, rarely-rewritten per-device header.
type Header struct {
	Pool           uuid.PoolUUID
	Dev            uuid.DevUUID
	DeviceSectors  sectors.Sectors
	MDASlotSectors sectors.Sectors // size of each of the two ping/pong slots
	ReservedSectors sectors.Sectors
}

// encode serializes h into one 512-byte sector with a leading CRC32
// over the remainder.
func (h Header) encode() [headerSectorSize]byte {
	var buf [headerSectorSize]byte
	rest := buf[headerCRCLen:]

	copy(rest[0:headerMagicLen], Magic[:])
	off := headerMagicLen
	poolRaw := [16]byte(h.Pool)
	devRaw := [16]byte(h.Dev)
	copy(rest[off:off+16], poolRaw[:])
	off += 16
	copy(rest[off:off+16], devRaw[:])
	off += 16
	binary.LittleEndian.PutUint64(rest[off:off+8], uint64(h.DeviceSectors))
	off += 8
	binary.LittleEndian.PutUint64(rest[off:off+8], uint64(h.MDASlotSectors))
	off += 8
	binary.LittleEndian.PutUint64(rest[off:off+8], uint64(h.ReservedSectors))

	crc := crc32.ChecksumIEEE(rest)
	binary.LittleEndian.PutUint32(buf[0:headerCRCLen], crc)
	return buf
}

func decodeHeader(buf [headerSectorSize]byte) (Header, error) {
	rest := buf[headerCRCLen:]
	wantCRC := binary.LittleEndian.Uint32(buf[0:headerCRCLen])
	if crc32.ChecksumIEEE(rest) != wantCRC {
		return Header{}, &ErrCorrupt{Where: "header checksum"}
	}
	if !bytes.Equal(rest[0:headerMagicLen], Magic[:]) {
		return Header{}, &ErrCorrupt{Where: "header magic"}
	}
	off := headerMagicLen
	var pool uuid.PoolUUID
	var dev uuid.DevUUID
	copy(pool[:], rest[off:off+16])
	off += 16
	copy(dev[:], rest[off:off+16])
	off += 16
	deviceSectors := binary.LittleEndian.Uint64(rest[off : off+8])
	off += 8
	mdaSlotSectors := binary.LittleEndian.Uint64(rest[off : off+8])
	off += 8
	reservedSectors := binary.LittleEndian.Uint64(rest[off : off+8])

	return Header{
		Pool:            pool,
		Dev:             dev,
		DeviceSectors:   sectors.Sectors(deviceSectors),
		MDASlotSectors:  sectors.Sectors(mdaSlotSectors),
		ReservedSectors: sectors.Sectors(reservedSectors),
	}, nil
}

// mdaSlot is one of the two ping/pong journaled metadata slots.
type mdaSlot struct {
	Seconds     uint32
	Nanoseconds uint32
	Payload     []byte
}

func (s mdaSlot) timestamp() time.Time {
	return time.Unix(int64(s.Seconds), int64(s.Nanoseconds))
}

func (s mdaSlot) encode(slotBytes int) ([]byte, error) {
	if mdaSlotHeaderLen+len(s.Payload) > slotBytes {
		return nil, perrors.New(perrors.Invalid, errors.Errorf(
			"payload of %d bytes exceeds slot capacity %d", len(s.Payload), slotBytes-mdaSlotHeaderLen))
	}
	buf := make([]byte, slotBytes)
	binary.LittleEndian.PutUint32(buf[0:4], s.Seconds)
	binary.LittleEndian.PutUint32(buf[4:8], s.Nanoseconds)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(s.Payload)))
	crc := crc32.ChecksumIEEE(s.Payload)
	binary.LittleEndian.PutUint32(buf[12:16], crc)
	copy(buf[mdaSlotHeaderLen:], s.Payload)
	return buf, nil
}

func decodeMDASlot(buf []byte) (mdaSlot, bool) {
	if len(buf) < mdaSlotHeaderLen {
		return mdaSlot{}, false
	}
	seconds := binary.LittleEndian.Uint32(buf[0:4])
	nanos := binary.LittleEndian.Uint32(buf[4:8])
	length := binary.LittleEndian.Uint32(buf[8:12])
	wantCRC := binary.LittleEndian.Uint32(buf[12:16])

	if int(length) > len(buf)-mdaSlotHeaderLen {
		return mdaSlot{}, false
	}
	payload := buf[mdaSlotHeaderLen : mdaSlotHeaderLen+int(length)]
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return mdaSlot{}, false
	}
	// empty slot: zero timestamp and zero length is the "never written" state.
	if seconds == 0 && nanos == 0 && length == 0 {
		return mdaSlot{}, false
	}
	out := make([]byte, length)
	copy(out, payload)
	return mdaSlot{Seconds: seconds, Nanoseconds: nanos, Payload: out}, true
}
