// Package blockdevmgr implements BlockDevMgr: the per-tier ordered
// group of member devices, its all-or-nothing allocator, and its
// randomized multi-device metadata write.
package blockdevmgr

import (
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/blockpoolio/poold/internal/perrors"
	"github.com/blockpoolio/poold/pkg/blockdev"
	"github.com/blockpoolio/poold/pkg/crypt"
	"github.com/blockpoolio/poold/pkg/escrow"
	"github.com/blockpoolio/poold/pkg/keyring"
	"github.com/blockpoolio/poold/pkg/sectors"
	"github.com/blockpoolio/poold/pkg/segment"
	"github.com/blockpoolio/poold/pkg/uuid"
)

var errNoCapacity = errors.New("no member device has sufficient metadata slot capacity for this payload")

// candidateWriteCount bounds how many devices save_state writes to per
// call: the same N (about 10) used for the top-level pool record write.
const candidateWriteCount = 10

// Mgr owns the ordered device list belonging to one tier of one pool.
type Mgr struct {
	pool    uuid.PoolUUID
	devices []*blockdev.BlockDev
	mdaSize sectors.Sectors
	encInfo crypt.EncryptionInfo // nil iff the tier is unencrypted
}

// Devices returns the group's member devices in list order.
func (m *Mgr) Devices() []*blockdev.BlockDev { return m.devices }

// Initialize formats every requested path into a BlockDev under a
// shared pool identity, optionally wrapping each in a matching
// encryption envelope. All or nothing: a single device's failure tears
// every already-initialized device in this call back to bare.
func Initialize(
	pool uuid.PoolUUID,
	paths []string,
	mdaSize sectors.Sectors,
	encInfo crypt.EncryptionInfo,
	kr keyring.Store,
	ec escrow.Client,
) (*Mgr, error) {
	m := &Mgr{pool: pool, mdaSize: mdaSize, encInfo: encInfo}

	for _, p := range paths {
		bd, err := blockdev.Initialize(p, pool, uuid.NewDevUUID(), mdaSize, encInfo, kr, ec)
		if err != nil {
			for _, done := range m.devices {
				_ = done.Disown()
			}
			return nil, err
		}
		m.devices = append(m.devices, bd)
	}
	return m, nil
}

// Attach wraps an already-Setup device list (rebuilt from on-disk
// metadata, as opposed to Initialize's format-fresh path) into a Mgr,
// for pool start.
func Attach(pool uuid.PoolUUID, devices []*blockdev.BlockDev, mdaSize sectors.Sectors, encInfo crypt.EncryptionInfo) *Mgr {
	return &Mgr{pool: pool, devices: devices, mdaSize: mdaSize, encInfo: encInfo}
}

// Add extends the group with freshly initialized devices, each wrapped
// in the group's own encryption info when the group is encrypted. All
// or nothing: a single device's failure disowns every device already
// initialized by this call.
func (m *Mgr) Add(paths []string, kr keyring.Store, ec escrow.Client) ([]*blockdev.BlockDev, error) {
	added := make([]*blockdev.BlockDev, 0, len(paths))
	for _, p := range paths {
		bd, err := blockdev.Initialize(p, m.pool, uuid.NewDevUUID(), m.mdaSize, m.encInfo, kr, ec)
		if err != nil {
			for _, done := range added {
				_ = done.Disown()
			}
			return nil, err
		}
		added = append(added, bd)
	}
	m.devices = append(m.devices, added...)
	return added, nil
}

// Alloc satisfies every requested size atomically: either the whole
// request is granted, possibly spanning devices per requested size, or
// nothing is allocated.
func (m *Mgr) Alloc(sizes []sectors.Sectors) ([][]segment.Segment, bool) {
	var total sectors.Sectors
	for _, s := range sizes {
		total += s
	}

	var free sectors.Sectors
	for _, d := range m.devices {
		free += d.FreeSectors()
	}
	if free < total {
		return nil, false
	}

	result := make([][]segment.Segment, len(sizes))
	devIdx := 0
	for i, need := range sizes {
		var got []segment.Segment
		remaining := need
		for remaining > 0 {
			if devIdx >= len(m.devices) {
				// Should be unreachable given the free-space check above.
				return nil, false
			}
			n, segs := m.devices[devIdx].RequestSpace(remaining)
			if n == 0 {
				devIdx++
				continue
			}
			got = append(got, segs...)
			remaining -= n
			if m.devices[devIdx].FreeSectors() == 0 {
				devIdx++
			}
		}
		result[i] = got
	}
	return result, true
}

// SaveState writes payload to up to candidateWriteCount randomly chosen
// devices with sufficient MDA slot capacity; success requires at least
// one to succeed.
func (m *Mgr) SaveState(now time.Time, payload []byte) error {
	candidates := make([]*blockdev.BlockDev, 0, len(m.devices))
	for _, d := range m.devices {
		if d.MDASlotCapacity() >= len(payload) {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return perrors.New(perrors.Io, errNoCapacity)
	}

	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	if len(candidates) > candidateWriteCount {
		candidates = candidates[:candidateWriteCount]
	}

	var succeeded int
	var lastErr error
	for _, d := range candidates {
		if err := d.SaveState(now, payload); err != nil {
			lastErr = err
			continue
		}
		succeeded++
	}
	if succeeded == 0 {
		return perrors.New(perrors.Io, lastErr)
	}
	return nil
}

// LoadState returns the state of the first device, in list order,
// whose LoadState succeeds; state recovery does not require quorum.
// Timestamps are not compared across devices, so a newer state held
// only by a later device is not preferred.
func (m *Mgr) LoadState() ([]byte, error) {
	var lastErr error
	for _, d := range m.devices {
		payload, err := d.LoadState()
		if err == nil {
			return payload, nil
		}
		lastErr = err
	}
	return nil, perrors.New(perrors.NotFound, lastErr)
}
