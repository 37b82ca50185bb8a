// Package tier implements DataTier and CacheTier: a BlockDevMgr plus
// the flat, coalesced segment list describing the tier's exported
// logical extent.
package tier

import (
	"github.com/pkg/errors"

	"github.com/blockpoolio/poold/internal/perrors"
	"github.com/blockpoolio/poold/pkg/blockdev"
	"github.com/blockpoolio/poold/pkg/blockdevmgr"
	"github.com/blockpoolio/poold/pkg/crypt"
	"github.com/blockpoolio/poold/pkg/escrow"
	"github.com/blockpoolio/poold/pkg/keyring"
	"github.com/blockpoolio/poold/pkg/sectors"
	"github.com/blockpoolio/poold/pkg/segment"
	"github.com/blockpoolio/poold/pkg/uuid"
)

// ErrCacheMetaGrowthUnsupported is returned by a CacheTier whose cache
// sub-devices have reached the kernel-imposed size ceiling; re-laying
// out a live dm-cache's meta sub-device is out of scope (open question,
// resolved in the grounding ledger: CacheTier refuses rather than
// attempting a dm-cache meta migration it cannot verify offline).
var ErrCacheMetaGrowthUnsupported = errors.New("cache tier has reached its fixed cache-sub-device size ceiling")

// DataTier augments a BlockDevMgr with the flat, coalesced segment list
// representing the pool's exported data extent.
type DataTier struct {
	mgr  *blockdevmgr.Mgr
	flat []segment.Segment
}

// InitializeDataTier formats the given paths into a fresh BlockDevMgr
// with an empty flat extent.
func InitializeDataTier(pool uuid.PoolUUID, paths []string, mdaSize sectors.Sectors, encInfo crypt.EncryptionInfo, kr keyring.Store, ec escrow.Client) (*DataTier, error) {
	mgr, err := blockdevmgr.Initialize(pool, paths, mdaSize, encInfo, kr, ec)
	if err != nil {
		return nil, err
	}
	return &DataTier{mgr: mgr}, nil
}

// AttachDataTier wraps an already-attached Mgr and its previously
// recorded flat extent into a DataTier, for pool start: the segment list
// comes from the pool record rather than from a fresh allocation.
func AttachDataTier(mgr *blockdevmgr.Mgr, flat []segment.Segment) *DataTier {
	return &DataTier{mgr: mgr, flat: flat}
}

// Mgr exposes the tier's device group for callers that need the raw
// device list (e.g. pkg/backstore building a DM linear target).
func (t *DataTier) Mgr() *blockdevmgr.Mgr { return t.mgr }

// FlatSegments returns the tier's current exported extent.
func (t *DataTier) FlatSegments() []segment.Segment { return t.flat }

// Size is the sum of the flat extent's segment lengths.
func (t *DataTier) Size() sectors.Sectors { return segment.TotalLength(t.flat) }

// Alloc forwards to the manager and appends the results to the flat
// list with coalescing.
func (t *DataTier) Alloc(sizes []sectors.Sectors) ([][]segment.Segment, bool) {
	results, ok := t.mgr.Alloc(sizes)
	if !ok {
		return nil, false
	}
	for _, segs := range results {
		t.flat = segment.CoalesceAll(t.flat, segs)
	}
	return results, true
}

// Grow extends the tier by devUUID's remaining free sectors, as
// computed from the device size recorded in its BDA header, returning
// true iff the tier actually grew. The device's current size is not
// re-read.
func (t *DataTier) Grow(devUUID uuid.DevUUID) (bool, error) {
	var dev *blockdev.BlockDev
	for _, d := range t.mgr.Devices() {
		if d.DevUUID() == devUUID {
			dev = d
			break
		}
	}
	if dev == nil {
		return false, perrors.Newf(perrors.NotFound, "device %s not a member of this tier", devUUID)
	}
	extra := dev.FreeSectors()
	if extra == 0 {
		return false, nil
	}
	got, segs := dev.RequestSpace(extra)
	if got == 0 {
		return false, nil
	}
	t.flat = segment.CoalesceAll(t.flat, segs)
	return true, nil
}

// CacheTier is structurally identical to DataTier but carries a second
// segment list for the cache-metadata and cache-data sub-devices it
// contributes to a dm-cache topology, and enforces a fixed ceiling on
// their combined size.
type CacheTier struct {
	mgr        *blockdevmgr.Mgr
	cacheFlat  []segment.Segment
	sizeCeiling sectors.Sectors
}

// InitializeCacheTier mirrors InitializeDataTier, additionally recording
// the kernel-imposed ceiling on combined cache sub-device size.
func InitializeCacheTier(pool uuid.PoolUUID, paths []string, mdaSize sectors.Sectors, sizeCeiling sectors.Sectors, kr keyring.Store, ec escrow.Client) (*CacheTier, error) {
	mgr, err := blockdevmgr.Initialize(pool, paths, mdaSize, nil, kr, ec)
	if err != nil {
		return nil, err
	}
	return &CacheTier{mgr: mgr, sizeCeiling: sizeCeiling}, nil
}

// AttachCacheTier mirrors AttachDataTier for the cache tier.
func AttachCacheTier(mgr *blockdevmgr.Mgr, cacheFlat []segment.Segment, sizeCeiling sectors.Sectors) *CacheTier {
	return &CacheTier{mgr: mgr, cacheFlat: cacheFlat, sizeCeiling: sizeCeiling}
}

// Mgr exposes the cache tier's device group.
func (t *CacheTier) Mgr() *blockdevmgr.Mgr { return t.mgr }

// CacheSegments returns the tier's current cache sub-device extent.
func (t *CacheTier) CacheSegments() []segment.Segment { return t.cacheFlat }

// Size is the sum of the cache extent's segment lengths.
func (t *CacheTier) Size() sectors.Sectors { return segment.TotalLength(t.cacheFlat) }

// Alloc grows the cache extent, refusing once the ceiling would be
// exceeded rather than attempting to re-lay-out a live dm-cache.
func (t *CacheTier) Alloc(sizes []sectors.Sectors) ([][]segment.Segment, bool, error) {
	var want sectors.Sectors
	for _, s := range sizes {
		want += s
	}
	if t.Size()+want > t.sizeCeiling {
		return nil, false, ErrCacheMetaGrowthUnsupported
	}
	results, ok := t.mgr.Alloc(sizes)
	if !ok {
		return nil, false, nil
	}
	for _, segs := range results {
		t.cacheFlat = segment.CoalesceAll(t.cacheFlat, segs)
	}
	return results, true, nil
}
