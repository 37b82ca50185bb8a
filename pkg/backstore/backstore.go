// Package backstore implements Backstore: the single cap address space
// the thin-pool supervisor is carved from, backed by
// either a plain linear concatenation of the data tier or a dm-cache
// topology spliced in front of it.
package backstore

import (
	"time"

	"github.com/pkg/errors"

	"github.com/blockpoolio/poold/internal/perrors"
	"github.com/blockpoolio/poold/pkg/blockdev"
	"github.com/blockpoolio/poold/pkg/crypt"
	"github.com/blockpoolio/poold/pkg/dm"
	"github.com/blockpoolio/poold/pkg/escrow"
	"github.com/blockpoolio/poold/pkg/keyring"
	"github.com/blockpoolio/poold/pkg/sectors"
	"github.com/blockpoolio/poold/pkg/segment"
	"github.com/blockpoolio/poold/pkg/tier"
	"github.com/blockpoolio/poold/pkg/uuid"
)

// CacheMetaCeiling is the kernel-imposed maximum combined size of a
// dm-cache's metadata and fast-device sub-devices, carried down into
// the cache tier this backstore owns. Exported for pkg/pool's Start
// path, which must build the same kind of CacheTier this package does
// when reattaching to an already-initialized cache.
const CacheMetaCeiling = 16 * sectors.GiB

const cacheMetaCeiling = CacheMetaCeiling

var (
	errCapNotYetMaterialized   = errors.New("cap device has not been materialized by a prior alloc")
	errCacheAlreadyInitialized = errors.New("backstore already has a cache tier")
	errCacheMetaAllocFailed    = errors.New("could not allocate the cache metadata sub-device")
	errCacheDataAllocFailed    = errors.New("could not allocate the cache data sub-device")
	errNoCacheTier             = errors.New("backstore has no cache tier")
)

// Extent is one (offset, length) pair into the cap address space,
// returned in request order by Alloc.
type Extent struct {
	Offset sectors.Sectors
	Length sectors.Sectors
}

// Backstore owns a pool's data tier, optional cache tier, and the DM
// topology presenting both as one cap device.
type Backstore struct {
	driver   dm.Driver
	name     string
	pool     uuid.PoolUUID
	dataTier *tier.DataTier
	cache    *tier.CacheTier
	capName  string
	cached   bool
	next     sectors.Sectors
}

func capDeviceName(poolName string) string { return "blockpool-" + poolName + "-physical" }

// Initialize formats the given paths into a fresh data tier; the cap DM
// device itself is not materialized until the first Alloc.
func Initialize(
	driver dm.Driver,
	poolName string,
	pool uuid.PoolUUID,
	paths []string,
	mdaSize sectors.Sectors,
	encInfo crypt.EncryptionInfo,
	kr keyring.Store,
	ec escrow.Client,
) (*Backstore, error) {
	dt, err := tier.InitializeDataTier(pool, paths, mdaSize, encInfo, kr, ec)
	if err != nil {
		return nil, err
	}
	return &Backstore{driver: driver, name: poolName, pool: pool, dataTier: dt, capName: capDeviceName(poolName)}, nil
}

// Attach reconstructs a Backstore from tiers already rebuilt by
// pkg/tier's own Attach constructors, rematerializing the cap's DM
// topology from their existing segment lists instead of allocating
// fresh ones. This is pool start's "rebuild DM from on-disk metadata"
// path, as opposed to Initialize's "format fresh devices" path.
//
// A cached backstore's combined cache extent has no surviving record of
// where its fixed-size metadata sub-device ends and its data
// sub-device begins (InitCache coalesces both allocations into one
// list); Attach recovers the boundary from the same cacheMetaCeiling-
// independent constant InitCache used to size the metadata
// sub-device, splitting a segment at that offset if needed.
func Attach(
	driver dm.Driver,
	poolName string,
	pool uuid.PoolUUID,
	dt *tier.DataTier,
	ct *tier.CacheTier,
	next sectors.Sectors,
	cached bool,
) (*Backstore, error) {
	b := &Backstore{
		driver:   driver,
		name:     poolName,
		pool:     pool,
		dataTier: dt,
		cache:    ct,
		capName:  capDeviceName(poolName),
		next:     next,
	}
	if next == 0 {
		return b, nil
	}

	origin := toDMSegments(dt.FlatSegments(), b.devicePaths())

	if !cached || ct == nil {
		if err := driver.CreateLinear(b.capName, origin); err != nil {
			return nil, perrors.New(perrors.Io, err)
		}
		return b, nil
	}

	cachePaths := make(map[uuid.DevUUID]string, len(ct.Mgr().Devices()))
	for _, d := range ct.Mgr().Devices() {
		cachePaths[d.DevUUID()] = d.LogicalPath()
	}
	metaSegs, dataSegs := splitCacheExtent(ct.CacheSegments(), initCacheMetaSize)
	if len(metaSegs) == 0 || len(dataSegs) == 0 {
		return nil, perrors.New(perrors.Corrupt, errCacheExtentTooSmall)
	}

	cachedName := b.capName + "-cached"
	table := dm.CacheTable{
		Meta:   toDMSegments(metaSegs, cachePaths)[0],
		Data:   toDMSegments(dataSegs, cachePaths)[0],
		Origin: origin,
		Policy: "smq",
	}
	if err := driver.CreateCache(cachedName, table); err != nil {
		return nil, perrors.New(perrors.Io, err)
	}
	b.capName = cachedName
	b.cached = true
	return b, nil
}

// initCacheMetaSize mirrors the fixed metadata sub-device size InitCache
// allocates first, used by Attach to recover the meta/data boundary.
const initCacheMetaSize = 64 * sectors.MiB

var errCacheExtentTooSmall = errors.New("cache extent is smaller than the fixed metadata sub-device size")

// splitCacheExtent divides segs at metaSize sectors in, splitting the
// segment straddling the boundary if necessary.
func splitCacheExtent(segs []segment.Segment, metaSize sectors.Sectors) (meta, data []segment.Segment) {
	var consumed sectors.Sectors
	for _, s := range segs {
		if consumed >= metaSize {
			data = append(data, s)
			continue
		}
		remaining := metaSize - consumed
		if s.Length <= remaining {
			meta = append(meta, s)
			consumed += s.Length
			continue
		}
		meta = append(meta, segment.Segment{Device: s.Device, Start: s.Start, Length: remaining})
		data = append(data, segment.Segment{Device: s.Device, Start: s.Start + remaining, Length: s.Length - remaining})
		consumed = metaSize
	}
	return meta, data
}

// CapSize is the data tier's allocated size. The cap's visible size
// always equals it.
func (b *Backstore) CapSize() sectors.Sectors { return b.dataTier.Size() }

// DataTier and CacheTier expose the underlying tiers for callers that
// need direct device access (pkg/thinpool's meta/data region carving).
func (b *Backstore) DataTier() *tier.DataTier   { return b.dataTier }
func (b *Backstore) CacheTier() *tier.CacheTier { return b.cache }

// Cached reports whether this backstore's cap is the cached topology.
func (b *Backstore) Cached() bool { return b.cached }

// Next reports the cap-relative offset of the next Alloc, i.e. the
// total size ever allocated from the cap so far — what a pool record
// needs to hand back to Attach on restart.
func (b *Backstore) Next() sectors.Sectors { return b.next }

// devicePaths maps every data-tier device's identity to the logical
// path dm.Segment backends should reference, so encrypted tiers route
// through the unlocked mapper device rather than the raw disk.
func (b *Backstore) devicePaths() map[uuid.DevUUID]string {
	paths := make(map[uuid.DevUUID]string, len(b.dataTier.Mgr().Devices()))
	for _, d := range b.dataTier.Mgr().Devices() {
		paths[d.DevUUID()] = d.LogicalPath()
	}
	return paths
}

func toDMSegments(segs []segment.Segment, paths map[uuid.DevUUID]string) []dm.Segment {
	out := make([]dm.Segment, len(segs))
	for i, s := range segs {
		out[i] = dm.Segment{BackendPath: paths[s.Device], BackendOffset: s.Start, Length: s.Length}
	}
	return out
}

// InitCache requires a cap already materialized. It creates a new
// dm-cache device (capName + "-cached") over the data tier's segments
// and then removes the linear cap device; the linear cap is not
// suspended or resumed around this. If creating the cache device fails,
// the linear cap stays in place; cache-tier devices already initialized
// by this call are not disowned.
func (b *Backstore) InitCache(paths []string, mdaSize sectors.Sectors, kr keyring.Store, ec escrow.Client) error {
	if b.next == 0 {
		return perrors.New(perrors.Invalid, errCapNotYetMaterialized)
	}
	if b.cache != nil {
		return perrors.New(perrors.Invalid, errCacheAlreadyInitialized)
	}

	ct, err := tier.InitializeCacheTier(b.pool, paths, mdaSize, cacheMetaCeiling, kr, ec)
	if err != nil {
		return err
	}

	metaSegs, ok, err := ct.Alloc([]sectors.Sectors{64 * sectors.MiB})
	if err != nil || !ok {
		return perrors.New(perrors.Invalid, errCacheMetaAllocFailed)
	}
	dataSegs, ok, err := ct.Alloc([]sectors.Sectors{ct.Mgr().Devices()[0].FreeSectors()})
	if err != nil || !ok {
		return perrors.New(perrors.Invalid, errCacheDataAllocFailed)
	}

	cachePaths := make(map[uuid.DevUUID]string, len(ct.Mgr().Devices()))
	for _, d := range ct.Mgr().Devices() {
		cachePaths[d.DevUUID()] = d.LogicalPath()
	}

	origin := toDMSegments(b.dataTier.FlatSegments(), b.devicePaths())
	table := dm.CacheTable{
		Meta:   toDMSegments(metaSegs[0], cachePaths)[0],
		Data:   toDMSegments(dataSegs[0], cachePaths)[0],
		Origin: origin,
		Policy: "smq",
	}

	cachedName := b.capName + "-cached"
	if err := b.driver.CreateCache(cachedName, table); err != nil {
		return perrors.New(perrors.Io, err)
	}
	if err := b.driver.Remove(b.capName); err != nil {
		// The thin-pool layered over the old linear cap (if any) must
		// be resumed by the caller regardless of this failure.
		return perrors.New(perrors.Io, err)
	}
	b.capName = cachedName
	b.cache = ct
	b.cached = true
	return nil
}

// AddDataDevs extends the data tier with freshly initialized devices.
func (b *Backstore) AddDataDevs(paths []string, kr keyring.Store, ec escrow.Client) ([]*blockdev.BlockDev, error) {
	return b.dataTier.Mgr().Add(paths, kr, ec)
}

// AddCacheDevs extends the cache tier, if one exists.
func (b *Backstore) AddCacheDevs(paths []string, kr keyring.Store, ec escrow.Client) ([]*blockdev.BlockDev, error) {
	if b.cache == nil {
		return nil, perrors.New(perrors.Invalid, errNoCacheTier)
	}
	return b.cache.Mgr().Add(paths, kr, ec)
}

// Alloc satisfies sizes all-or-nothing against the data tier, growing
// and (re)materializing the cap DM device as needed, and returns
// cap-relative extents in request order.
func (b *Backstore) Alloc(sizes []sectors.Sectors) ([]Extent, bool) {
	var want sectors.Sectors
	for _, s := range sizes {
		want += s
	}
	if b.availableInBackstore() < want {
		return nil, false
	}

	if _, ok := b.dataTier.Alloc(sizes); !ok {
		return nil, false
	}

	segs := toDMSegments(b.dataTier.FlatSegments(), b.devicePaths())
	if !b.cached {
		if !b.driver.Exists(b.capName) {
			if err := b.driver.CreateLinear(b.capName, segs); err != nil {
				return nil, false
			}
		} else if err := b.driver.ReloadLinear(b.capName, segs); err != nil {
			return nil, false
		}
	}

	extents := make([]Extent, len(sizes))
	for i, size := range sizes {
		extents[i] = Extent{Offset: b.next, Length: size}
		b.next += size
	}
	return extents, true
}

func (b *Backstore) availableInBackstore() sectors.Sectors {
	var free sectors.Sectors
	for _, d := range b.dataTier.Mgr().Devices() {
		free += d.FreeSectors()
	}
	return free
}

// SaveState forwards to the data tier's BlockDevMgr.
func (b *Backstore) SaveState(now time.Time, payload []byte) error {
	return b.dataTier.Mgr().SaveState(now, payload)
}

// bindOrRollback runs fn against every device in devices, taking a
// Checkpoint first; any device's failure rolls every already-touched
// device back to its checkpoint, the same cross-device rollback
// discipline pkg/crypt applies to a single device, lifted to the
// backstore level.
func bindOrRollback(devices []*blockdev.BlockDev, fn func(*crypt.Handle) error) error {
	type touched struct {
		h  *crypt.Handle
		cp crypt.Checkpoint
	}
	var done []touched

	for _, d := range devices {
		h := d.EncryptionHandle()
		if h == nil {
			continue
		}
		cp := h.Checkpoint()
		if err := fn(h); err != nil {
			outcome := perrors.RollbackSucceeded
			newLevel := perrors.NoPoolChanges
			for _, t := range done {
				if rerr := t.h.Rollback(t.cp); rerr != nil {
					outcome = perrors.RollbackFailed
					newLevel = perrors.NoRequests
				}
			}
			return perrors.RollbackError(err, outcome, newLevel)
		}
		done = append(done, touched{h: h, cp: cp})
	}
	return nil
}

// BindClevis binds a network-escrow mechanism into slot on every
// encrypted member device.
func (b *Backstore) BindClevis(slot crypt.TokenSlot, info crypt.ClevisInfo) error {
	return bindOrRollback(b.dataTier.Mgr().Devices(), func(h *crypt.Handle) error { return h.Bind(slot, info) })
}

// BindKeyring binds a passphrase mechanism into slot on every encrypted
// member device.
func (b *Backstore) BindKeyring(slot crypt.TokenSlot, desc crypt.KeyDesc) error {
	return bindOrRollback(b.dataTier.Mgr().Devices(), func(h *crypt.Handle) error { return h.Bind(slot, desc) })
}

// UnbindClevis and UnbindKeyring remove slot from every encrypted
// member device; each device independently refuses to remove its last
// remaining mechanism.
func (b *Backstore) UnbindClevis(slot crypt.TokenSlot) error {
	return bindOrRollback(b.dataTier.Mgr().Devices(), func(h *crypt.Handle) error { return h.Unbind(slot) })
}
func (b *Backstore) UnbindKeyring(slot crypt.TokenSlot) error {
	return bindOrRollback(b.dataTier.Mgr().Devices(), func(h *crypt.Handle) error { return h.Unbind(slot) })
}

// RebindClevis and RebindKeyring replace slot's mechanism across every
// encrypted member device via add-new-then-remove-old.
func (b *Backstore) RebindClevis(slot crypt.TokenSlot, info crypt.ClevisInfo) error {
	return bindOrRollback(b.dataTier.Mgr().Devices(), func(h *crypt.Handle) error { return h.Rebind(slot, info) })
}
func (b *Backstore) RebindKeyring(slot crypt.TokenSlot, desc crypt.KeyDesc) error {
	return bindOrRollback(b.dataTier.Mgr().Devices(), func(h *crypt.Handle) error { return h.Rebind(slot, desc) })
}

// RemoveTopology removes the cap's DM device without touching any
// member device's BDA or crypt envelope, so a later Attach can rebuild
// the same topology from on-disk metadata (pool stop, as opposed to
// Teardown's permanent wipe for pool destroy).
func (b *Backstore) RemoveTopology() error {
	if b.driver.Exists(b.capName) {
		if err := b.driver.Remove(b.capName); err != nil {
			return perrors.New(perrors.Io, err)
		}
	}
	return nil
}

// Teardown strictly reverses construction order: cache, origin-linear,
// crypt envelopes, BDA wipe. Filesystem and thin-pool teardown is
// pkg/thinpool's responsibility and must run before this is called.
func (b *Backstore) Teardown() error {
	if b.cached {
		if err := b.driver.Remove(b.capName); err != nil {
			return perrors.New(perrors.Io, err)
		}
	} else if b.driver.Exists(b.capName) {
		if err := b.driver.Remove(b.capName); err != nil {
			return perrors.New(perrors.Io, err)
		}
	}

	for _, d := range b.dataTier.Mgr().Devices() {
		if err := d.Disown(); err != nil {
			return err
		}
	}
	if b.cache != nil {
		for _, d := range b.cache.Mgr().Devices() {
			if err := d.Disown(); err != nil {
				return err
			}
		}
	}
	return nil
}
