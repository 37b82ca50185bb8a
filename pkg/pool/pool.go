// Package pool implements the Pool facade: the per-pool state machine
// that composes a backstore, an optional cache tier, and a thin-pool
// supervisor behind the idempotent, tri-valued control surface an
// engine dispatches operations onto.
package pool

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/blockpoolio/poold/internal/perrors"
	"github.com/blockpoolio/poold/internal/validate"
	"github.com/blockpoolio/poold/pkg/backstore"
	"github.com/blockpoolio/poold/pkg/blockdev"
	"github.com/blockpoolio/poold/pkg/blockdevmgr"
	"github.com/blockpoolio/poold/pkg/crypt"
	"github.com/blockpoolio/poold/pkg/dm"
	"github.com/blockpoolio/poold/pkg/escrow"
	"github.com/blockpoolio/poold/pkg/keyring"
	"github.com/blockpoolio/poold/pkg/mdv"
	"github.com/blockpoolio/poold/pkg/poolrecord"
	"github.com/blockpoolio/poold/pkg/sectors"
	"github.com/blockpoolio/poold/pkg/segment"
	"github.com/blockpoolio/poold/pkg/thinpool"
	"github.com/blockpoolio/poold/pkg/tier"
	"github.com/blockpoolio/poold/pkg/uuid"
)

var (
	errFsLimitDecrease = errors.New("filesystem limit may not decrease")
)

// ActionKind is the outcome tag every mutating control-surface operation
// returns: a concrete change, or Identity when the target state already
// held.
type ActionKind int

const (
	ActionCreated ActionKind = iota
	ActionDeleted
	ActionRenamed
	ActionNewValue
	ActionIdentity
)

// Action is the tri-valued result returned by every pool-level mutator.
type Action struct {
	Kind ActionKind
	Pool *Pool
}

// Pool owns one pool's backstore, thin-pool supervisor, and identity,
// and gates every mutating operation on its own rollback- and
// encryption-consistency-imposed availability level: the pool's
// availability is the most restrictive level implied by any of its
// subsystems.
type Pool struct {
	// mu guards every field below. An engine holds it for the duration
	// of one control-surface call; it is never acquired recursively, so
	// Pool's own methods never lock it themselves.
	mu sync.RWMutex

	name string
	uuid uuid.PoolUUID

	bs      *backstore.Backstore
	tp      *thinpool.ThinPool
	vol     *mdv.MDV
	started bool

	mdaSize         sectors.Sectors
	fsLimit         uint64
	overprovEnabled bool
	featureTags     []string

	rollbackLevel          perrors.Level
	encryptionInconsistent bool

	lastReencrypt *time.Time
}

// Lock, Unlock, RLock, and RUnlock expose mu directly so an engine can
// serialize a whole control-surface call (which may span several Pool
// method invocations plus a ToRecord/Save) under a single critical
// section, rather than Pool locking itself per-method and leaving gaps
// an engine can't close from outside.
func (p *Pool) Lock()    { p.mu.Lock() }
func (p *Pool) Unlock()  { p.mu.Unlock() }
func (p *Pool) RLock()   { p.mu.RLock() }
func (p *Pool) RUnlock() { p.mu.RUnlock() }

// Name and UUID identify the pool.
func (p *Pool) Name() string        { return p.name }
func (p *Pool) UUID() uuid.PoolUUID { return p.uuid }

// Started reports whether the pool's DM topology is currently active.
func (p *Pool) Started() bool { return p.started }

// Level computes the pool's current action-availability level: the
// more restrictive of any outstanding rollback failure and cross-device
// encryption-info disagreement.
func (p *Pool) Level() perrors.Level {
	level := p.rollbackLevel
	if p.encryptionInconsistent {
		level = perrors.Max(level, perrors.NoPoolChanges)
	}
	return level
}

func (p *Pool) guardMutation() error {
	if level := p.Level(); level != perrors.Full {
		return perrors.ActionDisabledError(level)
	}
	return nil
}

// guardPoolChange gates filesystem-lifecycle operations, which remain
// possible at NoPoolChanges since they don't touch the pool's own
// on-disk metadata layout, unlike AddBlockdevs or bind/unbind.
func (p *Pool) guardPoolChange() error {
	if level := p.Level(); level == perrors.NoRequests {
		return perrors.ActionDisabledError(level)
	}
	return nil
}

// Initialize formats paths into a fresh backstore and thin-pool
// supervisor under a new pool identity (control surface: create_pool).
func Initialize(
	name string,
	paths []string,
	mdaSize sectors.Sectors,
	encInfo crypt.EncryptionInfo,
	fsLimit uint64,
	overprovEnabled bool,
	mdvDir string,
	driver dm.Driver,
	kr keyring.Store,
	ec escrow.Client,
) (*Pool, error) {
	return InitializeWithID(uuid.NewPoolUUID(), name, paths, mdaSize, encInfo, fsLimit, overprovEnabled, mdvDir, driver, kr, ec)
}

// InitializeWithID is Initialize with a caller-assigned pool identity,
// for an engine that must derive a stable on-disk location (its MDV
// directory, its registry key) from the pool's UUID before the
// backstore and thin-pool exist.
func InitializeWithID(
	poolID uuid.PoolUUID,
	name string,
	paths []string,
	mdaSize sectors.Sectors,
	encInfo crypt.EncryptionInfo,
	fsLimit uint64,
	overprovEnabled bool,
	mdvDir string,
	driver dm.Driver,
	kr keyring.Store,
	ec escrow.Client,
) (*Pool, error) {
	if err := validate.Name(name); err != nil {
		return nil, err
	}

	bs, err := backstore.Initialize(driver, name, poolID, paths, mdaSize, encInfo, kr, ec)
	if err != nil {
		return nil, err
	}

	vol, err := mdv.Mount(mdvDir)
	if err != nil {
		return nil, err
	}

	tp, err := thinpool.Initialize(bs, vol, poolID, fsLimit, overprovEnabled)
	if err != nil {
		return nil, err
	}

	return &Pool{
		name:            name,
		uuid:            poolID,
		bs:              bs,
		tp:              tp,
		vol:             vol,
		started:         true,
		mdaSize:         mdaSize,
		fsLimit:         fsLimit,
		overprovEnabled: overprovEnabled,
	}, nil
}

// Start rebuilds a pool's DM topology and thin-pool state from a record
// already agreed upon by its member devices, without reformatting
// anything ("Lifecycle summary": "started (rebuilds DM from on-disk
// metadata)"). dataDevs and cacheDevs are already-opened via
// pkg/blockdev.Setup by the caller (the engine, after pkg/liminal has
// confirmed assembly).
func Start(
	rec poolrecord.PoolRecord,
	dataDevs []*blockdev.BlockDev,
	cacheDevs []*blockdev.BlockDev,
	mdvDir string,
	driver dm.Driver,
) (*Pool, error) {
	dataEncInfo := firstEncryptionInfo(rec.Backstore.DataTier)
	dataMgr := blockdevmgr.Attach(rec.Pool, dataDevs, rec.MDASize, dataEncInfo)
	dataTier := tier.AttachDataTier(dataMgr, flatten(rec.Backstore.DataTier))

	var cacheTier *tier.CacheTier
	cached := len(rec.Backstore.CacheTier) > 0
	if cached {
		cacheMgr := blockdevmgr.Attach(rec.Pool, cacheDevs, rec.MDASize, nil)
		cacheTier = tier.AttachCacheTier(cacheMgr, flatten(rec.Backstore.CacheTier), backstore.CacheMetaCeiling)
	}

	next := segment.TotalLength(rec.Backstore.CapAlloc)
	bs, err := backstore.Attach(driver, rec.Name, rec.Pool, dataTier, cacheTier, next, cached)
	if err != nil {
		return nil, err
	}

	vol, err := mdv.Mount(mdvDir)
	if err != nil {
		return nil, err
	}

	tp, err := thinpool.Attach(bs, vol, rec.Pool,
		rec.FlexDev.ThinMeta, rec.FlexDev.ThinData, rec.FlexDev.ThinMetaSpare, rec.FlexDev.MDV,
		rec.ThinPool.FsLimit, rec.ThinPool.OverprovEnabled)
	if err != nil {
		return nil, err
	}
	if err := tp.RevertOnStart(); err != nil {
		return nil, err
	}

	return &Pool{
		name:            rec.Name,
		uuid:            rec.Pool,
		bs:              bs,
		tp:              tp,
		vol:             vol,
		started:         true,
		mdaSize:         rec.MDASize,
		fsLimit:         rec.ThinPool.FsLimit,
		overprovEnabled: rec.ThinPool.OverprovEnabled,
		featureTags:     rec.FeatureTags,
		lastReencrypt:   rec.LastReencrypt,
	}, nil
}

func firstEncryptionInfo(devs []poolrecord.DeviceRecord) crypt.EncryptionInfo {
	for _, d := range devs {
		if d.Encryption != nil {
			return d.Encryption
		}
	}
	return nil
}

func flatten(devs []poolrecord.DeviceRecord) []segment.Segment {
	var flat []segment.Segment
	for _, d := range devs {
		flat = segment.CoalesceAll(flat, d.Allocated)
	}
	return flat
}

// Stop tears down the pool's DM topology while leaving every member
// device's on-disk metadata untouched, so a later Start can rebuild it
// ("Lifecycle summary": "stopped (DM removed, metadata untouched)").
func (p *Pool) Stop() error {
	if !p.started {
		return nil
	}
	if err := p.bs.RemoveTopology(); err != nil {
		return err
	}
	p.started = false
	return nil
}

// Destroy tears down the DM topology and wipes every member device's
// BDA and crypt envelope, surrendering the pool permanently (control
// surface: destroy_pool).
func (p *Pool) Destroy() error {
	return p.bs.Teardown()
}

// Rename changes the pool's name, idempotent when newName already
// holds (control surface: rename_pool).
func (p *Pool) Rename(newName string) (Action, error) {
	if p.name == newName {
		return Action{Kind: ActionIdentity, Pool: p}, nil
	}
	if err := validate.Name(newName); err != nil {
		return Action{}, err
	}
	if err := p.guardMutation(); err != nil {
		return Action{}, err
	}
	p.name = newName
	return Action{Kind: ActionRenamed, Pool: p}, nil
}

// AddBlockdevs extends the data tier with freshly initialized devices
// (control surface: add_blockdevs).
func (p *Pool) AddBlockdevs(paths []string, kr keyring.Store, ec escrow.Client) ([]*blockdev.BlockDev, error) {
	if err := p.guardMutation(); err != nil {
		return nil, err
	}
	return p.bs.AddDataDevs(paths, kr, ec)
}

// InitCache splices a dm-cache topology in front of the cap (control
// surface: init_cache).
func (p *Pool) InitCache(paths []string, kr keyring.Store, ec escrow.Client) error {
	if err := p.guardMutation(); err != nil {
		return err
	}
	return p.bs.InitCache(paths, p.mdaSize, kr, ec)
}

// AddCacheDevs extends an already-initialized cache tier (control
// surface: add_cachedevs).
func (p *Pool) AddCacheDevs(paths []string, kr keyring.Store, ec escrow.Client) ([]*blockdev.BlockDev, error) {
	if err := p.guardMutation(); err != nil {
		return nil, err
	}
	return p.bs.AddCacheDevs(paths, kr, ec)
}

// BindKeyring, BindClevis, UnbindKeyring, UnbindClevis, RebindKeyring,
// and RebindClevis delegate to the backstore's cross-device rollback
// discipline, recording any resulting restriction in the pool's own
// level (control surface: bind_keyring / bind_clevis / unbind_* /
// rebind_*).
func (p *Pool) BindKeyring(slot crypt.TokenSlot, desc crypt.KeyDesc) error {
	return p.wrapEnvelopeOp(func() error { return p.bs.BindKeyring(slot, desc) })
}
func (p *Pool) BindClevis(slot crypt.TokenSlot, info crypt.ClevisInfo) error {
	return p.wrapEnvelopeOp(func() error { return p.bs.BindClevis(slot, info) })
}
func (p *Pool) UnbindKeyring(slot crypt.TokenSlot) error {
	return p.wrapEnvelopeOp(func() error { return p.bs.UnbindKeyring(slot) })
}
func (p *Pool) UnbindClevis(slot crypt.TokenSlot) error {
	return p.wrapEnvelopeOp(func() error { return p.bs.UnbindClevis(slot) })
}
func (p *Pool) RebindKeyring(slot crypt.TokenSlot, desc crypt.KeyDesc) error {
	return p.wrapEnvelopeOp(func() error { return p.bs.RebindKeyring(slot, desc) })
}
func (p *Pool) RebindClevis(slot crypt.TokenSlot, info crypt.ClevisInfo) error {
	return p.wrapEnvelopeOp(func() error { return p.bs.RebindClevis(slot, info) })
}

// wrapEnvelopeOp runs fn, absorbing any RollbackError into the pool's
// own availability level rather than letting a partial rollback go
// unrecorded.
func (p *Pool) wrapEnvelopeOp(fn func() error) error {
	if err := p.guardMutation(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if pe, ok := err.(*perrors.Error); ok && perrors.Is(err, perrors.RollbackErr) {
			p.rollbackLevel = perrors.Max(p.rollbackLevel, pe.Level)
		}
		return err
	}
	return nil
}

// Reencrypt rotates the volume key on every encrypted member device
// across both tiers, with the same all-or-nothing rollback discipline
// bindOrRollback applies within one tier (control surface:
// reencrypt_pool).
func (p *Pool) Reencrypt(now time.Time) error {
	if err := p.guardMutation(); err != nil {
		return err
	}
	devices := append([]*blockdev.BlockDev{}, p.bs.DataTier().Mgr().Devices()...)
	if ct := p.bs.CacheTier(); ct != nil {
		devices = append(devices, ct.Mgr().Devices()...)
	}

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
		if err := h.Reencrypt(); err != nil {
			outcome := perrors.RollbackSucceeded
			newLevel := perrors.NoPoolChanges
			for _, t := range done {
				if rerr := t.h.Rollback(t.cp); rerr != nil {
					outcome = perrors.RollbackFailed
					newLevel = perrors.NoRequests
				}
			}
			rbErr := perrors.RollbackError(err, outcome, newLevel)
			if pe, ok := rbErr.(*perrors.Error); ok {
				p.rollbackLevel = perrors.Max(p.rollbackLevel, pe.Level)
			}
			return rbErr
		}
		done = append(done, touched{h: h, cp: cp})
	}
	p.lastReencrypt = &now
	return nil
}

// SetFsLimit raises the pool's filesystem count ceiling, refusing a
// decrease (monotone, control surface: set_fs_limit).
func (p *Pool) SetFsLimit(limit uint64) (Action, error) {
	if err := p.guardMutation(); err != nil {
		return Action{}, err
	}
	if limit == p.fsLimit {
		return Action{Kind: ActionIdentity, Pool: p}, nil
	}
	if limit < p.fsLimit {
		return Action{}, perrors.New(perrors.Invalid, errFsLimitDecrease)
	}
	p.fsLimit = limit
	return Action{Kind: ActionNewValue, Pool: p}, nil
}

// SetOverprovMode toggles whether filesystems may be created beyond the
// pool's physical capacity (control surface: set_overprov_mode).
func (p *Pool) SetOverprovMode(enabled bool) (Action, error) {
	if err := p.guardMutation(); err != nil {
		return Action{}, err
	}
	if enabled == p.overprovEnabled {
		return Action{Kind: ActionIdentity, Pool: p}, nil
	}
	p.overprovEnabled = enabled
	return Action{Kind: ActionNewValue, Pool: p}, nil
}

// GrowPhysical extends the data tier by devUUID's unallocated space as
// its BDA header recorded it at initialization (control surface:
// grow_physical). The device's current size is not re-read, so space
// added to a backing volume after initialization is not picked up.
func (p *Pool) GrowPhysical(devUUID uuid.DevUUID) (bool, error) {
	if err := p.guardMutation(); err != nil {
		return false, err
	}
	return p.bs.DataTier().Grow(devUUID)
}

// CreateFilesystem, DestroyFilesystems, SnapshotFilesystem,
// RenameFilesystem, SetFsSizeLimit, and SetFsMergeScheduled pass
// through to the thin-pool supervisor, gated on the pool-change
// restriction level rather than the full mutation guard: filesystem
// edits remain possible at NoPoolChanges.
func (p *Pool) CreateFilesystem(name string, size, sizeLimit *sectors.Sectors, now time.Time) (thinpool.Action, error) {
	if err := p.guardPoolChange(); err != nil {
		return thinpool.Action{}, err
	}
	return p.tp.CreateFilesystem(name, size, sizeLimit, now)
}

func (p *Pool) DestroyFilesystems(targets []uuid.FilesystemUUID) error {
	if err := p.guardPoolChange(); err != nil {
		return err
	}
	return p.tp.DestroyFilesystems(targets)
}

func (p *Pool) SnapshotFilesystem(origin uuid.FilesystemUUID, name string, now time.Time) (thinpool.Action, error) {
	if err := p.guardPoolChange(); err != nil {
		return thinpool.Action{}, err
	}
	return p.tp.SnapshotFilesystem(origin, name, now)
}

func (p *Pool) RenameFilesystem(id uuid.FilesystemUUID, newName string) (thinpool.Action, error) {
	if err := p.guardPoolChange(); err != nil {
		return thinpool.Action{}, err
	}
	return p.tp.RenameFilesystem(id, newName)
}

func (p *Pool) SetFsSizeLimit(id uuid.FilesystemUUID, limit *sectors.Sectors) (thinpool.Action, error) {
	if err := p.guardPoolChange(); err != nil {
		return thinpool.Action{}, err
	}
	return p.tp.SetFsSizeLimit(id, limit)
}

func (p *Pool) SetFsMergeScheduled(id uuid.FilesystemUUID, scheduled bool) (thinpool.Action, error) {
	if err := p.guardPoolChange(); err != nil {
		return thinpool.Action{}, err
	}
	return p.tp.SetFsMergeScheduled(id, scheduled)
}

// Filesystems returns a snapshot of the pool's filesystem table.
func (p *Pool) Filesystems() []*thinpool.Filesystem { return p.tp.Filesystems() }

// Check runs the thin-pool's low-water extension loop and the
// filesystem-level extension loop, the periodic maintenance work an
// engine's run loop drives for every started pool.
func (p *Pool) Check(now time.Time) (thinpool.CheckResult, map[string]string) {
	result := p.tp.Check(now)
	diff := p.tp.CheckFs()
	return result, diff
}

// CheckEncryptionConsistency compares every member device's
// EncryptionInfo across both tiers, recording a NoPoolChanges
// restriction on any disagreement and clearing it once all devices
// agree again. Every participating device must carry the same mapping.
func (p *Pool) CheckEncryptionConsistency() error {
	devices := append([]*blockdev.BlockDev{}, p.bs.DataTier().Mgr().Devices()...)
	if ct := p.bs.CacheTier(); ct != nil {
		devices = append(devices, ct.Mgr().Devices()...)
	}

	var reference crypt.EncryptionInfo
	var haveReference bool
	for _, d := range devices {
		h := d.EncryptionHandle()
		if h == nil {
			continue
		}
		info, err := h.Info()
		if err != nil {
			return err
		}
		if !haveReference {
			reference = info
			haveReference = true
			continue
		}
		if !reference.Equal(info) {
			p.encryptionInconsistent = true
			return nil
		}
	}
	p.encryptionInconsistent = false
	return nil
}

// ToRecord renders the pool's current state into the on-disk document
// every member device's metadata area carries: everything needed to
// reassemble a pool without consulting anything but the devices
// themselves.
func (p *Pool) ToRecord() poolrecord.PoolRecord {
	rec := poolrecord.PoolRecord{
		Name:    p.name,
		Pool:    p.uuid,
		MDASize: p.mdaSize,
		Backstore: poolrecord.BackstoreRecord{
			DataTier: deviceRecords(p.bs.DataTier().Mgr().Devices(), p.bs.DataTier().FlatSegments()),
			CapAlloc: []segment.Segment{{Length: p.bs.Next()}},
		},
		FlexDev: poolrecord.FlexDevRecord{
			ThinMeta:      p.tp.MetaSegments(),
			ThinData:      p.tp.DataSegments(),
			ThinMetaSpare: p.tp.MetaSpareSegments(),
			MDV:           p.tp.MDVSegments(),
		},
		ThinPool: poolrecord.ThinPoolRecord{
			DataBlockSize:   thinpool.DataBlockSize,
			FsLimit:         p.fsLimit,
			OverprovEnabled: p.overprovEnabled,
		},
		Started:       p.started,
		FeatureTags:   p.featureTags,
		LastReencrypt: p.lastReencrypt,
	}
	if ct := p.bs.CacheTier(); ct != nil {
		rec.Backstore.CacheTier = deviceRecords(ct.Mgr().Devices(), ct.CacheSegments())
	}
	return rec
}

// deviceRecords builds one DeviceRecord per device, attributing to each
// the slice of flat's segments that actually live on it.
func deviceRecords(devices []*blockdev.BlockDev, flat []segment.Segment) []poolrecord.DeviceRecord {
	out := make([]poolrecord.DeviceRecord, len(devices))
	for i, d := range devices {
		var allocated []segment.Segment
		for _, s := range flat {
			if s.Device == d.DevUUID() {
				allocated = append(allocated, s)
			}
		}
		rec := poolrecord.DeviceRecord{Dev: d.DevUUID(), Path: d.PhysicalPath(), Allocated: allocated}
		if h := d.EncryptionHandle(); h != nil {
			if info, err := h.Info(); err == nil {
				rec.Encryption = info
			}
		}
		out[i] = rec
	}
	return out
}

// Save writes the pool's current record out via the data tier's
// redundant multi-device metadata write.
func (p *Pool) Save(now time.Time) error {
	return poolrecord.Save(p.bs.DataTier().Mgr(), now, p.ToRecord())
}
