// Package thinpool implements the ThinPool supervisor: the four
// flex-region segment lists carved from a backstore's cap, the sizing
// and low-water extension policy that keeps the underlying thin-pool
// from running out of space, and the Filesystem lifecycle layered over
// its thin devices.
//
// The kernel thin-pool target itself is modeled in-memory rather than
// driven through a real devmapper thin-pool table: the corpus's only
// confirmed devmapper.go usage (the go-luks2 reference) exercises a
// crypt target, not a thin-pool target, and there is no grounded shape
// to extrapolate a thin-pool table from with any confidence. The
// accounting here (data/meta usage, low-water extension) follows the
// same self-contained-model precedent pkg/crypt set for dm-crypt.
package thinpool

import (
	"time"

	"github.com/pkg/errors"

	"github.com/blockpoolio/poold/internal/perrors"
	"github.com/blockpoolio/poold/internal/validate"
	"github.com/blockpoolio/poold/pkg/backstore"
	"github.com/blockpoolio/poold/pkg/mdv"
	"github.com/blockpoolio/poold/pkg/sectors"
	"github.com/blockpoolio/poold/pkg/segment"
	"github.com/blockpoolio/poold/pkg/uuid"
)

// Sizing policy constants.
const (
	InitialMetaSize       sectors.Sectors = 256 * sectors.MiB
	InitialDataSize       sectors.Sectors = 2 * sectors.GiB
	InitialMDVSize        sectors.Sectors = 128 * sectors.MiB
	DataBlockSize         sectors.Sectors = 1 * sectors.MiB
	DataLowater           sectors.Sectors = 512 * sectors.MiB
	MetaLowater           sectors.Sectors = 16 * sectors.MiB
	FsLowater             sectors.Sectors = 512 * sectors.MiB
	DefaultFilesystemSize sectors.Sectors = 1 * sectors.GiB
	DefaultFsLimit                        = ^uint64(0)
)

var (
	ErrFsLimitExceeded   = errors.New("creating this filesystem would exceed the pool's filesystem limit")
	ErrOverprovDisabled  = errors.New("overprovisioning is disabled and this operation would exceed pool capacity")
	ErrNameInUse         = errors.New("a filesystem with this name already exists at a different size")
	ErrNoOrigin          = errors.New("filesystem has no origin to merge into")
	ErrOriginRevertScheduled = errors.New("origin is itself scheduled to revert into another filesystem")
	ErrSiblingRevertScheduled = errors.New("another snapshot of this origin is already scheduled to revert")
	ErrSnapshotRevertScheduled = errors.New("a snapshot of this filesystem is scheduled to revert")
	ErrDestroyTargetRevertScheduled = errors.New("a target filesystem is itself scheduled to revert")
	ErrDestroyTargetIsMergeOrigin   = errors.New("a target filesystem is the origin of a revert-scheduled snapshot")
)

// Filesystem is one thin device and its metadata record.
type Filesystem struct {
	UUID           uuid.FilesystemUUID
	Name           string
	ThinID         uint32
	Size           sectors.Sectors
	SizeLimit      *sectors.Sectors
	Origin         *uuid.FilesystemUUID
	MergeScheduled bool
	Created        time.Time
}

// ActionKind is the outcome tag of a mutating filesystem operation.
type ActionKind int

const (
	ActionCreated ActionKind = iota
	ActionDeleted
	ActionRenamed
	ActionNewValue
	ActionIdentity
)

// Action is the tri-valued result every mutator returns: a concrete
// change, Identity (target state already holds), or an error.
type Action struct {
	Kind       ActionKind
	Filesystem *Filesystem
}

// ThinPool owns the four flex regions, the filesystem table, and the
// thin-id generator for one pool.
type ThinPool struct {
	bs   *backstore.Backstore
	vol  *mdv.MDV
	pool uuid.PoolUUID

	meta      []segment.Segment
	data      []segment.Segment
	metaSpare []segment.Segment
	mdvRegion []segment.Segment

	filesystems map[uuid.FilesystemUUID]*Filesystem
	nextThinID  uint32

	fsLimit         uint64
	overprovEnabled bool
	outOfAllocSpace bool

	// dataUsed/metaUsed model the kernel thin-pool's own usage
	// counters; real builds would read these from DM status.
	dataUsed sectors.Sectors
	metaUsed sectors.Sectors
}

// Initialize carves the four flex regions from bs's cap and returns a
// fresh, empty ThinPool.
func Initialize(bs *backstore.Backstore, vol *mdv.MDV, pool uuid.PoolUUID, fsLimit uint64, overprovEnabled bool) (*ThinPool, error) {
	tp := &ThinPool{
		bs:              bs,
		vol:             vol,
		pool:            pool,
		filesystems:     make(map[uuid.FilesystemUUID]*Filesystem),
		fsLimit:         fsLimit,
		overprovEnabled: overprovEnabled,
	}

	regions := []struct {
		size sectors.Sectors
		dest *[]segment.Segment
	}{
		{InitialMetaSize, &tp.meta},
		{InitialMetaSize, &tp.metaSpare},
		{InitialDataSize, &tp.data},
		{InitialMDVSize, &tp.mdvRegion},
	}
	for _, r := range regions {
		extents, ok := bs.Alloc([]sectors.Sectors{r.size})
		if !ok {
			return nil, perrors.Newf(perrors.Invalid, "backstore could not satisfy initial flex region of %d sectors", r.size)
		}
		*r.dest = extentsToSegments(pool, extents)
	}
	return tp, nil
}

// Attach reconstructs a ThinPool from previously-carved flex regions
// and the filesystem records already written into vol, rather than
// carving four fresh regions, for pool start. Every filesystem record
// in vol is loaded back into the table; nextThinID resumes one past the
// highest recorded thin id, dataUsed as the sum of the recorded
// filesystem sizes, and metaUsed at zero.
func Attach(
	bs *backstore.Backstore,
	vol *mdv.MDV,
	pool uuid.PoolUUID,
	meta, data, metaSpare, mdvRegion []segment.Segment,
	fsLimit uint64,
	overprovEnabled bool,
) (*ThinPool, error) {
	tp := &ThinPool{
		bs:              bs,
		vol:             vol,
		pool:            pool,
		meta:            meta,
		data:            data,
		metaSpare:       metaSpare,
		mdvRegion:       mdvRegion,
		filesystems:     make(map[uuid.FilesystemUUID]*Filesystem),
		fsLimit:         fsLimit,
		overprovEnabled: overprovEnabled,
	}

	ids, err := vol.List()
	if err != nil {
		return nil, perrors.New(perrors.Io, err)
	}
	for _, id := range ids {
		rec, err := vol.Load(id)
		if err != nil {
			return nil, perrors.New(perrors.Corrupt, err)
		}
		fs := &Filesystem{
			UUID:           id,
			Name:           rec.Name,
			ThinID:         rec.ThinID,
			Size:           rec.Size,
			SizeLimit:      rec.SizeLimit,
			Origin:         rec.Origin,
			MergeScheduled: rec.MergeScheduled,
			Created:        rec.Created,
		}
		tp.filesystems[id] = fs
		tp.dataUsed += fs.Size
		if fs.ThinID >= tp.nextThinID {
			tp.nextThinID = fs.ThinID + 1
		}
	}
	return tp, nil
}

func extentsToSegments(pool uuid.PoolUUID, extents []backstore.Extent) []segment.Segment {
	segs := make([]segment.Segment, len(extents))
	for i, e := range extents {
		segs[i] = segment.Segment{Device: uuid.DevUUID(pool), Start: e.Offset, Length: e.Length}
	}
	return segs
}

// CapSize reports the backstore cap size region growth is bounded by.
func (tp *ThinPool) CapSize() sectors.Sectors { return tp.bs.CapSize() }

// DataRegionSize, MetaRegionSize, MetaSpareRegionSize, and MDVRegionSize
// report the current size of each flex region, for status reporting and
// tests.
func (tp *ThinPool) DataRegionSize() sectors.Sectors      { return segment.TotalLength(tp.data) }
func (tp *ThinPool) MetaRegionSize() sectors.Sectors      { return segment.TotalLength(tp.meta) }
func (tp *ThinPool) MetaSpareRegionSize() sectors.Sectors { return segment.TotalLength(tp.metaSpare) }
func (tp *ThinPool) MDVRegionSize() sectors.Sectors       { return segment.TotalLength(tp.mdvRegion) }

// MetaSegments, DataSegments, MetaSpareSegments, and MDVSegments expose
// each flex region's segment list, for persisting into a pool record
// (pkg/pool.Pool.ToRecord) and for Attach to rebuild from.
func (tp *ThinPool) MetaSegments() []segment.Segment      { return tp.meta }
func (tp *ThinPool) DataSegments() []segment.Segment      { return tp.data }
func (tp *ThinPool) MetaSpareSegments() []segment.Segment { return tp.metaSpare }
func (tp *ThinPool) MDVSegments() []segment.Segment       { return tp.mdvRegion }

// OutOfAllocSpace reports whether the last Check call could not
// satisfy a required extension.
func (tp *ThinPool) OutOfAllocSpace() bool { return tp.outOfAllocSpace }

// Filesystems returns a snapshot of the current filesystem table.
func (tp *ThinPool) Filesystems() []*Filesystem {
	out := make([]*Filesystem, 0, len(tp.filesystems))
	for _, fs := range tp.filesystems {
		out = append(out, fs)
	}
	return out
}

func (tp *ThinPool) totalFsSize() sectors.Sectors {
	var total sectors.Sectors
	for _, fs := range tp.filesystems {
		total += fs.Size
	}
	return total
}

func (tp *ThinPool) byName(name string) *Filesystem {
	for _, fs := range tp.filesystems {
		if fs.Name == name {
			return fs
		}
	}
	return nil
}

// CheckResult reports what a Check call found.
type CheckResult struct {
	MetadataChanged       bool
	Diff                  map[string]string
	RequiresNoPoolChanges bool
}

// Check runs the low-water extension loop: grow the data region if
// free data blocks fall under DataLowater, grow the metadata region
// (backed by the spare) under the same rule for MetaLowater, and
// report whether a pool-metadata rewrite is now required.
func (tp *ThinPool) Check(now time.Time) CheckResult {
	result := CheckResult{Diff: map[string]string{}}

	dataTotal := segment.TotalLength(tp.data)
	if dataTotal-tp.dataUsed < DataLowater {
		need := dataTotal // the shortfall below, capped at doubling
		if needed := DataLowater - (dataTotal - tp.dataUsed); needed < need {
			need = needed
		}
		if tp.grow(&tp.data, need) {
			result.MetadataChanged = true
			result.Diff["data"] = "extended data region"
			tp.outOfAllocSpace = false
		} else {
			tp.outOfAllocSpace = true
		}
	}

	metaTotal := segment.TotalLength(tp.meta)
	if metaTotal-tp.metaUsed < MetaLowater {
		need := metaTotal
		if needed := MetaLowater - (metaTotal - tp.metaUsed); needed < need {
			need = needed
		}
		if tp.grow(&tp.meta, need) {
			result.MetadataChanged = true
			result.Diff["meta"] = "extended metadata region"
			tp.outOfAllocSpace = false
		} else {
			tp.outOfAllocSpace = true
		}
	}

	return result
}

// grow extends *region by allocating additional cap segments and
// coalescing them onto the existing list.
func (tp *ThinPool) grow(region *[]segment.Segment, amount sectors.Sectors) bool {
	if amount == 0 {
		return false
	}
	extents, ok := tp.bs.Alloc([]sectors.Sectors{amount})
	if !ok {
		return false
	}
	*region = segment.CoalesceAll(*region, extentsToSegments(tp.pool, extents))
	return true
}

// CreateFilesystem assigns a thin-id, creates the thin device record,
// and writes it into the metadata volume.
func (tp *ThinPool) CreateFilesystem(name string, size, sizeLimit *sectors.Sectors, now time.Time) (Action, error) {
	if err := validate.Name(name); err != nil {
		return Action{}, err
	}

	wantSize := DefaultFilesystemSize
	if size != nil {
		wantSize = *size
	}

	if existing := tp.byName(name); existing != nil {
		if existing.Size == wantSize {
			return Action{Kind: ActionIdentity, Filesystem: existing}, nil
		}
		return Action{}, perrors.New(perrors.Invalid, ErrNameInUse)
	}

	if uint64(len(tp.filesystems)+1) > tp.fsLimit {
		return Action{}, perrors.New(perrors.Invalid, ErrFsLimitExceeded)
	}
	if !tp.overprovEnabled && tp.totalFsSize()+wantSize > tp.CapSize() {
		return Action{}, perrors.New(perrors.Invalid, ErrOverprovDisabled)
	}

	fs := &Filesystem{
		UUID:      uuid.NewFilesystemUUID(),
		Name:      name,
		ThinID:    tp.nextThinID,
		Size:      wantSize,
		SizeLimit: sizeLimit,
		Created:   now,
	}
	tp.nextThinID++
	tp.filesystems[fs.UUID] = fs
	if err := tp.persist(fs); err != nil {
		delete(tp.filesystems, fs.UUID)
		return Action{}, err
	}
	return Action{Kind: ActionCreated, Filesystem: fs}, nil
}

// DestroyFilesystems removes every target, all-or-nothing, skipping
// snapshot origins over destroyed nodes.
func (tp *ThinPool) DestroyFilesystems(targets []uuid.FilesystemUUID) error {
	targetSet := make(map[uuid.FilesystemUUID]bool, len(targets))
	for _, t := range targets {
		targetSet[t] = true
	}

	for _, t := range targets {
		fs, ok := tp.filesystems[t]
		if !ok {
			return perrors.Newf(perrors.NotFound, "filesystem %s not found", t)
		}
		if fs.MergeScheduled {
			return perrors.New(perrors.Invalid, ErrDestroyTargetRevertScheduled)
		}
		for _, other := range tp.filesystems {
			if other.Origin != nil && *other.Origin == t && other.MergeScheduled {
				return perrors.New(perrors.Invalid, ErrDestroyTargetIsMergeOrigin)
			}
		}
	}

	for _, t := range targets {
		destroyed := tp.filesystems[t]
		for _, other := range tp.filesystems {
			if other.Origin != nil && *other.Origin == t {
				other.Origin = destroyed.Origin
			}
		}
		delete(tp.filesystems, t)
		_ = tp.vol.Delete(t)
	}
	return nil
}

// SnapshotFilesystem creates a thin snapshot of origin under name,
// idempotent when name already names a filesystem of equal size.
func (tp *ThinPool) SnapshotFilesystem(origin uuid.FilesystemUUID, name string, now time.Time) (Action, error) {
	if err := validate.Name(name); err != nil {
		return Action{}, err
	}

	originFs, ok := tp.filesystems[origin]
	if !ok {
		return Action{}, perrors.Newf(perrors.NotFound, "filesystem %s not found", origin)
	}

	if existing := tp.byName(name); existing != nil {
		if existing.Size == originFs.Size {
			return Action{Kind: ActionIdentity, Filesystem: existing}, nil
		}
		return Action{}, perrors.New(perrors.Invalid, ErrNameInUse)
	}

	if uint64(len(tp.filesystems)+1) > tp.fsLimit {
		return Action{}, perrors.New(perrors.Invalid, ErrFsLimitExceeded)
	}
	if !tp.overprovEnabled && tp.totalFsSize()+originFs.Size > tp.CapSize() {
		return Action{}, perrors.New(perrors.Invalid, ErrOverprovDisabled)
	}

	fs := &Filesystem{
		UUID:      uuid.NewFilesystemUUID(),
		Name:      name,
		ThinID:    tp.nextThinID,
		Size:      originFs.Size,
		SizeLimit: originFs.SizeLimit,
		Origin:    &origin,
		Created:   now,
	}
	tp.nextThinID++
	tp.filesystems[fs.UUID] = fs
	if err := tp.persist(fs); err != nil {
		delete(tp.filesystems, fs.UUID)
		return Action{}, err
	}
	return Action{Kind: ActionCreated, Filesystem: fs}, nil
}

// RenameFilesystem is idempotent on the no-op case and refuses name
// collisions.
func (tp *ThinPool) RenameFilesystem(id uuid.FilesystemUUID, newName string) (Action, error) {
	fs, ok := tp.filesystems[id]
	if !ok {
		return Action{}, perrors.Newf(perrors.NotFound, "filesystem %s not found", id)
	}
	if fs.Name == newName {
		return Action{Kind: ActionIdentity, Filesystem: fs}, nil
	}
	if err := validate.Name(newName); err != nil {
		return Action{}, err
	}
	if other := tp.byName(newName); other != nil {
		return Action{}, perrors.New(perrors.Invalid, ErrNameInUse)
	}
	fs.Name = newName
	if err := tp.persist(fs); err != nil {
		return Action{}, err
	}
	return Action{Kind: ActionRenamed, Filesystem: fs}, nil
}

// SetFsSizeLimit refuses to set a limit below the filesystem's current
// size.
func (tp *ThinPool) SetFsSizeLimit(id uuid.FilesystemUUID, limit *sectors.Sectors) (Action, error) {
	fs, ok := tp.filesystems[id]
	if !ok {
		return Action{}, perrors.Newf(perrors.NotFound, "filesystem %s not found", id)
	}
	if limit != nil && *limit < fs.Size {
		return Action{}, perrors.Newf(perrors.Invalid, "size limit %d is below current size %d", *limit, fs.Size)
	}
	fs.SizeLimit = limit
	if err := tp.persist(fs); err != nil {
		return Action{}, err
	}
	return Action{Kind: ActionNewValue, Filesystem: fs}, nil
}

// SetFsMergeScheduled schedules (or cancels) a future revert-to-origin.
func (tp *ThinPool) SetFsMergeScheduled(id uuid.FilesystemUUID, scheduled bool) (Action, error) {
	fs, ok := tp.filesystems[id]
	if !ok {
		return Action{}, perrors.Newf(perrors.NotFound, "filesystem %s not found", id)
	}

	if scheduled {
		if fs.Origin == nil {
			return Action{}, perrors.New(perrors.Invalid, ErrNoOrigin)
		}
		origin := tp.filesystems[*fs.Origin]
		if origin != nil && origin.MergeScheduled {
			return Action{}, perrors.New(perrors.Invalid, ErrOriginRevertScheduled)
		}
		for _, other := range tp.filesystems {
			if other.UUID == fs.UUID {
				continue
			}
			if other.Origin != nil && *other.Origin == *fs.Origin && other.MergeScheduled {
				return Action{}, perrors.New(perrors.Invalid, ErrSiblingRevertScheduled)
			}
			if other.Origin != nil && *other.Origin == fs.UUID && other.MergeScheduled {
				return Action{}, perrors.New(perrors.Invalid, ErrSnapshotRevertScheduled)
			}
		}
	}

	fs.MergeScheduled = scheduled
	if err := tp.persist(fs); err != nil {
		return Action{}, err
	}
	return Action{Kind: ActionNewValue, Filesystem: fs}, nil
}

// CheckFs extends any filesystem whose free space has dropped under
// FsLowater, subject to its size limit and the pool's overprovisioning
// gate, reporting what changed.
func (tp *ThinPool) CheckFs() map[string]string {
	diff := make(map[string]string)
	for id, fs := range tp.filesystems {
		free := fs.Size
		if fs.SizeLimit != nil && *fs.SizeLimit-fs.Size < free {
			free = *fs.SizeLimit - fs.Size
		}
		if free >= FsLowater {
			continue
		}
		grow := DefaultFilesystemSize
		if fs.SizeLimit != nil && fs.Size+grow > *fs.SizeLimit {
			grow = *fs.SizeLimit - fs.Size
		}
		if grow == 0 {
			continue
		}
		if !tp.overprovEnabled && tp.totalFsSize()+grow > tp.CapSize() {
			continue
		}
		fs.Size += grow
		_ = tp.persist(fs)
		diff[id.String()] = "extended thin device"
	}
	return diff
}

// RevertOnStart collapses every merge-scheduled filesystem into its
// origin: the origin keeps its name and UUID but adopts the snapshot's
// thin-id and size, and the snapshot record is deleted.
func (tp *ThinPool) RevertOnStart() error {
	for id, fs := range tp.filesystems {
		if !fs.MergeScheduled || fs.Origin == nil {
			continue
		}
		origin, ok := tp.filesystems[*fs.Origin]
		if !ok {
			continue
		}
		origin.ThinID = fs.ThinID
		origin.Size = fs.Size
		delete(tp.filesystems, id)
		_ = tp.vol.Delete(id)
		if err := tp.persist(origin); err != nil {
			return err
		}
	}
	return nil
}

func (tp *ThinPool) persist(fs *Filesystem) error {
	return tp.vol.Save(fs.UUID, mdv.Record{
		Name:           fs.Name,
		ThinID:         fs.ThinID,
		Size:           fs.Size,
		SizeLimit:      fs.SizeLimit,
		Origin:         fs.Origin,
		MergeScheduled: fs.MergeScheduled,
		Created:        fs.Created,
	})
}
