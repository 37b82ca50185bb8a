// Package engine is the concrete capability set a caller drives: a
// table of pools, the RW discipline that serializes access to each
// one, a sink for state-transition notifications, and the collaborator
// capabilities (keyring, escrow, device mapper) every pool needs.
// Engine exposes the control-surface operations as plain Go methods;
// it never speaks HTTP or D-Bus, keeping the object-broker front-end
// and the CLI command surface out of the core.
package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/blockpoolio/poold/internal/perrors"
	"github.com/blockpoolio/poold/pkg/blockdev"
	"github.com/blockpoolio/poold/pkg/crypt"
	"github.com/blockpoolio/poold/pkg/dm"
	"github.com/blockpoolio/poold/pkg/engine/sink"
	"github.com/blockpoolio/poold/pkg/escrow"
	"github.com/blockpoolio/poold/pkg/keyring"
	"github.com/blockpoolio/poold/pkg/liminal"
	"github.com/blockpoolio/poold/pkg/pool"
	"github.com/blockpoolio/poold/pkg/poolrecord"
	"github.com/blockpoolio/poold/pkg/sectors"
	"github.com/blockpoolio/poold/pkg/thinpool"
	"github.com/blockpoolio/poold/pkg/uuid"
)

// DefaultMDASize is the MDA slot size assigned to a pool's member
// devices when create_pool doesn't override it.
const DefaultMDASize sectors.Sectors = 4 * sectors.MiB

// ActionKind mirrors pool.ActionKind/thinpool.ActionKind at the
// engine's boundary, so a caller need not import either subsystem
// package to read a result.
type ActionKind int

const (
	Created ActionKind = iota
	Deleted
	Renamed
	NewValue
	Identity
)

// Action is the tri-valued result every mutating Engine method
// returns.
type Action struct {
	Kind       ActionKind
	Pool       uuid.PoolUUID
	DevUUIDs   []uuid.DevUUID
	Filesystem uuid.FilesystemUUID
	Level      perrors.Level
}

func fromPoolKind(k pool.ActionKind) ActionKind {
	switch k {
	case pool.ActionCreated:
		return Created
	case pool.ActionDeleted:
		return Deleted
	case pool.ActionRenamed:
		return Renamed
	case pool.ActionNewValue:
		return NewValue
	default:
		return Identity
	}
}

func fromFsKind(k thinpool.ActionKind) ActionKind {
	switch k {
	case thinpool.ActionCreated:
		return Created
	case thinpool.ActionDeleted:
		return Deleted
	case thinpool.ActionRenamed:
		return Renamed
	case thinpool.ActionNewValue:
		return NewValue
	default:
		return Identity
	}
}

// Options configures a new Engine.
type Options struct {
	StateDir string
	Driver   dm.Driver
	Keyring  keyring.Store
	Escrow   escrow.Client
	Sink     sink.Sink

	// DeviceRoot is the directory of device nodes liminal discovery
	// watches (/dev/disk/by-id in production, a scratch directory of
	// regular files under pkg/sim).
	DeviceRoot string
}

// Engine owns the table of pools and everything needed to operate on
// them.
type Engine struct {
	mu     sync.RWMutex
	pools  map[uuid.PoolUUID]*pool.Pool
	byName map[string]uuid.PoolUUID

	sink       sink.Sink
	kr         keyring.Store
	ec         escrow.Client
	driver     dm.Driver
	registry   *Registry
	classifier *liminal.Classifier
	deviceRoot string
	mdvRoot    string
}

// New opens opts.StateDir's registry, seeds the in-memory table from
// it, and returns a ready Engine. Only registered pool names are
// seeded; no pool is started or added to the pool table here, and an
// explicit start_pool brings a registered pool up.
func New(opts Options) (*Engine, error) {
	if opts.Sink == nil {
		opts.Sink = sink.Discard{}
	}

	reg, err := OpenRegistry(opts.StateDir)
	if err != nil {
		return nil, err
	}
	classifier, err := liminal.NewClassifier(1024)
	if err != nil {
		reg.Close()
		return nil, err
	}

	e := &Engine{
		pools:      make(map[uuid.PoolUUID]*pool.Pool),
		byName:     make(map[string]uuid.PoolUUID),
		sink:       opts.Sink,
		kr:         opts.Keyring,
		ec:         opts.Escrow,
		driver:     opts.Driver,
		registry:   reg,
		classifier: classifier,
		deviceRoot: opts.DeviceRoot,
		mdvRoot:    filepath.Join(opts.StateDir, "mdv"),
	}

	// Seed name resolution from every pool this engine has ever
	// created, even though none of them have a live *pool.Pool yet —
	// their member devices may not have reappeared since a restart.
	// start_pool (directly, or via a later liminal discovery event)
	// is what actually constructs the in-memory Pool.
	recs, err := reg.List()
	if err != nil {
		reg.Close()
		return nil, err
	}
	for _, rec := range recs {
		e.byName[rec.Name] = rec.Pool
	}
	return e, nil
}

// Close releases the engine's registry handle.
func (e *Engine) Close() error { return e.registry.Close() }

func (e *Engine) mdvDirFor(id uuid.PoolUUID) string {
	return filepath.Join(e.mdvRoot, id.Hyphenless())
}

// notify publishes ev through the engine's sink, stamping At if unset.
func (e *Engine) notify(ev sink.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	e.sink.Notify(ev)
}

// ObjectPath renders the broker-facing path a child object would be
// published under, a pure function of the two identities involved so
// pool and child objects never need to hold a back-pointer to each
// other (the cyclic-reference design note).
func ObjectPath(pool uuid.PoolUUID, child uuid.FilesystemUUID) string {
	return "/pool/" + pool.Hyphenless() + "/fs/" + child.Hyphenless()
}

// lookup returns the pool registered under id, holding no lock on
// return — callers that intend to mutate it must Lock() it themselves
// immediately after, before releasing e.mu, to avoid a window where
// another goroutine's DestroyPool could remove the entry out from
// under them.
func (e *Engine) lookup(id uuid.PoolUUID) (*pool.Pool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.pools[id]
	if !ok {
		return nil, perrors.Newf(perrors.NotFound, "pool %s not known", id)
	}
	return p, nil
}

// resolve accepts either a hyphenated/hyphenless uuid or a pool name.
func (e *Engine) resolve(identifier string) (uuid.PoolUUID, error) {
	if id, err := uuid.ParsePoolUUID(identifier); err == nil {
		return id, nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if id, ok := e.byName[identifier]; ok {
		return id, nil
	}
	return uuid.Nil, perrors.Newf(perrors.NotFound, "no pool named %q", identifier)
}

// withPool locks target's own mutex for the duration of fn, the
// "caller enforces per-pool serialization by acquiring the pool's
// exclusive guard before invocation" discipline. e.mu is only held
// long enough to find target.
func (e *Engine) withPool(id uuid.PoolUUID, fn func(*pool.Pool) error) error {
	p, err := e.lookup(id)
	if err != nil {
		return err
	}
	p.Lock()
	defer p.Unlock()
	return fn(p)
}

// persist saves p's current record both to its own member devices and
// to the engine's registry, so a later restart (or a start_pool before
// all devices reappear) can recover it. Callers hold p's lock already.
func (e *Engine) persist(p *pool.Pool, now time.Time) error {
	if err := p.Save(now); err != nil {
		return err
	}
	return e.registry.Put(p.ToRecord())
}

// samePathSet reports whether a and b name the same set of device paths,
// ignoring order and duplicates.
func samePathSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, p := range a {
		seen[p]++
	}
	for _, p := range b {
		seen[p]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}

// dataTierPaths extracts the data-tier member device paths a pool was
// created with, the device set a repeat create_pool call is compared
// against.
func dataTierPaths(rec poolrecord.PoolRecord) []string {
	paths := make([]string, 0, len(rec.Backstore.DataTier))
	for _, d := range rec.Backstore.DataTier {
		paths = append(paths, d.Path)
	}
	return paths
}

// CreatePool formats paths into a fresh pool, named name (control
// surface: create_pool). A repeat request naming an existing pool is
// Identity only when paths names the same device set that pool was
// created with; a different device set under the same name is
// Invalid rather than silently reusing the existing pool.
func (e *Engine) CreatePool(name string, paths []string, encInfo crypt.EncryptionInfo, fsLimit uint64, overprovEnabled bool) (Action, error) {
	e.mu.Lock()
	existing, ok := e.byName[name]
	e.mu.Unlock()
	if ok {
		rec, err := e.registry.Get(existing)
		if err != nil {
			return Action{}, err
		}
		if !samePathSet(paths, dataTierPaths(rec)) {
			return Action{}, perrors.Newf(perrors.Invalid,
				"pool %q already exists with a different set of devices", name)
		}
		return Action{Kind: Identity, Pool: existing}, nil
	}

	poolID := uuid.NewPoolUUID()
	p, err := pool.InitializeWithID(poolID, name, paths, DefaultMDASize, encInfo, fsLimit, overprovEnabled,
		e.mdvDirFor(poolID), e.driver, e.kr, e.ec)
	if err != nil {
		return Action{}, err
	}

	if err := e.persist(p, time.Now()); err != nil {
		return Action{}, err
	}

	e.mu.Lock()
	e.pools[poolID] = p
	e.byName[name] = poolID
	e.mu.Unlock()

	e.notify(sink.Event{Kind: sink.PoolStarted, Pool: poolID})
	return Action{Kind: Created, Pool: poolID}, nil
}

// DestroyPool tears down identifier's pool permanently, refusing while
// it still owns filesystems (control surface: destroy_pool).
func (e *Engine) DestroyPool(identifier string) (Action, error) {
	id, err := e.resolve(identifier)
	if err != nil {
		// Destroying an already-absent pool is the target state
		// already holding, not an error.
		return Action{Kind: Identity}, nil
	}

	p, err := e.lookup(id)
	if err != nil {
		return Action{}, err
	}
	p.Lock()
	if len(p.Filesystems()) > 0 {
		p.Unlock()
		return Action{}, perrors.Newf(perrors.Invalid, "pool %s still owns filesystems", id)
	}
	err = p.Destroy()
	name := p.Name()
	p.Unlock()
	if err != nil {
		return Action{}, err
	}

	if err := e.registry.Delete(id); err != nil {
		log.WithError(err).Warnf("removing registry entry for destroyed pool %s", id)
	}

	e.mu.Lock()
	delete(e.pools, id)
	delete(e.byName, name)
	e.mu.Unlock()

	e.notify(sink.Event{Kind: sink.PoolDestroyed, Pool: id})
	return Action{Kind: Deleted, Pool: id}, nil
}

// StartPool rebuilds identifier's pool topology from its last
// persisted record. If the pool is already present and started in the
// table, this is an Identity. removeCache, when true, starts the pool
// without its cache tier even if cache member devices are present.
func (e *Engine) StartPool(identifier string, unlock crypt.UnlockMethod, removeCache bool) (Action, error) {
	id, err := e.resolve(identifier)
	if err != nil {
		return Action{}, err
	}
	if p, lookErr := e.lookup(id); lookErr == nil {
		p.RLock()
		started := p.Started()
		p.RUnlock()
		if started {
			return Action{Kind: Identity, Pool: id}, nil
		}
	}

	rec, err := e.registry.Get(id)
	if err != nil {
		return Action{}, perrors.Newf(perrors.NotFound, "no persisted record for pool %s", id)
	}
	if removeCache {
		rec.Backstore.CacheTier = nil
	}

	present, err := liminal.Scan(e.deviceRoot, e.classifier)
	if err != nil {
		return Action{}, err
	}
	groups := liminal.GroupByPool(present)
	members := groups[id]

	assembly := liminal.CheckAssembly(rec, members)
	if !assembly.Assemblable {
		return Action{}, perrors.Newf(perrors.NotFound, "pool %s cannot be assembled: %s", id, assembly.Reason)
	}

	byDev := make(map[uuid.DevUUID]string, len(members))
	for _, m := range members {
		byDev[m.Dev] = m.Path
	}

	dataDevs, err := setupDevices(rec.Backstore.DataTier, byDev, e.kr, e.ec, unlock)
	if err != nil {
		return Action{}, err
	}

	var cacheDevs []*blockdev.BlockDev
	if !assembly.DegradeWithoutCache && len(rec.Backstore.CacheTier) > 0 {
		cacheDevs, err = setupDevices(rec.Backstore.CacheTier, byDev, e.kr, e.ec, unlock)
		if err != nil {
			return Action{}, err
		}
	} else {
		rec.Backstore.CacheTier = nil
	}

	started, err := pool.Start(rec, dataDevs, cacheDevs, e.mdvDirFor(id), e.driver)
	if err != nil {
		return Action{}, err
	}
	if err := started.CheckEncryptionConsistency(); err != nil {
		return Action{}, err
	}

	e.mu.Lock()
	e.pools[id] = started
	e.byName[started.Name()] = id
	e.mu.Unlock()

	e.notify(sink.Event{Kind: sink.PoolStarted, Pool: id, Level: started.Level()})
	return Action{Kind: Created, Pool: id, Level: started.Level()}, nil
}

// setupDevices opens every DeviceRecord in recs that is present in
// byDev, via blockdev.Setup so each device's BDA and crypt envelope
// are reattached from on-disk metadata rather than reformatted.
func setupDevices(recs []poolrecord.DeviceRecord, byDev map[uuid.DevUUID]string, kr keyring.Store, ec escrow.Client, unlock crypt.UnlockMethod) ([]*blockdev.BlockDev, error) {
	devs := make([]*blockdev.BlockDev, 0, len(recs))
	for _, r := range recs {
		path, ok := byDev[r.Dev]
		if !ok {
			path = r.Path
		}
		bd, err := blockdev.Setup(path, kr, ec, unlock)
		if err != nil {
			return nil, err
		}
		devs = append(devs, bd)
	}
	return devs, nil
}

// StopPool removes identifier's pool DM topology after persisting its
// record, leaving the member devices' BDAs and crypt envelopes in place
// (control surface: stop_pool).
func (e *Engine) StopPool(identifier string) (Action, error) {
	id, err := e.resolve(identifier)
	if err != nil {
		return Action{}, err
	}

	var level perrors.Level
	err = e.withPool(id, func(p *pool.Pool) error {
		if !p.Started() {
			return nil
		}
		if err := p.Stop(); err != nil {
			return err
		}
		level = p.Level()
		return e.persist(p, time.Now())
	})
	if err != nil {
		return Action{}, err
	}

	e.notify(sink.Event{Kind: sink.PoolStopped, Pool: id, Level: level})
	return Action{Kind: Deleted, Pool: id}, nil
}

// RenamePool changes identifier's pool name (control surface:
// rename_pool).
func (e *Engine) RenamePool(identifier, newName string) (Action, error) {
	id, err := e.resolve(identifier)
	if err != nil {
		return Action{}, err
	}

	var result pool.Action
	var oldName string
	err = e.withPool(id, func(p *pool.Pool) error {
		oldName = p.Name()
		result, err = p.Rename(newName)
		if err != nil {
			return err
		}
		if result.Kind == pool.ActionIdentity {
			return nil
		}
		return e.persist(p, time.Now())
	})
	if err != nil {
		return Action{}, err
	}

	if result.Kind != pool.ActionIdentity {
		e.mu.Lock()
		delete(e.byName, oldName)
		e.byName[newName] = id
		e.mu.Unlock()
		e.notify(sink.Event{Kind: sink.PoolRenamed, Pool: id, Name: newName})
	}
	return Action{Kind: fromPoolKind(result.Kind), Pool: id}, nil
}

// AddBlockdevs extends identifier's data tier (control surface:
// add_blockdevs).
func (e *Engine) AddBlockdevs(identifier string, paths []string) (Action, error) {
	id, err := e.resolve(identifier)
	if err != nil {
		return Action{}, err
	}

	var devUUIDs []uuid.DevUUID
	err = e.withPool(id, func(p *pool.Pool) error {
		devs, err := p.AddBlockdevs(paths, e.kr, e.ec)
		if err != nil {
			return err
		}
		for _, d := range devs {
			devUUIDs = append(devUUIDs, d.DevUUID())
		}
		return e.persist(p, time.Now())
	})
	if err != nil {
		return Action{}, err
	}
	return Action{Kind: Created, Pool: id, DevUUIDs: devUUIDs}, nil
}

// InitCache splices a cache tier in front of identifier's cap (control
// surface: init_cache).
func (e *Engine) InitCache(identifier string, paths []string) error {
	id, err := e.resolve(identifier)
	if err != nil {
		return err
	}
	return e.withPool(id, func(p *pool.Pool) error {
		if err := p.InitCache(paths, e.kr, e.ec); err != nil {
			return err
		}
		return e.persist(p, time.Now())
	})
}

// AddCacheDevs extends identifier's cache tier (control surface:
// add_cachedevs).
func (e *Engine) AddCacheDevs(identifier string, paths []string) (Action, error) {
	id, err := e.resolve(identifier)
	if err != nil {
		return Action{}, err
	}

	var devUUIDs []uuid.DevUUID
	err = e.withPool(id, func(p *pool.Pool) error {
		devs, err := p.AddCacheDevs(paths, e.kr, e.ec)
		if err != nil {
			return err
		}
		for _, d := range devs {
			devUUIDs = append(devUUIDs, d.DevUUID())
		}
		return e.persist(p, time.Now())
	})
	if err != nil {
		return Action{}, err
	}
	return Action{Kind: Created, Pool: id, DevUUIDs: devUUIDs}, nil
}

// BindKeyring, BindClevis, UnbindKeyring, UnbindClevis, RebindKeyring,
// and RebindClevis pass an envelope-binding edit through to
// identifier's pool, persisting the resulting record on success
// (control surface: bind_keyring / bind_clevis / unbind_* / rebind_*).
func (e *Engine) BindKeyring(identifier string, slot crypt.TokenSlot, desc crypt.KeyDesc) error {
	return e.envelopeOp(identifier, func(p *pool.Pool) error { return p.BindKeyring(slot, desc) })
}
func (e *Engine) BindClevis(identifier string, slot crypt.TokenSlot, info crypt.ClevisInfo) error {
	return e.envelopeOp(identifier, func(p *pool.Pool) error { return p.BindClevis(slot, info) })
}
func (e *Engine) UnbindKeyring(identifier string, slot crypt.TokenSlot) error {
	return e.envelopeOp(identifier, func(p *pool.Pool) error { return p.UnbindKeyring(slot) })
}
func (e *Engine) UnbindClevis(identifier string, slot crypt.TokenSlot) error {
	return e.envelopeOp(identifier, func(p *pool.Pool) error { return p.UnbindClevis(slot) })
}
func (e *Engine) RebindKeyring(identifier string, slot crypt.TokenSlot, desc crypt.KeyDesc) error {
	return e.envelopeOp(identifier, func(p *pool.Pool) error { return p.RebindKeyring(slot, desc) })
}
func (e *Engine) RebindClevis(identifier string, slot crypt.TokenSlot, info crypt.ClevisInfo) error {
	return e.envelopeOp(identifier, func(p *pool.Pool) error { return p.RebindClevis(slot, info) })
}

func (e *Engine) envelopeOp(identifier string, fn func(*pool.Pool) error) error {
	id, err := e.resolve(identifier)
	if err != nil {
		return err
	}
	var level perrors.Level
	err = e.withPool(id, func(p *pool.Pool) error {
		opErr := fn(p)
		level = p.Level()
		if saveErr := e.persist(p, time.Now()); saveErr != nil && opErr == nil {
			return saveErr
		}
		return opErr
	})
	if err != nil && perrors.Is(err, perrors.RollbackErr) {
		e.notify(sink.Event{Kind: sink.PoolLevelChanged, Pool: id, Level: level})
	}
	return err
}

// ReencryptPool rotates the volume key across every encrypted member
// device of identifier's pool (control surface: reencrypt_pool).
func (e *Engine) ReencryptPool(identifier string) error {
	id, err := e.resolve(identifier)
	if err != nil {
		return err
	}
	now := time.Now()
	return e.withPool(id, func(p *pool.Pool) error {
		if err := p.Reencrypt(now); err != nil {
			return err
		}
		return e.persist(p, now)
	})
}

// SetFsLimit raises identifier's filesystem count ceiling (control
// surface: set_fs_limit).
func (e *Engine) SetFsLimit(identifier string, limit uint64) (Action, error) {
	id, err := e.resolve(identifier)
	if err != nil {
		return Action{}, err
	}
	var result pool.Action
	err = e.withPool(id, func(p *pool.Pool) error {
		result, err = p.SetFsLimit(limit)
		if err != nil {
			return err
		}
		if result.Kind == pool.ActionIdentity {
			return nil
		}
		return e.persist(p, time.Now())
	})
	if err != nil {
		return Action{}, err
	}
	return Action{Kind: fromPoolKind(result.Kind), Pool: id}, nil
}

// SetOverprovMode toggles identifier's overprovisioning policy
// (control surface: set_overprov_mode).
func (e *Engine) SetOverprovMode(identifier string, enabled bool) (Action, error) {
	id, err := e.resolve(identifier)
	if err != nil {
		return Action{}, err
	}
	var result pool.Action
	err = e.withPool(id, func(p *pool.Pool) error {
		result, err = p.SetOverprovMode(enabled)
		if err != nil {
			return err
		}
		if result.Kind == pool.ActionIdentity {
			return nil
		}
		return e.persist(p, time.Now())
	})
	if err != nil {
		return Action{}, err
	}
	return Action{Kind: fromPoolKind(result.Kind), Pool: id}, nil
}

// GrowPhysical extends identifier's data tier by devUUID's unallocated
// space as recorded in its BDA header (control surface: grow_physical);
// the device's current size is not re-read.
func (e *Engine) GrowPhysical(identifier string, devUUID uuid.DevUUID) (bool, error) {
	id, err := e.resolve(identifier)
	if err != nil {
		return false, err
	}
	var grew bool
	err = e.withPool(id, func(p *pool.Pool) error {
		grew, err = p.GrowPhysical(devUUID)
		if err != nil || !grew {
			return err
		}
		return e.persist(p, time.Now())
	})
	return grew, err
}

// CreateFilesystems creates one filesystem per spec against
// identifier's pool (control surface: create_filesystems).
func (e *Engine) CreateFilesystems(identifier string, specs []FilesystemSpec) ([]Action, error) {
	id, err := e.resolve(identifier)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	actions := make([]Action, 0, len(specs))
	err = e.withPool(id, func(p *pool.Pool) error {
		for _, s := range specs {
			result, ferr := p.CreateFilesystem(s.Name, s.Size, s.SizeLimit, now)
			if ferr != nil {
				return ferr
			}
			act := Action{Kind: fromFsKind(result.Kind), Pool: id}
			if result.Filesystem != nil {
				act.Filesystem = result.Filesystem.UUID
				e.notify(sink.Event{Kind: sink.FilesystemCreated, Pool: id, Filesystem: result.Filesystem.UUID, Name: result.Filesystem.Name, At: now})
			}
			actions = append(actions, act)
		}
		return e.persist(p, now)
	})
	if err != nil {
		return nil, err
	}
	return actions, nil
}

// FilesystemSpec is one requested filesystem in a create_filesystems
// call.
type FilesystemSpec struct {
	Name      string
	Size      *sectors.Sectors
	SizeLimit *sectors.Sectors
}

// DestroyFilesystems removes targets from identifier's pool (control
// surface: destroy_filesystems).
func (e *Engine) DestroyFilesystems(identifier string, targets []uuid.FilesystemUUID) error {
	id, err := e.resolve(identifier)
	if err != nil {
		return err
	}
	err = e.withPool(id, func(p *pool.Pool) error {
		if err := p.DestroyFilesystems(targets); err != nil {
			return err
		}
		return e.persist(p, time.Now())
	})
	if err != nil {
		return err
	}
	for _, t := range targets {
		e.notify(sink.Event{Kind: sink.FilesystemDestroyed, Pool: id, Filesystem: t})
	}
	return nil
}

// SnapshotFilesystem creates a snapshot of origin (control surface:
// snapshot_filesystem).
func (e *Engine) SnapshotFilesystem(identifier string, origin uuid.FilesystemUUID, name string) (Action, error) {
	id, err := e.resolve(identifier)
	if err != nil {
		return Action{}, err
	}
	now := time.Now()
	var result thinpool.Action
	err = e.withPool(id, func(p *pool.Pool) error {
		result, err = p.SnapshotFilesystem(origin, name, now)
		if err != nil {
			return err
		}
		return e.persist(p, now)
	})
	if err != nil {
		return Action{}, err
	}
	act := Action{Kind: fromFsKind(result.Kind), Pool: id}
	if result.Filesystem != nil {
		act.Filesystem = result.Filesystem.UUID
		e.notify(sink.Event{Kind: sink.FilesystemCreated, Pool: id, Filesystem: result.Filesystem.UUID, Name: name, At: now})
	}
	return act, nil
}

// RenameFilesystem renames id within identifier's pool (control
// surface: rename_filesystem).
func (e *Engine) RenameFilesystem(identifier string, id uuid.FilesystemUUID, newName string) (Action, error) {
	poolID, err := e.resolve(identifier)
	if err != nil {
		return Action{}, err
	}
	var result thinpool.Action
	err = e.withPool(poolID, func(p *pool.Pool) error {
		result, err = p.RenameFilesystem(id, newName)
		if err != nil {
			return err
		}
		if result.Kind == thinpool.ActionIdentity {
			return nil
		}
		return e.persist(p, time.Now())
	})
	if err != nil {
		return Action{}, err
	}
	if result.Kind != thinpool.ActionIdentity {
		e.notify(sink.Event{Kind: sink.FilesystemRenamed, Pool: poolID, Filesystem: id, Name: newName})
	}
	return Action{Kind: fromFsKind(result.Kind), Pool: poolID, Filesystem: id}, nil
}

// SetFsSizeLimit caps id's growth within identifier's pool (control
// surface: set_fs_size_limit).
func (e *Engine) SetFsSizeLimit(identifier string, id uuid.FilesystemUUID, limit *sectors.Sectors) (Action, error) {
	poolID, err := e.resolve(identifier)
	if err != nil {
		return Action{}, err
	}
	var result thinpool.Action
	err = e.withPool(poolID, func(p *pool.Pool) error {
		result, err = p.SetFsSizeLimit(id, limit)
		if err != nil {
			return err
		}
		if result.Kind == thinpool.ActionIdentity {
			return nil
		}
		return e.persist(p, time.Now())
	})
	if err != nil {
		return Action{}, err
	}
	return Action{Kind: fromFsKind(result.Kind), Pool: poolID, Filesystem: id}, nil
}

// SetFsMergeScheduled marks id for a scheduled snapshot-merge within
// identifier's pool (control surface: set_fs_merge_scheduled).
func (e *Engine) SetFsMergeScheduled(identifier string, id uuid.FilesystemUUID, scheduled bool) (Action, error) {
	poolID, err := e.resolve(identifier)
	if err != nil {
		return Action{}, err
	}
	var result thinpool.Action
	err = e.withPool(poolID, func(p *pool.Pool) error {
		result, err = p.SetFsMergeScheduled(id, scheduled)
		if err != nil {
			return err
		}
		if result.Kind == thinpool.ActionIdentity {
			return nil
		}
		return e.persist(p, time.Now())
	})
	if err != nil {
		return Action{}, err
	}
	return Action{Kind: fromFsKind(result.Kind), Pool: poolID, Filesystem: id}, nil
}

// Run drives the engine's single-threaded maintenance loop: liminal
// discovery events arriving on watcher, and a periodic sweep of every
// started pool's low-water extension and filesystem-size checks. It
// returns when ctx is cancelled.
func (e *Engine) Run(ctx context.Context, watcher *liminal.Watcher, tick time.Duration) {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var events <-chan liminal.Event
	if watcher != nil {
		events = watcher.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			e.handleDiscovery(ev)
		case now := <-ticker.C:
			e.sweep(now)
		}
	}
}

// handleDiscovery reacts to a liminal device event by attempting to
// start any pool it completes assembly for. Failures are logged, not
// fatal: discovery is best-effort and a later event or an explicit
// start_pool can still succeed.
func (e *Engine) handleDiscovery(ev liminal.Event) {
	if ev.Op != liminal.EventAdded || ev.Classification.Kind != liminal.KindPoolMember {
		return
	}
	poolID := ev.Classification.Pool
	e.mu.RLock()
	_, known := e.pools[poolID]
	e.mu.RUnlock()
	if known {
		return
	}
	if _, err := e.registry.Get(poolID); err != nil {
		return
	}
	if _, err := e.StartPool(poolID.String(), crypt.UnlockMethod{TryClevis: true}, false); err != nil {
		log.WithError(err).Debugf("pool %s not yet assemblable", poolID)
	}
}

// sweep runs the thin-pool extension checks against every started
// pool, republishing any level change the checks cause.
func (e *Engine) sweep(now time.Time) {
	e.mu.RLock()
	targets := make([]*pool.Pool, 0, len(e.pools))
	for _, p := range e.pools {
		targets = append(targets, p)
	}
	e.mu.RUnlock()

	for _, p := range targets {
		p.Lock()
		if !p.Started() {
			p.Unlock()
			continue
		}
		before := p.Level()
		p.Check(now)
		if err := p.CheckEncryptionConsistency(); err != nil {
			log.WithError(err).Warnf("checking encryption consistency for pool %s", p.UUID())
		}
		after := p.Level()
		id := p.UUID()
		_ = e.persist(p, now)
		p.Unlock()

		if after != before {
			e.notify(sink.Event{Kind: sink.PoolLevelChanged, Pool: id, Level: after, At: now})
		}
	}
}

var errNotADirectory = errors.New("device root is not a directory")

// EnsureDeviceRoot verifies root exists and is a directory, used by
// cmd/poold before constructing a real liminal.Watcher.
func EnsureDeviceRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errNotADirectory
	}
	return nil
}
