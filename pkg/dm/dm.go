// Package dm abstracts the device-mapper stack pkg/backstore builds
// on: linear concatenation of tier segments into a single cap address
// space, and the dm-cache topology spliced in front of it.
//
// RealDriver is grounded on the retrieval pack's jeremyhahn/go-luks2
// unlock.go, the one example in the corpus that drives
// github.com/anatol/devmapper.go directly (CreateAndLoad, InfoByName,
// Remove). That file only exercises devmapper's crypt target; the
// linear/cache table shapes here extrapolate from its CryptTable
// field convention (byte lengths/offsets, one Table value per
// devmapper.CreateAndLoad call).
package dm

import (
	"fmt"
	"sync"

	"github.com/anatol/devmapper.go"

	"github.com/blockpoolio/poold/internal/perrors"
	"github.com/blockpoolio/poold/pkg/sectors"
)

// Segment is one linear mapping: Length sectors of the mapped device's
// address space, backed by BackendPath starting at BackendOffset sectors.
type Segment struct {
	BackendPath   string
	BackendOffset sectors.Sectors
	Length        sectors.Sectors
}

// CacheTable describes a dm-cache target's three sub-devices.
type CacheTable struct {
	Meta   Segment
	Data   Segment
	Origin []Segment
	Policy string // e.g. "smq", matched to the kernel's default policy
}

// Driver is the seam between pkg/backstore and the kernel's device
// mapper, real or simulated.
type Driver interface {
	// CreateLinear activates name as the concatenation of segs.
	CreateLinear(name string, segs []Segment) error
	// ReloadLinear suspends name, loads segs as its new table, and
	// resumes it, used to grow the cap device in place as a tier's
	// contribution grows.
	ReloadLinear(name string, segs []Segment) error
	// CreateCache activates name as a dm-cache target over table.
	CreateCache(name string, table CacheTable) error
	// Remove tears down name.
	Remove(name string) error
	// Exists reports whether name is currently activated.
	Exists(name string) bool
}

// RealDriver drives the kernel's device mapper via devmapper.go.
type RealDriver struct{}

func toLinearTable(segs []Segment) devmapper.LinearTable {
	var table devmapper.LinearTable
	var cursor sectors.Sectors
	for _, s := range segs {
		table = append(table, devmapper.LinearTargetTable{
			Start:         uint64(cursor) * sectors.SectorSize,
			Length:        uint64(s.Length) * sectors.SectorSize,
			BackendDevice: s.BackendPath,
			BackendOffset: uint64(s.BackendOffset) * sectors.SectorSize,
		})
		cursor += s.Length
	}
	return table
}

func (RealDriver) CreateLinear(name string, segs []Segment) error {
	if err := devmapper.CreateAndLoad(name, "", 0, toLinearTable(segs)); err != nil {
		return perrors.New(perrors.Io, err)
	}
	return nil
}

func (RealDriver) ReloadLinear(name string, segs []Segment) error {
	if err := devmapper.Suspend(name); err != nil {
		return perrors.New(perrors.Io, err)
	}
	if err := devmapper.Load(name, toLinearTable(segs)); err != nil {
		_ = devmapper.Resume(name)
		return perrors.New(perrors.Io, err)
	}
	if err := devmapper.Resume(name); err != nil {
		return perrors.New(perrors.Io, err)
	}
	return nil
}

func (RealDriver) CreateCache(name string, table CacheTable) error {
	origin := toLinearTable(table.Origin)
	cache := devmapper.CacheTargetTable{
		MetadataDevice: table.Meta.BackendPath,
		CacheDevice:    table.Data.BackendPath,
		OriginDevice:   name + "-origin",
		Policy:         table.Policy,
		Length:         uint64(sectorsTotal(table.Origin)) * sectors.SectorSize,
	}
	if err := devmapper.CreateAndLoad(name+"-origin", "", 0, origin); err != nil {
		return perrors.New(perrors.Io, err)
	}
	if err := devmapper.CreateAndLoad(name, "", 0, devmapper.CacheTable{cache}); err != nil {
		_ = devmapper.Remove(name + "-origin")
		return perrors.New(perrors.Io, err)
	}
	return nil
}

func (RealDriver) Remove(name string) error {
	if err := devmapper.Remove(name); err != nil {
		return perrors.New(perrors.Io, err)
	}
	// A cache device made by CreateCache has a "-origin" linear device
	// beneath it; remove that too.
	if _, err := devmapper.InfoByName(name + "-origin"); err == nil {
		if err := devmapper.Remove(name + "-origin"); err != nil {
			return perrors.New(perrors.Io, err)
		}
	}
	return nil
}

func (RealDriver) Exists(name string) bool {
	_, err := devmapper.InfoByName(name)
	return err == nil
}

func sectorsTotal(segs []Segment) sectors.Sectors {
	var total sectors.Sectors
	for _, s := range segs {
		total += s.Length
	}
	return total
}

// SimDriver is an in-memory stand-in used by pkg/sim and by tests that
// exercise pkg/backstore without real device-mapper privileges.
type SimDriver struct {
	mu      sync.Mutex
	linear  map[string][]Segment
	caches  map[string]CacheTable
}

// NewSimDriver returns a ready-to-use simulated driver.
func NewSimDriver() *SimDriver {
	return &SimDriver{linear: make(map[string][]Segment), caches: make(map[string]CacheTable)}
}

func (d *SimDriver) CreateLinear(name string, segs []Segment) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.linear[name]; ok {
		return perrors.Newf(perrors.Invalid, "dm device %q already exists", name)
	}
	d.linear[name] = append([]Segment(nil), segs...)
	return nil
}

func (d *SimDriver) ReloadLinear(name string, segs []Segment) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.linear[name]; !ok {
		return perrors.Newf(perrors.NotFound, "dm device %q does not exist", name)
	}
	d.linear[name] = append([]Segment(nil), segs...)
	return nil
}

func (d *SimDriver) CreateCache(name string, table CacheTable) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.caches[name]; ok {
		return perrors.Newf(perrors.Invalid, "dm device %q already exists", name)
	}
	d.caches[name] = table
	return nil
}

func (d *SimDriver) Remove(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.linear[name]; ok {
		delete(d.linear, name)
		return nil
	}
	if _, ok := d.caches[name]; ok {
		delete(d.caches, name)
		return nil
	}
	return perrors.New(perrors.NotFound, fmt.Errorf("dm device %q does not exist", name))
}

func (d *SimDriver) Exists(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok1 := d.linear[name]
	_, ok2 := d.caches[name]
	return ok1 || ok2
}

// LinearSegments returns a snapshot of name's current linear table, for
// tests asserting on topology.
func (d *SimDriver) LinearSegments(name string) []Segment {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Segment(nil), d.linear[name]...)
}
