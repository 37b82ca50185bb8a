// Package liminal implements the pre-assembly device set: discovery off
// a filesystem-event watcher, classification of each discovered node,
// grouping by pool identity, and the assembly gate that decides whether
// a pool's member devices are sufficient to start it.
package liminal

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fsnotify/fsnotify"

	"github.com/blockpoolio/poold/pkg/bda"
	"github.com/blockpoolio/poold/pkg/poolrecord"
	"github.com/blockpoolio/poold/pkg/uuid"
)

// DeviceKind is the classification a discovered block device is given
// before a pool is assembled.
type DeviceKind int

const (
	KindUnowned DeviceKind = iota
	KindLuks
	KindPoolMember
	KindMultipathMember
	KindOtherFilesystem
)

func (k DeviceKind) String() string {
	switch k {
	case KindLuks:
		return "Luks"
	case KindPoolMember:
		return "PoolMember"
	case KindMultipathMember:
		return "MultipathMember"
	case KindOtherFilesystem:
		return "OtherFilesystem"
	default:
		return "Unowned"
	}
}

// Classification is the result of inspecting one device node.
type Classification struct {
	Path string
	Kind DeviceKind
	Pool uuid.PoolUUID
	Dev  uuid.DevUUID
}

// luksMagic is the public LUKS1/LUKS2 superblock magic
// (cryptsetup's well-known 6-byte "LUKS\xba\xbe" sequence at offset 0).
var luksMagic = [6]byte{'L', 'U', 'K', 'S', 0xba, 0xbe}

// ext4Magic is the ext2/3/4 superblock magic at byte offset 1080
// (0x438 within the first 4096-byte block). Used only as a
// representative "this device carries some other recognizable
// filesystem" signal; this is not a general-purpose probe.
const (
	ext4MagicOffset = 1080
	ext4Magic       = 0xEF53
)

// Classifier inspects device nodes and remembers the result in an LRU
// cache, so repeated discovery events for an already-classified path
// (e.g. a second fsnotify event before the pool is assembled) don't
// re-read the device.
type Classifier struct {
	cache *lru.Cache
}

// NewClassifier builds a Classifier with room for cacheSize entries.
func NewClassifier(cacheSize int) (*Classifier, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "constructing classification cache")
	}
	return &Classifier{cache: cache}, nil
}

// Classify inspects path, consulting the cache first.
func (c *Classifier) Classify(path string) (Classification, error) {
	if v, ok := c.cache.Get(path); ok {
		return v.(Classification), nil
	}
	cl, err := classify(path)
	if err != nil {
		return Classification{}, err
	}
	c.cache.Add(path, cl)
	return cl, nil
}

// Invalidate drops path's cached classification, used when a device is
// removed or reinitialized.
func (c *Classifier) Invalidate(path string) { c.cache.Remove(path) }

func classify(path string) (Classification, error) {
	dev, err := bda.OpenFileDevice(path)
	if err != nil {
		return Classification{Path: path, Kind: KindUnowned}, nil
	}
	defer dev.Close()

	// The BDA header always precedes the crypt envelope and is never
	// itself encrypted, so pool identity recovers without unlocking
	// regardless of whether the device is an encrypted member.
	if header, ok := bda.Probe(dev); ok {
		return Classification{Path: path, Kind: KindPoolMember, Pool: header.Pool, Dev: header.Dev}, nil
	}

	head := make([]byte, 4096)
	if _, err := dev.ReadAt(head, 0); err != nil {
		return Classification{Path: path, Kind: KindUnowned}, nil
	}

	if len(head) >= 6 && string(head[0:6]) == string(luksMagic[:]) {
		return Classification{Path: path, Kind: KindLuks}, nil
	}

	if ext4MagicOffset+2 <= len(head) {
		if binary.LittleEndian.Uint16(head[ext4MagicOffset:ext4MagicOffset+2]) == ext4Magic {
			return Classification{Path: path, Kind: KindOtherFilesystem}, nil
		}
	}

	if isMultipathMember(path) {
		return Classification{Path: path, Kind: KindMultipathMember}, nil
	}

	return Classification{Path: path, Kind: KindUnowned}, nil
}

// isMultipathMember reports whether more than one device-mapper device
// holds path, the same sysfs signal (/sys/class/block/<dev>/holders)
// multipath-tools itself relies on to recognize a path as claimed.
func isMultipathMember(path string) bool {
	base := filepath.Base(path)
	entries, err := os.ReadDir(filepath.Join("/sys/class/block", base, "holders"))
	if err != nil {
		return false
	}
	return len(entries) > 0
}

// EventOp distinguishes device arrival from device departure.
type EventOp int

const (
	EventAdded EventOp = iota
	EventRemoved
)

// Event is one discovery notification pushed onto the watcher's queue.
type Event struct {
	Op             EventOp
	Classification Classification
}

// Watcher runs fsnotify-driven discovery over a directory of device
// nodes on its own goroutine, classifying each arrival and pushing
// Events into a buffered channel the engine's event loop drains —
// the "device discovery events arrive from a separate producer thread
// into an in-memory queue" arrangement.
type Watcher struct {
	root       string
	classifier *Classifier
	watcher    *fsnotify.Watcher
	events     chan Event
}

// NewWatcher opens an fsnotify watch on root (a directory of device
// nodes — /dev/disk/by-id in production, or a scratch directory of
// regular files under the simulation backend).
func NewWatcher(root string, classifier *Classifier) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating device discovery watcher")
	}
	if err := fw.Add(root); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "watching %q for device discovery", root)
	}
	return &Watcher{root: root, classifier: classifier, watcher: fw, events: make(chan Event, 64)}, nil
}

// Events is the in-memory queue the engine's run loop drains.
func (w *Watcher) Events() <-chan Event { return w.events }

// Close stops the underlying fsnotify watch.
func (w *Watcher) Close() error { return w.watcher.Close() }

// Run pumps fsnotify events into classified Events until ctx is
// cancelled or the underlying watch closes.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("device discovery watch error")
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.classifier.Invalidate(ev.Name)
		cl, err := w.classifier.Classify(ev.Name)
		if err != nil {
			log.WithError(err).Warnf("classifying %q", ev.Name)
			return
		}
		w.events <- Event{Op: EventAdded, Classification: cl}
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.classifier.Invalidate(ev.Name)
		w.events <- Event{Op: EventRemoved, Classification: Classification{Path: ev.Name, Kind: KindUnowned}}
	}
}

// Scan classifies every entry directly under root without waiting for
// fsnotify events. The engine calls it on every start_pool to find the
// pool's member devices.
func Scan(root string, classifier *Classifier) ([]Classification, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "scanning %q for devices", root)
	}
	out := make([]Classification, 0, len(entries))
	for _, e := range entries {
		cl, err := classifier.Classify(filepath.Join(root, e.Name()))
		if err != nil {
			log.WithError(err).Warnf("classifying %q", e.Name())
			continue
		}
		out = append(out, cl)
	}
	return out, nil
}

// GroupByPool buckets every PoolMember classification by the pool it
// belongs to, ignoring every other kind.
func GroupByPool(classifications []Classification) map[uuid.PoolUUID][]Classification {
	groups := make(map[uuid.PoolUUID][]Classification)
	for _, c := range classifications {
		if c.Kind != KindPoolMember {
			continue
		}
		groups[c.Pool] = append(groups[c.Pool], c)
	}
	return groups
}

// AssemblyResult is the outcome of checking whether a pool's present
// devices are sufficient to start it.
type AssemblyResult struct {
	Assemblable         bool
	MissingDataDevices  []uuid.DevUUID
	MissingCacheDevices []uuid.DevUUID
	DegradeWithoutCache bool
	Reason              string
}

// CheckAssembly decides whether rec's pool can be started given the
// devices currently classified as belonging to it. Missing data-tier
// devices block assembly outright; missing cache-tier devices degrade
// to starting without a cache rather than blocking.
//
// Agreement of per-device EncryptionInfo is enforced separately, when
// each device's envelope is opened during setup (perrors.
// EncryptionInconsistent) — this check only covers presence.
func CheckAssembly(rec poolrecord.PoolRecord, present []Classification) AssemblyResult {
	presentDevs := make(map[uuid.DevUUID]bool, len(present))
	for _, c := range present {
		presentDevs[c.Dev] = true
	}

	var missingData []uuid.DevUUID
	for _, d := range rec.Backstore.DataTier {
		if !presentDevs[d.Dev] {
			missingData = append(missingData, d.Dev)
		}
	}
	if len(missingData) > 0 {
		return AssemblyResult{
			Assemblable:        false,
			MissingDataDevices: missingData,
			Reason:             "one or more data-tier devices are not present",
		}
	}

	var missingCache []uuid.DevUUID
	for _, d := range rec.Backstore.CacheTier {
		if !presentDevs[d.Dev] {
			missingCache = append(missingCache, d.Dev)
		}
	}

	return AssemblyResult{
		Assemblable:         true,
		MissingCacheDevices: missingCache,
		DegradeWithoutCache: len(missingCache) > 0,
	}
}

// RecordsAgree reports whether two copies of a pool record (read from
// different member devices) agree on name and feature tags.
func RecordsAgree(a, b poolrecord.PoolRecord) bool {
	if a.Name != b.Name {
		return false
	}
	if len(a.FeatureTags) != len(b.FeatureTags) {
		return false
	}
	for i := range a.FeatureTags {
		if a.FeatureTags[i] != b.FeatureTags[i] {
			return false
		}
	}
	return true
}
