// Package sim wires a complete engine.Engine against in-memory
// collaborators instead of kernel device-mapper and real external
// key/escrow services, the "Sim implementation" design note: every
// control-surface operation behaves identically, just against
// dm.SimDriver and a scratch directory of regular files standing in
// for real block device nodes.
package sim

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/blockpoolio/poold/internal/perrors"
	"github.com/blockpoolio/poold/pkg/dm"
	"github.com/blockpoolio/poold/pkg/engine"
	"github.com/blockpoolio/poold/pkg/engine/sink"
)

// MemKeyring is an in-memory keyring.Store, the same hand-written-fake
// shape pkg/pool's and pkg/thinpool's tests already use.
type MemKeyring struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewMemKeyring returns an empty keyring.
func NewMemKeyring() *MemKeyring {
	return &MemKeyring{keys: make(map[string][]byte)}
}

// Register makes desc resolve to passphrase.
func (k *MemKeyring) Register(desc string, passphrase []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[desc] = passphrase
}

// Lookup implements keyring.Store.
func (k *MemKeyring) Lookup(desc string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	p, ok := k.keys[desc]
	if !ok {
		return nil, perrors.Newf(perrors.NotFound, "no key registered for description %q", desc)
	}
	return p, nil
}

// MemEscrow is an in-memory escrow.Client, standing in for a
// tang/clevis-style network service.
type MemEscrow struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

// NewMemEscrow returns an empty escrow client.
func NewMemEscrow() *MemEscrow {
	return &MemEscrow{secrets: make(map[string][]byte)}
}

func (e *MemEscrow) key(pin string, config []byte) string { return pin + "|" + string(config) }

// Register makes (pin, config) resolve to key material.
func (e *MemEscrow) Register(pin string, config, keyMaterial []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.secrets[e.key(pin, config)] = keyMaterial
}

// Unlock implements escrow.Client.
func (e *MemEscrow) Unlock(pin string, config []byte) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	k, ok := e.secrets[e.key(pin, config)]
	if !ok {
		return nil, perrors.Newf(perrors.Crypt, "escrow binding pin=%q unreachable", pin)
	}
	return k, nil
}

// Reachable implements escrow.Client.
func (e *MemEscrow) Reachable(pin string, config []byte) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.secrets[e.key(pin, config)]
	return ok
}

// NewEngine builds a complete Engine over dm.SimDriver and fresh
// in-memory keyring/escrow collaborators, rooted at stateDir for its
// registry and MDV storage and at deviceRoot for liminal discovery.
func NewEngine(stateDir, deviceRoot string, sk sink.Sink) (*engine.Engine, *MemKeyring, *MemEscrow, error) {
	if err := os.MkdirAll(deviceRoot, 0700); err != nil {
		return nil, nil, nil, err
	}
	kr := NewMemKeyring()
	ec := NewMemEscrow()
	e, err := engine.New(engine.Options{
		StateDir:   stateDir,
		Driver:     dm.NewSimDriver(),
		Keyring:    kr,
		Escrow:     ec,
		Sink:       sk,
		DeviceRoot: deviceRoot,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return e, kr, ec, nil
}

// CreateDeviceFile creates a sparse regular file under dir, the
// simulation backend's stand-in for a block device node, named so
// liminal.Scan's classifier can discover it the way it would a real
// /dev/disk/by-id entry.
func CreateDeviceFile(dir, name string, sizeBytes int64) (string, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := f.Truncate(sizeBytes); err != nil {
		return "", err
	}
	return path, nil
}
