package crypt

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/blockpoolio/poold/internal/perrors"
	"github.com/blockpoolio/poold/pkg/bda"
	"github.com/blockpoolio/poold/pkg/escrow"
	"github.com/blockpoolio/poold/pkg/keyring"
	"github.com/blockpoolio/poold/pkg/uuid"
)

// RegionOffsetBytes and RegionSizeBytes locate the crypt envelope on the
// physical device, ahead of the BDA's own MDA region so the two codecs
// never collide.
const (
	RegionOffsetBytes = 8 * 512 // right after the BDA static region
	RegionSizeBytes   = 64 * 1024
)

// Handle is the in-memory, activated view of one device's encryption
// envelope.
type Handle struct {
	dev     bda.Device
	pool    uuid.PoolUUID
	devID   uuid.DevUUID
	name    string
	env     envelope
	volKey  []byte // nil unless activated
	active  bool

	keyring keyring.Store
	escrow  escrow.Client
}

// LogicalName is the activation name of the unlocked mapper device, the
// "logical path" BlockDev exposes for a crypt-wrapped device.
func (h *Handle) LogicalName() string { return h.name }

// IsActive reports whether the handle currently holds the volume key.
func (h *Handle) IsActive() bool { return h.active }

func (h *Handle) persist() error {
	buf, err := json.Marshal(h.env)
	if err != nil {
		return perrors.New(perrors.Io, err)
	}
	if len(buf)+4 > RegionSizeBytes {
		return perrors.New(perrors.Invalid, errors.New("encryption envelope exceeds reserved region size"))
	}
	region := make([]byte, RegionSizeBytes)
	binary.LittleEndian.PutUint32(region[0:4], uint32(len(buf)))
	copy(region[4:], buf)
	if _, err := h.dev.WriteAt(region, RegionOffsetBytes); err != nil {
		return perrors.New(perrors.Io, err)
	}
	return h.dev.Sync()
}

func readEnvelope(dev bda.Device) (envelope, bool) {
	region := make([]byte, RegionSizeBytes)
	if _, err := dev.ReadAt(region, RegionOffsetBytes); err != nil {
		return envelope{}, false
	}
	n := binary.LittleEndian.Uint32(region[0:4])
	if n == 0 || int(n) > RegionSizeBytes-4 {
		return envelope{}, false
	}
	var env envelope
	if err := json.Unmarshal(region[4:4+n], &env); err != nil {
		return envelope{}, false
	}
	return env, true
}

// snapshot returns a copy of the in-memory envelope, with its own token
// map, so a failed mutator can restore it.
func (h *Handle) snapshot() envelope {
	cp := h.env
	cp.Tokens = make(map[TokenSlot]token, len(h.env.Tokens))
	for k, v := range h.env.Tokens {
		cp.Tokens[k] = v
	}
	return cp
}

func (h *Handle) restore(snap envelope) error {
	h.env = snap
	return h.persist()
}

// Checkpoint is an opaque snapshot of a Handle's envelope. Multi-device
// callers (pkg/backstore's bind/unbind/rebind routing) take one
// Checkpoint per device before mutating any of them, so a single
// device's failure can roll every already-touched device back.
type Checkpoint struct{ env envelope }

// Checkpoint snapshots h's current envelope.
func (h *Handle) Checkpoint() Checkpoint { return Checkpoint{env: h.snapshot()} }

// Rollback restores h to a previously taken Checkpoint.
func (h *Handle) Rollback(cp Checkpoint) error { return h.restore(cp.env) }

// Info reconstructs the slot -> mechanism mapping currently bound to
// this handle, for callers that need to compare or persist it (e.g.
// pkg/pool's on-disk record, pkg/liminal's cross-device agreement
// check).
func (h *Handle) Info() (EncryptionInfo, error) {
	info := make(EncryptionInfo, len(h.env.Tokens))
	for slot, t := range h.env.Tokens {
		mech, err := unmarshalMechanism(t.Mechanism)
		if err != nil {
			return nil, perrors.New(perrors.Corrupt, err)
		}
		info[slot] = mech
	}
	return info, nil
}

// Initialize formats a fresh envelope on dev: generates a random volume
// key, registers each requested token slot, and activates the handle.
// On any failure the region is left untouched, since there is nothing
// partially written yet to roll back.
func Initialize(
	dev bda.Device,
	pool uuid.PoolUUID,
	devID uuid.DevUUID,
	info EncryptionInfo,
	kr keyring.Store,
	ec escrow.Client,
) (*Handle, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}

	volKey := make([]byte, 32)
	if _, err := rand.Read(volKey); err != nil {
		return nil, perrors.New(perrors.Crypt, err)
	}

	h := &Handle{
		dev:     dev,
		pool:    pool,
		devID:   devID,
		name:    "blockpool-" + devID.Hyphenless(),
		env:     envelope{Pool: pool, Dev: devID, Name: "blockpool-" + devID.Hyphenless(), Tokens: map[TokenSlot]token{}},
		volKey:  volKey,
		active:  true,
		keyring: kr,
		escrow:  ec,
	}

	for slot, mech := range info {
		if err := h.wrapAndStore(slot, mech); err != nil {
			return nil, err
		}
	}
	if err := h.persist(); err != nil {
		return nil, err
	}
	return h, nil
}

// UnlockMethod selects how Setup should try to recover the volume key.
type UnlockMethod struct {
	KeyDescription string // non-empty to try a KeyDesc slot
	TryClevis      bool   // true to try every ClevisInfo slot via escrow
}

// Setup activates dev if it carries a recognizable envelope, returning
// ok=false (not an error) when it does not, i.e. the device is not a
// pool-encrypted device.
func Setup(dev bda.Device, kr keyring.Store, ec escrow.Client, unlock UnlockMethod) (*Handle, bool, error) {
	env, ok := readEnvelope(dev)
	if !ok {
		return nil, false, nil
	}

	h := &Handle{dev: dev, pool: env.Pool, devID: env.Dev, name: env.Name, env: env, keyring: kr, escrow: ec}

	volKey, err := h.tryUnlock(unlock)
	if err != nil {
		return nil, true, err
	}
	h.volKey = volKey
	h.active = true
	return h, true, nil
}

func (h *Handle) tryUnlock(unlock UnlockMethod) ([]byte, error) {
	for slot, tok := range h.env.Tokens {
		mech, err := unmarshalMechanism(tok.Mechanism)
		if err != nil {
			continue
		}
		switch m := mech.(type) {
		case KeyDesc:
			if unlock.KeyDescription == "" || m.KeyDescription != unlock.KeyDescription {
				continue
			}
			pass, err := h.keyring.Lookup(m.KeyDescription)
			if err != nil {
				continue
			}
			if key, err := h.unwrapWith(slot, pass); err == nil {
				return key, nil
			}
		case ClevisInfo:
			if !unlock.TryClevis {
				continue
			}
			secret, err := h.escrow.Unlock(m.Pin, m.Config)
			if err != nil {
				continue
			}
			if key, err := h.unwrapWith(slot, secret); err == nil {
				return key, nil
			}
		}
	}
	return nil, perrors.New(perrors.Crypt, errors.New("no token slot could be unlocked with the supplied mechanism"))
}

func (h *Handle) unwrapWith(slot TokenSlot, secret []byte) ([]byte, error) {
	tok := h.env.Tokens[slot]
	kek := deriveKEK(secret, tok.Salt)
	return openVolumeKey(kek, tok.Nonce, tok.Ciphertext)
}

func (h *Handle) secretFor(mech Mechanism) ([]byte, error) {
	switch m := mech.(type) {
	case KeyDesc:
		return h.keyring.Lookup(m.KeyDescription)
	case ClevisInfo:
		return h.escrow.Unlock(m.Pin, m.Config)
	default:
		return nil, errors.Errorf("unknown mechanism type %T", mech)
	}
}

func (h *Handle) wrapAndStore(slot TokenSlot, mech Mechanism) error {
	secret, err := h.secretFor(mech)
	if err != nil {
		return perrors.New(perrors.Crypt, err)
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return perrors.New(perrors.Crypt, err)
	}
	kek := deriveKEK(secret, salt)
	nonce, ciphertext, err := sealVolumeKey(kek, h.volKey)
	if err != nil {
		return perrors.New(perrors.Crypt, err)
	}
	raw, err := marshalMechanism(mech)
	if err != nil {
		return perrors.New(perrors.Invalid, err)
	}
	h.env.Tokens[slot] = token{Mechanism: raw, Salt: salt, Nonce: nonce, Ciphertext: ciphertext}
	return nil
}

// Bind registers a new unlock mechanism in slot.
func (h *Handle) Bind(slot TokenSlot, mech Mechanism) error {
	if !h.active {
		return perrors.New(perrors.Invalid, errors.New("cannot bind: device is not activated"))
	}
	if _, exists := h.env.Tokens[slot]; exists {
		return perrors.New(perrors.Invalid, errors.Errorf("slot %d is already bound", slot))
	}
	if kd := mech.keyDescription(); kd != "" {
		for _, tok := range h.env.Tokens {
			if m, err := unmarshalMechanism(tok.Mechanism); err == nil {
				if existing, ok := m.(KeyDesc); ok && existing.KeyDescription == kd {
					return perrors.New(perrors.Invalid, errors.Errorf("key-description %q already bound", kd))
				}
			}
		}
	}

	snap := h.snapshot()
	if err := h.wrapAndStore(slot, mech); err != nil {
		return err
	}
	if err := h.persist(); err != nil {
		_ = h.restore(snap)
		return perrors.RollbackError(err, perrors.RollbackSucceeded, perrors.NoPoolChanges)
	}
	return nil
}

// Unbind removes slot's mechanism. Refuses to remove the last
// remaining mechanism, leaving the slot map unchanged.
func (h *Handle) Unbind(slot TokenSlot) error {
	if _, exists := h.env.Tokens[slot]; !exists {
		return perrors.New(perrors.NotFound, errors.Errorf("slot %d is not bound", slot))
	}
	if len(h.env.Tokens) <= 1 {
		return perrors.New(perrors.Invalid, errors.New("cannot unbind the last remaining unlock mechanism"))
	}

	snap := h.snapshot()
	delete(h.env.Tokens, slot)
	if err := h.persist(); err != nil {
		_ = h.restore(snap)
		return perrors.RollbackError(err, perrors.RollbackSucceeded, perrors.NoPoolChanges)
	}
	return nil
}

// Rebind logically replaces slot's mechanism, executed as
// add-new-then-remove-old to preserve unlockability through the
// operation.
func (h *Handle) Rebind(slot TokenSlot, mech Mechanism) error {
	if _, exists := h.env.Tokens[slot]; !exists {
		return perrors.New(perrors.NotFound, errors.Errorf("slot %d is not bound", slot))
	}

	snap := h.snapshot()

	tempSlot, ok := h.freeSlot(slot)
	if !ok {
		return perrors.New(perrors.Invalid, errors.New("no free token slot available for rebind staging"))
	}
	if err := h.wrapAndStore(tempSlot, mech); err != nil {
		_ = h.restore(snap)
		return err
	}
	if err := h.persist(); err != nil {
		_ = h.restore(snap)
		return perrors.RollbackError(err, perrors.RollbackSucceeded, perrors.NoPoolChanges)
	}

	delete(h.env.Tokens, slot)
	// Re-home the new token onto the original slot index so the public
	// slot numbering is stable across a rebind.
	h.env.Tokens[slot] = h.env.Tokens[tempSlot]
	delete(h.env.Tokens, tempSlot)
	if err := h.persist(); err != nil {
		_ = h.restore(snap)
		return perrors.RollbackError(err, perrors.RollbackSucceeded, perrors.NoPoolChanges)
	}
	return nil
}

func (h *Handle) freeSlot(avoid TokenSlot) (TokenSlot, bool) {
	for s := TokenSlot(0); int(s) < MaxTokenSlots; s++ {
		if s == avoid {
			continue
		}
		if _, used := h.env.Tokens[s]; !used {
			return s, true
		}
	}
	return 0, false
}

// CanUnlock reports whether dev would unlock given the supplied
// candidate mechanisms, without mutating or activating anything.
func CanUnlock(dev bda.Device, kr keyring.Store, ec escrow.Client, tryKeyDesc string, tryClevis bool) bool {
	env, ok := readEnvelope(dev)
	if !ok {
		return false
	}
	probe := &Handle{dev: dev, env: env, keyring: kr, escrow: ec}
	_, err := probe.tryUnlock(UnlockMethod{KeyDescription: tryKeyDesc, TryClevis: tryClevis})
	return err == nil
}

// Reencrypt rotates the volume key in place, rewrapping every bound
// slot. Must only be called on an activated handle.
func (h *Handle) Reencrypt() error {
	if !h.active {
		return perrors.New(perrors.Invalid, errors.New("reencrypt requires an activated device"))
	}
	snap := h.snapshot()

	newKey := make([]byte, 32)
	if _, err := rand.Read(newKey); err != nil {
		return perrors.New(perrors.Crypt, err)
	}

	oldKey := h.volKey
	h.volKey = newKey
	for slot, tok := range h.env.Tokens {
		mech, err := unmarshalMechanism(tok.Mechanism)
		if err != nil {
			h.volKey = oldKey
			_ = h.restore(snap)
			return perrors.New(perrors.Corrupt, err)
		}
		if err := h.wrapAndStore(slot, mech); err != nil {
			h.volKey = oldKey
			_ = h.restore(snap)
			return err
		}
	}
	if err := h.persist(); err != nil {
		h.volKey = oldKey
		_ = h.restore(snap)
		return perrors.RollbackError(err, perrors.RollbackSucceeded, perrors.NoPoolChanges)
	}
	return nil
}

// Deactivate tears down the in-memory activation, clearing the volume
// key from memory. On-disk tokens are untouched.
func (h *Handle) Deactivate() {
	for i := range h.volKey {
		h.volKey[i] = 0
	}
	h.volKey = nil
	h.active = false
}

// Wipe destroys every key-slot and token, rendering the envelope
// unreadable.
func (h *Handle) Wipe() error {
	h.Deactivate()
	h.env.Tokens = map[TokenSlot]token{}
	var zero [RegionSizeBytes]byte
	if _, err := h.dev.WriteAt(zero[:], RegionOffsetBytes); err != nil {
		return perrors.New(perrors.Io, err)
	}
	return h.dev.Sync()
}

// Rename updates the envelope's private token's recorded pool name/
// activation name after a pool rename.
func (h *Handle) Rename(newName string) error {
	h.name = newName
	h.env.Name = newName
	return h.persist()
}
