// Package crypt implements the encryption envelope contract: a
// LUKS2-family on-disk structure with up to MaxTokenSlots unlock
// mechanisms, wrapping one random volume key, plus the
// save-then-restore rollback discipline multi-slot mutators must honor.
//
// The on-disk wrapping is grounded on the retrieval pack's
// jeremyhahn/go-luks2 reference (keyslot-wraps-a-master-key, looked up by
// trying each keyslot) and uses golang.org/x/crypto's argon2id the way
// that package's go.mod pulls in golang.org/x/crypto for KDF work.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"

	"github.com/blockpoolio/poold/internal/perrors"
	"github.com/blockpoolio/poold/pkg/uuid"
)

// TokenSlot is a small integer index into the envelope's
// unlock-mechanism map.
type TokenSlot int

// MaxTokenSlots bounds the number of concurrently bound unlock
// mechanisms.
const MaxTokenSlots = 8

// Mechanism is one of the two unlock-mechanism variants: a key-store
// description or a network-escrow binding.
type Mechanism interface {
	isMechanism()
	// keyDescription returns the key-description for a KeyDesc
	// mechanism, or "" for ClevisInfo — used to enforce "at most one
	// slot per distinct key-description".
	keyDescription() string
}

// KeyDesc names a passphrase held by the external key store.
type KeyDesc struct {
	KeyDescription string
}

func (KeyDesc) isMechanism()            {}
func (k KeyDesc) keyDescription() string { return k.KeyDescription }

// ClevisInfo is a network-escrow binding: a pin name (e.g. "tang") plus
// opaque pin configuration.
type ClevisInfo struct {
	Pin    string
	Config json.RawMessage
}

func (ClevisInfo) isMechanism()          {}
func (ClevisInfo) keyDescription() string { return "" }

// EncryptionInfo is the slot -> mechanism mapping for one device.
type EncryptionInfo map[TokenSlot]Mechanism

// Validate enforces the mapping's invariants: at most MaxTokenSlots
// entries, each slot in range, and at most one slot per distinct
// key-description.
func (info EncryptionInfo) Validate() error {
	seenKeyDesc := make(map[string]bool)
	for slot, mech := range info {
		if slot < 0 || int(slot) >= MaxTokenSlots {
			return perrors.Newf(perrors.Invalid, "token slot %d out of range [0,%d)", slot, MaxTokenSlots)
		}
		if kd := mech.keyDescription(); kd != "" {
			if seenKeyDesc[kd] {
				return perrors.Newf(perrors.Invalid, "key-description %q already bound in another slot", kd)
			}
			seenKeyDesc[kd] = true
		}
	}
	return nil
}

// Equal reports whether two EncryptionInfo values describe the same
// slot -> mechanism mapping, used for the pool-level consistency check
// that every participating device carries the same mapping.
func (info EncryptionInfo) Equal(other EncryptionInfo) bool {
	if len(info) != len(other) {
		return false
	}
	for slot, mech := range info {
		om, ok := other[slot]
		if !ok {
			return false
		}
		a, err1 := json.Marshal(mech)
		b, err2 := json.Marshal(om)
		if err1 != nil || err2 != nil || string(a) != string(b) {
			return false
		}
	}
	return true
}

// token is the on-disk wrapped form of one slot: a mechanism descriptor
// plus enough material to recover the volume key given the mechanism's
// secret.
type token struct {
	Mechanism  json.RawMessage // tagged union: {"kind":"key","desc":...} or {"kind":"clevis","pin":...,"config":...}
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte // volume key, AES-GCM sealed under a KEK derived from the mechanism's secret
}

// envelope is the full on-disk structure for one device: LUKS2
// metadata plus a pool-private JSON token recording PoolUUID,
// DevUUID, activation name, and the chosen key-description/clevis-config.
type envelope struct {
	Pool   uuid.PoolUUID
	Dev    uuid.DevUUID
	Name   string
	Tokens map[TokenSlot]token
}

func marshalMechanism(m Mechanism) (json.RawMessage, error) {
	switch v := m.(type) {
	case KeyDesc:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			Desc string `json:"desc"`
		}{Kind: "key", Desc: v.KeyDescription})
	case ClevisInfo:
		return json.Marshal(struct {
			Kind   string          `json:"kind"`
			Pin    string          `json:"pin"`
			Config json.RawMessage `json:"config"`
		}{Kind: "clevis", Pin: v.Pin, Config: v.Config})
	default:
		return nil, errors.Errorf("unknown mechanism type %T", m)
	}
}

func unmarshalMechanism(raw json.RawMessage) (Mechanism, error) {
	var tag struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, err
	}
	switch tag.Kind {
	case "key":
		var v struct {
			Desc string `json:"desc"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return KeyDesc{KeyDescription: v.Desc}, nil
	case "clevis":
		var v struct {
			Pin    string          `json:"pin"`
			Config json.RawMessage `json:"config"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return ClevisInfo{Pin: v.Pin, Config: v.Config}, nil
	default:
		return nil, errors.Errorf("unknown mechanism kind %q", tag.Kind)
	}
}

const kdfKeyLen = 32

func deriveKEK(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, 1, 64*1024, 4, kdfKeyLen)
}

func sealVolumeKey(kek, volumeKey []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ciphertext = gcm.Seal(nil, nonce, volumeKey, nil)
	return nonce, ciphertext, nil
}

func openVolumeKey(kek, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}
