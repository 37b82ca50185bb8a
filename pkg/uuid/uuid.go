// Package uuid defines the three 128-bit identifier types
// (PoolUUID, DevUUID, FilesystemUUID), backed by google/uuid the way
// identity-bearing values are handled across the retrieval pack
// (jeremyhahn/go-luks2, canonical/lxd, topolvm all depend on
// github.com/google/uuid for device/volume identity).
package uuid

import "github.com/google/uuid"

// PoolUUID identifies a pool.
type PoolUUID uuid.UUID

// DevUUID identifies a member block device.
type DevUUID uuid.UUID

// FilesystemUUID identifies a filesystem.
type FilesystemUUID uuid.UUID

// New generates a fresh random (v4) identifier.
func New() [16]byte {
	return uuid.New()
}

// NewPoolUUID generates a fresh PoolUUID.
func NewPoolUUID() PoolUUID { return PoolUUID(uuid.New()) }

// NewDevUUID generates a fresh DevUUID.
func NewDevUUID() DevUUID { return DevUUID(uuid.New()) }

// NewFilesystemUUID generates a fresh FilesystemUUID.
func NewFilesystemUUID() FilesystemUUID { return FilesystemUUID(uuid.New()) }

// String renders p in canonical hyphenated form.
func (p PoolUUID) String() string { return uuid.UUID(p).String() }

// String renders d in canonical hyphenated form.
func (d DevUUID) String() string { return uuid.UUID(d).String() }

// String renders f in canonical hyphenated form.
func (f FilesystemUUID) String() string { return uuid.UUID(f).String() }

// Hyphenless renders p as 32 lowercase hex digits with no hyphens.
func (p PoolUUID) Hyphenless() string { return hyphenless(uuid.UUID(p)) }

// Hyphenless renders d as 32 lowercase hex digits with no hyphens.
func (d DevUUID) Hyphenless() string { return hyphenless(uuid.UUID(d)) }

// Hyphenless renders f the way MDV record filenames use it.
func (f FilesystemUUID) Hyphenless() string { return hyphenless(uuid.UUID(f)) }

func hyphenless(u uuid.UUID) string {
	var buf [32]byte
	const hextable = "0123456789abcdef"
	j := 0
	for _, b := range u {
		buf[j] = hextable[b>>4]
		buf[j+1] = hextable[b&0x0f]
		j += 2
	}
	return string(buf[:])
}

// ParsePoolUUID parses either hyphenated or hyphenless text.
func ParsePoolUUID(s string) (PoolUUID, error) {
	u, err := parseFlexible(s)
	return PoolUUID(u), err
}

// ParseDevUUID parses either hyphenated or hyphenless text.
func ParseDevUUID(s string) (DevUUID, error) {
	u, err := parseFlexible(s)
	return DevUUID(u), err
}

// ParseFilesystemUUID parses either hyphenated or hyphenless text.
func ParseFilesystemUUID(s string) (FilesystemUUID, error) {
	u, err := parseFlexible(s)
	return FilesystemUUID(u), err
}

func parseFlexible(s string) (uuid.UUID, error) {
	if len(s) == 32 {
		return uuid.Parse(s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:32])
	}
	return uuid.Parse(s)
}

// Nil is the zero-valued PoolUUID, used as a sentinel "no value" when a
// pointer would be heavier than needed.
var Nil PoolUUID
