// Package keyring describes the boundary to the key-material store as
// an opaque external collaborator: something that can look up a
// passphrase by key-description. blockpoold never embeds a concrete
// keyring implementation; pkg/sim supplies a fake for tests.
package keyring

// Store looks up passphrases by key-description, the "KeyDesc"
// unlock mechanism.
type Store interface {
	// Lookup returns the passphrase registered under desc, or an error
	// if no such key-description is known to the store.
	Lookup(desc string) ([]byte, error)
}
