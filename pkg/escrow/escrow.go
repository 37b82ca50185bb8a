// Package escrow describes the boundary to the network-escrow client
// (e.g. a tang/clevis-style service) as an opaque external
// collaborator. blockpoold never embeds a concrete client; pkg/sim
// supplies a fake for tests.
package escrow

// Client resolves a ClevisInfo-style (pin, config) binding to the key
// material it protects, or proves a binding is currently reachable
// without resolving it (used by CryptHandle.can_unlock).
type Client interface {
	// Unlock resolves pin/config to the key bytes it was bound to wrap.
	Unlock(pin string, config []byte) ([]byte, error)
	// Reachable reports whether pin/config currently resolves, without
	// necessarily returning key material (e.g. a tang server ping).
	Reachable(pin string, config []byte) bool
}
