// Package localkeyring is the file-backed keyring.Store and
// escrow.Client the daemon binary wires up by default: passphrases and
// escrow bindings held as a single JSON document under the state
// directory, written with the same load-whole-file/atomic-rewrite idiom
// the rest of the daemon's JSON documents use. A real deployment would
// point blockpoold at its own keyring and network-escrow client
// instead; those remain opaque collaborator interfaces the daemon
// never assumes a concrete shape for.
package localkeyring

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	natomic "github.com/natefinch/atomic"

	"github.com/blockpoolio/poold/internal/perrors"
)

const fileName = "keyring.json"

type document struct {
	Passphrases map[string]string `json:"passphrases"`
	Escrow      map[string]string `json:"escrow"`
}

// Store is a file-backed implementation of both keyring.Store and
// escrow.Client, keyed by KeyDesc for passphrase lookups and by a
// pin+config composite for escrow bindings.
type Store struct {
	mu   sync.RWMutex
	path string
	doc  document
}

// Open loads (or creates) the keyring document under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrapf(err, "creating keyring directory %q", dir)
	}
	s := &Store{
		path: filepath.Join(dir, fileName),
		doc: document{
			Passphrases: make(map[string]string),
			Escrow:      make(map[string]string),
		},
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errors.Wrapf(err, "reading keyring file %q", s.path)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, errors.Wrapf(err, "parsing keyring file %q", s.path)
	}
	if s.doc.Passphrases == nil {
		s.doc.Passphrases = make(map[string]string)
	}
	if s.doc.Escrow == nil {
		s.doc.Escrow = make(map[string]string)
	}
	return s, nil
}

func (s *Store) save() error {
	buf, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling keyring document")
	}
	return natomic.WriteFile(s.path, bytes.NewReader(buf))
}

// RegisterPassphrase makes desc resolve to passphrase and persists the
// document.
func (s *Store) RegisterPassphrase(desc string, passphrase []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Passphrases[desc] = string(passphrase)
	return s.save()
}

// Lookup implements keyring.Store.
func (s *Store) Lookup(desc string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.doc.Passphrases[desc]
	if !ok {
		return nil, perrors.Newf(perrors.NotFound, "no key registered for description %q", desc)
	}
	return []byte(p), nil
}

func escrowKey(pin string, config []byte) string { return pin + "|" + string(config) }

// RegisterEscrow makes (pin, config) resolve to keyMaterial and
// persists the document.
func (s *Store) RegisterEscrow(pin string, config, keyMaterial []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Escrow[escrowKey(pin, config)] = string(keyMaterial)
	return s.save()
}

// Unlock implements escrow.Client.
func (s *Store) Unlock(pin string, config []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.doc.Escrow[escrowKey(pin, config)]
	if !ok {
		return nil, perrors.Newf(perrors.Crypt, "escrow binding pin=%q unreachable", pin)
	}
	return []byte(k), nil
}

// Reachable implements escrow.Client.
func (s *Store) Reachable(pin string, config []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.doc.Escrow[escrowKey(pin, config)]
	return ok
}
