// Package mdv implements the MetadataVolume: one JSON record per
// filesystem, named by FilesystemUUID, written atomically within a
// private directory the way an internal thin filesystem would be
// mounted privately and accessed only by the owning pool.
package mdv

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	natomic "github.com/natefinch/atomic"

	"github.com/blockpoolio/poold/internal/perrors"
	"github.com/blockpoolio/poold/pkg/sectors"
	"github.com/blockpoolio/poold/pkg/uuid"
)

// Record is one filesystem's persisted state.
type Record struct {
	Name           string               `json:"name"`
	ThinID         uint32               `json:"thin_id"`
	Size           sectors.Sectors      `json:"size"`
	SizeLimit      *sectors.Sectors     `json:"size_limit,omitempty"`
	Origin         *uuid.FilesystemUUID `json:"origin,omitempty"`
	MergeScheduled bool                 `json:"merge_scheduled"`
	Created        time.Time            `json:"created"`
}

// MDV is a directory-backed stand-in for the pool's private metadata
// filesystem: one JSON file per FilesystemUUID, replaced atomically.
type MDV struct {
	dir string
}

// Mount "mounts" the volume at dir, creating it if absent.
func Mount(dir string) (*MDV, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, perrors.New(perrors.Io, err)
	}
	return &MDV{dir: dir}, nil
}

func (m *MDV) path(fs uuid.FilesystemUUID) string {
	return filepath.Join(m.dir, fs.Hyphenless()+".json")
}

// Save atomically (over)writes fs's record.
func (m *MDV) Save(fs uuid.FilesystemUUID, rec Record) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return perrors.New(perrors.Invalid, err)
	}
	if err := natomic.WriteFile(m.path(fs), bytes.NewReader(buf)); err != nil {
		return perrors.New(perrors.Io, err)
	}
	return nil
}

// Load reads fs's record.
func (m *MDV) Load(fs uuid.FilesystemUUID) (Record, error) {
	var rec Record
	buf, err := os.ReadFile(m.path(fs))
	if err != nil {
		return rec, perrors.New(perrors.NotFound, err)
	}
	if err := json.Unmarshal(buf, &rec); err != nil {
		return rec, perrors.New(perrors.Corrupt, err)
	}
	return rec, nil
}

// Delete removes fs's record.
func (m *MDV) Delete(fs uuid.FilesystemUUID) error {
	if err := os.Remove(m.path(fs)); err != nil && !os.IsNotExist(err) {
		return perrors.New(perrors.Io, err)
	}
	return nil
}

// List returns every filesystem currently recorded.
func (m *MDV) List() ([]uuid.FilesystemUUID, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, perrors.New(perrors.Io, err)
	}
	var out []uuid.FilesystemUUID
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		id, err := uuid.ParseFilesystemUUID(name[:len(name)-len(".json")])
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
