// Package poolrecord defines the JSON document persisted into every
// member device's metadata area: everything needed to reassemble a
// pool's backstore, flex regions, and thin-pool policy knobs without
// consulting anything but the devices themselves.
package poolrecord

import (
	"encoding/json"
	"time"

	"github.com/blockpoolio/poold/internal/perrors"
	"github.com/blockpoolio/poold/pkg/crypt"
	"github.com/blockpoolio/poold/pkg/sectors"
	"github.com/blockpoolio/poold/pkg/segment"
	"github.com/blockpoolio/poold/pkg/uuid"
)

// MaxMetadataDevices bounds how many member devices the record is
// written to per save.
const MaxMetadataDevices = 10

// DeviceRecord is one data-tier (or cache-tier) member's contribution.
type DeviceRecord struct {
	Dev        uuid.DevUUID        `json:"dev"`
	Path       string              `json:"path"`
	Allocated  []segment.Segment   `json:"allocated"`
	Encryption crypt.EncryptionInfo `json:"encryption,omitempty"`
}

// BackstoreRecord captures the data/cache tiers and the cap's
// allocation vector.
type BackstoreRecord struct {
	DataTier  []DeviceRecord `json:"data_tier"`
	CacheTier []DeviceRecord `json:"cache_tier,omitempty"`
	CapAlloc  []segment.Segment `json:"cap_alloc"`
}

// FlexDevRecord is the four flex-region segment lists carved from cap.
type FlexDevRecord struct {
	ThinMeta      []segment.Segment `json:"thin_meta"`
	ThinData      []segment.Segment `json:"thin_data"`
	ThinMetaSpare []segment.Segment `json:"thin_meta_spare"`
	MDV           []segment.Segment `json:"mdv"`
}

// ThinPoolRecord is the supervisor's persisted policy and sizing state.
type ThinPoolRecord struct {
	DataBlockSize   sectors.Sectors `json:"data_block_size"`
	FeatureArgs     []string        `json:"feature_args"`
	FsLimit         uint64          `json:"fs_limit"`
	OverprovEnabled bool            `json:"overprov_enabled"`
}

// PoolRecord is the complete on-disk document for one pool.
type PoolRecord struct {
	Name            string          `json:"name"`
	Pool            uuid.PoolUUID   `json:"pool"`
	MDASize         sectors.Sectors `json:"mda_size"`
	Backstore       BackstoreRecord `json:"backstore"`
	FlexDev         FlexDevRecord   `json:"flex_dev"`
	ThinPool        ThinPoolRecord  `json:"thin_pool"`
	Started         bool            `json:"started"`
	FeatureTags     []string        `json:"feature_tags,omitempty"`
	LastReencrypt   *time.Time      `json:"last_reencrypt,omitempty"`
}

// Writer is satisfied by blockdevmgr.Mgr: the redundant, randomized,
// "success on at least one" multi-device metadata write.
type Writer interface {
	SaveState(now time.Time, payload []byte) error
}

// Reader is satisfied by blockdevmgr.Mgr for recovery.
type Reader interface {
	LoadState() ([]byte, error)
}

// Save marshals rec and writes it via w. Success on at least one
// device is required, delegated entirely to the Writer, which already
// implements that policy across up to MaxMetadataDevices devices.
func Save(w Writer, now time.Time, rec PoolRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return perrors.New(perrors.Invalid, err)
	}
	return w.SaveState(now, buf)
}

// Load reads and unmarshals the record via r.
func Load(r Reader) (PoolRecord, error) {
	var rec PoolRecord
	buf, err := r.LoadState()
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(buf, &rec); err != nil {
		return rec, perrors.New(perrors.Corrupt, err)
	}
	return rec, nil
}
