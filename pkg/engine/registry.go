package engine

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/bmatsuo/lmdb-go/lmdb"
	"github.com/pkg/errors"

	"github.com/blockpoolio/poold/pkg/poolrecord"
	"github.com/blockpoolio/poold/pkg/uuid"
)

// registryFileName is the LMDB data file's name under the engine's
// state directory.
const registryFileName = "poold-registry"

// Registry is the engine's persistent table of pools it has ever
// created, independent of whether those pools are currently started
// or even have their member devices present. It survives a poold
// restart, and is the mechanism by which start_pool can resolve a
// bare name or uuid into a poolrecord.PoolRecord before liminal
// discovery has finished assembling the actual devices.
//
// Grounded directly on store.DBStore (store/dbstore.go): one LMDB
// environment, opened NoSubdir against a single file, root database,
// JSON-encoded values.
type Registry struct {
	env *lmdb.Env
}

// OpenRegistry opens (creating if necessary) the registry file under
// dir.
func OpenRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrapf(err, "creating state directory %q", dir)
	}

	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, errors.Wrap(err, "creating registry environment")
	}
	if err := env.Open(filepath.Join(dir, registryFileName), lmdb.NoSubdir, 0600); err != nil {
		return nil, errors.Wrap(err, "opening registry environment")
	}
	return &Registry{env: env}, nil
}

// Close releases the underlying LMDB environment.
func (r *Registry) Close() error {
	if r.env == nil {
		return nil
	}
	if err := r.env.Close(); err != nil {
		return errors.Wrap(err, "closing registry environment")
	}
	r.env = nil
	return nil
}

// Put records (or overwrites) rec under its pool UUID.
func (r *Registry) Put(rec poolrecord.PoolRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshaling pool record for registry")
	}

	key := []byte(rec.Pool.Hyphenless())
	err = r.env.Update(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		return txn.Put(dbi, key, buf, 0)
	})
	if err != nil {
		return errors.Wrapf(err, "writing registry entry for pool %s", rec.Pool)
	}
	return nil
}

// Get looks up pool's last recorded state.
func (r *Registry) Get(pool uuid.PoolUUID) (poolrecord.PoolRecord, error) {
	var rec poolrecord.PoolRecord
	key := []byte(pool.Hyphenless())

	err := r.env.View(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		data, err := txn.Get(dbi, key)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		if lmdb.IsNotFound(err) {
			return rec, os.ErrNotExist
		}
		return rec, errors.Wrapf(err, "reading registry entry for pool %s", pool)
	}
	return rec, nil
}

// Delete removes pool's entry, silently succeeding if it was already
// absent (mirrors store.DBStore.Remove's not-found tolerance).
func (r *Registry) Delete(pool uuid.PoolUUID) error {
	key := []byte(pool.Hyphenless())
	err := r.env.Update(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		if err := txn.Del(dbi, key, nil); err != nil {
			if opErr, ok := err.(*lmdb.OpError); ok && opErr.Errno == lmdb.NotFound {
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "deleting registry entry for pool %s", pool)
	}
	return nil
}

// List returns every pool record currently known to the registry,
// used on startup to seed the engine's in-memory table before
// liminal discovery has found any devices.
func (r *Registry) List() ([]poolrecord.PoolRecord, error) {
	var recs []poolrecord.PoolRecord
	err := r.env.View(func(txn *lmdb.Txn) error {
		dbi, err := txn.OpenRoot(0)
		if err != nil {
			return err
		}
		cur, err := txn.OpenCursor(dbi)
		if err != nil {
			return err
		}
		defer cur.Close()

		for {
			_, v, err := cur.Get(nil, nil, lmdb.Next)
			if lmdb.IsNotFound(err) {
				break
			}
			if err != nil {
				return err
			}
			var rec poolrecord.PoolRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "listing registry entries")
	}
	return recs, nil
}
