package outpost

import (
	"log/slog"
	"sync"
)

// VersionStore tracks, per collection, the last server version this device
// has fully incorporated. Versions are monotonically non-decreasing; a
// server-reported version lower than the stored one is stale and ignored.
// A version of 0 means the collection has never been synced and needs a
// full pull.
type VersionStore struct {
	mu    sync.Mutex
	store StateStore
	log   *slog.Logger
	cache map[string]int64
}

// NewVersionStore creates a version store over the given state store.
func NewVersionStore(store StateStore, log *slog.Logger) *VersionStore {
	if log == nil {
		log = slog.Default()
	}
	return &VersionStore{
		store: store,
		log:   log,
		cache: make(map[string]int64),
	}
}

// Get returns the stored version for a collection, 0 if never synced.
func (v *VersionStore) Get(collection string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if cur, ok := v.cache[collection]; ok {
		return cur
	}
	cur, err := v.store.GetVersion(collection)
	if err != nil {
		v.log.Warn("version store read failed", "collection", collection, "error", err)
		return 0
	}
	v.cache[collection] = cur
	return cur
}

// Set advances a collection's version. Versions never decrease: a value at
// or below the current one is a no-op (stale values are logged).
func (v *VersionStore) Set(collection string, version int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	cur, ok := v.cache[collection]
	if !ok {
		stored, err := v.store.GetVersion(collection)
		if err != nil {
			return err
		}
		cur = stored
		v.cache[collection] = cur
	}

	if version < cur {
		v.log.Warn("ignoring stale server version",
			"collection", collection, "stored", cur, "reported", version)
		return nil
	}
	if version == cur {
		return nil
	}

	if err := v.store.SetVersion(collection, version); err != nil {
		return err
	}
	v.cache[collection] = version
	return nil
}
