package dynamic

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flashentropy/flashentropy/internal/cache"
	"github.com/flashentropy/flashentropy/internal/config"
	"github.com/flashentropy/flashentropy/internal/errors"
	"github.com/flashentropy/flashentropy/internal/groupstore"
)

// bucketDirName is the subdirectory name for bucket i under a library root.
func bucketDirName(i int) string {
	return fmt.Sprintf("bucket-%04d", i)
}

// bucketStateFile is the per-bucket metadata file spec §6 calls for
// alongside the fixed-name array files: dynamic-specific state (capacity,
// compact flag) that groupstore's own metadata file doesn't carry.
const bucketStateFile = "bucket_state.json"

type bucketState struct {
	Capacity int  `json:"capacity"`
	Compact  bool `json:"compact"`
	NSpectra int  `json:"n_spectra"`
}

// Write persists every bucket to its own directory under root, forcing any
// open bucket to build first (spec §4.E Write), then writes the library
// root config with a freshly computed group_start table. Each file is
// replaced with the same temp-file-then-rename discipline as config.Save
// and groupstore.Write, so no single file is left half-written. The
// library as a whole is not replaced atomically: a write that fails
// partway can leave some buckets' files new and others, and the root
// config, from the previous write.
func (lib *Library) Write(root string) error {
	lib.mu.Lock()
	defer lib.mu.Unlock()

	if err := os.MkdirAll(root, 0o755); err != nil {
		return errors.IO("dynamic: create library root", err, false)
	}

	groupStart := make([]uint64, 0, len(lib.buckets)+1)
	var cursor uint64
	groupStart = append(groupStart, cursor)

	for _, b := range lib.buckets {
		idx, err := lib.resolveIndex(b)
		if err != nil {
			return err
		}
		dir := filepath.Join(root, bucketDirName(b.id))
		if err := groupstore.Write(dir, idx); err != nil {
			return err
		}
		state, err := json.Marshal(bucketState{Capacity: b.capacity, Compact: b.compact, NSpectra: b.count()})
		if err != nil {
			return errors.IO("dynamic: marshal bucket state", err, false)
		}
		if err := writeAtomic(filepath.Join(dir, bucketStateFile), state); err != nil {
			return err
		}
		cursor += uint64(b.count())
		groupStart = append(groupStart, cursor)
	}

	lib.cfg.GroupStart = groupStart
	if err := config.Save(root, lib.cfg); err != nil {
		return err
	}
	return nil
}

// Open reads a library root written by Write: the config file and every
// bucket directory named by it, reconstructing each bucket's state. Compact
// buckets are not mapped eagerly here; their Flash arrays are loaded lazily,
// through the library's group cache, on first Search/GetSpectrum (see
// Library.resolveIndex) so reopening a library with many frozen groups
// doesn't require mapping all of them up front.
func Open(root string) (*Library, error) {
	cfg, err := config.Load(root)
	if err != nil {
		return nil, errors.IO("dynamic: load library config", err, false)
	}

	lib := &Library{cfg: cfg, groupCache: cache.New[int, *diskGroup](cache.DefaultGroupCacheSize, nil)}
	nBuckets := 0
	if len(cfg.GroupStart) > 0 {
		nBuckets = len(cfg.GroupStart) - 1
	}

	for i := 0; i < nBuckets; i++ {
		dir := filepath.Join(root, bucketDirName(i))
		stateBytes, err := os.ReadFile(filepath.Join(dir, bucketStateFile))
		if err != nil {
			return nil, errors.IO("dynamic: read bucket state", err, false)
		}
		var state bucketState
		if err := json.Unmarshal(stateBytes, &state); err != nil {
			return nil, errors.IO("dynamic: parse bucket state", err, false)
		}

		b := newBucket(i, state.Capacity)
		b.compact = state.Compact
		b.nSpectra = state.NSpectra

		if state.Compact {
			// Defer mapping: resolveIndex opens it through lib.groupCache
			// the first time a query actually reaches this bucket.
			b.dir = dir
		} else {
			// A non-compact bucket must still accept further inserts after
			// reload, and the group cache only bounds immutable compact
			// groups, so map it now and reconstruct its pending spectra
			// list from the Flash arrays.
			idx, _, err := groupstore.Open(dir)
			if err != nil {
				return nil, err
			}
			spectra, err := reconstructSpectra(idx)
			if err != nil {
				return nil, err
			}
			b.built = idx
			b.spectra = spectra
			b.nSpectra = len(spectra)
		}
		lib.buckets = append(lib.buckets, b)
	}

	return lib, nil
}

// writeAtomic writes data to a temp file and renames it into place. Both
// steps are the kind of transient I/O failure (e.g. a momentarily-full
// directory entry cache, a concurrent antivirus/backup scan holding the
// temp file open) errors.Retry exists for, so both are retried with the
// package's default bounded backoff before giving up.
func writeAtomic(path string, data []byte) error {
	return errors.Retry(context.Background(), errors.DefaultRetryConfig(), func() error {
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return errors.IO("dynamic: write file", err, true)
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return errors.IO("dynamic: rename file into place", err, true)
		}
		return nil
	})
}
