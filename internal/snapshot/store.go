// Package snapshot implements the per-instance snapshot store (C4): a
// durable image of an instance at a specific WAL offset, used to bound
// recovery and drive compaction.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"fsmdb/internal/common"

	"github.com/google/uuid"
)

// Image is the serialized instance state captured by a snapshot: state,
// ctx, and the machine it belongs to.
type Image struct {
	InstanceID string                 `json:"instance_id"`
	Machine    string                 `json:"machine"`
	Version    int                    `json:"version"`
	State      string                 `json:"state"`
	Ctx        map[string]interface{} `json:"ctx"`
	Deleted    bool                   `json:"deleted"`
}

// storedImage is the on-disk envelope: the image plus a checksum over
// its canonical bytes, verified on Get.
type storedImage struct {
	Image    Image  `json:"image"`
	Checksum string `json:"checksum"`
}

// IndexEntry is the index.json value for one instance: its most recent
// snapshot and the WAL offset it was captured at.
type IndexEntry struct {
	SnapshotID string `json:"snapshot_id"`
	WALOffset  uint64 `json:"wal_offset"`
}

// Store persists snapshot images under <data_dir>/snapshots/ and keeps an
// index.json mapping instance_id to its latest snapshot.
type Store struct {
	mu    sync.RWMutex
	dir   string
	index map[string]IndexEntry
}

// Open loads (or creates) the snapshot directory and its index.
func Open(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "snapshots")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("snapshot: create dir: %w", err)
	}
	s := &Store{dir: dir, index: map[string]IndexEntry{}}
	indexPath := filepath.Join(dir, "index.json")
	data, err := os.ReadFile(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("snapshot: read index: %w", err)
	}
	if err := json.Unmarshal(data, &s.index); err != nil {
		return nil, fmt.Errorf("snapshot: parse index: %w", err)
	}
	return s, nil
}

// Put captures img at walOffset, writes it to disk, and updates the
// index. The caller (the engine) is responsible for appending the
// corresponding SnapshotMarker WAL entry.
func (s *Store) Put(img Image, walOffset common.GlobalOffset) (IndexEntry, error) {
	imgBytes, err := json.Marshal(img)
	if err != nil {
		return IndexEntry{}, fmt.Errorf("snapshot: marshal image: %w", err)
	}
	sum := sha256.Sum256(imgBytes)
	stored := storedImage{Image: img, Checksum: hex.EncodeToString(sum[:])}
	raw, err := json.Marshal(stored)
	if err != nil {
		return IndexEntry{}, fmt.Errorf("snapshot: marshal envelope: %w", err)
	}
	snapshotID := uuid.New().String()

	path := filepath.Join(s.dir, "snap-"+snapshotID+".snap")
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return IndexEntry{}, fmt.Errorf("snapshot: write: %w", err)
	}

	entry := IndexEntry{SnapshotID: snapshotID, WALOffset: uint64(walOffset)}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[img.InstanceID] = entry
	if err := s.persistIndexLocked(); err != nil {
		return IndexEntry{}, err
	}
	return entry, nil
}

// LatestFor returns the most recent snapshot metadata for an instance.
func (s *Store) LatestFor(instanceID string) (IndexEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index[instanceID]
	return e, ok
}

// Get loads a snapshot's image by id.
func (s *Store) Get(snapshotID string) (Image, error) {
	path := filepath.Join(s.dir, "snap-"+snapshotID+".snap")
	data, err := os.ReadFile(path)
	if err != nil {
		return Image{}, fmt.Errorf("snapshot: read %s: %w", snapshotID, err)
	}
	var stored storedImage
	if err := json.Unmarshal(data, &stored); err != nil {
		return Image{}, fmt.Errorf("snapshot: decode %s: %w", snapshotID, err)
	}
	imgBytes, err := json.Marshal(stored.Image)
	if err != nil {
		return Image{}, fmt.Errorf("snapshot: re-marshal %s: %w", snapshotID, err)
	}
	sum := sha256.Sum256(imgBytes)
	if hex.EncodeToString(sum[:]) != stored.Checksum {
		return Image{}, fmt.Errorf("snapshot: checksum mismatch for %s", snapshotID)
	}
	return stored.Image, nil
}

// All returns a copy of the full instance_id -> latest snapshot index,
// used to seed the engine's in-memory state before WAL replay.
func (s *Store) All() map[string]IndexEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]IndexEntry, len(s.index))
	for k, v := range s.index {
		out[k] = v
	}
	return out
}

// MinWALOffset returns the minimum wal_offset across all live snapshots.
// Segments entirely below this offset are safe to delete. Returns false
// if there are no snapshots at all.
func (s *Store) MinWALOffset() (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var min uint64
	found := false
	for _, e := range s.index {
		if !found || e.WALOffset < min {
			min = e.WALOffset
			found = true
		}
	}
	return min, found
}

func (s *Store) persistIndexLocked() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal index: %w", err)
	}
	tmp := filepath.Join(s.dir, "index.json.tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("snapshot: write index: %w", err)
	}
	return os.Rename(tmp, filepath.Join(s.dir, "index.json"))
}
