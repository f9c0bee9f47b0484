// Package manifest implements the manifest codec: JSON
// (de)serialization, invariant validation, and atomic local
// persistence with backup rotation.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pyropy/netchunk/internal/model"
	"github.com/pyropy/netchunk/internal/ncerrors"
)

// New builds an empty manifest for a file about to be uploaded.
func New(originalFilename string, totalSize, chunkSize int64, fileHash string, replicationFactor, minReplicas int) *model.FileManifest {
	now := model.Now()
	return &model.FileManifest{
		Version:             model.ManifestVersion,
		ManifestID:          uuid.NewString(),
		OriginalFilename:    originalFilename,
		TotalSize:           totalSize,
		ChunkSize:           chunkSize,
		ChunkCount:          int((totalSize + chunkSize - 1) / chunkSize),
		FileHash:            fileHash,
		CreatedTimestamp:    now,
		LastModified:        now,
		LastAccessed:        now,
		ReplicationFactor:   replicationFactor,
		MinReplicasRequired: minReplicas,
		Chunks:              make([]model.Chunk, 0, (totalSize+chunkSize-1)/chunkSize),
	}
}

// Marshal encodes a manifest as JSON. Hashes are already lower-case hex
// in the model; timestamps encode as integer seconds since the Unix
// epoch via model.UnixTime, not encoding/json's default RFC3339 string.
func Marshal(m *model.FileManifest) ([]byte, error) {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, ncerrors.Wrap(ncerrors.ManifestCorrupt, "manifest.Marshal", err)
	}
	return b, nil
}

// Unmarshal decodes JSON into a manifest and validates its invariants.
// Unknown fields are ignored (forward compatibility); a missing required
// field or a broken invariant yields ManifestCorrupt.
func Unmarshal(data []byte) (*model.FileManifest, error) {
	var m model.FileManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, ncerrors.Wrap(ncerrors.ManifestCorrupt, "manifest.Unmarshal", err)
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate asserts the manifest's structural invariants.
func Validate(m *model.FileManifest) error {
	if m.ManifestID == "" || m.OriginalFilename == "" || m.FileHash == "" {
		return ncerrors.New(ncerrors.ManifestCorrupt, "manifest.Validate", "missing required field")
	}
	if m.Version > model.ManifestVersion {
		return ncerrors.New(ncerrors.ManifestCorrupt, "manifest.Validate",
			fmt.Sprintf("manifest version %d is newer than supported %d", m.Version, model.ManifestVersion))
	}
	if m.ChunkSize <= 0 {
		return ncerrors.New(ncerrors.ManifestCorrupt, "manifest.Validate", "chunk_size must be > 0")
	}

	expectedCount := int((m.TotalSize + m.ChunkSize - 1) / m.ChunkSize)
	if m.TotalSize > 0 && expectedCount != m.ChunkCount {
		return ncerrors.New(ncerrors.ManifestCorrupt, "manifest.Validate", "chunk_count does not match ceil(total_size/chunk_size)")
	}
	if m.ChunkCount != len(m.Chunks) {
		return ncerrors.New(ncerrors.ManifestCorrupt, "manifest.Validate", "chunk_count does not match len(chunks)")
	}
	if m.MinReplicasRequired > m.ReplicationFactor {
		return ncerrors.New(ncerrors.ManifestCorrupt, "manifest.Validate", "min_replicas_required exceeds replication_factor")
	}

	sorted := append([]model.Chunk(nil), m.Chunks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	var sumSize int64
	for i, c := range sorted {
		if c.Sequence != i {
			return ncerrors.New(ncerrors.ManifestCorrupt, "manifest.Validate",
				fmt.Sprintf("chunk sequence gap: expected %d, got %d", i, c.Sequence))
		}
		sumSize += c.Size

		seen := map[string]bool{}
		for _, loc := range c.Locations {
			if seen[loc.ServerID] {
				return ncerrors.New(ncerrors.ManifestCorrupt, "manifest.Validate",
					fmt.Sprintf("chunk %d has duplicate server id %s", i, loc.ServerID))
			}
			seen[loc.ServerID] = true
		}
		if len(c.Locations) > model.MaxReplicas {
			return ncerrors.New(ncerrors.ManifestCorrupt, "manifest.Validate", "chunk exceeds MAX_REPLICAS")
		}
	}
	if sumSize != m.TotalSize {
		return ncerrors.New(ncerrors.ManifestCorrupt, "manifest.Validate", "sum of chunk sizes does not match total_size")
	}

	return nil
}

// WriteLocalAtomic writes the manifest to path, guaranteeing readers see
// either the pre- or post-image, never a partial file: the payload is
// written to path+".tmp", flushed, then renamed over path.
//
// If backups is true, the previous content at path (if any) is copied to
// path+".backup.<unix_ts>" before the rename, and only the most recent
// maxBackups backups are retained.
func WriteLocalAtomic(path string, data []byte, backups bool, maxBackups int) error {
	if backups {
		if err := rotateBackup(path, maxBackups); err != nil {
			return err
		}
	}

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ncerrors.Wrap(ncerrors.FileAccess, "manifest.WriteLocalAtomic", err)
	}

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return ncerrors.Wrap(ncerrors.FileAccess, "manifest.WriteLocalAtomic", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return ncerrors.Wrap(ncerrors.Io, "manifest.WriteLocalAtomic", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return ncerrors.Wrap(ncerrors.Io, "manifest.WriteLocalAtomic", err)
	}
	if err := f.Close(); err != nil {
		return ncerrors.Wrap(ncerrors.Io, "manifest.WriteLocalAtomic", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return ncerrors.Wrap(ncerrors.Io, "manifest.WriteLocalAtomic", err)
	}

	return nil
}

// ReadLocal loads and validates a manifest from local disk.
func ReadLocal(path string) (*model.FileManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ncerrors.Wrap(ncerrors.FileNotFound, "manifest.ReadLocal", err)
		}
		return nil, ncerrors.Wrap(ncerrors.FileAccess, "manifest.ReadLocal", err)
	}
	return Unmarshal(data)
}

func rotateBackup(path string, maxBackups int) error {
	existing, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ncerrors.Wrap(ncerrors.FileAccess, "manifest.rotateBackup", err)
	}

	backupPath := fmt.Sprintf("%s.backup.%d", path, time.Now().Unix())
	if err := os.WriteFile(backupPath, existing, 0o644); err != nil {
		return ncerrors.Wrap(ncerrors.FileAccess, "manifest.rotateBackup", err)
	}

	return pruneBackups(path, maxBackups)
}

func pruneBackups(path string, maxBackups int) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return ncerrors.Wrap(ncerrors.FileAccess, "manifest.pruneBackups", err)
	}

	prefix := base + ".backup."
	var backups []string
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > len(prefix) && e.Name()[:len(prefix)] == prefix {
			backups = append(backups, e.Name())
		}
	}
	sort.Strings(backups)

	for len(backups) > maxBackups {
		if err := os.Remove(filepath.Join(dir, backups[0])); err != nil && !os.IsNotExist(err) {
			return ncerrors.Wrap(ncerrors.FileAccess, "manifest.pruneBackups", err)
		}
		backups = backups[1:]
	}

	return nil
}
