package ftptransport

import "strings"

// ChunkPath returns the deterministic remote path for a chunk on any
// server: <base_path>/chunks/<chunk_id>.
func ChunkPath(basePath, chunkID string) string {
	return joinBase(basePath, "chunks/"+chunkID)
}

// ManifestPath returns the deterministic remote path for a manifest:
// <base_path>/manifests/<remote_name>.manifest.
func ManifestPath(basePath, remoteName string) string {
	return joinBase(basePath, "manifests/"+remoteName+".manifest")
}

// ManifestsDir returns the directory manifests live under on a server.
func ManifestsDir(basePath string) string {
	return joinBase(basePath, "manifests")
}

// ChunksDir returns the directory chunks live under on a server, consulted
// by the health probe to log a per-server chunk inventory count.
func ChunksDir(basePath string) string {
	return joinBase(basePath, "chunks")
}

func joinBase(base, rel string) string {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + rel
}
