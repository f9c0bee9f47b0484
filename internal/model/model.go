// Package model holds the durable data types shared by every component:
// chunks, manifests, server descriptors and their invariants.
package model

import (
	"strconv"
	"time"
)

// MaxReplicas bounds the cardinality of a chunk's location set.
const MaxReplicas = 10

// UnixTime wraps time.Time so manifest timestamp fields serialize as a
// JSON number of seconds since the Unix epoch instead of encoding/json's
// default RFC3339 string. Every timestamp on the wire is seconds
// resolution; sub-second precision is discarded on Now.
type UnixTime struct {
	time.Time
}

// Now returns the current time as a UnixTime, truncated to the second
// resolution the wire format carries.
func Now() UnixTime {
	return UnixTime{time.Now().Truncate(time.Second)}
}

// FromTime converts an existing time.Time, truncating to second
// resolution.
func FromTime(t time.Time) UnixTime {
	return UnixTime{t.Truncate(time.Second)}
}

func (u UnixTime) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(u.Unix(), 10)), nil
}

func (u *UnixTime) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		u.Time = time.Time{}
		return nil
	}
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	u.Time = time.Unix(sec, 0).UTC()
	return nil
}

// ServerStatus is the last-known reachability of a configured server.
type ServerStatus string

const (
	ServerStatusUnknown   ServerStatus = "unknown"
	ServerStatusHealthy   ServerStatus = "healthy"
	ServerStatusUnhealthy ServerStatus = "unhealthy"
)

// ServerDescriptor is the static + last-observed-state record for one
// configured FTP/FTPS endpoint.
type ServerDescriptor struct {
	ServerID    string
	Host        string
	Port        int
	Username    string
	Password    string
	BasePath    string
	TLS         bool
	VerifyTLS   bool
	Passive     bool
	Priority    int
	Status      ServerStatus
	LastLatency time.Duration
}

// ChunkLocation records one replica of a chunk on one server.
type ChunkLocation struct {
	ServerID     string   `json:"server_id"`
	RemotePath   string   `json:"remote_path"`
	UploadTime   UnixTime `json:"upload_time"`
	Verified     bool     `json:"verified"`
	LastVerified UnixTime `json:"last_verified"`
}

// Chunk is one fixed-size (except possibly last) content-hashed segment of
// a file plus the set of servers currently holding a replica of it.
type Chunk struct {
	ID        string          `json:"id"`
	Sequence  int             `json:"sequence_number"`
	Size      int64           `json:"size"`
	Hash      string          `json:"hash"`
	CreatedAt UnixTime        `json:"created_timestamp"`
	Locations []ChunkLocation `json:"locations"`
}

// HasServer reports whether the chunk already has a location on serverID.
func (c *Chunk) HasServer(serverID string) bool {
	for _, l := range c.Locations {
		if l.ServerID == serverID {
			return true
		}
	}
	return false
}

// HealthyLocations returns the subset of Locations whose Verified flag is
// set (i.e. a probe has confirmed a hash-matching download).
func (c *Chunk) HealthyLocations() []ChunkLocation {
	out := make([]ChunkLocation, 0, len(c.Locations))
	for _, l := range c.Locations {
		if l.Verified {
			out = append(out, l)
		}
	}
	return out
}

// RemoveLocation drops the location on serverID, if present.
func (c *Chunk) RemoveLocation(serverID string) {
	out := c.Locations[:0]
	for _, l := range c.Locations {
		if l.ServerID != serverID {
			out = append(out, l)
		}
	}
	c.Locations = out
}

// ManifestVersion is the current on-wire manifest schema major version.
const ManifestVersion = 1

// FileManifest is the durable placement map for one logical file. It is
// the single source of truth for chunk placement.
type FileManifest struct {
	Version             int      `json:"version"`
	ManifestID          string   `json:"manifest_id"`
	OriginalFilename    string   `json:"original_filename"`
	TotalSize           int64    `json:"total_size"`
	ChunkSize           int64    `json:"chunk_size"`
	ChunkCount          int      `json:"chunk_count"`
	FileHash            string   `json:"file_hash"`
	CreatedTimestamp    UnixTime `json:"created_timestamp"`
	LastAccessed        UnixTime `json:"last_accessed"`
	LastModified        UnixTime `json:"last_modified"`
	LastVerified        UnixTime `json:"last_verified"`
	ReplicationFactor   int      `json:"replication_factor"`
	MinReplicasRequired int      `json:"min_replicas_required"`
	CreatorInfo         string   `json:"creator_info"`
	Comment             string   `json:"comment"`
	Chunks              []Chunk  `json:"chunks"`
}

// ChunkHealth classifies a chunk by its count of currently healthy
// replicas.
type ChunkHealth string

const (
	HealthHealthy  ChunkHealth = "HEALTHY"
	HealthDegraded ChunkHealth = "DEGRADED"
	HealthCritical ChunkHealth = "CRITICAL"
	HealthLost     ChunkHealth = "LOST"
)

// ClassifyHealth turns a healthy-replica count into a ChunkHealth given the
// target replication factor R.
func ClassifyHealth(healthyReplicas, r int) ChunkHealth {
	switch {
	case healthyReplicas >= r:
		return HealthHealthy
	case healthyReplicas >= 2:
		return HealthDegraded
	case healthyReplicas == 1:
		return HealthCritical
	default:
		return HealthLost
	}
}
