package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pyropy/netchunk/internal/model"
	"github.com/pyropy/netchunk/internal/ncerrors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.ini")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validConfig = `
[general]
chunk_size = 4M
replication_factor = 2
max_concurrent_operations = 8
ftp_timeout = 30

[server_1]
host = ftp1.example.com
port = 21
username = user
password = pass
base_path = /netchunk

[server_2]
host = ftp2.example.com
port = 21
username = user
password = pass
base_path = /netchunk
`

func TestLoadParsesServersAndDefaults(t *testing.T) {
	path := writeConfig(t, validConfig)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 2)
	require.Equal(t, int64(4<<20), cfg.General.ChunkSize)
	require.Equal(t, 2, cfg.General.ReplicationFactor)
	require.True(t, cfg.Repair.AutoRepairEnabled, "auto_repair_enabled defaults to true")
	require.Equal(t, "server_1", cfg.Servers[0].ServerID)
	require.Equal(t, 21, cfg.Servers[0].Port)
}

func TestLoadThreadsVerifySSLCertificatesIntoServerDescriptors(t *testing.T) {
	body := validConfig + "\n[security]\nverify_ssl_certificates = false\n"
	path := writeConfig(t, body)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.False(t, cfg.Security.VerifySSLCertificates)
	for _, s := range cfg.Servers {
		require.False(t, s.VerifyTLS)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.ini")
	require.Error(t, err)
	require.Equal(t, ncerrors.FileNotFound, ncerrors.KindOf(err))
}

func TestLoadRejectsInsufficientServersForReplicationFactor(t *testing.T) {
	body := `
[general]
replication_factor = 5

[server_1]
host = ftp1.example.com
`
	path := writeConfig(t, body)

	_, err := Load(path)
	require.Error(t, err)
	require.Equal(t, ncerrors.InsufficientServers, ncerrors.KindOf(err))
}

func TestLoadRejectsNoServers(t *testing.T) {
	body := `
[general]
replication_factor = 1
`
	path := writeConfig(t, body)

	_, err := Load(path)
	require.Error(t, err)
	require.Equal(t, ncerrors.ConfigValidation, ncerrors.KindOf(err))
}

func TestValidateClampsChunkSizeToBounds(t *testing.T) {
	c := &Config{
		General: General{ChunkSize: 1, ReplicationFactor: 1, MaxConcurrentOperations: 8, FTPTimeout: 30 * time.Second},
		Servers: []model.ServerDescriptor{{ServerID: "server_1"}},
	}
	require.NoError(t, c.Validate())
	require.Equal(t, int64(minChunkSize), c.General.ChunkSize)

	c.General.ChunkSize = maxChunkSize + 1
	require.NoError(t, c.Validate())
	require.Equal(t, int64(maxChunkSize), c.General.ChunkSize)
}

func TestParseSizeSuffixes(t *testing.T) {
	require.Equal(t, int64(1<<10), parseSize("1K"))
	require.Equal(t, int64(4<<20), parseSize("4M"))
	require.Equal(t, int64(2<<30), parseSize("2G"))
	require.Equal(t, int64(4<<20), parseSize(""))
	require.Equal(t, int64(4<<20), parseSize("garbage"))
}
