// Package config loads and validates the process-wide INI configuration.
// It is read-only after Load returns.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pyropy/netchunk/internal/model"
	"github.com/pyropy/netchunk/internal/ncerrors"
	"gopkg.in/ini.v1"
)

const (
	minChunkSize = 1 << 20        // 1 MiB
	maxChunkSize = 64 << 20       // 64 MiB
	maxServers   = 32
)

// General holds the [general] section.
type General struct {
	ChunkSize                 int64
	ReplicationFactor         int
	MaxConcurrentOperations   int
	FTPTimeout                time.Duration
	LogLevel                  string
	LogFile                   string
	LocalStoragePath          string
	HealthMonitoringEnabled   bool
	HealthCheckInterval       time.Duration
}

// Repair holds the [repair] section.
type Repair struct {
	AutoRepairEnabled   bool
	MaxRepairAttempts   int
	RepairDelay         time.Duration
	RebalancingEnabled  bool
}

// Security holds the [security] section.
type Security struct {
	VerifySSLCertificates  bool
	AlwaysVerifyIntegrity  bool
	EncryptChunks          bool
}

// Config is the fully parsed, validated process configuration.
type Config struct {
	General  General
	Repair   Repair
	Security Security
	Servers  []model.ServerDescriptor
}

// Load reads and validates the INI file at path. Path tokens
// beginning with ~ expand to the user home directory.
func Load(path string) (*Config, error) {
	path = expandHome(path)

	f, err := ini.LoadSources(ini.LoadOptions{AllowShadows: false}, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ncerrors.Wrap(ncerrors.FileNotFound, "config.Load", err)
		}
		return nil, ncerrors.Wrap(ncerrors.ConfigParse, "config.Load", err)
	}

	cfg := &Config{}

	gs := f.Section("general")
	cfg.General.ChunkSize = parseSize(gs.Key("chunk_size").MustString("4M"))
	cfg.General.ReplicationFactor = gs.Key("replication_factor").MustInt(3)
	cfg.General.MaxConcurrentOperations = gs.Key("max_concurrent_operations").MustInt(8)
	cfg.General.FTPTimeout = time.Duration(gs.Key("ftp_timeout").MustInt(30)) * time.Second
	cfg.General.LogLevel = gs.Key("log_level").MustString("info")
	cfg.General.LogFile = expandHome(gs.Key("log_file").MustString(""))
	cfg.General.LocalStoragePath = expandHome(gs.Key("local_storage_path").MustString("~/.netchunk"))
	cfg.General.HealthMonitoringEnabled = gs.Key("health_monitoring_enabled").MustBool(true)
	cfg.General.HealthCheckInterval = time.Duration(gs.Key("health_check_interval").MustInt(60)) * time.Second

	rs := f.Section("repair")
	cfg.Repair.AutoRepairEnabled = rs.Key("auto_repair_enabled").MustBool(true)
	cfg.Repair.MaxRepairAttempts = rs.Key("max_repair_attempts").MustInt(3)
	cfg.Repair.RepairDelay = time.Duration(rs.Key("repair_delay").MustInt(5)) * time.Second
	cfg.Repair.RebalancingEnabled = rs.Key("rebalancing_enabled").MustBool(false)

	ss := f.Section("security")
	cfg.Security.VerifySSLCertificates = ss.Key("verify_ssl_certificates").MustBool(true)
	cfg.Security.AlwaysVerifyIntegrity = ss.Key("always_verify_integrity").MustBool(true)
	cfg.Security.EncryptChunks = ss.Key("encrypt_chunks").MustBool(false)

	for i := 1; i <= maxServers; i++ {
		name := fmt.Sprintf("server_%d", i)
		if !f.HasSection(name) {
			continue
		}
		sec := f.Section(name)
		if sec.Key("host").String() == "" {
			continue
		}

		desc := model.ServerDescriptor{
			ServerID:  name,
			Host:      sec.Key("host").String(),
			Port:      sec.Key("port").MustInt(21),
			Username:  sec.Key("username").String(),
			Password:  sec.Key("password").String(),
			BasePath:  sec.Key("base_path").MustString("/"),
			TLS:       sec.Key("use_ssl").MustBool(false),
			VerifyTLS: cfg.Security.VerifySSLCertificates,
			Passive:   sec.Key("passive_mode").MustBool(true),
			Priority:  sec.Key("priority").MustInt(0),
			Status:    model.ServerStatusUnknown,
		}
		cfg.Servers = append(cfg.Servers, desc)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the recognized ranges and cross-field invariants. It
// clamps chunk_size into [1 MiB, 64 MiB], returns InsufficientServers when
// fewer servers than replication_factor are configured, and returns
// ConfigValidation on any other violation.
func (c *Config) Validate() error {
	if c.General.ChunkSize < minChunkSize {
		c.General.ChunkSize = minChunkSize
	}
	if c.General.ChunkSize > maxChunkSize {
		c.General.ChunkSize = maxChunkSize
	}

	if c.General.ReplicationFactor < 1 || c.General.ReplicationFactor > 10 {
		return ncerrors.New(ncerrors.ConfigValidation, "config.Validate",
			"replication_factor must be in [1,10]")
	}
	if c.General.MaxConcurrentOperations < 1 || c.General.MaxConcurrentOperations > 32 {
		return ncerrors.New(ncerrors.ConfigValidation, "config.Validate",
			"max_concurrent_operations must be in [1,32]")
	}
	if c.General.FTPTimeout < 5*time.Second || c.General.FTPTimeout > 300*time.Second {
		return ncerrors.New(ncerrors.ConfigValidation, "config.Validate",
			"ftp_timeout must be in [5,300] seconds")
	}
	if len(c.Servers) == 0 {
		return ncerrors.New(ncerrors.ConfigValidation, "config.Validate",
			"at least one server_N section is required")
	}
	if len(c.Servers) < c.General.ReplicationFactor {
		return ncerrors.New(ncerrors.InsufficientServers, "config.Validate",
			fmt.Sprintf("replication_factor=%d but only %d servers configured",
				c.General.ReplicationFactor, len(c.Servers)))
	}
	seen := map[string]bool{}
	for _, s := range c.Servers {
		if seen[s.ServerID] {
			return ncerrors.New(ncerrors.ConfigValidation, "config.Validate",
				"duplicate server id "+s.ServerID)
		}
		seen[s.ServerID] = true
	}

	return nil
}

func parseSize(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 4 << 20
	}

	mult := int64(1)
	last := raw[len(raw)-1]
	switch last {
	case 'k', 'K':
		mult = 1 << 10
		raw = raw[:len(raw)-1]
	case 'm', 'M':
		mult = 1 << 20
		raw = raw[:len(raw)-1]
	case 'g', 'G':
		mult = 1 << 30
		raw = raw[:len(raw)-1]
	}

	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 4 << 20
	}
	return n * mult
}

func expandHome(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}
