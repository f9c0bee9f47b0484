package main

import (
	"path/filepath"

	"go.uber.org/zap"

	"github.com/pyropy/netchunk/internal/config"
	"github.com/pyropy/netchunk/internal/ftptransport"
	"github.com/pyropy/netchunk/internal/logging"
	"github.com/pyropy/netchunk/internal/manifeststore"
	"github.com/pyropy/netchunk/internal/orchestrator"
	"github.com/pyropy/netchunk/internal/placement"
	"github.com/pyropy/netchunk/internal/repair"
	"github.com/pyropy/netchunk/internal/retry"
)

// runtime wires every component together for one CLI invocation: config,
// connection pool, placement engine, local manifest cache, orchestrator,
// repair engine and health monitor.
type runtime struct {
	cfg          *config.Config
	log          *zap.SugaredLogger
	pool         *ftptransport.Pool
	placement    *placement.Engine
	local        *manifeststore.Store
	orchestrator *orchestrator.Orchestrator
	repair       *repair.Engine
	health       *orchestrator.HealthMonitor
}

func newRuntime(cfgPath string, verbose, quiet bool) (*runtime, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	sl, err := logging.New(loggingOptions(cfg, verbose, quiet))
	if err != nil {
		return nil, err
	}

	pool := ftptransport.NewPool(cfg.Servers, cfg.General.FTPTimeout, cfg.General.MaxConcurrentOperations)
	pe := placement.New(cfg.Servers)

	local, err := manifeststore.Open(filepath.Join(cfg.General.LocalStoragePath, "manifests.db"))
	if err != nil {
		sl.Warnw("local manifest cache unavailable, falling back to remote-only lookups", "error", err)
		local = nil
	}

	rp := retry.Policy{Attempts: 3, BaseDelay: retry.DefaultPolicy.BaseDelay}
	repairRP := retry.Policy{Attempts: cfg.Repair.MaxRepairAttempts, BaseDelay: cfg.Repair.RepairDelay}

	orch := orchestrator.New(pool, pe, local, sl, cfg.General.ReplicationFactor, cfg.General.ReplicationFactor, cfg.General.ChunkSize, rp)
	rep := repair.New(pool, pe, local, sl, repairRP, cfg.General.ReplicationFactor)
	health := orchestrator.NewHealthMonitor(pool, pe, cfg.General.HealthCheckInterval, sl)

	return &runtime{
		cfg:          cfg,
		log:          sl,
		pool:         pool,
		placement:    pe,
		local:        local,
		orchestrator: orch,
		repair:       rep,
		health:       health,
	}, nil
}

func loggingOptions(cfg *config.Config, verbose, quiet bool) logging.Options {
	return logging.Options{
		Level:    cfg.General.LogLevel,
		FilePath: cfg.General.LogFile,
		Quiet:    quiet,
		Verbose:  verbose,
	}
}

func (r *runtime) Close() {
	r.pool.CloseAll()
	if r.local != nil {
		_ = r.local.Close()
	}
	_ = r.log.Sync()
}
