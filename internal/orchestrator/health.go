package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pyropy/netchunk/internal/ftptransport"
	"github.com/pyropy/netchunk/internal/model"
	"github.com/pyropy/netchunk/internal/placement"
)

// HealthMonitor periodically pings every configured server and feeds the
// results back into the placement engine so stale latency and status
// readings never drive a placement decision.
type HealthMonitor struct {
	pool      *ftptransport.Pool
	placement *placement.Engine
	interval  time.Duration
	log       *zap.SugaredLogger
}

// NewHealthMonitor builds a monitor over the given pool/placement engine.
func NewHealthMonitor(pool *ftptransport.Pool, pe *placement.Engine, interval time.Duration, log *zap.SugaredLogger) *HealthMonitor {
	return &HealthMonitor{pool: pool, placement: pe, interval: interval, log: log}
}

// Run starts the ticking probe loop until ctx is cancelled.
func (h *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.ProbeOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.ProbeOnce(ctx)
		}
	}
}

// ProbeOnce runs one synchronous probe pass over every server, used both
// by the ticking loop and by the CLI `health` command.
func (h *HealthMonitor) ProbeOnce(ctx context.Context) []model.ServerDescriptor {
	var results []model.ServerDescriptor

	for _, s := range h.placement.Servers() {
		prim, release, err := h.pool.Acquire(s.ServerID)
		if err != nil {
			s.Status = model.ServerStatusUnhealthy
			h.placement.UpdateServer(s)
			results = append(results, s)
			continue
		}

		latency, perr := prim.Ping(ctx)
		if perr != nil {
			release()
			h.log.Warnw("health probe failed", "server", s.ServerID, "error", perr)
			s.Status = model.ServerStatusUnhealthy
		} else {
			s.Status = model.ServerStatusHealthy
			s.LastLatency = latency

			if entries, lerr := prim.List(ctx, ftptransport.ChunksDir(s.BasePath)); lerr == nil {
				h.log.Debugw("chunk inventory", "server", s.ServerID, "count", len(entries))
			}
			release()
		}

		h.placement.UpdateServer(s)
		results = append(results, s)
	}

	return results
}
