// Package repair implements the verify/repair/rebalance engine:
// per-chunk health classification, corrupted-replica cleanup, refill
// re-replication, and load rebalancing across servers.
package repair

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pyropy/netchunk/internal/ftptransport"
	"github.com/pyropy/netchunk/internal/hashutil"
	"github.com/pyropy/netchunk/internal/manifest"
	"github.com/pyropy/netchunk/internal/manifeststore"
	"github.com/pyropy/netchunk/internal/model"
	"github.com/pyropy/netchunk/internal/ncerrors"
	"github.com/pyropy/netchunk/internal/placement"
	"github.com/pyropy/netchunk/internal/retry"
)

// ChunkReport is the outcome of probing one chunk: its classified health
// plus which servers were found healthy, corrupted, or unreachable.
type ChunkReport struct {
	Sequence           int
	ChunkID            string
	Health             model.ChunkHealth
	HealthyServers     []string
	CorruptedServers   []string
	UnreachableServers []string
	Repaired           bool
	NewLocations       []string
}

// Report summarizes one verify or repair pass over a manifest.
type Report struct {
	ChunksVerified  int
	Healthy         int
	Degraded        int
	Critical        int
	Lost            int
	Chunks          []ChunkReport
	ManifestChanged bool
}

// Mode selects the repair engine's behavior.
type Mode int

const (
	// VerifyOnly probes every chunk and returns a report; no mutation.
	VerifyOnly Mode = iota
	// AutoRepair cleans up corrupted replicas and refills
	// under-replicated chunks.
	AutoRepair
	// ForceRepair behaves like AutoRepair but also re-uploads to a
	// server even if its replica currently looks healthy.
	ForceRepair
)

// Engine runs verify/repair/rebalance passes over a manifest.
type Engine struct {
	pool        *ftptransport.Pool
	placement   *placement.Engine
	local       *manifeststore.Store
	log         *zap.SugaredLogger
	retryPolicy retry.Policy
	repFactor   int
}

// New builds a repair Engine.
func New(pool *ftptransport.Pool, pe *placement.Engine, local *manifeststore.Store, log *zap.SugaredLogger, rp retry.Policy, repFactor int) *Engine {
	return &Engine{pool: pool, placement: pe, local: local, log: log, retryPolicy: rp, repFactor: repFactor}
}

// probeLocation downloads one replica and reports whether it is healthy
// (download succeeded AND hash matches), corrupted (download succeeded,
// hash mismatch) or unreachable (download failed) — a failure to reach a
// server never counts as corruption.
type probeOutcome int

const (
	probeHealthy probeOutcome = iota
	probeCorrupted
	probeUnreachable
)

func (e *Engine) probeLocation(ctx context.Context, loc model.ChunkLocation, expectedHash string) probeOutcome {
	var buf sizedBuffer
	_, err := retry.Do(ctx, e.retryPolicy, "repair.probe", func(attempt int) error {
		prim, release, aerr := e.pool.Acquire(loc.ServerID)
		if aerr != nil {
			return aerr
		}
		defer release()
		buf.Reset()
		return prim.Download(ctx, loc.RemotePath, &buf, nil)
	})
	if err != nil {
		return probeUnreachable
	}
	if !hashutil.Verify(buf.Bytes(), expectedHash) {
		return probeCorrupted
	}
	return probeHealthy
}

// Run executes one pass over m in the given mode, mutating m in place
// when mode != VerifyOnly, and persisting the manifest to every server if
// any chunk was repaired.
func (e *Engine) Run(ctx context.Context, m *model.FileManifest, remoteName string, mode Mode) (*Report, error) {
	report := &Report{}

	for i := range m.Chunks {
		c := &m.Chunks[i]
		cr := e.probeAndClassify(ctx, c)
		report.ChunksVerified++
		tally(report, cr.Health)

		if mode != VerifyOnly && cr.Health != model.HealthLost {
			changed, err := e.repairChunk(ctx, c, cr, mode == ForceRepair)
			if err != nil {
				e.log.Warnw("chunk repair failed, leaving state intact", "chunk", c.ID, "error", err)
			}
			if changed {
				cr.Repaired = true
				report.ManifestChanged = true
			}
		}

		if cr.Health == model.HealthLost {
			e.log.Warnw("chunk lost: no reachable, hash-verified replica; manifest kept intact", "sequence", c.Sequence, "chunk", c.ID)
		}

		report.Chunks = append(report.Chunks, cr)
	}

	m.LastVerified = model.Now()
	if report.ManifestChanged {
		if err := e.persist(ctx, remoteName, m); err != nil {
			return report, err
		}
	}

	return report, nil
}

func tally(r *Report, h model.ChunkHealth) {
	switch h {
	case model.HealthHealthy:
		r.Healthy++
	case model.HealthDegraded:
		r.Degraded++
	case model.HealthCritical:
		r.Critical++
	case model.HealthLost:
		r.Lost++
	}
}

func (e *Engine) probeAndClassify(ctx context.Context, c *model.Chunk) ChunkReport {
	cr := ChunkReport{Sequence: c.Sequence, ChunkID: c.ID}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i := range c.Locations {
		loc := c.Locations[i]
		g.Go(func() error {
			outcome := e.probeLocation(gctx, loc, c.Hash)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case probeHealthy:
				cr.HealthyServers = append(cr.HealthyServers, loc.ServerID)
			case probeCorrupted:
				cr.CorruptedServers = append(cr.CorruptedServers, loc.ServerID)
			case probeUnreachable:
				cr.UnreachableServers = append(cr.UnreachableServers, loc.ServerID)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(cr.HealthyServers)
	sort.Strings(cr.CorruptedServers)
	sort.Strings(cr.UnreachableServers)

	cr.Health = model.ClassifyHealth(len(cr.HealthyServers), e.repFactor)
	return cr
}

// repairChunk performs cleanup then refill for one non-lost chunk. It
// never drops the last known replica: cleanup only removes a replica
// confirmed corrupted, and only once at least one other server is
// confirmed to hold a hash-verified copy.
func (e *Engine) repairChunk(ctx context.Context, c *model.Chunk, cr ChunkReport, force bool) (bool, error) {
	changed := false

	// CLEANUP: remove replicas that downloaded with a bad hash, but only
	// if a verified copy survives elsewhere.
	if len(cr.CorruptedServers) > 0 && len(cr.HealthyServers) > 0 {
		for _, serverID := range cr.CorruptedServers {
			loc, ok := findLocation(c, serverID)
			if !ok {
				continue
			}
			_, err := retry.Do(ctx, e.retryPolicy, "repair.cleanup", func(attempt int) error {
				prim, release, aerr := e.pool.Acquire(serverID)
				if aerr != nil {
					return aerr
				}
				defer release()
				return prim.Delete(ctx, loc.RemotePath)
			})
			if err != nil && !ncerrors.Is(err, ncerrors.FileNotFound) {
				e.log.Warnw("failed to delete corrupted replica", "server", serverID, "chunk", c.ID, "error", err)
				continue
			}
			c.RemoveLocation(serverID)
			changed = true
		}
	}

	healthyCount := len(cr.HealthyServers)
	if !force && healthyCount >= e.repFactor {
		return changed, nil
	}

	if healthyCount == 0 {
		return changed, nil // nothing to refill from; classified LOST or unreachable-only
	}

	// REFILL: pull payload from a known-good replica, ask placement for
	// up to R - current targets, upload, append.
	sourceServer := cr.HealthyServers[0]
	sourceLoc, ok := findLocation(c, sourceServer)
	if !ok {
		return changed, nil
	}

	var payload sizedBuffer
	_, err := retry.Do(ctx, e.retryPolicy, "repair.fetchSource", func(attempt int) error {
		prim, release, aerr := e.pool.Acquire(sourceServer)
		if aerr != nil {
			return aerr
		}
		defer release()
		payload.Reset()
		return prim.Download(ctx, sourceLoc.RemotePath, &payload, nil)
	})
	if err != nil {
		return changed, ncerrors.Wrap(ncerrors.Ftp, "repair.repairChunk", err)
	}
	if !hashutil.Verify(payload.Bytes(), c.Hash) {
		return changed, ncerrors.New(ncerrors.ChunkIntegrity, "repair.repairChunk", "source replica failed verification during refill")
	}

	needed := e.repFactor - len(c.Locations)
	if force {
		needed = e.repFactor
	}
	if needed <= 0 {
		return changed, nil
	}

	exclude := placement.ExcludeSet(*c)
	if force {
		exclude = map[string]bool{}
	}
	targets, plErr := e.placement.Select(needed, exclude, placement.NewFileLoad(nil))
	if plErr != nil && len(targets) == 0 {
		return changed, ncerrors.Wrap(ncerrors.InsufficientServers, "repair.repairChunk", plErr)
	}

	for _, target := range targets {
		remotePath := ftptransport.ChunkPath(target.BasePath, c.ID)
		_, err := retry.Do(ctx, e.retryPolicy, "repair.refillUpload", func(attempt int) error {
			prim, release, aerr := e.pool.Acquire(target.ServerID)
			if aerr != nil {
				return aerr
			}
			defer release()
			return prim.Upload(ctx, remotePath, bytesReader(payload.Bytes()), int64(payload.Len()), nil)
		})
		if err != nil {
			e.log.Warnw("refill upload failed", "server", target.ServerID, "chunk", c.ID, "error", err)
			continue
		}

		if force && c.HasServer(target.ServerID) {
			c.RemoveLocation(target.ServerID)
		}
		c.Locations = append(c.Locations, model.ChunkLocation{
			ServerID:     target.ServerID,
			RemotePath:   remotePath,
			UploadTime:   model.Now(),
			Verified:     true,
			LastVerified: model.Now(),
		})
		changed = true
	}

	return changed, nil
}

func findLocation(c *model.Chunk, serverID string) (model.ChunkLocation, bool) {
	for _, l := range c.Locations {
		if l.ServerID == serverID {
			return l, true
		}
	}
	return model.ChunkLocation{}, false
}

func (e *Engine) persist(ctx context.Context, remoteName string, m *model.FileManifest) error {
	data, err := manifest.Marshal(m)
	if err != nil {
		return err
	}

	succeeded := 0
	for _, s := range e.placement.Servers() {
		path := ftptransport.ManifestPath(s.BasePath, remoteName)
		_, err := retry.Do(ctx, e.retryPolicy, "repair.persistManifest", func(attempt int) error {
			prim, release, aerr := e.pool.Acquire(s.ServerID)
			if aerr != nil {
				return aerr
			}
			defer release()
			return prim.Upload(ctx, path, bytesReader(data), int64(len(data)), nil)
		})
		if err != nil {
			e.log.Warnw("failed to persist repaired manifest", "server", s.ServerID, "error", err)
			continue
		}
		succeeded++
	}
	if succeeded == 0 {
		return ncerrors.New(ncerrors.ManifestCorrupt, "repair.persist", "failed to persist repaired manifest to any server")
	}

	if e.local != nil {
		if err := e.local.Put(ctx, remoteName, m); err != nil {
			e.log.Warnw("failed to refresh local manifest cache after repair", "error", err)
		}
	}
	return nil
}

// Rebalance evens per-server chunk holdings for m. It greedily moves
// chunks from overloaded to underloaded servers,
// deleting the source copy only when that would still leave the chunk at
// >= R replicas.
func (e *Engine) Rebalance(ctx context.Context, m *model.FileManifest, remoteName string) (int, error) {
	moves := 0

	for {
		holdings := countHoldings(m, e.placement.Servers())
		if len(holdings) == 0 {
			break
		}

		total := 0
		for _, n := range holdings {
			total += n
		}
		target := total / len(holdings)
		remainder := total % len(holdings)

		targets := targetHoldings(e.placement.Servers(), target, remainder)

		source, sourceOK := mostOverloaded(holdings, targets)
		sink, sinkOK := mostUnderloaded(holdings, targets)
		if !sourceOK || !sinkOK || source == sink {
			break
		}

		chunk := chunkOnSourceNotSink(m, source, sink)
		if chunk == nil {
			break
		}

		if !e.moveChunk(ctx, chunk, source, sink) {
			break
		}
		moves++
	}

	if moves > 0 {
		if err := e.persist(ctx, remoteName, m); err != nil {
			return moves, err
		}
	}
	return moves, nil
}

func (e *Engine) moveChunk(ctx context.Context, c *model.Chunk, source, sink string) bool {
	sourceLoc, ok := findLocation(c, source)
	if !ok {
		return false
	}

	var payload sizedBuffer
	_, err := retry.Do(ctx, e.retryPolicy, "repair.rebalanceFetch", func(attempt int) error {
		prim, release, aerr := e.pool.Acquire(source)
		if aerr != nil {
			return aerr
		}
		defer release()
		payload.Reset()
		return prim.Download(ctx, sourceLoc.RemotePath, &payload, nil)
	})
	if err != nil || !hashutil.Verify(payload.Bytes(), c.Hash) {
		return false
	}

	sinkDesc, ok := findServer(e.placement.Servers(), sink)
	if !ok {
		return false
	}
	remotePath := ftptransport.ChunkPath(sinkDesc.BasePath, c.ID)

	_, err = retry.Do(ctx, e.retryPolicy, "repair.rebalanceUpload", func(attempt int) error {
		prim, release, aerr := e.pool.Acquire(sink)
		if aerr != nil {
			return aerr
		}
		defer release()
		return prim.Upload(ctx, remotePath, bytesReader(payload.Bytes()), int64(payload.Len()), nil)
	})
	if err != nil {
		return false
	}

	c.Locations = append(c.Locations, model.ChunkLocation{
		ServerID: sink, RemotePath: remotePath, UploadTime: model.Now(), Verified: true, LastVerified: model.Now(),
	})

	if len(c.Locations) > e.repFactor {
		_, derr := retry.Do(ctx, e.retryPolicy, "repair.rebalanceDeleteSource", func(attempt int) error {
			prim, release, aerr := e.pool.Acquire(source)
			if aerr != nil {
				return aerr
			}
			defer release()
			return prim.Delete(ctx, sourceLoc.RemotePath)
		})
		if derr == nil {
			c.RemoveLocation(source)
		}
	}

	return true
}

func countHoldings(m *model.FileManifest, servers []model.ServerDescriptor) map[string]int {
	holdings := make(map[string]int)
	for _, s := range servers {
		holdings[s.ServerID] = 0
	}
	for _, c := range m.Chunks {
		for _, l := range c.Locations {
			holdings[l.ServerID]++
		}
	}
	return holdings
}

func targetHoldings(servers []model.ServerDescriptor, base, remainder int) map[string]int {
	sorted := append([]model.ServerDescriptor(nil), servers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ServerID < sorted[j].ServerID })

	out := make(map[string]int, len(sorted))
	for i, s := range sorted {
		t := base
		if i < remainder {
			t++
		}
		out[s.ServerID] = t
	}
	return out
}

func mostOverloaded(holdings, targets map[string]int) (string, bool) {
	best := ""
	bestDelta := 0
	for id, n := range holdings {
		delta := n - targets[id]
		if delta > bestDelta {
			bestDelta = delta
			best = id
		}
	}
	return best, best != ""
}

func mostUnderloaded(holdings, targets map[string]int) (string, bool) {
	best := ""
	bestDelta := 0
	for id, n := range holdings {
		delta := targets[id] - n
		if delta > bestDelta {
			bestDelta = delta
			best = id
		}
	}
	return best, best != ""
}

func chunkOnSourceNotSink(m *model.FileManifest, source, sink string) *model.Chunk {
	for i := range m.Chunks {
		c := &m.Chunks[i]
		if c.HasServer(source) && !c.HasServer(sink) {
			return c
		}
	}
	return nil
}

func findServer(servers []model.ServerDescriptor, id string) (model.ServerDescriptor, bool) {
	for _, s := range servers {
		if s.ServerID == id {
			return s, true
		}
	}
	return model.ServerDescriptor{}, false
}
