// Package orchestrator drives whole-file upload, download and delete
// operations, fanning out per-chunk replica transfers across the
// configured servers and collecting statistics.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pyropy/netchunk/internal/chunker"
	"github.com/pyropy/netchunk/internal/ftptransport"
	"github.com/pyropy/netchunk/internal/hashutil"
	"github.com/pyropy/netchunk/internal/manifest"
	"github.com/pyropy/netchunk/internal/manifeststore"
	"github.com/pyropy/netchunk/internal/model"
	"github.com/pyropy/netchunk/internal/ncerrors"
	"github.com/pyropy/netchunk/internal/placement"
	"github.com/pyropy/netchunk/internal/retry"
)

// Stats summarizes one whole-file operation.
type Stats struct {
	Bytes          int64
	ChunkCount     int
	ServersTouched map[string]bool
	Retries        int
}

func newStats() *Stats {
	return &Stats{ServersTouched: make(map[string]bool)}
}

// Orchestrator ties the chunker, placement engine, transport pool and
// manifest store together for upload/download/delete.
type Orchestrator struct {
	pool        *ftptransport.Pool
	placement   *placement.Engine
	local       *manifeststore.Store
	log         *zap.SugaredLogger
	retryPolicy retry.Policy

	replicationFactor   int
	minReplicasRequired int
	chunkSize           int64

	mu sync.Mutex // serializes writers of a given manifest
}

// New builds an Orchestrator.
func New(pool *ftptransport.Pool, pe *placement.Engine, local *manifeststore.Store, log *zap.SugaredLogger,
	replicationFactor, minReplicasRequired int, chunkSize int64, rp retry.Policy) *Orchestrator {
	return &Orchestrator{
		pool:                 pool,
		placement:            pe,
		local:                local,
		log:                  log,
		retryPolicy:          rp,
		replicationFactor:    replicationFactor,
		minReplicasRequired:  minReplicasRequired,
		chunkSize:            chunkSize,
	}
}

// Upload splits localPath into chunks, places R replicas of each on
// distinct servers, and persists the resulting manifest to every server
// and the local cache.
func (o *Orchestrator) Upload(ctx context.Context, localPath, remoteName string, progress ftptransport.ProgressFunc) (*model.FileManifest, *Stats, error) {
	stats := newStats()

	ck, err := chunker.Open(localPath, o.chunkSize)
	if err != nil {
		return nil, stats, err
	}
	defer ck.Close()

	m := manifest.New(remoteName, ck.FileSize(), o.chunkSize, ck.FileHash(), o.replicationFactor, o.minReplicasRequired)

	for {
		c, err := ck.Next()
		if err == chunker.ErrEndOfSequence {
			break
		}
		if err != nil {
			return nil, stats, err
		}

		load := placement.NewFileLoad(m.Chunks)
		targets, plErr := o.placement.Select(o.replicationFactor, map[string]bool{}, load)
		if plErr != nil && len(targets) == 0 {
			return nil, stats, ncerrors.Wrap(ncerrors.UploadFailed, "orchestrator.Upload",
				fmt.Errorf("no servers available for chunk %d: %w", c.Sequence, plErr))
		}

		locations, uploadRetries, uploadErr := o.uploadChunkToTargets(ctx, c, targets, stats, progress)
		stats.Retries += uploadRetries

		if len(locations) == 0 {
			return nil, stats, ncerrors.Wrap(ncerrors.UploadFailed, "orchestrator.Upload",
				fmt.Errorf("chunk %d: all %d replica uploads failed: %v", c.Sequence, len(targets), uploadErr))
		}

		mc := model.Chunk{
			ID:        c.ID,
			Sequence:  c.Sequence,
			Size:      int64(len(c.Payload)),
			Hash:      c.Hash,
			CreatedAt: model.Now(),
			Locations: locations,
		}
		m.Chunks = append(m.Chunks, mc)
		stats.Bytes += int64(len(c.Payload))
		stats.ChunkCount++

		if len(locations) < o.replicationFactor {
			o.log.Warnw("chunk under-replicated after upload", "sequence", c.Sequence, "replicas", len(locations), "target", o.replicationFactor)
		}
	}

	m.ChunkCount = len(m.Chunks)
	m.LastModified = model.Now()

	if err := manifest.Validate(m); err != nil {
		return nil, stats, err
	}

	if err := o.persistManifest(ctx, remoteName, m, stats); err != nil {
		return nil, stats, err
	}

	return m, stats, nil
}

// uploadChunkToTargets fans out one chunk's replica uploads to targets in
// parallel and returns the locations that succeeded, in target order.
func (o *Orchestrator) uploadChunkToTargets(ctx context.Context, c *chunker.Chunk, targets []model.ServerDescriptor, stats *Stats, progress ftptransport.ProgressFunc) ([]model.ChunkLocation, int, error) {
	var (
		mu        sync.Mutex
		locations []model.ChunkLocation
		results   = make([]*model.ChunkLocation, len(targets))
		retries   int
		lastErr   error
	)

	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			remotePath := ftptransport.ChunkPath(target.BasePath, c.ID)

			res, err := retry.Do(gctx, o.retryPolicy, "orchestrator.uploadChunk", func(attempt int) error {
				prim, release, aerr := o.pool.Acquire(target.ServerID)
				if aerr != nil {
					return aerr
				}
				defer release()
				return prim.Upload(gctx, remotePath, byteReader(c.Payload), int64(len(c.Payload)), progress)
			})

			mu.Lock()
			retries += res.Retries
			mu.Unlock()

			if err != nil {
				o.log.Warnw("chunk replica upload failed", "server", target.ServerID, "chunk", c.ID, "error", err)
				mu.Lock()
				lastErr = err
				mu.Unlock()
				return nil // best-effort: one failed replica must not abort the others
			}

			mu.Lock()
			results[i] = &model.ChunkLocation{
				ServerID:     target.ServerID,
				RemotePath:   remotePath,
				UploadTime:   model.Now(),
				Verified:     true,
				LastVerified: model.Now(),
			}
			stats.ServersTouched[target.ServerID] = true
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	for _, loc := range results {
		if loc != nil {
			locations = append(locations, *loc)
		}
	}
	return locations, retries, lastErr
}

// persistManifest writes m to every configured server (best effort) and
// to the local cache; at least one remote write must succeed.
func (o *Orchestrator) persistManifest(ctx context.Context, remoteName string, m *model.FileManifest, stats *Stats) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	data, err := manifest.Marshal(m)
	if err != nil {
		return err
	}

	var (
		mu        sync.Mutex
		succeeded int
		errs      *multierror.Error
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range o.placement.Servers() {
		s := s
		g.Go(func() error {
			path := ftptransport.ManifestPath(s.BasePath, remoteName)
			res, err := retry.Do(gctx, o.retryPolicy, "orchestrator.persistManifest", func(attempt int) error {
				prim, release, aerr := o.pool.Acquire(s.ServerID)
				if aerr != nil {
					return aerr
				}
				defer release()
				return prim.Upload(gctx, path, byteReader(data), int64(len(data)), nil)
			})

			mu.Lock()
			defer mu.Unlock()
			stats.Retries += res.Retries
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", s.ServerID, err))
				return nil
			}
			succeeded++
			stats.ServersTouched[s.ServerID] = true
			return nil
		})
	}
	_ = g.Wait()

	if succeeded == 0 {
		return ncerrors.Wrap(ncerrors.UploadFailed, "orchestrator.persistManifest", errs.ErrorOrNil())
	}

	if o.local != nil {
		if err := o.local.Put(ctx, remoteName, m); err != nil {
			o.log.Warnw("failed to update local manifest cache", "remoteName", remoteName, "error", err)
		}
	}

	return nil
}

// FetchManifest fetches the manifest for remoteName from any server that
// returns a valid one, falling back to the local cache if every server
// is unreachable.
func (o *Orchestrator) FetchManifest(ctx context.Context, remoteName string) (*model.FileManifest, error) {
	var lastErr error
	for _, s := range o.placement.Servers() {
		path := ftptransport.ManifestPath(s.BasePath, remoteName)

		var buf sizedBuffer
		_, err := retry.Do(ctx, o.retryPolicy, "orchestrator.fetchManifest", func(attempt int) error {
			prim, release, aerr := o.pool.Acquire(s.ServerID)
			if aerr != nil {
				return aerr
			}
			defer release()
			buf.Reset()
			return prim.Download(ctx, path, &buf, nil)
		})
		if err != nil {
			lastErr = err
			continue
		}

		m, verr := manifest.Unmarshal(buf.Bytes())
		if verr != nil {
			lastErr = verr
			continue
		}
		return m, nil
	}

	if o.local != nil {
		if cached, cerr := o.local.Get(ctx, remoteName); cerr == nil {
			o.log.Warnw("serving manifest from local cache, no server reachable", "remoteName", remoteName, "error", lastErr)
			return cached, nil
		}
	}

	return nil, ncerrors.Wrap(ncerrors.DownloadFailed, "orchestrator.FetchManifest",
		fmt.Errorf("no server returned a valid manifest for %s: %w", remoteName, lastErr))
}

// Download fetches the manifest, then reconstructs localPath sequentially
// from any surviving hash-verified replica of each chunk.
func (o *Orchestrator) Download(ctx context.Context, remoteName, localPath string, verifyWholeFile bool) (*Stats, error) {
	stats := newStats()

	m, err := o.FetchManifest(ctx, remoteName)
	if err != nil {
		return stats, err
	}

	out, err := os.OpenFile(localPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return stats, ncerrors.Wrap(ncerrors.FileAccess, "orchestrator.Download", err)
	}

	fileHasher := newHasher()

	for _, c := range m.Chunks {
		payload, retries, err := o.downloadVerifiedChunk(ctx, c, stats)
		stats.Retries += retries
		if err != nil {
			out.Close()
			os.Remove(localPath)
			return stats, ncerrors.Wrap(ncerrors.DownloadFailed, "orchestrator.Download",
				fmt.Errorf("chunk %d: no replica verified: %w", c.Sequence, err))
		}

		if _, werr := out.Write(payload); werr != nil {
			out.Close()
			os.Remove(localPath)
			return stats, ncerrors.Wrap(ncerrors.Io, "orchestrator.Download", werr)
		}
		fileHasher.Write(payload)
		stats.Bytes += int64(len(payload))
		stats.ChunkCount++
	}

	if err := out.Close(); err != nil {
		return stats, ncerrors.Wrap(ncerrors.Io, "orchestrator.Download", err)
	}

	if verifyWholeFile {
		if fileHasher.SumHex() != m.FileHash {
			os.Remove(localPath)
			return stats, ncerrors.New(ncerrors.ChunkIntegrity, "orchestrator.Download", "reconstructed file hash mismatch")
		}
	}

	return stats, nil
}

// downloadVerifiedChunk tries each of a chunk's locations in order until
// one produces a payload whose SHA-256 matches the recorded hash.
func (o *Orchestrator) downloadVerifiedChunk(ctx context.Context, c model.Chunk, stats *Stats) ([]byte, int, error) {
	var lastErr error
	totalRetries := 0

	for _, loc := range c.Locations {
		var buf sizedBuffer
		res, err := retry.Do(ctx, o.retryPolicy, "orchestrator.downloadChunk", func(attempt int) error {
			prim, release, aerr := o.pool.Acquire(loc.ServerID)
			if aerr != nil {
				return aerr
			}
			defer release()
			buf.Reset()
			return prim.Download(ctx, loc.RemotePath, &buf, nil)
		})
		totalRetries += res.Retries

		if err != nil {
			o.log.Warnw("chunk download failed, trying next replica", "server", loc.ServerID, "chunk", c.ID, "error", err)
			lastErr = err
			continue
		}

		if !hashutil.Verify(buf.Bytes(), c.Hash) {
			o.log.Errorw("chunk replica failed integrity check", "server", loc.ServerID, "chunk", c.ID)
			lastErr = ncerrors.New(ncerrors.ChunkIntegrity, "orchestrator.downloadChunk", "hash mismatch on "+loc.ServerID)
			continue
		}

		stats.ServersTouched[loc.ServerID] = true
		return append([]byte(nil), buf.Bytes()...), totalRetries, nil
	}

	return nil, totalRetries, lastErr
}

// Delete removes every replica of every chunk (best effort) then the
// manifest itself from every server.
func (o *Orchestrator) Delete(ctx context.Context, remoteName string) error {
	m, err := o.FetchManifest(ctx, remoteName)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range m.Chunks {
		for _, loc := range c.Locations {
			loc := loc
			g.Go(func() error {
				_, err := retry.Do(gctx, o.retryPolicy, "orchestrator.deleteChunk", func(attempt int) error {
					prim, release, aerr := o.pool.Acquire(loc.ServerID)
					if aerr != nil {
						return aerr
					}
					defer release()
					return prim.Delete(gctx, loc.RemotePath)
				})
				if err != nil {
					o.log.Warnw("failed to delete chunk replica", "server", loc.ServerID, "path", loc.RemotePath, "error", err)
				}
				return nil // failures are logged, not fatal
			})
		}
	}
	_ = g.Wait()

	var errs *multierror.Error
	for _, s := range o.placement.Servers() {
		path := ftptransport.ManifestPath(s.BasePath, remoteName)
		_, err := retry.Do(ctx, o.retryPolicy, "orchestrator.deleteManifest", func(attempt int) error {
			prim, release, aerr := o.pool.Acquire(s.ServerID)
			if aerr != nil {
				return aerr
			}
			defer release()
			return prim.Delete(ctx, path)
		})
		if err != nil && !ncerrors.Is(err, ncerrors.FileNotFound) {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", s.ServerID, err))
		}
	}

	if o.local != nil {
		_ = o.local.Delete(ctx, remoteName)
	}

	return errs.ErrorOrNil()
}

// ListRemote unions the manifest directory listing across every
// responsive server, deduplicated by remote name.
func (o *Orchestrator) ListRemote(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var names []string
	var lastErr error

	for _, s := range o.placement.Servers() {
		prim, release, err := o.pool.Acquire(s.ServerID)
		if err != nil {
			lastErr = err
			continue
		}
		entries, err := prim.List(ctx, ftptransport.ManifestsDir(s.BasePath))
		release()
		if err != nil {
			lastErr = err
			continue
		}
		for _, e := range entries {
			name := trimManifestSuffix(e.Name)
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}

	if len(names) == 0 && lastErr != nil {
		return nil, ncerrors.Wrap(ncerrors.ServerUnavailable, "orchestrator.ListRemote", lastErr)
	}
	return names, nil
}

// List returns every known remote file name. It prefers a live directory
// listing across the configured servers; when none of them answer, it
// falls back to whatever the local cache last saw so an offline client
// can still report what it knows about.
func (o *Orchestrator) List(ctx context.Context) ([]string, error) {
	names, err := o.ListRemote(ctx)
	if err == nil {
		return names, nil
	}

	if o.local == nil {
		return nil, err
	}

	cached, cerr := o.local.All(ctx)
	if cerr != nil || len(cached) == 0 {
		return nil, err
	}

	o.log.Warnw("list falling back to local cache, no server reachable", "error", err)
	out := make([]string, 0, len(cached))
	for _, m := range cached {
		out = append(out, m.OriginalFilename)
	}
	return out, nil
}

func trimManifestSuffix(name string) string {
	const suffix = ".manifest"
	if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
		return name[:len(name)-len(suffix)]
	}
	return name
}
