// Package placement implements the placement engine: picking R distinct
// healthy servers per chunk while balancing per-file load.
package placement

import (
	"sort"

	"github.com/pyropy/netchunk/internal/model"
	"github.com/pyropy/netchunk/internal/ncerrors"
)

// Engine chooses target servers for chunk replicas given the current
// server set and per-server health.
type Engine struct {
	servers []model.ServerDescriptor
}

// New builds a placement engine over the configured server set.
func New(servers []model.ServerDescriptor) *Engine {
	return &Engine{servers: append([]model.ServerDescriptor(nil), servers...)}
}

// UpdateServer refreshes one server's live status/latency, as reported by
// the health monitor.
func (e *Engine) UpdateServer(desc model.ServerDescriptor) {
	for i := range e.servers {
		if e.servers[i].ServerID == desc.ServerID {
			e.servers[i] = desc
			return
		}
	}
	e.servers = append(e.servers, desc)
}

// Servers returns the current server set.
func (e *Engine) Servers() []model.ServerDescriptor {
	return append([]model.ServerDescriptor(nil), e.servers...)
}

// fileLoad counts how many chunks of the current file are already placed
// on each server, for the local-load-balance tie-break.
type fileLoad map[string]int

// NewFileLoad derives per-server chunk counts for one file's chunks so far.
func NewFileLoad(chunks []model.Chunk) fileLoad {
	load := make(fileLoad)
	for _, c := range chunks {
		for _, loc := range c.Locations {
			load[loc.ServerID]++
		}
	}
	return load
}

// Select picks up to r distinct, healthy, non-duplicate-holding servers
// for a chunk that currently has replicas on excludeServerIDs.
//
// Servers are ranked by: fewer chunks of this file already placed, then
// lower recent latency, then higher configured priority, then
// lexicographically smaller server_id. Servers whose last health probe
// failed are excluded.
//
// If fewer than r eligible servers exist, Select returns as many as it
// can and a non-nil InsufficientServers error; callers decide how to
// react.
func (e *Engine) Select(r int, excludeServerIDs map[string]bool, load fileLoad) ([]model.ServerDescriptor, error) {
	candidates := make([]model.ServerDescriptor, 0, len(e.servers))
	for _, s := range e.servers {
		if excludeServerIDs[s.ServerID] {
			continue
		}
		if s.Status == model.ServerStatusUnhealthy {
			continue
		}
		candidates = append(candidates, s)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if load[a.ServerID] != load[b.ServerID] {
			return load[a.ServerID] < load[b.ServerID]
		}
		if a.LastLatency != b.LastLatency {
			return a.LastLatency < b.LastLatency
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ServerID < b.ServerID
	})

	if len(candidates) > r {
		candidates = candidates[:r]
	}

	if len(candidates) < r {
		return candidates, ncerrors.New(ncerrors.InsufficientServers, "placement.Select",
			"fewer than replication_factor healthy, non-duplicate servers available")
	}

	return candidates, nil
}

// ExcludeSet builds the set of server ids a chunk already holds a
// replica on, for use as Select's excludeServerIDs.
func ExcludeSet(c model.Chunk) map[string]bool {
	out := make(map[string]bool, len(c.Locations))
	for _, l := range c.Locations {
		out[l.ServerID] = true
	}
	return out
}
