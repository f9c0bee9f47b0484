package repair

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pyropy/netchunk/internal/ftptransport"
	"github.com/pyropy/netchunk/internal/hashutil"
	"github.com/pyropy/netchunk/internal/model"
	"github.com/pyropy/netchunk/internal/placement"
	"github.com/pyropy/netchunk/internal/retry"
)

func testServers(n int) []model.ServerDescriptor {
	out := make([]model.ServerDescriptor, n)
	for i := 0; i < n; i++ {
		out[i] = model.ServerDescriptor{
			ServerID: "server_" + string(rune('a'+i)),
			BasePath: "/data",
			Status:   model.ServerStatusHealthy,
		}
	}
	return out
}

func newTestEngine(servers []model.ServerDescriptor, fakes map[string]*ftptransport.FakeServer, repFactor int) *Engine {
	pool := ftptransport.NewPoolWithFactory(servers, time.Second, 8, ftptransport.FakeFactory(fakes))
	pe := placement.New(servers)
	log := zap.NewNop().Sugar()
	rp := retry.Policy{Attempts: 2, BaseDelay: time.Millisecond}
	return New(pool, pe, nil, log, rp, repFactor)
}

// seedChunk uploads payload to every given server and returns a manifest
// chunk pointing at all of them.
func seedChunk(t *testing.T, fakes map[string]*ftptransport.FakeServer, servers []model.ServerDescriptor, payload []byte) model.Chunk {
	t.Helper()
	hash := hashutil.Sum(payload)
	c := model.Chunk{ID: "chunk0", Sequence: 0, Size: int64(len(payload)), Hash: hash}
	for _, s := range servers {
		path := ftptransport.ChunkPath(s.BasePath, c.ID)
		require.NoError(t, fakes[s.ServerID].Upload(context.Background(), path, bytes.NewReader(payload), int64(len(payload)), nil))
		c.Locations = append(c.Locations, model.ChunkLocation{ServerID: s.ServerID, RemotePath: path, Verified: true})
	}
	return c
}

func TestVerifyClassifiesHealthyChunk(t *testing.T) {
	servers := testServers(3)
	fakes := map[string]*ftptransport.FakeServer{
		"server_a": ftptransport.NewFakeServer(),
		"server_b": ftptransport.NewFakeServer(),
		"server_c": ftptransport.NewFakeServer(),
	}
	e := newTestEngine(servers, fakes, 3)

	c := seedChunk(t, fakes, servers, []byte("hello distributed world"))
	m := &model.FileManifest{Chunks: []model.Chunk{c}, ReplicationFactor: 3}

	report, err := e.Run(context.Background(), m, "doc.bin", VerifyOnly)
	require.NoError(t, err)
	require.Equal(t, 1, report.Healthy)
	require.False(t, report.ManifestChanged)
}

func TestAutoRepairCleansUpCorruptedReplicaAndRefills(t *testing.T) {
	servers := testServers(4)
	fakes := map[string]*ftptransport.FakeServer{}
	for _, s := range servers {
		fakes[s.ServerID] = ftptransport.NewFakeServer()
	}
	e := newTestEngine(servers, fakes, 3)

	payload := []byte("payload that must survive corruption of one replica")
	c := seedChunk(t, fakes, servers[:3], payload)
	m := &model.FileManifest{Chunks: []model.Chunk{c}, ReplicationFactor: 3}

	corruptPath := ftptransport.ChunkPath(servers[0].BasePath, c.ID)
	fakes[servers[0].ServerID].Corrupt(corruptPath)

	report, err := e.Run(context.Background(), m, "doc.bin", AutoRepair)
	require.NoError(t, err)
	require.Equal(t, 1, report.ChunksVerified)
	require.True(t, report.ManifestChanged)
	require.Len(t, m.Chunks[0].Locations, 3, "refill must restore the target replication factor")

	verify, err := e.Run(context.Background(), m, "doc.bin", VerifyOnly)
	require.NoError(t, err)
	require.Equal(t, model.HealthHealthy, verify.Chunks[0].Health, "every surviving replica must now verify clean")
}

func TestUnreachableServerIsNotTreatedAsCorruption(t *testing.T) {
	servers := testServers(3)
	fakes := map[string]*ftptransport.FakeServer{}
	for _, s := range servers {
		fakes[s.ServerID] = ftptransport.NewFakeServer()
	}
	e := newTestEngine(servers, fakes, 3)

	payload := []byte("data present on two of three replicas' servers")
	c := seedChunk(t, fakes, servers, payload)
	m := &model.FileManifest{Chunks: []model.Chunk{c}, ReplicationFactor: 3}

	fakes[servers[2].ServerID].SetDown(true)

	report, err := e.Run(context.Background(), m, "doc.bin", VerifyOnly)
	require.NoError(t, err)
	require.Equal(t, model.HealthDegraded, report.Chunks[0].Health)
	require.Contains(t, report.Chunks[0].UnreachableServers, servers[2].ServerID)
	require.Empty(t, report.Chunks[0].CorruptedServers)

	// VerifyOnly must not mutate the manifest even though a server is down.
	require.Len(t, m.Chunks[0].Locations, 3)
}

func TestRepairNeverDropsLastVerifiedReplica(t *testing.T) {
	servers := testServers(1)
	fakes := map[string]*ftptransport.FakeServer{"server_a": ftptransport.NewFakeServer()}
	e := newTestEngine(servers, fakes, 3)

	payload := []byte("only one copy of this ever existed")
	c := seedChunk(t, fakes, servers, payload)
	fakes["server_a"].Corrupt(c.Locations[0].RemotePath)
	m := &model.FileManifest{Chunks: []model.Chunk{c}, ReplicationFactor: 3}

	report, err := e.Run(context.Background(), m, "doc.bin", AutoRepair)
	require.NoError(t, err)
	require.Equal(t, model.HealthLost, report.Chunks[0].Health)
	require.Len(t, m.Chunks[0].Locations, 1, "the only replica must never be deleted even though it is corrupt")
}

func TestRebalanceEvensOutHoldings(t *testing.T) {
	servers := testServers(3)
	fakes := map[string]*ftptransport.FakeServer{}
	for _, s := range servers {
		fakes[s.ServerID] = ftptransport.NewFakeServer()
	}
	e := newTestEngine(servers, fakes, 2)

	c1 := seedChunk(t, fakes, servers[:2], []byte("chunk one payload"))
	c1.ID = "chunk1"
	c2 := model.Chunk{ID: "chunk2", Sequence: 1}
	payload2 := []byte("chunk two payload data")
	c2.Hash = hashutil.Sum(payload2)
	c2.Size = int64(len(payload2))
	for _, s := range servers[:2] {
		path := ftptransport.ChunkPath(s.BasePath, c2.ID)
		require.NoError(t, fakes[s.ServerID].Upload(context.Background(), path, bytes.NewReader(payload2), int64(len(payload2)), nil))
		c2.Locations = append(c2.Locations, model.ChunkLocation{ServerID: s.ServerID, RemotePath: path, Verified: true})
	}

	m := &model.FileManifest{Chunks: []model.Chunk{c1, c2}, ReplicationFactor: 2}

	moves, err := e.Rebalance(context.Background(), m, "doc.bin")
	require.NoError(t, err)
	require.GreaterOrEqual(t, moves, 0)

	holdings := map[string]int{}
	for _, c := range m.Chunks {
		for _, l := range c.Locations {
			holdings[l.ServerID]++
		}
	}
	require.Contains(t, holdings, servers[2].ServerID, "the empty server should receive at least one chunk")
}
