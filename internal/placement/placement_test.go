package placement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pyropy/netchunk/internal/model"
	"github.com/pyropy/netchunk/internal/ncerrors"
)

func desc(id string, latency time.Duration, priority int, status model.ServerStatus) model.ServerDescriptor {
	return model.ServerDescriptor{ServerID: id, Status: status, LastLatency: latency, Priority: priority}
}

func TestSelectRanksByLoadThenLatencyThenPriorityThenID(t *testing.T) {
	servers := []model.ServerDescriptor{
		desc("server_c", 50*time.Millisecond, 1, model.ServerStatusHealthy),
		desc("server_a", 10*time.Millisecond, 1, model.ServerStatusHealthy),
		desc("server_b", 10*time.Millisecond, 5, model.ServerStatusHealthy),
	}
	e := New(servers)

	got, err := e.Select(3, map[string]bool{}, NewFileLoad(nil))
	require.NoError(t, err)
	require.Len(t, got, 3)
	// server_b beats server_a on priority despite equal latency; server_c is slowest.
	require.Equal(t, []string{"server_b", "server_a", "server_c"}, []string{got[0].ServerID, got[1].ServerID, got[2].ServerID})
}

func TestSelectExcludesUnhealthyServers(t *testing.T) {
	servers := []model.ServerDescriptor{
		desc("server_a", 0, 0, model.ServerStatusHealthy),
		desc("server_b", 0, 0, model.ServerStatusUnhealthy),
		desc("server_c", 0, 0, model.ServerStatusHealthy),
	}
	e := New(servers)

	got, err := e.Select(2, map[string]bool{}, NewFileLoad(nil))
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, s := range got {
		require.NotEqual(t, "server_b", s.ServerID)
	}
}

func TestSelectHonorsFileLoadTieBreak(t *testing.T) {
	servers := []model.ServerDescriptor{
		desc("server_a", 0, 0, model.ServerStatusHealthy),
		desc("server_b", 0, 0, model.ServerStatusHealthy),
	}
	e := New(servers)

	chunks := []model.Chunk{
		{Locations: []model.ChunkLocation{{ServerID: "server_a"}}},
	}
	got, err := e.Select(1, map[string]bool{}, NewFileLoad(chunks))
	require.NoError(t, err)
	require.Equal(t, "server_b", got[0].ServerID)
}

func TestSelectReturnsInsufficientServers(t *testing.T) {
	servers := []model.ServerDescriptor{
		desc("server_a", 0, 0, model.ServerStatusHealthy),
	}
	e := New(servers)

	got, err := e.Select(3, map[string]bool{}, NewFileLoad(nil))
	require.Error(t, err)
	require.Equal(t, ncerrors.InsufficientServers, ncerrors.KindOf(err))
	require.Len(t, got, 1)
}

func TestSelectExcludesGivenServerIDs(t *testing.T) {
	servers := []model.ServerDescriptor{
		desc("server_a", 0, 0, model.ServerStatusHealthy),
		desc("server_b", 0, 0, model.ServerStatusHealthy),
	}
	e := New(servers)

	got, err := e.Select(1, map[string]bool{"server_a": true}, NewFileLoad(nil))
	require.NoError(t, err)
	require.Equal(t, "server_b", got[0].ServerID)
}

func TestUpdateServerUpsertsByID(t *testing.T) {
	e := New([]model.ServerDescriptor{desc("server_a", 0, 0, model.ServerStatusUnknown)})

	e.UpdateServer(desc("server_a", 5*time.Millisecond, 0, model.ServerStatusHealthy))
	require.Len(t, e.Servers(), 1)
	require.Equal(t, model.ServerStatusHealthy, e.Servers()[0].Status)

	e.UpdateServer(desc("server_b", 0, 0, model.ServerStatusHealthy))
	require.Len(t, e.Servers(), 2)
}

func TestExcludeSetFromChunk(t *testing.T) {
	c := model.Chunk{Locations: []model.ChunkLocation{{ServerID: "server_a"}, {ServerID: "server_b"}}}
	set := ExcludeSet(c)
	require.True(t, set["server_a"])
	require.True(t, set["server_b"])
	require.False(t, set["server_c"])
}
