package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pyropy/netchunk/internal/ftptransport"
	"github.com/pyropy/netchunk/internal/model"
	"github.com/pyropy/netchunk/internal/placement"
)

func newTestHealthMonitor(t *testing.T, servers []model.ServerDescriptor, fakes map[string]*ftptransport.FakeServer, interval time.Duration) *HealthMonitor {
	t.Helper()
	pool := ftptransport.NewPoolWithFactory(servers, time.Second, 8, ftptransport.FakeFactory(fakes))
	pe := placement.New(servers)
	log := zap.NewNop().Sugar()
	return NewHealthMonitor(pool, pe, interval, log)
}

func TestProbeOnceMarksReachableServersHealthy(t *testing.T) {
	servers := testServers(2)
	fakes := map[string]*ftptransport.FakeServer{
		"server_a": ftptransport.NewFakeServer(),
		"server_b": ftptransport.NewFakeServer(),
	}
	h := newTestHealthMonitor(t, servers, fakes, time.Millisecond)

	results := h.ProbeOnce(context.Background())
	require.Len(t, results, 2)
	for _, s := range results {
		require.Equal(t, model.ServerStatusHealthy, s.Status)
	}
}

func TestProbeOnceMarksDownServerUnhealthy(t *testing.T) {
	servers := testServers(2)
	fakes := map[string]*ftptransport.FakeServer{
		"server_a": ftptransport.NewFakeServer(),
		"server_b": ftptransport.NewFakeServer(),
	}
	fakes["server_a"].SetDown(true)
	h := newTestHealthMonitor(t, servers, fakes, time.Millisecond)

	results := h.ProbeOnce(context.Background())

	var sawUnhealthy, sawHealthy bool
	for _, s := range results {
		switch s.ServerID {
		case "server_a":
			sawUnhealthy = s.Status == model.ServerStatusUnhealthy
		case "server_b":
			sawHealthy = s.Status == model.ServerStatusHealthy
		}
	}
	require.True(t, sawUnhealthy)
	require.True(t, sawHealthy)
}

func TestRunStopsWhenContextCancelled(t *testing.T) {
	servers := testServers(1)
	fakes := map[string]*ftptransport.FakeServer{"server_a": ftptransport.NewFakeServer()}
	h := newTestHealthMonitor(t, servers, fakes, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
