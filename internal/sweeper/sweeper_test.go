package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ansa-io/ansa/internal/a2a"
	"github.com/ansa-io/ansa/internal/events"
	"github.com/ansa-io/ansa/internal/metrics"
	"github.com/ansa-io/ansa/internal/registry"
)

const testInterval = 50 * time.Millisecond

func newTestSweeper(t *testing.T, reg *registry.Registry, hub *events.Hub) *Sweeper {
	t.Helper()
	s, err := New(reg, hub, metrics.NewBroker(prometheus.NewRegistry()), testInterval, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestSweepReportsOfflineTransitionOnce(t *testing.T) {
	reg := registry.New(testInterval, zap.NewNop())
	s := newTestSweeper(t, reg, nil)

	id := reg.Register(a2a.AgentInfo{Name: "a", CallbackURL: "http://a/inbox"})
	require.NoError(t, reg.Heartbeat(id))

	s.sweep()
	assert.True(t, s.lastOnline[id])

	// Let the heartbeat age out of the 2x window.
	time.Sleep(2*testInterval + 10*time.Millisecond)

	s.sweep()
	assert.False(t, s.lastOnline[id])

	// A second sweep sees no further transition.
	s.sweep()
	assert.False(t, s.lastOnline[id])
}

func TestSweepForgetsDeregisteredAgents(t *testing.T) {
	reg := registry.New(testInterval, zap.NewNop())
	s := newTestSweeper(t, reg, nil)

	id := reg.Register(a2a.AgentInfo{Name: "a", CallbackURL: "http://a/inbox"})
	s.sweep()
	require.Contains(t, s.lastOnline, id)

	require.NoError(t, reg.Deregister(id))
	s.sweep()
	assert.NotContains(t, s.lastOnline, id)
}

func TestStartAndStop(t *testing.T) {
	reg := registry.New(testInterval, zap.NewNop())

	hub := events.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	s := newTestSweeper(t, reg, hub)
	require.NoError(t, s.Start())

	id := reg.Register(a2a.AgentInfo{Name: "a", CallbackURL: "http://a/inbox"})
	require.NoError(t, reg.Heartbeat(id))

	// Give the scheduler a few ticks, then stop and inspect safely.
	time.Sleep(3 * testInterval)
	require.NoError(t, s.Stop())

	assert.Contains(t, s.lastOnline, id)
}
