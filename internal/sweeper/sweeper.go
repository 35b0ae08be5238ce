// Package sweeper runs the broker's periodic liveness sweep. Online is a
// computed property of the registry, so nothing has to change when an agent
// goes stale — but operators still want the transition observed: the sweep
// logs it, publishes an agent.status event, and keeps the online gauge
// current.
package sweeper

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/ansa-io/ansa/internal/events"
	"github.com/ansa-io/ansa/internal/metrics"
	"github.com/ansa-io/ansa/internal/registry"
)

// Sweeper owns the gocron scheduler running the sweep job.
type Sweeper struct {
	reg     *registry.Registry
	hub     *events.Hub
	metrics *metrics.Broker
	logger  *zap.Logger

	scheduler gocron.Scheduler
	interval  time.Duration

	// lastOnline remembers the previous sweep's verdict per agent so a
	// transition is reported exactly once. Only the sweep goroutine
	// touches it — gocron runs the job in singleton mode.
	lastOnline map[string]bool
}

// New creates a Sweeper that checks the registry every interval.
// hub may be nil when the event feed is disabled.
func New(reg *registry.Registry, hub *events.Hub, m *metrics.Broker, interval time.Duration, logger *zap.Logger) (*Sweeper, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("sweeper: creating scheduler: %w", err)
	}

	return &Sweeper{
		reg:        reg,
		hub:        hub,
		metrics:    m,
		logger:     logger.Named("sweeper"),
		scheduler:  scheduler,
		interval:   interval,
		lastOnline: make(map[string]bool),
	}, nil
}

// Start registers the sweep job and starts the scheduler.
func (s *Sweeper) Start() error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("sweeper: registering sweep job: %w", err)
	}

	s.scheduler.Start()
	s.logger.Info("liveness sweeper started", zap.Duration("interval", s.interval))
	return nil
}

// Stop shuts the scheduler down, waiting for a running sweep to finish.
func (s *Sweeper) Stop() error {
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("sweeper: shutdown: %w", err)
	}
	return nil
}

// sweep compares the current liveness verdict of every agent against the
// previous sweep and reports transitions.
func (s *Sweeper) sweep() {
	status := s.reg.Status()

	online := 0
	for agentID, isOnline := range status {
		if isOnline {
			online++
		}

		was, seen := s.lastOnline[agentID]
		s.lastOnline[agentID] = isOnline

		if seen && was && !isOnline {
			s.logger.Warn("agent went offline", zap.String("agent_id", agentID))
			s.publishOffline(agentID)
		}
	}

	// Drop agents that disappeared from the registry entirely.
	for agentID := range s.lastOnline {
		if _, ok := status[agentID]; !ok {
			delete(s.lastOnline, agentID)
		}
	}

	s.metrics.AgentsOnline.Set(float64(online))
}

func (s *Sweeper) publishOffline(agentID string) {
	if s.hub == nil {
		return
	}

	name := ""
	if rec, err := s.reg.Get(agentID); err == nil {
		name = rec.Name
	}

	s.hub.Publish(events.Message{
		Type:  events.MsgAgentStatus,
		Topic: "agent:" + agentID,
		Payload: events.AgentStatus{
			AgentID: agentID,
			Name:    name,
			Status:  "offline",
		},
	})
}
