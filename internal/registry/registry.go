// Package registry maintains the broker's in-memory index of registered
// agents: identity, callback endpoint, advertised capabilities, and the
// heartbeat timestamps liveness is computed from.
//
// All state is in-memory and intentionally non-persistent: if the broker
// restarts, agents re-register automatically via their registration loop.
// Online/offline is a computed property of the last heartbeat, never a
// stored state.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ansa-io/ansa/internal/a2a"
)

// ErrAgentNotFound is returned when an agent id is not registered.
var ErrAgentNotFound = errors.New("registry: agent not found")

// Record is the broker-internal view of a registered agent:
// the advertised AgentInfo plus liveness bookkeeping.
type Record struct {
	a2a.AgentInfo

	// RegisteredAt is when the current registration was accepted.
	// Reset on re-registration.
	RegisteredAt time.Time

	// LastHeartbeat is nil until the first heartbeat arrives.
	LastHeartbeat *time.Time
}

// Card is the public projection of a Record returned by discovery queries.
type Card struct {
	Name          string         `json:"name"`
	Capabilities  map[string]any `json:"capabilities"`
	CallbackURL   string         `json:"callback_url"`
	Online        bool           `json:"online"`
	LastHeartbeat *time.Time     `json:"last_heartbeat,omitempty"`
}

// Registry is the in-memory agent index. It is safe for concurrent use by
// the HTTP handlers and the liveness sweeper.
//
// The zero value is not usable — create instances with New.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Record

	// heartbeatInterval drives the online window: an agent is online iff
	// its last heartbeat is within 2x this interval.
	heartbeatInterval time.Duration

	logger *zap.Logger
}

// New creates a Registry with the given heartbeat interval.
func New(heartbeatInterval time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		agents:            make(map[string]*Record),
		heartbeatInterval: heartbeatInterval,
		logger:            logger.Named("registry"),
	}
}

// Register stores an agent record and returns its effective id. When the
// submitted info carries no agent_id a fresh opaque id is minted.
// Re-registration with the same id replaces the record — an idempotent
// update of callback and capabilities. The heartbeat clock starts cold.
func (r *Registry) Register(info a2a.AgentInfo) string {
	if info.AgentID == "" {
		info.AgentID = uuid.NewString()
	}
	if info.Capabilities == nil {
		info.Capabilities = map[string]any{}
	}

	r.mu.Lock()
	_, replaced := r.agents[info.AgentID]
	r.agents[info.AgentID] = &Record{
		AgentInfo:    info,
		RegisteredAt: time.Now().UTC(),
	}
	r.mu.Unlock()

	if replaced {
		r.logger.Info("agent re-registered",
			zap.String("agent_id", info.AgentID),
			zap.String("name", info.Name),
			zap.String("callback_url", info.CallbackURL),
		)
	} else {
		r.logger.Info("agent registered",
			zap.String("agent_id", info.AgentID),
			zap.String("name", info.Name),
			zap.String("callback_url", info.CallbackURL),
		)
	}
	return info.AgentID
}

// Deregister removes an agent. Not part of the normal lifecycle — records
// usually die with the broker process — but exposed for operational cleanup.
func (r *Registry) Deregister(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agentID]; !ok {
		return ErrAgentNotFound
	}
	delete(r.agents, agentID)
	r.logger.Info("agent deregistered", zap.String("agent_id", agentID))
	return nil
}

// Heartbeat records a liveness signal for the agent.
func (r *Registry) Heartbeat(agentID string) error {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	rec.LastHeartbeat = &now
	return nil
}

// Get returns a copy of the record for agentID.
func (r *Registry) Get(agentID string) (Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.agents[agentID]
	if !ok {
		return Record{}, ErrAgentNotFound
	}
	return *rec, nil
}

// Online reports whether the agent's last heartbeat is within twice the
// heartbeat interval of now. Agents that never heartbeated are offline.
func (r *Registry) Online(agentID string) bool {
	rec, err := r.Get(agentID)
	if err != nil {
		return false
	}
	return r.online(&rec, time.Now().UTC())
}

func (r *Registry) online(rec *Record, now time.Time) bool {
	if rec.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*rec.LastHeartbeat) < 2*r.heartbeatInterval
}

// Discover returns the cards of all agents matching the given filters.
// Filters are conjunctive; an empty filter matches every agent. Matching
// compares the reserved role and tool capabilities as strings; a
// non-string capability value never matches a non-empty filter.
func (r *Registry) Discover(role, tool string) map[string]Card {
	now := time.Now().UTC()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Card)
	for id, rec := range r.agents {
		if role != "" && capString(rec.Capabilities, a2a.CapRole) != role {
			continue
		}
		if tool != "" && capString(rec.Capabilities, a2a.CapTool) != tool {
			continue
		}
		out[id] = r.card(rec, now, false)
	}
	return out
}

// Services returns the cards of agents whose tool or role capability equals
// service. This is the lookup agents use to resolve a work target.
func (r *Registry) Services(service string) map[string]Card {
	now := time.Now().UTC()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Card)
	for id, rec := range r.agents {
		if capString(rec.Capabilities, a2a.CapTool) == service ||
			capString(rec.Capabilities, a2a.CapRole) == service {
			out[id] = r.card(rec, now, false)
		}
	}
	return out
}

// Cards returns the full card of every registered agent, including the last
// heartbeat timestamp.
func (r *Registry) Cards() map[string]Card {
	now := time.Now().UTC()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Card, len(r.agents))
	for id, rec := range r.agents {
		out[id] = r.card(rec, now, true)
	}
	return out
}

// Status returns the liveness-only summary: agent id → online.
func (r *Registry) Status() map[string]bool {
	now := time.Now().UTC()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]bool, len(r.agents))
	for id, rec := range r.agents {
		out[id] = r.online(rec, now)
	}
	return out
}

// Snapshot returns copies of all records, sorted by agent id so callers
// iterating it behave deterministically.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, *rec)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// card builds the public projection of a record. Capabilities are copied so
// callers cannot mutate registry state through the returned map.
func (r *Registry) card(rec *Record, now time.Time, withHeartbeat bool) Card {
	caps := make(map[string]any, len(rec.Capabilities))
	for k, v := range rec.Capabilities {
		caps[k] = v
	}
	c := Card{
		Name:         rec.Name,
		Capabilities: caps,
		CallbackURL:  rec.CallbackURL,
		Online:       r.online(rec, now),
	}
	if withHeartbeat && rec.LastHeartbeat != nil {
		hb := *rec.LastHeartbeat
		c.LastHeartbeat = &hb
	}
	return c
}

// capString reads a capability value as a string; non-string values never
// match a discovery filter.
func capString(caps map[string]any, key string) string {
	v, ok := caps[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
