package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ansa-io/ansa/internal/a2a"
	"github.com/ansa-io/ansa/internal/events"
	"github.com/ansa-io/ansa/internal/metrics"
	"github.com/ansa-io/ansa/internal/registry"
)

// AgentHandler groups the registration and discovery handlers.
type AgentHandler struct {
	reg     *registry.Registry
	hub     *events.Hub
	metrics *metrics.Broker
	logger  *zap.Logger
}

// NewAgentHandler creates a new AgentHandler. hub may be nil when the event
// feed is disabled.
func NewAgentHandler(reg *registry.Registry, hub *events.Hub, m *metrics.Broker, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		reg:     reg,
		hub:     hub,
		metrics: m,
		logger:  logger.Named("agent_handler"),
	}
}

// registerResponse is the body returned by POST /agent/register.
type registerResponse struct {
	AgentID string `json:"agent_id"`
}

// Register handles POST /agent/register.
// Accepts an AgentInfo and returns the effective agent id. Re-registration
// with the same id replaces the stored record.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var info a2a.AgentInfo
	if !decodeJSON(w, r, &info) {
		return
	}

	if info.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	if info.CallbackURL == "" {
		ErrBadRequest(w, "callback_url is required")
		return
	}

	id := h.reg.Register(info)
	h.metrics.Registrations.Inc()
	h.publishStatus(id, info.Name, "registered")

	Ok(w, registerResponse{AgentID: id})
}

// Discover handles GET /agent/discover?role=…&tool=….
// Filters are conjunctive; missing filters match all agents.
func (h *AgentHandler) Discover(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	tool := r.URL.Query().Get("tool")
	Ok(w, h.reg.Discover(role, tool))
}

// Services handles GET /agent/services?service=X — the lookup agents use to
// resolve a work target by tool or role name.
func (h *AgentHandler) Services(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.reg.Services(r.URL.Query().Get("service")))
}

// Cards handles GET /agent/cards.
func (h *AgentHandler) Cards(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.reg.Cards())
}

// Card handles GET /agent/card/{agent_id}.
func (h *AgentHandler) Card(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "agent_id")

	rec, err := h.reg.Get(id)
	if err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			ErrNotFound(w, "unknown agent id")
			return
		}
		h.logger.Error("failed to load agent card", zap.String("agent_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	cards := h.reg.Cards()
	Ok(w, cards[rec.AgentID])
}

// Status handles GET /agent/status — the liveness-only summary.
func (h *AgentHandler) Status(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.reg.Status())
}

// Events handles GET /agent/events: upgrades to WebSocket and streams
// agent.status transitions until the peer disconnects.
func (h *AgentHandler) Events(w http.ResponseWriter, r *http.Request) {
	client, err := events.NewClient(h.hub, w, r, h.logger)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}

func (h *AgentHandler) publishStatus(agentID, name, status string) {
	if h.hub == nil {
		return
	}
	h.hub.Publish(events.Message{
		Type:  events.MsgAgentStatus,
		Topic: "agent:" + agentID,
		Payload: events.AgentStatus{
			AgentID: agentID,
			Name:    name,
			Status:  status,
		},
	})
}
