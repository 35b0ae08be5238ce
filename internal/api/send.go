package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/ansa-io/ansa/internal/a2a"
	"github.com/ansa-io/ansa/internal/events"
	"github.com/ansa-io/ansa/internal/metrics"
	"github.com/ansa-io/ansa/internal/registry"
)

// TokenVerifier validates a signed envelope token and returns the envelope.
// Implemented by *token.Verifier.
type TokenVerifier interface {
	Verify(tokenString string) (*a2a.Envelope, error)
}

// RouteHandler implements the store-and-forward surface: POST /agent/send
// and POST /agent/heartbeat. Forwarding is pass-through — the original
// token travels unchanged to the recipient's callback, preserving
// end-to-end authenticity.
type RouteHandler struct {
	reg      *registry.Registry
	verifier TokenVerifier
	client   *http.Client
	hub      *events.Hub
	metrics  *metrics.Broker
	logger   *zap.Logger
}

// NewRouteHandler creates a RouteHandler. client is the long-lived HTTP
// client used for callback deliveries; its timeout bounds each forward.
func NewRouteHandler(
	reg *registry.Registry,
	verifier TokenVerifier,
	client *http.Client,
	hub *events.Hub,
	m *metrics.Broker,
	logger *zap.Logger,
) *RouteHandler {
	return &RouteHandler{
		reg:      reg,
		verifier: verifier,
		client:   client,
		hub:      hub,
		metrics:  m,
		logger:   logger.Named("route_handler"),
	}
}

// tokenRequest is the body shape of /agent/send and /agent/heartbeat.
type tokenRequest struct {
	JWT string `json:"jwt"`
}

// statusResponse is the success body for routing endpoints.
type statusResponse struct {
	Status string `json:"status"`
}

// Send handles POST /agent/send.
// The token is verified, the envelope's recipient resolved in the registry,
// and the original token POSTed to the recipient's callback URL. Delivery
// guarantees beyond this single forward belong to the agents' ACK protocol;
// the broker never retries.
func (h *RouteHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	env, err := h.verifier.Verify(req.JWT)
	if err != nil {
		h.logger.Warn("rejected envelope on /agent/send", zap.Error(err))
		ErrVerificationFailed(w)
		return
	}

	if err := env.Validate(); err != nil {
		h.logger.Warn("inconsistent envelope",
			zap.String("message_id", env.MessageID),
			zap.Error(err),
		)
		ErrBadRequest(w, "envelope header does not match inner message")
		return
	}

	// Self-addressed heartbeats arriving here are liveness updates, not
	// traffic to forward.
	if env.Type == a2a.TypeHeartbeat && env.Sender == env.Recipient {
		h.applyHeartbeat(w, env)
		return
	}

	rec, err := h.reg.Get(env.Recipient)
	if err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			h.metrics.RouteFailures.WithLabelValues("unknown_recipient").Inc()
			ErrNotFound(w, "unknown recipient")
			return
		}
		ErrInternal(w)
		return
	}

	if err := h.forward(r, rec.CallbackURL, req.JWT); err != nil {
		h.metrics.RouteFailures.WithLabelValues("callback_error").Inc()
		h.logger.Warn("callback delivery failed",
			zap.String("message_id", env.MessageID),
			zap.String("recipient", env.Recipient),
			zap.String("callback_url", rec.CallbackURL),
			zap.Error(err),
		)
		ErrBadGateway(w, "recipient callback unreachable")
		return
	}

	h.metrics.Routed.Inc()
	h.logger.Info("envelope routed",
		zap.String("message_id", env.MessageID),
		zap.String("type", string(env.Type)),
		zap.String("sender", env.Sender),
		zap.String("recipient", env.Recipient),
	)
	Ok(w, statusResponse{Status: "sent"})
}

// Heartbeat handles POST /agent/heartbeat.
// The token must carry an envelope of type heartbeat from a known sender.
func (h *RouteHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	env, err := h.verifier.Verify(req.JWT)
	if err != nil {
		h.logger.Warn("rejected token on /agent/heartbeat", zap.Error(err))
		ErrVerificationFailed(w)
		return
	}

	if env.Type != a2a.TypeHeartbeat {
		ErrBadRequest(w, "envelope type must be heartbeat")
		return
	}

	h.applyHeartbeat(w, env)
}

// applyHeartbeat records the liveness update and publishes the
// offline→online transition when this heartbeat caused one.
func (h *RouteHandler) applyHeartbeat(w http.ResponseWriter, env *a2a.Envelope) {
	wasOnline := h.reg.Online(env.Sender)

	if err := h.reg.Heartbeat(env.Sender); err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			ErrNotFound(w, "unknown sender")
			return
		}
		ErrInternal(w)
		return
	}

	h.metrics.Heartbeats.Inc()
	h.logger.Debug("heartbeat applied", zap.String("agent_id", env.Sender))

	if !wasOnline && h.hub != nil {
		rec, err := h.reg.Get(env.Sender)
		if err == nil {
			h.hub.Publish(events.Message{
				Type:  events.MsgAgentStatus,
				Topic: "agent:" + env.Sender,
				Payload: events.AgentStatus{
					AgentID: env.Sender,
					Name:    rec.Name,
					Status:  "online",
				},
			})
		}
	}

	Ok(w, statusResponse{Status: "ok"})
}

// forward POSTs the original token to the recipient callback. Any non-2xx
// response counts as a delivery failure.
func (h *RouteHandler) forward(r *http.Request, callbackURL, jwt string) error {
	body, err := json.Marshal(tokenRequest{JWT: jwt})
	if err != nil {
		return fmt.Errorf("marshaling forward body: %w", err)
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering to %s: %w", callbackURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}
