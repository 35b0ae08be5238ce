// Package runtime implements the agent side of the A2A fabric: the
// registration loop, the heartbeat loop, reliable envelope delivery with
// ACK-driven retransmission, inbox dispatch, and correlation of responses
// back to waiting requests.
//
// One Runtime instance backs one agent process. Handlers and loops share
// the two pending tables (acks, replies); both tolerate concurrent access
// from the inbox handler and the send path.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ansa-io/ansa/internal/a2a"
	"github.com/ansa-io/ansa/internal/metrics"
	"github.com/ansa-io/ansa/internal/token"
)

// Defaults for the reliable send and registration protocol.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultBaseAckTimeout    = 5 * time.Second
	DefaultMaxAckAttempts    = 3
	DefaultReplyTimeout      = 30 * time.Second

	DefaultRegisterGrace    = 5 * time.Second
	DefaultRegisterAttempts = 5

	// ackSendTimeout bounds the fire-and-forget delivery of an ACK.
	ackSendTimeout = 15 * time.Second

	// dedupWindow is how long processed query ids are remembered so a
	// retransmitted query is re-ACKed without being re-executed.
	dedupWindow = 10 * time.Minute
)

// Sentinel errors surfaced by the send and request paths.
var (
	ErrNotRegistered = errors.New("runtime: not yet registered with broker")
	ErrAckTimeout    = errors.New("runtime: no ack received after all attempts")
	ErrReplyTimeout  = errors.New("runtime: timed out waiting for response")
	ErrRegistration  = errors.New("runtime: could not register with broker")
)

// QueryExecutor evaluates the work a query envelope asks for. It is the
// thin seam to the external analytical service.
type QueryExecutor interface {
	Execute(ctx context.Context, query string) ([]map[string]any, error)
}

// Config parameterizes a Runtime.
type Config struct {
	// LogicalName is the agent's role name — also the token issuer.
	LogicalName string

	// CallbackURL is this agent's inbox URL advertised at registration.
	CallbackURL string

	// FixedAgentID, when set, is honored by the broker instead of a
	// minted id.
	FixedAgentID string

	// Capabilities advertised at registration; the reserved role/tool
	// keys drive discovery.
	Capabilities map[string]any

	HeartbeatInterval time.Duration
	BaseAckTimeout    time.Duration
	MaxAckAttempts    int
	ReplyTimeout      time.Duration

	// RegisterGrace is the startup wait before the first registration
	// attempt, giving the broker time to come up alongside the agent.
	RegisterGrace time.Duration

	// RegisterAttempts bounds the registration loop; exhausting it is
	// fatal.
	RegisterAttempts int
}

func (c *Config) withDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.BaseAckTimeout <= 0 {
		c.BaseAckTimeout = DefaultBaseAckTimeout
	}
	if c.MaxAckAttempts <= 0 {
		c.MaxAckAttempts = DefaultMaxAckAttempts
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = DefaultReplyTimeout
	}
	if c.RegisterGrace <= 0 {
		c.RegisterGrace = DefaultRegisterGrace
	}
	if c.RegisterAttempts <= 0 {
		c.RegisterAttempts = DefaultRegisterAttempts
	}
}

// Runtime drives one agent's participation in the fabric.
type Runtime struct {
	cfg      Config
	broker   *BrokerClient
	verifier *token.Verifier
	executor QueryExecutor // nil when this agent serves no queries
	pool     *Pool
	metrics  *metrics.Runtime
	logger   *zap.Logger

	acks    *pendingAcks
	replies *pendingReplies

	// mu guards agentID, latched once by the registration loop.
	mu      sync.RWMutex
	agentID string

	// processed remembers executed query ids inside the dedup window so a
	// retransmit is ACKed again but not executed again.
	processedMu sync.Mutex
	processed   map[string]time.Time
}

// New creates a Runtime. executor may be nil for agents that only
// originate queries.
func New(
	cfg Config,
	broker *BrokerClient,
	verifier *token.Verifier,
	executor QueryExecutor,
	pool *Pool,
	m *metrics.Runtime,
	logger *zap.Logger,
) *Runtime {
	cfg.withDefaults()
	return &Runtime{
		cfg:       cfg,
		broker:    broker,
		verifier:  verifier,
		executor:  executor,
		pool:      pool,
		metrics:   m,
		logger:    logger.Named("runtime"),
		acks:      newPendingAcks(),
		replies:   newPendingReplies(),
		processed: make(map[string]time.Time),
	}
}

// AgentID returns the broker-assigned id, or "" before registration.
func (rt *Runtime) AgentID() string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.agentID
}

// Run registers with the broker and then heartbeats until ctx is
// cancelled. Registration failure after all attempts is fatal — the agent
// cannot serve without an identity.
func (rt *Runtime) Run(ctx context.Context) error {
	if err := rt.register(ctx); err != nil {
		return err
	}
	rt.heartbeatLoop(ctx)
	return nil
}

// register attempts registration with exponential backoff: a short grace
// period first, then doubling delays between attempts.
func (rt *Runtime) register(ctx context.Context) error {
	info := a2a.AgentInfo{
		Name:         rt.cfg.LogicalName,
		CallbackURL:  rt.cfg.CallbackURL,
		Capabilities: rt.cfg.Capabilities,
		AgentID:      rt.cfg.FixedAgentID,
	}

	if err := sleepCtx(ctx, rt.cfg.RegisterGrace); err != nil {
		return err
	}

	backoff := 1 * time.Second
	var lastErr error
	for attempt := 1; attempt <= rt.cfg.RegisterAttempts; attempt++ {
		id, err := rt.broker.Register(ctx, info)
		if err == nil {
			rt.mu.Lock()
			rt.agentID = id
			rt.mu.Unlock()
			rt.logger.Info("registered with broker",
				zap.String("agent_id", id),
				zap.String("logical_name", rt.cfg.LogicalName),
			)
			return nil
		}

		lastErr = err
		rt.logger.Warn("registration attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if attempt < rt.cfg.RegisterAttempts {
			if err := sleepCtx(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrRegistration, rt.cfg.RegisterAttempts, lastErr)
}

// heartbeatLoop posts a heartbeat every interval. Network failures are
// logged and ignored — the broker simply computes us offline until the
// next one lands.
func (rt *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rt.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rt.logger.Info("heartbeat loop stopped")
			return
		case <-ticker.C:
			if err := rt.broker.Heartbeat(ctx, rt.AgentID()); err != nil {
				rt.logger.Warn("heartbeat failed", zap.Error(err))
				continue
			}
			rt.logger.Debug("heartbeat sent", zap.String("agent_id", rt.AgentID()))
		}
	}
}

// SendWithRetries delivers an envelope reliably: transmit, wait for the
// matching ACK, retransmit with doubled backoff until acknowledged or
// attempts are exhausted. Each transmission re-signs the envelope so every
// attempt carries a fresh expiry.
//
// The retry loop lives here, above HTTP, because a 200 from the broker
// only proves the forward happened — the application-level ACK is the only
// proof the recipient processed the envelope.
func (rt *Runtime) SendWithRetries(ctx context.Context, env *a2a.Envelope) error {
	msgID := env.MessageID
	rt.acks.add(env)

	backoff := rt.cfg.BaseAckTimeout
	for attempt := 1; attempt <= rt.cfg.MaxAckAttempts; attempt++ {
		if _, pending := rt.acks.bumpAttempt(msgID); !pending {
			return nil
		}

		rt.metrics.SendAttempts.Inc()
		if attempt > 1 {
			rt.metrics.Retransmits.Inc()
		}

		if err := rt.broker.SignAndSend(ctx, env); err != nil {
			// Transmit failures wait out the backoff like a lost ACK:
			// the broker may have delivered before the error surfaced.
			rt.logger.Warn("send attempt failed",
				zap.String("message_id", msgID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		} else {
			rt.logger.Info("envelope sent",
				zap.String("message_id", msgID),
				zap.Int("attempt", attempt),
			)
		}

		if err := sleepCtx(ctx, backoff); err != nil {
			rt.acks.remove(msgID)
			return err
		}

		if !rt.acks.contains(msgID) {
			rt.metrics.AcksReceived.Inc()
			return nil
		}
		backoff *= 2
	}

	rt.acks.remove(msgID)
	rt.metrics.SendsAbandoned.Inc()
	rt.logger.Error("no ack received, giving up",
		zap.String("message_id", msgID),
		zap.Int("attempts", rt.cfg.MaxAckAttempts),
	)
	return fmt.Errorf("%w: message %s", ErrAckTimeout, msgID)
}

// Request sends a query to recipientID and waits for the correlated
// response. The correlation id doubles as the query's message id.
func (rt *Runtime) Request(ctx context.Context, recipientID, query string) ([]map[string]any, error) {
	self := rt.AgentID()
	if self == "" {
		return nil, ErrNotRegistered
	}

	corr := uuid.NewString()
	body, err := json.Marshal(a2a.QueryBody{SQL: query, CorrelationID: corr})
	if err != nil {
		return nil, fmt.Errorf("runtime: marshaling query body: %w", err)
	}
	msg := &a2a.A2AMessage{
		MessageID: corr,
		Sender:    self,
		Recipient: recipientID,
		Timestamp: time.Now().UTC(),
		Type:      a2a.TypeQuery,
		Body:      body,
	}
	env, err := a2a.Wrap(msg)
	if err != nil {
		return nil, err
	}

	replyCh := rt.replies.create(corr)

	if err := rt.SendWithRetries(ctx, env); err != nil {
		rt.replies.remove(corr)
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply.Result, nil
	case <-time.After(rt.cfg.ReplyTimeout):
		rt.replies.remove(corr)
		return nil, fmt.Errorf("%w: correlation %s", ErrReplyTimeout, corr)
	case <-ctx.Done():
		rt.replies.remove(corr)
		return nil, ctx.Err()
	}
}

// Ping handles GET /ping.
func (rt *Runtime) Ping(w http.ResponseWriter, r *http.Request) {
	rt.logger.Debug("ping received")
	writeJSON(w, http.StatusOK, map[string]bool{"pong": true})
}

// markProcessed records a query id, reporting whether it was already seen
// inside the dedup window. Old entries are pruned opportunistically.
func (rt *Runtime) markProcessed(messageID string) bool {
	now := time.Now()

	rt.processedMu.Lock()
	defer rt.processedMu.Unlock()

	for id, at := range rt.processed {
		if now.Sub(at) > dedupWindow {
			delete(rt.processed, id)
		}
	}

	if _, seen := rt.processed[messageID]; seen {
		return true
	}
	rt.processed[messageID] = now
	return false
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
