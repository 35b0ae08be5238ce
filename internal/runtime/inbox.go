package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ansa-io/ansa/internal/a2a"
)

// Inbox handles POST /inbox — the agent's receive path.
//
// Dispatch order:
//  1. verify the token and extract the envelope (400 on failure)
//  2. heartbeats are accepted and dropped (agents do not normally
//     receive them; accepting keeps the contract symmetric)
//  3. ACKs cancel the matching pending retransmission
//  4. queries and responses are ACKed immediately, fire-and-forget —
//     an ACK is never itself ACKed, which is where the chain terminates
//  5. responses resolve the pending reply for their correlation id;
//     duplicates are logged and dropped
//  6. queries are executed off-handler via the task pool; the handler
//     returns 202 and the response travels asynchronously
func (rt *Runtime) Inbox(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JWT string `json:"jwt"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	env, err := rt.verifier.Verify(req.JWT)
	if err != nil {
		rt.logger.Warn("rejected inbox token", zap.Error(err))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "verification failed"})
		return
	}

	// The header/payload consistency invariant is enforced on ingress
	// here just as the broker enforces it on /agent/send — peers can
	// deliver to the inbox directly, so this path cannot rely on the
	// broker having checked.
	if err := env.Validate(); err != nil {
		rt.logger.Warn("inconsistent envelope on inbox",
			zap.String("message_id", env.MessageID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "envelope header does not match inner message"})
		return
	}

	switch env.Type {
	case a2a.TypeHeartbeat:
		rt.logger.Info("heartbeat received", zap.String("sender", env.Sender))
		writeJSON(w, http.StatusOK, map[string]string{"status": "heartbeat received"})
		return

	case a2a.TypeAck:
		rt.handleAck(env)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ack received"})
		return
	}

	msg, err := env.Message()
	if err != nil {
		rt.logger.Error("invalid envelope payload",
			zap.String("message_id", env.MessageID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	// Every query or response is acknowledged before any processing, so
	// the sender stops retransmitting even if the work below fails.
	rt.sendAck(env)

	switch env.Type {
	case a2a.TypeResponse:
		rt.handleResponse(env, msg)
		writeJSON(w, http.StatusOK, map[string]string{"status": "received"})

	case a2a.TypeQuery:
		rt.handleQuery(w, env, msg)

	default:
		rt.logger.Warn("unknown envelope type",
			zap.String("type", string(env.Type)),
			zap.String("message_id", env.MessageID),
		)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown envelope type"})
	}
}

// handleAck cancels the retransmission the ACK correlates to. Malformed
// ACKs are logged and swallowed — the caller still gets a 200.
func (rt *Runtime) handleAck(env *a2a.Envelope) {
	msg, err := env.Message()
	if err != nil {
		rt.logger.Warn("malformed ack envelope", zap.Error(err))
		return
	}
	body, err := msg.DecodeBody()
	if err != nil {
		rt.logger.Warn("malformed ack body", zap.Error(err))
		return
	}
	// ACK envelopes are not covered by Validate, so the inner type can
	// still disagree with the envelope header here.
	ack, ok := body.(a2a.AckBody)
	if !ok {
		rt.logger.Warn("ack envelope carries non-ack message",
			zap.String("inner_type", string(msg.Type)),
		)
		return
	}

	if rt.acks.ack(ack.CorrelationID) {
		rt.logger.Info("ack received, cancelling retransmissions",
			zap.String("correlation_id", ack.CorrelationID),
		)
	}
}

// handleResponse resolves the pending reply waiting on the correlation id.
// A response with no waiter is a retransmit duplicate or a stale reply
// arriving after timeout; it is dropped after the ACK already sent.
func (rt *Runtime) handleResponse(env *a2a.Envelope, msg *a2a.A2AMessage) {
	body, err := msg.DecodeBody()
	if err != nil {
		rt.logger.Warn("malformed response body",
			zap.String("message_id", env.MessageID),
			zap.Error(err),
		)
		return
	}
	resp, ok := body.(a2a.ResponseBody)
	if !ok {
		rt.logger.Warn("response envelope carries non-response message",
			zap.String("inner_type", string(msg.Type)),
		)
		return
	}

	if rt.replies.resolve(resp.CorrelationID, resp) {
		rt.logger.Info("response delivered",
			zap.String("correlation_id", resp.CorrelationID),
		)
	} else {
		rt.logger.Info("ignored response with no pending request",
			zap.String("correlation_id", resp.CorrelationID),
		)
	}
}

// handleQuery validates the query and schedules its execution on the task
// pool, replying 202 immediately. The response envelope travels back
// through the reliable send path without holding this handler open.
func (rt *Runtime) handleQuery(w http.ResponseWriter, env *a2a.Envelope, msg *a2a.A2AMessage) {
	body, err := msg.DecodeBody()
	if err != nil {
		rt.logger.Warn("malformed query body",
			zap.String("message_id", env.MessageID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query requires sql and correlation_id"})
		return
	}
	query, ok := body.(a2a.QueryBody)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query requires sql and correlation_id"})
		return
	}

	if rt.executor == nil {
		rt.logger.Error("query received but no executor configured",
			zap.String("message_id", env.MessageID),
		)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent serves no queries"})
		return
	}

	// A retransmit of an already-executed query was ACKed above; running
	// it again would send a duplicate response.
	if rt.markProcessed(env.MessageID) {
		rt.logger.Info("duplicate query, already processed",
			zap.String("message_id", env.MessageID),
		)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		return
	}

	sender := msg.Sender
	if err := rt.pool.Submit(func() { rt.executeQuery(sender, query) }); err != nil {
		rt.logger.Error("task pool rejected query",
			zap.String("message_id", env.MessageID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "busy"})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// executeQuery runs on the task pool: evaluate the query, wrap the rows in
// a response envelope, and deliver it reliably. Failures surface at the
// requester as a reply timeout.
func (rt *Runtime) executeQuery(requester string, query a2a.QueryBody) {
	// Budget covers execution plus every retransmission backoff of the
	// response delivery.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	rt.logger.Info("executing query",
		zap.String("correlation_id", query.CorrelationID),
		zap.String("sql", query.SQL),
	)

	rows, err := rt.executor.Execute(ctx, query.SQL)
	if err != nil {
		rt.logger.Error("query execution failed",
			zap.String("correlation_id", query.CorrelationID),
			zap.Error(err),
		)
		return
	}

	reply, err := a2a.NewMessage(rt.AgentID(), requester, a2a.TypeResponse, a2a.ResponseBody{
		Result:        rows,
		CorrelationID: query.CorrelationID,
	})
	if err != nil {
		rt.logger.Error("building response message", zap.Error(err))
		return
	}
	env, err := a2a.Wrap(reply)
	if err != nil {
		rt.logger.Error("wrapping response message", zap.Error(err))
		return
	}

	if err := rt.SendWithRetries(ctx, env); err != nil {
		rt.logger.Error("response delivery failed",
			zap.String("correlation_id", query.CorrelationID),
			zap.Error(err),
		)
	}
}

// sendAck emits the acknowledgement for env on its own goroutine. Its
// failure is logged, never retried — ACK loss only costs the peer one
// retransmission.
func (rt *Runtime) sendAck(env *a2a.Envelope) {
	ack, err := a2a.NewMessage(rt.AgentID(), env.Sender, a2a.TypeAck, a2a.AckBody{
		Status:        "received",
		CorrelationID: env.MessageID,
	})
	if err != nil {
		rt.logger.Error("building ack message", zap.Error(err))
		return
	}
	ackEnv, err := a2a.Wrap(ack)
	if err != nil {
		rt.logger.Error("wrapping ack message", zap.Error(err))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ackSendTimeout)
		defer cancel()

		if err := rt.broker.SignAndSend(ctx, ackEnv); err != nil {
			rt.logger.Error("ack delivery failed",
				zap.String("correlation_id", env.MessageID),
				zap.Error(err),
			)
			return
		}
		rt.logger.Debug("ack sent", zap.String("correlation_id", env.MessageID))
	}()
}
