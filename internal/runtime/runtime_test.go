package runtime

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ansa-io/ansa/internal/a2a"
	"github.com/ansa-io/ansa/internal/metrics"
	"github.com/ansa-io/ansa/internal/token"
)

// fixture wires a Runtime against a fake broker. Envelopes arriving at the
// fake broker's /agent/send are verified and recorded; onSend lets a test
// intercept them.
type fixture struct {
	rt       *Runtime
	pool     *Pool
	verifier *token.Verifier

	// peerSigner signs envelopes delivered into the runtime's inbox, as a
	// remote agent would.
	peerSigner *token.Signer

	mu    sync.Mutex
	sends []*a2a.Envelope

	// onSend, when set, runs for every envelope the fake broker receives.
	onSend func(env *a2a.Envelope)

	// services is the response body of /agent/services.
	services map[string]ServiceCard

	broker *httptest.Server
}

const (
	selfIssuer = "llm_agent"
	peerIssuer = "ventas_agent"
	selfID     = "self-agent-id"
	peerID     = "peer-agent-id"
)

func newFixture(t *testing.T, executor QueryExecutor) *fixture {
	t.Helper()

	keysDir := t.TempDir()
	selfKey := mustKey(t, keysDir, selfIssuer+"_public.pem")
	peerKey := mustKey(t, keysDir, peerIssuer+"_public.pem")

	f := &fixture{
		verifier:   token.NewVerifier(keysDir, "mcp-server"),
		peerSigner: token.NewSigner(peerKey, peerIssuer, "mcp-server"),
		services:   map[string]ServiceCard{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/agent/register", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"agent_id": selfID})
	})
	mux.HandleFunc("/agent/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/agent/services", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, f.services)
	})
	mux.HandleFunc("/agent/send", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JWT string `json:"jwt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		env, err := f.verifier.Verify(req.JWT)
		require.NoError(t, err, "fake broker received an unverifiable token")

		f.mu.Lock()
		f.sends = append(f.sends, env)
		hook := f.onSend
		f.mu.Unlock()

		if hook != nil {
			hook(env)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
	})

	f.broker = httptest.NewServer(mux)
	t.Cleanup(f.broker.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := zap.NewNop()
	httpClient := &http.Client{Timeout: 5 * time.Second}
	selfSigner := token.NewSigner(selfKey, selfIssuer, "mcp-server")
	brokerClient := NewBrokerClient(f.broker.URL, httpClient, selfSigner, logger)

	f.pool = NewPool(2, 16, logger)
	go f.pool.Run(ctx)

	f.rt = New(
		Config{
			LogicalName:       selfIssuer,
			CallbackURL:       "http://localhost/inbox",
			HeartbeatInterval: time.Hour,
			BaseAckTimeout:    40 * time.Millisecond,
			MaxAckAttempts:    3,
			ReplyTimeout:      500 * time.Millisecond,
			RegisterGrace:     10 * time.Millisecond,
			RegisterAttempts:  2,
		},
		brokerClient,
		f.verifier,
		executor,
		f.pool,
		metrics.NewRuntime(prometheus.NewRegistry()),
		logger,
	)
	f.rt.agentID = selfID

	return f
}

// mustKey generates an RSA key and installs its public half in dir.
func mustKey(t *testing.T, dir, filename string) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes, err := token.MarshalPublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), pemBytes, 0o644))
	return key
}

func (f *fixture) sentEnvelopes() []*a2a.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*a2a.Envelope, len(f.sends))
	copy(out, f.sends)
	return out
}

func (f *fixture) countSends(typ a2a.MessageType) int {
	n := 0
	for _, env := range f.sentEnvelopes() {
		if env.Type == typ {
			n++
		}
	}
	return n
}

// deliver posts a peer-signed envelope into the runtime inbox and returns
// the recorded response.
func (f *fixture) deliver(t *testing.T, env *a2a.Envelope) *httptest.ResponseRecorder {
	t.Helper()
	signed, err := f.peerSigner.Sign(env)
	require.NoError(t, err)
	return f.deliverRaw(t, signed)
}

func (f *fixture) deliverRaw(t *testing.T, signed string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]string{"jwt": signed})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/inbox", bytes.NewReader(body))
	w := httptest.NewRecorder()
	f.rt.Inbox(w, req)
	return w
}

func peerQuery(t *testing.T, corr string) *a2a.Envelope {
	t.Helper()
	body, err := json.Marshal(a2a.QueryBody{SQL: "SELECT 1;", CorrelationID: corr})
	require.NoError(t, err)
	msg := &a2a.A2AMessage{
		MessageID: corr,
		Sender:    peerID,
		Recipient: selfID,
		Timestamp: time.Now().UTC(),
		Type:      a2a.TypeQuery,
		Body:      body,
	}
	env, err := a2a.Wrap(msg)
	require.NoError(t, err)
	return env
}

func peerResponse(t *testing.T, corr string, rows []map[string]any) *a2a.Envelope {
	t.Helper()
	msg, err := a2a.NewMessage(peerID, selfID, a2a.TypeResponse, a2a.ResponseBody{
		Result:        rows,
		CorrelationID: corr,
	})
	require.NoError(t, err)
	env, err := a2a.Wrap(msg)
	require.NoError(t, err)
	return env
}

func peerAck(t *testing.T, corr string) *a2a.Envelope {
	t.Helper()
	msg, err := a2a.NewMessage(peerID, selfID, a2a.TypeAck, a2a.AckBody{
		Status:        "received",
		CorrelationID: corr,
	})
	require.NoError(t, err)
	env, err := a2a.Wrap(msg)
	require.NoError(t, err)
	return env
}

// executorFunc adapts a func to QueryExecutor.
type executorFunc func(ctx context.Context, query string) ([]map[string]any, error)

func (f executorFunc) Execute(ctx context.Context, query string) ([]map[string]any, error) {
	return f(ctx, query)
}

// --- Reliable send ---

func TestSendWithRetriesStopsOnAck(t *testing.T) {
	f := newFixture(t, nil)

	// ACK as soon as the first transmission lands.
	f.onSend = func(env *a2a.Envelope) {
		f.rt.acks.ack(env.MessageID)
	}

	msg, err := a2a.NewMessage(selfID, peerID, a2a.TypeQuery, a2a.QueryBody{
		SQL:           "SELECT 1;",
		CorrelationID: "c1",
	})
	require.NoError(t, err)
	env, err := a2a.Wrap(msg)
	require.NoError(t, err)

	require.NoError(t, f.rt.SendWithRetries(context.Background(), env))

	assert.Equal(t, 1, f.countSends(a2a.TypeQuery), "no retransmit after ack")
	assert.Equal(t, 0, f.rt.acks.len())
}

func TestSendWithRetriesRetransmitsUntilAck(t *testing.T) {
	f := newFixture(t, nil)

	// ACK only the second transmission: attempt 1 is "lost".
	attempts := 0
	f.onSend = func(env *a2a.Envelope) {
		attempts++
		if attempts >= 2 {
			f.rt.acks.ack(env.MessageID)
		}
	}

	msg, err := a2a.NewMessage(selfID, peerID, a2a.TypeQuery, a2a.QueryBody{
		SQL:           "SELECT 1;",
		CorrelationID: "c2",
	})
	require.NoError(t, err)
	env, err := a2a.Wrap(msg)
	require.NoError(t, err)

	require.NoError(t, f.rt.SendWithRetries(context.Background(), env))
	assert.Equal(t, 2, attempts)
}

func TestSendWithRetriesExhaustsAttempts(t *testing.T) {
	f := newFixture(t, nil)

	msg, err := a2a.NewMessage(selfID, peerID, a2a.TypeQuery, a2a.QueryBody{
		SQL:           "SELECT 1;",
		CorrelationID: "c3",
	})
	require.NoError(t, err)
	env, err := a2a.Wrap(msg)
	require.NoError(t, err)

	err = f.rt.SendWithRetries(context.Background(), env)
	assert.ErrorIs(t, err, ErrAckTimeout)
	assert.Equal(t, 3, f.countSends(a2a.TypeQuery))
	assert.Equal(t, 0, f.rt.acks.len(), "pending entry reclaimed on exhaustion")
}

func TestSendWithRetriesRetransmitsSameMessageID(t *testing.T) {
	f := newFixture(t, nil)

	msg, err := a2a.NewMessage(selfID, peerID, a2a.TypeQuery, a2a.QueryBody{
		SQL:           "SELECT 1;",
		CorrelationID: "c4",
	})
	require.NoError(t, err)
	env, err := a2a.Wrap(msg)
	require.NoError(t, err)

	_ = f.rt.SendWithRetries(context.Background(), env)

	// Every attempt carried the same message id — retransmits, not new
	// messages.
	sent := f.sentEnvelopes()
	require.Len(t, sent, 3)
	for _, e := range sent {
		assert.Equal(t, env.MessageID, e.MessageID)
	}
}

// --- Inbox dispatch ---

func TestInboxRejectsBadToken(t *testing.T) {
	f := newFixture(t, nil)
	w := f.deliverRaw(t, "not-a-token")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInboxRejectsInconsistentEnvelope(t *testing.T) {
	f := newFixture(t, executorFunc(func(ctx context.Context, query string) ([]map[string]any, error) {
		t.Fatal("executor must not run for an inconsistent envelope")
		return nil, nil
	}))

	// Validly signed, but the envelope header claims response while the
	// inner message is a query.
	env := peerQuery(t, "corr-bad")
	env.Type = a2a.TypeResponse

	w := f.deliver(t, env)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, len(f.sentEnvelopes()), "rejected envelopes must not be acked")
}

func TestInboxAckWithMismatchedInnerTypeSwallowed(t *testing.T) {
	f := newFixture(t, nil)

	pending := a2a.NewHeartbeat(selfID)
	pending.MessageID = "msg-77"
	f.rt.acks.add(pending)

	// Envelope header says ack, inner message is a query. Must not
	// panic, must not cancel the pending entry.
	inner, err := a2a.NewMessage(peerID, selfID, a2a.TypeQuery, a2a.QueryBody{
		SQL:           "SELECT 1;",
		CorrelationID: "msg-77",
	})
	require.NoError(t, err)
	env, err := a2a.Wrap(inner)
	require.NoError(t, err)
	env.Type = a2a.TypeAck

	w := f.deliver(t, env)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.rt.acks.len())
}

func TestInboxAcceptsHeartbeat(t *testing.T) {
	f := newFixture(t, nil)
	w := f.deliver(t, a2a.NewHeartbeat(peerID))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, len(f.sentEnvelopes()), "heartbeats are not acked")
}

func TestInboxAckCancelsPending(t *testing.T) {
	f := newFixture(t, nil)

	pending := a2a.NewHeartbeat(selfID) // any envelope will do as a pending entry
	pending.MessageID = "msg-42"
	f.rt.acks.add(pending)

	w := f.deliver(t, peerAck(t, "msg-42"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, f.rt.acks.len())
}

func TestInboxMalformedAckSwallowed(t *testing.T) {
	f := newFixture(t, nil)

	msg, err := a2a.NewMessage(peerID, selfID, a2a.TypeAck, map[string]string{"status": "received"})
	require.NoError(t, err)
	env, err := a2a.Wrap(msg)
	require.NoError(t, err)

	w := f.deliver(t, env)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInboxResponseResolvesPendingReply(t *testing.T) {
	f := newFixture(t, nil)

	replyCh := f.rt.replies.create("corr-7")
	rows := []map[string]any{{"total": float64(42)}}

	w := f.deliver(t, peerResponse(t, "corr-7", rows))
	assert.Equal(t, http.StatusOK, w.Code)

	select {
	case reply := <-replyCh:
		assert.Equal(t, rows, reply.Result)
	case <-time.After(time.Second):
		t.Fatal("pending reply was not resolved")
	}
	assert.Equal(t, 0, f.rt.replies.len())

	// Exactly one ACK goes back for the response.
	require.Eventually(t, func() bool {
		return f.countSends(a2a.TypeAck) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestInboxDuplicateResponseIgnoredButAcked(t *testing.T) {
	f := newFixture(t, nil)

	replyCh := f.rt.replies.create("corr-8")
	rows := []map[string]any{{"total": float64(7)}}
	env := peerResponse(t, "corr-8", rows)

	assert.Equal(t, http.StatusOK, f.deliver(t, env).Code)
	assert.Equal(t, http.StatusOK, f.deliver(t, env).Code)

	<-replyCh
	assert.Equal(t, 0, f.rt.replies.len())

	// Both copies are acked; only the first resolved anything.
	require.Eventually(t, func() bool {
		return f.countSends(a2a.TypeAck) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestInboxQueryExecutesAndResponds(t *testing.T) {
	executed := make(chan string, 1)
	f := newFixture(t, executorFunc(func(ctx context.Context, query string) ([]map[string]any, error) {
		executed <- query
		return []map[string]any{{"s": float64(42)}}, nil
	}))

	// The fabric acks the response transmission so the runtime's reliable
	// send completes on the first attempt.
	f.onSend = func(env *a2a.Envelope) {
		if env.Type == a2a.TypeResponse {
			f.rt.acks.ack(env.MessageID)
		}
	}

	w := f.deliver(t, peerQuery(t, "corr-q1"))
	assert.Equal(t, http.StatusAccepted, w.Code)

	select {
	case q := <-executed:
		assert.Equal(t, "SELECT 1;", q)
	case <-time.After(time.Second):
		t.Fatal("executor was never invoked")
	}

	require.Eventually(t, func() bool {
		return f.countSends(a2a.TypeResponse) == 1
	}, 2*time.Second, 10*time.Millisecond)

	var resp *a2a.Envelope
	for _, env := range f.sentEnvelopes() {
		if env.Type == a2a.TypeResponse {
			resp = env
		}
	}
	require.NotNil(t, resp)
	assert.Equal(t, peerID, resp.Recipient)

	msg, err := resp.Message()
	require.NoError(t, err)
	body, err := msg.DecodeBody()
	require.NoError(t, err)
	assert.Equal(t, "corr-q1", body.(a2a.ResponseBody).CorrelationID)
}

func TestInboxDuplicateQueryExecutedOnce(t *testing.T) {
	var mu sync.Mutex
	executions := 0
	f := newFixture(t, executorFunc(func(ctx context.Context, query string) ([]map[string]any, error) {
		mu.Lock()
		executions++
		mu.Unlock()
		return nil, nil
	}))
	f.onSend = func(env *a2a.Envelope) {
		if env.Type == a2a.TypeResponse {
			f.rt.acks.ack(env.MessageID)
		}
	}

	env := peerQuery(t, "corr-q2")
	assert.Equal(t, http.StatusAccepted, f.deliver(t, env).Code)
	assert.Equal(t, http.StatusAccepted, f.deliver(t, env).Code)

	// Both deliveries are acked — the sender must stop retransmitting —
	// but the work runs once.
	require.Eventually(t, func() bool {
		return f.countSends(a2a.TypeAck) == 2
	}, time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, executions)
}

// --- Request / reply correlation ---

func TestRequestCorrelatesReply(t *testing.T) {
	f := newFixture(t, nil)

	rows := []map[string]any{{"total": float64(42)}}
	f.onSend = func(env *a2a.Envelope) {
		if env.Type != a2a.TypeQuery {
			return
		}
		// Simulate the recipient: ack the query, then deliver the
		// correlated response into the inbox.
		f.rt.acks.ack(env.MessageID)
		go f.deliver(t, peerResponse(t, env.MessageID, rows))
	}

	got, err := f.rt.Request(context.Background(), peerID, "SELECT SUM(qty) FROM t;")
	require.NoError(t, err)
	assert.Equal(t, rows, got)
	assert.Equal(t, 0, f.rt.replies.len())
}

func TestRequestTimesOutWithoutReply(t *testing.T) {
	f := newFixture(t, nil)

	f.onSend = func(env *a2a.Envelope) {
		f.rt.acks.ack(env.MessageID) // delivery confirmed, reply never comes
	}

	_, err := f.rt.Request(context.Background(), peerID, "SELECT 1;")
	assert.ErrorIs(t, err, ErrReplyTimeout)
	assert.Equal(t, 0, f.rt.replies.len(), "pending slot reclaimed on timeout")
}

func TestRequestCorrelationEqualsMessageID(t *testing.T) {
	f := newFixture(t, nil)

	f.onSend = func(env *a2a.Envelope) {
		if env.Type != a2a.TypeQuery {
			return
		}
		msg, err := env.Message()
		require.NoError(t, err)
		body, err := msg.DecodeBody()
		require.NoError(t, err)
		assert.Equal(t, env.MessageID, body.(a2a.QueryBody).CorrelationID)

		f.rt.acks.ack(env.MessageID)
		go f.deliver(t, peerResponse(t, env.MessageID, nil))
	}

	_, err := f.rt.Request(context.Background(), peerID, "SELECT 1;")
	require.NoError(t, err)
}

// --- Registration ---

func TestRunFailsFastWhenBrokerUnreachable(t *testing.T) {
	f := newFixture(t, nil)
	f.broker.Close() // nothing listening any more

	rt := f.rt
	rt.agentID = ""

	// The fixture allows two attempts with a 1s backoff between them; the
	// 100ms deadline ends Run during that first backoff, so the test
	// completes quickly.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := rt.Run(ctx)
	assert.Error(t, err)
	assert.Empty(t, rt.AgentID())
}

func TestResolveServicePicksFirstOnline(t *testing.T) {
	f := newFixture(t, nil)
	f.services = map[string]ServiceCard{
		"id-c": {Name: "ventas_agent", Online: true},
		"id-a": {Name: "ventas_agent", Online: false},
		"id-b": {Name: "ventas_agent", Online: true},
	}

	id, card, err := f.rt.broker.ResolveService(context.Background(), "consulta_ventas")
	require.NoError(t, err)
	// Deterministic: first online candidate in sorted id order.
	assert.Equal(t, "id-b", id)
	assert.True(t, card.Online)
}

func TestResolveServiceNoOnlineCandidates(t *testing.T) {
	f := newFixture(t, nil)
	f.services = map[string]ServiceCard{
		"id-a": {Name: "ventas_agent", Online: false},
	}

	_, _, err := f.rt.broker.ResolveService(context.Background(), "consulta_ventas")
	assert.ErrorIs(t, err, ErrNoOnlineAgents)
}
