package a2a

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapDuplicatesRoutingFields(t *testing.T) {
	msg, err := NewMessage("agent-a", "agent-b", TypeQuery, QueryBody{
		SQL:           "SELECT 1;",
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)

	env, err := Wrap(msg)
	require.NoError(t, err)

	assert.Equal(t, Version, env.Version)
	assert.Equal(t, msg.MessageID, env.MessageID)
	assert.Equal(t, msg.Sender, env.Sender)
	assert.Equal(t, msg.Recipient, env.Recipient)
	assert.Equal(t, msg.Type, env.Type)

	inner, err := env.Message()
	require.NoError(t, err)
	assert.Equal(t, msg.MessageID, inner.MessageID)
}

func TestValidateRejectsMismatchedHeader(t *testing.T) {
	msg, err := NewMessage("agent-a", "agent-b", TypeQuery, QueryBody{
		SQL:           "SELECT 1;",
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)

	env, err := Wrap(msg)
	require.NoError(t, err)
	require.NoError(t, env.Validate())

	env.Sender = "someone-else"
	assert.ErrorIs(t, env.Validate(), ErrInconsistentEnvelope)
}

func TestValidateSkipsNonApplicationTypes(t *testing.T) {
	env := NewHeartbeat("agent-a")
	assert.NoError(t, env.Validate())

	// ACK envelopes are not held to the header invariant either.
	ack, err := NewMessage("agent-a", "agent-b", TypeAck, AckBody{
		Status:        "received",
		CorrelationID: "msg-1",
	})
	require.NoError(t, err)
	ackEnv, err := Wrap(ack)
	require.NoError(t, err)
	ackEnv.Sender = "rewritten"
	assert.NoError(t, ackEnv.Validate())
}

func TestDecodeBodyTaggedByType(t *testing.T) {
	cases := []struct {
		name string
		typ  MessageType
		body any
		want any
	}{
		{
			name: "query",
			typ:  TypeQuery,
			body: QueryBody{SQL: "SELECT 1;", CorrelationID: "c1"},
			want: QueryBody{SQL: "SELECT 1;", CorrelationID: "c1"},
		},
		{
			name: "response",
			typ:  TypeResponse,
			body: ResponseBody{Result: []map[string]any{{"total": float64(42)}}, CorrelationID: "c1"},
			want: ResponseBody{Result: []map[string]any{{"total": float64(42)}}, CorrelationID: "c1"},
		},
		{
			name: "ack",
			typ:  TypeAck,
			body: AckBody{Status: "received", CorrelationID: "m1"},
			want: AckBody{Status: "received", CorrelationID: "m1"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := NewMessage("a", "b", tc.typ, tc.body)
			require.NoError(t, err)

			got, err := msg.DecodeBody()
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeBodyRequiresCorrelationID(t *testing.T) {
	msg, err := NewMessage("a", "b", TypeAck, AckBody{Status: "received"})
	require.NoError(t, err)

	_, err = msg.DecodeBody()
	assert.ErrorIs(t, err, ErrMissingCorrelation)
}

func TestHeartbeatIsSelfAddressedWithEmptyPayload(t *testing.T) {
	env := NewHeartbeat("agent-a")

	assert.Equal(t, TypeHeartbeat, env.Type)
	assert.Equal(t, env.Sender, env.Recipient)
	assert.NotEmpty(t, env.MessageID)
	assert.JSONEq(t, "{}", string(env.Payload))
}

func TestEnvelopeJSONRoundTrip(t *testing.T) {
	msg, err := NewMessage("a", "b", TypeResponse, ResponseBody{
		Result:        []map[string]any{{"producto": "Router X"}},
		CorrelationID: "c9",
	})
	require.NoError(t, err)
	env, err := Wrap(msg)
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, env.MessageID, decoded.MessageID)
	assert.Equal(t, env.Type, decoded.Type)
	assert.WithinDuration(t, env.Timestamp, decoded.Timestamp, time.Second)
	require.NoError(t, decoded.Validate())
}
