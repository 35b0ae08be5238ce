// Package a2a defines the wire types shared by the broker and the agent
// runtime: the transport Envelope, the application A2AMessage it carries,
// and the AgentInfo record agents advertise at registration.
//
// Envelopes duplicate the routing fields of their inner message so the
// broker can route without parsing the payload. The payload itself is kept
// as raw JSON until a consumer explicitly decodes it with DecodeBody.
package a2a

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version stamped on every envelope.
const Version = "1.0"

// MessageType identifies the kind of traffic an envelope carries.
type MessageType string

const (
	TypeQuery     MessageType = "query"
	TypeResponse  MessageType = "response"
	TypeHeartbeat MessageType = "heartbeat"
	TypeAck       MessageType = "ack"
)

// Reserved capability keys recognized by broker discovery.
const (
	CapRole = "role"
	CapTool = "tool"
)

// Sentinel errors returned by envelope validation and body decoding.
var (
	ErrInconsistentEnvelope = errors.New("a2a: envelope header does not match inner message")
	ErrUnknownType          = errors.New("a2a: unknown message type")
	ErrMissingCorrelation   = errors.New("a2a: body missing correlation_id")
)

// AgentInfo is the record an agent advertises when registering with the
// broker. AgentID is optional on input — the broker mints one if absent.
type AgentInfo struct {
	Name         string         `json:"name"`
	CallbackURL  string         `json:"callback_url"`
	Capabilities map[string]any `json:"capabilities"`
	AgentID      string         `json:"agent_id,omitempty"`
}

// A2AMessage is the application-level message carried inside an envelope.
// Body is kept raw; decode it with DecodeBody according to Type.
type A2AMessage struct {
	MessageID string          `json:"message_id"`
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Timestamp time.Time       `json:"timestamp"`
	Type      MessageType     `json:"type"`
	Body      json.RawMessage `json:"body"`
}

// Envelope is the transport wrapper. The routing fields mirror the inner
// message so the broker never needs to open Payload.
type Envelope struct {
	Version   string          `json:"version"`
	MessageID string          `json:"message_id"`
	Timestamp time.Time       `json:"timestamp"`
	Type      MessageType     `json:"type"`
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Payload   json.RawMessage `json:"payload"`
}

// QueryBody asks the recipient to evaluate a SQL statement.
type QueryBody struct {
	SQL           string `json:"sql"`
	CorrelationID string `json:"correlation_id"`
}

// ResponseBody carries the rows produced by a query, correlated back to it.
type ResponseBody struct {
	Result        []map[string]any `json:"resultado"`
	CorrelationID string           `json:"correlation_id"`
}

// AckBody acknowledges receipt of the envelope whose message_id equals
// CorrelationID. Its arrival cancels retransmission of that envelope.
type AckBody struct {
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
}

// Body is the tagged sum of the payload shapes carried by A2A messages.
type Body interface{ isBody() }

func (QueryBody) isBody()    {}
func (ResponseBody) isBody() {}
func (AckBody) isBody()      {}

// DecodeBody parses the message body according to the message type.
// Heartbeats have no body and return (nil, nil).
func (m *A2AMessage) DecodeBody() (Body, error) {
	switch m.Type {
	case TypeQuery:
		var b QueryBody
		if err := json.Unmarshal(m.Body, &b); err != nil {
			return nil, fmt.Errorf("a2a: decoding query body: %w", err)
		}
		if b.CorrelationID == "" {
			return nil, ErrMissingCorrelation
		}
		return b, nil
	case TypeResponse:
		var b ResponseBody
		if err := json.Unmarshal(m.Body, &b); err != nil {
			return nil, fmt.Errorf("a2a: decoding response body: %w", err)
		}
		if b.CorrelationID == "" {
			return nil, ErrMissingCorrelation
		}
		return b, nil
	case TypeAck:
		var b AckBody
		if err := json.Unmarshal(m.Body, &b); err != nil {
			return nil, fmt.Errorf("a2a: decoding ack body: %w", err)
		}
		if b.CorrelationID == "" {
			return nil, ErrMissingCorrelation
		}
		return b, nil
	case TypeHeartbeat:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
}

// NewMessage builds an A2AMessage with a fresh message id and the current
// timestamp. body must marshal to a JSON object.
func NewMessage(sender, recipient string, typ MessageType, body any) (*A2AMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("a2a: marshaling body: %w", err)
	}
	return &A2AMessage{
		MessageID: uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Body:      raw,
	}, nil
}

// Wrap builds the envelope for a message, duplicating its routing fields at
// the envelope level.
func Wrap(m *A2AMessage) (*Envelope, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("a2a: marshaling message: %w", err)
	}
	return &Envelope{
		Version:   Version,
		MessageID: m.MessageID,
		Timestamp: time.Now().UTC(),
		Type:      m.Type,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Payload:   payload,
	}, nil
}

// NewHeartbeat builds a self-addressed heartbeat envelope with an empty
// payload mapping. Agents address heartbeats to themselves by convention;
// the broker treats them as liveness updates and never forwards them.
func NewHeartbeat(agentID string) *Envelope {
	return &Envelope{
		Version:   Version,
		MessageID: uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Type:      TypeHeartbeat,
		Sender:    agentID,
		Recipient: agentID,
		Payload:   json.RawMessage("{}"),
	}
}

// Message decodes the inner A2AMessage from the envelope payload.
func (e *Envelope) Message() (*A2AMessage, error) {
	var m A2AMessage
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return nil, fmt.Errorf("a2a: decoding envelope payload: %w", err)
	}
	return &m, nil
}

// Validate checks the envelope/message consistency invariant: for query and
// response traffic the envelope routing fields must equal those of the inner
// message.
func (e *Envelope) Validate() error {
	if e.Type != TypeQuery && e.Type != TypeResponse {
		return nil
	}
	m, err := e.Message()
	if err != nil {
		return err
	}
	if m.MessageID != e.MessageID || m.Sender != e.Sender ||
		m.Recipient != e.Recipient || m.Type != e.Type {
		return ErrInconsistentEnvelope
	}
	return nil
}
