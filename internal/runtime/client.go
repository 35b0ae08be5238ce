package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ansa-io/ansa/internal/a2a"
	"github.com/ansa-io/ansa/internal/token"
)

// Per-operation timeouts against the broker. Registration and heartbeats
// are cheap registry writes; send covers the broker's synchronous forward
// to the recipient callback.
const (
	registerTimeout  = 3 * time.Second
	heartbeatTimeout = 3 * time.Second
	sendTimeout      = 20 * time.Second
	discoverTimeout  = 5 * time.Second
)

// ErrNoOnlineAgents is returned by ResolveService when no candidate for
// the service is currently online.
var ErrNoOnlineAgents = errors.New("runtime: no online agents for service")

// ServiceCard is the discovery projection returned by the broker.
type ServiceCard struct {
	Name         string         `json:"name"`
	Capabilities map[string]any `json:"capabilities"`
	CallbackURL  string         `json:"callback_url"`
	Online       bool           `json:"online"`
}

// BrokerClient is the agent-side client for the broker HTTP surface.
// The underlying http.Client is long-lived and shared; per-call deadlines
// come from request contexts.
type BrokerClient struct {
	baseURL string
	client  *http.Client
	signer  *token.Signer
	logger  *zap.Logger
}

// NewBrokerClient creates a BrokerClient for the broker at baseURL.
func NewBrokerClient(baseURL string, client *http.Client, signer *token.Signer, logger *zap.Logger) *BrokerClient {
	return &BrokerClient{
		baseURL: baseURL,
		client:  client,
		signer:  signer,
		logger:  logger.Named("broker_client"),
	}
}

// Register submits the agent's info and returns the broker-assigned id.
func (c *BrokerClient) Register(ctx context.Context, info a2a.AgentInfo) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	var resp struct {
		AgentID string `json:"agent_id"`
	}
	if err := c.postJSON(ctx, "/agent/register", info, &resp); err != nil {
		return "", err
	}
	if resp.AgentID == "" {
		return "", errors.New("runtime: broker returned empty agent_id")
	}
	return resp.AgentID, nil
}

// Heartbeat signs and posts a self-addressed heartbeat envelope.
func (c *BrokerClient) Heartbeat(ctx context.Context, agentID string) error {
	ctx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	defer cancel()

	signed, err := c.signer.Sign(a2a.NewHeartbeat(agentID))
	if err != nil {
		return err
	}
	return c.postJSON(ctx, "/agent/heartbeat", map[string]string{"jwt": signed}, nil)
}

// Send posts a signed envelope token to the broker for routing.
func (c *BrokerClient) Send(ctx context.Context, signedToken string) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	return c.postJSON(ctx, "/agent/send", map[string]string{"jwt": signedToken}, nil)
}

// SignAndSend signs the envelope and submits it in one shot. Used for
// fire-and-forget traffic (ACKs) that bypasses the retry loop.
func (c *BrokerClient) SignAndSend(ctx context.Context, env *a2a.Envelope) error {
	signed, err := c.signer.Sign(env)
	if err != nil {
		return err
	}
	return c.Send(ctx, signed)
}

// ResolveService queries /agent/services and picks the first online
// candidate by sorted agent id — a stable, deterministic policy.
func (c *BrokerClient) ResolveService(ctx context.Context, service string) (string, ServiceCard, error) {
	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/agent/services?service="+service, nil)
	if err != nil {
		return "", ServiceCard{}, fmt.Errorf("runtime: building discovery request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", ServiceCard{}, fmt.Errorf("runtime: discovery request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", ServiceCard{}, fmt.Errorf("runtime: discovery returned status %d", resp.StatusCode)
	}

	var cards map[string]ServiceCard
	if err := json.NewDecoder(resp.Body).Decode(&cards); err != nil {
		return "", ServiceCard{}, fmt.Errorf("runtime: decoding discovery response: %w", err)
	}

	ids := make([]string, 0, len(cards))
	for id := range cards {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if cards[id].Online {
			return id, cards[id], nil
		}
	}
	return "", ServiceCard{}, fmt.Errorf("%w %q", ErrNoOnlineAgents, service)
}

// postJSON posts body to path and decodes the response into out when out
// is non-nil. Non-2xx statuses are returned as errors.
func (c *BrokerClient) postJSON(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("runtime: marshaling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("runtime: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("runtime: POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("runtime: POST %s returned status %d", path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("runtime: decoding response from %s: %w", path, err)
		}
	}
	return nil
}
