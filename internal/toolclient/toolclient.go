// Package toolclient reaches the analytical tool surface over HTTP: the
// query endpoint the sales agent evaluates SQL through, and the metadata
// endpoints the translator grounds its prompts in.
package toolclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// queryTimeout bounds one round-trip to the tool endpoint.
const queryTimeout = 10 * time.Second

// Client calls the tool endpoints under baseURL. It implements
// runtime.QueryExecutor and nlp.Metadata.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// New creates a Client. hc is the shared long-lived HTTP client.
func New(baseURL string, hc *http.Client, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  hc,
		logger:  logger.Named("toolclient"),
	}
}

// Execute evaluates a SQL statement via GET /tool/consulta and returns the
// result rows.
func (c *Client) Execute(ctx context.Context, query string) ([]map[string]any, error) {
	var out struct {
		Resultado []map[string]any `json:"resultado"`
	}
	params := url.Values{"sql": {query}}
	if err := c.getJSON(ctx, "/tool/consulta?"+params.Encode(), &out); err != nil {
		return nil, err
	}
	return out.Resultado, nil
}

// Products returns the product vocabulary from /tool/info/productos.
func (c *Client) Products(ctx context.Context) ([]string, error) {
	var out struct {
		Productos []string `json:"productos"`
	}
	if err := c.getJSON(ctx, "/tool/info/productos", &out); err != nil {
		return nil, err
	}
	return out.Productos, nil
}

// DateRange returns the covered date bounds from /tool/info/fechas.
func (c *Client) DateRange(ctx context.Context) (min, max string, err error) {
	var out struct {
		MinFecha string `json:"min_fecha"`
		MaxFecha string `json:"max_fecha"`
	}
	if err := c.getJSON(ctx, "/tool/info/fechas", &out); err != nil {
		return "", "", err
	}
	return out.MinFecha, out.MaxFecha, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("toolclient: building request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("toolclient: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("toolclient: GET %s returned status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("toolclient: decoding response from %s: %w", path, err)
	}
	return nil
}
