package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ansa-io/ansa/internal/nlp"
)

// Gateway is the client-facing entry point of a query-originating agent:
// POST /query takes a natural-language question, translates it, resolves a
// serving agent through broker discovery, runs the A2A request, and
// formats the rows back into prose.
type Gateway struct {
	rt         *Runtime
	translator nlp.Translator
	formatter  nlp.Formatter
	service    string
	logger     *zap.Logger
}

// NewGateway creates a Gateway that resolves work targets advertising the
// given service name.
func NewGateway(rt *Runtime, translator nlp.Translator, formatter nlp.Formatter, service string, logger *zap.Logger) *Gateway {
	return &Gateway{
		rt:         rt,
		translator: translator,
		formatter:  formatter,
		service:    service,
		logger:     logger.Named("gateway"),
	}
}

// queryRequest is the client body: {"pregunta": "..."}.
type queryRequest struct {
	Pregunta string `json:"pregunta"`
}

// queryResponse is the client result: the generated SQL and the answer.
type queryResponse struct {
	SQL       string `json:"sql"`
	Respuesta string `json:"respuesta"`
}

// Query handles POST /query.
func (g *Gateway) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil || req.Pregunta == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be {\"pregunta\": \"...\"}"})
		return
	}

	if g.rt.AgentID() == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "not yet registered with broker, retry shortly"})
		return
	}

	ctx := r.Context()
	g.logger.Info("query received", zap.String("pregunta", req.Pregunta))

	// Translation is CPU-bound — run it on the task pool, off this
	// handler goroutine.
	sql, err := g.onPool(ctx, func(ctx context.Context) (string, error) {
		return g.translator.Translate(ctx, req.Pregunta)
	})
	if err != nil {
		g.logger.Error("translation failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not translate question"})
		return
	}
	g.logger.Info("sql generated", zap.String("sql", sql))

	recipientID, _, err := g.rt.broker.ResolveService(ctx, g.service)
	if err != nil {
		g.logger.Warn("service resolution failed", zap.String("service", g.service), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "no online agents for service"})
		return
	}

	rows, err := g.rt.Request(ctx, recipientID, sql)
	if err != nil {
		switch {
		case errors.Is(err, ErrReplyTimeout):
			writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "timed out waiting for response"})
		default:
			g.logger.Error("a2a request failed", zap.Error(err))
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "request could not be delivered"})
		}
		return
	}

	respuesta, err := g.onPool(ctx, func(ctx context.Context) (string, error) {
		return g.formatter.Format(ctx, req.Pregunta, rows)
	})
	if err != nil {
		g.logger.Error("formatting failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not format response"})
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{SQL: sql, Respuesta: respuesta})
}

// onPool runs f on the runtime task pool and waits for its result or
// context cancellation.
func (g *Gateway) onPool(ctx context.Context, f func(context.Context) (string, error)) (string, error) {
	done := make(chan struct{})
	var out string
	var err error

	if submitErr := g.rt.pool.Submit(func() {
		defer close(done)
		out, err = f(ctx)
	}); submitErr != nil {
		return "", submitErr
	}

	select {
	case <-done:
		return out, err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
