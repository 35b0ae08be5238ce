package salesdata

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Handler exposes the tool routes mounted into the broker router:
//
//	GET /tool/consulta?sql=…     → {"resultado": [rows]}
//	GET /tool/info/productos     → {"productos": [...]}
//	GET /tool/info/fechas        → {"min_fecha": "...", "max_fecha": "..."}
type Handler struct {
	store  *Store
	logger *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(store *Store, logger *zap.Logger) *Handler {
	return &Handler{
		store:  store,
		logger: logger.Named("salesdata"),
	}
}

// Mount registers the tool routes on r. Passed to the broker router config
// so the api package stays independent of the sales schema.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/consulta", h.Consulta)
	r.Get("/info/productos", h.Productos)
	r.Get("/info/fechas", h.Fechas)
}

func (h *Handler) Consulta(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("sql")
	if query == "" {
		h.writeError(w, http.StatusBadRequest, "sql query parameter is required")
		return
	}

	rows, err := h.store.Query(r.Context(), query)
	if err != nil {
		if errors.Is(err, ErrNotSelect) {
			h.writeError(w, http.StatusBadRequest, "only SELECT statements are accepted")
			return
		}
		h.logger.Warn("query failed", zap.String("sql", query), zap.Error(err))
		h.writeError(w, http.StatusBadRequest, "query execution failed")
		return
	}

	h.logger.Info("query served", zap.String("sql", query), zap.Int("rows", len(rows)))
	h.writeJSON(w, map[string]any{"resultado": rows})
}

func (h *Handler) Productos(w http.ResponseWriter, r *http.Request) {
	products, err := h.store.Products(r.Context())
	if err != nil {
		h.logger.Error("failed to list products", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "an internal error occurred")
		return
	}
	h.writeJSON(w, map[string]any{"productos": products})
}

func (h *Handler) Fechas(w http.ResponseWriter, r *http.Request) {
	min, max, err := h.store.DateRange(r.Context())
	if err != nil {
		h.logger.Error("failed to read date range", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "an internal error occurred")
		return
	}
	h.writeJSON(w, map[string]any{"min_fecha": min, "max_fecha": max})
}

func (h *Handler) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": message}})
}
