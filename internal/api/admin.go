package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/HanTheDev/legal-research-gateway/internal/db"
	"github.com/HanTheDev/legal-research-gateway/internal/governor"
	"github.com/HanTheDev/legal-research-gateway/internal/logging"
	"github.com/HanTheDev/legal-research-gateway/internal/models"
)

// TenantStore is the durable tenant registry and query log. It is optional;
// without it the tenant and history endpoints answer 503.
type TenantStore interface {
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	GetTenantByAPIKey(ctx context.Context, apiKey string) (*models.Tenant, error)
	RotateAPIKey(ctx context.Context, tenantID, apiKey string) error
	GetTenantAnalytics(ctx context.Context, tenantID string, from, to time.Time) (*models.TenantAnalytics, error)
}

type AdminHandler struct {
	gov     *governor.Governor
	tenants TenantStore
	logger  *zap.Logger
}

func NewAdminHandler(gov *governor.Governor, tenants TenantStore, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{gov: gov, tenants: tenants, logger: logging.OrNop(logger)}
}

func (h *AdminHandler) RegisterRoutes(router *mux.Router) {
	// Tenant management
	router.HandleFunc("/tenants", h.CreateTenant).Methods("POST")
	router.HandleFunc("/tenants/{tenant}/rotate-key", h.RotateAPIKey).Methods("POST")

	// Cache
	router.HandleFunc("/tenants/{tenant}/cache/invalidate", h.InvalidateCache).Methods("POST")
	router.HandleFunc("/tenants/{tenant}/cache/retract", h.RetractAnswer).Methods("POST")

	// Rate limits and analytics
	router.HandleFunc("/users/{user}/ratelimit", h.ResetRateLimit).Methods("DELETE")
	router.HandleFunc("/tenants/{tenant}/users/{user}/ratelimit", h.GetRateLimit).Methods("GET")
	router.HandleFunc("/tenants/{tenant}/users/{user}/analytics", h.ResetAnalytics).Methods("DELETE")
	router.HandleFunc("/tenants/{tenant}/analytics", h.GetAnalytics).Methods("GET")
}

func (h *AdminHandler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	if h.tenants == nil {
		http.Error(w, "Tenant store not configured", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "Name is required", http.StatusBadRequest)
		return
	}

	apiKey, err := generateAPIKey()
	if err != nil {
		http.Error(w, "Failed to generate API key", http.StatusInternalServerError)
		return
	}

	tenant := &models.Tenant{Name: req.Name, APIKey: apiKey}
	if err := h.tenants.CreateTenant(r.Context(), tenant); err != nil {
		h.logger.Error("failed to create tenant", zap.Error(err))
		http.Error(w, "Failed to create tenant", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, tenant)
}

func (h *AdminHandler) RotateAPIKey(w http.ResponseWriter, r *http.Request) {
	if h.tenants == nil {
		http.Error(w, "Tenant store not configured", http.StatusServiceUnavailable)
		return
	}
	tenantID := mux.Vars(r)["tenant"]

	apiKey, err := generateAPIKey()
	if err != nil {
		http.Error(w, "Failed to generate API key", http.StatusInternalServerError)
		return
	}
	if err := h.tenants.RotateAPIKey(r.Context(), tenantID, apiKey); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			http.Error(w, "Tenant not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to rotate api key", zap.String("tenant", tenantID), zap.Error(err))
		http.Error(w, "Failed to rotate API key", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"api_key": apiKey})
}

func (h *AdminHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	var req struct {
		Scope string `json:"scope"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request", http.StatusBadRequest)
			return
		}
	}

	removed, err := h.gov.InvalidateCache(r.Context(), tenantID, req.Scope)
	if err != nil {
		h.logger.Error("cache invalidation failed", zap.String("tenant", tenantID), zap.Error(err))
		http.Error(w, "Failed to invalidate cache", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (h *AdminHandler) RetractAnswer(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	var req struct {
		Mode      string `json:"mode"`
		CaseScope string `json:"case_scope"`
		Query     string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	m, err := models.ParseMode(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.gov.RetractAnswer(r.Context(), tenantID, m, req.CaseScope, req.Query); err != nil {
		if errors.Is(err, governor.ErrInvalidRequest) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "Failed to retract answer", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	if err := h.gov.ResetUserRateLimit(r.Context(), mux.Vars(r)["user"]); err != nil {
		http.Error(w, "Failed to reset rate limit", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) GetRateLimit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, remainingByMode(r.Context(), h.gov, mux.Vars(r)["user"]))
}

func (h *AdminHandler) ResetAnalytics(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	h.gov.ResetUserAnalytics(vars["tenant"], vars["user"])
	w.WriteHeader(http.StatusNoContent)
}

// GetAnalytics returns the live hour buckets and, with a tenant store, the
// query log aggregate for ?from=YYYY-MM-DD&to=YYYY-MM-DD, both inclusive
// (default: last 7 days).
func (h *AdminHandler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	out := map[string]any{"live": h.gov.TenantUsage(tenantID)}

	if h.tenants != nil {
		to := time.Now().UTC()
		from := to.AddDate(0, 0, -7)
		var err error
		if v := r.URL.Query().Get("from"); v != "" {
			if from, err = time.Parse(time.DateOnly, v); err != nil {
				http.Error(w, "Invalid from date", http.StatusBadRequest)
				return
			}
		}
		if v := r.URL.Query().Get("to"); v != "" {
			if to, err = time.Parse(time.DateOnly, v); err != nil {
				http.Error(w, "Invalid to date", http.StatusBadRequest)
				return
			}
			to = to.AddDate(0, 0, 1)
		}

		stats, err := h.tenants.GetTenantAnalytics(r.Context(), tenantID, from, to)
		if err != nil {
			h.logger.Error("failed to get analytics", zap.String("tenant", tenantID), zap.Error(err))
			http.Error(w, "Failed to get analytics", http.StatusInternalServerError)
			return
		}
		out["history"] = stats
	}
	writeJSON(w, http.StatusOK, out)
}

func generateAPIKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
