package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/HanTheDev/legal-research-gateway/internal/auth"
	"github.com/HanTheDev/legal-research-gateway/internal/db"
	"github.com/HanTheDev/legal-research-gateway/internal/logging"
)

type RouterConfig struct {
	Handler   *Handler
	Admin     *AdminHandler
	Auth      *auth.Middleware
	Tenants   TenantStore
	JWTSecret string
	Logger    *zap.Logger
}

func NewRouter(cfg RouterConfig) *mux.Router {
	logger := logging.OrNop(cfg.Logger)
	router := mux.NewRouter()
	router.Use(withRequestID, accessLog(logger.Named("http")))

	// Public routes
	router.HandleFunc("/health", healthHandler).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	router.HandleFunc("/auth/token", tokenHandler(cfg.Tenants, cfg.JWTSecret, logger)).Methods("POST")

	// Admin routes
	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(cfg.Auth.RequireAdmin)
	cfg.Admin.RegisterRoutes(admin)

	// Research routes
	research := router.PathPrefix("/api").Subrouter()
	research.Use(cfg.Auth.Authenticate)
	research.HandleFunc("/research", cfg.Handler.Research).Methods("POST")
	research.HandleFunc("/evaluate", cfg.Handler.Evaluate).Methods("POST")
	research.HandleFunc("/outcome", cfg.Handler.Outcome).Methods("POST")
	research.HandleFunc("/estimate", cfg.Handler.Estimate).Methods("POST")
	research.HandleFunc("/usage", cfg.Handler.Usage).Methods("GET")

	return router
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "1.0.0",
	})
}

// tokenHandler exchanges a tenant API key for a bearer token bound to the
// given user.
func tokenHandler(tenants TenantStore, jwtSecret string, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if tenants == nil {
			http.Error(w, "Tenant store not configured", http.StatusServiceUnavailable)
			return
		}
		var req struct {
			APIKey string `json:"api_key"`
			UserID string `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.APIKey == "" || req.UserID == "" {
			http.Error(w, "api_key and user_id are required", http.StatusBadRequest)
			return
		}

		tenant, err := tenants.GetTenantByAPIKey(r.Context(), req.APIKey)
		if err != nil {
			if !errors.Is(err, db.ErrNotFound) {
				logger.Error("tenant lookup failed", zap.Error(err))
			}
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		token, err := auth.GenerateToken(tenant.ID, req.UserID, jwtSecret, auth.DefaultTokenTTL)
		if err != nil {
			logger.Error("token generation failed", zap.String("tenant", tenant.ID), zap.Error(err))
			http.Error(w, "Failed to generate token", http.StatusInternalServerError)
			return
		}

		logger.Info("token issued", zap.String("tenant", tenant.ID), zap.String("user", req.UserID))
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}
