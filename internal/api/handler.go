// Package api exposes the governor over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/HanTheDev/legal-research-gateway/internal/auth"
	"github.com/HanTheDev/legal-research-gateway/internal/completion"
	"github.com/HanTheDev/legal-research-gateway/internal/governor"
	"github.com/HanTheDev/legal-research-gateway/internal/logging"
	"github.com/HanTheDev/legal-research-gateway/internal/models"
	"github.com/HanTheDev/legal-research-gateway/internal/quality"
	"github.com/HanTheDev/legal-research-gateway/internal/ratelimit"
)

// Completer runs the expensive text-generation call.
type Completer interface {
	Complete(ctx context.Context, prompt string, mode models.Mode) (completion.Result, error)
}

type Handler struct {
	gov       *governor.Governor
	completer Completer
	pricing   completion.Pricing
	logger    *zap.Logger
}

func NewHandler(gov *governor.Governor, completer Completer, pricing completion.Pricing, logger *zap.Logger) *Handler {
	return &Handler{gov: gov, completer: completer, pricing: pricing, logger: logging.OrNop(logger)}
}

type queryRequest struct {
	Query     string `json:"query"`
	CaseScope string `json:"case_scope"`
	Mode      string `json:"mode"`
}

type researchResponse struct {
	Answer       string              `json:"answer"`
	FromCache    bool                `json:"from_cache"`
	Decision     governor.Decision   `json:"decision"`
	ActualCost   float64             `json:"actual_cost"`
	TokensUsed   int                 `json:"tokens_used"`
	Quality      quality.Score       `json:"quality"`
	CounselReady *quality.GateResult `json:"counsel_ready,omitempty"`
	LogID        string              `json:"log_id"`
}

// Research runs the whole flow: evaluate, complete on a miss, record.
func (h *Handler) Research(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims, ok := claimsOrReject(w, r)
	if !ok {
		return
	}
	req, m, ok := decodeQuery(w, r)
	if !ok {
		return
	}

	d, err := h.gov.EvaluateQuery(r.Context(), governor.Request{
		TenantID:  claims.TenantID,
		UserID:    claims.UserID,
		CaseScope: req.CaseScope,
		Query:     req.Query,
		Mode:      m,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := researchResponse{Decision: d}
	if d.CachedAnswer != nil {
		resp.Answer = d.CachedAnswer.Answer
		resp.FromCache = true
		w.Header().Set("X-Cache-Status", "HIT")
	} else {
		res, err := h.completer.Complete(r.Context(), req.Query, d.Mode)
		if err != nil {
			h.gov.Abandon(context.WithoutCancel(r.Context()), d)
			if r.Context().Err() != nil {
				h.logger.Info("research request abandoned", zap.String("tenant", claims.TenantID), zap.String("user", claims.UserID))
				return
			}
			h.logger.Error("completion failed", zap.String("tenant", claims.TenantID), zap.Error(err))
			http.Error(w, "Completion service unavailable", http.StatusBadGateway)
			return
		}
		resp.Answer = res.Text
		resp.TokensUsed = res.TokensUsed
		resp.ActualCost = h.pricing.Cost(d.Mode, res.TokensUsed)
		w.Header().Set("X-Cache-Status", "MISS")
	}

	rep, err := h.gov.RecordOutcome(r.Context(), governor.Outcome{
		TenantID:      claims.TenantID,
		UserID:        claims.UserID,
		CaseScope:     d.CaseScope,
		Mode:          d.Mode,
		Query:         req.Query,
		Answer:        resp.Answer,
		PredictedCost: d.Prediction.Estimate,
		ActualCost:    resp.ActualCost,
		Latency:       time.Since(start),
		FromCache:     resp.FromCache,
	})
	if err != nil {
		h.logger.Warn("failed to record outcome", zap.Error(err))
	}
	resp.Quality = rep.Quality
	resp.CounselReady = rep.Gate
	resp.LogID = rep.LogID

	writeJSON(w, http.StatusOK, resp)
}

// Evaluate is the decision half of Research for callers that run the
// completion themselves and report back through Outcome.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOrReject(w, r)
	if !ok {
		return
	}
	req, m, ok := decodeQuery(w, r)
	if !ok {
		return
	}

	d, err := h.gov.EvaluateQuery(r.Context(), governor.Request{
		TenantID:  claims.TenantID,
		UserID:    claims.UserID,
		CaseScope: req.CaseScope,
		Query:     req.Query,
		Mode:      m,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) Outcome(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOrReject(w, r)
	if !ok {
		return
	}
	var req struct {
		CaseScope     string  `json:"case_scope"`
		Mode          string  `json:"mode"`
		Query         string  `json:"query"`
		Answer        string  `json:"answer"`
		PredictedCost float64 `json:"predicted_cost"`
		ActualCost    float64 `json:"actual_cost"`
		LatencyMs     int64   `json:"latency_ms"`
		FromCache     bool    `json:"from_cache"`
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

	rep, err := h.gov.RecordOutcome(r.Context(), governor.Outcome{
		TenantID:      claims.TenantID,
		UserID:        claims.UserID,
		CaseScope:     req.CaseScope,
		Mode:          m,
		Query:         req.Query,
		Answer:        req.Answer,
		PredictedCost: req.PredictedCost,
		ActualCost:    req.ActualCost,
		Latency:       time.Duration(req.LatencyMs) * time.Millisecond,
		FromCache:     req.FromCache,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) Estimate(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOrReject(w, r)
	if !ok {
		return
	}
	req, m, ok := decodeQuery(w, r)
	if !ok {
		return
	}

	sel, pred := h.gov.Estimate(claims.TenantID, claims.UserID, req.Query, m)
	writeJSON(w, http.StatusOK, map[string]any{
		"selection":  sel,
		"prediction": pred,
	})
}

func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsOrReject(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":         h.gov.UserUsage(claims.TenantID, claims.UserID),
		"current_hour": h.gov.CurrentHour(claims.TenantID),
		"remaining":    remainingByMode(r.Context(), h.gov, claims.UserID),
	})
}

func remainingByMode(ctx context.Context, gov *governor.Governor, userID string) map[models.Mode]ratelimit.Remaining {
	return map[models.Mode]ratelimit.Remaining{
		models.ModeFast:     gov.RateLimitStatus(ctx, userID, models.ModeFast),
		models.ModeThorough: gov.RateLimitStatus(ctx, userID, models.ModeThorough),
	}
}

func claimsOrReject(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := auth.GetClaimsFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	return claims, true
}

func decodeQuery(w http.ResponseWriter, r *http.Request) (queryRequest, models.Mode, bool) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return req, "", false
	}
	m, err := models.ParseMode(req.Mode)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return req, "", false
	}
	return req, m, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var denied *governor.AdmissionDeniedError
	switch {
	case errors.As(err, &denied):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(denied.RetryAfter.Seconds()))))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "rate limit exceeded",
			"mode":        denied.Mode,
			"retry_after": denied.RetryAfter.Seconds(),
			"remaining":   denied.Remaining,
		})
	case errors.Is(err, governor.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error("request failed", zap.Error(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
