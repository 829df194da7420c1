package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/keelguard/internal/baseline"
	"github.com/opensource-finance/keelguard/internal/detector"
	"github.com/opensource-finance/keelguard/internal/domain"
	"github.com/opensource-finance/keelguard/internal/profile"
	"github.com/opensource-finance/keelguard/internal/rules"
)

const (
	maxBodyBytes        = 1 << 20
	recentCancellations = 5
	defaultAuditLimit   = 50
	maxAuditLimit       = 500
)

// HealthMonitor is the learned-model health monitor.
type HealthMonitor interface {
	State() domain.ServiceHealthState
	Probe(ctx context.Context) error
}

// Deps holds everything the handlers use. Bus, Cache, ModelHealth and Rules
// are optional.
type Deps struct {
	Repo        domain.Repository
	Cache       domain.Cache
	Bus         domain.EventBus
	Detector    *detector.Detector
	Profiles    *profile.Store
	Comparator  *baseline.Comparator
	ModelHealth HealthMonitor
	Rules       *rules.CustomRules

	FlagThreshold float64
	Version       string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	Deps
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{Deps: deps}
}

// IngestEvent handles POST /booking-events. With ?async=true the event is
// queued on the bus for the worker instead of processed inline.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.BookingEvent
	if !decodeBody(w, r, &ev) {
		return
	}
	if err := ev.Validate(); err != nil {
		writeError(w, r, err)
		return
	}

	if r.URL.Query().Get("async") == "true" {
		h.enqueueEvent(w, r, &ev)
		return
	}

	res, err := h.Detector.ProcessEvent(r.Context(), &ev)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) enqueueEvent(w http.ResponseWriter, r *http.Request, ev *domain.BookingEvent) {
	if h.Bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Bus.Publish(r.Context(), domain.TopicBookingEvent, ev.UserID, payload); err != nil {
		slog.Error("failed to queue booking event", "user_id", ev.UserID, "event_id", ev.ID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "failed to queue event",
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"eventId": ev.ID,
		"status":  "queued",
	})
}

// AnalyzeFraud handles POST /analyze-fraud.
func (h *Handler) AnalyzeFraud(w http.ResponseWriter, r *http.Request) {
	var req detector.AnalyzeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.Detector.Analyze(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ProfileResponse is a fraud profile with its risk level and recent
// cancellations.
type ProfileResponse struct {
	*domain.FraudProfile
	RiskLevel           string                 `json:"riskLevel"`
	RecentCancellations []*domain.BookingEvent `json:"recentCancellations"`
}

// GetProfile handles GET /fraud-profile/{userId}. An unknown user gets a
// zero profile with status 404.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userId")

	p, err := h.Profiles.Get(ctx, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := ProfileResponse{
		FraudProfile:        p,
		RiskLevel:           detector.RiskLevel(p.RiskScore),
		RecentCancellations: []*domain.BookingEvent{},
	}
	if p.IsZero() {
		writeJSON(w, http.StatusNotFound, resp)
		return
	}

	recent, err := h.Repo.ListCancellations(ctx, userID, recentCancellations)
	if err != nil {
		slog.Warn("failed to list recent cancellations", "user_id", userID, "error", err)
	} else if len(recent) > 0 {
		resp.RecentCancellations = recent
	}
	writeJSON(w, http.StatusOK, resp)
}

// RebuildProfile handles POST /fraud-profile/{userId}/rebuild.
func (h *Handler) RebuildProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.Profiles.Rebuild(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ProfileResponse{
		FraudProfile:        p,
		RiskLevel:           detector.RiskLevel(p.RiskScore),
		RecentCancellations: []*domain.BookingEvent{},
	})
}

// ListProfiles handles GET /fraud-profiles.
func (h *Handler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.Profiles.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"profiles": profiles,
		"count":    len(profiles),
	})
}

// FlaggedUsers handles GET /flagged-users?threshold=.
func (h *Handler) FlaggedUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	threshold := h.FlagThreshold
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || v < 0 || v > 100 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "threshold must be a number between 0 and 100",
			})
			return
		}
		threshold = v
	}

	flagged, err := h.Profiles.ListFlagged(ctx, threshold)
	if err != nil {
		writeError(w, r, err)
		return
	}
	stats, err := h.Detector.Statistics(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"flaggedUsers":    flagged,
		"count":           len(flagged),
		"threshold":       threshold,
		"statistics":      stats,
		"isRuleBased":     stats.IsRuleBased,
		"detectionMethod": stats.DetectionMethod,
	})
}

// FraudStatistics handles GET /fraud-statistics.
func (h *Handler) FraudStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Detector.Statistics(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ModelStatus handles GET /python-service-status. With ?refresh=true the
// service is probed first.
func (h *Handler) ModelStatus(w http.ResponseWriter, r *http.Request) {
	if h.ModelHealth == nil {
		writeJSON(w, http.StatusOK, domain.ServiceHealthState{
			State:         domain.CircuitOpen,
			UsingFallback: true,
			LastError:     "learned model disabled",
		})
		return
	}

	if r.URL.Query().Get("refresh") == "true" {
		if err := h.ModelHealth.Probe(r.Context()); err != nil {
			slog.Debug("model service probe failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, h.ModelHealth.State())
}

type comparisonResponse struct {
	*domain.BaselineComparison
	DetectionMethod string `json:"detectionMethod"`
}

// CompareWithHotel handles GET /compare-with-hotel and
// GET /compare-with-hotel/{userId}. A failed comparison is reported with
// available=false and status 200.
func (h *Handler) CompareWithHotel(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	cmp, err := h.Comparator.Compare(r.Context(), userID)
	if err != nil {
		if !errors.Is(err, domain.ErrProfileNotFound) && !errors.Is(err, domain.ErrBaselineUnavailable) {
			slog.Error("baseline comparison failed", "user_id", userID, "error", err)
		}
		cmp = baseline.Unavailable(userID, err)
	}
	writeJSON(w, http.StatusOK, comparisonResponse{
		BaselineComparison: cmp,
		DetectionMethod:    cmp.Source,
	})
}

// ReasonAnalysis handles GET /cancellation-reason-analysis and
// GET /cancellation-reason-analysis/{userId}.
func (h *Handler) ReasonAnalysis(w http.ResponseWriter, r *http.Request) {
	res, err := h.Detector.ReasonAnalysis(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListAssessments handles GET /assessments/{userId}?limit=.
func (h *Handler) ListAssessments(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = min(v, maxAuditLimit)
	}

	assessments, err := h.Repo.ListAssessments(r.Context(), userID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if assessments == nil {
		assessments = []*domain.RiskAssessment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":      userID,
		"assessments": assessments,
		"count":       len(assessments),
	})
}

// GetBaseline handles GET /baseline.
func (h *Handler) GetBaseline(w http.ResponseWriter, r *http.Request) {
	d, err := h.Comparator.Dataset(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ReplaceBaseline handles PUT /baseline.
func (h *Handler) ReplaceBaseline(w http.ResponseWriter, r *http.Request) {
	var d domain.BaselineDataset
	if !decodeBody(w, r, &d) {
		return
	}
	if err := h.Comparator.Replace(r.Context(), &d); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("baseline replaced", "source", d.Source, "sample_size", d.SampleSize)
	writeJSON(w, http.StatusOK, d)
}

// ListRules returns the custom rules currently in effect.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loaded := []*domain.CustomRule{}
	if h.Rules != nil {
		loaded = h.Rules.Loaded()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  loaded,
		"count":  len(loaded),
		"source": "database",
	})
}

// CreateRule validates a custom rule and saves it. It takes effect after
// POST /rules/reload.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	if h.Rules == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "custom rules not available",
		})
		return
	}

	var rule domain.CustomRule
	if !decodeBody(w, r, &rule) {
		return
	}
	if err := h.Rules.Validate(&rule); err != nil {
		writeError(w, r, err)
		return
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	if err := h.Repo.SaveCustomRule(r.Context(), &rule); err != nil {
		slog.Error("failed to save custom rule", "id", rule.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	slog.Info("custom rule saved", "id", rule.ID, "enabled", rule.Enabled)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule saved. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads custom rules from the database.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if h.Rules == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "custom rules not available",
		})
		return
	}

	stored, err := h.Repo.ListCustomRules(r.Context())
	if err != nil {
		slog.Error("failed to list custom rules", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}
	if err := h.Rules.Reload(stored); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("custom rules reloaded", "stored", len(stored), "active", h.Rules.Count())
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   h.Rules.Count(),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.Repo != nil {
		check("repository", h.Repo.Ping)
	}
	if h.Cache != nil {
		check("cache", h.Cache.Ping)
	}
	if h.Bus != nil {
		check("eventBus", h.Bus.Ping)
	}

	method, _ := h.Detector.DetectionMethod()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          status,
		"version":         h.Version,
		"checks":          checks,
		"detectionMethod": method,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Repo != nil {
		if err := h.Repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
				"error": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	return true
}

// writeError maps domain errors to HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal server error"

	switch {
	case errors.Is(err, domain.ErrInputInvalid):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrProfileNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrBaselineUnavailable):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, profile.ErrNoEventLog):
		status, msg = http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, msg = http.StatusServiceUnavailable, "request canceled"
	default:
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}
