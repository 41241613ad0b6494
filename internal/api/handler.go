package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/heuristics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/triage"
	"github.com/opensource-finance/kestrel/internal/typology"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// DetectionRunner runs the active catalog over a case.
type DetectionRunner interface {
	Run(ctx context.Context, caseID string) (*typology.RunResult, error)
}

// Handler holds dependencies for API handlers.
type Handler struct {
	deps     Deps
	validate *validator.Validate
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string) *Handler {
	if deps.Triage == nil {
		deps.Triage = triage.NewProcessor()
	}
	return &Handler{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		version:  version,
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// writeError maps service errors onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, repository.ErrInvalidInput),
		errors.Is(err, analysis.ErrInvalidRequest),
		errors.Is(err, heuristics.ErrInvalidParameter),
		errors.Is(err, heuristics.ErrUnknownTypology),
		errors.Is(err, velocity.ErrMissingParty):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, domain.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorBody("analysis timed out"))
	default:
		slog.Error("request failed", "path", r.URL.Path, "trace_id", GetTraceID(r.Context()), "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

// decode reads a JSON body into v and validates its tags.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON request body"))
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			writeJSON(w, http.StatusBadRequest, errorBody("invalid field "+fe.Field()+": failed "+fe.Tag()))
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return false
	}
	return true
}

// Health reports backend status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	ping := func(name string, fn func(context.Context) error) {
		if err := fn(r.Context()); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.deps.Repo != nil {
		ping("repository", h.deps.Repo.Ping)
	}
	if h.deps.Cache != nil {
		ping("cache", h.deps.Cache.Ping)
	}
	if h.deps.Bus != nil {
		ping("bus", h.deps.Bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// ListTypologies returns the whole catalog, active or not.
func (h *Handler) ListTypologies(w http.ResponseWriter, r *http.Request) {
	typologies, err := h.deps.Repo.ListTypologies(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"typologies": typologies,
		"count":      len(typologies),
	})
}

// GetTypology returns one catalog entry by code.
func (h *Handler) GetTypology(w http.ResponseWriter, r *http.Request) {
	t, err := h.deps.Repo.GetTypology(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// PutTypologyRequest is the body of PUT /typologies/{code}.
type PutTypologyRequest struct {
	Name        string         `json:"name" validate:"required,max=200"`
	Category    string         `json:"category" validate:"max=100"`
	Description string         `json:"description" validate:"max=2000"`
	RiskWeight  *int           `json:"riskWeight" validate:"required,min=0,max=10"`
	Parameters  map[string]any `json:"parameters"`
	Gate        string         `json:"gate" validate:"max=1000"`
	Active      *bool          `json:"active" validate:"required"`
}

// PutTypology creates or replaces a catalog entry. The entry must name a
// registered heuristic, carry valid parameters and compile its gate.
func (h *Handler) PutTypology(w http.ResponseWriter, r *http.Request) {
	var req PutTypologyRequest
	if !h.decode(w, r, &req) {
		return
	}

	t := &domain.Typology{
		Code:        chi.URLParam(r, "code"),
		Name:        req.Name,
		Category:    req.Category,
		Description: req.Description,
		RiskWeight:  *req.RiskWeight,
		Parameters:  req.Parameters,
		Gate:        req.Gate,
		Active:      *req.Active,
	}
	if err := h.deps.Validator.Validate(t); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if err := h.deps.Repo.SaveTypology(r.Context(), t); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("typology saved", "typology", t.Code, "risk_weight", t.RiskWeight, "active", t.Active)
	writeJSON(w, http.StatusOK, t)
}

// RunResponse is the body returned by a synchronous detection run.
type RunResponse struct {
	Result  *typology.RunResult `json:"result"`
	Digest  *triage.Digest      `json:"digest"`
	Reasons []string            `json:"reasons,omitempty"`
}

// RunDetections runs the catalog over a case. With ?async=true the run is
// queued on the bus and 202 is returned at once.
func (h *Handler) RunDetections(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caseID := chi.URLParam(r, "caseID")

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if h.deps.Bus == nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody("event bus not available"))
			return
		}
		payload, _ := json.Marshal(domain.DetectionRequest{
			CaseID:      caseID,
			RequestedBy: r.Header.Get(RequestIDHeader),
		})
		if err := h.deps.Bus.Publish(ctx, domain.TopicDetectionRequested, payload); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "accepted",
			"caseId": caseID,
		})
		return
	}

	start := time.Now()
	result, err := h.deps.Runner.Run(ctx, caseID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	digest := h.deps.Triage.Process(ctx, &triage.Input{
		CaseID:     result.CaseID,
		RunID:      result.RunID,
		Detections: result.Detections,
		Gaps:       result.Gaps(),
		StartTime:  start,
	})
	digest.Metadata.TraceID = GetTraceID(ctx)

	writeJSON(w, http.StatusOK, RunResponse{
		Result:  result,
		Digest:  digest,
		Reasons: triage.Reasons(digest),
	})
}

// ListDetections returns every stored detection of a case, newest run first.
func (h *Handler) ListDetections(w http.ResponseWriter, r *http.Request) {
	views, err := h.deps.Repo.ListDetections(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if views == nil {
		views = []*domain.DetectionView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"detections": views,
		"count":      len(views),
	})
}

// UpdateDetectionRequest is the body of PATCH /detections/{id}.
type UpdateDetectionRequest struct {
	State domain.DetectionState `json:"state" validate:"required,oneof=NEW REVIEWED CONFIRMED DISMISSED"`
	Notes string                `json:"notes" validate:"max=4000"`
}

// UpdateDetection moves a detection through its review lifecycle.
func (h *Handler) UpdateDetection(w http.ResponseWriter, r *http.Request) {
	var req UpdateDetectionRequest
	if !h.decode(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "id")
	d, err := h.deps.Repo.UpdateDetectionState(r.Context(), id, req.State, req.Notes)
	if err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("detection reviewed", "detection_id", id, "state", d.State)
	writeJSON(w, http.StatusOK, d)
}
