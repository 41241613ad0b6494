package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/analysis"
)

// Query defaults for the network endpoints.
const (
	defaultPercentile = 90
	defaultCutoff     = 6
	defaultPathLimit  = 5
)

// queryInt reads an integer query parameter, falling back to def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", analysis.ErrInvalidRequest, name)
	}
	return v, nil
}

// Analysis returns the heuristic summary of a case.
func (h *Handler) Analysis(w http.ResponseWriter, r *http.Request) {
	summary, err := h.deps.Analysis.RunAnalysis(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Network returns the network report of a case.
func (h *Handler) Network(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Analysis.NetworkReport(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// CriticalNodes returns the people at or above ?percentile in any
// centrality measure.
func (h *Handler) CriticalNodes(w http.ResponseWriter, r *http.Request) {
	percentile := float64(defaultPercentile)
	if raw := r.URL.Query().Get("percentile"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: percentile must be a number", analysis.ErrInvalidRequest))
			return
		}
		percentile = v
	}

	res, err := h.deps.Analysis.CriticalNodes(r.Context(), chi.URLParam(r, "caseID"), percentile)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Paths returns the heaviest simple paths between ?from and ?to.
func (h *Handler) Paths(w http.ResponseWriter, r *http.Request) {
	cutoff, err := queryInt(r, "cutoff", defaultCutoff)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultPathLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	paths, err := h.deps.Analysis.Paths(r.Context(), chi.URLParam(r, "caseID"), q.Get("from"), q.Get("to"), cutoff, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"paths": paths,
		"count": len(paths),
	})
}

// Profile returns the activity profile of a party.
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	window, err := queryInt(r, "window_days", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.deps.Profiles.GetProfile(r.Context(), chi.URLParam(r, "id"), window)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
