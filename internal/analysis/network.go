package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/graph"
	"github.com/opensource-finance/kestrel/internal/heuristics"
)

// MaxPathCutoff bounds the path search depth accepted from callers.
const MaxPathCutoff = 10

// MaxPathLimit bounds how many paths a caller may request.
const MaxPathLimit = 100

func (s *Service) loadGraph(ctx context.Context, caseID string) (*heuristics.Snapshot, *graph.Graph, error) {
	if caseID == "" {
		return nil, nil, ErrInvalidRequest
	}
	snap, err := heuristics.LoadSnapshot(ctx, s.gateway, caseID, s.now())
	if err != nil {
		return nil, nil, err
	}
	g := graph.Build(snap.Transactions, snap.Parties(), graph.Options{IncludeAccounts: s.cfg.IncludeAccounts})
	return snap, g, nil
}

// NetworkReport builds the network report of a case. Reports are cached
// per transaction set, so an unchanged case is served from cache.
func (s *Service) NetworkReport(ctx context.Context, caseID string) (*graph.Report, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, report, err := s.report(ctx, caseID)
	return report, err
}

func (s *Service) report(ctx context.Context, caseID string) (*graph.Graph, *graph.Report, error) {
	snap, g, err := s.loadGraph(ctx, caseID)
	if err != nil {
		return nil, nil, err
	}

	key := fmt.Sprintf("network:%s:%t", snap.Fingerprint(), s.cfg.IncludeAccounts)
	if cached := s.cachedReport(ctx, caseID, key); cached != nil {
		return g, cached, nil
	}

	report, err := graph.BuildReport(ctx, g)
	if err != nil {
		return nil, nil, err
	}
	report.SkippedRecords += snap.Skipped()
	for _, me := range report.Centrality.Errors {
		slog.Warn("centrality measure failed", "case_id", caseID, "measure", me.Measure, "error", me.Error)
	}

	s.storeReport(ctx, caseID, key, report)
	return g, report, nil
}

func (s *Service) cachedReport(ctx context.Context, caseID, key string) *graph.Report {
	if s.cache == nil {
		return nil
	}
	data, err := s.cache.Get(ctx, caseID, key)
	if err != nil {
		slog.Warn("network cache read failed", "case_id", caseID, "error", err)
		return nil
	}
	if data == nil {
		return nil
	}
	var report graph.Report
	if err := json.Unmarshal(data, &report); err != nil {
		slog.Warn("discarding unreadable cached report", "case_id", caseID, "error", err)
		return nil
	}
	return &report
}

func (s *Service) storeReport(ctx context.Context, caseID, key string, report *graph.Report) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(report)
	if err != nil {
		slog.Warn("failed to encode network report", "case_id", caseID, "error", err)
		return
	}
	if err := s.cache.Set(ctx, caseID, key, data, s.cfg.CacheTTL); err != nil {
		slog.Warn("network cache write failed", "case_id", caseID, "error", err)
	}
}

// CriticalNodes returns the people at or above the given centrality
// percentile (0-100) in any measure.
func (s *Service) CriticalNodes(ctx context.Context, caseID string, percentile float64) (*graph.CriticalNodes, error) {
	if percentile < 0 || percentile > 100 {
		return nil, fmt.Errorf("%w: percentile %.2f outside 0..100", ErrInvalidRequest, percentile)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	g, report, err := s.report(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return graph.FindCriticalNodes(g, report.Centrality, percentile)
}

// Paths returns up to limit of the heaviest simple paths from origin to
// destination with at most cutoff transfers.
func (s *Service) Paths(ctx context.Context, caseID, origin, destination string, cutoff, limit int) ([]graph.Path, error) {
	if origin == "" || destination == "" {
		return nil, fmt.Errorf("%w: origin and destination are required", ErrInvalidRequest)
	}
	if cutoff < 1 || cutoff > MaxPathCutoff {
		return nil, fmt.Errorf("%w: cutoff %d outside 1..%d", ErrInvalidRequest, cutoff, MaxPathCutoff)
	}
	if limit < 1 || limit > MaxPathLimit {
		return nil, fmt.Errorf("%w: limit %d outside 1..%d", ErrInvalidRequest, limit, MaxPathLimit)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, g, err := s.loadGraph(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return graph.TopPaths(ctx, g, origin, destination, cutoff, limit)
}
