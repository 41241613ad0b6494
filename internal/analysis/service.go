// Package analysis assembles the case-level outputs consumed by reports and
// the API: the consolidated heuristic summary and the network report.
package analysis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/heuristics"
)

// ErrInvalidRequest is returned for out-of-range analysis arguments.
var ErrInvalidRequest = errors.New("invalid analysis request")

// Service runs analyses over cases read through a gateway.
type Service struct {
	gateway domain.CaseGateway
	cache   domain.Cache
	cfg     domain.AnalysisConfig
	now     func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock sets the reference time used for windowed sections.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an analysis service. cache may be nil.
func NewService(gw domain.CaseGateway, cache domain.Cache, cfg domain.AnalysisConfig, opts ...Option) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	s := &Service{
		gateway: gw,
		cache:   cache,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Gap records a section that could not be computed.
type Gap struct {
	Section string `json:"section"`
	Error   string `json:"error"`
}

// Summary is the consolidated heuristic view of a case.
type Summary struct {
	CaseID             string                          `json:"caseId"`
	AsOf               time.Time                       `json:"asOf"`
	OrderingLeaders    []heuristics.Leader             `json:"orderingLeaders"`
	BeneficiaryLeaders []heuristics.Leader             `json:"beneficiaryLeaders"`
	Concentration      []heuristics.ConcentrationEntry `json:"concentration"`
	FrequencyAnomalies []heuristics.Candidate          `json:"frequencyAnomalies"`
	ShortWindows       []heuristics.Candidate          `json:"shortWindows"`
	SimilarAmounts     []heuristics.Candidate          `json:"similarAmounts"`
	Structuring        []heuristics.Candidate          `json:"structuring"`
	Chains             []heuristics.Candidate          `json:"chains"`
	Cycles             []heuristics.Candidate          `json:"cycles"`
	SkippedRecords     int                             `json:"skippedRecords"`
	Gaps               []Gap                           `json:"gaps,omitempty"`
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, s.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// RunAnalysis computes every summary section with default parameters.
// Sections run concurrently over one snapshot; a section that fails is left
// empty and listed in Gaps.
func (s *Service) RunAnalysis(ctx context.Context, caseID string) (*Summary, error) {
	if caseID == "" {
		return nil, ErrInvalidRequest
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	start := time.Now()

	snap, err := heuristics.LoadSnapshot(ctx, s.gateway, caseID, s.now())
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		CaseID:             caseID,
		AsOf:               snap.AsOf,
		OrderingLeaders:    heuristics.OrderingLeaders(snap, heuristics.DefaultLeaders),
		BeneficiaryLeaders: heuristics.BeneficiaryLeaders(snap, heuristics.DefaultLeaders),
		Concentration:      heuristics.AmountConcentration(snap, heuristics.DefaultConcentrationPct),
		SkippedRecords:     snap.Skipped(),
	}

	sections := []struct {
		name string
		code string
		fn   func(context.Context, *heuristics.Snapshot, heuristics.Params) ([]heuristics.Candidate, error)
		dst  *[]heuristics.Candidate
	}{
		{"frequencyAnomalies", domain.CodeFrequencyAnomaly, heuristics.DetectFrequencyAnomalies, &summary.FrequencyAnomalies},
		{"shortWindows", domain.CodeShortWindow, heuristics.DetectShortWindows, &summary.ShortWindows},
		{"similarAmounts", domain.CodeSimilarAmounts, heuristics.DetectSimilarAmounts, &summary.SimilarAmounts},
		{"structuring", domain.CodeStructuring, heuristics.DetectStructuring, &summary.Structuring},
		{"chains", domain.CodeLayeringChain, heuristics.DetectChains, &summary.Chains},
		{"cycles", domain.CodeCircular, heuristics.DetectCycles, &summary.Cycles},
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, sec := range sections {
		sec := sec
		g.Go(func() error {
			found, err := runSection(ctx, snap, sec.code, sec.fn)
			if err != nil {
				slog.Warn("analysis section failed", "case_id", caseID, "section", sec.name, "error", err)
				mu.Lock()
				summary.Gaps = append(summary.Gaps, Gap{Section: sec.name, Error: err.Error()})
				mu.Unlock()
				found = []heuristics.Candidate{}
			}
			*sec.dst = found
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("analysis complete",
		"case_id", caseID,
		"transactions", len(snap.Transactions),
		"gaps", len(summary.Gaps),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return summary, nil
}

func runSection(ctx context.Context, snap *heuristics.Snapshot, code string,
	fn func(context.Context, *heuristics.Snapshot, heuristics.Params) ([]heuristics.Candidate, error)) ([]heuristics.Candidate, error) {

	params, err := heuristics.DefaultParams(code)
	if err != nil {
		return nil, err
	}
	found, err := fn(ctx, snap, params)
	if err != nil {
		return nil, err
	}
	if found == nil {
		found = []heuristics.Candidate{}
	}
	return found, nil
}
