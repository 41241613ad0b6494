// Package typology runs the active typology catalog against a case: it
// dispatches each entry to its detector, scores and gates the candidates,
// and records one detection per surviving candidate.
package typology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/heuristics"
	"github.com/opensource-finance/kestrel/internal/triage"
)

var tracer = otel.Tracer("kestrel-typology")

// Status is the result of dispatching one typology.
type Status string

const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Outcome reports what happened to one typology during a run.
type Outcome struct {
	TypologyCode string `json:"typologyCode"`
	TypologyName string `json:"typologyName"`
	Status       Status `json:"status"`
	Candidates   int    `json:"candidates"`
	// Gated counts candidates rejected by the typology gate.
	Gated      int    `json:"gated"`
	Recorded   int    `json:"recorded"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// RunResult is the outcome of one detection run over a case.
type RunResult struct {
	RunID          string                    `json:"runId"`
	CaseID         string                    `json:"caseId"`
	AsOf           time.Time                 `json:"asOf"`
	Detections     []domain.DetectionSummary `json:"detections"`
	Outcomes       []Outcome                 `json:"outcomes"`
	SkippedRecords int                       `json:"skippedRecords"`
	DurationMs     int64                     `json:"durationMs"`
}

// Gaps describes every typology that did not complete.
func (r *RunResult) Gaps() []string {
	var gaps []string
	for _, o := range r.Outcomes {
		if o.Status != StatusOK {
			gaps = append(gaps, fmt.Sprintf("%s %s: %s", o.TypologyCode, o.Status, o.Error))
		}
	}
	return gaps
}

// Completion is the payload published on domain.TopicDetectionCompleted.
type Completion struct {
	Result *RunResult     `json:"result"`
	Digest *triage.Digest `json:"digest"`
}

// Store is the persistence the orchestrator reads from and writes to.
type Store interface {
	domain.CaseGateway
	ActiveTypologies(ctx context.Context) ([]*domain.Typology, error)
	SaveDetection(ctx context.Context, d *domain.Detection) error
}

// Options configures an Orchestrator.
type Options struct {
	// Workers bounds how many detectors run at once.
	Workers int
	// Timeout bounds a whole run. Zero means no limit.
	Timeout time.Duration
	// Bus receives a Completion after every run when set.
	Bus    domain.EventBus
	Triage *triage.Processor
	// Now returns the reference time of a run.
	Now func() time.Time
}

// Orchestrator dispatches the typology catalog for a case.
type Orchestrator struct {
	store   Store
	library *heuristics.Library
	gates   *GateCompiler
	workers int
	timeout time.Duration
	bus     domain.EventBus
	triage  *triage.Processor
	now     func() time.Time
}

// NewOrchestrator creates an orchestrator over store and lib.
func NewOrchestrator(store Store, lib *heuristics.Library, gates *GateCompiler, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Triage == nil {
		opts.Triage = triage.NewProcessor()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		store:   store,
		library: lib,
		gates:   gates,
		workers: opts.Workers,
		timeout: opts.Timeout,
		bus:     opts.Bus,
		triage:  opts.Triage,
		now:     opts.Now,
	}
}

// plan is a typology ready for dispatch, or the reason it cannot run.
type plan struct {
	typology *domain.Typology
	detector heuristics.Detector
	params   heuristics.Params
	gate     *Gate
	err      error
}

func (o *Orchestrator) plan(t *domain.Typology) plan {
	p := plan{typology: t}
	detector, ok := o.library.Get(t.Code)
	if !ok {
		p.err = fmt.Errorf("%w: %s", heuristics.ErrUnknownTypology, t.Code)
		return p
	}
	params, err := heuristics.DecodeParams(t.Code, t.Parameters)
	if err != nil {
		p.err = err
		return p
	}
	gate, err := o.gates.Compile(t.Gate)
	if err != nil {
		p.err = err
		return p
	}
	p.detector, p.params, p.gate = detector, params, gate
	return p
}

// Run executes every active typology against the case and records the
// resulting detections. A typology that cannot be configured is skipped and
// one whose detector or persistence fails is reported as failed; neither
// stops the others. Run only returns an error when the case or the catalog
// cannot be read.
func (o *Orchestrator) Run(ctx context.Context, caseID string) (*RunResult, error) {
	if caseID == "" {
		return nil, errors.New("case id is required")
	}
	start := time.Now()

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	ctx, span := tracer.Start(ctx, "typology.run")
	defer span.End()
	span.SetAttributes(attribute.String("case.id", caseID))

	snap, err := heuristics.LoadSnapshot(ctx, o.store, caseID, o.now())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load snapshot")
		return nil, fmt.Errorf("load case %s: %w", caseID, err)
	}
	typologies, err := o.store.ActiveTypologies(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load catalog")
		return nil, fmt.Errorf("load typologies: %w", err)
	}

	result := &RunResult{
		RunID:          uuid.New().String(),
		CaseID:         caseID,
		AsOf:           snap.AsOf,
		Detections:     []domain.DetectionSummary{},
		Outcomes:       make([]Outcome, len(typologies)),
		SkippedRecords: snap.Skipped(),
	}

	found := make([][]domain.DetectionSummary, len(typologies))
	var g errgroup.Group
	g.SetLimit(o.workers)
	for i, t := range typologies {
		p := o.plan(t)
		if p.err != nil {
			slog.Warn("skipping typology", "case_id", caseID, "typology", t.Code, "error", p.err)
			result.Outcomes[i] = Outcome{
				TypologyCode: t.Code,
				TypologyName: t.Name,
				Status:       StatusSkipped,
				Error:        p.err.Error(),
			}
			continue
		}
		i := i
		g.Go(func() error {
			result.Outcomes[i], found[i] = o.dispatch(ctx, result.RunID, snap, p)
			return nil
		})
	}
	_ = g.Wait()

	// Typologies arrive risk-ordered; keep that order in the summary.
	for _, f := range found {
		result.Detections = append(result.Detections, f...)
	}
	result.DurationMs = time.Since(start).Milliseconds()
	span.SetAttributes(attribute.Int("detections", len(result.Detections)))

	slog.Info("detection run complete",
		"case_id", caseID,
		"run_id", result.RunID,
		"typologies", len(typologies),
		"detections", len(result.Detections),
		"skipped_records", result.SkippedRecords,
		"duration_ms", result.DurationMs,
	)

	o.publish(ctx, result, start)
	return result, nil
}

// dispatch runs one typology and records its candidates.
func (o *Orchestrator) dispatch(ctx context.Context, runID string, snap *heuristics.Snapshot, p plan) (Outcome, []domain.DetectionSummary) {
	start := time.Now()
	t := p.typology
	ctx, span := tracer.Start(ctx, "typology.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("typology.code", t.Code))

	out := Outcome{TypologyCode: t.Code, TypologyName: t.Name, Status: StatusOK}
	var summaries []domain.DetectionSummary
	finish := func() (Outcome, []domain.DetectionSummary) {
		out.DurationMs = time.Since(start).Milliseconds()
		return out, summaries
	}

	candidates, err := p.detector.Detect(ctx, snap, p.params)
	if err != nil {
		out.Status = StatusFailed
		out.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "detector failed")
		slog.Error("typology failed", "case_id", snap.CaseID, "typology", t.Code, "error", err)
		return finish()
	}
	out.Candidates = len(candidates)

	for _, c := range candidates {
		allowed, err := p.gate.Allow(c)
		if err != nil {
			// A gate that cannot evaluate keeps the candidate.
			slog.Warn("gate evaluation failed", "typology", t.Code, "error", err)
			allowed = true
		}
		if !allowed {
			out.Gated++
			continue
		}

		d := newDetection(runID, snap, t, c, o.now())
		if err := o.store.SaveDetection(ctx, d); err != nil {
			out.Status = StatusFailed
			out.Error = fmt.Sprintf("save detection: %v", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "persistence failed")
			slog.Error("failed to save detection", "case_id", snap.CaseID, "typology", t.Code, "error", err)
			break
		}
		out.Recorded++
		summaries = append(summaries, domain.DetectionSummary{
			DetectionID:  d.ID,
			TypologyCode: t.Code,
			TypologyName: t.Name,
			PartyID:      d.PartyID,
			Confidence:   d.Confidence,
		})
	}
	span.SetAttributes(attribute.Int("candidates", out.Candidates), attribute.Int("recorded", out.Recorded))
	return finish()
}

func newDetection(runID string, snap *heuristics.Snapshot, t *domain.Typology, c heuristics.Candidate, now time.Time) *domain.Detection {
	ids := make([]string, 0, len(c.TransactionIDs))
	for _, id := range c.TransactionIDs {
		if snap.Contains(id) {
			ids = append(ids, id)
		}
	}

	evidence := make(map[string]any, len(c.Evidence)+4)
	for k, v := range c.Evidence {
		evidence[k] = v
	}
	evidence["count"] = c.Count
	evidence["amount"] = c.Amount
	if c.PartyID != "" {
		evidence["party_id"] = c.PartyID
	}
	if c.CounterpartyID != "" {
		evidence["counterparty_id"] = c.CounterpartyID
	}

	return &domain.Detection{
		ID:             uuid.New().String(),
		CaseID:         snap.CaseID,
		RunID:          runID,
		TypologyID:     t.ID,
		TypologyCode:   t.Code,
		PartyID:        c.PartyID,
		Confidence:     Confidence(t.RiskWeight, c.Count, c.Amount),
		Evidence:       evidence,
		TransactionIDs: ids,
		State:          domain.StateNew,
		CreatedAt:      now,
	}
}

var (
	amountHigh     = decimal.NewFromInt(100_000)
	amountVeryHigh = decimal.NewFromInt(1_000_000)
)

// Confidence scores a candidate: ten points per unit of risk weight, plus
// ten for more than 10 operations, ten more beyond 50, ten for an amount
// over 100,000 and ten more over 1,000,000. The result is clamped to 0..100.
func Confidence(riskWeight, count int, amount decimal.Decimal) int {
	score := riskWeight * 10
	if count > 10 {
		score += 10
	}
	if count > 50 {
		score += 10
	}
	if amount.GreaterThan(amountHigh) {
		score += 10
	}
	if amount.GreaterThan(amountVeryHigh) {
		score += 10
	}
	return min(max(score, 0), 100)
}

func (o *Orchestrator) publish(ctx context.Context, result *RunResult, start time.Time) {
	if o.bus == nil {
		return
	}
	digest := o.triage.Process(ctx, &triage.Input{
		CaseID:     result.CaseID,
		RunID:      result.RunID,
		Detections: result.Detections,
		Gaps:       result.Gaps(),
		StartTime:  start,
	})
	payload, err := json.Marshal(Completion{Result: result, Digest: digest})
	if err != nil {
		slog.Error("failed to encode completion", "run_id", result.RunID, "error", err)
		return
	}
	// The run may have hit its deadline; the completion still goes out.
	if err := o.bus.Publish(context.WithoutCancel(ctx), domain.TopicDetectionCompleted, payload); err != nil {
		slog.Warn("failed to publish completion", "run_id", result.RunID, "error", err)
	}
}
