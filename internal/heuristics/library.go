package heuristics

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Candidate is one raw finding produced by a detector, before scoring.
type Candidate struct {
	// PartyID is the implicated party; empty for graph-level findings.
	PartyID        string          `json:"partyId,omitempty"`
	CounterpartyID string          `json:"counterpartyId,omitempty"`
	Count          int             `json:"count"`
	Amount         decimal.Decimal `json:"amount"`
	TransactionIDs []string        `json:"transactionIds"`
	Evidence       map[string]any  `json:"evidence"`
}

// Detector scans a snapshot for one typology.
type Detector interface {
	Code() string
	Detect(ctx context.Context, s *Snapshot, p Params) ([]Candidate, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc struct {
	code string
	fn   func(ctx context.Context, s *Snapshot, p Params) ([]Candidate, error)
}

// NewDetector wraps fn as the detector for code.
func NewDetector(code string, fn func(ctx context.Context, s *Snapshot, p Params) ([]Candidate, error)) DetectorFunc {
	return DetectorFunc{code: code, fn: fn}
}

// Code returns the typology code.
func (d DetectorFunc) Code() string { return d.code }

// Detect runs the detector.
func (d DetectorFunc) Detect(ctx context.Context, s *Snapshot, p Params) ([]Candidate, error) {
	return d.fn(ctx, s, p)
}

// Library maps typology codes to detectors.
type Library struct {
	detectors map[string]Detector
}

// NewLibrary returns a library with every built-in detector registered.
func NewLibrary() *Library {
	l := &Library{detectors: make(map[string]Detector)}
	l.Register(NewDetector(domain.CodeStructuring, DetectStructuring))
	l.Register(NewDetector(domain.CodeFunnelBeneficiary, DetectFunnel))
	l.Register(NewDetector(domain.CodeDispersion, DetectDispersion))
	l.Register(NewDetector(domain.CodeCircular, DetectCycles))
	l.Register(NewDetector(domain.CodeSimilarAmounts, DetectSimilarAmounts))
	l.Register(NewDetector(domain.CodeShortWindow, DetectShortWindows))
	l.Register(NewDetector(domain.CodeLayeringChain, DetectChains))
	l.Register(NewDetector(domain.CodeRapidPassThrough, DetectPassThrough))
	l.Register(NewDetector(domain.CodeFrequencyAnomaly, DetectFrequencyAnomalies))
	l.Register(NewDetector(domain.CodeRoundAmounts, DetectRoundAmounts))
	return l
}

// Register adds or replaces a detector.
func (l *Library) Register(d Detector) {
	l.detectors[d.Code()] = d
}

// Get returns the detector for code.
func (l *Library) Get(code string) (Detector, bool) {
	d, ok := l.detectors[code]
	return d, ok
}

// Codes lists the registered codes in order.
func (l *Library) Codes() []string {
	codes := make([]string, 0, len(l.detectors))
	for c := range l.detectors {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// txSet accumulates transactions for one candidate.
type txSet struct {
	count  int
	amount decimal.Decimal
	ids    []string
}

func (t *txSet) add(tx *domain.Transaction) {
	t.count++
	t.amount = t.amount.Add(tx.Amount)
	t.ids = append(t.ids, tx.ID)
}

func (t *txSet) merge(o *txSet) {
	t.count += o.count
	t.amount = t.amount.Add(o.amount)
	t.ids = append(t.ids, o.ids...)
}

const dateLayout = "2006-01-02"

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
