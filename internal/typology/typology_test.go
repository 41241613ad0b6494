package typology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/heuristics"
)

var asOf = time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu         sync.Mutex
	txs        []*domain.Transaction
	members    []*domain.CaseMember
	typologies []*domain.Typology
	saved      []*domain.Detection
	failCode   string
}

func (f *fakeStore) TransactionsForCase(ctx context.Context, caseID string) ([]*domain.Transaction, error) {
	return f.txs, nil
}

func (f *fakeStore) CaseMembers(ctx context.Context, caseID string) ([]*domain.CaseMember, error) {
	return f.members, nil
}

func (f *fakeStore) PartyDocument(ctx context.Context, partyID string) (string, error) {
	return "", nil
}

func (f *fakeStore) Parties(ctx context.Context, ids []string) (map[string]*domain.Party, error) {
	return map[string]*domain.Party{}, nil
}

func (f *fakeStore) TransactionsByParty(ctx context.Context, partyID string, since time.Time) ([]*domain.Transaction, error) {
	return nil, nil
}

func (f *fakeStore) ActiveTypologies(ctx context.Context) ([]*domain.Typology, error) {
	return f.typologies, nil
}

func (f *fakeStore) SaveDetection(ctx context.Context, d *domain.Detection) error {
	if d.TypologyCode == f.failCode {
		return errors.New("disk full")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, d)
	return nil
}

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func (b *fakeBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.published == nil {
		b.published = make(map[string][][]byte)
	}
	b.published[topic] = append(b.published[topic], payload)
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *fakeBus) Ping(ctx context.Context) error { return nil }
func (b *fakeBus) Close() error                   { return nil }

// structuringCase has A send B five round 2,000 transfers, which trips both
// structuring and round amounts at default parameters.
func structuringCase() *fakeStore {
	var txs []*domain.Transaction
	for i := 1; i <= 5; i++ {
		txs = append(txs, &domain.Transaction{
			ID:                 fmt.Sprintf("t%d", i),
			OrderingPartyID:    "A",
			BeneficiaryPartyID: "B",
			Amount:             decimal.NewFromInt(2000),
			OperationDate:      time.Date(2024, 6, i, 0, 0, 0, 0, time.UTC),
		})
	}
	return &fakeStore{
		txs:     txs,
		members: []*domain.CaseMember{{CaseID: "case-1", PartyID: "A", Role: domain.RoleInvestigated}},
		typologies: []*domain.Typology{
			{ID: "typ-1", Code: domain.CodeStructuring, Name: "Structuring", RiskWeight: 8, Active: true},
			{ID: "typ-10", Code: domain.CodeRoundAmounts, Name: "Round amounts", RiskWeight: 4, Active: true},
		},
	}
}

func newOrchestrator(t *testing.T, store Store, bus domain.EventBus) *Orchestrator {
	t.Helper()
	gates, err := NewGateCompiler()
	require.NoError(t, err)
	return NewOrchestrator(store, heuristics.NewLibrary(), gates, Options{
		Workers: 2,
		Timeout: time.Minute,
		Bus:     bus,
		Now:     func() time.Time { return asOf },
	})
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		name   string
		weight int
		count  int
		amount int64
		want   int
	}{
		{"BaseOnly", 8, 5, 10_000, 80},
		{"CountAtBoundary", 5, 10, 0, 50},
		{"CountOverTen", 5, 11, 0, 60},
		{"CountOverFifty", 5, 51, 0, 70},
		{"AmountAtBoundary", 5, 0, 100_000, 50},
		{"AmountOverHundredThousand", 5, 0, 100_001, 60},
		{"AmountOverMillion", 5, 0, 1_000_001, 70},
		{"AllBonuses", 5, 60, 2_000_000, 90},
		{"Clamped", 9, 60, 2_000_000, 100},
		{"ZeroWeight", 0, 0, 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Confidence(tc.weight, tc.count, decimal.NewFromInt(tc.amount)))
		})
	}
}

func TestRun(t *testing.T) {
	store := structuringCase()
	bus := &fakeBus{}
	o := newOrchestrator(t, store, bus)

	res, err := o.Run(context.Background(), "case-1")
	require.NoError(t, err)
	require.Len(t, res.Detections, 2)
	assert.Equal(t, domain.CodeStructuring, res.Detections[0].TypologyCode)
	assert.Equal(t, "A", res.Detections[0].PartyID)
	assert.Equal(t, 80, res.Detections[0].Confidence)
	assert.Equal(t, domain.CodeRoundAmounts, res.Detections[1].TypologyCode)
	assert.Equal(t, 40, res.Detections[1].Confidence)
	assert.Empty(t, res.Gaps())

	require.Len(t, store.saved, 2)
	for _, d := range store.saved {
		assert.Equal(t, res.RunID, d.RunID)
		assert.Equal(t, domain.StateNew, d.State)
		assert.ElementsMatch(t, []string{"t1", "t2", "t3", "t4", "t5"}, d.TransactionIDs)
		assert.Equal(t, 5, d.Evidence["count"])
	}

	require.Len(t, bus.published[domain.TopicDetectionCompleted], 1)
	var completion Completion
	require.NoError(t, json.Unmarshal(bus.published[domain.TopicDetectionCompleted][0], &completion))
	assert.Equal(t, res.RunID, completion.Result.RunID)
	require.Len(t, completion.Digest.Parties, 1)
	assert.Equal(t, "A", completion.Digest.Parties[0].PartyID)

	t.Run("AppendsOnRerun", func(t *testing.T) {
		again, err := o.Run(context.Background(), "case-1")
		require.NoError(t, err)
		assert.NotEqual(t, res.RunID, again.RunID)
		assert.Len(t, store.saved, 4)
	})
}

func TestRunIsolatesTypologies(t *testing.T) {
	t.Run("BadParameterSkipsOnlyThatTypology", func(t *testing.T) {
		store := structuringCase()
		store.typologies[1].Parameters = map[string]any{"min_operations": "lots"}
		store.typologies = append(store.typologies, &domain.Typology{ID: "typ-x", Code: "TIP999", Name: "Unknown", RiskWeight: 1})

		res, err := newOrchestrator(t, store, nil).Run(context.Background(), "case-1")
		require.NoError(t, err)
		require.Len(t, res.Outcomes, 3)
		assert.Equal(t, StatusOK, res.Outcomes[0].Status)
		assert.Equal(t, StatusSkipped, res.Outcomes[1].Status)
		assert.Contains(t, res.Outcomes[1].Error, "min_operations")
		assert.Equal(t, StatusSkipped, res.Outcomes[2].Status)
		require.Len(t, res.Detections, 1)
		assert.Len(t, res.Gaps(), 2)
	})

	t.Run("PersistenceFailure", func(t *testing.T) {
		store := structuringCase()
		store.failCode = domain.CodeStructuring

		res, err := newOrchestrator(t, store, nil).Run(context.Background(), "case-1")
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, res.Outcomes[0].Status)
		assert.Contains(t, res.Outcomes[0].Error, "disk full")
		assert.Equal(t, StatusOK, res.Outcomes[1].Status)
		require.Len(t, res.Detections, 1)
		assert.Equal(t, domain.CodeRoundAmounts, res.Detections[0].TypologyCode)
	})

	t.Run("Gate", func(t *testing.T) {
		store := structuringCase()
		store.typologies[0].Gate = "amount > 20000.0"
		store.typologies[1].Gate = `evidence.round_operations >= 5 && party_id == "A"`

		res, err := newOrchestrator(t, store, nil).Run(context.Background(), "case-1")
		require.NoError(t, err)
		assert.Equal(t, 1, res.Outcomes[0].Gated)
		assert.Equal(t, 0, res.Outcomes[0].Recorded)
		assert.Equal(t, 1, res.Outcomes[1].Recorded)
	})

	t.Run("CancelledRun", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res, err := newOrchestrator(t, structuringCase(), nil).Run(ctx, "case-1")
		require.NoError(t, err)
		for _, o := range res.Outcomes {
			assert.Equal(t, StatusFailed, o.Status, o.TypologyCode)
		}
		assert.Empty(t, res.Detections)
	})
}

func TestDetectionIDsStayInScope(t *testing.T) {
	lib := heuristics.NewLibrary()
	lib.Register(heuristics.NewDetector(domain.CodeRoundAmounts, func(ctx context.Context, s *heuristics.Snapshot, p heuristics.Params) ([]heuristics.Candidate, error) {
		return []heuristics.Candidate{{PartyID: "A", Count: 1, TransactionIDs: []string{"t1", "foreign"}}}, nil
	}))
	gates, err := NewGateCompiler()
	require.NoError(t, err)

	store := structuringCase()
	store.typologies = store.typologies[1:]
	o := NewOrchestrator(store, lib, gates, Options{Now: func() time.Time { return asOf }})

	_, err = o.Run(context.Background(), "case-1")
	require.NoError(t, err)
	require.Len(t, store.saved, 1)
	assert.Equal(t, []string{"t1"}, store.saved[0].TransactionIDs)
}

func TestGateCompiler(t *testing.T) {
	gates, err := NewGateCompiler()
	require.NoError(t, err)

	g, err := gates.Compile("")
	require.NoError(t, err)
	assert.Nil(t, g)
	ok, err := g.Allow(heuristics.Candidate{})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = gates.Compile("count + 1")
	assert.Error(t, err, "non-boolean gate")

	_, err = gates.Compile("count >")
	assert.Error(t, err, "syntax error")

	g, err = gates.Compile(`size(transactions) >= 2 && evidence.total_amount > 100.0`)
	require.NoError(t, err)
	ok, err = g.Allow(heuristics.Candidate{
		TransactionIDs: []string{"a", "b"},
		Evidence:       map[string]any{"total_amount": decimal.NewFromInt(500)},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

type memCatalog map[string]*domain.Typology

func (m memCatalog) GetTypology(ctx context.Context, code string) (*domain.Typology, error) {
	t, ok := m[code]
	if !ok {
		return nil, errors.New("not found")
	}
	return t, nil
}

func (m memCatalog) SaveTypology(ctx context.Context, t *domain.Typology) error {
	m[t.Code] = t
	return nil
}

func TestCatalog(t *testing.T) {
	catalog, err := DefaultCatalog()
	require.NoError(t, err)
	require.Len(t, catalog, 10)

	gates, err := NewGateCompiler()
	require.NoError(t, err)
	v := NewValidator(heuristics.NewLibrary(), gates)
	for _, typ := range catalog {
		assert.NoError(t, v.Validate(typ), typ.Code)
		assert.True(t, typ.Active, typ.Code)
	}

	store := memCatalog{}
	n, err := Seed(context.Background(), store, v, catalog, false)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	n, err = Seed(context.Background(), store, v, catalog, false)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 9, store[domain.CodeCircular].RiskWeight)

	t.Run("Duplicate", func(t *testing.T) {
		_, err := ParseCatalog([]byte("typologies:\n  - code: TIP001\n  - code: TIP001\n"))
		assert.Error(t, err)
	})

	t.Run("Inactive", func(t *testing.T) {
		parsed, err := ParseCatalog([]byte("typologies:\n  - code: TIP010\n    name: Round\n    active: false\n"))
		require.NoError(t, err)
		assert.False(t, parsed[0].Active)
	})

	t.Run("Invalid", func(t *testing.T) {
		assert.Error(t, v.Validate(&domain.Typology{Code: "TIP001", Name: "x", RiskWeight: 11}))
		assert.ErrorIs(t, v.Validate(&domain.Typology{Code: "TIP001", Name: "x", Parameters: map[string]any{"window_days": -1}}), heuristics.ErrInvalidParameter)
		assert.Error(t, v.Validate(&domain.Typology{Code: "TIP001", Name: "x", Gate: "count"}))
	})
}
