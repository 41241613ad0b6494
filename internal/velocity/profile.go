// Package velocity builds per-party activity profiles: how much a party
// moves, how fast, to how many counterparties and when.
package velocity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrMissingParty is returned when no party id is given.
var ErrMissingParty = errors.New("party id is required")

// DefaultWindowDays is the velocity window used when none is given.
const DefaultWindowDays = 30

// MinRecurringOperations is the operation count at which a beneficiary
// becomes a recurring relation.
const MinRecurringOperations = 3

// cacheNamespace groups profile entries in the shared cache.
const cacheNamespace = "parties"

// Service computes party profiles.
type Service struct {
	gateway domain.CaseGateway
	cache   domain.Cache
	ttl     time.Duration
	now     func() time.Time
}

// NewService creates a profile service. cache may be nil.
func NewService(gw domain.CaseGateway, cache domain.Cache, ttl time.Duration) *Service {
	return &Service{
		gateway: gw,
		cache:   cache,
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SideMetrics aggregates the operations a party took part in on one side.
type SideMetrics struct {
	Operations     int             `json:"operations"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	AverageAmount  decimal.Decimal `json:"averageAmount"`
	MinAmount      decimal.Decimal `json:"minAmount"`
	MaxAmount      decimal.Decimal `json:"maxAmount"`
	FirstDate      *time.Time      `json:"firstDate,omitempty"`
	LastDate       *time.Time      `json:"lastDate,omitempty"`
	Counterparties int             `json:"counterparties"`
	ActiveDays     int             `json:"activeDays"`
}

// Diversification counts the distinct destinations of a party's outflows.
type Diversification struct {
	Beneficiaries       int `json:"beneficiaries"`
	DestinationAccounts int `json:"destinationAccounts"`
	OperationTypes      int `json:"operationTypes"`
	Channels            int `json:"channels"`
}

// Slot is one weekday/hour cell of the temporal pattern. Weekday follows
// time.Weekday (0 is Sunday).
type Slot struct {
	Weekday     int             `json:"weekday"`
	Hour        int             `json:"hour"`
	Operations  int             `json:"operations"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
}

// Period is one calendar week of outflows with the figures of the
// preceding active week.
type Period struct {
	Start              time.Time        `json:"start"`
	Operations         int              `json:"operations"`
	TotalAmount        decimal.Decimal  `json:"totalAmount"`
	PreviousOperations *int             `json:"previousOperations,omitempty"`
	PreviousAmount     *decimal.Decimal `json:"previousAmount,omitempty"`
}

// Relation is a beneficiary the party paid repeatedly. The Recorded
// figures are the beneficiary's lifetime aggregates as kept by ingestion.
type Relation struct {
	PartyID            string          `json:"partyId"`
	Document           string          `json:"document,omitempty"`
	Occupation         string          `json:"occupation,omitempty"`
	Operations         int             `json:"operations"`
	TotalAmount        decimal.Decimal `json:"totalAmount"`
	AverageAmount      decimal.Decimal `json:"averageAmount"`
	FirstDate          time.Time       `json:"firstDate"`
	LastDate           time.Time       `json:"lastDate"`
	RecordedOperations int             `json:"recordedOperations"`
	RecordedAmount     decimal.Decimal `json:"recordedAmount"`
}

// Profile is the full activity profile of a party.
type Profile struct {
	PartyID         string          `json:"partyId"`
	AsOf            time.Time       `json:"asOf"`
	WindowDays      int             `json:"windowDays"`
	AsOrdering      SideMetrics     `json:"asOrdering"`
	AsBeneficiary   SideMetrics     `json:"asBeneficiary"`
	Diversification Diversification `json:"diversification"`
	Pattern         []Slot          `json:"pattern"`
	Velocity        []Period        `json:"velocity"`
	Recurring       []Relation      `json:"recurring"`
	SuspicionIndex  int             `json:"suspicionIndex"`
	SkippedRecords  int             `json:"skippedRecords"`

	// RecordedOperations and RecordedAmount come from the party record.
	// They cover every operation ingestion has seen, which may exceed what
	// is stored here.
	RecordedOperations int             `json:"recordedOperations"`
	RecordedAmount     decimal.Decimal `json:"recordedAmount"`
}

// GetProfile returns the profile of a party over its whole history, with
// velocity restricted to the last windowDays days.
func (s *Service) GetProfile(ctx context.Context, partyID string, windowDays int) (*Profile, error) {
	if partyID == "" {
		return nil, ErrMissingParty
	}
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}

	key := fmt.Sprintf("profile:%s:%d", partyID, windowDays)
	if p := s.cached(ctx, key); p != nil {
		return p, nil
	}

	txs, err := s.gateway.TransactionsByParty(ctx, partyID, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}

	asOf := s.now()
	p := &Profile{
		PartyID:    partyID,
		AsOf:       asOf,
		WindowDays: windowDays,
		Pattern:    []Slot{},
		Velocity:   []Period{},
		Recurring:  []Relation{},

		RecordedAmount: decimal.Zero,
	}

	var out, in []*domain.Transaction
	for _, tx := range txs {
		if tx == nil || tx.Malformed || tx.OperationDate.IsZero() || tx.Amount.IsNegative() {
			p.SkippedRecords++
			if tx != nil {
				slog.Debug("skipping transaction", "transaction_id", tx.ID, "party_id", partyID)
			}
			continue
		}
		if tx.OrderingPartyID == partyID {
			out = append(out, tx)
		}
		if tx.BeneficiaryPartyID == partyID {
			in = append(in, tx)
		}
	}

	p.AsOrdering = sideMetrics(out, func(tx *domain.Transaction) string { return tx.BeneficiaryPartyID })
	p.AsBeneficiary = sideMetrics(in, func(tx *domain.Transaction) string { return tx.OrderingPartyID })
	p.Diversification = diversification(out)
	p.Pattern = pattern(out)
	p.Velocity = weeklyVelocity(out, asOf.AddDate(0, 0, -windowDays))

	p.Recurring, err = s.recurring(ctx, out)
	if err != nil {
		return nil, err
	}
	self, err := s.gateway.Parties(ctx, []string{partyID})
	if err != nil {
		return nil, fmt.Errorf("failed to load party: %w", err)
	}
	if party, ok := self[partyID]; ok {
		p.RecordedOperations = party.TotalOperations
		p.RecordedAmount = party.TotalAmount
	}
	p.SuspicionIndex = SuspicionIndex(p.AsOrdering, p.AsBeneficiary, p.Diversification)

	s.store(ctx, key, p)
	return p, nil
}

func (s *Service) cached(ctx context.Context, key string) *Profile {
	if s.cache == nil {
		return nil
	}
	data, err := s.cache.Get(ctx, cacheNamespace, key)
	if err != nil || data == nil {
		return nil
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil
	}
	return &p
}

func (s *Service) store(ctx context.Context, key string, p *Profile) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheNamespace, key, data, s.ttl); err != nil {
		slog.Warn("profile cache write failed", "party_id", p.PartyID, "error", err)
	}
}

func sideMetrics(txs []*domain.Transaction, counterparty func(*domain.Transaction) string) SideMetrics {
	m := SideMetrics{
		TotalAmount:   decimal.Zero,
		AverageAmount: decimal.Zero,
		MinAmount:     decimal.Zero,
		MaxAmount:     decimal.Zero,
	}
	if len(txs) == 0 {
		return m
	}

	others := make(map[string]struct{})
	days := make(map[time.Time]struct{})
	first, last := txs[0].Day(), txs[0].Day()
	m.MinAmount, m.MaxAmount = txs[0].Amount, txs[0].Amount
	for _, tx := range txs {
		m.Operations++
		m.TotalAmount = m.TotalAmount.Add(tx.Amount)
		m.MinAmount = decimal.Min(m.MinAmount, tx.Amount)
		m.MaxAmount = decimal.Max(m.MaxAmount, tx.Amount)
		if id := counterparty(tx); id != "" {
			others[id] = struct{}{}
		}
		d := tx.Day()
		days[d] = struct{}{}
		if d.Before(first) {
			first = d
		}
		if d.After(last) {
			last = d
		}
	}
	m.AverageAmount = m.TotalAmount.Div(decimal.NewFromInt(int64(m.Operations))).Round(2)
	m.FirstDate, m.LastDate = &first, &last
	m.Counterparties = len(others)
	m.ActiveDays = len(days)
	return m
}

func diversification(out []*domain.Transaction) Diversification {
	beneficiaries := make(map[string]struct{})
	accounts := make(map[string]struct{})
	types := make(map[string]struct{})
	channels := make(map[string]struct{})
	add := func(set map[string]struct{}, v string) {
		if v != "" {
			set[v] = struct{}{}
		}
	}
	for _, tx := range out {
		add(beneficiaries, tx.BeneficiaryPartyID)
		add(accounts, tx.BeneficiaryAccount)
		add(types, tx.OperationType)
		add(channels, tx.Channel)
	}
	return Diversification{
		Beneficiaries:       len(beneficiaries),
		DestinationAccounts: len(accounts),
		OperationTypes:      len(types),
		Channels:            len(channels),
	}
}

// pattern only counts operations with a recorded time of day.
func pattern(out []*domain.Transaction) []Slot {
	type cell struct{ weekday, hour int }
	slots := make(map[cell]*Slot)
	for _, tx := range out {
		if tx.OperationTime == "" {
			continue
		}
		ts := tx.Timestamp()
		c := cell{int(ts.Weekday()), ts.Hour()}
		sl, ok := slots[c]
		if !ok {
			sl = &Slot{Weekday: c.weekday, Hour: c.hour, TotalAmount: decimal.Zero}
			slots[c] = sl
		}
		sl.Operations++
		sl.TotalAmount = sl.TotalAmount.Add(tx.Amount)
	}

	result := make([]Slot, 0, len(slots))
	for _, sl := range slots {
		result = append(result, *sl)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Operations != result[j].Operations {
			return result[i].Operations > result[j].Operations
		}
		if result[i].Weekday != result[j].Weekday {
			return result[i].Weekday < result[j].Weekday
		}
		return result[i].Hour < result[j].Hour
	})
	return result
}

// weekStart returns the Monday that opens the week of t.
func weekStart(t time.Time) time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

// weeklyVelocity groups outflows on or after since into calendar weeks,
// newest first. Each week carries the figures of the previous active week.
func weeklyVelocity(out []*domain.Transaction, since time.Time) []Period {
	since = time.Date(since.Year(), since.Month(), since.Day(), 0, 0, 0, 0, time.UTC)
	weeks := make(map[time.Time]*Period)
	for _, tx := range out {
		if tx.Day().Before(since) {
			continue
		}
		start := weekStart(tx.OperationDate)
		p, ok := weeks[start]
		if !ok {
			p = &Period{Start: start, TotalAmount: decimal.Zero}
			weeks[start] = p
		}
		p.Operations++
		p.TotalAmount = p.TotalAmount.Add(tx.Amount)
	}

	periods := make([]Period, 0, len(weeks))
	for _, p := range weeks {
		periods = append(periods, *p)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].Start.Before(periods[j].Start) })
	for i := 1; i < len(periods); i++ {
		ops := periods[i-1].Operations
		amt := periods[i-1].TotalAmount
		periods[i].PreviousOperations = &ops
		periods[i].PreviousAmount = &amt
	}
	for i, j := 0, len(periods)-1; i < j; i, j = i+1, j-1 {
		periods[i], periods[j] = periods[j], periods[i]
	}
	return periods
}

func (s *Service) recurring(ctx context.Context, out []*domain.Transaction) ([]Relation, error) {
	byBeneficiary := make(map[string]*Relation)
	for _, tx := range out {
		if tx.BeneficiaryPartyID == "" {
			continue
		}
		r, ok := byBeneficiary[tx.BeneficiaryPartyID]
		if !ok {
			r = &Relation{PartyID: tx.BeneficiaryPartyID, TotalAmount: decimal.Zero, FirstDate: tx.Day(), LastDate: tx.Day()}
			byBeneficiary[tx.BeneficiaryPartyID] = r
		}
		r.Operations++
		r.TotalAmount = r.TotalAmount.Add(tx.Amount)
		if tx.Day().Before(r.FirstDate) {
			r.FirstDate = tx.Day()
		}
		if tx.Day().After(r.LastDate) {
			r.LastDate = tx.Day()
		}
	}

	var ids []string
	for id, r := range byBeneficiary {
		if r.Operations >= MinRecurringOperations {
			ids = append(ids, id)
		}
	}
	relations := make([]Relation, 0, len(ids))
	if len(ids) == 0 {
		return relations, nil
	}

	parties, err := s.gateway.Parties(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load parties: %w", err)
	}
	for _, id := range ids {
		r := byBeneficiary[id]
		r.AverageAmount = r.TotalAmount.Div(decimal.NewFromInt(int64(r.Operations))).Round(2)
		if party, ok := parties[id]; ok {
			r.Document = party.Document
			r.Occupation = party.Occupation
			r.RecordedOperations = party.TotalOperations
			r.RecordedAmount = party.TotalAmount
		} else {
			r.RecordedAmount = decimal.Zero
		}
		relations = append(relations, *r)
	}
	sort.Slice(relations, func(i, j int) bool {
		if relations[i].Operations != relations[j].Operations {
			return relations[i].Operations > relations[j].Operations
		}
		if c := relations[i].TotalAmount.Cmp(relations[j].TotalAmount); c != 0 {
			return c > 0
		}
		return relations[i].PartyID < relations[j].PartyID
	})
	return relations, nil
}
