//go:build integration
// +build integration

// Package integration runs a seeded case through the whole stack: HTTP API,
// event bus, detection worker, typology orchestrator and SQLite storage.
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// The seeded case has one investigated party, A, and two related parties,
// C and D. A
//
//	pays B five transfers of 2,000 in five days (structuring)
//	starts a loop A -> C -> D -> A in the last three days (circular flow)
//
// A transfer X -> Y between two outsiders is stored but stays out of scope.
//
// and every scenario below asserts what an analyst would expect to see.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/heuristics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/typology"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/worker"
)

const caseID = "case-integration"

type stack struct {
	url  string
	repo *repository.SQLRepository
}

func startStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()
	today := time.Now().UTC().Truncate(24 * time.Hour)
	daysAgo := func(n int) time.Time { return today.AddDate(0, 0, -n) }

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel.db"),
	})
	if err != nil {
		t.Fatalf("Failed to open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	lib := heuristics.NewLibrary()
	gates, err := typology.NewGateCompiler()
	if err != nil {
		t.Fatalf("Failed to create gate compiler: %v", err)
	}
	validator := typology.NewValidator(lib, gates)
	catalog, err := typology.DefaultCatalog()
	if err != nil {
		t.Fatalf("Failed to load catalog: %v", err)
	}
	if _, err := typology.Seed(ctx, repo, validator, catalog, false); err != nil {
		t.Fatalf("Failed to seed catalog: %v", err)
	}

	for _, p := range []*domain.Party{
		{ID: "A", Document: "DOC-A", Name: "Investigated party"},
		{ID: "B", Document: "DOC-B"},
		{ID: "C", Document: "DOC-C"},
		{ID: "D", Document: "DOC-D"},
	} {
		if err := repo.SaveParty(ctx, p); err != nil {
			t.Fatalf("Failed to save party: %v", err)
		}
	}
	for _, m := range []*domain.CaseMember{
		{CaseID: caseID, PartyID: "A", Role: domain.RoleInvestigated, AddedAt: today},
		{CaseID: caseID, PartyID: "C", Role: domain.RoleRelated, AddedAt: today},
		{CaseID: caseID, PartyID: "D", Role: domain.RoleRelated, AddedAt: today},
	} {
		if err := repo.AddCaseMember(ctx, m); err != nil {
			t.Fatalf("Failed to add case member: %v", err)
		}
	}

	save := func(id, from, to string, amount int64, date time.Time) {
		if err := repo.SaveTransaction(ctx, &domain.Transaction{
			ID:                 id,
			OrderingPartyID:    from,
			BeneficiaryPartyID: to,
			Amount:             decimal.NewFromInt(amount),
			OperationDate:      date,
			OperationType:      "TRANSFER",
		}); err != nil {
			t.Fatalf("Failed to save transaction: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		save(fmt.Sprintf("struct-%d", i), "A", "B", 2000, daysAgo(20-i))
	}
	save("loop-1", "A", "C", 700, daysAgo(3))
	save("loop-2", "C", "D", 690, daysAgo(2))
	save("loop-3", "D", "A", 680, daysAgo(1))
	save("outside-1", "X", "Y", 500, daysAgo(1))

	eventBus := bus.NewChannelBus(10)
	lru := cache.NewLRUCache(100)
	cfg := domain.AnalysisConfig{Timeout: time.Minute, Workers: 2, CacheTTL: time.Minute}

	orch := typology.NewOrchestrator(repo, lib, gates, typology.Options{
		Workers: 2,
		Timeout: time.Minute,
		Bus:     eventBus,
	})
	detectionWorker := worker.NewWorker(eventBus, orch, worker.Config{Concurrency: 2})
	if err := detectionWorker.Start(); err != nil {
		t.Fatalf("Failed to start worker: %v", err)
	}

	srv := api.NewServer(domain.ServerConfig{}, cfg, api.Deps{
		Repo:      repo,
		Cache:     lru,
		Bus:       eventBus,
		Runner:    orch,
		Analysis:  analysis.NewService(repo, lru, cfg),
		Profiles:  velocity.NewService(repo, lru, time.Minute),
		Validator: validator,
	}, "integration")

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		detectionWorker.Stop()
		eventBus.Close()
	})
	return &stack{url: ts.URL, repo: repo}
}

func call(t *testing.T, method, url string, body any, wantStatus int, out any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	if resp.StatusCode != wantStatus {
		t.Fatalf("Expected status %d, got %d: %s", wantStatus, resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(respBody))
		}
	}
}

type detectionList struct {
	Detections []domain.DetectionView `json:"detections"`
	Count      int                    `json:"count"`
}

func codes(views []domain.DetectionView) map[string]int {
	out := make(map[string]int)
	for _, d := range views {
		out[d.TypologyCode]++
	}
	return out
}

// ============================================================================
// SCENARIO 1: Synchronous run flags structuring and is append-only
// ============================================================================

func TestSynchronousRun(t *testing.T) {
	s := startStack(t)

	var first api.RunResponse
	call(t, http.MethodPost, s.url+"/cases/"+caseID+"/detections", nil, http.StatusOK, &first)

	found := map[string]bool{}
	for _, d := range first.Result.Detections {
		found[d.TypologyCode] = true
		if d.Confidence < 0 || d.Confidence > 100 {
			t.Errorf("Confidence %d outside 0..100 for %s", d.Confidence, d.TypologyCode)
		}
	}
	if !found[domain.CodeStructuring] {
		t.Fatalf("Expected %s detection, got %+v", domain.CodeStructuring, first.Result.Detections)
	}
	if first.Digest == nil || len(first.Digest.Parties) == 0 {
		t.Error("Expected a digest ranking at least one party")
	}

	var second api.RunResponse
	call(t, http.MethodPost, s.url+"/cases/"+caseID+"/detections", nil, http.StatusOK, &second)
	if second.Result.RunID == first.Result.RunID {
		t.Error("Expected a new run id for every run")
	}

	var list detectionList
	call(t, http.MethodGet, s.url+"/cases/"+caseID+"/detections", nil, http.StatusOK, &list)
	want := len(first.Result.Detections) + len(second.Result.Detections)
	if list.Count != want {
		t.Errorf("Expected %d stored detections after two runs, got %d", want, list.Count)
	}
}

// ============================================================================
// SCENARIO 2: Asynchronous run goes through the bus and the worker
// ============================================================================

func TestAsynchronousRun(t *testing.T) {
	s := startStack(t)

	call(t, http.MethodPost, s.url+"/cases/"+caseID+"/detections?async=true", nil, http.StatusAccepted, nil)

	deadline := time.Now().Add(10 * time.Second)
	for {
		var list detectionList
		call(t, http.MethodGet, s.url+"/cases/"+caseID+"/detections", nil, http.StatusOK, &list)
		if codes(list.Detections)[domain.CodeStructuring] > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Worker did not persist detections in time, have %v", codes(list.Detections))
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// ============================================================================
// SCENARIO 3: Analyst review moves a detection through its states
// ============================================================================

func TestDetectionReview(t *testing.T) {
	s := startStack(t)

	var run api.RunResponse
	call(t, http.MethodPost, s.url+"/cases/"+caseID+"/detections", nil, http.StatusOK, &run)
	if len(run.Result.Detections) == 0 {
		t.Fatal("Expected detections to review")
	}
	id := run.Result.Detections[0].DetectionID

	var reviewed domain.Detection
	call(t, http.MethodPatch, s.url+"/detections/"+id,
		map[string]string{"state": "REVIEWED", "notes": "checked statements"}, http.StatusOK, &reviewed)
	if reviewed.State != domain.StateReviewed {
		t.Errorf("Expected state REVIEWED, got %s", reviewed.State)
	}

	call(t, http.MethodPatch, s.url+"/detections/"+id,
		map[string]string{"state": "CONFIRMED"}, http.StatusOK, nil)
	call(t, http.MethodPatch, s.url+"/detections/"+id,
		map[string]string{"state": "NEW"}, http.StatusConflict, nil)
}

// ============================================================================
// SCENARIO 4: Analysis and network views of the case
// ============================================================================

func TestCaseAnalysis(t *testing.T) {
	s := startStack(t)

	var summary analysis.Summary
	call(t, http.MethodGet, s.url+"/cases/"+caseID+"/analysis", nil, http.StatusOK, &summary)
	if len(summary.Structuring) != 1 {
		t.Errorf("Expected 1 structuring candidate, got %d", len(summary.Structuring))
	}
	if len(summary.Cycles) == 0 {
		t.Error("Expected the A -> C -> D -> A loop among cycles")
	}
	if len(summary.Gaps) != 0 {
		t.Errorf("Expected no gaps, got %+v", summary.Gaps)
	}

	var report map[string]any
	call(t, http.MethodGet, s.url+"/cases/"+caseID+"/network", nil, http.StatusOK, &report)
	for _, section := range []string{"density", "components", "centrality", "projection"} {
		if _, ok := report[section]; !ok {
			t.Errorf("Expected network report section %q", section)
		}
	}

	var paths struct {
		Count int `json:"count"`
	}
	call(t, http.MethodGet, s.url+"/cases/"+caseID+"/network/paths?from=A&to=D", nil, http.StatusOK, &paths)
	if paths.Count != 1 {
		t.Errorf("Expected 1 path A -> D, got %d", paths.Count)
	}
	paths.Count = -1
	call(t, http.MethodGet, s.url+"/cases/"+caseID+"/network/paths?from=X&to=Y", nil, http.StatusOK, &paths)
	if paths.Count != 0 {
		t.Errorf("Expected the X -> Y leg to stay out of the case, got %d paths", paths.Count)
	}

	var profile velocity.Profile
	call(t, http.MethodGet, s.url+"/parties/A/profile?window_days=60", nil, http.StatusOK, &profile)
	if profile.AsOrdering.Operations != 6 {
		t.Errorf("Expected 6 operations ordered by A, got %d", profile.AsOrdering.Operations)
	}
}
