package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/heuristics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/typology"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

var asOf = time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	server *Server
	repo   *repository.SQLRepository
	bus    *bus.ChannelBus
}

// createTestServer builds a server over a seeded SQLite case: A sends B five
// sub-threshold transfers and a loop A -> C -> D -> A runs late in June.
// C and D are related members so every leg of the loop is in scope. X -> Y
// touches no member and stays out of the case.
func createTestServer(t *testing.T, limits domain.AnalysisConfig) *testEnv {
	t.Helper()
	ctx := context.Background()

	tmpFile, err := os.CreateTemp("", "api-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	lib := heuristics.NewLibrary()
	gates, err := typology.NewGateCompiler()
	if err != nil {
		t.Fatalf("failed to create gate compiler: %v", err)
	}
	validator := typology.NewValidator(lib, gates)
	catalog, err := typology.DefaultCatalog()
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}
	if _, err := typology.Seed(ctx, repo, validator, catalog, false); err != nil {
		t.Fatalf("failed to seed catalog: %v", err)
	}

	for _, m := range []struct {
		id   string
		role domain.MemberRole
	}{
		{"A", domain.RoleInvestigated},
		{"C", domain.RoleRelated},
		{"D", domain.RoleRelated},
	} {
		if err := repo.SaveParty(ctx, &domain.Party{ID: m.id, Document: "DOC-" + m.id}); err != nil {
			t.Fatalf("failed to save party: %v", err)
		}
		if err := repo.AddCaseMember(ctx, &domain.CaseMember{CaseID: "case-1", PartyID: m.id, Role: m.role, AddedAt: asOf}); err != nil {
			t.Fatalf("failed to add member: %v", err)
		}
	}
	transfer := func(id, from, to string, amount int64, day int) {
		if err := repo.SaveTransaction(ctx, &domain.Transaction{
			ID:                 id,
			OrderingPartyID:    from,
			BeneficiaryPartyID: to,
			Amount:             decimal.NewFromInt(amount),
			OperationDate:      time.Date(2024, 6, day, 0, 0, 0, 0, time.UTC),
		}); err != nil {
			t.Fatalf("failed to save transaction: %v", err)
		}
	}
	for i := 1; i <= 5; i++ {
		transfer(fmt.Sprintf("s%d", i), "A", "B", 2000, i)
	}
	transfer("c1", "A", "C", 700, 27)
	transfer("c2", "C", "D", 690, 28)
	transfer("c3", "D", "A", 680, 29)
	transfer("x1", "X", "Y", 500, 29)

	eventBus := bus.NewChannelBus(10)
	t.Cleanup(func() { eventBus.Close() })
	lru := cache.NewLRUCache(100)

	clock := func() time.Time { return asOf }
	cfg := domain.AnalysisConfig{Timeout: time.Minute, Workers: 2, CacheTTL: time.Minute}
	orch := typology.NewOrchestrator(repo, lib, gates, typology.Options{Workers: 2, Timeout: time.Minute, Now: clock})
	profiles := velocity.NewService(repo, lru, time.Minute)

	server := NewServer(domain.ServerConfig{Host: "localhost", Port: 8080}, limits, Deps{
		Repo:      repo,
		Cache:     lru,
		Bus:       eventBus,
		Runner:    orch,
		Analysis:  analysis.NewService(repo, lru, cfg, analysis.WithClock(clock)),
		Profiles:  profiles,
		Validator: validator,
	}, "test-v1")

	return &testEnv{server: server, repo: repo, bus: eventBus}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	env := createTestServer(t, domain.AnalysisConfig{})

	rr := env.do(http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp map[string]any
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["status"] != "healthy" {
		t.Errorf("expected status healthy, got %v", resp["status"])
	}
	if resp["version"] != "test-v1" {
		t.Errorf("expected version test-v1, got %v", resp["version"])
	}
	if rr.Header().Get(RequestIDHeader) == "" || rr.Header().Get(TraceIDHeader) == "" {
		t.Error("expected request and trace id headers")
	}

	if rr := env.do(http.MethodGet, "/ready", nil); rr.Code != http.StatusOK {
		t.Errorf("expected ready 200, got %d", rr.Code)
	}
}

func TestTypologyEndpoints(t *testing.T) {
	env := createTestServer(t, domain.AnalysisConfig{})

	t.Run("List", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/typologies", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 10 {
			t.Errorf("expected 10 typologies, got %d", resp.Count)
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/typologies/TIP001", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var typ domain.Typology
		json.Unmarshal(rr.Body.Bytes(), &typ)
		if typ.Name != "Structuring" || typ.RiskWeight != 8 {
			t.Errorf("unexpected typology %+v", typ)
		}
	})

	t.Run("GetUnknown", func(t *testing.T) {
		if rr := env.do(http.MethodGet, "/typologies/TIP999", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	weight := func(v int) *int { return &v }
	active := true

	t.Run("Put", func(t *testing.T) {
		rr := env.do(http.MethodPut, "/typologies/TIP010", PutTypologyRequest{
			Name:       "Round amounts",
			RiskWeight: weight(3),
			Parameters: map[string]any{"min_operations": 4},
			Gate:       "amount >= 10000.0",
			Active:     &active,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		stored, err := env.repo.GetTypology(context.Background(), "TIP010")
		if err != nil {
			t.Fatalf("GetTypology failed: %v", err)
		}
		if stored.RiskWeight != 3 || stored.Gate != "amount >= 10000.0" {
			t.Errorf("expected update to be stored, got %+v", stored)
		}
	})

	badRequests := []struct {
		name string
		code string
		body any
	}{
		{"MissingWeight", "TIP010", PutTypologyRequest{Name: "x", Active: &active}},
		{"WeightOutOfRange", "TIP010", PutTypologyRequest{Name: "x", RiskWeight: weight(11), Active: &active}},
		{"UnknownCode", "TIP999", PutTypologyRequest{Name: "x", RiskWeight: weight(1), Active: &active}},
		{"BadParameter", "TIP001", PutTypologyRequest{Name: "x", RiskWeight: weight(1), Active: &active,
			Parameters: map[string]any{"min_operations": -1}}},
		{"BadGate", "TIP001", PutTypologyRequest{Name: "x", RiskWeight: weight(1), Active: &active, Gate: "count +"}},
		{"InvalidJSON", "TIP001", "not an object"},
	}
	for _, tt := range badRequests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(http.MethodPut, "/typologies/"+tt.code, tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestDetectionEndpoints(t *testing.T) {
	env := createTestServer(t, domain.AnalysisConfig{})

	rr := env.do(http.MethodPost, "/cases/case-1/detections", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var run RunResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &run); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if run.Result.CaseID != "case-1" || run.Result.RunID == "" {
		t.Errorf("unexpected result %+v", run.Result)
	}
	var structuring string
	for _, d := range run.Result.Detections {
		if d.TypologyCode == domain.CodeStructuring {
			structuring = d.DetectionID
		}
	}
	if structuring == "" {
		t.Fatal("expected a structuring detection")
	}
	if run.Digest == nil || run.Digest.Metadata.TraceID == "" {
		t.Error("expected digest with trace id")
	}

	t.Run("List", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/cases/case-1/detections", nil)
		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != len(run.Result.Detections) {
			t.Errorf("expected %d stored detections, got %d", len(run.Result.Detections), resp.Count)
		}
	})

	t.Run("ListEmptyCase", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/cases/case-empty/detections", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !bytes.Contains(rr.Body.Bytes(), []byte(`"detections":[]`)) {
			t.Errorf("expected empty list, got %s", rr.Body.String())
		}
	})

	t.Run("Review", func(t *testing.T) {
		rr := env.do(http.MethodPatch, "/detections/"+structuring, UpdateDetectionRequest{State: domain.StateReviewed, Notes: "checked"})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var d domain.Detection
		json.Unmarshal(rr.Body.Bytes(), &d)
		if d.State != domain.StateReviewed || d.Notes != "checked" {
			t.Errorf("unexpected detection %+v", d)
		}
	})

	t.Run("InvalidTransition", func(t *testing.T) {
		rr := env.do(http.MethodPatch, "/detections/"+structuring, UpdateDetectionRequest{State: domain.StateNew})
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rr.Code)
		}
	})

	t.Run("UnknownState", func(t *testing.T) {
		rr := env.do(http.MethodPatch, "/detections/"+structuring, map[string]string{"state": "ESCALATED"})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("UnknownDetection", func(t *testing.T) {
		rr := env.do(http.MethodPatch, "/detections/missing", UpdateDetectionRequest{State: domain.StateReviewed})
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Async", func(t *testing.T) {
		requests := make(chan []byte, 1)
		sub, err := env.bus.Subscribe(context.Background(), domain.TopicDetectionRequested, func(ctx context.Context, msg *domain.Message) error {
			requests <- msg.Payload
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		defer sub.Unsubscribe()

		rr := env.do(http.MethodPost, "/cases/case-1/detections?async=true", nil)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d", rr.Code)
		}

		select {
		case payload := <-requests:
			var req domain.DetectionRequest
			json.Unmarshal(payload, &req)
			if req.CaseID != "case-1" {
				t.Errorf("expected request for case-1, got %q", req.CaseID)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for detection request")
		}
	})
}

func TestAnalysisEndpoints(t *testing.T) {
	env := createTestServer(t, domain.AnalysisConfig{})

	t.Run("Summary", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/cases/case-1/analysis", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var summary analysis.Summary
		json.Unmarshal(rr.Body.Bytes(), &summary)
		if len(summary.Structuring) != 1 {
			t.Errorf("expected 1 structuring finding, got %d", len(summary.Structuring))
		}
		if len(summary.Cycles) == 0 {
			t.Error("expected the A -> C -> D -> A loop")
		}
	})

	t.Run("Network", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/cases/case-1/network", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if !bytes.Contains(rr.Body.Bytes(), []byte(`"density"`)) {
			t.Error("expected density section in report")
		}
	})

	t.Run("Critical", func(t *testing.T) {
		if rr := env.do(http.MethodGet, "/cases/case-1/network/critical?percentile=75", nil); rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		for _, q := range []string{"abc", "150", "-1"} {
			if rr := env.do(http.MethodGet, "/cases/case-1/network/critical?percentile="+q, nil); rr.Code != http.StatusBadRequest {
				t.Errorf("percentile %s: expected status 400, got %d", q, rr.Code)
			}
		}
	})

	t.Run("Paths", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/cases/case-1/network/paths?from=A&to=D", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp struct {
			Count int `json:"count"`
		}
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 path A -> C -> D, got %d", resp.Count)
		}

		rr = env.do(http.MethodGet, "/cases/case-1/network/paths?from=X&to=Y", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		resp.Count = -1
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp.Count != 0 {
			t.Errorf("expected no path over the out-of-case leg X -> Y, got %d", resp.Count)
		}

		for _, q := range []string{"?to=D", "?from=A&to=D&cutoff=x", "?from=A&to=D&cutoff=50", "?from=A&to=D&limit=0"} {
			if rr := env.do(http.MethodGet, "/cases/case-1/network/paths"+q, nil); rr.Code != http.StatusBadRequest {
				t.Errorf("%s: expected status 400, got %d", q, rr.Code)
			}
		}
	})

	t.Run("Profile", func(t *testing.T) {
		rr := env.do(http.MethodGet, "/parties/A/profile?window_days=400", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var p velocity.Profile
		json.Unmarshal(rr.Body.Bytes(), &p)
		if p.AsOrdering.Operations != 6 {
			t.Errorf("expected 6 outgoing operations, got %d", p.AsOrdering.Operations)
		}
		if len(p.Recurring) != 1 || p.Recurring[0].PartyID != "B" {
			t.Errorf("expected B as recurring beneficiary, got %+v", p.Recurring)
		}
	})
}

func TestRateLimit(t *testing.T) {
	env := createTestServer(t, domain.AnalysisConfig{RateLimit: 0.001, RateBurst: 1})

	if rr := env.do(http.MethodGet, "/cases/case-1/network", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rr.Code)
	}
	rr := env.do(http.MethodGet, "/cases/case-1/network", nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", rr.Code)
	}
	if rr := env.do(http.MethodGet, "/typologies", nil); rr.Code != http.StatusOK {
		t.Errorf("expected catalog routes to stay unlimited, got %d", rr.Code)
	}
}
