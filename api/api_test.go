package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aluiziolira/go-arbitrage-watch/config"
	"github.com/aluiziolira/go-arbitrage-watch/evaluator"
	"github.com/aluiziolira/go-arbitrage-watch/metrics"
	"github.com/aluiziolira/go-arbitrage-watch/models"
	"github.com/aluiziolira/go-arbitrage-watch/pipeline"
	"github.com/aluiziolira/go-arbitrage-watch/store"
	"github.com/shopspring/decimal"
)

type staticSource struct {
	items []models.CatalogItem
	gate  chan struct{}
	enter chan struct{}
}

func (s *staticSource) FetchCatalog(context.Context) ([]models.CatalogItem, error) {
	if s.enter != nil {
		s.enter <- struct{}{}
	}
	if s.gate != nil {
		<-s.gate
	}
	return s.items, nil
}

type staticProber struct{}

func (staticProber) CheckPrices(_ context.Context, item models.CatalogItem, _ map[string]bool) map[string]models.MarketQuote {
	return map[string]models.MarketQuote{
		"amazon": {Marketplace: "amazon", Available: true, Price: decimal.RequireFromString("620.00"), InStock: true, URL: "https://www.amazon.com/dp/B0C1234567"},
		"target": models.Unavailable("target", "Not found on Target"),
	}
}

type testEnv struct {
	server *httptest.Server
	store  *store.Store
	source *staticSource
	orch   *pipeline.Orchestrator
	sched  *pipeline.Scheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.DefaultConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.New(store.NewMemoryBackend(), "api:")
	m := metrics.New()
	source := &staticSource{items: []models.CatalogItem{{
		ID:        "75192",
		Name:      "Millennium Falcon",
		SetNumber: "75192",
		MSRP:      decimal.RequireFromString("849.99"),
		Status:    models.StatusRetiringSoon,
	}}}

	orch := pipeline.New(cfg, pipeline.Deps{
		Source:    source,
		Prober:    staticProber{},
		Evaluator: evaluator.New(cfg.ResaleMultiplier),
		Store:     st,
		Metrics:   m,
		Logger:    logger,
	})
	if _, err := orch.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	sched := pipeline.NewScheduler(time.Hour, time.Hour, orch.Tick, logger)
	orch.AttachScheduler(sched)

	srv := New(Options{Orchestrator: orch, Store: st, Scheduler: sched, Metrics: m, Logger: logger})
	server := httptest.NewServer(srv.Routes())
	t.Cleanup(server.Close)
	return &testEnv{server: server, store: st, source: source, orch: orch, sched: sched}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var decoded map[string]any
	if len(bytes.TrimSpace(raw)) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp, decoded
}

func TestRPCManualScrapeAndGetOpportunities(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/rpc", `{"action":"manualScrape"}`)
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("manualScrape = %d %v", resp.StatusCode, body)
	}
	cycle, ok := body["cycle"].(map[string]any)
	if !ok || cycle["status"] != "completed" || cycle["trigger"] != "manual" {
		t.Fatalf("cycle = %v", body["cycle"])
	}

	_, body = env.do(t, http.MethodPost, "/rpc", `{"action":"getOpportunities"}`)
	opps, ok := body["opportunities"].([]any)
	if !ok || len(opps) != 1 {
		t.Fatalf("opportunities = %v", body["opportunities"])
	}
	first := opps[0].(map[string]any)
	if first["marketplace"] != "amazon" || first["discount_percent"] != "27.06" {
		t.Fatalf("opportunity = %v", first)
	}

	_, body = env.do(t, http.MethodPost, "/rpc", `{"action":"clearOpportunities"}`)
	if body["success"] != true {
		t.Fatalf("clear = %v", body)
	}
	_, body = env.do(t, http.MethodGet, "/opportunities", "")
	if opps, ok := body["opportunities"].([]any); !ok || len(opps) != 0 {
		t.Fatalf("after clear = %v", body["opportunities"])
	}
}

func TestRPCRejectsUnknownAction(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "unknown action", body: `{"action":"explode"}`},
		{name: "malformed json", body: `{"action":`},
		{name: "unknown field", body: `{"action":"manualScrape","force":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/rpc", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			if body["success"] != false || body["error"] == "" {
				t.Fatalf("body = %v", body)
			}
		})
	}
}

func TestRPCManualScrapeWhileRunning(t *testing.T) {
	env := newTestEnv(t)
	env.source.gate = make(chan struct{})
	env.source.enter = make(chan struct{}, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.orch.RunCycle(context.Background(), models.TriggerTimer)
	}()
	<-env.source.enter

	_, body := env.do(t, http.MethodPost, "/rpc", `{"action":"manualScrape"}`)
	close(env.source.gate)
	<-done

	if body["success"] != false || !strings.Contains(body["error"].(string), "already running") {
		t.Fatalf("body = %v", body)
	}
}

func TestRemoveOpportunity(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/rpc", `{"action":"manualScrape"}`)

	resp, _ := env.do(t, http.MethodDelete, "/opportunities/75192/target", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing key status = %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodDelete, "/opportunities/75192/amazon", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove status = %d", resp.StatusCode)
	}
	opps, err := env.store.GetOpportunities(context.Background())
	if err != nil || len(opps) != 0 {
		t.Fatalf("opportunities = %v, %v", opps, err)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	env := newTestEnv(t)

	_, body := env.do(t, http.MethodGet, "/settings", "")
	if body["cycle_interval_minutes"] != float64(30) || body["enabled"] != true {
		t.Fatalf("defaults = %v", body)
	}

	resp, body := env.do(t, http.MethodPatch, "/settings", `{"cycle_interval_minutes":15}`)
	if resp.StatusCode != http.StatusOK || body["cycle_interval_minutes"] != float64(15) {
		t.Fatalf("patch = %d %v", resp.StatusCode, body)
	}
	if body["discount_threshold_percent"] != float64(20) {
		t.Fatalf("patch dropped threshold: %v", body)
	}

	resp, _ = env.do(t, http.MethodPatch, "/settings", `{"discount_threshold_percent":150}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid patch status = %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodPut, "/settings",
		`{"enabled":false,"cycle_interval_minutes":60,"discount_threshold_percent":25,"notifications_enabled":false,"enabled_marketplaces":{"amazon":true}}`)
	if resp.StatusCode != http.StatusOK || body["enabled"] != false {
		t.Fatalf("put = %d %v", resp.StatusCode, body)
	}
	saved, err := env.store.GetSettings(context.Background())
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if saved.CycleIntervalMinutes != 60 || len(saved.EnabledMarketplaces) != 1 {
		t.Fatalf("saved = %+v", saved)
	}

	resp, _ = env.do(t, http.MethodPut, "/settings", `{"cycle_interval_minutes":0}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid put status = %d", resp.StatusCode)
	}
}

func TestErrorsAndStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.LogError(ctx, models.ErrorRecord{ID: "e1", Message: "boom"}); err != nil {
		t.Fatalf("log error: %v", err)
	}

	_, body := env.do(t, http.MethodGet, "/errors", "")
	if errs, ok := body["errors"].([]any); !ok || len(errs) != 1 {
		t.Fatalf("errors = %v", body)
	}
	env.do(t, http.MethodDelete, "/errors", "")
	_, body = env.do(t, http.MethodGet, "/errors", "")
	if errs, ok := body["errors"].([]any); !ok || len(errs) != 0 {
		t.Fatalf("errors after clear = %v", body)
	}

	_, body = env.do(t, http.MethodGet, "/stats", "")
	if body["last_scrape"] != nil || body["running"] != false {
		t.Fatalf("stats before cycle = %v", body)
	}

	env.do(t, http.MethodPost, "/rpc", `{"action":"manualScrape"}`)
	_, body = env.do(t, http.MethodGet, "/stats", "")
	stats := body["stats"].(map[string]any)
	if stats["total_cycles"] != float64(1) || body["last_scrape"] == nil || body["last_cycle"] == nil {
		t.Fatalf("stats after cycle = %v", body)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", resp.StatusCode, body)
	}

	env.do(t, http.MethodPost, "/rpc", `{"action":"manualScrape"}`)
	resp, err := http.Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), `watcher_cycles_total{status="completed"} 1`) {
		t.Fatalf("metrics output missing cycle counter")
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req, _ := http.NewRequest(http.MethodOptions, env.server.URL+"/rpc", nil)
	req.Header.Set("Origin", "chrome-extension://abc")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow origin = %q", got)
	}
}
