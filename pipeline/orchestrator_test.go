package pipeline

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aluiziolira/go-arbitrage-watch/config"
	"github.com/aluiziolira/go-arbitrage-watch/evaluator"
	"github.com/aluiziolira/go-arbitrage-watch/metrics"
	"github.com/aluiziolira/go-arbitrage-watch/models"
	"github.com/aluiziolira/go-arbitrage-watch/notify"
	"github.com/aluiziolira/go-arbitrage-watch/scraper"
	"github.com/aluiziolira/go-arbitrage-watch/store"
	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

var falcon = models.CatalogItem{
	ID:        "75192",
	Name:      "Millennium Falcon",
	SetNumber: "75192",
	MSRP:      decimal.RequireFromString("849.99"),
	Status:    models.StatusRetiringSoon,
}

type fakeSource struct {
	items []models.CatalogItem
	err   error
	calls atomic.Int32
	gate  chan struct{}
	enter chan struct{}
}

func (f *fakeSource) FetchCatalog(ctx context.Context) ([]models.CatalogItem, error) {
	f.calls.Add(1)
	if f.enter != nil {
		f.enter <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	return f.items, f.err
}

type fakeProber struct {
	quotes map[string]map[string]models.MarketQuote
	panics bool
	calls  atomic.Int32
	cycles atomic.Int32
}

func (f *fakeProber) BeginCycle() {
	f.cycles.Add(1)
}

func (f *fakeProber) CheckPrices(_ context.Context, item models.CatalogItem, _ map[string]bool) map[string]models.MarketQuote {
	f.calls.Add(1)
	if f.panics {
		panic("prober exploded")
	}
	return f.quotes[item.SetNumber]
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (r *recordingNotifier) Notify(_ context.Context, alert models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func quote(marketplace, price string) models.MarketQuote {
	return models.MarketQuote{Marketplace: marketplace, Available: true, Price: decimal.RequireFromString(price), InStock: true}
}

type harness struct {
	cfg      *config.Config
	store    *store.Store
	source   *fakeSource
	prober   *fakeProber
	notifier *recordingNotifier
	metrics  *metrics.Metrics
	orch     *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Parallelism = 2
	h := &harness{
		cfg:   cfg,
		store: store.New(store.NewMemoryBackend(), "test:"),
		source: &fakeSource{items: []models.CatalogItem{falcon}},
		prober: &fakeProber{quotes: map[string]map[string]models.MarketQuote{
			"75192": {
				"amazon":  quote("amazon", "620.00"),
				"walmart": models.Unavailable("walmart", "Not found on Walmart"),
				"target":  models.Failed("target", errors.New("timeout")),
			},
		}},
		notifier: &recordingNotifier{},
		metrics:  metrics.New(),
	}
	h.orch = New(cfg, Deps{
		Source:    h.source,
		Prober:    h.prober,
		Evaluator: evaluator.New(cfg.ResaleMultiplier),
		Store:     h.store,
		Alerts:    notify.NewDispatcher(cfg, h.notifier, h.metrics, discardLogger()),
		Metrics:   h.metrics,
		Logger:    discardLogger(),
	})
	return h
}

func TestRunCycleHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result := h.orch.RunCycle(ctx, models.TriggerManual)
	if result.Status != models.CycleCompleted || result.Err != nil {
		t.Fatalf("result = %+v", result)
	}
	if result.ItemCount != 1 || result.QuoteCount != 3 || result.OpportunityCount != 1 || result.AlertsSent != 1 {
		t.Fatalf("counts = %+v", result)
	}

	opps, err := h.store.GetOpportunities(ctx)
	if err != nil {
		t.Fatalf("get opportunities: %v", err)
	}
	if len(opps) != 1 || opps[0].Marketplace != "amazon" {
		t.Fatalf("opportunities = %+v", opps)
	}
	if !opps[0].DiscountPercent.Equal(decimal.RequireFromString("27.06")) {
		t.Fatalf("discount = %s", opps[0].DiscountPercent)
	}
	if len(h.notifier.alerts) != 1 || h.notifier.alerts[0].Title != "Deal Alert: 27.1% Discount!" {
		t.Fatalf("alerts = %+v", h.notifier.alerts)
	}

	last, err := h.store.GetLastScrape(ctx)
	if err != nil || last == nil {
		t.Fatalf("last scrape = %v, %v", last, err)
	}
	stats, _ := h.store.GetStats(ctx)
	if stats.TotalCycles != 1 || stats.TotalOpportunitiesEverSeen != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if got := testutil.ToFloat64(h.metrics.CyclesTotal.WithLabelValues("completed")); got != 1 {
		t.Fatalf("completed cycles metric = %v", got)
	}
	if h.orch.LastResult() != result {
		t.Fatalf("last result not recorded")
	}
}

func TestRunCycleAlertsOnEveryCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		result := h.orch.RunCycle(ctx, models.TriggerTimer)
		if result.Status != models.CycleCompleted || result.AlertsSent != 1 {
			t.Fatalf("cycle %d = %+v", i, result)
		}
	}
	if len(h.notifier.alerts) != 2 {
		t.Fatalf("alerts = %d, want one per cycle", len(h.notifier.alerts))
	}
}

func TestRunCycleScopesPriceCacheToCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.orch.RunCycle(ctx, models.TriggerTimer)
	h.orch.RunCycle(ctx, models.TriggerManual)
	if got := h.prober.cycles.Load(); got != 2 {
		t.Fatalf("BeginCycle calls = %d, want 2", got)
	}
}

func TestRunCycleDisabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	disabled := false
	if _, err := h.store.PatchSettings(ctx, models.SettingsPatch{Enabled: &disabled}); err != nil {
		t.Fatalf("patch settings: %v", err)
	}

	result := h.orch.RunCycle(ctx, models.TriggerTimer)
	if result.Status != models.CycleSkipped || result.SkipReason != SkipDisabled || result.Err != nil {
		t.Fatalf("result = %+v", result)
	}
	if h.source.calls.Load() != 0 {
		t.Fatalf("catalog fetched while disabled")
	}
	if last, _ := h.store.GetLastScrape(ctx); last != nil {
		t.Fatalf("last scrape changed: %v", last)
	}
}

func TestRunCycleEmptyCatalog(t *testing.T) {
	h := newHarness(t)
	h.source.items = nil

	result := h.orch.RunCycle(context.Background(), models.TriggerTimer)
	if result.Status != models.CycleSkipped || result.SkipReason != SkipEmptyCatalog {
		t.Fatalf("result = %+v", result)
	}
	if h.prober.calls.Load() != 0 {
		t.Fatalf("prober called for empty catalog")
	}
}

func TestRunCycleNoOpportunitiesStillStampsLastScrape(t *testing.T) {
	h := newHarness(t)
	h.prober.quotes["75192"]["amazon"] = quote("amazon", "849.99")
	ctx := context.Background()

	result := h.orch.RunCycle(ctx, models.TriggerTimer)
	if result.Status != models.CycleCompleted || result.OpportunityCount != 0 {
		t.Fatalf("result = %+v", result)
	}
	if last, _ := h.store.GetLastScrape(ctx); last == nil {
		t.Fatalf("last scrape not updated")
	}
	if len(h.notifier.alerts) != 0 {
		t.Fatalf("unexpected alerts")
	}
}

func TestRunCycleNotificationsDisabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	off := false
	if _, err := h.store.PatchSettings(ctx, models.SettingsPatch{NotificationsEnabled: &off}); err != nil {
		t.Fatalf("patch settings: %v", err)
	}

	result := h.orch.RunCycle(ctx, models.TriggerManual)
	if result.Status != models.CycleCompleted || result.AlertsSent != 0 {
		t.Fatalf("result = %+v", result)
	}
	if len(h.notifier.alerts) != 0 {
		t.Fatalf("alerts sent while notifications disabled")
	}
	if opps, _ := h.store.GetOpportunities(ctx); len(opps) != 1 {
		t.Fatalf("opportunity not persisted")
	}
}

func TestRunCycleAlertsTopThree(t *testing.T) {
	h := newHarness(t)
	var items []models.CatalogItem
	quotes := make(map[string]map[string]models.MarketQuote)
	for i, price := range []string{"70", "60", "50", "40", "75"} {
		id := string(rune('a' + i))
		items = append(items, models.CatalogItem{ID: id, SetNumber: id, Name: id, MSRP: decimal.NewFromInt(100), Status: models.StatusRetiringSoon})
		quotes[id] = map[string]models.MarketQuote{"amazon": quote("amazon", price)}
	}
	h.source.items = items
	h.prober.quotes = quotes

	result := h.orch.RunCycle(context.Background(), models.TriggerManual)
	if result.OpportunityCount != 5 || result.AlertsSent != 3 {
		t.Fatalf("result = %+v", result)
	}
	want := []string{"d", "c", "b"}
	for i, alert := range h.notifier.alerts {
		if alert.Opportunity.CatalogItemID != want[i] {
			t.Fatalf("alert %d = %s, want %s", i, alert.Opportunity.CatalogItemID, want[i])
		}
	}
}

func TestRunCycleSourceFailure(t *testing.T) {
	h := newHarness(t)
	h.source.err = errors.New("catalog unreachable")
	ctx := context.Background()

	result := h.orch.RunCycle(ctx, models.TriggerManual)
	if result.Status != models.CycleFailed || result.Err == nil {
		t.Fatalf("result = %+v", result)
	}
	records, _ := h.store.GetErrors(ctx)
	if len(records) != 1 {
		t.Fatalf("error records = %d, want 1", len(records))
	}
	if last, _ := h.store.GetLastScrape(ctx); last != nil {
		t.Fatalf("failed cycle stamped last scrape")
	}
}

func TestRunCycleRecoversPanic(t *testing.T) {
	h := newHarness(t)
	h.prober.panics = true
	ctx := context.Background()

	result := h.orch.RunCycle(ctx, models.TriggerTimer)
	if result.Status != models.CycleFailed || result.Err == nil {
		t.Fatalf("result = %+v", result)
	}
	records, _ := h.store.GetErrors(ctx)
	if len(records) != 1 {
		t.Fatalf("error records = %d, want 1", len(records))
	}
	if h.orch.Running() {
		t.Fatalf("orchestrator still running after panic")
	}

	h.prober.panics = false
	if next := h.orch.RunCycle(ctx, models.TriggerTimer); next.Status != models.CycleCompleted {
		t.Fatalf("next cycle = %+v", next)
	}
}

func TestRunCycleRejectsConcurrentTrigger(t *testing.T) {
	h := newHarness(t)
	h.source.gate = make(chan struct{})
	h.source.enter = make(chan struct{}, 1)

	done := make(chan *models.CycleResult, 1)
	go func() {
		done <- h.orch.RunCycle(context.Background(), models.TriggerTimer)
	}()
	<-h.source.enter

	second := h.orch.RunCycle(context.Background(), models.TriggerManual)
	if !errors.Is(second.Err, ErrCycleRunning) || second.Status != models.CycleSkipped {
		t.Fatalf("second = %+v", second)
	}

	close(h.source.gate)
	first := <-done
	if first.Status != models.CycleCompleted {
		t.Fatalf("first = %+v", first)
	}
	if h.source.calls.Load() != 1 {
		t.Fatalf("catalog fetched %d times", h.source.calls.Load())
	}
}

func TestDrainWaitsForInFlightCycle(t *testing.T) {
	h := newHarness(t)
	h.source.gate = make(chan struct{})
	h.source.enter = make(chan struct{}, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.orch.RunCycle(context.Background(), models.TriggerManual)
	}()
	<-h.source.enter

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.orch.Drain(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("drain while running = %v, want deadline exceeded", err)
	}

	close(h.source.gate)
	if err := h.orch.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if h.orch.Running() {
		t.Fatalf("still running after drain")
	}
	<-done
}

func TestRunCycleFallsBackToSampleCatalog(t *testing.T) {
	h := newHarness(t)
	cfg := h.cfg
	cfg.CatalogURL = "http://catalog.test/last-chance"
	cfg.MaxRetries = 0

	client, err := scraper.NewClient(cfg, nil, discardLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", cfg.CatalogURL, httpmock.NewErrorResponder(errors.New("network down")))
	client.WithTransport(transport)

	h.prober.quotes = make(map[string]map[string]models.MarketQuote)
	for _, item := range scraper.SampleCatalog() {
		half := item.MSRP.Div(decimal.NewFromInt(2)).Round(2)
		h.prober.quotes[item.SetNumber] = map[string]models.MarketQuote{
			"amazon": {Marketplace: "amazon", Available: true, Price: half},
		}
	}
	fetcher, err := scraper.NewFetcher(cfg, client, h.store, nil, discardLogger())
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	h.orch.deps.Source = fetcher

	ctx := context.Background()
	result := h.orch.RunCycle(ctx, models.TriggerManual)
	if result.Status != models.CycleCompleted {
		t.Fatalf("result = %+v", result)
	}
	if result.ItemCount != len(scraper.SampleCatalog()) || result.OpportunityCount != len(scraper.SampleCatalog()) {
		t.Fatalf("result = %+v", result)
	}
	records, _ := h.store.GetErrors(ctx)
	if len(records) != 1 {
		t.Fatalf("error records = %d, want the catalog failure", len(records))
	}
}

func TestRunCycleArchivesOpportunities(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(t.TempDir(), "archive", "opportunities.jsonl")
	writer, err := NewOutputWriter("json", path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	archive := NewArchiver(writer, 4, discardLogger())
	h.orch.deps.Archive = archive

	h.orch.RunCycle(context.Background(), models.TriggerManual)
	h.orch.RunCycle(context.Background(), models.TriggerManual)
	if err := archive.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}
	if archive.Written() != 2 {
		t.Fatalf("written = %d, want 2", archive.Written())
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
	}
	if lines != 2 {
		t.Fatalf("lines = %d, want 2", lines)
	}
}

func TestSettingsChangeReschedules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.orch.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	sched := NewScheduler(time.Hour, time.Hour, func(context.Context) {}, discardLogger())
	h.orch.AttachScheduler(sched)

	threshold := 30.0
	if _, err := h.orch.PatchSettings(ctx, models.SettingsPatch{DiscountThresholdPercent: &threshold}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	select {
	case d := <-sched.reset:
		t.Fatalf("unexpected reschedule to %v", d)
	default:
	}

	interval := 5
	if _, err := h.orch.PatchSettings(ctx, models.SettingsPatch{CycleIntervalMinutes: &interval}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	if d := <-sched.reset; d != 5*time.Minute {
		t.Fatalf("reschedule = %v, want 5m", d)
	}

	settings := models.DefaultSettings()
	settings.CycleIntervalMinutes = 15
	if _, err := h.orch.UpdateSettings(ctx, settings); err != nil {
		t.Fatalf("update: %v", err)
	}
	if d := <-sched.reset; d != 15*time.Minute {
		t.Fatalf("reschedule = %v, want 15m", d)
	}

	settings.CycleIntervalMinutes = 0
	if _, err := h.orch.UpdateSettings(ctx, settings); err == nil {
		t.Fatalf("expected validation error")
	}
}
