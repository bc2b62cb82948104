// Package pipeline runs watcher cycles: fetch the catalog, probe marketplaces,
// evaluate, persist and notify.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-arbitrage-watch/config"
	"github.com/aluiziolira/go-arbitrage-watch/evaluator"
	"github.com/aluiziolira/go-arbitrage-watch/metrics"
	"github.com/aluiziolira/go-arbitrage-watch/models"
	"github.com/aluiziolira/go-arbitrage-watch/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrCycleRunning is returned when a trigger arrives while a cycle is in flight.
var ErrCycleRunning = errors.New("pipeline: cycle already running")

// Skip reasons.
const (
	SkipDisabled     = "disabled"
	SkipEmptyCatalog = "empty catalog"
	SkipRunning      = "cycle already running"
)

// CatalogSource yields the tracked catalog items.
type CatalogSource interface {
	FetchCatalog(ctx context.Context) ([]models.CatalogItem, error)
}

// PriceChecker probes marketplaces for one item.
type PriceChecker interface {
	CheckPrices(ctx context.Context, item models.CatalogItem, enabled map[string]bool) map[string]models.MarketQuote
}

// CycleScoped is implemented by collaborators that keep state for the
// duration of one cycle, such as a quote cache.
type CycleScoped interface {
	BeginCycle()
}

// AlertDispatcher notifies the user about a cycle's opportunities.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, opps []models.Opportunity) (int, error)
}

// Deps are the collaborators of an Orchestrator. Alerts, Archive and Metrics
// may be nil.
type Deps struct {
	Source    CatalogSource
	Prober    PriceChecker
	Evaluator *evaluator.Evaluator
	Store     *store.Store
	Alerts    AlertDispatcher
	Archive   *Archiver
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Orchestrator owns the cycle state machine. At most one cycle runs at a time;
// it is the only writer of opportunities and run statistics.
type Orchestrator struct {
	cfg  *config.Config
	deps Deps

	running atomic.Bool
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	scheduler *Scheduler
	last      *models.CycleResult
}

// New builds an orchestrator.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		now:    time.Now,
	}
}

// AttachScheduler lets settings changes reschedule the recurring timer.
func (o *Orchestrator) AttachScheduler(s *Scheduler) {
	o.mu.Lock()
	o.scheduler = s
	o.mu.Unlock()
}

// Running reports whether a cycle is in flight.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Drain waits until no cycle is in flight or ctx is done.
func (o *Orchestrator) Drain(ctx context.Context) error {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for o.Running() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// LastResult returns the most recent finished cycle, or nil.
func (o *Orchestrator) LastResult() *models.CycleResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Bootstrap writes the default settings on first start.
func (o *Orchestrator) Bootstrap(ctx context.Context) (models.Settings, error) {
	created, err := o.deps.Store.EnsureSettings(ctx)
	if err != nil {
		return models.Settings{}, fmt.Errorf("bootstrap settings: %w", err)
	}
	if created {
		o.logger.Info("default settings written")
	}
	return o.deps.Store.GetSettings(ctx)
}

// UpdateSettings replaces the settings and reschedules the timer when the
// interval changed.
func (o *Orchestrator) UpdateSettings(ctx context.Context, settings models.Settings) (models.Settings, error) {
	if err := settings.Validate(); err != nil {
		return models.Settings{}, err
	}
	previous, err := o.deps.Store.GetSettings(ctx)
	if err != nil {
		return models.Settings{}, err
	}
	if err := o.deps.Store.SetSettings(ctx, settings); err != nil {
		return models.Settings{}, err
	}
	o.settingsChanged(previous, settings)
	return settings, nil
}

// PatchSettings merges patch into the settings and reschedules the timer when
// the interval changed.
func (o *Orchestrator) PatchSettings(ctx context.Context, patch models.SettingsPatch) (models.Settings, error) {
	previous, err := o.deps.Store.GetSettings(ctx)
	if err != nil {
		return models.Settings{}, err
	}
	next, err := o.deps.Store.PatchSettings(ctx, patch)
	if err != nil {
		return models.Settings{}, err
	}
	o.settingsChanged(previous, next)
	return next, nil
}

func (o *Orchestrator) settingsChanged(previous, next models.Settings) {
	if previous.CycleIntervalMinutes == next.CycleIntervalMinutes {
		return
	}
	o.mu.Lock()
	s := o.scheduler
	o.mu.Unlock()
	if s != nil {
		s.Reschedule(next.Interval())
	}
}

// Tick is the scheduler job: it runs a timer-triggered cycle.
func (o *Orchestrator) Tick(ctx context.Context) {
	o.RunCycle(ctx, models.TriggerTimer)
}

// RunCycle runs one cycle. A trigger that arrives while another cycle runs is
// skipped with ErrCycleRunning. Failures never escape: they end the cycle as
// failed, are recorded in the error log and returned in the result.
func (o *Orchestrator) RunCycle(ctx context.Context, trigger models.Trigger) *models.CycleResult {
	result := &models.CycleResult{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartTime: o.now(),
	}
	logger := o.logger.With(slog.String("cycle_id", result.ID), slog.String("trigger", string(trigger)))

	if !o.running.CompareAndSwap(false, true) {
		result.Status = models.CycleSkipped
		result.SkipReason = SkipRunning
		result.Err = ErrCycleRunning
		result.EndTime = o.now()
		logger.Info("cycle skipped", slog.String("reason", SkipRunning))
		o.deps.Metrics.ObserveCycle(string(models.CycleSkipped), 0)
		return result
	}
	defer o.running.Store(false)

	defer func() {
		if r := recover(); r != nil {
			o.fail(ctx, logger, result, fmt.Errorf("panic: %v", r), "panic")
			logger.Error("cycle panicked", slog.String("stack", string(debug.Stack())))
		}
		result.EndTime = o.now()
		o.deps.Metrics.ObserveCycle(string(result.Status), result.Duration())
		o.mu.Lock()
		o.last = result
		o.mu.Unlock()
	}()

	logger.Info("cycle started")
	o.run(ctx, logger, result)
	return result
}

func (o *Orchestrator) run(ctx context.Context, logger *slog.Logger, result *models.CycleResult) {
	settings, err := o.deps.Store.GetSettings(ctx)
	if err != nil {
		o.fail(ctx, logger, result, fmt.Errorf("load settings: %w", err), "settings")
		return
	}
	if !settings.Enabled {
		result.Status = models.CycleSkipped
		result.SkipReason = SkipDisabled
		logger.Info("cycle skipped", slog.String("reason", SkipDisabled))
		return
	}

	items, err := o.deps.Source.FetchCatalog(ctx)
	if err != nil {
		o.fail(ctx, logger, result, fmt.Errorf("fetch catalog: %w", err), "source_fetcher")
		return
	}
	result.ItemCount = len(items)
	if len(items) == 0 {
		result.Status = models.CycleSkipped
		result.SkipReason = SkipEmptyCatalog
		logger.Info("cycle skipped", slog.String("reason", SkipEmptyCatalog))
		return
	}

	opps, quotes, err := o.evaluateAll(ctx, items, settings)
	result.QuoteCount = quotes
	result.OpportunityCount = len(opps)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		o.fail(ctx, logger, result, fmt.Errorf("probe marketplaces: %w", err), "market_prober")
		return
	}
	o.deps.Metrics.AddOpportunities(len(opps))

	if len(opps) > 0 {
		if err := o.deps.Store.AddOpportunities(ctx, opps); err != nil {
			o.fail(ctx, logger, result, fmt.Errorf("persist opportunities: %w", err), "state_store")
			return
		}
		if o.deps.Archive != nil {
			if err := o.deps.Archive.Submit(opps); err != nil {
				logger.Warn("archive opportunities", slog.Any("error", err))
			}
		}
		if settings.NotificationsEnabled && o.deps.Alerts != nil {
			sent, err := o.deps.Alerts.Dispatch(ctx, opps)
			result.AlertsSent = sent
			if err != nil {
				logger.Warn("alert delivery failed", slog.Any("error", err))
				o.record(ctx, logger, result.ID, fmt.Errorf("dispatch alerts: %w", err), "notify")
			}
		}
	}

	finished := o.now()
	if err := o.deps.Store.UpdateLastScrape(ctx, finished); err != nil {
		o.fail(ctx, logger, result, fmt.Errorf("update last scrape: %w", err), "state_store")
		return
	}
	if _, err := o.deps.Store.RecordCycle(ctx, finished); err != nil {
		logger.Warn("record cycle stats", slog.Any("error", err))
	}

	result.Status = models.CycleCompleted
	logger.Info("cycle completed",
		slog.Int("items", result.ItemCount),
		slog.Int("quotes", result.QuoteCount),
		slog.Int("opportunities", result.OpportunityCount),
		slog.Int("alerts", result.AlertsSent),
		slog.Duration("duration", finished.Sub(result.StartTime)),
	)
}

// evaluateAll probes and evaluates items with bounded concurrency. The
// returned opportunities keep catalog order.
func (o *Orchestrator) evaluateAll(ctx context.Context, items []models.CatalogItem, settings models.Settings) ([]models.Opportunity, int, error) {
	if scoped, ok := o.deps.Prober.(CycleScoped); ok {
		scoped.BeginCycle()
	}
	perItem := make([][]models.Opportunity, len(items))
	var quotes atomic.Int64

	var g errgroup.Group
	g.SetLimit(o.cfg.Parallelism)
	for i, item := range items {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic evaluating %s: %v", item.SetNumber, r)
				}
			}()
			if ctx.Err() != nil {
				return nil
			}
			q := o.deps.Prober.CheckPrices(ctx, item, settings.EnabledMarketplaces)
			quotes.Add(int64(len(q)))
			perItem[i] = o.deps.Evaluator.Evaluate(item, q, settings.DiscountThresholdPercent)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, int(quotes.Load()), err
	}

	var out []models.Opportunity
	for _, opps := range perItem {
		out = append(out, opps...)
	}
	return out, int(quotes.Load()), nil
}

func (o *Orchestrator) fail(ctx context.Context, logger *slog.Logger, result *models.CycleResult, err error, step string) {
	result.Status = models.CycleFailed
	result.Err = err
	logger.Error("cycle failed", slog.String("step", step), slog.Any("error", err))
	o.record(ctx, logger, result.ID, err, step)
}

func (o *Orchestrator) record(ctx context.Context, logger *slog.Logger, cycleID string, cause error, step string) {
	record := models.ErrorRecord{
		ID:         uuid.NewString(),
		Message:    cause.Error(),
		Context:    fmt.Sprintf("cycle=%s step=%s", cycleID, step),
		OccurredAt: o.now().UTC(),
	}
	if err := o.deps.Store.LogError(context.WithoutCancel(ctx), record); err != nil {
		logger.Error("record cycle error", slog.Any("error", err))
	}
}
