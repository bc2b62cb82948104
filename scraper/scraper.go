package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/aluiziolira/go-arbitrage-watch/config"
	"github.com/aluiziolira/go-arbitrage-watch/metrics"
	"github.com/aluiziolira/go-arbitrage-watch/models"
	"github.com/aluiziolira/go-arbitrage-watch/parser"
	"github.com/google/uuid"
)

const catalogTarget = "catalog"

// ErrorLogger records failures in the persistent error log.
type ErrorLogger interface {
	LogError(ctx context.Context, record models.ErrorRecord) error
}

// Fetcher retrieves the catalog page and extracts tracked items from it.
type Fetcher struct {
	cfg        *config.Config
	catalogURL *url.URL
	client     *Client
	strategies []parser.Strategy
	errLog     ErrorLogger
	metrics    *metrics.Metrics
	logger     *slog.Logger
	sleep      func(context.Context, time.Duration) error
}

// NewFetcher builds a catalog fetcher. errLog may be nil.
func NewFetcher(cfg *config.Config, client *Client, errLog ErrorLogger, m *metrics.Metrics, logger *slog.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	catalogURL, err := url.Parse(cfg.CatalogURL)
	if err != nil {
		return nil, fmt.Errorf("parse catalog url: %w", err)
	}
	return &Fetcher{
		cfg:        cfg,
		catalogURL: catalogURL,
		client:     client,
		strategies: parser.DefaultStrategies(),
		errLog:     errLog,
		metrics:    m,
		logger:     logger,
		sleep:      sleepContext,
	}, nil
}

// WithStrategies replaces the ordered extraction strategies.
func (f *Fetcher) WithStrategies(strategies ...parser.Strategy) *Fetcher {
	f.strategies = strategies
	return f
}

// FetchCatalog returns the tracked (retiring or limited) items from the catalog.
// Network failures and unparseable pages are logged and answered with the
// sample set unless the fallback is disabled. Only cancellation is returned
// as an error when the fallback is enabled.
func (f *Fetcher) FetchCatalog(ctx context.Context) ([]models.CatalogItem, error) {
	items, err := f.fetchAndParse(ctx)
	if err == nil {
		return parser.FilterTracked(items), nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	f.logger.Warn("catalog fetch failed",
		slog.String("url", f.cfg.CatalogURL),
		slog.String("category", ErrorTypeLabel(err)),
		slog.Any("error", err),
	)
	f.recordError(ctx, err)

	if !f.cfg.FallbackToSample {
		return nil, fmt.Errorf("fetch catalog: %w", err)
	}
	f.metrics.IncFallback()
	return parser.FilterTracked(SampleCatalog()), nil
}

func (f *Fetcher) fetchAndParse(ctx context.Context) ([]models.CatalogItem, error) {
	resp, err := f.fetchWithRetry(ctx)
	if err != nil {
		return nil, err
	}

	pageURL := resp.URL
	if pageURL == nil {
		pageURL = f.catalogURL
	}
	page, err := parser.NewPage(pageURL, resp.Body)
	if err != nil {
		return nil, err
	}

	extraction := parser.ExtractAll(page, f.strategies)
	for name, strategyErr := range extraction.Errors {
		f.logger.Debug("extraction strategy failed",
			slog.String("strategy", name),
			slog.Any("error", strategyErr),
		)
	}
	for name, n := range extraction.Counts {
		f.metrics.AddCatalogItems(name, n)
	}

	items := make([]models.CatalogItem, 0, len(extraction.Items))
	invalid := 0
	for i := range extraction.Items {
		item := extraction.Items[i]
		if item.ID == "" {
			item.ID = item.SetNumber
		}
		if err := parser.ValidateCatalogItem(&item); err != nil {
			invalid++
			continue
		}
		items = append(items, item)
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("no catalog items extracted from %s (%d invalid)", f.cfg.CatalogURL, invalid)
	}

	f.logger.Debug("catalog parsed",
		slog.Int("items", len(items)),
		slog.Int("invalid", invalid),
		slog.Any("by_strategy", extraction.Counts),
	)
	return items, nil
}

func (f *Fetcher) fetchWithRetry(ctx context.Context) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			f.metrics.IncRetries()
			if err := f.sleep(ctx, f.backoff(attempt)); err != nil {
				return nil, err
			}
		}

		resp, err := f.client.Fetch(ctx, catalogTarget, f.cfg.CatalogURL)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !Retryable(err) {
			break
		}
	}
	return nil, lastErr
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := f.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := f.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func (f *Fetcher) recordError(ctx context.Context, cause error) {
	if f.errLog == nil {
		return
	}
	record := models.ErrorRecord{
		ID:         uuid.NewString(),
		Message:    fmt.Sprintf("catalog fetch failed: %v", cause),
		Context:    fmt.Sprintf("source_fetcher url=%s category=%s", f.cfg.CatalogURL, ErrorTypeLabel(cause)),
		OccurredAt: time.Now().UTC(),
	}
	if err := f.errLog.LogError(ctx, record); err != nil {
		f.logger.Error("record catalog error", slog.Any("error", err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
