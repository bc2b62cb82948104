// Package prober queries marketplaces for competing prices on catalog items.
package prober

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/aluiziolira/go-arbitrage-watch/config"
	"github.com/aluiziolira/go-arbitrage-watch/metrics"
	"github.com/aluiziolira/go-arbitrage-watch/models"
	"github.com/aluiziolira/go-arbitrage-watch/parser"
	"github.com/aluiziolira/go-arbitrage-watch/scraper"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// PageFetcher fetches one page. *scraper.Client satisfies it.
type PageFetcher interface {
	Fetch(ctx context.Context, target, rawURL string) (*scraper.Response, error)
}

// Prober fans a catalog item out to every enabled marketplace.
type Prober struct {
	cfg          *config.Config
	fetcher      PageFetcher
	marketplaces map[string]Marketplace
	cache        *expirable.LRU[string, models.MarketQuote]
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// New builds a prober for the marketplaces configured in cfg that have a
// registered extractor.
func New(cfg *config.Config, fetcher PageFetcher, m *metrics.Metrics, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Prober{
		cfg:          cfg,
		fetcher:      fetcher,
		marketplaces: make(map[string]Marketplace),
		metrics:      m,
		logger:       logger,
	}
	if cfg.QuoteCacheSize > 0 {
		p.cache = expirable.NewLRU[string, models.MarketQuote](cfg.QuoteCacheSize, nil, cfg.QuoteCacheTTL)
	}
	defaults := DefaultMarketplaces()
	for _, name := range cfg.MarketplaceNames() {
		if mp, ok := defaults[name]; ok {
			p.marketplaces[name] = mp
			continue
		}
		logger.Warn("no extractor for configured marketplace", slog.String("marketplace", name))
	}
	return p
}

// Register adds or replaces a marketplace extractor. It must be called before
// CheckPrices and needs a matching entry in the config.
func (p *Prober) Register(mp Marketplace) {
	p.marketplaces[mp.Name()] = mp
}

// BeginCycle drops every cached quote. Quotes are only shared between
// duplicate catalog items of the same cycle.
func (p *Prober) BeginCycle() {
	if p.cache != nil {
		p.cache.Purge()
	}
}

// Marketplaces returns the names that can be probed.
func (p *Prober) Marketplaces() []string {
	names := make([]string, 0, len(p.marketplaces))
	for _, name := range p.cfg.MarketplaceNames() {
		if _, ok := p.marketplaces[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// CheckPrices queries every enabled marketplace concurrently and waits for all
// of them. Marketplaces missing from enabled are probed; a nil map enables all.
// Failures become unavailable quotes, so the result has one entry per probed
// marketplace.
func (p *Prober) CheckPrices(ctx context.Context, item models.CatalogItem, enabled map[string]bool) map[string]models.MarketQuote {
	settings := models.Settings{EnabledMarketplaces: enabled}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]models.MarketQuote)
	)
	for _, name := range p.Marketplaces() {
		if !settings.MarketplaceEnabled(name) {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			quote := p.probe(ctx, name, item)
			mu.Lock()
			results[name] = quote
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return results
}

func (p *Prober) probe(ctx context.Context, name string, item models.CatalogItem) (quote models.MarketQuote) {
	defer func() {
		if r := recover(); r != nil {
			quote = models.Failed(name, fmt.Errorf("panic: %v", r))
			p.logger.Error("marketplace probe panicked",
				slog.String("marketplace", name),
				slog.String("set_number", item.SetNumber),
				slog.Any("panic", r),
			)
		}
		p.metrics.IncQuote(name, quoteResult(quote))
	}()

	key := name + ":" + item.SetNumber
	if p.cache != nil {
		if cached, ok := p.cache.Get(key); ok {
			p.metrics.IncQuoteCacheHit()
			return cached
		}
	}

	searchURL, err := SearchURL(p.cfg.Marketplaces[name], item.SetNumber)
	if err != nil {
		return models.Failed(name, err)
	}
	resp, err := p.fetcher.Fetch(ctx, name, searchURL)
	if err != nil {
		p.logger.Debug("marketplace fetch failed",
			slog.String("marketplace", name),
			slog.String("set_number", item.SetNumber),
			slog.String("category", scraper.ErrorTypeLabel(err)),
			slog.Any("error", err),
		)
		return models.Failed(name, err)
	}

	pageURL := resp.URL
	if base := p.cfg.Marketplaces[name].BaseURL; base != "" {
		if parsed, err := url.Parse(base); err == nil {
			pageURL = parsed
		}
	}
	page, err := parser.NewPage(pageURL, resp.Body)
	if err != nil {
		return models.Failed(name, err)
	}

	quote = p.marketplaces[name].Extract(page, item)
	quote.Marketplace = name
	if p.cache != nil && quote.Error == "" {
		p.cache.Add(key, quote)
	}
	return quote
}

// SearchURL builds the marketplace search URL for a catalog code.
func SearchURL(mc config.MarketplaceConfig, setNumber string) (string, error) {
	u, err := url.Parse(mc.SearchURL)
	if err != nil {
		return "", fmt.Errorf("parse search url: %w", err)
	}
	q := u.Query()
	q.Set(mc.QueryParam, mc.QueryPrefix+setNumber)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func quoteResult(q models.MarketQuote) string {
	switch {
	case q.Available:
		return "available"
	case q.Error != "":
		return "error"
	default:
		return "unavailable"
	}
}
