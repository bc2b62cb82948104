package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/aluiziolira/go-arbitrage-watch/config"
	"github.com/aluiziolira/go-arbitrage-watch/metrics"
	"github.com/gocolly/colly/v2"
)

const (
	sinkKey   = "sink"
	targetKey = "target"
	startKey  = "start"
)

// Response is a fetched page.
type Response struct {
	URL        *url.URL
	StatusCode int
	Header     http.Header
	Body       []byte
}

type fetchSink struct {
	resp       *Response
	statusCode int
}

// Client issues browser-like GET requests through a shared colly collector.
// Fetch is safe for concurrent use.
type Client struct {
	cfg       *config.Config
	collector *colly.Collector
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewClient builds a client configured from cfg.
func NewClient(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	parallel := cfg.Parallelism * len(cfg.Marketplaces)
	if parallel < 1 {
		parallel = 1
	}
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: parallel,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	c := &Client{
		cfg:       cfg,
		collector: collector,
		metrics:   m,
		logger:    logger,
	}
	c.configureHandlers()
	return c, nil
}

// WithTransport swaps the HTTP transport, mainly for tests.
func (c *Client) WithTransport(rt http.RoundTripper) {
	c.collector.WithTransport(rt)
}

func (c *Client) configureHandlers() {
	c.collector.OnRequest(func(r *colly.Request) {
		r.Ctx.Put(startKey, time.Now())
		c.metrics.IncRequest(r.Ctx.Get(targetKey))
	})

	c.collector.OnResponse(func(r *colly.Response) {
		target := r.Ctx.Get(targetKey)
		if start, ok := r.Ctx.GetAny(startKey).(time.Time); ok {
			c.metrics.ObserveDuration(target, time.Since(start))
		}
		sink, ok := r.Ctx.GetAny(sinkKey).(*fetchSink)
		if !ok {
			return
		}
		var header http.Header
		if r.Headers != nil {
			header = r.Headers.Clone()
		}
		sink.statusCode = r.StatusCode
		sink.resp = &Response{
			URL:        r.Request.URL,
			StatusCode: r.StatusCode,
			Header:     header,
			Body:       r.Body,
		}
	})

	c.collector.OnError(func(r *colly.Response, err error) {
		if r == nil || r.Ctx == nil {
			return
		}
		if sink, ok := r.Ctx.GetAny(sinkKey).(*fetchSink); ok {
			sink.statusCode = r.StatusCode
		}
	})
}

// Fetch issues a GET for rawURL. target labels metrics and logs (e.g. "catalog", "amazon").
// Failures are returned as typed errors (ErrTimeout, ErrNotFound, ...).
func (c *Client) Fetch(ctx context.Context, target, rawURL string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrTimeout{Err: err}
	}

	reqCtx := colly.NewContext()
	sink := &fetchSink{}
	reqCtx.Put(sinkKey, sink)
	reqCtx.Put(targetKey, target)

	hdr := http.Header{}
	hdr.Set("User-Agent", c.cfg.UserAgent)
	hdr.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	hdr.Set("Accept-Language", "en-US,en;q=0.9")

	done := make(chan error, 1)
	go func() {
		done <- c.collector.Request(http.MethodGet, rawURL, nil, reqCtx, hdr)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
		c.metrics.IncError(target, "timeout")
		return nil, ErrTimeout{Err: err}
	}

	if err != nil || sink.resp == nil {
		classified := ClassifyError(err, sink.statusCode)
		if classified == nil {
			classified = fmt.Errorf("empty response from %s", rawURL)
		}
		label := ErrorTypeLabel(classified)
		c.metrics.IncError(target, label)
		c.logger.Debug("request error",
			slog.String("target", target),
			slog.String("url", rawURL),
			slog.String("category", label),
			slog.Any("error", err),
		)
		return nil, classified
	}
	return sink.resp, nil
}
