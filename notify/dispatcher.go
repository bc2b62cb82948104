package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aluiziolira/go-arbitrage-watch/config"
	"github.com/aluiziolira/go-arbitrage-watch/metrics"
	"github.com/aluiziolira/go-arbitrage-watch/models"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Alert outcomes, used as metric labels.
const (
	OutcomeSent    = "sent"
	OutcomeDeduped = "deduped"
	OutcomeCapped  = "capped"
	OutcomeFailed  = "failed"
)

const dedupCacheSize = 1024

// Dispatcher sends alerts for the best opportunities of a cycle, at most
// topN per call and maxPerDay per UTC day. With a dedup TTL set, keys alerted
// within the TTL are dropped before the top N are chosen.
type Dispatcher struct {
	notifier  Notifier
	topN      int
	maxPerDay int
	dedup     *expirable.LRU[string, time.Time]
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	day       string
	sentToday int
}

// NewDispatcher builds a dispatcher from the alert settings in cfg.
func NewDispatcher(cfg *config.Config, n Notifier, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		notifier:  n,
		topN:      cfg.AlertTopN,
		maxPerDay: cfg.MaxAlertsPerDay,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
	if cfg.AlertDedupTTL > 0 {
		d.dedup = expirable.NewLRU[string, time.Time](dedupCacheSize, nil, cfg.AlertDedupTTL)
	}
	return d
}

// TopN returns up to n opportunities ordered by discount, largest first.
// Equal discounts keep their input order.
func TopN(opps []models.Opportunity, n int) []models.Opportunity {
	sorted := make([]models.Opportunity, len(opps))
	copy(sorted, opps)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].DiscountPercent.GreaterThan(sorted[j].DiscountPercent)
	})
	if n >= 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// Dispatch notifies the top opportunities and returns how many alerts were
// delivered. Delivery failures are joined into the returned error; the
// remaining alerts are still attempted.
func (d *Dispatcher) Dispatch(ctx context.Context, opps []models.Opportunity) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	today := d.now().UTC().Format("2006-01-02")
	if today != d.day {
		d.day = today
		d.sentToday = 0
	}

	var (
		sent int
		errs []error
	)
	for _, o := range TopN(d.fresh(opps), d.topN) {
		key := o.Key().String()
		if d.maxPerDay > 0 && d.sentToday >= d.maxPerDay {
			d.metrics.IncAlert(OutcomeCapped)
			d.logger.Warn("daily alert cap reached", slog.Int("max_alerts_per_day", d.maxPerDay))
			break
		}

		if err := d.notifier.Notify(ctx, models.NewAlert(o)); err != nil {
			d.metrics.IncAlert(OutcomeFailed)
			errs = append(errs, fmt.Errorf("notify %s: %w", key, err))
			continue
		}
		d.metrics.IncAlert(OutcomeSent)
		if d.dedup != nil {
			d.dedup.Add(key, d.now())
		}
		d.sentToday++
		sent++
	}
	return sent, errors.Join(errs...)
}

func (d *Dispatcher) fresh(opps []models.Opportunity) []models.Opportunity {
	if d.dedup == nil {
		return opps
	}
	out := make([]models.Opportunity, 0, len(opps))
	for _, o := range opps {
		if d.dedup.Contains(o.Key().String()) {
			d.metrics.IncAlert(OutcomeDeduped)
			continue
		}
		out = append(out, o)
	}
	return out
}
