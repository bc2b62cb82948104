// Package notify delivers user-facing alerts for new opportunities.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aluiziolira/go-arbitrage-watch/models"
)

// Notifier delivers one alert.
type Notifier interface {
	Notify(ctx context.Context, alert models.Alert) error
}

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a notifier logging at info level.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, alert models.Alert) error {
	o := alert.Opportunity
	n.logger.Info(alert.Title,
		slog.String("name", o.Name),
		slog.String("set_number", o.SetNumber),
		slog.String("marketplace", o.Marketplace),
		slog.String("price", o.MarketplacePrice.StringFixed(2)),
		slog.String("msrp", o.MSRP.StringFixed(2)),
		slog.String("profit", o.EstimatedProfit.StringFixed(2)),
		slog.String("url", o.MarketplaceURL),
	)
	return nil
}

// Multi fans an alert out to several notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, alert models.Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
