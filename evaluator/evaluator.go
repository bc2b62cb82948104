// Package evaluator turns marketplace quotes into arbitrage opportunities.
package evaluator

import (
	"sort"
	"time"

	"github.com/aluiziolira/go-arbitrage-watch/models"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Evaluator compares quotes against MSRP. It holds no mutable state.
type Evaluator struct {
	multiplier decimal.Decimal
	now        func() time.Time
}

// New returns an evaluator that estimates resale value as MSRP * resaleMultiplier.
func New(resaleMultiplier float64) *Evaluator {
	return &Evaluator{
		multiplier: decimal.NewFromFloat(resaleMultiplier),
		now:        time.Now,
	}
}

// Evaluate returns one opportunity per available quote whose discount from MSRP
// is at least thresholdPercent. Items without a positive MSRP never qualify.
// Results are ordered by marketplace name.
func (e *Evaluator) Evaluate(item models.CatalogItem, quotes map[string]models.MarketQuote, thresholdPercent float64) []models.Opportunity {
	if !item.MSRP.IsPositive() {
		return nil
	}
	threshold := decimal.NewFromFloat(thresholdPercent)
	observedAt := e.now().UTC()

	names := make([]string, 0, len(quotes))
	for name := range quotes {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []models.Opportunity
	for _, name := range names {
		quote := quotes[name]
		if !quote.Available {
			continue
		}
		discount := DiscountPercent(item.MSRP, quote.Price)
		if discount.LessThan(threshold) {
			continue
		}
		marketplace := quote.Marketplace
		if marketplace == "" {
			marketplace = name
		}
		out = append(out, models.Opportunity{
			CatalogItemID:    item.ID,
			SetNumber:        item.SetNumber,
			Name:             item.Name,
			Marketplace:      marketplace,
			MSRP:             item.MSRP,
			MarketplacePrice: quote.Price,
			MarketplaceURL:   quote.URL,
			InStock:          quote.InStock,
			DiscountPercent:  discount.Round(2),
			EstimatedProfit:  e.EstimatedProfit(item.MSRP, quote.Price),
			ObservedAt:       observedAt,
		})
	}
	return out
}

// DiscountPercent is (msrp - price) / msrp * 100, unrounded. msrp must be non-zero.
func DiscountPercent(msrp, price decimal.Decimal) decimal.Decimal {
	return msrp.Sub(price).Mul(hundred).Div(msrp)
}

// EstimatedProfit is msrp * multiplier - price, rounded to cents.
func (e *Evaluator) EstimatedProfit(msrp, price decimal.Decimal) decimal.Decimal {
	return msrp.Mul(e.multiplier).Sub(price).Round(2)
}
