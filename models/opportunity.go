package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OpportunityKey identifies the single live opportunity per item and marketplace.
type OpportunityKey struct {
	CatalogItemID string
	Marketplace   string
}

func (k OpportunityKey) String() string {
	return k.CatalogItemID + "_" + k.Marketplace
}

// Opportunity is a marketplace price that undercuts MSRP by at least the
// configured threshold. Opportunities are replaced, never edited.
type Opportunity struct {
	CatalogItemID    string          `csv:"catalog_item_id" json:"catalog_item_id"`
	SetNumber        string          `csv:"set_number" json:"set_number"`
	Name             string          `csv:"name" json:"name"`
	Marketplace      string          `csv:"marketplace" json:"marketplace"`
	MSRP             decimal.Decimal `csv:"msrp" json:"msrp"`
	MarketplacePrice decimal.Decimal `csv:"marketplace_price" json:"marketplace_price"`
	MarketplaceURL   string          `csv:"marketplace_url" json:"marketplace_url"`
	InStock          bool            `csv:"in_stock" json:"in_stock"`
	DiscountPercent  decimal.Decimal `csv:"discount_percent" json:"discount_percent"`
	EstimatedProfit  decimal.Decimal `csv:"estimated_profit" json:"estimated_profit"`
	ObservedAt       time.Time       `csv:"observed_at" json:"observed_at"`
}

// Key returns the composite dedup key.
func (o Opportunity) Key() OpportunityKey {
	return OpportunityKey{CatalogItemID: o.CatalogItemID, Marketplace: o.Marketplace}
}

// Alert is a user-facing notification for one opportunity.
type Alert struct {
	Title       string      `json:"title"`
	Message     string      `json:"message"`
	Opportunity Opportunity `json:"opportunity"`
}

// NewAlert formats the notification text with the discount as the headline.
func NewAlert(o Opportunity) Alert {
	return Alert{
		Title: fmt.Sprintf("Deal Alert: %s%% Discount!", o.DiscountPercent.StringFixed(1)),
		Message: fmt.Sprintf("%s (#%s)\n%s: $%s (MSRP: $%s)\nPotential profit: $%s",
			o.Name, o.SetNumber,
			o.Marketplace, o.MarketplacePrice.StringFixed(2), o.MSRP.StringFixed(2),
			o.EstimatedProfit.StringFixed(2),
		),
		Opportunity: o,
	}
}
