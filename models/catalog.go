// Package models defines data structures shared by the watcher components.
package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ItemStatus is the availability state a catalog item is listed with at the source.
type ItemStatus string

const (
	StatusRetiringSoon ItemStatus = "retiring_soon"
	StatusLimitedStock ItemStatus = "limited_stock"
	StatusOther        ItemStatus = "other"
)

// Tracked reports whether items with this status are candidates for price checks.
func (s ItemStatus) Tracked() bool {
	return s == StatusRetiringSoon || s == StatusLimitedStock
}

// CatalogItem is a product observed at the catalog source. A fetch produces a
// fresh batch; items are never updated in place.
type CatalogItem struct {
	ID        string          `json:"id" yaml:"id"`
	Name      string          `json:"name" yaml:"name"`
	SetNumber string          `json:"set_number" yaml:"set_number"`
	MSRP      decimal.Decimal `json:"msrp" yaml:"msrp"`
	ImageURL  string          `json:"image_url" yaml:"image_url"`
	Status    ItemStatus      `json:"status" yaml:"status"`
	SourceURL string          `json:"source_url" yaml:"source_url"`
}

func (c CatalogItem) String() string {
	return fmt.Sprintf("%s (#%s)", c.Name, c.SetNumber)
}

// MarketQuote is the result of probing one marketplace for one catalog item.
// Price is meaningful only when Available is true.
type MarketQuote struct {
	Marketplace string          `json:"marketplace"`
	Available   bool            `json:"available"`
	Price       decimal.Decimal `json:"price"`
	URL         string          `json:"url,omitempty"`
	InStock     bool            `json:"in_stock"`
	Reason      string          `json:"reason,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Unavailable builds a quote for a listing that was not found.
func Unavailable(marketplace, reason string) MarketQuote {
	return MarketQuote{Marketplace: marketplace, Reason: reason}
}

// Failed builds a quote for a marketplace query that errored.
func Failed(marketplace string, err error) MarketQuote {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return MarketQuote{Marketplace: marketplace, Error: msg}
}
