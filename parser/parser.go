package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/aluiziolira/go-arbitrage-watch/models"
	"github.com/shopspring/decimal"
)

var priceRe = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?`)

// ValidateCatalogItem ensures the extractor captured the required fields.
func ValidateCatalogItem(item *models.CatalogItem) error {
	if item == nil {
		return fmt.Errorf("catalog item is nil")
	}
	if strings.TrimSpace(item.SetNumber) == "" {
		return fmt.Errorf("catalog item missing set number for %q", item.Name)
	}
	if strings.TrimSpace(item.ID) == "" {
		return fmt.Errorf("catalog item missing id for %s", item.SetNumber)
	}
	if item.MSRP.IsNegative() {
		return fmt.Errorf("catalog item %s has negative msrp", item.SetNumber)
	}
	return nil
}

// ParsePrice extracts the first number from currency-formatted text.
// Missing or unparseable prices yield zero.
func ParsePrice(text string) decimal.Decimal {
	match := priceRe.FindString(strings.TrimSpace(text))
	if match == "" {
		return decimal.Zero
	}
	value, err := decimal.NewFromString(strings.ReplaceAll(match, ",", ""))
	if err != nil {
		return decimal.Zero
	}
	return value
}

// PriceValue converts a decoded JSON value (number or string) to a price.
func PriceValue(v any) decimal.Decimal {
	switch p := v.(type) {
	case float64:
		return decimal.NewFromFloat(p)
	case int:
		return decimal.NewFromInt(int64(p))
	case int64:
		return decimal.NewFromInt(p)
	case string:
		return ParsePrice(p)
	case map[string]any:
		if inner, ok := p["value"]; ok {
			return PriceValue(inner)
		}
		if inner, ok := p["current"]; ok {
			return PriceValue(inner)
		}
		if cents, ok := p["centAmount"]; ok {
			return PriceValue(cents).Div(decimal.NewFromInt(100))
		}
	}
	return decimal.Zero
}

// NormalizeStatus maps free-form availability text to an item status.
// Text that mentions neither retirement nor limited stock falls back to fallback.
func NormalizeStatus(text string, fallback models.ItemStatus) models.ItemStatus {
	lower := strings.ToLower(strings.TrimSpace(text))
	switch {
	case lower == "":
		return fallback
	case strings.Contains(lower, "retiring"), strings.Contains(lower, "retired"), strings.Contains(lower, "last chance"):
		return models.StatusRetiringSoon
	case strings.Contains(lower, "limited"), strings.Contains(lower, "low stock"), strings.Contains(lower, "few left"):
		return models.StatusLimitedStock
	default:
		return fallback
	}
}

// FilterTracked keeps only items whose status qualifies for price checks.
func FilterTracked(items []models.CatalogItem) []models.CatalogItem {
	out := make([]models.CatalogItem, 0, len(items))
	for _, item := range items {
		if item.Status.Tracked() {
			out = append(out, item)
		}
	}
	return out
}
