package prober

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-arbitrage-watch/models"
	"github.com/aluiziolira/go-arbitrage-watch/parser"
)

// Marketplace extracts a quote for one catalog item from a fetched search page.
// Extract never fails: a page without a matching listing yields an unavailable quote.
type Marketplace interface {
	Name() string
	Extract(page *parser.Page, item models.CatalogItem) models.MarketQuote
}

// DefaultMarketplaces returns the built-in extractors keyed by name.
func DefaultMarketplaces() map[string]Marketplace {
	return map[string]Marketplace{
		models.MarketplaceAmazon:  Amazon{},
		models.MarketplaceWalmart: Walmart{},
		models.MarketplaceTarget:  Target{},
	}
}

func notFound(marketplace, display string) models.MarketQuote {
	return models.Unavailable(marketplace, "Not found on "+display)
}

var amazonPriceRe = regexp.MustCompile(`\$(\d[\d,]*\.\d{2})`)

// Amazon reads the server-rendered search result grid.
type Amazon struct{}

func (Amazon) Name() string { return models.MarketplaceAmazon }

func (a Amazon) Extract(page *parser.Page, item models.CatalogItem) models.MarketQuote {
	var quote *models.MarketQuote
	page.Doc.Find("[data-asin]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		asin := strings.TrimSpace(s.AttrOr("data-asin", ""))
		if asin == "" {
			return true
		}
		text := s.Text()
		if !strings.Contains(text, item.SetNumber) {
			return true
		}

		priceText := strings.TrimSpace(s.Find(".a-price .a-offscreen").First().Text())
		if priceText == "" {
			if m := amazonPriceRe.FindStringSubmatch(text); m != nil {
				priceText = m[1]
			}
		}
		quote = &models.MarketQuote{
			Marketplace: a.Name(),
			Available:   true,
			Price:       parser.ParsePrice(priceText),
			URL:         page.Absolute("/dp/" + asin),
			InStock:     !strings.Contains(text, "Currently unavailable"),
		}
		return false
	})
	if quote == nil {
		return notFound(a.Name(), "Amazon")
	}
	return *quote
}

// Walmart reads the Next.js hydration blob of the search page.
type Walmart struct{}

func (Walmart) Name() string { return models.MarketplaceWalmart }

func (w Walmart) Extract(page *parser.Page, item models.CatalogItem) models.MarketQuote {
	blob := strings.TrimSpace(page.Doc.Find("script#__NEXT_DATA__").First().Text())
	if blob == "" {
		return notFound(w.Name(), "Walmart")
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(blob), &data); err != nil {
		return notFound(w.Name(), "Walmart")
	}

	items, _ := parser.Lookup(data, "props", "pageProps", "initialData", "searchResult", "itemStacks", "0", "items").([]any)
	for _, raw := range items {
		listing, ok := raw.(map[string]any)
		if !ok || !strings.Contains(parser.Field(listing, "name"), item.SetNumber) {
			continue
		}
		price := parser.PriceValue(listing["price"])
		if price.IsZero() {
			price = parser.PriceValue(parser.Lookup(listing, "priceInfo", "currentPrice", "price"))
		}
		return models.MarketQuote{
			Marketplace: w.Name(),
			Available:   true,
			Price:       price,
			URL:         page.Absolute(parser.Field(listing, "canonicalUrl")),
			InStock:     parser.Field(listing, "availabilityStatus") == "IN_STOCK",
		}
	}
	return notFound(w.Name(), "Walmart")
}

var targetDataRe = regexp.MustCompile(`(?s)__TGT_DATA__\s*=\s*({.*?});\s*</script>`)

// Target reads the inline __TGT_DATA__ assignment.
type Target struct{}

func (Target) Name() string { return models.MarketplaceTarget }

func (t Target) Extract(page *parser.Page, item models.CatalogItem) models.MarketQuote {
	m := targetDataRe.FindSubmatch(page.Body)
	if m == nil {
		return notFound(t.Name(), "Target")
	}
	var data map[string]any
	if err := json.Unmarshal(m[1], &data); err != nil {
		return notFound(t.Name(), "Target")
	}

	products, _ := data["products"].([]any)
	for _, raw := range products {
		product, ok := raw.(map[string]any)
		if !ok || !strings.Contains(parser.Field(product, "title"), item.SetNumber) {
			continue
		}
		return models.MarketQuote{
			Marketplace: t.Name(),
			Available:   true,
			Price:       parser.PriceValue(product["price"]),
			URL:         page.Absolute(parser.Field(product, "url")),
			InStock:     parser.Field(product, "availability") != "OUT_OF_STOCK",
		}
	}
	return notFound(t.Name(), "Target")
}
