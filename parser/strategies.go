package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-arbitrage-watch/models"
	"github.com/shopspring/decimal"
)

// Page is a fetched catalog document shared by all extraction strategies.
type Page struct {
	URL  *url.URL
	Body []byte
	Doc  *goquery.Document
}

// NewPage parses body as HTML.
func NewPage(pageURL *url.URL, body []byte) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Page{URL: pageURL, Body: body, Doc: doc}, nil
}

// Absolute resolves ref against the page URL.
func (p *Page) Absolute(ref string) string {
	if ref == "" || p.URL == nil {
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return p.URL.ResolveReference(parsed).String()
}

// Strategy extracts catalog items from one kind of embedded data. A malformed
// block is skipped; an error means the strategy as a whole could not run.
type Strategy interface {
	Name() string
	Extract(page *Page) ([]models.CatalogItem, error)
}

// DefaultStrategies returns the extraction strategies in the order they are tried.
func DefaultStrategies() []Strategy {
	return []Strategy{JSONLDStrategy{}, DataAttributeStrategy{}, NextDataStrategy{}}
}

// Extraction is the outcome of running every strategy against a page.
type Extraction struct {
	Items  []models.CatalogItem
	Counts map[string]int
	Errors map[string]error
}

// ExtractAll runs each strategy independently and concatenates their items.
// Items found by several strategies are not merged here.
func ExtractAll(page *Page, strategies []Strategy) Extraction {
	result := Extraction{
		Counts: make(map[string]int, len(strategies)),
		Errors: make(map[string]error),
	}
	for _, strategy := range strategies {
		items, err := runStrategy(strategy, page)
		if err != nil {
			result.Errors[strategy.Name()] = err
		}
		result.Counts[strategy.Name()] = len(items)
		result.Items = append(result.Items, items...)
	}
	return result
}

func runStrategy(s Strategy, page *Page) (items []models.CatalogItem, err error) {
	defer func() {
		if r := recover(); r != nil {
			items = nil
			err = fmt.Errorf("strategy %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Extract(page)
}

// JSONLDStrategy reads schema.org Product blocks.
type JSONLDStrategy struct{}

func (JSONLDStrategy) Name() string { return "json_ld" }

func (JSONLDStrategy) Extract(page *Page) ([]models.CatalogItem, error) {
	var items []models.CatalogItem
	page.Doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var raw any
		if err := json.Unmarshal([]byte(strings.TrimSpace(s.Text())), &raw); err != nil {
			return
		}
		for _, node := range flattenLD(raw) {
			if !isProduct(node["@type"]) {
				continue
			}
			items = append(items, itemFromJSONLD(page, node))
		}
	})
	return items, nil
}

func itemFromJSONLD(page *Page, data map[string]any) models.CatalogItem {
	offers := firstObject(data["offers"])
	price := decimal.Zero
	if offers != nil {
		price = PriceValue(offers["price"])
		if price.IsZero() {
			price = PriceValue(offers["lowPrice"])
		}
	}
	link := Field(data, "url")
	if link == "" && offers != nil {
		link = Field(offers, "url")
	}
	sku := Field(data, "sku")
	return models.CatalogItem{
		ID:        firstNonEmpty(sku, Field(data, "productID")),
		Name:      Field(data, "name"),
		SetNumber: sku,
		MSRP:      price,
		ImageURL:  imageURL(data["image"]),
		Status:    models.StatusRetiringSoon,
		SourceURL: page.Absolute(link),
	}
}

// DataAttributeStrategy reads JSON from data-product attributes.
type DataAttributeStrategy struct{}

func (DataAttributeStrategy) Name() string { return "data_attribute" }

func (DataAttributeStrategy) Extract(page *Page) ([]models.CatalogItem, error) {
	var items []models.CatalogItem
	page.Doc.Find("[data-product]").Each(func(_ int, s *goquery.Selection) {
		attr, ok := s.Attr("data-product")
		if !ok {
			return
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(attr), &data); err != nil {
			return
		}
		items = append(items, models.CatalogItem{
			ID:        Field(data, "productId", "id"),
			Name:      Field(data, "productName", "name"),
			SetNumber: Field(data, "productCode", "sku"),
			MSRP:      PriceValue(data["price"]),
			ImageURL:  Field(data, "image", "imageUrl"),
			Status:    NormalizeStatus(Field(data, "availability"), models.StatusLimitedStock),
			SourceURL: page.Absolute(Field(data, "url")),
		})
	})
	return items, nil
}

var nextDataRe = regexp.MustCompile(`(?s)__NEXT_DATA__\s*=\s*({.*?})\s*</script>`)

// NextDataStrategy reads the app-hydration blob of Next.js pages.
type NextDataStrategy struct{}

func (NextDataStrategy) Name() string { return "next_data" }

func (NextDataStrategy) Extract(page *Page) ([]models.CatalogItem, error) {
	blob := strings.TrimSpace(page.Doc.Find("script#__NEXT_DATA__").First().Text())
	if blob == "" {
		if m := nextDataRe.FindSubmatch(page.Body); m != nil {
			blob = string(m[1])
		}
	}
	if blob == "" {
		return nil, nil
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(blob), &data); err != nil {
		return nil, fmt.Errorf("decode next data: %w", err)
	}

	products, _ := Lookup(data, "props", "pageProps", "products").([]any)
	items := make([]models.CatalogItem, 0, len(products))
	for _, raw := range products {
		product, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		items = append(items, models.CatalogItem{
			ID:        Field(product, "productId", "id"),
			Name:      Field(product, "name"),
			SetNumber: Field(product, "productCode", "sku"),
			MSRP:      PriceValue(product["price"]),
			ImageURL:  imageURL(product["image"]),
			Status:    NormalizeStatus(Field(product, "availability"), models.StatusRetiringSoon),
			SourceURL: page.Absolute(Field(product, "slug", "url")),
		})
	}
	return items, nil
}

// Lookup walks nested JSON objects and arrays; numeric path elements index arrays.
func Lookup(v any, path ...string) any {
	current := v
	for _, key := range path {
		switch node := current.(type) {
		case map[string]any:
			current = node[key]
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			current = node[idx]
		default:
			return nil
		}
	}
	return current
}

func flattenLD(raw any) []map[string]any {
	switch v := raw.(type) {
	case map[string]any:
		if graph, ok := v["@graph"].([]any); ok {
			return flattenLD(graph)
		}
		return []map[string]any{v}
	case []any:
		var out []map[string]any
		for _, elem := range v {
			if m, ok := elem.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func isProduct(t any) bool {
	switch v := t.(type) {
	case string:
		return v == "Product"
	case []any:
		for _, elem := range v {
			if s, ok := elem.(string); ok && s == "Product" {
				return true
			}
		}
	}
	return false
}

func firstObject(v any) map[string]any {
	switch o := v.(type) {
	case map[string]any:
		return o
	case []any:
		if len(o) > 0 {
			m, _ := o[0].(map[string]any)
			return m
		}
	}
	return nil
}

// Field returns the first non-empty string or number among keys of m, as text.
func Field(m map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := m[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func imageURL(v any) string {
	switch img := v.(type) {
	case string:
		return img
	case []any:
		if len(img) > 0 {
			return imageURL(img[0])
		}
	case map[string]any:
		return Field(img, "url", "src")
	}
	return ""
}
