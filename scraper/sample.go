package scraper

import (
	"github.com/aluiziolira/go-arbitrage-watch/models"
	"github.com/shopspring/decimal"
)

// SampleCatalog is the fixed item set used when the catalog cannot be fetched.
func SampleCatalog() []models.CatalogItem {
	return []models.CatalogItem{
		{
			ID:        "75192",
			Name:      "Millennium Falcon",
			SetNumber: "75192",
			MSRP:      decimal.RequireFromString("849.99"),
			ImageURL:  "https://www.lego.com/cdn/product-assets/product.img.pri/75192_prod.jpg",
			Status:    models.StatusRetiringSoon,
			SourceURL: "https://www.lego.com/en-us/product/millennium-falcon-75192",
		},
		{
			ID:        "10497",
			Name:      "Galaxy Explorer",
			SetNumber: "10497",
			MSRP:      decimal.RequireFromString("99.99"),
			ImageURL:  "https://www.lego.com/cdn/product-assets/product.img.pri/10497_prod.jpg",
			Status:    models.StatusRetiringSoon,
			SourceURL: "https://www.lego.com/en-us/product/galaxy-explorer-10497",
		},
		{
			ID:        "21348",
			Name:      "Dungeons & Dragons: Red Dragon's Tale",
			SetNumber: "21348",
			MSRP:      decimal.RequireFromString("359.99"),
			ImageURL:  "https://www.lego.com/cdn/product-assets/product.img.pri/21348_prod.jpg",
			Status:    models.StatusLimitedStock,
			SourceURL: "https://www.lego.com/en-us/product/dungeons-dragons-21348",
		},
		{
			ID:        "76419",
			Name:      "Hogwarts Castle and Grounds",
			SetNumber: "76419",
			MSRP:      decimal.RequireFromString("169.99"),
			ImageURL:  "https://www.lego.com/cdn/product-assets/product.img.pri/76419_prod.jpg",
			Status:    models.StatusRetiringSoon,
			SourceURL: "https://www.lego.com/en-us/product/hogwarts-castle-76419",
		},
		{
			ID:        "42143",
			Name:      "Ferrari Daytona SP3",
			SetNumber: "42143",
			MSRP:      decimal.RequireFromString("399.99"),
			ImageURL:  "https://www.lego.com/cdn/product-assets/product.img.pri/42143_prod.jpg",
			Status:    models.StatusRetiringSoon,
			SourceURL: "https://www.lego.com/en-us/product/ferrari-daytona-sp3-42143",
		},
	}
}
