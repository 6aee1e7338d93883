package analysis

import (
	"strings"

	"ideaplanner-backend/lib/market"

	"github.com/antzucaro/matchr"
)

// titles this similar across sources are treated as the same listing
const duplicateThreshold = 0.92

// Summary carries the aggregate metrics the report layer renders next
// to the quality disclosure.
type Summary struct {
	TotalProducts  int               `json:"total_products"`
	UniqueProducts int               `json:"unique_products"`
	AveragePrice   market.Price      `json:"average_price"`
	PriceRange     market.PriceRange `json:"price_range"`
	// per-source listing counts, keyed by source id
	SourceCounts map[market.SourceId]int `json:"source_counts"`
}

func summarize(records []market.SourceRecord) Summary {
	summary := Summary{
		SourceCounts: map[market.SourceId]int{},
	}

	var all []market.Product
	for _, record := range records {
		summary.SourceCounts[record.Source] = len(record.Products)
		all = append(all, record.Products...)
	}

	summary.TotalProducts = len(all)
	summary.UniqueProducts = countUnique(all)
	summary.PriceRange = market.PriceRangeOf(all)

	var sum, priced int64
	for _, p := range all {
		if p.Price.Amount > 0 {
			sum += p.Price.Amount
			priced++
		}
	}
	if priced > 0 {
		summary.AveragePrice = market.Rub(sum / priced)
	}

	return summary
}

// countUnique clusters near-duplicate listings: marketplaces carry the
// same product under slightly different titles, so equality alone
// undercounts overlap.
func countUnique(products []market.Product) int {
	var representatives []string
	for _, p := range products {
		title := strings.ToLower(strings.TrimSpace(p.Title))
		if title == "" {
			continue
		}

		duplicate := false
		for _, seen := range representatives {
			if matchr.JaroWinkler(title, seen, false) >= duplicateThreshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			representatives = append(representatives, title)
		}
	}
	return len(representatives)
}
