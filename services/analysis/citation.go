package analysis

import (
	"fmt"

	"ideaplanner-backend/lib/market"
	"ideaplanner-backend/lib/sources/manual"
)

// bindCitations attaches a provenance record to every non-empty
// SourceRecord. A record whose citation cannot be bound (no origin url
// or no retrieval time) is retagged unavailable and stripped rather
// than surfaced without provenance: no fact leaves this service
// uncited.
func bindCitations(
	records []market.SourceRecord,
	originOf func(market.SourceId) string,
	query market.Query,
) ([]market.SourceRecord, []string) {
	var withheld []string

	bound := make([]market.SourceRecord, len(records))
	for i, record := range records {
		if len(record.Products) == 0 && len(record.TrendPoints) == 0 {
			// nothing surfaced, nothing to cite
			bound[i] = record
			continue
		}

		url := originOf(record.Source)
		if record.Freshness == market.FreshnessManual {
			// manual-tier records answer for another source's ladder,
			// their provenance still points at the upload origin
			url = manual.Origin
		}
		if url == "" || record.FetchedAt.IsZero() {
			withheld = append(withheld, fmt.Sprintf(
				"%s: citation could not be bound, record withheld", record.Source,
			))
			bound[i] = market.SourceRecord{
				Source:     record.Source,
				PriceRange: market.NoPriceData,
				FetchedAt:  record.FetchedAt,
				Freshness:  market.FreshnessUnavailable,
			}
			continue
		}

		citation := &market.Citation{
			Url:         url,
			RetrievedAt: record.FetchedAt,
			Note:        citationNote(record, query),
		}
		record.Citation = citation
		bound[i] = record
	}

	return bound, withheld
}

func citationNote(record market.SourceRecord, query market.Query) string {
	switch record.Freshness {
	case market.FreshnessManual:
		return fmt.Sprintf("user-submitted data for %q", query.Normalized())
	case market.FreshnessCached:
		return fmt.Sprintf("cached %s results for %q", record.Source, query.Normalized())
	default:
		return fmt.Sprintf("%s results for %q", record.Source, query.Normalized())
	}
}
