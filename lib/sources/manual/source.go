package manual

import (
	"context"

	"ideaplanner-backend/lib/manualstore"
	"ideaplanner-backend/lib/market"
)

// Origin is a synthetic uri, user uploads have no upstream to point at
// but citation binding still requires a canonical origin.
const Origin = "upload://user-data"

// Source serves user-submitted records as the Tier-2 fallback. Records
// arrive already normalized through SubmitManualData, this source only
// reads them back.
type Source struct {
	store manualstore.Store
}

func NewSource(store manualstore.Store) Source {
	return Source{store: store}
}

func (s Source) Id() market.SourceId {
	return market.Manual
}

func (s Source) Origin() string {
	return Origin
}

func (s Source) Fetch(ctx context.Context, query market.Query, maxResults int) (market.SourceRecord, error) {
	products, submittedAt, err := s.store.Get(ctx, query.Normalized())
	if err != nil {
		return market.SourceRecord{}, market.NewFetchError(
			market.Manual, market.ErrUnavailable, "manual store read failed", err,
		)
	}
	if len(products) == 0 {
		return market.SourceRecord{}, market.NewFetchError(
			market.Manual, market.ErrUnavailable, "no manual data for this query", nil,
		)
	}
	if maxResults > 0 && len(products) > maxResults {
		products = products[:maxResults]
	}

	return market.SourceRecord{
		Source:     market.Manual,
		Products:   products,
		PriceRange: market.PriceRangeOf(products),
		FetchedAt:  submittedAt,
		Freshness:  market.FreshnessManual,
	}, nil
}
