package market

import "context"

// Source is one upstream provider of market signal. Fetch returns either
// a live SourceRecord or a *FetchError, never anything else: callers
// decide fallback policy entirely from the typed error kind.
type Source interface {
	Id() SourceId
	// canonical origin url, used for citation binding
	Origin() string
	Fetch(ctx context.Context, query Query, maxResults int) (SourceRecord, error)
}
