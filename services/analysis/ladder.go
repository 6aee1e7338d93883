package analysis

import (
	"context"
	"log/slog"
	"time"

	"ideaplanner-backend/lib/market"
	"ideaplanner-backend/lib/marketcache"
	"ideaplanner-backend/lib/timezone"
)

// outcome is the terminal state of one source's fallback ladder plus
// the context the quality assessor needs.
type outcome struct {
	record market.SourceRecord

	// set when TRY_LIVE failed, for logging and score context
	liveFailure market.FetchErrorKind
	// set when the record came from a stale-tolerant cache read
	stale    bool
	staleAge time.Duration
	// set when the call deadline force-terminated this ladder
	timedOut bool
}

// runLadder walks TRY_LIVE -> TRY_CACHE -> TRY_MANUAL -> unavailable
// for one source. Transitions are strictly ordered and none of them
// panics or returns an error: the worst terminal state is an empty
// unavailable record.
func (s *Service) runLadder(ctx context.Context, src market.Source, query market.Query, maxResults int) outcome {
	ctx, span := tracer.Start(ctx, "service:runLadder")
	defer span.End()

	id := src.Id()
	cacheKey := query.CacheKey(id)

	// TRY_LIVE
	record, err := src.Fetch(ctx, query, maxResults)
	if err == nil {
		// later queries benefit from this fetch no matter which
		// caller triggered it
		s.cache.Put(cacheKey, record, s.options.CacheTtl)
		span.AddEvent("live fetch succeeded")
		return outcome{record: record}
	}

	kind := market.FetchErrorKindOf(err)
	slog.WarnContext(
		ctx, "live fetch failed, falling back",
		"source", id,
		"kind", kind,
		"err", err,
	)
	if ctx.Err() != nil {
		// the call deadline passed while this branch was in flight,
		// force-terminate instead of racing through lower tiers
		return outcome{record: emptyRecord(id), liveFailure: kind, timedOut: true}
	}

	// TRY_CACHE, strict first
	hit, cacheErr := s.cache.Get(cacheKey, true)
	if cacheErr == nil {
		span.AddEvent("strict cache hit")
		return outcome{record: fromCache(hit), liveFailure: kind}
	}
	hit, cacheErr = s.cache.Get(cacheKey, false)
	if cacheErr == nil {
		span.AddEvent("stale-tolerant cache hit")
		return outcome{
			record:      fromCache(hit),
			liveFailure: kind,
			stale:       true,
			staleAge:    hit.Age,
		}
	}
	if ctx.Err() != nil {
		return outcome{record: emptyRecord(id), liveFailure: kind, timedOut: true}
	}

	// TRY_MANUAL
	manualRecord, manualErr := s.manual.Fetch(ctx, query, maxResults)
	if manualErr == nil {
		span.AddEvent("manual data present")
		// provenance stays manual through Freshness and the citation
		// origin, but the record answers for this source's ladder
		manualRecord.Source = id
		return outcome{record: manualRecord, liveFailure: kind}
	}

	span.AddEvent("ladder exhausted")
	return outcome{record: emptyRecord(id), liveFailure: kind}
}

func emptyRecord(id market.SourceId) market.SourceRecord {
	return market.SourceRecord{
		Source:     id,
		PriceRange: market.NoPriceData,
		FetchedAt:  timezone.Now(),
		Freshness:  market.FreshnessUnavailable,
	}
}

// fromCache rebuilds a record out of a cached live payload, retagged
// cached and timestamped with the insertion time so age disclosure
// stays honest.
func fromCache(hit marketcache.Hit[market.SourceRecord]) market.SourceRecord {
	record := hit.Value
	record.Freshness = market.FreshnessCached
	record.FetchedAt = hit.InsertedAt
	record.Citation = nil
	return record
}
