package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"ideaplanner-backend/lib/manualstore"
	"ideaplanner-backend/lib/market"
	"ideaplanner-backend/lib/marketcache"
	"ideaplanner-backend/lib/sources/manual"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("services/analysis")

type Options struct {
	// ttl for cached live payloads, defaults to 6 hours
	CacheTtl time.Duration
	// entry bound before LRU eviction kicks in
	CacheCapacity int
	// aggregate freshness at or under this reads as live-equivalent
	LiveEquivalent time.Duration
	// per-source listing cap when the caller does not set one
	DefaultMaxResults int
}

func (o Options) withDefaults() Options {
	if o.CacheTtl <= 0 {
		o.CacheTtl = 6 * time.Hour
	}
	if o.CacheCapacity <= 0 {
		o.CacheCapacity = 1024
	}
	if o.LiveEquivalent <= 0 {
		o.LiveEquivalent = time.Hour
	}
	if o.DefaultMaxResults <= 0 {
		o.DefaultMaxResults = 10
	}
	return o
}

type Params struct {
	// live sources, keyed into the registry by their Id()
	Sources []market.Source
	Store   manualstore.Store
	Options Options
}

// Service aggregates market signal across sources. Cache and rate
// limiter state are process-wide: every concurrent Analyze call shares
// them.
type Service struct {
	sources map[market.SourceId]market.Source
	manual  manual.Source
	store   manualstore.Store
	cache   *marketcache.Cache[market.SourceRecord]
	options Options
}

func NewService(params Params) (*Service, error) {
	options := params.Options.withDefaults()

	cache, err := marketcache.New[market.SourceRecord](options.CacheCapacity)
	if err != nil {
		return nil, err
	}

	manualSource := manual.NewSource(params.Store)
	registry := map[market.SourceId]market.Source{
		market.Manual: manualSource,
	}
	for _, src := range params.Sources {
		registry[src.Id()] = src
	}

	return &Service{
		sources: registry,
		manual:  manualSource,
		store:   params.Store,
		cache:   cache,
		options: options,
	}, nil
}

type AnalyzeRequest struct {
	Query      string
	Sources    []market.SourceId
	MaxResults int
	// bounds the whole call, zero means the caller's context rules alone
	Deadline time.Duration
}

type AggregateResult struct {
	Query   string                `json:"query"`
	Records []market.SourceRecord `json:"records"`
	Quality QualityReport         `json:"quality"`
	Summary Summary               `json:"summary"`
	Elapsed time.Duration         `json:"elapsed_ns"`
}

// Analyze runs one fallback ladder per requested source concurrently,
// joins them, and produces a single quality-scored, fully cited result.
// It returns a non-nil error only for programmer mistakes caught before
// fan-out; source-level failures degrade the result, never fail the
// call.
func (s *Service) Analyze(ctx context.Context, req AnalyzeRequest) (AggregateResult, error) {
	ctx, span := tracer.Start(ctx, "service:Analyze")
	defer span.End()
	span.SetAttributes(attribute.KeyValue{
		Key:   "query",
		Value: attribute.StringValue(req.Query),
	})

	query := market.Query{Text: req.Query, Sources: req.Sources}
	if query.Normalized() == "" {
		span.SetStatus(codes.Error, "empty query")
		return AggregateResult{}, fmt.Errorf("query must not be empty")
	}
	if len(req.Sources) == 0 {
		span.SetStatus(codes.Error, "no sources requested")
		return AggregateResult{}, fmt.Errorf("at least one source must be requested")
	}
	for _, id := range req.Sources {
		if _, ok := s.sources[id]; !ok {
			span.SetStatus(codes.Error, "unknown source")
			return AggregateResult{}, fmt.Errorf("unknown source: %s", id)
		}
	}

	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = s.options.DefaultMaxResults
	}
	if req.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Deadline)
		defer cancel()
	}

	start := time.Now()

	// one ladder per source, no shared lock: a broken or slow source
	// must never hold up another source's ladder
	type settled struct {
		index   int
		outcome outcome
	}
	results := make(chan settled, len(req.Sources))
	for i, id := range req.Sources {
		go func(i int, id market.SourceId) {
			results <- settled{i, s.runLadder(ctx, s.sources[id], query, maxResults)}
		}(i, id)
	}

	// join barrier. Once the deadline passes, branches still running are
	// force-terminated into the timed-out outcome rather than awaited,
	// so even a source that ignores its context cannot hold the call
	// open. Late sends land in the buffered channel and are discarded.
	outcomes := make([]outcome, len(req.Sources))
	done := make([]bool, len(req.Sources))
	for pending := len(req.Sources); pending > 0; {
		select {
		case r := <-results:
			outcomes[r.index] = r.outcome
			done[r.index] = true
			pending--
		case <-ctx.Done():
			for pending > 0 {
				select {
				case r := <-results:
					outcomes[r.index] = r.outcome
					done[r.index] = true
					pending--
					continue
				default:
				}
				break
			}
			for i := range outcomes {
				if !done[i] {
					outcomes[i] = outcome{record: emptyRecord(req.Sources[i]), timedOut: true}
				}
			}
			pending = 0
		}
	}

	// merge is keyed by source id and therefore commutative, ladder
	// completion order never shows in the result
	slices.SortFunc(outcomes, func(a, b outcome) int {
		if a.record.Source < b.record.Source {
			return -1
		}
		if a.record.Source > b.record.Source {
			return 1
		}
		return 0
	})

	quality := assessQuality(outcomes, s.options.LiveEquivalent, time.Now())

	records := make([]market.SourceRecord, len(outcomes))
	for i, o := range outcomes {
		records[i] = o.record
	}
	records, withheld := bindCitations(records, s.originOf, query)
	quality.Warnings = append(quality.Warnings, withheld...)

	result := AggregateResult{
		Query:   req.Query,
		Records: records,
		Quality: quality,
		Summary: summarize(records),
		Elapsed: time.Since(start),
	}

	slog.InfoContext(
		ctx, "analysis complete",
		"query", query.Normalized(),
		"sources", len(req.Sources),
		"confidence", quality.Confidence,
		"warnings", len(quality.Warnings),
		"elapsed", result.Elapsed,
	)
	return result, nil
}

func (s *Service) originOf(id market.SourceId) string {
	src, ok := s.sources[id]
	if !ok {
		return ""
	}
	return src.Origin()
}

// SubmitManualData stores already-normalized records as the Tier-2
// fallback for a query. Raw-format parsing and validation belong to the
// intake handler upstream.
func (s *Service) SubmitManualData(ctx context.Context, query string, records []market.Product) error {
	ctx, span := tracer.Start(ctx, "service:SubmitManualData")
	defer span.End()

	normalized := market.Query{Text: query}.Normalized()
	if normalized == "" {
		span.SetStatus(codes.Error, "empty query")
		return fmt.Errorf("query must not be empty")
	}
	if len(records) == 0 {
		span.SetStatus(codes.Error, "no records")
		return fmt.Errorf("at least one record must be submitted")
	}

	err := s.store.Put(ctx, normalized, records)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to store manual records")
		return err
	}

	slog.InfoContext(ctx, "manual data submitted", "query", normalized, "records", len(records))
	return nil
}
