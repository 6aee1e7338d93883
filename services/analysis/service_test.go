package analysis

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"ideaplanner-backend/lib/manualstore"
	"ideaplanner-backend/lib/market"
	"ideaplanner-backend/lib/telemetry"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

type fakeSource struct {
	id     market.SourceId
	origin string
	fetch  func(ctx context.Context, query market.Query, maxResults int) (market.SourceRecord, error)
}

func (f *fakeSource) Id() market.SourceId { return f.id }
func (f *fakeSource) Origin() string      { return f.origin }
func (f *fakeSource) Fetch(ctx context.Context, query market.Query, maxResults int) (market.SourceRecord, error) {
	return f.fetch(ctx, query, maxResults)
}

// shared by every fake so repeated runs against identical upstreams
// produce byte-identical records
var fetchedAt = time.Now().Truncate(time.Minute)

func liveSource(id market.SourceId, products ...market.Product) *fakeSource {
	return &fakeSource{
		id:     id,
		origin: fmt.Sprintf("https://www.%s.example", id),
		fetch: func(ctx context.Context, query market.Query, maxResults int) (market.SourceRecord, error) {
			return market.SourceRecord{
				Source:     id,
				Products:   products,
				PriceRange: market.PriceRangeOf(products),
				FetchedAt:  fetchedAt,
				Freshness:  market.FreshnessLive,
			}, nil
		},
	}
}

func failingSource(id market.SourceId, kind market.FetchErrorKind) *fakeSource {
	return &fakeSource{
		id:     id,
		origin: fmt.Sprintf("https://www.%s.example", id),
		fetch: func(ctx context.Context, query market.Query, maxResults int) (market.SourceRecord, error) {
			return market.SourceRecord{}, market.NewFetchError(id, kind, "injected failure", nil)
		},
	}
}

func setup(t *testing.T, options Options, sources ...market.Source) *Service {
	cleanup := telemetry.SetupForTesting(t, "test:services/analysis")
	t.Cleanup(cleanup)

	sqlite, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	_, err = sqlite.Exec(manualstore.Schema)
	require.NoError(t, err)

	service, err := NewService(Params{
		Sources: sources,
		Store:   manualstore.NewStore(sqlite),
		Options: options,
	})
	require.NoError(t, err)
	return service
}

func product(id, title string, kopecks int64) market.Product {
	return market.Product{
		Id:    id,
		Title: title,
		Price: market.Rub(kopecks),
		Url:   fmt.Sprintf("https://example.com/%s", id),
	}
}

func TestAnalyzeTwoLiveOneForbidden(t *testing.T) {
	service := setup(
		t, Options{},
		liveSource("alpha", product("a1", "Oak plate", 95000)),
		failingSource("beta", market.ErrForbidden),
		liveSource("gamma", product("g1", "Birch bowl", 120000)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	result, err := service.Analyze(ctx, AnalyzeRequest{
		Query:   "wooden tableware",
		Sources: []market.SourceId{"alpha", "beta", "gamma"},
	})
	require.NoError(t, err)
	require.Len(t, result.Records, 3)

	byId := map[market.SourceId]market.SourceRecord{}
	for _, r := range result.Records {
		byId[r.Source] = r
	}

	require.Equal(t, market.FreshnessLive, byId["alpha"].Freshness)
	require.Equal(t, market.FreshnessLive, byId["gamma"].Freshness)
	require.NotNil(t, byId["alpha"].Citation)
	require.NotNil(t, byId["gamma"].Citation)
	require.Equal(t, market.FreshnessUnavailable, byId["beta"].Freshness)
	require.Empty(t, byId["beta"].Products)

	// 0.4 + 0.2*2 + 0.15, coverage bonus lost to beta, clamped to cap
	require.InDelta(t, 0.9, result.Quality.Confidence, 1e-9)
	require.Contains(t, result.Quality.Warnings, "beta: unavailable")
}

func TestAnalyzeNeverFailsOnTotalOutage(t *testing.T) {
	service := setup(
		t, Options{},
		failingSource("alpha", market.ErrUnavailable),
		failingSource("beta", market.ErrTimeout),
	)

	result, err := service.Analyze(context.Background(), AnalyzeRequest{
		Query:   "wooden tableware",
		Sources: []market.SourceId{"alpha", "beta"},
	})
	require.NoError(t, err)

	require.InDelta(t, 0.4, result.Quality.Confidence, 1e-9)
	for _, record := range result.Records {
		require.Equal(t, market.FreshnessUnavailable, record.Freshness)
	}
	require.Contains(t, result.Quality.Warnings, "alpha: unavailable")
	require.Contains(t, result.Quality.Warnings, "beta: unavailable")
}

func TestAnalyzeFailsFastOnProgrammerErrors(t *testing.T) {
	service := setup(t, Options{}, liveSource("alpha"))

	_, err := service.Analyze(context.Background(), AnalyzeRequest{
		Query:   "wooden tableware",
		Sources: []market.SourceId{"nonexistent"},
	})
	require.ErrorContains(t, err, "unknown source")

	_, err = service.Analyze(context.Background(), AnalyzeRequest{
		Query:   "   ",
		Sources: []market.SourceId{"alpha"},
	})
	require.ErrorContains(t, err, "query must not be empty")

	_, err = service.Analyze(context.Background(), AnalyzeRequest{
		Query: "wooden tableware",
	})
	require.ErrorContains(t, err, "at least one source")
}

func TestFallbackToFreshCache(t *testing.T) {
	calls := 0
	flaky := &fakeSource{
		id:     "alpha",
		origin: "https://www.alpha.example",
		fetch: func(ctx context.Context, query market.Query, maxResults int) (market.SourceRecord, error) {
			calls++
			if calls > 1 {
				return market.SourceRecord{}, market.NewFetchError("alpha", market.ErrUnavailable, "down", nil)
			}
			p := product("a1", "Oak plate", 95000)
			return market.SourceRecord{
				Source:     "alpha",
				Products:   []market.Product{p},
				PriceRange: market.PriceRangeOf([]market.Product{p}),
				FetchedAt:  fetchedAt,
				Freshness:  market.FreshnessLive,
			}, nil
		},
	}
	service := setup(t, Options{}, flaky)

	req := AnalyzeRequest{Query: "wooden tableware", Sources: []market.SourceId{"alpha"}}

	first, err := service.Analyze(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, market.FreshnessLive, first.Records[0].Freshness)

	second, err := service.Analyze(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, market.FreshnessCached, second.Records[0].Freshness)
	require.Equal(t, first.Records[0].Products, second.Records[0].Products)
	require.NotNil(t, second.Records[0].Citation)

	// cached counts as answered coverage but not as a live fetch
	require.InDelta(t, 0.65, second.Quality.Confidence, 1e-9)
}

func TestFallbackToStaleCacheDisclosesAge(t *testing.T) {
	calls := 0
	flaky := &fakeSource{
		id:     "alpha",
		origin: "https://www.alpha.example",
		fetch: func(ctx context.Context, query market.Query, maxResults int) (market.SourceRecord, error) {
			calls++
			if calls > 1 {
				return market.SourceRecord{}, market.NewFetchError("alpha", market.ErrUnavailable, "down", nil)
			}
			p := product("a1", "Oak plate", 95000)
			return market.SourceRecord{
				Source:     "alpha",
				Products:   []market.Product{p},
				PriceRange: market.PriceRangeOf([]market.Product{p}),
				FetchedAt:  fetchedAt,
				Freshness:  market.FreshnessLive,
			}, nil
		},
	}
	service := setup(t, Options{CacheTtl: 50 * time.Millisecond}, flaky)

	req := AnalyzeRequest{Query: "wooden tableware", Sources: []market.SourceId{"alpha"}}

	_, err := service.Analyze(context.Background(), req)
	require.NoError(t, err)

	// past ttl but inside the stale-tolerant window
	time.Sleep(60 * time.Millisecond)

	second, err := service.Analyze(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, market.FreshnessCached, second.Records[0].Freshness)
	require.NotEmpty(t, second.Records[0].Products)

	foundStaleWarning := false
	for _, w := range second.Quality.Warnings {
		if len(w) > 5 && w[:5] == "alpha" {
			foundStaleWarning = true
		}
	}
	require.True(t, foundStaleWarning, "expected a stale disclosure warning, got %v", second.Quality.Warnings)
}

func TestFallbackToManualData(t *testing.T) {
	service := setup(t, Options{}, failingSource("alpha", market.ErrUnavailable))
	ctx := context.Background()

	submitted := []market.Product{product("m1", "Handmade oak plate", 99000)}
	err := service.SubmitManualData(ctx, "Wooden  Tableware", submitted)
	require.NoError(t, err)

	result, err := service.Analyze(ctx, AnalyzeRequest{
		Query:   "wooden tableware",
		Sources: []market.SourceId{"alpha"},
	})
	require.NoError(t, err)

	record := result.Records[0]
	require.Equal(t, market.SourceId("alpha"), record.Source)
	require.Equal(t, market.FreshnessManual, record.Freshness)
	require.Equal(t, submitted, record.Products)
	require.NotNil(t, record.Citation)
	require.Equal(t, "upload://user-data", record.Citation.Url)
}

func TestManualNeverPreemptsLiveOrCache(t *testing.T) {
	service := setup(t, Options{}, liveSource("alpha", product("a1", "Oak plate", 95000)))
	ctx := context.Background()

	err := service.SubmitManualData(ctx, "wooden tableware", []market.Product{
		product("m1", "Stale manual entry", 1),
	})
	require.NoError(t, err)

	result, err := service.Analyze(ctx, AnalyzeRequest{
		Query:   "wooden tableware",
		Sources: []market.SourceId{"alpha"},
	})
	require.NoError(t, err)
	require.Equal(t, market.FreshnessLive, result.Records[0].Freshness)
	require.Equal(t, "a1", result.Records[0].Products[0].Id)
}

func TestDeadlineForcesUnavailable(t *testing.T) {
	stuck := &fakeSource{
		id:     "alpha",
		origin: "https://www.alpha.example",
		fetch: func(ctx context.Context, query market.Query, maxResults int) (market.SourceRecord, error) {
			<-ctx.Done()
			return market.SourceRecord{}, market.ClassifyTransport("alpha", ctx.Err())
		},
	}
	service := setup(t, Options{}, stuck, liveSource("beta", product("b1", "Birch bowl", 120000)))

	start := time.Now()
	result, err := service.Analyze(context.Background(), AnalyzeRequest{
		Query:    "wooden tableware",
		Sources:  []market.SourceId{"alpha", "beta"},
		Deadline: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)

	byId := map[market.SourceId]market.SourceRecord{}
	for _, r := range result.Records {
		byId[r.Source] = r
	}
	require.Equal(t, market.FreshnessUnavailable, byId["alpha"].Freshness)
	require.Equal(t, market.FreshnessLive, byId["beta"].Freshness)
	require.Contains(t, result.Quality.Warnings, "alpha: timed out before reaching a result")
}

func TestDeadlineHoldsAgainstContextIgnoringSource(t *testing.T) {
	// an adapter that never checks its context must still not hold the
	// join open past the deadline
	ignorant := &fakeSource{
		id:     "alpha",
		origin: "https://www.alpha.example",
		fetch: func(ctx context.Context, query market.Query, maxResults int) (market.SourceRecord, error) {
			time.Sleep(5 * time.Second)
			return market.SourceRecord{}, market.NewFetchError("alpha", market.ErrTimeout, "slow", nil)
		},
	}
	service := setup(t, Options{}, ignorant, liveSource("beta", product("b1", "Birch bowl", 120000)))

	start := time.Now()
	result, err := service.Analyze(context.Background(), AnalyzeRequest{
		Query:    "wooden tableware",
		Sources:  []market.SourceId{"alpha", "beta"},
		Deadline: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)

	byId := map[market.SourceId]market.SourceRecord{}
	for _, r := range result.Records {
		byId[r.Source] = r
	}
	require.Equal(t, market.FreshnessUnavailable, byId["alpha"].Freshness)
	require.Equal(t, market.FreshnessLive, byId["beta"].Freshness)
	require.Contains(t, result.Quality.Warnings, "alpha: timed out before reaching a result")
}

func TestSlowSourceNeverBlocksOthers(t *testing.T) {
	slow := &fakeSource{
		id:     "alpha",
		origin: "https://www.alpha.example",
		fetch: func(ctx context.Context, query market.Query, maxResults int) (market.SourceRecord, error) {
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
			}
			return market.SourceRecord{}, market.NewFetchError("alpha", market.ErrTimeout, "slow", nil)
		},
	}
	service := setup(t, Options{}, slow, liveSource("beta", product("b1", "Birch bowl", 120000)))

	result, err := service.Analyze(context.Background(), AnalyzeRequest{
		Query:    "wooden tableware",
		Sources:  []market.SourceId{"alpha", "beta"},
		Deadline: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	for _, record := range result.Records {
		if record.Source == "beta" {
			require.Equal(t, market.FreshnessLive, record.Freshness)
			require.NotEmpty(t, record.Products)
		}
	}
}

func TestMergeIsCommutativeOverSourceOrder(t *testing.T) {
	sources := []market.Source{
		liveSource("alpha", product("a1", "Oak plate", 95000)),
		liveSource("beta", product("b1", "Birch bowl", 120000)),
		liveSource("gamma", product("g1", "Pine tray", 45000)),
	}
	forward := setup(t, Options{}, sources...)
	backward := setup(t, Options{}, sources...)

	a, err := forward.Analyze(context.Background(), AnalyzeRequest{
		Query:   "wooden tableware",
		Sources: []market.SourceId{"alpha", "beta", "gamma"},
	})
	require.NoError(t, err)

	b, err := backward.Analyze(context.Background(), AnalyzeRequest{
		Query:   "wooden tableware",
		Sources: []market.SourceId{"gamma", "beta", "alpha"},
	})
	require.NoError(t, err)

	diff := cmp.Diff(
		a.Records, b.Records,
		cmpopts.IgnoreFields(market.Citation{}, "RetrievedAt"),
	)
	require.Empty(t, diff)
	require.Equal(t, a.Quality.Confidence, b.Quality.Confidence)
	require.Equal(t, a.Summary, b.Summary)
}

func TestIdenticalQueriesAreDeterministic(t *testing.T) {
	sources := []market.Source{
		liveSource("alpha", product("a1", "Oak plate", 95000)),
		liveSource("beta", product("b1", "Birch bowl", 120000)),
	}
	first := setup(t, Options{}, sources...)
	second := setup(t, Options{}, sources...)

	req := AnalyzeRequest{Query: "wooden tableware", Sources: []market.SourceId{"alpha", "beta"}}

	a, err := first.Analyze(context.Background(), req)
	require.NoError(t, err)
	b, err := second.Analyze(context.Background(), req)
	require.NoError(t, err)

	require.Empty(t, cmp.Diff(a.Records, b.Records))
	require.Empty(t, cmp.Diff(
		a.Quality, b.Quality,
		cmpopts.IgnoreFields(SourceQuality{}, "Age"),
	))
	require.Equal(t, a.Summary, b.Summary)
}

func TestZeroItemResponseIsFlagged(t *testing.T) {
	service := setup(t, Options{}, liveSource("alpha"))

	result, err := service.Analyze(context.Background(), AnalyzeRequest{
		Query:   "wooden tableware",
		Sources: []market.SourceId{"alpha"},
	})
	require.NoError(t, err)

	require.Equal(t, market.FreshnessLive, result.Records[0].Freshness)
	require.Contains(
		t, result.Quality.Warnings,
		"alpha: returned zero items, could be no results or a parse failure",
	)
}

func TestCitationCoverageIsComplete(t *testing.T) {
	service := setup(
		t, Options{},
		liveSource("alpha", product("a1", "Oak plate", 95000)),
		liveSource("beta", product("b1", "Birch bowl", 120000)),
		failingSource("gamma", market.ErrUnavailable),
	)

	result, err := service.Analyze(context.Background(), AnalyzeRequest{
		Query:   "wooden tableware",
		Sources: []market.SourceId{"alpha", "beta", "gamma"},
	})
	require.NoError(t, err)

	for _, record := range result.Records {
		if len(record.Products) > 0 || len(record.TrendPoints) > 0 {
			require.NotNil(t, record.Citation, "record %s surfaced without a citation", record.Source)
			require.NotEmpty(t, record.Citation.Url)
		}
	}
}

func TestUncitableRecordIsWithheld(t *testing.T) {
	// a source with no canonical origin cannot be cited, its products
	// must never surface
	anonymous := &fakeSource{
		id:     "alpha",
		origin: "",
		fetch: func(ctx context.Context, query market.Query, maxResults int) (market.SourceRecord, error) {
			p := product("a1", "Oak plate", 95000)
			return market.SourceRecord{
				Source:     "alpha",
				Products:   []market.Product{p},
				PriceRange: market.PriceRangeOf([]market.Product{p}),
				FetchedAt:  fetchedAt,
				Freshness:  market.FreshnessLive,
			}, nil
		},
	}
	service := setup(t, Options{}, anonymous)

	result, err := service.Analyze(context.Background(), AnalyzeRequest{
		Query:   "wooden tableware",
		Sources: []market.SourceId{"alpha"},
	})
	require.NoError(t, err)

	record := result.Records[0]
	require.Equal(t, market.FreshnessUnavailable, record.Freshness)
	require.Empty(t, record.Products)
	require.Contains(t, result.Quality.Warnings, "alpha: citation could not be bound, record withheld")
}

func TestSummaryMetrics(t *testing.T) {
	service := setup(
		t, Options{},
		liveSource(
			"alpha",
			product("a1", "Oak plate handmade", 100000),
			product("a2", "Birch bowl", 50000),
		),
		// near-duplicate of alpha's first listing under a marginally
		// different title
		liveSource("beta", product("b1", "Oak plate handmad", 110000)),
	)

	result, err := service.Analyze(context.Background(), AnalyzeRequest{
		Query:   "wooden tableware",
		Sources: []market.SourceId{"alpha", "beta"},
	})
	require.NoError(t, err)

	require.Equal(t, 3, result.Summary.TotalProducts)
	require.Equal(t, 2, result.Summary.UniqueProducts)
	require.Equal(t, int64(50000), result.Summary.PriceRange.Min.Amount)
	require.Equal(t, int64(110000), result.Summary.PriceRange.Max.Amount)
	require.Equal(t, market.Rub((100000+50000+110000)/3), result.Summary.AveragePrice)
	require.Equal(t, 2, result.Summary.SourceCounts["alpha"])
	require.Equal(t, 1, result.Summary.SourceCounts["beta"])
}

func TestSubmitManualDataValidates(t *testing.T) {
	service := setup(t, Options{}, liveSource("alpha"))
	ctx := context.Background()

	err := service.SubmitManualData(ctx, "  ", []market.Product{product("m1", "x", 1)})
	require.ErrorContains(t, err, "query must not be empty")

	err = service.SubmitManualData(ctx, "wooden tableware", nil)
	require.ErrorContains(t, err, "at least one record")
}
