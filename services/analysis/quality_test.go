package analysis

import (
	"testing"
	"time"

	"ideaplanner-backend/lib/market"

	"github.com/stretchr/testify/require"
)

func liveOutcome(id market.SourceId, fetchedAt time.Time) outcome {
	return outcome{record: market.SourceRecord{
		Source:    id,
		Products:  []market.Product{{Id: "p", Title: "p", Price: market.Rub(100)}},
		FetchedAt: fetchedAt,
		Freshness: market.FreshnessLive,
	}}
}

func unavailableOutcome(id market.SourceId) outcome {
	return outcome{record: market.SourceRecord{
		Source:    id,
		Freshness: market.FreshnessUnavailable,
	}}
}

func TestConfidenceFormula(t *testing.T) {
	now := time.Now()
	liveEquivalent := time.Hour

	for _, tt := range []struct {
		name     string
		outcomes []outcome
		want     float64
	}{
		{
			name:     "single fresh live source",
			outcomes: []outcome{liveOutcome("alpha", now)},
			// floor + live + fresh + coverage
			want: 0.85,
		},
		{
			name: "two live sources clamp at the cap",
			outcomes: []outcome{
				liveOutcome("alpha", now),
				liveOutcome("beta", now),
			},
			want: 0.9,
		},
		{
			name: "one live and one unavailable drops coverage",
			outcomes: []outcome{
				liveOutcome("alpha", now),
				unavailableOutcome("beta"),
			},
			want: 0.75,
		},
		{
			name: "aged live data loses the freshness bonus",
			outcomes: []outcome{
				liveOutcome("alpha", now.Add(-2*time.Hour)),
			},
			want: 0.7,
		},
		{
			name:     "total outage sits at the floor",
			outcomes: []outcome{unavailableOutcome("alpha"), unavailableOutcome("beta")},
			want:     0.4,
		},
		{
			name:     "no outcomes still scores inside the band",
			outcomes: nil,
			// vacuous coverage, nothing answered
			want: 0.5,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			report := assessQuality(tt.outcomes, liveEquivalent, now)
			require.InDelta(t, tt.want, report.Confidence, 1e-9)
			require.GreaterOrEqual(t, report.Confidence, 0.4)
			require.LessOrEqual(t, report.Confidence, 0.9)
		})
	}
}

func TestAddingLiveSourceNeverLowersConfidence(t *testing.T) {
	now := time.Now()
	outcomes := []outcome{unavailableOutcome("alpha")}

	previous := assessQuality(outcomes, time.Hour, now).Confidence
	for _, id := range []market.SourceId{"beta", "gamma", "delta"} {
		outcomes = append(outcomes, liveOutcome(id, now))
		current := assessQuality(outcomes, time.Hour, now).Confidence
		require.GreaterOrEqual(t, current, previous)
		previous = current
	}
}

func TestStaleOutcomeWarningDisclosesAge(t *testing.T) {
	o := outcome{
		record: market.SourceRecord{
			Source:    "alpha",
			Products:  []market.Product{{Id: "p", Title: "p"}},
			FetchedAt: time.Now().Add(-7 * time.Hour),
			Freshness: market.FreshnessCached,
		},
		stale:    true,
		staleAge: 7 * time.Hour,
	}
	warnings := outcomeWarnings(o)
	require.Equal(t, []string{"alpha: served from a stale cache entry (7h0m0s old)"}, warnings)
}

func TestTimedOutWarningIsDistinctFromUnavailable(t *testing.T) {
	timedOut := outcome{
		record:   market.SourceRecord{Source: "alpha", Freshness: market.FreshnessUnavailable},
		timedOut: true,
	}
	require.Equal(
		t,
		[]string{"alpha: timed out before reaching a result"},
		outcomeWarnings(timedOut),
	)
	require.Equal(
		t,
		[]string{"beta: unavailable"},
		outcomeWarnings(unavailableOutcome("beta")),
	)
}

func TestRecommendationBands(t *testing.T) {
	require.Equal(t, "signal is strong, safe to base decisions on", recommendation(0.9))
	require.Equal(t, "signal is usable, cross-check surprising numbers", recommendation(0.65))
	require.Equal(t, "signal is weak, treat as indicative only", recommendation(0.4))
}
