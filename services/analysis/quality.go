package analysis

import (
	"fmt"
	"time"

	"ideaplanner-backend/lib/market"
)

const (
	confidenceFloor = 0.4
	confidenceCap   = 0.9

	liveBonus     = 0.2
	freshBonus    = 0.15
	coverageBonus = 0.10
)

// SourceQuality describes one source's contribution for user-facing
// disclosure.
type SourceQuality struct {
	Source    market.SourceId  `json:"source"`
	Freshness market.Freshness `json:"freshness"`
	Age       time.Duration    `json:"age_ns"`
	Items     int              `json:"items"`
	// why the live tier failed, empty when the record is live
	LiveFailure market.FetchErrorKind `json:"live_failure,omitempty"`
}

type QualityReport struct {
	Sources        []SourceQuality `json:"sources"`
	Confidence     float64         `json:"confidence"`
	Warnings       []string        `json:"warnings"`
	Recommendation string          `json:"recommendation"`
}

// assessQuality scores the merged outcome set. The score starts at the
// floor and only ever moves up: per live source, for live-equivalent
// aggregate freshness, and for complete coverage, clamped to
// [confidenceFloor, confidenceCap].
func assessQuality(outcomes []outcome, liveEquivalent time.Duration, now time.Time) QualityReport {
	report := QualityReport{
		Sources: make([]SourceQuality, 0, len(outcomes)),
	}

	confidence := confidenceFloor
	covered := true
	anyAnswered := false
	allFresh := true

	for _, o := range outcomes {
		record := o.record
		age := time.Duration(0)
		if !record.FetchedAt.IsZero() {
			age = now.Sub(record.FetchedAt)
		}

		report.Sources = append(report.Sources, SourceQuality{
			Source:      record.Source,
			Freshness:   record.Freshness,
			Age:         age,
			Items:       len(record.Products),
			LiveFailure: o.liveFailure,
		})

		switch record.Freshness {
		case market.FreshnessLive:
			confidence += liveBonus
			anyAnswered = true
		case market.FreshnessCached, market.FreshnessManual:
			anyAnswered = true
		case market.FreshnessUnavailable:
			covered = false
		}
		if record.Freshness != market.FreshnessUnavailable && age > liveEquivalent {
			allFresh = false
		}

		report.Warnings = append(report.Warnings, outcomeWarnings(o)...)
	}

	if anyAnswered && allFresh {
		confidence += freshBonus
	}
	if covered {
		confidence += coverageBonus
	}
	if confidence > confidenceCap {
		confidence = confidenceCap
	}
	if confidence < confidenceFloor {
		confidence = confidenceFloor
	}

	report.Confidence = confidence
	report.Recommendation = recommendation(confidence)
	return report
}

func outcomeWarnings(o outcome) []string {
	var warnings []string
	record := o.record

	switch {
	case o.timedOut:
		warnings = append(warnings, fmt.Sprintf(
			"%s: timed out before reaching a result", record.Source,
		))
	case record.Freshness == market.FreshnessUnavailable:
		warnings = append(warnings, fmt.Sprintf(
			"%s: unavailable", record.Source,
		))
	}

	if o.stale {
		warnings = append(warnings, fmt.Sprintf(
			"%s: served from a stale cache entry (%s old)",
			record.Source, o.staleAge.Round(time.Minute),
		))
	}

	// a successful response with zero items is ambiguous between "no
	// results" and "the response shape changed under us", flag it
	// instead of folding it into either case
	zeroItems := record.Freshness != market.FreshnessUnavailable &&
		record.Freshness != market.FreshnessManual &&
		len(record.Products) == 0 &&
		len(record.TrendPoints) == 0
	if zeroItems {
		warnings = append(warnings, fmt.Sprintf(
			"%s: returned zero items, could be no results or a parse failure",
			record.Source,
		))
	}

	return warnings
}

func recommendation(confidence float64) string {
	switch {
	case confidence >= 0.8:
		return "signal is strong, safe to base decisions on"
	case confidence >= 0.6:
		return "signal is usable, cross-check surprising numbers"
	default:
		return "signal is weak, treat as indicative only"
	}
}
