package market

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"ideaplanner-backend/lib/timezone"
)

type SourceId string

const (
	Wildberries SourceId = "wildberries"
	Ozon        SourceId = "ozon"
	Yandex      SourceId = "yandex"
	Trends      SourceId = "trends"
	Manual      SourceId = "manual"
)

var KnownSources = []SourceId{Wildberries, Ozon, Yandex, Trends, Manual}

// Price is a decimal amount stored in minor currency units
// (kopecks for RUB), matching what the marketplace APIs ship.
type Price struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func Rub(kopecks int64) Price {
	return Price{Amount: kopecks, Currency: "RUB"}
}

func (p Price) String() string {
	return fmt.Sprintf("%d.%02d %s", p.Amount/100, p.Amount%100, p.Currency)
}

type Product struct {
	Id    string  `json:"id"`
	Title string  `json:"title"`
	Price Price   `json:"price"`
	// zero means the source reported no rating
	Rating float64 `json:"rating,omitempty"`
	Url    string  `json:"url"`
	// source-specific fields kept opaque for downstream report layers
	Raw map[string]any `json:"raw,omitempty"`
}

// PriceRange spans the successfully parsed prices of a record.
// HasData distinguishes "no parseable prices" from a real range,
// a degenerate zero range must never stand in for missing data.
type PriceRange struct {
	Min     Price `json:"min"`
	Max     Price `json:"max"`
	HasData bool  `json:"has_data"`
}

var NoPriceData = PriceRange{}

func PriceRangeOf(products []Product) PriceRange {
	r := NoPriceData
	for _, p := range products {
		if p.Price.Amount <= 0 {
			continue
		}
		if !r.HasData {
			r = PriceRange{Min: p.Price, Max: p.Price, HasData: true}
			continue
		}
		if p.Price.Amount < r.Min.Amount {
			r.Min = p.Price
		}
		if p.Price.Amount > r.Max.Amount {
			r.Max = p.Price
		}
	}
	return r
}

type Freshness string

const (
	FreshnessLive        Freshness = "live"
	FreshnessCached      Freshness = "cached"
	FreshnessManual      Freshness = "manual"
	FreshnessUnavailable Freshness = "unavailable"
)

// Citation binds a surfaced record to its origin.
type Citation struct {
	Url         string    `json:"url"`
	RetrievedAt time.Time `json:"retrieved_at"`
	Note        string    `json:"note"`
}

// String renders the single external citation format:
// [url, DD.MM.YYYY HH:MM, "note"], timestamp in the reporting timezone.
func (c Citation) String() string {
	at := c.RetrievedAt.In(timezone.Location)
	return fmt.Sprintf("[%s, %s, %q]", c.Url, at.Format("02.01.2006 15:04"), c.Note)
}

type TrendPoint struct {
	Time  time.Time `json:"time"`
	Value int       `json:"value"`
}

// SourceRecord is the per-source outcome of one aggregation call.
// Never mutated after construction.
type SourceRecord struct {
	Source     SourceId     `json:"source"`
	Products   []Product    `json:"products"`
	PriceRange PriceRange   `json:"price_range"`
	// trend sources only
	TrendScore  float64      `json:"trend_score,omitempty"`
	TrendPoints []TrendPoint `json:"trend_points,omitempty"`
	FetchedAt   time.Time    `json:"fetched_at"`
	Freshness   Freshness    `json:"freshness"`
	Citation    *Citation    `json:"citation,omitempty"`
}

type Query struct {
	Text    string
	Sources []SourceId
}

// Normalized collapses whitespace and case so equivalent queries share
// cache entries and manual submissions.
func (q Query) Normalized() string {
	return strings.Join(strings.Fields(strings.ToLower(q.Text)), " ")
}

// CacheKey hashes the normalized query text together with the sorted
// source set it was fetched for.
func (q Query) CacheKey(sources ...SourceId) string {
	sorted := make([]string, len(sources))
	for i, s := range sources {
		sorted[i] = string(s)
	}
	slices.Sort(sorted)

	h := sha256.New()
	h.Write([]byte(q.Normalized()))
	for _, s := range sorted {
		h.Write([]byte{0})
		h.Write([]byte(s))
	}
	return hex.EncodeToString(h.Sum(nil))
}
