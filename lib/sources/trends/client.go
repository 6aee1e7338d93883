package trends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ideaplanner-backend/lib/market"
	"ideaplanner-backend/lib/ratelimit"
	"ideaplanner-backend/lib/telemetry"
	"ideaplanner-backend/lib/timezone"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("sources/trends")

const origin = "https://trends.google.com"

// Client reads search-interest data from the trends widget API. The
// endpoint prefixes its JSON with an anti-hijacking garbage line that
// has to be stripped before parsing.
type Client struct {
	http    *resty.Client
	limiter *ratelimit.Limiter
}

type ClientOptions struct {
	BaseUrl string
	Limiter *ratelimit.Limiter
	Timeout time.Duration
}

func NewClient(opts ClientOptions) *Client {
	if opts.BaseUrl == "" {
		opts.BaseUrl = origin
	}
	if opts.Timeout == 0 {
		opts.Timeout = time.Second * 30
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseUrl)
	client.SetHeader("user-agent", "idea-planner-agent/0.1.0")
	// ru market settings, mirrors hl=ru-RU tz=-180
	client.SetQueryParam("hl", "ru-RU")
	client.SetQueryParam("tz", "-180")
	client.SetTimeout(opts.Timeout)

	telemetry.InstrumentResty(client, "sources/trends/http")

	return &Client{
		http:    client,
		limiter: opts.Limiter,
	}
}

func (c *Client) Id() market.SourceId {
	return market.Trends
}

func (c *Client) Origin() string {
	return origin
}

type timelineResponse struct {
	Default struct {
		TimelineData []struct {
			Time  string `json:"time"`
			Value []int  `json:"value"`
		} `json:"timelineData"`
	} `json:"default"`
}

func (c *Client) Fetch(ctx context.Context, query market.Query, maxResults int) (market.SourceRecord, error) {
	ctx, span := tracer.Start(ctx, "client:Fetch")
	defer span.End()

	err := c.limiter.Acquire(ctx, string(market.Trends))
	if err != nil {
		span.SetStatus(codes.Error, "rate limiter wait aborted")
		return market.SourceRecord{}, market.ClassifyTransport(market.Trends, err)
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"geo":  "RU",
			"req":  interestRequest(query.Normalized()),
			"prop": "",
		}).
		Get("/trends/api/widgetdata/multiline")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return market.SourceRecord{}, market.ClassifyTransport(market.Trends, err)
	}

	switch {
	case res.StatusCode() == http.StatusTooManyRequests:
		c.limiter.Penalize(string(market.Trends))
		return market.SourceRecord{}, market.NewFetchError(
			market.Trends, market.ErrRateLimited, "quota exceeded", nil,
		)
	case res.StatusCode() == http.StatusForbidden:
		return market.SourceRecord{}, market.NewFetchError(
			market.Trends, market.ErrForbidden, "upstream 403", nil,
		)
	case res.StatusCode() != http.StatusOK:
		return market.SourceRecord{}, market.NewFetchError(
			market.Trends, market.ErrUnavailable,
			fmt.Sprintf("unexpected status %d", res.StatusCode()), nil,
		)
	}

	points, err := parseTimeline(res.Body())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse timeline")
		return market.SourceRecord{}, market.NewFetchError(
			market.Trends, market.ErrMalformedResponse, err.Error(), err,
		)
	}

	c.limiter.Success(string(market.Trends))

	return market.SourceRecord{
		Source: market.Trends,
		// trend data has no listings, products stay empty and the
		// price range is the no-data sentinel
		PriceRange:  market.NoPriceData,
		TrendScore:  trendScore(points),
		TrendPoints: points,
		FetchedAt:   timezone.Now(),
		Freshness:   market.FreshnessLive,
	}, nil
}

func interestRequest(query string) string {
	req := map[string]any{
		"time":       "today 3-m",
		"resolution": "WEEK",
		"locale":     "ru-RU",
		"comparisonItem": []map[string]any{
			{"geo": map[string]string{"country": "RU"}, "complexKeywordsRestriction": map[string]any{
				"keyword": []map[string]string{{"type": "BROAD", "value": query}},
			}},
		},
	}
	encoded, _ := json.Marshal(req)
	return string(encoded)
}

// parseTimeline strips the `)]}'` xss-prevention prefix and decodes the
// interest-over-time series.
func parseTimeline(body []byte) ([]market.TrendPoint, error) {
	idx := bytes.IndexByte(body, '\n')
	if idx >= 0 && bytes.HasPrefix(body, []byte(")]}'")) {
		body = body[idx+1:]
	}

	var payload timelineResponse
	err := json.Unmarshal(body, &payload)
	if err != nil {
		return nil, fmt.Errorf("timeline is not valid json: %w", err)
	}

	points := make([]market.TrendPoint, 0, len(payload.Default.TimelineData))
	for _, entry := range payload.Default.TimelineData {
		var unix int64
		_, err := fmt.Sscan(entry.Time, &unix)
		if err != nil || len(entry.Value) == 0 {
			continue
		}
		points = append(points, market.TrendPoint{
			Time:  time.Unix(unix, 0).In(timezone.Location),
			Value: entry.Value[0],
		})
	}
	return points, nil
}

// trendScore normalizes mean interest against the series peak, 0.5 when
// the series is empty so a missing signal reads as neutral.
func trendScore(points []market.TrendPoint) float64 {
	if len(points) == 0 {
		return 0.5
	}
	sum, max := 0, 0
	for _, p := range points {
		sum += p.Value
		if p.Value > max {
			max = p.Value
		}
	}
	if max == 0 {
		return 0
	}
	mean := float64(sum) / float64(len(points))
	score := mean / float64(max)
	if score > 1 {
		score = 1
	}
	return score
}
