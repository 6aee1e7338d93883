package wildberries

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
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

var tracer = otel.Tracer("sources/wildberries")

const origin = "https://www.wildberries.ru"

type Client struct {
	http    *resty.Client
	limiter *ratelimit.Limiter
}

type ClientOptions struct {
	// defaults to the public exactmatch search endpoint
	BaseUrl string
	Limiter *ratelimit.Limiter
	Timeout time.Duration
}

func NewClient(opts ClientOptions) *Client {
	if opts.BaseUrl == "" {
		opts.BaseUrl = "https://search.wb.ru/exactmatch/ru/common/v4/search"
	}
	if opts.Timeout == 0 {
		// wildberries can be slow
		opts.Timeout = time.Second * 30
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseUrl)
	client.SetHeader("user-agent", "idea-planner-agent/0.1.0")
	client.SetHeader("accept", "application/json")
	client.SetHeader("accept-language", "ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7")
	client.SetHeader("referer", origin+"/")
	client.SetTimeout(opts.Timeout)

	telemetry.InstrumentResty(client, "sources/wildberries/http")

	return &Client{
		http:    client,
		limiter: opts.Limiter,
	}
}

func (c *Client) Id() market.SourceId {
	return market.Wildberries
}

func (c *Client) Origin() string {
	return origin
}

type searchResponse struct {
	Data struct {
		Products []json.RawMessage `json:"products"`
	} `json:"data"`
}

type productPayload struct {
	Id         int64   `json:"id"`
	Name       string  `json:"name"`
	Brand      string  `json:"brand"`
	SalePriceU int64   `json:"salePriceU"`
	PriceU     int64   `json:"priceU"`
	Rating     float64 `json:"rating"`
	Feedback   int     `json:"feedback"`
}

func (c *Client) Fetch(ctx context.Context, query market.Query, maxResults int) (market.SourceRecord, error) {
	ctx, span := tracer.Start(ctx, "client:Fetch")
	defer span.End()

	err := c.limiter.Acquire(ctx, string(market.Wildberries))
	if err != nil {
		span.SetStatus(codes.Error, "rate limiter wait aborted")
		return market.SourceRecord{}, market.ClassifyTransport(market.Wildberries, err)
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"query":     query.Normalized(),
			"resultset": "catalog",
			"limit":     fmt.Sprint(maxResults),
			"sort":      "popular",
			"curr":      "rub",
			"dest":      "-1257786",
		}).
		Get("")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return market.SourceRecord{}, market.ClassifyTransport(market.Wildberries, err)
	}

	switch {
	case res.StatusCode() == http.StatusTooManyRequests:
		c.limiter.Penalize(string(market.Wildberries))
		return market.SourceRecord{}, market.NewFetchError(
			market.Wildberries, market.ErrRateLimited, "upstream 429", nil,
		)
	case res.StatusCode() == http.StatusForbidden:
		return market.SourceRecord{}, market.NewFetchError(
			market.Wildberries, market.ErrForbidden, "upstream 403", nil,
		)
	case res.StatusCode() != http.StatusOK:
		return market.SourceRecord{}, market.NewFetchError(
			market.Wildberries, market.ErrUnavailable,
			fmt.Sprintf("unexpected status %d", res.StatusCode()), nil,
		)
	}

	var payload searchResponse
	err = json.Unmarshal(res.Body(), &payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to unmarshal search response")
		return market.SourceRecord{}, market.NewFetchError(
			market.Wildberries, market.ErrMalformedResponse, "search response is not valid json", err,
		)
	}

	c.limiter.Success(string(market.Wildberries))

	products := make([]market.Product, 0, len(payload.Data.Products))
	for _, raw := range payload.Data.Products {
		product, err := parseProduct(raw)
		if err != nil {
			// a single broken listing never aborts the whole fetch
			slog.WarnContext(ctx, "skipping unparseable product", "source", "wildberries", "err", err)
			continue
		}
		products = append(products, product)
		if len(products) >= maxResults {
			break
		}
	}

	return market.SourceRecord{
		Source:     market.Wildberries,
		Products:   products,
		PriceRange: market.PriceRangeOf(products),
		FetchedAt:  timezone.Now(),
		Freshness:  market.FreshnessLive,
	}, nil
}

func parseProduct(raw json.RawMessage) (market.Product, error) {
	var p productPayload
	err := json.Unmarshal(raw, &p)
	if err != nil {
		return market.Product{}, err
	}
	if p.Id == 0 || p.Name == "" {
		return market.Product{}, fmt.Errorf("product missing id or name")
	}

	// salePriceU is the discounted price in kopecks, priceU the sticker
	price := p.SalePriceU
	if price == 0 {
		price = p.PriceU
	}

	return market.Product{
		Id:     fmt.Sprint(p.Id),
		Title:  p.Name,
		Price:  market.Rub(price),
		Rating: p.Rating,
		Url:    fmt.Sprintf("%s/catalog/%d/detail.aspx", origin, p.Id),
		Raw: map[string]any{
			"brand":         p.Brand,
			"old_price":     p.PriceU,
			"reviews_count": p.Feedback,
		},
	}, nil
}
