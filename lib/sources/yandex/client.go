package yandex

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"ideaplanner-backend/lib/market"
	"ideaplanner-backend/lib/ratelimit"
	"ideaplanner-backend/lib/telemetry"
	"ideaplanner-backend/lib/timezone"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("sources/yandex")

const origin = "https://market.yandex.ru"

// market.yandex.ru profiles browser fingerprints, a static user-agent
// gets banned quickly
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:124.0) Gecko/20100101 Firefox/124.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
}

// Client scrapes Yandex Market web search. Like ozon there is no public
// search API, but the listing data sits in the rendered snippet cards
// rather than an embedded JSON blob.
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
		// yandex can be slow
		opts.Timeout = time.Second * 30
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseUrl)
	client.SetHeader("accept-language", "ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7")
	client.SetHeader("referer", origin+"/")
	client.SetTimeout(opts.Timeout)

	telemetry.InstrumentResty(client, "sources/yandex/http")

	return &Client{
		http:    client,
		limiter: opts.Limiter,
	}
}

func (c *Client) Id() market.SourceId {
	return market.Yandex
}

func (c *Client) Origin() string {
	return origin
}

func (c *Client) Fetch(ctx context.Context, query market.Query, maxResults int) (market.SourceRecord, error) {
	ctx, span := tracer.Start(ctx, "client:Fetch")
	defer span.End()

	err := c.limiter.Acquire(ctx, string(market.Yandex))
	if err != nil {
		span.SetStatus(codes.Error, "rate limiter wait aborted")
		return market.SourceRecord{}, market.ClassifyTransport(market.Yandex, err)
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("user-agent", userAgents[rand.Intn(len(userAgents))]).
		SetQueryParam("text", query.Normalized()).
		Get("/search")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return market.SourceRecord{}, market.ClassifyTransport(market.Yandex, err)
	}

	switch {
	case res.StatusCode() == http.StatusTooManyRequests:
		c.limiter.Penalize(string(market.Yandex))
		return market.SourceRecord{}, market.NewFetchError(
			market.Yandex, market.ErrRateLimited, "upstream 429", nil,
		)
	case res.StatusCode() == http.StatusForbidden:
		return market.SourceRecord{}, market.NewFetchError(
			market.Yandex, market.ErrForbidden, "upstream 403, likely captcha wall", nil,
		)
	case res.StatusCode() != http.StatusOK:
		return market.SourceRecord{}, market.NewFetchError(
			market.Yandex, market.ErrUnavailable,
			fmt.Sprintf("unexpected status %d", res.StatusCode()), nil,
		)
	}

	products, err := parseSearchPage(res.Body(), maxResults)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse search page")
		return market.SourceRecord{}, market.NewFetchError(
			market.Yandex, market.ErrMalformedResponse, err.Error(), err,
		)
	}

	c.limiter.Success(string(market.Yandex))

	return market.SourceRecord{
		Source:     market.Yandex,
		Products:   products,
		PriceRange: market.PriceRangeOf(products),
		FetchedAt:  timezone.Now(),
		Freshness:  market.FreshnessLive,
	}, nil
}

// parseSearchPage extracts listings from the snippet cards of a search
// result page. An empty selection is a zero-item result, not a parse
// error: the page layout for "nothing found" carries no cards either.
func parseSearchPage(body []byte, maxResults int) ([]market.Product, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var products []market.Product
	doc.Find("div.n-snippet-card2").EachWithBreak(func(_ int, card *goquery.Selection) bool {
		product, ok := parseCard(card)
		if ok {
			products = append(products, product)
		}
		return len(products) < maxResults
	})
	return products, nil
}

func parseCard(card *goquery.Selection) (market.Product, bool) {
	href, ok := card.Find("a.n-snippet-card2__title").First().Attr("href")
	if !ok || href == "" {
		return market.Product{}, false
	}
	url := href
	if !strings.HasPrefix(url, "http") {
		url = origin + url
	}
	trimmed, _, _ := strings.Cut(url, "?")
	id := path.Base(trimmed)

	title := strings.TrimSpace(card.Find("h3.n-snippet-card2__title").First().Text())
	if id == "" || id == "." || title == "" {
		return market.Product{}, false
	}

	// prices render as whole rubles with formatting noise, e.g. "1 990 ₽"
	rubles := digitsOf(card.Find("div.n-snippet-card2__price").First().Text())

	ratingText := strings.TrimSpace(card.Find("div.n-snippet-card2__rating").First().Text())
	rating, _ := strconv.ParseFloat(strings.ReplaceAll(ratingText, ",", "."), 64)

	reviews := digitsOf(card.Find("span.n-snippet-card2__rating-count").First().Text())
	brand := strings.TrimSpace(card.Find("div.n-snippet-card2__brand").First().Text())

	return market.Product{
		Id:     id,
		Title:  title,
		Price:  market.Rub(rubles * 100),
		Rating: rating,
		Url:    url,
		Raw: map[string]any{
			"brand":         brand,
			"reviews_count": int(reviews),
			"is_available":  true,
		},
	}, true
}

func digitsOf(text string) int64 {
	var digits strings.Builder
	for _, r := range text {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return 0
	}
	n, err := strconv.ParseInt(digits.String(), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
