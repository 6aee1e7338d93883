package ozon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"ideaplanner-backend/lib/market"
	"ideaplanner-backend/lib/ratelimit"
	"ideaplanner-backend/lib/telemetry"
	"ideaplanner-backend/lib/timezone"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/net/publicsuffix"
)

var tracer = otel.Tracer("sources/ozon")

const origin = "https://www.ozon.ru"

// Client scrapes ozon's web search. There is no public search API, so
// product data is lifted out of the __NEXT_DATA__ blob embedded in the
// rendered page.
type Client struct {
	http    *resty.Client
	limiter *ratelimit.Limiter
}

type ClientOptions struct {
	BaseUrl string
	Limiter *ratelimit.Limiter
	Timeout time.Duration
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.BaseUrl == "" {
		opts.BaseUrl = origin
	}
	if opts.Timeout == 0 {
		opts.Timeout = time.Second * 30
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseUrl)
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	client.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	client.SetHeader("accept-language", "ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7")
	client.SetTimeout(opts.Timeout)

	telemetry.InstrumentResty(client, "sources/ozon/http")

	return &Client{
		http:    client,
		limiter: opts.Limiter,
	}, nil
}

func (c *Client) Id() market.SourceId {
	return market.Ozon
}

func (c *Client) Origin() string {
	return origin
}

func (c *Client) Fetch(ctx context.Context, query market.Query, maxResults int) (market.SourceRecord, error) {
	ctx, span := tracer.Start(ctx, "client:Fetch")
	defer span.End()

	err := c.limiter.Acquire(ctx, string(market.Ozon))
	if err != nil {
		span.SetStatus(codes.Error, "rate limiter wait aborted")
		return market.SourceRecord{}, market.ClassifyTransport(market.Ozon, err)
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("text", query.Normalized()).
		Get("/search")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return market.SourceRecord{}, market.ClassifyTransport(market.Ozon, err)
	}

	switch {
	case res.StatusCode() == http.StatusTooManyRequests:
		c.limiter.Penalize(string(market.Ozon))
		return market.SourceRecord{}, market.NewFetchError(
			market.Ozon, market.ErrRateLimited, "upstream 429", nil,
		)
	case res.StatusCode() == http.StatusForbidden:
		return market.SourceRecord{}, market.NewFetchError(
			market.Ozon, market.ErrForbidden, "upstream 403, likely bot wall", nil,
		)
	case res.StatusCode() != http.StatusOK:
		return market.SourceRecord{}, market.NewFetchError(
			market.Ozon, market.ErrUnavailable,
			fmt.Sprintf("unexpected status %d", res.StatusCode()), nil,
		)
	}

	items, err := extractSearchItems(res.Body())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to extract search results")
		return market.SourceRecord{}, market.NewFetchError(
			market.Ozon, market.ErrMalformedResponse, err.Error(), err,
		)
	}

	c.limiter.Success(string(market.Ozon))

	products := make([]market.Product, 0, len(items))
	for _, raw := range items {
		product, err := parseWebProduct(raw)
		if err != nil {
			slog.WarnContext(ctx, "skipping unparseable product", "source", "ozon", "err", err)
			continue
		}
		products = append(products, product)
		if len(products) >= maxResults {
			break
		}
	}

	return market.SourceRecord{
		Source:     market.Ozon,
		Products:   products,
		PriceRange: market.PriceRangeOf(products),
		FetchedAt:  timezone.Now(),
		Freshness:  market.FreshnessLive,
	}, nil
}

type nextData struct {
	Props struct {
		PageProps struct {
			SearchResults struct {
				Items []json.RawMessage `json:"items"`
			} `json:"searchResults"`
		} `json:"pageProps"`
		InitialState struct {
			Search struct {
				Items []json.RawMessage `json:"items"`
			} `json:"search"`
		} `json:"initialState"`
	} `json:"props"`
}

// extractSearchItems digs the listing array out of the __NEXT_DATA__
// script tag. The page layout shifts between two shapes depending on
// which frontend bundle served the request.
func extractSearchItems(body []byte) ([]json.RawMessage, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	script := doc.Find("script#__NEXT_DATA__").First()
	if script.Length() == 0 {
		return nil, fmt.Errorf("no __NEXT_DATA__ script tag in page")
	}

	var data nextData
	err = json.Unmarshal([]byte(script.Text()), &data)
	if err != nil {
		return nil, fmt.Errorf("parse __NEXT_DATA__ json: %w", err)
	}

	items := data.Props.PageProps.SearchResults.Items
	if len(items) == 0 {
		items = data.Props.InitialState.Search.Items
	}
	return items, nil
}

type webProduct struct {
	Id        int64           `json:"id"`
	ProductId int64           `json:"productId"`
	Title     string          `json:"title"`
	Name      string          `json:"name"`
	Price     json.RawMessage `json:"price"`
	Rating    json.RawMessage `json:"rating"`
	Brand     json.RawMessage `json:"brand"`
	Available bool            `json:"available"`
}

func parseWebProduct(raw json.RawMessage) (market.Product, error) {
	var p webProduct
	err := json.Unmarshal(raw, &p)
	if err != nil {
		return market.Product{}, err
	}

	id := p.Id
	if id == 0 {
		id = p.ProductId
	}
	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = strings.TrimSpace(p.Name)
	}
	if id == 0 || title == "" {
		return market.Product{}, fmt.Errorf("product missing id or title")
	}

	price, oldPrice := parsePrice(p.Price)
	rating, reviews := parseRating(p.Rating)

	return market.Product{
		Id:     fmt.Sprint(id),
		Title:  title,
		Price:  market.Rub(price),
		Rating: rating,
		Url:    fmt.Sprintf("%s/product/%d/", origin, id),
		Raw: map[string]any{
			"brand":         parseBrand(p.Brand),
			"old_price":     oldPrice,
			"reviews_count": reviews,
			"is_available":  p.Available,
		},
	}, nil
}

// price arrives either as a bare kopeck count or as an object
// {price, oldPrice}
func parsePrice(raw json.RawMessage) (int64, int64) {
	if len(raw) == 0 {
		return 0, 0
	}
	var obj struct {
		Price    int64 `json:"price"`
		OldPrice int64 `json:"oldPrice"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Price > 0 {
		return obj.Price, obj.OldPrice
	}
	var bare int64
	if err := json.Unmarshal(raw, &bare); err == nil {
		return bare, 0
	}
	return 0, 0
}

// rating arrives either as a bare float or as {rating, count}
func parseRating(raw json.RawMessage) (float64, int) {
	if len(raw) == 0 {
		return 0, 0
	}
	var obj struct {
		Rating float64 `json:"rating"`
		Count  int     `json:"count"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Rating > 0 {
		return obj.Rating, obj.Count
	}
	var bare float64
	if err := json.Unmarshal(raw, &bare); err == nil {
		return bare, 0
	}
	return 0, 0
}

func parseBrand(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Name != "" {
		return strings.TrimSpace(obj.Name)
	}
	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil {
		return strings.TrimSpace(bare)
	}
	return ""
}
