package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// priceTTL bounds how stale a cached quote may be. USD valuation of a
// decoded transaction does not need tick-level freshness.
const priceTTL = 30 * time.Second

// Client quotes token prices in USD from a Jupiter-style price API:
// GET <baseURL>?ids=<mint>[,<mint>...] returning
// {"data": {"<mint>": {"price": "1.0"}}}.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
	cache   sync.Map // mint string -> cachedPrice
	now     func() time.Time
}

type cachedPrice struct {
	usd       float64
	fetchedAt time.Time
}

type priceResponse struct {
	Data map[string]struct {
		Price string `json:"price"`
	} `json:"data"`
}

func NewClient(baseURL string, logger *zap.Logger) *Client {
	if baseURL == "" {
		return nil
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger.Named("price-client"),
		now:     time.Now,
	}
}

// Price returns the USD price of one whole token of the given mint.
func (c *Client) Price(ctx context.Context, mint string) (float64, error) {
	prices, err := c.Prices(ctx, []string{mint})
	if err != nil {
		return 0, err
	}
	usd, ok := prices[mint]
	if !ok {
		return 0, fmt.Errorf("no price for mint %s", mint)
	}
	return usd, nil
}

// Prices quotes several mints, serving fresh cache entries and batching the
// rest into one request. Mints the API does not know are absent from the
// result.
func (c *Client) Prices(ctx context.Context, mints []string) (map[string]float64, error) {
	prices := make(map[string]float64, len(mints))
	var missing []string
	for _, mint := range mints {
		if cached, ok := c.cache.Load(mint); ok {
			entry := cached.(cachedPrice)
			if c.now().Sub(entry.fetchedAt) < priceTTL {
				prices[mint] = entry.usd
				continue
			}
		}
		missing = append(missing, mint)
	}
	if len(missing) == 0 {
		return prices, nil
	}

	fetched, err := c.fetch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for mint, usd := range fetched {
		prices[mint] = usd
	}
	return prices, nil
}

func (c *Client) fetch(ctx context.Context, mints []string) (map[string]float64, error) {
	url := c.baseURL + "?ids="
	for i, mint := range mints {
		if i > 0 {
			url += ","
		}
		url += mint
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price API HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var decoded priceResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode price response: %w", err)
	}

	prices := make(map[string]float64, len(decoded.Data))
	for mint, quote := range decoded.Data {
		usd, err := strconv.ParseFloat(quote.Price, 64)
		if err != nil {
			c.logger.Warn("unparseable price",
				zap.String("mint", mint),
				zap.String("price", quote.Price))
			continue
		}
		prices[mint] = usd
		c.cache.Store(mint, cachedPrice{usd: usd, fetchedAt: c.now()})
	}
	return prices, nil
}
