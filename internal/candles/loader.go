package candles

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/StockTradingKSS/stock-trading-server-sub000/internal/model"

	json "github.com/goccy/go-json"
)

// Query selects a candle series. Zero From or Count leave that bound open.
type Query struct {
	Code     string
	Interval model.Interval
	From     time.Time
	To       time.Time
	Count    int
}

// Loader is the historical candle port. Implementations return candles in any order.
type Loader interface {
	LoadCandles(ctx context.Context, q Query) ([]model.Candle, error)
}

// HTTPLoader reads candles from a JSON endpoint:
//
//	GET {BaseURL}/candles?code=005930&interval=DAY&from=...&to=...&count=20
//
// The response body is an array of {open, high, low, close, volume, open_time}.
type HTTPLoader struct {
	baseURL string
	client  *http.Client
}

var _ Loader = (*HTTPLoader)(nil)

// NewHTTPLoader uses a client with a 10s timeout when client is nil.
func NewHTTPLoader(baseURL string, client *http.Client) (*HTTPLoader, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("candle API base URL is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPLoader{baseURL: strings.TrimRight(baseURL, "/"), client: client}, nil
}

// LoadCandles fetches q from the candle API. Any status other than 200 is an error.
func (l *HTTPLoader) LoadCandles(ctx context.Context, q Query) ([]model.Candle, error) {
	params := url.Values{}
	params.Set("code", q.Code)
	params.Set("interval", string(q.Interval))
	if !q.From.IsZero() {
		params.Set("from", q.From.Format(time.RFC3339))
	}
	if !q.To.IsZero() {
		params.Set("to", q.To.Format(time.RFC3339))
	}
	if q.Count > 0 {
		params.Set("count", strconv.Itoa(q.Count))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/candles?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build candle request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("load candles for %s: %w", q.Code, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("candle API returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var out []model.Candle
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode candles: %w", err)
	}
	return out, nil
}
