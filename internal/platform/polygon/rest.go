package polygon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/optionsengine/internal/domain"
)

// Client is the REST client for the aggregates API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new REST client.
//
// baseURL is the API root, e.g. "https://api.polygon.io".
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// PreviousClose returns the most recent daily bar for symbol. It returns
// domain.ErrNotFound when the upstream has no bar for it.
func (c *Client) PreviousClose(ctx context.Context, symbol string) (domain.Bar, error) {
	path := fmt.Sprintf("/v2/aggs/ticker/%s/prev", url.PathEscape(Instrument(symbol)))

	resp, err := c.getAggs(ctx, path, url.Values{"adjusted": {"true"}})
	if err != nil {
		return domain.Bar{}, fmt.Errorf("polygon: previous close %s: %w", symbol, err)
	}
	if len(resp.Results) == 0 {
		return domain.Bar{}, fmt.Errorf("polygon: previous close %s: %w", symbol, domain.ErrNotFound)
	}
	return resp.Results[len(resp.Results)-1].bar(24 * time.Hour), nil
}

// SecondBars returns one-second bars for symbol between from and to,
// oldest first.
func (c *Client) SecondBars(ctx context.Context, symbol string, from, to time.Time) ([]domain.Bar, error) {
	path := fmt.Sprintf("/v2/aggs/ticker/%s/range/1/second/%d/%d",
		url.PathEscape(Instrument(symbol)), from.UnixMilli(), to.UnixMilli())

	resp, err := c.getAggs(ctx, path, url.Values{
		"adjusted": {"true"},
		"sort":     {"asc"},
		"limit":    {"5000"},
	})
	if err != nil {
		return nil, fmt.Errorf("polygon: second bars %s: %w", symbol, err)
	}

	bars := make([]domain.Bar, 0, len(resp.Results))
	for _, r := range resp.Results {
		bars = append(bars, r.bar(time.Second))
	}
	return bars, nil
}

func (c *Client) getAggs(ctx context.Context, path string, params url.Values) (aggResponse, error) {
	params.Set("apiKey", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return aggResponse{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return aggResponse{}, fmt.Errorf("%w: %v", domain.ErrFeedUnavailable, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return aggResponse{}, fmt.Errorf("read body: %w", err)
	}
	if res.StatusCode == http.StatusNotFound {
		return aggResponse{}, domain.ErrNotFound
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return aggResponse{}, fmt.Errorf("%w: status %s: %s", domain.ErrFeedUnavailable,
			strconv.Itoa(res.StatusCode), truncate(string(body), 256))
	}

	var resp aggResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return aggResponse{}, fmt.Errorf("decode aggregates: %w", err)
	}
	if resp.Status == "ERROR" {
		return aggResponse{}, fmt.Errorf("%w: %s%s", domain.ErrFeedUnavailable, resp.Error, resp.Message)
	}
	return resp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
