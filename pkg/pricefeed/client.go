/**
 * @description
 * Client for the external price feed that quotes the settlement currency in USD.
 * The default endpoint is a CoinGecko simple/price URL returning {"sui":{"usd":1.23}}.
 */
package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var ErrRateMissing = errors.New("price feed response has no rate")

// Client fetches exchange rates from the price feed.
type Client struct {
	url        string
	coinID     string
	currency   string
	httpClient *http.Client
}

// NewClient creates a price feed client. The context passed to FetchUSDRate bounds each call;
// the http.Client timeout is a backstop.
func NewClient(url string) *Client {
	return &Client{
		url:        strings.TrimSpace(url),
		coinID:     "sui",
		currency:   "usd",
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// FetchUSDRate returns the USD price of one settlement unit.
func (c *Client) FetchUSDRate(ctx context.Context) (decimal.Decimal, error) {
	if c.url == "" {
		return decimal.Zero, fmt.Errorf("price feed url is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decimal.Zero, fmt.Errorf("price feed returned status %d", resp.StatusCode)
	}

	// Numbers are kept as json.Number so the rate is parsed without float rounding.
	var payload map[string]map[string]json.Number
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse price feed response: %w", err)
	}

	raw, ok := payload[c.coinID][c.currency]
	if !ok || raw == "" {
		return decimal.Zero, ErrRateMissing
	}
	rate, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("price feed rate %q is not a decimal: %w", raw, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("price feed rate %s is not positive", rate)
	}
	return rate, nil
}
