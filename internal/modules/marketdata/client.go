package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const quoteTTL = 15 * time.Second

// Client fetches quotes and instrument metadata over HTTP with a short
// in-memory cache so valuation views do not hammer the upstream.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cachedQuote
}

type cachedQuote struct {
	quote     Quote
	fetchedAt time.Time
}

// NewClient creates a market data client.
func NewClient(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With().Str("client", "marketdata").Logger(),
		cache:      make(map[string]cachedQuote),
	}
}

// Quote returns the current price for a ticker, served from cache when
// fresh enough.
func (c *Client) Quote(ctx context.Context, ticker string) (Quote, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))

	c.mu.RLock()
	entry, ok := c.cache[ticker]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < quoteTTL {
		return entry.quote, nil
	}

	var q Quote
	if err := c.getJSON(ctx, "/quotes/"+url.PathEscape(ticker), &q); err != nil {
		return Quote{}, fmt.Errorf("failed to fetch quote for %s: %w", ticker, err)
	}

	c.mu.Lock()
	c.cache[ticker] = cachedQuote{quote: q, fetchedAt: time.Now()}
	c.mu.Unlock()
	return q, nil
}

// Quotes fetches prices for a batch of tickers. Missing tickers are
// omitted from the result rather than failing the batch.
func (c *Client) Quotes(ctx context.Context, tickers []string) (map[string]Quote, error) {
	result := make(map[string]Quote, len(tickers))
	for _, ticker := range tickers {
		q, err := c.Quote(ctx, ticker)
		if err != nil {
			c.log.Warn().Err(err).Str("ticker", ticker).Msg("Quote unavailable")
			continue
		}
		result[q.Ticker] = q
	}
	return result, nil
}

// Instrument returns display metadata for a ticker.
func (c *Client) Instrument(ctx context.Context, ticker string) (Instrument, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))

	var inst Instrument
	if err := c.getJSON(ctx, "/instruments/"+url.PathEscape(ticker), &inst); err != nil {
		return Instrument{}, fmt.Errorf("failed to fetch instrument %s: %w", ticker, err)
	}
	return inst, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
