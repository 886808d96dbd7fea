package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/paperledger/internal/modules/ledger"
)

const defaultTransactionLimit = 100

// Client talks to the remote ledger API for an authenticated identity.
// Every call carries a bounded timeout via the HTTP client and accepts
// a context for cancellation. Trade mutations are never retried here;
// without an idempotency key a retry could double-execute.
type Client struct {
	baseURL      string
	startingCash decimal.Decimal
	httpClient   *http.Client
	log          zerolog.Logger

	// tokenMu guards token: SetToken runs on sign-in/out while the
	// refresher's goroutine may be mid-request.
	tokenMu sync.RWMutex
	token   string
}

// Config holds remote client configuration.
type Config struct {
	BaseURL      string
	Token        string
	StartingCash decimal.Decimal
	Timeout      time.Duration
}

// NewClient creates a new remote ledger client.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:      cfg.BaseURL,
		token:        cfg.Token,
		startingCash: cfg.StartingCash,
		httpClient:   &http.Client{Timeout: timeout},
		log:          log.With().Str("client", "remote_ledger").Logger(),
	}
}

// SetToken updates the bearer token after an authentication change.
func (c *Client) SetToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

func (c *Client) bearerToken() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// FetchPortfolio returns the portfolio row for an identity, or nil when
// none exists yet.
func (c *Client) FetchPortfolio(ctx context.Context, userID string) (*PortfolioRow, error) {
	query := url.Values{"user_id": {"eq." + userID}}

	var rows []PortfolioRow
	if err := c.get(ctx, "/portfolios", query, &rows); err != nil {
		return nil, fmt.Errorf("failed to fetch portfolio: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// CreatePortfolio creates a portfolio row with the default starting
// cash. Called lazily on first authenticated access.
func (c *Client) CreatePortfolio(ctx context.Context, userID string) (*PortfolioRow, error) {
	body := PortfolioRow{
		ID:     uuid.NewString(),
		UserID: userID,
		Cash:   c.startingCash,
	}

	var created PortfolioRow
	if err := c.post(ctx, "/portfolios", body, &created); err != nil {
		return nil, fmt.Errorf("failed to create portfolio: %w", err)
	}

	c.log.Info().Str("user_id", userID).Str("portfolio_id", created.ID).Msg("Remote portfolio created")
	return &created, nil
}

// EnsurePortfolio fetches the identity's portfolio, creating it when
// absent.
func (c *Client) EnsurePortfolio(ctx context.Context, userID string) (*PortfolioRow, error) {
	row, err := c.FetchPortfolio(ctx, userID)
	if err != nil {
		return nil, err
	}
	if row != nil {
		return row, nil
	}
	return c.CreatePortfolio(ctx, userID)
}

// UpdatePortfolio patches cash (and the has_traded flag) on a
// portfolio row.
func (c *Client) UpdatePortfolio(ctx context.Context, portfolioID string, cash decimal.Decimal, hasTraded bool) error {
	query := url.Values{"id": {"eq." + portfolioID}}
	body := map[string]interface{}{
		"cash":       cash,
		"has_traded": hasTraded,
	}
	if err := c.patch(ctx, "/portfolios", query, body); err != nil {
		return fmt.Errorf("failed to update portfolio: %w", err)
	}
	return nil
}

// FetchHolding returns the holding row for a ticker under a portfolio,
// or nil when the position is not open.
func (c *Client) FetchHolding(ctx context.Context, portfolioID, ticker string) (*HoldingRow, error) {
	query := url.Values{
		"portfolio_id": {"eq." + portfolioID},
		"ticker":       {"eq." + ticker},
	}

	var rows []HoldingRow
	if err := c.get(ctx, "/holdings", query, &rows); err != nil {
		return nil, fmt.Errorf("failed to fetch holding: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ListHoldings returns all holdings under a portfolio.
func (c *Client) ListHoldings(ctx context.Context, portfolioID string) ([]HoldingRow, error) {
	query := url.Values{"portfolio_id": {"eq." + portfolioID}}

	var rows []HoldingRow
	if err := c.get(ctx, "/holdings", query, &rows); err != nil {
		return nil, fmt.Errorf("failed to list holdings: %w", err)
	}
	return rows, nil
}

// CreateHolding inserts a new holding row.
func (c *Client) CreateHolding(ctx context.Context, row HoldingRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if err := c.post(ctx, "/holdings", row, nil); err != nil {
		return fmt.Errorf("failed to create holding: %w", err)
	}
	return nil
}

// UpdateHolding patches quantity and average cost on a holding row.
func (c *Client) UpdateHolding(ctx context.Context, holdingID string, quantity int64, avgCost decimal.Decimal) error {
	query := url.Values{"id": {"eq." + holdingID}}
	body := map[string]interface{}{
		"quantity": quantity,
		"avg_cost": avgCost,
	}
	if err := c.patch(ctx, "/holdings", query, body); err != nil {
		return fmt.Errorf("failed to update holding: %w", err)
	}
	return nil
}

// DeleteHolding removes a holding row (position fully closed).
func (c *Client) DeleteHolding(ctx context.Context, holdingID string) error {
	query := url.Values{"id": {"eq." + holdingID}}
	if err := c.delete(ctx, "/holdings", query); err != nil {
		return fmt.Errorf("failed to delete holding: %w", err)
	}
	return nil
}

// InsertTransaction appends a transaction row.
func (c *Client) InsertTransaction(ctx context.Context, row TransactionRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if err := c.post(ctx, "/transactions", row, nil); err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// ListTransactions returns transactions for a portfolio, newest first.
func (c *Client) ListTransactions(ctx context.Context, portfolioID string, limit int) ([]TransactionRow, error) {
	if limit <= 0 {
		limit = defaultTransactionLimit
	}
	query := url.Values{
		"portfolio_id": {"eq." + portfolioID},
		"order":        {"executed_at.desc"},
		"limit":        {strconv.Itoa(limit)},
	}

	var rows []TransactionRow
	if err := c.get(ctx, "/transactions", query, &rows); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return rows, nil
}

// FetchLedger assembles the full canonical ledger for an identity from
// the three remote resources, creating the portfolio when absent.
func (c *Client) FetchLedger(ctx context.Context, userID string) (ledger.Ledger, error) {
	portfolio, err := c.EnsurePortfolio(ctx, userID)
	if err != nil {
		return ledger.Ledger{}, err
	}

	holdings, err := c.ListHoldings(ctx, portfolio.ID)
	if err != nil {
		return ledger.Ledger{}, err
	}

	transactions, err := c.ListTransactions(ctx, portfolio.ID, defaultTransactionLimit)
	if err != nil {
		return ledger.Ledger{}, err
	}

	l := ledger.Ledger{
		ID:        portfolio.ID,
		Cash:      portfolio.Cash,
		Positions: make(map[string]ledger.Position, len(holdings)),
	}
	for _, h := range holdings {
		l.Positions[h.Ticker] = ledger.Position{
			Ticker:   h.Ticker,
			Quantity: h.Quantity,
			AvgCost:  h.AvgCost,
		}
	}
	for _, t := range transactions {
		l.Transactions = append(l.Transactions, ledger.Transaction{
			ID:         t.ID,
			LedgerID:   t.PortfolioID,
			Ticker:     t.Ticker,
			Side:       ledger.Side(t.Side),
			Quantity:   t.Quantity,
			Price:      t.Price,
			Total:      t.Total,
			ExecutedAt: t.ExecutedAt,
		})
	}
	return l, nil
}

// Buy executes the buy sequence against the remote resources:
//
//  1. fetch (or create) the portfolio row
//  2. fetch the existing holding for the ticker (read, no side effect)
//  3. validate via the shared ledger arithmetic; abort before any write
//  4. write the decremented cash to the portfolio row
//  5. upsert the holding row with the blended average cost
//  6. insert the transaction row
//
// The calls are independent; a failure after step 4 leaves already-
// written steps in place. Each write failure is a StepError naming the
// step so drift stays detectable.
func (c *Client) Buy(ctx context.Context, userID, ticker string, quantity int64, price decimal.Decimal) (*PortfolioRow, error) {
	return c.trade(ctx, userID, ticker, quantity, price, ledger.SideBuy)
}

// Sell mirrors Buy with the inverse checks, deleting the holding row
// when the position is fully closed and crediting cash.
func (c *Client) Sell(ctx context.Context, userID, ticker string, quantity int64, price decimal.Decimal) (*PortfolioRow, error) {
	return c.trade(ctx, userID, ticker, quantity, price, ledger.SideSell)
}

func (c *Client) trade(ctx context.Context, userID, ticker string, quantity int64, price decimal.Decimal, side ledger.Side) (*PortfolioRow, error) {
	// Normalize before the holding lookup, or a lowercase ticker would
	// miss its existing row and split the position.
	ticker = ledger.NormalizeTicker(ticker)

	portfolio, err := c.EnsurePortfolio(ctx, userID)
	if err != nil {
		return nil, ledger.StepFailed("fetch_portfolio", err)
	}

	holding, err := c.FetchHolding(ctx, portfolio.ID, ticker)
	if err != nil {
		return nil, ledger.StepFailed("fetch_holding", err)
	}

	// Delegate the arithmetic to the shared ledger core on a scratch
	// ledger holding just this position, so the remote path can never
	// diverge from the local one.
	scratch := ledger.New(portfolio.ID, portfolio.Cash)
	if holding != nil {
		scratch.Positions[holding.Ticker] = ledger.Position{
			Ticker:   holding.Ticker,
			Quantity: holding.Quantity,
			AvgCost:  holding.AvgCost,
		}
	}

	var applied ledger.Ledger
	if side == ledger.SideBuy {
		applied, err = ledger.ApplyBuy(scratch, ticker, quantity, price)
	} else {
		applied, err = ledger.ApplySell(scratch, ticker, quantity, price)
	}
	if err != nil {
		// Validation failure: nothing has been written anywhere.
		return nil, err
	}

	if err := c.UpdatePortfolio(ctx, portfolio.ID, applied.Cash, true); err != nil {
		return nil, ledger.StepFailed("update_cash", err)
	}

	tx := applied.Transactions[0]
	newPos, stillOpen := applied.Positions[tx.Ticker]

	switch {
	case !stillOpen:
		if err := c.DeleteHolding(ctx, holding.ID); err != nil {
			return nil, ledger.StepFailed("delete_holding", err)
		}
	case holding == nil:
		row := HoldingRow{
			PortfolioID: portfolio.ID,
			Ticker:      newPos.Ticker,
			Quantity:    newPos.Quantity,
			AvgCost:     newPos.AvgCost,
		}
		if err := c.CreateHolding(ctx, row); err != nil {
			return nil, ledger.StepFailed("create_holding", err)
		}
	default:
		if err := c.UpdateHolding(ctx, holding.ID, newPos.Quantity, newPos.AvgCost); err != nil {
			return nil, ledger.StepFailed("update_holding", err)
		}
	}

	txRow := TransactionRow{
		ID:          tx.ID,
		PortfolioID: portfolio.ID,
		Ticker:      tx.Ticker,
		Side:        string(tx.Side),
		Quantity:    tx.Quantity,
		Price:       tx.Price,
		Total:       tx.Total,
		ExecutedAt:  tx.ExecutedAt,
	}
	if err := c.InsertTransaction(ctx, txRow); err != nil {
		return nil, ledger.StepFailed("insert_transaction", err)
	}

	c.log.Info().
		Str("user_id", userID).
		Str("ticker", tx.Ticker).
		Str("side", string(side)).
		Int64("quantity", quantity).
		Str("price", price.String()).
		Msg("Remote trade applied")

	portfolio.Cash = applied.Cash
	portfolio.HasTraded = true
	return portfolio, nil
}

// HTTP plumbing

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

func (c *Client) patch(ctx context.Context, path string, query url.Values, body interface{}) error {
	return c.do(ctx, http.MethodPatch, path, query, body, nil)
}

func (c *Client) delete(ctx context.Context, path string, query url.Values) error {
	return c.do(ctx, http.MethodDelete, path, query, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.bearerToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("authentication expired (status 401)")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("remote returned status %d: %s", resp.StatusCode, snippet)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
