package whitebit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"position-manager/internal/core"
)

const (
	pathMarkets     = "/api/v4/public/markets"
	pathTicker      = "/api/v4/public/ticker"
	pathOrderbook   = "/api/v4/public/orderbook"
	pathOrderNew    = "/api/v4/order/new"
	pathOrderMarket = "/api/v4/order/market"
	pathStockMarket = "/api/v4/order/stock_market"
	pathOrderCancel = "/api/v4/order/cancel"
	pathOpenOrders  = "/api/v4/orders"
	pathBalance     = "/api/v4/trade-account/balance"
)

// Client talks to the WhiteBit v4 REST API. Private endpoints sign the JSON
// body with HMAC-SHA512 over its base64 form; without credentials the client
// still serves all public reads and fails private calls with ErrReadOnly.
type Client struct {
	apiKey       string
	apiSecret    string
	baseURL      string
	clientIDStub string
	httpClient   *http.Client

	nonceMu   sync.Mutex
	lastNonce int64

	rulesMu    sync.Mutex
	rulesCache map[string]core.Rules
}

type Options struct {
	APIKey         string
	APISecret      string
	RestBaseURL    string
	InstanceID     string
	HTTPTimeoutSec int64
}

func NewClient(opts Options) *Client {
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	stub := strings.TrimSpace(opts.InstanceID)
	if stub == "" {
		stub = "pm"
	}
	return &Client{
		apiKey:       opts.APIKey,
		apiSecret:    opts.APISecret,
		baseURL:      strings.TrimRight(opts.RestBaseURL, "/"),
		clientIDStub: stub,
		httpClient:   &http.Client{Timeout: timeout},
		rulesCache:   make(map[string]core.Rules),
	}
}

func (c *Client) Name() string { return "whitebit" }

// CanTrade reports whether private endpoints are usable.
func (c *Client) CanTrade() bool {
	return c.apiKey != "" && c.apiSecret != ""
}

func (c *Client) MarketRules(ctx context.Context, symbol string) (core.Rules, error) {
	c.rulesMu.Lock()
	if rules, ok := c.rulesCache[symbol]; ok {
		c.rulesMu.Unlock()
		return rules, nil
	}
	c.rulesMu.Unlock()

	var markets []marketInfo
	if err := c.public(ctx, pathMarkets, &markets); err != nil {
		return core.Rules{}, err
	}
	c.rulesMu.Lock()
	defer c.rulesMu.Unlock()
	for _, m := range markets {
		if !m.TradesEnabled {
			continue
		}
		c.rulesCache[m.Name] = core.Rules{
			AmountPrecision: m.StockPrec,
			PricePrecision:  m.MoneyPrec,
			MinAmount:       m.MinAmount,
			MinNotional:     m.MinTotal,
		}
	}
	rules, ok := c.rulesCache[symbol]
	if !ok {
		return core.Rules{}, fmt.Errorf("market %s: %w", symbol, core.ErrMarketNotFound)
	}
	return rules, nil
}

// Ticker returns the last price plus best bid/ask from a depth-1 orderbook
// call. The ticker endpoint itself carries no book, so a failed book lookup
// degrades to a last-price-only quote.
func (c *Client) Ticker(ctx context.Context, symbol string) (core.Ticker, error) {
	var all map[string]tickerEntry
	if err := c.public(ctx, pathTicker, &all); err != nil {
		return core.Ticker{}, err
	}
	entry, ok := all[symbol]
	if !ok {
		return core.Ticker{}, fmt.Errorf("ticker %s: %w", symbol, core.ErrMarketNotFound)
	}
	tk := core.Ticker{Market: symbol, Last: entry.LastPrice}

	var book orderBook
	if err := c.public(ctx, pathOrderbook+"/"+symbol+"?limit=1", &book); err == nil {
		if len(book.Bids) > 0 && len(book.Bids[0]) > 0 {
			tk.Bid = book.Bids[0][0]
		}
		if len(book.Asks) > 0 && len(book.Asks[0]) > 0 {
			tk.Ask = book.Asks[0][0]
		}
	}
	return tk, nil
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	var raw []orderResponse
	err := c.private(ctx, pathOpenOrders, map[string]interface{}{"market": symbol}, &raw)
	if err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(raw))
	for _, r := range raw {
		orders = append(orders, r.toOrder())
	}
	return orders, nil
}

func (c *Client) PlaceLimitOrder(ctx context.Context, symbol string, side core.Side, price, amount decimal.Decimal) (core.Order, error) {
	var resp orderResponse
	err := c.private(ctx, pathOrderNew, map[string]interface{}{
		"market":        symbol,
		"side":          string(side),
		"amount":        amount.String(),
		"price":         price.String(),
		"clientOrderId": c.newClientID(),
	}, &resp)
	if err != nil {
		return core.Order{}, err
	}
	return resp.toOrder(), nil
}

// PlaceMarketBuy spends quote currency; the order/market endpoint takes the
// amount in money units for buys.
func (c *Client) PlaceMarketBuy(ctx context.Context, symbol string, quoteSpend decimal.Decimal) (core.Order, error) {
	var resp orderResponse
	err := c.private(ctx, pathOrderMarket, map[string]interface{}{
		"market":        symbol,
		"side":          "buy",
		"amount":        quoteSpend.String(),
		"clientOrderId": c.newClientID(),
	}, &resp)
	if err != nil {
		return core.Order{}, err
	}
	return resp.toOrder(), nil
}

// PlaceMarketSell spends base currency via the stock_market endpoint.
func (c *Client) PlaceMarketSell(ctx context.Context, symbol string, amountBase decimal.Decimal) (core.Order, error) {
	var resp orderResponse
	err := c.private(ctx, pathStockMarket, map[string]interface{}{
		"market":        symbol,
		"side":          "sell",
		"amount":        amountBase.String(),
		"clientOrderId": c.newClientID(),
	}, &resp)
	if err != nil {
		return core.Order{}, err
	}
	return resp.toOrder(), nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("order id %q: %w", orderID, core.ErrOrderNotFound)
	}
	return c.private(ctx, pathOrderCancel, map[string]interface{}{
		"market":  symbol,
		"orderId": id,
	}, &orderResponse{})
}

func (c *Client) Balance(ctx context.Context, asset string) (core.Balance, error) {
	var entry balanceEntry
	err := c.private(ctx, pathBalance, map[string]interface{}{"ticker": asset}, &entry)
	if err != nil {
		return core.Balance{}, err
	}
	return core.Balance{Available: entry.Available, Locked: entry.Freeze}, nil
}

func (r orderResponse) toOrder() core.Order {
	side := core.Buy
	if r.Side == "sell" {
		side = core.Sell
	}
	typ := core.Limit
	if strings.Contains(r.Type, "market") {
		typ = core.Market
	}
	sec, frac := int64(r.Timestamp), r.Timestamp-float64(int64(r.Timestamp))
	return core.Order{
		ID:        strconv.FormatInt(r.OrderID, 10),
		ClientID:  r.ClientOrderID,
		Market:    r.Market,
		Side:      side,
		Type:      typ,
		Price:     r.Price,
		Amount:    r.Amount,
		CreatedAt: time.Unix(sec, int64(frac*1e9)).UTC(),
	}
}

func (c *Client) newClientID() string {
	return c.clientIDStub + "-" + uuid.NewString()[:13]
}

func (c *Client) nonce() string {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	n := time.Now().UnixMilli()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return strconv.FormatInt(n, 10)
}

func (c *Client) public(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) private(ctx context.Context, path string, params map[string]interface{}, out interface{}) error {
	if !c.CanTrade() {
		return fmt.Errorf("%s: %w", path, ErrReadOnly)
	}
	body := map[string]interface{}{
		"request": path,
		"nonce":   c.nonce(),
	}
	for k, v := range params {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	payload := base64.StdEncoding.EncodeToString(raw)
	mac := hmac.New(sha512.New, []byte(c.apiSecret))
	mac.Write([]byte(payload))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-TXC-APIKEY", c.apiKey)
	req.Header.Set("X-TXC-PAYLOAD", payload)
	req.Header.Set("X-TXC-SIGNATURE", hex.EncodeToString(mac.Sum(nil)))
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %v: %w", req.Method, req.URL.Path, err, core.ErrExchangeUnavailable)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s: %v: %w", req.URL.Path, err, core.ErrExchangeUnavailable)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		apiErr := APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(data, &apiErr); err != nil {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		apiErr.Status = resp.StatusCode
		return classifyAPIError(apiErr)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}
