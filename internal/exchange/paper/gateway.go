package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"position-manager/internal/core"
	"position-manager/internal/market"
)

// Gateway is an in-memory exchange used for dry-run mode and engine tests.
// It keeps per-asset balances, locks funds behind resting orders, executes
// market orders at the last seen price and crosses limits on SetPrice.
// SetPrice may be called from a feed goroutine, so every method locks.
type Gateway struct {
	mu        sync.Mutex
	rules     map[string]core.Rules
	available map[string]decimal.Decimal
	locked    map[string]decimal.Decimal
	open      map[string]map[string]*core.Order
	last      map[string]decimal.Decimal
	seq       int
}

func NewGateway() *Gateway {
	return &Gateway{
		rules:     make(map[string]core.Rules),
		available: make(map[string]decimal.Decimal),
		locked:    make(map[string]decimal.Decimal),
		open:      make(map[string]map[string]*core.Order),
		last:      make(map[string]decimal.Decimal),
	}
}

func (g *Gateway) Name() string { return "paper" }

// SeedBalance credits an asset's free balance.
func (g *Gateway) SeedBalance(asset string, amount decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.available[asset] = g.free(asset).Add(amount)
}

func (g *Gateway) SetRules(symbol string, rules core.Rules) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules[symbol] = rules
	if _, ok := g.open[symbol]; !ok {
		g.open[symbol] = make(map[string]*core.Order)
	}
}

// SetPrice records the last price and fills every resting limit the price
// crossed, returning the filled orders oldest first.
func (g *Gateway) SetPrice(symbol string, price decimal.Decimal) []core.Order {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last[symbol] = price
	book := g.open[symbol]
	filled := make([]core.Order, 0)
	for id, ord := range book {
		cross := (ord.Side == core.Buy && price.Cmp(ord.Price) <= 0) ||
			(ord.Side == core.Sell && price.Cmp(ord.Price) >= 0)
		if !cross {
			continue
		}
		g.settleLimit(symbol, ord)
		filled = append(filled, *ord)
		delete(book, id)
	}
	sort.Slice(filled, func(i, j int) bool { return filled[i].ID < filled[j].ID })
	return filled
}

func (g *Gateway) MarketRules(_ context.Context, symbol string) (core.Rules, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rules, ok := g.rules[symbol]
	if !ok {
		return core.Rules{}, fmt.Errorf("market %s: %w", symbol, core.ErrMarketNotFound)
	}
	return rules, nil
}

func (g *Gateway) Ticker(_ context.Context, symbol string) (core.Ticker, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	price, ok := g.last[symbol]
	if !ok {
		return core.Ticker{}, fmt.Errorf("ticker %s: %w", symbol, core.ErrMarketNotFound)
	}
	return core.Ticker{Market: symbol, Last: price}, nil
}

func (g *Gateway) OpenOrders(_ context.Context, symbol string) ([]core.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	book, ok := g.open[symbol]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", symbol, core.ErrMarketNotFound)
	}
	orders := make([]core.Order, 0, len(book))
	for _, ord := range book {
		orders = append(orders, *ord)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	return orders, nil
}

func (g *Gateway) PlaceLimitOrder(_ context.Context, symbol string, side core.Side, price, amount decimal.Decimal) (core.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	book, ok := g.open[symbol]
	if !ok {
		return core.Order{}, fmt.Errorf("market %s: %w", symbol, core.ErrMarketNotFound)
	}
	if price.Cmp(decimal.Zero) <= 0 || amount.Cmp(decimal.Zero) <= 0 {
		return core.Order{}, fmt.Errorf("limit %s %s: %w", symbol, side, core.ErrOrderRejected)
	}
	base, quote := market.SplitSymbol(symbol)
	if side == core.Buy {
		if err := g.lock(quote, price.Mul(amount)); err != nil {
			return core.Order{}, err
		}
	} else {
		if err := g.lock(base, amount); err != nil {
			return core.Order{}, err
		}
	}
	ord := g.newOrder(symbol, side, core.Limit, price, amount)
	book[ord.ID] = &ord
	return ord, nil
}

// PlaceMarketBuy converts the quote spend to base at the last price.
func (g *Gateway) PlaceMarketBuy(_ context.Context, symbol string, quoteSpend decimal.Decimal) (core.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	price, ok := g.last[symbol]
	if !ok || price.Cmp(decimal.Zero) <= 0 {
		return core.Order{}, fmt.Errorf("market buy %s without price: %w", symbol, core.ErrOrderRejected)
	}
	base, quote := market.SplitSymbol(symbol)
	if g.free(quote).Cmp(quoteSpend) < 0 {
		return core.Order{}, fmt.Errorf("market buy %s: %w", symbol, core.ErrInsufficientBalance)
	}
	amount := quoteSpend.Div(price)
	g.available[quote] = g.free(quote).Sub(quoteSpend)
	g.available[base] = g.free(base).Add(amount)
	ord := g.newOrder(symbol, core.Buy, core.Market, price, amount)
	return ord, nil
}

func (g *Gateway) PlaceMarketSell(_ context.Context, symbol string, amountBase decimal.Decimal) (core.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	price, ok := g.last[symbol]
	if !ok || price.Cmp(decimal.Zero) <= 0 {
		return core.Order{}, fmt.Errorf("market sell %s without price: %w", symbol, core.ErrOrderRejected)
	}
	base, quote := market.SplitSymbol(symbol)
	if g.free(base).Cmp(amountBase) < 0 {
		return core.Order{}, fmt.Errorf("market sell %s: %w", symbol, core.ErrInsufficientBalance)
	}
	g.available[base] = g.free(base).Sub(amountBase)
	g.available[quote] = g.free(quote).Add(amountBase.Mul(price))
	ord := g.newOrder(symbol, core.Sell, core.Market, price, amountBase)
	return ord, nil
}

func (g *Gateway) CancelOrder(_ context.Context, symbol, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	book, ok := g.open[symbol]
	if !ok {
		return fmt.Errorf("market %s: %w", symbol, core.ErrMarketNotFound)
	}
	ord, ok := book[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, core.ErrOrderNotFound)
	}
	base, quote := market.SplitSymbol(symbol)
	if ord.Side == core.Buy {
		g.unlock(quote, ord.Price.Mul(ord.Amount))
	} else {
		g.unlock(base, ord.Amount)
	}
	delete(book, orderID)
	return nil
}

func (g *Gateway) Balance(_ context.Context, asset string) (core.Balance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return core.Balance{Available: g.free(asset), Locked: g.lockedOf(asset)}, nil
}

func (g *Gateway) newOrder(symbol string, side core.Side, typ core.OrderType, price, amount decimal.Decimal) core.Order {
	g.seq++
	return core.Order{
		ID:        fmt.Sprintf("p-%d", g.seq),
		Market:    symbol,
		Side:      side,
		Type:      typ,
		Price:     price,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	}
}

func (g *Gateway) settleLimit(symbol string, ord *core.Order) {
	base, quote := market.SplitSymbol(symbol)
	notional := ord.Price.Mul(ord.Amount)
	if ord.Side == core.Buy {
		g.locked[quote] = g.lockedOf(quote).Sub(notional)
		g.available[base] = g.free(base).Add(ord.Amount)
	} else {
		g.locked[base] = g.lockedOf(base).Sub(ord.Amount)
		g.available[quote] = g.free(quote).Add(notional)
	}
}

func (g *Gateway) free(asset string) decimal.Decimal {
	return g.available[asset]
}

func (g *Gateway) lockedOf(asset string) decimal.Decimal {
	return g.locked[asset]
}

func (g *Gateway) lock(asset string, amount decimal.Decimal) error {
	if g.free(asset).Cmp(amount) < 0 {
		return fmt.Errorf("lock %s %s: %w", amount, asset, core.ErrInsufficientBalance)
	}
	g.available[asset] = g.free(asset).Sub(amount)
	g.locked[asset] = g.lockedOf(asset).Add(amount)
	return nil
}

func (g *Gateway) unlock(asset string, amount decimal.Decimal) {
	g.locked[asset] = g.lockedOf(asset).Sub(amount)
	g.available[asset] = g.free(asset).Add(amount)
}
