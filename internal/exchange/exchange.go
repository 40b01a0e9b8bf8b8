package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"position-manager/internal/core"
)

// Gateway is the exchange surface the engine trades through. Market buys
// spend quote currency, market sells spend base currency; limit orders carry
// both price and base amount.
type Gateway interface {
	Name() string
	MarketRules(ctx context.Context, symbol string) (core.Rules, error)
	Ticker(ctx context.Context, symbol string) (core.Ticker, error)
	OpenOrders(ctx context.Context, symbol string) ([]core.Order, error)
	PlaceLimitOrder(ctx context.Context, symbol string, side core.Side, price, amount decimal.Decimal) (core.Order, error)
	PlaceMarketBuy(ctx context.Context, symbol string, quoteSpend decimal.Decimal) (core.Order, error)
	PlaceMarketSell(ctx context.Context, symbol string, amountBase decimal.Decimal) (core.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	Balance(ctx context.Context, asset string) (core.Balance, error)
}
