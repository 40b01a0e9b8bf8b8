package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

// OrderRole records why the bot placed an order, so a fill can be routed to
// the right handler during reconciliation.
type OrderRole string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

const (
	Limit  OrderType = "limit"
	Market OrderType = "market"
)

const (
	RoleTakeProfit OrderRole = "take_profit"
	RoleRebuy      OrderRole = "rebuy"
	RoleScalpBuy   OrderRole = "scalp_buy"
	RoleScalpSell  OrderRole = "scalp_sell"
)

type Order struct {
	ID        string
	ClientID  string
	Market    string
	Side      Side
	Type      OrderType
	Role      OrderRole
	Price     decimal.Decimal
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// Rules is the immutable trading-rule snapshot for one market, refreshed from
// the exchange at startup.
type Rules struct {
	AmountPrecision int32           `json:"amount_precision"`
	PricePrecision  int32           `json:"price_precision"`
	MinAmount       decimal.Decimal `json:"min_amount"`
	MinNotional     decimal.Decimal `json:"min_notional"`
}

func (r Rules) AmountStep() decimal.Decimal {
	return stepForPrecision(r.AmountPrecision)
}

func (r Rules) PriceStep() decimal.Decimal {
	return stepForPrecision(r.PricePrecision)
}

type Balance struct {
	Available decimal.Decimal
	Locked    decimal.Decimal
}

func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

type Ticker struct {
	Market string
	Last   decimal.Decimal
	Bid    decimal.Decimal
	Ask    decimal.Decimal
}

// SpreadPct returns the bid/ask spread as a percentage of the mid price, or
// zero when the book sides are unknown.
func (t Ticker) SpreadPct() decimal.Decimal {
	if t.Bid.Cmp(decimal.Zero) <= 0 || t.Ask.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	if t.Ask.Cmp(t.Bid) <= 0 {
		return decimal.Zero
	}
	mid := t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
	return t.Ask.Sub(t.Bid).Div(mid).Mul(decimal.NewFromInt(100))
}
