package paper

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"position-manager/internal/core"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func setup() *Gateway {
	g := NewGateway()
	g.SetRules("BTC_USDT", core.Rules{AmountPrecision: 4, PricePrecision: 2})
	g.SeedBalance("USDT", dec("1000"))
	g.SetPrice("BTC_USDT", dec("100"))
	return g
}

func TestLimitBuyLocksQuoteAndFillsOnCross(t *testing.T) {
	g := setup()
	ctx := context.Background()

	ord, err := g.PlaceLimitOrder(ctx, "BTC_USDT", core.Buy, dec("95"), dec("2"))
	if err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}
	bal, _ := g.Balance(ctx, "USDT")
	if bal.Available.Cmp(dec("810")) != 0 || bal.Locked.Cmp(dec("190")) != 0 {
		t.Fatalf("quote balance = %s/%s, want 810/190", bal.Available, bal.Locked)
	}

	if filled := g.SetPrice("BTC_USDT", dec("96")); len(filled) != 0 {
		t.Fatalf("filled above limit price: %+v", filled)
	}
	filled := g.SetPrice("BTC_USDT", dec("95"))
	if len(filled) != 1 || filled[0].ID != ord.ID {
		t.Fatalf("filled = %+v, want [%s]", filled, ord.ID)
	}
	base, _ := g.Balance(ctx, "BTC")
	if base.Available.Cmp(dec("2")) != 0 {
		t.Fatalf("base after fill = %s, want 2", base.Available)
	}
	quote, _ := g.Balance(ctx, "USDT")
	if quote.Locked.Cmp(decimal.Zero) != 0 {
		t.Fatalf("quote still locked after fill: %s", quote.Locked)
	}
	open, _ := g.OpenOrders(ctx, "BTC_USDT")
	if len(open) != 0 {
		t.Fatalf("order still open after fill: %+v", open)
	}
}

func TestCancelReleasesLock(t *testing.T) {
	g := setup()
	ctx := context.Background()
	ord, err := g.PlaceLimitOrder(ctx, "BTC_USDT", core.Buy, dec("95"), dec("2"))
	if err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}
	if err := g.CancelOrder(ctx, "BTC_USDT", ord.ID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	bal, _ := g.Balance(ctx, "USDT")
	if bal.Available.Cmp(dec("1000")) != 0 || bal.Locked.Cmp(decimal.Zero) != 0 {
		t.Fatalf("balance after cancel = %s/%s, want 1000/0", bal.Available, bal.Locked)
	}
	if err := g.CancelOrder(ctx, "BTC_USDT", ord.ID); !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("second cancel err = %v, want ErrOrderNotFound", err)
	}
}

func TestMarketBuyAndSellRoundTrip(t *testing.T) {
	g := setup()
	ctx := context.Background()

	buy, err := g.PlaceMarketBuy(ctx, "BTC_USDT", dec("200"))
	if err != nil {
		t.Fatalf("PlaceMarketBuy: %v", err)
	}
	if buy.Amount.Cmp(dec("2")) != 0 {
		t.Fatalf("bought %s base, want 2 at price 100", buy.Amount)
	}
	base, _ := g.Balance(ctx, "BTC")
	if base.Available.Cmp(dec("2")) != 0 {
		t.Fatalf("base = %s, want 2", base.Available)
	}

	if _, err := g.PlaceMarketSell(ctx, "BTC_USDT", dec("3")); !errors.Is(err, core.ErrInsufficientBalance) {
		t.Fatalf("oversell err = %v, want ErrInsufficientBalance", err)
	}
	if _, err := g.PlaceMarketSell(ctx, "BTC_USDT", dec("2")); err != nil {
		t.Fatalf("PlaceMarketSell: %v", err)
	}
	quote, _ := g.Balance(ctx, "USDT")
	if quote.Available.Cmp(dec("1000")) != 0 {
		t.Fatalf("quote after round trip = %s, want 1000", quote.Available)
	}
}

func TestInsufficientQuoteRejectsLimit(t *testing.T) {
	g := setup()
	_, err := g.PlaceLimitOrder(context.Background(), "BTC_USDT", core.Buy, dec("100"), dec("11"))
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
}

func TestUnknownMarket(t *testing.T) {
	g := setup()
	if _, err := g.Ticker(context.Background(), "ETH_USDT"); !errors.Is(err, core.ErrMarketNotFound) {
		t.Fatalf("err = %v, want ErrMarketNotFound", err)
	}
}
