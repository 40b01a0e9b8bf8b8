package risk

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"position-manager/internal/core"
	"position-manager/internal/market"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeExecutor struct {
	placed    []core.Order
	canceled  []string
	balances  map[string]core.Balance
	nextID    int
	placeErr  error
	cancelErr error
}

func (f *fakeExecutor) PlaceLimitOrder(_ context.Context, symbol string, side core.Side, price, amount decimal.Decimal) (core.Order, error) {
	if f.placeErr != nil {
		return core.Order{}, f.placeErr
	}
	f.nextID++
	ord := core.Order{
		ID:     fmt.Sprintf("o-%d", f.nextID),
		Market: symbol,
		Side:   side,
		Type:   core.Limit,
		Price:  price,
		Amount: amount,
	}
	f.placed = append(f.placed, ord)
	return ord, nil
}

func (f *fakeExecutor) PlaceMarketSell(_ context.Context, symbol string, amountBase decimal.Decimal) (core.Order, error) {
	if f.placeErr != nil {
		return core.Order{}, f.placeErr
	}
	f.nextID++
	ord := core.Order{
		ID:     fmt.Sprintf("o-%d", f.nextID),
		Market: symbol,
		Side:   core.Sell,
		Type:   core.Market,
		Amount: amountBase,
	}
	f.placed = append(f.placed, ord)
	return ord, nil
}

func (f *fakeExecutor) CancelOrder(_ context.Context, _ string, orderID string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.canceled = append(f.canceled, orderID)
	return nil
}

func (f *fakeExecutor) Balance(_ context.Context, asset string) (core.Balance, error) {
	return f.balances[asset], nil
}

func testRules() core.Rules {
	return core.Rules{AmountPrecision: 4, PricePrecision: 2, MinAmount: dec("0.0001"), MinNotional: dec("5")}
}

func TestTriggerStopFiresOnEntryDrop(t *testing.T) {
	c := NewController(&fakeExecutor{})
	cfg := market.Config{Symbol: "BTC_USDT", StopLossPct: dec("2"), StopLossMode: market.StopTrigger}
	pos := market.Position{}
	c.Open(&pos, dec("100"))

	// Rally first; a trigger stop must not move with the peak.
	c.Observe(&pos, dec("110"))
	if c.Breached(cfg, pos, dec("99")) {
		t.Fatal("trigger stop fired above entry threshold")
	}
	if !c.Breached(cfg, pos, dec("98")) {
		t.Fatal("trigger stop missed breach at entry*(1-sl%)")
	}
}

func TestTrailingStopFollowsPeak(t *testing.T) {
	c := NewController(&fakeExecutor{})
	cfg := market.Config{Symbol: "BTC_USDT", StopLossPct: dec("2"), StopLossMode: market.StopTrailing}
	pos := market.Position{}
	c.Open(&pos, dec("100"))

	c.Observe(&pos, dec("110"))
	threshold, ok := c.StopThreshold(cfg, pos)
	if !ok || threshold.Cmp(dec("107.8")) != 0 {
		t.Fatalf("threshold = %s ok=%v, want 107.8", threshold, ok)
	}
	// Peak never moves down.
	c.Observe(&pos, dec("105"))
	if pos.Peak.Cmp(dec("110")) != 0 {
		t.Fatalf("peak = %s, want 110", pos.Peak)
	}
	if !c.Breached(cfg, pos, dec("107")) {
		t.Fatal("trailing stop missed breach below peak threshold")
	}
}

func TestStopUnsetWhenNoStopLoss(t *testing.T) {
	c := NewController(&fakeExecutor{})
	pos := market.Position{}
	c.Open(&pos, dec("100"))
	if _, ok := c.StopThreshold(market.Config{Symbol: "BTC_USDT"}, pos); ok {
		t.Fatal("stop threshold armed without stop-loss pct")
	}
	if c.Breached(market.Config{Symbol: "BTC_USDT"}, pos, dec("1")) {
		t.Fatal("breach reported without stop-loss pct")
	}
}

func TestExecuteStopFreezeKeepsHoldings(t *testing.T) {
	exec := &fakeExecutor{balances: map[string]core.Balance{"BTC": {Available: dec("0.5")}}}
	c := NewController(exec)
	reg := market.NewRegistry()
	if err := reg.Add("BTC_USDT", market.Config{StopLossPct: dec("2"), FreezeOnStop: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	cfg, _ := reg.Config("BTC_USDT")
	pos, _ := reg.Position("BTC_USDT")
	c.Open(pos, dec("100"))
	if err := reg.Track(market.TrackedOrder{ID: "tp-1", Market: "BTC_USDT", Role: core.RoleTakeProfit, Side: core.Sell}); err != nil {
		t.Fatalf("Track: %v", err)
	}

	action, err := c.ExecuteStop(context.Background(), reg, cfg, pos, testRules())
	if err != nil {
		t.Fatalf("ExecuteStop: %v", err)
	}
	if action != StopFroze {
		t.Fatalf("action = %s, want froze", action)
	}
	if pos.Status != market.PositionFrozen {
		t.Fatalf("status = %s, want frozen", pos.Status)
	}
	if len(exec.placed) != 0 {
		t.Fatalf("freeze placed orders: %+v", exec.placed)
	}
	if len(exec.canceled) != 1 || exec.canceled[0] != "tp-1" {
		t.Fatalf("canceled = %v, want [tp-1]", exec.canceled)
	}
	if reg.OrderCount("BTC_USDT") != 0 {
		t.Fatal("tracked orders survived stop")
	}
}

func TestExecuteStopLiquidatesFullBalance(t *testing.T) {
	exec := &fakeExecutor{balances: map[string]core.Balance{"BTC": {Available: dec("0.54321")}}}
	c := NewController(exec)
	reg := market.NewRegistry()
	if err := reg.Add("BTC_USDT", market.Config{StopLossPct: dec("2")}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	cfg, _ := reg.Config("BTC_USDT")
	pos, _ := reg.Position("BTC_USDT")
	c.Open(pos, dec("100"))

	action, err := c.ExecuteStop(context.Background(), reg, cfg, pos, testRules())
	if err != nil {
		t.Fatalf("ExecuteStop: %v", err)
	}
	if action != StopLiquidated {
		t.Fatalf("action = %s, want liquidated", action)
	}
	if pos.Status != market.PositionClosed {
		t.Fatalf("status = %s, want closed", pos.Status)
	}
	if pos.Entry.Cmp(decimal.Zero) != 0 || pos.Peak.Cmp(decimal.Zero) != 0 {
		t.Fatalf("entry/peak not reset: %s/%s", pos.Entry, pos.Peak)
	}
	if len(exec.placed) != 1 || exec.placed[0].Type != core.Market || exec.placed[0].Side != core.Sell {
		t.Fatalf("placed = %+v, want one market sell", exec.placed)
	}
	if exec.placed[0].Amount.Cmp(dec("0.5432")) != 0 {
		t.Fatalf("liquidation amount = %s, want 0.5432 (step aligned)", exec.placed[0].Amount)
	}
}

func TestArmTakeProfitTracksOrder(t *testing.T) {
	exec := &fakeExecutor{}
	c := NewController(exec)
	reg := market.NewRegistry()
	if err := reg.Add("BTC_USDT", market.Config{TakeProfitPct: dec("1.5")}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	cfg, _ := reg.Config("BTC_USDT")
	pos, _ := reg.Position("BTC_USDT")
	c.Open(pos, dec("100"))

	ord, placed, err := c.ArmTakeProfit(context.Background(), reg, cfg, pos, testRules(), dec("0.5"))
	if err != nil || !placed {
		t.Fatalf("ArmTakeProfit placed=%v err=%v", placed, err)
	}
	if ord.Price.Cmp(dec("101.5")) != 0 {
		t.Fatalf("tp price = %s, want 101.5", ord.Price)
	}
	orders := reg.Orders("BTC_USDT")
	if len(orders) != 1 || orders[0].Role != core.RoleTakeProfit {
		t.Fatalf("tracked = %+v, want one take_profit", orders)
	}
}

func TestArmTakeProfitNoopWhenUnset(t *testing.T) {
	exec := &fakeExecutor{}
	c := NewController(exec)
	reg := market.NewRegistry()
	if err := reg.Add("BTC_USDT", market.Config{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	cfg, _ := reg.Config("BTC_USDT")
	pos, _ := reg.Position("BTC_USDT")
	c.Open(pos, dec("100"))

	_, placed, err := c.ArmTakeProfit(context.Background(), reg, cfg, pos, testRules(), dec("0.5"))
	if err != nil || placed {
		t.Fatalf("ArmTakeProfit placed=%v err=%v, want noop", placed, err)
	}
	if len(exec.placed) != 0 {
		t.Fatalf("orders placed without tp pct: %+v", exec.placed)
	}
}

func TestReplaceTakeProfitSwapsRestingOrder(t *testing.T) {
	exec := &fakeExecutor{}
	c := NewController(exec)
	reg := market.NewRegistry()
	if err := reg.Add("BTC_USDT", market.Config{TakeProfitPct: dec("1.5")}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	cfg, _ := reg.Config("BTC_USDT")
	pos, _ := reg.Position("BTC_USDT")
	c.Open(pos, dec("100"))
	if _, _, err := c.ArmTakeProfit(context.Background(), reg, cfg, pos, testRules(), dec("0.5")); err != nil {
		t.Fatalf("ArmTakeProfit: %v", err)
	}
	oldID := reg.Orders("BTC_USDT")[0].ID

	ord, placed, err := c.ReplaceTakeProfit(context.Background(), reg, cfg, testRules(), dec("102.5"), dec("0.5"))
	if err != nil || !placed {
		t.Fatalf("ReplaceTakeProfit placed=%v err=%v", placed, err)
	}
	if ord.Price.Cmp(dec("102.5")) != 0 {
		t.Fatalf("new tp price = %s, want 102.5", ord.Price)
	}
	if len(exec.canceled) != 1 || exec.canceled[0] != oldID {
		t.Fatalf("canceled = %v, want [%s]", exec.canceled, oldID)
	}
	orders := reg.Orders("BTC_USDT")
	if len(orders) != 1 || orders[0].ID == oldID {
		t.Fatalf("tracked after replace = %+v", orders)
	}
}

func TestReopenFromHoldings(t *testing.T) {
	exec := &fakeExecutor{}
	c := NewController(exec)
	reg := market.NewRegistry()
	if err := reg.Add("BTC_USDT", market.Config{TakeProfitPct: dec("1.5"), FreezeOnStop: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	cfg, _ := reg.Config("BTC_USDT")
	pos, _ := reg.Position("BTC_USDT")
	pos.Status = market.PositionFrozen
	pos.Entry = dec("120")
	pos.Peak = dec("130")

	if err := c.ReopenFromHoldings(context.Background(), reg, cfg, pos, testRules(), dec("100"), dec("0.5")); err != nil {
		t.Fatalf("ReopenFromHoldings: %v", err)
	}
	if pos.Status != market.PositionOpen {
		t.Fatalf("status = %s, want open", pos.Status)
	}
	if pos.Entry.Cmp(dec("100")) != 0 || pos.Peak.Cmp(dec("100")) != 0 {
		t.Fatalf("entry/peak = %s/%s, want fresh 100/100", pos.Entry, pos.Peak)
	}
	if reg.OrderCount("BTC_USDT") != 1 {
		t.Fatal("take-profit not re-armed")
	}
}
