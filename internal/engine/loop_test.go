package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"position-manager/internal/config"
	"position-manager/internal/core"
	"position-manager/internal/exchange/paper"
	"position-manager/internal/market"
	"position-manager/internal/risk"
	"position-manager/internal/safety"
	"position-manager/internal/scalp"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type runnerFixture struct {
	runner  *Runner
	gateway *paper.Gateway
}

func newFixture(t *testing.T, mcfg market.Config, trendCfg safety.TrendConfig) *runnerFixture {
	t.Helper()
	gw := paper.NewGateway()
	gw.SetRules("BTC_USDT", core.Rules{
		AmountPrecision: 4,
		PricePrecision:  2,
		MinAmount:       dec("0.0001"),
		MinNotional:     dec("1"),
	})
	gw.SeedBalance("USDT", dec("1000"))
	gw.SetPrice("BTC_USDT", dec("100"))

	reg := market.NewRegistry()
	if err := reg.Add("BTC_USDT", mcfg); err != nil {
		t.Fatalf("Add: %v", err)
	}

	cfg := config.Config{
		Mode:  config.ModePaper,
		Retry: config.RetryConfig{Attempts: 1, BackoffMs: 1},
	}
	if trendCfg.Window == 0 {
		trendCfg = safety.TrendConfig{
			Window:           time.Hour,
			DownThresholdPct: dec("90"),
			UpThresholdPct:   dec("90"),
		}
	}
	r := NewRunner(Deps{
		Config:   cfg,
		Gateway:  gw,
		Registry: reg,
		Gate: safety.NewGate(safety.GateConfig{
			MaxSpreadPct:         dec("50"),
			PriceWindowPct:       dec("50"),
			PriceWindow:          time.Hour,
			PauseAfterStop:       time.Hour,
			ProfitLockTriggerPct: dec("1000"),
			ProfitLockGapPct:     dec("1"),
		}),
		Trend:   safety.NewTrendDetector(trendCfg),
		Breaker: safety.NewTradeBreaker(5, time.Minute),
		Risk:    risk.NewController(gw),
		Scalp:   scalp.NewEngine(gw, 0),
	})
	return &runnerFixture{runner: r, gateway: gw}
}

func baseMarketConfig() market.Config {
	return market.Config{
		TakeProfitPct: dec("2"),
		StopLossPct:   dec("5"),
		StopLossMode:  market.StopTrigger,
		QuoteBudget:   dec("100"),
		FreezeOnStop:  true,
		AutoTrade:     true,
		Mode:          market.ModeAuto,
	}
}

func ordersByRole(reg *market.Registry, symbol string) map[core.OrderRole]int {
	out := make(map[core.OrderRole]int)
	for _, ord := range reg.Orders(symbol) {
		out[ord.Role]++
	}
	return out
}

func TestEntryOpensPositionAndArmsProtection(t *testing.T) {
	fx := newFixture(t, baseMarketConfig(), safety.TrendConfig{})
	ctx := context.Background()

	if err := fx.runner.reconcile(ctx, "BTC_USDT"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	reg := fx.runner.Registry()
	pos, _ := reg.Position("BTC_USDT")
	if pos.Status != market.PositionOpen {
		t.Fatalf("status = %s, want open", pos.Status)
	}
	if !pos.Entry.Equal(dec("100")) {
		t.Fatalf("entry = %s, want 100", pos.Entry)
	}
	roles := ordersByRole(reg, "BTC_USDT")
	if roles[core.RoleTakeProfit] != 1 || len(roles) != 1 {
		t.Fatalf("tracked roles = %v, want exactly one take-profit", roles)
	}

	// Take-profit must rest 2% above entry.
	for _, ord := range reg.Orders("BTC_USDT") {
		if ord.Role == core.RoleTakeProfit && !ord.Price.Equal(dec("102")) {
			t.Fatalf("take-profit price = %s, want 102", ord.Price)
		}
	}
}

func TestScalpEntrySeedsGridInsteadOfBuying(t *testing.T) {
	mcfg := baseMarketConfig()
	mcfg.ScalpEnabled = true
	mcfg.ScalpTickPct = dec("1")
	mcfg.ScalpLevels = 2
	fx := newFixture(t, mcfg, safety.TrendConfig{})
	ctx := context.Background()

	if err := fx.runner.reconcile(ctx, "BTC_USDT"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	reg := fx.runner.Registry()
	pos, _ := reg.Position("BTC_USDT")
	if pos.Status != market.PositionNone {
		t.Fatalf("status = %s, want none: the ladder is the entry", pos.Status)
	}
	roles := ordersByRole(reg, "BTC_USDT")
	if roles[core.RoleScalpBuy] != 2 || roles[core.RoleTakeProfit] != 0 {
		t.Fatalf("tracked roles = %v, want only 2 scalp buys", roles)
	}

	// The budget is committed once, through the ladder. A market buy on top
	// would spend it a second time.
	quote, _ := fx.gateway.Balance(ctx, "USDT")
	if !quote.Available.Add(quote.Locked).Equal(dec("1000")) {
		t.Fatalf("quote spent outside resting orders: available=%s locked=%s",
			quote.Available, quote.Locked)
	}
	if quote.Locked.Cmp(dec("100")) > 0 {
		t.Fatalf("quote committed = %s, want at most the 100 budget", quote.Locked)
	}
}

func TestReconcileIsIdempotentWithoutFills(t *testing.T) {
	mcfg := baseMarketConfig()
	mcfg.ScalpEnabled = true
	mcfg.ScalpTickPct = dec("1")
	mcfg.ScalpLevels = 2
	fx := newFixture(t, mcfg, safety.TrendConfig{})
	ctx := context.Background()

	if err := fx.runner.reconcile(ctx, "BTC_USDT"); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	before := fx.runner.Registry().OrderCount("BTC_USDT")
	for i := 0; i < 3; i++ {
		if err := fx.runner.reconcile(ctx, "BTC_USDT"); err != nil {
			t.Fatalf("reconcile %d: %v", i, err)
		}
	}
	if after := fx.runner.Registry().OrderCount("BTC_USDT"); after != before {
		t.Fatalf("order count drifted %d -> %d across idle cycles", before, after)
	}
}

func TestScalpFillMirrorsOneTickUp(t *testing.T) {
	mcfg := baseMarketConfig()
	mcfg.ScalpEnabled = true
	mcfg.ScalpTickPct = dec("1")
	mcfg.ScalpLevels = 2
	fx := newFixture(t, mcfg, safety.TrendConfig{})
	ctx := context.Background()

	if err := fx.runner.reconcile(ctx, "BTC_USDT"); err != nil {
		t.Fatalf("entry reconcile: %v", err)
	}
	fx.gateway.SetPrice("BTC_USDT", dec("99"))
	if err := fx.runner.reconcile(ctx, "BTC_USDT"); err != nil {
		t.Fatalf("fill reconcile: %v", err)
	}

	reg := fx.runner.Registry()
	roles := ordersByRole(reg, "BTC_USDT")
	if roles[core.RoleScalpSell] != 1 || roles[core.RoleScalpBuy] != 1 {
		t.Fatalf("tracked roles = %v, want one scalp sell mirror and one remaining buy", roles)
	}
	for _, ord := range reg.Orders("BTC_USDT") {
		if ord.Role == core.RoleScalpSell && !ord.Price.Equal(dec("99.99")) {
			t.Fatalf("mirror sell price = %s, want 99.99", ord.Price)
		}
	}
}

func TestTakeProfitFillClosesAndArmsRebuy(t *testing.T) {
	mcfg := baseMarketConfig()
	mcfg.RebuyPct = dec("1")
	fx := newFixture(t, mcfg, safety.TrendConfig{})
	ctx := context.Background()

	if err := fx.runner.reconcile(ctx, "BTC_USDT"); err != nil {
		t.Fatalf("entry reconcile: %v", err)
	}
	fx.gateway.SetPrice("BTC_USDT", dec("102"))
	if err := fx.runner.reconcile(ctx, "BTC_USDT"); err != nil {
		t.Fatalf("fill reconcile: %v", err)
	}

	reg := fx.runner.Registry()
	pos, _ := reg.Position("BTC_USDT")
	if pos.Status != market.PositionClosed {
		t.Fatalf("status = %s, want closed after take-profit", pos.Status)
	}
	orders := reg.Orders("BTC_USDT")
	if len(orders) != 1 || orders[0].Role != core.RoleRebuy {
		t.Fatalf("orders = %+v, want exactly one rebuy", orders)
	}
	if !orders[0].Price.Equal(dec("100.98")) {
		t.Fatalf("rebuy price = %s, want 100.98 (1%% below exit)", orders[0].Price)
	}
}

func TestRebuyFillReopensPosition(t *testing.T) {
	mcfg := baseMarketConfig()
	mcfg.RebuyPct = dec("1")
	fx := newFixture(t, mcfg, safety.TrendConfig{})
	ctx := context.Background()

	if err := fx.runner.reconcile(ctx, "BTC_USDT"); err != nil {
		t.Fatalf("entry reconcile: %v", err)
	}
	fx.gateway.SetPrice("BTC_USDT", dec("102"))
	if err := fx.runner.reconcile(ctx, "BTC_USDT"); err != nil {
		t.Fatalf("exit reconcile: %v", err)
	}
	fx.gateway.SetPrice("BTC_USDT", dec("100.98"))
	if err := fx.runner.reconcile(ctx, "BTC_USDT"); err != nil {
		t.Fatalf("rebuy reconcile: %v", err)
	}

	reg := fx.runner.Registry()
	pos, _ := reg.Position("BTC_USDT")
	if pos.Status != market.PositionOpen {
		t.Fatalf("status = %s, want open after rebuy fill", pos.Status)
	}
	if !pos.Entry.Equal(dec("100.98")) {
		t.Fatalf("entry = %s, want 100.98", pos.Entry)
	}
	roles := ordersByRole(reg, "BTC_USDT")
	if roles[core.RoleTakeProfit] != 1 {
		t.Fatalf("tracked roles = %v, want a fresh take-profit", roles)
	}
}

func TestStopFreezesAndCancelsEverything(t *testing.T) {
	fx := newFixture(t, baseMarketConfig(), safety.TrendConfig{})
	ctx := context.Background()

	if err := fx.runner.reconcile(ctx, "BTC_USDT"); err != nil {
		t.Fatalf("entry reconcile: %v", err)
	}
	fx.gateway.SetPrice("BTC_USDT", dec("94"))
	if err := fx.runner.reconcile(ctx, "BTC_USDT"); err != nil {
		t.Fatalf("stop reconcile: %v", err)
	}

	reg := fx.runner.Registry()
	pos, _ := reg.Position("BTC_USDT")
	if pos.Status != market.PositionFrozen {
		t.Fatalf("status = %s, want frozen", pos.Status)
	}
	if reg.OrderCount("BTC_USDT") != 0 {
		t.Fatalf("orders remain after stop: %+v", reg.Orders("BTC_USDT"))
	}
	bal, _ := fx.gateway.Balance(ctx, "BTC")
	if !bal.Available.Equal(dec("1")) || !bal.Locked.IsZero() {
		t.Fatalf("holdings after freeze = %s/%s, want 1/0", bal.Available, bal.Locked)
	}

	// Frozen markets do nothing while the trend stays non-up.
	if err := fx.runner.reconcile(ctx, "BTC_USDT"); err != nil {
		t.Fatalf("frozen reconcile: %v", err)
	}
	if reg.OrderCount("BTC_USDT") != 0 {
		t.Fatal("frozen market placed orders")
	}
}

func TestStopLiquidatesWhenFreezeDisabled(t *testing.T) {
	mcfg := baseMarketConfig()
	mcfg.FreezeOnStop = false
	fx := newFixture(t, mcfg, safety.TrendConfig{})
	ctx := context.Background()

	if err := fx.runner.reconcile(ctx, "BTC_USDT"); err != nil {
		t.Fatalf("entry reconcile: %v", err)
	}
	fx.gateway.SetPrice("BTC_USDT", dec("94"))
	if err := fx.runner.reconcile(ctx, "BTC_USDT"); err != nil {
		t.Fatalf("stop reconcile: %v", err)
	}

	pos, _ := fx.runner.Registry().Position("BTC_USDT")
	if pos.Status != market.PositionClosed {
		t.Fatalf("status = %s, want closed", pos.Status)
	}
	base, _ := fx.gateway.Balance(ctx, "BTC")
	if !base.Available.IsZero() {
		t.Fatalf("base not liquidated: %s", base.Available)
	}
	// 1000 - 100 entry + 94 liquidation proceeds.
	quote, _ := fx.gateway.Balance(ctx, "USDT")
	if !quote.Available.Equal(dec("994")) {
		t.Fatalf("quote after liquidation = %s, want 994", quote.Available)
	}
}

func TestStopWinsOverSimultaneousTakeProfitFill(t *testing.T) {
	mcfg := baseMarketConfig()
	mcfg.RebuyPct = dec("1")
	fx := newFixture(t, mcfg, safety.TrendConfig{})
	ctx := context.Background()

	if err := fx.runner.reconcile(ctx, "BTC_USDT"); err != nil {
		t.Fatalf("entry reconcile: %v", err)
	}
	// The take-profit fills on the exchange, but by the time the cycle runs
	// the price has crashed through the stop threshold.
	fx.gateway.SetPrice("BTC_USDT", dec("102"))
	fx.gateway.SetPrice("BTC_USDT", dec("94"))
	if err := fx.runner.reconcile(ctx, "BTC_USDT"); err != nil {
		t.Fatalf("stop reconcile: %v", err)
	}

	reg := fx.runner.Registry()
	pos, _ := reg.Position("BTC_USDT")
	if pos.Status != market.PositionFrozen {
		t.Fatalf("status = %s, want frozen: the stop outranks the fill", pos.Status)
	}
	if n := reg.OrderCount("BTC_USDT"); n != 0 {
		t.Fatalf("%d orders tracked after stop", n)
	}
	open, err := fx.gateway.OpenOrders(ctx, "BTC_USDT")
	if err != nil {
		t.Fatalf("OpenOrders: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("rebuy placed despite the stop: %+v", open)
	}
}

func mustTrack(t *testing.T, reg *market.Registry, ord market.TrackedOrder) {
	t.Helper()
	if err := reg.Track(ord); err != nil {
		t.Fatalf("Track: %v", err)
	}
}

func TestTakeProfitFillSkipsAlreadyCancelledSibling(t *testing.T) {
	mcfg := baseMarketConfig()
	mcfg.ScalpEnabled = true
	mcfg.ScalpTickPct = dec("1")
	mcfg.ScalpLevels = 2
	mcfg.AutoTrade = false
	fx := newFixture(t, mcfg, safety.TrendConfig{})
	ctx := context.Background()

	reg := fx.runner.Registry()
	pos, _ := reg.Position("BTC_USDT")
	pos.Status = market.PositionOpen
	pos.Entry = dec("100")
	pos.Peak = dec("100")
	// Both orders vanished from the book in the same cycle. The take-profit
	// is older, dispatches first and cancels its siblings; the scalp buy in
	// the stale snapshot must not spawn a mirror afterwards.
	now := time.Now().UTC()
	mustTrack(t, reg, market.TrackedOrder{
		ID: "501", Market: "BTC_USDT", Role: core.RoleTakeProfit,
		Side: core.Sell, Price: dec("102"), Amount: dec("1"), CreatedAt: now,
	})
	mustTrack(t, reg, market.TrackedOrder{
		ID: "502", Market: "BTC_USDT", Role: core.RoleScalpBuy,
		Side: core.Buy, Price: dec("99"), Amount: dec("0.5"), CreatedAt: now.Add(time.Second),
	})

	if err := fx.runner.reconcile(ctx, "BTC_USDT"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if pos.Status != market.PositionClosed {
		t.Fatalf("status = %s, want closed", pos.Status)
	}
	roles := ordersByRole(reg, "BTC_USDT")
	if roles[core.RoleScalpSell] != 0 {
		t.Fatalf("tracked roles = %v, want no mirror after the position closed", roles)
	}
	if n := reg.OrderCount("BTC_USDT"); n != 0 {
		t.Fatalf("%d orders tracked after close", n)
	}
}

func TestUptrendUnfreezesFromHoldings(t *testing.T) {
	fx := newFixture(t, baseMarketConfig(), safety.TrendConfig{
		Window:           time.Hour,
		DownThresholdPct: dec("90"),
		UpThresholdPct:   dec("1"),
	})
	ctx := context.Background()

	if err := fx.runner.reconcile(ctx, "BTC_USDT"); err != nil {
		t.Fatalf("entry reconcile: %v", err)
	}
	fx.gateway.SetPrice("BTC_USDT", dec("94"))
	if err := fx.runner.reconcile(ctx, "BTC_USDT"); err != nil {
		t.Fatalf("stop reconcile: %v", err)
	}
	fx.gateway.SetPrice("BTC_USDT", dec("102"))
	if err := fx.runner.reconcile(ctx, "BTC_USDT"); err != nil {
		t.Fatalf("unfreeze reconcile: %v", err)
	}

	reg := fx.runner.Registry()
	pos, _ := reg.Position("BTC_USDT")
	if pos.Status != market.PositionOpen {
		t.Fatalf("status = %s, want reopened", pos.Status)
	}
	if !pos.Entry.Equal(dec("102")) {
		t.Fatalf("entry = %s, want rebased to 102", pos.Entry)
	}
	roles := ordersByRole(reg, "BTC_USDT")
	if roles[core.RoleTakeProfit] != 1 {
		t.Fatalf("tracked roles = %v, want re-armed take-profit", roles)
	}
}

func TestPausedRunnerPlacesNoEntries(t *testing.T) {
	fx := newFixture(t, baseMarketConfig(), safety.TrendConfig{})
	fx.runner.SetPaused(true)
	ctx := context.Background()

	if err := fx.runner.reconcile(ctx, "BTC_USDT"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	pos, _ := fx.runner.Registry().Position("BTC_USDT")
	if pos.Status != market.PositionNone {
		t.Fatalf("status = %s, want none while paused", pos.Status)
	}
	if n := fx.runner.Registry().OrderCount("BTC_USDT"); n != 0 {
		t.Fatalf("orders placed while paused: %d", n)
	}
}

func TestManualModeNeverAutoEnters(t *testing.T) {
	mcfg := baseMarketConfig()
	mcfg.Mode = market.ModeManual
	fx := newFixture(t, mcfg, safety.TrendConfig{})
	ctx := context.Background()

	if err := fx.runner.reconcile(ctx, "BTC_USDT"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n := fx.runner.Registry().OrderCount("BTC_USDT"); n != 0 {
		t.Fatalf("manual-mode market placed %d orders", n)
	}
}
