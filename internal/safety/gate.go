package safety

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"position-manager/internal/core"
)

var oneHundred = decimal.NewFromInt(100)

// GateConfig tunes the advisory entry checks. Percentages are plain percents.
type GateConfig struct {
	MaxSpreadPct         decimal.Decimal
	PriceWindowPct       decimal.Decimal
	PriceWindow          time.Duration
	PauseAfterStop       time.Duration
	ProfitLockTriggerPct decimal.Decimal
	ProfitLockGapPct     decimal.Decimal
}

type pricePoint struct {
	at    time.Time
	price decimal.Decimal
}

type gateState struct {
	window     []pricePoint
	pauseUntil time.Time
	avgEntry   decimal.Decimal
	heldBase   decimal.Decimal
}

// Gate blocks new entries when recent price action or a prior stop makes them
// unattractive. It is advisory: it never places or cancels orders itself.
type Gate struct {
	cfg    GateConfig
	states map[string]*gateState
	now    func() time.Time
}

func NewGate(cfg GateConfig) *Gate {
	return &Gate{
		cfg:    cfg,
		states: make(map[string]*gateState),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (g *Gate) state(market string) *gateState {
	st, ok := g.states[market]
	if !ok {
		st = &gateState{}
		g.states[market] = st
	}
	return st
}

// ObservePrice appends a price sample to the market's window and drops
// samples older than the configured span.
func (g *Gate) ObservePrice(market string, price decimal.Decimal) {
	if price.Cmp(decimal.Zero) <= 0 {
		return
	}
	st := g.state(market)
	now := g.now()
	st.window = append(st.window, pricePoint{at: now, price: price})
	cutoff := now.Add(-g.cfg.PriceWindow)
	i := 0
	for i < len(st.window) && st.window[i].at.Before(cutoff) {
		i++
	}
	st.window = st.window[i:]
}

// BlockEntryReason reports why a new entry must not be placed right now, or
// "" when entries are allowed. A drop beyond the window threshold also arms
// the fixed-duration trading pause.
func (g *Gate) BlockEntryReason(market string, price, spreadPct decimal.Decimal) string {
	st := g.state(market)
	now := g.now()
	if now.Before(st.pauseUntil) {
		return fmt.Sprintf("paused until %s", st.pauseUntil.Format(time.RFC3339))
	}
	if g.cfg.MaxSpreadPct.Cmp(decimal.Zero) > 0 && spreadPct.Cmp(g.cfg.MaxSpreadPct) > 0 {
		return fmt.Sprintf("spread %s%% above ceiling %s%%", spreadPct, g.cfg.MaxSpreadPct)
	}
	if high := st.windowHigh(); high.Cmp(decimal.Zero) > 0 && price.Cmp(decimal.Zero) > 0 {
		dropPct := high.Sub(price).Div(high).Mul(oneHundred)
		if dropPct.Cmp(g.cfg.PriceWindowPct) > 0 {
			st.pauseUntil = now.Add(g.cfg.PauseAfterStop)
			return fmt.Sprintf("price dropped %s%% within window", dropPct.Round(2))
		}
	}
	return ""
}

func (st *gateState) windowHigh() decimal.Decimal {
	high := decimal.Zero
	for _, p := range st.window {
		if p.price.Cmp(high) > 0 {
			high = p.price
		}
	}
	return high
}

// ArmPause blocks entries for the configured pause duration, used after a
// stop response.
func (g *Gate) ArmPause(market string) {
	g.state(market).pauseUntil = g.now().Add(g.cfg.PauseAfterStop)
}

func (g *Gate) ClearPause(market string) {
	g.state(market).pauseUntil = time.Time{}
}

func (g *Gate) PausedUntil(market string) (time.Time, bool) {
	st := g.state(market)
	if g.now().Before(st.pauseUntil) {
		return st.pauseUntil, true
	}
	return time.Time{}, false
}

// RecordFill maintains the average entry price and held base quantity. Buys
// blend into the average; sells reduce held quantity and reset the books once
// the position is fully unwound.
func (g *Gate) RecordFill(market string, side core.Side, price, amount decimal.Decimal) {
	if amount.Cmp(decimal.Zero) <= 0 || price.Cmp(decimal.Zero) <= 0 {
		return
	}
	st := g.state(market)
	switch side {
	case core.Buy:
		total := st.heldBase.Add(amount)
		cost := st.avgEntry.Mul(st.heldBase).Add(price.Mul(amount))
		st.avgEntry = cost.Div(total)
		st.heldBase = total
	case core.Sell:
		st.heldBase = st.heldBase.Sub(amount)
		if st.heldBase.Cmp(decimal.Zero) <= 0 {
			st.heldBase = decimal.Zero
			st.avgEntry = decimal.Zero
		}
	}
}

func (g *Gate) AverageEntry(market string) decimal.Decimal {
	return g.state(market).avgEntry
}

func (g *Gate) HeldBase(market string) decimal.Decimal {
	return g.state(market).heldBase
}

// ProfitLockTarget proposes a tighter take-profit price once unrealized gain
// from the average entry exceeds the trigger threshold: the new target sits a
// fixed gap below the current price. Returns false when no adjustment is due.
func (g *Gate) ProfitLockTarget(market string, price decimal.Decimal) (decimal.Decimal, bool) {
	st := g.state(market)
	if st.avgEntry.Cmp(decimal.Zero) <= 0 || st.heldBase.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, false
	}
	gainPct := price.Sub(st.avgEntry).Div(st.avgEntry).Mul(oneHundred)
	if gainPct.Cmp(g.cfg.ProfitLockTriggerPct) < 0 {
		return decimal.Zero, false
	}
	gap := decimal.NewFromInt(1).Sub(g.cfg.ProfitLockGapPct.Div(oneHundred))
	target := price.Mul(gap)
	if target.Cmp(st.avgEntry) <= 0 {
		return decimal.Zero, false
	}
	return target, true
}

// Forget drops all gate state for a removed market.
func (g *Gate) Forget(market string) {
	delete(g.states, market)
}
