package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"position-manager/internal/config"
	"position-manager/internal/core"
	"position-manager/internal/exchange"
	"position-manager/internal/market"
	"position-manager/internal/metrics"
)

// The methods below form the command surface: they mutate registry state and
// must only be called from a Command running on the runner goroutine.

func (r *Runner) Registry() *market.Registry { return r.deps.Registry }

func (r *Runner) Gateway() exchange.Gateway { return r.deps.Gateway }

func (r *Runner) Paused() bool { return r.paused }

// SetPaused halts or resumes new entries globally. Stops, fills and cancels
// keep running while paused so open positions stay protected.
func (r *Runner) SetPaused(paused bool) {
	r.paused = paused
}

// DefaultMarketConfig converts the YAML per-market defaults into the config
// a newly added market starts with.
func DefaultMarketConfig(d config.MarketDefaults) market.Config {
	freeze := true
	if d.FreezeOnStop != nil {
		freeze = *d.FreezeOnStop
	}
	return market.Config{
		TakeProfitPct: d.TakeProfitPct.Decimal,
		StopLossPct:   d.StopLossPct.Decimal,
		StopLossMode:  market.StopLossMode(d.StopLossMode),
		QuoteBudget:   d.QuoteBudget.Decimal,
		RebuyPct:      d.RebuyPct.Decimal,
		ScalpEnabled:  d.ScalpEnabled,
		ScalpTickPct:  d.ScalpTickPct.Decimal,
		ScalpLevels:   d.ScalpLevels,
		FreezeOnStop:  freeze,
		AutoTrade:     d.AutoTrade,
	}
}

// AddMarket registers a symbol after confirming the exchange trades it.
func (r *Runner) AddMarket(ctx context.Context, symbol string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	rules, err := r.deps.Gateway.MarketRules(ctx, symbol)
	if err != nil {
		return "", fmt.Errorf("market %s not tradable: %w", symbol, err)
	}
	if err := r.deps.Registry.Add(symbol, DefaultMarketConfig(r.deps.Config.Defaults)); err != nil {
		return "", err
	}
	r.rules[symbol] = rules
	return fmt.Sprintf("market %s added (min amount %s, min notional %s)",
		symbol, rules.MinAmount.String(), rules.MinNotional.String()), nil
}

// RemoveMarket cancels everything resting and drops all state for a symbol.
// Holdings are left untouched.
func (r *Runner) RemoveMarket(ctx context.Context, symbol string) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if _, ok := r.deps.Registry.Config(symbol); !ok {
		return "", fmt.Errorf("%w: %s", market.ErrMarketNotFound, symbol)
	}
	if err := r.cancelTracked(ctx, symbol); err != nil {
		return "", err
	}
	if err := r.deps.Registry.Remove(symbol); err != nil {
		return "", err
	}
	r.deps.Gate.Forget(symbol)
	r.deps.Trend.Forget(symbol)
	r.deps.Breaker.Reset(symbol)
	metrics.Forget(symbol)
	delete(r.rules, symbol)
	return fmt.Sprintf("market %s removed", symbol), nil
}

// UpdateMarket mutates an existing market's config; it never creates one.
func (r *Runner) UpdateMarket(symbol string, mutate func(*market.Config)) error {
	return r.deps.Registry.Update(strings.ToUpper(strings.TrimSpace(symbol)), mutate)
}

// ManualBuy market-buys for the given quote spend and folds the result into
// the position: a flat market opens, an open one keeps its entry.
func (r *Runner) ManualBuy(ctx context.Context, symbol string, quoteSpend decimal.Decimal) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	pos, ok := r.deps.Registry.Position(symbol)
	if !ok {
		return "", fmt.Errorf("%w: %s", market.ErrMarketNotFound, symbol)
	}
	rules, err := r.marketRules(ctx, symbol)
	if err != nil {
		return "", err
	}
	in := core.EnforceMinima(rules, core.MinimaInput{
		Side: core.Buy, Type: core.Market, AmountQuote: quoteSpend,
	})
	ord, err := r.deps.Gateway.PlaceMarketBuy(ctx, symbol, in.AmountQuote)
	r.deps.Breaker.Record(symbol, err)
	if err != nil {
		return "", err
	}
	price := ord.Price
	if price.Cmp(decimal.Zero) > 0 {
		r.deps.Gate.RecordFill(symbol, core.Buy, price, ord.Amount)
	}
	if pos.Status != market.PositionOpen && price.Cmp(decimal.Zero) > 0 {
		r.deps.Risk.Open(pos, price)
	}
	return fmt.Sprintf("bought %s %s at ~%s", ord.Amount.String(), symbol, price.String()), nil
}

// ManualSell market-sells base holdings; selling everything closes the
// position.
func (r *Runner) ManualSell(ctx context.Context, symbol string, amountBase decimal.Decimal) (string, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	pos, ok := r.deps.Registry.Position(symbol)
	if !ok {
		return "", fmt.Errorf("%w: %s", market.ErrMarketNotFound, symbol)
	}
	rules, err := r.marketRules(ctx, symbol)
	if err != nil {
		return "", err
	}
	amount := core.QuantizeAmount(rules, amountBase)
	in := core.EnforceMinima(rules, core.MinimaInput{
		Side: core.Sell, Type: core.Market, AmountBase: amount,
	})
	ord, err := r.deps.Gateway.PlaceMarketSell(ctx, symbol, in.AmountBase)
	r.deps.Breaker.Record(symbol, err)
	if err != nil {
		return "", err
	}
	if ord.Price.Cmp(decimal.Zero) > 0 {
		r.deps.Gate.RecordFill(symbol, core.Sell, ord.Price, ord.Amount)
	}
	if r.deps.Gate.HeldBase(symbol).Cmp(decimal.Zero) <= 0 {
		pos.Status = market.PositionClosed
		pos.Entry = decimal.Zero
		pos.Peak = decimal.Zero
	}
	return fmt.Sprintf("sold %s %s at ~%s", ord.Amount.String(), symbol, ord.Price.String()), nil
}

// StatusText renders a one-screen summary for the control surface.
func (r *Runner) StatusText() string {
	reg := r.deps.Registry
	var b strings.Builder
	fmt.Fprintf(&b, "mode: %s", r.deps.Config.Mode)
	if r.paused {
		b.WriteString(" (paused)")
	}
	b.WriteString("\n")
	symbols := reg.Symbols()
	if len(symbols) == 0 {
		b.WriteString("no markets configured\n")
		return b.String()
	}
	for _, symbol := range symbols {
		cfg, _ := reg.Config(symbol)
		pos, _ := reg.Position(symbol)
		fmt.Fprintf(&b, "%s: %s", symbol, pos.Status)
		if pos.Entry.Cmp(decimal.Zero) > 0 {
			fmt.Fprintf(&b, " entry=%s peak=%s", pos.Entry.String(), pos.Peak.String())
		}
		fmt.Fprintf(&b, " orders=%d auto=%v tp=%s%% sl=%s%%(%s)",
			reg.OrderCount(symbol), cfg.AutoTrade,
			cfg.TakeProfitPct.String(), cfg.StopLossPct.String(), cfg.StopLossMode)
		profile := r.deps.Trend.Profile(symbol)
		if profile != "" {
			fmt.Fprintf(&b, " trend=%s", profile)
		}
		if until, paused := r.deps.Gate.PausedUntil(symbol); paused {
			fmt.Fprintf(&b, " paused_until=%s", until.Format("15:04:05"))
		}
		b.WriteString("\n")
	}
	return b.String()
}
