package risk

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"position-manager/internal/core"
	"position-manager/internal/logger"
	"position-manager/internal/market"
)

var oneHundred = decimal.NewFromInt(100)

// Executor is the slice of the exchange gateway the controller needs for
// stop responses and take-profit management.
type Executor interface {
	PlaceLimitOrder(ctx context.Context, symbol string, side core.Side, price, amount decimal.Decimal) (core.Order, error)
	PlaceMarketSell(ctx context.Context, symbol string, amountBase decimal.Decimal) (core.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	Balance(ctx context.Context, asset string) (core.Balance, error)
}

type StopAction string

const (
	StopFroze      StopAction = "froze"
	StopLiquidated StopAction = "liquidated"
)

// Controller owns the position state machine: none -> open -> {closed |
// frozen}. It mutates positions only when called from the reconciliation
// goroutine.
type Controller struct {
	exec Executor
}

func NewController(exec Executor) *Controller {
	return &Controller{exec: exec}
}

// Open records a fresh position: entry and peak start at the observed price.
func (c *Controller) Open(pos *market.Position, price decimal.Decimal) {
	pos.Status = market.PositionOpen
	pos.Entry = price
	pos.Peak = price
}

// Observe feeds a price sample; the peak only ever moves up while open.
func (c *Controller) Observe(pos *market.Position, price decimal.Decimal) {
	if pos.Status != market.PositionOpen {
		return
	}
	if price.Cmp(pos.Peak) > 0 {
		pos.Peak = price
	}
}

// StopThreshold returns the active stop-loss price, or false when no stop is
// armed. Trigger mode anchors on entry, trailing mode on the peak.
func (c *Controller) StopThreshold(cfg market.Config, pos market.Position) (decimal.Decimal, bool) {
	if pos.Status != market.PositionOpen || cfg.StopLossPct.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, false
	}
	anchor := pos.Entry
	if cfg.StopLossMode == market.StopTrailing {
		anchor = pos.Peak
	}
	if anchor.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero, false
	}
	factor := decimal.NewFromInt(1).Sub(cfg.StopLossPct.Div(oneHundred))
	return anchor.Mul(factor), true
}

// Breached reports whether the observed price is at or below the stop.
func (c *Controller) Breached(cfg market.Config, pos market.Position, price decimal.Decimal) bool {
	threshold, ok := c.StopThreshold(cfg, pos)
	if !ok {
		return false
	}
	return price.Cmp(threshold) <= 0
}

// ExecuteStop runs the stop response: cancel every resting tracked order,
// then either freeze the position (holdings untouched) or liquidate the full
// base balance with a market sell. Cancel failures other than
// ErrOrderNotFound abort before the position changes state.
func (c *Controller) ExecuteStop(ctx context.Context, reg *market.Registry, cfg *market.Config, pos *market.Position, rules core.Rules) (StopAction, error) {
	for _, ord := range reg.Orders(cfg.Symbol) {
		err := c.exec.CancelOrder(ctx, cfg.Symbol, ord.ID)
		if err != nil && !errors.Is(err, core.ErrOrderNotFound) {
			return "", fmt.Errorf("cancel %s during stop: %w", ord.ID, err)
		}
		reg.Untrack(cfg.Symbol, ord.ID)
	}

	if cfg.FreezeOnStop {
		pos.Status = market.PositionFrozen
		logger.Event("stop_freeze").WithFields(logrus.Fields{
			"market": cfg.Symbol,
			"entry":  pos.Entry.String(),
			"peak":   pos.Peak.String(),
		}).Warn("position frozen on stop")
		return StopFroze, nil
	}

	base, _ := market.SplitSymbol(cfg.Symbol)
	bal, err := c.exec.Balance(ctx, base)
	if err != nil {
		return "", fmt.Errorf("base balance during stop: %w", err)
	}
	amount := core.QuantizeAmount(rules, bal.Available)
	if bal.Available.Cmp(decimal.Zero) > 0 {
		in := core.EnforceMinima(rules, core.MinimaInput{
			Side: core.Sell, Type: core.Market, AmountBase: amount,
		})
		if _, err := c.exec.PlaceMarketSell(ctx, cfg.Symbol, in.AmountBase); err != nil {
			return "", fmt.Errorf("liquidate during stop: %w", err)
		}
	}
	pos.Status = market.PositionClosed
	pos.Entry = decimal.Zero
	pos.Peak = decimal.Zero
	logger.Event("stop_liquidate").WithFields(logrus.Fields{
		"market": cfg.Symbol,
		"amount": amount.String(),
	}).Warn("position liquidated on stop")
	return StopLiquidated, nil
}

// TakeProfitPrice is entry scaled by the configured gain, zero when unset.
func (c *Controller) TakeProfitPrice(cfg market.Config, pos market.Position) decimal.Decimal {
	if cfg.TakeProfitPct.Cmp(decimal.Zero) <= 0 || pos.Entry.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	factor := decimal.NewFromInt(1).Add(cfg.TakeProfitPct.Div(oneHundred))
	return pos.Entry.Mul(factor)
}

// ArmTakeProfit places the single resting limit sell protecting an open
// position and tracks it. No-op when take-profit is unset or there is
// nothing to sell.
func (c *Controller) ArmTakeProfit(ctx context.Context, reg *market.Registry, cfg *market.Config, pos *market.Position, rules core.Rules, amount decimal.Decimal) (core.Order, bool, error) {
	target := c.TakeProfitPrice(*cfg, *pos)
	if target.Cmp(decimal.Zero) <= 0 || amount.Cmp(decimal.Zero) <= 0 {
		return core.Order{}, false, nil
	}
	return c.placeTakeProfit(ctx, reg, cfg, rules, target, amount)
}

// ReplaceTakeProfit cancels any resting take-profit and re-arms it at the
// given price, used by the profit-lock adjustment.
func (c *Controller) ReplaceTakeProfit(ctx context.Context, reg *market.Registry, cfg *market.Config, rules core.Rules, price, amount decimal.Decimal) (core.Order, bool, error) {
	for _, ord := range reg.Orders(cfg.Symbol) {
		if ord.Role != core.RoleTakeProfit {
			continue
		}
		err := c.exec.CancelOrder(ctx, cfg.Symbol, ord.ID)
		if err != nil && !errors.Is(err, core.ErrOrderNotFound) {
			return core.Order{}, false, fmt.Errorf("cancel take-profit %s: %w", ord.ID, err)
		}
		reg.Untrack(cfg.Symbol, ord.ID)
	}
	if price.Cmp(decimal.Zero) <= 0 || amount.Cmp(decimal.Zero) <= 0 {
		return core.Order{}, false, nil
	}
	return c.placeTakeProfit(ctx, reg, cfg, rules, price, amount)
}

// ReopenFromHoldings re-arms a frozen (or flat-but-holding) position: fresh
// entry and peak at the observed price plus a new take-profit sell.
func (c *Controller) ReopenFromHoldings(ctx context.Context, reg *market.Registry, cfg *market.Config, pos *market.Position, rules core.Rules, price, holdings decimal.Decimal) error {
	c.Open(pos, price)
	_, _, err := c.ArmTakeProfit(ctx, reg, cfg, pos, rules, holdings)
	return err
}

func (c *Controller) placeTakeProfit(ctx context.Context, reg *market.Registry, cfg *market.Config, rules core.Rules, price, amount decimal.Decimal) (core.Order, bool, error) {
	price = core.QuantizePrice(rules, price)
	amount = core.QuantizeAmount(rules, amount)
	in := core.EnforceMinima(rules, core.MinimaInput{
		Side: core.Sell, Type: core.Limit, Price: price, AmountBase: amount,
	})
	ord, err := c.exec.PlaceLimitOrder(ctx, cfg.Symbol, core.Sell, price, in.AmountBase)
	if err != nil {
		return core.Order{}, false, fmt.Errorf("place take-profit: %w", err)
	}
	if err := reg.Track(market.TrackedOrder{
		ID:     ord.ID,
		Market: cfg.Symbol,
		Role:   core.RoleTakeProfit,
		Side:   core.Sell,
		Price:  price,
		Amount: in.AmountBase,
	}); err != nil {
		return core.Order{}, false, err
	}
	logger.Event("take_profit_armed").WithFields(logrus.Fields{
		"market": cfg.Symbol,
		"price":  price.String(),
		"amount": in.AmountBase.String(),
	}).Info("take-profit resting")
	return ord, true, nil
}
