package scalp

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"position-manager/internal/core"
	"position-manager/internal/logger"
	"position-manager/internal/market"
)

var oneHundred = decimal.NewFromInt(100)

// Executor is the slice of the gateway the scalp engine places orders with.
type Executor interface {
	PlaceLimitOrder(ctx context.Context, symbol string, side core.Side, price, amount decimal.Decimal) (core.Order, error)
}

// Engine runs the ping-pong scalp ladder: seeded buy levels below the
// reference price, mirrored one tick up on every fill.
type Engine struct {
	exec     Executor
	cooldown time.Duration
	now      func() time.Time
}

func NewEngine(exec Executor, cooldown time.Duration) *Engine {
	return &Engine{
		exec:     exec,
		cooldown: cooldown,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SeedGrid lays out the initial ladder around the reference price: `levels`
// buy limits below it funded from the quote budget, and when base holdings
// exist, `levels` sell limits above it splitting the holdings evenly.
// Seeding is cooldown-gated per market; the gate updates LastGridSeed only
// when at least one order was placed.
func (e *Engine) SeedGrid(ctx context.Context, reg *market.Registry, cfg *market.Config, pos *market.Position, rules core.Rules, ref, holdings decimal.Decimal) (int, error) {
	if !cfg.ScalpEnabled || cfg.ScalpLevels < 1 || cfg.ScalpTickPct.Cmp(decimal.Zero) <= 0 {
		return 0, nil
	}
	now := e.now()
	if !pos.LastGridSeed.IsZero() && now.Sub(pos.LastGridSeed) < e.cooldown {
		return 0, nil
	}
	if ref.Cmp(decimal.Zero) <= 0 {
		return 0, nil
	}

	levels := int64(cfg.ScalpLevels)
	perLevelQuote := cfg.QuoteBudget.Div(decimal.NewFromInt(levels))
	placed := 0
	for i := int64(1); i <= levels; i++ {
		price := e.tickPrice(cfg, ref, core.Buy, i)
		amount := e.buyAmount(rules, perLevelQuote, price)
		if amount.Cmp(decimal.Zero) <= 0 {
			continue
		}
		if err := e.place(ctx, reg, cfg, rules, core.Buy, core.RoleScalpBuy, price, amount); err != nil {
			return placed, err
		}
		placed++
	}

	if holdings.Cmp(decimal.Zero) > 0 {
		share := core.QuantizeAmount(rules, holdings.Div(decimal.NewFromInt(levels)))
		for i := int64(1); i <= levels; i++ {
			price := e.tickPrice(cfg, ref, core.Sell, i)
			if err := e.place(ctx, reg, cfg, rules, core.Sell, core.RoleScalpSell, price, share); err != nil {
				return placed, err
			}
			placed++
		}
	}

	if placed > 0 {
		pos.LastGridSeed = now
		logger.Event("scalp_seed").WithFields(logrus.Fields{
			"market": cfg.Symbol,
			"ref":    ref.String(),
			"orders": placed,
		}).Info("scalp ladder seeded")
	}
	return placed, nil
}

// OnFill mirrors a filled scalp order one tick away: a filled buy becomes
// exactly one sell of the same amount above the fill, a filled sell becomes
// exactly one buy below it, funded from the budget share but capped by the
// free quote balance.
func (e *Engine) OnFill(ctx context.Context, reg *market.Registry, cfg *market.Config, rules core.Rules, filled market.TrackedOrder, freeQuote decimal.Decimal) error {
	if cfg.ScalpTickPct.Cmp(decimal.Zero) <= 0 {
		return nil
	}
	switch filled.Role {
	case core.RoleScalpBuy:
		price := e.tickPrice(cfg, filled.Price, core.Sell, 1)
		return e.place(ctx, reg, cfg, rules, core.Sell, core.RoleScalpSell, price, filled.Amount)
	case core.RoleScalpSell:
		price := e.tickPrice(cfg, filled.Price, core.Buy, 1)
		levels := int64(cfg.ScalpLevels)
		if levels < 1 {
			levels = 1
		}
		perLevelQuote := cfg.QuoteBudget.Div(decimal.NewFromInt(levels))
		if perLevelQuote.Cmp(freeQuote) > 0 {
			perLevelQuote = freeQuote
		}
		amount := e.buyAmount(rules, perLevelQuote, price)
		if amount.Cmp(decimal.Zero) <= 0 {
			logger.Event("scalp_skip").WithField("market", cfg.Symbol).
				Warn("no free quote to mirror scalp sell")
			return nil
		}
		return e.place(ctx, reg, cfg, rules, core.Buy, core.RoleScalpBuy, price, amount)
	default:
		return fmt.Errorf("order %s has non-scalp role %s", filled.ID, filled.Role)
	}
}

// tickPrice offsets the reference by i ticks: down for buys, up for sells.
func (e *Engine) tickPrice(cfg *market.Config, ref decimal.Decimal, side core.Side, i int64) decimal.Decimal {
	offset := cfg.ScalpTickPct.Div(oneHundred).Mul(decimal.NewFromInt(i))
	if side == core.Buy {
		return ref.Mul(decimal.NewFromInt(1).Sub(offset))
	}
	return ref.Mul(decimal.NewFromInt(1).Add(offset))
}

func (e *Engine) buyAmount(rules core.Rules, quote, price decimal.Decimal) decimal.Decimal {
	if quote.Cmp(decimal.Zero) <= 0 || price.Cmp(decimal.Zero) <= 0 {
		return decimal.Zero
	}
	return core.QuantizeAmount(rules, quote.Div(price))
}

func (e *Engine) place(ctx context.Context, reg *market.Registry, cfg *market.Config, rules core.Rules, side core.Side, role core.OrderRole, price, amount decimal.Decimal) error {
	price = core.QuantizePrice(rules, price)
	in := core.EnforceMinima(rules, core.MinimaInput{
		Side: side, Type: core.Limit, Price: price, AmountBase: amount,
	})
	ord, err := e.exec.PlaceLimitOrder(ctx, cfg.Symbol, side, price, in.AmountBase)
	if err != nil {
		return fmt.Errorf("place %s: %w", role, err)
	}
	return reg.Track(market.TrackedOrder{
		ID:     ord.ID,
		Market: cfg.Symbol,
		Role:   role,
		Side:   side,
		Price:  price,
		Amount: in.AmountBase,
	})
}
