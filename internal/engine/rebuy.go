package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"position-manager/internal/core"
	"position-manager/internal/logger"
	"position-manager/internal/market"
	"position-manager/internal/metrics"
)

// placeRebuy rests a limit buy a fixed percentage under the exit price after
// a take-profit fill, funded from the market's quote budget. Its fill reopens
// the position via handleFill.
func (r *Runner) placeRebuy(ctx context.Context, symbol string, eff *market.Config, rules core.Rules, exitPrice decimal.Decimal) error {
	discount := decimal.NewFromInt(1).Sub(eff.RebuyPct.Div(decimal.NewFromInt(100)))
	price := core.QuantizePrice(rules, exitPrice.Mul(discount))
	if price.Cmp(decimal.Zero) <= 0 || eff.QuoteBudget.Cmp(decimal.Zero) <= 0 {
		return nil
	}
	amount := core.QuantizeAmount(rules, eff.QuoteBudget.Div(price))
	in := core.EnforceMinima(rules, core.MinimaInput{
		Side: core.Buy, Type: core.Limit, Price: price, AmountBase: amount,
	})

	ord, err := r.deps.Gateway.PlaceLimitOrder(ctx, symbol, core.Buy, price, in.AmountBase)
	r.deps.Breaker.Record(symbol, err)
	if err != nil {
		metrics.RecordGatewayError(symbol, core.IsTransient(err))
		return fmt.Errorf("place rebuy: %w", err)
	}
	if err := r.deps.Registry.Track(market.TrackedOrder{
		ID:     ord.ID,
		Market: symbol,
		Role:   core.RoleRebuy,
		Side:   core.Buy,
		Price:  price,
		Amount: in.AmountBase,
	}); err != nil {
		return err
	}
	metrics.OrdersPlaced.WithLabelValues(symbol, string(core.RoleRebuy)).Inc()
	logger.Event("rebuy_armed").WithFields(logrus.Fields{
		"market": symbol,
		"price":  price.String(),
		"amount": in.AmountBase.String(),
	}).Info("rebuy resting below exit")
	return nil
}
