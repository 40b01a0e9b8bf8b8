package core

import (
	"errors"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("invalid amount")

// minNotionalSafety pads raised notionals by 0.1% so a market buy still
// clears the exchange floor after fees and price movement.
var minNotionalSafety = decimal.RequireFromString("1.001")

func stepForPrecision(prec int32) decimal.Decimal {
	if prec < 0 {
		prec = 0
	}
	return decimal.New(1, -prec)
}

func RoundDownStep(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

func RoundUpStep(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Ceil().Mul(step)
}

// QuantizeAmount rounds a raw base amount down to the market's amount step.
// A result that collapses to zero or below falls back to exactly one step.
func QuantizeAmount(rules Rules, raw decimal.Decimal) decimal.Decimal {
	step := rules.AmountStep()
	out := RoundDownStep(raw, step)
	if out.Cmp(decimal.Zero) <= 0 {
		return step
	}
	return out
}

// QuantizePrice rounds a raw price down to the market's price step, with the
// same one-step fallback as QuantizeAmount.
func QuantizePrice(rules Rules, raw decimal.Decimal) decimal.Decimal {
	step := rules.PriceStep()
	out := RoundDownStep(raw, step)
	if out.Cmp(decimal.Zero) <= 0 {
		return step
	}
	return out
}

// MinimaInput carries the order values EnforceMinima may raise. Price is zero
// for market orders; AmountQuote is the quote spend of a market buy.
type MinimaInput struct {
	Side        Side
	Type        OrderType
	Price       decimal.Decimal
	AmountBase  decimal.Decimal
	AmountQuote decimal.Decimal
}

// EnforceMinima raises (never lowers) order values until they satisfy the
// market's minimum-amount and minimum-notional rules. Adjustments are rounded
// up to the relevant step so the floor is never undershot. A market buy is
// checked on notional only, a market sell on base amount only, a limit order
// on both.
func EnforceMinima(rules Rules, in MinimaInput) MinimaInput {
	out := in
	switch {
	case in.Type == Market && in.Side == Buy:
		out.AmountQuote = raiseNotional(rules, in.AmountQuote)
	case in.Type == Market && in.Side == Sell:
		out.AmountBase = raiseBase(rules, in.AmountBase)
	default:
		out.AmountBase = raiseBase(rules, in.AmountBase)
		if in.Price.Cmp(decimal.Zero) > 0 && rules.MinNotional.Cmp(decimal.Zero) > 0 {
			notional := in.Price.Mul(out.AmountBase)
			if notional.Cmp(rules.MinNotional) < 0 {
				need := rules.MinNotional.Mul(minNotionalSafety).Div(in.Price)
				out.AmountBase = RoundUpStep(need, rules.AmountStep())
			}
		}
	}
	return out
}

func raiseBase(rules Rules, amount decimal.Decimal) decimal.Decimal {
	step := rules.AmountStep()
	if amount.Cmp(decimal.Zero) <= 0 {
		amount = step
	}
	if rules.MinAmount.Cmp(decimal.Zero) > 0 && amount.Cmp(rules.MinAmount) < 0 {
		amount = RoundUpStep(rules.MinAmount, step)
	}
	return amount
}

func raiseNotional(rules Rules, quote decimal.Decimal) decimal.Decimal {
	step := rules.PriceStep()
	if quote.Cmp(decimal.Zero) <= 0 {
		quote = step
	}
	if rules.MinNotional.Cmp(decimal.Zero) > 0 && quote.Cmp(rules.MinNotional) < 0 {
		quote = RoundUpStep(rules.MinNotional.Mul(minNotionalSafety), step)
	}
	return quote
}
