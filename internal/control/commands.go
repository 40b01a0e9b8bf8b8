package control

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind enumerates the chat commands the bot understands.
type Kind string

const (
	KindHelp         Kind = "help"
	KindStatus       Kind = "status"
	KindPrice        Kind = "price"
	KindBalance      Kind = "balance"
	KindBuy          Kind = "buy"
	KindSell         Kind = "sell"
	KindAddMarket    Kind = "addmarket"
	KindRemoveMarket Kind = "removemarket"
	KindSetBudget    Kind = "setamount"
	KindSetTP        Kind = "settp"
	KindSetSL        Kind = "setsl"
	KindAuto         Kind = "auto"
	KindStart        Kind = "start"
	KindStop         Kind = "stop"
)

// Request is one parsed chat command. Only the fields the Kind needs are set.
type Request struct {
	Kind    Kind
	Symbol  string
	Amount  decimal.Decimal
	Percent decimal.Decimal
	On      bool
}

var ErrUnknownCommand = errors.New("unknown command")

// Parse turns a raw chat line like "/buy BTC_USDT 50" into a Request. The
// leading slash is optional and symbols are uppercased.
func Parse(text string) (Request, error) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return Request{}, ErrUnknownCommand
	}
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	args := fields[1:]

	switch Kind(name) {
	case KindHelp, KindStatus, KindStart, KindStop:
		return Request{Kind: Kind(name)}, nil

	case KindPrice, KindRemoveMarket, KindAddMarket:
		if len(args) != 1 {
			return Request{}, fmt.Errorf("usage: /%s SYMBOL", name)
		}
		return Request{Kind: Kind(name), Symbol: symbolArg(args[0])}, nil

	case KindBalance:
		asset := "USDT"
		if len(args) == 1 {
			asset = strings.ToUpper(args[0])
		} else if len(args) > 1 {
			return Request{}, fmt.Errorf("usage: /balance [ASSET]")
		}
		return Request{Kind: KindBalance, Symbol: asset}, nil

	case KindBuy, KindSell, KindSetBudget:
		if len(args) != 2 {
			return Request{}, fmt.Errorf("usage: /%s SYMBOL AMOUNT", name)
		}
		amount, err := positiveDecimal(args[1])
		if err != nil {
			return Request{}, fmt.Errorf("amount %q: %w", args[1], err)
		}
		return Request{Kind: Kind(name), Symbol: symbolArg(args[0]), Amount: amount}, nil

	case KindSetTP, KindSetSL:
		if len(args) != 2 {
			return Request{}, fmt.Errorf("usage: /%s SYMBOL PERCENT", name)
		}
		pct, err := decimal.NewFromString(args[1])
		if err != nil || pct.Cmp(decimal.Zero) < 0 {
			return Request{}, fmt.Errorf("percent %q must be a number >= 0", args[1])
		}
		return Request{Kind: Kind(name), Symbol: symbolArg(args[0]), Percent: pct}, nil

	case KindAuto:
		if len(args) != 2 {
			return Request{}, fmt.Errorf("usage: /auto SYMBOL on|off")
		}
		var on bool
		switch strings.ToLower(args[1]) {
		case "on":
			on = true
		case "off":
			on = false
		default:
			return Request{}, fmt.Errorf("usage: /auto SYMBOL on|off")
		}
		return Request{Kind: KindAuto, Symbol: symbolArg(args[0]), On: on}, nil
	}
	return Request{}, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
}

func symbolArg(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

func positiveDecimal(raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, errors.New("must be a number")
	}
	if v.Cmp(decimal.Zero) <= 0 {
		return decimal.Decimal{}, errors.New("must be > 0")
	}
	return v, nil
}

// HelpText lists every command for the /help reply.
func HelpText() string {
	return strings.Join([]string{
		"/status - markets, positions and resting orders",
		"/price SYMBOL - last price, bid/ask and spread",
		"/balance [ASSET] - exchange balance (default USDT)",
		"/buy SYMBOL QUOTE - market buy spending QUOTE",
		"/sell SYMBOL BASE - market sell BASE amount",
		"/addmarket SYMBOL - start managing a market",
		"/removemarket SYMBOL - cancel orders and stop managing",
		"/setamount SYMBOL QUOTE - per-entry quote budget",
		"/settp SYMBOL PCT - take-profit percent (0 disables)",
		"/setsl SYMBOL PCT - stop-loss percent (0 disables)",
		"/auto SYMBOL on|off - toggle automatic entries",
		"/stop - pause all new entries",
		"/start - resume entries",
	}, "\n")
}
