package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"position-manager/internal/config"
	"position-manager/internal/core"
	"position-manager/internal/exchange/whitebit"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
)

type checkResult struct {
	Name       string      `json:"name"`
	Market     string      `json:"market,omitempty"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Markets    []string      `json:"markets"`
	Checks     []checkResult `json:"checks"`
}

func main() {
	var (
		configPath  string
		timeoutSec  int
		streamWait  int
		outJSONPath string
		allowOrders bool
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.IntVar(&timeoutSec, "timeout-sec", 120, "total timeout seconds")
	flag.IntVar(&streamWait, "stream-wait-sec", 10, "wait seconds for the price stream check")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.BoolVar(&allowOrders, "allow-orders", false, "place and cancel a tiny far-from-market limit order")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	if len(cfg.Markets) == 0 {
		fatal("no markets configured")
	}
	creds := config.LoadCredentials()

	if timeoutSec < 30 {
		timeoutSec = 30
	}
	if streamWait < 3 {
		streamWait = 3
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	client := whitebit.NewClient(whitebit.Options{
		APIKey:         creds.APIKey,
		APISecret:      creds.APISecret,
		RestBaseURL:    cfg.Exchange.RestBaseURL,
		InstanceID:     cfg.InstanceID,
		HTTPTimeoutSec: cfg.Exchange.HTTPTimeoutSec,
	})

	r := report{StartedAt: time.Now().UTC(), Markets: cfg.Markets}
	run := func(name, market string, fn func() (string, error)) {
		start := time.Now()
		detail, err := fn()
		cr := checkResult{
			Name:       name,
			Market:     market,
			DurationMs: time.Since(start).Milliseconds(),
			Detail:     detail,
		}
		if err != nil {
			cr.Status = statusFail
			cr.Error = err.Error()
		} else {
			cr.Status = statusPass
		}
		r.Checks = append(r.Checks, cr)
		label := name
		if market != "" {
			label = name + " " + market
		}
		if cr.Status == statusPass {
			fmt.Printf("[PASS] %s (%dms)", label, cr.DurationMs)
			if cr.Detail != "" {
				fmt.Printf(" - %s", cr.Detail)
			}
			fmt.Println()
		} else {
			fmt.Printf("[FAIL] %s (%dms) - %s\n", label, cr.DurationMs, cr.Error)
		}
	}

	rules := make(map[string]core.Rules, len(cfg.Markets))
	tickers := make(map[string]core.Ticker, len(cfg.Markets))
	for _, symbol := range cfg.Markets {
		symbol := symbol
		run("market_rules", symbol, func() (string, error) {
			got, err := client.MarketRules(ctx, symbol)
			if err != nil {
				return "", err
			}
			rules[symbol] = got
			return fmt.Sprintf("amountPrec=%d pricePrec=%d minAmount=%s minNotional=%s",
				got.AmountPrecision, got.PricePrecision, got.MinAmount, got.MinNotional), nil
		})
		run("ticker", symbol, func() (string, error) {
			tk, err := client.Ticker(ctx, symbol)
			if err != nil {
				return "", err
			}
			if tk.Last.Cmp(decimal.Zero) <= 0 {
				return "", errors.New("ticker returned non-positive last price")
			}
			tickers[symbol] = tk
			return fmt.Sprintf("last=%s bid=%s ask=%s spread=%s%%",
				tk.Last, tk.Bid, tk.Ask, tk.SpreadPct().Round(4)), nil
		})
	}

	run("price_stream", "", func() (string, error) {
		sctx, scancel := context.WithTimeout(ctx, time.Duration(streamWait)*time.Second)
		defer scancel()
		updates := make(chan string, 64)
		stream := whitebit.NewTickerStream(cfg.Exchange.WSBaseURL, cfg.Markets,
			func(market string, price decimal.Decimal) {
				select {
				case updates <- market:
				default:
				}
			})
		go stream.Run(sctx)
		seen := make(map[string]int)
		for {
			select {
			case m := <-updates:
				seen[m]++
			case <-sctx.Done():
				if len(seen) == 0 {
					return "", fmt.Errorf("no price updates within %ds", streamWait)
				}
				total := 0
				for _, n := range seen {
					total += n
				}
				return fmt.Sprintf("markets=%d/%d updates=%d", len(seen), len(cfg.Markets), total), nil
			}
		}
	})

	if creds.CanTrade() {
		quote := quoteAsset(cfg.Markets[0])
		run("balance", quote, func() (string, error) {
			bal, err := client.Balance(ctx, quote)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("available=%s locked=%s", bal.Available, bal.Locked), nil
		})
		if allowOrders {
			symbol := cfg.Markets[0]
			run("order_lifecycle", symbol, func() (string, error) {
				return orderLifecycleCheck(ctx, client, symbol, rules[symbol], tickers[symbol])
			})
		}
	} else {
		fmt.Println("[SKIP] private checks (WHITEBIT_API_KEY / WHITEBIT_API_SECRET not set)")
	}

	r.FinishedAt = time.Now().UTC()
	printSummary(r)
	if outJSONPath != "" {
		if err := writeReport(outJSONPath, r); err != nil {
			fatal(err.Error())
		}
		fmt.Printf("report written: %s\n", outJSONPath)
	}
	for _, c := range r.Checks {
		if c.Status == statusFail {
			os.Exit(1)
		}
	}
}

// orderLifecycleCheck places a tiny limit buy 50% below market, confirms it
// shows up in open orders and cancels it.
func orderLifecycleCheck(ctx context.Context, client *whitebit.Client, symbol string, rules core.Rules, tk core.Ticker) (string, error) {
	if tk.Last.Cmp(decimal.Zero) <= 0 {
		return "", errors.New("missing ticker price")
	}
	price := core.QuantizePrice(rules, tk.Last.Mul(decimal.RequireFromString("0.5")))
	if price.Cmp(decimal.Zero) <= 0 {
		return "", errors.New("calculated order price <= 0")
	}
	in := core.EnforceMinima(rules, core.MinimaInput{
		Side:       core.Buy,
		Type:       core.Limit,
		Price:      price,
		AmountBase: rules.MinAmount,
	})
	placed, err := client.PlaceLimitOrder(ctx, symbol, core.Buy, in.Price, in.AmountBase)
	if err != nil {
		return "", err
	}
	if placed.ID == "" {
		return "", errors.New("empty order id")
	}
	open, err := client.OpenOrders(ctx, symbol)
	if err != nil {
		_ = client.CancelOrder(ctx, symbol, placed.ID)
		return "", err
	}
	found := false
	for _, ord := range open {
		if ord.ID == placed.ID {
			found = true
			break
		}
	}
	if err := client.CancelOrder(ctx, symbol, placed.ID); err != nil {
		return "", fmt.Errorf("cancel order failed: %w", err)
	}
	return fmt.Sprintf("id=%s price=%s amount=%s foundInOpen=%t",
		placed.ID, in.Price, in.AmountBase, found), nil
}

func quoteAsset(symbol string) string {
	if _, quote, ok := strings.Cut(symbol, "_"); ok {
		return quote
	}
	return "USDT"
}

func printSummary(r report) {
	pass := 0
	fail := 0
	for _, c := range r.Checks {
		if c.Status == statusPass {
			pass++
		} else {
			fail++
		}
	}
	fmt.Printf("\nsummary markets=%s pass=%d fail=%d duration=%s\n",
		strings.Join(r.Markets, ","), pass, fail,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String())
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}
