package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"position-manager/internal/alert"
	"position-manager/internal/config"
	"position-manager/internal/core"
	"position-manager/internal/exchange"
	"position-manager/internal/logger"
	"position-manager/internal/market"
	"position-manager/internal/metrics"
	"position-manager/internal/risk"
	"position-manager/internal/safety"
	"position-manager/internal/scalp"
	"position-manager/internal/store"
)

const (
	commandQueueSize = 32
	priceQueueSize   = 256
)

// Command is executed on the runner goroutine between reconciliation cycles,
// which is the only place registry state may be mutated. Reply, when set,
// receives the human-readable result.
type Command struct {
	Name  string
	Run   func(ctx context.Context, r *Runner) (string, error)
	Reply func(string)
}

type priceUpdate struct {
	market string
	price  decimal.Decimal
}

type Deps struct {
	Config   config.Config
	Gateway  exchange.Gateway
	Registry *market.Registry
	Store    *store.Store
	Gate     *safety.Gate
	Trend    *safety.TrendDetector
	Breaker  *safety.TradeBreaker
	Risk     *risk.Controller
	Scalp    *scalp.Engine
	Alerts   alert.Alerter
}

// Runner drives the whole bot from a single goroutine: it polls each market,
// reconciles tracked orders against the exchange, reacts to fills and stops,
// and opens new positions. Commands and websocket prices arrive over channels
// so no state is ever touched concurrently.
type Runner struct {
	deps     Deps
	commands chan Command
	prices   chan priceUpdate
	rules    map[string]core.Rules
	paused   bool
	now      func() time.Time
}

func NewRunner(deps Deps) *Runner {
	return &Runner{
		deps:     deps,
		commands: make(chan Command, commandQueueSize),
		prices:   make(chan priceUpdate, priceQueueSize),
		rules:    make(map[string]core.Rules),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue hands a command to the runner goroutine. It never blocks; a full
// queue rejects the command.
func (r *Runner) Enqueue(cmd Command) bool {
	select {
	case r.commands <- cmd:
		return true
	default:
		return false
	}
}

// ObservePrice feeds a streamed price into the safety window. Safe to call
// from the websocket goroutine; samples are dropped when the runner lags.
func (r *Runner) ObservePrice(symbol string, price decimal.Decimal) {
	select {
	case r.prices <- priceUpdate{market: symbol, price: price}:
	default:
	}
}

func (r *Runner) Run(ctx context.Context) error {
	poll := time.Duration(r.deps.Config.Observability.Runtime.PollIntervalSec) * time.Second
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var report <-chan time.Time
	if mins := r.deps.Config.Observability.Runtime.ReportIntervalMin; mins > 0 {
		reportTicker := time.NewTicker(time.Duration(mins) * time.Minute)
		defer reportTicker.Stop()
		report = reportTicker.C
	}

	logger.Event("runner_started").WithFields(logrus.Fields{
		"mode":    string(r.deps.Config.Mode),
		"markets": len(r.deps.Registry.Symbols()),
		"poll":    poll.String(),
	}).Info("reconciliation loop running")
	r.alertImportant("runner_started", map[string]string{
		"mode":    string(r.deps.Config.Mode),
		"markets": fmt.Sprintf("%d", len(r.deps.Registry.Symbols())),
	})

	r.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			r.persist()
			logger.Event("runner_stopped").Info("reconciliation loop stopped")
			r.alertImportant("runner_stopped", nil)
			return ctx.Err()
		case cmd := <-r.commands:
			r.execute(ctx, cmd)
		case pu := <-r.prices:
			r.deps.Gate.ObservePrice(pu.market, pu.price)
			r.deps.Trend.Observe(pu.market, pu.price)
		case <-ticker.C:
			r.cycle(ctx)
		case <-report:
			r.statusReport()
		}
	}
}

func (r *Runner) execute(ctx context.Context, cmd Command) {
	result, err := cmd.Run(ctx, r)
	if err != nil {
		logger.Event("command_failed").WithFields(logrus.Fields{
			"command": cmd.Name,
			"error":   err.Error(),
		}).Warn("command rejected")
		result = "error: " + err.Error()
	}
	if cmd.Reply != nil {
		cmd.Reply(result)
	}
	r.persist()
}

// cycle reconciles every market, isolated so one market's failure or panic
// cannot starve the others, then persists the full state document.
func (r *Runner) cycle(ctx context.Context) {
	for _, symbol := range r.deps.Registry.Symbols() {
		r.runMarket(ctx, symbol)
		if ctx.Err() != nil {
			return
		}
	}
	r.persist()
}

func (r *Runner) runMarket(ctx context.Context, symbol string) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.CycleErrors.WithLabelValues(symbol).Inc()
			logger.Event("market_cycle_panic").WithFields(logrus.Fields{
				"market": symbol,
				"panic":  fmt.Sprintf("%v", rec),
			}).Error("market cycle panicked")
			r.alertImportant("market_cycle_panic", map[string]string{
				"market": symbol,
				"panic":  fmt.Sprintf("%v", rec),
			})
		}
	}()
	if err := r.reconcile(ctx, symbol); err != nil {
		metrics.CycleErrors.WithLabelValues(symbol).Inc()
		logger.Event("market_cycle_failed").WithFields(logrus.Fields{
			"market": symbol,
			"error":  err.Error(),
		}).Warn("market cycle aborted")
		return
	}
	metrics.Cycles.WithLabelValues(symbol).Inc()
}

func (r *Runner) reconcile(ctx context.Context, symbol string) error {
	reg := r.deps.Registry
	cfg, ok := reg.Config(symbol)
	if !ok {
		return nil
	}
	pos, _ := reg.Position(symbol)

	tk, err := r.fetchTicker(ctx, symbol)
	if err != nil {
		return fmt.Errorf("ticker: %w", err)
	}
	price := tk.Last
	if price.Cmp(decimal.Zero) <= 0 {
		return nil
	}
	metrics.LastPrice.WithLabelValues(symbol).Set(price.InexactFloat64())
	r.deps.Gate.ObservePrice(symbol, price)
	profile, changed := r.deps.Trend.Observe(symbol, price)
	if changed {
		logger.Event("trend_changed").WithFields(logrus.Fields{
			"market":  symbol,
			"profile": string(profile),
		}).Info("market profile switched")
		r.alertImportant("trend_changed", map[string]string{
			"market":  symbol,
			"profile": string(profile),
		})
	}
	eff, pauseEntries := r.effective(*cfg, profile)

	rules, err := r.marketRules(ctx, symbol)
	if err != nil {
		return fmt.Errorf("market rules: %w", err)
	}

	r.deps.Risk.Observe(pos, price)

	// Stop response runs before anything else touches the market.
	if r.deps.Risk.Breached(eff, *pos, price) {
		action, err := r.deps.Risk.ExecuteStop(ctx, reg, &eff, pos, rules)
		r.deps.Breaker.Record(symbol, err)
		if err != nil {
			return fmt.Errorf("stop response: %w", err)
		}
		r.deps.Gate.ArmPause(symbol)
		metrics.StopsExecuted.WithLabelValues(symbol, string(action)).Inc()
		metrics.SetPositionStatus(symbol, string(pos.Status))
		r.alertImportant("stop_executed", map[string]string{
			"market": symbol,
			"action": string(action),
			"price":  price.String(),
		})
		return nil
	}

	if pos.Frozen() {
		if profile == safety.ProfileUptrend {
			return r.unfreeze(ctx, symbol, &eff, pos, rules, price)
		}
		metrics.SetPositionStatus(symbol, string(pos.Status))
		return nil
	}

	open, err := r.fetchOpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("open orders: %w", err)
	}
	openIDs := make(map[string]struct{}, len(open))
	for _, ord := range open {
		openIDs[ord.ID] = struct{}{}
	}

	// A tracked order the exchange no longer lists has filled: this process
	// is the only one cancelling orders, and cancels untrack synchronously.
	for _, ord := range reg.Orders(symbol) {
		if _, stillOpen := openIDs[ord.ID]; stillOpen {
			continue
		}
		// An earlier fill in this pass may have cancelled this sibling; the
		// snapshot above does not see that.
		if !reg.Tracked(symbol, ord.ID) {
			continue
		}
		reg.Untrack(symbol, ord.ID)
		if err := r.handleFill(ctx, symbol, &eff, pos, rules, ord); err != nil {
			return fmt.Errorf("fill %s: %w", ord.ID, err)
		}
	}
	metrics.TrackedOrders.WithLabelValues(symbol).Set(float64(reg.OrderCount(symbol)))
	metrics.SetPositionStatus(symbol, string(pos.Status))

	if pos.Status == market.PositionOpen {
		if err := r.tightenTakeProfit(ctx, symbol, &eff, rules, price); err != nil {
			return err
		}
	}

	if reg.OrderCount(symbol) == 0 && len(open) == 0 {
		return r.tryEnter(ctx, symbol, &eff, pos, rules, tk, pauseEntries)
	}
	return nil
}

func (r *Runner) handleFill(ctx context.Context, symbol string, eff *market.Config, pos *market.Position, rules core.Rules, ord market.TrackedOrder) error {
	metrics.FillsDetected.WithLabelValues(symbol, string(ord.Role)).Inc()
	r.deps.Gate.RecordFill(symbol, ord.Side, ord.Price, ord.Amount)
	logger.Event("fill_detected").WithFields(logrus.Fields{
		"market": symbol,
		"order":  ord.ID,
		"role":   string(ord.Role),
		"side":   string(ord.Side),
		"price":  ord.Price.String(),
		"amount": ord.Amount.String(),
	}).Info("tracked order filled")

	switch ord.Role {
	case core.RoleScalpBuy, core.RoleScalpSell:
		_, quote := market.SplitSymbol(symbol)
		bal, err := r.balance(ctx, quote)
		if err != nil {
			return err
		}
		err = r.deps.Scalp.OnFill(ctx, r.deps.Registry, eff, rules, ord, bal.Available)
		r.deps.Breaker.Record(symbol, err)
		return err

	case core.RoleTakeProfit:
		if err := r.cancelTracked(ctx, symbol); err != nil {
			return err
		}
		pos.Status = market.PositionClosed
		pos.Entry = decimal.Zero
		pos.Peak = decimal.Zero
		r.alertImportant("take_profit_filled", map[string]string{
			"market": symbol,
			"price":  ord.Price.String(),
			"amount": ord.Amount.String(),
		})
		if eff.RebuyPct.Cmp(decimal.Zero) > 0 {
			return r.placeRebuy(ctx, symbol, eff, rules, ord.Price)
		}
		return nil

	case core.RoleRebuy:
		if err := r.cancelTracked(ctx, symbol); err != nil {
			return err
		}
		err := r.deps.Risk.ReopenFromHoldings(ctx, r.deps.Registry, eff, pos, rules, ord.Price, ord.Amount)
		r.deps.Breaker.Record(symbol, err)
		if err != nil {
			return err
		}
		r.alertImportant("rebuy_filled", map[string]string{
			"market": symbol,
			"price":  ord.Price.String(),
			"amount": ord.Amount.String(),
		})
		return nil
	}
	return fmt.Errorf("order %s has unknown role %s", ord.ID, ord.Role)
}

// tightenTakeProfit replaces the resting take-profit when the profit lock
// proposes a strictly higher floor.
func (r *Runner) tightenTakeProfit(ctx context.Context, symbol string, eff *market.Config, rules core.Rules, price decimal.Decimal) error {
	target, ok := r.deps.Gate.ProfitLockTarget(symbol, price)
	if !ok {
		return nil
	}
	current := decimal.Zero
	for _, ord := range r.deps.Registry.Orders(symbol) {
		if ord.Role == core.RoleTakeProfit {
			current = ord.Price
			break
		}
	}
	if current.Cmp(decimal.Zero) <= 0 || target.Cmp(current) <= 0 {
		return nil
	}
	held := r.deps.Gate.HeldBase(symbol)
	_, placed, err := r.deps.Risk.ReplaceTakeProfit(ctx, r.deps.Registry, eff, rules, target, held)
	r.deps.Breaker.Record(symbol, err)
	if err != nil {
		return fmt.Errorf("profit lock: %w", err)
	}
	if placed {
		metrics.OrdersPlaced.WithLabelValues(symbol, string(core.RoleTakeProfit)).Inc()
		logger.Event("profit_lock_tightened").WithFields(logrus.Fields{
			"market": symbol,
			"from":   current.String(),
			"to":     target.String(),
		}).Info("take-profit raised behind price")
	}
	return nil
}

func (r *Runner) unfreeze(ctx context.Context, symbol string, eff *market.Config, pos *market.Position, rules core.Rules, price decimal.Decimal) error {
	base, _ := market.SplitSymbol(symbol)
	bal, err := r.balance(ctx, base)
	if err != nil {
		return err
	}
	holdings := core.QuantizeAmount(rules, bal.Available)
	if holdings.Cmp(decimal.Zero) <= 0 {
		pos.Status = market.PositionNone
		metrics.SetPositionStatus(symbol, string(pos.Status))
		return nil
	}
	err = r.deps.Risk.ReopenFromHoldings(ctx, r.deps.Registry, eff, pos, rules, price, holdings)
	r.deps.Breaker.Record(symbol, err)
	if err != nil {
		return fmt.Errorf("unfreeze: %w", err)
	}
	metrics.SetPositionStatus(symbol, string(pos.Status))
	r.alertImportant("position_unfrozen", map[string]string{
		"market":   symbol,
		"price":    price.String(),
		"holdings": holdings.String(),
	})
	return nil
}

// tryEnter starts trading on a flat, order-free market, trying in order: the
// scalp ladder when scalp is enabled and off cooldown, a position from
// existing base holdings when they clear the exchange minima, and finally a
// market buy funded from the quote budget.
func (r *Runner) tryEnter(ctx context.Context, symbol string, eff *market.Config, pos *market.Position, rules core.Rules, tk core.Ticker, pauseEntries bool) error {
	if r.paused || !eff.AutoTrade || eff.Mode != market.ModeAuto {
		return nil
	}
	if pos.Status == market.PositionOpen {
		return nil
	}
	if pauseEntries {
		metrics.EntriesBlocked.WithLabelValues(symbol, "trend").Inc()
		return nil
	}
	if err := r.deps.Breaker.Allow(symbol); err != nil {
		metrics.EntriesBlocked.WithLabelValues(symbol, "breaker").Inc()
		return nil
	}
	price := tk.Last
	if reason := r.deps.Gate.BlockEntryReason(symbol, price, tk.SpreadPct()); reason != "" {
		metrics.EntriesBlocked.WithLabelValues(symbol, "gate").Inc()
		logger.Event("entry_blocked").WithFields(logrus.Fields{
			"market": symbol,
			"reason": reason,
		}).Info("entry withheld")
		return nil
	}
	if eff.QuoteBudget.Cmp(decimal.Zero) <= 0 {
		return nil
	}

	base, quote := market.SplitSymbol(symbol)
	quoteBal, err := r.balance(ctx, quote)
	if err != nil {
		return err
	}
	if quoteBal.Available.Sub(eff.QuoteBudget).Cmp(r.deps.Config.Safety.MinQuoteBalance.Decimal) < 0 {
		metrics.EntriesBlocked.WithLabelValues(symbol, "balance").Inc()
		logger.Event("entry_blocked").WithFields(logrus.Fields{
			"market":    symbol,
			"reason":    "quote balance below floor",
			"available": quoteBal.Available.String(),
		}).Info("entry withheld")
		return nil
	}

	baseBal, err := r.balance(ctx, base)
	if err != nil {
		return err
	}
	holdings := core.QuantizeAmount(rules, baseBal.Available)

	// With scalp on, the ladder IS the entry: it spends the same quote
	// budget a position open would, so the two are alternatives, never
	// stacked. A cooldown-gated (or empty) seed falls through to a
	// position open instead.
	if eff.ScalpEnabled {
		placed, err := r.seedGrid(ctx, symbol, eff, pos, rules, price, holdings)
		if err != nil {
			return err
		}
		if placed > 0 {
			return nil
		}
	}

	// Existing holdings above the exchange minima become the position;
	// buying on top of them would double the exposure.
	if holdings.Cmp(rules.MinAmount) >= 0 && holdings.Mul(price).Cmp(rules.MinNotional) >= 0 {
		err := r.deps.Risk.ReopenFromHoldings(ctx, r.deps.Registry, eff, pos, rules, price, holdings)
		r.deps.Breaker.Record(symbol, err)
		if err != nil {
			return fmt.Errorf("enter from holdings: %w", err)
		}
		metrics.OrdersPlaced.WithLabelValues(symbol, string(core.RoleTakeProfit)).Inc()
		r.alertImportant("position_opened", map[string]string{
			"market": symbol,
			"source": "holdings",
			"price":  price.String(),
			"amount": holdings.String(),
		})
		return nil
	}

	in := core.EnforceMinima(rules, core.MinimaInput{
		Side: core.Buy, Type: core.Market, AmountQuote: eff.QuoteBudget,
	})
	ord, err := r.deps.Gateway.PlaceMarketBuy(ctx, symbol, in.AmountQuote)
	r.deps.Breaker.Record(symbol, err)
	if err != nil {
		metrics.RecordGatewayError(symbol, core.IsTransient(err))
		return fmt.Errorf("entry buy: %w", err)
	}
	entryPrice := ord.Price
	if entryPrice.Cmp(decimal.Zero) <= 0 {
		entryPrice = price
	}
	bought := core.QuantizeAmount(rules, ord.Amount)
	r.deps.Gate.RecordFill(symbol, core.Buy, entryPrice, bought)
	r.deps.Risk.Open(pos, entryPrice)
	metrics.SetPositionStatus(symbol, string(pos.Status))
	r.alertImportant("position_opened", map[string]string{
		"market": symbol,
		"source": "market_buy",
		"price":  entryPrice.String(),
		"amount": bought.String(),
	})

	_, placed, err := r.deps.Risk.ArmTakeProfit(ctx, r.deps.Registry, eff, pos, rules, bought)
	r.deps.Breaker.Record(symbol, err)
	if err != nil {
		return fmt.Errorf("arm take-profit: %w", err)
	}
	if placed {
		metrics.OrdersPlaced.WithLabelValues(symbol, string(core.RoleTakeProfit)).Inc()
	}
	return nil
}

func (r *Runner) seedGrid(ctx context.Context, symbol string, eff *market.Config, pos *market.Position, rules core.Rules, ref, holdings decimal.Decimal) (int, error) {
	placed, err := r.deps.Scalp.SeedGrid(ctx, r.deps.Registry, eff, pos, rules, ref, holdings)
	r.deps.Breaker.Record(symbol, err)
	if placed > 0 {
		metrics.OrdersPlaced.WithLabelValues(symbol, "scalp").Add(float64(placed))
	}
	if err != nil {
		return placed, fmt.Errorf("seed grid: %w", err)
	}
	return placed, nil
}

func (r *Runner) cancelTracked(ctx context.Context, symbol string) error {
	for _, ord := range r.deps.Registry.Orders(symbol) {
		err := r.deps.Gateway.CancelOrder(ctx, symbol, ord.ID)
		if err != nil && !errors.Is(err, core.ErrOrderNotFound) {
			return fmt.Errorf("cancel %s: %w", ord.ID, err)
		}
		r.deps.Registry.Untrack(symbol, ord.ID)
	}
	return nil
}

func (r *Runner) effective(cfg market.Config, profile safety.Profile) (market.Config, bool) {
	var ov config.ProfileOverride
	switch profile {
	case safety.ProfileDowntrend:
		ov = r.deps.Config.Trend.Downtrend
	case safety.ProfileUptrend:
		ov = r.deps.Config.Trend.Uptrend
	default:
		return cfg, false
	}
	if ov.TakeProfitPct != nil {
		cfg.TakeProfitPct = ov.TakeProfitPct.Decimal
	}
	if ov.StopLossPct != nil {
		cfg.StopLossPct = ov.StopLossPct.Decimal
	}
	if ov.ScalpTickPct != nil {
		cfg.ScalpTickPct = ov.ScalpTickPct.Decimal
	}
	return cfg, ov.PauseEntries
}

func (r *Runner) fetchTicker(ctx context.Context, symbol string) (core.Ticker, error) {
	var tk core.Ticker
	err := r.retry(ctx, func() error {
		var err error
		tk, err = r.deps.Gateway.Ticker(ctx, symbol)
		return err
	})
	if err != nil {
		metrics.RecordGatewayError(symbol, core.IsTransient(err))
	}
	return tk, err
}

func (r *Runner) fetchOpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	var open []core.Order
	err := r.retry(ctx, func() error {
		var err error
		open, err = r.deps.Gateway.OpenOrders(ctx, symbol)
		return err
	})
	if err != nil {
		metrics.RecordGatewayError(symbol, core.IsTransient(err))
	}
	return open, err
}

func (r *Runner) balance(ctx context.Context, asset string) (core.Balance, error) {
	var bal core.Balance
	err := r.retry(ctx, func() error {
		var err error
		bal, err = r.deps.Gateway.Balance(ctx, asset)
		return err
	})
	return bal, err
}

func (r *Runner) marketRules(ctx context.Context, symbol string) (core.Rules, error) {
	if rules, ok := r.rules[symbol]; ok {
		return rules, nil
	}
	var rules core.Rules
	err := r.retry(ctx, func() error {
		var err error
		rules, err = r.deps.Gateway.MarketRules(ctx, symbol)
		return err
	})
	if err != nil {
		return core.Rules{}, err
	}
	r.rules[symbol] = rules
	return rules, nil
}

func (r *Runner) retry(ctx context.Context, op func() error) error {
	return withRetry(ctx, r.deps.Config.Retry.Attempts,
		time.Duration(r.deps.Config.Retry.BackoffMs)*time.Millisecond, op)
}

func (r *Runner) persist() {
	if r.deps.Store == nil {
		return
	}
	if err := r.deps.Store.Save(store.Snapshot(r.deps.Registry)); err != nil {
		logger.Event("state_save_failed").Error(err.Error())
		r.alertImportant("state_save_failed", map[string]string{"error": err.Error()})
	}
}

func (r *Runner) statusReport() {
	reg := r.deps.Registry
	fields := map[string]string{}
	for _, symbol := range reg.Symbols() {
		pos, _ := reg.Position(symbol)
		fields[symbol] = fmt.Sprintf("%s entry=%s orders=%d",
			pos.Status, pos.Entry.String(), reg.OrderCount(symbol))
	}
	logger.Event("status_report").WithField("markets", len(fields)).Info("periodic status")
	r.alertImportant("status_report", fields)
}

func (r *Runner) alertImportant(event string, fields map[string]string) {
	if r.deps.Alerts == nil {
		return
	}
	r.deps.Alerts.Important(event, fields)
}
