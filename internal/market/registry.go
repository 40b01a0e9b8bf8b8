package market

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"position-manager/internal/core"
)

var (
	ErrMarketExists   = errors.New("market already registered")
	ErrMarketNotFound = errors.New("market not registered")
)

type StopLossMode string

const (
	StopTrigger  StopLossMode = "trigger"
	StopTrailing StopLossMode = "trailing"
)

type Mode string

const (
	ModeManual Mode = "manual"
	ModeAuto   Mode = "auto"
)

// PositionStatus is the risk-controller state machine: none -> open ->
// {closed | frozen}.
type PositionStatus string

const (
	PositionNone   PositionStatus = "none"
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
	PositionFrozen PositionStatus = "frozen"
)

// Config holds the per-market trading parameters mutated by the control
// surface. Zero percentages mean the corresponding feature is unset.
type Config struct {
	Symbol        string          `json:"symbol"`
	TakeProfitPct decimal.Decimal `json:"take_profit_pct"`
	StopLossPct   decimal.Decimal `json:"stop_loss_pct"`
	StopLossMode  StopLossMode    `json:"stop_loss_mode"`
	QuoteBudget   decimal.Decimal `json:"quote_budget"`
	RebuyPct      decimal.Decimal `json:"rebuy_pct"`
	ScalpEnabled  bool            `json:"scalp_enabled"`
	ScalpTickPct  decimal.Decimal `json:"scalp_tick_pct"`
	ScalpLevels   int             `json:"scalp_levels"`
	FreezeOnStop  bool            `json:"freeze_on_stop"`
	AutoTrade     bool            `json:"auto_trade"`
	Mode          Mode            `json:"mode"`
}

// Position tracks entry and peak price for one market. Peak is monotonically
// non-decreasing while the position is open.
type Position struct {
	Status       PositionStatus  `json:"status"`
	Entry        decimal.Decimal `json:"entry"`
	Peak         decimal.Decimal `json:"peak"`
	LastGridSeed time.Time       `json:"last_grid_seed,omitempty"`
}

func (p Position) Frozen() bool { return p.Status == PositionFrozen }

type TrackedOrder struct {
	ID        string          `json:"id"`
	Market    string          `json:"market"`
	Role      core.OrderRole  `json:"role"`
	Side      core.Side       `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// Registry owns every piece of per-market state. It is written only from the
// reconciliation goroutine; other components receive it by reference during a
// dispatch call.
type Registry struct {
	configs   map[string]*Config
	orders    map[string]map[string]TrackedOrder
	positions map[string]*Position
}

func NewRegistry() *Registry {
	return &Registry{
		configs:   make(map[string]*Config),
		orders:    make(map[string]map[string]TrackedOrder),
		positions: make(map[string]*Position),
	}
}

var validQuoteAssets = map[string]struct{}{
	"USDT": {},
	"USDC": {},
	"BTC":  {},
	"ETH":  {},
}

// ValidSymbol accepts BASE_QUOTE pairs against the supported quote assets.
func ValidSymbol(symbol string) bool {
	base, quote, ok := strings.Cut(symbol, "_")
	if !ok || base == "" {
		return false
	}
	_, ok = validQuoteAssets[quote]
	return ok
}

// SplitSymbol returns the base and quote asset of a BASE_QUOTE symbol.
func SplitSymbol(symbol string) (string, string) {
	base, quote, _ := strings.Cut(symbol, "_")
	return base, quote
}

func (r *Registry) Add(symbol string, defaults Config) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !ValidSymbol(symbol) {
		return fmt.Errorf("invalid market symbol %q", symbol)
	}
	if _, ok := r.configs[symbol]; ok {
		return fmt.Errorf("%w: %s", ErrMarketExists, symbol)
	}
	cfg := defaults
	cfg.Symbol = symbol
	if cfg.StopLossMode == "" {
		cfg.StopLossMode = StopTrigger
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAuto
	}
	r.configs[symbol] = &cfg
	r.orders[symbol] = make(map[string]TrackedOrder)
	r.positions[symbol] = &Position{Status: PositionNone}
	return nil
}

// Remove deletes a market and cascades to its tracked orders and position.
func (r *Registry) Remove(symbol string) error {
	if _, ok := r.configs[symbol]; !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	delete(r.configs, symbol)
	delete(r.orders, symbol)
	delete(r.positions, symbol)
	return nil
}

func (r *Registry) Config(symbol string) (*Config, bool) {
	cfg, ok := r.configs[symbol]
	return cfg, ok
}

func (r *Registry) Position(symbol string) (*Position, bool) {
	pos, ok := r.positions[symbol]
	return pos, ok
}

func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.configs))
	for symbol := range r.configs {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Update applies a mutation to an existing market's config. Setters never
// create a market implicitly.
func (r *Registry) Update(symbol string, mutate func(*Config)) error {
	cfg, ok := r.configs[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	mutate(cfg)
	return nil
}

func (r *Registry) Track(order TrackedOrder) error {
	set, ok := r.orders[order.Market]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, order.Market)
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	set[order.ID] = order
	return nil
}

// Tracked reports whether the order id is currently tracked for the market.
func (r *Registry) Tracked(symbol, orderID string) bool {
	_, ok := r.orders[symbol][orderID]
	return ok
}

func (r *Registry) Untrack(symbol, orderID string) {
	if set, ok := r.orders[symbol]; ok {
		delete(set, orderID)
	}
}

func (r *Registry) ClearOrders(symbol string) {
	if _, ok := r.orders[symbol]; ok {
		r.orders[symbol] = make(map[string]TrackedOrder)
	}
}

// Orders returns the tracked orders for a market sorted by creation time then
// id, oldest first.
func (r *Registry) Orders(symbol string) []TrackedOrder {
	set := r.orders[symbol]
	out := make([]TrackedOrder, 0, len(set))
	for _, ord := range set {
		out = append(out, ord)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) OrderCount(symbol string) int {
	return len(r.orders[symbol])
}
