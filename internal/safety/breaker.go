package safety

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"position-manager/internal/alert"
	"position-manager/internal/core"
	"position-manager/internal/logger"
)

var ErrTradingPaused = errors.New("trading paused")

type circuit struct {
	failures  int
	openUntil time.Time
	lastErr   error
}

// TradeBreaker pauses order placement per market after repeated write
// failures, so one broken market cannot burn the whole request budget.
// Credential rejections trip immediately. Read paths are never guarded.
type TradeBreaker struct {
	maxFailures int
	cooldown    time.Duration

	mu      sync.Mutex
	markets map[string]*circuit
	alerter alert.Alerter
	now     func() time.Time
}

func NewTradeBreaker(maxFailures int, cooldown time.Duration) *TradeBreaker {
	return &TradeBreaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		markets:     make(map[string]*circuit),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (b *TradeBreaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

// Allow reports whether trading writes are currently permitted for a market.
func (b *TradeBreaker) Allow(market string) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.markets[market]
	if !ok || c.openUntil.IsZero() {
		return nil
	}
	now := b.now()
	if now.Before(c.openUntil) {
		remaining := c.openUntil.Sub(now).Round(time.Second)
		return fmt.Errorf("%w: %s for %s (last error: %v)", ErrTradingPaused, market, remaining, c.lastErr)
	}
	// Cooldown elapsed: close and give the market one fresh failure budget.
	c.openUntil = time.Time{}
	c.failures = 0
	c.lastErr = nil
	logger.Event("trade_breaker_closed").WithField("market", market).Info("trading resumed after cooldown")
	return nil
}

// Record feeds the outcome of a trading write. A nil error closes the
// failure streak; reaching the failure budget, or any credential rejection,
// opens the market's circuit for the cooldown period.
func (b *TradeBreaker) Record(market string, err error) {
	if b == nil || b.maxFailures < 1 {
		return
	}
	b.mu.Lock()
	c, ok := b.markets[market]
	if !ok {
		c = &circuit{}
		b.markets[market] = c
	}
	if err == nil {
		recovered := c.failures > 0
		prev := c.failures
		c.failures = 0
		b.mu.Unlock()
		if recovered {
			logger.Event("trade_breaker_recovered").WithFields(logrus.Fields{
				"market":                        market,
				"previous_consecutive_failures": prev,
			}).Info("trading write succeeded after failures")
		}
		return
	}

	c.failures++
	tripped := c.failures >= b.maxFailures || errors.Is(err, core.ErrUnauthorized)
	if !tripped {
		failures := c.failures
		b.mu.Unlock()
		logger.Event("trade_breaker_failure").WithFields(logrus.Fields{
			"market":               market,
			"consecutive_failures": failures,
			"threshold":            b.maxFailures,
			"error":                err.Error(),
		}).Warn("trading write failed")
		return
	}

	c.openUntil = b.now().Add(b.cooldown)
	c.lastErr = err
	failures := c.failures
	alerter := b.alerter
	b.mu.Unlock()

	logger.Event("trade_breaker_trip").WithFields(logrus.Fields{
		"market":               market,
		"consecutive_failures": failures,
		"cooldown_sec":         int64(b.cooldown / time.Second),
		"error":                err.Error(),
	}).Error("trading paused for market")
	if alerter != nil {
		alerter.Important("trade_breaker_trip", map[string]string{
			"market":               market,
			"consecutive_failures": strconv.Itoa(failures),
			"cooldown_sec":         strconv.FormatInt(int64(b.cooldown/time.Second), 10),
			"last_error":           err.Error(),
		})
	}
}

// Reset clears the circuit for a market, used on manual resume and removal.
func (b *TradeBreaker) Reset(market string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.markets, market)
}
