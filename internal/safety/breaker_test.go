package safety

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"position-manager/internal/core"
)

func newTestBreaker(t *testing.T) (*TradeBreaker, *time.Time) {
	t.Helper()
	b := NewTradeBreaker(3, 5*time.Minute)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerTripsAfterBudget(t *testing.T) {
	b, now := newTestBreaker(t)
	failure := errors.New("place failed")
	for i := 0; i < 2; i++ {
		b.Record("BTC_USDT", failure)
		if err := b.Allow("BTC_USDT"); err != nil {
			t.Fatalf("blocked before budget exhausted: %v", err)
		}
	}
	b.Record("BTC_USDT", failure)
	if err := b.Allow("BTC_USDT"); !errors.Is(err, ErrTradingPaused) {
		t.Fatalf("Allow() = %v, want ErrTradingPaused", err)
	}
	if err := b.Allow("ETH_USDT"); err != nil {
		t.Fatalf("other market affected: %v", err)
	}
	*now = now.Add(6 * time.Minute)
	if err := b.Allow("BTC_USDT"); err != nil {
		t.Fatalf("still paused after cooldown: %v", err)
	}
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	b, _ := newTestBreaker(t)
	failure := errors.New("place failed")
	b.Record("BTC_USDT", failure)
	b.Record("BTC_USDT", failure)
	b.Record("BTC_USDT", nil)
	b.Record("BTC_USDT", failure)
	if err := b.Allow("BTC_USDT"); err != nil {
		t.Fatalf("tripped despite reset streak: %v", err)
	}
}

func TestBreakerUnauthorizedTripsImmediately(t *testing.T) {
	b, _ := newTestBreaker(t)
	b.Record("BTC_USDT", fmt.Errorf("order/new: %w", core.ErrUnauthorized))
	if err := b.Allow("BTC_USDT"); !errors.Is(err, ErrTradingPaused) {
		t.Fatalf("Allow() = %v, want immediate pause on credential rejection", err)
	}
}

func TestBreakerReset(t *testing.T) {
	b, _ := newTestBreaker(t)
	failure := errors.New("place failed")
	for i := 0; i < 3; i++ {
		b.Record("BTC_USDT", failure)
	}
	b.Reset("BTC_USDT")
	if err := b.Allow("BTC_USDT"); err != nil {
		t.Fatalf("Allow() after Reset = %v, want nil", err)
	}
}
