package safety

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"position-manager/internal/core"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestGate(t *testing.T) (*Gate, *time.Time) {
	t.Helper()
	g := NewGate(GateConfig{
		MaxSpreadPct:         dec("1"),
		PriceWindowPct:       dec("5"),
		PriceWindow:          30 * time.Minute,
		PauseAfterStop:       time.Hour,
		ProfitLockTriggerPct: dec("2"),
		ProfitLockGapPct:     dec("0.5"),
	})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	return g, &now
}

func TestBlockEntryReasonSpreadCeiling(t *testing.T) {
	g, _ := newTestGate(t)
	if reason := g.BlockEntryReason("BTC_USDT", dec("100"), dec("0.5")); reason != "" {
		t.Fatalf("entry blocked unexpectedly: %s", reason)
	}
	reason := g.BlockEntryReason("BTC_USDT", dec("100"), dec("1.5"))
	if !strings.Contains(reason, "spread") {
		t.Fatalf("reason = %q, want spread ceiling", reason)
	}
}

func TestBlockEntryReasonDropArmsPause(t *testing.T) {
	g, now := newTestGate(t)
	g.ObservePrice("BTC_USDT", dec("100"))
	*now = now.Add(time.Minute)
	g.ObservePrice("BTC_USDT", dec("94"))

	reason := g.BlockEntryReason("BTC_USDT", dec("94"), decimal.Zero)
	if !strings.Contains(reason, "dropped") {
		t.Fatalf("reason = %q, want window drop", reason)
	}
	// Pause is armed; even a recovered price is blocked now.
	reason = g.BlockEntryReason("BTC_USDT", dec("100"), decimal.Zero)
	if !strings.Contains(reason, "paused") {
		t.Fatalf("reason = %q, want pause", reason)
	}
	*now = now.Add(time.Hour + time.Minute)
	if reason := g.BlockEntryReason("BTC_USDT", dec("100"), decimal.Zero); reason != "" {
		t.Fatalf("still blocked after pause expiry: %s", reason)
	}
}

func TestWindowExpiresOldSamples(t *testing.T) {
	g, now := newTestGate(t)
	g.ObservePrice("BTC_USDT", dec("100"))
	*now = now.Add(31 * time.Minute)
	g.ObservePrice("BTC_USDT", dec("94"))
	// The 100 sample aged out, so 94 is not a drop anymore.
	if reason := g.BlockEntryReason("BTC_USDT", dec("94"), decimal.Zero); reason != "" {
		t.Fatalf("entry blocked on expired sample: %s", reason)
	}
}

func TestRecordFillAveragesEntries(t *testing.T) {
	g, _ := newTestGate(t)
	g.RecordFill("BTC_USDT", core.Buy, dec("100"), dec("1"))
	g.RecordFill("BTC_USDT", core.Buy, dec("110"), dec("1"))
	if got := g.AverageEntry("BTC_USDT"); got.Cmp(dec("105")) != 0 {
		t.Fatalf("avg entry = %s, want 105", got)
	}
	g.RecordFill("BTC_USDT", core.Sell, dec("120"), dec("2"))
	if got := g.HeldBase("BTC_USDT"); got.Cmp(decimal.Zero) != 0 {
		t.Fatalf("held base = %s, want 0 after full unwind", got)
	}
	if got := g.AverageEntry("BTC_USDT"); got.Cmp(decimal.Zero) != 0 {
		t.Fatalf("avg entry = %s, want reset after full unwind", got)
	}
}

func TestProfitLockTarget(t *testing.T) {
	g, _ := newTestGate(t)
	g.RecordFill("BTC_USDT", core.Buy, dec("100"), dec("1"))

	if _, ok := g.ProfitLockTarget("BTC_USDT", dec("101")); ok {
		t.Fatal("profit lock proposed below trigger threshold")
	}
	target, ok := g.ProfitLockTarget("BTC_USDT", dec("103"))
	if !ok {
		t.Fatal("profit lock not proposed above trigger threshold")
	}
	want := dec("103").Mul(dec("0.995"))
	if target.Cmp(want) != 0 {
		t.Fatalf("target = %s, want %s", target, want)
	}
	if target.Cmp(dec("100")) <= 0 {
		t.Fatalf("target %s not above average entry", target)
	}
}

func TestProfitLockRequiresHoldings(t *testing.T) {
	g, _ := newTestGate(t)
	if _, ok := g.ProfitLockTarget("BTC_USDT", dec("103")); ok {
		t.Fatal("profit lock proposed with no holdings")
	}
}
