package safety

import (
	"time"

	"github.com/shopspring/decimal"
)

type Profile string

const (
	ProfileNeutral   Profile = "neutral"
	ProfileDowntrend Profile = "downtrend"
	ProfileUptrend   Profile = "uptrend"
)

type TrendConfig struct {
	Window           time.Duration
	DownThresholdPct decimal.Decimal
	UpThresholdPct   decimal.Decimal
}

type trendState struct {
	profile Profile
	refAt   time.Time
	ref     decimal.Decimal
}

// TrendDetector classifies each market into a coarse profile from the price
// change against a reference sample. The reference refreshes when the window
// expires or the profile switches, so a profile must be re-earned from a
// fresh baseline.
type TrendDetector struct {
	cfg    TrendConfig
	states map[string]*trendState
	now    func() time.Time
}

func NewTrendDetector(cfg TrendConfig) *TrendDetector {
	return &TrendDetector{
		cfg:    cfg,
		states: make(map[string]*trendState),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Observe feeds a price sample and returns the market's profile plus whether
// it changed on this sample.
func (d *TrendDetector) Observe(market string, price decimal.Decimal) (Profile, bool) {
	st, ok := d.states[market]
	if !ok {
		st = &trendState{profile: ProfileNeutral}
		d.states[market] = st
	}
	if price.Cmp(decimal.Zero) <= 0 {
		return st.profile, false
	}
	now := d.now()
	if st.ref.Cmp(decimal.Zero) <= 0 || now.Sub(st.refAt) >= d.cfg.Window {
		st.ref = price
		st.refAt = now
		return st.profile, false
	}

	changePct := price.Sub(st.ref).Div(st.ref).Mul(oneHundred)
	next := st.profile
	switch {
	case changePct.Neg().Cmp(d.cfg.DownThresholdPct) >= 0:
		next = ProfileDowntrend
	case changePct.Cmp(d.cfg.UpThresholdPct) >= 0:
		next = ProfileUptrend
	default:
		next = ProfileNeutral
	}
	if next == st.profile {
		return st.profile, false
	}
	st.profile = next
	st.ref = price
	st.refAt = now
	return st.profile, true
}

func (d *TrendDetector) Profile(market string) Profile {
	if st, ok := d.states[market]; ok {
		return st.profile
	}
	return ProfileNeutral
}

func (d *TrendDetector) Forget(market string) {
	delete(d.states, market)
}
