package control

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommands(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Request
	}{
		{"status", "/status", Request{Kind: KindStatus}},
		{"help without slash", "help", Request{Kind: KindHelp}},
		{"bot suffix stripped", "/status@positionbot", Request{Kind: KindStatus}},
		{"price", "/price btc_usdt", Request{Kind: KindPrice, Symbol: "BTC_USDT"}},
		{"balance default asset", "/balance", Request{Kind: KindBalance, Symbol: "USDT"}},
		{"balance explicit", "/balance btc", Request{Kind: KindBalance, Symbol: "BTC"}},
		{"buy", "/buy BTC_USDT 50", Request{Kind: KindBuy, Symbol: "BTC_USDT", Amount: decimal.RequireFromString("50")}},
		{"sell", "/sell eth_usdt 0.25", Request{Kind: KindSell, Symbol: "ETH_USDT", Amount: decimal.RequireFromString("0.25")}},
		{"addmarket", "/addmarket doge_usdt", Request{Kind: KindAddMarket, Symbol: "DOGE_USDT"}},
		{"settp", "/settp BTC_USDT 1.5", Request{Kind: KindSetTP, Symbol: "BTC_USDT", Percent: decimal.RequireFromString("1.5")}},
		{"setsl zero disables", "/setsl BTC_USDT 0", Request{Kind: KindSetSL, Symbol: "BTC_USDT", Percent: decimal.Zero}},
		{"auto on", "/auto BTC_USDT on", Request{Kind: KindAuto, Symbol: "BTC_USDT", On: true}},
		{"auto off", "/auto BTC_USDT OFF", Request{Kind: KindAuto, Symbol: "BTC_USDT", On: false}},
		{"stop", "/stop", Request{Kind: KindStop}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want.Kind, got.Kind)
			assert.Equal(t, tc.want.Symbol, got.Symbol)
			assert.True(t, tc.want.Amount.Equal(got.Amount), "amount = %s", got.Amount)
			assert.True(t, tc.want.Percent.Equal(got.Percent), "percent = %s", got.Percent)
			assert.Equal(t, tc.want.On, got.On)
		})
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"empty", "   "},
		{"unknown", "/frobnicate"},
		{"price missing symbol", "/price"},
		{"buy missing amount", "/buy BTC_USDT"},
		{"buy negative amount", "/buy BTC_USDT -5"},
		{"buy zero amount", "/buy BTC_USDT 0"},
		{"buy non-numeric", "/buy BTC_USDT lots"},
		{"settp negative", "/settp BTC_USDT -1"},
		{"auto bad flag", "/auto BTC_USDT maybe"},
		{"balance too many args", "/balance BTC USDT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.in)
			assert.Error(t, err)
		})
	}
}
