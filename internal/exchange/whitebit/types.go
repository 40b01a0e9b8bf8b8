package whitebit

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// APIError is the error document returned by the v4 API.
type APIError struct {
	Status  int                 `json:"-"`
	Code    int                 `json:"code"`
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors"`
}

func (e APIError) Error() string {
	if len(e.Errors) > 0 {
		return fmt.Sprintf("whitebit api error (http %d, code %d): %s %v", e.Status, e.Code, e.Message, e.Errors)
	}
	return fmt.Sprintf("whitebit api error (http %d, code %d): %s", e.Status, e.Code, e.Message)
}

type marketInfo struct {
	Name          string          `json:"name"`
	Stock         string          `json:"stock"`
	Money         string          `json:"money"`
	StockPrec     int32           `json:"stockPrec"`
	MoneyPrec     int32           `json:"moneyPrec"`
	MinAmount     decimal.Decimal `json:"minAmount"`
	MinTotal      decimal.Decimal `json:"minTotal"`
	TradesEnabled bool            `json:"tradesEnabled"`
}

type tickerEntry struct {
	LastPrice   decimal.Decimal `json:"last_price"`
	BaseVolume  decimal.Decimal `json:"base_volume"`
	QuoteVolume decimal.Decimal `json:"quote_volume"`
	IsFrozen    bool            `json:"isFrozen"`
}

type orderBook struct {
	Asks [][]decimal.Decimal `json:"asks"`
	Bids [][]decimal.Decimal `json:"bids"`
}

type orderResponse struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Market        string          `json:"market"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Timestamp     float64         `json:"timestamp"`
	DealMoney     decimal.Decimal `json:"dealMoney"`
	DealStock     decimal.Decimal `json:"dealStock"`
	Amount        decimal.Decimal `json:"amount"`
	Left          decimal.Decimal `json:"left"`
	Price         decimal.Decimal `json:"price"`
}

type balanceEntry struct {
	Available decimal.Decimal `json:"available"`
	Freeze    decimal.Decimal `json:"freeze"`
}
