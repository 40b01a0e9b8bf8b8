package whitebit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"position-manager/internal/logger"
)

const (
	wsDialTimeout   = 10 * time.Second
	wsPingInterval  = 25 * time.Second
	wsReadDeadline  = 60 * time.Second
	wsReconnectWait = 5 * time.Second
)

// PriceFunc receives last-price updates from the public stream.
type PriceFunc func(market string, price decimal.Decimal)

// TickerStream keeps a lastprice subscription open against the public
// websocket, feeding price samples between REST polls. It reconnects with a
// flat wait forever; a dead stream only costs sample freshness, the REST
// poll remains the source of truth.
type TickerStream struct {
	url     string
	markets []string
	onPrice PriceFunc
}

func NewTickerStream(wsURL string, markets []string, onPrice PriceFunc) *TickerStream {
	return &TickerStream{url: wsURL, markets: markets, onPrice: onPrice}
}

type wsRequest struct {
	ID     int64         `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type wsMessage struct {
	ID     *int64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func (s *TickerStream) Run(ctx context.Context) {
	if len(s.markets) == 0 {
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.session(ctx); err != nil && ctx.Err() == nil {
			logger.Event("ticker_ws_disconnected").WithField("error", err.Error()).
				Warn("price stream dropped, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wsReconnectWait):
		}
	}
}

func (s *TickerStream) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, wsDialTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.url, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	params := make([]interface{}, 0, len(s.markets))
	for _, m := range s.markets {
		params = append(params, m)
	}
	sub := wsRequest{ID: 1, Method: "lastprice_subscribe", Params: params}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	logger.Event("ticker_ws_subscribed").WithField("markets", len(s.markets)).
		Info("price stream connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				ping := wsRequest{ID: 2, Method: "ping", Params: []interface{}{}}
				if err := conn.WriteJSON(ping); err != nil {
					return
				}
			}
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(wsReadDeadline)); err != nil {
			return err
		}
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Method != "lastprice_update" || len(msg.Params) < 2 {
			continue
		}
		var market, raw string
		if err := json.Unmarshal(msg.Params[0], &market); err != nil {
			continue
		}
		if err := json.Unmarshal(msg.Params[1], &raw); err != nil {
			continue
		}
		price, err := decimal.NewFromString(raw)
		if err != nil || price.Cmp(decimal.Zero) <= 0 {
			continue
		}
		s.onPrice(market, price)
	}
}
