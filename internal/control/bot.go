package control

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"position-manager/internal/engine"
	"position-manager/internal/logger"
	"position-manager/internal/market"
)

// Bot bridges a Telegram chat to the runner's command queue. Every state
// mutation goes through engine.Command so the chat never races the
// reconciliation loop.
type Bot struct {
	api    *tgbotapi.BotAPI
	chatID int64
	runner *engine.Runner
}

func NewBot(api *tgbotapi.BotAPI, chatID int64, runner *engine.Runner) *Bot {
	return &Bot{api: api, chatID: chatID, runner: runner}
}

// Run long-polls Telegram until the context ends. Messages from any other
// chat are dropped.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)
	go func() {
		<-ctx.Done()
		b.api.StopReceivingUpdates()
	}()
	logger.Event("control_bot_started").WithField("chat_id", b.chatID).Info("telegram control online")
	for update := range updates {
		if update.Message == nil || update.Message.Text == "" {
			continue
		}
		if update.Message.Chat.ID != b.chatID {
			logger.Event("control_bot_rejected").WithFields(logrus.Fields{
				"chat_id": update.Message.Chat.ID,
				"from":    update.Message.From.UserName,
			}).Warn("message from unauthorized chat")
			continue
		}
		b.handle(update.Message.Text)
	}
}

func (b *Bot) handle(text string) {
	req, err := Parse(text)
	if err != nil {
		b.reply(err.Error())
		return
	}
	if req.Kind == KindHelp {
		b.reply(HelpText())
		return
	}
	if !b.runner.Enqueue(b.command(req)) {
		b.reply("command queue full, try again shortly")
	}
}

func (b *Bot) command(req Request) engine.Command {
	return engine.Command{
		Name:  string(req.Kind),
		Reply: b.reply,
		Run: func(ctx context.Context, r *engine.Runner) (string, error) {
			switch req.Kind {
			case KindStatus:
				return r.StatusText(), nil

			case KindPrice:
				tk, err := r.Gateway().Ticker(ctx, req.Symbol)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%s last=%s bid=%s ask=%s spread=%s%%",
					req.Symbol, tk.Last, tk.Bid, tk.Ask, tk.SpreadPct().Round(4)), nil

			case KindBalance:
				bal, err := r.Gateway().Balance(ctx, req.Symbol)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%s available=%s locked=%s",
					req.Symbol, bal.Available, bal.Locked), nil

			case KindBuy:
				return r.ManualBuy(ctx, req.Symbol, req.Amount)

			case KindSell:
				return r.ManualSell(ctx, req.Symbol, req.Amount)

			case KindAddMarket:
				return r.AddMarket(ctx, req.Symbol)

			case KindRemoveMarket:
				return r.RemoveMarket(ctx, req.Symbol)

			case KindSetBudget:
				err := r.UpdateMarket(req.Symbol, func(c *market.Config) {
					c.QuoteBudget = req.Amount
				})
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%s quote budget set to %s", req.Symbol, req.Amount), nil

			case KindSetTP:
				err := r.UpdateMarket(req.Symbol, func(c *market.Config) {
					c.TakeProfitPct = req.Percent
				})
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%s take-profit set to %s%%", req.Symbol, req.Percent), nil

			case KindSetSL:
				err := r.UpdateMarket(req.Symbol, func(c *market.Config) {
					c.StopLossPct = req.Percent
				})
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%s stop-loss set to %s%%", req.Symbol, req.Percent), nil

			case KindAuto:
				err := r.UpdateMarket(req.Symbol, func(c *market.Config) {
					c.AutoTrade = req.On
				})
				if err != nil {
					return "", err
				}
				state := "off"
				if req.On {
					state = "on"
				}
				return fmt.Sprintf("%s auto trading %s", req.Symbol, state), nil

			case KindStop:
				r.SetPaused(true)
				return "entries paused; protection keeps running", nil

			case KindStart:
				r.SetPaused(false)
				return "entries resumed", nil
			}
			return "", fmt.Errorf("%w: %s", ErrUnknownCommand, req.Kind)
		},
	}
}

func (b *Bot) reply(text string) {
	if text == "" {
		text = "ok"
	}
	if _, err := b.api.Send(tgbotapi.NewMessage(b.chatID, text)); err != nil {
		logger.Event("control_bot_reply_failed").Warn(err.Error())
	}
}
