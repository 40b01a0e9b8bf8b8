package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"position-manager/internal/alert"
	"position-manager/internal/config"
	"position-manager/internal/control"
	"position-manager/internal/engine"
	"position-manager/internal/exchange"
	"position-manager/internal/exchange/paper"
	"position-manager/internal/exchange/whitebit"
	"position-manager/internal/logger"
	"position-manager/internal/market"
	"position-manager/internal/risk"
	"position-manager/internal/safety"
	"position-manager/internal/scalp"
	"position-manager/internal/store"
)

// Scalp ladders re-seed at most this often per market.
const scalpSeedCooldown = 30 * time.Minute

// Paper mode trades simulated funds against real market data.
var paperStartingQuote = decimal.NewFromInt(10000)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	logger.Init(os.Getenv("LOG_LEVEL"))
	creds := config.LoadCredentials()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stateDir := filepath.Join(cfg.State.Dir, string(cfg.Mode), cfg.InstanceID)
	st, err := store.New(stateDir)
	if err != nil {
		fatal(err.Error())
	}
	lockTakeover := true
	if cfg.State.LockTakeover != nil {
		lockTakeover = *cfg.State.LockTakeover
	}
	instanceLock, err := store.AcquireInstanceLock(stateDir, store.LockOptions{
		TakeoverEnabled: lockTakeover,
		StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
	})
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if relErr := instanceLock.Release(); relErr != nil {
			fmt.Fprintf(os.Stderr, "release instance lock failed: %v\n", relErr)
		}
	}()

	wb := whitebit.NewClient(whitebit.Options{
		APIKey:         creds.APIKey,
		APISecret:      creds.APISecret,
		RestBaseURL:    cfg.Exchange.RestBaseURL,
		InstanceID:     cfg.InstanceID,
		HTTPTimeoutSec: cfg.Exchange.HTTPTimeoutSec,
	})
	var gateway exchange.Gateway
	var paperGW *paper.Gateway
	if cfg.Mode == config.ModeLive {
		if !wb.CanTrade() {
			logger.Event("gateway_read_only").
				Warn("exchange credentials missing, live mode degraded to read-only")
		}
		gateway = wb
	} else {
		paperGW = paper.NewGateway()
		paperGW.SeedBalance("USDT", paperStartingQuote)
		seedPaperMarkets(ctx, wb, paperGW, cfg.Markets)
		gateway = paperGW
	}

	reg := market.NewRegistry()
	if doc, found, err := st.Load(); err != nil {
		fatal("load state: " + err.Error())
	} else if found {
		store.Restore(reg, doc)
		logger.Event("state_restored").WithField("markets", len(doc.Markets)).Info("state loaded")
	}
	for _, symbol := range cfg.Markets {
		if _, ok := reg.Config(symbol); ok {
			continue
		}
		if err := reg.Add(symbol, engine.DefaultMarketConfig(cfg.Defaults)); err != nil {
			fatal(err.Error())
		}
	}

	gate := safety.NewGate(safety.GateConfig{
		MaxSpreadPct:         cfg.Safety.MaxSpreadPct.Decimal,
		PriceWindowPct:       cfg.Safety.PriceWindowPct.Decimal,
		PriceWindow:          time.Duration(cfg.Safety.PriceWindowMin) * time.Minute,
		PauseAfterStop:       time.Duration(cfg.Safety.PauseAfterStopMin) * time.Minute,
		ProfitLockTriggerPct: cfg.Safety.ProfitLockTriggerPct.Decimal,
		ProfitLockGapPct:     cfg.Safety.ProfitLockGapPct.Decimal,
	})
	trend := safety.NewTrendDetector(safety.TrendConfig{
		Window:           time.Duration(cfg.Trend.WindowMin) * time.Minute,
		DownThresholdPct: cfg.Trend.DownThresholdPct.Decimal,
		UpThresholdPct:   cfg.Trend.UpThresholdPct.Decimal,
	})
	breaker := safety.NewTradeBreaker(cfg.Safety.MaxConsecFailures,
		time.Duration(cfg.Safety.FailureCooldownSec)*time.Second)

	var botAPI *tgbotapi.BotAPI
	var alerts *alert.Manager
	if cfg.Observability.Telegram.Enabled {
		if creds.BotToken == "" {
			fatal("telegram enabled but BOT_TOKEN is not set")
		}
		botAPI, err = tgbotapi.NewBotAPI(creds.BotToken)
		if err != nil {
			fatal("telegram: " + err.Error())
		}
		notifier := alert.NewTelegramNotifier(botAPI, cfg.Observability.Telegram.ChatID)
		alerts = alert.NewManagerWithOptions(string(cfg.Mode), cfg.InstanceID, notifier, alert.ManagerOptions{
			DropReportInterval: time.Duration(cfg.Observability.Runtime.AlertDropReportSec) * time.Second,
		})
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				fmt.Fprintf(os.Stderr, "close alert manager failed: %v\n", err)
			}
		}()
		breaker.SetAlerter(alerts)
	}

	runner := engine.NewRunner(engine.Deps{
		Config:   cfg,
		Gateway:  gateway,
		Registry: reg,
		Store:    st,
		Gate:     gate,
		Trend:    trend,
		Breaker:  breaker,
		Risk:     risk.NewController(gateway),
		Scalp:    scalp.NewEngine(gateway, scalpSeedCooldown),
		Alerts:   alerts,
	})

	if cfg.Observability.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Observability.Metrics.Addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Event("metrics_server_failed").Error(err.Error())
			}
		}()
		go func() {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
	}

	stream := whitebit.NewTickerStream(cfg.Exchange.WSBaseURL, cfg.Markets, func(symbol string, price decimal.Decimal) {
		if paperGW != nil {
			paperGW.SetPrice(symbol, price)
		}
		runner.ObservePrice(symbol, price)
	})
	go stream.Run(ctx)

	if botAPI != nil {
		go control.NewBot(botAPI, cfg.Observability.Telegram.ChatID, runner).Run(ctx)
	}

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err.Error())
	}
}

// seedPaperMarkets loads real trading rules and a starting price for each
// configured market so the simulation quantizes like the venue would.
func seedPaperMarkets(ctx context.Context, wb *whitebit.Client, gw *paper.Gateway, markets []string) {
	for _, symbol := range markets {
		rules, err := wb.MarketRules(ctx, symbol)
		if err != nil {
			logger.Event("paper_seed_failed").WithField("market", symbol).Warn(err.Error())
			continue
		}
		gw.SetRules(symbol, rules)
		if tk, err := wb.Ticker(ctx, symbol); err == nil {
			gw.SetPrice(symbol, tk.Last)
		}
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, "positionbot: "+msg)
	os.Exit(1)
}
