package app

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/fx"

	"github.com/rewired-gh/noisegate/internal/config"
	"github.com/rewired-gh/noisegate/internal/engine"
	"github.com/rewired-gh/noisegate/internal/logger"
	"github.com/rewired-gh/noisegate/internal/models"
	"github.com/rewired-gh/noisegate/internal/scheduler"
	"github.com/rewired-gh/noisegate/internal/telegram"
)

// logNotifier writes alerts to the log when Telegram is disabled.
type logNotifier struct{}

func (logNotifier) Push(_ context.Context, instrumentID int64, ev models.AlertEvent) error {
	logger.Info("ALERT %s instrument=%d %s/%s %s move=%.2f%% threshold=%.2f%% reason=%s",
		ev.Kind, instrumentID, ev.ClassID, ev.Ticker, ev.Window, ev.PctMove, ev.Threshold, ev.Reason)
	return nil
}

func (logNotifier) PushPortfolio(_ context.Context, portfolioID uuid.UUID, ev models.PortfolioAlertEvent) error {
	logger.Info("ALERT PORTFOLIO_%s portfolio=%s value=%.2f%% threshold=%.2f%% reason=%s",
		ev.Type, portfolioID, ev.ValuePct, ev.Threshold, ev.Reason)
	return nil
}

func (logNotifier) SendError(_ context.Context, err error) error {
	logger.Error("Check cycle failing: %v", err)
	return nil
}

func (logNotifier) SendRecovery(_ context.Context, failureCount int) error {
	logger.Info("Check cycle recovered after %d failures", failureCount)
	return nil
}

// channels holds the outbound notification targets.
type channels struct {
	fx.Out

	Notifier engine.Notifier
	Alerter  scheduler.Alerter
}

func provideTelegram(cfg *config.Config) (*telegram.Client, error) {
	tc := cfg.Telegram
	if !tc.Enabled {
		return nil, nil
	}
	return telegram.NewClient(tc.BotToken, tc.ChatID, telegram.Options{
		MaxRetries:     tc.MaxRetries,
		RetryDelayBase: tc.RetryDelayBase,
		RatePerSecond:  tc.RatePerSecond,
		Burst:          tc.Burst,
	})
}

func provideNotifier(tg *telegram.Client) channels {
	if tg == nil {
		logger.Info("Telegram disabled; alerts go to the log")
		return channels{Notifier: logNotifier{}, Alerter: logNotifier{}}
	}
	return channels{Notifier: tg, Alerter: tg}
}

func runTelegram(lc fx.Lifecycle, tg *telegram.Client, eng *engine.Engine) {
	if tg == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			tg.ListenForCommands(ctx, eng)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
