package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/bilibili-notifier/internal/config"
	"github.com/JakeFAU/bilibili-notifier/internal/monitor"
	"github.com/JakeFAU/bilibili-notifier/internal/notify/email"
	"github.com/JakeFAU/bilibili-notifier/internal/notify/pubsub"
	"github.com/JakeFAU/bilibili-notifier/internal/notify/serverchan"
	"github.com/JakeFAU/bilibili-notifier/internal/notify/telegram"
)

// Build creates a Notifier for every enabled and correctly configured channel.
// Misconfigured channels are skipped with a warning. The returned function
// releases channel resources and is never nil.
func Build(ctx context.Context, cfg config.NotificationsConfig, logger *zap.Logger) ([]monitor.Notifier, func() error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		notifiers []monitor.Notifier
		closers   []func() error
	)
	skip := func(channel string, err error) {
		logger.Warn("notification channel enabled but misconfigured, skipping",
			zap.String("channel", channel),
			zap.Error(err),
		)
	}

	if t := cfg.Telegram; t.Enabled {
		if n, err := telegram.New(telegram.Config{BotToken: t.BotToken, ChatID: t.ChatID, Logger: logger}); err != nil {
			skip(telegram.Name, err)
		} else {
			notifiers = append(notifiers, n)
		}
	}

	if e := cfg.Email; e.Enabled {
		n, err := email.New(email.Config{
			Host:     e.SMTPHost,
			Port:     e.SMTPPort,
			UseTLS:   e.UseTLS,
			Username: e.Username,
			Password: e.Password,
			From:     e.FromAddr,
			To:       e.ToAddrs,
			Logger:   logger,
		})
		if err != nil {
			skip(email.Name, err)
		} else {
			notifiers = append(notifiers, n)
		}
	}

	if s := cfg.ServerChan; s.Enabled {
		if n, err := serverchan.New(serverchan.Config{SendKey: s.SendKey, Logger: logger}); err != nil {
			skip(serverchan.Name, err)
		} else {
			notifiers = append(notifiers, n)
		}
	}

	if p := cfg.PubSub; p.Enabled {
		n, closeFn, err := pubsub.Dial(ctx, p.ProjectID, p.Topic)
		if err != nil {
			skip(pubsub.Name, err)
		} else {
			notifiers = append(notifiers, n)
			closers = append(closers, closeFn)
		}
	}

	if len(notifiers) == 0 {
		logger.Warn("no notification channels configured; new items will only be logged")
	}
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	return notifiers, closeAll
}
