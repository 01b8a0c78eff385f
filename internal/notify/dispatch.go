// Package notify fans items out to the configured delivery channels.
package notify

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/bilibili-notifier/internal/metrics"
	"github.com/JakeFAU/bilibili-notifier/internal/monitor"
)

// Outcome is the per-channel result of delivering one item.
type Outcome struct {
	// Delivered lists channels that accepted the item in this attempt.
	Delivered []string
	// Skipped lists channels that had already accepted it in an earlier cycle.
	Skipped []string
	// Failed maps channel name to the delivery error.
	Failed map[string]error
}

// Complete reports whether every channel has now accepted the item.
func (o Outcome) Complete() bool {
	return len(o.Failed) == 0
}

// Dispatcher sends items to every channel in order.
type Dispatcher struct {
	notifiers []monitor.Notifier
	logger    *zap.Logger
}

// NewDispatcher builds a Dispatcher over notifiers.
func NewDispatcher(notifiers []monitor.Notifier, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{notifiers: slices.Clone(notifiers), logger: logger.Named("notify")}
}

// Channels returns the channel names in dispatch order.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.notifiers))
	for _, n := range d.notifiers {
		names = append(names, n.Name())
	}
	return names
}

// Deliver sends item to every channel not listed in already. A failing
// channel never prevents the others from being tried.
func (d *Dispatcher) Deliver(
	ctx context.Context,
	account monitor.Account,
	item monitor.ContentItem,
	already []string,
) Outcome {
	var out Outcome
	for _, n := range d.notifiers {
		channel := n.Name()
		if slices.Contains(already, channel) {
			out.Skipped = append(out.Skipped, channel)
			metrics.ObserveNotification(channel, "skipped")
			continue
		}
		if err := n.Send(ctx, account, item); err != nil {
			if out.Failed == nil {
				out.Failed = make(map[string]error)
			}
			out.Failed[channel] = err
			metrics.ObserveNotification(channel, "failure")
			d.logger.Warn("notification failed",
				zap.String("channel", channel),
				zap.Int64("mid", account.MID),
				zap.String("kind", string(item.Kind)),
				zap.String("item_id", item.ID),
				zap.Error(err),
			)
			continue
		}
		out.Delivered = append(out.Delivered, channel)
		metrics.ObserveNotification(channel, "success")
		d.logger.Debug("notification sent",
			zap.String("channel", channel),
			zap.Int64("mid", account.MID),
			zap.String("item_id", item.ID),
		)
	}
	return out
}
