package infra

import (
	"log/slog"

	"github.com/congo-pay/settlement/internal/config"
	"github.com/congo-pay/settlement/internal/notification"
)

// NewNotifier returns an AMQP notifier when AMQP_URL is set and reachable,
// otherwise a logging notifier. The returned close func is never nil.
func NewNotifier(cfg config.Config, logger *slog.Logger) (notification.Notifier, func()) {
	if cfg.AMQPURL == "" {
		return notification.NewLoggerNotifier(logger), func() {}
	}
	n, err := notification.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, logger)
	if err != nil {
		logger.Warn("amqp unavailable; falling back to log notifier", slog.Any("error", err))
		return notification.NewLoggerNotifier(logger), func() {}
	}
	return n, func() {
		if err := n.Close(); err != nil {
			logger.Warn("close amqp", slog.Any("error", err))
		}
	}
}
