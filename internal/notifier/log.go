package notifier

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogNotifier logs the message instead of sending it. Used when no provider
// credentials are configured, so the service stays usable in development.
type LogNotifier struct {
	logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(_ context.Context, to, body string) error {
	n.logger.WithFields(logrus.Fields{
		"to":   to,
		"body": body,
	}).Info("SMS delivery skipped (dry run)")
	return nil
}
