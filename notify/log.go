package notify

import (
	"context"

	"go.uber.org/zap"
)

// Log is a notifier that only records the notification. Useful in
// environments without an outbox relay, and as the dry-run default.
type Log struct {
	logger *zap.Logger
}

// NewLog wires a logging notifier.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// Notify logs the would-be notification and succeeds.
func (l *Log) Notify(ctx context.Context, partyID, event string, payload map[string]any) error {
	l.logger.Info("notification",
		zap.String("party_id", partyID),
		zap.String("event", event),
		zap.Any("payload", payload),
	)
	return nil
}
