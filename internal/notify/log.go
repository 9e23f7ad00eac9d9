package notify

import (
	"context"
	"log/slog"
)

// LogMailer writes messages to the log instead of sending them.
// It is the default for local development.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer creates a LogMailer.
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

// Send logs msg and always succeeds.
func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.logger.Info("mail",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.String("text", msg.Text),
	)
	return nil
}
