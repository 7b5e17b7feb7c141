package chat

import (
	"context"

	"go.uber.org/zap"
)

// Noop logs transcripts without forwarding them anywhere. Used when the
// chat pipeline lives in a separate deployment.
type Noop struct {
	logger *zap.Logger
}

// NewNoop creates a logging-only transcript consumer.
func NewNoop(logger *zap.Logger) *Noop {
	return &Noop{logger: logger}
}

// Deliver implements repositories.TranscriptConsumer.
func (n *Noop) Deliver(ctx context.Context, sessionID string, transcript string) error {
	n.logger.Info("Transcript finalized",
		zap.String("sessionID", sessionID),
		zap.String("transcript", transcript))
	return nil
}
