package repositories

import "context"

// TranscriptConsumer is the chat pipeline's side of the contract: it
// receives exactly one finalized transcript per completed utterance, as
// an ordinary end-user message for the given session.
type TranscriptConsumer interface {
	Deliver(ctx context.Context, sessionID string, transcript string) error
}
