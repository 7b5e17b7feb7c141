package repositories

import (
	"context"

	"github.com/voxgate/server/domain"
)

// AudioConfig represents audio configuration for speech recognition
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}

// Recognizer abstracts the remote streaming speech-recognition capability.
type Recognizer interface {
	// Open establishes one outbound recognition stream. It completes or
	// fails within the provider's connect timeout; failure is reported
	// as domain.ErrUpstreamUnavailable.
	Open(ctx context.Context, config AudioConfig) (RecognizerStream, error)
}

// RecognizerStream is one utterance-scoped stream to the recognizer.
// Events delivers zero or more partials followed by exactly one final or
// error, in upstream order, then the channel closes.
type RecognizerStream interface {
	// Send forwards one audio frame upstream. It returns
	// domain.ErrUpstreamClosed once the stream has terminated.
	Send(frame []byte) error

	// RequestFinal signals end-of-utterance and arms the final-result
	// timeout. If no terminal event arrives in time the stream emits an
	// error event carrying domain.ErrFinalTimeout and closes itself.
	RequestFinal()

	// Events returns the ordered event sequence for this stream.
	Events() <-chan domain.Event

	// Close releases the connection. Idempotent; safe on every exit path.
	Close() error
}
