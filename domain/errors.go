package domain

import "errors"

// Session-local error taxonomy. All of these are recoverable: they are
// reported to the originating client as a single error event and never
// propagate to other sessions.
var (
	// ErrMalformedFrame means the client sent an undecodable audio
	// payload. The session continues.
	ErrMalformedFrame = errors.New("malformed audio frame")

	// ErrSessionBusy rejects a start while an utterance is in flight.
	// The in-flight utterance is untouched.
	ErrSessionBusy = errors.New("session busy")

	// ErrUpstreamUnavailable means the upstream recognizer could not be
	// opened. The client may retry start.
	ErrUpstreamUnavailable = errors.New("upstream recognizer unavailable")

	// ErrUpstreamClosed means the upstream stream terminated mid-utterance.
	ErrUpstreamClosed = errors.New("upstream stream closed")

	// ErrFinalTimeout means the upstream stayed silent past the
	// final-result bound after end-of-utterance was requested.
	ErrFinalTimeout = errors.New("timed out waiting for final result")

	// ErrSessionNotFound means a command addressed an evicted or unknown
	// session.
	ErrSessionNotFound = errors.New("session not found")
)

// Reason maps a taxonomy error to its wire-level reason code. Unknown
// errors map to "Internal".
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedFrame):
		return "MalformedFrame"
	case errors.Is(err, ErrSessionBusy):
		return "SessionBusy"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "UpstreamUnavailable"
	case errors.Is(err, ErrUpstreamClosed):
		return "UpstreamClosed"
	case errors.Is(err, ErrFinalTimeout):
		return "FinalTimeout"
	case errors.Is(err, ErrSessionNotFound):
		return "SessionNotFound"
	default:
		return "Internal"
	}
}
