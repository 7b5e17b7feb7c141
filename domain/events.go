package domain

// EventKind discriminates recognition events flowing from the upstream
// recognizer back to the client.
type EventKind int

const (
	// EventPartial is a non-terminal incremental transcription update.
	// Each partial supersedes the previous one; partials are never
	// accumulated.
	EventPartial EventKind = iota

	// EventFinal is the terminal transcription result ending an utterance.
	EventFinal

	// EventError terminates an utterance without a transcript.
	EventError
)

// Event is one recognition event. For a single utterance the upstream
// produces zero or more partials followed by exactly one final or one
// error, in order.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Partial builds a partial transcript event.
func Partial(text string) Event {
	return Event{Kind: EventPartial, Text: text}
}

// Final builds a terminal transcript event.
func Final(text string) Event {
	return Event{Kind: EventFinal, Text: text}
}

// ErrorEvent builds a terminal error event.
func ErrorEvent(err error) Event {
	return Event{Kind: EventError, Err: err}
}

// Terminal reports whether the event ends the utterance.
func (e Event) Terminal() bool {
	return e.Kind == EventFinal || e.Kind == EventError
}
