package websocket

import (
	"encoding/json"
	"fmt"

	"github.com/voxgate/server/domain"
)

// MessageType defines the type of an inbound client message.
type MessageType string

// Supported client message types. Start is explicit: recording begins on
// a start message, never implicitly on the first audio frame.
const (
	MessageTypeStart MessageType = "start"
	MessageTypeAudio MessageType = "audio"
	MessageTypeStop  MessageType = "stop"
)

// ClientMessage is the single inbound wire shape.
type ClientMessage struct {
	Type MessageType `json:"type"`
	// Data carries base64-encoded linear PCM for audio messages.
	Data string `json:"data,omitempty"`
}

// ParseClientMessage decodes and validates one inbound message. Errors
// wrap domain.ErrMalformedFrame so they surface as recoverable error
// events, never as a connection close.
func ParseClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", domain.ErrMalformedFrame, err)
	}

	switch msg.Type {
	case MessageTypeStart, MessageTypeStop:
		return &msg, nil
	case MessageTypeAudio:
		if msg.Data == "" {
			return nil, fmt.Errorf("%w: audio message without data", domain.ErrMalformedFrame)
		}
		return &msg, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", domain.ErrMalformedFrame, msg.Type)
	}
}
