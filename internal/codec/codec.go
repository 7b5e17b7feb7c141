// Package codec validates inbound audio payloads and encodes outbound
// recognition events for the wire.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/voxgate/server/domain"
)

// Fixed audio profile, non-negotiable per session.
const (
	SampleRate    = 16000
	BitsPerSample = 16
	Channels      = 1

	sampleWidth = BitsPerSample / 8
)

// DecodeAudio decodes a base64 audio payload and validates it against the
// fixed linear PCM profile. Violations return domain.ErrMalformedFrame.
func DecodeAudio(data string) ([]byte, error) {
	if data == "" {
		return nil, fmt.Errorf("%w: empty payload", domain.ErrMalformedFrame)
	}
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", domain.ErrMalformedFrame, err)
	}
	if err := ValidatePCM(pcm); err != nil {
		return nil, err
	}
	return pcm, nil
}

// ValidatePCM checks raw bytes against the 16 kHz / 16-bit / mono profile.
func ValidatePCM(pcm []byte) error {
	if len(pcm) == 0 {
		return fmt.Errorf("%w: empty frame", domain.ErrMalformedFrame)
	}
	if len(pcm)%sampleWidth != 0 {
		return fmt.Errorf("%w: length %d is not a multiple of the %d-byte sample width",
			domain.ErrMalformedFrame, len(pcm), sampleWidth)
	}
	return nil
}

// partialMessage et al. are the three outbound wire shapes.
type partialMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// EncodeEvent serializes a recognition event into one of the three
// outbound message shapes. It is total: every event encodes.
func EncodeEvent(ev domain.Event) []byte {
	var payload []byte
	switch ev.Kind {
	case domain.EventPartial:
		payload, _ = json.Marshal(partialMessage{Type: "partial", Text: ev.Text})
	case domain.EventFinal:
		payload, _ = json.Marshal(partialMessage{Type: "final", Text: ev.Text})
	default:
		msg := domain.Reason(ev.Err)
		if ev.Err != nil {
			msg = fmt.Sprintf("%s: %s", domain.Reason(ev.Err), ev.Err.Error())
		}
		payload, _ = json.Marshal(errorMessage{Type: "error", Message: msg})
	}
	return payload
}
