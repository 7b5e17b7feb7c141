package asr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voxgate/server/domain"
	"github.com/voxgate/server/domain/repositories"
)

// Mock is a keyless recognizer for tests and local development. It emits
// a partial guess per chunk and a canned final transcript sized to the
// amount of audio received.
type Mock struct {
	logger *zap.Logger

	// OpenErr, when set, makes every Open fail.
	OpenErr error

	// Hang, when set, withholds the terminal event after RequestFinal so
	// the final-result timeout path can be exercised.
	Hang bool

	// FinalTimeout bounds the wait for the terminal event.
	FinalTimeout time.Duration
}

// NewMock creates a mock recognizer.
func NewMock(logger *zap.Logger) *Mock {
	return &Mock{logger: logger, FinalTimeout: 10 * time.Second}
}

// Open implements repositories.Recognizer.
func (m *Mock) Open(ctx context.Context, config repositories.AudioConfig) (repositories.RecognizerStream, error) {
	if m.OpenErr != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, m.OpenErr)
	}
	m.logger.Info("Mock recognition stream opened",
		zap.Int("sampleRate", config.SampleRate),
		zap.String("language", config.Language))
	return &mockStream{
		logger:       m.logger,
		hang:         m.Hang,
		finalTimeout: m.FinalTimeout,
		events:       make(chan domain.Event, 16),
		closing:      make(chan struct{}),
	}, nil
}

type mockStream struct {
	logger       *zap.Logger
	hang         bool
	finalTimeout time.Duration

	events  chan domain.Event
	closing chan struct{}

	mu       sync.Mutex
	received int
	closed   bool

	terminalOnce sync.Once
	closeOnce    sync.Once
}

func (s *mockStream) Send(frame []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrUpstreamClosed
	}
	s.received += len(frame)
	text := s.transcription()
	s.mu.Unlock()

	select {
	case s.events <- domain.Partial(text):
	case <-s.closing:
	}
	return nil
}

func (s *mockStream) RequestFinal() {
	if s.hang {
		time.AfterFunc(s.finalTimeout, func() {
			s.terminal(domain.ErrorEvent(domain.ErrFinalTimeout))
		})
		return
	}
	s.mu.Lock()
	text := s.transcription()
	s.mu.Unlock()
	s.terminal(domain.Final(text))
}

func (s *mockStream) Events() <-chan domain.Event {
	return s.events
}

func (s *mockStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.terminalOnce.Do(func() {
			close(s.closing)
		})
		close(s.events)
	})
	return nil
}

func (s *mockStream) terminal(ev domain.Event) {
	s.terminalOnce.Do(func() {
		select {
		case s.events <- ev:
		case <-s.closing:
		}
		close(s.closing)
	})
}

// transcription fakes a result sized to the cumulative audio. Callers
// hold s.mu.
func (s *mockStream) transcription() string {
	switch {
	case s.received > 64000:
		return "hello there, this is a longer test utterance"
	case s.received > 16000:
		return "hello there"
	case s.received > 0:
		return "hello"
	default:
		return ""
	}
}
