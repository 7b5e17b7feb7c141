// Package session implements the per-client recognition state machine and
// the registry of active sessions. All mutable session state is owned by a
// single goroutine per session; the transport hands commands over a
// message queue instead of mutating fields directly.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxgate/server/domain"
	"github.com/voxgate/server/domain/repositories"
)

// State is the session protocol state.
type State int32

const (
	StateIdle State = iota
	StateRecording
	StateAwaitingFinal
	StateClosing
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateAwaitingFinal:
		return "awaiting_final"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// EventSink receives outbound events for the session's client. It is
// invoked only from the session goroutine, so delivery order matches
// production order.
type EventSink func(domain.Event)

// Config carries the per-session knobs.
type Config struct {
	// ConnectTimeout bounds Recognizer.Open.
	ConnectTimeout time.Duration

	// DeliverTimeout bounds the transcript hand-off to the chat pipeline.
	DeliverTimeout time.Duration

	Audio repositories.AudioConfig
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdFrame
	cmdStop
)

type command struct {
	kind  commandKind
	frame []byte
}

// Session is one client's recognition state, spanning zero or more
// utterances. At most one utterance is in flight at a time and at most
// one upstream stream exists at a time.
type Session struct {
	ID       string
	ClientID string

	recognizer repositories.Recognizer
	consumer   repositories.TranscriptConsumer
	sink       EventSink
	cfg        Config
	logger     *zap.Logger

	commands chan command
	closed   chan struct{}
	done     chan struct{}

	closeOnce sync.Once

	// Owned by the run goroutine.
	state          State
	stream         repositories.RecognizerStream
	events         <-chan domain.Event
	pendingPartial string
	seq            uint64

	createdAt     time.Time
	lastActivity  atomic.Int64
	stateVal      atomic.Int32
	droppedFrames atomic.Uint64
}

// New creates a session and starts its owning goroutine.
func New(
	clientID string,
	recognizer repositories.Recognizer,
	consumer repositories.TranscriptConsumer,
	sink EventSink,
	cfg Config,
	logger *zap.Logger,
) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 30 * time.Second
	}
	s := &Session{
		ID:         uuid.NewString(),
		ClientID:   clientID,
		recognizer: recognizer,
		consumer:   consumer,
		sink:       sink,
		cfg:        cfg,
		logger:     logger,
		commands:   make(chan command, 64),
		closed:     make(chan struct{}),
		done:       make(chan struct{}),
		createdAt:  time.Now(),
	}
	s.touch()
	go s.run()
	return s
}

// Start requests a new utterance. Errors surface on the event sink.
func (s *Session) Start() {
	s.enqueue(command{kind: cmdStart})
}

// Frame hands one decoded audio frame to the session. Ownership of the
// slice transfers to the session.
func (s *Session) Frame(pcm []byte) {
	s.enqueue(command{kind: cmdFrame, frame: pcm})
}

// Stop ends the current utterance. A no-op unless recording.
func (s *Session) Stop() {
	s.enqueue(command{kind: cmdStop})
}

// Close tears the session down: the upstream stream is force-closed and
// pending events are discarded. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

// Done is closed once teardown has completed and the upstream connection
// is released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Closed reports whether teardown has begun. Commands enqueued after this
// point are discarded.
func (s *Session) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// State returns the current protocol state.
func (s *Session) State() State {
	return State(s.stateVal.Load())
}

// DroppedFrames reports how many frames arrived outside of recording.
func (s *Session) DroppedFrames() uint64 {
	return s.droppedFrames.Load()
}

// LastActivity is the time of the most recent client command.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) enqueue(cmd command) {
	select {
	case s.commands <- cmd:
	case <-s.closed:
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) setState(st State) {
	s.state = st
	s.stateVal.Store(int32(st))
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.closed:
			s.teardown()
			return
		case cmd := <-s.commands:
			s.touch()
			switch cmd.kind {
			case cmdStart:
				s.handleStart()
			case cmdFrame:
				s.handleFrame(cmd.frame)
			case cmdStop:
				s.handleStop()
			}
		case ev, ok := <-s.events:
			if !ok {
				s.handleStreamGone()
				continue
			}
			s.handleUpstreamEvent(ev)
		}
	}
}

func (s *Session) handleStart() {
	if s.state == StateRecording || s.state == StateAwaitingFinal {
		s.logger.Warn("Start rejected, utterance in flight",
			zap.String("sessionID", s.ID),
			zap.String("state", s.state.String()))
		s.sink(domain.ErrorEvent(domain.ErrSessionBusy))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()

	stream, err := s.recognizer.Open(ctx, s.cfg.Audio)
	if err != nil {
		s.logger.Error("Failed to open upstream recognizer",
			zap.String("sessionID", s.ID),
			zap.Error(err))
		if !errors.Is(err, domain.ErrUpstreamUnavailable) {
			err = domain.ErrUpstreamUnavailable
		}
		s.setState(StateError)
		s.sink(domain.ErrorEvent(err))
		return
	}

	s.stream = stream
	s.events = stream.Events()
	s.seq = 0
	s.pendingPartial = ""
	s.setState(StateRecording)
	s.logger.Info("Utterance started",
		zap.String("sessionID", s.ID),
		zap.String("clientID", s.ClientID))
}

func (s *Session) handleFrame(pcm []byte) {
	if s.state != StateRecording {
		// Frames outside of recording are a diagnostic, not a protocol
		// error.
		s.droppedFrames.Add(1)
		s.logger.Debug("Dropped audio frame",
			zap.String("sessionID", s.ID),
			zap.String("state", s.state.String()))
		return
	}

	s.seq++
	if err := s.stream.Send(pcm); err != nil {
		s.logger.Error("Failed to forward audio frame",
			zap.String("sessionID", s.ID),
			zap.Uint64("seq", s.seq),
			zap.Error(err))
		s.closeStream()
		s.setState(StateError)
		s.sink(domain.ErrorEvent(domain.ErrUpstreamClosed))
	}
}

func (s *Session) handleStop() {
	if s.state != StateRecording {
		return
	}
	s.setState(StateAwaitingFinal)
	s.stream.RequestFinal()
	s.logger.Info("Awaiting final result",
		zap.String("sessionID", s.ID),
		zap.Uint64("frames", s.seq))
}

func (s *Session) handleUpstreamEvent(ev domain.Event) {
	switch ev.Kind {
	case domain.EventPartial:
		s.pendingPartial = ev.Text
		s.sink(ev)

	case domain.EventFinal:
		s.sink(ev)
		s.deliverTranscript(ev.Text)
		s.closeStream()
		s.pendingPartial = ""
		s.setState(StateIdle)
		s.logger.Info("Utterance finished",
			zap.String("sessionID", s.ID),
			zap.String("transcript", ev.Text))

	case domain.EventError:
		s.closeStream()
		s.pendingPartial = ""
		// ERROR is recoverable: a later start opens a fresh stream.
		s.setState(StateError)
		s.sink(ev)
		s.logger.Warn("Utterance failed",
			zap.String("sessionID", s.ID),
			zap.Error(ev.Err))
	}
}

// handleStreamGone fires when the upstream event channel closes without a
// terminal event, which means the connection died mid-utterance.
func (s *Session) handleStreamGone() {
	inFlight := s.state == StateRecording || s.state == StateAwaitingFinal
	s.closeStream()
	if inFlight {
		s.setState(StateError)
		s.sink(domain.ErrorEvent(domain.ErrUpstreamClosed))
	}
}

func (s *Session) deliverTranscript(text string) {
	if s.consumer == nil || text == "" {
		return
	}
	// Hand-off must not block the session loop.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DeliverTimeout)
		defer cancel()
		if err := s.consumer.Deliver(ctx, s.ID, text); err != nil {
			s.logger.Error("Failed to deliver transcript to chat pipeline",
				zap.String("sessionID", s.ID),
				zap.Error(err))
		}
	}()
}

func (s *Session) closeStream() {
	if s.stream == nil {
		return
	}
	if err := s.stream.Close(); err != nil {
		s.logger.Debug("Upstream close reported error",
			zap.String("sessionID", s.ID),
			zap.Error(err))
	}
	s.stream = nil
	s.events = nil
}

func (s *Session) teardown() {
	s.setState(StateClosing)
	s.closeStream()
	s.logger.Info("Session closed",
		zap.String("sessionID", s.ID),
		zap.String("clientID", s.ClientID),
		zap.Uint64("droppedFrames", s.droppedFrames.Load()))
}
