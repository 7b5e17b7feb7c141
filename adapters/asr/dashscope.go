package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/voxgate/server/domain"
	"github.com/voxgate/server/domain/repositories"
)

const (
	dashscopeEndpoint = "wss://dashscope.aliyuncs.com/api-ws/v1/inference/"
	dashscopeModel    = "paraformer-realtime-v2"
)

// DashScope protocol event names.
const (
	dsEventStarted   = "task-started"
	dsEventFinished  = "task-finished"
	dsEventFailed    = "task-failed"
	dsEventGenerated = "result-generated"
)

// DashScopeConfig controls the DashScope realtime recognition client.
type DashScopeConfig struct {
	APIKey         string
	Endpoint       string
	Model          string
	ConnectTimeout time.Duration
	FinalTimeout   time.Duration
}

// DashScope implements repositories.Recognizer against the DashScope
// realtime inference endpoint (duplex websocket, run-task/finish-task
// framing).
type DashScope struct {
	cfg    DashScopeConfig
	logger *zap.Logger
}

// NewDashScope creates a DashScope recognizer.
func NewDashScope(cfg DashScopeConfig, logger *zap.Logger) *DashScope {
	if cfg.Endpoint == "" {
		cfg.Endpoint = dashscopeEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = dashscopeModel
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.FinalTimeout <= 0 {
		cfg.FinalTimeout = 10 * time.Second
	}
	return &DashScope{cfg: cfg, logger: logger}
}

// Open dials the inference endpoint, issues run-task and waits for
// task-started within the connect timeout.
func (d *DashScope) Open(ctx context.Context, config repositories.AudioConfig) (repositories.RecognizerStream, error) {
	if d.cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: DASHSCOPE_API_KEY is not configured", domain.ErrUpstreamUnavailable)
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	hdr := http.Header{}
	hdr.Set("Authorization", "bearer "+d.cfg.APIKey)
	hdr.Set("X-DashScope-DataInspection", "enable")

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, d.cfg.Endpoint, hdr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %v", domain.ErrUpstreamUnavailable, err)
	}

	s := &dashScopeStream{
		conn:         conn,
		logger:       d.logger,
		taskID:       uuid.NewString(),
		finalTimeout: d.cfg.FinalTimeout,
		events:       make(chan domain.Event, 64),
		audio:        make(chan []byte, 128),
		closing:      make(chan struct{}),
		finished:     make(chan struct{}),
		startCh:      make(chan struct{}, 1),
	}

	if err := conn.WriteJSON(runTaskPayload(s.taskID, d.cfg.Model, config)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: run-task: %v", domain.ErrUpstreamUnavailable, err)
	}

	g := new(errgroup.Group)
	g.Go(s.readLoop)
	g.Go(s.writeLoop)
	go func() {
		_ = g.Wait()
		_ = conn.Close()
		close(s.events)
		close(s.finished)
	}()

	select {
	case <-s.startCh:
		d.logger.Info("DashScope recognition started", zap.String("taskID", s.taskID))
		return s, nil
	case <-dialCtx.Done():
		_ = s.Close()
		return nil, fmt.Errorf("%w: timed out waiting for task-started", domain.ErrUpstreamUnavailable)
	}
}

func runTaskPayload(taskID, model string, config repositories.AudioConfig) map[string]any {
	return map[string]any{
		"header": map[string]any{
			"action":    "run-task",
			"task_id":   taskID,
			"streaming": "duplex",
		},
		"payload": map[string]any{
			"task_group": "audio",
			"task":       "asr",
			"function":   "recognition",
			"model":      model,
			"parameters": map[string]any{
				"format":      "pcm",
				"sample_rate": config.SampleRate,
			},
			"input": map[string]any{},
		},
	}
}

func finishTaskPayload(taskID string) map[string]any {
	return map[string]any{
		"header": map[string]any{
			"action":    "finish-task",
			"task_id":   taskID,
			"streaming": "duplex",
		},
		"payload": map[string]any{"input": map[string]any{}},
	}
}

type dashScopeStream struct {
	conn         *websocket.Conn
	logger       *zap.Logger
	taskID       string
	finalTimeout time.Duration

	events   chan domain.Event
	audio    chan []byte
	closing  chan struct{}
	finished chan struct{}
	startCh  chan struct{}

	// lastText is owned by readLoop.
	lastText string

	finalRequested atomic.Bool

	sendMu     sync.RWMutex
	sendClosed bool

	closeSendOnce sync.Once
	terminalOnce  sync.Once
	closeOnce     sync.Once
}

func (s *dashScopeStream) Send(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}

	// The read lock spans the channel send so closeSend cannot close the
	// audio channel under a sender in flight.
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return domain.ErrUpstreamClosed
	}

	copied := append([]byte(nil), frame...)
	select {
	case s.audio <- copied:
		return nil
	case <-s.closing:
		return domain.ErrUpstreamClosed
	}
}

func (s *dashScopeStream) RequestFinal() {
	s.finalRequested.Store(true)
	s.closeSend()
	time.AfterFunc(s.finalTimeout, func() {
		s.terminal(domain.ErrorEvent(domain.ErrFinalTimeout))
		_ = s.conn.Close()
	})
}

func (s *dashScopeStream) Events() <-chan domain.Event {
	return s.events
}

// Close releases the connection on every exit path and waits for the
// pump goroutines to drain. A forced close emits no terminal event.
func (s *dashScopeStream) Close() error {
	s.closeOnce.Do(func() {
		s.terminalOnce.Do(func() {
			close(s.closing)
		})
		s.closeSend()
		_ = s.conn.Close()
	})
	<-s.finished
	return nil
}

func (s *dashScopeStream) closeSend() {
	s.closeSendOnce.Do(func() {
		s.sendMu.Lock()
		s.sendClosed = true
		close(s.audio)
		s.sendMu.Unlock()
	})
}

// terminal emits the single terminal event for this stream.
func (s *dashScopeStream) terminal(ev domain.Event) {
	s.terminalOnce.Do(func() {
		select {
		case s.events <- ev:
		case <-s.closing:
		}
		close(s.closing)
	})
}

func (s *dashScopeStream) emit(ev domain.Event) {
	select {
	case s.events <- ev:
	case <-s.closing:
	}
}

func (s *dashScopeStream) writeLoop() error {
	for chunk := range s.audio {
		if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			return err
		}
	}
	if s.finalRequested.Load() {
		if err := s.conn.WriteJSON(finishTaskPayload(s.taskID)); err != nil {
			return err
		}
	}
	return nil
}

func (s *dashScopeStream) readLoop() error {
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.terminal(domain.ErrorEvent(fmt.Errorf("%w: %v", domain.ErrUpstreamClosed, err)))
			return nil
		}

		var msg struct {
			Header struct {
				Event        string `json:"event"`
				ErrorCode    string `json:"error_code"`
				ErrorMessage string `json:"error_message"`
			} `json:"header"`
			Payload struct {
				Output struct {
					Sentence struct {
						Text    string `json:"text"`
						EndTime *int64 `json:"end_time"`
					} `json:"sentence"`
				} `json:"output"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logger.Warn("DashScope sent unparseable message", zap.Error(err))
			continue
		}

		switch msg.Header.Event {
		case dsEventStarted:
			select {
			case s.startCh <- struct{}{}:
			default:
			}

		case dsEventGenerated:
			if text := msg.Payload.Output.Sentence.Text; text != "" {
				s.lastText = text
				s.emit(domain.Partial(text))
			}

		case dsEventFinished:
			s.terminal(domain.Final(s.lastText))
			return nil

		case dsEventFailed:
			s.logger.Error("DashScope task failed",
				zap.String("taskID", s.taskID),
				zap.String("code", msg.Header.ErrorCode),
				zap.String("message", msg.Header.ErrorMessage))
			s.terminal(domain.ErrorEvent(fmt.Errorf("%w: %s: %s",
				domain.ErrUpstreamClosed, msg.Header.ErrorCode, msg.Header.ErrorMessage)))
			return nil
		}
	}
}
