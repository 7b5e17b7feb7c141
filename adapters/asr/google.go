package asr

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"

	"github.com/voxgate/server/domain"
	"github.com/voxgate/server/domain/repositories"
)

// GoogleConfig controls the Google Cloud Speech recognizer.
type GoogleConfig struct {
	ConnectTimeout time.Duration
	FinalTimeout   time.Duration
}

// Google implements repositories.Recognizer over Cloud Speech streaming
// recognition with interim results enabled.
type Google struct {
	cfg    GoogleConfig
	logger *zap.Logger
}

// NewGoogle creates a Google Cloud Speech recognizer. Credentials come
// from the standard GOOGLE_APPLICATION_CREDENTIALS environment.
func NewGoogle(cfg GoogleConfig, logger *zap.Logger) *Google {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.FinalTimeout <= 0 {
		cfg.FinalTimeout = 10 * time.Second
	}
	return &Google{cfg: cfg, logger: logger}
}

// Open implements repositories.Recognizer.
func (g *Google) Open(ctx context.Context, config repositories.AudioConfig) (repositories.RecognizerStream, error) {
	encoding, err := googleEncoding(config.Encoding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, g.cfg.ConnectTimeout)
	defer dialCancel()

	client, err := speech.NewClient(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: speech client: %v", domain.ErrUpstreamUnavailable, err)
	}

	// The stream outlives Open's deadline; it gets its own context.
	streamCtx, cancel := context.WithCancel(context.Background())

	stream, err := client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("%w: streaming recognize: %v", domain.ErrUpstreamUnavailable, err)
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        encoding,
					SampleRateHertz: int32(config.SampleRate),
					LanguageCode:    config.Language,
				},
				InterimResults: true,
			},
		},
	}); err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("%w: streaming config: %v", domain.ErrUpstreamUnavailable, err)
	}

	s := &googleStream{
		client:       client,
		stream:       stream,
		cancel:       cancel,
		logger:       g.logger,
		finalTimeout: g.cfg.FinalTimeout,
		events:       make(chan domain.Event, 64),
		closing:      make(chan struct{}),
		finished:     make(chan struct{}),
	}
	go s.receiveLoop()
	return s, nil
}

type googleStream struct {
	client       *speech.Client
	stream       speechpb.Speech_StreamingRecognizeClient
	cancel       context.CancelFunc
	logger       *zap.Logger
	finalTimeout time.Duration

	events   chan domain.Event
	closing  chan struct{}
	finished chan struct{}

	sendMu     sync.Mutex
	sendClosed bool

	closeSendOnce sync.Once
	terminalOnce  sync.Once
	closeOnce     sync.Once
}

func (s *googleStream) Send(frame []byte) error {
	if len(frame) == 0 {
		return nil
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return domain.ErrUpstreamClosed
	}
	if err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: frame,
		},
	}); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamClosed, err)
	}
	return nil
}

func (s *googleStream) RequestFinal() {
	s.closeSend()
	time.AfterFunc(s.finalTimeout, func() {
		s.terminal(domain.ErrorEvent(domain.ErrFinalTimeout))
		s.cancel()
	})
}

func (s *googleStream) Events() <-chan domain.Event {
	return s.events
}

func (s *googleStream) Close() error {
	s.closeOnce.Do(func() {
		s.terminalOnce.Do(func() {
			close(s.closing)
		})
		s.closeSend()
		s.cancel()
	})
	<-s.finished
	return nil
}

func (s *googleStream) closeSend() {
	s.closeSendOnce.Do(func() {
		s.sendMu.Lock()
		s.sendClosed = true
		_ = s.stream.CloseSend()
		s.sendMu.Unlock()
	})
}

func (s *googleStream) terminal(ev domain.Event) {
	s.terminalOnce.Do(func() {
		select {
		case s.events <- ev:
		case <-s.closing:
		}
		close(s.closing)
	})
}

func (s *googleStream) receiveLoop() {
	defer func() {
		s.client.Close()
		close(s.events)
		close(s.finished)
	}()

	var final strings.Builder
	for {
		resp, err := s.stream.Recv()
		if err == io.EOF {
			s.terminal(domain.Final(strings.TrimSpace(final.String())))
			return
		}
		if err != nil {
			s.terminal(domain.ErrorEvent(fmt.Errorf("%w: %v", domain.ErrUpstreamClosed, err)))
			return
		}

		for _, result := range resp.Results {
			if len(result.Alternatives) == 0 {
				continue
			}
			transcript := result.Alternatives[0].Transcript
			if result.IsFinal {
				if final.Len() > 0 {
					final.WriteString(" ")
				}
				final.WriteString(strings.TrimSpace(transcript))
				continue
			}
			select {
			case s.events <- domain.Partial(transcript):
			case <-s.closing:
			}
		}
	}
}

func googleEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch strings.ToUpper(encoding) {
	case "", "PCM", "LINEAR16", "WAV":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}
