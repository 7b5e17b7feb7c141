package asr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voxgate/server/domain"
	"github.com/voxgate/server/domain/repositories"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type dsTestMessage struct {
	Header struct {
		Action string `json:"action"`
		TaskID string `json:"task_id"`
	} `json:"header"`
}

// fakeDashScope speaks just enough of the inference protocol for the
// client under test: run-task -> task-started, binary audio frames are
// counted, finish-task -> result-generated + task-finished.
func fakeDashScope(t *testing.T, silent bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "bearer test-key" {
			t.Errorf("unexpected Authorization header: %q", got)
		}

		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		var taskID string
		frames := 0
		for {
			msgType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.BinaryMessage {
				frames++
				continue
			}

			var msg dsTestMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				t.Errorf("unparseable client message %q: %v", payload, err)
				return
			}
			switch msg.Header.Action {
			case "run-task":
				taskID = msg.Header.TaskID
				writeDSEvent(conn, taskID, "task-started", "")
			case "finish-task":
				if silent {
					// Withhold the terminal event to trip the
					// final-result timeout.
					continue
				}
				writeDSEvent(conn, taskID, "result-generated", "hello world")
				writeDSEvent(conn, taskID, "task-finished", "")
				return
			}
		}
	}))
}

func writeDSEvent(conn *websocket.Conn, taskID, event, text string) {
	msg := map[string]any{
		"header": map[string]any{
			"event":   event,
			"task_id": taskID,
		},
	}
	if text != "" {
		msg["payload"] = map[string]any{
			"output": map[string]any{
				"sentence": map[string]any{"text": text},
			},
		}
	}
	_ = conn.WriteJSON(msg)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testAudioConfig() repositories.AudioConfig {
	return repositories.AudioConfig{SampleRate: 16000, Encoding: "pcm", Language: "zh-CN"}
}

func TestDashScopeUtterance(t *testing.T) {
	server := fakeDashScope(t, false)
	defer server.Close()

	d := NewDashScope(DashScopeConfig{
		APIKey:   "test-key",
		Endpoint: wsURL(server),
	}, zap.NewNop())

	stream, err := d.Open(context.Background(), testAudioConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer stream.Close()

	for i := 0; i < 3; i++ {
		if err := stream.Send(make([]byte, 320)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	stream.RequestFinal()

	var events []domain.Event
	for ev := range stream.Events() {
		events = append(events, ev)
	}

	if len(events) != 2 {
		t.Fatalf("expected partial+final, got %d events: %v", len(events), events)
	}
	if events[0].Kind != domain.EventPartial || events[0].Text != "hello world" {
		t.Fatalf("expected partial 'hello world', got %v", events[0])
	}
	if events[1].Kind != domain.EventFinal || events[1].Text != "hello world" {
		t.Fatalf("expected final 'hello world', got %v", events[1])
	}
}

func TestDashScopeFinalTimeout(t *testing.T) {
	server := fakeDashScope(t, true)
	defer server.Close()

	d := NewDashScope(DashScopeConfig{
		APIKey:       "test-key",
		Endpoint:     wsURL(server),
		FinalTimeout: 50 * time.Millisecond,
	}, zap.NewNop())

	stream, err := d.Open(context.Background(), testAudioConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer stream.Close()

	stream.RequestFinal()

	var terminal domain.Event
	for ev := range stream.Events() {
		terminal = ev
	}
	if terminal.Kind != domain.EventError || !errors.Is(terminal.Err, domain.ErrFinalTimeout) {
		t.Fatalf("expected FinalTimeout error event, got %v", terminal)
	}
}

func TestDashScopeOpenRequiresAPIKey(t *testing.T) {
	d := NewDashScope(DashScopeConfig{}, zap.NewNop())
	_, err := d.Open(context.Background(), testAudioConfig())
	if !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestDashScopeOpenUnreachable(t *testing.T) {
	d := NewDashScope(DashScopeConfig{
		APIKey:         "test-key",
		Endpoint:       "ws://127.0.0.1:1",
		ConnectTimeout: 200 * time.Millisecond,
	}, zap.NewNop())

	_, err := d.Open(context.Background(), testAudioConfig())
	if !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestDashScopeCloseIsSafeUnderConcurrentSend(t *testing.T) {
	server := fakeDashScope(t, false)
	defer server.Close()

	d := NewDashScope(DashScopeConfig{
		APIKey:   "test-key",
		Endpoint: wsURL(server),
	}, zap.NewNop())

	stream, err := d.Open(context.Background(), testAudioConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if err := stream.Send(make([]byte, 32)); err != nil {
					return
				}
			}
		}()
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	wg.Wait()

	if err := stream.Send(make([]byte, 32)); !errors.Is(err, domain.ErrUpstreamClosed) {
		t.Fatalf("expected ErrUpstreamClosed after close, got %v", err)
	}
}

func TestDashScopeSendAfterClose(t *testing.T) {
	server := fakeDashScope(t, false)
	defer server.Close()

	d := NewDashScope(DashScopeConfig{
		APIKey:   "test-key",
		Endpoint: wsURL(server),
	}, zap.NewNop())

	stream, err := d.Open(context.Background(), testAudioConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := stream.Send(make([]byte, 320)); !errors.Is(err, domain.ErrUpstreamClosed) {
		t.Fatalf("expected ErrUpstreamClosed, got %v", err)
	}
}
