package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/framemark/internal/playback"
)

func TestRealtimeDispatcherIsolatedBySession(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionStream, cleanup := dispatcher.Subscribe(ctx, "u_1::a")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "u_1::b")
	defer otherCleanup()

	dispatcher.PublishPlayback(playback.Result{SessionID: "u_1::b", PositionMillis: 180})

	select {
	case <-sessionStream:
		t.Fatal("did not expect a message for an unrelated session")
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case message := <-otherStream:
		if message.EventType != RealtimeEventActiveStrokes || message.PositionMillis != 180 || message.Strokes == nil {
			t.Fatalf("unexpected message %+v", message)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for the subscribed session")
	}
}

func TestRealtimeDispatcherClosesStreamOnCleanup(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background(), "u_1::a")
	cleanup()
	cleanup()
	if _, open := <-stream; open {
		t.Fatalf("expected closed stream")
	}
	dispatcher.PublishPlayback(playback.Result{SessionID: "u_1::a"})
}

func TestPositionEventsStreamThrottledActiveStrokes(t *testing.T) {
	server := newTestServer(t, serverOptions{interval: 250 * time.Millisecond})
	_, session := server.openSession(t, "")

	end := 400.0
	for _, stroke := range []strokeRequest{
		{Path: "M 1 1 L 2 2", StartMillis: 100, EndMillis: &end},
		{Path: "M 3 3 L 4 4", StartMillis: 900},
	} {
		if recorder := server.do(t, http.MethodPost, sessionPath(session.ID, "/strokes"), stroke, ""); recorder.Code != http.StatusCreated {
			t.Fatalf("add stroke failed: %d", recorder.Code)
		}
	}

	httpServer := httptest.NewServer(server.handler)
	t.Cleanup(httpServer.Close)

	streamResp, err := http.Get(httpServer.URL + sessionPath(session.ID, "/events"))
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}

	for _, seconds := range []string{"0.10", "0.15", "0.18"} {
		response, err := http.Post(httpServer.URL+sessionPath(session.ID, "/position"), "application/json", strings.NewReader(`{"seconds": `+seconds+`}`))
		if err != nil {
			t.Fatalf("position request failed: %v", err)
		}
		_ = response.Body.Close()
		if response.StatusCode != http.StatusAccepted {
			t.Fatalf("unexpected position status: %d", response.StatusCode)
		}
	}

	type readResult struct {
		line string
		err  error
	}
	reader := bufio.NewReader(streamResp.Body)
	currentEvent := ""
	deadline := time.After(5 * time.Second)
	for {
		resultCh := make(chan readResult, 1)
		go func() {
			line, err := reader.ReadString('\n')
			resultCh <- readResult{line: line, err: err}
		}()
		select {
		case <-deadline:
			t.Fatal("timed out waiting for active strokes event")
		case result := <-resultCh:
			if result.err != nil {
				t.Fatalf("failed to read stream: %v", result.err)
			}
			line := strings.TrimSpace(result.line)
			if strings.HasPrefix(line, "event:") {
				currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEvent != RealtimeEventActiveStrokes {
				continue
			}
			var message RealtimeMessage
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &message); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if message.PositionMillis != 180 {
				t.Fatalf("expected the latest position 180ms, got %d", message.PositionMillis)
			}
			if len(message.Strokes) != 1 || !message.Strokes[0].ActiveAt(180) {
				t.Fatalf("unexpected active strokes %+v", message.Strokes)
			}
			return
		}
	}
}
