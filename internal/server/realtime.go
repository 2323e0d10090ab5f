package server

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/framemark/internal/annotations"
	"github.com/MarcoPoloResearchLab/framemark/internal/playback"
	"github.com/gin-gonic/gin"
)

const (
	RealtimeEventActiveStrokes = "active-strokes"
	realtimeEventHeartbeat     = "heartbeat"
	realtimeHeartbeatInterval  = 15 * time.Second
)

// RealtimeMessage is one throttled active-stroke result for a session.
type RealtimeMessage struct {
	SessionID      string               `json:"sessionId"`
	EventType      string               `json:"-"`
	PositionMillis int64                `json:"positionMillis"`
	Strokes        []annotations.Stroke `json:"strokes"`
	Error          string               `json:"error,omitempty"`
	Timestamp      time.Time            `json:"timestamp"`
}

// RealtimeDispatcher fans playback results out to the event streams of each session.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, sessionID string) (<-chan RealtimeMessage, func()) {
	if sessionID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	d.mu.Lock()
	d.nextID++
	subscriber := &realtimeSubscriber{
		id:     d.nextID,
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	if _, ok := d.subscribers[sessionID]; !ok {
		d.subscribers[sessionID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[sessionID][subscriber.id] = subscriber
	d.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(sessionID, subscriber.id)
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return subscriber.stream, cleanup
}

// Subscribers reports how many streams are open for the session.
func (d *RealtimeDispatcher) Subscribers(sessionID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[sessionID])
}

// Publish delivers message to every subscriber of its session. Full buffers drop the message.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.SessionID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers[message.SessionID] {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// PublishPlayback adapts a throttle result into a realtime message.
func (d *RealtimeDispatcher) PublishPlayback(result playback.Result) {
	message := RealtimeMessage{
		SessionID:      result.SessionID,
		EventType:      RealtimeEventActiveStrokes,
		PositionMillis: result.PositionMillis,
		Strokes:        result.Strokes,
		Timestamp:      d.clock().UTC(),
	}
	if message.Strokes == nil {
		message.Strokes = []annotations.Stroke{}
	}
	if result.Err != nil {
		message.Error = result.Err.Error()
	}
	d.Publish(message)
}

func (d *RealtimeDispatcher) unregisterSubscriber(sessionID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[sessionID]
	if subscriber, ok := subscribers[subscriberID]; ok {
		delete(subscribers, subscriberID)
		close(subscriber.stream)
		if len(subscribers) == 0 {
			delete(d.subscribers, sessionID)
		}
	}
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	session, ok := h.loadSession(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, session.ID)
	defer func() {
		cleanup()
		if h.realtime.Subscribers(session.ID) == 0 {
			h.playback.Release(session.ID)
		}
	}()

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	writeEventStreamHeaders(c)

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, message)
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": time.Now().UTC()})
			return true
		}
	})
}

func writeEventStreamHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()
}
