package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/framemark/internal/annotations"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingQuerier struct {
	mu        sync.Mutex
	positions []int64
	err       error
}

func (q *recordingQuerier) ListActiveAt(_ context.Context, _ string, atMillis int64) ([]annotations.Stroke, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.positions = append(q.positions, atMillis)
	if q.err != nil {
		return nil, q.err
	}
	return []annotations.Stroke{{ID: "s", StartMillis: 0}}, nil
}

func (q *recordingQuerier) snapshot() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int64(nil), q.positions...)
}

type manualTimer struct {
	scheduler *manualScheduler
	fn        func()
	stopped   bool
	fired     bool
}

func (t *manualTimer) Stop() bool {
	t.scheduler.mu.Lock()
	defer t.scheduler.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
	delays []time.Duration
}

func (s *manualScheduler) schedule(delay time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &manualTimer{scheduler: s, fn: fn}
	s.timers = append(s.timers, timer)
	s.delays = append(s.delays, delay)
	return timer
}

// fireAll runs every due timer that has not been stopped.
func (s *manualScheduler) fireAll() int {
	s.mu.Lock()
	var due []*manualTimer
	for _, timer := range s.timers {
		if !timer.stopped && !timer.fired {
			timer.fired = true
			due = append(due, timer)
		}
	}
	s.mu.Unlock()
	for _, timer := range due {
		timer.fn()
	}
	return len(due)
}

func (s *manualScheduler) scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func TestBurstWithinWindowQueriesLatestPositionOnce(t *testing.T) {
	querier := &recordingQuerier{}
	scheduler := &manualScheduler{}
	var results []Result
	throttle, err := NewThrottle(Config{
		SessionID: "u_1::clip",
		Querier:   querier,
		Interval:  200 * time.Millisecond,
		Scheduler: scheduler.schedule,
		OnResult:  func(result Result) { results = append(results, result) },
	})
	if err != nil {
		t.Fatalf("failed to create throttle: %v", err)
	}
	defer throttle.Close()

	for _, seconds := range []float64{0.10, 0.15, 0.18} {
		if err := throttle.Position(seconds); err != nil {
			t.Fatalf("position %v failed: %v", seconds, err)
		}
		if throttle.Current() != int64(seconds*1000+0.5) {
			t.Fatalf("expected current time to follow every event, got %d", throttle.Current())
		}
	}
	if scheduler.scheduled() != 1 {
		t.Fatalf("expected one scheduled lookup for the burst, got %d", scheduler.scheduled())
	}
	if scheduler.delays[0] != 200*time.Millisecond {
		t.Fatalf("expected the lookup to wait one interval, got %v", scheduler.delays[0])
	}
	if len(querier.snapshot()) != 0 {
		t.Fatalf("expected no lookup before the window elapses")
	}

	scheduler.fireAll()

	positions := querier.snapshot()
	if len(positions) != 1 || positions[0] != 180 {
		t.Fatalf("expected exactly one lookup at 180ms, got %v", positions)
	}
	if len(results) != 1 || results[0].PositionMillis != 180 || len(results[0].Strokes) != 1 {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestEventsAfterWindowScheduleAnotherLookup(t *testing.T) {
	querier := &recordingQuerier{}
	scheduler := &manualScheduler{}
	throttle, err := NewThrottle(Config{SessionID: "s", Querier: querier, Scheduler: scheduler.schedule})
	if err != nil {
		t.Fatalf("failed to create throttle: %v", err)
	}
	defer throttle.Close()

	_ = throttle.Position(1.0)
	scheduler.fireAll()
	_ = throttle.Position(1.25)
	_ = throttle.Position(1.3)
	scheduler.fireAll()

	if scheduler.fireAll() != 0 {
		t.Fatalf("expected no idle lookups without new events")
	}
	positions := querier.snapshot()
	if len(positions) != 2 || positions[0] != 1000 || positions[1] != 1300 {
		t.Fatalf("unexpected lookup positions %v", positions)
	}
}

func TestLookupErrorsAreReported(t *testing.T) {
	lookupErr := errors.New("store unavailable")
	querier := &recordingQuerier{err: lookupErr}
	scheduler := &manualScheduler{}
	var reported error
	throttle, err := NewThrottle(Config{
		SessionID: "s",
		Querier:   querier,
		Scheduler: scheduler.schedule,
		OnResult:  func(result Result) { reported = result.Err },
	})
	if err != nil {
		t.Fatalf("failed to create throttle: %v", err)
	}
	defer throttle.Close()

	_ = throttle.Position(2)
	scheduler.fireAll()
	if !errors.Is(reported, lookupErr) {
		t.Fatalf("expected lookup error in result, got %v", reported)
	}
}

func TestCloseCancelsPendingLookup(t *testing.T) {
	querier := &recordingQuerier{}
	scheduler := &manualScheduler{}
	throttle, err := NewThrottle(Config{SessionID: "s", Querier: querier, Scheduler: scheduler.schedule})
	if err != nil {
		t.Fatalf("failed to create throttle: %v", err)
	}

	_ = throttle.Position(3)
	throttle.Close()
	scheduler.fireAll()

	if len(querier.snapshot()) != 0 {
		t.Fatalf("expected no lookup after close")
	}
	if err := throttle.Position(4); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestNegativePositionIsRejected(t *testing.T) {
	throttle, err := NewThrottle(Config{SessionID: "s", Querier: &recordingQuerier{}})
	if err != nil {
		t.Fatalf("failed to create throttle: %v", err)
	}
	defer throttle.Close()
	if err := throttle.Position(-1); !errors.Is(err, annotations.ErrInvalidOffset) {
		t.Fatalf("expected ErrInvalidOffset, got %v", err)
	}
}

func TestRealTimerBoundsLookupRate(t *testing.T) {
	querier := &recordingQuerier{}
	done := make(chan Result, 8)
	throttle, err := NewThrottle(Config{
		SessionID: "s",
		Querier:   querier,
		Interval:  40 * time.Millisecond,
		OnResult:  func(result Result) { done <- result },
	})
	if err != nil {
		t.Fatalf("failed to create throttle: %v", err)
	}

	for index := 0; index < 20; index++ {
		_ = throttle.Position(float64(index) / 100)
	}

	select {
	case result := <-done:
		if result.PositionMillis != 190 {
			t.Fatalf("expected the latest position 190ms, got %d", result.PositionMillis)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for throttled lookup")
	}
	throttle.Close()

	if positions := querier.snapshot(); len(positions) != 1 {
		t.Fatalf("expected one lookup for the burst, got %v", positions)
	}
}

func TestHubKeepsSessionsIndependent(t *testing.T) {
	querier := &recordingQuerier{}
	scheduler := &manualScheduler{}
	hub, err := NewHub(HubConfig{Querier: querier, Scheduler: scheduler.schedule})
	if err != nil {
		t.Fatalf("failed to create hub: %v", err)
	}

	_ = hub.Position("a", 1)
	_ = hub.Position("b", 2)
	_ = hub.Position("a", 1.5)
	if scheduler.scheduled() != 2 {
		t.Fatalf("expected one pending lookup per session, got %d", scheduler.scheduled())
	}
	if current, ok := hub.Current("a"); !ok || current != 1500 {
		t.Fatalf("unexpected current position for a: %d %v", current, ok)
	}

	scheduler.fireAll()
	hub.Release("b")
	if _, ok := hub.Current("b"); ok {
		t.Fatalf("expected released session to be forgotten")
	}
	hub.Close()
	if err := hub.Position("a", 3); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after hub close, got %v", err)
	}
	if len(querier.snapshot()) != 2 {
		t.Fatalf("expected two lookups, got %v", querier.snapshot())
	}
}

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppingClock) advance(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(step)
}

func TestHubReleasesIdleThrottles(t *testing.T) {
	querier := &recordingQuerier{}
	scheduler := &manualScheduler{}
	clock := &steppingClock{now: time.UnixMilli(1_700_000_000_000)}
	hub, err := NewHub(HubConfig{
		Querier:     querier,
		Scheduler:   scheduler.schedule,
		Clock:       clock.Now,
		IdleTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to create hub: %v", err)
	}
	defer hub.Close()

	_ = hub.Position("a", 1)
	_ = hub.Position("pending", 1)
	clock.advance(2 * time.Minute)
	scheduler.fireAll()
	_ = hub.Position("pending", 2)

	_ = hub.Position("b", 1)
	if _, ok := hub.Current("a"); ok {
		t.Fatalf("expected the idle session to be released")
	}
	if _, ok := hub.Current("pending"); !ok {
		t.Fatalf("expected the session with a scheduled lookup to be kept")
	}
	if hub.Len() != 2 {
		t.Fatalf("expected two live throttles, got %d", hub.Len())
	}

	if err := hub.Position("a", 4); err != nil {
		t.Fatalf("expected a released session to get a fresh throttle, got %v", err)
	}
	if current, ok := hub.Current("a"); !ok || current != 4000 {
		t.Fatalf("unexpected current position for a: %d %v", current, ok)
	}
}
