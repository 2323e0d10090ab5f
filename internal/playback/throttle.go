// Package playback turns high-frequency playback position events into bounded active-stroke lookups.
package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/framemark/internal/annotations"
	"github.com/MarcoPoloResearchLab/framemark/internal/metrics"
	"go.uber.org/zap"
)

// DefaultInterval is the minimum spacing between two lookups for one session.
const DefaultInterval = 200 * time.Millisecond

var (
	// ErrClosed reports a position event delivered after Close.
	ErrClosed = errors.New("playback: throttle closed")

	errMissingQuerier   = errors.New("playback: active stroke querier required")
	errMissingSessionID = errors.New("playback: session id required")
)

// ActiveStrokeQuerier answers which strokes are visible at an offset.
type ActiveStrokeQuerier interface {
	ListActiveAt(ctx context.Context, sessionID string, atMillis int64) ([]annotations.Stroke, error)
}

// Timer is the handle returned by a Scheduler.
type Timer interface {
	Stop() bool
}

// Scheduler runs fn once after delay.
type Scheduler func(delay time.Duration, fn func()) Timer

func realScheduler(delay time.Duration, fn func()) Timer {
	return time.AfterFunc(delay, fn)
}

// Result is the outcome of one throttled lookup.
type Result struct {
	SessionID      string               `json:"sessionId"`
	PositionMillis int64                `json:"positionMillis"`
	Strokes        []annotations.Stroke `json:"strokes"`
	Err            error                `json:"-"`
}

// Config describes a Throttle.
type Config struct {
	SessionID string
	Querier   ActiveStrokeQuerier
	Interval  time.Duration
	OnResult  func(Result)
	Scheduler Scheduler
	Clock     func() time.Time
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Throttle records every position event and runs at most one lookup per
// interval, always for the most recent position. Intermediate positions are
// discarded rather than queued.
type Throttle struct {
	sessionID string
	querier   ActiveStrokeQuerier
	interval  time.Duration
	onResult  func(Result)
	schedule  Scheduler
	clock     func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	current   int64
	hasEvent  bool
	lastEvent time.Time
	pending   Timer
	closed    bool
	queryMu   sync.Mutex
	inFlight  sync.WaitGroup
}

// NewThrottle validates cfg and returns an idle throttle.
func NewThrottle(cfg Config) (*Throttle, error) {
	if cfg.Querier == nil {
		return nil, errMissingQuerier
	}
	if cfg.SessionID == "" {
		return nil, errMissingSessionID
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	schedule := cfg.Scheduler
	if schedule == nil {
		schedule = realScheduler
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	onResult := cfg.OnResult
	if onResult == nil {
		onResult = func(Result) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Throttle{
		sessionID: cfg.SessionID,
		querier:   cfg.Querier,
		interval:  interval,
		onResult:  onResult,
		schedule:  schedule,
		clock:     clock,
		logger:    logger.With(zap.String("session_id", cfg.SessionID)),
		metrics:   cfg.Metrics,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Position records a playback position in seconds. The current time is
// updated unconditionally; a lookup is scheduled only when none is pending.
func (t *Throttle) Position(seconds float64) error {
	positionMillis, err := annotations.SecondsToMillis(seconds)
	if err != nil {
		return err
	}
	t.metrics.RecordPositionEvent()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.current = positionMillis
	t.hasEvent = true
	t.lastEvent = t.clock()
	if t.pending == nil {
		t.inFlight.Add(1)
		t.pending = t.schedule(t.interval, t.fire)
	}
	return nil
}

// Current returns the most recent position in milliseconds.
func (t *Throttle) Current() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// idleSince reports when the last position event arrived and whether a
// lookup is still scheduled.
func (t *Throttle) idleSince() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEvent, t.pending != nil
}

// Close cancels any pending lookup and waits for a running one to finish.
func (t *Throttle) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.pending != nil && t.pending.Stop() {
		t.pending = nil
		t.inFlight.Done()
	}
	t.mu.Unlock()

	t.cancel()
	t.inFlight.Wait()
}

func (t *Throttle) fire() {
	defer t.inFlight.Done()

	t.mu.Lock()
	t.pending = nil
	if t.closed || !t.hasEvent {
		t.mu.Unlock()
		return
	}
	position := t.current
	t.hasEvent = false
	t.mu.Unlock()

	t.queryMu.Lock()
	defer t.queryMu.Unlock()
	strokes, err := t.querier.ListActiveAt(t.ctx, t.sessionID, position)
	t.metrics.RecordActiveQuery(err)
	if err != nil {
		t.logger.Warn("active stroke lookup failed", zap.Int64("position_ms", position), zap.Error(err))
	}
	t.onResult(Result{SessionID: t.sessionID, PositionMillis: position, Strokes: strokes, Err: err})
}
