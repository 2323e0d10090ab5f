package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/framemark/internal/metrics"
	"go.uber.org/zap"
)

// DefaultIdleTimeout is how long a throttle without position events is kept.
const DefaultIdleTimeout = 5 * time.Minute

// HubConfig describes the throttles a Hub creates.
type HubConfig struct {
	Querier     ActiveStrokeQuerier
	Interval    time.Duration
	IdleTimeout time.Duration
	OnResult    func(Result)
	Scheduler   Scheduler
	Clock       func() time.Time
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Hub lazily keeps one Throttle per session. Throttles for different sessions
// are independent of each other. Throttles idle for longer than the idle
// timeout are released the next time the hub creates one.
type Hub struct {
	cfg HubConfig

	mu        sync.Mutex
	throttles map[string]*Throttle
	lastSweep time.Time
	closed    bool
}

// NewHub validates cfg and returns an empty hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Querier == nil {
		return nil, errMissingQuerier
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Hub{cfg: cfg, throttles: make(map[string]*Throttle), lastSweep: cfg.Clock()}, nil
}

// Position forwards a position event to the session's throttle, creating it on first use.
func (h *Hub) Position(sessionID string, seconds float64) error {
	for attempt := 0; ; attempt++ {
		throttle, err := h.throttleFor(sessionID)
		if err != nil {
			return err
		}
		err = throttle.Position(seconds)
		// A concurrent Release may close the throttle between lookup and use.
		if errors.Is(err, ErrClosed) && attempt == 0 && !h.isClosed() {
			continue
		}
		return err
	}
}

// Len reports how many sessions currently hold a throttle.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.throttles)
}

// Current returns the last known position for the session and whether one was recorded.
func (h *Hub) Current(sessionID string) (int64, bool) {
	h.mu.Lock()
	throttle, ok := h.throttles[sessionID]
	h.mu.Unlock()
	if !ok {
		return 0, false
	}
	return throttle.Current(), true
}

// Release closes and forgets the session's throttle.
func (h *Hub) Release(sessionID string) {
	h.mu.Lock()
	throttle, ok := h.throttles[sessionID]
	delete(h.throttles, sessionID)
	h.mu.Unlock()
	if ok {
		throttle.Close()
	}
}

// Close closes every throttle. Later Position calls fail with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	throttles := h.throttles
	h.throttles = make(map[string]*Throttle)
	h.mu.Unlock()

	for _, throttle := range throttles {
		throttle.Close()
	}
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Hub) throttleFor(sessionID string) (*Throttle, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if throttle, ok := h.throttles[sessionID]; ok {
		h.mu.Unlock()
		return throttle, nil
	}
	throttle, err := NewThrottle(Config{
		SessionID: sessionID,
		Querier:   h.cfg.Querier,
		Interval:  h.cfg.Interval,
		OnResult:  h.cfg.OnResult,
		Scheduler: h.cfg.Scheduler,
		Clock:     h.cfg.Clock,
		Logger:    h.cfg.Logger,
		Metrics:   h.cfg.Metrics,
	})
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	idle := h.collectIdleLocked()
	h.throttles[sessionID] = throttle
	h.mu.Unlock()

	for _, stale := range idle {
		stale.Close()
	}
	return throttle, nil
}

// collectIdleLocked removes throttles with no pending lookup whose last event
// is older than the idle timeout. It scans at most once per idle timeout.
func (h *Hub) collectIdleLocked() []*Throttle {
	now := h.cfg.Clock()
	if now.Sub(h.lastSweep) < h.cfg.IdleTimeout {
		return nil
	}
	h.lastSweep = now
	var idle []*Throttle
	for sessionID, throttle := range h.throttles {
		lastEvent, pending := throttle.idleSince()
		if pending || now.Sub(lastEvent) < h.cfg.IdleTimeout {
			continue
		}
		delete(h.throttles, sessionID)
		idle = append(idle, throttle)
	}
	if len(idle) > 0 {
		h.cfg.Logger.Debug("released idle playback throttles", zap.Int("count", len(idle)))
	}
	return idle
}
