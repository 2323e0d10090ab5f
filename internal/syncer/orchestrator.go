// Package syncer sequences the local-first user snapshot with best-effort
// refreshes from the remote directory.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/framemark/internal/directory"
	"github.com/MarcoPoloResearchLab/framemark/internal/metrics"
	"github.com/MarcoPoloResearchLab/framemark/internal/users"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Phase is the coarse lifecycle of the orchestrator.
type Phase string

const (
	PhaseLoading Phase = "loading"
	PhaseReady   Phase = "ready"
)

// Stage names one step of the refresh pipeline.
type Stage string

const (
	StageLoadLocal   Stage = "load_local"
	StageFetchRemote Stage = "fetch_remote"
	StageReconcile   Stage = "reconcile"
	StagePublish     Stage = "publish"
)

const (
	refreshKey           = "refresh"
	subscriberBufferSize = 8
)

var (
	errMissingUsers     = errors.New("syncer: user store required")
	errMissingDirectory = errors.New("syncer: remote directory required")
)

// StageError reports a local failure in one pipeline stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("syncer.%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func (e *StageError) Code() string {
	return fmt.Sprintf("syncer.%s", e.Stage)
}

// State is the observable snapshot published to subscribers.
type State struct {
	Phase       Phase             `json:"phase"`
	Users       []users.LocalUser `json:"users"`
	Offline     bool              `json:"offline"`
	Error       string            `json:"error,omitempty"`
	Refreshing  bool              `json:"refreshing"`
	Rejected    int               `json:"rejected"`
	RefreshedAt *time.Time        `json:"refreshedAt,omitempty"`
}

func (s State) clone() State {
	copied := s
	copied.Users = make([]users.LocalUser, len(s.Users))
	for i, user := range s.Users {
		if user.RemoteID != nil {
			remoteID := *user.RemoteID
			user.RemoteID = &remoteID
		}
		copied.Users[i] = user
	}
	if s.RefreshedAt != nil {
		refreshedAt := *s.RefreshedAt
		copied.RefreshedAt = &refreshedAt
	}
	return copied
}

// UserStore is the local user repository surface the orchestrator drives.
type UserStore interface {
	ListAll(ctx context.Context) ([]users.LocalUser, error)
	MergeRemote(ctx context.Context, remoteUsers []directory.RemoteUser) ([]users.LocalUser, error)
}

// RemoteLister fetches the full remote directory.
type RemoteLister interface {
	ListUsers(ctx context.Context) (directory.Listing, error)
}

// Config describes an Orchestrator.
type Config struct {
	Users     UserStore
	Directory RemoteLister
	Clock     func() time.Time
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Orchestrator owns the published user state. At most one remote fetch runs
// at a time; refreshes requested meanwhile share its outcome.
type Orchestrator struct {
	users     UserStore
	directory RemoteLister
	clock     func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics

	group     singleflight.Group
	activated atomic.Bool

	mu          sync.Mutex
	state       State
	subscribers map[int64]*subscriber
	nextID      int64
}

type subscriber struct {
	id     int64
	stream chan State
}

// New validates cfg and returns an orchestrator in the Loading phase.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Users == nil {
		return nil, errMissingUsers
	}
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		users:       cfg.Users,
		directory:   cfg.Directory,
		clock:       clock,
		logger:      logger,
		metrics:     cfg.Metrics,
		state:       State{Phase: PhaseLoading, Users: []users.LocalUser{}},
		subscribers: make(map[int64]*subscriber),
	}, nil
}

// Activate runs the pipeline the first time it is called. Later calls return
// the current state without touching the remote directory.
func (o *Orchestrator) Activate(ctx context.Context) (State, error) {
	if !o.activated.CompareAndSwap(false, true) {
		return o.State(), nil
	}
	return o.Refresh(ctx)
}

// Refresh publishes the local snapshot and then attempts a remote refresh.
// Remote failures are absorbed into the returned state; the error is non-nil
// only when a local stage failed. Concurrent callers share one run.
func (o *Orchestrator) Refresh(ctx context.Context) (State, error) {
	o.activated.Store(true)
	resultChan := o.group.DoChan(refreshKey, func() (any, error) {
		return o.run(context.WithoutCancel(ctx))
	})
	select {
	case result := <-resultChan:
		state, _ := result.Val.(State)
		return state.clone(), result.Err
	case <-ctx.Done():
		return o.State(), ctx.Err()
	}
}

// State returns a copy of the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// Subscribe streams state changes until ctx ends or the returned cancel is
// called. The current state is delivered first. A slow subscriber loses
// intermediate states but always holds the latest one.
func (o *Orchestrator) Subscribe(ctx context.Context) (<-chan State, func()) {
	o.mu.Lock()
	o.nextID++
	sub := &subscriber{id: o.nextID, stream: make(chan State, subscriberBufferSize)}
	o.subscribers[sub.id] = sub
	sub.stream <- o.state.clone()
	o.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subscribers, sub.id)
			close(sub.stream)
			o.mu.Unlock()
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
	return sub.stream, cleanup
}

func (o *Orchestrator) run(ctx context.Context) (State, error) {
	snapshot, err := o.users.ListAll(ctx)
	if err != nil {
		o.logger.Error("sync stage failed", zap.String("stage", string(StageLoadLocal)), zap.Error(err))
		state := o.update(func(state *State) {
			state.Phase = PhaseReady
			state.Refreshing = false
			state.Error = err.Error()
		})
		return state, &StageError{Stage: StageLoadLocal, Err: err}
	}
	o.update(func(state *State) {
		state.Phase = PhaseReady
		state.Users = snapshot
		state.Refreshing = true
	})

	listing, err := o.directory.ListUsers(ctx)
	if err != nil {
		o.logger.Warn("remote directory unavailable, keeping local snapshot",
			zap.String("stage", string(StageFetchRemote)),
			zap.Int("local_users", len(snapshot)),
			zap.Error(err))
		o.metrics.RecordSyncRefresh(metrics.SyncOutcomeOffline, 0)
		state := o.update(func(state *State) {
			state.Offline = true
			state.Error = err.Error()
			state.Refreshing = false
		})
		return state, nil
	}

	if _, err := o.users.MergeRemote(ctx, listing.Users); err != nil {
		o.logger.Error("sync stage failed", zap.String("stage", string(StageReconcile)), zap.Error(err))
		state := o.update(func(state *State) {
			state.Error = err.Error()
			state.Refreshing = false
		})
		return state, &StageError{Stage: StageReconcile, Err: err}
	}

	refreshed, err := o.users.ListAll(ctx)
	if err != nil {
		o.logger.Error("sync stage failed", zap.String("stage", string(StagePublish)), zap.Error(err))
		state := o.update(func(state *State) {
			state.Error = err.Error()
			state.Refreshing = false
		})
		return state, &StageError{Stage: StagePublish, Err: err}
	}

	refreshedAt := o.clock().UTC()
	o.metrics.RecordSyncRefresh(metrics.SyncOutcomeOnline, len(listing.Rejected))
	if len(listing.Rejected) > 0 {
		o.logger.Info("remote records rejected", zap.Int("rejected", len(listing.Rejected)))
	}
	state := o.update(func(state *State) {
		state.Users = refreshed
		state.Offline = false
		state.Error = ""
		state.Refreshing = false
		state.Rejected = len(listing.Rejected)
		state.RefreshedAt = &refreshedAt
	})
	return state, nil
}

// update mutates the state and fans the result out to subscribers.
func (o *Orchestrator) update(mutate func(state *State)) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	mutate(&o.state)
	if o.state.Users == nil {
		o.state.Users = []users.LocalUser{}
	}
	for _, sub := range o.subscribers {
		deliverLatest(sub.stream, o.state.clone())
	}
	return o.state.clone()
}

func deliverLatest(stream chan State, state State) {
	select {
	case stream <- state:
		return
	default:
	}
	select {
	case <-stream:
	default:
	}
	select {
	case stream <- state:
	default:
	}
}
