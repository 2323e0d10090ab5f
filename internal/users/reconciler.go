package users

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/MarcoPoloResearchLab/framemark/internal/directory"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var errMissingDirectory = errors.New("users: remote directory required")

// RemoteDirectory is the subset of the directory client the reconciler needs.
type RemoteDirectory interface {
	GetUser(ctx context.Context, remoteID int64) (directory.RemoteUser, error)
}

// ReconcilerConfig describes the dependencies of the identity reconciler.
type ReconcilerConfig struct {
	Repository *Repository
	Directory  RemoteDirectory
	Logger     *zap.Logger
}

// Reconciler maps remote ids onto stable local users.
type Reconciler struct {
	repository *Repository
	directory  RemoteDirectory
	logger     *zap.Logger
	group      singleflight.Group
	cache      sync.Map
}

// NewReconciler constructs the identity reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Repository == nil {
		return nil, errMissingStore
	}
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		repository: cfg.Repository,
		directory:  cfg.Directory,
		logger:     logger,
	}, nil
}

// Reconcile returns the local user for remoteID, fetching and storing the
// remote record when no local user carries that id yet. Repeated and
// concurrent calls for the same remote id return the same local record.
// The returned error wraps directory.ErrRemoteUnavailable or
// directory.ErrUserNotFound when the fetch was needed and failed.
func (r *Reconciler) Reconcile(ctx context.Context, remoteID int64) (*LocalUser, error) {
	if remoteID <= 0 {
		return nil, fmt.Errorf("%w: remote id %d", ErrInvalidUser, remoteID)
	}

	if local, err := r.lookupLocal(ctx, remoteID); local != nil || err != nil {
		return local, err
	}

	key := strconv.FormatInt(remoteID, 10)
	result, err, _ := r.group.Do(key, func() (any, error) {
		shared := context.WithoutCancel(ctx)
		if local, err := r.lookupLocal(shared, remoteID); local != nil || err != nil {
			return local, err
		}
		remoteUser, err := r.directory.GetUser(shared, remoteID)
		if err != nil {
			r.logger.Info("remote user fetch failed",
				zap.Int64("remote_id", remoteID),
				zap.Error(err))
			return nil, err
		}
		merged, err := r.repository.MergeRemote(shared, []directory.RemoteUser{remoteUser})
		if err != nil {
			return nil, err
		}
		if len(merged) == 0 {
			return nil, fmt.Errorf("%w: local id %s is linked elsewhere", ErrRemoteIDConflict, LocalIDForRemote(remoteID))
		}
		if len(merged) != 1 {
			return nil, fmt.Errorf("users: reconcile %d produced %d rows", remoteID, len(merged))
		}
		user := merged[0]
		r.cache.Store(remoteID, user.ID)
		return &user, nil
	})
	if err != nil {
		return nil, err
	}
	user, ok := result.(*LocalUser)
	if !ok || user == nil {
		return nil, fmt.Errorf("users: reconcile %d returned no user", remoteID)
	}
	copied := *user
	return &copied, nil
}

// Forget drops cached remote-to-local mappings, used after a destructive schema reset.
func (r *Reconciler) Forget() {
	r.cache.Range(func(key, _ any) bool {
		r.cache.Delete(key)
		return true
	})
}

func (r *Reconciler) lookupLocal(ctx context.Context, remoteID int64) (*LocalUser, error) {
	if cached, ok := r.cache.Load(remoteID); ok {
		if localID, ok := cached.(string); ok {
			user, err := r.repository.GetByID(ctx, localID)
			if err != nil {
				return nil, err
			}
			if user != nil && user.RemoteID != nil && *user.RemoteID == remoteID {
				return user, nil
			}
			r.cache.Delete(remoteID)
		}
	}

	user, err := r.repository.GetByRemoteID(ctx, remoteID)
	if err != nil {
		return nil, err
	}
	if user != nil {
		r.cache.Store(remoteID, user.ID)
	}
	return user, nil
}
