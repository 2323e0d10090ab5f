package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/framemark/internal/directory"
	"github.com/MarcoPoloResearchLab/framemark/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingStore = errors.New("users: store handle required")

// RepositoryConfig describes the dependencies of the user repository.
type RepositoryConfig struct {
	Store  *store.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Repository persists LocalUser rows.
type Repository struct {
	store  *store.Store
	now    func() time.Time
	logger *zap.Logger
}

// NewRepository constructs the user repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{store: cfg.Store, now: clock, logger: logger}, nil
}

// Upsert updates the row with the same id or inserts it. CreatedAtMillis of an
// existing row is preserved, and a nil RemoteID never detaches an existing one.
func (r *Repository) Upsert(ctx context.Context, user LocalUser) (*LocalUser, error) {
	valid, err := user.validate()
	if err != nil {
		return nil, err
	}
	var stored LocalUser
	err = r.store.WriteTransaction(ctx, func(tx *gorm.DB) error {
		result, err := upsertTx(tx, valid, r.nowMillis())
		stored = result
		return err
	})
	if err != nil {
		r.logger.Warn("user upsert failed", zap.String("user_id", valid.ID), zap.Error(err))
		return nil, err
	}
	return &stored, nil
}

// CreateOffline inserts a user that exists only locally until a remote id is attached.
func (r *Repository) CreateOffline(ctx context.Context, name, email string) (*LocalUser, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("users: generate offline id: %w", err)
	}
	return r.Upsert(ctx, LocalUser{ID: offlineIDPrefix + value.String(), Name: name, Email: email})
}

// AttachRemote links an existing local user to a remote id without touching its local id.
func (r *Repository) AttachRemote(ctx context.Context, localID string, remoteID int64) (*LocalUser, error) {
	if remoteID <= 0 {
		return nil, fmt.Errorf("%w: remote id %d", ErrInvalidUser, remoteID)
	}
	var stored LocalUser
	err := r.store.WriteTransaction(ctx, func(tx *gorm.DB) error {
		existing, err := store.Get[LocalUser](ctx, tx, normalize(localID))
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("%w: unknown local id %q", ErrInvalidUser, localID)
		}
		existing.RemoteID = &remoteID
		result, err := upsertTx(tx, *existing, r.nowMillis())
		stored = result
		return err
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetByID returns nil when no user has the id.
func (r *Repository) GetByID(ctx context.Context, id string) (*LocalUser, error) {
	return store.Get[LocalUser](ctx, r.store.Reader(ctx), normalize(id))
}

// GetByRemoteID returns nil when no local user carries the remote id.
func (r *Repository) GetByRemoteID(ctx context.Context, remoteID int64) (*LocalUser, error) {
	rows, err := store.Find[LocalUser](ctx, r.store.Reader(ctx), store.Query{
		Where: "remote_id = ?",
		Args:  []any{remoteID},
		Limit: 1,
	})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// ListAll returns every local user ordered by name.
func (r *Repository) ListAll(ctx context.Context) ([]LocalUser, error) {
	return store.Find[LocalUser](ctx, r.store.Reader(ctx), store.Query{Order: "name ASC, id ASC"})
}

// MergeRemote reconciles every remote record into the local table inside one
// transaction. A record whose derived local id already belongs to a user
// linked to another remote id is skipped and left out of the result.
func (r *Repository) MergeRemote(ctx context.Context, remoteUsers []directory.RemoteUser) ([]LocalUser, error) {
	merged := make([]LocalUser, 0, len(remoteUsers))
	err := r.store.WriteTransaction(ctx, func(tx *gorm.DB) error {
		merged = merged[:0]
		nowMillis := r.nowMillis()
		for _, remoteUser := range remoteUsers {
			user, err := mergeRemoteTx(ctx, tx, remoteUser, nowMillis)
			if errors.Is(err, ErrRemoteIDConflict) {
				r.logger.Warn("remote user skipped", zap.Int64("remote_id", remoteUser.ID), zap.Error(err))
				continue
			}
			if err != nil {
				return err
			}
			merged = append(merged, user)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

func (r *Repository) nowMillis() int64 {
	return r.now().UTC().UnixMilli()
}

func upsertTx(tx *gorm.DB, user LocalUser, nowMillis int64) (LocalUser, error) {
	if user.RemoteID != nil {
		var owner LocalUser
		err := tx.Where("remote_id = ? AND id <> ?", *user.RemoteID, user.ID).Take(&owner).Error
		if err == nil {
			return LocalUser{}, fmt.Errorf("%w: remote id %d belongs to %s", ErrRemoteIDConflict, *user.RemoteID, owner.ID)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return LocalUser{}, err
		}
	}

	var existing LocalUser
	err := tx.Where("id = ?", user.ID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if user.CreatedAtMillis <= 0 {
			user.CreatedAtMillis = nowMillis
		}
		if err := tx.Create(&user).Error; err != nil {
			return LocalUser{}, err
		}
		return user, nil
	}
	if err != nil {
		return LocalUser{}, err
	}
	if existing.RemoteID != nil && user.RemoteID != nil && *existing.RemoteID != *user.RemoteID {
		return LocalUser{}, fmt.Errorf("%w: %s is linked to remote id %d", ErrRemoteIDConflict, existing.ID, *existing.RemoteID)
	}

	existing.Name = user.Name
	existing.Email = user.Email
	if user.RemoteID != nil {
		existing.RemoteID = user.RemoteID
	}
	updates := map[string]any{
		"name":      existing.Name,
		"email":     existing.Email,
		"remote_id": existing.RemoteID,
	}
	if err := tx.Model(&LocalUser{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
		return LocalUser{}, err
	}
	return existing, nil
}

func mergeRemoteTx(ctx context.Context, tx *gorm.DB, remoteUser directory.RemoteUser, nowMillis int64) (LocalUser, error) {
	remoteID := remoteUser.ID
	candidate := LocalUser{
		ID:       LocalIDForRemote(remoteID),
		RemoteID: &remoteID,
		Name:     remoteUser.Name,
		Email:    remoteUser.Email,
	}

	owners, err := store.Find[LocalUser](ctx, tx, store.Query{Where: "remote_id = ?", Args: []any{remoteID}, Limit: 1})
	if err != nil {
		return LocalUser{}, err
	}
	if len(owners) == 1 {
		candidate.ID = owners[0].ID
	}

	valid, err := candidate.validate()
	if err != nil {
		return LocalUser{}, err
	}
	return upsertTx(tx, valid, nowMillis)
}
