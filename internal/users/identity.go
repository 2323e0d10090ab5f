package users

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	remoteIDPrefix  = "u_"
	offlineIDPrefix = "local_"
	maxIDLength     = 190
)

var (
	// ErrInvalidUser indicates a user record with a missing id or name.
	ErrInvalidUser = errors.New("users: invalid user")
	// ErrRemoteIDConflict indicates an attempt to attach a remote id already owned by another local user.
	ErrRemoteIDConflict = errors.New("users: remote id already attached to another user")
)

// LocalUser is the locally authoritative user record. ID never changes once
// assigned; RemoteID is attached by reconciliation.
type LocalUser struct {
	ID              string `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	RemoteID        *int64 `gorm:"column:remote_id;uniqueIndex:idx_local_users_remote_id" json:"remoteId,omitempty"`
	Name            string `gorm:"column:name;size:320;not null;index:idx_local_users_name" json:"name"`
	Email           string `gorm:"column:email;size:320;not null;default:''" json:"email"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null" json:"createdAtMillis"`
}

// TableName exposes the table backing local users.
func (LocalUser) TableName() string {
	return "local_users"
}

// LocalIDForRemote derives the local id for a user first seen through the remote directory.
func LocalIDForRemote(remoteID int64) string {
	return remoteIDPrefix + strconv.FormatInt(remoteID, 10)
}

// IsOfflineID reports whether id was issued by CreateOffline.
func IsOfflineID(id string) bool {
	return strings.HasPrefix(id, offlineIDPrefix)
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func (u LocalUser) validate() (LocalUser, error) {
	u.ID = normalize(u.ID)
	u.Name = normalize(u.Name)
	u.Email = normalize(u.Email)
	if u.ID == "" {
		return LocalUser{}, fmt.Errorf("%w: empty id", ErrInvalidUser)
	}
	if len(u.ID) > maxIDLength {
		return LocalUser{}, fmt.Errorf("%w: id exceeds %d characters", ErrInvalidUser, maxIDLength)
	}
	if u.Name == "" {
		return LocalUser{}, fmt.Errorf("%w: empty name", ErrInvalidUser)
	}
	if u.RemoteID != nil {
		if *u.RemoteID <= 0 {
			return LocalUser{}, fmt.Errorf("%w: remote id %d", ErrInvalidUser, *u.RemoteID)
		}
		remoteID := *u.RemoteID
		u.RemoteID = &remoteID
	}
	return u, nil
}
