package annotations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/framemark/internal/store"
	"github.com/MarcoPoloResearchLab/framemark/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opEnsureVideo  = "annotations.videos.ensure"
	opUpsertVideo  = "annotations.videos.upsert"
	opSetDuration  = "annotations.videos.set_duration"
	opGetOrCreate  = "annotations.sessions.get_or_create"
	opTouchSession = "annotations.sessions.touch"
	opListSessions = "annotations.sessions.list"
)

// VideoRepository persists Video rows keyed by id with a unique uri.
type VideoRepository struct {
	*base
}

// Ensure returns the video already stored for uri, or creates one whose id is the uri.
func (r *VideoRepository) Ensure(ctx context.Context, uri, title string) (*Video, error) {
	normalizedURI, err := normalizeIdentifier(uri)
	if err != nil {
		return nil, err
	}
	var video Video
	err = r.store.WriteTransaction(ctx, func(tx *gorm.DB) error {
		existing, err := store.Find[Video](ctx, tx, store.Query{Where: "uri = ?", Args: []any{normalizedURI}, Limit: 1})
		if err != nil {
			return err
		}
		if len(existing) == 1 {
			video = existing[0]
			return nil
		}
		video = Video{
			ID:              normalizedURI,
			URI:             normalizedURI,
			Title:           strings.TrimSpace(title),
			CreatedAtMillis: r.nowMillis(),
		}
		return tx.Create(&video).Error
	})
	if err != nil {
		r.logError(opEnsureVideo, "transaction_failed", err, zap.String("uri", normalizedURI))
		return nil, newServiceError(opEnsureVideo, "transaction_failed", err)
	}
	return &video, nil
}

// Upsert updates the video with the same id or inserts it, preserving the stored created-at and duration.
func (r *VideoRepository) Upsert(ctx context.Context, video Video) (*Video, error) {
	id, err := normalizeIdentifier(video.ID)
	if err != nil {
		return nil, err
	}
	uri, err := normalizeIdentifier(video.URI)
	if err != nil {
		return nil, err
	}
	video.ID = id
	video.URI = uri
	video.Title = strings.TrimSpace(video.Title)

	var stored Video
	err = r.store.WriteTransaction(ctx, func(tx *gorm.DB) error {
		existing, err := store.Get[Video](ctx, tx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			if video.CreatedAtMillis <= 0 {
				video.CreatedAtMillis = r.nowMillis()
			}
			stored = video
			return tx.Create(&stored).Error
		}
		existing.URI = video.URI
		existing.Title = video.Title
		if existing.DurationMillis == nil && video.DurationMillis != nil {
			duration := *video.DurationMillis
			existing.DurationMillis = &duration
		}
		stored = *existing
		return tx.Model(&Video{}).Where("id = ?", id).Updates(map[string]any{
			"uri":         stored.URI,
			"title":       stored.Title,
			"duration_ms": stored.DurationMillis,
		}).Error
	})
	if err != nil {
		r.logError(opUpsertVideo, "transaction_failed", err, zap.String("video_id", id))
		return nil, newServiceError(opUpsertVideo, "transaction_failed", err)
	}
	return &stored, nil
}

// GetByID returns nil when no video has the id.
func (r *VideoRepository) GetByID(ctx context.Context, id string) (*Video, error) {
	return store.Get[Video](ctx, r.store.Reader(ctx), strings.TrimSpace(id))
}

// SetDuration records the playback duration the first time it becomes known. Later calls leave it unchanged.
func (r *VideoRepository) SetDuration(ctx context.Context, id string, durationMillis int64) (*Video, error) {
	if durationMillis <= 0 {
		return nil, fmt.Errorf("%w: duration %d", ErrInvalidOffset, durationMillis)
	}
	videoID, err := normalizeIdentifier(id)
	if err != nil {
		return nil, err
	}
	current, err := r.GetByID(ctx, videoID)
	if err != nil {
		return nil, newServiceError(opSetDuration, "lookup_failed", err)
	}
	if current == nil {
		return nil, ErrVideoNotFound
	}

	var stored Video
	err = r.store.WriteTransaction(ctx, func(tx *gorm.DB) error {
		existing, err := store.Get[Video](ctx, tx, videoID)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrVideoNotFound
		}
		stored = *existing
		if stored.DurationMillis != nil {
			return nil
		}
		stored.DurationMillis = &durationMillis
		return tx.Model(&Video{}).Where("id = ? AND duration_ms IS NULL", videoID).Update("duration_ms", durationMillis).Error
	})
	if err != nil {
		r.logError(opSetDuration, "transaction_failed", err, zap.String("video_id", videoID))
		return nil, newServiceError(opSetDuration, "transaction_failed", err)
	}
	return &stored, nil
}

// SessionRepository persists annotation sessions and tracks their freshness.
type SessionRepository struct {
	*base
}

// GetOrCreate returns the single session for the user and video, creating it
// when absent. Concurrent calls never produce more than one row.
func (r *SessionRepository) GetOrCreate(ctx context.Context, userID, videoID string) (*Session, error) {
	normalizedUser, err := normalizeIdentifier(userID)
	if err != nil {
		return nil, err
	}
	normalizedVideo, err := normalizeIdentifier(videoID)
	if err != nil {
		return nil, err
	}
	sessionID := SessionID(normalizedUser, normalizedVideo)

	existing, err := r.GetByID(ctx, sessionID)
	if err != nil {
		return nil, newServiceError(opGetOrCreate, "lookup_failed", err)
	}
	if existing != nil {
		return existing, nil
	}

	reader := r.store.Reader(ctx)
	user, err := store.Get[users.LocalUser](ctx, reader, normalizedUser)
	if err != nil {
		return nil, newServiceError(opGetOrCreate, "lookup_failed", err)
	}
	video, err := store.Get[Video](ctx, reader, normalizedVideo)
	if err != nil {
		return nil, newServiceError(opGetOrCreate, "lookup_failed", err)
	}
	if user == nil || video == nil {
		return nil, fmt.Errorf("%w: user %q video %q", ErrUnknownParticipant, normalizedUser, normalizedVideo)
	}

	var session Session
	err = r.store.WriteTransaction(ctx, func(tx *gorm.DB) error {
		nowMillis := r.nowMillis()
		candidate := Session{
			ID:              sessionID,
			UserID:          normalizedUser,
			VideoID:         normalizedVideo,
			CreatedAtMillis: nowMillis,
			UpdatedAtMillis: nowMillis,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", sessionID).Take(&session).Error
	})
	if err != nil {
		r.logError(opGetOrCreate, "transaction_failed", err, zap.String("session_id", sessionID))
		return nil, newServiceError(opGetOrCreate, "transaction_failed", err)
	}
	return &session, nil
}

// GetByID returns nil when no session has the id.
func (r *SessionRepository) GetByID(ctx context.Context, sessionID string) (*Session, error) {
	return store.Get[Session](ctx, r.store.Reader(ctx), strings.TrimSpace(sessionID))
}

// ListForUser returns the user's sessions, most recently updated first.
func (r *SessionRepository) ListForUser(ctx context.Context, userID string) ([]Session, error) {
	rows, err := store.Find[Session](ctx, r.store.Reader(ctx), store.Query{
		Where: "user_id = ?",
		Args:  []any{strings.TrimSpace(userID)},
		Order: "updated_at_ms DESC, id ASC",
	})
	if err != nil {
		return nil, newServiceError(opListSessions, "query_failed", err)
	}
	return rows, nil
}

// Touch advances the session's updated-at to at, never moving it backwards.
func (r *SessionRepository) Touch(ctx context.Context, sessionID string, at time.Time) (*Session, error) {
	normalized, err := normalizeIdentifier(sessionID)
	if err != nil {
		return nil, err
	}
	var session Session
	err = r.store.WriteTransaction(ctx, func(tx *gorm.DB) error {
		current, err := loadSessionTx(tx, normalized)
		if err != nil {
			return err
		}
		session = current
		stamp := at.UTC().UnixMilli()
		if stamp <= session.UpdatedAtMillis {
			return nil
		}
		session.UpdatedAtMillis = stamp
		return tx.Model(&Session{}).Where("id = ?", normalized).Update("updated_at_ms", stamp).Error
	})
	if err != nil {
		r.logError(opTouchSession, "transaction_failed", err, zap.String("session_id", normalized))
		return nil, newServiceError(opTouchSession, "transaction_failed", err)
	}
	return &session, nil
}

// requireSession rejects writes against unknown sessions before a transaction starts.
func (r *SessionRepository) requireSession(ctx context.Context, sessionID string) error {
	session, err := r.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return nil
}

// withFreshness runs write inside tx with the write timestamp and, when write
// reports a change, advances the owning session's updated-at to that same
// timestamp. The timestamp is never earlier than the session's current updated-at.
func (r *SessionRepository) withFreshness(tx *gorm.DB, sessionID string, write func(writeAtMillis int64) (bool, error)) error {
	session, err := loadSessionTx(tx, sessionID)
	if err != nil {
		return err
	}
	writeAt := max(r.nowMillis(), session.UpdatedAtMillis)
	changed, err := write(writeAt)
	if err != nil || !changed {
		return err
	}
	return tx.Model(&Session{}).Where("id = ?", sessionID).Update("updated_at_ms", writeAt).Error
}

func loadSessionTx(tx *gorm.DB, sessionID string) (Session, error) {
	var session Session
	err := tx.Where("id = ?", sessionID).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session, err
}
