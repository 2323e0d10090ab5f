package annotations

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/framemark/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opAddComment   = "annotations.comments.add"
	opListComments = "annotations.comments.list"
	opListAround   = "annotations.comments.list_around"

	// DefaultNearWindow is the symmetric band used by ListAround when no window is given.
	DefaultNearWindow = 2000 * time.Millisecond
)

// CommentRepository persists append-only comments.
type CommentRepository struct {
	*base
	sessions *SessionRepository
}

// Add validates and stores a comment and advances the session's updated-at in the same transaction.
func (r *CommentRepository) Add(ctx context.Context, input CommentInput) (comment *Comment, err error) {
	defer func() {
		r.metrics.RecordAnnotationWrite(writeKindComment, err)
	}()

	valid, err := input.validate()
	if err != nil {
		return nil, err
	}
	if err := r.sessions.requireSession(ctx, valid.sessionID); err != nil {
		return nil, err
	}
	id, err := r.ids.NewID()
	if err != nil {
		r.logError(opAddComment, "id_generation_failed", err)
		return nil, newServiceError(opAddComment, "id_generation_failed", err)
	}

	var stored Comment
	err = r.store.WriteTransaction(ctx, func(tx *gorm.DB) error {
		return r.sessions.withFreshness(tx, valid.sessionID, func(writeAtMillis int64) (bool, error) {
			stored = Comment{
				ID:              id,
				SessionID:       valid.sessionID,
				Text:            valid.text,
				OffsetMillis:    valid.offsetMillis,
				CreatedAtMillis: writeAtMillis,
			}
			return true, tx.Create(&stored).Error
		})
	})
	if err != nil {
		r.logError(opAddComment, "transaction_failed", err, zap.String("session_id", valid.sessionID))
		return nil, newServiceError(opAddComment, "transaction_failed", err)
	}
	return &stored, nil
}

// ListForSession returns every comment of the session ordered by offset.
func (r *CommentRepository) ListForSession(ctx context.Context, sessionID string) ([]Comment, error) {
	rows, err := store.Find[Comment](ctx, r.store.Reader(ctx), store.Query{
		Where: "session_id = ?",
		Args:  []any{strings.TrimSpace(sessionID)},
		Order: "t_ms ASC, created_at_ms ASC, id ASC",
	})
	if err != nil {
		return nil, newServiceError(opListComments, "query_failed", err)
	}
	return rows, nil
}

// ListAround returns comments whose offset lies within window of centerMillis,
// bounds included, ordered by offset. A non-positive window uses the default band.
func (r *CommentRepository) ListAround(ctx context.Context, sessionID string, centerMillis int64, window time.Duration) ([]Comment, error) {
	if window <= 0 {
		window = r.nearWindow
	}
	lower, upper := windowBounds(centerMillis, window.Milliseconds())
	rows, err := store.Find[Comment](ctx, r.store.Reader(ctx), store.Query{
		Where: "session_id = ? AND t_ms BETWEEN ? AND ?",
		Args:  []any{strings.TrimSpace(sessionID), lower, upper},
		Order: "t_ms ASC, created_at_ms ASC, id ASC",
	})
	if err != nil {
		return nil, newServiceError(opListAround, "query_failed", err)
	}
	return rows, nil
}

// windowBounds returns [center-window, center+window] clamped to [0, math.MaxInt64].
func windowBounds(centerMillis, windowMillis int64) (int64, int64) {
	centerMillis = max(centerMillis, 0)
	windowMillis = max(windowMillis, 0)
	lower := max(centerMillis-windowMillis, 0)
	upper := int64(math.MaxInt64)
	if centerMillis <= math.MaxInt64-windowMillis {
		upper = centerMillis + windowMillis
	}
	return lower, upper
}
