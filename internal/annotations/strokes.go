package annotations

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/framemark/internal/store"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	opAddStroke      = "annotations.strokes.add"
	opListStrokes    = "annotations.strokes.list"
	opListActiveAt   = "annotations.strokes.list_active_at"
	opDeleteStroke   = "annotations.strokes.delete"
	opClearActiveAt  = "annotations.strokes.clear_active_at"
	opClearAll       = "annotations.strokes.clear_all"
	activeAtClause   = "session_id = ? AND start_ms <= ? AND (end_ms IS NULL OR end_ms >= ?)"
	strokeOrderByAsc = "start_ms ASC, created_at_ms ASC, id ASC"
)

// StrokeRepository persists strokes and answers interval queries over them.
type StrokeRepository struct {
	*base
	sessions *SessionRepository
}

// Add validates and stores a stroke and advances the session's updated-at in
// the same transaction. Path geometry that does not begin with a move-to
// command is rejected with ErrInvalidStrokePath and nothing is written.
func (r *StrokeRepository) Add(ctx context.Context, input StrokeInput) (stroke *Stroke, err error) {
	defer func() {
		r.metrics.RecordAnnotationWrite(writeKindStroke, err)
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
		r.logError(opAddStroke, "id_generation_failed", err)
		return nil, newServiceError(opAddStroke, "id_generation_failed", err)
	}

	var stored Stroke
	err = r.store.WriteTransaction(ctx, func(tx *gorm.DB) error {
		return r.sessions.withFreshness(tx, valid.sessionID, func(writeAtMillis int64) (bool, error) {
			stored = Stroke{
				ID:              id,
				SessionID:       valid.sessionID,
				StartMillis:     valid.startMillis,
				EndMillis:       valid.endMillis,
				Color:           valid.color,
				Width:           valid.width,
				Path:            valid.path,
				Points:          datatypes.JSONSlice[StrokePoint](valid.points),
				CreatedAtMillis: writeAtMillis,
			}
			return true, tx.Create(&stored).Error
		})
	})
	if err != nil {
		r.logError(opAddStroke, "transaction_failed", err, zap.String("session_id", valid.sessionID))
		return nil, newServiceError(opAddStroke, "transaction_failed", err)
	}
	return &stored, nil
}

// Get returns nil when no stroke has the id.
func (r *StrokeRepository) Get(ctx context.Context, strokeID string) (*Stroke, error) {
	return store.Get[Stroke](ctx, r.store.Reader(ctx), strings.TrimSpace(strokeID))
}

// ListAll returns every stroke of the session ordered by start offset.
func (r *StrokeRepository) ListAll(ctx context.Context, sessionID string) ([]Stroke, error) {
	rows, err := store.Find[Stroke](ctx, r.store.Reader(ctx), store.Query{
		Where: "session_id = ?",
		Args:  []any{strings.TrimSpace(sessionID)},
		Order: strokeOrderByAsc,
	})
	if err != nil {
		return nil, newServiceError(opListStrokes, "query_failed", err)
	}
	return rows, nil
}

// ListActiveAt returns the strokes whose interval covers atMillis: start at or
// before it and end absent or at or after it, ordered by start offset.
func (r *StrokeRepository) ListActiveAt(ctx context.Context, sessionID string, atMillis int64) ([]Stroke, error) {
	normalized := strings.TrimSpace(sessionID)
	rows, err := store.Find[Stroke](ctx, r.store.Reader(ctx), store.Query{
		Where: activeAtClause,
		Args:  []any{normalized, atMillis, atMillis},
		Order: strokeOrderByAsc,
	})
	if err != nil {
		return nil, newServiceError(opListActiveAt, "query_failed", err)
	}
	return rows, nil
}

// Delete removes one stroke. It reports false when no stroke has the id.
func (r *StrokeRepository) Delete(ctx context.Context, strokeID string) (bool, error) {
	normalized := strings.TrimSpace(strokeID)
	existing, err := store.Get[Stroke](ctx, r.store.Reader(ctx), normalized)
	if err != nil {
		return false, newServiceError(opDeleteStroke, "lookup_failed", err)
	}
	if existing == nil {
		return false, nil
	}

	deleted := false
	err = r.store.WriteTransaction(ctx, func(tx *gorm.DB) error {
		return r.sessions.withFreshness(tx, existing.SessionID, func(int64) (bool, error) {
			result := tx.Where("id = ?", normalized).Delete(&Stroke{})
			deleted = result.RowsAffected > 0
			return deleted, result.Error
		})
	})
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		r.logError(opDeleteStroke, "transaction_failed", err, zap.String("stroke_id", normalized))
		return false, newServiceError(opDeleteStroke, "transaction_failed", err)
	}
	return deleted, nil
}

// ClearActiveAt deletes every stroke of the session active at atMillis and returns how many were removed.
func (r *StrokeRepository) ClearActiveAt(ctx context.Context, sessionID string, atMillis int64) (int64, error) {
	normalized, err := normalizeIdentifier(sessionID)
	if err != nil {
		return 0, err
	}
	return r.clear(ctx, opClearActiveAt, normalized, activeAtClause, normalized, atMillis, atMillis)
}

// ClearAll deletes every stroke of the session and returns how many were removed.
func (r *StrokeRepository) ClearAll(ctx context.Context, sessionID string) (int64, error) {
	normalized, err := normalizeIdentifier(sessionID)
	if err != nil {
		return 0, err
	}
	return r.clear(ctx, opClearAll, normalized, "session_id = ?", normalized)
}

func (r *StrokeRepository) clear(ctx context.Context, operation, sessionID, where string, args ...any) (int64, error) {
	if err := r.sessions.requireSession(ctx, sessionID); err != nil {
		return 0, err
	}
	var removed int64
	err := r.store.WriteTransaction(ctx, func(tx *gorm.DB) error {
		return r.sessions.withFreshness(tx, sessionID, func(int64) (bool, error) {
			result := tx.Where(where, args...).Delete(&Stroke{})
			removed = result.RowsAffected
			return removed > 0, result.Error
		})
	})
	if err != nil {
		r.logError(operation, "transaction_failed", err, zap.String("session_id", sessionID))
		return 0, newServiceError(operation, "transaction_failed", err)
	}
	return removed, nil
}
