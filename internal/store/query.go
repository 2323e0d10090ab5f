package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// Query filters a Find call. Zero values mean no constraint.
type Query struct {
	Where string
	Args  []any
	Order string
	Limit int
}

// Get loads the row of type T whose primary key column "id" equals id.
// A missing row yields (nil, nil).
func Get[T any](ctx context.Context, db *gorm.DB, id string) (*T, error) {
	var row T
	err := db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Find loads every row of type T matching query.
func Find[T any](ctx context.Context, db *gorm.DB, query Query) ([]T, error) {
	statement := db.WithContext(ctx)
	if query.Where != "" {
		statement = statement.Where(query.Where, query.Args...)
	}
	if query.Order != "" {
		statement = statement.Order(query.Order)
	}
	if query.Limit > 0 {
		statement = statement.Limit(query.Limit)
	}
	rows := make([]T, 0)
	if err := statement.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
