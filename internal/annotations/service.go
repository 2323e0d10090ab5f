// Package annotations persists videos, annotation sessions, comments and strokes,
// keeps session freshness in step with child writes, and answers temporal queries.
package annotations

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/framemark/internal/metrics"
	"github.com/MarcoPoloResearchLab/framemark/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	errMissingStore      = errors.New("store handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew = "annotations.service.new"

	writeKindComment = "comment"
	writeKindStroke  = "stroke"
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues identifiers for comments and strokes.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return uuidProvider{}
}

func (uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// ServiceConfig wires the shared dependencies of every repository in this package.
type ServiceConfig struct {
	Store      *store.Store
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	NearWindow time.Duration
}

// Repositories bundles the entity repositories built over one store handle.
type Repositories struct {
	Videos   *VideoRepository
	Sessions *SessionRepository
	Comments *CommentRepository
	Strokes  *StrokeRepository
}

type base struct {
	store      *store.Store
	clock      func() time.Time
	ids        IDProvider
	logger     *zap.Logger
	metrics    *metrics.Metrics
	nearWindow time.Duration
}

// NewRepositories validates the configuration and constructs every repository.
func NewRepositories(cfg ServiceConfig) (*Repositories, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	nearWindow := cfg.NearWindow
	if nearWindow <= 0 {
		nearWindow = DefaultNearWindow
	}

	shared := &base{
		store:      cfg.Store,
		clock:      clock,
		ids:        ids,
		logger:     logger,
		metrics:    cfg.Metrics,
		nearWindow: nearWindow,
	}
	sessions := &SessionRepository{base: shared}
	return &Repositories{
		Videos:   &VideoRepository{base: shared},
		Sessions: sessions,
		Comments: &CommentRepository{base: shared, sessions: sessions},
		Strokes:  &StrokeRepository{base: shared, sessions: sessions},
	}, nil
}

func (b *base) nowMillis() int64 {
	return b.clock().UTC().UnixMilli()
}

func (b *base) logError(operation, reason string, err error, fields ...zap.Field) {
	if b == nil || b.logger == nil || err == nil {
		return
	}
	allFields := make([]zap.Field, 0, len(fields)+3)
	allFields = append(allFields,
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	)
	allFields = append(allFields, fields...)
	b.logger.Error("annotations operation failed", allFields...)
}
