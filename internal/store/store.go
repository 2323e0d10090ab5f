// Package store owns the process-wide handle to the local SQLite database and
// serializes write transactions against it.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/framemark/internal/metrics"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	memoryPath       = ":memory:"
	filePragmas      = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	fileMaxOpenConns = 4
)

var (
	// ErrTransactionFailure wraps any error or panic raised inside a write transaction.
	ErrTransactionFailure = errors.New("store: transaction failed")
	// ErrClosed reports use of a handle after Close.
	ErrClosed = errors.New("store: closed")

	errMissingPath = errors.New("store: database path is required")
)

// Options configure the handle created by the first Open for a path.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Store is a shared handle to one database file.
type Store struct {
	key     string
	db      *gorm.DB
	logger  *zap.Logger
	metrics *metrics.Metrics

	writeMu sync.Mutex
	refs    int
	closed  atomic.Bool
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Store{}
)

// Open returns the handle for path, creating it on first use. Concurrent and
// repeated calls for the same path share one handle; every successful Open
// must be paired with a Close.
func Open(path string, options Options) (*Store, error) {
	key, err := registryKey(path)
	if err != nil {
		return nil, err
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if existing, ok := registry[key]; ok {
		existing.refs++
		return existing, nil
	}

	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(dataSourceName(key)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", key, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", key, err)
	}
	if key == memoryPath {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(fileMaxOpenConns)
	}

	handle := &Store{
		key:     key,
		db:      db,
		logger:  logger,
		metrics: options.Metrics,
		refs:    1,
	}
	registry[key] = handle
	logger.Info("store opened", zap.String("path", key))
	return handle, nil
}

// Close releases one reference. The connection pool is closed when the last reference is released.
func (s *Store) Close() error {
	registryMu.Lock()
	defer registryMu.Unlock()

	if s.closed.Load() {
		return nil
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.closed.Store(true)
	delete(registry, s.key)

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	s.logger.Info("store closed", zap.String("path", s.key))
	return sqlDB.Close()
}

// Path returns the normalized location the handle was opened with.
func (s *Store) Path() string {
	return s.key
}

// Logger returns the logger attached at open time.
func (s *Store) Logger() *zap.Logger {
	return s.logger
}

// Reader returns a context-scoped session for reads outside write transactions.
// Rows loaded through it are detached copies.
func (s *Store) Reader(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// WriteTransaction runs fn atomically. At most one write transaction executes
// at a time per handle. Any error returned by fn, or panic raised inside it,
// rolls every change back and surfaces as ErrTransactionFailure.
func (s *Store) WriteTransaction(ctx context.Context, fn func(tx *gorm.DB) error) (err error) {
	if fn == nil {
		return fmt.Errorf("%w: nil transaction body", ErrTransactionFailure)
	}
	started := time.Now()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: panic: %v", ErrTransactionFailure, recovered)
		}
		s.metrics.RecordTransaction(time.Since(started), err)
		if err != nil {
			s.logger.Debug("write transaction rolled back", zap.Error(err))
		}
	}()

	if s.closed.Load() {
		return ErrClosed
	}
	if txErr := s.db.WithContext(ctx).Transaction(fn); txErr != nil {
		return fmt.Errorf("%w: %w", ErrTransactionFailure, txErr)
	}
	return nil
}

func registryKey(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", errMissingPath
	}
	if trimmed == memoryPath {
		return memoryPath, nil
	}
	absolute, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("store: resolve %s: %w", trimmed, err)
	}
	return filepath.Clean(absolute), nil
}

func dataSourceName(key string) string {
	if key == memoryPath {
		return key
	}
	return "file:" + key + "?" + filePragmas
}
