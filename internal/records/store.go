package records

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	columnFechaHora   = "fecha_hora"
	orderRecentFirst  = columnFechaHora + " DESC, id DESC"
	queryOlderThan    = columnFechaHora + " < ?"
	fieldLimit        = "limit"
	fieldCutoff       = "cutoff"
	logStoreErrorText = "record store error"
)

var noOpLogger = zap.NewNop()

// StoreConfig describes the dependencies of the record store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store owns the durable copies of requests and comments. Concurrent writers
// are serialized by the database handle it is given.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStorageError(opStoreNew, reasonMissingDB, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// InsertRequest validates and persists a request, stamping it with the server clock.
func (s *Store) InsertRequest(ctx context.Context, fields RequestFields) (RequestID, Request, error) {
	normalized := fields.Normalize()
	if err := normalized.Validate(); err != nil {
		return 0, Request{}, err
	}
	if s.db == nil {
		s.logError(opInsertRequest, reasonMissingDB, errMissingDatabase)
		return 0, Request{}, newStorageError(opInsertRequest, reasonMissingDB, errMissingDatabase)
	}

	row := Request{
		Nombre:      normalized.Nombre,
		Cancion:     normalized.Cancion,
		Dedicatoria: normalized.Dedicatoria,
		Artista:     normalized.Artista,
		FechaHora:   FormatTimestamp(s.clock()),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opInsertRequest, reasonInsert, err)
		return 0, Request{}, newStorageError(opInsertRequest, reasonInsert, err)
	}
	return RequestID(row.ID), row, nil
}

// InsertComment validates and persists a comment, stamping it with the server clock.
func (s *Store) InsertComment(ctx context.Context, fields CommentFields) (CommentID, Comment, error) {
	normalized := fields.Normalize()
	if err := normalized.Validate(); err != nil {
		return 0, Comment{}, err
	}
	if s.db == nil {
		s.logError(opInsertComment, reasonMissingDB, errMissingDatabase)
		return 0, Comment{}, newStorageError(opInsertComment, reasonMissingDB, errMissingDatabase)
	}

	row := Comment{
		Nombre:             normalized.Nombre,
		Mensaje:            normalized.Mensaje,
		Adjunto:            normalized.Adjunto,
		PreviewTitle:       normalized.Preview.Title,
		PreviewDescription: normalized.Preview.Description,
		PreviewImage:       normalized.Preview.Image,
		PreviewURL:         normalized.Preview.URL,
		FechaHora:          FormatTimestamp(s.clock()),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opInsertComment, reasonInsert, err)
		return 0, Comment{}, newStorageError(opInsertComment, reasonInsert, err)
	}
	return CommentID(row.ID), row, nil
}

// RecentRequests returns up to limit requests, newest first.
func (s *Store) RecentRequests(ctx context.Context, limit int) ([]Request, error) {
	if limit <= 0 {
		return []Request{}, nil
	}
	if s.db == nil {
		s.logError(opRecentRequests, reasonMissingDB, errMissingDatabase)
		return nil, newStorageError(opRecentRequests, reasonMissingDB, errMissingDatabase)
	}

	rows := make([]Request, 0, limit)
	if err := s.db.WithContext(ctx).Order(orderRecentFirst).Limit(limit).Find(&rows).Error; err != nil {
		s.logError(opRecentRequests, reasonQuery, err, zap.Int(fieldLimit, limit))
		return nil, newStorageError(opRecentRequests, reasonQuery, err)
	}
	return rows, nil
}

// RecentComments returns up to limit comments, newest first.
func (s *Store) RecentComments(ctx context.Context, limit int) ([]Comment, error) {
	if limit <= 0 {
		return []Comment{}, nil
	}
	if s.db == nil {
		s.logError(opRecentComments, reasonMissingDB, errMissingDatabase)
		return nil, newStorageError(opRecentComments, reasonMissingDB, errMissingDatabase)
	}

	rows := make([]Comment, 0, limit)
	if err := s.db.WithContext(ctx).Order(orderRecentFirst).Limit(limit).Find(&rows).Error; err != nil {
		s.logError(opRecentComments, reasonQuery, err, zap.Int(fieldLimit, limit))
		return nil, newStorageError(opRecentComments, reasonQuery, err)
	}
	return rows, nil
}

// EvictOlderThan deletes every request and comment stamped strictly before now-horizon.
// The cutoff is fixed before the delete runs, so rows written afterwards always survive.
func (s *Store) EvictOlderThan(ctx context.Context, horizon time.Duration) (EvictionResult, error) {
	if horizon <= 0 {
		err := errors.New("retention horizon must be positive")
		return EvictionResult{}, newStorageError(opEvictOlderThan, reasonInvalidSpan, err)
	}
	if s.db == nil {
		s.logError(opEvictOlderThan, reasonMissingDB, errMissingDatabase)
		return EvictionResult{}, newStorageError(opEvictOlderThan, reasonMissingDB, errMissingDatabase)
	}

	result := EvictionResult{Cutoff: FormatTimestamp(s.clock().Add(-horizon))}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		deleted := tx.Where(queryOlderThan, result.Cutoff).Delete(&Request{})
		if deleted.Error != nil {
			return deleted.Error
		}
		result.RequestsDeleted = deleted.RowsAffected

		deleted = tx.Where(queryOlderThan, result.Cutoff).Delete(&Comment{})
		if deleted.Error != nil {
			return deleted.Error
		}
		result.CommentsDeleted = deleted.RowsAffected
		return nil
	})
	if err != nil {
		s.logError(opEvictOlderThan, reasonDelete, err, zap.String(fieldCutoff, result.Cutoff))
		return EvictionResult{}, newStorageError(opEvictOlderThan, reasonDelete, err)
	}
	return result, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	logger := noOpLogger
	if s != nil && s.logger != nil {
		logger = s.logger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error(logStoreErrorText, attrs...)
}
